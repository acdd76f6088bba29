package telemetry

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/flyingrobots/migration-queue-dispatcher/internal/config"
)

func testStore() *MemoryStore {
	cfg := config.Telemetry{
		MaxConcurrentReads:     50,
		MaxConcurrentWrites:    10,
		ActivityHistoryLimit:   3,
		MessagePreviewMaxRunes: 10,
	}
	return NewMemoryStore(cfg, zap.NewNop())
}

func TestInitProcessSeedsOrchestrationAgents(t *testing.T) {
	ctx := context.Background()
	s := testStore()
	if err := s.InitProcess(ctx, "p1", "analysis", "step_1"); err != nil {
		t.Fatal(err)
	}
	p, ok, err := s.GetProcess(ctx, "p1")
	if err != nil || !ok {
		t.Fatalf("GetProcess failed: ok=%v err=%v", ok, err)
	}
	if p.Status != "running" {
		t.Fatalf("status = %q, want running", p.Status)
	}
	if _, ok := p.Agents["Conversation_Manager"]; !ok {
		t.Fatal("expected seeded Conversation_Manager agent")
	}
}

func TestUpdateAgentActivityAppendsHistoryOnlyWhenNonIdle(t *testing.T) {
	ctx := context.Background()
	s := testStore()
	s.InitProcess(ctx, "p1", "analysis", "step_1")

	if err := s.UpdateAgentActivity(ctx, "p1", "Chief_Architect", "thinking", "evaluating platform", false); err != nil {
		t.Fatal(err)
	}
	p, _, _ := s.GetProcess(ctx, "p1")
	agent := p.Agents["Chief_Architect"]
	if len(agent.ActivityHistory) != 0 {
		t.Fatalf("first transition from idle should not append history, got %d entries", len(agent.ActivityHistory))
	}
	if agent.CurrentAction != "thinking" || !agent.IsActive {
		t.Fatalf("got %+v, want thinking/active", agent)
	}

	if err := s.UpdateAgentActivity(ctx, "p1", "Chief_Architect", "speaking", "here is my analysis", false); err != nil {
		t.Fatal(err)
	}
	p, _, _ = s.GetProcess(ctx, "p1")
	agent = p.Agents["Chief_Architect"]
	if len(agent.ActivityHistory) != 1 {
		t.Fatalf("transition from thinking->speaking should append 1 history entry, got %d", len(agent.ActivityHistory))
	}
	if agent.ActivityHistory[0].Action != "thinking" {
		t.Fatalf("history entry action = %q, want thinking", agent.ActivityHistory[0].Action)
	}
}

func TestUpdateAgentActivityAtMostOneActiveNonOrchestrationAgent(t *testing.T) {
	ctx := context.Background()
	s := testStore()
	s.InitProcess(ctx, "p1", "analysis", "step_1")

	s.UpdateAgentActivity(ctx, "p1", "Chief_Architect", "thinking", "a", false)
	s.UpdateAgentActivity(ctx, "p1", "EKS_Expert", "speaking", "b", false)

	p, _, _ := s.GetProcess(ctx, "p1")
	if p.Agents["Chief_Architect"].IsActive {
		t.Fatal("Chief_Architect should have been demoted to inactive")
	}
	if !p.Agents["EKS_Expert"].IsActive {
		t.Fatal("EKS_Expert should be the sole active non-orchestration agent")
	}
}

func TestActivityHistoryBoundedByLimit(t *testing.T) {
	ctx := context.Background()
	s := testStore() // history limit 3
	s.InitProcess(ctx, "p1", "analysis", "step_1")

	actions := []string{"thinking", "speaking", "analyzing", "processing", "completed"}
	for _, a := range actions {
		s.UpdateAgentActivity(ctx, "p1", "Chief_Architect", a, "x", false)
	}

	p, _, _ := s.GetProcess(ctx, "p1")
	if len(p.Agents["Chief_Architect"].ActivityHistory) > 3 {
		t.Fatalf("history length %d exceeds configured limit 3", len(p.Agents["Chief_Architect"].ActivityHistory))
	}
}

func TestMessagePreviewTruncated(t *testing.T) {
	ctx := context.Background()
	s := testStore() // preview limit 10 runes
	s.InitProcess(ctx, "p1", "analysis", "step_1")
	s.UpdateAgentActivity(ctx, "p1", "Chief_Architect", "thinking", "this message is definitely longer than ten runes", false)

	p, _, _ := s.GetProcess(ctx, "p1")
	if got := p.Agents["Chief_Architect"].LastMessagePreview; len([]rune(got)) != 10 {
		t.Fatalf("preview = %q (%d runes), want 10", got, len([]rune(got)))
	}
}

func TestTransitionToPhaseResetsNonOrchestrationAgents(t *testing.T) {
	ctx := context.Background()
	s := testStore()
	s.InitProcess(ctx, "p1", "analysis", "step_1")
	s.UpdateAgentActivity(ctx, "p1", "Chief_Architect", "completed", "done", false)

	if err := s.TransitionToPhase(ctx, "p1", "design", "step_2"); err != nil {
		t.Fatal(err)
	}
	p, _, _ := s.GetProcess(ctx, "p1")
	if p.Phase != "design" || p.Step != "step_2" {
		t.Fatalf("got phase=%q step=%q", p.Phase, p.Step)
	}
	agent := p.Agents["Chief_Architect"]
	if agent.CurrentAction != "ready" || agent.ParticipationStatus != "ready" {
		t.Fatalf("got %+v, want reset to ready", agent)
	}
	// Orchestration agents are untouched by the reset.
	cm := p.Agents["Conversation_Manager"]
	if cm.ParticipationStatus != "standby" {
		t.Fatalf("orchestration agent should be left alone, got %+v", cm)
	}
}

func TestRecordFinalOutcomeSuccessMarksCompleted(t *testing.T) {
	ctx := context.Background()
	s := testStore()
	s.InitProcess(ctx, "p1", "analysis", "step_1")
	s.RecordStepResult(ctx, "p1", "Analysis", map[string]any{"ok": true})

	if err := s.RecordFinalOutcome(ctx, "p1", map[string]any{"summary": "done"}, true); err != nil {
		t.Fatal(err)
	}
	p, _, _ := s.GetProcess(ctx, "p1")
	if p.Status != "completed" {
		t.Fatalf("status = %q, want completed (invariant: status=completed implies final_outcome.success=true)", p.Status)
	}
	if !p.FinalOutcome.Success {
		t.Fatal("final_outcome.success should be true")
	}
	if p.FinalOutcome.TotalStepsCompleted != 1 {
		t.Fatalf("total_steps_completed = %d, want 1", p.FinalOutcome.TotalStepsCompleted)
	}
}

func TestRecordFailureOutcomeMarksFailedWithReason(t *testing.T) {
	ctx := context.Background()
	s := testStore()
	s.InitProcess(ctx, "p1", "analysis", "step_1")

	if err := s.RecordFailureOutcome(ctx, "p1", "orchestrator unreachable", "Design", nil); err != nil {
		t.Fatal(err)
	}
	p, _, _ := s.GetProcess(ctx, "p1")
	if p.Status != "failed" {
		t.Fatalf("status = %q, want failed", p.Status)
	}
	if p.FailureReason == "" {
		t.Fatal("invariant: status=failed implies failure_reason non-empty")
	}
	if p.FailureStep != "Design" {
		t.Fatalf("failure_step = %q, want Design", p.FailureStep)
	}
}

func TestGetFinalOutcomeAbsentWhenUnset(t *testing.T) {
	ctx := context.Background()
	s := testStore()
	s.InitProcess(ctx, "p1", "analysis", "step_1")

	_, found, err := s.GetFinalOutcome(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected no final outcome before any is recorded")
	}
}

func TestOperationsOnUnknownProcessAreNoOps(t *testing.T) {
	ctx := context.Background()
	s := testStore()
	if err := s.UpdateAgentActivity(ctx, "missing", "Agent", "thinking", "x", false); err != nil {
		t.Fatalf("unknown process should be a logged no-op, not an error: %v", err)
	}
	if _, ok, _ := s.GetProcess(ctx, "missing"); ok {
		t.Fatal("expected no document for unknown process")
	}
}
