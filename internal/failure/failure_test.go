package failure

import (
	"context"
	"testing"

	"github.com/flyingrobots/migration-queue-dispatcher/internal/classify"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/stepstate"
)

func TestBuildCorrelationIDIsStableAcrossRetries(t *testing.T) {
	c := NewCollector("eastus")
	ctx := context.Background()

	state := stepstate.State{
		Name:   "Analysis",
		Result: stepstate.Failure,
		FailureContext: &stepstate.FailureContext{
			StepName:  "Analysis",
			StepPhase: "orchestration",
			ErrorKind: classify.Retryable,
			Message:   "upstream timeout",
		},
	}

	first := c.Build(ctx, "proc-1", 0, state)
	second := c.Build(ctx, "proc-1", 1, state)

	if first.CorrelationID != second.CorrelationID {
		t.Fatalf("correlation id changed across retries: %q vs %q", first.CorrelationID, second.CorrelationID)
	}
	if first.FailureID == second.FailureID {
		t.Fatal("each Build call should mint a distinct failure id")
	}
}

func TestBuildDifferentProcessesGetDifferentCorrelationIDs(t *testing.T) {
	c := NewCollector("eastus")
	ctx := context.Background()
	state := stepstate.State{
		Name:   "Analysis",
		Result: stepstate.Failure,
		FailureContext: &stepstate.FailureContext{
			StepName: "Analysis",
			Message:  "boom",
		},
	}

	a := c.Build(ctx, "proc-a", 0, state)
	b := c.Build(ctx, "proc-b", 0, state)

	if a.CorrelationID == b.CorrelationID {
		t.Fatal("distinct process ids must not collide on correlation id")
	}
}

func TestSeverityForHeuristicOverridesBeatClassifierBucket(t *testing.T) {
	cases := []struct {
		name     string
		kind     classify.Kind
		phase    string
		message  string
		expected Severity
	}{
		{"validation always critical", classify.Ignorable, "parameter_validation", "missing field", Critical},
		{"authentication always critical", classify.Retryable, "authentication", "bad token", Critical},
		{"timeout is high regardless of bucket", classify.Ignorable, "orchestration", "request timeout exceeded", High},
		{"yaml parse failure is medium", classify.NonRetryable, "setup", "failed to parse yaml document", Medium},
		{"poison defaults to high", classify.Poison, "execution", "unexpected shape", High},
		{"retryable defaults to medium", classify.Retryable, "execution", "connection reset", Medium},
		{"ignorable defaults to info", classify.Ignorable, "execution", "skip me", Info},
		{"unclassified defaults to low", classify.Kind(""), "execution", "mystery", Low},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := severityFor(tc.kind, tc.phase, tc.message)
			if got != tc.expected {
				t.Fatalf("severityFor(%v, %q, %q) = %v, want %v", tc.kind, tc.phase, tc.message, got, tc.expected)
			}
		})
	}
}

func TestSplitCausalChainRecoversWrappedSegments(t *testing.T) {
	got := splitCausalChain("orchestration failed: client invoke: context deadline exceeded")
	want := []string{"orchestration failed", "client invoke", "context deadline exceeded"}
	if len(got) != len(want) {
		t.Fatalf("got %d segments, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("segment %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSplitCausalChainUnwrappedMessageIsNil(t *testing.T) {
	if got := splitCausalChain("plain failure"); got != nil {
		t.Fatalf("expected nil for an unwrapped message, got %v", got)
	}
}

func TestBuildFallsBackWhenFailureContextMissing(t *testing.T) {
	c := NewCollector("eastus")
	ctx := context.Background()
	state := stepstate.State{Name: "Setup", Result: stepstate.Failure, Reason: "setup exploded"}

	got := c.Build(ctx, "proc-x", 0, state)
	if got.StepName != "Setup" || got.Message != "setup exploded" {
		t.Fatalf("fallback context not derived from bare State: %+v", got)
	}
}
