package pipeline

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/migration-queue-dispatcher/internal/breaker"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/stepstate"
)

type fakeTelemetry struct {
	transitions  []string
	stepResults  []string
}

func (f *fakeTelemetry) TransitionToPhase(ctx context.Context, processID, phase, step string) error {
	f.transitions = append(f.transitions, phase+"/"+step)
	return nil
}

func (f *fakeTelemetry) RecordStepResult(ctx context.Context, processID, stepName string, resultDoc map[string]any) error {
	f.stepResults = append(f.stepResults, stepName)
	return nil
}

type fakeStep struct {
	name   string
	result stepstate.Result
	retry  bool
}

func (s fakeStep) Execute(stepCtx stepstate.StepContext) stepstate.State {
	st := stepstate.New(s.name)
	st.SetExecutionStart()
	st.SetOrchestrationStart()
	st.SetOrchestrationEnd()
	st.SetExecutionEnd()
	st.Result = s.result
	st.RequiresImmediateRetry = s.retry
	if s.result == stepstate.Failure {
		st.FailureContext = &stepstate.FailureContext{StepName: s.name}
	}
	return *st
}

func testBreaker() *breaker.CircuitBreaker {
	return breaker.New(time.Minute, time.Second, 0.5, 3)
}

func TestDriverRunsAllStepsOnSuccess(t *testing.T) {
	tel := &fakeTelemetry{}
	steps := []NamedStep{
		{Phase: "Analysis", Step: "Analysis", Impl: fakeStep{name: "Analysis", result: stepstate.Success}},
		{Phase: "Design", Step: "Design", Impl: fakeStep{name: "Design", result: stepstate.Success}},
	}
	d := New(steps, testBreaker(), tel, zap.NewNop())

	final, all := d.Run(stepstate.StepContext{Ctx: context.Background(), ProcessID: "p1"})
	if final.Result != stepstate.Success {
		t.Fatalf("got %+v, want success", final)
	}
	if len(all) != 2 {
		t.Fatalf("got %d results, want 2", len(all))
	}
	if len(tel.transitions) != 2 || len(tel.stepResults) != 2 {
		t.Fatalf("got transitions=%v stepResults=%v, want 2 each", tel.transitions, tel.stepResults)
	}
}

func TestDriverStopsAtFirstFailure(t *testing.T) {
	tel := &fakeTelemetry{}
	steps := []NamedStep{
		{Phase: "Analysis", Step: "Analysis", Impl: fakeStep{name: "Analysis", result: stepstate.Success}},
		{Phase: "Design", Step: "Design", Impl: fakeStep{name: "Design", result: stepstate.Failure}},
		{Phase: "YAML", Step: "YAML", Impl: fakeStep{name: "YAML", result: stepstate.Success}},
	}
	d := New(steps, testBreaker(), tel, zap.NewNop())

	final, all := d.Run(stepstate.StepContext{Ctx: context.Background(), ProcessID: "p1"})
	if final.Result != stepstate.Failure || final.Name != "Design" {
		t.Fatalf("got %+v, want Design to fail and stop the pipeline", final)
	}
	if len(all) != 2 {
		t.Fatalf("got %d results, want 2 (driver must not run YAML)", len(all))
	}
	// RecordStepResult is only called on success, so only Analysis recorded.
	if len(tel.stepResults) != 1 {
		t.Fatalf("got stepResults=%v, want exactly 1 (only the successful step)", tel.stepResults)
	}
}

func TestDriverDemotesRetryOnTrippedBreaker(t *testing.T) {
	tel := &fakeTelemetry{}
	cb := breaker.New(time.Minute, time.Hour, 0.1, 1)
	// Trip the breaker before running the pipeline.
	cb.Record(false)
	cb.Record(false)

	steps := []NamedStep{
		{Phase: "Analysis", Step: "Analysis", Impl: fakeStep{name: "Analysis", result: stepstate.Failure, retry: true}},
	}
	d := New(steps, cb, tel, zap.NewNop())

	final, _ := d.Run(stepstate.StepContext{Ctx: context.Background(), ProcessID: "p1"})
	if final.RequiresImmediateRetry {
		t.Fatalf("got %+v, want requires_immediate_retry demoted to false when breaker is open", final)
	}
}
