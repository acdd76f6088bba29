// Package pipeline drives the fixed linear step sequence over one
// migration request (spec §4.6). The driver knows nothing about what a
// step does — only the stepstate.Step contract and the circuit breaker
// guarding the out-of-scope orchestrator boundary each step calls into.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/flyingrobots/migration-queue-dispatcher/internal/breaker"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/stepstate"
)

// Telemetry is the slice of telemetry.Store the driver needs for its
// between-steps housekeeping — narrower than the full Store contract for
// the same import-cycle reason as stepstate.TelemetryHandle.
type Telemetry interface {
	TransitionToPhase(ctx context.Context, processID, phase, step string) error
	RecordStepResult(ctx context.Context, processID, stepName string, resultDoc map[string]any) error
}

// NamedStep pairs a Step with the phase/step labels the driver reports to
// telemetry between steps.
type NamedStep struct {
	Phase string
	Step  string
	Impl  stepstate.Step
}

// Driver runs NamedSteps in order, wrapping each Execute call with the
// circuit breaker adapted from the teacher's own internal/breaker (spec
// §4.6's expansion).
type Driver struct {
	steps   []NamedStep
	breaker *breaker.CircuitBreaker
	tel     Telemetry
	log     *zap.Logger
}

// New builds a Driver over a fixed step sequence.
func New(steps []NamedStep, cb *breaker.CircuitBreaker, tel Telemetry, log *zap.Logger) *Driver {
	return &Driver{steps: steps, breaker: cb, tel: tel, log: log}
}

// BreakerState exposes the driver's circuit breaker state for the queue
// service's metric sampler, without handing out the breaker itself.
func (d *Driver) BreakerState() breaker.State {
	return d.breaker.State()
}

// Run drives the steps sequentially. It stops at the first failing step
// and returns its State; on success of every step it returns the final
// step's State. The driver never retries — retry is exclusively a
// queue-level concern (spec §4.6).
func (d *Driver) Run(stepCtx stepstate.StepContext) (stepstate.State, []stepstate.State) {
	var results []stepstate.State

	for _, ns := range d.steps {
		if err := d.tel.TransitionToPhase(stepCtx.Ctx, stepCtx.ProcessID, ns.Phase, ns.Step); err != nil {
			d.log.Warn("telemetry transition_to_phase failed", zap.Error(err), zap.String("step", ns.Step))
		}

		stepCtx.PriorResults = results

		if !d.breaker.Allow() {
			state := stepstate.State{
				Name:                   ns.Step,
				Result:                 stepstate.Failure,
				Reason:                 "circuit breaker open; orchestrator presumed unhealthy",
				RequiresImmediateRetry: false,
				FailureContext: &stepstate.FailureContext{
					StepName:  ns.Step,
					StepPhase: fmt.Sprintf("breaker_open_%s", ns.Step),
					Message:   "circuit breaker is open",
				},
			}
			d.log.Warn("pipeline step skipped: breaker open", zap.String("step", ns.Step))
			results = append(results, state)
			return state, results
		}

		state := ns.Impl.Execute(stepCtx)

		// When a failed step leaves the breaker open, the failure loses
		// requires_immediate_retry and its message is tagged, so the queue
		// layer does not requeue it immediately against a degraded
		// orchestrator. Successful steps and the failure's error kind are
		// left unchanged.
		d.breaker.Record(state.Result == stepstate.Success)
		if state.Result == stepstate.Failure && d.breaker.State() == breaker.Open {
			state.RequiresImmediateRetry = false
			if state.FailureContext != nil {
				state.FailureContext.Message = state.FailureContext.Message + " (circuit breaker open)"
			}
		}

		results = append(results, state)

		if state.Result != stepstate.Success {
			return state, results
		}

		resultDoc := map[string]any{
			"result": string(state.Result),
			"reason": state.Reason,
		}
		if err := d.tel.RecordStepResult(stepCtx.Ctx, stepCtx.ProcessID, ns.Step, resultDoc); err != nil {
			d.log.Warn("telemetry record_step_result failed", zap.Error(err), zap.String("step", ns.Step))
		}
	}

	if len(results) == 0 {
		return stepstate.State{Result: stepstate.NotStarted}, results
	}
	return results[len(results)-1], results
}
