// Package stepstate defines the shared shape every pipeline step produces
// (spec §4.5): a concrete struct with explicit timing fields and a
// single-method Step interface, replacing the source's dynamic-dispatch
// base-class hierarchy (redesign flag, spec §9).
package stepstate

import (
	"context"
	"time"

	"github.com/flyingrobots/migration-queue-dispatcher/internal/classify"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/queue"
)

// Result is the step's tri-state outcome flag.
type Result string

const (
	NotStarted Result = "not_started"
	Success    Result = "success"
	Failure    Result = "failure"
)

// FailureContext is the immutable record a failing step attaches to its
// State (data model §3).
type FailureContext struct {
	StepName       string
	StepPhase      string
	ErrorKind      classify.Kind
	Message        string
	ExceptionType  string
	StackTrace     string
	CapturedAt     time.Time
	ExecutionTime  time.Duration
	FilesAttempted []string
	SystemContext  map[string]any
	CorrelationID  string
}

// State is the per-step contract output (spec §4.5/§3). Timing fields are
// set by the four lifecycle hooks below; derived durations are computed,
// not stored, so they can never drift from the timestamps they're derived
// from.
type State struct {
	Name                   string
	Result                 Result
	Reason                 string
	RequiresImmediateRetry bool
	FailureContext         *FailureContext

	ExecutionStart     time.Time
	ExecutionEnd       time.Time
	OrchestrationStart time.Time
	OrchestrationEnd   time.Time

	// Payload is the step-specific output, opaque to the core (consumed
	// only by downstream steps and the report).
	Payload map[string]any
}

// New returns a State in its initial not-started form.
func New(name string) *State {
	return &State{Name: name, Result: NotStarted}
}

func (s *State) SetExecutionStart()     { s.ExecutionStart = time.Now() }
func (s *State) SetOrchestrationStart() { s.OrchestrationStart = time.Now() }
func (s *State) SetOrchestrationEnd()   { s.OrchestrationEnd = time.Now() }
func (s *State) SetExecutionEnd()       { s.ExecutionEnd = time.Now() }

// SetupDuration is the time between execution start and orchestration
// start.
func (s *State) SetupDuration() time.Duration {
	if s.ExecutionStart.IsZero() || s.OrchestrationStart.IsZero() {
		return 0
	}
	return s.OrchestrationStart.Sub(s.ExecutionStart)
}

// OrchestrationDuration is the time spent waiting on the external
// orchestrator.
func (s *State) OrchestrationDuration() time.Duration {
	if s.OrchestrationStart.IsZero() || s.OrchestrationEnd.IsZero() {
		return 0
	}
	return s.OrchestrationEnd.Sub(s.OrchestrationStart)
}

// TotalDuration is the full execution span. It always equals
// SetupDuration() + OrchestrationDuration() + the post-orchestration
// tail, per the timing invariant in spec §8.
func (s *State) TotalDuration() time.Duration {
	if s.ExecutionStart.IsZero() || s.ExecutionEnd.IsZero() {
		return 0
	}
	return s.ExecutionEnd.Sub(s.ExecutionStart)
}

// ValidatePayload returns the step's documented required fields that are
// missing or empty in payload; callers demote a success result to a
// failure when the list is non-empty, per §4.5's "this prevents silent
// success with empty output" rule.
func ValidatePayload(payload map[string]any, requiredFields []string) []string {
	var missing []string
	for _, f := range requiredFields {
		v, ok := payload[f]
		if !ok || isEmptyValue(v) {
			missing = append(missing, f)
		}
	}
	return missing
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []string:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	return false
}

// TelemetryHandle is the narrow slice of telemetry.Store a step needs —
// kept local to avoid a stepstate->telemetry import cycle, since
// telemetry.Store is implemented in terms of ProcessStatus documents that
// don't need to know about Step at all.
type TelemetryHandle interface {
	UpdateAgentActivity(ctx context.Context, processID, agentName, action, messagePreview string, toolUsed bool) error
	TrackToolUsage(ctx context.Context, processID, agentName, toolName, toolAction, details, resultPreview string) error
}

// StepContext is the small shared envelope threaded between steps,
// replacing the source's free-form dict[str, Any] context_data (redesign
// flag, spec §9).
type StepContext struct {
	Ctx          context.Context
	Request      queue.MigrationRequest
	ProcessID    string
	Telemetry    TelemetryHandle
	PriorResults []State
}

// Step is the single-method contract every pipeline stage implements.
type Step interface {
	Execute(stepCtx StepContext) State
}
