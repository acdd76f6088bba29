// Package failure builds the structured failure record attached to a
// dead-lettered process (spec §4.8), grounded on the original
// implementation's FailureContext/FailureSeverity/EnvironmentContext
// models.
package failure

import (
	"context"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flyingrobots/migration-queue-dispatcher/internal/classify"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/obs"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/stepstate"
)

// Severity mirrors FailureSeverity from the original's failure_context.py:
// the four buckets spec §4.8 routes on, plus Info for ignorable errors.
type Severity string

const (
	Critical Severity = "critical"
	High     Severity = "high"
	Medium   Severity = "medium"
	Low      Severity = "low"
	Info     Severity = "info"
)

// EnvironmentContext snapshots the process environment at failure time,
// the Go analogue of EnvironmentContext (python_version/azure_region/
// container_environment/available_memory_mb).
type EnvironmentContext struct {
	GoVersion            string
	BuildRevision         string
	Region                string
	ContainerEnvironment  bool
	NumGoroutine          int
	MemAllocBytes         uint64
}

// Context is the Go analogue of the original's FailureContext model:
// exception details, derived timings, environment snapshot, and a
// correlation id stable across a process_id's retried lifetime.
type Context struct {
	FailureID     string
	ProcessID     string
	StepName      string
	StepPhase     string
	ErrorKind     classify.Kind
	Severity      Severity
	Message       string
	ExceptionType string
	CausalChain   []string

	SetupDuration         time.Duration
	OrchestrationDuration time.Duration
	TotalDuration         time.Duration

	Environment   EnvironmentContext
	CorrelationID string
	TraceID       string
	RetryCount    int64
	CapturedAt    time.Time
}

// Collector builds Contexts from a failed step's State.
type Collector struct {
	region string
}

// NewCollector builds a Collector that stamps every Context with region.
func NewCollector(region string) *Collector {
	return &Collector{region: region}
}

// Build assembles a Context from one step's failed State. When
// state.FailureContext is nil, a minimal one is derived from state.Name and
// state.Reason.
func (c *Collector) Build(ctx context.Context, processID string, retryCount int64, state stepstate.State) Context {
	fc := state.FailureContext
	if fc == nil {
		fc = &stepstate.FailureContext{StepName: state.Name, Message: state.Reason}
	}

	traceID, _ := obs.GetTraceAndSpanID(ctx)

	return Context{
		FailureID:     uuid.New().String(),
		ProcessID:     processID,
		StepName:      fc.StepName,
		StepPhase:     fc.StepPhase,
		ErrorKind:     fc.ErrorKind,
		Severity:      severityFor(fc.ErrorKind, fc.StepPhase, fc.Message),
		Message:       fc.Message,
		ExceptionType: fc.ExceptionType,
		CausalChain:   splitCausalChain(fc.Message),

		SetupDuration:         state.SetupDuration(),
		OrchestrationDuration: state.OrchestrationDuration(),
		TotalDuration:         state.TotalDuration(),

		Environment:   c.snapshotEnvironment(),
		CorrelationID: stableCorrelationID(processID),
		TraceID:       traceID,
		RetryCount:    retryCount,
		CapturedAt:    time.Now(),
	}
}

// severityFor implements spec §4.8's severity rule: classifier bucket as
// the default, overridden by a marker heuristic in the step phase/message.
func severityFor(kind classify.Kind, stepPhase, message string) Severity {
	haystack := strings.ToLower(stepPhase + " " + message)

	switch {
	case strings.Contains(haystack, "validation") || strings.Contains(haystack, "auth"):
		return Critical
	case strings.Contains(haystack, "timeout"):
		return High
	case strings.Contains(haystack, "yaml") || strings.Contains(haystack, "pars"):
		return Medium
	}

	switch kind {
	case classify.Poison, classify.NonRetryable:
		return High
	case classify.Retryable:
		return Medium
	case classify.Ignorable:
		return Info
	default:
		return Low
	}
}

// splitCausalChain recovers an approximate cause chain from a fmt.Errorf
// "%w"-wrapped message, which Go renders as ": "-joined segments — the
// closest analogue Go's error model has to the original's inner_exception
// chain without every caller threading a structured cause list.
func splitCausalChain(message string) []string {
	if message == "" {
		return nil
	}
	parts := strings.Split(message, ": ")
	if len(parts) <= 1 {
		return nil
	}
	return parts
}

// stableCorrelationID derives a correlation id purely from processID, so
// every attempt across a process's retried lifetime produces the same
// value — spec §4.8's "stable across the retried lifetimes of a single
// process_id" requirement.
func stableCorrelationID(processID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(processID)).String()
}

func (c *Collector) snapshotEnvironment() EnvironmentContext {
	env := EnvironmentContext{
		GoVersion:            runtime.Version(),
		Region:               c.region,
		ContainerEnvironment: os.Getenv("HOSTNAME") != "",
		NumGoroutine:         runtime.NumGoroutine(),
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				env.BuildRevision = setting.Value
				break
			}
		}
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	env.MemAllocBytes = mem.Alloc
	return env
}
