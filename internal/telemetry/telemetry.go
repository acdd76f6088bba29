// Package telemetry persists the ProcessStatus document every migration
// process is tracked through (spec §3, §4.4): per-agent activity, step
// results, and the final outcome. Two backends share the Store contract —
// MemoryStore for tests and local runs, CosmosStore for production.
package telemetry

import (
	"context"
	"time"
)

// orchestrationAgents mirrors agent_telemetry.py's get_orchestration_agents:
// these agents are never force-deactivated by another agent's activity
// update and are skipped by TransitionToPhase's "reset to ready" sweep.
var orchestrationAgents = map[string]bool{
	"Conversation_Manager": true,
	"Agent_Selector":       true,
}

// ActivityEntry is one historical record in an agent's bounded activity
// ring buffer.
type ActivityEntry struct {
	Timestamp      time.Time
	Action         string
	MessagePreview string
	Step           string
	ToolUsed       string
}

// ToolUsageEntry records one TrackToolUsage call, kept opaque to the core
// (agent_telemetry.py's track_tool_usage reasoning-step trail).
type ToolUsageEntry struct {
	Timestamp     time.Time
	ToolName      string
	ToolAction    string
	Details       string
	ResultPreview string
}

// AgentActivity is the current status of one named agent within a process.
type AgentActivity struct {
	Name                 string
	CurrentAction        string
	LastMessagePreview   string
	ParticipationStatus  string
	IsActive             bool
	LastUpdateTime       time.Time
	ActivityHistory      []ActivityEntry
	ReasoningTrail       []string
	ToolUsage            []ToolUsageEntry
	StepResetCount       int
}

// Outcome is the final-result shape recorded by RecordFinalOutcome and
// RecordFailureOutcome, and returned by GetFinalOutcome.
type Outcome struct {
	Success             bool
	ErrorMessage        string
	FailedStep          string
	Details             map[string]any
	GeneratedFiles      []string
	ConversionMetrics   map[string]any
	TotalStepsCompleted int
	RecordedAt          time.Time
}

// ServiceStatus is a small, non-persisted struct mirroring the original's
// get_service_status()/get_queue_info() shape (§3's expansion). Nothing in
// this module populates it, and there is no status endpoint.
type ServiceStatus struct {
	Running         bool
	ActiveInstances int
	QueueDepth      int64
	DLQDepth        int64
}

// ProcessStatus is the document persisted per process_id (spec §3).
type ProcessStatus struct {
	ID             string
	Phase          string
	Step           string
	Status         string // running | completed | failed
	Agents         map[string]*AgentActivity
	LastUpdateTime time.Time
	StartedAtTime  time.Time

	FailureReason    string
	FailureDetails   string
	FailureStep      string
	FailureAgent     string
	FailureTimestamp time.Time
	StackTrace       string

	StepResults  map[string]StepResultRecord
	FinalOutcome *Outcome
}

// StepResultRecord is one entry of ProcessStatus.StepResults.
type StepResultRecord struct {
	Result    map[string]any
	Timestamp time.Time
	StepName  string
}

// Store is the Telemetry Store contract (spec §4.4), implemented by
// MemoryStore and CosmosStore.
type Store interface {
	InitProcess(ctx context.Context, processID, phase, step string) error
	UpdateAgentActivity(ctx context.Context, processID, agentName, action, messagePreview string, toolUsed bool) error
	TrackToolUsage(ctx context.Context, processID, agentName, toolName, toolAction, details, resultPreview string) error
	TransitionToPhase(ctx context.Context, processID, phase, step string) error
	RecordStepResult(ctx context.Context, processID, stepName string, resultDoc map[string]any) error
	RecordFinalOutcome(ctx context.Context, processID string, outcomeDoc map[string]any, success bool) error
	RecordFailureOutcome(ctx context.Context, processID string, errMsg, failedStep string, details map[string]any) error
	GetFinalOutcome(ctx context.Context, processID string) (*Outcome, bool, error)
	GetProcess(ctx context.Context, processID string) (*ProcessStatus, bool, error)

	// ListStaleRunningProcesses returns the IDs of every process still
	// status=running whose LastUpdateTime is older than olderThan, for the
	// reaper's sweep (spec §5's orphan-detection expansion).
	ListStaleRunningProcesses(ctx context.Context, olderThan time.Time) ([]string, error)
}

func truncatePreview(s string, maxRunes int) string {
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes])
}
