package telemetry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/flyingrobots/migration-queue-dispatcher/internal/config"
)

// MemoryStore is an in-memory Store, bounded by two weighted semaphores the
// same way the original's AgentActivityRepository is bounded by an
// asyncio.Semaphore — one for readers, one for writers (spec §4.4, §5).
// It is the local/dev backend and the one the package's tests exercise
// directly.
type MemoryStore struct {
	cfg config.Telemetry
	log *zap.Logger

	readSem  *semaphore.Weighted
	writeSem *semaphore.Weighted

	mu        sync.Mutex
	processes map[string]*ProcessStatus
}

// NewMemoryStore builds a MemoryStore from the configured concurrency
// bounds and history limits.
func NewMemoryStore(cfg config.Telemetry, log *zap.Logger) *MemoryStore {
	reads := cfg.MaxConcurrentReads
	if reads <= 0 {
		reads = 50
	}
	writes := cfg.MaxConcurrentWrites
	if writes <= 0 {
		writes = 10
	}
	return &MemoryStore{
		cfg:       cfg,
		log:       log,
		readSem:   semaphore.NewWeighted(int64(reads)),
		writeSem:  semaphore.NewWeighted(int64(writes)),
		processes: make(map[string]*ProcessStatus),
	}
}

func (m *MemoryStore) withRead(ctx context.Context, fn func() error) error {
	if err := m.readSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.readSem.Release(1)
	return fn()
}

func (m *MemoryStore) withWrite(ctx context.Context, fn func() error) error {
	if err := m.writeSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.writeSem.Release(1)
	return fn()
}

// InitProcess seeds a new document with orchestration agents in standby,
// matching TelemetryManager.init_process.
func (m *MemoryStore) InitProcess(ctx context.Context, processID, phase, step string) error {
	return m.withWrite(ctx, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.processes[processID] = newSeedProcess(processID, phase, step)
		m.log.Info("telemetry process initialized", zap.String("process_id", processID), zap.String("phase", phase))
		return nil
	})
}

func (m *MemoryStore) get(processID string) (*ProcessStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[processID]
	return p, ok
}

// UpdateAgentActivity upserts agent_name's current action, demotes every
// other non-orchestration agent to inactive, and appends the agent's prior
// non-idle action to its bounded activity history — the three invariants
// in spec §4.4 and testable properties 8/9.
func (m *MemoryStore) UpdateAgentActivity(ctx context.Context, processID, agentName, action, messagePreview string, toolUsed bool) error {
	return m.withWrite(ctx, func() error {
		p, ok := m.get(processID)
		if !ok {
			m.log.Warn("no current process - cannot update agent activity", zap.String("process_id", processID))
			return nil
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		applyUpdateAgentActivity(p, agentName, action, messagePreview, toolUsed, m.historyLimit(), m.previewLimit())
		return nil
	})
}

// TrackToolUsage records a tool invocation in the agent's reasoning trail
// and activity history, matching track_tool_usage.
func (m *MemoryStore) TrackToolUsage(ctx context.Context, processID, agentName, toolName, toolAction, details, resultPreview string) error {
	return m.withWrite(ctx, func() error {
		p, ok := m.get(processID)
		if !ok {
			m.log.Warn("no current process - cannot track tool usage", zap.String("process_id", processID))
			return nil
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		applyTrackToolUsage(p, agentName, toolName, toolAction, details, resultPreview, m.previewLimit(), m.historyLimit())
		return nil
	})
}

// TransitionToPhase updates phase/step and resets every non-orchestration
// agent to ready, matching transition_to_phase.
func (m *MemoryStore) TransitionToPhase(ctx context.Context, processID, phase, step string) error {
	return m.withWrite(ctx, func() error {
		p, ok := m.get(processID)
		if !ok {
			m.log.Warn("no current process - cannot transition phase", zap.String("process_id", processID))
			return nil
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		applyTransitionToPhase(p, phase, step)
		return nil
	})
}

// RecordStepResult stores a completed step's summary under its name.
func (m *MemoryStore) RecordStepResult(ctx context.Context, processID, stepName string, resultDoc map[string]any) error {
	return m.withWrite(ctx, func() error {
		p, ok := m.get(processID)
		if !ok {
			m.log.Warn("no current process - cannot record step result", zap.String("process_id", processID), zap.String("step", stepName))
			return nil
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		p.StepResults[stepName] = StepResultRecord{Result: resultDoc, Timestamp: time.Now(), StepName: stepName}
		return nil
	})
}

// RecordFinalOutcome writes the final outcome. success=true additionally
// sets Status to completed, matching the status/outcome invariant in §3.
func (m *MemoryStore) RecordFinalOutcome(ctx context.Context, processID string, outcomeDoc map[string]any, success bool) error {
	return m.withWrite(ctx, func() error {
		p, ok := m.get(processID)
		if !ok {
			m.log.Warn("no current process - cannot record final outcome", zap.String("process_id", processID))
			return nil
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		applyRecordFinalOutcome(p, outcomeDoc, success)
		return nil
	})
}

// RecordFailureOutcome sets status=failed and writes the failure fields,
// matching record_failure/record_failure_outcome.
func (m *MemoryStore) RecordFailureOutcome(ctx context.Context, processID string, errMsg, failedStep string, details map[string]any) error {
	return m.withWrite(ctx, func() error {
		p, ok := m.get(processID)
		if !ok {
			m.log.Warn("no current process - cannot record failure outcome", zap.String("process_id", processID))
			return nil
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		applyRecordFailureOutcome(p, errMsg, failedStep, details)
		return nil
	})
}

// GetFinalOutcome returns the recorded outcome, if any.
func (m *MemoryStore) GetFinalOutcome(ctx context.Context, processID string) (*Outcome, bool, error) {
	var out *Outcome
	var found bool
	err := m.withRead(ctx, func() error {
		p, ok := m.get(processID)
		if !ok || p.FinalOutcome == nil {
			return nil
		}
		cp := *p.FinalOutcome
		out = &cp
		found = true
		return nil
	})
	return out, found, err
}

// GetProcess returns a snapshot of the full document.
func (m *MemoryStore) GetProcess(ctx context.Context, processID string) (*ProcessStatus, bool, error) {
	var out *ProcessStatus
	var found bool
	err := m.withRead(ctx, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		p, ok := m.processes[processID]
		if !ok {
			return nil
		}
		cp := *p
		cp.Agents = make(map[string]*AgentActivity, len(p.Agents))
		for name, a := range p.Agents {
			ac := *a
			ac.ActivityHistory = append([]ActivityEntry(nil), a.ActivityHistory...)
			ac.ReasoningTrail = append([]string(nil), a.ReasoningTrail...)
			cp.Agents[name] = &ac
		}
		cp.StepResults = make(map[string]StepResultRecord, len(p.StepResults))
		for name, r := range p.StepResults {
			cp.StepResults[name] = r
		}
		if p.FinalOutcome != nil {
			fo := *p.FinalOutcome
			cp.FinalOutcome = &fo
		}
		out = &cp
		found = true
		return nil
	})
	return out, found, err
}

// ListStaleRunningProcesses scans every tracked document for status=running
// with a LastUpdateTime older than olderThan.
func (m *MemoryStore) ListStaleRunningProcesses(ctx context.Context, olderThan time.Time) ([]string, error) {
	var stale []string
	err := m.withRead(ctx, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		for id, p := range m.processes {
			if p.Status == "running" && p.LastUpdateTime.Before(olderThan) {
				stale = append(stale, id)
			}
		}
		return nil
	})
	return stale, err
}

func (m *MemoryStore) historyLimit() int {
	if m.cfg.ActivityHistoryLimit <= 0 {
		return 100
	}
	return m.cfg.ActivityHistoryLimit
}

func (m *MemoryStore) previewLimit() int {
	if m.cfg.MessagePreviewMaxRunes <= 0 {
		return 200
	}
	return m.cfg.MessagePreviewMaxRunes
}

// appendBounded appends to a ring buffer capped at limit entries, dropping
// the oldest first — the activity history bound from spec §4.4.
func appendBounded(history []ActivityEntry, entry ActivityEntry, limit int) []ActivityEntry {
	history = append(history, entry)
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}
