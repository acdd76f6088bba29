package telemetry

import (
	"fmt"
	"time"
)

// The functions below are the pure, storage-agnostic mutations behind each
// Store operation (spec §4.4). Both MemoryStore and CosmosStore apply them
// under their own concurrency/persistence wrapper, so the document
// invariants hold identically regardless of backend.

func newSeedProcess(processID, phase, step string) *ProcessStatus {
	now := time.Now()
	agents := make(map[string]*AgentActivity, len(orchestrationAgents))
	for name := range orchestrationAgents {
		agents[name] = &AgentActivity{
			Name:                name,
			CurrentAction:       "ready",
			ParticipationStatus: "standby",
			IsActive:            false,
			LastUpdateTime:      now,
		}
	}
	return &ProcessStatus{
		ID:             processID,
		Phase:          phase,
		Step:           step,
		Status:         "running",
		Agents:         agents,
		LastUpdateTime: now,
		StartedAtTime:  now,
		StepResults:    make(map[string]StepResultRecord),
	}
}

func applyUpdateAgentActivity(p *ProcessStatus, agentName, action, messagePreview string, toolUsed bool, historyLimit, previewLimit int) {
	for name, agent := range p.Agents {
		if name != agentName && !orchestrationAgents[name] {
			agent.IsActive = false
		}
	}

	agent, ok := p.Agents[agentName]
	if !ok {
		agent = &AgentActivity{Name: agentName, CurrentAction: "idle"}
		p.Agents[agentName] = agent
	}

	if agent.CurrentAction != "idle" {
		toolMarker := ""
		if toolUsed {
			toolMarker = "tool"
		}
		agent.ActivityHistory = appendBounded(agent.ActivityHistory, ActivityEntry{
			Timestamp:      time.Now(),
			Action:         agent.CurrentAction,
			MessagePreview: agent.LastMessagePreview,
			Step:           p.Step,
			ToolUsed:       toolMarker,
		}, historyLimit)
	}

	agent.CurrentAction = action
	agent.LastMessagePreview = truncatePreview(messagePreview, previewLimit)
	agent.LastUpdateTime = time.Now()
	agent.IsActive = true

	if !orchestrationAgents[agentName] {
		switch action {
		case "thinking", "analyzing", "processing":
			agent.ParticipationStatus = "thinking"
		case "speaking", "responding", "explaining":
			agent.ParticipationStatus = "speaking"
		case "completed":
			agent.ParticipationStatus = "completed"
		default:
			agent.ParticipationStatus = "ready"
		}
	}

	p.LastUpdateTime = time.Now()
}

func applyTrackToolUsage(p *ProcessStatus, agentName, toolName, toolAction, details, resultPreview string, previewLimit, historyLimit int) {
	agent, ok := p.Agents[agentName]
	if !ok {
		agent = &AgentActivity{Name: agentName}
		p.Agents[agentName] = agent
	}

	summary := fmt.Sprintf("Used %s.%s", toolName, toolAction)
	agent.ActivityHistory = appendBounded(agent.ActivityHistory, ActivityEntry{
		Timestamp:      time.Now(),
		Action:         "tool_usage",
		MessagePreview: summary,
		Step:           p.Step,
		ToolUsed:       fmt.Sprintf("%s.%s", toolName, toolAction),
	}, historyLimit)

	agent.CurrentAction = "using_tool"
	agent.LastMessagePreview = fmt.Sprintf("Using %s - %s", toolName, toolAction)
	agent.LastUpdateTime = time.Now()
	agent.IsActive = true
	agent.ToolUsage = append(agent.ToolUsage, ToolUsageEntry{
		Timestamp:     time.Now(),
		ToolName:      toolName,
		ToolAction:    toolAction,
		Details:       details,
		ResultPreview: resultPreview,
	})

	reasoning := fmt.Sprintf("tool: %s.%s", toolName, toolAction)
	if resultPreview != "" {
		reasoning += " -> " + truncatePreview(resultPreview, previewLimit)
	}
	agent.ReasoningTrail = append(agent.ReasoningTrail, reasoning)

	p.LastUpdateTime = time.Now()
}

func applyTransitionToPhase(p *ProcessStatus, phase, step string) {
	p.Phase = phase
	p.Step = step
	p.LastUpdateTime = time.Now()

	for name, agent := range p.Agents {
		if orchestrationAgents[name] {
			continue
		}
		agent.ParticipationStatus = "ready"
		agent.CurrentAction = "ready"
		agent.LastMessagePreview = fmt.Sprintf("ready for %s phase", phase)
		agent.LastUpdateTime = time.Now()
	}
}

func applyRecordFinalOutcome(p *ProcessStatus, outcomeDoc map[string]any, success bool) {
	outcome := &Outcome{
		Success:             success,
		Details:             outcomeDoc,
		TotalStepsCompleted: len(p.StepResults),
		RecordedAt:          time.Now(),
	}
	if files, ok := outcomeDoc["generated_files"].([]string); ok {
		outcome.GeneratedFiles = files
	}
	if metrics, ok := outcomeDoc["conversion_metrics"].(map[string]any); ok {
		outcome.ConversionMetrics = metrics
	}
	p.FinalOutcome = outcome
	if success {
		p.Status = "completed"
	}
	p.LastUpdateTime = time.Now()
}

func applyRecordFailureOutcome(p *ProcessStatus, errMsg, failedStep string, details map[string]any) {
	p.Status = "failed"
	p.FailureReason = errMsg
	p.FailureStep = failedStep
	if p.FailureStep == "" {
		p.FailureStep = p.Step
	}
	p.FailureTimestamp = time.Now()
	if details != nil {
		if d, ok := details["details"].(string); ok {
			p.FailureDetails = d
		}
		if a, ok := details["agent"].(string); ok {
			p.FailureAgent = a
		}
		if st, ok := details["stack_trace"].(string); ok {
			p.StackTrace = st
		}
	}

	p.FinalOutcome = &Outcome{
		Success:             false,
		ErrorMessage:        errMsg,
		FailedStep:          failedStep,
		Details:             details,
		TotalStepsCompleted: len(p.StepResults),
		RecordedAt:          time.Now(),
	}
	p.LastUpdateTime = time.Now()
}
