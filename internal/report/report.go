// Package report assembles the comprehensive migration report that the
// queue service builds and logs when it dead-letters a process (spec
// §4.9), grounded on the original's MigrationReport/ExecutiveSummary/
// RemediationGuide models.
package report

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/flyingrobots/migration-queue-dispatcher/internal/classify"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/failure"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/stepstate"
)

// Status is the report's overall-status enum, mirroring ReportStatus.
type Status string

const (
	Success        Status = "success"
	PartialSuccess Status = "partial_success"
	Failed         Status = "failed"
	Timeout        Status = "timeout"
	Cancelled      Status = "cancelled"
)

// ExecutiveSummary is the high-level, stakeholder-facing rollup.
type ExecutiveSummary struct {
	CompletionPercentage          float64
	CompletedSteps                []string
	FailedStep                    string
	FilesProcessed                int
	FilesFailed                   int
	CriticalIssuesCount           int
	ActionableRecommendationCount int
}

// StepDetail is one step's contribution to the report.
type StepDetail struct {
	StepName        string
	Status          string
	ExecutionTime   float64
	FailureContexts []failure.Context
	Warnings        []string
}

// FailureAnalysis summarizes what went wrong across the whole process.
type FailureAnalysis struct {
	RootCause           string
	ContributingFactors []string
	RecurrenceLikelihood string
	RelatedFailures      []string
}

// RemediationAction is one static, canned remediation entry keyed by
// classify.Kind — the Go analogue of RemediationSuggestion, reduced from
// a dynamic rule engine to a fixed lookup table per spec §4.9.
type RemediationAction struct {
	Title           string
	Description     string
	EstimatedEffort string
	WhenToRetry     string
}

// remediationTable is the static map[ErrorKind]RemediationAction spec
// §4.9 calls for, grounded in failure_context.py's per-FailureType
// RemediationSuggestion catalog, collapsed onto the classifier's four
// buckets since that's the resolution the pipeline actually classifies at.
var remediationTable = map[classify.Kind]RemediationAction{
	classify.Retryable: {
		Title:           "Retry after transient condition clears",
		Description:     "The failure was classified retryable; the queue service will back off and redeliver automatically up to max_attempts.",
		EstimatedEffort: "no action required",
		WhenToRetry:     "immediately, handled by the queue service's retry policy",
	},
	classify.NonRetryable: {
		Title:           "Inspect the failing step's input and configuration",
		Description:     "The failure was classified non-retryable; redelivery will reproduce the same error until the underlying input or configuration is fixed.",
		EstimatedEffort: "30 minutes",
		WhenToRetry:     "after the root cause is addressed",
	},
	classify.Poison: {
		Title:           "Quarantine and manually inspect the message",
		Description:     "The message was classified poison and routed to the dead-letter queue without further retries; it likely has malformed or unsupported content.",
		EstimatedEffort: "1 hour",
		WhenToRetry:     "only after the message payload is corrected and resubmitted by hand",
	},
	classify.Ignorable: {
		Title:           "No action needed",
		Description:     "The condition was classified ignorable and did not block the migration.",
		EstimatedEffort: "none",
		WhenToRetry:     "not applicable",
	},
}

// RemediationGuide is the structured, multi-section remediation rollup.
type RemediationGuide struct {
	PriorityActions []RemediationAction
	WhenToRetry     string
}

// MigrationReport is the top-level report, the Go analogue of
// MigrationReport.
type MigrationReport struct {
	ReportID  string
	ProcessID string

	OverallStatus    Status
	ExecutiveSummary ExecutiveSummary
	StepDetails      []StepDetail

	FailureAnalysis  *FailureAnalysis
	RemediationGuide *RemediationGuide

	TotalExecutionSeconds float64
}

// IsSuccess mirrors MigrationReport.is_success.
func (r MigrationReport) IsSuccess() bool {
	return r.OverallStatus == Success || r.OverallStatus == PartialSuccess
}

// HasFailures mirrors MigrationReport.has_failures.
func (r MigrationReport) HasFailures() bool {
	for _, step := range r.StepDetails {
		if len(step.FailureContexts) > 0 {
			return true
		}
	}
	return false
}

// Build assembles a MigrationReport from the pipeline's accumulated step
// states (pipeline.Driver.Run's second return value) and any failure
// contexts collected along the way.
func Build(processID string, states []stepstate.State, failures []failure.Context) MigrationReport {
	r := MigrationReport{
		ReportID:  uuid.New().String(),
		ProcessID: processID,
	}

	byStep := make(map[string][]failure.Context)
	for _, f := range failures {
		byStep[f.StepName] = append(byStep[f.StepName], f)
	}

	var totalSeconds float64
	var completed []string
	var failedStep string
	for _, s := range states {
		status := stepStatus(s.Result)
		if status == "completed" {
			completed = append(completed, s.Name)
		}
		if status == "failed" && failedStep == "" {
			failedStep = s.Name
		}
		totalSeconds += s.TotalDuration().Seconds()

		r.StepDetails = append(r.StepDetails, StepDetail{
			StepName:        s.Name,
			Status:          status,
			ExecutionTime:   s.TotalDuration().Seconds(),
			FailureContexts: byStep[s.Name],
			Warnings:        nil,
		})
	}
	r.TotalExecutionSeconds = totalSeconds

	r.OverallStatus = overallStatus(states, failedStep)
	r.ExecutiveSummary = buildExecutiveSummary(states, completed, failedStep, failures)

	if len(failures) > 0 {
		r.FailureAnalysis = buildFailureAnalysis(failures)
		r.RemediationGuide = buildRemediationGuide(failures)
	}

	return r
}

func stepStatus(result stepstate.Result) string {
	switch result {
	case stepstate.Success:
		return "completed"
	case stepstate.Failure:
		return "failed"
	default:
		return "skipped"
	}
}

func overallStatus(states []stepstate.State, failedStep string) Status {
	if failedStep == "" {
		return Success
	}
	for _, s := range states {
		if s.Result == stepstate.Success {
			return PartialSuccess
		}
	}
	return Failed
}

func buildExecutiveSummary(states []stepstate.State, completed []string, failedStep string, failures []failure.Context) ExecutiveSummary {
	total := len(states)
	pct := 0.0
	if total > 0 {
		pct = float64(len(completed)) / float64(total) * 100
	}

	critical := 0
	for _, f := range failures {
		if f.Severity == failure.Critical || f.Severity == failure.High {
			critical++
		}
	}

	return ExecutiveSummary{
		CompletionPercentage:           pct,
		CompletedSteps:                 completed,
		FailedStep:                     failedStep,
		CriticalIssuesCount:            critical,
		ActionableRecommendationCount: len(failures),
	}
}

func buildFailureAnalysis(failures []failure.Context) *FailureAnalysis {
	first := failures[0]
	analysis := &FailureAnalysis{
		RootCause:            fmt.Sprintf("%s: %s", first.StepName, first.Message),
		RecurrenceLikelihood: recurrenceLikelihood(first),
	}
	for _, f := range failures {
		if f.CorrelationID != "" {
			analysis.RelatedFailures = append(analysis.RelatedFailures, f.CorrelationID)
		}
		if len(f.CausalChain) > 1 {
			analysis.ContributingFactors = append(analysis.ContributingFactors, f.CausalChain[1:]...)
		}
	}
	return analysis
}

func recurrenceLikelihood(f failure.Context) string {
	switch f.ErrorKind {
	case classify.Retryable:
		return "LOW"
	case classify.NonRetryable:
		return "HIGH"
	case classify.Poison:
		return "HIGH"
	default:
		return "MEDIUM"
	}
}

func buildRemediationGuide(failures []failure.Context) *RemediationGuide {
	guide := &RemediationGuide{}
	seen := make(map[classify.Kind]bool)
	for _, f := range failures {
		if seen[f.ErrorKind] {
			continue
		}
		seen[f.ErrorKind] = true
		if action, ok := remediationTable[f.ErrorKind]; ok {
			guide.PriorityActions = append(guide.PriorityActions, action)
			if guide.WhenToRetry == "" {
				guide.WhenToRetry = action.WhenToRetry
			}
		}
	}
	return guide
}
