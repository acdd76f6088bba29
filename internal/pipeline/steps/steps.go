// Package steps ships four minimal stepstate.Step implementations
// standing in for Analysis/Design/YAML/Documentation (spec §4.5's
// expansion). Their execution is a stand-in orchestrator call — grounded
// in the teacher's own worker.processJob, which likewise ships a
// simulated/demo processing body rather than real business logic, since
// the actual multi-agent orchestration is explicitly out of scope (§1).
package steps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flyingrobots/migration-queue-dispatcher/internal/classify"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/stepstate"
)

// OrchestratorClient is the out-of-scope LLM/group-chat boundary (§1).
// A step calls Invoke once, between SetOrchestrationStart/End, and maps
// whatever comes back onto the four StepState categories in §4.5.
type OrchestratorClient interface {
	Invoke(ctx context.Context, phase, step string, req map[string]any) (map[string]any, error)
}

// SimulatedOrchestratorClient is a demo stand-in, grounded on
// worker.processJob's "simulated processing: sleep based on filesize,
// fail if the filename contains fail" pattern: it sleeps briefly and
// fails only when the request's source folder name contains "fail" or
// "timeout" (the latter with a timeout-shaped error message), letting tests and local runs exercise the full pipeline without a real
// orchestrator dependency.
type SimulatedOrchestratorClient struct {
	// Delay is the simulated per-call processing time; zero skips the
	// sleep entirely.
	Delay time.Duration
}

func (s SimulatedOrchestratorClient) Invoke(ctx context.Context, phase, step string, req map[string]any) (map[string]any, error) {
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	folder, _ := req["source_file_folder"].(string)
	if strings.Contains(strings.ToLower(folder), "fail") {
		return nil, fmt.Errorf("%s orchestrator call failed: simulated failure marker in source folder", step)
	}
	if strings.Contains(strings.ToLower(folder), "timeout") {
		return nil, fmt.Errorf("%s orchestrator call failed: timeout contacting upstream", step)
	}

	return demoPayload(step), nil
}

func demoPayload(step string) map[string]any {
	switch step {
	case "Analysis":
		return map[string]any{
			"platform_detected": "kubernetes",
			"summary":           "source platform analyzed",
		}
	case "Design":
		return map[string]any{
			"azure_services": []string{"aks", "azure-container-registry"},
			"summary":        "target architecture drafted",
		}
	case "YAML":
		return map[string]any{
			"manifests_generated": []string{"deployment.yaml", "service.yaml"},
			"file_count":          2,
			"summary":             "manifests converted",
		}
	case "Documentation":
		return map[string]any{
			"report_path": "migration-report.md",
			"summary":     "documentation generated",
		}
	default:
		return map[string]any{"summary": "step completed"}
	}
}

// baseStep holds what every stub step needs: its identity, the
// orchestrator it calls, the classifier used to triage a failed call, and
// the required output fields checked against ValidatePayload.
type baseStep struct {
	phase          string
	name           string
	orchestrator   OrchestratorClient
	classifier     *classify.Engine
	requiredFields []string
}

func (b baseStep) execute(stepCtx stepstate.StepContext) stepstate.State {
	s := stepstate.New(b.name)
	s.SetExecutionStart()

	req := map[string]any{
		"process_id":            stepCtx.ProcessID,
		"container_name":        stepCtx.Request.ContainerName,
		"source_file_folder":    stepCtx.Request.SourceFileFolder,
		"workspace_file_folder": stepCtx.Request.WorkspaceFileFolder,
		"output_file_folder":    stepCtx.Request.OutputFileFolder,
	}

	s.SetOrchestrationStart()
	payload, err := b.orchestrator.Invoke(stepCtx.Ctx, b.phase, b.name, req)
	s.SetOrchestrationEnd()
	s.SetExecutionEnd()

	if err != nil {
		return b.classifyFailure(s, err)
	}

	if missing := stepstate.ValidatePayload(payload, b.requiredFields); len(missing) > 0 {
		s.Result = stepstate.Failure
		s.RequiresImmediateRetry = false
		s.Reason = fmt.Sprintf("agent failed to populate %v", missing)
		s.FailureContext = &stepstate.FailureContext{
			StepName:      b.name,
			StepPhase:     fmt.Sprintf("validation_%s", b.name),
			ErrorKind:     classify.NonRetryable,
			Message:       s.Reason,
			ExecutionTime: s.TotalDuration(),
			CapturedAt:    time.Now(),
		}
		return *s
	}

	s.Result = stepstate.Success
	s.Reason = "step completed"
	s.Payload = payload
	return *s
}

// classifyFailure maps an orchestrator error onto the three failure
// categories from spec §4.5, using the Error Classifier to judge the
// underlying error — grounded in error_classifier.py's role as the single
// source of truth for retryability.
func (b baseStep) classifyFailure(s *stepstate.State, err error) stepstate.State {
	decision := b.classifier.Classify(classify.Input{Err: err})

	fc := &stepstate.FailureContext{
		StepName:      b.name,
		ErrorKind:     decision.Kind,
		Message:       err.Error(),
		ExceptionType: fmt.Sprintf("%T", err),
		CapturedAt:    time.Now(),
		ExecutionTime: s.TotalDuration(),
	}

	switch decision.Kind {
	case classify.NonRetryable, classify.Poison:
		s.Result = stepstate.Failure
		s.RequiresImmediateRetry = false
		s.Reason = "hard termination: " + decision.Reason
		fc.StepPhase = fmt.Sprintf("hard_termination_%s", b.name)

	case classify.Retryable:
		// A canceled context (lease expiring mid-call, worker shutdown)
		// is the one case a fresh lease reliably clears, so it alone
		// gets requires_immediate_retry=true; every other retryable
		// orchestrator error is a critical failure that the queue layer
		// re-triages via the classifier before deciding backoff vs DLQ.
		if isContextCanceled(err) {
			s.Result = stepstate.Failure
			s.RequiresImmediateRetry = true
			s.Reason = "retryable: " + decision.Reason
			fc.StepPhase = fmt.Sprintf("retryable_%s", b.name)
		} else {
			s.Result = stepstate.Failure
			s.RequiresImmediateRetry = false
			s.Reason = "critical failure: " + decision.Reason
			fc.StepPhase = fmt.Sprintf("critical_%s", b.name)
		}

	default: // Ignorable
		s.Result = stepstate.Success
		s.Reason = "ignorable error, continuing with reduced functionality: " + decision.Reason
		s.Payload = map[string]any{"degraded": true, "summary": "continued after ignorable error"}
		return *s
	}

	s.FailureContext = fc
	return *s
}

func isContextCanceled(err error) bool {
	return err == context.Canceled || err == context.DeadlineExceeded
}

// NewAnalysisStep, NewDesignStep, NewYAMLStep, and NewDocumentationStep
// build the four pipeline stub steps sharing one orchestrator client and
// classifier.
func NewAnalysisStep(o OrchestratorClient, c *classify.Engine) stepstate.Step {
	return analysisStep{baseStep{phase: "Analysis", name: "Analysis", orchestrator: o, classifier: c,
		requiredFields: []string{"platform_detected", "summary"}}}
}

func NewDesignStep(o OrchestratorClient, c *classify.Engine) stepstate.Step {
	return designStep{baseStep{phase: "Design", name: "Design", orchestrator: o, classifier: c,
		requiredFields: []string{"azure_services", "summary"}}}
}

func NewYAMLStep(o OrchestratorClient, c *classify.Engine) stepstate.Step {
	return yamlStep{baseStep{phase: "YAML", name: "YAML", orchestrator: o, classifier: c,
		requiredFields: []string{"manifests_generated", "file_count"}}}
}

func NewDocumentationStep(o OrchestratorClient, c *classify.Engine) stepstate.Step {
	return documentationStep{baseStep{phase: "Documentation", name: "Documentation", orchestrator: o, classifier: c,
		requiredFields: []string{"report_path", "summary"}}}
}

type analysisStep struct{ baseStep }
type designStep struct{ baseStep }
type yamlStep struct{ baseStep }
type documentationStep struct{ baseStep }

func (s analysisStep) Execute(stepCtx stepstate.StepContext) stepstate.State      { return s.execute(stepCtx) }
func (s designStep) Execute(stepCtx stepstate.StepContext) stepstate.State        { return s.execute(stepCtx) }
func (s yamlStep) Execute(stepCtx stepstate.StepContext) stepstate.State          { return s.execute(stepCtx) }
func (s documentationStep) Execute(stepCtx stepstate.StepContext) stepstate.State { return s.execute(stepCtx) }
