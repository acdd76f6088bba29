// Copyright 2025 James Ross

// Package worker runs the Queue Service outer loop (spec §4.7): one or
// more receive loops that lease a message, decode it, drive it through
// the pipeline, and route the outcome back onto the queue, the
// dead-letter queue, or the telemetry store.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/migration-queue-dispatcher/internal/breaker"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/classify"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/config"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/failure"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/idempotency"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/obs"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/pipeline"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/queue"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/queuebackend"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/report"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/retrypolicy"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/stepstate"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/telemetry"
)

// activeInstances tracks every running Service in this process, so a
// second accidental instance (two copies of the binary pointed at the
// same queue) shows up as a warning instead of silent double-processing.
var activeInstances sync.Map

// Service drives the receive loop over a Backend, handing each message to
// the pipeline Driver and routing its outcome per the table in §4.7.
type Service struct {
	cfg         *config.Config
	backend     queuebackend.Backend
	guard       idempotency.Guard
	classifier  *classify.Engine
	retryPolicy *retrypolicy.Policy
	driver      *pipeline.Driver
	tel         telemetry.Store
	failures    *failure.Collector
	log         *zap.Logger
	instanceID  string
}

// New builds a Service from its already-constructed collaborators.
func New(cfg *config.Config, backend queuebackend.Backend, guard idempotency.Guard,
	classifier *classify.Engine, retryPolicy *retrypolicy.Policy, driver *pipeline.Driver,
	tel telemetry.Store, log *zap.Logger) *Service {

	host, _ := os.Hostname()
	id := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
	return &Service{
		cfg: cfg, backend: backend, guard: guard, classifier: classifier,
		retryPolicy: retryPolicy, driver: driver, tel: tel,
		failures: failure.NewCollector(cfg.Azure.Region), log: log, instanceID: id,
	}
}

// Run starts concurrent_workers receive loops and blocks until ctx is
// canceled. On cancellation it stops issuing new Receive calls
// immediately, allows in-flight messages shutdown_grace_period to reach a
// terminal routing decision, then returns.
func (s *Service) Run(ctx context.Context) error {
	activeInstances.Store(s.instanceID, time.Now())
	defer activeInstances.Delete(s.instanceID)

	count := 0
	activeInstances.Range(func(_, _ any) bool { count++; return true })
	if count > 1 {
		s.log.Warn("multiple queue service instances detected in this process group",
			obs.Int("active_instances", count))
	}

	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Queue.ConcurrentWorkers; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("%s-%d", s.instanceID, i)
		go func(id string) {
			defer wg.Done()
			obs.WorkerActive.Inc()
			defer obs.WorkerActive.Dec()
			s.runOne(ctx, workCtx, id)
		}(workerID)
	}

	go s.sampleBreakerState(ctx)

	<-ctx.Done()
	s.log.Info("shutdown signal received; draining in-flight messages",
		obs.String("grace_period", s.cfg.Queue.ShutdownGracePeriod.String()))
	time.Sleep(s.cfg.Queue.ShutdownGracePeriod)
	cancelWork()
	wg.Wait()
	return nil
}

func (s *Service) sampleBreakerState(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch s.driver.BreakerState() {
			case breaker.Closed:
				obs.CircuitBreakerState.Set(0)
			case breaker.HalfOpen:
				obs.CircuitBreakerState.Set(1)
			case breaker.Open:
				obs.CircuitBreakerState.Set(2)
			}
		}
	}
}

// runOne is one worker's receive loop. stopCtx gates whether a new
// Receive call is issued; workCtx is the (longer-lived) context in-flight
// message handling runs under, so a message already being processed gets
// the full shutdown grace period instead of being cut off instantly.
func (s *Service) runOne(stopCtx, workCtx context.Context, workerID string) {
	for {
		select {
		case <-stopCtx.Done():
			return
		default:
		}

		rctx, rspan := obs.StartReceiveSpan(workCtx, s.cfg.Queue.Name)
		msg, err := s.backend.Receive(rctx, s.cfg.Queue.VisibilityTimeout)
		rspan.End()
		if err != nil {
			s.log.Warn("receive failed", obs.Err(err), obs.String("worker_id", workerID))
			sleepOrDone(stopCtx, s.cfg.Queue.PollInterval)
			continue
		}
		if msg == nil {
			sleepOrDone(stopCtx, s.cfg.Queue.PollInterval)
			continue
		}

		obs.MessagesReceived.Inc()
		s.handleMessage(workCtx, workerID, *msg)
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// handleMessage decodes, dedups, drives the pipeline, and routes the
// outcome for one leased delivery.
func (s *Service) handleMessage(ctx context.Context, workerID string, msg queuebackend.Message) {
	req, err := queue.Decode(msg.Body, s.log)
	if err != nil {
		s.log.Warn("poison message routed to dead letter", obs.Err(err), obs.String("worker_id", workerID))
		s.routeToDeadLetter(ctx, msg, "poison_message", true, "")
		return
	}

	if s.cfg.Idempotency.Enabled {
		reserved, err := s.guard.CheckAndReserve(ctx, msg.ID, msg.DequeueCount, s.cfg.Idempotency.TTL)
		if err != nil {
			s.log.Warn("idempotency guard check failed, proceeding anyway", obs.Err(err))
		} else if !reserved {
			obs.MessagesDuplicate.Inc()
			s.log.Info("duplicate delivery suppressed", obs.String("process_id", req.ProcessID),
				obs.Int("dequeue_count", int(msg.DequeueCount)))
			return
		}
	}

	msgCtx, mspan := obs.ContextWithMessageSpan(ctx, req)
	defer mspan.End()

	if _, found, err := s.tel.GetProcess(msgCtx, req.ProcessID); err != nil {
		s.log.Warn("telemetry get_process failed", obs.Err(err), obs.String("process_id", req.ProcessID))
	} else if !found {
		if err := s.tel.InitProcess(msgCtx, req.ProcessID, "Analysis", "Analysis"); err != nil {
			s.log.Warn("telemetry init_process failed", obs.Err(err), obs.String("process_id", req.ProcessID))
		}
	}

	execCtx, cancel := context.WithTimeout(msgCtx, s.cfg.Queue.MessageTimeout)
	defer cancel()

	stepCtx := stepstate.StepContext{Ctx: execCtx, Request: req, ProcessID: req.ProcessID, Telemetry: s.tel}

	start := time.Now()
	final, results := s.driver.Run(stepCtx)
	obs.PipelineDuration.Observe(time.Since(start).Seconds())

	s.routeOutcome(msgCtx, msg, req, final, results)
}

// routeOutcome implements the outcome routing table in spec §4.7.
func (s *Service) routeOutcome(ctx context.Context, msg queuebackend.Message, req queue.MigrationRequest, final stepstate.State, results []stepstate.State) {
	if final.Result == stepstate.Success {
		outcomeDoc := map[string]any{"success": true, "final_step": final.Name, "payload": final.Payload}
		if files, metrics := collectGeneratedArtifacts(results); len(files) > 0 || len(metrics) > 0 {
			outcomeDoc["generated_files"] = files
			outcomeDoc["conversion_metrics"] = metrics
		}
		if err := s.tel.RecordFinalOutcome(ctx, req.ProcessID, outcomeDoc, true); err != nil {
			s.log.Warn("record_final_outcome failed", obs.Err(err), obs.String("process_id", req.ProcessID))
		}
		s.ackMessage(ctx, msg)
		obs.MessagesAcked.Inc()
		return
	}

	kind := classify.Retryable
	if final.FailureContext != nil {
		kind = final.FailureContext.ErrorKind
	}
	decision := s.retryPolicy.Decide(retrypolicy.Input{
		Attempts:               msg.DequeueCount,
		RequiresImmediateRetry: final.RequiresImmediateRetry,
		Classification:         kind,
	})

	switch decision.Action {
	case retrypolicy.RequeueImmediate:
		if err := s.guard.Release(ctx, msg.ID, msg.DequeueCount); err != nil {
			s.log.Warn("idempotency release failed", obs.Err(err))
		}
		if err := s.backend.UpdateVisibility(ctx, msg, 0); err != nil {
			s.log.Warn("update visibility (immediate retry) failed", obs.Err(err), obs.String("process_id", req.ProcessID))
		}
		obs.MessagesRequeuedImmediate.Inc()
		s.log.Info("IMMEDIATE_RETRY", obs.String("process_id", req.ProcessID), obs.String("reason", decision.Reason))

	case retrypolicy.RequeueBackoff:
		vt := time.Duration(decision.VisibilityTimeoutSeconds) * time.Second
		if err := s.backend.UpdateVisibility(ctx, msg, vt); err != nil {
			s.log.Warn("update visibility (backoff) failed", obs.Err(err), obs.String("process_id", req.ProcessID))
		}
		obs.MessagesRequeuedBackoff.Inc()
		s.log.Info("EXPONENTIAL_BACKOFF", obs.String("process_id", req.ProcessID),
			obs.String("reason", decision.Reason), obs.Int("delay_seconds", int(decision.DelaySeconds)))

	case retrypolicy.DeadLetter:
		reason := final.Reason
		if final.FailureContext != nil {
			reason = final.FailureContext.Message
		}
		s.routeToDeadLetter(ctx, msg, reason, kind == classify.Poison, req.ProcessID)
		if err := s.tel.RecordFailureOutcome(ctx, req.ProcessID, reason, final.Name,
			map[string]any{"dequeue_count": msg.DequeueCount, "classification": string(kind)}); err != nil {
			s.log.Warn("record_failure_outcome failed", obs.Err(err), obs.String("process_id", req.ProcessID))
		}
		obs.MessagesDeadLettered.Inc()
		s.logFinalReport(ctx, req.ProcessID, msg.DequeueCount, results)

	default: // NoOp: shouldn't occur here since ignorable failures succeed in-step; leave the lease to expire.
		s.log.Warn("retry policy returned no-op for a failed pipeline result; leaving message leased",
			obs.String("process_id", req.ProcessID))
	}
}

// collectGeneratedArtifacts scans every step's payload for the YAML step's
// manifests_generated/file_count fields (spec §4.4: RecordFinalOutcome
// "extracts generated-file list and conversion metrics if present"). The
// final step's payload alone doesn't carry these — they're produced earlier
// in the pipeline, by the YAML conversion step.
func collectGeneratedArtifacts(results []stepstate.State) ([]string, map[string]any) {
	var files []string
	metrics := map[string]any{}
	for _, st := range results {
		if st.Payload == nil {
			continue
		}
		if generated, ok := st.Payload["manifests_generated"].([]string); ok {
			files = append(files, generated...)
		}
		if count, ok := st.Payload["file_count"]; ok {
			metrics[st.Name+"_file_count"] = count
		}
	}
	if len(metrics) == 0 {
		metrics = nil
	}
	return files, metrics
}

func (s *Service) ackMessage(ctx context.Context, msg queuebackend.Message) {
	actx, aspan := obs.StartAckSpan(ctx, s.cfg.Queue.Name)
	defer aspan.End()
	if err := s.backend.Delete(actx, msg); err != nil {
		// Lease-expired / receipt-unknown is equivalent to "already
		// handled by another worker" per §4.7 and is not an error.
		s.log.Warn("ack delete failed", obs.Err(err), obs.String("message_id", msg.ID))
	}
}

func (s *Service) routeToDeadLetter(ctx context.Context, msg queuebackend.Message, reason string, isPoison bool, processID string) {
	envelope := queue.DLQEnvelope{
		OriginalMessage: string(msg.Body),
		FailureReason:   reason,
		FailureTime:     time.Now().Unix(),
		RetryCount:      msg.DequeueCount,
		ProcessID:       processID,
		IsPoisonMessage: isPoison,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		s.log.Error("dlq envelope marshal failed", obs.Err(err), obs.String("message_id", msg.ID))
		return
	}
	if err := s.backend.SendToDeadLetter(ctx, body); err != nil {
		s.log.Error("send to dead letter failed", obs.Err(err), obs.String("message_id", msg.ID))
		return
	}
	if err := s.backend.Delete(ctx, msg); err != nil {
		s.log.Warn("delete after dead letter failed", obs.Err(err), obs.String("message_id", msg.ID))
	}
}

// logFinalReport assembles the comprehensive migration report for a
// dead-lettered process and logs it structurally — spec §4.9 has no
// renderer, so the report's consumer is whatever ingests structured logs.
func (s *Service) logFinalReport(ctx context.Context, processID string, dequeueCount int64, results []stepstate.State) {
	var failures []failure.Context
	for _, st := range results {
		if st.Result != stepstate.Failure {
			continue
		}
		failures = append(failures, s.failures.Build(ctx, processID, dequeueCount, st))
	}

	rep := report.Build(processID, results, failures)
	s.log.Info("migration report",
		obs.String("process_id", processID),
		obs.String("report_id", rep.ReportID),
		obs.String("overall_status", string(rep.OverallStatus)),
		obs.String("failed_step", rep.ExecutiveSummary.FailedStep),
		obs.Int("critical_issues", rep.ExecutiveSummary.CriticalIssuesCount))
}
