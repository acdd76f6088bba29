package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/migration-queue-dispatcher/internal/breaker"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/classify"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/config"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/idempotency"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/pipeline"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/queuebackend"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/retrypolicy"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/stepstate"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/telemetry"
)

// fixedStep is a single-step pipeline stand-in whose outcome is fixed by
// the test, so routeOutcome's decision table can be exercised without
// depending on the real orchestrator stub's sleep/marker behavior.
type fixedStep struct {
	result stepstate.Result
	retry  bool
	kind   classify.Kind
}

func (f fixedStep) Execute(stepCtx stepstate.StepContext) stepstate.State {
	st := stepstate.New("Analysis")
	st.SetExecutionStart()
	st.SetOrchestrationStart()
	st.SetOrchestrationEnd()
	st.SetExecutionEnd()
	st.Result = f.result
	st.RequiresImmediateRetry = f.retry
	if f.result == stepstate.Failure {
		st.Reason = "simulated failure"
		st.FailureContext = &stepstate.FailureContext{StepName: "Analysis", ErrorKind: f.kind, Message: "simulated failure"}
	}
	return *st
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Queue.Name = "migration-requests"
	cfg.Queue.DeadLetterName = "migration-requests-dlq"
	cfg.Queue.VisibilityTimeout = time.Minute
	cfg.Queue.MaxAttempts = 3
	cfg.Queue.ConcurrentWorkers = 1
	cfg.Queue.PollInterval = 10 * time.Millisecond
	cfg.Queue.MessageTimeout = 5 * time.Second
	cfg.Queue.ShutdownGracePeriod = 10 * time.Millisecond
	cfg.RetryPolicy.BaseDelay = time.Second
	cfg.RetryPolicy.MaxDelay = 10 * time.Second
	cfg.RetryPolicy.JitterFraction = 0
	cfg.RetryPolicy.BackoffMultiplier = 2
	cfg.Classifier.AllowRetries = true
	cfg.Telemetry.ActivityHistoryLimit = 100
	cfg.Telemetry.MessagePreviewMaxRunes = 200
	cfg.Idempotency.Enabled = true
	cfg.Idempotency.TTL = time.Minute
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config, step stepstate.Step) (*Service, *queuebackend.MemoryBackend, telemetry.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	guard := idempotency.NewRedisGuard(client, "test")
	backend := queuebackend.NewMemoryBackend()
	log := zap.NewNop()
	tel := telemetry.NewMemoryStore(cfg.Telemetry, log)
	classifier := classify.New(cfg.Classifier)
	policy := retrypolicy.New(cfg.RetryPolicy, cfg.Queue.MaxAttempts)
	cb := breaker.New(time.Minute, time.Second, 0.99, 1000)
	driver := pipeline.New([]pipeline.NamedStep{{Phase: "Analysis", Step: "Analysis", Impl: step}}, cb, tel, log)

	svc := New(cfg, backend, guard, classifier, policy, driver, tel, log)
	return svc, backend, tel
}

func enqueueRequest(t *testing.T, backend *queuebackend.MemoryBackend, processID string) queuebackend.Message {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"process_id": processID, "user_id": "u1"})
	require.NoError(t, err)
	backend.Enqueue(payload)
	msg, err := backend.Receive(context.Background(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	return *msg
}

func TestHandleMessageAcksOnSuccess(t *testing.T) {
	cfg := testConfig()
	svc, backend, tel := newTestService(t, cfg, fixedStep{result: stepstate.Success})
	msg := enqueueRequest(t, backend, "p1")

	svc.handleMessage(context.Background(), "w0", msg)

	count, _ := backend.ApproximateCount(context.Background())
	require.Equal(t, int64(0), count, "successful message should be deleted from the main queue")

	outcome, found, err := tel.GetFinalOutcome(context.Background(), "p1")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, outcome.Success)
}

func TestHandleMessageRoutesPoisonPayloadToDeadLetter(t *testing.T) {
	cfg := testConfig()
	svc, backend, _ := newTestService(t, cfg, fixedStep{result: stepstate.Success})

	backend.Enqueue([]byte("not json"))
	msg, err := backend.Receive(context.Background(), time.Minute)
	require.NoError(t, err)

	svc.handleMessage(context.Background(), "w0", *msg)

	dlq := backend.DeadLetterMessages()
	require.Len(t, dlq, 1)
	var envelope map[string]any
	require.NoError(t, json.Unmarshal(dlq[0], &envelope))
	require.Equal(t, "poison_message", envelope["failure_reason"])
	require.Equal(t, true, envelope["is_poison_message"])
}

func TestHandleMessageBacksOffOnCriticalRetryableFailure(t *testing.T) {
	cfg := testConfig()
	svc, backend, _ := newTestService(t, cfg, fixedStep{result: stepstate.Failure, retry: false, kind: classify.Retryable})
	msg := enqueueRequest(t, backend, "p2")

	svc.handleMessage(context.Background(), "w0", msg)

	count, _ := backend.ApproximateCount(context.Background())
	require.Equal(t, int64(1), count, "retryable failure should leave the message on the main queue for redelivery")
	dlq := backend.DeadLetterMessages()
	require.Empty(t, dlq)
}

func TestHandleMessageDeadLettersOnNonRetryableFailure(t *testing.T) {
	cfg := testConfig()
	svc, backend, tel := newTestService(t, cfg, fixedStep{result: stepstate.Failure, retry: false, kind: classify.NonRetryable})
	msg := enqueueRequest(t, backend, "p3")

	svc.handleMessage(context.Background(), "w0", msg)

	dlq := backend.DeadLetterMessages()
	require.Len(t, dlq, 1)

	outcome, found, err := tel.GetFinalOutcome(context.Background(), "p3")
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, outcome.Success)
}

func TestHandleMessageRequeuesImmediatelyAndReleasesGuard(t *testing.T) {
	cfg := testConfig()
	svc, backend, _ := newTestService(t, cfg, fixedStep{result: stepstate.Failure, retry: true})
	msg := enqueueRequest(t, backend, "p4")

	svc.handleMessage(context.Background(), "w0", msg)

	// Message should be immediately receivable again (visibility reset to 0).
	redelivered, err := backend.Receive(context.Background(), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	require.Equal(t, int64(2), redelivered.DequeueCount)

	// The first delivery's reservation was released, so it can be reserved again.
	reserved, err := svc.guard.CheckAndReserve(context.Background(), msg.ID, msg.DequeueCount, time.Minute)
	require.NoError(t, err)
	require.True(t, reserved, "immediate retry should release the idempotency reservation")
}

func TestHandleMessageSuppressesDuplicateDelivery(t *testing.T) {
	cfg := testConfig()
	svc, backend, tel := newTestService(t, cfg, fixedStep{result: stepstate.Success})
	msg := enqueueRequest(t, backend, "p5")

	svc.handleMessage(context.Background(), "w0", msg)
	first, found, err := tel.GetFinalOutcome(context.Background(), "p5")
	require.NoError(t, err)
	require.True(t, found)

	// Re-handling the exact same (message_id, dequeue_count) delivery must
	// not double-record the outcome or re-touch the queue.
	svc.handleMessage(context.Background(), "w0", msg)

	second, found, err := tel.GetFinalOutcome(context.Background(), "p5")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, first.RecordedAt, second.RecordedAt, "duplicate delivery must not re-record the outcome")
}
