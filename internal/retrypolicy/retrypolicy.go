// Package retrypolicy implements the capped-exponential-backoff-with-jitter
// delay formula and the requeue/DLQ decision table from spec §4.3.
package retrypolicy

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/flyingrobots/migration-queue-dispatcher/internal/classify"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/config"
)

// Action is the queue-level action the policy prescribes for a failed
// attempt.
type Action string

const (
	RequeueImmediate Action = "requeue_immediate"
	RequeueBackoff   Action = "requeue_backoff"
	DeadLetter       Action = "dead_letter"
	// NoOp covers the ignorable case: the policy makes no queue-level
	// decision because the pipeline is expected to have already continued
	// past the error (§4.3: "no-op from policy; pipeline continues").
	NoOp Action = "no_op"
)

// Decision is what RetryDecision names in the data model (§3).
type Decision struct {
	Action                   Action
	VisibilityTimeoutSeconds int64
	DelaySeconds             float64
	Reason                   string
}

// Metrics mirrors RetryManager.get_status()'s metrics block from the
// original implementation (§3's supplemented retrypolicy.Metrics).
type Metrics struct {
	TotalAttempts      int64
	SuccessfulRetries  int64
	FailedRetries      int64
	MaxRetriesExceeded int64
	TotalRetryTime     time.Duration
	AverageRetryDelay  time.Duration
}

// Input is everything Decide needs to evaluate the decision table for one
// failed attempt.
type Input struct {
	// Attempts is the queue backend's dequeue_count — the only attempt
	// counter the policy trusts (§9, "Retry-count transport").
	Attempts               int64
	RequiresImmediateRetry bool
	Classification         classify.Kind
}

// Policy evaluates the decision table and the delay formula. One instance
// is shared across workers; its metrics are mutex-protected.
type Policy struct {
	cfg         config.RetryPolicy
	maxAttempts int64

	mu      sync.Mutex
	metrics Metrics
}

// New builds a Policy from its config and the queue's configured
// max_attempts.
func New(cfg config.RetryPolicy, maxAttempts int) *Policy {
	return &Policy{cfg: cfg, maxAttempts: int64(maxAttempts)}
}

// Delay computes delay(n) from §4.3: capped exponential backoff with
// symmetric jitter, floored at one second.
func (p *Policy) Delay(attempt int64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := p.cfg.BaseDelay.Seconds()
	maxDelay := p.cfg.MaxDelay.Seconds()

	exponential := base * math.Pow(p.cfg.BackoffMultiplier, float64(attempt))
	delay := math.Min(exponential, maxDelay)

	jitterRange := delay * p.cfg.JitterFraction
	jitter := (rand.Float64()*2 - 1) * jitterRange
	final := delay + jitter
	if final < 1 {
		final = 1
	}
	return time.Duration(final * float64(time.Second))
}

// Decide evaluates the decision table in §4.3, row by row, and updates
// metrics for whichever branch is taken.
//
// Attempts is the queue backend's 1-based dequeue_count (the delivery
// currently being handled), so the number of attempts already spent
// retrying is Attempts-1; a delivery is still eligible for another
// requeue while that prior-attempt count is below max_attempts, i.e.
// while Attempts <= maxAttempts. The (maxAttempts+1)-th delivery is the
// one that finally routes to the dead letter queue.
func (p *Policy) Decide(in Input) Decision {
	p.mu.Lock()
	p.metrics.TotalAttempts++
	p.mu.Unlock()

	priorAttempts := in.Attempts - 1
	eligibleForRetry := priorAttempts < p.maxAttempts

	switch {
	case in.RequiresImmediateRetry && eligibleForRetry:
		p.recordRetry(0)
		return Decision{
			Action:                   RequeueImmediate,
			VisibilityTimeoutSeconds: 0,
			Reason:                   "step requires immediate retry",
		}

	case in.Classification == classify.Retryable && eligibleForRetry:
		delay := p.Delay(priorAttempts)
		p.recordRetry(delay)
		return Decision{
			Action:                   RequeueBackoff,
			VisibilityTimeoutSeconds: int64(delay.Seconds()),
			DelaySeconds:             delay.Seconds(),
			Reason:                   "retryable failure, backing off",
		}

	case in.Classification == classify.Ignorable:
		return Decision{Action: NoOp, Reason: "ignorable error; pipeline already continued"}

	case in.Classification == classify.Poison:
		p.recordExceeded()
		return Decision{Action: DeadLetter, Reason: "poison message"}

	case !eligibleForRetry:
		p.recordExceeded()
		return Decision{
			Action: DeadLetter,
			Reason: fmt.Sprintf("max retries (%d) exceeded", p.maxAttempts),
		}

	case in.Classification == classify.NonRetryable:
		p.recordFailed()
		return Decision{Action: DeadLetter, Reason: "non-retryable error"}

	default:
		delay := p.Delay(priorAttempts)
		p.recordRetry(delay)
		return Decision{
			Action:                   RequeueBackoff,
			VisibilityTimeoutSeconds: int64(delay.Seconds()),
			DelaySeconds:             delay.Seconds(),
			Reason:                   "unclassified failure, defaulting to backoff",
		}
	}
}

func (p *Policy) recordRetry(delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics.SuccessfulRetries++
	p.metrics.TotalRetryTime += delay
}

func (p *Policy) recordFailed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics.FailedRetries++
}

func (p *Policy) recordExceeded() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics.MaxRetriesExceeded++
}

// Snapshot returns a copy of the metrics with AverageRetryDelay recomputed, matching
// RetryManager.get_metrics()'s derived-field behavior.
func (p *Policy) Snapshot() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.metrics
	denom := m.TotalAttempts - m.SuccessfulRetries
	if denom < 1 {
		denom = 1
	}
	m.AverageRetryDelay = m.TotalRetryTime / time.Duration(denom)
	return m
}
