// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/migration-queue-dispatcher/internal/config"
)

// depthBackend is the narrow slice of queuebackend.Backend this sampler
// needs — kept local to avoid obs depending on queuebackend's Azure SDK
// import chain just for a gauge poller.
type depthBackend interface {
	ApproximateCount(ctx context.Context) (int64, error)
	ApproximateDeadLetterCount(ctx context.Context) (int64, error)
}

// StartQueueDepthUpdater samples the main and dead-letter queue depths on
// a ticker and publishes them to QueueDepth, replacing the teacher's
// Redis LLEN poll with Backend.ApproximateCount/ApproximateDeadLetterCount.
func StartQueueDepthUpdater(ctx context.Context, cfg *config.Config, backend depthBackend, log *zap.Logger) {
	interval := 2 * time.Second
	if cfg.Observability.QueueSampleInterval > 0 {
		interval = cfg.Observability.QueueSampleInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := backend.ApproximateCount(ctx); err != nil {
					log.Debug("queue depth poll error", String("queue", cfg.Queue.Name), Err(err))
				} else {
					QueueDepth.WithLabelValues(cfg.Queue.Name).Set(float64(n))
				}
				if n, err := backend.ApproximateDeadLetterCount(ctx); err != nil {
					log.Debug("queue depth poll error", String("queue", cfg.Queue.DeadLetterName), Err(err))
				} else {
					QueueDepth.WithLabelValues(cfg.Queue.DeadLetterName).Set(float64(n))
				}
			}
		}
	}()
}
