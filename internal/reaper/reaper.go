// Copyright 2025 James Ross
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/migration-queue-dispatcher/internal/config"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/obs"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/telemetry"
)

// Reaper periodically sweeps the telemetry store for processes stuck in
// status=running past a staleness threshold. Azure Storage Queue's own
// visibility-timeout already redelivers an orphaned message to another
// worker, so unlike the teacher's Redis processing-list scan, this reaper
// doesn't requeue anything — it only closes out the telemetry record so a
// client polling process status doesn't see "running" forever for a
// process whose message has long since been redelivered.
type Reaper struct {
	cfg *config.Config
	tel telemetry.Store
	log *zap.Logger
}

// New builds a Reaper over the shared telemetry store.
func New(cfg *config.Config, tel telemetry.Store, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, tel: tel, log: log}
}

// Run ticks every interval until ctx is canceled, sweeping stale
// processes on each tick.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	threshold := r.cfg.Telemetry.StaleProcessThreshold
	if threshold <= 0 {
		threshold = 30 * time.Minute
	}
	cutoff := time.Now().Add(-threshold)

	staleIDs, err := r.tel.ListStaleRunningProcesses(ctx, cutoff)
	if err != nil {
		r.log.Warn("reaper scan error", obs.Err(err))
		return
	}

	for _, processID := range staleIDs {
		err := r.tel.RecordFailureOutcome(ctx, processID,
			"process exceeded stale_process_threshold with no telemetry update",
			"", map[string]any{"reason": "reaper_timeout"})
		if err != nil {
			r.log.Error("reaper failed to close out stale process", obs.Err(err), obs.String("process_id", processID))
			continue
		}
		obs.ReaperRecovered.Inc()
		r.log.Warn("reaper closed out stale process", obs.String("process_id", processID))
	}
}
