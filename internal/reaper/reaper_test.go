package reaper

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/migration-queue-dispatcher/internal/config"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/telemetry"
)

func TestScanOnceClosesOutStaleRunningProcess(t *testing.T) {
	cfg := &config.Config{}
	cfg.Telemetry.StaleProcessThreshold = 10 * time.Millisecond

	tel := telemetry.NewMemoryStore(cfg.Telemetry, zap.NewNop())
	ctx := context.Background()
	if err := tel.InitProcess(ctx, "p1", "Analysis", "Analysis"); err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)

	r := New(cfg, tel, zap.NewNop())
	r.scanOnce(ctx)

	outcome, found, err := tel.GetFinalOutcome(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if !found || outcome.Success {
		t.Fatalf("got found=%v outcome=%+v, want a failed final outcome", found, outcome)
	}
}

func TestScanOnceLeavesFreshProcessesAlone(t *testing.T) {
	cfg := &config.Config{}
	cfg.Telemetry.StaleProcessThreshold = time.Hour

	tel := telemetry.NewMemoryStore(cfg.Telemetry, zap.NewNop())
	ctx := context.Background()
	if err := tel.InitProcess(ctx, "p2", "Analysis", "Analysis"); err != nil {
		t.Fatal(err)
	}

	r := New(cfg, tel, zap.NewNop())
	r.scanOnce(ctx)

	_, found, err := tel.GetFinalOutcome(ctx, "p2")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("a fresh process should not be closed out by the reaper")
	}
}
