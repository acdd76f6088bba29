// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/migration-queue-dispatcher/internal/breaker"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/classify"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/config"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/idempotency"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/obs"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/pipeline"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/pipeline/steps"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/queuebackend"
	worker "github.com/flyingrobots/migration-queue-dispatcher/internal/queuesvc"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/reaper"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/redisclient"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/retrypolicy"
	"github.com/flyingrobots/migration-queue-dispatcher/internal/telemetry"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	var useMemoryBackend bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVar(&useMemoryBackend, "local", false, "Use in-memory queue and telemetry backends instead of Azure/Cosmos (local/dev runs)")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	backend, err := newQueueBackend(cfg, useMemoryBackend)
	if err != nil {
		logger.Fatal("failed to init queue backend", obs.Err(err))
	}

	tel, err := newTelemetryStore(cfg, logger, useMemoryBackend)
	if err != nil {
		logger.Fatal("failed to init telemetry store", obs.Err(err))
	}

	var rdb *redis.Client
	guard := idempotency.Guard(idempotency.NoopGuard{})
	if cfg.Idempotency.Enabled {
		rdb = redisclient.New(cfg.Idempotency)
		defer rdb.Close()
		guard = idempotency.NewRedisGuard(rdb, "migration-dispatcher")
	}

	classifier := classify.New(cfg.Classifier)
	retryPolicy := retrypolicy.New(cfg.RetryPolicy, cfg.Queue.MaxAttempts)
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod,
		cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)

	orchestrator := steps.SimulatedOrchestratorClient{Delay: 50 * time.Millisecond}
	driver := pipeline.New([]pipeline.NamedStep{
		{Phase: "Analysis", Step: "Analysis", Impl: steps.NewAnalysisStep(orchestrator, classifier)},
		{Phase: "Design", Step: "Design", Impl: steps.NewDesignStep(orchestrator, classifier)},
		{Phase: "YAML", Step: "YAML", Impl: steps.NewYAMLStep(orchestrator, classifier)},
		{Phase: "Documentation", Step: "Documentation", Impl: steps.NewDocumentationStep(orchestrator, classifier)},
	}, cb, tel, logger)

	svc := worker.New(cfg, backend, guard, classifier, retryPolicy, driver, tel, logger)

	readyCheck := func(c context.Context) error {
		if rdb == nil {
			return nil
		}
		_, err := rdb.Ping(c).Result()
		return err
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(cfg.Queue.ShutdownGracePeriod + 5*time.Second):
		}
	}()

	obs.StartQueueDepthUpdater(ctx, cfg, backend, logger)

	rp := reaper.New(cfg, tel, logger)
	go rp.Run(ctx, 5*time.Second)

	if err := svc.Run(ctx); err != nil {
		logger.Fatal("queue service error", obs.Err(err))
	}
}

func newQueueBackend(cfg *config.Config, useMemory bool) (queuebackend.Backend, error) {
	if useMemory {
		return queuebackend.NewMemoryBackend(), nil
	}
	return queuebackend.NewAzureBackend(cfg.Azure, cfg.Queue)
}

func newTelemetryStore(cfg *config.Config, logger *zap.Logger, useMemory bool) (telemetry.Store, error) {
	if useMemory {
		return telemetry.NewMemoryStore(cfg.Telemetry, logger), nil
	}
	return telemetry.NewCosmosStore(cfg.Cosmos, cfg.Telemetry, logger)
}
