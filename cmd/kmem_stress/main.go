// Command kmem_stress boots the memory core, replays the reference
// buffer-sharing scenario and then runs a concurrent random workload over
// frames and blocks, auditing the cache afterwards.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/kmem/config"
	"github.com/sushant-115/kmem/core/kernel"
	internaltelemetry "github.com/sushant-115/kmem/internal/telemetry"
	"github.com/sushant-115/kmem/pkg/logger"
	"github.com/sushant-115/kmem/pkg/telemetry"
)

var (
	configPath   = flag.String("config", "", "Path to a YAML config file (defaults are used when empty)")
	skipScenario = flag.Bool("skip_scenario", false, "Skip the buffer-sharing scenario")
	linger       = flag.Duration("linger", 0, "Keep serving metrics this long after the run")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kmem_stress: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	cfg := config.Default()
	if *configPath != "" {
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}

	log, _, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	runID := uuid.New()
	log = log.With(zap.String("run_id", runID.String()))

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, shutdownTelemetry(context.Background())) }()

	metrics, err := internaltelemetry.NewKernelMetrics(tel.Meter)
	if err != nil {
		return err
	}

	k, err := kernel.Boot(cfg, log, metrics)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, k.Shutdown()) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, span := tel.Tracer.Start(ctx, "kmem_stress.run")
	span.SetAttributes(attribute.String("run_id", runID.String()))
	defer span.End()

	if !*skipScenario {
		if err := runScenario(ctx, k.Device, log); err != nil {
			span.SetStatus(codes.Error, "scenario failed")
			return fmt.Errorf("scenario: %w", err)
		}
	}

	start := time.Now()
	r, err := runWorkload(ctx, k, cfg.Workload, tel.Tracer, log)
	if err != nil {
		span.SetStatus(codes.Error, "workload failed")
		return fmt.Errorf("workload: %w", err)
	}
	log.Info("run complete",
		zap.Duration("elapsed", time.Since(start)),
		zap.Uint64("ops", r.Ops),
		zap.Uint64("block_reads", r.BlockReads),
		zap.Uint64("block_writes", r.BlockWrites),
		zap.Uint64("frame_allocs", r.FrameAllocs),
		zap.Uint64("frame_shares", r.FrameShares),
		zap.Uint64("evictions", r.Cache.Evictions),
		zap.Uint64("disk_reads", r.Cache.DiskReads),
		zap.Uint64("disk_writes", r.Cache.DiskWrites))

	if *linger > 0 && tel.MetricsAddr != "" {
		log.Info("lingering for metrics scrape", zap.String("addr", tel.MetricsAddr), zap.Duration("for", *linger))
		select {
		case <-time.After(*linger):
		case <-ctx.Done():
		}
	}
	return nil
}
