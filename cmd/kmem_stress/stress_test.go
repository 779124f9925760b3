package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/kmem/config"
	"github.com/sushant-115/kmem/core/kernel"
	blockdevice "github.com/sushant-115/kmem/core/storage_engine/block_device"
)

func TestScenarioOnMemoryDisk(t *testing.T) {
	dev := blockdevice.NewMemDevice(nil)
	defer dev.Close()
	require.NoError(t, runScenario(context.Background(), dev, zaptest.NewLogger(t)))
}

func TestWorkloadLeavesNoLeaks(t *testing.T) {
	cfg := config.Default()
	cfg.Logger.Level = "warn"
	cfg.Workload.Workers = 6
	cfg.Workload.Ops = 500

	k, err := kernel.Boot(cfg, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, k.Shutdown()) }()

	r, err := runWorkload(context.Background(), k, cfg.Workload, nooptrace.NewTracerProvider().Tracer(""), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Equal(t, uint64(6*500), r.Ops)
	require.Equal(t, r.TotalFrames, r.FreeFrames)
	require.NotZero(t, r.BlockReads)
	require.NotZero(t, r.FrameAllocs)
	require.Zero(t, r.NoBuffers)
}
