// Package kernel boots the memory core: the physical arena, the frame
// allocator, the tick source, the block device and the buffer cache. The
// returned handle is passed to callers explicitly; nothing is global.
package kernel

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/kmem/config"
	"github.com/sushant-115/kmem/core/clock"
	frameallocator "github.com/sushant-115/kmem/core/memory/frame_allocator"
	"github.com/sushant-115/kmem/core/memory/memlayout"
	"github.com/sushant-115/kmem/core/memory/physmem"
	blockdevice "github.com/sushant-115/kmem/core/storage_engine/block_device"
	buffercache "github.com/sushant-115/kmem/core/storage_engine/buffer_cache"
	internaltelemetry "github.com/sushant-115/kmem/internal/telemetry"
)

// Kernel owns every booted component.
type Kernel struct {
	Arena  *physmem.Arena
	Frames *frameallocator.Allocator
	Clock  clock.Clock
	Device blockdevice.Device
	Cache  *buffercache.Cache

	logger       *zap.Logger
	shutdownOnce sync.Once
	shutdownErr  error
}

// Boot brings the components up in dependency order. On failure the
// components already started are torn down again.
func Boot(cfg config.Config, logger *zap.Logger, metrics *internaltelemetry.KernelMetrics) (*Kernel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NewNoopKernelMetrics()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}
	k := &Kernel{logger: logger.Named("kernel")}

	arena, err := physmem.New(memlayout.KernBase, memlayout.PhysTop)
	if err != nil {
		return nil, fmt.Errorf("kernel: physical memory: %w", err)
	}
	k.Arena = arena

	k.Frames, err = frameallocator.New(arena, memlayout.KernelEnd(), logger, metrics)
	if err != nil {
		return nil, k.abort(fmt.Errorf("kernel: frame allocator: %w", err))
	}

	if cfg.Clock.TickInterval > 0 {
		k.Clock = clock.NewTicker(cfg.Clock.TickInterval, logger)
	} else {
		k.Clock = clock.NewLogical()
	}

	k.Device, err = openDevice(cfg.Disk, logger)
	if err != nil {
		return nil, k.abort(fmt.Errorf("kernel: block device: %w", err))
	}

	k.Cache, err = buffercache.New(k.Device, buffercache.Config{Clock: k.Clock}, logger, metrics)
	if err != nil {
		return nil, k.abort(fmt.Errorf("kernel: buffer cache: %w", err))
	}

	k.logger.Info("kernel booted",
		zap.Int("free_frames", k.Frames.FreeFrames()),
		zap.String("disk", cfg.Disk.Kind),
		zap.Duration("tick_interval", cfg.Clock.TickInterval))
	return k, nil
}

func openDevice(cfg config.DiskConfig, logger *zap.Logger) (blockdevice.Device, error) {
	var dev blockdevice.Device
	switch cfg.Kind {
	case config.DiskFile:
		fd, err := blockdevice.OpenFileDevice(cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		dev = fd
	default:
		dev = blockdevice.NewMemDevice(logger)
	}
	if cfg.BytesPerSecond > 0 {
		dev = blockdevice.NewThrottled(dev, int64(cfg.BytesPerSecond))
	}
	return dev, nil
}

func (k *Kernel) abort(cause error) error {
	return multierr.Append(cause, k.Shutdown())
}

// Shutdown stops the tick source and closes the device and the arena.
// Frames and buffers must not be used afterwards. Later calls return the
// first result.
func (k *Kernel) Shutdown() error {
	k.shutdownOnce.Do(func() {
		if t, ok := k.Clock.(*clock.Ticker); ok {
			t.Stop()
		}
		var err error
		if k.Device != nil {
			err = multierr.Append(err, k.Device.Close())
		}
		if k.Arena != nil {
			err = multierr.Append(err, k.Arena.Close())
		}
		k.shutdownErr = err
		if err != nil {
			k.logger.Error("kernel shutdown failed", zap.Error(err))
			return
		}
		k.logger.Info("kernel shut down")
	})
	return k.shutdownErr
}
