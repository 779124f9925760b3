package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/kmem/config"
	"github.com/sushant-115/kmem/core/kernel"
	frameallocator "github.com/sushant-115/kmem/core/memory/frame_allocator"
	buffercache "github.com/sushant-115/kmem/core/storage_engine/buffer_cache"
)

// report summarizes a workload run.
type report struct {
	Ops         uint64
	BlockReads  uint64
	BlockWrites uint64
	FrameAllocs uint64
	FrameShares uint64
	NoMemory    uint64
	NoBuffers   uint64
	Cache       buffercache.Stats
	FreeFrames  int
	TotalFrames int
}

type workloadCounters struct {
	ops, reads, writes, allocs, shares, noMemory, noBuffers atomic.Uint64
}

// runWorkload drives the kernel from cfg.Workers goroutines mixing block
// reads and writes with frame allocation, sharing and release. Every block
// written carries its own address, so a buffer bound to the wrong block is
// detected on the next read.
func runWorkload(ctx context.Context, k *kernel.Kernel, cfg config.WorkloadConfig, tracer trace.Tracer, logger *zap.Logger) (report, error) {
	var cnt workloadCounters
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Workers; w++ {
		seed := cfg.Seed + int64(w)
		g.Go(func() error {
			_, span := tracer.Start(ctx, "kmem_stress.worker", trace.WithAttributes(attribute.Int64("seed", seed)))
			defer span.End()
			wk := &worker{k: k, cfg: cfg, rng: rand.New(rand.NewSource(seed)), cnt: &cnt}
			defer wk.freeAll()
			for i := 0; i < cfg.Ops; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := wk.step(); err != nil {
					span.RecordError(err)
					return err
				}
				cnt.ops.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()

	r := report{
		Ops:         cnt.ops.Load(),
		BlockReads:  cnt.reads.Load(),
		BlockWrites: cnt.writes.Load(),
		FrameAllocs: cnt.allocs.Load(),
		FrameShares: cnt.shares.Load(),
		NoMemory:    cnt.noMemory.Load(),
		NoBuffers:   cnt.noBuffers.Load(),
		Cache:       k.Cache.Stats(),
		FreeFrames:  k.Frames.FreeFrames(),
		TotalFrames: k.Frames.TotalFrames(),
	}
	if err != nil {
		return r, err
	}
	if r.FreeFrames != r.TotalFrames {
		return r, fmt.Errorf("%d frames leaked", r.TotalFrames-r.FreeFrames)
	}
	if n := k.Cache.Referenced(); n != 0 {
		return r, fmt.Errorf("%d buffers still referenced", n)
	}
	if err := k.Cache.Audit(); err != nil {
		return r, err
	}
	logger.Info("workload finished",
		zap.Uint64("ops", r.Ops), zap.Uint64("hits", r.Cache.Hits), zap.Uint64("misses", r.Cache.Misses),
		zap.Uint64("remote_evictions", r.Cache.RemoteEvictions), zap.Uint64("no_buffers", r.NoBuffers))
	return r, nil
}

type worker struct {
	k      *kernel.Kernel
	cfg    config.WorkloadConfig
	rng    *rand.Rand
	cnt    *workloadCounters
	frames []uint64 // one entry per reference held
}

func (w *worker) step() error {
	switch n := w.rng.Intn(100); {
	case n < 45:
		return w.block()
	case n < 75:
		return w.alloc()
	case n < 85:
		w.share()
		return nil
	default:
		w.free()
		return nil
	}
}

func (w *worker) block() error {
	dev := uint32(w.rng.Intn(w.cfg.Devices))
	blk := uint32(w.rng.Intn(w.cfg.Blocks))
	b, err := w.k.Cache.Read(dev, blk)
	if errors.Is(err, buffercache.ErrNoBuffers) {
		w.cnt.noBuffers.Add(1)
		return nil
	}
	if err != nil {
		return err
	}
	defer w.k.Cache.Release(b)
	w.cnt.reads.Add(1)

	want := uint64(dev)<<32 | uint64(blk)
	if got := binary.LittleEndian.Uint64(b.Data()); got != 0 && got != want {
		return fmt.Errorf("dev %d block %d holds data stamped %#x", dev, blk, got)
	}
	if w.rng.Intn(3) == 0 {
		binary.LittleEndian.PutUint64(b.Data(), want)
		if err := w.k.Cache.Write(b); err != nil {
			return err
		}
		w.cnt.writes.Add(1)
	}
	return nil
}

func (w *worker) alloc() error {
	if len(w.frames) >= w.cfg.MaxFrames {
		w.free()
		return nil
	}
	pa, err := w.k.Frames.Alloc()
	if errors.Is(err, frameallocator.ErrNoMemory) {
		w.cnt.noMemory.Add(1)
		w.free()
		return nil
	}
	if err != nil {
		return err
	}
	if c := w.k.Frames.Refs().Get(pa); c != 1 {
		return fmt.Errorf("fresh frame %#x has count %d", pa, c)
	}
	binary.LittleEndian.PutUint64(w.k.Frames.Frame(pa), pa)
	w.frames = append(w.frames, pa)
	w.cnt.allocs.Add(1)
	return nil
}

// share takes an extra reference on a held frame, as fork does for a
// copy-on-write page.
func (w *worker) share() {
	if len(w.frames) == 0 || len(w.frames) >= w.cfg.MaxFrames {
		return
	}
	pa := w.frames[w.rng.Intn(len(w.frames))]
	w.k.Frames.Refs().Inc(pa)
	w.frames = append(w.frames, pa)
	w.cnt.shares.Add(1)
}

func (w *worker) free() {
	if len(w.frames) == 0 {
		return
	}
	i := w.rng.Intn(len(w.frames))
	pa := w.frames[i]
	w.frames[i] = w.frames[len(w.frames)-1]
	w.frames = w.frames[:len(w.frames)-1]
	w.k.Frames.Free(pa)
}

func (w *worker) freeAll() {
	for len(w.frames) > 0 {
		w.free()
	}
}
