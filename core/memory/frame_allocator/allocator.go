// Package frameallocator hands out fixed-size physical frames from a
// free-list and tracks how many holders share each frame.
//
// Frames from Alloc start with a reference count of one and go back to the
// free-list when Free drops the count to zero. Frames from AllocUnmanaged
// carry no count and are returned with FreeUnmanaged. Passing a frame to the
// wrong release path, or an address outside the managed window, is a bug in
// the caller and panics.
package frameallocator

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/kmem/core/memory/memlayout"
	"github.com/sushant-115/kmem/core/memory/physmem"
	internaltelemetry "github.com/sushant-115/kmem/internal/telemetry"
)

const nilFrame int32 = -1

// Allocator is the physical frame allocator.
type Allocator struct {
	arena *physmem.Arena
	base  uint64 // first managed frame
	end   uint64 // one past the last managed frame

	mu     sync.Mutex // guards head, next, onFree, nfree
	head   int32
	next   []int32
	onFree []bool
	nfree  int

	refs    *RefTable
	logger  *zap.Logger
	metrics *internaltelemetry.KernelMetrics
}

// New builds an allocator over [PGRoundUp(start), arena.End()) and pushes
// every frame in that window onto the free-list before returning.
func New(arena *physmem.Arena, start uint64, logger *zap.Logger, metrics *internaltelemetry.KernelMetrics) (*Allocator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NewNoopKernelMetrics()
	}
	base := memlayout.PGRoundUp(start)
	end := memlayout.PGRoundDown(arena.End())
	if base < arena.Start() || base >= end {
		return nil, fmt.Errorf("%w: [%#x, %#x) in arena [%#x, %#x)", ErrEmptyRange, base, end, arena.Start(), arena.End())
	}

	n := int((end - base) / memlayout.PageSize)
	a := &Allocator{
		arena:   arena,
		base:    base,
		end:     end,
		head:    nilFrame,
		next:    make([]int32, n),
		onFree:  make([]bool, n),
		logger:  logger.Named("frame_allocator"),
		metrics: metrics,
	}
	a.refs = newRefTable(base, end, a.logger)

	for pa := base; pa+memlayout.PageSize <= end; pa += memlayout.PageSize {
		a.fill(pa, FreeJunk)
		a.push(a.frameIndex(pa))
	}
	metrics.FramesSeeded(n)
	a.logger.Info("frame allocator initialized",
		zap.Uint64("base", base), zap.Uint64("end", end), zap.Int("frames", n))
	return a, nil
}

// Refs exposes the reference-count table.
func (a *Allocator) Refs() *RefTable { return a.refs }

// Base is the first managed physical address.
func (a *Allocator) Base() uint64 { return a.base }

// End is one past the last managed physical address.
func (a *Allocator) End() uint64 { return a.end }

// TotalFrames is the number of frames under management.
func (a *Allocator) TotalFrames() int { return len(a.next) }

// FreeFrames is the number of frames on the free-list right now.
func (a *Allocator) FreeFrames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nfree
}

// Alloc returns a frame with reference count one, filled with AllocJunk.
func (a *Allocator) Alloc() (uint64, error) {
	pa, err := a.take()
	if err != nil {
		return 0, err
	}
	a.refs.SetOne(pa)
	a.fill(pa, AllocJunk)
	a.metrics.FrameAllocated(true)
	a.logger.Debug("frame allocated", zap.Uint64("pa", pa))
	return pa, nil
}

// AllocUnmanaged returns a frame outside reference counting. It must be
// given back with FreeUnmanaged, never Free.
func (a *Allocator) AllocUnmanaged() (uint64, error) {
	pa, err := a.take()
	if err != nil {
		return 0, err
	}
	a.fill(pa, AllocJunk)
	a.metrics.FrameAllocated(false)
	a.logger.Debug("unmanaged frame allocated", zap.Uint64("pa", pa))
	return pa, nil
}

// Free drops one reference to pa. The frame is junk-filled and put back on
// the free-list only when the last reference goes.
func (a *Allocator) Free(pa uint64) {
	a.checkAddr("free", pa)
	last, ok := a.refs.release(pa)
	if !ok {
		a.violation("free", "frame %#x has no references", pa)
	}
	if !last {
		a.logger.Debug("frame still shared", zap.Uint64("pa", pa))
		return
	}
	a.fill(pa, FreeJunk)
	if !a.push(a.frameIndex(pa)) {
		a.violation("free", "frame %#x already on the free-list", pa)
	}
	a.metrics.FrameFreed(true)
	a.logger.Debug("frame freed", zap.Uint64("pa", pa))
}

// FreeUnmanaged returns a frame obtained from AllocUnmanaged.
func (a *Allocator) FreeUnmanaged(pa uint64) {
	a.checkAddr("free unmanaged", pa)
	if n := a.refs.Get(pa); n != 0 {
		a.violation("free unmanaged", "frame %#x is reference counted (count %d)", pa, n)
	}
	a.fill(pa, FreeJunk)
	if !a.push(a.frameIndex(pa)) {
		a.violation("free unmanaged", "frame %#x already on the free-list", pa)
	}
	a.metrics.FrameFreed(false)
	a.logger.Debug("unmanaged frame freed", zap.Uint64("pa", pa))
}

// Frame returns the bytes of the frame at pa. Only the frame's owner may
// touch them.
func (a *Allocator) Frame(pa uint64) []byte {
	a.checkAddr("frame", pa)
	return a.arena.Page(pa)
}

func (a *Allocator) take() (uint64, error) {
	i, ok := a.pop()
	if !ok {
		a.metrics.AllocFailed()
		a.logger.Warn("out of physical frames", zap.Int("total", len(a.next)))
		return 0, ErrNoMemory
	}
	return a.frameAddr(i), nil
}

func (a *Allocator) pop() (int32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.head
	if i == nilFrame {
		return nilFrame, false
	}
	a.head = a.next[i]
	a.next[i] = nilFrame
	a.onFree[i] = false
	a.nfree--
	return i, true
}

func (a *Allocator) push(i int32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.onFree[i] {
		return false
	}
	a.next[i] = a.head
	a.head = i
	a.onFree[i] = true
	a.nfree++
	return true
}

func (a *Allocator) fill(pa uint64, b byte) {
	page := a.arena.Page(pa)
	for i := range page {
		page[i] = b
	}
}

func (a *Allocator) checkAddr(op string, pa uint64) {
	if !memlayout.PageAligned(pa) {
		a.violation(op, "address %#x is not page aligned", pa)
	}
	if pa < a.base || pa >= a.end {
		a.violation(op, "address %#x outside [%#x, %#x)", pa, a.base, a.end)
	}
}

func (a *Allocator) frameIndex(pa uint64) int32 {
	return int32((pa - a.base) / memlayout.PageSize)
}

func (a *Allocator) frameAddr(i int32) uint64 {
	return a.base + uint64(i)*memlayout.PageSize
}

func (a *Allocator) violation(op, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	a.logger.Error("frame allocator contract violation", zap.String("op", op), zap.String("detail", msg))
	panic(fmt.Sprintf("frameallocator: %s: %s", op, msg))
}
