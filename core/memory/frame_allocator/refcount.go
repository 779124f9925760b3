package frameallocator

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/kmem/core/memory/memlayout"
)

// RefTable counts the holders of every managed frame. Counts are only
// changed through its methods; the Locked variants require the caller to
// hold the table via Lock so that several steps act as one.
type RefTable struct {
	mu     sync.Mutex
	base   uint64
	end    uint64
	ref    []int32
	logger *zap.Logger
}

func newRefTable(base, end uint64, logger *zap.Logger) *RefTable {
	return &RefTable{
		base:   base,
		end:    end,
		ref:    make([]int32, (end-base)/memlayout.PageSize),
		logger: logger,
	}
}

func (t *RefTable) index(op string, pa uint64) int {
	if !memlayout.PageAligned(pa) || pa < t.base || pa >= t.end {
		t.logger.Error("reference to unmanaged address",
			zap.String("op", op), zap.Uint64("pa", pa),
			zap.Uint64("base", t.base), zap.Uint64("end", t.end))
		panic(fmt.Sprintf("frameallocator: %s: bad frame address %#x", op, pa))
	}
	return int((pa - t.base) / memlayout.PageSize)
}

// Lock acquires the whole table.
func (t *RefTable) Lock() { t.mu.Lock() }

// Unlock releases the table.
func (t *RefTable) Unlock() { t.mu.Unlock() }

// Inc adds a holder to pa.
func (t *RefTable) Inc(pa uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.IncLocked(pa)
}

// SetOne marks pa as held by exactly one owner.
func (t *RefTable) SetOne(pa uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ref[t.index("ref set", pa)] = 1
}

// Dec drops a holder from pa. It never returns the frame to the free-list;
// use Allocator.Free for that.
func (t *RefTable) Dec(pa uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.DecLocked(pa)
}

// Get returns the current count for pa.
func (t *RefTable) Get(pa uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.GetLocked(pa)
}

// GetLocked is Get for a caller holding the table.
func (t *RefTable) GetLocked(pa uint64) int {
	return int(t.ref[t.index("ref get", pa)])
}

// IncLocked is Inc for a caller holding the table.
func (t *RefTable) IncLocked(pa uint64) {
	t.ref[t.index("ref inc", pa)]++
}

// DecLocked is Dec for a caller holding the table.
func (t *RefTable) DecLocked(pa uint64) {
	i := t.index("ref dec", pa)
	if t.ref[i] <= 0 {
		t.logger.Error("reference count underflow", zap.Uint64("pa", pa))
		panic(fmt.Sprintf("frameallocator: ref dec: count of %#x already zero", pa))
	}
	t.ref[i]--
}

// release drops one holder and reports whether the frame became free.
func (t *RefTable) release(pa uint64) (free bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.index("free", pa)
	if t.ref[i] <= 0 {
		return false, false
	}
	t.ref[i]--
	return t.ref[i] == 0, true
}
