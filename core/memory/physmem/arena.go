// Package physmem models the machine's physical RAM as one contiguous byte
// arena. Byte 0 of the arena is physical address Start().
package physmem

import (
	"errors"
	"fmt"

	"github.com/sushant-115/kmem/core/memory/memlayout"
)

// ErrBadRange is returned when an arena is requested for an empty or
// unaligned physical window.
var ErrBadRange = errors.New("physmem: invalid physical range")

// Arena is a window of simulated physical memory [start, end).
type Arena struct {
	start   uint64
	end     uint64
	mem     []byte
	release func() error
}

// New maps an arena covering [start, end). Both bounds must be page aligned.
func New(start, end uint64) (*Arena, error) {
	if end <= start {
		return nil, fmt.Errorf("%w: [%#x, %#x)", ErrBadRange, start, end)
	}
	if !memlayout.PageAligned(start) || !memlayout.PageAligned(end) {
		return nil, fmt.Errorf("%w: [%#x, %#x) not page aligned", ErrBadRange, start, end)
	}
	size := end - start
	if size > uint64(^uint(0)>>1) {
		return nil, fmt.Errorf("%w: %d bytes too large to map", ErrBadRange, size)
	}
	mem, release, err := mapAnon(int(size))
	if err != nil {
		return nil, fmt.Errorf("physmem: map %d bytes: %w", size, err)
	}
	return &Arena{start: start, end: end, mem: mem, release: release}, nil
}

// Start is the first physical address in the arena.
func (a *Arena) Start() uint64 { return a.start }

// End is one past the last physical address in the arena.
func (a *Arena) End() uint64 { return a.end }

// Size is the arena length in bytes.
func (a *Arena) Size() uint64 { return a.end - a.start }

// Contains reports whether pa lies inside the arena.
func (a *Arena) Contains(pa uint64) bool {
	return pa >= a.start && pa < a.end
}

// Slice returns the n bytes starting at physical address pa. It panics if the
// span leaves the arena.
func (a *Arena) Slice(pa uint64, n int) []byte {
	if !a.Contains(pa) || pa+uint64(n) > a.end {
		panic(fmt.Sprintf("physmem: span [%#x, %#x) outside arena [%#x, %#x)", pa, pa+uint64(n), a.start, a.end))
	}
	off := pa - a.start
	return a.mem[off : off+uint64(n) : off+uint64(n)]
}

// Page returns the PageSize bytes of the frame at pa.
func (a *Arena) Page(pa uint64) []byte {
	return a.Slice(pa, memlayout.PageSize)
}

// Close unmaps the arena. Slices obtained earlier must not be used after.
func (a *Arena) Close() error {
	if a.release == nil {
		return nil
	}
	err := a.release()
	a.release = nil
	a.mem = nil
	return err
}
