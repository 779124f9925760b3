package buffercache

import "github.com/sushant-115/kmem/core/memory/memlayout"

// Buffer is a cached copy of one disk block. Its binding and contents belong
// to the goroutine that got it from Read until that goroutine calls Release.
type Buffer struct {
	id     int32
	bucket int // bucket whose list holds the buffer

	// Binding. Changed only on eviction, when refcnt is zero.
	bound   bool
	dev     uint32
	blockno uint32

	valid bool // data matches the device; guarded by lock
	lock  sleepLock

	// Guarded by the lock of bucket.
	refcnt    int
	timestamp uint64

	data [memlayout.BlockSize]byte
}

// ID is the buffer's fixed slot in the pool.
func (b *Buffer) ID() int { return int(b.id) }

// Dev is the device number the buffer is bound to.
func (b *Buffer) Dev() uint32 { return b.dev }

// BlockNo is the block number the buffer is bound to.
func (b *Buffer) BlockNo() uint32 { return b.blockno }

// Data is the block contents. Only the holder may read or modify it.
func (b *Buffer) Data() []byte { return b.data[:] }
