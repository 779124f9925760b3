// Package buffercache is a fixed pool of block buffers shared by every
// caller that reads or writes the disk.
//
// The pool is partitioned into buckets by block number, each with its own
// lock, so lookups of different blocks rarely contend. A miss recycles the
// unreferenced buffer with the oldest acquisition stamp, preferring the
// requested block's home bucket and otherwise stealing from another bucket.
// Misses are serialized by one eviction lock; hits never take it.
//
// Lock order: eviction lock, then home bucket, then at most one other bucket
// briefly. Only a goroutine holding the eviction lock ever holds two bucket
// locks. A buffer's sleep lock is taken only after every short lock is
// released, because it may be held across a disk transfer.
package buffercache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/kmem/core/clock"
	"github.com/sushant-115/kmem/core/memory/memlayout"
	blockdevice "github.com/sushant-115/kmem/core/storage_engine/block_device"
	commonutils "github.com/sushant-115/kmem/internal/common_utils"
	internaltelemetry "github.com/sushant-115/kmem/internal/telemetry"
)

// Config sizes the pool. Zero values select the build-time geometry from
// memlayout and a logical clock.
type Config struct {
	NBuf    int
	NBucket int
	Clock   clock.Clock
}

type bucket struct {
	mu sync.Mutex
}

// Stats is a snapshot of cache activity.
type Stats struct {
	Hits            uint64
	Misses          uint64
	Evictions       uint64
	RemoteEvictions uint64
	Exhausted       uint64
	DiskReads       uint64
	DiskWrites      uint64
}

type counters struct {
	hits, misses, evictions, remote, exhausted, reads, writes atomic.Uint64
}

// Cache is the block buffer cache.
type Cache struct {
	bufs    []Buffer
	ring    *ring
	buckets []bucket
	evictMu sync.Mutex

	device  blockdevice.Device
	clock   clock.Clock
	logger  *zap.Logger
	metrics *internaltelemetry.KernelMetrics
	stats   counters
}

// New builds the pool and spreads the unbound buffers over the buckets.
func New(device blockdevice.Device, cfg Config, logger *zap.Logger, metrics *internaltelemetry.KernelMetrics) (*Cache, error) {
	if device == nil {
		return nil, fmt.Errorf("buffercache: device cannot be nil")
	}
	if cfg.NBuf == 0 {
		cfg.NBuf = memlayout.NBuf
	}
	if cfg.NBucket == 0 {
		cfg.NBucket = memlayout.NBucket
	}
	if cfg.NBuf < 0 || cfg.NBucket < 0 {
		return nil, fmt.Errorf("buffercache: invalid geometry %d buffers / %d buckets", cfg.NBuf, cfg.NBucket)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewLogical()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NewNoopKernelMetrics()
	}

	c := &Cache{
		bufs:    make([]Buffer, cfg.NBuf),
		ring:    newRing(cfg.NBuf, cfg.NBucket),
		buckets: make([]bucket, cfg.NBucket),
		device:  device,
		clock:   cfg.Clock,
		logger:  logger.Named("buffer_cache"),
		metrics: metrics,
	}
	for i := range c.bufs {
		b := &c.bufs[i]
		b.id = int32(i)
		b.bucket = i % cfg.NBucket
		b.lock.init()
		c.ring.pushFront(b.bucket, b.id)
	}
	c.logger.Info("buffer cache initialized", zap.Int("buffers", cfg.NBuf), zap.Int("buckets", cfg.NBucket))
	return c, nil
}

func (c *Cache) home(blockno uint32) int {
	return int(blockno % uint32(len(c.buckets)))
}

// Read returns the buffer for (dev, blockno), held exclusively by the
// caller and filled from the device if needed. It waits while another
// goroutine holds the same buffer.
func (c *Cache) Read(dev, blockno uint32) (*Buffer, error) {
	b, err := c.get(dev, blockno)
	if err != nil {
		return nil, err
	}
	if !b.valid {
		if err := c.transfer(b, false); err != nil {
			c.Release(b)
			return nil, err
		}
		b.valid = true
	}
	return b, nil
}

// Write pushes b's contents to the device. The caller must hold b.
func (c *Cache) Write(b *Buffer) error {
	if !b.lock.holding() {
		c.violation("write", b, "not held by caller")
	}
	return c.transfer(b, true)
}

// Release gives up the caller's hold on b. When no references remain the
// buffer moves to the most recently used end of its bucket.
func (c *Cache) Release(b *Buffer) {
	if !b.lock.holding() {
		c.violation("release", b, "not held by caller")
	}
	b.lock.release()

	bk := &c.buckets[b.bucket]
	bk.mu.Lock()
	b.refcnt--
	if b.refcnt == 0 {
		c.ring.unlink(b.id)
		c.ring.pushFront(b.bucket, b.id)
	}
	bk.mu.Unlock()
}

// Pin adds a reference to b without holding it, keeping b bound across
// several Read/Release rounds. The caller must already reference b.
func (c *Cache) Pin(b *Buffer) {
	bk := &c.buckets[b.bucket]
	bk.mu.Lock()
	if b.refcnt <= 0 {
		bk.mu.Unlock()
		c.violation("pin", b, "not referenced")
	}
	b.refcnt++
	bk.mu.Unlock()
}

// Unpin drops a reference taken by Pin.
func (c *Cache) Unpin(b *Buffer) {
	bk := &c.buckets[b.bucket]
	bk.mu.Lock()
	if b.refcnt <= 0 {
		bk.mu.Unlock()
		c.violation("unpin", b, "reference count already zero")
	}
	b.refcnt--
	bk.mu.Unlock()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:            c.stats.hits.Load(),
		Misses:          c.stats.misses.Load(),
		Evictions:       c.stats.evictions.Load(),
		RemoteEvictions: c.stats.remote.Load(),
		Exhausted:       c.stats.exhausted.Load(),
		DiskReads:       c.stats.reads.Load(),
		DiskWrites:      c.stats.writes.Load(),
	}
}

// get finds or binds the buffer for (dev, blockno) and returns it held.
func (c *Cache) get(dev, blockno uint32) (*Buffer, error) {
	home := c.home(blockno)
	hb := &c.buckets[home]

	hb.mu.Lock()
	if b := c.lookupLocked(home, dev, blockno); b != nil {
		c.refLocked(b)
		hb.mu.Unlock()
		c.hit(b)
		return b, nil
	}
	hb.mu.Unlock()

	c.evictMu.Lock()
	hb.mu.Lock()
	// Another miss may have bound the block while no lock was held.
	if b := c.lookupLocked(home, dev, blockno); b != nil {
		c.refLocked(b)
		hb.mu.Unlock()
		c.evictMu.Unlock()
		c.hit(b)
		return b, nil
	}

	remote := false
	victim := c.homeVictimLocked(home)
	if victim == nil {
		victim = c.stealLocked(home)
		remote = victim != nil
	}
	if victim == nil {
		hb.mu.Unlock()
		c.evictMu.Unlock()
		c.stats.exhausted.Add(1)
		c.metrics.PoolExhausted()
		c.logger.Warn("buffer pool exhausted",
			zap.Uint32("dev", dev), zap.Uint32("blockno", blockno), zap.Int("buffers", len(c.bufs)))
		return nil, fmt.Errorf("%w: dev %d block %d", ErrNoBuffers, dev, blockno)
	}

	if victim.bound {
		c.logger.Debug("evicting buffer",
			zap.Int32("buf", victim.id), zap.Uint32("old_dev", victim.dev), zap.Uint32("old_blockno", victim.blockno),
			zap.Uint32("dev", dev), zap.Uint32("blockno", blockno), zap.Bool("remote", remote))
	}
	victim.bound = true
	victim.dev = dev
	victim.blockno = blockno
	victim.valid = false
	victim.refcnt = 1
	victim.timestamp = c.clock.Now()
	hb.mu.Unlock()
	c.evictMu.Unlock()

	c.stats.misses.Add(1)
	c.stats.evictions.Add(1)
	if remote {
		c.stats.remote.Add(1)
	}
	c.metrics.CacheMiss()
	c.metrics.Evicted(remote)

	victim.lock.acquire()
	return victim, nil
}

func (c *Cache) hit(b *Buffer) {
	c.stats.hits.Add(1)
	c.metrics.CacheHit()
	b.lock.acquire()
}

// refLocked takes a reference under b's bucket lock, stamping the buffer
// when it goes from unreferenced to referenced.
func (c *Cache) refLocked(b *Buffer) {
	if b.refcnt == 0 {
		b.timestamp = c.clock.Now()
	}
	b.refcnt++
}

func (c *Cache) lookupLocked(k int, dev, blockno uint32) *Buffer {
	var found *Buffer
	c.ring.each(k, func(i int32) bool {
		b := &c.bufs[i]
		if b.bound && b.dev == dev && b.blockno == blockno {
			found = b
			return false
		}
		return true
	})
	return found
}

// oldestFreeLocked scans bucket k for an unreferenced buffer stamped
// earlier than the current candidate (best, bestTS) and returns the winner
// with its stamp. The stamp is copied so candidates from other buckets are
// compared without touching their fields.
func (c *Cache) oldestFreeLocked(k int, best *Buffer, bestTS uint64) (*Buffer, uint64) {
	c.ring.each(k, func(i int32) bool {
		b := &c.bufs[i]
		if b.refcnt == 0 && (best == nil || b.timestamp < bestTS) {
			best, bestTS = b, b.timestamp
		}
		return true
	})
	return best, bestTS
}

func (c *Cache) homeVictimLocked(home int) *Buffer {
	b, _ := c.oldestFreeLocked(home, nil, 0)
	return b
}

// stealLocked moves the globally oldest unreferenced buffer of another
// bucket onto the home list. The caller holds the eviction lock and the
// home bucket lock.
func (c *Cache) stealLocked(home int) *Buffer {
	for {
		var (
			best   *Buffer
			bestTS uint64
			donorK int
		)
		for k := range c.buckets {
			if k == home {
				continue
			}
			bk := &c.buckets[k]
			bk.mu.Lock()
			if b, ts := c.oldestFreeLocked(k, best, bestTS); b != best {
				best, bestTS, donorK = b, ts, k
			}
			bk.mu.Unlock()
		}
		if best == nil {
			return nil
		}

		// Only eviction moves buffers between buckets and we hold the
		// eviction lock, so best is still on the donor list.
		donor := &c.buckets[donorK]
		donor.mu.Lock()
		if best.refcnt != 0 {
			// A hit in the donor bucket took it after the scan.
			donor.mu.Unlock()
			continue
		}
		c.ring.unlink(best.id)
		best.bound = false
		donor.mu.Unlock()

		best.bucket = home
		c.ring.pushFront(home, best.id)
		return best
	}
}

func (c *Cache) transfer(b *Buffer, write bool) error {
	start := time.Now()
	err := c.device.Transfer(b.dev, b.blockno, b.data[:], write)
	if err != nil {
		c.logger.Error("block transfer failed",
			zap.Uint32("dev", b.dev), zap.Uint32("blockno", b.blockno), zap.Bool("write", write), zap.Error(err))
		return fmt.Errorf("buffercache: transfer dev %d block %d: %w", b.dev, b.blockno, err)
	}
	if write {
		c.stats.writes.Add(1)
	} else {
		c.stats.reads.Add(1)
	}
	c.metrics.Transferred(write, time.Since(start))
	return nil
}

func (c *Cache) violation(op string, b *Buffer, detail string) {
	site := commonutils.Caller(2)
	c.logger.Error("buffer cache contract violation",
		zap.String("op", op), zap.String("detail", detail), zap.Int32("buf", b.id),
		zap.Uint32("dev", b.dev), zap.Uint32("blockno", b.blockno), zap.String("caller", site))
	panic(fmt.Sprintf("buffercache: %s: buffer %d (dev %d block %d) %s, called from %s", op, b.id, b.dev, b.blockno, detail, site))
}
