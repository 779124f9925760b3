package buffercache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/kmem/core/memory/memlayout"
	blockdevice "github.com/sushant-115/kmem/core/storage_engine/block_device"
)

// --- Test Helpers ---

func setupCache(t *testing.T, nbuf, nbucket int) (*Cache, *blockdevice.MemDevice) {
	t.Helper()
	dev := blockdevice.NewMemDevice(nil)
	c, err := New(dev, Config{NBuf: nbuf, NBucket: nbucket}, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	return c, dev
}

func mustRead(t *testing.T, c *Cache, dev, blockno uint32) *Buffer {
	t.Helper()
	b, err := c.Read(dev, blockno)
	require.NoError(t, err)
	require.Equal(t, dev, b.Dev())
	require.Equal(t, blockno, b.BlockNo())
	return b
}

func touch(t *testing.T, c *Cache, dev, blockno uint32) int {
	t.Helper()
	b := mustRead(t, c, dev, blockno)
	id := b.ID()
	c.Release(b)
	return id
}

var errInjected = errors.New("injected device failure")

type flakyDevice struct {
	blockdevice.Device
	mu       sync.Mutex
	failNext bool
}

func (d *flakyDevice) Transfer(dev, blockno uint32, data []byte, write bool) error {
	d.mu.Lock()
	fail := d.failNext
	d.failNext = false
	d.mu.Unlock()
	if fail {
		return errInjected
	}
	return d.Device.Transfer(dev, blockno, data, write)
}

// --- Test Cases ---

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(nil, Config{}, nil, nil)
	require.Error(t, err)

	_, err = New(blockdevice.NewMemDevice(nil), Config{NBuf: -1}, nil, nil)
	require.Error(t, err)

	c, err := New(blockdevice.NewMemDevice(nil), Config{}, nil, nil)
	require.NoError(t, err)
	require.Len(t, c.bufs, memlayout.NBuf)
	require.Len(t, c.buckets, memlayout.NBucket)
	require.NoError(t, c.Audit())
}

func TestReadMissThenHit(t *testing.T) {
	c, dev := setupCache(t, 4, 3)

	first := touch(t, c, 1, 3)
	require.Equal(t, uint64(1), dev.Reads())

	second := touch(t, c, 1, 3)
	require.Equal(t, first, second)
	require.Equal(t, uint64(1), dev.Reads(), "a hit must not go to the device")

	st := c.Stats()
	require.Equal(t, uint64(1), st.Hits)
	require.Equal(t, uint64(1), st.Misses)
	require.Equal(t, uint64(1), st.DiskReads)
	require.NoError(t, c.Audit())
}

func TestSameBlockOnDifferentDevices(t *testing.T) {
	c, _ := setupCache(t, 4, 3)
	a := touch(t, c, 1, 3)
	b := touch(t, c, 2, 3)
	require.NotEqual(t, a, b)
	require.NoError(t, c.Audit())
}

func TestWriteReadRoundTrip(t *testing.T) {
	c, dev := setupCache(t, 3, 2)
	payload := bytes.Repeat([]byte("kmem"), memlayout.BlockSize/4)

	b := mustRead(t, c, 1, 9)
	copy(b.Data(), payload)
	require.NoError(t, c.Write(b))
	c.Release(b)
	require.Equal(t, uint64(1), dev.Writes())

	// Block 11 shares bucket 1 with block 9 and recycles its buffer.
	touch(t, c, 1, 11)
	readsBefore := dev.Reads()

	b = mustRead(t, c, 1, 9)
	require.Equal(t, readsBefore+1, dev.Reads(), "block 9 should have been evicted")
	require.Equal(t, payload, b.Data())
	c.Release(b)
}

func TestLeastRecentlyAcquiredIsRecycled(t *testing.T) {
	c, dev := setupCache(t, 4, 3)

	ids := make(map[uint32]int)
	for blk := uint32(0); blk < 4; blk++ {
		ids[blk] = touch(t, c, 1, blk)
	}
	// Re-acquiring block 0 refreshes its stamp; block 1 is now oldest.
	touch(t, c, 1, 0)

	got := touch(t, c, 1, 4)
	require.Equal(t, ids[1], got)

	reads := dev.Reads()
	touch(t, c, 1, 0)
	touch(t, c, 1, 2)
	touch(t, c, 1, 3)
	require.Equal(t, reads, dev.Reads(), "blocks 0, 2 and 3 must still be cached")
	require.NoError(t, c.Audit())
}

func TestMissStealsFromOtherBucket(t *testing.T) {
	c, _ := setupCache(t, 4, 3)

	ids := make(map[uint32]int)
	for blk := uint32(0); blk < 4; blk++ {
		ids[blk] = touch(t, c, 1, blk)
	}
	touch(t, c, 1, 0)

	// Hold block 4, the only buffer in bucket 1.
	held := mustRead(t, c, 1, 4)
	require.Equal(t, ids[1], held.ID())

	// Block 7 also lives in bucket 1, so its buffer must come from bucket
	// 0 or 2. Block 2 carries the oldest stamp among them.
	stolen := touch(t, c, 1, 7)
	require.Equal(t, ids[2], stolen)
	require.Equal(t, uint64(1), c.Stats().RemoteEvictions)

	c.Release(held)
	require.NoError(t, c.Audit())
}

func TestEvictionSkipsReferencedBuffers(t *testing.T) {
	c, _ := setupCache(t, 2, 1)

	a := mustRead(t, c, 1, 1)
	aID := a.ID()
	c.Pin(a)
	c.Release(a)

	bID := touch(t, c, 1, 2)
	require.Equal(t, bID, touch(t, c, 1, 3), "pinned block 1 must not be chosen")

	a = mustRead(t, c, 1, 1)
	require.Equal(t, aID, a.ID())
	c.Release(a)

	// Still pinned: a fourth block again recycles the other buffer.
	require.Equal(t, bID, touch(t, c, 1, 4))

	a = mustRead(t, c, 1, 1)
	c.Unpin(a)
	c.Release(a)
	require.Equal(t, 0, c.Referenced())
	require.NoError(t, c.Audit())
}

func TestExhaustedPoolLeavesStateUntouched(t *testing.T) {
	c, _ := setupCache(t, 3, 2)

	var held []*Buffer
	for blk := uint32(0); blk < 3; blk++ {
		held = append(held, mustRead(t, c, 1, blk))
	}

	_, err := c.Read(1, 99)
	require.ErrorIs(t, err, ErrNoBuffers)
	require.Equal(t, uint64(1), c.Stats().Exhausted)
	require.Equal(t, 3, c.Referenced())
	require.NoError(t, c.Audit())

	c.Release(held[0])
	b := mustRead(t, c, 1, 99)
	require.Equal(t, held[0].ID(), b.ID())
	c.Release(b)
	for _, h := range held[1:] {
		c.Release(h)
	}
	require.NoError(t, c.Audit())
}

// TestScenarioPool30Buckets13 walks through a pool of 30 buffers in 13
// buckets: a waiter sharing a held block, filling the pool, recycling the
// oldest buffer and finally running out of buffers.
func TestScenarioPool30Buckets13(t *testing.T) {
	c, dev := setupCache(t, 30, 13)

	// A holds (1, 5).
	a := mustRead(t, c, 1, 5)
	sharedID := a.ID()
	copy(a.Data(), "written by A")

	type result struct {
		id   int
		data []byte
	}
	gotB := make(chan result, 1)
	go func() {
		b, err := c.Read(1, 5)
		if err != nil {
			gotB <- result{id: -1}
			return
		}
		data := append([]byte(nil), b.Data()[:12]...)
		id := b.ID()
		c.Release(b)
		gotB <- result{id: id, data: data}
	}()

	require.Never(t, func() bool { return len(gotB) > 0 }, 50*time.Millisecond, 5*time.Millisecond,
		"B must wait while A holds the buffer")
	c.Release(a)

	var rb result
	select {
	case rb = <-gotB:
	case <-time.After(2 * time.Second):
		t.Fatal("B never received the buffer")
	}
	require.Equal(t, sharedID, rb.id)
	require.Equal(t, []byte("written by A"), rb.data)
	require.Equal(t, uint64(1), dev.Reads(), "B must not cause a second transfer")

	// C fills every other buffer with a block from its own bucket.
	perBucket := func(k int) int {
		n := 0
		for i := 0; i < 30; i++ {
			if i%13 == k {
				n++
			}
		}
		return n
	}
	bound := [][2]uint32{{1, 5}}
	for k := 0; k < 13; k++ {
		n := perBucket(k)
		if k == 5 {
			n--
		}
		for j := 0; j < n; j++ {
			blk := uint32(k + 13*j)
			touch(t, c, 2, blk)
			bound = append(bound, [2]uint32{2, blk})
		}
	}
	require.Len(t, bound, 30)
	require.Equal(t, uint64(30), dev.Reads())
	require.NoError(t, c.Audit())

	// The 31st block shares bucket 5 with (1, 5), the oldest buffer.
	require.Equal(t, sharedID, touch(t, c, 1, 18))
	require.Equal(t, uint64(0), c.Stats().RemoteEvictions)
	bound[0] = [2]uint32{1, 18}

	// Pin every cached block; nothing is left to evict.
	var pinned []*Buffer
	for _, key := range bound {
		b := mustRead(t, c, key[0], key[1])
		c.Pin(b)
		c.Release(b)
		pinned = append(pinned, b)
	}
	require.Equal(t, 30, c.Referenced())

	_, err := c.Read(3, 0)
	require.ErrorIs(t, err, ErrNoBuffers)
	require.NoError(t, c.Audit())

	for _, b := range pinned {
		b = mustRead(t, c, b.Dev(), b.BlockNo())
		c.Unpin(b)
		c.Release(b)
	}
	touch(t, c, 3, 0)
	require.NoError(t, c.Audit())
}

func TestConcurrentReadsKeepBindingsUnique(t *testing.T) {
	c, _ := setupCache(t, 30, 13)

	var mu sync.Mutex
	active := make(map[blockKey]int)

	var g errgroup.Group
	for w := 0; w < 16; w++ {
		seed := int64(w)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 400; i++ {
				key := blockKey{dev: uint32(1 + rng.Intn(2)), blockno: uint32(rng.Intn(40))}
				b, err := c.Read(key.dev, key.blockno)
				if err != nil {
					return err
				}

				mu.Lock()
				if other, ok := active[key]; ok {
					mu.Unlock()
					c.Release(b)
					t.Errorf("dev %d block %d held in buffers %d and %d", key.dev, key.blockno, other, b.ID())
					return nil
				}
				active[key] = b.ID()
				mu.Unlock()

				// Every written block carries its own address.
				stamp := binary.LittleEndian.Uint64(b.Data())
				want := uint64(key.dev)<<32 | uint64(key.blockno)
				if stamp != 0 && stamp != want {
					t.Errorf("dev %d block %d holds data of %#x", key.dev, key.blockno, stamp)
				}
				if rng.Intn(4) == 0 {
					binary.LittleEndian.PutUint64(b.Data(), want)
					if err := c.Write(b); err != nil {
						return err
					}
				}
				pin := rng.Intn(8) == 0
				if pin {
					c.Pin(b)
				}

				mu.Lock()
				delete(active, key)
				mu.Unlock()
				c.Release(b)

				if pin {
					c.Unpin(b)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 0, c.Referenced())
	require.NoError(t, c.Audit())
}

func TestContractViolationsPanic(t *testing.T) {
	c, _ := setupCache(t, 2, 1)

	b := mustRead(t, c, 1, 1)
	require.NoError(t, c.Write(b))

	// Another goroutine may not release or write a buffer it does not hold.
	recovered := make(chan interface{})
	go func() {
		defer func() { recovered <- recover() }()
		c.Release(b)
	}()
	require.NotNil(t, <-recovered)

	c.Release(b)
	require.Panics(t, func() { c.Release(b) }, "double release")
	require.Panics(t, func() { _ = c.Write(b) }, "write after release")
	require.Panics(t, func() { c.Unpin(b) }, "unpin below zero")
	require.Panics(t, func() { c.Pin(b) }, "pin without a reference")
}

func TestReadPropagatesDeviceError(t *testing.T) {
	flaky := &flakyDevice{Device: blockdevice.NewMemDevice(nil)}
	c, err := New(flaky, Config{NBuf: 2, NBucket: 1}, zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	flaky.failNext = true
	_, err = c.Read(1, 1)
	require.ErrorIs(t, err, errInjected)
	require.Equal(t, 0, c.Referenced())

	b := mustRead(t, c, 1, 1)
	require.Equal(t, uint64(1), c.Stats().DiskReads)
	c.Release(b)
	require.NoError(t, c.Audit())
}
