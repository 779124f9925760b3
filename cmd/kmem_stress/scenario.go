package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/kmem/core/memory/memlayout"
	blockdevice "github.com/sushant-115/kmem/core/storage_engine/block_device"
	buffercache "github.com/sushant-115/kmem/core/storage_engine/buffer_cache"
)

const scenarioDev = memlayout.MaxDevices - 1

// runScenario replays the reference sequence on a private cache of the
// default geometry over dev: a waiter shares a held buffer, the pool
// fills, the oldest buffer is recycled and pinning everything exhausts the
// pool.
func runScenario(ctx context.Context, dev blockdevice.Device, logger *zap.Logger) error {
	c, err := buffercache.New(dev, buffercache.Config{}, logger.Named("scenario"), nil)
	if err != nil {
		return err
	}

	a, err := c.Read(scenarioDev, 5)
	if err != nil {
		return err
	}
	shared := a.ID()
	marker := []byte("held by A")
	copy(a.Data(), marker)
	readsBefore := c.Stats().DiskReads

	type result struct {
		id   int
		data []byte
		err  error
	}
	gotB := make(chan result, 1)
	go func() {
		b, err := c.Read(scenarioDev, 5)
		if err != nil {
			gotB <- result{err: err}
			return
		}
		r := result{id: b.ID(), data: append([]byte(nil), b.Data()[:len(marker)]...)}
		c.Release(b)
		gotB <- r
	}()

	select {
	case r := <-gotB:
		c.Release(a)
		return fmt.Errorf("second reader returned while the block was held: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}
	c.Release(a)

	var rb result
	select {
	case rb = <-gotB:
	case <-ctx.Done():
		return ctx.Err()
	}
	if rb.err != nil {
		return rb.err
	}
	if rb.id != shared || !bytes.Equal(rb.data, marker) {
		return fmt.Errorf("second reader got buffer %d %q, want %d %q", rb.id, rb.data, shared, marker)
	}
	if n := c.Stats().DiskReads - readsBefore; n != 0 {
		return fmt.Errorf("second reader caused %d transfers", n)
	}

	// Fill every other buffer with a block of its own bucket so each miss
	// binds a fresh buffer.
	keys := []uint32{5}
	for k := 0; k < memlayout.NBucket; k++ {
		n := (memlayout.NBuf - k + memlayout.NBucket - 1) / memlayout.NBucket
		if k == 5 {
			n--
		}
		for j := 1; j <= n; j++ {
			blk := uint32(k + memlayout.NBucket*j)
			if err := touch(c, blk); err != nil {
				return err
			}
			keys = append(keys, blk)
		}
	}

	// Same bucket as block 5, which now carries the oldest stamp.
	next := uint32(5 + memlayout.NBucket*10)
	b, err := c.Read(scenarioDev, next)
	if err != nil {
		return err
	}
	recycled := b.ID()
	c.Release(b)
	if recycled != shared {
		return fmt.Errorf("block %d recycled buffer %d, want %d", next, recycled, shared)
	}
	keys[0] = next

	var pinned []*buffercache.Buffer
	defer func() {
		for _, p := range pinned {
			if b, err := c.Read(p.Dev(), p.BlockNo()); err == nil {
				c.Unpin(b)
				c.Release(b)
			}
		}
	}()
	for _, blk := range keys {
		b, err := c.Read(scenarioDev, blk)
		if err != nil {
			return err
		}
		c.Pin(b)
		c.Release(b)
		pinned = append(pinned, b)
	}
	if _, err := c.Read(scenarioDev, 1999); !errors.Is(err, buffercache.ErrNoBuffers) {
		return fmt.Errorf("read with every buffer pinned returned %v, want %v", err, buffercache.ErrNoBuffers)
	}
	if err := c.Audit(); err != nil {
		return err
	}

	logger.Info("scenario passed", zap.Int("shared_buffer", shared), zap.Int("cached_blocks", len(keys)))
	return nil
}

func touch(c *buffercache.Cache, blk uint32) error {
	b, err := c.Read(scenarioDev, blk)
	if err != nil {
		return err
	}
	c.Release(b)
	return nil
}
