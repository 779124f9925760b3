// Package blockdevice holds the disk collaborators of the buffer cache. Each
// device image stores MaxDevices logical devices of BlocksPerDevice blocks.
package blockdevice

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sushant-115/kmem/core/memory/memlayout"
)

var (
	// ErrBadBlock is returned for a device or block number outside the image
	// or a transfer buffer of the wrong size.
	ErrBadBlock = errors.New("blockdevice: bad block address")
	// ErrClosed is returned by transfers on a closed device.
	ErrClosed = errors.New("blockdevice: device closed")
)

// Device synchronously moves one block between memory and the medium. A
// transfer may block the caller until the medium responds.
type Device interface {
	Transfer(dev, blockno uint32, data []byte, write bool) error
	Close() error
}

// ImageSize is the byte length of a full disk image.
const ImageSize = int64(memlayout.MaxDevices) * memlayout.BlocksPerDevice * memlayout.BlockSize

func blockOffset(dev, blockno uint32, data []byte) (int64, error) {
	if len(data) != memlayout.BlockSize {
		return 0, fmt.Errorf("%w: buffer of %d bytes", ErrBadBlock, len(data))
	}
	if dev >= memlayout.MaxDevices || blockno >= memlayout.BlocksPerDevice {
		return 0, fmt.Errorf("%w: dev %d block %d", ErrBadBlock, dev, blockno)
	}
	return (int64(dev)*memlayout.BlocksPerDevice + int64(blockno)) * memlayout.BlockSize, nil
}

// Counters tracks completed transfers.
type Counters struct {
	reads  atomic.Uint64
	writes atomic.Uint64
}

// Reads is the number of completed block reads.
func (c *Counters) Reads() uint64 { return c.reads.Load() }

// Writes is the number of completed block writes.
func (c *Counters) Writes() uint64 { return c.writes.Load() }

func (c *Counters) record(write bool) {
	if write {
		c.writes.Add(1)
	} else {
		c.reads.Add(1)
	}
}
