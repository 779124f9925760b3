package blockdevice

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dsnet/golib/memfile"
	"go.uber.org/zap"
)

// MemDevice keeps the disk image in memory. Blocks never written read back
// as zeros.
type MemDevice struct {
	Counters
	mu     sync.Mutex
	image  *memfile.File
	closed bool
	logger *zap.Logger
}

// NewMemDevice returns a zeroed in-memory disk of ImageSize bytes.
func NewMemDevice(logger *zap.Logger) *MemDevice {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemDevice{
		image:  memfile.New(make([]byte, ImageSize)),
		logger: logger.Named("mem_device"),
	}
}

// Transfer implements Device.
func (d *MemDevice) Transfer(dev, blockno uint32, data []byte, write bool) error {
	off, err := blockOffset(dev, blockno, data)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	if write {
		if _, err := d.image.WriteAt(data, off); err != nil {
			return fmt.Errorf("blockdevice: write dev %d block %d: %w", dev, blockno, err)
		}
	} else {
		n, err := d.image.ReadAt(data, off)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("blockdevice: read dev %d block %d: %w", dev, blockno, err)
		}
		clear(data[n:])
	}
	d.record(write)
	d.logger.Debug("transfer", zap.Uint32("dev", dev), zap.Uint32("blockno", blockno), zap.Bool("write", write))
	return nil
}

// Close implements Device.
func (d *MemDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
