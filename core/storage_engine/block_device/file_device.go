package blockdevice

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ncw/directio"
	"go.uber.org/zap"
)

// FileDevice stores the disk image in a file opened for direct I/O. Blocks
// are smaller than the direct I/O unit, so each transfer goes through an
// aligned staging block covering it.
type FileDevice struct {
	Counters
	mu     sync.Mutex
	file   *os.File
	path   string
	stage  []byte
	closed bool
	logger *zap.Logger
}

// OpenFileDevice opens or creates the image at path. Filesystems that refuse
// O_DIRECT fall back to buffered I/O.
func OpenFileDevice(path string, logger *zap.Logger) (*FileDevice, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("file_device")

	file, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		logger.Warn("direct I/O unavailable, using buffered I/O", zap.String("path", path), zap.Error(err))
		file, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
		if err != nil {
			return nil, fmt.Errorf("blockdevice: open %s: %w", path, err)
		}
	}
	logger.Info("disk image opened", zap.String("path", path))
	return &FileDevice{
		file:   file,
		path:   path,
		stage:  directio.AlignedBlock(directio.BlockSize),
		logger: logger,
	}, nil
}

// Transfer implements Device.
func (d *FileDevice) Transfer(dev, blockno uint32, data []byte, write bool) error {
	off, err := blockOffset(dev, blockno, data)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	unit := int64(directio.BlockSize)
	base := off - off%unit
	within := off - base

	if err := d.readStage(base); err != nil {
		return fmt.Errorf("blockdevice: read dev %d block %d: %w", dev, blockno, err)
	}
	if !write {
		copy(data, d.stage[within:])
		d.record(false)
		return nil
	}

	copy(d.stage[within:], data)
	if _, err := d.file.WriteAt(d.stage, base); err != nil {
		return fmt.Errorf("blockdevice: write dev %d block %d: %w", dev, blockno, err)
	}
	d.record(true)
	d.logger.Debug("transfer", zap.Uint32("dev", dev), zap.Uint32("blockno", blockno), zap.Bool("write", write))
	return nil
}

// readStage loads the aligned unit at base; bytes past end of file read as
// zeros.
func (d *FileDevice) readStage(base int64) error {
	n, err := d.file.ReadAt(d.stage, base)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	clear(d.stage[n:])
	return nil
}

// Sync flushes the image to stable storage.
func (d *FileDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return d.file.Sync()
}

// Close implements Device.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.file.Close()
}
