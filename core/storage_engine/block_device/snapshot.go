package blockdevice

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ncw/directio"
	"golang.org/x/time/rate"
)

// snapshotChunk is the copy unit, a multiple of the direct I/O alignment.
const snapshotChunk = 64 * 1024

var chunkPool = sync.Pool{
	New: func() interface{} { return directio.AlignedBlock(snapshotChunk) },
}

// imageReader is implemented by devices whose whole image can be copied.
type imageReader interface {
	readImageAt(p []byte, off int64) (int, error)
}

// Snapshot copies d's disk image to dstPath at no more than bytesPerSec
// (unlimited when zero) and returns the SHA-256 of the copied bytes. Each
// chunk is read under the device lock, so transfers may interleave between
// chunks; callers wanting a consistent image quiesce the cache first.
func Snapshot(ctx context.Context, d Device, dstPath string, bytesPerSec int64) ([]byte, error) {
	if t, ok := d.(*Throttled); ok {
		d = t.Device
	}
	src, ok := d.(imageReader)
	if !ok {
		return nil, fmt.Errorf("blockdevice: %T cannot be snapshotted", d)
	}

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockdevice: snapshot: %w", err)
	}
	defer dst.Close()

	var limiter *rate.Limiter
	if bytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), snapshotChunk)
	}

	buf := chunkPool.Get().([]byte)
	defer chunkPool.Put(buf)
	sum := sha256.New()
	for off := int64(0); ; {
		n, rerr := src.readImageAt(buf, off)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return nil, fmt.Errorf("blockdevice: snapshot: %w", err)
				}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return nil, fmt.Errorf("blockdevice: snapshot write: %w", err)
			}
			sum.Write(buf[:n])
			off += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return nil, fmt.Errorf("blockdevice: snapshot read at %d: %w", off, rerr)
		}
	}
	if err := dst.Sync(); err != nil {
		return nil, fmt.Errorf("blockdevice: snapshot sync: %w", err)
	}
	return sum.Sum(nil), nil
}

func (d *MemDevice) readImageAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	n, err := d.image.ReadAt(p, off)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return n, err
}

func (d *FileDevice) readImageAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	n, err := d.file.ReadAt(p, off)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}
