package blockdevice

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/sushant-115/kmem/core/memory/memlayout"
)

// Throttled caps the byte rate of an underlying device, standing in for a
// slow disk so that transfers really do hold the caller for a while.
type Throttled struct {
	Device
	limiter *rate.Limiter
}

// NewThrottled limits dev to bytesPerSec with a burst of one block.
func NewThrottled(dev Device, bytesPerSec int64) *Throttled {
	return &Throttled{
		Device:  dev,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), memlayout.BlockSize),
	}
}

// Transfer waits for len(data) tokens, then delegates.
func (t *Throttled) Transfer(dev, blockno uint32, data []byte, write bool) error {
	if err := t.limiter.WaitN(context.TODO(), len(data)); err != nil {
		return fmt.Errorf("blockdevice: rate limiter: %w", err)
	}
	return t.Device.Transfer(dev, blockno, data, write)
}
