package buffercache

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/multierr"
)

type blockKey struct {
	dev, blockno uint32
}

// Audit checks the structural invariants of the pool: every buffer is on
// exactly one bucket list, list links agree in both directions, a bound
// buffer lives in its block's home bucket, no two buffers are bound to the
// same block and no reference count is negative. It stops all misses and
// every bucket while it runs.
func (c *Cache) Audit() error {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()
	for k := range c.buckets {
		c.buckets[k].mu.Lock()
	}
	defer func() {
		for k := range c.buckets {
			c.buckets[k].mu.Unlock()
		}
	}()

	var errs error
	seen := mapset.NewThreadUnsafeSet[int32]()
	bound := mapset.NewThreadUnsafeSet[blockKey]()

	for k := range c.buckets {
		h := c.ring.head(k)
		if c.ring.links[c.ring.links[h].next].prev != h {
			errs = multierr.Append(errs, fmt.Errorf("%w: bucket %d head link broken", ErrCorrupt, k))
		}
		c.ring.each(k, func(i int32) bool {
			b := &c.bufs[i]
			l := c.ring.links[i]
			if c.ring.links[l.next].prev != i || c.ring.links[l.prev].next != i {
				errs = multierr.Append(errs, fmt.Errorf("%w: buffer %d links broken in bucket %d", ErrCorrupt, i, k))
				return false
			}
			if !seen.Add(i) {
				errs = multierr.Append(errs, fmt.Errorf("%w: buffer %d on more than one list", ErrCorrupt, i))
				return false
			}
			if b.bucket != k {
				errs = multierr.Append(errs, fmt.Errorf("%w: buffer %d on bucket %d but records %d", ErrCorrupt, i, k, b.bucket))
			}
			if b.refcnt < 0 {
				errs = multierr.Append(errs, fmt.Errorf("%w: buffer %d refcnt %d", ErrCorrupt, i, b.refcnt))
			}
			if b.bound {
				if c.home(b.blockno) != k {
					errs = multierr.Append(errs, fmt.Errorf("%w: block %d bound in bucket %d, home %d", ErrCorrupt, b.blockno, k, c.home(b.blockno)))
				}
				if !bound.Add(blockKey{b.dev, b.blockno}) {
					errs = multierr.Append(errs, fmt.Errorf("%w: dev %d block %d bound twice", ErrCorrupt, b.dev, b.blockno))
				}
			}
			return true
		})
	}
	if seen.Cardinality() != len(c.bufs) {
		errs = multierr.Append(errs, fmt.Errorf("%w: %d of %d buffers reachable", ErrCorrupt, seen.Cardinality(), len(c.bufs)))
	}
	return errs
}

// Referenced counts buffers with a nonzero reference count.
func (c *Cache) Referenced() int {
	n := 0
	for k := range c.buckets {
		bk := &c.buckets[k]
		bk.mu.Lock()
		c.ring.each(k, func(i int32) bool {
			if c.bufs[i].refcnt > 0 {
				n++
			}
			return true
		})
		bk.mu.Unlock()
	}
	return n
}
