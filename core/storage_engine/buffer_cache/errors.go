package buffercache

import "errors"

var (
	// ErrNoBuffers is returned on a miss when every buffer in the pool is
	// referenced. Nothing in the cache has been changed when it is returned.
	ErrNoBuffers = errors.New("buffercache: no unreferenced buffers")
	// ErrCorrupt is returned by Audit when an internal invariant is broken.
	ErrCorrupt = errors.New("buffercache: corrupt cache state")
)
