//go:build !unix

package physmem

// mapAnon allocates the arena on the heap when mmap is unavailable.
func mapAnon(size int) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}
