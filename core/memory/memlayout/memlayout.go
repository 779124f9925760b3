// Package memlayout holds the build-time geometry of the kernel memory core:
// page size, the managed physical window and the buffer cache dimensions.
// None of these values are runtime configurable.
package memlayout

const (
	// PageSize is the size in bytes of one physical frame.
	PageSize = 4096

	// KernBase is the first physical address of RAM.
	KernBase uint64 = 0x80000000
	// KernelImageSize is the span reserved for the kernel image; the frame
	// allocator manages [KernBase+KernelImageSize, PhysTop).
	KernelImageSize uint64 = 256 * PageSize
	// PhysTop is one past the last managed physical address.
	PhysTop uint64 = KernBase + 16*1024*1024

	// BlockSize is the size in bytes of one disk block.
	BlockSize = 1024
	// NBuf is the total number of buffers in the block cache pool.
	NBuf = 30
	// NBucket is the number of hash buckets the pool is partitioned into.
	NBucket = 13
	// BlocksPerDevice is the number of blocks addressable on a single device.
	BlocksPerDevice = 2000
	// MaxDevices bounds the device numbers a disk image is laid out for.
	MaxDevices = 4
)

// PGRoundUp rounds addr up to the next page boundary.
func PGRoundUp(addr uint64) uint64 {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}

// PGRoundDown rounds addr down to its page boundary.
func PGRoundDown(addr uint64) uint64 {
	return addr &^ (PageSize - 1)
}

// PageAligned reports whether addr sits on a page boundary.
func PageAligned(addr uint64) bool {
	return addr%PageSize == 0
}

// KernelEnd is the first address after the kernel image.
func KernelEnd() uint64 {
	return KernBase + KernelImageSize
}
