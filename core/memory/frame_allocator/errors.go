package frameallocator

import "errors"

var (
	// ErrNoMemory is returned when the free-list is empty.
	ErrNoMemory = errors.New("frameallocator: out of physical frames")
	// ErrEmptyRange is returned when the managed window holds no whole frame.
	ErrEmptyRange = errors.New("frameallocator: managed range holds no frames")
)

const (
	// AllocJunk fills every frame handed out, exposing reads of
	// uninitialised memory.
	AllocJunk byte = 0x05
	// FreeJunk fills every frame returned to the free-list, exposing
	// dangling references.
	FreeJunk byte = 0x01
)
