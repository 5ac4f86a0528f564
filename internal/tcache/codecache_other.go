//go:build !unix

package tcache

import "unsafe"

// NewCodeRegion falls back to a heap-backed region on platforms without
// the unix mmap path. The memory is never executable; Publish only tracks
// state. It still serves generators that only need addressable code
// storage.
func NewCodeRegion(size int) (*CodeRegion, error) {
	mem := make([]byte, size)
	return &CodeRegion{
		mem:  mem,
		base: uintptr(unsafe.Pointer(&mem[0])),
	}, nil
}
