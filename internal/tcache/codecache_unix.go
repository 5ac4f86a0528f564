//go:build unix

package tcache

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// NewCodeRegion maps size bytes of anonymous memory for generated host
// code. The mapping starts read-write for the generator; Publish flips it
// to read-execute before generated code is entered, so the region is never
// writable and executable at once.
func NewCodeRegion(size int) (*CodeRegion, error) {
	pageSize := unix.Getpagesize()
	size = ((size + pageSize - 1) / pageSize) * pageSize

	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("tcache: mmap code region: %w", err)
	}

	return &CodeRegion{
		mem:  mem,
		base: uintptr(unsafe.Pointer(&mem[0])),
		protect: func(mem []byte, executable bool) error {
			prot := unix.PROT_READ | unix.PROT_WRITE
			if executable {
				prot = unix.PROT_READ | unix.PROT_EXEC
			}
			if err := unix.Mprotect(mem, prot); err != nil {
				return fmt.Errorf("tcache: mprotect code region: %w", err)
			}
			return nil
		},
		release: func() {
			_ = unix.Munmap(mem)
		},
	}, nil
}
