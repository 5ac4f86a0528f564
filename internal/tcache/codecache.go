package tcache

import "errors"

// ErrCodeCacheFull is returned by Alloc when the region cannot satisfy a
// request; generators react by flushing the whole cache and retrying.
var ErrCodeCacheFull = errors.New("tcache: code cache full")

const codeAlign = 16

// CodeRegion is a bump allocator over one contiguous host-code mapping.
// The mapping is writable while generators emit into it and flipped to
// read-execute by Publish before any code in it is entered; the region is
// never writable and executable at the same time. Individual blocks are
// never freed; Reset reclaims everything at once, which is what makes a
// flush invalidate every block pointer.
type CodeRegion struct {
	mem  []byte
	used int
	base uintptr

	executable bool
	protect    func(mem []byte, executable bool) error
	release    func()
}

// Alloc reserves size bytes of code space and returns the writable window
// plus its host address. A published region is returned to its writable
// state first.
func (r *CodeRegion) Alloc(size int) ([]byte, uintptr, error) {
	if r.executable {
		if err := r.setExecutable(false); err != nil {
			return nil, 0, err
		}
	}
	off := (r.used + codeAlign - 1) &^ (codeAlign - 1)
	if off+size > len(r.mem) {
		return nil, 0, ErrCodeCacheFull
	}
	r.used = off + size
	return r.mem[off : off+size], r.base + uintptr(off), nil
}

// Publish makes the emitted code executable. Must be called after
// generation finishes and before any host code in the region is entered.
func (r *CodeRegion) Publish() error {
	if r.executable {
		return nil
	}
	return r.setExecutable(true)
}

func (r *CodeRegion) setExecutable(executable bool) error {
	if r.protect != nil {
		if err := r.protect(r.mem, executable); err != nil {
			return err
		}
	}
	r.executable = executable
	return nil
}

// Reset discards all emitted code and leaves the region writable for the
// next generation pass.
func (r *CodeRegion) Reset() {
	if r.executable {
		// Mprotect on a live private mapping does not fail in practice;
		// the executable flag still tracks the attempted state.
		_ = r.setExecutable(false)
	}
	r.used = 0
}

// Size returns the total capacity of the region.
func (r *CodeRegion) Size() int {
	return len(r.mem)
}

// Used returns the number of bytes currently allocated.
func (r *CodeRegion) Used() int {
	return r.used
}

// Executable reports whether the region is currently published.
func (r *CodeRegion) Executable() bool {
	return r.executable
}

// Close releases the mapping. All block code pointers are dangling
// afterwards.
func (r *CodeRegion) Close() error {
	if r.release != nil {
		r.release()
		r.release = nil
	}
	r.mem = nil
	r.used = 0
	return nil
}
