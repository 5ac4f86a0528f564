// Package instrument holds the optional execution-instrumentation hooks.
// Every hook is nilable; a nil table or nil field means the corresponding
// event is not observed and costs one predictable branch on the hot path.
package instrument

// Memory access flags reported to AfterMemoryAccess.
const (
	MemFlagWrite = 1 << 0
)

// Hooks is the instrumentation callback table. A single table is shared by
// the execution loop and the soft-MMU of one machine.
type Hooks struct {
	// BeforeMemoryAccess fires before the soft-MMU resolves a guest access.
	// For stores value carries the value about to be written.
	BeforeMemoryAccess func(vaddr uint64, value uint64, isWrite bool)

	// AfterMemoryAccess fires after a fast-path access completed, with the
	// value read or written.
	AfterMemoryAccess func(vaddr uint64, value uint64, flags uint32)

	// ForkAndConcretize maps a possibly-symbolic value to a concrete one,
	// bounded by max.
	ForkAndConcretize func(val uint64, max uint64) uint64

	// ForkOnSymbolicAddress gates ForkAndConcretize for address operands.
	ForkOnSymbolicAddress bool

	// FastConcreteInvocation and RunningConcrete report whether generated
	// code may be entered directly. When either is false the loop hands
	// execution to the replacement executor instead of the native one.
	FastConcreteInvocation func() bool
	RunningConcrete        func() bool
}

// Active reports whether any instrumentation is installed.
func (h *Hooks) Active() bool {
	return h != nil
}

// Concrete reports whether generated code may run natively right now.
func (h *Hooks) Concrete() bool {
	if h == nil {
		return true
	}
	if h.FastConcreteInvocation != nil && !h.FastConcreteInvocation() {
		return false
	}
	if h.RunningConcrete != nil && !h.RunningConcrete() {
		return false
	}
	return true
}

// Before fires the before-access hook if installed.
func (h *Hooks) Before(vaddr uint64, value uint64, isWrite bool) {
	if h != nil && h.BeforeMemoryAccess != nil {
		h.BeforeMemoryAccess(vaddr, value, isWrite)
	}
}

// After fires the after-access hook if installed.
func (h *Hooks) After(vaddr uint64, value uint64, flags uint32) {
	if h != nil && h.AfterMemoryAccess != nil {
		h.AfterMemoryAccess(vaddr, value, flags)
	}
}

// ConcretizeAddr passes an address operand through ForkAndConcretize when
// fork-on-symbolic-address is enabled.
func (h *Hooks) ConcretizeAddr(val uint64, max uint64) uint64 {
	if h == nil || !h.ForkOnSymbolicAddress || h.ForkAndConcretize == nil {
		return val
	}
	return h.ForkAndConcretize(val, max)
}
