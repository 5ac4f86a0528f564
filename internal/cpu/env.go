// Package cpu drives guest execution: it finds or generates translation
// blocks for the current guest state, executes them under a recoverable
// non-local-exit discipline, and services pending interrupts and exceptions
// between blocks.
package cpu

import (
	"sync/atomic"

	"github.com/tinyrange/dbt/internal/instrument"
	"github.com/tinyrange/dbt/internal/softmmu"
	"github.com/tinyrange/dbt/internal/tcache"
)

// ExcpNone marks "no pending exception". Values below ExcpInterrupt are
// guest exception vectors delivered architecturally; values at or above it
// are loop-exit requests returned to the caller of Exec.
const ExcpNone = -1

const (
	ExcpInterrupt = 0x10000 + iota
	ExcpHLT
	ExcpDebug
	ExcpHalted
	ExcpSE
)

// Interrupt request bits.
const (
	InterruptHard   uint32 = 0x0002
	InterruptExitTB uint32 = 0x0004
	InterruptFIQ    uint32 = 0x0010
	InterruptHalt   uint32 = 0x0020
	InterruptSMI    uint32 = 0x0040
	InterruptDebug  uint32 = 0x0080
	InterruptVIRQ   uint32 = 0x0100
	InterruptNMI    uint32 = 0x0200
	InterruptInit   uint32 = 0x0400
	InterruptSIPI   uint32 = 0x0800
	InterruptMCE    uint32 = 0x1000
)

// InterruptSstepMask covers the external sources masked while single
// stepping with SstepNoIRQ.
const InterruptSstepMask = InterruptHard | InterruptFIQ | InterruptSMI |
	InterruptVIRQ | InterruptNMI | InterruptMCE

// Single-step mode flags.
const (
	SstepEnable = 1 << iota
	SstepNoIRQ
	SstepNoTimer
)

// Watchpoint flags.
const (
	BPMemRead       = 0x01
	BPMemWrite      = 0x02
	BPMemAccess     = BPMemRead | BPMemWrite
	BPWatchpointHit = 0x08
)

// Watchpoint is a guest-address data watchpoint. The soft-MMU slow path
// raises ExcpDebug when one fires and records it in Env.WatchpointHit.
type Watchpoint struct {
	Vaddr uint64
	Len   uint64
	Flags int
}

// Arch is the architecture half of the execution core. One implementation
// exists per guest architecture; it owns the architectural register state
// and the interrupt gating policy, and delegates actual delivery to
// collaborator hooks.
type Arch interface {
	// TBCPUState extracts the translation key from current CPU state.
	TBCPUState() (pc, csBase uint64, flags uint64)

	// MMUIndex returns the current effective MMU mode.
	MMUIndex() int

	// HasWork reports whether a halted CPU should wake up.
	HasWork(env *Env) bool

	// DoInterrupt delivers the exception recorded in env.ExceptionIndex.
	DoInterrupt(env *Env)

	// ProcessInterrupts runs the architecture's part of the priority
	// ladder against the pending set and reports whether any interrupt
	// was serviced. It may abandon the loop via LoopExit.
	ProcessInterrupts(env *Env, pending uint32) bool

	// SetPCFromTB rewinds the guest PC to the start of tb after a block
	// exited outside a chained slot.
	SetPCFromTB(tb *tcache.TranslationBlock)

	// InterruptsEnabled reports whether external interrupts are currently
	// architecturally deliverable; gates the interrupt-window return.
	InterruptsEnabled() bool

	// RestoreState rewinds guest state to the instruction identified by
	// the host return address ra.
	RestoreState(env *Env, ra uintptr)

	// FlushExecState folds any lazily tracked state (e.g. condition
	// codes) back into architectural form when Exec returns.
	FlushExecState(env *Env)
}

// TBExecutor enters a block's generated host code. The native executor is
// supplied by the generator backend; instrumentation may install a
// replacement used while execution is not concrete.
type TBExecutor interface {
	Exec(env *Env, tb *tcache.TranslationBlock) tcache.ExecResult
}

// ExecutorFunc adapts a function to TBExecutor.
type ExecutorFunc func(env *Env, tb *tcache.TranslationBlock) tcache.ExecResult

func (f ExecutorFunc) Exec(env *Env, tb *tcache.TranslationBlock) tcache.ExecResult {
	return f(env, tb)
}

// Env is the per-virtual-CPU execution state.
type Env struct {
	Arch  Arch
	MMU   *softmmu.MMU
	Cache *tcache.Cache
	Hooks *instrument.Hooks

	// JmpCache is this CPU's direct-mapped virtual-PC block cache.
	JmpCache tcache.JmpCache

	// ExceptionIndex is the pending synchronous exception, ExcpNone when
	// there is none.
	ExceptionIndex int

	// InterruptRequest is the pending-interrupt bitfield.
	InterruptRequest uint32

	// ExitRequest is the cooperative cancellation flag; external code may
	// set it from another goroutine.
	ExitRequest atomic.Bool

	Halted bool

	SinglestepEnabled int

	// KVMRequestInterruptWindow asks the loop to return to the caller as
	// soon as interrupts become architecturally deliverable, so the host
	// can inject an IRQ. KVMIRQ carries the vector for the next HARD
	// service; -1 means none.
	KVMRequestInterruptWindow bool
	KVMIRQ                    int

	// CurrentTB is non-nil only while host-executing generated code.
	CurrentTB *tcache.TranslationBlock

	// GetPageAddrCode translates a guest virtual PC to the guest physical
	// address used as the block cache key; it may raise a fault through
	// the loop-exit mechanism.
	GetPageAddrCode func(vaddr uint64) uint64

	// Exec runs a block natively. InstrExec, when installed, replaces it
	// while instrumentation reports non-concrete execution.
	Exec      TBExecutor
	InstrExec TBExecutor

	Watchpoints   []*Watchpoint
	WatchpointHit *Watchpoint

	debugExcpHandler func(env *Env)
}

// Interrupt raises the given request bits.
func (env *Env) Interrupt(mask uint32) {
	env.InterruptRequest |= mask
}

// ResetInterrupt clears the given request bits.
func (env *Env) ResetInterrupt(mask uint32) {
	env.InterruptRequest &^= mask
}

// SetDebugExcpHandler installs a sink for debug exceptions and returns the
// previous one.
func (env *Env) SetDebugExcpHandler(fn func(env *Env)) func(env *Env) {
	old := env.debugExcpHandler
	env.debugExcpHandler = fn
	return old
}

// The executing thread publishes its env here for the duration of Exec.
// Single-threaded contract: one OS thread owns one Env at a time and the
// core never reads a foreign CPU's env.
var singleEnv *Env

// CurrentEnv returns the env currently inside Exec, or nil.
func CurrentEnv() *Env {
	return singleEnv
}

// Process-wide exit signal, copied into the env at the next Exec entry.
var globalExitRequest atomic.Bool

// RequestExit asks every future Exec entry to leave as soon as possible.
func RequestExit() {
	globalExitRequest.Store(true)
}
