// Package arm implements the ARM half of the execution core, covering both
// the A-profile CPSR gating and the ARMv7-M NVIC pending-exception gate.
package arm

import (
	"github.com/tinyrange/dbt/internal/cpu"
	"github.com/tinyrange/dbt/internal/debug"
	"github.com/tinyrange/dbt/internal/tcache"
)

// CPSR bits.
const (
	CPSRF uint32 = 1 << 6
	CPSRI uint32 = 1 << 7

	cpsrModeMask uint32 = 0x1f
	modeUser     uint32 = 0x10
)

// Exception vectors delivered by the dispatcher.
const (
	ExcpIRQ = 5
	ExcpFIQ = 6
)

// magicReturnBase is the start of the v7-M exception-return address range.
// Interrupt return works by loading a magic value into the PC; taking an
// interrupt while the PC holds one would push the magic value to the stack,
// so delivery is suppressed there.
const magicReturnBase = 0xfffffff0

var trace = debug.WithSource("arm")

// NVIC is the v7-M interrupt controller predicate consulted before taking
// a pending exception.
type NVIC interface {
	CanTakePendingException() bool
}

// Ops are the collaborator hooks delivery is delegated to.
type Ops interface {
	DoInterrupt(env *cpu.Env)
	RestoreState(env *cpu.Env, ra uintptr)
}

// CPU is the ARM architectural state the execution core needs.
type CPU struct {
	Regs         [16]uint32
	UncachedCPSR uint32

	// M marks the ARMv7-M profile; NVIC must be set when M is.
	M    bool
	NVIC NVIC

	Ops Ops
}

var _ cpu.Arch = (*CPU)(nil)

func New(ops Ops) *CPU {
	return &CPU{Ops: ops}
}

func (c *CPU) TBCPUState() (pc, csBase uint64, flags uint64) {
	return uint64(c.Regs[15]), 0, uint64(c.UncachedCPSR)
}

func (c *CPU) MMUIndex() int {
	if c.UncachedCPSR&cpsrModeMask == modeUser {
		return 1
	}
	return 0
}

func (c *CPU) HasWork(env *cpu.Env) bool {
	return env.InterruptRequest&(cpu.InterruptHard|cpu.InterruptFIQ) != 0
}

func (c *CPU) DoInterrupt(env *cpu.Env) {
	c.Ops.DoInterrupt(env)
}

func (c *CPU) ProcessInterrupts(env *cpu.Env, pending uint32) bool {
	hasInterrupt := false

	if pending&cpu.InterruptHalt != 0 {
		env.InterruptRequest &^= cpu.InterruptHalt
		env.Halted = true
		env.ExceptionIndex = cpu.ExcpHLT
		cpu.LoopExit(env)
	}

	if pending&cpu.InterruptFIQ != 0 && c.UncachedCPSR&CPSRF == 0 {
		env.ExceptionIndex = ExcpFIQ
		c.Ops.DoInterrupt(env)
		hasInterrupt = true
	}

	if pending&cpu.InterruptHard != 0 &&
		((c.M && c.Regs[15] < magicReturnBase) || c.UncachedCPSR&CPSRI == 0) {
		if c.NVIC == nil || c.NVIC.CanTakePendingException() {
			if env.Hooks.Concrete() {
				env.ExceptionIndex = ExcpIRQ
				c.Ops.DoInterrupt(env)
				hasInterrupt = true
			}
		} else if debug.Enabled() {
			trace.Write("pending IRQ held: NVIC cannot take exception")
		}
	}

	return hasInterrupt
}

func (c *CPU) SetPCFromTB(tb *tcache.TranslationBlock) {
	c.Regs[15] = uint32(tb.PC)
}

func (c *CPU) InterruptsEnabled() bool {
	return c.UncachedCPSR&CPSRI == 0
}

func (c *CPU) RestoreState(env *cpu.Env, ra uintptr) {
	c.Ops.RestoreState(env, ra)
}

func (c *CPU) FlushExecState(env *cpu.Env) {}
