// Package x86 implements the x86 half of the execution core: the
// translation-key extraction and the interrupt gating policy. Actual
// delivery (IDT walks, SMM entry, INIT reset) is delegated to collaborator
// hooks.
package x86

import (
	"github.com/tinyrange/dbt/internal/cpu"
	"github.com/tinyrange/dbt/internal/debug"
	"github.com/tinyrange/dbt/internal/tcache"
)

// eflags bits.
const (
	TFMask   uint64 = 0x100
	IFMask   uint64 = 0x200
	IOPLMask uint64 = 0x3000
	RFMask   uint64 = 0x10000
	VMMask   uint64 = 0x20000
)

// hflags bits.
const (
	HFCPLMask        uint32 = 0x3
	HFInhibitIRQMask uint32 = 1 << 3
	HFSMMMask        uint32 = 1 << 19
)

// hflags2 bits.
const (
	HF2GIFMask   uint32 = 1 << 0
	HF2HIFMask   uint32 = 1 << 1
	HF2NMIMask   uint32 = 1 << 2
	HF2VINTRMask uint32 = 1 << 3
)

// SVM intercept reasons passed to the intercept hook.
const (
	SVMExitIntr  uint32 = 0x60
	SVMExitNMI   uint32 = 0x61
	SVMExitSMI   uint32 = 0x62
	SVMExitInit  uint32 = 0x63
	SVMExitVIntr uint32 = 0x64
)

// Exception vectors delivered by the dispatcher.
const (
	ExcpNMI  = 2
	ExcpMCHK = 18
)

var trace = debug.WithSource("x86")

// Ops are the collaborator hooks the policy delegates delivery to.
type Ops interface {
	// DoInterrupt delivers the exception recorded in env.ExceptionIndex.
	DoInterrupt(env *cpu.Env)

	// DoInterruptHardIRQ injects vector intno; isHW distinguishes
	// hardware interrupts from software-raised ones.
	DoInterruptHardIRQ(env *cpu.Env, intno int, isHW bool)

	// DoCPUInit resets the CPU to its INIT state.
	DoCPUInit(env *cpu.Env)

	// DoSMMEnter switches into system management mode.
	DoSMMEnter(env *cpu.Env)

	// SVMCheckIntercept lets nested virtualization intercept the event.
	SVMCheckIntercept(env *cpu.Env, reason uint32)

	// VirtualIRQVector reads the pending virtual interrupt vector from
	// the VMCB.
	VirtualIRQVector(env *cpu.Env) int

	// RestoreState rewinds guest state to the instruction identified by
	// the host return address.
	RestoreState(env *cpu.Env, ra uintptr)
}

// FlagsFolder is implemented by Ops that track condition codes lazily and
// need them folded back when Exec returns.
type FlagsFolder interface {
	FoldFlags(env *cpu.Env)
}

// CPU is the x86 architectural state the execution core needs.
type CPU struct {
	EIP    uint64
	CSBase uint64

	// MFlags is the live eflags image, HFlags/HFlags2 the hidden flag
	// words gating interrupt delivery.
	MFlags  uint64
	HFlags  uint32
	HFlags2 uint32

	Ops Ops
}

var _ cpu.Arch = (*CPU)(nil)

// New returns a CPU with the global interrupt flag (GIF) set, matching the
// reset state outside nested virtualization.
func New(ops Ops) *CPU {
	return &CPU{
		HFlags2: HF2GIFMask,
		Ops:     ops,
	}
}

func (c *CPU) TBCPUState() (pc, csBase uint64, flags uint64) {
	flags = uint64(c.HFlags) | (c.MFlags & (IOPLMask | TFMask | RFMask | VMMask))
	return c.CSBase + c.EIP, c.CSBase, flags
}

func (c *CPU) MMUIndex() int {
	if c.HFlags&HFCPLMask == 3 {
		return 1
	}
	return 0
}

func (c *CPU) HasWork(env *cpu.Env) bool {
	if env.InterruptRequest&cpu.InterruptHard != 0 && c.MFlags&IFMask != 0 {
		return true
	}
	return env.InterruptRequest&(cpu.InterruptNMI|cpu.InterruptInit|
		cpu.InterruptSIPI|cpu.InterruptMCE) != 0
}

func (c *CPU) DoInterrupt(env *cpu.Env) {
	c.Ops.DoInterrupt(env)
}

func (c *CPU) ProcessInterrupts(env *cpu.Env, pending uint32) bool {
	hasInterrupt := false

	switch {
	case pending&cpu.InterruptInit != 0:
		c.Ops.SVMCheckIntercept(env, SVMExitInit)
		c.Ops.DoCPUInit(env)
		env.ExceptionIndex = cpu.ExcpHalted
		cpu.LoopExit(env)

	case pending&cpu.InterruptSIPI != 0:
		// TODO: deliver SIPI; startup-vector dispatch is not implemented.
		trace.Write("SIPI requested but not implemented")

	case c.HFlags2&HF2GIFMask != 0:
		switch {
		case pending&cpu.InterruptSMI != 0 && c.HFlags&HFSMMMask == 0:
			c.Ops.SVMCheckIntercept(env, SVMExitSMI)
			env.InterruptRequest &^= cpu.InterruptSMI
			c.Ops.DoSMMEnter(env)
			hasInterrupt = true

		case pending&cpu.InterruptNMI != 0 && c.HFlags2&HF2NMIMask == 0:
			env.InterruptRequest &^= cpu.InterruptNMI
			c.HFlags2 |= HF2NMIMask
			c.Ops.DoInterruptHardIRQ(env, ExcpNMI, true)
			hasInterrupt = true

		case pending&cpu.InterruptMCE != 0:
			env.InterruptRequest &^= cpu.InterruptMCE
			c.Ops.DoInterruptHardIRQ(env, ExcpMCHK, false)
			hasInterrupt = true

		case pending&cpu.InterruptHard != 0 && c.hardIRQDeliverable():
			c.Ops.SVMCheckIntercept(env, SVMExitIntr)
			env.InterruptRequest &^= cpu.InterruptHard | cpu.InterruptVIRQ
			intno := env.KVMIRQ
			env.KVMIRQ = -1
			if debug.Enabled() {
				trace.Writef("servicing hardware INT=%#02x", intno)
			}
			if intno >= 0 {
				c.Ops.DoInterruptHardIRQ(env, intno, true)
			}
			// Ensure no block jump will be patched: the program flow
			// changed.
			hasInterrupt = true

		case pending&cpu.InterruptVIRQ != 0 && c.MFlags&IFMask != 0 &&
			c.HFlags&HFInhibitIRQMask == 0:
			c.Ops.SVMCheckIntercept(env, SVMExitVIntr)
			intno := c.Ops.VirtualIRQVector(env)
			if debug.Enabled() {
				trace.Writef("servicing virtual hardware INT=%#02x", intno)
			}
			c.Ops.DoInterruptHardIRQ(env, intno, true)
			env.InterruptRequest &^= cpu.InterruptVIRQ
			hasInterrupt = true
		}
	}

	return hasInterrupt
}

// hardIRQDeliverable applies the external-interrupt gate: under V_INTR
// masking the host interrupt flag decides; otherwise the guest IF does,
// unless delivery is inhibited by the instruction window after sti/mov ss.
func (c *CPU) hardIRQDeliverable() bool {
	if c.HFlags2&HF2VINTRMask != 0 {
		return c.HFlags2&HF2HIFMask != 0
	}
	return c.MFlags&IFMask != 0 && c.HFlags&HFInhibitIRQMask == 0
}

func (c *CPU) SetPCFromTB(tb *tcache.TranslationBlock) {
	c.EIP = tb.PC - tb.CSBase
}

func (c *CPU) InterruptsEnabled() bool {
	return c.MFlags&IFMask != 0
}

func (c *CPU) RestoreState(env *cpu.Env, ra uintptr) {
	c.Ops.RestoreState(env, ra)
}

func (c *CPU) FlushExecState(env *cpu.Env) {
	if f, ok := c.Ops.(FlagsFolder); ok {
		f.FoldFlags(env)
	}
}
