package cpu

import (
	"testing"

	"github.com/tinyrange/dbt/internal/tcache"
)

type testArch struct {
	pc     uint64
	flags  uint64
	intsOn bool
	work   bool

	delivered []int
	setPCs    []uint64
	restored  []uintptr
	flushes   int

	onProcess func(env *Env, pending uint32) bool
}

func (a *testArch) TBCPUState() (uint64, uint64, uint64) { return a.pc, 0, a.flags }
func (a *testArch) MMUIndex() int                        { return 0 }
func (a *testArch) HasWork(env *Env) bool                { return a.work }

func (a *testArch) DoInterrupt(env *Env) {
	a.delivered = append(a.delivered, env.ExceptionIndex)
}

func (a *testArch) ProcessInterrupts(env *Env, pending uint32) bool {
	if a.onProcess != nil {
		return a.onProcess(env, pending)
	}
	return false
}

func (a *testArch) SetPCFromTB(tb *tcache.TranslationBlock) {
	a.setPCs = append(a.setPCs, tb.PC)
	a.pc = tb.PC
}

func (a *testArch) InterruptsEnabled() bool           { return a.intsOn }
func (a *testArch) RestoreState(env *Env, ra uintptr) { a.restored = append(a.restored, ra) }
func (a *testArch) FlushExecState(env *Env)           { a.flushes++ }

type testGen struct {
	calls int
	onGen func(pc uint64)
}

func (g *testGen) Gen(pc, csBase uint64, flags uint64, cflags uint32) (*tcache.TranslationBlock, error) {
	g.calls++
	if g.onGen != nil {
		g.onGen(pc)
	}
	tb := tcache.NewTB(pc, csBase, flags, cflags)
	tb.Size = 4
	return tb, nil
}

type testMachine struct {
	env  *Env
	arch *testArch
	gen  *testGen

	executed []*tcache.TranslationBlock
}

func newTestMachine(t *testing.T) *testMachine {
	t.Helper()

	m := &testMachine{
		arch: &testArch{pc: 0x1000},
		gen:  &testGen{},
	}
	m.env = &Env{
		Arch:           m.arch,
		Cache:          tcache.NewCache(m.gen, nil),
		ExceptionIndex: ExcpNone,
		KVMIRQ:         -1,
	}
	m.env.GetPageAddrCode = func(v uint64) uint64 { return v }

	// Default executor: record the block, advance the PC by one block, and
	// ask to leave after the first block.
	m.env.Exec = ExecutorFunc(func(env *Env, tb *tcache.TranslationBlock) tcache.ExecResult {
		m.executed = append(m.executed, tb)
		m.arch.pc = tb.PC + uint64(tb.Size)
		env.ExitRequest.Store(true)
		return tcache.ExecResult{Last: tb, Exit: tcache.ExitRequested}
	})
	return m
}

// script installs an executor that runs the given steps in order; the last
// step keeps repeating.
func (m *testMachine) script(steps ...func(env *Env, tb *tcache.TranslationBlock) tcache.ExecResult) {
	i := 0
	m.env.Exec = ExecutorFunc(func(env *Env, tb *tcache.TranslationBlock) tcache.ExecResult {
		m.executed = append(m.executed, tb)
		step := steps[min(i, len(steps)-1)]
		i++
		return step(env, tb)
	})
}

// stop is a scripted step that requests an exit after this block.
func stop(env *Env, tb *tcache.TranslationBlock) tcache.ExecResult {
	env.ExitRequest.Store(true)
	return tcache.ExecResult{Last: tb, Exit: tcache.ExitRequested}
}

func TestExecHaltedNoWork(t *testing.T) {
	m := newTestMachine(t)
	m.env.Halted = true

	if ret := Exec(m.env); ret != ExcpHalted {
		t.Fatalf("Exec = %#x, want ExcpHalted", ret)
	}
	if !m.env.Halted {
		t.Fatal("a workless halted CPU must stay halted")
	}
	if len(m.executed) != 0 {
		t.Fatal("no block must run while halted")
	}
}

func TestExecHaltedWithWorkResumes(t *testing.T) {
	m := newTestMachine(t)
	m.env.Halted = true
	m.arch.work = true

	if ret := Exec(m.env); ret != ExcpInterrupt {
		t.Fatalf("Exec = %#x, want ExcpInterrupt", ret)
	}
	if m.env.Halted {
		t.Fatal("halted flag must clear once there is work")
	}
	if len(m.executed) != 1 {
		t.Fatalf("expected one block, got %d", len(m.executed))
	}
}

func TestCacheHitPath(t *testing.T) {
	m := newTestMachine(t)
	m.arch.flags = 0x33

	// Pre-populate the virtual-PC cache with a block matching the key.
	tb := tcache.NewTB(0x1000, 0, 0x33, 0)
	tb.Size = 4
	m.env.JmpCache[tcache.JmpCacheHash(0x1000)] = tb

	if ret := Exec(m.env); ret != ExcpInterrupt {
		t.Fatalf("Exec = %#x", ret)
	}
	if m.env.Cache.Stats.TBHits != 1 {
		t.Fatalf("TBHits = %d, want 1", m.env.Cache.Stats.TBHits)
	}
	if m.gen.calls != 0 {
		t.Fatalf("generator must not run on a fast-tier hit, calls=%d", m.gen.calls)
	}
	if len(m.executed) != 1 || m.executed[0] != tb {
		t.Fatal("the cached block must be the one executed")
	}
}

func TestChainingAcrossSequentialBlocks(t *testing.T) {
	m := newTestMachine(t)

	advance := func(env *Env, tb *tcache.TranslationBlock) tcache.ExecResult {
		m.arch.pc = tb.PC + uint64(tb.Size)
		return tcache.ExecResult{Last: tb, Exit: tcache.ExitIdx0}
	}
	m.script(advance, advance, stop)

	if ret := Exec(m.env); ret != ExcpInterrupt {
		t.Fatalf("Exec = %#x", ret)
	}
	if len(m.executed) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(m.executed))
	}

	t1, t2, t3 := m.executed[0], m.executed[1], m.executed[2]
	if t1.JumpTarget(tcache.ExitIdx0) != t2 {
		t.Fatal("T1 must chain to T2")
	}
	if t2.JumpTarget(tcache.ExitIdx0) != t3 {
		t.Fatal("T2 must chain to T3")
	}
}

func TestInterruptInvalidatesChaining(t *testing.T) {
	m := newTestMachine(t)

	// Service HARD by consuming the bit.
	m.arch.onProcess = func(env *Env, pending uint32) bool {
		if pending&InterruptHard != 0 {
			env.InterruptRequest &^= InterruptHard
			return true
		}
		return false
	}

	m.script(
		func(env *Env, tb *tcache.TranslationBlock) tcache.ExecResult {
			m.arch.pc = tb.PC + uint64(tb.Size)
			return tcache.ExecResult{Last: tb, Exit: tcache.ExitIdx0}
		},
		func(env *Env, tb *tcache.TranslationBlock) tcache.ExecResult {
			// Raise an interrupt mid-loop; the next block must not be
			// chained to this one.
			env.Interrupt(InterruptHard)
			m.arch.pc = tb.PC + uint64(tb.Size)
			return tcache.ExecResult{Last: tb, Exit: tcache.ExitIdx0}
		},
		stop,
	)

	if ret := Exec(m.env); ret != ExcpInterrupt {
		t.Fatalf("Exec = %#x", ret)
	}
	if len(m.executed) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(m.executed))
	}

	t1, t2 := m.executed[0], m.executed[1]
	if t1.JumpTarget(tcache.ExitIdx0) != t2 {
		t.Fatal("T1 must chain to T2 before the interrupt")
	}
	if t2.JumpTarget(tcache.ExitIdx0) != nil {
		t.Fatal("no chain may cross an architectural control transfer")
	}
}

func TestNoChainIntoPageSpanningBlock(t *testing.T) {
	m := newTestMachine(t)

	// The second generated block spans two pages.
	calls := 0
	m.env.Cache = tcache.NewCache(genFunc(func(pc, csBase uint64, flags uint64, cflags uint32) (*tcache.TranslationBlock, error) {
		calls++
		tb := tcache.NewTB(pc, csBase, flags, cflags)
		tb.Size = 4
		if calls == 2 {
			tb.PageAddr[1] = 0x4000
		}
		return tb, nil
	}), nil)

	advance := func(env *Env, tb *tcache.TranslationBlock) tcache.ExecResult {
		m.arch.pc = tb.PC + uint64(tb.Size)
		return tcache.ExecResult{Last: tb, Exit: tcache.ExitIdx0}
	}
	m.script(advance, stop)

	if ret := Exec(m.env); ret != ExcpInterrupt {
		t.Fatalf("Exec = %#x", ret)
	}
	if m.executed[0].JumpTarget(tcache.ExitIdx0) != nil {
		t.Fatal("a page-spanning block must never be a chain target")
	}
}

type genFunc func(pc, csBase uint64, flags uint64, cflags uint32) (*tcache.TranslationBlock, error)

func (f genFunc) Gen(pc, csBase uint64, flags uint64, cflags uint32) (*tcache.TranslationBlock, error) {
	return f(pc, csBase, flags, cflags)
}

func TestExitRequestAbandonsFetchedTB(t *testing.T) {
	m := newTestMachine(t)

	// The exit lands between fetch and execute: raised while translating.
	m.gen.onGen = func(pc uint64) {
		m.env.ExitRequest.Store(true)
	}

	startPC := m.arch.pc
	if ret := Exec(m.env); ret != ExcpInterrupt {
		t.Fatalf("Exec = %#x", ret)
	}
	if len(m.executed) != 0 {
		t.Fatal("the fetched block must be abandoned, not executed")
	}
	if m.arch.pc != startPC {
		t.Fatal("the guest PC must not advance")
	}
	if m.env.CurrentTB != nil {
		t.Fatal("CurrentTB must be nil after abandoning a block")
	}
}

func TestFlushInvalidatesChainState(t *testing.T) {
	m := newTestMachine(t)

	// Generating the second block forces a full cache flush, so the first
	// block's pointer may no longer be used for patching.
	m.gen.onGen = func(pc uint64) {
		if pc != 0x1000 {
			m.env.Cache.Flush(&m.env.JmpCache)
		}
	}

	advance := func(env *Env, tb *tcache.TranslationBlock) tcache.ExecResult {
		m.arch.pc = tb.PC + uint64(tb.Size)
		return tcache.ExecResult{Last: tb, Exit: tcache.ExitIdx0}
	}
	m.script(advance, stop)

	if ret := Exec(m.env); ret != ExcpInterrupt {
		t.Fatalf("Exec = %#x", ret)
	}
	if m.executed[0].JumpTarget(tcache.ExitIdx0) != nil {
		t.Fatal("no jump may be patched with a pre-flush block pointer")
	}
}

func TestCurrentTBDuringExecution(t *testing.T) {
	m := newTestMachine(t)

	var seen *tcache.TranslationBlock
	m.script(func(env *Env, tb *tcache.TranslationBlock) tcache.ExecResult {
		seen = env.CurrentTB
		return stop(env, tb)
	})

	Exec(m.env)

	if seen == nil || seen != m.executed[0] {
		t.Fatal("CurrentTB must be the executing block during host execution")
	}
	if m.env.CurrentTB != nil {
		t.Fatal("CurrentTB must be nil after Exec returns")
	}
}

func TestExitCodeAboveIdxMaxRewindsPC(t *testing.T) {
	m := newTestMachine(t)

	m.script(
		func(env *Env, tb *tcache.TranslationBlock) tcache.ExecResult {
			m.arch.pc = 0x9999
			return tcache.ExecResult{Last: tb, Exit: tcache.ExitRequested}
		},
		stop,
	)

	Exec(m.env)

	if len(m.arch.setPCs) == 0 || m.arch.setPCs[0] != 0x1000 {
		t.Fatalf("PC must be rewound to the last block start, setPCs=%v", m.arch.setPCs)
	}
}

func TestInterruptWindowReturns(t *testing.T) {
	m := newTestMachine(t)
	m.env.KVMRequestInterruptWindow = true
	m.arch.intsOn = true

	m.script(func(env *Env, tb *tcache.TranslationBlock) tcache.ExecResult {
		m.arch.pc = tb.PC + uint64(tb.Size)
		return tcache.ExecResult{Last: tb, Exit: tcache.ExitIdx0}
	})

	if ret := Exec(m.env); ret != 0 {
		t.Fatalf("Exec = %#x, want 0 for an interrupt-window return", ret)
	}
	if m.env.KVMRequestInterruptWindow {
		t.Fatal("the window request must be consumed")
	}
	if len(m.executed) != 1 {
		t.Fatalf("expected exactly one block before the window return, got %d", len(m.executed))
	}
}

func TestDebugInterrupt(t *testing.T) {
	m := newTestMachine(t)
	m.env.Interrupt(InterruptDebug)

	handled := false
	m.env.SetDebugExcpHandler(func(env *Env) { handled = true })

	if ret := Exec(m.env); ret != ExcpDebug {
		t.Fatalf("Exec = %#x, want ExcpDebug", ret)
	}
	if !handled {
		t.Fatal("the debug handler must run")
	}
	if m.env.InterruptRequest&InterruptDebug != 0 {
		t.Fatal("the DEBUG request bit must be consumed")
	}
	if len(m.executed) != 0 {
		t.Fatal("no block may run past a DEBUG interrupt")
	}
}

func TestHLTRearmsOnPendingInterrupt(t *testing.T) {
	m := newTestMachine(t)
	m.env.Interrupt(InterruptHalt | InterruptHard)

	// A halt request leaves the loop the way the ARM policy does, while a
	// hardware interrupt is already pending.
	m.arch.onProcess = func(env *Env, pending uint32) bool {
		if pending&InterruptHalt != 0 {
			env.InterruptRequest &^= InterruptHalt
			env.Halted = true
			env.ExceptionIndex = ExcpHLT
			LoopExit(env)
		}
		if pending&InterruptHard != 0 {
			env.InterruptRequest &^= InterruptHard
			return true
		}
		return false
	}

	if ret := Exec(m.env); ret != ExcpInterrupt {
		t.Fatalf("Exec = %#x", ret)
	}
	if m.env.Halted {
		t.Fatal("a halt racing an interrupt must rearm")
	}
	if len(m.executed) != 1 {
		t.Fatalf("execution must continue after the rearm, blocks=%d", len(m.executed))
	}
}

func TestGuestExceptionDelivery(t *testing.T) {
	m := newTestMachine(t)
	m.env.ExceptionIndex = 3

	if ret := processExceptions(m.env); ret != 0 {
		t.Fatalf("processExceptions = %#x", ret)
	}
	if len(m.arch.delivered) != 1 || m.arch.delivered[0] != 3 {
		t.Fatalf("delivered = %v, want [3]", m.arch.delivered)
	}
	if m.env.ExceptionIndex != ExcpNone {
		t.Fatal("delivered exceptions must clear the pending index")
	}
}

func TestExceptionVectorFiveSkipped(t *testing.T) {
	m := newTestMachine(t)
	m.env.ExceptionIndex = 5

	if ret := processExceptions(m.env); ret != 0 {
		t.Fatalf("processExceptions = %#x", ret)
	}
	if len(m.arch.delivered) != 0 {
		t.Fatal("vector 5 must not be delivered")
	}
	if m.env.ExceptionIndex != 5 {
		t.Fatal("vector 5 stays pending")
	}
}

func TestSetDebugExcpHandlerReturnsOld(t *testing.T) {
	m := newTestMachine(t)

	first := func(env *Env) {}
	if old := m.env.SetDebugExcpHandler(first); old != nil {
		t.Fatal("initial handler must be nil")
	}
	if old := m.env.SetDebugExcpHandler(nil); old == nil {
		t.Fatal("replacing must return the previous handler")
	}
}

func TestDebugExceptionClearsWatchpointFlags(t *testing.T) {
	m := newTestMachine(t)
	wp := &Watchpoint{Vaddr: 0x100, Len: 4, Flags: BPMemWrite | BPWatchpointHit}
	m.env.Watchpoints = []*Watchpoint{wp}
	m.env.ExceptionIndex = ExcpDebug

	if ret := processExceptions(m.env); ret != ExcpDebug {
		t.Fatalf("processExceptions = %#x", ret)
	}
	if wp.Flags&BPWatchpointHit != 0 {
		t.Fatal("stale watchpoint hit flags must be cleared")
	}
}

func TestSstepNoIRQMasksExternalInterrupts(t *testing.T) {
	m := newTestMachine(t)
	m.env.SinglestepEnabled = SstepEnable | SstepNoIRQ
	m.env.Interrupt(InterruptHard)

	var seen uint32 = 0xffffffff
	m.arch.onProcess = func(env *Env, pending uint32) bool {
		seen = pending
		return false
	}

	processInterruptRequest(m.env)

	if seen&InterruptHard != 0 {
		t.Fatalf("HARD must be masked while stepping, pending=%#x", seen)
	}
}

func TestExitTBRequest(t *testing.T) {
	m := newTestMachine(t)
	m.env.Interrupt(InterruptExitTB)

	if !processInterruptRequest(m.env) {
		t.Fatal("EXITTB must report an interrupt so the chain state resets")
	}
	if m.env.InterruptRequest&InterruptExitTB != 0 {
		t.Fatal("EXITTB must be consumed")
	}
}

func TestLoopExitRestore(t *testing.T) {
	m := newTestMachine(t)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("LoopExitRestore must unwind")
			}
		}()
		LoopExitRestore(m.env, 0x1234)
	}()

	if len(m.arch.restored) != 1 || m.arch.restored[0] != 0x1234 {
		t.Fatalf("restored = %v", m.arch.restored)
	}
	if m.env.CurrentTB != nil {
		t.Fatal("CurrentTB must be cleared on loop exit")
	}
}

func TestResumeFromSignal(t *testing.T) {
	m := newTestMachine(t)
	m.env.ExceptionIndex = 7

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("ResumeFromSignal must unwind")
			}
		}()
		ResumeFromSignal(m.env, nil)
	}()

	if m.env.ExceptionIndex != ExcpNone {
		t.Fatal("ResumeFromSignal must clear the pending exception")
	}
}

func TestSlowPathLoopExitResumes(t *testing.T) {
	m := newTestMachine(t)

	// A helper aborts mid-block (e.g. a guest fault); the landing pad
	// delivers the exception and execution continues with fresh state.
	m.script(
		func(env *Env, tb *tcache.TranslationBlock) tcache.ExecResult {
			env.ExceptionIndex = 3
			LoopExit(env)
			return tcache.ExecResult{}
		},
		stop,
	)

	if ret := Exec(m.env); ret != ExcpInterrupt {
		t.Fatalf("Exec = %#x", ret)
	}
	if len(m.arch.delivered) != 1 || m.arch.delivered[0] != 3 {
		t.Fatalf("fault must be delivered after the longjmp, delivered=%v", m.arch.delivered)
	}
	if len(m.executed) != 2 {
		t.Fatalf("execution must resume after delivery, blocks=%d", len(m.executed))
	}
}

func TestGlobalExitRequestPropagates(t *testing.T) {
	m := newTestMachine(t)
	RequestExit()
	defer globalExitRequest.Store(false)

	if ret := Exec(m.env); ret != ExcpInterrupt {
		t.Fatalf("Exec = %#x", ret)
	}
	if len(m.executed) != 0 {
		t.Fatal("a pre-set exit request must stop the loop before any block")
	}
}

func TestCurrentEnvScope(t *testing.T) {
	m := newTestMachine(t)

	var inside *Env
	m.script(func(env *Env, tb *tcache.TranslationBlock) tcache.ExecResult {
		inside = CurrentEnv()
		return stop(env, tb)
	})

	Exec(m.env)

	if inside != m.env {
		t.Fatal("CurrentEnv must point at the executing env inside Exec")
	}
	if CurrentEnv() != nil {
		t.Fatal("CurrentEnv must be nil outside Exec")
	}
	if m.arch.flushes != 1 {
		t.Fatalf("exec-state flush must run once per Exec, got %d", m.arch.flushes)
	}
}
