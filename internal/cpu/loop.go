package cpu

import (
	"github.com/tinyrange/dbt/internal/debug"
	"github.com/tinyrange/dbt/internal/tcache"
)

var trace = debug.WithSource("cpu")

// loopExitSignal is the non-local-exit token. It is raised by LoopExit and
// recovered only by the landing pad inside Exec; any other panic value
// passes through untouched.
type loopExitSignal struct{}

// LoopExit abandons the current execution and transfers control to the
// landing pad. May be called from anywhere below Exec: the dispatcher, the
// exception path, or an MMU slow path raising a guest fault.
func LoopExit(env *Env) {
	env.CurrentTB = nil
	panic(loopExitSignal{})
}

// LoopExitRestore rewinds the guest PC to the faulting instruction using
// the host return address, then abandons execution.
func LoopExitRestore(env *Env, ra uintptr) {
	if ra != 0 {
		env.Arch.RestoreState(env, ra)
	}
	LoopExit(env)
}

// ResumeFromSignal is used by signal handlers after an MMU fault: guest
// state was already restored, so just return to the landing pad with no
// pending exception.
func ResumeFromSignal(env *Env, _ any) {
	env.ExceptionIndex = ExcpNone
	panic(loopExitSignal{})
}

// tbFindFast is the two-tier block lookup. The fast tier is one load from
// the virtual-PC cache gated by key equality; anything else goes through
// the physical-hash slow tier.
func tbFindFast(env *Env) (*tcache.TranslationBlock, error) {
	// Instrumentation cannot usually invalidate the block cache safely
	// because it would also destroy the currently running code; a deferred
	// flush lands here, before the next fetch.
	env.Cache.FlushIfDeferred(&env.JmpCache)

	pc, csBase, flags := env.Arch.TBCPUState()
	tb := env.JmpCache[tcache.JmpCacheHash(pc)]
	if tb == nil || tb.PC != pc || tb.CSBase != csBase || tb.Flags != flags {
		return env.Cache.Lookup(&env.JmpCache, pc, csBase, flags, env.GetPageAddrCode)
	}
	env.Cache.Stats.TBHits++
	return tb, nil
}

// fetchAndRunTB looks up the next block, optionally chains it to the
// previous one, and host-executes it. A zero-value result means the block
// was abandoned before execution because an exit was requested.
func fetchAndRunTB(env *Env, prevTB *tcache.TranslationBlock, tbExitCode uint32) tcache.ExecResult {
	tb, err := tbFindFast(env)
	if err != nil {
		// The generator could not produce code for this state; surface it
		// as a loop-exit so the caller of Exec can decide.
		if debug.Enabled() {
			trace.Writef("block generation failed: %v", err)
		}
		env.ExceptionIndex = ExcpInterrupt
		LoopExit(env)
	}

	if debug.Enabled() {
		trace.Writef("fetch_and_run pc=%#x size=%d flags=%#x", tb.PC, tb.Size, tb.Flags)
	}

	// A flush happened somewhere between the previous block and this one;
	// prevTB may be dangling, so never patch through it.
	if env.Cache.TakeInvalidated() {
		prevTB = nil
	}

	// When the next block spans two pages we cannot safely chain into it:
	// a write to the second page may invalidate it while the patched jump
	// survives.
	if prevTB != nil && !tb.Spanning() {
		env.Cache.AddJump(prevTB, tbExitCode, tb)
	}

	// An exit may have been requested while translating, before this
	// block became CurrentTB. Do not start executing with an exit pending.
	env.CurrentTB = tb
	if env.ExitRequest.Load() {
		env.CurrentTB = nil
		return tcache.ExecResult{}
	}

	var res tcache.ExecResult
	if env.InstrExec != nil && !env.Hooks.Concrete() {
		res = env.InstrExec.Exec(env, tb)
	} else {
		res = env.Exec.Exec(env, tb)
	}

	env.CurrentTB = nil
	return res
}

// executionLoop runs blocks until a loop exit is raised or the interrupt
// window opens. Returns true when Exec should return so the host can
// inject an IRQ.
func executionLoop(env *Env) bool {
	var ltb *tcache.TranslationBlock
	var lastExitCode uint32

	for {
		hasInterrupt := false
		if processInterruptRequest(env) {
			// The program flow changed; the next block must not be
			// chained to the pre-interrupt one.
			ltb = nil
			hasInterrupt = true
		}

		if !hasInterrupt && env.ExitRequest.Load() {
			if debug.Enabled() {
				trace.Write("execution_loop: exit request")
			}
			env.ExitRequest.Store(false)
			env.ExceptionIndex = ExcpInterrupt
			LoopExit(env)
		}

		env.ExitRequest.Store(false)

		res := fetchAndRunTB(env, ltb, lastExitCode)

		lastExitCode = res.Exit & tcache.ExitMask
		ltb = res.Last

		if ltb != nil && debug.Enabled() {
			trace.Writef("ltb pc=%#x size=%d exit=%d", ltb.PC, ltb.Size, lastExitCode)
		}

		if lastExitCode > tcache.ExitIdxMax {
			// The block exited somewhere other than a chained slot; the
			// guest PC is wherever the block started.
			env.Arch.SetPCFromTB(ltb)
			ltb = nil
		}

		if env.KVMRequestInterruptWindow && env.Arch.InterruptsEnabled() {
			env.KVMRequestInterruptWindow = false
			return true
		}
	}
}

// processExceptions delivers a pending synchronous exception, or reports a
// loop-exit request via its return value.
func processExceptions(env *Env) int {
	if env.ExceptionIndex < 0 {
		return 0
	}

	if env.ExceptionIndex >= ExcpInterrupt {
		// Exit request from the execution loop.
		ret := env.ExceptionIndex
		if ret == ExcpDebug {
			handleDebugException(env)
		}
		return ret
	}

	if env.ExceptionIndex != 5 {
		if debug.Enabled() {
			trace.Writef("do_interrupt exidx=%#x", env.ExceptionIndex)
		}
		env.Arch.DoInterrupt(env)
		env.ExceptionIndex = ExcpNone
	}
	return 0
}

// Exec drives one guest execution session until an exit condition and
// returns the exit cause: ExcpHalted, or the loop-exit code (ExcpInterrupt,
// ExcpHLT, ExcpDebug, ExcpSE or any other value at or above ExcpInterrupt)
// that ended the session, or 0 when the interrupt window opened. Guest
// exceptions below ExcpInterrupt are delivered in place and never returned.
func Exec(env *Env) int {
	if env.Halted {
		if !env.Arch.HasWork(env) {
			return ExcpHalted
		}
		env.Halted = false
	}

	singleEnv = env

	if globalExitRequest.Load() {
		env.ExitRequest.Store(true)
	}

	env.ExceptionIndex = ExcpNone

	var ret int
	for {
		done, r := runProtected(env)
		if done {
			ret = r
			break
		}
	}

	if debug.Enabled() {
		trace.Writef("cpu_loop exit ret=%#x", ret)
	}

	env.Arch.FlushExecState(env)
	env.CurrentTB = nil

	// Fail safe: the process-wide env slot is only valid inside Exec.
	singleEnv = nil
	return ret
}

// runProtected is one pass under the landing pad. A recovered loop exit
// reports done=false so the caller re-enters; every local of the inner loop
// is re-derived from the env on that path.
func runProtected(env *Env) (done bool, ret int) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(loopExitSignal); !ok {
				panic(r)
			}
			// Landing after a mid-block abort. Guest state was already
			// restored by whoever raised the exit; loop state is gone.
			done, ret = false, 0
		}
	}()

	// Reset the current block everywhere the loop re-enters; otherwise
	// unchaining can get stuck after a flush that happened mid-signal.
	env.CurrentTB = nil

	if debug.Enabled() {
		trace.Write("landing pad entered")
	}

	ret = processExceptions(env)
	if ret != 0 {
		if ret == ExcpHLT && env.InterruptRequest != 0 {
			// A halt raced an incoming interrupt; rearm and keep going.
			env.ExceptionIndex = ExcpNone
			env.Halted = false
			return false, 0
		}
		return true, ret
	}

	if executionLoop(env) {
		return true, 0
	}

	return false, 0
}
