package cpu

import "github.com/tinyrange/dbt/internal/debug"

// processInterruptRequest drains pending interrupts before the next block
// fetch. DEBUG is serviced here for every architecture; the rest of the
// priority ladder belongs to the Arch implementation. Returns true when an
// interrupt was serviced, so the loop drops its chaining state.
func processInterruptRequest(env *Env) bool {
	pending := env.InterruptRequest
	if pending == 0 {
		return false
	}

	if debug.Enabled() {
		trace.Writef("process_interrupt intrq=%#x", pending)
	}

	if env.SinglestepEnabled&SstepNoIRQ != 0 {
		// Mask out external interrupts for this step.
		pending &^= InterruptSstepMask
	}

	if pending&InterruptDebug != 0 {
		env.InterruptRequest &^= InterruptDebug
		env.ExceptionIndex = ExcpDebug
		LoopExit(env)
	}

	hasInterrupt := env.Arch.ProcessInterrupts(env, pending)

	// Don't use the cached request value here: delivery may have raised
	// the EXITTB flag.
	if env.InterruptRequest&InterruptExitTB != 0 {
		env.InterruptRequest &^= InterruptExitTB
		hasInterrupt = true
	}

	return hasInterrupt
}

// handleDebugException clears stale watchpoint hit flags and hands the
// exception to the installed sink.
func handleDebugException(env *Env) {
	if env.WatchpointHit == nil {
		for _, wp := range env.Watchpoints {
			wp.Flags &^= BPWatchpointHit
		}
	}
	if env.debugExcpHandler != nil {
		env.debugExcpHandler(env)
	}
}
