package dbt

import (
	"github.com/tinyrange/dbt/internal/cpu"
	"github.com/tinyrange/dbt/internal/instrument"
	"github.com/tinyrange/dbt/internal/softmmu"
)

// flatMemory is the built-in soft-MMU slow path over flat guest RAM plus
// the ROM map. It handles what the TLB fast path cannot: misaligned and
// page-crossing accesses, watchpoint firing, ROM write suppression, and
// fault injection, and it refills the TLB for plain RAM pages so the next
// access takes the fast path.
type flatMemory struct {
	m *Machine
}

var _ softmmu.SlowPath = (*flatMemory)(nil)

func (f *flatMemory) Load(addr uint64, op softmmu.MemOp, mmuIdx int) uint64 {
	if op.Kind != softmmu.AccessCode {
		f.checkWatchpoints(addr, uint64(op.Size), cpu.BPMemRead)
	}

	var res uint64
	for i := 0; i < op.Size; i++ {
		b, ok := f.byteAt(addr + uint64(i))
		if !ok {
			f.m.fault(f.m.Env, addr, op.Kind)
			return 0
		}
		res |= uint64(b) << (8 * i)
	}

	f.refill(addr, uint64(op.Size), mmuIdx)

	if op.Kind != softmmu.AccessCode {
		f.m.MMU.Hooks.After(addr, res, 0)
	}
	return res
}

func (f *flatMemory) Store(addr uint64, val uint64, size int, mmuIdx int) {
	f.checkWatchpoints(addr, uint64(size), cpu.BPMemWrite)

	if r := f.m.ROMs.Find(addr); r != nil && r.IsROM {
		// Writes to ROM are silently discarded.
		return
	}

	for i := 0; i < size; i++ {
		off, ok := f.m.ramOffset(addr + uint64(i))
		if !ok {
			f.m.fault(f.m.Env, addr, softmmu.AccessWrite)
			return
		}
		f.m.RAM[off] = byte(val >> (8 * i))
	}

	f.refill(addr, uint64(size), mmuIdx)

	f.m.MMU.Hooks.After(addr, val, instrument.MemFlagWrite)
}

func (f *flatMemory) byteAt(addr uint64) (byte, bool) {
	if off, ok := f.m.ramOffset(addr); ok {
		return f.m.RAM[off], true
	}
	if data := f.m.ROMs.Ptr(addr); len(data) > 0 {
		return data[0], true
	}
	return 0, false
}

// refill installs the accessed page(s) into the TLB when they are plain RAM
// with no watchpoints, so the fast path serves the next access.
func (f *flatMemory) refill(addr, size uint64, mmuIdx int) {
	for page := addr & softmmu.PageMask; page < addr+size; page += softmmu.PageSize {
		off, ok := f.m.ramOffset(page)
		if !ok || off+softmmu.PageSize > uint64(len(f.m.RAM)) {
			continue
		}
		if f.pageWatched(page) {
			continue
		}
		hasROM := false
		for _, r := range f.m.ROMs.All() {
			if r.IsROM && r.FWFile == "" && r.Addr < page+softmmu.PageSize && r.Addr+r.Size >= page {
				hasROM = true
			}
		}
		if hasROM {
			continue
		}
		f.m.MMU.MapPage(mmuIdx, page, f.m.RAM[off:off+softmmu.PageSize],
			softmmu.PageRead|softmmu.PageWrite|softmmu.PageExec)
	}
}

func (f *flatMemory) pageWatched(page uint64) bool {
	for _, wp := range f.m.Env.Watchpoints {
		if wp.Vaddr+wp.Len > page && wp.Vaddr < page+softmmu.PageSize {
			return true
		}
	}
	return false
}

func (f *flatMemory) checkWatchpoints(addr, size uint64, kind int) {
	env := f.m.Env
	for _, wp := range env.Watchpoints {
		if wp.Flags&kind == 0 {
			continue
		}
		if addr+size <= wp.Vaddr || addr >= wp.Vaddr+wp.Len {
			continue
		}
		wp.Flags |= cpu.BPWatchpointHit
		env.WatchpointHit = wp
		env.ExceptionIndex = cpu.ExcpDebug
		cpu.LoopExit(env)
	}
}
