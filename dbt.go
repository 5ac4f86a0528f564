// Package dbt assembles the guest-execution core into a runnable machine: a
// virtual CPU with a soft-MMU over flat guest RAM, a translated-code cache,
// and a ROM map, driven block by block by the execution loop.
package dbt

import (
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/dbt/internal/config"
	"github.com/tinyrange/dbt/internal/cpu"
	"github.com/tinyrange/dbt/internal/instrument"
	"github.com/tinyrange/dbt/internal/rom"
	"github.com/tinyrange/dbt/internal/softmmu"
	"github.com/tinyrange/dbt/internal/tcache"
)

var (
	ErrNoArch      = errors.New("dbt: machine needs an architecture")
	ErrNoGenerator = errors.New("dbt: machine needs a code generator")
	ErrNoExecutor  = errors.New("dbt: machine needs a block executor")
)

// Options carries the collaborators a Machine is assembled from.
type Options struct {
	Arch      cpu.Arch
	Generator tcache.Generator
	Executor  cpu.TBExecutor

	// Hooks installs instrumentation; nil disables it.
	Hooks *instrument.Hooks

	// InstrExec replaces the native executor while instrumentation
	// reports non-concrete execution.
	InstrExec cpu.TBExecutor

	// SlowPath overrides the built-in flat-memory slow path.
	SlowPath softmmu.SlowPath

	// Fault is invoked when an access hits neither RAM nor a ROM image.
	// The default raises a loop exit with ExcpInterrupt.
	Fault func(env *cpu.Env, addr uint64, kind softmmu.AccessKind)

	// RAMBase places guest RAM; zero means address zero.
	RAMBase uint64
}

// Machine is one assembled virtual CPU with its memory and code cache.
type Machine struct {
	Config *config.Machine
	Env    *cpu.Env
	MMU    *softmmu.MMU
	Cache  *tcache.Cache
	ROMs   *rom.Map

	RAM     []byte
	ramBase uint64

	fault func(env *cpu.Env, addr uint64, kind softmmu.AccessKind)
}

// NewMachine assembles a machine from a parsed description.
func NewMachine(cfg *config.Machine, opts Options) (*Machine, error) {
	if opts.Arch == nil {
		return nil, ErrNoArch
	}
	if opts.Generator == nil {
		return nil, ErrNoGenerator
	}
	if opts.Executor == nil {
		return nil, ErrNoExecutor
	}

	region, err := tcache.NewCodeRegion(int(cfg.CodeCacheMB) << 20)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		Config:  cfg,
		Cache:   tcache.NewCache(opts.Generator, region),
		ROMs:    &rom.Map{},
		RAM:     make([]byte, cfg.MemoryMB<<20),
		ramBase: opts.RAMBase,
		fault:   opts.Fault,
	}
	if m.fault == nil {
		m.fault = func(env *cpu.Env, addr uint64, kind softmmu.AccessKind) {
			env.ExceptionIndex = cpu.ExcpInterrupt
			cpu.LoopExit(env)
		}
	}

	slow := opts.SlowPath
	if slow == nil {
		slow = &flatMemory{m: m}
	}
	m.MMU = softmmu.NewMMU(cfg.MMUModes, slow)
	m.MMU.Hooks = opts.Hooks
	m.MMU.MMUIndex = opts.Arch.MMUIndex

	env := &cpu.Env{
		Arch:           opts.Arch,
		MMU:            m.MMU,
		Cache:          m.Cache,
		Hooks:          opts.Hooks,
		ExceptionIndex: cpu.ExcpNone,
		KVMIRQ:         -1,
		Exec:           opts.Executor,
		InstrExec:      opts.InstrExec,
	}
	// Guest RAM is flat, so instruction-fetch pages translate one to one.
	env.GetPageAddrCode = func(vaddr uint64) uint64 { return vaddr }

	if cfg.Singlestep.Enable {
		env.SinglestepEnabled |= cpu.SstepEnable
	}
	if cfg.Singlestep.NoIRQ {
		env.SinglestepEnabled |= cpu.SstepNoIRQ
	}

	m.Env = env
	return m, nil
}

// LoadROMs stages the configured ROM images into the map and copies any
// RAM-resident image into guest memory.
func (m *Machine) LoadROMs() error {
	for _, img := range m.Config.ROMs {
		r, err := m.ROMs.AddFile(img.Name, img.Path, img.Addr)
		if err != nil {
			return err
		}
		m.stage(r)
	}
	return nil
}

// AddROM registers an in-memory image and stages it.
func (m *Machine) AddROM(name string, addr uint64, data []byte) {
	m.stage(m.ROMs.AddBlob(name, addr, data))
}

func (m *Machine) stage(r *rom.ROM) {
	if off, ok := m.ramOffset(r.Addr); ok {
		copy(m.RAM[off:], r.Data)
	}
}

// Run drives the CPU until an exit condition and returns the exit cause.
func (m *Machine) Run() int {
	return cpu.Exec(m.Env)
}

// Stats returns the block-lookup counters.
func (m *Machine) Stats() tcache.Stats {
	return m.Cache.Stats
}

// AddWatchpoint registers a data watchpoint and forces accesses to its page
// through the slow path.
func (m *Machine) AddWatchpoint(vaddr, length uint64, flags int) *cpu.Watchpoint {
	wp := &cpu.Watchpoint{Vaddr: vaddr, Len: length, Flags: flags}
	m.Env.Watchpoints = append(m.Env.Watchpoints, wp)
	for page := vaddr & softmmu.PageMask; page < vaddr+length; page += softmmu.PageSize {
		m.MMU.Table.FlushPage(page)
	}
	return wp
}

// Close releases the code cache mapping.
func (m *Machine) Close() error {
	if region := m.Cache.Region(); region != nil {
		return region.Close()
	}
	return nil
}

func (m *Machine) ramOffset(addr uint64) (uint64, bool) {
	if addr < m.ramBase || addr >= m.ramBase+uint64(len(m.RAM)) {
		return 0, false
	}
	return addr - m.ramBase, true
}

// ReadAt reads guest physical memory, RAM first and ROM images second.
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	if o, ok := m.ramOffset(uint64(off)); ok {
		return copy(p, m.RAM[o:]), nil
	}
	if data := m.ROMs.Ptr(uint64(off)); data != nil {
		return copy(p, data), nil
	}
	return 0, io.EOF
}

// WriteAt writes guest physical RAM.
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	o, ok := m.ramOffset(uint64(off))
	if !ok {
		return 0, fmt.Errorf("dbt: write outside RAM at %#x", off)
	}
	return copy(m.RAM[o:], p), nil
}

var (
	_ io.ReaderAt = (*Machine)(nil)
	_ io.WriterAt = (*Machine)(nil)
)
