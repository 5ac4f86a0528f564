package softmmu

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/tinyrange/dbt/internal/instrument"
)

// MemOp describes one guest access: width in bytes, sign extension on load,
// and the access classification.
type MemOp struct {
	Size   int
	Signed bool
	Kind   AccessKind
}

// SlowPath handles everything the TLB fast path cannot: misses,
// misalignment, page crossing, MMIO dispatch, watchpoint firing and fault
// injection. Implementations may abandon the access entirely by unwinding
// through the CPU loop-exit mechanism.
type SlowPath interface {
	Load(addr uint64, op MemOp, mmuIdx int) uint64
	Store(addr uint64, val uint64, size int, mmuIdx int)
}

// MMU is the per-CPU soft-MMU: the TLB table plus the collaborators the
// fast path needs. MMUIndex supplies the current data-access mode for the
// accessors that do not name one explicitly.
type MMU struct {
	Table Table
	Slow  SlowPath
	Hooks *instrument.Hooks

	// MMUIndex returns the effective MMU mode of the current CPU state.
	MMUIndex func() int

	// pins keeps host page backings reachable while their addends are live
	// in the TLB.
	pins [][]byte
}

// NewMMU builds an MMU with mmuModes TLB modes.
func NewMMU(mmuModes int, slow SlowPath) *MMU {
	return &MMU{
		Table:    NewTable(mmuModes),
		Slow:     slow,
		MMUIndex: func() int { return 0 },
	}
}

// MapPage installs a translation and pins the host backing.
func (m *MMU) MapPage(mmuIdx int, vaddr uint64, host []byte, prot PageProt) {
	m.Table.SetPage(mmuIdx, vaddr, host, prot)
	m.pins = append(m.pins, host)
}

func hostBytes(addr uint64, addend uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr)+addend)), size)
}

func readHost(host []byte, size int) uint64 {
	switch size {
	case 1:
		return uint64(host[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(host))
	case 4:
		return uint64(binary.LittleEndian.Uint32(host))
	default:
		return binary.LittleEndian.Uint64(host)
	}
}

func writeHost(host []byte, val uint64, size int) {
	switch size {
	case 1:
		host[0] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(host, uint16(val))
	case 4:
		binary.LittleEndian.PutUint32(host, uint32(val))
	default:
		binary.LittleEndian.PutUint64(host, val)
	}
}

func signExtend(val uint64, size int) uint64 {
	switch size {
	case 1:
		return uint64(int64(int8(val)))
	case 2:
		return uint64(int64(int16(val)))
	case 4:
		return uint64(int64(int32(val)))
	default:
		return val
	}
}

// Load performs one guest load of op.Size bytes at ptr. The single key
// comparison checks page residency, direction and alignment at once; any
// mismatch routes the access to the slow path. The value is zero- or
// sign-extended to 64 bits.
func (m *MMU) Load(mmuIdx int, ptr uint64, op MemOp) uint64 {
	addr := ptr
	if op.Kind != AccessCode {
		m.Hooks.Before(ptr, 0, false)
		addr = m.Hooks.ConcretizeAddr(ptr, EntryInvalid)
	}

	e := &m.Table[mmuIdx][pageIndex(addr)]
	key := e.AddrRead
	if op.Kind == AccessCode {
		key = e.AddrCode
	}

	var res uint64
	if key != addr&(PageMask|uint64(op.Size-1)) {
		res = m.Slow.Load(addr, op, mmuIdx)
	} else {
		// The address is aligned to the access size, so the access cannot
		// overflow the page.
		res = readHost(hostBytes(addr, e.Addend, op.Size), op.Size)
		if op.Kind != AccessCode {
			m.Hooks.After(addr, res, 0)
		}
	}

	if op.Signed {
		res = signExtend(res, op.Size)
	}
	return res
}

// Store performs one guest store of size bytes at ptr.
func (m *MMU) Store(mmuIdx int, ptr uint64, val uint64, size int) {
	m.Hooks.Before(ptr, val, true)
	addr := m.Hooks.ConcretizeAddr(ptr, EntryInvalid)

	e := &m.Table[mmuIdx][pageIndex(addr)]
	if e.AddrWrite != addr&(PageMask|uint64(size-1)) {
		// The slow path owns the after-access notification on this route.
		m.Slow.Store(addr, val, size, mmuIdx)
		return
	}

	writeHost(hostBytes(addr, e.Addend, size), val, size)
	m.Hooks.After(addr, val, instrument.MemFlagWrite)
}

// Unsigned loads in the current data MMU mode.

func (m *MMU) LoadUB(ptr uint64) uint8 {
	return uint8(m.Load(m.MMUIndex(), ptr, MemOp{Size: 1}))
}

func (m *MMU) LoadUW(ptr uint64) uint16 {
	return uint16(m.Load(m.MMUIndex(), ptr, MemOp{Size: 2}))
}

func (m *MMU) LoadL(ptr uint64) uint32 {
	return uint32(m.Load(m.MMUIndex(), ptr, MemOp{Size: 4}))
}

func (m *MMU) LoadQ(ptr uint64) uint64 {
	return m.Load(m.MMUIndex(), ptr, MemOp{Size: 8})
}

// Sign-extending loads, defined for the sub-word widths only.

func (m *MMU) LoadSB(ptr uint64) int64 {
	return int64(m.Load(m.MMUIndex(), ptr, MemOp{Size: 1, Signed: true}))
}

func (m *MMU) LoadSW(ptr uint64) int64 {
	return int64(m.Load(m.MMUIndex(), ptr, MemOp{Size: 2, Signed: true}))
}

// Instruction-fetch loads. These use the code key and never fire the memory
// trace hooks.

func (m *MMU) LoadCodeUB(ptr uint64) uint8 {
	return uint8(m.Load(m.MMUIndex(), ptr, MemOp{Size: 1, Kind: AccessCode}))
}

func (m *MMU) LoadCodeUW(ptr uint64) uint16 {
	return uint16(m.Load(m.MMUIndex(), ptr, MemOp{Size: 2, Kind: AccessCode}))
}

func (m *MMU) LoadCodeL(ptr uint64) uint32 {
	return uint32(m.Load(m.MMUIndex(), ptr, MemOp{Size: 4, Kind: AccessCode}))
}

func (m *MMU) LoadCodeQ(ptr uint64) uint64 {
	return m.Load(m.MMUIndex(), ptr, MemOp{Size: 8, Kind: AccessCode})
}

// Stores in the current data MMU mode.

func (m *MMU) StoreB(ptr uint64, v uint8)  { m.Store(m.MMUIndex(), ptr, uint64(v), 1) }
func (m *MMU) StoreW(ptr uint64, v uint16) { m.Store(m.MMUIndex(), ptr, uint64(v), 2) }
func (m *MMU) StoreL(ptr uint64, v uint32) { m.Store(m.MMUIndex(), ptr, uint64(v), 4) }
func (m *MMU) StoreQ(ptr uint64, v uint64) { m.Store(m.MMUIndex(), ptr, v, 8) }

// Float views over the 4- and 8-byte integer paths.

func (m *MMU) LoadFL(ptr uint64) float32 {
	return math.Float32frombits(m.LoadL(ptr))
}

func (m *MMU) LoadFQ(ptr uint64) float64 {
	return math.Float64frombits(m.LoadQ(ptr))
}

func (m *MMU) StoreFL(ptr uint64, v float32) {
	m.StoreL(ptr, math.Float32bits(v))
}

func (m *MMU) StoreFQ(ptr uint64, v float64) {
	m.StoreQ(ptr, math.Float64bits(v))
}
