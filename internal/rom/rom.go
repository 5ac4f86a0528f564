// Package rom keeps the flat map of ROM images loaded into guest physical
// memory, with point lookup by address.
package rom

import (
	"fmt"
	"os"
)

// ROM is one loaded image. Records with a firmware file name are visible to
// the firmware interface only and are skipped by address lookup.
type ROM struct {
	Name string
	Path string
	Size uint64
	Data []byte

	IsROM  bool
	FWDir  string
	FWFile string

	Addr uint64
}

// Map is the ordered list of ROM records.
type Map struct {
	roms []*ROM
}

// Add appends a record.
func (m *Map) Add(r *ROM) {
	m.roms = append(m.roms, r)
}

// AddBlob registers an in-memory image at addr.
func (m *Map) AddBlob(name string, addr uint64, data []byte) *ROM {
	r := &ROM{
		Name:  name,
		Size:  uint64(len(data)),
		Data:  data,
		IsROM: true,
		Addr:  addr,
	}
	m.Add(r)
	return r
}

// AddFile reads path and registers its contents at addr.
func (m *Map) AddFile(name, path string, addr uint64) (*ROM, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rom: load %s: %w", name, err)
	}
	r := m.AddBlob(name, addr, data)
	r.Path = path
	return r, nil
}

// Find returns the first record covering addr, or nil. The upper bound is
// inclusive: the byte at addr+size still matches.
func (m *Map) Find(addr uint64) *ROM {
	for _, r := range m.roms {
		if r.FWFile != "" {
			continue
		}
		if r.Addr > addr {
			continue
		}
		if r.Addr+r.Size < addr {
			continue
		}
		return r
	}
	return nil
}

// Ptr returns the image bytes starting at addr, or nil when no record
// covers it.
func (m *Map) Ptr(addr uint64) []byte {
	r := m.Find(addr)
	if r == nil || r.Data == nil {
		return nil
	}
	return r.Data[addr-r.Addr:]
}

// All returns the records in registration order.
func (m *Map) All() []*ROM {
	return append([]*ROM(nil), m.roms...)
}
