// Package config describes a machine on disk: the guest architecture, its
// memory, and the ROM images to stage into it.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Machine struct {
	Version int    `yaml:"version"`
	Name    string `yaml:"name"`
	Arch    string `yaml:"arch"`

	MemoryMB uint64 `yaml:"memoryMB,omitempty"`
	MMUModes int    `yaml:"mmuModes,omitempty"`

	// CodeCacheMB sizes the translated-code region.
	CodeCacheMB uint64 `yaml:"codeCacheMB,omitempty"`

	// Singlestep enables single-instruction translation; NoIRQ masks
	// external interrupts while stepping.
	Singlestep struct {
		Enable bool `yaml:"enable,omitempty"`
		NoIRQ  bool `yaml:"noIRQ,omitempty"`
	} `yaml:"singlestep,omitempty"`

	ROMs []ROMImage `yaml:"roms,omitempty"`
}

type ROMImage struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
	Addr uint64 `yaml:"addr"`
}

func (m *Machine) normalize() {
	if m.Version == 0 {
		m.Version = 1
	}
	if m.MemoryMB == 0 {
		m.MemoryMB = 128
	}
	if m.MMUModes == 0 {
		m.MMUModes = 2
	}
	if m.CodeCacheMB == 0 {
		m.CodeCacheMB = 32
	}
}

func (m *Machine) validate() error {
	switch m.Arch {
	case "x86", "arm":
	case "":
		return fmt.Errorf("config: missing arch")
	default:
		return fmt.Errorf("config: unknown arch %q", m.Arch)
	}
	for _, r := range m.ROMs {
		if r.Name == "" || r.Path == "" {
			return fmt.Errorf("config: rom entries need a name and a path")
		}
	}
	return nil
}

// Parse decodes and validates a machine description.
func Parse(data []byte) (*Machine, error) {
	var m Machine
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	m.normalize()
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads and parses a machine description from path.
func Load(path string) (*Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}
