package rom

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestFindInclusiveBounds(t *testing.T) {
	m := &Map{}
	r := m.AddBlob("boot", 0x1000, make([]byte, 0x100))

	if m.Find(0xfff) != nil {
		t.Fatal("below the image must not match")
	}
	if m.Find(0x1000) != r {
		t.Fatal("the first byte must match")
	}
	if m.Find(0x10ff) != r {
		t.Fatal("the last byte must match")
	}
	// The upper bound is inclusive: addr == base+size still matches.
	if m.Find(0x1100) != r {
		t.Fatal("the byte at base+size matches")
	}
	if m.Find(0x1101) != nil {
		t.Fatal("past base+size must not match")
	}
}

func TestFindSkipsFirmwareRecords(t *testing.T) {
	m := &Map{}
	fw := &ROM{Name: "fw", Addr: 0x1000, Size: 0x100, FWFile: "bios.bin"}
	m.Add(fw)
	plain := m.AddBlob("plain", 0x1000, make([]byte, 0x100))

	if got := m.Find(0x1000); got != plain {
		t.Fatalf("firmware-interface records are invisible to address lookup, got %v", got)
	}
}

func TestFindFirstMatchWins(t *testing.T) {
	m := &Map{}
	first := m.AddBlob("a", 0x1000, make([]byte, 0x200))
	m.AddBlob("b", 0x1100, make([]byte, 0x200))

	if m.Find(0x1100) != first {
		t.Fatal("the first registered record covering the address wins")
	}
}

func TestPtr(t *testing.T) {
	m := &Map{}
	data := []byte{0xde, 0xad, 0xbe, 0xef}
	m.AddBlob("blob", 0x2000, data)

	got := m.Ptr(0x2002)
	if len(got) < 2 || got[0] != 0xbe || got[1] != 0xef {
		t.Fatalf("Ptr(0x2002) = % x", got)
	}
	if m.Ptr(0x3000) != nil {
		t.Fatal("Ptr outside any image must be nil")
	}
}

func TestAddFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")
	content := []byte("guest firmware image")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	m := &Map{}
	r, err := m.AddFile("image", path, 0x4000)
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if r.Size != uint64(len(content)) || !bytes.Equal(r.Data, content) {
		t.Fatalf("loaded %d bytes", r.Size)
	}
	if r.Path != path {
		t.Fatalf("Path = %q", r.Path)
	}

	if _, err := m.AddFile("missing", filepath.Join(dir, "nope"), 0); err == nil {
		t.Fatal("missing files must error")
	}
}
