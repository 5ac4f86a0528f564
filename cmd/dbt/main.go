// Command dbt validates a machine description and stages its ROM images,
// reporting the resulting guest memory map.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/dbt/internal/config"
	"github.com/tinyrange/dbt/internal/debug"
	"github.com/tinyrange/dbt/internal/rom"
)

func stageROM(roms *rom.Map, img config.ROMImage) (*rom.ROM, error) {
	f, err := os.Open(img.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", img.Name, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	bar := progressbar.DefaultBytes(fi.Size(), img.Name)
	defer bar.Close()

	data := make([]byte, 0, fi.Size())
	buf := make([]byte, 1<<20)
	for {
		n, err := f.Read(buf)
		data = append(data, buf[:n]...)
		_ = bar.Add(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", img.Name, err)
		}
	}

	r := roms.AddBlob(img.Name, img.Addr, data)
	r.Path = img.Path
	return r, nil
}

func run() error {
	cfgPath := flag.String("config", "machine.yaml", "machine description to load")
	logPath := flag.String("log", "", "write an execution trace log to this file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}

	if *logPath != "" {
		if err := debug.OpenFile(*logPath); err != nil {
			return err
		}
		defer debug.Close()
	}

	fmt.Printf("machine %q arch=%s memory=%dMB mmuModes=%d codeCache=%dMB\n",
		cfg.Name, cfg.Arch, cfg.MemoryMB, cfg.MMUModes, cfg.CodeCacheMB)

	roms := &rom.Map{}
	for _, img := range cfg.ROMs {
		r, err := stageROM(roms, img)
		if err != nil {
			return err
		}
		fmt.Printf("  rom %-16s %#010x-%#010x (%d bytes)\n",
			r.Name, r.Addr, r.Addr+r.Size, r.Size)
	}

	if len(cfg.ROMs) == 0 {
		fmt.Println("  no rom images configured")
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "dbt:", err)
		os.Exit(1)
	}
}
