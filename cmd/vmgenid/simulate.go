package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyrange/vmgenid/internal/acpi"
	"github.com/tinyrange/vmgenid/internal/chipset"
	"github.com/tinyrange/vmgenid/internal/config"
	"github.com/tinyrange/vmgenid/internal/devices/vmgenid"
	"github.com/tinyrange/vmgenid/internal/fdt"
	"github.com/tinyrange/vmgenid/internal/genid"
	"github.com/tinyrange/vmgenid/internal/physmem"
)

const (
	simMemorySize = 2 << 20
	simBufferAddr = 0xa2000
	simIRQ        = genid.DefaultMinInterrupt
)

// simulation is an in-process VMM exposing a generation ID device.
type simulation struct {
	mem    *physmem.Memory
	lines  *chipset.LineSet
	device *vmgenid.Device

	description genid.Description
}

func newSimulation(cfg config.Config) (*simulation, error) {
	mem := physmem.NewMemory(0, simMemorySize)
	lines := chipset.NewLineSet(genid.DefaultMinInterrupt, genid.DefaultMaxInterrupt)
	line, err := lines.AllocateLine(simIRQ)
	if err != nil {
		return nil, err
	}
	device, err := vmgenid.New(mem, vmgenid.Config{Address: simBufferAddr, IRQ: simIRQ, Line: line})
	if err != nil {
		return nil, err
	}

	s := &simulation{mem: mem, lines: lines, device: device}
	switch cfg.Platform.Source {
	case config.PlatformACPI:
		s.description, err = s.installACPI()
	default:
		s.description, err = s.buildDeviceTree()
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *simulation) buildDeviceTree() (genid.Description, error) {
	blob, err := fdt.Build(fdt.Node{
		Properties: map[string]fdt.Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
			"compatible":     {Strings: []string{"tinyrange,vmgenid-sim"}},
		},
		Children: []fdt.Node{
			{Name: "chosen"},
			s.device.DeviceTreeNode(),
		},
	})
	if err != nil {
		return nil, err
	}
	return genid.ParseDeviceTree(blob)
}

// installACPI writes the DSDT into guest memory and reads it back the way
// a guest would.
func (s *simulation) installACPI() (genid.Description, error) {
	dev := s.device.ACPIDevice()
	addr, err := acpi.Install(s.mem, acpi.Config{VMGenID: &dev})
	if err != nil {
		return nil, err
	}
	var header [8]byte
	if _, err := s.mem.ReadAt(header[:], int64(addr)); err != nil {
		return nil, err
	}
	table := make([]byte, binary.LittleEndian.Uint32(header[4:8]))
	if _, err := s.mem.ReadAt(table, int64(addr)); err != nil {
		return nil, fmt.Errorf("read dsdt: %w", err)
	}
	return genid.ACPITable{Table: table}, nil
}

func (s *simulation) platform() guestPlatform {
	return guestPlatform{
		description:        s.description,
		mapper:             s.mem,
		interrupts:         s.lines,
		interruptAvailable: s.lines.Available,
	}
}

// run changes the generation ID every interval until ctx is done.
func (s *simulation) run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("simulation interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("simulated vmm running", "buffer", fmt.Sprintf("%#x", s.device.Address()), "irq", s.device.IRQ(), "guid", s.device.Current().String())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			guid, err := s.device.Generate()
			if err != nil {
				return err
			}
			slog.Debug("simulated restore", "guid", guid.String())
		}
	}
}
