// Package vmgenid implements the host side of the VM generation ID device:
// a 16-byte buffer in guest memory plus an interrupt raised on every change.
package vmgenid

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/tinyrange/vmgenid/internal/acpi"
	"github.com/tinyrange/vmgenid/internal/chipset"
	"github.com/tinyrange/vmgenid/internal/fdt"
	"github.com/tinyrange/vmgenid/internal/genid"
)

// Size of the generation ID buffer.
const Size = genid.GUIDSize

// Config describes where the device lives.
type Config struct {
	// Address of the buffer in guest-physical memory; 8-byte aligned.
	Address uint64
	IRQ     uint32
	Line    chipset.LineInterrupt
	// GIC selects three-cell (type, number, flags) devicetree interrupts.
	GIC bool
	// Initial is the first generation ID. A random one is used when nil.
	Initial *genid.GUID
}

// Device owns the generation ID buffer.
type Device struct {
	mu sync.Mutex

	mem  io.WriterAt
	addr uint64
	irq  uint32
	gic  bool
	line chipset.LineInterrupt

	current genid.GUID
}

// New writes the initial generation ID into mem. No interrupt is raised.
func New(mem io.WriterAt, cfg Config) (*Device, error) {
	if mem == nil {
		return nil, fmt.Errorf("vmgenid: nil guest memory")
	}
	if cfg.Address == 0 || cfg.Address%8 != 0 {
		return nil, fmt.Errorf("vmgenid: buffer address %#x must be non-zero and 8-byte aligned", cfg.Address)
	}
	line := cfg.Line
	if line == nil {
		line = chipset.LineInterruptDetached()
	}

	d := &Device{
		mem:  mem,
		addr: cfg.Address,
		irq:  cfg.IRQ,
		gic:  cfg.GIC,
		line: line,
	}

	initial := cfg.Initial
	if initial == nil {
		g, err := randomGUID()
		if err != nil {
			return nil, err
		}
		initial = &g
	}
	if err := d.write(initial[:], 0); err != nil {
		return nil, err
	}
	d.current = *initial
	return d, nil
}

func randomGUID() (genid.GUID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return genid.GUID{}, fmt.Errorf("vmgenid: generate id: %w", err)
	}
	return genid.GUID(u), nil
}

func (d *Device) write(p []byte, off uint64) error {
	if _, err := d.mem.WriteAt(p, int64(d.addr+off)); err != nil {
		return fmt.Errorf("vmgenid: write buffer: %w", err)
	}
	return nil
}

// Generate stores a fresh random generation ID and notifies the guest.
func (d *Device) Generate() (genid.GUID, error) {
	g, err := randomGUID()
	if err != nil {
		return genid.GUID{}, err
	}
	return g, d.Set(g)
}

// Set stores g and notifies the guest.
func (d *Device) Set(g genid.GUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.write(g[:], 0); err != nil {
		return err
	}
	d.current = g
	d.line.PulseInterrupt()
	return nil
}

// SetTorn stores g in two writes split at byte split, raising the
// interrupt after each one, as a host whose notification races its own
// update would.
func (d *Device) SetTorn(g genid.GUID, split int) error {
	if split <= 0 || split >= Size {
		return fmt.Errorf("vmgenid: split %d outside 1..%d", split, Size-1)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.write(g[:split], 0); err != nil {
		return err
	}
	d.line.PulseInterrupt()
	if err := d.write(g[split:], uint64(split)); err != nil {
		return err
	}
	d.current = g
	d.line.PulseInterrupt()
	return nil
}

// Current returns the last generation ID written.
func (d *Device) Current() genid.GUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

func (d *Device) Address() uint64 { return d.addr }
func (d *Device) IRQ() uint32     { return d.irq }

// DeviceTreeNode describes the device for a parent with two address cells
// and two size cells.
func (d *Device) DeviceTreeNode() fdt.Node {
	interrupts := []uint32{d.irq}
	if d.gic {
		// SPI, edge rising
		interrupts = []uint32{0, d.irq, 1}
	}
	return fdt.Node{
		Name: fmt.Sprintf("vmgenid@%x", d.addr),
		Properties: map[string]fdt.Property{
			"compatible": {Strings: []string{genid.CompatibleID}},
			"reg":        {U64: []uint64{d.addr, Size}},
			"interrupts": {U32: interrupts},
		},
	}
}

// ACPIDevice describes the device for the DSDT.
func (d *Device) ACPIDevice() acpi.VMGenIDDevice {
	return acpi.VMGenIDDevice{Address: d.addr, GSI: d.irq}
}
