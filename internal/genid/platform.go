package genid

import (
	"fmt"
	"sort"

	"github.com/tinyrange/vmgenid/internal/acpi"
	"github.com/tinyrange/vmgenid/internal/fdt"
)

// DeviceTree finds the generation ID device in a flattened devicetree.
type DeviceTree struct {
	Root fdt.Node
}

// ParseDeviceTree parses a devicetree blob.
func ParseDeviceTree(blob []byte) (*DeviceTree, error) {
	root, err := fdt.Parse(blob)
	if err != nil {
		return nil, fmt.Errorf("genid: %w", err)
	}
	return &DeviceTree{Root: root}, nil
}

// FindDevice implements Description.
func (d *DeviceTree) FindDevice() (DeviceRecord, error) {
	parents := make(map[*fdt.Node]*fdt.Node)
	var node *fdt.Node
	d.Root.Visit(func(cur, parent *fdt.Node) bool {
		parents[cur] = parent
		if node == nil && cur.Compatible(CompatibleID) {
			node = cur
		}
		return true
	})
	if node == nil {
		return DeviceRecord{}, ErrMissingDescriptor
	}

	record := DeviceRecord{
		Compatible: node.Properties["compatible"].StringList(),
		Properties: []string{"name"},
	}
	names := make([]string, 0, len(node.Properties))
	for name := range node.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	record.Properties = append(record.Properties, names...)

	if prop, ok := node.Properties["reg"]; ok {
		addressCells, sizeCells := uint32(2), uint32(1)
		if parent := parents[node]; parent != nil {
			if v, ok := parent.Cell("#address-cells"); ok {
				addressCells = v
			}
			if v, ok := parent.Cell("#size-cells"); ok {
				sizeCells = v
			}
		}
		reg, err := fdt.DecodeReg(prop, addressCells, sizeCells)
		if err != nil {
			return DeviceRecord{}, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
		}
		record.Reg = reg
	}

	if prop, ok := node.Properties["interrupts"]; ok {
		cells, err := prop.Cells()
		if err != nil {
			return DeviceRecord{}, fmt.Errorf("%w: interrupts: %w", ErrInvalidDescriptor, err)
		}
		n := len(cells)
		if v, ok := d.interruptCells(node, parents); ok && v > 0 {
			n = int(v)
		}
		if n == 0 || len(cells)%n != 0 {
			return DeviceRecord{}, invalidf("interrupts has %d cells, want a multiple of %d", len(cells), n)
		}
		for i := 0; i < len(cells); i += n {
			record.Interrupts = append(record.Interrupts, cells[i:i+n])
		}
	}

	return record, nil
}

// interruptCells finds #interrupt-cells of the node's interrupt parent:
// the nearest interrupt-parent phandle, or failing that the nearest
// ancestor declaring #interrupt-cells.
func (d *DeviceTree) interruptCells(node *fdt.Node, parents map[*fdt.Node]*fdt.Node) (uint32, bool) {
	for cur := node; cur != nil; cur = parents[cur] {
		handle, ok := cur.Cell("interrupt-parent")
		if !ok {
			continue
		}
		var cells uint32
		var found bool
		d.Root.Visit(func(n, _ *fdt.Node) bool {
			if v, ok := n.Cell("phandle"); ok && v == handle {
				cells, found = n.Cell("#interrupt-cells")
				return false
			}
			return true
		})
		return cells, found
	}
	for cur := parents[node]; cur != nil; cur = parents[cur] {
		if v, ok := cur.Cell("#interrupt-cells"); ok {
			return v, true
		}
	}
	return 0, false
}

// ACPITable finds the generation ID device in a DSDT or SSDT.
type ACPITable struct {
	Table []byte
}

// acpiNames maps object names declared in the device to the record's
// property names. An empty mapping marks names with no descriptor meaning.
var acpiNames = map[string]string{
	"_HID": "compatible",
	"_CID": "compatible",
	"ADDR": "reg",
	"_DDN": "",
	"_UID": "",
	"_STA": "",
	"_ADR": "",
}

// FindDevice implements Description.
func (a ACPITable) FindDevice() (DeviceRecord, error) {
	dev, ok, err := acpi.FindDevice(a.Table, acpi.Device.IsVMGenID)
	if err != nil {
		return DeviceRecord{}, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}
	if !ok {
		return DeviceRecord{}, ErrMissingDescriptor
	}

	var record DeviceRecord
	for _, id := range []string{dev.HID, dev.CID} {
		if id != "" {
			record.Compatible = append(record.Compatible, id)
		}
	}

	seen := make(map[string]bool)
	addProperty := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			record.Properties = append(record.Properties, name)
		}
	}
	for _, name := range dev.Names {
		if name == "_CRS" {
			if len(dev.Memory) > 0 {
				addProperty("reg")
			}
			if len(dev.Interrupts) > 0 {
				addProperty("interrupts")
			}
			continue
		}
		mapped, known := acpiNames[name]
		if !known {
			mapped = name
		}
		addProperty(mapped)
	}

	for _, mem := range dev.Memory {
		record.Reg = append(record.Reg, Range{Address: mem.Address, Size: mem.Length})
	}
	if dev.HasAddr {
		record.Reg = append(record.Reg, Range{Address: dev.Addr, Size: GUIDSize})
	}
	for _, irq := range dev.Interrupts {
		record.Interrupts = append(record.Interrupts, []uint32{irq})
	}
	return record, nil
}
