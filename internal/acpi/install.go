package acpi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// VMGenIDSize is the size of the generation ID buffer a DSDT entry describes.
const VMGenIDSize = 16

// BuildDSDT returns the DSDT for cfg, laid out at cfg.TablesBase.
func BuildDSDT(cfg Config) ([]byte, error) {
	cfg.normalize()

	body, err := buildDSDTBody(cfg)
	if err != nil {
		return nil, err
	}
	writer := newTableWriter(cfg.TablesBase, cfg.OEM)
	writer.Append(tableParams{
		Signature:  sig("DSDT"),
		Revision:   2,
		OEMTableID: tableID("TINYRDSD"),
		Body:       body,
	})
	return writer.Bytes(), nil
}

// Install writes the DSDT into guest memory and returns its address.
func Install(mem io.WriterAt, cfg Config) (uint64, error) {
	cfg.normalize()

	tables, err := BuildDSDT(cfg)
	if err != nil {
		return 0, err
	}
	if uint64(len(tables)) > cfg.TablesSize {
		return 0, fmt.Errorf("acpi: tables require %d bytes, region only %d bytes", len(tables), cfg.TablesSize)
	}
	if _, err := mem.WriteAt(tables, int64(cfg.TablesBase)); err != nil {
		return 0, fmt.Errorf("acpi: write tables: %w", err)
	}
	return cfg.TablesBase, nil
}

func buildDSDTBody(cfg Config) ([]byte, error) {
	// Scope (\_SB) {
	//   Device (VGEN) {
	//     Name (_HID, "QEMUVGID")
	//     Name (_CID, "VM_GEN_COUNTER")
	//     Name (_DDN, "VM_GEN_COUNTER")
	//     Name (_CRS, ResourceTemplate { Memory32Fixed (ReadOnly, addr, 16); Interrupt (GSI) })
	//   }
	// }
	// Buffers above 4GiB are described by Name (ADDR, Package { low, high })
	// with the interrupt alone in _CRS.
	scope := bytes.Buffer{}
	scope.WriteString(`\_SB_`)

	if dev := cfg.VMGenID; dev != nil {
		encoded, err := vmgenidDevice(*dev)
		if err != nil {
			return nil, err
		}
		scope.Write(encoded)
	}

	return wrapPkg(opScope, 0, scope.Bytes()), nil
}

func vmgenidDevice(dev VMGenIDDevice) ([]byte, error) {
	if len(dev.Name) != 4 {
		return nil, fmt.Errorf("acpi: device name %q must be 4 characters", dev.Name)
	}
	if dev.Address == 0 {
		return nil, fmt.Errorf("acpi: vmgenid device has no buffer address")
	}

	body := bytes.Buffer{}
	body.WriteString(dev.Name)
	nameString(&body, "_HID", VMGenIDHardwareID)
	nameString(&body, "_CID", VMGenIDCompatibleID)
	nameString(&body, "_DDN", VMGenIDCompatibleID)

	template := bytes.Buffer{}
	if dev.Address+VMGenIDSize <= 1<<32 {
		memory32Fixed(&template, false, uint32(dev.Address), VMGenIDSize)
	} else {
		body.WriteByte(opName)
		body.WriteString("ADDR")
		body.Write(packageOf(
			dwordConst(uint32(dev.Address)),
			dwordConst(uint32(dev.Address>>32)),
		))
	}
	extendedInterrupt(&template, dev.GSI)
	template.Write([]byte{resourceEndTag, 0x00})

	body.WriteByte(opName)
	body.WriteString("_CRS")
	body.Write(bufferOf(template.Bytes()))

	return wrapPkg(extOpPrefix, extOpDevice, body.Bytes()), nil
}

func nameString(buf *bytes.Buffer, name, value string) {
	buf.WriteByte(opName)
	buf.WriteString(name)
	buf.WriteByte(prefixString)
	buf.WriteString(value)
	buf.WriteByte(0x00)
}

func memory32Fixed(buf *bytes.Buffer, writable bool, base, length uint32) {
	buf.WriteByte(resourceMemory32Fixed)
	binary.Write(buf, binary.LittleEndian, uint16(9))
	if writable {
		buf.WriteByte(0x01)
	} else {
		buf.WriteByte(0x00)
	}
	binary.Write(buf, binary.LittleEndian, base)
	binary.Write(buf, binary.LittleEndian, length)
}

func extendedInterrupt(buf *bytes.Buffer, gsi uint32) {
	buf.WriteByte(resourceExtendedInterrupt)
	binary.Write(buf, binary.LittleEndian, uint16(6))
	buf.WriteByte(0x03) // consumer, edge, active-high, exclusive
	buf.WriteByte(0x01) // interrupt count
	binary.Write(buf, binary.LittleEndian, gsi)
}

func dwordConst(v uint32) []byte {
	out := []byte{prefixDWord}
	return binary.LittleEndian.AppendUint32(out, v)
}

func bufferOf(data []byte) []byte {
	body := bytes.Buffer{}
	body.WriteByte(prefixByte)
	body.WriteByte(byte(len(data)))
	body.Write(data)
	return wrapPkg(opBuffer, 0, body.Bytes())
}

func packageOf(elements ...[]byte) []byte {
	body := bytes.Buffer{}
	body.WriteByte(byte(len(elements)))
	for _, el := range elements {
		body.Write(el)
	}
	return wrapPkg(opPackage, 0, body.Bytes())
}

// wrapPkg emits an AML opcode with a computed PkgLength and body.
func wrapPkg(opcode byte, opcode2 byte, body []byte) []byte {
	var out bytes.Buffer
	out.WriteByte(opcode)
	if opcode2 != 0x00 {
		out.WriteByte(opcode2)
	}
	out.Write(pkgLength(len(body)))
	out.Write(body)
	return out.Bytes()
}

// pkgLength encodes an AML PkgLength. The encoded value counts the
// PkgLength bytes themselves plus the body.
func pkgLength(bodyLen int) []byte {
	if bodyLen+1 < 0x40 {
		return []byte{byte(bodyLen + 1)}
	}
	for n := 2; n <= 4; n++ {
		total := bodyLen + n
		if total >= 1<<(4+8*(n-1)) {
			continue
		}
		out := make([]byte, n)
		out[0] = byte(n-1)<<6 | byte(total&0x0F)
		for i := 1; i < n; i++ {
			out[i] = byte(total >> (4 + 8*(i-1)))
		}
		return out
	}
	panic(fmt.Sprintf("acpi: package length %d too large", bodyLen))
}
