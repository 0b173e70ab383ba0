package acpi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

// AML opcodes and prefixes understood by the encoder and FindDevice.
const (
	opZero       = 0x00
	opOne        = 0x01
	opName       = 0x08
	prefixByte   = 0x0A
	prefixWord   = 0x0B
	prefixDWord  = 0x0C
	prefixString = 0x0D
	prefixQWord  = 0x0E
	opScope      = 0x10
	opBuffer     = 0x11
	opPackage    = 0x12
	opMethod     = 0x14
	opIf         = 0xA0
	opElse       = 0xA1
	opOnes       = 0xFF

	extOpPrefix      = 0x5B
	extOpField       = 0x81
	extOpDevice      = 0x82
	extOpProcessor   = 0x83
	extOpPowerRes    = 0x84
	extOpThermalZone = 0x85

	dualNamePrefix  = 0x2E
	multiNamePrefix = 0x2F
	rootChar        = '\\'
	parentChar      = '^'
)

// Resource descriptor tags.
const (
	resourceIRQ               = 0x04 // small item type
	resourceEnd               = 0x0F // small item type
	resourceEndTag            = 0x79
	resourceMemory32Fixed     = 0x86
	resourceExtendedInterrupt = 0x89
	resourceQWordAddress      = 0x8A
)

// MemoryRange is a memory resource decoded from _CRS.
type MemoryRange struct {
	Address  uint64
	Length   uint64
	Writable bool
}

// Device is a Device() object found in a DSDT/SSDT.
type Device struct {
	Path string // fully qualified, e.g. \_SB_.VGEN

	HID string
	CID string

	// Names lists every object name declared directly in the device.
	Names []string

	Memory     []MemoryRange
	Interrupts []uint32

	// Addr holds the ADDR package (low, high) when the device declares one.
	Addr    uint64
	HasAddr bool
}

// IsVMGenID reports whether the device is a VM generation counter.
func (d Device) IsVMGenID() bool {
	for _, id := range []string{d.HID, d.CID} {
		switch strings.ToUpper(id) {
		case VMGenIDCompatibleID, "VMGENCTR", VMGenIDHardwareID:
			return true
		}
	}
	return false
}

// FindDevice walks the AML of a definition block and returns the first
// device accepted by match. Only the declarative subset of AML emitted by
// firmware for simple devices is decoded: Scope, Device, Name and data
// objects. Methods, fields and conditionals are skipped; any other opcode
// stops the walk with an error.
func FindDevice(table []byte, match func(Device) bool) (Device, bool, error) {
	_, body, err := ParseTable(table)
	if err != nil {
		return Device{}, false, err
	}
	d := &amlDecoder{data: body, match: match}
	if err := d.termList(0, len(body), `\`); err != nil {
		if errors.Is(err, errFound) {
			return d.found, true, nil
		}
		return Device{}, false, err
	}
	return Device{}, false, nil
}

var errFound = errors.New("acpi: device found")

type amlDecoder struct {
	data  []byte
	match func(Device) bool
	found Device
}

func (d *amlDecoder) errorf(off int, format string, args ...any) error {
	return fmt.Errorf("acpi: aml offset %d: %s", off, fmt.Sprintf(format, args...))
}

// termList decodes the objects in data[off:end].
func (d *amlDecoder) termList(off, end int, scope string) error {
	for off < end {
		next, err := d.term(off, end, scope, nil)
		if err != nil {
			return err
		}
		off = next
	}
	return nil
}

func (d *amlDecoder) term(off, end int, scope string, dev *Device) (int, error) {
	op := d.data[off]
	switch {
	case op == opScope:
		bodyStart, bodyEnd, err := d.pkg(off+1, end)
		if err != nil {
			return 0, err
		}
		name, next, err := d.nameString(bodyStart)
		if err != nil {
			return 0, err
		}
		if err := d.termList(next, bodyEnd, joinPath(scope, name)); err != nil {
			return 0, err
		}
		return bodyEnd, nil

	case op == extOpPrefix && off+1 < end && d.data[off+1] == extOpDevice:
		bodyStart, bodyEnd, err := d.pkg(off+2, end)
		if err != nil {
			return 0, err
		}
		name, next, err := d.nameString(bodyStart)
		if err != nil {
			return 0, err
		}
		child := &Device{Path: joinPath(scope, name)}
		for next < bodyEnd {
			if next, err = d.term(next, bodyEnd, child.Path, child); err != nil {
				return 0, err
			}
		}
		if d.match == nil || d.match(*child) {
			d.found = *child
			return 0, errFound
		}
		return bodyEnd, nil

	case op == extOpPrefix && off+1 < end:
		switch d.data[off+1] {
		case extOpField, extOpProcessor, extOpPowerRes, extOpThermalZone:
			_, bodyEnd, err := d.pkg(off+2, end)
			return bodyEnd, err
		}
		return 0, d.errorf(off, "unsupported extended opcode 0x%02x", d.data[off+1])

	case op == opMethod || op == opIf || op == opElse:
		_, bodyEnd, err := d.pkg(off+1, end)
		return bodyEnd, err

	case op == opName:
		name, next, err := d.nameString(off + 1)
		if err != nil {
			return 0, err
		}
		valueEnd, err := d.nameValue(next, end, name, dev)
		if err != nil {
			return 0, err
		}
		return valueEnd, nil
	}
	return 0, d.errorf(off, "unsupported opcode 0x%02x", op)
}

// nameValue decodes the data object of Name(name, ...) and records the
// parts a Device cares about.
func (d *amlDecoder) nameValue(off, end int, name string, dev *Device) (int, error) {
	if off >= end {
		return 0, d.errorf(off, "truncated Name(%s)", name)
	}
	if dev != nil {
		dev.Names = append(dev.Names, name)
	}
	switch d.data[off] {
	case opBuffer:
		bodyStart, bodyEnd, err := d.pkg(off+1, end)
		if err != nil {
			return 0, err
		}
		size, dataStart, err := d.integer(bodyStart, bodyEnd)
		if err != nil {
			return 0, err
		}
		if dataStart+int(size) > bodyEnd {
			size = uint64(bodyEnd - dataStart)
		}
		if dev != nil && name == "_CRS" {
			if err := decodeResources(d.data[dataStart:dataStart+int(size)], dev); err != nil {
				return 0, err
			}
		}
		return bodyEnd, nil

	case opPackage:
		bodyStart, bodyEnd, err := d.pkg(off+1, end)
		if err != nil {
			return 0, err
		}
		var values []uint64
		for pos := bodyStart + 1; pos < bodyEnd; {
			v, next, err := d.integer(pos, bodyEnd)
			if err != nil {
				break
			}
			values = append(values, v)
			pos = next
		}
		if dev != nil && name == "ADDR" && len(values) == 2 {
			dev.Addr = values[0] | values[1]<<32
			dev.HasAddr = true
		}
		return bodyEnd, nil

	case prefixString:
		rest := d.data[off+1 : end]
		n := 0
		for n < len(rest) && rest[n] != 0 {
			n++
		}
		if n == len(rest) {
			return 0, d.errorf(off, "unterminated string")
		}
		d.setID(dev, name, string(rest[:n]))
		return off + 1 + n + 1, nil
	}

	v, next, err := d.integer(off, end)
	if err != nil {
		return 0, err
	}
	if name == "_HID" || name == "_CID" {
		d.setID(dev, name, DecodeEISAID(uint32(v)))
	}
	return next, nil
}

func (d *amlDecoder) setID(dev *Device, name, value string) {
	if dev == nil {
		return
	}
	switch name {
	case "_HID":
		dev.HID = value
	case "_CID":
		dev.CID = value
	}
}

// integer decodes a ComputationalData integer.
func (d *amlDecoder) integer(off, end int) (uint64, int, error) {
	if off >= end {
		return 0, 0, d.errorf(off, "truncated integer")
	}
	need := func(n int) error {
		if off+1+n > end {
			return d.errorf(off, "truncated integer")
		}
		return nil
	}
	switch d.data[off] {
	case opZero:
		return 0, off + 1, nil
	case opOne:
		return 1, off + 1, nil
	case opOnes:
		return ^uint64(0), off + 1, nil
	case prefixByte:
		if err := need(1); err != nil {
			return 0, 0, err
		}
		return uint64(d.data[off+1]), off + 2, nil
	case prefixWord:
		if err := need(2); err != nil {
			return 0, 0, err
		}
		return uint64(binary.LittleEndian.Uint16(d.data[off+1:])), off + 3, nil
	case prefixDWord:
		if err := need(4); err != nil {
			return 0, 0, err
		}
		return uint64(binary.LittleEndian.Uint32(d.data[off+1:])), off + 5, nil
	case prefixQWord:
		if err := need(8); err != nil {
			return 0, 0, err
		}
		return binary.LittleEndian.Uint64(d.data[off+1:]), off + 9, nil
	}
	return 0, 0, d.errorf(off, "expected integer, got opcode 0x%02x", d.data[off])
}

// pkg decodes the PkgLength at off and returns the body bounds.
func (d *amlDecoder) pkg(off, end int) (int, int, error) {
	length, n, err := decodePkgLength(d.data[off:end])
	if err != nil {
		return 0, 0, d.errorf(off, "%v", err)
	}
	bodyEnd := off + length
	if bodyEnd > end || length < n {
		return 0, 0, d.errorf(off, "package length %d overruns parent", length)
	}
	return off + n, bodyEnd, nil
}

func decodePkgLength(b []byte) (length int, size int, err error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("missing package length")
	}
	follow := int(b[0] >> 6)
	if follow == 0 {
		return int(b[0] & 0x3F), 1, nil
	}
	if len(b) < follow+1 {
		return 0, 0, fmt.Errorf("truncated package length")
	}
	length = int(b[0] & 0x0F)
	for i := 1; i <= follow; i++ {
		length |= int(b[i]) << (4 + 8*(i-1))
	}
	return length, follow + 1, nil
}

func (d *amlDecoder) nameString(off int) (string, int, error) {
	var prefix strings.Builder
	for off < len(d.data) && (d.data[off] == rootChar || d.data[off] == parentChar) {
		prefix.WriteByte(d.data[off])
		off++
	}
	if off >= len(d.data) {
		return "", 0, d.errorf(off, "truncated name")
	}
	count := 1
	switch d.data[off] {
	case 0x00:
		return prefix.String(), off + 1, nil
	case dualNamePrefix:
		count = 2
		off++
	case multiNamePrefix:
		if off+1 >= len(d.data) {
			return "", 0, d.errorf(off, "truncated name")
		}
		count = int(d.data[off+1])
		off += 2
	}
	if off+4*count > len(d.data) {
		return "", 0, d.errorf(off, "truncated name")
	}
	segs := make([]string, count)
	for i := range segs {
		segs[i] = string(d.data[off+4*i : off+4*i+4])
	}
	return prefix.String() + strings.Join(segs, "."), off + 4*count, nil
}

func joinPath(scope, name string) string {
	if strings.HasPrefix(name, `\`) {
		return name
	}
	for strings.HasPrefix(name, "^") {
		name = name[1:]
		if i := strings.LastIndex(scope, "."); i >= 0 {
			scope = scope[:i]
		} else {
			scope = `\`
		}
	}
	if scope == `\` {
		return scope + name
	}
	return scope + "." + name
}

func decodeResources(b []byte, dev *Device) error {
	for off := 0; off < len(b); {
		tag := b[off]
		if tag&0x80 == 0 {
			kind, length := (tag>>3)&0x0F, int(tag&0x07)
			if off+1+length > len(b) {
				return fmt.Errorf("acpi: truncated small resource 0x%02x", tag)
			}
			switch kind {
			case resourceEnd:
				return nil
			case resourceIRQ:
				if length >= 2 {
					mask := binary.LittleEndian.Uint16(b[off+1:])
					for irq := uint32(0); irq < 16; irq++ {
						if mask&(1<<irq) != 0 {
							dev.Interrupts = append(dev.Interrupts, irq)
						}
					}
				}
			}
			off += 1 + length
			continue
		}

		if off+3 > len(b) {
			return fmt.Errorf("acpi: truncated large resource 0x%02x", tag)
		}
		length := int(binary.LittleEndian.Uint16(b[off+1:]))
		item := b[off+3:]
		if length > len(item) {
			return fmt.Errorf("acpi: large resource 0x%02x overruns buffer", tag)
		}
		item = item[:length]
		switch tag {
		case resourceMemory32Fixed:
			if len(item) >= 9 {
				dev.Memory = append(dev.Memory, MemoryRange{
					Writable: item[0]&0x01 != 0,
					Address:  uint64(binary.LittleEndian.Uint32(item[1:])),
					Length:   uint64(binary.LittleEndian.Uint32(item[5:])),
				})
			}
		case resourceExtendedInterrupt:
			if len(item) >= 2 {
				count := int(item[1])
				for i := 0; i < count && 2+4*i+4 <= len(item); i++ {
					dev.Interrupts = append(dev.Interrupts, binary.LittleEndian.Uint32(item[2+4*i:]))
				}
			}
		case resourceQWordAddress:
			// Only memory ranges: resource type 0.
			if len(item) >= 43 && item[0] == 0 {
				dev.Memory = append(dev.Memory, MemoryRange{
					Writable: item[2]&0x01 != 0,
					Address:  binary.LittleEndian.Uint64(item[11:]),
					Length:   binary.LittleEndian.Uint64(item[35:]),
				})
			}
		}
		off += 3 + length
	}
	return nil
}

// DecodeEISAID expands a compressed EISA id such as EISAID("PNP0A05").
func DecodeEISAID(v uint32) string {
	v = bits.ReverseBytes32(v)
	return fmt.Sprintf("%c%c%c%04X",
		byte((v>>26)&0x1F)+0x40,
		byte((v>>21)&0x1F)+0x40,
		byte((v>>16)&0x1F)+0x40,
		v&0xFFFF,
	)
}

// EncodeEISAID compresses a 7 character EISA id.
func EncodeEISAID(id string) (uint32, error) {
	if len(id) != 7 {
		return 0, fmt.Errorf("acpi: EISA id %q must be 7 characters", id)
	}
	var v uint32
	for i := 0; i < 3; i++ {
		c := id[i]
		if c < 'A' || c > 'Z' {
			return 0, fmt.Errorf("acpi: EISA id %q has invalid vendor", id)
		}
		v |= uint32(c-0x40) << (26 - 5*i)
	}
	var product uint32
	if _, err := fmt.Sscanf(id[3:], "%04X", &product); err != nil {
		return 0, fmt.Errorf("acpi: EISA id %q: %w", id, err)
	}
	v |= product
	return bits.ReverseBytes32(v), nil
}
