package genid

import (
	"errors"
	"fmt"
	"math"

	"github.com/tinyrange/vmgenid/internal/fdt"
)

// CompatibleID is the devicetree compatible string of the generation ID device.
const CompatibleID = "microsoft,vmgenid"

// Descriptor locates the generation ID region and its interrupt.
type Descriptor struct {
	Address   uint64
	Length    uint64
	Interrupt uint32
}

// Range is a physical address range.
type Range = fdt.Range

// DeviceRecord is a platform description entry for the generation ID device
// with its properties decoded but not yet validated.
type DeviceRecord struct {
	Compatible []string
	Reg        []Range
	// Interrupts holds one cell slice per interrupt specifier.
	Interrupts [][]uint32
	// Properties names every property present on the record.
	Properties []string
}

// Description is a platform description that can be searched for the
// generation ID device. FindDevice returns ErrMissingDescriptor when there
// is none.
type Description interface {
	FindDevice() (DeviceRecord, error)
}

// DefaultReserved lists ranges a generation ID buffer may never overlap.
var DefaultReserved = []Range{
	{Address: 0, Size: 0x1000},            // null page
	{Address: 0xfec00000, Size: 0x1000},   // IOAPIC
	{Address: 0xfee00000, Size: 0x100000}, // local APIC
	{Address: 0xfffbd000, Size: 0x3000},   // KVM identity map and TSS
}

const (
	DefaultMinInterrupt = 5
	DefaultMaxInterrupt = 23
)

// ResolveOptions constrain which descriptors are accepted.
type ResolveOptions struct {
	// Reserved ranges; nil selects DefaultReserved. Use an empty slice to
	// disable the check.
	Reserved []Range

	// MinInterrupt..MaxInterrupt is the bindable window. Both zero disables
	// the window check.
	MinInterrupt uint32
	MaxInterrupt uint32

	// InterruptAvailable, when set, is consulted last.
	InterruptAvailable func(irq uint32) bool
}

// DefaultResolveOptions accepts GSIs 5..23 outside DefaultReserved.
func DefaultResolveOptions() ResolveOptions {
	return ResolveOptions{
		MinInterrupt: DefaultMinInterrupt,
		MaxInterrupt: DefaultMaxInterrupt,
	}
}

var allowedProperties = map[string]bool{
	"compatible": true,
	"reg":        true,
	"interrupts": true,
	// structural
	"name":             true,
	"phandle":          true,
	"interrupt-parent": true,
}

// Resolve extracts and validates the descriptor from a platform description.
func Resolve(desc Description, opts ResolveOptions) (Descriptor, error) {
	record, err := desc.FindDevice()
	if err != nil {
		if errors.Is(err, ErrMissingDescriptor) || errors.Is(err, ErrInvalidDescriptor) {
			return Descriptor{}, err
		}
		return Descriptor{}, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}
	return resolveRecord(record, opts)
}

func resolveRecord(record DeviceRecord, opts ResolveOptions) (Descriptor, error) {
	for _, name := range record.Properties {
		if !allowedProperties[name] {
			return Descriptor{}, invalidf("unexpected property %q", name)
		}
	}

	switch len(record.Reg) {
	case 0:
		return Descriptor{}, invalidf("missing reg")
	case 1:
	default:
		return Descriptor{}, invalidf("reg has %d entries, want 1", len(record.Reg))
	}
	switch len(record.Interrupts) {
	case 0:
		return Descriptor{}, invalidf("missing interrupts")
	case 1:
	default:
		return Descriptor{}, invalidf("interrupts has %d specifiers, want 1", len(record.Interrupts))
	}

	reg := record.Reg[0]
	if reg.Size < GUIDSize {
		return Descriptor{}, invalidf("region is %d bytes, want at least %d", reg.Size, GUIDSize)
	}
	if reg.Address > math.MaxUint64-reg.Size+1 {
		return Descriptor{}, invalidf("region %#x+%#x wraps the address space", reg.Address, reg.Size)
	}
	reserved := opts.Reserved
	if reserved == nil {
		reserved = DefaultReserved
	}
	for _, r := range reserved {
		if overlaps(reg, r) {
			return Descriptor{}, invalidf("region %#x+%#x overlaps reserved %#x+%#x", reg.Address, reg.Size, r.Address, r.Size)
		}
	}

	irq, err := decodeInterrupt(record.Interrupts[0])
	if err != nil {
		return Descriptor{}, err
	}
	if opts.MinInterrupt != 0 || opts.MaxInterrupt != 0 {
		if irq < opts.MinInterrupt || irq > opts.MaxInterrupt {
			return Descriptor{}, invalidf("interrupt %d outside %d..%d", irq, opts.MinInterrupt, opts.MaxInterrupt)
		}
	}
	if opts.InterruptAvailable != nil && !opts.InterruptAvailable(irq) {
		return Descriptor{}, invalidf("interrupt %d is not available", irq)
	}

	return Descriptor{Address: reg.Address, Length: reg.Size, Interrupt: irq}, nil
}

// decodeInterrupt picks the line number out of an interrupt specifier.
// Three-cell specifiers follow the GIC layout (type, number, flags).
func decodeInterrupt(spec []uint32) (uint32, error) {
	switch len(spec) {
	case 1, 2:
		return spec[0], nil
	case 3:
		return spec[1], nil
	default:
		return 0, invalidf("interrupt specifier has %d cells", len(spec))
	}
}

// overlaps treats both ranges as inclusive of their last byte so ranges
// ending at the top of the address space compare correctly.
func overlaps(a, b Range) bool {
	if a.Size == 0 || b.Size == 0 {
		return false
	}
	aEnd := a.Address + (a.Size - 1)
	bEnd := b.Address + (b.Size - 1)
	return a.Address <= bEnd && b.Address <= aEnd
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDescriptor, fmt.Sprintf(format, args...))
}
