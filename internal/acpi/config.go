package acpi

// Config controls where the DSDT is placed and which devices it describes.
// All addresses are physical guest addresses.
type Config struct {
	TablesBase uint64
	TablesSize uint64

	// VMGenID adds a VM generation counter device to the DSDT.
	VMGenID *VMGenIDDevice

	OEM OEMInfo
}

// VMGenIDDevice describes the generation ID buffer and its interrupt.
type VMGenIDDevice struct {
	Name    string // 4-char ACPI name, defaults to "VGEN"
	Address uint64
	GSI     uint32 // Global System Interrupt number
}

// Hardware and compatible IDs of a VM generation counter device.
const (
	VMGenIDHardwareID   = "QEMUVGID"
	VMGenIDCompatibleID = "VM_GEN_COUNTER"
)

// OEMInfo mirrors the ACPI table header OEM fields.
type OEMInfo struct {
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       [4]byte
	CreatorRevision uint32
}

// DefaultOEMInfo returns the default table header metadata.
func DefaultOEMInfo() OEMInfo {
	return OEMInfo{
		OEMID:           [6]byte{'T', 'I', 'N', 'Y', 'R', ' '},
		OEMTableID:      [8]byte{'T', 'I', 'N', 'Y', 'V', 'G', 'E', 'N'},
		OEMRevision:     1,
		CreatorID:       [4]byte{'T', 'R', 'Y', 'N'},
		CreatorRevision: 1,
	}
}

// ACPI data lives just after the EBDA on x86: [0x9fc00, 0x9fc00+8KiB).
const (
	defaultTablesBase uint64 = 0x9fc00
	defaultTablesSize uint64 = 0x2000
)

func (c *Config) normalize() {
	if c.TablesBase == 0 {
		c.TablesBase = defaultTablesBase
	}
	if c.TablesSize == 0 {
		c.TablesSize = defaultTablesSize
	}
	if c.OEM == (OEMInfo{}) {
		c.OEM = DefaultOEMInfo()
	}
	if c.VMGenID != nil && c.VMGenID.Name == "" {
		c.VMGenID.Name = "VGEN"
	}
}
