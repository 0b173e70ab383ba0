package acpi

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const tableHeaderSize = 36

type tableWriter struct {
	buf  bytes.Buffer
	base uint64
	oem  OEMInfo
}

func newTableWriter(base uint64, oem OEMInfo) *tableWriter {
	return &tableWriter{base: base, oem: oem}
}

type tableParams struct {
	Signature  [4]byte
	Revision   uint8
	OEMTableID [8]byte
	Body       []byte
}

// Append writes a table with a completed header and returns its guest address.
func (w *tableWriter) Append(params tableParams) uint64 {
	start := w.buf.Len()
	w.buf.Grow(tableHeaderSize + len(params.Body))

	header := make([]byte, tableHeaderSize)
	copy(header[:4], params.Signature[:])
	header[8] = params.Revision
	copy(header[10:16], w.oem.OEMID[:])

	tableID := params.OEMTableID
	if tableID == ([8]byte{}) {
		tableID = w.oem.OEMTableID
	}
	copy(header[16:24], tableID[:])

	binary.LittleEndian.PutUint32(header[24:28], w.oem.OEMRevision)
	copy(header[28:32], w.oem.CreatorID[:])
	binary.LittleEndian.PutUint32(header[32:36], w.oem.CreatorRevision)

	w.buf.Write(header)
	w.buf.Write(params.Body)

	table := w.buf.Bytes()[start:]
	binary.LittleEndian.PutUint32(table[4:8], uint32(len(table)))
	table[9] = checksum(table)

	if pad := len(table) % 8; pad != 0 {
		w.buf.Write(make([]byte, 8-pad))
	}

	return w.base + uint64(start)
}

func (w *tableWriter) Bytes() []byte {
	return w.buf.Bytes()
}

// TableHeader is the decoded common header of a system description table.
type TableHeader struct {
	Signature  string
	Length     uint32
	Revision   uint8
	OEMID      string
	OEMTableID string
}

// ParseTable validates the header and checksum of a table and returns the
// header together with the table body.
func ParseTable(table []byte) (TableHeader, []byte, error) {
	if len(table) < tableHeaderSize {
		return TableHeader{}, nil, fmt.Errorf("acpi: table too short (%d bytes)", len(table))
	}
	length := binary.LittleEndian.Uint32(table[4:8])
	if length < tableHeaderSize || uint64(length) > uint64(len(table)) {
		return TableHeader{}, nil, fmt.Errorf("acpi: table length %d out of range", length)
	}
	table = table[:length]
	if checksum(table) != 0 {
		return TableHeader{}, nil, fmt.Errorf("acpi: %q checksum mismatch", table[:4])
	}
	hdr := TableHeader{
		Signature:  string(table[0:4]),
		Length:     length,
		Revision:   table[8],
		OEMID:      string(bytes.TrimRight(table[10:16], " \x00")),
		OEMTableID: string(bytes.TrimRight(table[16:24], " \x00")),
	}
	return hdr, table[tableHeaderSize:], nil
}

// checksum returns the byte that makes the sum of b zero. Applied to a
// table that already carries its checksum the result is zero.
func checksum(b []byte) byte {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return byte(0 - sum)
}

func sig(name string) [4]byte {
	var out [4]byte
	copy(out[:], name)
	return out
}

func tableID(name string) [8]byte {
	var out [8]byte
	copy(out[:], name)
	return out
}
