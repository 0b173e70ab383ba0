// Package journal is an append-only binary record log.
//
// Each record is laid out as:
//   - 2 bytes kind
//   - 2 bytes source length
//   - 4 bytes data length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source
//   - data
//
// Writers reserve space by atomically advancing the end offset, so
// concurrent appends never overlap.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync/atomic"
	"time"
)

const headerSize = 16

// Kind tags the payload of a record.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
	// KindEvent records carry a CBOR encoded generation change.
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindString:
		return "string"
	case KindEvent:
		return "event"
	default:
		return fmt.Sprintf("invalid(%d)", uint16(k))
	}
}

var ErrClosed = errors.New("journal: closed")

// Writer is the storage a Journal appends to.
type Writer interface {
	io.WriterAt
	io.Closer
}

// Journal appends records to a Writer.
type Journal struct {
	w      Writer
	offset atomic.Uint64
	closed atomic.Bool

	now func() time.Time
}

// New starts a journal at offset 0 of w.
func New(w Writer) *Journal {
	return &Journal{w: w, now: time.Now}
}

// OpenFile opens or creates path and appends after its existing records.
func OpenFile(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("journal: stat %s: %w", path, err)
	}
	j := New(f)
	j.offset.Store(uint64(info.Size()))
	return j, nil
}

func encodeHeader(kind Kind, source string, data []byte, ts time.Time) []byte {
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(ts.UnixNano()))
	return header
}

func decodeHeader(header []byte) (kind Kind, sourceLength uint16, dataLength uint32, ts int64) {
	kind = Kind(binary.LittleEndian.Uint16(header[0:2]))
	sourceLength = binary.LittleEndian.Uint16(header[2:4])
	dataLength = binary.LittleEndian.Uint32(header[4:8])
	ts = int64(binary.LittleEndian.Uint64(header[8:16]))
	return
}

// Append writes one record. It is safe for concurrent use.
func (j *Journal) Append(kind Kind, source string, data []byte) error {
	if j.closed.Load() {
		return ErrClosed
	}
	if kind == KindInvalid {
		return fmt.Errorf("journal: invalid record kind")
	}
	if len(source) > math.MaxUint16 {
		return fmt.Errorf("journal: source is %d bytes", len(source))
	}
	if uint64(len(data)) > math.MaxUint32 {
		return fmt.Errorf("journal: record is %d bytes", len(data))
	}

	size := uint64(headerSize + len(source) + len(data))
	off := int64(j.offset.Add(size) - size)

	record := make([]byte, 0, size)
	record = append(record, encodeHeader(kind, source, data, j.now())...)
	record = append(record, source...)
	record = append(record, data...)
	if _, err := j.w.WriteAt(record, off); err != nil {
		return fmt.Errorf("journal: write record at %d: %w", off, err)
	}
	return nil
}

// Write appends a string record.
func (j *Journal) Write(source, message string) error {
	return j.Append(KindString, source, []byte(message))
}

// Size is the offset the next record will be written at.
func (j *Journal) Size() int64 {
	return int64(j.offset.Load())
}

// Close closes the underlying writer. Later appends fail with ErrClosed.
func (j *Journal) Close() error {
	if j.closed.Swap(true) {
		return nil
	}
	return j.w.Close()
}
