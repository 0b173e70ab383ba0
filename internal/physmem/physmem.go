// Package physmem maps physical address ranges for reading.
package physmem

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrOutOfRange is returned when a mapping or access falls outside the backing memory.
var ErrOutOfRange = errors.New("physmem: range out of bounds")

// Mapper maps a physical address range.
type Mapper interface {
	Map(addr, length uint64) (Region, error)
}

// Region is a read-only view of a mapped range. Offsets are relative to the
// start of the mapping.
type Region interface {
	io.ReaderAt
	Len() int
	Close() error
}

// Memory is simulated guest RAM starting at Base. It serves as both the
// writer used by a VMM and the Mapper used by a guest.
type Memory struct {
	mu   sync.RWMutex
	base uint64
	data []byte
}

// NewMemory allocates size bytes of guest RAM at base.
func NewMemory(base, size uint64) *Memory {
	return &Memory{base: base, data: make([]byte, size)}
}

func (m *Memory) Base() uint64 { return m.base }
func (m *Memory) Size() uint64 { return uint64(len(m.data)) }

func (m *Memory) bounds(addr uint64, length int) (int, error) {
	if addr < m.base {
		return 0, fmt.Errorf("%w: %#x below base %#x", ErrOutOfRange, addr, m.base)
	}
	off := addr - m.base
	if off > uint64(len(m.data)) || uint64(length) > uint64(len(m.data))-off {
		return 0, fmt.Errorf("%w: %#x+%d", ErrOutOfRange, addr, length)
	}
	return int(off), nil
}

// ReadAt reads guest-physical memory at address off.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative address", ErrOutOfRange)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	start, err := m.bounds(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, m.data[start:]), nil
}

// WriteAt writes guest-physical memory at address off.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative address", ErrOutOfRange)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	start, err := m.bounds(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(m.data[start:], p), nil
}

// Map implements Mapper.
func (m *Memory) Map(addr, length uint64) (Region, error) {
	if length == 0 {
		return nil, fmt.Errorf("physmem: empty mapping at %#x", addr)
	}
	m.mu.RLock()
	_, err := m.bounds(addr, int(length))
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return &memoryRegion{mem: m, addr: addr, length: int(length)}, nil
}

type memoryRegion struct {
	mem    *Memory
	addr   uint64
	length int

	mu     sync.RWMutex
	closed bool
}

func (r *memoryRegion) Len() int { return r.length }

func (r *memoryRegion) ReadAt(p []byte, off int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return 0, fmt.Errorf("physmem: region closed")
	}
	if off < 0 || off > int64(r.length) {
		return 0, fmt.Errorf("%w: offset %d", ErrOutOfRange, off)
	}
	n := len(p)
	if rest := r.length - int(off); n > rest {
		n = rest
	}
	read, err := r.mem.ReadAt(p[:n], int64(r.addr)+off)
	if err != nil {
		return read, err
	}
	if read < len(p) {
		return read, io.EOF
	}
	return read, nil
}

func (r *memoryRegion) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
