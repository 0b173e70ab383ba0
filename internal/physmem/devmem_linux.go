//go:build linux

package physmem

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultDevice is the kernel's physical memory device.
const DefaultDevice = "/dev/mem"

// Device maps ranges of a file, /dev/mem by default, read-only and shared so
// host updates stay visible.
type Device struct {
	Path string
}

// Map implements Mapper.
func (d Device) Map(addr, length uint64) (Region, error) {
	if length == 0 {
		return nil, fmt.Errorf("physmem: empty mapping at %#x", addr)
	}
	path := d.Path
	if path == "" {
		path = DefaultDevice
	}

	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("physmem: open %s: %w", path, err)
	}
	defer f.Close()

	page := uint64(unix.Getpagesize())
	aligned := addr &^ (page - 1)
	delta := addr - aligned
	size := (delta + length + page - 1) &^ (page - 1)

	mem, err := unix.Mmap(int(f.Fd()), int64(aligned), int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("physmem: mmap %s at %#x+%d: %w", path, aligned, size, err)
	}

	return &mappedRegion{mem: mem, view: mem[delta : delta+length]}, nil
}

type mappedRegion struct {
	mu   sync.RWMutex
	mem  []byte
	view []byte
}

func (r *mappedRegion) Len() int { return len(r.view) }

func (r *mappedRegion) ReadAt(p []byte, off int64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.mem == nil {
		return 0, fmt.Errorf("physmem: region closed")
	}
	if off < 0 || off > int64(len(r.view)) {
		return 0, fmt.Errorf("%w: offset %d", ErrOutOfRange, off)
	}
	n := copy(p, r.view[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *mappedRegion) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem, r.view = nil, nil
	if err != nil {
		return fmt.Errorf("physmem: munmap: %w", err)
	}
	return nil
}
