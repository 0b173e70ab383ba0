// Package reseed provides generation ID consumers that refresh random
// number generator state after a VM is cloned or restored.
package reseed

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tinyrange/vmgenid/internal/genid"
)

// DefaultKernelPool is written to mix data into the kernel's entropy pool
// without crediting it.
const DefaultKernelPool = "/dev/urandom"

// Kernel mixes each new generation ID into the kernel entropy pool.
type Kernel struct {
	mu sync.Mutex
	W  io.Writer
}

// OpenKernel opens the kernel pool device at path, DefaultKernelPool when empty.
func OpenKernel(path string) (*Kernel, io.Closer, error) {
	if path == "" {
		path = DefaultKernelPool
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("reseed: open %s: %w", path, err)
	}
	return &Kernel{W: f}, f, nil
}

func (k *Kernel) Name() string { return "kernel-pool" }

// Notify implements genid.Consumer.
func (k *Kernel) Notify(_ context.Context, ev genid.Event) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, err := k.W.Write(ev.GUID[:]); err != nil {
		return fmt.Errorf("reseed: mix generation %d: %w", ev.Generation, err)
	}
	return nil
}
