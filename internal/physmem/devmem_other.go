//go:build !linux

package physmem

import (
	"fmt"
	"runtime"
)

const DefaultDevice = "/dev/mem"

// Device is only supported on linux.
type Device struct {
	Path string
}

func (d Device) Map(addr, length uint64) (Region, error) {
	return nil, fmt.Errorf("physmem: device mapping unsupported on %s", runtime.GOOS)
}
