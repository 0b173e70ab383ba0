//go:build !linux

package irqsource

import (
	"fmt"
	"io"
	"log/slog"
	"runtime"
)

// Uevent is only supported on linux.
type Uevent struct {
	Logger *slog.Logger
}

func (Uevent) Bind(uint32, func()) (io.Closer, error) {
	return nil, fmt.Errorf("irqsource: uevents unsupported on %s", runtime.GOOS)
}
