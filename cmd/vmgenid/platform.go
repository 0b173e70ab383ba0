package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/vmgenid/internal/config"
	"github.com/tinyrange/vmgenid/internal/genid"
	"github.com/tinyrange/vmgenid/internal/irqsource"
	"github.com/tinyrange/vmgenid/internal/physmem"
)

// guestPlatform is what the subsystem needs from the machine it runs on.
type guestPlatform struct {
	description        genid.Description
	mapper             physmem.Mapper
	interrupts         genid.InterruptController
	interruptAvailable func(irq uint32) bool
}

// failedDescription surfaces a platform read error through Resolve.
type failedDescription struct {
	err error
}

func (f failedDescription) FindDevice() (genid.DeviceRecord, error) {
	return genid.DeviceRecord{}, f.err
}

func openPlatform(cfg config.Config) guestPlatform {
	p := guestPlatform{
		description: openDescription(cfg.Platform),
		mapper:      physmem.Device{Path: cfg.Memory.Path},
	}
	switch cfg.Interrupt.Source {
	case config.InterruptUevent:
		p.interrupts = irqsource.Uevent{Logger: slog.Default()}
	case config.InterruptFile:
		p.interrupts = irqsource.File{Path: cfg.Interrupt.Path, Logger: slog.Default()}
	}
	return p
}

func openDescription(cfg config.PlatformConfig) genid.Description {
	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return failedDescription{err: fmt.Errorf("%w: %s absent", genid.ErrMissingDescriptor, cfg.Path)}
		}
		return failedDescription{err: fmt.Errorf("read %s: %w", cfg.Path, err)}
	}

	switch cfg.Source {
	case config.PlatformACPI:
		return genid.ACPITable{Table: data}
	default:
		dt, err := genid.ParseDeviceTree(data)
		if err != nil {
			return failedDescription{err: err}
		}
		return dt
	}
}
