package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vmgenid/internal/config"
	"github.com/tinyrange/vmgenid/internal/genid"
)

func openSimulated(t *testing.T, source string) (*simulation, *genid.Subsystem) {
	t.Helper()
	cfg := config.Default()
	cfg.Platform.Source = source

	sim, err := newSimulation(cfg)
	require.NoError(t, err)
	p := sim.platform()

	opts := cfg.ResolveOptions()
	opts.InterruptAvailable = p.interruptAvailable
	sub, err := genid.Open(genid.SubsystemConfig{
		Description: p.description,
		Resolve:     opts,
		Monitor: genid.MonitorOptions{
			Mapper:        p.mapper,
			Interrupts:    p.interrupts,
			FallbackDelay: -1,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, sub.Close()) })
	return sim, sub
}

func TestSimulationDelivers(t *testing.T) {
	for _, source := range []string{config.PlatformFDT, config.PlatformACPI} {
		t.Run(source, func(t *testing.T) {
			sim, sub := openSimulated(t, source)
			assert.Equal(t, uint64(simBufferAddr), sub.Descriptor().Address)
			assert.Equal(t, uint32(simIRQ), sub.Descriptor().Interrupt)
			assert.Equal(t, sim.device.Current(), sub.CurrentGUID())

			events := make(chan genid.Event, 4)
			sub.RegisterFunc("test", func(_ context.Context, ev genid.Event) error {
				events <- ev
				return nil
			})

			guid, err := sim.device.Generate()
			require.NoError(t, err)

			select {
			case ev := <-events:
				assert.Equal(t, guid, ev.GUID)
				assert.Equal(t, uint64(1), ev.Generation)
			case <-time.After(5 * time.Second):
				t.Fatal("no event delivered")
			}
		})
	}
}

func TestSimulationRunStops(t *testing.T) {
	sim, err := newSimulation(config.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.run(ctx, time.Millisecond) }()

	before := sim.device.Current()
	require.Eventually(t, func() bool { return sim.device.Current() != before }, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Error(t, sim.run(context.Background(), 0))
}

func TestOpenDescriptionMissing(t *testing.T) {
	desc := openDescription(config.PlatformConfig{
		Source: config.PlatformFDT,
		Path:   filepath.Join(t.TempDir(), "fdt"),
	})
	_, err := genid.Resolve(desc, genid.DefaultResolveOptions())
	assert.ErrorIs(t, err, genid.ErrMissingDescriptor)
}

func TestOpenDescriptionCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fdt")
	require.NoError(t, os.WriteFile(path, []byte("not a device tree"), 0o644))

	desc := openDescription(config.PlatformConfig{Source: config.PlatformFDT, Path: path})
	_, err := genid.Resolve(desc, genid.DefaultResolveOptions())
	assert.ErrorIs(t, err, genid.ErrInvalidDescriptor)
}

func TestOpenPlatformInterruptSource(t *testing.T) {
	cfg := config.Default()
	cfg.Interrupt.Source = config.InterruptPoll
	assert.Nil(t, openPlatform(cfg).interrupts)

	cfg.Interrupt.Source = config.InterruptFile
	cfg.Interrupt.Path = "/run/vmgenid"
	assert.NotNil(t, openPlatform(cfg).interrupts)
}
