package vmgenid

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vmgenid/internal/acpi"
	"github.com/tinyrange/vmgenid/internal/chipset"
	"github.com/tinyrange/vmgenid/internal/fdt"
	"github.com/tinyrange/vmgenid/internal/genid"
	"github.com/tinyrange/vmgenid/internal/physmem"
)

const bufferAddr = 0xa2000

func readBuffer(t *testing.T, mem *physmem.Memory) genid.GUID {
	t.Helper()
	var g genid.GUID
	_, err := mem.ReadAt(g[:], bufferAddr)
	require.NoError(t, err)
	return g
}

func TestNewWritesInitial(t *testing.T) {
	mem := physmem.NewMemory(0, 1<<20)
	initial := genid.GUID{1, 2, 3}

	pulses := 0
	dev, err := New(mem, Config{
		Address: bufferAddr,
		IRQ:     5,
		Line:    chipset.LineInterruptFromFunc(func(high bool) { pulses++ }),
		Initial: &initial,
	})
	require.NoError(t, err)

	assert.Equal(t, initial, readBuffer(t, mem))
	assert.Equal(t, initial, dev.Current())
	assert.Zero(t, pulses)
}

func TestNewRandomInitial(t *testing.T) {
	mem := physmem.NewMemory(0, 1<<20)
	dev, err := New(mem, Config{Address: bufferAddr})
	require.NoError(t, err)

	assert.False(t, dev.Current().IsZero())
	assert.Equal(t, dev.Current(), readBuffer(t, mem))
}

func TestNewRejectsBadAddress(t *testing.T) {
	mem := physmem.NewMemory(0, 1<<20)

	_, err := New(mem, Config{Address: bufferAddr + 4})
	assert.ErrorContains(t, err, "8-byte aligned")
	_, err = New(mem, Config{})
	assert.Error(t, err)
	_, err = New(mem, Config{Address: 2 << 20})
	assert.ErrorIs(t, err, physmem.ErrOutOfRange)
}

func TestGenerateAndSetPulse(t *testing.T) {
	mem := physmem.NewMemory(0, 1<<20)
	var levels []bool
	dev, err := New(mem, Config{
		Address: bufferAddr,
		Line:    chipset.LineInterruptFromFunc(func(high bool) { levels = append(levels, high) }),
	})
	require.NoError(t, err)
	before := dev.Current()

	g, err := dev.Generate()
	require.NoError(t, err)
	assert.NotEqual(t, before, g)
	assert.Equal(t, g, readBuffer(t, mem))
	assert.Equal(t, []bool{true, false}, levels)

	require.NoError(t, dev.Set(genid.GUID{0xff}))
	assert.Equal(t, genid.GUID{0xff}, readBuffer(t, mem))
	assert.Len(t, levels, 4)
}

func TestSetTorn(t *testing.T) {
	mem := physmem.NewMemory(0, 1<<20)
	old := genid.GUID{}
	var seen []genid.GUID
	line := chipset.LineInterruptFromFunc(func(high bool) {
		if high {
			seen = append(seen, readBuffer(t, mem))
		}
	})
	dev, err := New(mem, Config{Address: bufferAddr, Line: line, Initial: &old})
	require.NoError(t, err)

	next := genid.GUID{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	require.NoError(t, dev.SetTorn(next, 4))

	require.Len(t, seen, 2)
	assert.Equal(t, genid.GUID{1, 1, 1, 1}, seen[0])
	assert.Equal(t, next, seen[1])

	assert.Error(t, dev.SetTorn(next, 0))
	assert.Error(t, dev.SetTorn(next, Size))
}

func TestDescriptionsResolve(t *testing.T) {
	mem := physmem.NewMemory(0, 1<<20)
	for _, gic := range []bool{false, true} {
		dev, err := New(mem, Config{Address: bufferAddr, IRQ: 9, GIC: gic})
		require.NoError(t, err)

		root := fdt.Node{
			Properties: map[string]fdt.Property{
				"#address-cells": {U32: []uint32{2}},
				"#size-cells":    {U32: []uint32{2}},
			},
			Children: []fdt.Node{dev.DeviceTreeNode()},
		}
		if gic {
			root.Properties["#interrupt-cells"] = fdt.Property{U32: []uint32{3}}
		}
		blob, err := fdt.Build(root)
		require.NoError(t, err)
		dt, err := genid.ParseDeviceTree(blob)
		require.NoError(t, err)

		desc, err := genid.Resolve(dt, genid.DefaultResolveOptions())
		require.NoError(t, err)
		assert.Equal(t, genid.Descriptor{Address: bufferAddr, Length: Size, Interrupt: 9}, desc)

		dsdt, err := acpi.BuildDSDT(acpi.Config{VMGenID: ptr(dev.ACPIDevice())})
		require.NoError(t, err)
		desc, err = genid.Resolve(genid.ACPITable{Table: dsdt}, genid.DefaultResolveOptions())
		require.NoError(t, err)
		assert.Equal(t, genid.Descriptor{Address: bufferAddr, Length: Size, Interrupt: 9}, desc)
	}
}

func ptr[T any](v T) *T { return &v }

func TestGuestObservesGenerate(t *testing.T) {
	mem := physmem.NewMemory(0, 1<<20)
	lines := chipset.NewLineSet(genid.DefaultMinInterrupt, genid.DefaultMaxInterrupt)
	line, err := lines.AllocateLine(7)
	require.NoError(t, err)

	dev, err := New(mem, Config{Address: bufferAddr, IRQ: 7, Line: line})
	require.NoError(t, err)

	n := genid.NewNotifier(nil, nil)
	defer n.Close()
	events := make(chan genid.Event, 8)
	n.RegisterFunc("test", func(_ context.Context, ev genid.Event) error {
		events <- ev
		return nil
	})

	m, err := genid.Start(genid.Descriptor{Address: bufferAddr, Length: Size, Interrupt: 7}, genid.MonitorOptions{
		Mapper:     mem,
		Interrupts: lines,
		Notifier:   n,
	})
	require.NoError(t, err)
	defer m.Stop()
	assert.Equal(t, dev.Current(), m.CurrentGUID())

	for i := uint64(1); i <= 3; i++ {
		g, err := dev.Generate()
		require.NoError(t, err)
		select {
		case ev := <-events:
			assert.Equal(t, genid.Event{GUID: g, Generation: i}, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("no event for generation %d", i)
		}
	}

	next := genid.GUID{0xaa, 0xaa, 0xaa, 0xaa, 0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0xbb}
	require.NoError(t, dev.SetTorn(next, 4))
	require.Eventually(t, func() bool { return m.CurrentGUID() == next }, 2*time.Second, time.Millisecond)
}
