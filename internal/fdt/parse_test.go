package fdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTree() Node {
	return Node{
		Properties: map[string]Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
			"compatible":     {Strings: []string{"linux,dummy-virt"}},
		},
		Children: []Node{
			{
				Name: "chosen",
				Properties: map[string]Property{
					"bootargs": {Strings: []string{"console=ttyS0"}},
				},
			},
			{
				Name: "vmgenid@9fc00",
				Properties: map[string]Property{
					"compatible":   {Strings: []string{"microsoft,vmgenid"}},
					"reg":          {U64: []uint64{0x9fc00, 16}},
					"interrupts":   {U32: []uint32{0, 5, 1}},
					"dma-coherent": {Flag: true},
				},
			},
		},
	}
}

func TestBuildParseRoundTrip(t *testing.T) {
	blob, err := Build(testTree())
	require.NoError(t, err)

	root, err := Parse(blob)
	require.NoError(t, err)

	assert.Equal(t, "", root.Name)
	require.Len(t, root.Children, 2)
	assert.Equal(t, "chosen", root.Children[0].Name)
	assert.Equal(t, []string{"console=ttyS0"}, root.Children[0].Properties["bootargs"].StringList())

	cells, ok := root.Cell("#address-cells")
	require.True(t, ok)
	assert.Equal(t, uint32(2), cells)

	dev := root.Children[1]
	assert.True(t, dev.Compatible("microsoft,vmgenid"))
	assert.True(t, dev.Properties["dma-coherent"].Flag)

	irq, err := dev.Properties["interrupts"].Cells()
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 5, 1}, irq)
}

func TestFindCompatible(t *testing.T) {
	blob, err := Build(testTree())
	require.NoError(t, err)
	root, err := Parse(blob)
	require.NoError(t, err)

	node, parent, ok := root.FindCompatible("microsoft,vmgenid")
	require.True(t, ok)
	assert.Equal(t, "vmgenid@9fc00", node.Name)
	assert.Same(t, &root, parent)

	_, _, ok = root.FindCompatible("does,not-exist")
	assert.False(t, ok)
}

func TestDecodeReg(t *testing.T) {
	ranges, err := DecodeReg(Property{U64: []uint64{0x1_0000_0000, 16}}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []Range{{Address: 0x1_0000_0000, Size: 16}}, ranges)

	ranges, err = DecodeReg(Property{U32: []uint32{0x9fc00, 16, 0xa0000, 32}}, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []Range{{0x9fc00, 16}, {0xa0000, 32}}, ranges)

	_, err = DecodeReg(Property{U32: []uint32{1, 2, 3}}, 2, 2)
	assert.Error(t, err)
}

func TestParseRejectsCorruptBlobs(t *testing.T) {
	blob, err := Build(testTree())
	require.NoError(t, err)

	bad := append([]byte(nil), blob...)
	bad[0] = 0
	_, err = Parse(bad)
	assert.ErrorContains(t, err, "bad magic")

	_, err = Parse(blob[:fdtHeaderSize-1])
	assert.Error(t, err)

	_, err = Parse(blob[:len(blob)-8])
	assert.Error(t, err)
}

func TestBuildRejectsMixedProperty(t *testing.T) {
	_, err := Build(Node{Properties: map[string]Property{
		"bad": {U32: []uint32{1}, Strings: []string{"x"}},
	}})
	assert.Error(t, err)
}
