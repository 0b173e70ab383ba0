package physmem

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryMapSeesWrites(t *testing.T) {
	mem := NewMemory(0x1000, 0x1000)

	region, err := mem.Map(0x1800, 16)
	require.NoError(t, err)
	defer region.Close()
	assert.Equal(t, 16, region.Len())

	_, err = mem.WriteAt([]byte{1, 2, 3, 4}, 0x1800)
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = region.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf)

	// Reads past the end of the mapping are short.
	n, err := region.ReadAt(make([]byte, 8), 12)
	assert.Equal(t, 4, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestMemoryBounds(t *testing.T) {
	mem := NewMemory(0x1000, 0x1000)

	_, err := mem.Map(0x800, 16)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = mem.Map(0x1ff8, 16)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = mem.Map(0x1000, 0)
	assert.Error(t, err)

	_, err = mem.WriteAt(make([]byte, 2), 0x1fff)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = mem.ReadAt(make([]byte, 1), -1)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestMemoryRegionClosed(t *testing.T) {
	mem := NewMemory(0, 0x100)
	region, err := mem.Map(0x10, 16)
	require.NoError(t, err)
	require.NoError(t, region.Close())

	_, err = region.ReadAt(make([]byte, 16), 0)
	assert.Error(t, err)
}
