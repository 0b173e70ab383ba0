//go:build linux

package physmem

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceMapsUnalignedRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mem")
	data := make([]byte, 3*os.Getpagesize())
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, data, 0o600))

	addr := uint64(os.Getpagesize() + 8)
	region, err := Device{Path: path}.Map(addr, 16)
	require.NoError(t, err)

	buf := make([]byte, 16)
	_, err = region.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, data[addr:addr+16], buf)

	// Shared mappings observe later writes to the file.
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xAA}, int64(addr))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = region.ReadAt(buf[:1], 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAA), buf[0])

	require.NoError(t, region.Close())
	require.NoError(t, region.Close())
}

func TestDeviceMissingFile(t *testing.T) {
	_, err := Device{Path: filepath.Join(t.TempDir(), "absent")}.Map(0, 16)
	assert.Error(t, err)
}
