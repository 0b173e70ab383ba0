package chipset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineSetDispatchesRisingEdge(t *testing.T) {
	set := NewLineSet(5, 23)
	line, err := set.AllocateLine(7)
	require.NoError(t, err)

	calls := 0
	binding, err := set.Bind(7, func() { calls++ })
	require.NoError(t, err)

	line.SetLevel(true)
	line.SetLevel(true)
	assert.Equal(t, 1, calls, "level held high is one edge")

	line.SetLevel(false)
	line.PulseInterrupt()
	assert.Equal(t, 2, calls)

	require.NoError(t, binding.Close())
	line.PulseInterrupt()
	assert.Equal(t, 2, calls)
}

func TestLineSetWindow(t *testing.T) {
	set := NewLineSet(5, 23)

	_, err := set.AllocateLine(4)
	assert.ErrorIs(t, err, ErrLineUnavailable)
	_, err = set.Bind(24, func() {})
	assert.ErrorIs(t, err, ErrLineUnavailable)

	assert.False(t, set.Available(4))
	assert.True(t, set.Available(5))
	assert.True(t, set.Available(23))
}

func TestLineSetBusy(t *testing.T) {
	set := NewLineSet(5, 23)

	first, err := set.Bind(9, func() {})
	require.NoError(t, err)
	assert.False(t, set.Available(9))

	_, err = set.Bind(9, func() {})
	assert.ErrorIs(t, err, ErrLineBusy)

	require.NoError(t, first.Close())
	assert.True(t, set.Available(9))

	second, err := set.Bind(9, func() {})
	require.NoError(t, err)

	// A stale binding must not detach its successor.
	require.NoError(t, first.Close())
	assert.False(t, set.Available(9))
	require.NoError(t, second.Close())
}

func TestLineInterruptFromFunc(t *testing.T) {
	var levels []bool
	line := LineInterruptFromFunc(func(high bool) { levels = append(levels, high) })
	line.PulseInterrupt()
	assert.Equal(t, []bool{true, false}, levels)

	LineInterruptDetached().PulseInterrupt()
}

func TestLineSetCloseWaitsForRunningHandler(t *testing.T) {
	set := NewLineSet(5, 23)
	line, err := set.AllocateLine(11)
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	binding, err := set.Bind(11, func() {
		close(entered)
		<-release
	})
	require.NoError(t, err)

	go line.PulseInterrupt()
	<-entered

	closed := make(chan error, 1)
	go func() { closed <- binding.Close() }()

	select {
	case <-closed:
		t.Fatal("Close returned while the handler was running")
	case <-time.After(20 * time.Millisecond):
	}
	assert.True(t, set.Available(11), "detached before waiting")

	close(release)
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	// A new binding is not held up by the old one's accounting.
	again, err := set.Bind(11, func() {})
	require.NoError(t, err)
	line.PulseInterrupt()
	require.NoError(t, again.Close())
}
