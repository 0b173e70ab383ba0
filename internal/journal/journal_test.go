package journal

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vmgenid/internal/genid"
)

// memoryWriter is a growable in-memory Writer.
type memoryWriter struct {
	mu   sync.Mutex
	data []byte
}

func (m *memoryWriter) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if end := int(off) + len(p); end > len(m.data) {
		m.data = append(m.data, make([]byte, end-len(m.data))...)
	}
	return copy(m.data[off:], p), nil
}

func (m *memoryWriter) Close() error { return nil }

func (m *memoryWriter) reader(t *testing.T) *Reader {
	t.Helper()
	m.mu.Lock()
	data := append([]byte(nil), m.data...)
	m.mu.Unlock()
	r, err := NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	return r
}

func TestAppendAndRead(t *testing.T) {
	buf := &memoryWriter{}
	j := New(buf)

	require.NoError(t, j.Write("boot", "hello"))
	require.NoError(t, j.Append(KindBytes, "genid", []byte{1, 2, 3}))
	require.NoError(t, j.Write("boot", "world"))
	require.NoError(t, j.Close())
	assert.ErrorIs(t, j.Write("boot", "late"), ErrClosed)

	r := buf.reader(t)
	assert.Equal(t, 3, r.Count())
	assert.Equal(t, []string{"boot", "genid"}, r.Sources())

	var got []string
	require.NoError(t, r.Each(func(e Entry) error {
		got = append(got, fmt.Sprintf("%s/%s/%x", e.Source, e.Kind, e.Data))
		return nil
	}))
	assert.Equal(t, []string{"boot/string/68656c6c6f", "genid/bytes/010203", "boot/string/776f726c64"}, got)

	var boot []string
	require.NoError(t, r.EachSource("boot", func(e Entry) error {
		boot = append(boot, string(e.Data))
		return nil
	}))
	assert.Equal(t, []string{"hello", "world"}, boot)

	start, end := r.TimeRange()
	assert.False(t, end.Before(start))
}

func TestAppendRejectsInvalidKind(t *testing.T) {
	j := New(&memoryWriter{})
	assert.Error(t, j.Append(KindInvalid, "x", nil))
}

func TestConcurrentAppends(t *testing.T) {
	buf := &memoryWriter{}
	j := New(buf)

	const writers, perWriter = 8, 100
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, j.Write(fmt.Sprintf("writer-%d", w), fmt.Sprintf("%d", i)))
			}
		}(w)
	}
	wg.Wait()

	r := buf.reader(t)
	assert.Equal(t, writers*perWriter, r.Count())
	for w := 0; w < writers; w++ {
		next := 0
		require.NoError(t, r.EachSource(fmt.Sprintf("writer-%d", w), func(e Entry) error {
			assert.Equal(t, fmt.Sprintf("%d", next), string(e.Data))
			next++
			return nil
		}))
		assert.Equal(t, perWriter, next)
	}
}

func TestTruncatedTailIgnored(t *testing.T) {
	buf := &memoryWriter{}
	j := New(buf)
	require.NoError(t, j.Write("a", "complete"))
	require.NoError(t, j.Write("a", "cut short"))

	data := buf.data[:len(buf.data)-3]
	r, err := NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Count())
}

func TestCorruptRecordRejected(t *testing.T) {
	data := make([]byte, 32)
	_, err := NewReader(bytes.NewReader(data), int64(len(data)))
	assert.ErrorContains(t, err, "invalid record at 0")
}

func TestOpenFileAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "generations.journal")

	j, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, j.Write("run", "first"))
	require.NoError(t, j.Close())

	j, err = OpenFile(path)
	require.NoError(t, err)
	assert.NotZero(t, j.Size())
	require.NoError(t, j.Write("run", "second"))
	require.NoError(t, j.Close())

	r, closer, err := OpenReader(path)
	require.NoError(t, err)
	defer closer.Close()

	var got []string
	require.NoError(t, r.Each(func(e Entry) error {
		got = append(got, string(e.Data))
		return nil
	}))
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestConsumerRecordsEvents(t *testing.T) {
	buf := &memoryWriter{}
	j := New(buf)
	observed := time.Date(2024, 5, 1, 12, 0, 0, 42, time.UTC)
	j.now = func() time.Time { return observed }

	c := Consumer{J: j}
	var _ genid.Consumer = c
	events := []genid.Event{
		{GUID: genid.GUID{0x11}, Generation: 1},
		{GUID: genid.GUID{0x22}, Generation: 2},
	}
	for _, ev := range events {
		require.NoError(t, c.Notify(context.Background(), ev))
	}

	r := buf.reader(t)
	var got []genid.Event
	require.NoError(t, r.EachSource(EventSource, func(e Entry) error {
		assert.Equal(t, KindEvent, e.Kind)
		ev, at, err := DecodeEvent(e.Data)
		if err != nil {
			return err
		}
		assert.True(t, observed.Equal(at))
		got = append(got, ev)
		return nil
	}))
	assert.Equal(t, events, got)
}

func TestDecodeEventRejectsShortGUID(t *testing.T) {
	data, err := eventEncMode.Marshal(eventRecord{GUID: []byte{1, 2}, Generation: 1})
	require.NoError(t, err)
	_, _, err = DecodeEvent(data)
	assert.ErrorContains(t, err, "guid is 2 bytes")
}
