package journal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"
)

// Entry is one decoded record.
type Entry struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

type indexEntry struct {
	offset   int64
	unixNano int64
	source   string
}

// Reader reads records in the order they were written.
type Reader struct {
	r     io.ReaderAt
	index []indexEntry

	sources  []string
	earliest int64
	latest   int64
}

// NewReader indexes the first size bytes of r. A truncated final record,
// left by a writer that stopped mid-append, is ignored.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	ret := &Reader{r: r}
	if err := ret.indexAll(io.NewSectionReader(r, 0, size)); err != nil {
		return nil, fmt.Errorf("journal: index: %w", err)
	}
	return ret, nil
}

// OpenReader indexes the journal file at path.
func OpenReader(path string) (*Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("journal: stat %s: %w", path, err)
	}
	reader, err := NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return reader, f, nil
}

func (r *Reader) indexAll(section io.Reader) error {
	br := bufio.NewReaderSize(section, 64*1024)
	seen := make(map[string]bool)

	var header [headerSize]byte
	var offset int64
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return fmt.Errorf("read header at %d: %w", offset, err)
		}
		kind, sourceLength, dataLength, ts := decodeHeader(header[:])
		if kind == KindInvalid {
			return fmt.Errorf("invalid record at %d", offset)
		}

		source := make([]byte, sourceLength)
		if _, err := io.ReadFull(br, source); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return fmt.Errorf("read source at %d: %w", offset, err)
		}
		if n, err := br.Discard(int(dataLength)); err != nil {
			if n < int(dataLength) && (err == io.EOF || err == io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("skip data at %d: %w", offset, err)
		}

		name := string(source)
		if !seen[name] {
			seen[name] = true
			r.sources = append(r.sources, name)
		}
		if r.earliest == 0 || ts < r.earliest {
			r.earliest = ts
		}
		if ts > r.latest {
			r.latest = ts
		}
		r.index = append(r.index, indexEntry{offset: offset, unixNano: ts, source: name})

		offset += headerSize + int64(sourceLength) + int64(dataLength)
	}
}

// Count returns the number of records.
func (r *Reader) Count() int {
	return len(r.index)
}

// Sources lists record sources in order of first appearance.
func (r *Reader) Sources() []string {
	return append([]string(nil), r.sources...)
}

// TimeRange returns the earliest and latest record timestamps.
func (r *Reader) TimeRange() (time.Time, time.Time) {
	return time.Unix(0, r.earliest), time.Unix(0, r.latest)
}

// Each calls fn for every record in write order. A non-nil error from fn
// stops the iteration and is returned.
func (r *Reader) Each(fn func(Entry) error) error {
	return r.each("", fn)
}

// EachSource is Each restricted to one source.
func (r *Reader) EachSource(source string, fn func(Entry) error) error {
	if source == "" {
		return fmt.Errorf("journal: empty source")
	}
	return r.each(source, fn)
}

func (r *Reader) each(source string, fn func(Entry) error) error {
	var header [headerSize]byte
	for _, ie := range r.index {
		if source != "" && ie.source != source {
			continue
		}
		if _, err := r.r.ReadAt(header[:], ie.offset); err != nil {
			return fmt.Errorf("journal: read header at %d: %w", ie.offset, err)
		}
		kind, sourceLength, dataLength, _ := decodeHeader(header[:])

		data := make([]byte, dataLength)
		if _, err := r.r.ReadAt(data, ie.offset+headerSize+int64(sourceLength)); err != nil && !(err == io.EOF && dataLength == 0) {
			return fmt.Errorf("journal: read data at %d: %w", ie.offset, err)
		}
		if err := fn(Entry{Time: time.Unix(0, ie.unixNano), Kind: kind, Source: ie.source, Data: data}); err != nil {
			return err
		}
	}
	return nil
}
