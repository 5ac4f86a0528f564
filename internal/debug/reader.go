package debug

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"
)

// Entry is one decoded trace record.
type Entry struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

// Reader decodes a trace log produced by this package.
type Reader struct {
	entries []Entry
	sources []string
}

// NewReader decodes the entire log from r. Entries are kept in the order they
// were written.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(r, 1<<20)

	ret := &Reader{}
	seen := map[string]bool{}

	var header [headerSize]byte
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("debug: read header: %w", err)
		}

		kind := Kind(binary.LittleEndian.Uint16(header[0:2]))
		if kind == KindInvalid {
			return nil, fmt.Errorf("debug: invalid record header")
		}
		sourceLen := binary.LittleEndian.Uint16(header[2:4])
		dataLen := binary.LittleEndian.Uint32(header[4:8])
		ts := int64(binary.LittleEndian.Uint64(header[8:16]))

		buf := make([]byte, int(sourceLen)+int(dataLen))
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("debug: read record body: %w", err)
		}

		source := string(buf[:sourceLen])
		if !seen[source] {
			seen[source] = true
			ret.sources = append(ret.sources, source)
		}

		ret.entries = append(ret.entries, Entry{
			Time:   time.Unix(0, ts),
			Kind:   kind,
			Source: source,
			Data:   buf[sourceLen:],
		})
	}

	return ret, nil
}

// NewReaderFromFile opens filename and decodes it.
func NewReaderFromFile(filename string) (*Reader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("debug: open log: %w", err)
	}
	defer f.Close()
	return NewReader(f)
}

// Sources returns the source names in first-seen order.
func (r *Reader) Sources() []string {
	return append([]string(nil), r.sources...)
}

// TimeRange returns the earliest and latest timestamps in the log.
func (r *Reader) TimeRange() (time.Time, time.Time) {
	if len(r.entries) == 0 {
		return time.Time{}, time.Time{}
	}
	earliest, latest := r.entries[0].Time, r.entries[0].Time
	for _, e := range r.entries[1:] {
		if e.Time.Before(earliest) {
			earliest = e.Time
		}
		if e.Time.After(latest) {
			latest = e.Time
		}
	}
	return earliest, latest
}

// Each iterates over all entries in write order.
func (r *Reader) Each(fn func(e Entry) error) error {
	for _, e := range r.entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// EachSource iterates over all entries for one source in write order.
func (r *Reader) EachSource(source string, fn func(e Entry) error) error {
	for _, e := range r.entries {
		if e.Source != source {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of entries for source, or all entries when source
// is empty.
func (r *Reader) Count(source string) int {
	if source == "" {
		return len(r.entries)
	}
	n := 0
	for _, e := range r.entries {
		if e.Source == source {
			n++
		}
	}
	return n
}
