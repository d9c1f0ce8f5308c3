// Package debug records a binary trace of muxer activity.
//
// All writers share one sink. Each record claims its region of the file
// with a single atomic add on the sink's offset, so goroutines never block
// each other and records never interleave. A record is laid out as:
//
//	2 bytes  kind (1 = raw bytes, 2 = string)
//	2 bytes  source name length
//	4 bytes  data length
//	8 bytes  timestamp, nanoseconds since the Unix epoch
//
// followed by the source name and the data. Integers are little endian.
package debug

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const recordHeaderSize = 16

// Kind tags how a record's data should be interpreted.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

// Writer is the sink for trace records. WriteAt must be safe for
// concurrent use; offsets handed to it never overlap.
type Writer interface {
	io.WriterAt
	io.Closer
}

type sink struct {
	w   Writer
	off atomic.Uint64

	// The first write failure stops the trace; the error surfaces in Close.
	failed atomic.Bool
	mu     sync.Mutex
	err    error
}

func (s *sink) fail(err error) {
	s.failed.Store(true)
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *sink) firstErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

var current atomic.Pointer[sink]

// OpenFile starts a trace in the named file, truncating any previous run.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if err := Open(f); err != nil {
		f.Close()
		return err
	}
	return nil
}

// Open installs w as the process-wide trace writer. It fails if a trace is
// already open; the existing writer stays attached.
func Open(w Writer) error {
	if !current.CompareAndSwap(nil, &sink{w: w}) {
		return fmt.Errorf("debug: trace already open")
	}
	return nil
}

// Close detaches and closes the trace writer. If any record failed to
// write during the trace, the first such error is returned.
func Close() error {
	s := current.Swap(nil)
	if s == nil {
		return nil
	}
	cerr := s.w.Close()
	if err := s.firstErr(); err != nil {
		return fmt.Errorf("debug: trace write failed: %w", err)
	}
	return cerr
}

func emit(kind Kind, source string, data []byte) {
	s := current.Load()
	if s == nil || s.failed.Load() {
		return
	}
	if len(source) > 0xffff {
		source = source[:0xffff]
	}
	n := recordHeaderSize + len(source) + len(data)
	buf := make([]byte, n)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(time.Now().UnixNano()))
	copy(buf[recordHeaderSize:], source)
	copy(buf[recordHeaderSize+len(source):], data)
	off := s.off.Add(uint64(n)) - uint64(n)
	if _, err := s.w.WriteAt(buf, int64(off)); err != nil {
		s.fail(err)
	}
}

// WriteBytes records raw bytes under the given source.
func WriteBytes(source string, data []byte) {
	emit(KindBytes, source, data)
}

// Write records a string under the given source.
func Write(source string, data string) {
	emit(KindString, source, []byte(data))
}

// Writef records a formatted string under the given source. When no trace
// is open the arguments are not formatted, so call sites stay cheap.
func Writef(source string, format string, args ...any) {
	if current.Load() == nil {
		return
	}
	emit(KindString, source, fmt.Appendf(nil, format, args...))
}

// SearchOptions narrows Search and Count to a window of the trace.
type SearchOptions struct {
	// Start and End bound record timestamps. A zero value leaves that
	// side unbounded.
	Start time.Time
	End   time.Time

	// First keeps only the earliest N matching records, Last the final N.
	// Setting both is an error.
	First int
	Last  int

	// Sources restricts matching to records from these sources.
	Sources []string
}

// Reader gives indexed access to a finished trace.
type Reader interface {
	// Sources lists every source name in first-write order.
	Sources() []string

	// TimeRange returns the earliest and latest record timestamps.
	TimeRange() (time.Time, time.Time)

	// Each visits every record in the order it was written.
	Each(fn func(ts time.Time, kind Kind, source string, data []byte) error) error

	// EachSource visits every record from one source in write order.
	EachSource(source string, fn func(ts time.Time, kind Kind, data []byte) error) error

	// Sample visits the first record written by each source.
	Sample(fn func(ts time.Time, kind Kind, source string, data []byte) error) error

	// Search visits matching records ordered by timestamp. Records with
	// equal timestamps keep their write order.
	Search(opts SearchOptions, fn func(ts time.Time, kind Kind, source string, data []byte) error) error

	// Count reports how many records Search would visit.
	Count(opts SearchOptions) (int, error)
}

// record indexes one trace entry. off points at the data region, past the
// header and source name.
type record struct {
	off  int64
	ts   int64
	kind Kind
	src  string
	dlen uint32
}

type reader struct {
	r io.ReaderAt

	// records in write (offset) order, sources in first-write order.
	records []record
	order   []string

	earliest int64
	latest   int64
}

// scan indexes the trace front to back. A zero kind or a truncated tail
// ends the scan without error: a crashed writer can leave an allocated but
// unwritten region, and everything past it is unreachable anyway.
func (r *reader) scan(br *bufio.Reader) error {
	intern := make(map[string]string)
	var hdr [recordHeaderSize]byte
	var srcBuf []byte
	off := int64(0)

	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return fmt.Errorf("record header at offset %d: %w", off, err)
		}
		kind := Kind(binary.LittleEndian.Uint16(hdr[0:2]))
		if kind == KindInvalid {
			return nil
		}
		if kind > KindString {
			return fmt.Errorf("record at offset %d has kind %d", off, kind)
		}
		srcLen := int(binary.LittleEndian.Uint16(hdr[2:4]))
		dataLen := binary.LittleEndian.Uint32(hdr[4:8])
		ts := int64(binary.LittleEndian.Uint64(hdr[8:16]))

		if srcLen > len(srcBuf) {
			srcBuf = make([]byte, srcLen)
		}
		if _, err := io.ReadFull(br, srcBuf[:srcLen]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return fmt.Errorf("record source at offset %d: %w", off, err)
		}
		src, ok := intern[string(srcBuf[:srcLen])]
		if !ok {
			src = string(srcBuf[:srcLen])
			intern[src] = src
			r.order = append(r.order, src)
		}
		if _, err := br.Discard(int(dataLen)); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return fmt.Errorf("record data at offset %d: %w", off, err)
		}

		if len(r.records) == 0 {
			r.earliest, r.latest = ts, ts
		} else {
			if ts < r.earliest {
				r.earliest = ts
			}
			if ts > r.latest {
				r.latest = ts
			}
		}
		r.records = append(r.records, record{
			off:  off + recordHeaderSize + int64(srcLen),
			ts:   ts,
			kind: kind,
			src:  src,
			dlen: dataLen,
		})
		off += recordHeaderSize + int64(srcLen) + int64(dataLen)
	}
}

func (r *reader) data(rec *record) ([]byte, error) {
	data := make([]byte, rec.dlen)
	if rec.dlen == 0 {
		return data, nil
	}
	if n, err := r.r.ReadAt(data, rec.off); err != nil && n != len(data) {
		return nil, fmt.Errorf("record data at offset %d: %w", rec.off, err)
	}
	return data, nil
}

func (r *reader) Sources() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *reader) TimeRange() (time.Time, time.Time) {
	return time.Unix(0, r.earliest), time.Unix(0, r.latest)
}

func (r *reader) Each(fn func(ts time.Time, kind Kind, source string, data []byte) error) error {
	for i := range r.records {
		rec := &r.records[i]
		data, err := r.data(rec)
		if err != nil {
			return err
		}
		if err := fn(time.Unix(0, rec.ts), rec.kind, rec.src, data); err != nil {
			return err
		}
	}
	return nil
}

func (r *reader) EachSource(source string, fn func(ts time.Time, kind Kind, data []byte) error) error {
	for i := range r.records {
		rec := &r.records[i]
		if rec.src != source {
			continue
		}
		data, err := r.data(rec)
		if err != nil {
			return err
		}
		if err := fn(time.Unix(0, rec.ts), rec.kind, data); err != nil {
			return err
		}
	}
	return nil
}

func (r *reader) Sample(fn func(ts time.Time, kind Kind, source string, data []byte) error) error {
	seen := make(map[string]struct{}, len(r.order))
	for i := range r.records {
		rec := &r.records[i]
		if _, ok := seen[rec.src]; ok {
			continue
		}
		seen[rec.src] = struct{}{}
		data, err := r.data(rec)
		if err != nil {
			return err
		}
		if err := fn(time.Unix(0, rec.ts), rec.kind, rec.src, data); err != nil {
			return err
		}
	}
	return nil
}

// match returns the records satisfying opts, ordered by timestamp.
func (r *reader) match(opts SearchOptions) ([]*record, error) {
	if opts.First > 0 && opts.Last > 0 {
		return nil, fmt.Errorf("debug: search cannot set both First and Last")
	}
	var want map[string]struct{}
	if len(opts.Sources) > 0 {
		want = make(map[string]struct{}, len(opts.Sources))
		for _, s := range opts.Sources {
			want[s] = struct{}{}
		}
	}
	var out []*record
	for i := range r.records {
		rec := &r.records[i]
		if want != nil {
			if _, ok := want[rec.src]; !ok {
				continue
			}
		}
		ts := time.Unix(0, rec.ts)
		if !opts.Start.IsZero() && ts.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && ts.After(opts.End) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ts < out[j].ts })
	if opts.First > 0 && len(out) > opts.First {
		out = out[:opts.First]
	}
	if opts.Last > 0 && len(out) > opts.Last {
		out = out[len(out)-opts.Last:]
	}
	return out, nil
}

func (r *reader) Search(opts SearchOptions, fn func(ts time.Time, kind Kind, source string, data []byte) error) error {
	matched, err := r.match(opts)
	if err != nil {
		return err
	}
	for _, rec := range matched {
		data, err := r.data(rec)
		if err != nil {
			return err
		}
		if err := fn(time.Unix(0, rec.ts), rec.kind, rec.src, data); err != nil {
			return err
		}
	}
	return nil
}

func (r *reader) Count(opts SearchOptions) (int, error) {
	matched, err := r.match(opts)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

// NewReader indexes size bytes of trace held by r.
func NewReader(r io.ReaderAt, size int64) (Reader, error) {
	rd := &reader{r: r}
	br := bufio.NewReaderSize(io.NewSectionReader(r, 0, size), 1<<20)
	if err := rd.scan(br); err != nil {
		return nil, fmt.Errorf("debug: indexing trace: %w", err)
	}
	return rd, nil
}

// NewReaderFromFile opens and indexes a trace file. The caller owns the
// returned closer.
func NewReaderFromFile(filename string) (Reader, io.Closer, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("debug: opening trace: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("debug: stat trace: %w", err)
	}
	rd, err := NewReader(f, fi.Size())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return rd, f, nil
}
