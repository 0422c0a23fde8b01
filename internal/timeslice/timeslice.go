// Package timeslice records how long the JIT spends in each phase of
// compiling, installing and patching translations.
//
// Recording is off until StartRecording is called; Record is a single
// atomic load when nothing is listening.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x4a54534c // "LSTJ"
	Version uint32 = 3
)

// pageSize pads the header so the record stream starts on a page boundary.
const pageSize = 4096

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

type KindID uint64

const InvalidKind = KindID(0)

type KindInfo struct {
	Name  string
	Flags Flags
}

type Flags uint32

const (
	// FlagCompile marks phases run on the compiler thread.
	FlagCompile Flags = 1 << iota
	// FlagPatch marks phases that write to installed code.
	FlagPatch
	// FlagSafepoint marks phases run with mutators stopped.
	FlagSafepoint
)

func (f Flags) String() string {
	var names []string
	if f&FlagCompile != 0 {
		names = append(names, "compile")
	}
	if f&FlagPatch != 0 {
		names = append(names, "patch")
	}
	if f&FlagSafepoint != 0 {
		names = append(names, "safepoint")
	}
	return strings.Join(names, ",")
}

var (
	kindsMu sync.Mutex
	kinds   = make(map[KindID]KindInfo)
)

// RegisterKind adds a phase. Kinds are normally registered from package
// variable initializers.
func RegisterKind(name string, flags Flags) KindID {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	id := KindID(len(kinds) + 1)
	kinds[id] = KindInfo{Name: name, Flags: flags}
	return id
}

type record struct {
	ID       KindID
	Duration int64
}

var recordSize = binary.Size(record{})

type writer struct {
	w    io.Writer
	recs chan record
	done chan error
}

func (w *writer) run() {
	defer close(w.done)

	var buf [pageSize]byte
	off := 0
	for rec := range w.recs {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				w.done <- err
				// Keep draining so Record never blocks on a dead writer.
				for range w.recs {
				}
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint64(buf[off:], uint64(rec.ID))
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(rec.Duration))
		off += recordSize
	}
	if off > 0 {
		if _, err := w.w.Write(buf[:off]); err != nil {
			w.done <- err
			return
		}
	}
	w.done <- nil
}

func (w *writer) Close() error {
	if !current.CompareAndSwap(w, nil) {
		return errors.New("timeslice: already closed")
	}
	close(w.recs)
	if err := <-w.done; err != nil {
		return fmt.Errorf("timeslice: write records: %w", err)
	}
	return nil
}

var current atomic.Pointer[writer]

// Recording reports whether a recording is open.
func Recording() bool { return current.Load() != nil }

// Recorder times consecutive phases of one operation. It is not safe for
// concurrent use.
type Recorder struct {
	last time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{last: time.Now()}
}

// Record charges the time since the previous call (or NewRecorder) to id.
func (r *Recorder) Record(id KindID) {
	now := time.Now()
	Record(id, now.Sub(r.last))
	r.last = now
}

func Record(id KindID, d time.Duration) {
	if w := current.Load(); w != nil {
		w.recs <- record{ID: id, Duration: d.Nanoseconds()}
	}
}

// StartRecording writes the header and kind table to w and streams every
// subsequent Record into it until the returned Closer is closed.
func StartRecording(w io.Writer) (io.Closer, error) {
	if current.Load() != nil {
		return nil, errors.New("timeslice: already recording")
	}

	kindsMu.Lock()
	table, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(table)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}
	if pad := padding(binary.Size(header{}) + len(table)); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	wr := &writer{
		w:    w,
		recs: make(chan record, 4096),
		done: make(chan error, 1),
	}
	if !current.CompareAndSwap(nil, wr) {
		return nil, errors.New("timeslice: already recording")
	}
	go wr.run()
	return wr, nil
}

func padding(off int) int {
	if off%pageSize == 0 {
		return 0
	}
	return pageSize - off%pageSize
}

// ReadAllRecords calls fn for every record in a recording, in order.
func ReadAllRecords(r io.Reader, fn func(name string, flags Flags, d time.Duration) error) error {
	buf := bufio.NewReaderSize(r, pageSize)

	var h header
	if err := binary.Read(buf, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if h.Magic != Magic {
		return fmt.Errorf("timeslice: bad magic 0x%08x", h.Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", h.Version)
	}

	var table map[KindID]KindInfo
	if err := json.NewDecoder(io.LimitReader(buf, int64(h.KindsLength))).Decode(&table); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}
	if pad := padding(binary.Size(h) + int(h.KindsLength)); pad > 0 {
		if _, err := buf.Discard(pad); err != nil {
			return fmt.Errorf("timeslice: skip padding: %w", err)
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		kind, ok := table[rec.ID]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", rec.ID)
		}
		if err := fn(kind.Name, kind.Flags, time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}
