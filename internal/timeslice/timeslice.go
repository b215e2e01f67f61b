// Package timeslice accounts where wall-clock time goes: in the guest,
// in exit handlers, in the scheduler. The dispatch loops stamp a
// record at each transition; records stream to a compact binary file
// decoded offline. Recording is free when no writer is open.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x564D5453 // "VMTS"
	Version uint32 = 1
)

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

// KindID names one registered slice kind.
type KindID uint64

// InvalidKind is the zero KindID.
const InvalidKind = KindID(0)

// KindFlags classify a slice kind.
type KindFlags uint32

const (
	// FlagGuestTime marks time spent inside the guest.
	FlagGuestTime KindFlags = 1 << iota
	// FlagInitTime marks one-off bringup work.
	FlagInitTime
)

func (f KindFlags) String() string {
	var flags []string
	if f&FlagGuestTime != 0 {
		flags = append(flags, "guest")
	}
	if f&FlagInitTime != 0 {
		flags = append(flags, "init")
	}
	return strings.Join(flags, ",")
}

// KindInfo describes a registered kind.
type KindInfo struct {
	Name  string
	Flags KindFlags
}

var kinds = make(map[KindID]KindInfo)

// RegisterKind names a new slice kind. Called from package init
// functions; not safe for concurrent use.
func RegisterKind(name string, flags KindFlags) KindID {
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
	w       io.Writer
	done    chan error
	records chan record
}

func (w *writer) run() {
	var buf [4096]byte
	off := 0
	for rec := range w.records {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				w.done <- err
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(rec.ID))
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(rec.Duration))
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
		return fmt.Errorf("timeslice: already closed")
	}
	close(w.records)
	if err := <-w.done; err != nil {
		return fmt.Errorf("timeslice: write thread: %w", err)
	}
	return nil
}

var current atomic.Pointer[writer]

// Recorder stamps consecutive slices on one dispatch loop. Not safe
// for concurrent use; each vCPU thread owns its own.
type Recorder struct {
	last time.Time
}

// NewRecorder starts the clock.
func NewRecorder() *Recorder {
	return &Recorder{last: time.Now()}
}

// Record attributes the time since the previous stamp to the kind.
func (r *Recorder) Record(id KindID) {
	now := time.Now()
	Record(id, now.Sub(r.last))
	r.last = now
}

// Record emits one record if a writer is open.
func Record(id KindID, duration time.Duration) {
	if w := current.Load(); w != nil {
		w.records <- record{ID: id, Duration: duration.Nanoseconds()}
	}
}

// StartRecording opens the stream: a header, the kind table, then
// records until the returned closer is closed.
func StartRecording(w io.Writer) (io.Closer, error) {
	if current.Load() != nil {
		return nil, fmt.Errorf("timeslice: already open")
	}
	table, err := json.Marshal(kinds)
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
	wr := &writer{
		w:       w,
		records: make(chan record, 4096),
		done:    make(chan error, 1),
	}
	go wr.run()
	if !current.CompareAndSwap(nil, wr) {
		return nil, fmt.Errorf("timeslice: already open")
	}
	return wr, nil
}

// ReadAllRecords decodes a stream, calling fn per record.
func ReadAllRecords(r io.Reader, fn func(name string, flags KindFlags, duration time.Duration) error) error {
	buf := bufio.NewReaderSize(r, 4096)
	var h header
	if err := binary.Read(buf, binary.LittleEndian, &h); err != nil {
		return err
	}
	if h.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic")
	}
	if h.Version != Version {
		return fmt.Errorf("timeslice: invalid version")
	}
	var table map[KindID]KindInfo
	dec := json.NewDecoder(io.LimitReader(buf, int64(h.KindsLength)))
	if err := dec.Decode(&table); err != nil {
		return err
	}
	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		kind, ok := table[rec.ID]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", rec.ID)
		}
		if err := fn(kind.Name, kind.Flags, time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
	return nil
}
