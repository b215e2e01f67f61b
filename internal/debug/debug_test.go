package debug

import (
	"bytes"
	"testing"
)

type memWriter struct {
	buf []byte
}

func (m *memWriter) WriteAt(p []byte, off int64) (int, error) {
	end := int(off) + len(p)
	if end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	copy(m.buf[off:], p)
	return len(p), nil
}

func (m *memWriter) Close() error { return nil }

func TestWriteAndReadBack(t *testing.T) {
	w := &memWriter{}
	if err := Open(w); err != nil {
		t.Fatalf("Open: %v", err)
	}

	Write("a", "first")
	Writef("b", "value=%d", 42)

	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var entries []Entry
	if err := ReadAll(bytes.NewReader(w.buf), func(e Entry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	if len(entries) != 2 {
		t.Fatalf("entries: %d", len(entries))
	}
	if entries[0].Source != "a" || entries[0].Message != "first" {
		t.Fatalf("entry 0: %+v", entries[0])
	}
	if entries[1].Source != "b" || entries[1].Message != "value=42" {
		t.Fatalf("entry 1: %+v", entries[1])
	}
}

func TestWriteWhileClosedIsNoop(t *testing.T) {
	Close()
	Write("a", "dropped")
	Writef("a", "dropped %d", 1)
}
