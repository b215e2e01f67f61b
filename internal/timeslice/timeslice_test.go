package timeslice

import (
	"bytes"
	"testing"
	"time"
)

var (
	tsTestGuest = RegisterKind("test_guest", FlagGuestTime)
	tsTestHost  = RegisterKind("test_host", 0)
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	func() {
		w, err := StartRecording(&buf)
		if err != nil {
			t.Fatalf("StartRecording: %v", err)
		}
		defer w.Close()

		Record(tsTestGuest, 100*time.Millisecond)
		Record(tsTestHost, 200*time.Millisecond)
	}()

	var names []string
	var total time.Duration
	if err := ReadAllRecords(bytes.NewReader(buf.Bytes()),
		func(name string, flags KindFlags, d time.Duration) error {
			names = append(names, name)
			total += d
			return nil
		}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	if len(names) != 2 || names[0] != "test_guest" || names[1] != "test_host" {
		t.Fatalf("names: %v", names)
	}
	if total != 300*time.Millisecond {
		t.Fatalf("total: %v", total)
	}
}

func TestRecordWithoutWriterIsFree(t *testing.T) {
	Record(tsTestGuest, time.Second) // must not block or panic
}

func TestDoubleOpenRejected(t *testing.T) {
	var buf bytes.Buffer
	w, err := StartRecording(&buf)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	defer w.Close()
	if _, err := StartRecording(&buf); err == nil {
		t.Fatal("second StartRecording succeeded")
	}
}

func TestGuestFlagSurvives(t *testing.T) {
	var buf bytes.Buffer
	func() {
		w, _ := StartRecording(&buf)
		defer w.Close()
		Record(tsTestGuest, time.Millisecond)
	}()
	if err := ReadAllRecords(bytes.NewReader(buf.Bytes()),
		func(name string, flags KindFlags, d time.Duration) error {
			if name == "test_guest" && flags&FlagGuestTime == 0 {
				t.Error("guest flag lost")
			}
			return nil
		}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
}
