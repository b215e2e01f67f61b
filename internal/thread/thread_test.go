package thread

import (
	"testing"

	"github.com/tinyrange/vmm/internal/pcpu"
)

func bootSelf(t *testing.T, cpuID int) (*Sched, *Self) {
	t.Helper()
	pcpu.ResetForTest()
	s := New(false)
	cpu := pcpu.New(cpuID)
	return s, s.Bind(cpu)
}

func TestNewRunExit(t *testing.T) {
	s, self := bootSelf(t, 0)
	freeBefore := s.FreeCount()

	ran := false
	s.NewThread(func(ts *Self, arg any) {
		if arg.(int) != 42 {
			t.Errorf("arg: got %v", arg)
		}
		ran = true
	}, 42)

	if got := s.RunnableCount(); got != 1 {
		t.Fatalf("runnable before schedule: %d", got)
	}

	self.Schedule() // run the thread to completion; it exits back to us

	if !ran {
		t.Fatal("thread body did not run")
	}
	// descriptor conservation: the exited thread is back on the free
	// list, nothing left runnable
	if got := s.FreeCount(); got != freeBefore {
		t.Fatalf("free after exit: got %d want %d", got, freeBefore)
	}
	if got := s.RunnableCount(); got != 0 {
		t.Fatalf("runnable after exit: %d", got)
	}
}

func TestYieldRoundRobin(t *testing.T) {
	s, self := bootSelf(t, 0)

	var order []int
	s.NewThread(func(ts *Self, arg any) {
		order = append(order, 1)
		ts.Schedule()
		order = append(order, 3)
	}, nil)

	self.Schedule() // thread runs to its first yield, then back to boot
	order = append(order, 2)
	self.Schedule() // thread finishes
	order = append(order, 4)

	want := []int{1, 2, 3, 4}
	if len(order) != len(want) {
		t.Fatalf("order: %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order: %v", order)
		}
	}
}

func TestWillStopWakeup(t *testing.T) {
	s, self := bootSelf(t, 0)

	phase := 0
	tid := s.NewThread(func(ts *Self, arg any) {
		phase = 1
		ts.WillStop()
		ts.Schedule() // finalized to stop here
		phase = 2
	}, nil)

	self.Schedule()
	if phase != 1 {
		t.Fatalf("phase after stop: %d", phase)
	}
	// the stopped thread must not be runnable
	if got := s.RunnableCount(); got != 0 {
		t.Fatalf("runnable while stopped: %d", got)
	}

	s.Wakeup(tid)
	self.Schedule()
	if phase != 2 {
		t.Fatalf("phase after wakeup: %d", phase)
	}
	self.Schedule() // let it exit
}

func TestWakeupCancelsPendingStop(t *testing.T) {
	s, self := bootSelf(t, 0)

	resumed := false
	s.NewThread(func(ts *Self, arg any) {
		ts.WillStop()
		// a wakeup arriving before the next Schedule cancels the stop
		ts.s.Wakeup(ts.Tid())
		ts.Schedule()
		resumed = true
	}, nil)

	self.Schedule() // thread yields with the stop canceled, still runnable
	if resumed {
		t.Fatal("thread should have yielded, not finished")
	}
	if got := s.RunnableCount(); got != 1 {
		t.Fatalf("runnable after canceled stop: %d", got)
	}
	self.Schedule()
	if !resumed {
		t.Fatal("thread did not resume after canceled stop")
	}
}

func TestCPUPinning(t *testing.T) {
	pcpu.ResetForTest()
	s := New(false)
	cpu1 := pcpu.New(1)
	self := s.Bind(cpu1)

	s.SetCPU0Only(true)
	ran := false
	s.NewThread(func(ts *Self, arg any) { ran = true }, nil)

	// a CPUAny thread must not run on cpu 1 while cpu0only is set
	self.Schedule()
	if ran {
		t.Fatal("CPUAny thread ran on cpu 1 despite cpu0only")
	}

	s.SetCPU0Only(false)
	self.Schedule()
	if !ran {
		t.Fatal("thread did not run after cpu0only cleared")
	}
	self.Schedule()
}

func TestDescriptorReuse(t *testing.T) {
	s, self := bootSelf(t, 0)
	freeBefore := s.FreeCount()

	for i := 0; i < MaxThreads*2; i++ {
		s.NewThread(func(ts *Self, arg any) {}, nil)
		self.Schedule()
	}
	if got := s.FreeCount(); got != freeBefore {
		t.Fatalf("free after churn: got %d want %d", got, freeBefore)
	}
}
