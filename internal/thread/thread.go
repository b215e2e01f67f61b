// Package thread implements the monitor's cooperative scheduler. A fixed
// pool of descriptors is shared by all physical CPUs; each CPU runs
// exactly one thread at a time and control moves only at Schedule. The
// register/stack switch of a native implementation becomes a handoff of
// an execution token between parked goroutines: the scheduler lock is
// held across the handoff and released by the switched-in thread.
package thread

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/vmm/internal/list"
	"github.com/tinyrange/vmm/internal/pcpu"
)

const (
	// MaxThreads bounds the descriptor pool. NewThread and Bind panic
	// when the pool is exhausted.
	MaxThreads = 256

	// CPUAny marks a thread runnable on every physical CPU.
	CPUAny = -1
)

// Tid identifies a thread descriptor for its whole lifetime.
type Tid int

// State is the scheduling state of one descriptor.
type State int

const (
	StateExit State = iota
	StateRun
	StateWillStop
	StateStop
)

func (s State) String() string {
	switch s {
	case StateExit:
		return "exit"
	case StateRun:
		return "run"
	case StateWillStop:
		return "will-stop"
	case StateStop:
		return "stop"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Func is a thread body. The Self handle is the thread's only way to
// yield, stop, or exit.
type Func func(self *Self, arg any)

type data struct {
	links  list.Links[data]
	tid    Tid
	state  State
	cpunum int
	boot   bool
	fn     Func
	arg    any
	// resume carries the execution token. The value is the physical CPU
	// the thread is being resumed on.
	resume chan *pcpu.CPU
}

func dataLinks(d *data) *list.Links[data] { return &d.links }

// Sched is the process-wide scheduler.
type Sched struct {
	mu       sync.Mutex
	td       [MaxThreads]data
	free     *list.Head[data]
	runnable *list.Head[data]
	cpu0only bool

	// oldCtx delays releasing the previous exited thread's closure
	// until the next Schedule, after its goroutine has fully unwound.
	oldCtx struct {
		fn  Func
		arg any
	}

	oneCPU    bool
	skipOwner atomic.Int64 // cpu id + 1, 0 when free
}

// Self is the handle a running thread uses to interact with the
// scheduler. It is valid only on the goroutine it was issued to.
type Self struct {
	s   *Sched
	d   *data
	cpu *pcpu.CPU
}

// New creates a scheduler with every descriptor on the free list.
// oneCPU enables the re-entrancy latch used by single-CPU
// configurations.
func New(oneCPU bool) *Sched {
	s := &Sched{oneCPU: oneCPU}
	s.free = list.NewHead(dataLinks)
	s.runnable = list.NewHead(dataLinks)
	for i := range s.td {
		s.td[i].tid = Tid(i)
		s.td[i].state = StateExit
		s.free.Add(&s.td[i])
	}
	return s
}

// Bind claims a descriptor for the calling goroutine, which becomes the
// boot thread of the given physical CPU. The boot thread is pinned to
// that CPU and is the root every other thread eventually yields back to.
func (s *Sched) Bind(cpu *pcpu.CPU) *Self {
	s.mu.Lock()
	d := s.free.Pop()
	if d == nil {
		s.mu.Unlock()
		panic("thread: descriptor pool exhausted")
	}
	s.initData(d, nil, nil, cpu.ID)
	d.boot = true
	cpu.CurTid.Store(int32(d.tid))
	s.mu.Unlock()
	return &Self{s: s, d: d, cpu: cpu}
}

func (s *Sched) initData(d *data, fn Func, arg any, cpunum int) {
	d.state = StateRun
	d.cpunum = cpunum
	d.boot = false
	d.fn = fn
	d.arg = arg
	d.resume = make(chan *pcpu.CPU, 1)
}

// NewThread allocates a descriptor, spawns its goroutine parked on the
// execution token, and enqueues it runnable on any CPU.
func (s *Sched) NewThread(fn Func, arg any) Tid {
	s.mu.Lock()
	d := s.free.Pop()
	if d == nil {
		s.mu.Unlock()
		panic("thread: descriptor pool exhausted")
	}
	s.initData(d, fn, arg, CPUAny)
	tid := d.tid
	go s.trampoline(d)
	s.runnable.Add(d)
	s.mu.Unlock()
	return tid
}

// trampoline is the first frame of every non-boot thread. It waits for
// the first token, releases the scheduler lock the way any switched-in
// thread does, runs the body, and exits.
func (s *Sched) trampoline(d *data) {
	cpu := <-d.resume
	self := &Self{s: s, d: d, cpu: cpu}
	s.switched()
	d.fn(self, d.arg)
	self.Exit()
}

// switched is the tail of every context switch, executed by the thread
// that just received the token.
func (s *Sched) switched() {
	s.mu.Unlock()
}

func (s *Sched) scheduleSkip(start bool, cpuID int) bool {
	if !s.oneCPU {
		return false
	}
	if start {
		if s.skipOwner.CompareAndSwap(0, int64(cpuID)+1) {
			return false
		}
		return s.skipOwner.Load() != int64(cpuID)+1
	}
	s.skipOwner.Store(0)
	return false
}

// Tid returns the calling thread's identifier.
func (self *Self) Tid() Tid { return self.d.tid }

// CPU returns the physical CPU the thread is currently running on.
func (self *Self) CPU() *pcpu.CPU { return self.cpu }

// Schedule yields to the first runnable thread eligible for this CPU.
// If none is eligible the call returns and the current thread keeps
// running.
func (self *Self) Schedule() {
	self.schedule()
}

// schedule returns true when the calling thread has exited and its
// goroutine must unwind instead of parking.
func (self *Self) schedule() bool {
	s := self.s
	cpu := self.cpu
	if s.scheduleSkip(true, cpu.ID) {
		return false
	}
	s.mu.Lock()
	s.oldCtx.fn = nil
	s.oldCtx.arg = nil
	cpuany := CPUAny
	if s.cpu0only && cpu.ID != 0 {
		cpuany = cpu.ID
	}
	var d *data
	for p := s.runnable.First(); p != nil; p = s.runnable.Next(p) {
		if p.cpunum == cpuany || p.cpunum == cpu.ID {
			d = p
			break
		}
	}
	if d == nil {
		s.mu.Unlock()
		s.scheduleSkip(false, cpu.ID)
		return false
	}
	s.runnable.Del(d)
	old := self.d
	cpu.CurTid.Store(int32(d.tid))
	exiting := false
	switch old.state {
	case StateExit:
		s.oldCtx.fn = old.fn
		s.oldCtx.arg = old.arg
		old.fn = nil
		old.arg = nil
		s.free.Add(old)
		exiting = true
	case StateRun:
		s.runnable.Add(old)
	case StateWillStop:
		old.state = StateStop
	default:
		panic(fmt.Sprintf("thread: schedule: bad state tid=%d state=%v",
			old.tid, old.state))
	}
	if d.cpunum != CPUAny {
		s.scheduleSkip(false, cpu.ID)
	}
	// Hand the token over. The lock stays held; the switched-in thread
	// releases it.
	d.resume <- cpu
	if exiting {
		return true
	}
	// Park until some CPU switches back to us.
	self.cpu = <-old.resume
	s.switched()
	return false
}

func (s *Sched) setState(tid Tid, state State) State {
	s.mu.Lock()
	old := s.td[tid].state
	s.td[tid].state = state
	s.mu.Unlock()
	return old
}

// Wakeup makes a stopped thread runnable again, or cancels a stop that
// has not been finalized yet.
func (s *Sched) Wakeup(tid Tid) {
	switch s.setState(tid, StateRun) {
	case StateRun:
		slog.Warn("thread: waking up runnable thread", "tid", int(tid))
	case StateWillStop:
		// stop canceled before it was finalized
	case StateStop:
		s.mu.Lock()
		s.runnable.Add(&s.td[tid])
		s.mu.Unlock()
	default:
		panic(fmt.Sprintf("thread: wakeup: bad state tid=%d state=%v",
			tid, s.td[tid].state))
	}
}

// WillStop announces that the calling thread wants to stop. The next
// Schedule that switches away finalizes the stop; Wakeup before then
// cancels it.
func (self *Self) WillStop() {
	switch self.s.setState(self.d.tid, StateWillStop) {
	case StateRun:
	case StateWillStop:
		slog.Warn("thread: WillStop called twice", "tid", int(self.d.tid))
	default:
		panic(fmt.Sprintf("thread: will-stop: bad state tid=%d state=%v",
			self.d.tid, self.d.state))
	}
}

// Exit terminates the calling thread. It never returns; the goroutine
// unwinds after the token has been handed to another thread.
func (self *Self) Exit() {
	switch self.s.setState(self.d.tid, StateExit) {
	case StateExit:
		slog.Warn("thread: thread already exited", "tid", int(self.d.tid))
	case StateRun:
	case StateWillStop:
		slog.Warn("thread: Exit called after WillStop", "tid", int(self.d.tid))
	default:
		panic(fmt.Sprintf("thread: exit: bad state tid=%d state=%v",
			self.d.tid, self.d.state))
	}
	for {
		if self.schedule() {
			runtime.Goexit()
		}
		// Nothing eligible to take over this CPU yet; an exiting
		// thread cannot keep running, so wait for a wakeup.
		runtime.Gosched()
	}
}

// SetCPU0Only restricts CPUAny threads to physical CPU 0. Threads
// pinned to other CPUs still run there.
func (s *Sched) SetCPU0Only(enable bool) {
	s.mu.Lock()
	s.cpu0only = enable
	s.mu.Unlock()
}

// FreeCount and RunnableCount report pool accounting at quiescence.
// Tests use them to check descriptor conservation.
func (s *Sched) FreeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.free.Len()
}

func (s *Sched) RunnableCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runnable.Len()
}
