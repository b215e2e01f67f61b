package vt

import (
	"errors"
	"testing"

	"github.com/tinyrange/vmm/internal/cache"
	"github.com/tinyrange/vmm/internal/exint"
	"github.com/tinyrange/vmm/internal/hw"
	"github.com/tinyrange/vmm/internal/mmioclr"
	"github.com/tinyrange/vmm/internal/mmu"
	"github.com/tinyrange/vmm/internal/pcpu"
	"github.com/tinyrange/vmm/internal/status"
	"github.com/tinyrange/vmm/internal/vcpu"
	"github.com/tinyrange/vmm/internal/vcpu/vcputest"
)

const memSize = 16 << 20

func newVT(t *testing.T, runner Runner, opts Options) (*vcpu.Vcpu, *VT, *hw.Mem) {
	t.Helper()
	pcpu.ResetForTest()
	vcpu.ResetForTest()
	mmioclr.ResetForTest()
	exint.ResetForTest()
	status.ResetForTest()
	mem, err := hw.NewMem(0, memSize)
	if err != nil {
		t.Fatalf("NewMem: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	cpu := pcpu.New(0)
	cache.InitHostPAT(cpu)
	v := vcpu.LoadNew(cpu, mem, nil)
	v.Gmm = vcputest.IdentityGmm{Limit: memSize}
	cache.InitGuestRegs(&v.Cache)
	b, err := Init(v, runner, opts)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := b.VMInit(); err != nil {
		t.Fatalf("VMInit: %v", err)
	}
	return v, b, mem
}

func startToCompletion(t *testing.T, b *VT) {
	t.Helper()
	if err := b.StartVM(nil); !errors.Is(err, ErrScriptDone) {
		t.Fatalf("StartVM: %v", err)
	}
}

func TestHLTExit(t *testing.T) {
	runner := &ScriptRunner{Steps: []ScriptStep{StepHLT(1)}}
	v, b, _ := newVT(t, runner, Options{Strategy: mmu.Strategy1})
	startToCompletion(t, b)
	if !v.Halt {
		t.Fatal("halt flag not set")
	}
	if b.stats.hltcnt != 1 {
		t.Fatalf("hlt count: %d", b.stats.hltcnt)
	}
	if b.vmcs.GuestRIP != 0xFFF1 {
		t.Fatalf("RIP not advanced over HLT: 0x%x", b.vmcs.GuestRIP)
	}
	if runner.Launches != 1 {
		t.Fatalf("launches: %d", runner.Launches)
	}
}

// TestIOPassBitmap is the pass-through bitmap round trip: flipping a
// port out and back leaves the bitmap as it started, and the Runner's
// view of interception follows the bitmap.
func TestIOPassBitmap(t *testing.T) {
	_, b, _ := newVT(t, &ScriptRunner{}, Options{Strategy: mmu.Strategy1})

	if !b.IOIntercepted(0xCFC) {
		t.Fatal("port not intercepted by default")
	}
	b.IOPass(0xCFC, true)
	if b.IOIntercepted(0xCFC) {
		t.Fatal("pass did not clear the intercept")
	}
	b.IOPass(0xCFC, false)
	if !b.IOIntercepted(0xCFC) {
		t.Fatal("unpass did not restore the intercept")
	}
	// high port lands in bitmap B
	b.IOPass(0x8042, true)
	if b.IOIntercepted(0x8042) {
		t.Fatal("bitmap B pass failed")
	}
	if !b.IOIntercepted(0x42) {
		t.Fatal("bitmap A disturbed by bitmap B flip")
	}
}

func TestIOExitOut(t *testing.T) {
	runner := &ScriptRunner{Steps: []ScriptStep{StepIOOut(0x60, 1, 2), StepHLT(1)}}
	v, b, _ := newVT(t, runner, Options{Strategy: mmu.Strategy1})
	var got []byte
	v.IO.SetHandler(0x60, func(access vcpu.IOAccess, port uint32, data []byte) vcpu.IOAct {
		if access != vcpu.IOOut {
			t.Errorf("access: %v", access)
		}
		got = append(got, data...)
		return vcpu.IOActCont
	})
	b.regs.RAX = 0xAB
	startToCompletion(t, b)
	if len(got) != 1 || got[0] != 0xAB {
		t.Fatalf("handler saw % x", got)
	}
	if b.stats.iocnt != 1 {
		t.Fatalf("io count: %d", b.stats.iocnt)
	}
}

func TestIOExitInMergesRAX(t *testing.T) {
	runner := &ScriptRunner{Steps: []ScriptStep{StepIOIn(0x71, 1, 2), StepHLT(1)}}
	v, b, _ := newVT(t, runner, Options{Strategy: mmu.Strategy1})
	v.IO.SetHandler(0x71, func(access vcpu.IOAccess, port uint32, data []byte) vcpu.IOAct {
		data[0] = 0x5A
		return vcpu.IOActCont
	})
	b.regs.RAX = 0xDEAD00
	startToCompletion(t, b)
	if b.regs.RAX != 0xDEAD5A {
		t.Fatalf("RAX after IN: 0x%x", b.regs.RAX)
	}
}

func TestIORerunKeepsIP(t *testing.T) {
	runner := &ScriptRunner{Steps: []ScriptStep{StepIOOut(0x20, 1, 2), StepHLT(1)}}
	v, b, _ := newVT(t, runner, Options{Strategy: mmu.Strategy1})
	first := true
	v.IO.SetHandler(0x20, func(access vcpu.IOAccess, port uint32, data []byte) vcpu.IOAct {
		if first {
			first = false
			return vcpu.IOActRerun
		}
		return vcpu.IOActCont
	})
	rip := b.vmcs.GuestRIP
	startToCompletion(t, b)
	// the rerun must not have advanced RIP; only HLT moved it
	if b.vmcs.GuestRIP != rip+1 {
		t.Fatalf("RIP: 0x%x want 0x%x", b.vmcs.GuestRIP, rip+1)
	}
}

// TestEFERLMATransition: writing EFER.LME with paging off sets lme
// only; enabling CR0.PG flips LMA and installs it in the hardware
// field.
func TestEFERLMATransition(t *testing.T) {
	runner := &ScriptRunner{Steps: []ScriptStep{
		StepWRMSR(2),
		StepMovToCR(0, 3, 3), // mov rbx, cr0
		StepHLT(1),
	}}
	_, b, _ := newVT(t, runner, Options{Strategy: mmu.Strategy2})
	// start in protected mode so the CR0 write toggles only PG
	b.WriteControlReg(vcpu.CR0, vcpu.CR0PE)
	b.sw.Enable = false
	b.regs.RCX = vcpu.MSRIA32EFER
	b.regs.RAX = vcpu.EFERLME
	b.regs.RDX = 0
	b.regs.RBX = vcpu.CR0PE | vcpu.CR0PG

	// after the WRMSR only LME is visible
	// after the CR0 write LMA turns on
	startToCompletion(t, b)

	if !b.lme || !b.lma {
		t.Fatalf("lme=%v lma=%v", b.lme, b.lma)
	}
	if b.vmcs.GuestEFER&vcpu.EFERLMA == 0 {
		t.Fatal("LMA not installed in hardware EFER")
	}
	data, fault := b.ReadMSR(vcpu.MSRIA32EFER)
	if fault || data&vcpu.EFERLME == 0 || data&vcpu.EFERLMA == 0 {
		t.Fatalf("guest EFER read: 0x%x fault=%v", data, fault)
	}
}

func TestEFERLMEWithoutPG(t *testing.T) {
	_, b, _ := newVT(t, &ScriptRunner{}, Options{Strategy: mmu.Strategy2})
	if b.WriteMSR(vcpu.MSRIA32EFER, vcpu.EFERLME) {
		t.Fatal("EFER write faulted")
	}
	if !b.lme || b.lma {
		t.Fatalf("lme=%v lma=%v after LME with PG clear", b.lme, b.lma)
	}
}

// TestDoubleFaultDetector: queueing the event that is already pending
// panics instead of looping.
func TestDoubleFaultDetector(t *testing.T) {
	_, b, _ := newVT(t, &ScriptRunner{}, Options{Strategy: mmu.Strategy1})
	b.GeneratePagefault(2, 0x1000)
	defer func() {
		if recover() == nil {
			t.Fatal("second identical injection did not panic")
		}
	}()
	b.GeneratePagefault(2, 0x2000)
}

func TestEventInjectionDelivered(t *testing.T) {
	runner := &ScriptRunner{Steps: []ScriptStep{StepHLT(1)}}
	_, b, _ := newVT(t, runner, Options{Strategy: mmu.Strategy1})
	b.GenerateExternalInt(0x30)
	startToCompletion(t, b)
	if len(runner.Delivered) != 1 {
		t.Fatalf("delivered: %d events", len(runner.Delivered))
	}
	want := uint64(0x30) | IntrTypeExternal | IntrInfoValid
	if runner.Delivered[0] != want {
		t.Fatalf("delivered 0x%x want 0x%x", runner.Delivered[0], want)
	}
	// consumed: nothing queued anymore
	if b.intr.info&IntrInfoValid != 0 {
		t.Fatal("event still queued after delivery")
	}
}

func TestInitSipiSequence(t *testing.T) {
	runner := &ScriptRunner{Steps: []ScriptStep{
		StepInitSignal(),
		StepSIPI(0x9A),
		StepHLT(1),
	}}
	v, b, _ := newVT(t, runner, Options{Strategy: mmu.Strategy1})
	counter := &initCounter{}
	v.SxInit = counter
	startToCompletion(t, b)
	if counter.n != 1 {
		t.Fatalf("init count: %d", counter.n)
	}
	cs := b.vmcs.Segs[vcpu.SregCS]
	if cs.Sel != 0x9A00 || cs.Base != 0x9A000 {
		t.Fatalf("CS after SIPI: %+v", cs)
	}
	if v.LAPIC.SIPIVector != 0x9A {
		t.Fatalf("SIPI vector: 0x%x", v.LAPIC.SIPIVector)
	}
	if !v.Halt {
		t.Fatal("guest did not halt after SIPI")
	}
}

type initCounter struct{ n uint }

func (c *initCounter) GetInitCount() uint { return c.n }
func (c *initCounter) IncInitCount()      { c.n++ }

func TestCPUIDShadow(t *testing.T) {
	runner := &ScriptRunner{Steps: []ScriptStep{StepCPUID(2), StepHLT(1)}}
	v, b, _ := newVT(t, runner, Options{Strategy: mmu.Strategy1})
	v.CPUID.SetLeaf(0x40000000, 0, vcpu.CPUIDLeaf{EAX: 0x11, EBX: 0x22, ECX: 0x33, EDX: 0x44})
	b.regs.RAX = 0x40000000
	b.regs.RCX = 0
	startToCompletion(t, b)
	if b.regs.RAX != 0x11 || b.regs.RBX != 0x22 || b.regs.RCX != 0x33 || b.regs.RDX != 0x44 {
		t.Fatalf("cpuid result: %x %x %x %x", b.regs.RAX, b.regs.RBX, b.regs.RCX, b.regs.RDX)
	}
}

func TestMSRPassPolicy(t *testing.T) {
	_, b, _ := newVT(t, &ScriptRunner{}, Options{Strategy: mmu.Strategy1})
	// EFER can never be passed through
	b.MSRPass(vcpu.MSRIA32EFER, false, true)
	if !b.MSRIntercepted(vcpu.MSRIA32EFER, false) {
		t.Fatal("EFER escaped the intercept")
	}
	// STAR can
	b.MSRPass(vcpu.MSRIA32Star, true, true)
	if b.MSRIntercepted(vcpu.MSRIA32Star, true) {
		t.Fatal("STAR write still intercepted after pass")
	}
	// the read side is untouched
	if !b.MSRIntercepted(vcpu.MSRIA32Star, false) {
		t.Fatal("STAR read unexpectedly passed")
	}
}

func TestExintCallbackChain(t *testing.T) {
	runner := &ScriptRunner{Steps: []ScriptStep{
		func(vmcs *VMCS, regs *GuestRegs) {
			vmcs.ExitReason = ExitExternalInt
			vmcs.ExitIntrInfo = 0x31 | IntrTypeExternal | IntrInfoValid
		},
		StepHLT(1),
	}}
	_, b, _ := newVT(t, runner, Options{Strategy: mmu.Strategy1})
	exint.RegisterCallback(func(data any, num int) int {
		if num == 0x31 {
			return 0x41
		}
		return num
	}, nil)
	startToCompletion(t, b)
	// the transformed vector was queued and delivered on the next entry
	found := false
	for _, d := range runner.Delivered {
		if d&IntrInfoVectorMask == 0x41 {
			found = true
		}
	}
	if !found {
		t.Fatalf("transformed vector not delivered: %x", runner.Delivered)
	}
}

// TestModeSwitchWindow boots a 16-bit guest that enables protection,
// far-jumps through the GDT, loads a data segment and halts — the
// bounded interpreter carries it across the transition.
func TestModeSwitchWindow(t *testing.T) {
	const codeBase = uint64(0x7C00)
	const gdtBase = uint64(0x300000)
	runner := &ScriptRunner{Steps: []ScriptStep{
		StepMovToCR(0, 0, 3), // mov %rax, %cr0 with PE set
	}}
	v, b, mem := newVT(t, runner, Options{Strategy: mmu.Strategy2})

	// GDT: null, 16-bit code at 0x08, 16-bit data at 0x10
	gdt := []byte{
		0, 0, 0, 0, 0, 0, 0, 0,
		0xFF, 0xFF, 0, 0, 0, 0x9B, 0, 0,
		0xFF, 0xFF, 0, 0, 0, 0x93, 0, 0,
	}
	mem.WriteAt(gdt, int64(gdtBase))
	b.WriteGDTR(gdtBase, 0x17)

	// the mov-to-CR0 at 0x7C00 exits through the script; the rest of
	// the transition sequence is interpreted:
	//   0x7C03: ljmp $0x08,$0x7C08
	//   0x7C08: mov $0x10,%ax
	//   0x7C0B: mov %ax,%ds
	//   0x7C0D: hlt
	code := []byte{
		0xEA, 0x08, 0x7C, 0x08, 0x00, // ljmp
		0xB8, 0x10, 0x00, // mov $0x10,%ax
		0x8E, 0xD8, // mov %ax,%ds
		0xF4, // hlt
	}
	mem.WriteAt(code, int64(codeBase)+3)

	b.vmcs.Segs[vcpu.SregCS] = Seg{Sel: 0, Base: 0, Limit: 0xFFFF, ACR: 0x93}
	b.vmcs.GuestRIP = codeBase
	b.regs.RAX = 0x60000011 // PE

	startToCompletion(t, b)

	if !v.Halt {
		t.Fatal("guest did not reach HLT")
	}
	if !b.pe {
		t.Fatal("protection not enabled")
	}
	cs := b.vmcs.Segs[vcpu.SregCS]
	if cs.Sel != 0x08 || cs.Base != 0 {
		t.Fatalf("CS after ljmp: %+v", cs)
	}
	ds := b.vmcs.Segs[vcpu.SregDS]
	if ds.Sel != 0x10 || ds.ACR&0xFF != 0x93 {
		t.Fatalf("DS after load: %+v", ds)
	}
	if b.vmcs.GuestRIP != 0x7C0E {
		t.Fatalf("RIP after hlt: 0x%x", b.vmcs.GuestRIP)
	}
	if b.sw.Num >= 32 {
		t.Fatalf("emulation window overran: %d", b.sw.Num)
	}
}

func TestEPTPath(t *testing.T) {
	pcpu.ResetForTest()
	vcpu.ResetForTest()
	mmioclr.ResetForTest()
	status.ResetForTest()
	mem, err := hw.NewMem(0, memSize)
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Close()
	cpu := pcpu.New(0)
	cpu.VT.EPTCapable = true
	cache.InitHostPAT(cpu)
	v := vcpu.LoadNew(cpu, mem, nil)
	v.Gmm = vcputest.IdentityGmm{Limit: memSize}
	cache.InitGuestRegs(&v.Cache)

	runner := &ScriptRunner{Steps: []ScriptStep{
		StepEPTViolation(0x200000, true),
		StepHLT(1),
	}}
	b, err := Init(v, runner, Options{UseEPT: true})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !b.NPEnabled() {
		t.Fatal("EPT not selected")
	}
	if b.spt != nil {
		t.Fatal("shadow engine built despite EPT")
	}
	if b.vmcs.EPTP != b.npt.RootPhys() {
		t.Fatal("EPTP not loaded with the nested root")
	}
	if err := b.StartVM(nil); !errors.Is(err, ErrScriptDone) {
		t.Fatalf("StartVM: %v", err)
	}
	if b.npt.Faults != 1 {
		t.Fatalf("nested faults: %d", b.npt.Faults)
	}
}

func TestVmcallStatus(t *testing.T) {
	runner := &ScriptRunner{Steps: []ScriptStep{StepVMCALL(3), StepHLT(1)}}
	_, b, mem := newVT(t, runner, Options{Strategy: mmu.Strategy1})
	status.Enabled = true
	t.Cleanup(func() { status.Enabled = false })
	status.Init()
	status.RegisterCallback(func() string { return "ok\n" })

	const buf = uint64(0x3000)
	b.regs.RAX = 1 // get_status is registered first
	b.regs.RBX = buf
	b.regs.RCX = 512
	startToCompletion(t, b)

	if b.regs.RAX != 0 {
		t.Fatalf("vmcall ret: %d", b.regs.RAX)
	}
	if b.regs.RCX == 0 {
		t.Fatal("length not written back")
	}
	out := make([]byte, int(b.regs.RCX))
	mem.ReadAt(out, int64(buf))
	if string(out[len(out)-3:]) != "ok\n" {
		t.Fatalf("report tail: %q", out)
	}
}
