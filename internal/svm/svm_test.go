package svm

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

func newSVM(t *testing.T, runner Runner, opts Options, npCapable bool) (*vcpu.Vcpu, *SVM, *hw.Mem) {
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
	cpu.SVM.NPCapable = npCapable
	cpu.SVM.FlushByASID = true
	cpu.SVM.DecodeAssist = true
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

func runToCompletion(t *testing.T, b *SVM) {
	t.Helper()
	if err := b.StartVM(nil); !errors.Is(err, ErrScriptDone) {
		t.Fatalf("StartVM: %v", err)
	}
}

func TestHLTExit(t *testing.T) {
	runner := &ScriptRunner{Steps: []ScriptStep{StepHLT(0xFFF1)}}
	v, b, _ := newSVM(t, runner, Options{Strategy: mmu.Strategy1}, false)
	runToCompletion(t, b)
	if !v.Halt {
		t.Fatal("halt flag not set")
	}
	if b.vmcb.RIP != 0xFFF1 {
		t.Fatalf("RIP: 0x%x", b.vmcb.RIP)
	}
	if b.stats.hltcnt != 1 {
		t.Fatalf("hlt count: %d", b.stats.hltcnt)
	}
}

// TestMSRBitmapLayout checks the three-block AMD layout: two bits per
// MSR at offsets 0, 0x800 and 0x1000 for the three ranges.
func TestMSRBitmapLayout(t *testing.T) {
	_, b, _ := newSVM(t, &ScriptRunner{}, Options{Strategy: mmu.Strategy1}, false)

	// STAR (0xC0000081) write pass lands in the second block
	b.MSRPass(vcpu.MSRIA32Star, true, true)
	bit := uint32(0x81)<<1 | 1
	if b.msrBitmap[0x800+bit>>3]&(1<<(bit&7)) != 0 {
		t.Fatal("STAR write bit still set in block 2")
	}
	if b.MSRIntercepted(vcpu.MSRIA32Star, true) {
		t.Fatal("STAR write still intercepted")
	}
	// read side untouched
	if !b.MSRIntercepted(vcpu.MSRIA32Star, false) {
		t.Fatal("STAR read unexpectedly passed")
	}

	// low range: SYSENTER_CS read
	b.MSRPass(vcpu.MSRIA32SysenterCS, false, true)
	if b.MSRIntercepted(vcpu.MSRIA32SysenterCS, false) {
		t.Fatal("SYSENTER_CS read still intercepted")
	}

	// third block: PATCH_LOADER write is forced to pass
	b.MSRPass(vcpu.MSRAMDPatchLoader, true, false)
	if b.MSRIntercepted(vcpu.MSRAMDPatchLoader, true) {
		t.Fatal("PATCH_LOADER write intercepted despite policy")
	}

	// EFER can never pass
	b.MSRPass(vcpu.MSRIA32EFER, true, true)
	if !b.MSRIntercepted(vcpu.MSRIA32EFER, true) {
		t.Fatal("EFER escaped the intercept")
	}
}

func TestIOPassRoundTrip(t *testing.T) {
	_, b, _ := newSVM(t, &ScriptRunner{}, Options{Strategy: mmu.Strategy1}, false)
	before := b.ioBitmap
	b.IOPass(0xCFC, true)
	if b.IOIntercepted(0xCFC) {
		t.Fatal("pass did not clear the intercept")
	}
	b.IOPass(0xCFC, false)
	if b.ioBitmap != before {
		t.Fatal("pass/unpass is not a bitmap no-op")
	}
}

// TestIOPassthroughScenario: a passed port produces no exit (no
// stat_iocnt increment); after revoking the pass the next OUT exits
// and the handler sees it.
func TestIOPassthroughScenario(t *testing.T) {
	runner := &ScriptRunner{Steps: []ScriptStep{StepIOOut(0xCFC, 4, 0x107), StepHLT(0x110)}}
	v, b, _ := newSVM(t, runner, Options{Strategy: mmu.Strategy1}, false)
	seen := 0
	v.IO.SetHandler(0xCFC, func(access vcpu.IOAccess, port uint32, data []byte) vcpu.IOAct {
		seen++
		return vcpu.IOActCont
	})

	b.IOPass(0xCFC, true)
	if b.IOIntercepted(0xCFC) {
		t.Fatal("port still intercepted")
	}
	// passed-through access: the hardware would not exit, so the
	// monitor's counter must not move
	if b.stats.iocnt != 0 {
		t.Fatal("io counter moved without an exit")
	}

	b.IOPass(0xCFC, false)
	runToCompletion(t, b)
	if b.stats.iocnt != 1 || seen != 1 {
		t.Fatalf("iocnt=%d handler=%d after revoked pass", b.stats.iocnt, seen)
	}
	if b.vmcb.RIP != 0x110 {
		t.Fatalf("RIP: 0x%x", b.vmcb.RIP)
	}
}

// TestEFERLMA is the EFER shadow scenario: LME with paging off leaves
// LMA clear; setting CR0.PG flips LMA and installs both bits in the
// VMCB.
func TestEFERLMA(t *testing.T) {
	runner := &ScriptRunner{Steps: []ScriptStep{
		StepWRMSR(0x103),
		StepWriteCR0(int(vcpu.RegRBX), 0x106),
		StepHLT(0x107),
	}}
	_, b, _ := newSVM(t, runner, Options{Strategy: mmu.Strategy2}, false)
	b.WriteControlReg(vcpu.CR0, vcpu.CR0PE)
	b.regs[vcpu.RegRCX] = vcpu.MSRIA32EFER
	b.vmcb.RAX = vcpu.EFERLME | vcpu.EFERSVME
	b.regs[vcpu.RegRDX] = 0
	b.regs[vcpu.RegRBX] = vcpu.CR0PE | vcpu.CR0PG

	runToCompletion(t, b)

	if !b.lme || !b.lma || !b.svme {
		t.Fatalf("lme=%v lma=%v svme=%v", b.lme, b.lma, b.svme)
	}
	if b.vmcb.EFER&vcpu.EFERLMA == 0 || b.vmcb.EFER&vcpu.EFERLME == 0 {
		t.Fatalf("VMCB EFER: 0x%x", b.vmcb.EFER)
	}
	data, fault := b.ReadMSR(vcpu.MSRIA32EFER)
	if fault || data&vcpu.EFERLMA == 0 || data&vcpu.EFERSVME == 0 {
		t.Fatalf("guest EFER: 0x%x fault=%v", data, fault)
	}
}

func TestEFERSVMEDisallowedUnderSVMDIS(t *testing.T) {
	_, b, _ := newSVM(t, &ScriptRunner{}, Options{Strategy: mmu.Strategy1}, false)
	b.vmcr = vcpu.VMCRSVMDis
	if !b.WriteMSR(vcpu.MSRIA32EFER, vcpu.EFERSVME) {
		t.Fatal("SVME write allowed despite VM_CR.SVMDIS")
	}
}

// TestNestedPagingPath is the NPT-available scenario: intercepts for
// INVLPG, #PF and the CR accesses are cleared, np is enabled, and
// guest paging operations never reach the shadow engine.
func TestNestedPagingPath(t *testing.T) {
	runner := &ScriptRunner{Steps: []ScriptStep{
		StepNPF(0x200000, true),
		StepHLT(0x101),
	}}
	_, b, _ := newSVM(t, runner, Options{UseNPT: true}, true)

	if !b.NPEnabled() || !b.vmcb.NPEnable {
		t.Fatal("nested paging not selected")
	}
	if b.spt != nil {
		t.Fatal("shadow engine built despite nested paging")
	}
	if b.vmcb.InterceptINVLPG {
		t.Fatal("INVLPG still intercepted")
	}
	if b.vmcb.InterceptExceptions&(1<<vcpu.ExcPF) != 0 {
		t.Fatal("#PF still intercepted")
	}
	if b.vmcb.InterceptReadCR&0x19 != 0 || b.vmcb.InterceptWriteCR&0x18 != 0 {
		t.Fatal("CR intercepts still set")
	}
	if b.vmcb.NCR3 != b.npt.RootPhys() {
		t.Fatal("nCR3 not loaded with the nested root")
	}

	runToCompletion(t, b)
	if b.stats.npfcnt != 1 || b.npt.Faults != 1 {
		t.Fatalf("npf counts: stats=%d engine=%d", b.stats.npfcnt, b.npt.Faults)
	}
}

func TestShadowPathIntercepts(t *testing.T) {
	_, b, _ := newSVM(t, &ScriptRunner{}, Options{Strategy: mmu.Strategy2}, false)
	if b.NPEnabled() {
		t.Fatal("nested paging on a non-capable CPU")
	}
	if !b.vmcb.InterceptINVLPG {
		t.Fatal("INVLPG not intercepted under shadow paging")
	}
	if b.vmcb.InterceptExceptions&(1<<vcpu.ExcPF) == 0 {
		t.Fatal("#PF not intercepted under shadow paging")
	}
	// shadow paging forces PG|WP and PAE onto the hardware registers
	if b.vmcb.CR0&vcpu.CR0PG == 0 || b.vmcb.CR0&vcpu.CR0WP == 0 {
		t.Fatalf("hardware CR0: 0x%x", b.vmcb.CR0)
	}
	if b.vmcb.CR4&vcpu.CR4PAE == 0 {
		t.Fatalf("hardware CR4: 0x%x", b.vmcb.CR4)
	}
}

func TestMTRRWriteFlushesShadows(t *testing.T) {
	_, b, _ := newSVM(t, &ScriptRunner{}, Options{Strategy: mmu.Strategy2}, false)
	// no fault has run yet, so the shadow pools start fully free
	b.WriteControlReg(vcpu.CR0, vcpu.CR0PE)
	st := b.spt.Stats()
	if st.Shadow1Free != mmu.NumShadow1 {
		t.Fatalf("unexpected pool state: %+v", st)
	}

	if b.WriteMSR(cache.MSRIA32MTRRDefType, uint64(cache.TypeWB)|1<<11) {
		t.Fatal("MTRR write faulted")
	}
	if b.vmcb.TLBControl == TLBControlNone {
		t.Fatal("guest TLB flush not requested")
	}
	st = b.spt.Stats()
	if st.Shadow1Free != mmu.NumShadow1 || st.Shadow1Modified != 0 {
		t.Fatalf("pools not cleared: %+v", st)
	}
}

func TestReservedMTRRWriteFaults(t *testing.T) {
	_, b, _ := newSVM(t, &ScriptRunner{}, Options{Strategy: mmu.Strategy2}, false)
	if !b.WriteMSR(cache.MSRIA32MTRRDefType, 1<<12) {
		t.Fatal("reserved-bit MTRR write did not fault")
	}
}

func TestExintChain(t *testing.T) {
	runner := &ScriptRunner{Steps: []ScriptStep{StepINTR(0x31), StepHLT(0x101)}}
	_, b, _ := newSVM(t, runner, Options{Strategy: mmu.Strategy1}, false)
	exint.RegisterCallback(func(data any, num int) int {
		if num == 0x31 {
			return 0x55
		}
		return num
	}, nil)
	runToCompletion(t, b)
	found := false
	for _, d := range runner.Delivered {
		if d&EventVectorMask == 0x55 {
			found = true
		}
	}
	if !found {
		t.Fatalf("transformed vector not delivered: %x", runner.Delivered)
	}
}

func TestDoubleFaultDetector(t *testing.T) {
	_, b, _ := newSVM(t, &ScriptRunner{}, Options{Strategy: mmu.Strategy1}, false)
	b.GeneratePagefault(2, 0x1000)
	defer func() {
		if recover() == nil {
			t.Fatal("second identical injection did not panic")
		}
	}()
	b.GeneratePagefault(2, 0x2000)
}

func TestDecodeAssistConsumedOnce(t *testing.T) {
	_, b, _ := newSVM(t, &ScriptRunner{}, Options{Strategy: mmu.Strategy1}, false)
	b.vmcb.InstBytesCount = 3
	copy(b.vmcb.InstBytes[:], []byte{0x0F, 0x22, 0xC0})
	b.instBytesValid = true

	first := b.FetchedInstBytes()
	if len(first) != 3 {
		t.Fatalf("first fetch: % x", first)
	}
	if b.FetchedInstBytes() != nil {
		t.Fatal("buffer served twice")
	}

	// a RIP change invalidates a fresh buffer
	b.instBytesValid = true
	b.WriteIP(0x2000)
	if b.FetchedInstBytes() != nil {
		t.Fatal("buffer survived RIP change")
	}
}

func TestExintPassIntercepts(t *testing.T) {
	_, b, _ := newSVM(t, &ScriptRunner{}, Options{Strategy: mmu.Strategy1}, false)
	b.ExintPass(true)
	if b.vmcb.InterceptINTR {
		t.Fatal("INTR intercept set while passing")
	}
	b.ExintPass(false)
	if !b.vmcb.InterceptINTR {
		t.Fatal("INTR intercept clear while not passing")
	}
	b.ExintPending(true)
	if !b.vmcb.InterceptVINTR || !b.vmcb.VIrq {
		t.Fatal("VINTR window not opened")
	}
	b.ExintPending(false)
	if b.vmcb.InterceptVINTR {
		t.Fatal("VINTR window not closed")
	}
}

func TestInitResetsToWaitForSIPI(t *testing.T) {
	runner := &ScriptRunner{Steps: []ScriptStep{
		func(vmcb *VMCB, regs *[16]uint64) { vmcb.ExitCode = ExitINIT },
	}}
	v, b, _ := newSVM(t, runner, Options{Strategy: mmu.Strategy1}, false)
	counter := &initCounter{}
	v.SxInit = counter
	b.vmcb.RIP = 0x1234
	runToCompletion(t, b)
	if counter.n != 1 {
		t.Fatalf("init count: %d", counter.n)
	}
	if b.vmcb.RIP != 0xFFF0 {
		t.Fatalf("RIP after INIT: 0x%x", b.vmcb.RIP)
	}

	b.StartupIPI(0x9A)
	cs := b.vmcb.Segs[vcpu.SregCS]
	if cs.Sel != 0x9A00 || cs.Base != 0x9A000 || b.vmcb.RIP != 0 {
		t.Fatalf("state after SIPI: CS=%+v RIP=0x%x", cs, b.vmcb.RIP)
	}
}

type initCounter struct{ n uint }

func (c *initCounter) GetInitCount() uint { return c.n }
func (c *initCounter) IncInitCount()      { c.n++ }

func TestPageFaultExitReachesShadowEngine(t *testing.T) {
	runner := &ScriptRunner{Steps: []ScriptStep{
		StepPF(vcpu.PFErrWR, 0x40000123),
		StepHLT(0x101),
	}}
	_, b, mem := newSVM(t, runner, Options{Strategy: mmu.Strategy2}, false)

	// PAE guest tables mapping 0x40000000 -> 0x600000
	const gPDPT, gPD, gPT, gData = 0x200000, 0x201000, 0x202000, 0x600000
	mem.Write64(gPDPT+1*8, gPD|mmu.PteP)
	mem.Write64(gPD+0*8, gPT|mmu.PteP|mmu.PteRW|mmu.PteUS)
	mem.Write64(gPT+0*8, gData|mmu.PteP|mmu.PteRW|mmu.PteUS)
	b.WriteControlReg(vcpu.CR4, vcpu.CR4PAE)
	b.WriteControlReg(vcpu.CR3, gPDPT)
	b.WriteControlReg(vcpu.CR0, vcpu.CR0PE|vcpu.CR0PG|vcpu.CR0WP)

	runToCompletion(t, b)

	_, phys, _, ok := mmu.ShadowWalk(mem, b.spt.CR3TblPhys(), 3, 0x40000123)
	if !ok || phys != gData+0x123 {
		t.Fatalf("shadow after #PF exit: ok=%v phys=0x%x", ok, phys)
	}
	if b.stats.pfcnt != 1 {
		t.Fatalf("pf count: %d", b.stats.pfcnt)
	}
}
