package svm

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/hw"
	"github.com/tinyrange/vmm/internal/mmu"
	"github.com/tinyrange/vmm/internal/np"
	"github.com/tinyrange/vmm/internal/status"
	"github.com/tinyrange/vmm/internal/thread"
	"github.com/tinyrange/vmm/internal/timeslice"
	"github.com/tinyrange/vmm/internal/vcpu"
)

// Options configures backend initialization.
type Options struct {
	// Strategy selects the shadow engine when nested paging is
	// unavailable or disabled.
	Strategy mmu.Strategy
	// UseNPT enables nested paging when the CPU offers it.
	UseNPT bool
}

// SVM is the SVM backend instance for one vCPU.
type SVM struct {
	v      *vcpu.Vcpu
	runner Runner

	vmcb VMCB
	// regs holds the general-purpose registers not saved in the VMCB;
	// RAX and RSP are read and written in the VMCB fields directly.
	regs [16]uint64

	// Queued event for the next entry.
	intr struct {
		info    uint64
		errcode uint64
	}
	eventPhysical bool

	lme, lma, svme bool
	vmcr           uint64
	hsavePA        uint64

	// Guest CR shadows while the SPT hides the real registers; under
	// nested paging the VMCB fields are authoritative.
	gcr0, gcr3, gcr4 uint64

	npEnabled bool
	npt       *np.Engine
	spt       mmu.Engine

	// instBytesValid gates the consumed-once decode-assist buffer.
	instBytesValid bool

	rec *timeslice.Recorder

	msrBitmap [8192]byte
	ioBitmap  [8192]byte

	stats struct {
		intcnt, excnt, pfcnt, iocnt, hltcnt, npfcnt uint32
	}
}

var _ vcpu.Vmctl = (*SVM)(nil)

// Init builds the SVM backend for a vCPU, selects the paging engine,
// and installs the uniform contract.
func Init(v *vcpu.Vcpu, runner Runner, opts Options) (*SVM, error) {
	b := &SVM{v: v, runner: runner, rec: timeslice.NewRecorder()}
	v.Backend = vcpu.BackendSVM
	v.Vmctl = b
	if v.Msr == nil {
		v.Msr = &vcpu.ShadowMsrs{}
	}
	if v.Exint == nil {
		v.Exint = defaultExint{b: b}
	}
	b.vmcb.GuestASID = uint32(v.CPU.SVM.ASIDSeed + 1)
	if err := b.pagingInit(opts); err != nil {
		return nil, err
	}
	b.Reset()
	for i := range b.ioBitmap {
		b.ioBitmap[i] = 0xFF
	}
	for i := range b.msrBitmap {
		b.msrBitmap[i] = 0xFF
	}
	b.vmcb.InterceptIOIO = true
	b.vmcb.InterceptMSR = true
	b.vmcb.InterceptHLT = true
	b.vmcb.InterceptCPUID = true
	b.vmcb.InterceptVMRUN = true
	b.vmcb.InterceptVMMCALL = true
	status.RegisterCallback(b.status)
	hw.DefaultIPI.Register(v.CPU.ID, b.flushGuestTLB)
	return b, nil
}

// VMCBImage exposes the control block to the Runner side.
func (b *SVM) VMCBImage() *VMCB { return &b.vmcb }

// RegsImage exposes the general registers to the Runner side.
func (b *SVM) RegsImage() *[16]uint64 { return &b.regs }

func (b *SVM) status() string {
	return fmt.Sprintf(
		"Interrupts: %d\n"+
			"Exceptions: %d\n"+
			" Page fault: %d\n"+
			"Watched I/O: %d\n"+
			"Halt: %d\n"+
			"Nested page fault: %d\n",
		b.stats.intcnt, b.stats.excnt, b.stats.pfcnt,
		b.stats.iocnt, b.stats.hltcnt, b.stats.npfcnt)
}

func (b *SVM) VMInit() error {
	b.v.Initialized = true
	return nil
}

func (b *SVM) VMExit() {}

func (b *SVM) EnableResume() error { return nil }

func (b *SVM) Resume() error { return nil }

// Reset loads architectural power-on state.
func (b *SVM) Reset() {
	b.regs = [16]uint64{}
	b.regs[vcpu.RegRDX] = 0x600
	b.vmcb.RIP = 0xFFF0
	b.vmcb.RFLAGS = vcpu.RFlagsAlways1
	b.vmcb.RSP = 0
	b.vmcb.RAX = 0
	for i := range b.vmcb.Segs {
		b.vmcb.Segs[i] = Seg{Sel: 0, Base: 0, Limit: 0xFFFF, ACR: 0x93}
	}
	b.vmcb.Segs[vcpu.SregCS] = Seg{Sel: 0xF000, Base: 0xFFFF0000, Limit: 0xFFFF, ACR: 0x9B}
	b.vmcb.IDTR = DescTable{Base: 0, Limit: 0x3FF}
	b.gcr0, b.gcr3, b.gcr4 = 0x60000010, 0, 0
	b.lme, b.lma, b.svme = false, false, false
	b.intr.info = 0
	b.instBytesValid = false
	b.syncHWCR()
}

func (b *SVM) InitSignal() {
	b.doInit()
}

// Register access.

func (b *SVM) ReadGeneralReg(reg vcpu.GeneralReg) uint64 {
	if reg == vcpu.RegRAX {
		return b.vmcb.RAX
	}
	if reg == vcpu.RegRSP {
		return b.vmcb.RSP
	}
	return b.regs[reg]
}

func (b *SVM) WriteGeneralReg(reg vcpu.GeneralReg, val uint64) {
	switch reg {
	case vcpu.RegRAX:
		b.vmcb.RAX = val
	case vcpu.RegRSP:
		b.vmcb.RSP = val
	default:
		b.regs[reg] = val
	}
}

func (b *SVM) ReadControlReg(reg vcpu.ControlReg) uint64 {
	switch reg {
	case vcpu.CR0:
		if b.npEnabled {
			return b.vmcb.CR0
		}
		return b.gcr0
	case vcpu.CR2:
		return b.vmcb.CR2
	case vcpu.CR3:
		if b.npEnabled {
			return b.vmcb.CR3
		}
		return b.gcr3
	case vcpu.CR4:
		if b.npEnabled {
			return b.vmcb.CR4
		}
		return b.gcr4
	case vcpu.CR8:
		return uint64(b.vmcb.VTPR)
	}
	panic(fmt.Sprintf("svm: read of control register %d", int(reg)))
}

func (b *SVM) WriteControlReg(reg vcpu.ControlReg, val uint64) {
	switch reg {
	case vcpu.CR0:
		if b.npEnabled {
			b.vmcb.CR0 = val
		} else {
			b.gcr0 = val
		}
		b.updateLMA()
		b.pagingUpdateCR3()
		b.syncHWCR()
	case vcpu.CR2:
		b.vmcb.CR2 = val
	case vcpu.CR3:
		if b.npEnabled {
			b.vmcb.CR3 = val
		} else {
			b.gcr3 = val
		}
		b.pagingUpdateCR3()
	case vcpu.CR4:
		if b.npEnabled {
			b.vmcb.CR4 = val
		} else {
			b.gcr4 = val
		}
		b.pagingUpdateCR3()
		b.syncHWCR()
	case vcpu.CR8:
		b.vmcb.VTPR = uint8(val & 0xF)
	default:
		panic(fmt.Sprintf("svm: write of control register %d", int(reg)))
	}
}

func (b *SVM) syncHWCR() {
	if b.npEnabled {
		return
	}
	b.vmcb.CR0 = b.pagingApplyFixedCR0(b.gcr0)
	b.vmcb.CR4 = b.pagingApplyFixedCR4(b.gcr4)
}

// updateLMA mirrors the hardware's EFER.LMA transition when paging is
// enabled with LME set.
func (b *SVM) updateLMA() {
	const mask = uint64(vcpu.EFERLME | vcpu.EFERLMA)
	if b.lme && b.ReadControlReg(vcpu.CR0)&vcpu.CR0PG != 0 {
		if b.lma {
			return
		}
		b.lma = true
		b.vmcb.EFER |= mask
	} else {
		if !b.lma {
			return
		}
		b.lma = false
		b.vmcb.EFER &^= mask
	}
}

func (b *SVM) ReadSregSel(s vcpu.Sreg) uint16   { return b.vmcb.Segs[s].Sel }
func (b *SVM) ReadSregACR(s vcpu.Sreg) uint64   { return b.vmcb.Segs[s].ACR }
func (b *SVM) ReadSregBase(s vcpu.Sreg) uint64  { return b.vmcb.Segs[s].Base }
func (b *SVM) ReadSregLimit(s vcpu.Sreg) uint64 { return b.vmcb.Segs[s].Limit }

func (b *SVM) ReadIP() uint64 { return b.vmcb.RIP }

// WriteIP moves RIP and invalidates the decode-assist buffer, which
// described the instruction at the old RIP.
func (b *SVM) WriteIP(val uint64) {
	b.vmcb.RIP = val
	b.instBytesValid = false
}

func (b *SVM) ReadFlags() uint64     { return b.vmcb.RFLAGS }
func (b *SVM) WriteFlags(val uint64) { b.vmcb.RFLAGS = val | vcpu.RFlagsAlways1 }

func (b *SVM) ReadGDTR() (uint64, uint64) {
	return b.vmcb.GDTR.Base, b.vmcb.GDTR.Limit
}
func (b *SVM) WriteGDTR(base, limit uint64) {
	b.vmcb.GDTR = DescTable{Base: base, Limit: limit}
}
func (b *SVM) ReadIDTR() (uint64, uint64) {
	return b.vmcb.IDTR.Base, b.vmcb.IDTR.Limit
}
func (b *SVM) WriteIDTR(base, limit uint64) {
	b.vmcb.IDTR = DescTable{Base: base, Limit: limit}
}

func (b *SVM) WriteRealmodeSeg(s vcpu.Sreg, sel uint16) {
	acr := uint64(0x93)
	if s == vcpu.SregCS {
		acr = 0x9B
	}
	b.vmcb.Segs[s] = Seg{Sel: sel, Base: uint64(sel) << 4, Limit: 0xFFFF, ACR: acr}
}

// WritingSreg never needs assistance on SVM; the hardware virtualizes
// real mode directly.
func (b *SVM) WritingSreg(s vcpu.Sreg) error { return nil }

// WriteSegFull loads a complete descriptor (interpreter support).
func (b *SVM) WriteSegFull(s vcpu.Sreg, sel uint16, base, limit, acr uint64) {
	b.vmcb.Segs[s] = Seg{Sel: sel, Base: base, Limit: limit, ACR: acr}
}

// FetchedInstBytes hands out the decode-assist buffer at most once.
func (b *SVM) FetchedInstBytes() []byte {
	if !b.instBytesValid || b.vmcb.InstBytesCount == 0 {
		return nil
	}
	b.instBytesValid = false
	return b.vmcb.InstBytes[:b.vmcb.InstBytesCount]
}

// Event injection.

func (b *SVM) GeneratePagefault(errcode, cr2 uint64) {
	b.queueEvent(uint64(vcpu.ExcPF)|EventTypeException|EventErrValid|EventValid, errcode)
	b.vmcb.CR2 = cr2
	b.v.UpdateIP = false
}

func (b *SVM) GenerateExternalInt(vector uint) {
	b.queueEvent(uint64(vector&0xFF)|EventTypeExternal|EventValid, 0)
}

func (b *SVM) queueEvent(info, errcode uint64) {
	if b.intr.info&EventValid != 0 && b.intr.info == info {
		panic(fmt.Sprintf("svm: double fault injecting 0x%x", info))
	}
	b.intr.info = info
	b.intr.errcode = errcode
	b.eventPhysical = false
}

func (b *SVM) CPUID(ia, ic uint32) (uint32, uint32, uint32, uint32) {
	if leaf, ok := b.v.CPUID.Lookup(ia, ic); ok {
		return leaf.EAX, leaf.EBX, leaf.ECX, leaf.EDX
	}
	return syntheticCPUID(ia, ic)
}

// syntheticCPUID is the baseline guest processor: PAE, PAT, MTRR, MSR,
// NX, long mode; SVM itself is hidden.
func syntheticCPUID(ia, ic uint32) (uint32, uint32, uint32, uint32) {
	switch ia {
	case 0:
		// "AuthenticAMD"
		return 0x0D, 0x68747541, 0x444D4163, 0x69746E65
	case 1:
		const features = 1<<0 | 1<<3 | 1<<4 | 1<<5 | 1<<6 | 1<<8 |
			1<<11 | 1<<12 | 1<<13 | 1<<15 | 1<<16 | 1<<23 | 1<<24 | 1<<25
		return 0x00600F20, 0, 0, features
	case 0x80000000:
		return 0x8000001F, 0, 0, 0
	case 0x80000001:
		return 0, 0, 0, 1<<20 | 1<<29
	case 0x80000008:
		return 0x00003028, 0, 0, 0
	}
	return 0, 0, 0, 0
}

func (b *SVM) Xsetbv(ic, ia, id uint32) bool {
	if ic != 0 {
		return true
	}
	want := uint64(id)<<32 | uint64(ia)
	if want&1 == 0 {
		return true
	}
	if b.v.Xsetbv.Offered != 0 && want&^b.v.Xsetbv.Offered != 0 {
		return true
	}
	b.v.Xsetbv.XCR0 = want
	return false
}

// TSCOffsetChanged stores the offset directly in the VMCB.
func (b *SVM) TSCOffsetChanged() {
	b.vmcb.TSCOffset = b.v.TSCOffset
}

// ExintPass controls the physical-interrupt intercept.
func (b *SVM) ExintPass(enable bool) {
	b.vmcb.InterceptINTR = !enable
}

// ExintPending opens the virtual-interrupt window intercept.
func (b *SVM) ExintPending(pending bool) {
	b.vmcb.InterceptVINTR = pending
	b.vmcb.VIrq = pending
}

func (b *SVM) PanicDump() {
	fmt.Printf("svm: RIP=0x%x RFLAGS=0x%x CR0=0x%x CR3=0x%x CR4=0x%x EFER=0x%x\n",
		b.vmcb.RIP, b.vmcb.RFLAGS,
		b.ReadControlReg(vcpu.CR0), b.ReadControlReg(vcpu.CR3),
		b.ReadControlReg(vcpu.CR4), b.vmcb.EFER)
}

// StartVM runs the dispatch loop until the runner stops.
func (b *SVM) StartVM(self *thread.Self) error {
	return b.mainLoop(self)
}
