package vt

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vmm/internal/hw"
	"github.com/tinyrange/vmm/internal/mmu"
	"github.com/tinyrange/vmm/internal/np"
	"github.com/tinyrange/vmm/internal/status"
	"github.com/tinyrange/vmm/internal/thread"
	"github.com/tinyrange/vmm/internal/timeslice"
	"github.com/tinyrange/vmm/internal/vcpu"
)

// ErrModeSwitch reports that a segment load needs the bounded software
// emulation window because the guest is between real and protected
// mode.
var ErrModeSwitch = errors.New("vt: segment load during mode switch")

// Options configures backend initialization.
type Options struct {
	// Strategy selects the shadow engine when EPT is unavailable or
	// disabled.
	Strategy mmu.Strategy
	// UseEPT enables nested paging when the CPU offers it.
	UseEPT bool
}

// VT is the VT-x backend instance for one vCPU.
type VT struct {
	v      *vcpu.Vcpu
	runner Runner

	vmcs VMCS
	regs GuestRegs

	// Queued event to be injected on the next entry.
	intr struct {
		info    uint64
		errcode uint64
		instLen uint64
	}
	// eventPhysical is set when the exit being dispatched came from
	// the hardware rather than a queued delivery.
	eventPhysical bool

	// sw is the real/protected mode switch emulation window.
	sw struct {
		Enable bool
		Num    int
	}
	pe, pg   bool
	lme, lma bool

	// Guest CR shadows while the SPT hides the real registers. Under
	// EPT the VMCS guest fields are authoritative instead.
	gcr0, gcr3, gcr4 uint64

	npEnabled bool
	npt       *np.Engine
	spt       mmu.Engine

	launched bool
	rec      *timeslice.Recorder
	// flushOnEntry asks the next entry to invalidate combined
	// mappings (the INVEPT/INVVPID point); shootdown IPIs set it.
	flushOnEntry bool

	msrBitmap [4096]byte
	ioBitmapA [8192]byte
	ioBitmapB [8192]byte

	stats struct {
		intcnt, hwexcnt, swexcnt uint32
		pfcnt, iocnt, hltcnt     uint32
	}
}

var _ vcpu.Vmctl = (*VT)(nil)

// Init builds the VT backend for a vCPU, selects the paging engine,
// and installs the uniform contract.
func Init(v *vcpu.Vcpu, runner Runner, opts Options) (*VT, error) {
	b := &VT{v: v, runner: runner, rec: timeslice.NewRecorder()}
	v.Backend = vcpu.BackendVT
	v.Vmctl = b
	if v.Msr == nil {
		v.Msr = &vcpu.ShadowMsrs{}
	}
	if v.Exint == nil {
		v.Exint = defaultExint{b: b}
	}
	if err := b.pagingInit(opts); err != nil {
		return nil, err
	}
	b.Reset()
	// Intercept everything by default; pass-through is opt-in.
	for i := range b.ioBitmapA {
		b.ioBitmapA[i] = 0xFF
	}
	for i := range b.ioBitmapB {
		b.ioBitmapB[i] = 0xFF
	}
	for i := range b.msrBitmap {
		b.msrBitmap[i] = 0xFF
	}
	b.vmcs.ProcBasedCtls |= ProcBasedUseIOBitmaps | ProcBasedUseMSRBitmaps
	status.RegisterCallback(b.status)
	hw.DefaultIPI.Register(v.CPU.ID, func() { b.flushOnEntry = true })
	return b, nil
}

// WriteSegFull loads a complete segment descriptor; the interpreter
// uses it for protected-mode segment loads inside the emulation
// window.
func (b *VT) WriteSegFull(s vcpu.Sreg, sel uint16, base, limit, acr uint64) {
	b.vmcs.Segs[s] = Seg{Sel: sel, Base: base, Limit: limit, ACR: acr}
}

// VMCSImage exposes the control block to the Runner side (tests, the
// simulator).
func (b *VT) VMCSImage() *VMCS { return &b.vmcs }

// ConsumeFlushRequest reports and clears a pending combined-mapping
// flush; the Runner performs the INVEPT/INVVPID before entering.
func (b *VT) ConsumeFlushRequest() bool {
	f := b.flushOnEntry
	b.flushOnEntry = false
	return f
}

// Regs exposes the guest register file to the Runner side.
func (b *VT) RegsImage() *GuestRegs { return &b.regs }

// Stats returns the exit counters as a formatted status block.
func (b *VT) status() string {
	return fmt.Sprintf(
		"Interrupts: %d\n"+
			"Hardware exceptions: %d\n"+
			" Page fault: %d\n"+
			" Others: %d\n"+
			"Software exception: %d\n"+
			"Watched I/O: %d\n"+
			"Halt: %d\n",
		b.stats.intcnt, b.stats.hwexcnt, b.stats.pfcnt,
		b.stats.hwexcnt-b.stats.pfcnt, b.stats.swexcnt,
		b.stats.iocnt, b.stats.hltcnt)
}

// VMInit finishes per-vCPU initialization once the registry has bound
// it to a physical CPU.
func (b *VT) VMInit() error {
	b.v.Initialized = true
	return nil
}

// VMExit tears the vCPU down.
func (b *VT) VMExit() {}

// EnableResume prepares the VMCS image for host suspend/resume.
func (b *VT) EnableResume() error {
	return nil
}

// Resume relaunches after host resume.
func (b *VT) Resume() error {
	b.launched = false
	return nil
}

// Reset loads architectural power-on state.
func (b *VT) Reset() {
	b.regs = GuestRegs{RDX: 0x600} // family/model reset value
	b.vmcs.GuestRIP = 0xFFF0
	b.vmcs.GuestRFLAGS = vcpu.RFlagsAlways1
	b.vmcs.ActivityState = ActivityActive
	for i := range b.vmcs.Segs {
		b.vmcs.Segs[i] = Seg{Sel: 0, Base: 0, Limit: 0xFFFF, ACR: 0x93}
	}
	b.vmcs.Segs[vcpu.SregCS] = Seg{Sel: 0xF000, Base: 0xFFFF0000, Limit: 0xFFFF, ACR: 0x9B}
	b.vmcs.IDTR = DescTable{Base: 0, Limit: 0x3FF}
	b.pe, b.pg = false, false
	b.lme, b.lma = false, false
	b.gcr0, b.gcr3, b.gcr4 = 0x60000010, 0, 0
	b.sw.Enable = false
	b.intr.info = 0
	b.syncHWCR()
}

// InitSignal parks the vCPU waiting for a startup IPI.
func (b *VT) InitSignal() {
	b.doInitSignal()
}

// Register access.

func (b *VT) ReadGeneralReg(reg vcpu.GeneralReg) uint64 {
	return b.regs.Get(int(reg))
}

func (b *VT) WriteGeneralReg(reg vcpu.GeneralReg, val uint64) {
	b.regs.Set(int(reg), val)
	// any RIP-adjacent state change invalidates nothing here; decode
	// assist buffers are an SVM concept
}

func (b *VT) ReadControlReg(reg vcpu.ControlReg) uint64 {
	switch reg {
	case vcpu.CR0:
		if b.npEnabled {
			return b.vmcs.GuestCR0
		}
		return b.gcr0
	case vcpu.CR2:
		return b.regs.CR2
	case vcpu.CR3:
		if b.npEnabled {
			return b.vmcs.GuestCR3
		}
		return b.gcr3
	case vcpu.CR4:
		if b.npEnabled {
			return b.vmcs.GuestCR4
		}
		return b.gcr4
	case vcpu.CR8:
		return b.regs.CR8
	}
	panic(fmt.Sprintf("vt: read of control register %d", int(reg)))
}

func (b *VT) WriteControlReg(reg vcpu.ControlReg, val uint64) {
	switch reg {
	case vcpu.CR0:
		oldPE := b.pe
		b.pe = val&vcpu.CR0PE != 0
		b.pg = val&vcpu.CR0PG != 0
		if b.npEnabled {
			b.vmcs.GuestCR0 = val
		} else {
			b.gcr0 = val
		}
		b.vmcs.CR0ReadShadow = val
		if oldPE != b.pe {
			// segment registers still hold the previous mode's
			// contents; emulate across the transition
			b.sw.Enable = true
			b.sw.Num = 0
		}
		b.updateLMA()
		b.pagingUpdateCR3()
		b.syncHWCR()
	case vcpu.CR2:
		b.regs.CR2 = val
	case vcpu.CR3:
		if b.npEnabled {
			b.vmcs.GuestCR3 = val
		} else {
			b.gcr3 = val
		}
		b.pagingUpdateCR3()
	case vcpu.CR4:
		if b.npEnabled {
			b.vmcs.GuestCR4 = val
		} else {
			b.gcr4 = val
		}
		b.vmcs.CR4ReadShadow = val
		b.pagingUpdateCR3()
		b.syncHWCR()
	case vcpu.CR8:
		b.regs.CR8 = val
	default:
		panic(fmt.Sprintf("vt: write of control register %d", int(reg)))
	}
}

// syncHWCR folds the fixed bits the paging mode demands into the
// hardware guest registers.
func (b *VT) syncHWCR() {
	if b.npEnabled {
		return
	}
	b.vmcs.GuestCR0 = b.pagingApplyFixedCR0(b.gcr0)
	b.vmcs.GuestCR4 = b.pagingApplyFixedCR4(b.gcr4)
}

// updateLMA tracks the EFER.LMA transition the hardware performs when
// paging turns on with LME set.
func (b *VT) updateLMA() {
	if b.lme && b.pg {
		if b.lma {
			return
		}
		b.lma = true
		b.vmcs.GuestEFER |= vcpu.EFERLME | vcpu.EFERLMA
	} else {
		if !b.lma {
			return
		}
		b.lma = false
		b.vmcs.GuestEFER &^= uint64(vcpu.EFERLME | vcpu.EFERLMA)
	}
}

func (b *VT) ReadSregSel(s vcpu.Sreg) uint16  { return b.vmcs.Segs[s].Sel }
func (b *VT) ReadSregACR(s vcpu.Sreg) uint64  { return b.vmcs.Segs[s].ACR }
func (b *VT) ReadSregBase(s vcpu.Sreg) uint64 { return b.vmcs.Segs[s].Base }
func (b *VT) ReadSregLimit(s vcpu.Sreg) uint64 {
	return b.vmcs.Segs[s].Limit
}

func (b *VT) ReadIP() uint64     { return b.vmcs.GuestRIP }
func (b *VT) WriteIP(val uint64) { b.vmcs.GuestRIP = val }

func (b *VT) ReadFlags() uint64     { return b.vmcs.GuestRFLAGS }
func (b *VT) WriteFlags(val uint64) { b.vmcs.GuestRFLAGS = val | vcpu.RFlagsAlways1 }

func (b *VT) ReadGDTR() (uint64, uint64) {
	return b.vmcs.GDTR.Base, b.vmcs.GDTR.Limit
}
func (b *VT) WriteGDTR(base, limit uint64) {
	b.vmcs.GDTR = DescTable{Base: base, Limit: limit}
}
func (b *VT) ReadIDTR() (uint64, uint64) {
	return b.vmcs.IDTR.Base, b.vmcs.IDTR.Limit
}
func (b *VT) WriteIDTR(base, limit uint64) {
	b.vmcs.IDTR = DescTable{Base: base, Limit: limit}
}

// WriteRealmodeSeg loads a segment the way a real-mode mov/ljmp does:
// selector plus flat 16-bit attributes.
func (b *VT) WriteRealmodeSeg(s vcpu.Sreg, sel uint16) {
	acr := uint64(0x93)
	if s == vcpu.SregCS {
		acr = 0x9B
	}
	b.vmcs.Segs[s] = Seg{
		Sel:   sel,
		Base:  uint64(sel) << 4,
		Limit: 0xFFFF,
		ACR:   acr,
	}
}

// WritingSreg reports whether a protected-mode segment load must run
// under the software emulation window. VT-x cannot hold the transient
// real-mode descriptor state, so loads during a PE transition are
// emulated.
func (b *VT) WritingSreg(s vcpu.Sreg) error {
	if b.sw.Enable {
		return ErrModeSwitch
	}
	return nil
}

// Event injection.

// GeneratePagefault queues a #PF with its error code; CR2 carries the
// faulting address. IP is not advanced.
func (b *VT) GeneratePagefault(errcode, cr2 uint64) {
	b.queueEvent(uint64(vcpu.ExcPF)|IntrTypeHardException|IntrInfoErrValid|IntrInfoValid,
		errcode, 0)
	b.regs.CR2 = cr2
	b.v.UpdateIP = false
}

// GenerateExternalInt queues an external interrupt vector.
func (b *VT) GenerateExternalInt(vector uint) {
	b.queueEvent(uint64(vector&0xFF)|IntrTypeExternal|IntrInfoValid, 0, 0)
}

func (b *VT) queueEvent(info, errcode, instLen uint64) {
	if b.intr.info&IntrInfoValid != 0 && b.intr.info == info {
		// queueing the exact event that is already pending means we
		// are not making progress
		panic(fmt.Sprintf("vt: double fault injecting 0x%x", info))
	}
	b.intr.info = info
	b.intr.errcode = errcode
	b.intr.instLen = instLen
	b.eventPhysical = false
}

// CPUID serves the guest's view of the processor.
func (b *VT) CPUID(ia, ic uint32) (uint32, uint32, uint32, uint32) {
	if leaf, ok := b.v.CPUID.Lookup(ia, ic); ok {
		return leaf.EAX, leaf.EBX, leaf.ECX, leaf.EDX
	}
	return syntheticCPUID(ia, ic)
}

// syntheticCPUID is the backend's baseline guest processor: PAE, PAT,
// MTRR and MSR support, no VMX.
func syntheticCPUID(ia, ic uint32) (uint32, uint32, uint32, uint32) {
	switch ia {
	case 0:
		// "GenuineIntel"
		return 0x0D, 0x756E6547, 0x6C65746E, 0x49656E69
	case 1:
		const features = 1<<0 | 1<<3 | 1<<4 | 1<<5 | 1<<6 | 1<<8 |
			1<<11 | 1<<12 | 1<<13 | 1<<15 | 1<<16 | 1<<23 | 1<<24 | 1<<25
		return 0x000306A0, 0, 0, features
	case 0x80000000:
		return 0x80000008, 0, 0, 0
	case 0x80000001:
		// NX and 64-bit
		return 0, 0, 0, 1<<20 | 1<<29
	case 0x80000008:
		return 0x00003028, 0, 0, 0 // 40-bit guest physical
	}
	return 0, 0, 0, 0
}

// Xsetbv validates and applies a guest XSETBV.
func (b *VT) Xsetbv(ic, ia, id uint32) bool {
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

// TSCOffsetChanged pushes the vCPU's offset into the hardware field.
func (b *VT) TSCOffsetChanged() {
	b.vmcs.TSCOffset = b.v.TSCOffset
}

// ExintPass controls whether external interrupts exit to the monitor.
func (b *VT) ExintPass(enable bool) {
	if enable {
		b.vmcs.PinBasedCtls &^= uint64(PinBasedExtIntExit)
	} else {
		b.vmcs.PinBasedCtls |= PinBasedExtIntExit
	}
}

// ExintPending opens or closes the interrupt-window exit.
func (b *VT) ExintPending(pending bool) {
	if pending {
		b.vmcs.ProcBasedCtls |= ProcBasedIntrWindowExit
	} else {
		b.vmcs.ProcBasedCtls &^= uint64(ProcBasedIntrWindowExit)
	}
}

// PanicDump writes the guest state through the panic path.
func (b *VT) PanicDump() {
	fmt.Printf("vt: RIP=0x%x RFLAGS=0x%x CR0=0x%x CR3=0x%x CR4=0x%x\n",
		b.vmcs.GuestRIP, b.vmcs.GuestRFLAGS,
		b.ReadControlReg(vcpu.CR0), b.ReadControlReg(vcpu.CR3),
		b.ReadControlReg(vcpu.CR4))
}

// StartVM launches the guest and never hands back until the runner
// stops or a fatal condition panics.
func (b *VT) StartVM(self *thread.Self) error {
	b.eventDeliverySetup()
	if err := b.run(true); err != nil {
		return err
	}
	b.eventDeliveryCheck()
	if err := b.exitReason(); err != nil {
		return err
	}
	b.eventDeliveryUpdate()
	b.vmcs.PinBasedCtls |= PinBasedExtIntExit
	return b.mainLoop(self)
}
