package vt

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vmm/internal/debug"
	"github.com/tinyrange/vmm/internal/exint"
	"github.com/tinyrange/vmm/internal/interp"
	"github.com/tinyrange/vmm/internal/status"
	"github.com/tinyrange/vmm/internal/thread"
	"github.com/tinyrange/vmm/internal/timeslice"
	"github.com/tinyrange/vmm/internal/vcpu"
)

// mainLoop is the exit-dispatch loop. One iteration is one guest entry
// plus the handling of the exit it produced. The scheduler is consulted
// first so driver threads run cooperatively between entries.
func (b *VT) mainLoop(self *thread.Self) error {
	for {
		if self != nil {
			self.Schedule()
		}
		if b.v.Halt {
			if err := b.halt(); err != nil {
				return err
			}
			b.v.Halt = false
			continue
		}
		// Between real and protected mode the segment registers hold
		// the previous mode's contents, which VT-x cannot express. Try
		// the interpreter for up to 32 instructions, falling back to
		// single-stepped hardware execution per instruction it cannot
		// decode.
		if b.sw.Enable {
			b.sw.Num++
			if b.sw.Num >= 32 {
				b.sw.Enable = false
				continue
			}
			err := interp.Step(b.v)
			if err == nil {
				continue
			}
			if !errors.Is(err, interp.ErrUnsupportedOpcode) &&
				!errors.Is(err, interp.ErrSW) {
				panic(fmt.Sprintf("vt: mainloop emulation: %v", err))
			}
		}
		b.eventDeliverySetup()
		var err error
		if b.sw.Enable {
			err = b.runWithTF()
		} else {
			err = b.run(false)
		}
		if err != nil {
			return err
		}
		b.pagingExitFlush()
		b.eventDeliveryCheck()
		if err := b.exitReason(); err != nil {
			return err
		}
		b.eventDeliveryUpdate()
	}
}

var (
	tsVTHostTime  = timeslice.RegisterKind("vt_host_time", 0)
	tsVTGuestTime = timeslice.RegisterKind("vt_guest_time", timeslice.FlagGuestTime)
)

func (b *VT) run(first bool) error {
	launch := first || !b.launched
	b.rec.Record(tsVTHostTime)
	err := b.runner.Run(&b.vmcs, &b.regs, launch)
	b.rec.Record(tsVTGuestTime)
	b.launched = true
	return err
}

func (b *VT) runWithTF() error {
	b.vmcs.GuestRFLAGS |= vcpu.RFlagsTF
	err := b.run(false)
	b.vmcs.GuestRFLAGS &^= uint64(vcpu.RFlagsTF)
	return err
}

// eventDeliverySetup stages the queued event into the entry fields.
func (b *VT) eventDeliverySetup() {
	if b.intr.info&IntrInfoValid != 0 {
		b.vmcs.EntryIntrInfo = b.intr.info
		if b.intr.info&IntrInfoErrValid != 0 {
			b.vmcs.EntryErrcode = b.intr.errcode
		}
		b.vmcs.EntryInstLen = b.intr.instLen
	}
}

// eventDeliveryCheck verifies what happened to the staged event. If
// the exit reports no interrupted delivery the event went in; if the
// IDT-vectoring field carries exactly our event the delivery was cut
// short and it stays queued; anything else is an invariant break.
func (b *VT) eventDeliveryCheck() {
	if b.intr.info&IntrInfoValid == 0 {
		return
	}
	ivif := b.vmcs.IdtVectoringInfo
	switch {
	case ivif&IntrInfoValid == 0:
		b.intr.info &^= uint64(IntrInfoValid)
	case ivif == b.intr.info:
		// delivery interrupted; retry on next entry
	default:
		panic(fmt.Sprintf(
			"vt: event delivery mismatch: idt-vectoring=0x%x queued=0x%x",
			ivif, b.intr.info))
	}
}

// eventDeliveryUpdate drops a stale queued event once the exit has
// been dispatched, unless a handler queued a fresh one.
func (b *VT) eventDeliveryUpdate() {
	if b.intr.info&IntrInfoValid != 0 && b.eventPhysical {
		b.intr.info &^= uint64(IntrInfoValid)
	}
}

// addIP advances the guest RIP over the exiting instruction unless a
// handler already rewrote it.
func (b *VT) addIP() {
	if b.v.UpdateIP {
		b.vmcs.GuestRIP += b.vmcs.ExitInstLen
	}
	b.v.UpdateIP = true
}

// exitReason decodes and dispatches the exit.
func (b *VT) exitReason() error {
	b.eventPhysical = true
	b.v.UpdateIP = true
	reason := b.vmcs.ExitReason
	if reason&ExitEntryFailureBit != 0 {
		panic(fmt.Sprintf("vt: VM entry failure, reason 0x%x", reason))
	}
	debug.Writef("vt.exit", "reason=%d qual=0x%x rip=0x%x",
		reason&ExitReasonMask, b.vmcs.ExitQualification, b.vmcs.GuestRIP)
	switch reason & ExitReasonMask {
	case ExitMovCR:
		b.doMovCR()
	case ExitCPUID:
		b.doCPUID()
	case ExitIOInstruction:
		b.stats.iocnt++
		b.doIO()
	case ExitRDMSR:
		b.doRDMSR()
	case ExitWRMSR:
		b.doWRMSR()
	case ExitExceptionOrNMI:
		b.doException()
	case ExitExternalInt:
		b.stats.intcnt++
		b.doExintPass()
	case ExitInterruptWindow:
		b.v.Exint.Hlt()
	case ExitINVLPG:
		b.Invlpg(b.vmcs.ExitQualification)
		b.addIP()
	case ExitVMCALL:
		b.doVMCall()
	case ExitInitSignal:
		b.doInitSignal()
	case ExitStartupIPI:
		b.doStartupIPI()
	case ExitHLT:
		b.stats.hltcnt++
		b.v.Halt = true
		b.addIP()
	case ExitEPTViolation:
		b.doEPTViolation()
	case ExitXSETBV:
		b.doXSETBV()
	default:
		panic(fmt.Sprintf("vt: unhandled exit reason %d", reason&ExitReasonMask))
	}
	return nil
}

func (b *VT) doMovCR() {
	q := b.vmcs.ExitQualification
	cr := vcpu.ControlReg(q & QualCRNumMask)
	reg := vcpu.GeneralReg(q & QualCRRegMask >> QualCRRegShift)
	switch (q & QualCRTypeMask) >> QualCRTypeShift {
	case QualCRMovToCR:
		b.WriteControlReg(cr, b.ReadGeneralReg(reg))
	case QualCRMovFromCR:
		b.WriteGeneralReg(reg, b.ReadControlReg(cr))
	case QualCRCLTS:
		b.WriteControlReg(vcpu.CR0, b.ReadControlReg(vcpu.CR0)&^uint64(vcpu.CR0TS))
	case QualCRLMSW:
		panic("vt: LMSW not implemented")
	}
	b.addIP()
}

func (b *VT) doCPUID() {
	a, c := uint32(b.regs.RAX), uint32(b.regs.RCX)
	oa, ob, oc, od := b.CPUID(a, c)
	b.regs.RAX = uint64(oa)
	b.regs.RBX = uint64(ob)
	b.regs.RCX = uint64(oc)
	b.regs.RDX = uint64(od)
	b.addIP()
}

func (b *VT) doRDMSR() {
	index := uint32(b.regs.RCX)
	data, fault := b.ReadMSR(index)
	if fault {
		b.queueEvent(uint64(vcpu.ExcGP)|IntrTypeHardException|IntrInfoErrValid|IntrInfoValid, 0, 0)
		b.v.UpdateIP = false
		return
	}
	b.regs.RAX = data & 0xFFFFFFFF
	b.regs.RDX = data >> 32
	b.addIP()
}

func (b *VT) doWRMSR() {
	index := uint32(b.regs.RCX)
	data := b.regs.RDX<<32 | b.regs.RAX&0xFFFFFFFF
	if b.WriteMSR(index, data) {
		b.queueEvent(uint64(vcpu.ExcGP)|IntrTypeHardException|IntrInfoErrValid|IntrInfoValid, 0, 0)
		b.v.UpdateIP = false
		return
	}
	b.addIP()
}

func (b *VT) doException() {
	info := b.vmcs.ExitIntrInfo
	if info&IntrInfoValid == 0 {
		return
	}
	switch info & IntrInfoTypeMask {
	case IntrTypeHardException:
		b.stats.hwexcnt++
		vec := info & IntrInfoVectorMask
		if vec == vcpu.ExcDB && b.sw.Enable {
			// single-step artifact of the emulation window
			return
		}
		if vec == vcpu.ExcPF {
			b.stats.pfcnt++
			errcode := b.vmcs.ExitIntrErrcode
			cr2 := b.vmcs.ExitQualification
			b.v.Paging.Pagefault(errcode, cr2)
			b.v.UpdateIP = false
			return
		}
		if !b.pe {
			switch vec {
			case vcpu.ExcGP:
				if err := interp.Step(b.v); err != nil {
					panic(fmt.Sprintf(
						"vt: general protection fault in real mode: %v", err))
				}
			case vcpu.ExcDB:
				if err := interp.RealmodeInt(b.v, 1); err != nil {
					panic(fmt.Sprintf("vt: realmode int 1: %v", err))
				}
			default:
				panic(fmt.Sprintf("vt: unimplemented real-mode vector 0x%x", vec))
			}
			b.v.UpdateIP = false
			return
		}
		// reflect to the guest
		if b.intr.info&IntrInfoValid != 0 && b.intr.info == info {
			panic("vt: double fault in exception handler")
		}
		b.intr.info = info
		if info&IntrInfoErrValid != 0 {
			errcode := b.vmcs.ExitIntrErrcode
			b.intr.errcode = errcode
			if vec == vcpu.ExcGP && errcode == 0x6B {
				panic("vt: general protection fault (maybe double fault)")
			}
		}
		b.intr.instLen = 0
		b.eventPhysical = false
		b.v.UpdateIP = false
	case IntrTypeSoftException:
		b.stats.swexcnt++
		b.intr.info = info
		b.intr.instLen = b.vmcs.ExitInstLen
		b.eventPhysical = false
		b.v.UpdateIP = false
	default:
		panic(fmt.Sprintf("vt: interruption type 0x%x not implemented",
			info&IntrInfoTypeMask))
	}
}

// doExintPass routes a passed-through hardware interrupt through the
// registered filters and back into the guest.
func (b *VT) doExintPass() {
	info := b.vmcs.ExitIntrInfo
	if info&IntrInfoValid == 0 {
		return
	}
	num := exint.RunCallbacks(int(info & IntrInfoVectorMask))
	if num >= 0 {
		b.v.Exint.ExintDefault(num)
	}
}

func (b *VT) doVMCall() {
	status.HandleVmcall(b.v)
	b.addIP()
}

func (b *VT) doEPTViolation() {
	if !b.npEnabled {
		panic("vt: EPT violation while EPT disabled")
	}
	write := b.vmcs.ExitQualification&EPTQualWrite != 0
	if err := b.npt.Npf(write, b.vmcs.GuestPhysAddr); err != nil {
		panic(fmt.Sprintf("vt: ept violation: %v", err))
	}
	b.v.UpdateIP = false
}

func (b *VT) doXSETBV() {
	if b.Xsetbv(uint32(b.regs.RCX), uint32(b.regs.RAX), uint32(b.regs.RDX)) {
		b.queueEvent(uint64(vcpu.ExcGP)|IntrTypeHardException|IntrInfoErrValid|IntrInfoValid, 0, 0)
		b.v.UpdateIP = false
		return
	}
	b.addIP()
}

// doInitSignal parks the vCPU waiting for a startup IPI.
func (b *VT) doInitSignal() {
	if b.v.SxInit != nil {
		b.v.SxInit.IncInitCount()
	}
	b.vmcs.ActivityState = ActivityWaitForSIPI
	b.v.Halt = false
	b.sw.Enable = false
}

// doStartupIPI resets guest state to the SIPI vector in 16-bit mode.
func (b *VT) doStartupIPI() {
	vector := b.vmcs.ExitQualification & 0xFF
	for i := range b.vmcs.Segs {
		b.vmcs.Segs[i] = Seg{Sel: 0, Base: 0, Limit: 0xFFFF, ACR: 0xF3}
	}
	b.vmcs.Segs[vcpu.SregCS] = Seg{
		Sel:   uint16(vector << 8),
		Base:  vector << 12,
		Limit: 0xFFFF,
		ACR:   0xF3,
	}
	b.vmcs.GuestRIP = 0
	b.vmcs.GuestRFLAGS = vcpu.RFlagsAlways1 | vcpu.RFlagsVM
	b.vmcs.IDTR = DescTable{Base: 0, Limit: 0x3FF}
	b.vmcs.CR0ReadShadow = 0
	b.vmcs.CR4ReadShadow = 0
	b.pe, b.pg = false, false
	b.sw.Enable = false
	b.v.LAPIC.SIPIVector = int(vector)
	b.vmcs.ActivityState = ActivityActive
}

// halt runs the guest in the HLT activity state until something wakes
// it, with segments temporarily flattened so the entry is legal
// regardless of the mode the guest halted in.
func (b *VT) halt() error {
	if b.intr.info&IntrInfoValid != 0 {
		// a pending event will wake the guest immediately; skip the
		// halt entry
		return nil
	}
	saved := b.vmcs.Segs
	savedFlags := b.vmcs.GuestRFLAGS
	for i := range b.vmcs.Segs {
		b.vmcs.Segs[i] = Seg{Sel: 8, Base: 0, Limit: 0xFFFFFFFF, ACR: 0xC093}
	}
	b.vmcs.Segs[vcpu.SregCS].ACR = 0xC09B
	b.vmcs.GuestRFLAGS = vcpu.RFlagsAlways1 | (savedFlags & vcpu.RFlagsIF)
	b.vmcs.ActivityState = ActivityHLT

	err := b.run(false)

	b.vmcs.ActivityState = ActivityActive
	b.vmcs.Segs = saved
	b.vmcs.GuestRFLAGS = savedFlags
	if err != nil {
		return err
	}
	b.eventDeliveryCheck()
	if err := b.exitReason(); err != nil {
		return err
	}
	b.eventDeliveryUpdate()
	return nil
}

// defaultExint is the fallback external-interrupt feature table.
type defaultExint struct {
	b *VT
}

func (d defaultExint) IntEnabled() {
	d.b.ExintPending(false)
}

func (d defaultExint) ExintDefault(num int) {
	d.b.GenerateExternalInt(uint(num))
}

func (d defaultExint) Hlt() {
	d.b.ExintPending(false)
}
