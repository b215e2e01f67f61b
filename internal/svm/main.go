package svm

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/debug"
	"github.com/tinyrange/vmm/internal/exint"
	"github.com/tinyrange/vmm/internal/interp"
	"github.com/tinyrange/vmm/internal/status"
	"github.com/tinyrange/vmm/internal/thread"
	"github.com/tinyrange/vmm/internal/timeslice"
	"github.com/tinyrange/vmm/internal/vcpu"
)

// mainLoop is the #VMEXIT dispatch loop. SVM virtualizes real mode
// directly, so there is no software emulation window here.
func (b *SVM) mainLoop(self *thread.Self) error {
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
		b.eventInjectSetup()
		if err := b.run(); err != nil {
			return err
		}
		b.pagingExitFlush()
		b.eventInjectCheck()
		if err := b.exitCode(); err != nil {
			return err
		}
		b.eventInjectUpdate()
	}
}

var (
	tsSVMHostTime  = timeslice.RegisterKind("svm_host_time", 0)
	tsSVMGuestTime = timeslice.RegisterKind("svm_guest_time", timeslice.FlagGuestTime)
)

func (b *SVM) run() error {
	b.rec.Record(tsSVMHostTime)
	err := b.runner.Run(&b.vmcb, &b.regs)
	b.rec.Record(tsSVMGuestTime)
	if err == nil {
		b.vmcb.TLBControl = TLBControlNone
		b.instBytesValid = b.vmcb.InstBytesCount != 0
	}
	return err
}

func (b *SVM) eventInjectSetup() {
	if b.intr.info&EventValid != 0 {
		b.vmcb.EventInj = b.intr.info
		b.vmcb.EventInjErr = b.intr.errcode
	}
}

// eventInjectCheck inspects EXITINTINFO: a valid value means the event
// delivery was interrupted by this exit and stays queued.
func (b *SVM) eventInjectCheck() {
	if b.intr.info&EventValid == 0 {
		return
	}
	info := b.vmcb.ExitIntInfo
	switch {
	case info&EventValid == 0:
		b.intr.info &^= uint64(EventValid)
	case info == b.intr.info:
		// retry on the next entry
	default:
		panic(fmt.Sprintf("svm: event delivery mismatch: exitintinfo=0x%x queued=0x%x",
			info, b.intr.info))
	}
}

func (b *SVM) eventInjectUpdate() {
	if b.intr.info&EventValid != 0 && b.eventPhysical {
		b.intr.info &^= uint64(EventValid)
	}
}

// addIP advances RIP to the next-instruction pointer the hardware
// captured, unless a handler already rewrote RIP.
func (b *SVM) addIP() {
	if b.v.UpdateIP {
		b.WriteIP(b.vmcb.NRip)
	}
	b.v.UpdateIP = true
}

func (b *SVM) exitCode() error {
	b.eventPhysical = true
	b.v.UpdateIP = true
	code := b.vmcb.ExitCode
	if code == ExitInvalid {
		panic("svm: VMRUN failed")
	}
	debug.Writef("svm.exit", "code=0x%x info1=0x%x rip=0x%x",
		code, b.vmcb.ExitInfo1, b.vmcb.RIP)
	switch {
	case code >= ExitExceptionBase && code < ExitExceptionBase+0x20:
		b.doException(int(code - ExitExceptionBase))
	case code == ExitReadCR0 || code == ExitReadCR3 || code == ExitReadCR4 ||
		code == ExitWriteCR0 || code == ExitWriteCR3 || code == ExitWriteCR4:
		b.doMovCR(code)
	case code == ExitCPUID:
		b.doCPUID()
	case code == ExitIOIO:
		b.stats.iocnt++
		b.doIOIO()
	case code == ExitMSR:
		b.doMSR()
	case code == ExitINTR:
		b.stats.intcnt++
		b.doExintPass()
	case code == ExitVINTR:
		b.v.Exint.Hlt()
	case code == ExitINVLPG:
		b.doINVLPG()
	case code == ExitVMMCALL:
		status.HandleVmcall(b.v)
		b.addIP()
	case code == ExitINIT:
		b.doInit()
	case code == ExitHLT:
		b.stats.hltcnt++
		b.v.Halt = true
		b.addIP()
	case code == ExitNPF:
		b.doNPF()
	case code == ExitXSETBV:
		b.doXSETBV()
	case code == ExitINVD:
		b.addIP()
	case code == ExitShutdown:
		panic("svm: guest shutdown (triple fault)")
	default:
		panic(fmt.Sprintf("svm: unhandled exit code 0x%x", code))
	}
	return nil
}

// doMovCR handles an intercepted control-register access using the
// decode-assist register operand in EXITINFO1.
func (b *SVM) doMovCR(code uint64) {
	reg := vcpu.GeneralReg(b.vmcb.ExitInfo1 & 0xF)
	switch code {
	case ExitReadCR0:
		b.WriteGeneralReg(reg, b.ReadControlReg(vcpu.CR0))
	case ExitReadCR3:
		b.WriteGeneralReg(reg, b.ReadControlReg(vcpu.CR3))
	case ExitReadCR4:
		b.WriteGeneralReg(reg, b.ReadControlReg(vcpu.CR4))
	case ExitWriteCR0:
		b.WriteControlReg(vcpu.CR0, b.ReadGeneralReg(reg))
	case ExitWriteCR3:
		b.WriteControlReg(vcpu.CR3, b.ReadGeneralReg(reg))
	case ExitWriteCR4:
		b.WriteControlReg(vcpu.CR4, b.ReadGeneralReg(reg))
	}
	b.addIP()
}

func (b *SVM) doCPUID() {
	a, c := uint32(b.vmcb.RAX), uint32(b.regs[vcpu.RegRCX])
	oa, ob, oc, od := b.CPUID(a, c)
	b.vmcb.RAX = uint64(oa)
	b.regs[vcpu.RegRBX] = uint64(ob)
	b.regs[vcpu.RegRCX] = uint64(oc)
	b.regs[vcpu.RegRDX] = uint64(od)
	b.addIP()
}

func (b *SVM) doMSR() {
	index := uint32(b.regs[vcpu.RegRCX])
	if b.vmcb.ExitInfo1 == 0 {
		data, fault := b.ReadMSR(index)
		if fault {
			b.injectGP()
			return
		}
		b.vmcb.RAX = data & 0xFFFFFFFF
		b.regs[vcpu.RegRDX] = data >> 32
	} else {
		data := b.regs[vcpu.RegRDX]<<32 | b.vmcb.RAX&0xFFFFFFFF
		if b.WriteMSR(index, data) {
			b.injectGP()
			return
		}
	}
	b.addIP()
}

func (b *SVM) injectGP() {
	b.queueEvent(uint64(vcpu.ExcGP)|EventTypeException|EventErrValid|EventValid, 0)
	b.v.UpdateIP = false
}

func (b *SVM) doException(vector int) {
	b.stats.excnt++
	switch vector {
	case vcpu.ExcPF:
		b.stats.pfcnt++
		errcode := b.vmcb.ExitInfo1
		cr2 := b.vmcb.ExitInfo2
		b.v.Paging.Pagefault(errcode, cr2)
		b.v.UpdateIP = false
	default:
		// reflect to the guest
		info := uint64(vector) | EventTypeException | EventValid
		var errcode uint64
		switch vector {
		case vcpu.ExcDF, vcpu.ExcGP, 10, 11, 12, 17:
			info |= EventErrValid
			errcode = b.vmcb.ExitInfo1
		}
		if b.intr.info&EventValid != 0 && b.intr.info == info {
			panic("svm: double fault in exception handler")
		}
		b.intr.info = info
		b.intr.errcode = errcode
		b.eventPhysical = false
		b.v.UpdateIP = false
	}
}

func (b *SVM) doExintPass() {
	// the vector arrives through the host IDT; EXITINFO1 carries it in
	// our model
	num := exint.RunCallbacks(int(b.vmcb.ExitInfo1 & 0xFF))
	if num >= 0 {
		b.v.Exint.ExintDefault(num)
	}
}

func (b *SVM) doINVLPG() {
	if b.npEnabled {
		panic("svm: INVLPG intercept while nested paging enabled")
	}
	// decode assist provides the linear address
	b.spt.Invalidate(b.vmcb.ExitInfo1)
	b.addIP()
}

func (b *SVM) doNPF() {
	if !b.npEnabled {
		panic("svm: nested page fault while nested paging disabled")
	}
	b.stats.npfcnt++
	write := b.vmcb.ExitInfo1&(1<<1) != 0
	if err := b.npt.Npf(write, b.vmcb.ExitInfo2); err != nil {
		panic(fmt.Sprintf("svm: nested page fault: %v", err))
	}
	b.v.UpdateIP = false
}

func (b *SVM) doXSETBV() {
	if b.Xsetbv(uint32(b.regs[vcpu.RegRCX]), uint32(b.vmcb.RAX),
		uint32(b.regs[vcpu.RegRDX])) {
		b.injectGP()
		return
	}
	b.addIP()
}

// doInit resets the vCPU to the wait-for-SIPI state.
func (b *SVM) doInit() {
	if b.v.SxInit != nil {
		b.v.SxInit.IncInitCount()
	}
	b.Reset()
	b.v.Halt = false
}

// StartupIPI resets guest state to the SIPI vector. The local APIC
// emulation calls it when a startup IPI arrives.
func (b *SVM) StartupIPI(vector uint8) {
	for i := range b.vmcb.Segs {
		b.vmcb.Segs[i] = Seg{Sel: 0, Base: 0, Limit: 0xFFFF, ACR: 0x93}
	}
	b.vmcb.Segs[vcpu.SregCS] = Seg{
		Sel:   uint16(vector) << 8,
		Base:  uint64(vector) << 12,
		Limit: 0xFFFF,
		ACR:   0x9B,
	}
	b.vmcb.RIP = 0
	b.vmcb.RFLAGS = vcpu.RFlagsAlways1
	b.gcr0 &^= uint64(vcpu.CR0PE | vcpu.CR0PG)
	b.syncHWCR()
	b.v.LAPIC.SIPIVector = int(vector)
}

// halt idles the vCPU until an event wakes it.
func (b *SVM) halt() error {
	if b.intr.info&EventValid != 0 {
		return nil
	}
	if err := b.run(); err != nil {
		return err
	}
	b.eventInjectCheck()
	if err := b.exitCode(); err != nil {
		return err
	}
	b.eventInjectUpdate()
	return nil
}

// doIOIO handles an intercepted port access.
func (b *SVM) doIOIO() {
	info := b.vmcb.ExitInfo1
	if info&IOIOString != 0 {
		if err := interp.Step(b.v); err != nil {
			panic(fmt.Sprintf("svm: string IO emulation: %v", err))
		}
		b.v.UpdateIP = false
		return
	}
	port := uint32(info >> IOIOPortShift & 0xFFFF)
	size := 1
	switch {
	case info&IOIOSize16 != 0:
		size = 2
	case info&IOIOSize32 != 0:
		size = 4
	}
	in := info&IOIOIn != 0

	buf := make([]byte, size)
	access := vcpu.IOOut
	if in {
		access = vcpu.IOIn
	} else {
		for i := 0; i < size; i++ {
			buf[i] = byte(b.vmcb.RAX >> (i * 8))
		}
	}
	if b.v.IO.Handle(access, port, buf) == vcpu.IOActRerun {
		b.v.UpdateIP = false
		return
	}
	if in {
		var val uint64
		for i := 0; i < size; i++ {
			val |= uint64(buf[i]) << (i * 8)
		}
		switch size {
		case 1:
			b.vmcb.RAX = b.vmcb.RAX&^uint64(0xFF) | val
		case 2:
			b.vmcb.RAX = b.vmcb.RAX&^uint64(0xFFFF) | val
		default:
			b.vmcb.RAX = val
		}
	}
	// EXITINFO2 holds the next RIP for IOIO exits
	if b.v.UpdateIP {
		b.WriteIP(b.vmcb.ExitInfo2)
	}
	b.v.UpdateIP = true
}

// defaultExint is the fallback external-interrupt feature table.
type defaultExint struct {
	b *SVM
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
