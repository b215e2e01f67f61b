package vcpu

import "github.com/tinyrange/vmm/internal/thread"

// Vmctl is the uniform vCPU control surface. The generic layer sees one
// of these regardless of which backend drives the hardware; the VT and
// SVM packages each provide an implementation and install it at init.
// This is the single point where backend choice is visible.
//
// MSR accessors follow the architectural fault convention: a true
// result means the access faults and the caller injects #GP.
type Vmctl interface {
	// Life cycle.
	VMInit() error
	VMExit()
	StartVM(self *thread.Self) error
	EnableResume() error
	Resume() error
	Reset()
	InitSignal()

	// Register access.
	ReadGeneralReg(reg GeneralReg) uint64
	WriteGeneralReg(reg GeneralReg, val uint64)
	ReadControlReg(reg ControlReg) uint64
	WriteControlReg(reg ControlReg, val uint64)
	ReadSregSel(s Sreg) uint16
	ReadSregACR(s Sreg) uint64
	ReadSregBase(s Sreg) uint64
	ReadSregLimit(s Sreg) uint64
	ReadIP() uint64
	WriteIP(val uint64)
	ReadFlags() uint64
	WriteFlags(val uint64)
	ReadGDTR() (base, limit uint64)
	WriteGDTR(base, limit uint64)
	ReadIDTR() (base, limit uint64)
	WriteIDTR(base, limit uint64)
	WriteRealmodeSeg(s Sreg, sel uint16)
	// WritingSreg reports whether a segment-register load currently
	// needs software assistance (mode-switch emulation window).
	WritingSreg(s Sreg) error

	// Event injection.
	GeneratePagefault(errcode, cr2 uint64)
	GenerateExternalInt(vector uint)

	// MSR / IO / CPUID dispatch and pass-through policy.
	ReadMSR(index uint32) (uint64, bool)
	WriteMSR(index uint32, val uint64) bool
	CPUID(ia, ic uint32) (a, b, c, d uint32)
	IOPass(port uint32, pass bool)
	MSRPass(index uint32, wr, pass bool)

	// External interrupt window control.
	ExintPass(enable bool)
	ExintPending(pending bool)

	// Paging hooks.
	SptSetCR3(cr3 uint64)
	SptTlbflush()
	Invlpg(addr uint64)
	ExternFlushTlbEntry(p *Vcpu, start, end uint64) bool
	PagingMap1MB()

	// CPU feature hooks.
	Xsetbv(ic, ia, id uint32) bool
	TSCOffsetChanged()

	// Diagnostics.
	PanicDump()
}

// Paging is the contract shared by the shadow page-table engine and the
// nested-paging engine. The backend's paging glue decides at init which
// one a vCPU carries and forwards every call here.
type Paging interface {
	Pagefault(errcode, cr2 uint64)
	Tlbflush()
	Invalidate(addr uint64)
	UpdateCR3()
	ClearAll()
	ExternMapsearch(p *Vcpu, start, end uint64) bool
	MapFirstMiB()
}

// GmmFuncs translates guest physical to host physical addresses.
type GmmFuncs interface {
	// GP2HP returns the host physical address backing gphys and
	// whether the translation exists.
	GP2HP(gphys uint64) (uint64, bool)
}

// MsrHooks handles MSRs the backend does not special-case. A true
// result faults.
type MsrHooks interface {
	ReadMSR(index uint32) (uint64, bool)
	WriteMSR(index uint32, val uint64) bool
}

// ExintFuncs is the external-interrupt feature table.
type ExintFuncs interface {
	IntEnabled()
	ExintDefault(num int)
	Hlt()
}

// NmiFuncs exposes the pending-NMI counter.
type NmiFuncs interface {
	GetNmiCount() uint
}

// SxInitFuncs tracks INIT signal delivery for the startup-IPI protocol.
type SxInitFuncs interface {
	GetInitCount() uint
	IncInitCount()
}
