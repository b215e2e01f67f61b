// Package vcputest provides a no-op Vmctl implementation for tests of
// components that sit on top of the uniform vCPU contract. Embed
// BaseVmctl and override what the test observes.
package vcputest

import (
	"github.com/tinyrange/vmm/internal/thread"
	"github.com/tinyrange/vmm/internal/vcpu"
)

// BaseVmctl implements vcpu.Vmctl with settable register state and
// recorded event injections. The zero value is usable.
type BaseVmctl struct {
	Regs    [vcpu.NumGeneralRegs]uint64
	CRs     [9]uint64
	IP      uint64
	Flags   uint64
	MSRs    map[uint32]uint64
	SptCR3  uint64
	SregSel [vcpu.NumSregs]uint16

	// Injected page faults and external interrupts.
	PFErr, PFCr2 uint64
	PFCount      int
	ExtInts      []uint

	IOPassed  map[uint32]bool
	MSRPassed map[uint64]bool
}

var _ vcpu.Vmctl = (*BaseVmctl)(nil)

func (b *BaseVmctl) VMInit() error                   { return nil }
func (b *BaseVmctl) VMExit()                         {}
func (b *BaseVmctl) StartVM(self *thread.Self) error { return nil }
func (b *BaseVmctl) EnableResume() error             { return nil }
func (b *BaseVmctl) Resume() error                   { return nil }
func (b *BaseVmctl) Reset()                          {}
func (b *BaseVmctl) InitSignal()                     {}

func (b *BaseVmctl) ReadGeneralReg(reg vcpu.GeneralReg) uint64 { return b.Regs[reg] }
func (b *BaseVmctl) WriteGeneralReg(reg vcpu.GeneralReg, val uint64) {
	b.Regs[reg] = val
}
func (b *BaseVmctl) ReadControlReg(reg vcpu.ControlReg) uint64 { return b.CRs[reg] }
func (b *BaseVmctl) WriteControlReg(reg vcpu.ControlReg, val uint64) {
	b.CRs[reg] = val
}
func (b *BaseVmctl) ReadSregSel(s vcpu.Sreg) uint16           { return b.SregSel[s] }
func (b *BaseVmctl) ReadSregACR(s vcpu.Sreg) uint64           { return 0 }
func (b *BaseVmctl) ReadSregBase(s vcpu.Sreg) uint64          { return 0 }
func (b *BaseVmctl) ReadSregLimit(s vcpu.Sreg) uint64         { return 0xFFFF }
func (b *BaseVmctl) ReadIP() uint64                           { return b.IP }
func (b *BaseVmctl) WriteIP(val uint64)                       { b.IP = val }
func (b *BaseVmctl) ReadFlags() uint64                        { return b.Flags }
func (b *BaseVmctl) WriteFlags(val uint64)                    { b.Flags = val }
func (b *BaseVmctl) ReadGDTR() (uint64, uint64)               { return 0, 0 }
func (b *BaseVmctl) WriteGDTR(base, limit uint64)             {}
func (b *BaseVmctl) ReadIDTR() (uint64, uint64)               { return 0, 0 }
func (b *BaseVmctl) WriteIDTR(base, limit uint64)             {}
func (b *BaseVmctl) WriteRealmodeSeg(s vcpu.Sreg, sel uint16) {}
func (b *BaseVmctl) WritingSreg(s vcpu.Sreg) error            { return nil }

func (b *BaseVmctl) GeneratePagefault(errcode, cr2 uint64) {
	b.PFErr, b.PFCr2 = errcode, cr2
	b.PFCount++
}
func (b *BaseVmctl) GenerateExternalInt(vector uint) {
	b.ExtInts = append(b.ExtInts, vector)
}

func (b *BaseVmctl) ReadMSR(index uint32) (uint64, bool) {
	if b.MSRs == nil {
		return 0, false
	}
	return b.MSRs[index], false
}
func (b *BaseVmctl) WriteMSR(index uint32, val uint64) bool {
	if b.MSRs == nil {
		b.MSRs = map[uint32]uint64{}
	}
	b.MSRs[index] = val
	return false
}
func (b *BaseVmctl) CPUID(ia, ic uint32) (uint32, uint32, uint32, uint32) {
	return 0, 0, 0, 0
}
func (b *BaseVmctl) IOPass(port uint32, pass bool) {
	if b.IOPassed == nil {
		b.IOPassed = map[uint32]bool{}
	}
	b.IOPassed[port] = pass
}
func (b *BaseVmctl) MSRPass(index uint32, wr, pass bool) {
	if b.MSRPassed == nil {
		b.MSRPassed = map[uint64]bool{}
	}
	key := uint64(index)
	if wr {
		key |= 1 << 32
	}
	b.MSRPassed[key] = pass
}

func (b *BaseVmctl) ExintPass(enable bool)  {}
func (b *BaseVmctl) ExintPending(pend bool) {}
func (b *BaseVmctl) SptSetCR3(cr3 uint64)   { b.SptCR3 = cr3 }
func (b *BaseVmctl) SptTlbflush()           {}
func (b *BaseVmctl) Invlpg(addr uint64)     {}
func (b *BaseVmctl) ExternFlushTlbEntry(p *vcpu.Vcpu, start, end uint64) bool {
	return false
}
func (b *BaseVmctl) PagingMap1MB()                 {}
func (b *BaseVmctl) Xsetbv(ic, ia, id uint32) bool { return false }
func (b *BaseVmctl) TSCOffsetChanged()             {}
func (b *BaseVmctl) PanicDump()                    {}

// IdentityGmm maps guest physical straight to host physical within a
// limit.
type IdentityGmm struct {
	Limit uint64
}

func (g IdentityGmm) GP2HP(gphys uint64) (uint64, bool) {
	if g.Limit != 0 && gphys >= g.Limit {
		return 0, false
	}
	return gphys, true
}

// OffsetGmm maps guest physical to host physical at a fixed offset.
type OffsetGmm struct {
	Offset uint64
	Limit  uint64
}

func (g OffsetGmm) GP2HP(gphys uint64) (uint64, bool) {
	if g.Limit != 0 && gphys >= g.Limit {
		return 0, false
	}
	return gphys + g.Offset, true
}
