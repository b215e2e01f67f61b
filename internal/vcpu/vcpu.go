// Package vcpu defines the virtual CPU object, the process-wide vCPU
// registry, and the uniform control contract the backends implement.
// One vCPU exists per logical physical CPU of the host; per-VM data
// hangs off vCPU 0 and is reached through the Vcpu0 back pointer.
package vcpu

import (
	"sync"

	"github.com/tinyrange/vmm/internal/cache"
	"github.com/tinyrange/vmm/internal/hw"
	"github.com/tinyrange/vmm/internal/pcpu"
)

// Backend discriminates which hardware virtualization extension drives
// this vCPU.
type Backend int

const (
	BackendNone Backend = iota
	BackendVT
	BackendSVM
)

func (b Backend) String() string {
	switch b {
	case BackendVT:
		return "vt"
	case BackendSVM:
		return "svm"
	}
	return "none"
}

// Vcpu is the monitor's per-physical-CPU guest state container. The
// backend-specific control block (VMCS or VMCB image) lives inside the
// backend package; the Vcpu carries only the state both backends share
// plus the pluggable contracts filled in at init.
type Vcpu struct {
	next *Vcpu

	// Vcpu0 points at the first vCPU of this VM; per-VM structures
	// (MMIO table, local APIC bus) are reached through it.
	Vcpu0 *Vcpu

	// CPU is the physical CPU this vCPU is bound to.
	CPU *pcpu.CPU
	// Mem is the host physical address space.
	Mem *hw.Mem

	Backend Backend
	Vmctl   Vmctl
	Paging  Paging
	Gmm     GmmFuncs
	Msr     MsrHooks
	Exint   ExintFuncs
	Nmi     NmiFuncs
	SxInit  SxInitFuncs

	// Halt is set when the guest executed HLT and cleared when the
	// wakeup is processed.
	Halt bool
	// Initialized is set once the backend finished vminit.
	Initialized bool
	// TSCOffset is added to the host TSC for guest reads.
	TSCOffset uint64
	// UpdateIP is cleared by exit handlers that already wrote RIP.
	UpdateIP bool
	// PteAddrMask selects the physical-address bits of a guest PTE
	// (depends on the guest's physical address width).
	PteAddrMask uint64

	Cache  cache.Data
	CPUID  CPUIDData
	IO     IOData
	MMIO   MMIOData
	LAPIC  LocalAPICData
	Xsetbv XsetbvData
}

var (
	listMu   sync.Mutex
	listHead *Vcpu
	current  = map[int]*Vcpu{}
)

// LoadNew allocates a zeroed vCPU, links it into the registry, and
// makes it the current vCPU of the given physical CPU. A nil vcpu0
// starts a new VM with this vCPU as its vCPU 0.
func LoadNew(cpu *pcpu.CPU, mem *hw.Mem, vcpu0 *Vcpu) *Vcpu {
	v := &Vcpu{CPU: cpu, Mem: mem, UpdateIP: true}
	if vcpu0 == nil {
		vcpu0 = v
	}
	v.Vcpu0 = vcpu0
	v.PteAddrMask = 0x0000FFFFFFFFF000
	listMu.Lock()
	v.next = listHead
	listHead = v
	current[cpu.ID] = v
	listMu.Unlock()
	return v
}

// CurrentOn returns the vCPU bound to a physical CPU, or nil.
func CurrentOn(cpuID int) *Vcpu {
	listMu.Lock()
	defer listMu.Unlock()
	return current[cpuID]
}

// ListForeach calls fn with every vCPU, stopping early when fn returns
// true. q is an opaque cookie handed through to fn.
func ListForeach(fn func(p *Vcpu, q any) bool, q any) {
	listMu.Lock()
	head := listHead
	listMu.Unlock()
	for p := head; p != nil; p = p.next {
		if fn(p, q) {
			break
		}
	}
}

// ResetForTest empties the registry. Tests only.
func ResetForTest() {
	listMu.Lock()
	listHead = nil
	current = map[int]*Vcpu{}
	listMu.Unlock()
}

// ReadGuestPhys64 reads a guest physical quadword through the
// guest-memory map.
func (v *Vcpu) ReadGuestPhys64(gphys uint64) (uint64, bool) {
	hp, ok := v.Gmm.GP2HP(gphys)
	if !ok {
		return 0, false
	}
	val, err := v.Mem.Read64(hp)
	if err != nil {
		return 0, false
	}
	return val, true
}

// WriteGuestPhys64 writes a guest physical quadword.
func (v *Vcpu) WriteGuestPhys64(gphys, val uint64) bool {
	hp, ok := v.Gmm.GP2HP(gphys)
	if !ok {
		return false
	}
	return v.Mem.Write64(hp, val) == nil
}

// ReadGuestPhys copies out of guest physical memory.
func (v *Vcpu) ReadGuestPhys(gphys uint64, p []byte) bool {
	for len(p) > 0 {
		n := int(hw.PageSize - gphys&hw.PageMask)
		if n > len(p) {
			n = len(p)
		}
		hp, ok := v.Gmm.GP2HP(gphys)
		if !ok {
			return false
		}
		if _, err := v.Mem.ReadAt(p[:n], int64(hp)); err != nil {
			return false
		}
		p = p[n:]
		gphys += uint64(n)
	}
	return true
}

// WriteGuestPhys copies into guest physical memory.
func (v *Vcpu) WriteGuestPhys(gphys uint64, p []byte) bool {
	for len(p) > 0 {
		n := int(hw.PageSize - gphys&hw.PageMask)
		if n > len(p) {
			n = len(p)
		}
		hp, ok := v.Gmm.GP2HP(gphys)
		if !ok {
			return false
		}
		if _, err := v.Mem.WriteAt(p[:n], int64(hp)); err != nil {
			return false
		}
		p = p[n:]
		gphys += uint64(n)
	}
	return true
}
