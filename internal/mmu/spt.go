package mmu

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/hw"
	"github.com/tinyrange/vmm/internal/mmioclr"
	"github.com/tinyrange/vmm/internal/vcpu"
)

// Strategy selects the shadow page-table implementation.
type Strategy int

const (
	// Strategy1 keeps one working set of tables and throws everything
	// away on any flush. Simple and slow.
	Strategy1 Strategy = 1
	// Strategy2 keys shadow tables on the guest frames they mirror and
	// write-protects those frames so guest edits invalidate precisely.
	Strategy2 Strategy = 2
	// Strategy3 has the same external contract as Strategy2 behind a
	// reworked internal organization.
	Strategy3 Strategy = 3
)

// Pool sizes shared by the strategies.
const (
	NumSptTbl  = 32
	NumRwmap   = 256
	NumShadow1 = 64
	NumShadow2 = 32
)

// Stats exposes pool accounting for the status report and the
// invariant checks. For each pool free+normal+modified equals the pool
// size at quiescence.
type Stats struct {
	RwmapFree, RwmapNormal, RwmapFail           uint
	Shadow1Free, Shadow1Normal, Shadow1Modified uint
	Shadow2Free, Shadow2Normal, Shadow2Modified uint
	Faults, Reflected, Mapped                   uint64
}

// Engine is the full shadow-engine surface: the uniform paging
// contract plus what tests, the status report, and the MMIO-clear
// registry need.
type Engine interface {
	vcpu.Paging

	// ExitFlush runs once per VM exit: it finishes any deferred
	// teardown work without touching live translations. Guest-visible
	// flushes go through Tlbflush instead.
	ExitFlush()

	// CR3TblPhys is the host physical root the backend loads.
	CR3TblPhys() uint64
	// GuestCR3 is the guest CR3 the current shadow corresponds to.
	GuestCR3() uint64
	// Stats snapshots the pool counters.
	Stats() Stats
	// SetMMIOEmulate installs the callback used when a fault targets a
	// registered MMIO page instead of RAM.
	SetMMIOEmulate(fn func(linear, gphys uint64) bool)

	// clearHostRange drops any shadow mapping into [hpst, hpend] host
	// physical and reports whether there was one.
	clearHostRange(hpst, hpend uint64) bool
}

// New builds the selected strategy for one vCPU, allocating the root
// table and registering the engine with the MMIO-clear registry.
func New(v *vcpu.Vcpu, strategy Strategy) (Engine, error) {
	var e Engine
	var err error
	switch strategy {
	case Strategy1:
		e, err = newSpt1(v)
	case Strategy2:
		e, err = newSpt2(v)
	case Strategy3:
		e, err = newSpt3(v)
	default:
		return nil, fmt.Errorf("mmu: unknown shadow strategy %d", strategy)
	}
	if err != nil {
		return nil, err
	}
	cpuID := v.CPU.ID
	mmioclr.Register(nil, func(_ any, hpst, hpend uint64) bool {
		if !e.clearHostRange(hpst, hpend) {
			return false
		}
		// the owning CPU must drop stale TLB entries before its next
		// entry; the shootdown is acknowledged before we return
		_ = hw.DefaultIPI.Send(cpuID)
		return true
	})
	return e, nil
}

// zeroPage clears one host page.
func zeroPage(mem *hw.Mem, phys uint64) {
	p, err := mem.Page(phys)
	if err != nil {
		panic(fmt.Sprintf("mmu: shadow page 0x%x unreachable: %v", phys, err))
	}
	clear(p)
}

// upperEntry is the attribute set for non-leaf shadow entries: fully
// permissive, rights are enforced at the leaf.
const upperEntry = PteP | PteRW | PteUS

// ptIndex splits a linear address into shadow table indices for the
// given depth.
func ptIndex(linear uint64, level int) uint64 {
	switch level {
	case 0:
		return (linear >> 12) & 0x1FF
	case 1:
		return (linear >> 21) & 0x1FF
	case 2:
		return (linear >> 30) & 0x1FF
	case 3:
		return (linear >> 39) & 0x1FF
	}
	return 0
}

// ShadowWalk walks a shadow tree the way the hardware would and
// returns the leaf entry, its physical target, and the mapping size.
// Tests use it to check shadow fidelity.
func ShadowWalk(mem *hw.Mem, root uint64, levels int, linear uint64) (entry, phys uint64, pageSize uint64, ok bool) {
	table := root
	for level := levels - 1; level >= 0; level-- {
		idx := ptIndex(linear, level)
		if levels == 3 && level == 2 {
			idx &= 3
		}
		e, err := mem.Read64(table + idx*8)
		if err != nil || e&PteP == 0 {
			return 0, 0, 0, false
		}
		if level == 0 {
			return e, (e &^ uint64(0xFFF) & 0x000FFFFFFFFFF000) | (linear & 0xFFF), 4096, true
		}
		if level == 1 && e&PtePS != 0 {
			base := e &^ uint64(0x1FFFFF) & 0x000FFFFFFFFFF000
			return e, base | (linear & 0x1FFFFF), 1 << 21, true
		}
		table = e & 0x000FFFFFFFFFF000
	}
	return 0, 0, 0, false
}
