// Package np is the nested-paging engine used when the hardware offers
// NPT or EPT. Unlike the shadow engine it maintains one flat guest
// physical to host physical mapping: guest page tables are never read
// or protected, and guest CR0/CR3/CR4 go straight to the hardware
// fields. Nested page faults populate the table on demand.
package np

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/debug"
	"github.com/tinyrange/vmm/internal/hw"
	"github.com/tinyrange/vmm/internal/mmioclr"
	"github.com/tinyrange/vmm/internal/mmu"
	"github.com/tinyrange/vmm/internal/vcpu"
)

const physMask = 0x000FFFFFFFFFF000

// Engine is one vCPU's nested page table.
type Engine struct {
	v   *vcpu.Vcpu
	mem *hw.Mem

	rootPhys uint64
	pages    []uint64

	// FlushCount increments on every guest TLB flush request; the
	// backend folds it into its ASID/flush-control handling.
	FlushCount uint64
	// Faults counts nested page faults taken.
	Faults uint64

	mmioEmulate func(gphys uint64) bool
}

// New allocates an empty nested page table and hooks it into the
// MMIO-clear registry.
func New(v *vcpu.Vcpu) (*Engine, error) {
	e := &Engine{v: v, mem: v.Mem}
	root, err := e.mem.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("np: root table: %w", err)
	}
	e.rootPhys = root
	cpuID := v.CPU.ID
	mmioclr.Register(nil, func(_ any, hpst, hpend uint64) bool {
		if !e.clearHostRange(hpst, hpend) {
			return false
		}
		_ = hw.DefaultIPI.Send(cpuID)
		return true
	})
	return e, nil
}

// RootPhys is the table root loaded into nCR3 / the EPT pointer.
func (e *Engine) RootPhys() uint64 { return e.rootPhys }

// SetMMIOEmulate installs the callback for faults on registered MMIO
// ranges.
func (e *Engine) SetMMIOEmulate(fn func(gphys uint64) bool) {
	e.mmioEmulate = fn
}

func (e *Engine) read64(phys uint64) uint64 {
	v, err := e.mem.Read64(phys)
	if err != nil {
		panic(fmt.Sprintf("np: table read 0x%x: %v", phys, err))
	}
	return v
}

func (e *Engine) write64(phys, val uint64) {
	if err := e.mem.Write64(phys, val); err != nil {
		panic(fmt.Sprintf("np: table write 0x%x: %v", phys, err))
	}
}

func (e *Engine) allocTable() (uint64, error) {
	p, err := e.mem.AllocPage()
	if err != nil {
		return 0, err
	}
	e.pages = append(e.pages, p)
	return p, nil
}

// Npf handles one nested page fault by installing the 4K translation
// for the faulting guest physical address.
func (e *Engine) Npf(write bool, gphys uint64) error {
	e.Faults++
	gpage := gphys &^ uint64(hw.PageMask)

	if e.v.Vcpu0.MMIO.Find(gphys) != nil {
		if e.mmioEmulate != nil && e.mmioEmulate(gphys) {
			return nil
		}
		return fmt.Errorf("np: unhandled MMIO fault at guest physical 0x%x", gphys)
	}

	hp, ok := e.v.Gmm.GP2HP(gpage)
	if !ok {
		debug.Writef("np", "npf outside guest memory gphys=0x%x write=%t", gphys, write)
		return fmt.Errorf("np: guest physical 0x%x has no backing", gphys)
	}

	table := e.rootPhys
	for level := 3; level >= 1; level-- {
		idx := (gpage >> (12 + 9*level)) & 0x1FF
		slot := table + idx*8
		ent := e.read64(slot)
		if ent&mmu.PteP == 0 {
			nt, err := e.allocTable()
			if err != nil {
				return fmt.Errorf("np: level %d table: %w", level, err)
			}
			e.write64(slot, nt|mmu.PteP|mmu.PteRW|mmu.PteUS)
			table = nt
			continue
		}
		table = ent & physMask
	}

	attr := e.v.Cache.GetAttr(e.v.CPU, gpage, 0)
	pte := hp | uint64(attr) | mmu.PteP | mmu.PteRW | mmu.PteUS | mmu.PteA | mmu.PteD
	e.write64(table+((gpage>>12)&0x1FF)*8, pte)
	return nil
}

// Pagefault must never be called while nested paging is active.
func (e *Engine) Pagefault(errcode, cr2 uint64) {
	panic("np: guest page fault intercepted while nested paging enabled")
}

// Tlbflush requests a guest TLB flush on the next entry.
func (e *Engine) Tlbflush() {
	e.FlushCount++
}

// Invalidate is a no-op: INVLPG is not intercepted under nested
// paging.
func (e *Engine) Invalidate(addr uint64) {}

// UpdateCR3 is a no-op: the guest owns CR3 directly.
func (e *Engine) UpdateCR3() {}

// ClearAll drops the whole nested table. Used after MTRR/PAT changes.
func (e *Engine) ClearAll() {
	zero := func(phys uint64) {
		p, err := e.mem.Page(phys)
		if err != nil {
			panic(fmt.Sprintf("np: table page 0x%x unreachable: %v", phys, err))
		}
		clear(p)
	}
	zero(e.rootPhys)
	for _, p := range e.pages {
		zero(p)
		e.mem.FreePage(p)
	}
	e.pages = nil
	e.FlushCount++
}

// ExternMapsearch reports whether the nested table maps any host page
// in [start, end].
func (e *Engine) ExternMapsearch(p *vcpu.Vcpu, start, end uint64) bool {
	return e.searchHostRange(start, end, false)
}

func (e *Engine) clearHostRange(hpst, hpend uint64) bool {
	return e.searchHostRange(hpst, hpend, true)
}

func (e *Engine) searchHostRange(start, end uint64, clearFound bool) bool {
	found := false
	var walk func(phys uint64, level int)
	walk = func(phys uint64, level int) {
		for idx := uint64(0); idx < 512; idx++ {
			slot := phys + idx*8
			ent := e.read64(slot)
			if ent&mmu.PteP == 0 {
				continue
			}
			if level == 0 {
				base := ent & physMask
				if base <= end && start < base+hw.PageSize {
					found = true
					if clearFound {
						e.write64(slot, 0)
					}
				}
				continue
			}
			walk(ent&physMask, level-1)
		}
	}
	walk(e.rootPhys, 3)
	if found && clearFound {
		e.FlushCount++
	}
	return found
}

// MapFirstMiB premaps the real-mode window so early guest execution
// takes no nested faults.
func (e *Engine) MapFirstMiB() {
	for gphys := uint64(0); gphys < 0x100000; gphys += hw.PageSize {
		if e.v.Vcpu0.MMIO.Find(gphys) != nil {
			continue
		}
		if _, ok := e.v.Gmm.GP2HP(gphys); !ok {
			continue
		}
		e.Npf(false, gphys)
	}
}

var _ vcpu.Paging = (*Engine)(nil)

// TypeForPage resolves the effective guest memory type the nested
// entry for gphys was built with. Exposed for the backend's guest-PAT
// handling.
func (e *Engine) TypeForPage(gphys uint64) uint8 {
	return e.v.Cache.GetGmtrrType(gphys)
}
