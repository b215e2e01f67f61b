package vt

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/interp"
	"github.com/tinyrange/vmm/internal/mmu"
	"github.com/tinyrange/vmm/internal/np"
	"github.com/tinyrange/vmm/internal/vcpu"
)

// pagingInit picks the translation engine for this vCPU: EPT when the
// hardware has it (and the configuration wants it), the shadow engine
// otherwise. Under EPT the guest owns CR0/CR3/CR4 directly and
// INVLPG/#PF are not intercepted.
func (b *VT) pagingInit(opts Options) error {
	if opts.UseEPT && b.v.CPU.VT.EPTCapable {
		engine, err := np.New(b.v)
		if err != nil {
			return fmt.Errorf("vt: ept init: %w", err)
		}
		b.npt = engine
		b.npEnabled = true
		b.v.Paging = engine
		b.vmcs.EPTP = engine.RootPhys()
		engine.SetMMIOEmulate(func(gphys uint64) bool {
			return interp.EmulateMMIO(b.v, gphys)
		})
		return nil
	}
	strategy := opts.Strategy
	if strategy == 0 {
		strategy = mmu.Strategy2
	}
	engine, err := mmu.New(b.v, strategy)
	if err != nil {
		return fmt.Errorf("vt: shadow init: %w", err)
	}
	b.spt = engine
	b.v.Paging = engine
	engine.SetMMIOEmulate(func(linear, gphys uint64) bool {
		return interp.EmulateMMIO(b.v, gphys)
	})
	return nil
}

// NPEnabled reports whether this vCPU runs on EPT rather than shadow
// tables.
func (b *VT) NPEnabled() bool { return b.npEnabled }

func (b *VT) pagingUpdateCR3() {
	if b.npEnabled {
		return
	}
	b.spt.UpdateCR3()
}

func (b *VT) pagingTlbflush() {
	if b.npEnabled {
		return
	}
	b.spt.Tlbflush()
}

// pagingExitFlush is the per-exit maintenance point of the dispatch
// loop; it must not disturb live translations.
func (b *VT) pagingExitFlush() {
	if b.npEnabled {
		return
	}
	b.spt.ExitFlush()
}

func (b *VT) pagingClearAll() {
	b.v.Paging.ClearAll()
}

func (b *VT) pagingApplyFixedCR0(val uint64) uint64 {
	if b.npEnabled {
		return val
	}
	return val | vcpu.CR0PG | vcpu.CR0WP
}

func (b *VT) pagingApplyFixedCR4(val uint64) uint64 {
	if b.npEnabled {
		return val
	}
	return val | vcpu.CR4PAE
}

// SptSetCR3 loads the shadow root into the hardware guest CR3.
func (b *VT) SptSetCR3(cr3 uint64) {
	if b.npEnabled {
		panic("vt: SptSetCR3 while EPT enabled")
	}
	b.vmcs.GuestCR3 = cr3
}

// SptTlbflush drops shadow translations after a guest-visible flush.
func (b *VT) SptTlbflush() {
	b.pagingTlbflush()
}

// Invlpg handles an intercepted INVLPG.
func (b *VT) Invlpg(addr uint64) {
	if b.npEnabled {
		panic("vt: INVLPG intercept while EPT enabled")
	}
	b.spt.Invalidate(addr)
}

// ExternFlushTlbEntry answers whether this vCPU maps any host physical
// page of the range, for cross-vCPU invalidation decisions.
func (b *VT) ExternFlushTlbEntry(p *vcpu.Vcpu, start, end uint64) bool {
	return b.v.Paging.ExternMapsearch(p, start, end)
}

// PagingMap1MB premaps the real-mode window.
func (b *VT) PagingMap1MB() {
	b.v.Paging.MapFirstMiB()
}
