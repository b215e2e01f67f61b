package svm

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/interp"
	"github.com/tinyrange/vmm/internal/mmu"
	"github.com/tinyrange/vmm/internal/np"
	"github.com/tinyrange/vmm/internal/vcpu"
)

// NestedPagingAvailable reports whether this physical CPU can run the
// nested-paging engine. Only the NP capability bit is checked; the depth
// of the host map is not.
func NestedPagingAvailable(v *vcpu.Vcpu) bool {
	return v.CPU.SVM.NPCapable
}

// pagingInit selects the translation engine. Under nested paging the
// INVLPG and #PF intercepts, the CR0/CR3/CR4 read intercepts and the
// CR3/CR4 write intercepts are cleared; CR0 writes still exit. Otherwise
// the shadow engine interposes.
func (b *SVM) pagingInit(opts Options) error {
	if opts.UseNPT && NestedPagingAvailable(b.v) {
		engine, err := np.New(b.v)
		if err != nil {
			return fmt.Errorf("svm: nested paging init: %w", err)
		}
		b.npt = engine
		b.npEnabled = true
		b.v.Paging = engine
		b.vmcb.NPEnable = true
		b.vmcb.NCR3 = engine.RootPhys()
		b.vmcb.InterceptINVLPG = false
		b.vmcb.InterceptExceptions &^= 1 << vcpu.ExcPF
		b.vmcb.InterceptReadCR &^= 0x19
		b.vmcb.InterceptWriteCR &^= 0x18
		b.vmcb.GPAT = b.v.Cache.GetGpat()
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
		return fmt.Errorf("svm: shadow init: %w", err)
	}
	b.spt = engine
	b.v.Paging = engine
	b.vmcb.InterceptINVLPG = true
	b.vmcb.InterceptExceptions |= 1 << vcpu.ExcPF
	b.vmcb.InterceptReadCR |= 0x19
	b.vmcb.InterceptWriteCR |= 0x19
	engine.SetMMIOEmulate(func(linear, gphys uint64) bool {
		return interp.EmulateMMIO(b.v, gphys)
	})
	return nil
}

// NPEnabled reports whether this vCPU runs on nested paging.
func (b *SVM) NPEnabled() bool { return b.npEnabled }

// flushGuestTLB schedules a guest TLB flush on the next VMRUN, by ASID
// when the CPU can, wholesale otherwise.
func (b *SVM) flushGuestTLB() {
	if b.v.CPU.SVM.FlushByASID {
		b.vmcb.TLBControl = TLBControlFlushGuest
	} else {
		b.vmcb.TLBControl = TLBControlFlushAll
	}
}

func (b *SVM) pagingUpdateCR3() {
	if b.npEnabled {
		return
	}
	b.spt.UpdateCR3()
}

func (b *SVM) pagingTlbflush() {
	if b.npEnabled {
		return
	}
	b.spt.Tlbflush()
}

// pagingExitFlush is the per-exit maintenance point of the dispatch
// loop; it must not disturb live translations.
func (b *SVM) pagingExitFlush() {
	if b.npEnabled {
		return
	}
	b.spt.ExitFlush()
}

func (b *SVM) pagingClearAll() {
	b.v.Paging.ClearAll()
}

func (b *SVM) pagingGetGPAT() uint64 {
	return b.v.Cache.GetGpat()
}

func (b *SVM) pagingSetGPAT(pat uint64) bool {
	ok := b.v.Cache.SetGpat(pat)
	if !ok {
		return false
	}
	if b.npEnabled {
		// nested paging does not depend on the guest PAT; load it
		// into the hardware field
		b.vmcb.GPAT = pat
	} else {
		b.pagingClearAll()
	}
	return true
}

func (b *SVM) pagingApplyFixedCR0(val uint64) uint64 {
	if b.npEnabled {
		return val
	}
	return val | vcpu.CR0PG | vcpu.CR0WP
}

func (b *SVM) pagingApplyFixedCR4(val uint64) uint64 {
	if b.npEnabled {
		return val
	}
	return val | vcpu.CR4PAE
}

// SptSetCR3 loads the shadow root into the hardware guest CR3.
func (b *SVM) SptSetCR3(cr3 uint64) {
	if b.npEnabled {
		panic("svm: SptSetCR3 while nested paging enabled")
	}
	b.vmcb.CR3 = cr3
}

// SptTlbflush drops shadow translations.
func (b *SVM) SptTlbflush() {
	b.pagingTlbflush()
}

// Invlpg handles an intercepted INVLPG.
func (b *SVM) Invlpg(addr uint64) {
	if b.npEnabled {
		panic("svm: INVLPG while nested paging enabled")
	}
	b.spt.Invalidate(addr)
}

// ExternFlushTlbEntry answers whether this vCPU maps any host physical
// page in the range.
func (b *SVM) ExternFlushTlbEntry(p *vcpu.Vcpu, start, end uint64) bool {
	return b.v.Paging.ExternMapsearch(p, start, end)
}

// PagingMap1MB premaps the real-mode window.
func (b *SVM) PagingMap1MB() {
	b.v.Paging.MapFirstMiB()
}
