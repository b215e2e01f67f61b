package mmu

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/hw"
	"github.com/tinyrange/vmm/internal/vcpu"
)

// spt1 is the simple strategy: one working set of tables allocated
// sequentially from a small pool, thrown away wholesale on any flush,
// CR3 switch, or pool exhaustion. No keying, no write protection of
// guest tables; the guest's own INVLPG/CR3 discipline is what keeps the
// shadow coherent.
type spt1 struct {
	v   *vcpu.Vcpu
	mem *hw.Mem

	cr3tbl      uint64
	levels      int
	curGuestCR3 uint64
	wp          bool

	tbl    [NumSptTbl]uint64
	tblCnt int

	faults, reflected, mapped uint64

	mmioEmulate func(linear, gphys uint64) bool
}

func newSpt1(v *vcpu.Vcpu) (Engine, error) {
	s := &spt1{v: v, mem: v.Mem, levels: 3}
	var err error
	if s.cr3tbl, err = s.mem.AllocPage(); err != nil {
		return nil, fmt.Errorf("mmu: spt1 root: %w", err)
	}
	for i := range s.tbl {
		if s.tbl[i], err = s.mem.AllocPage(); err != nil {
			return nil, fmt.Errorf("mmu: spt1 pool: %w", err)
		}
	}
	return s, nil
}

func (s *spt1) CR3TblPhys() uint64 { return s.cr3tbl }
func (s *spt1) GuestCR3() uint64   { return s.curGuestCR3 }

func (s *spt1) SetMMIOEmulate(fn func(linear, gphys uint64) bool) {
	s.mmioEmulate = fn
}

func (s *spt1) Stats() Stats {
	return Stats{
		RwmapFree:   NumRwmap,
		Shadow1Free: NumShadow1,
		Shadow2Free: NumShadow2,
		Faults:      s.faults,
		Reflected:   s.reflected,
		Mapped:      s.mapped,
	}
}

func (s *spt1) read64(phys uint64) uint64 {
	v, err := s.mem.Read64(phys)
	if err != nil {
		panic(fmt.Sprintf("mmu: shadow read 0x%x: %v", phys, err))
	}
	return v
}

func (s *spt1) write64(phys, val uint64) {
	if err := s.mem.Write64(phys, val); err != nil {
		panic(fmt.Sprintf("mmu: shadow write 0x%x: %v", phys, err))
	}
}

func (s *spt1) flushAll() {
	zeroPage(s.mem, s.cr3tbl)
	for i := 0; i < s.tblCnt; i++ {
		zeroPage(s.mem, s.tbl[i])
	}
	s.tblCnt = 0
}

func (s *spt1) allocTable() uint64 {
	p := s.tbl[s.tblCnt]
	s.tblCnt++
	return p
}

func (s *spt1) Pagefault(errcode, cr2 uint64) {
	s.faults++
	acc := AccessFromPFErr(errcode)
	gw, err := GuestWalk(s.v, cr2, acc)
	if err != nil {
		pf := err.(*PageFault)
		s.reflected++
		s.v.Vmctl.GeneratePagefault(pf.Err, cr2)
		return
	}
	if s.v.Vcpu0.MMIO.Find(gw.GPhys) != nil {
		if s.mmioEmulate != nil {
			s.mmioEmulate(cr2, gw.GPhys)
		}
		return
	}
	s.mapOne(cr2, acc, &gw)
}

// mapOne walks the shadow, allocating missing tables, and installs the
// leaf. Retries once after a pool flush.
func (s *spt1) mapOne(cr2 uint64, acc Access, gw *WalkResult) {
	levels := 3
	if gw.Levels == 4 {
		levels = 4
	}
	if levels != s.levels {
		s.flushAll()
		s.levels = levels
	}

	table := s.cr3tbl
	for level := s.levels - 1; level >= 1; level-- {
		idx := ptIndex(cr2, level)
		upper := uint64(upperEntry)
		if s.levels == 3 && level == 2 {
			idx &= 3
			upper = PteP
		}
		slot := table + idx*8
		e := s.read64(slot)
		if e&PteP == 0 || e&PtePS != 0 {
			if s.tblCnt >= NumSptTbl {
				// pool dry: start over with empty tables
				s.flushAll()
				s.mapOne(cr2, acc, gw)
				return
			}
			nt := s.allocTable()
			zeroPage(s.mem, nt)
			s.write64(slot, nt|upper)
			table = nt
			continue
		}
		table = e & physMask
	}

	gpage := gw.GPhys &^ uint64(hw.PageMask)
	hp, ok := s.v.Gmm.GP2HP(gpage)
	if !ok {
		return
	}
	attr := s.v.Cache.GetAttr(s.v.CPU, gpage, uint32(gw.Entry&(PtePWT|PtePCD|PtePS)))
	pte := hp | uint64(attr) | PteP | PteA | (gw.Entry & (PteUS | PteG))
	if gw.Entry&PteRW != 0 {
		pte |= PteRW | PteD
	} else if !s.wp && !acc.User && acc.Write {
		pte |= PteRW | PteD
		pte &^= uint64(PteUS)
	}
	s.write64(table+ptIndex(cr2, 0)*8, pte)
	s.mapped++
}

func (s *spt1) Tlbflush() {
	s.flushAll()
}

func (s *spt1) Invalidate(linear uint64) {
	s.flushAll()
}

func (s *spt1) UpdateCR3() {
	cr0 := s.v.Vmctl.ReadControlReg(vcpu.CR0)
	s.wp = cr0&vcpu.CR0WP != 0
	s.curGuestCR3 = s.v.Vmctl.ReadControlReg(vcpu.CR3)
	efer, _ := s.v.Vmctl.ReadMSR(MSRIA32EFER)
	if efer&vcpu.EFERLMA != 0 {
		s.levels = 4
	} else {
		s.levels = 3
	}
	s.flushAll()
	s.v.Vmctl.SptSetCR3(s.cr3tbl)
}

func (s *spt1) ClearAll() {
	s.flushAll()
}

func (s *spt1) ExternMapsearch(p *vcpu.Vcpu, start, end uint64) bool {
	return s.searchHostRange(start, end, false)
}

func (s *spt1) clearHostRange(hpst, hpend uint64) bool {
	return s.searchHostRange(hpst, hpend, true)
}

func (s *spt1) searchHostRange(start, end uint64, clearFound bool) bool {
	found := false
	var walkTable func(phys uint64, level int)
	walkTable = func(phys uint64, level int) {
		for idx := uint64(0); idx < 512; idx++ {
			slot := phys + idx*8
			e := s.read64(slot)
			if e&PteP == 0 {
				continue
			}
			if level == 0 {
				base := e & physMask
				if base <= end && start < base+hw.PageSize {
					found = true
					if clearFound {
						s.write64(slot, 0)
					}
				}
				continue
			}
			walkTable(e&physMask, level-1)
		}
	}
	walkTable(s.cr3tbl, s.levels-1)
	return found
}

func (s *spt1) MapFirstMiB() {
	for gphys := uint64(0); gphys < 0x100000; gphys += hw.PageSize {
		if s.v.Vcpu0.MMIO.Find(gphys) != nil {
			continue
		}
		gw := WalkResult{
			GPhys:    gphys,
			Entry:    PteP | PteRW | PteUS | PteA | PteD,
			PageSize: hw.PageSize,
			PTFrame:  noFrame,
			PDFrame:  noFrame,
		}
		s.mapOne(gphys, Access{}, &gw)
	}
}

// ExitFlush has nothing deferred in this strategy; flushes are
// immediate.
func (s *spt1) ExitFlush() {}
