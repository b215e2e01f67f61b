package mmu

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/hw"
	"github.com/tinyrange/vmm/internal/vcpu"
)

// spt3 has the same external contract as spt2 behind a reworked
// organization: shadow tables live in a map keyed by the mirrored
// guest frame, eviction is FIFO per level, and the write-protect index
// is a map from guest frame to the shadow slots that map it. State is
// opaque to everything outside this file.
type spt3 struct {
	v   *vcpu.Vcpu
	mem *hw.Mem

	cr3tbl      uint64
	levels      int
	curGuestCR3 uint64
	wp          bool

	upper    []uint64
	upperCnt int

	tables   map[uint64]*s3table
	fifo     []uint64
	freePage []uint64

	rwmap map[uint64][]s3ref

	faults, reflected, mapped uint64

	mmioEmulate func(linear, gphys uint64) bool
}

type s3table struct {
	phys     uint64
	key      uint64
	level    int // 1 page table, 2 page directory
	modified bool
}

type s3ref struct {
	ptePhys uint64
	origRW  bool
}

func s3key(key uint64, level int) uint64 {
	return key | uint64(level)<<62
}

func newSpt3(v *vcpu.Vcpu) (Engine, error) {
	s := &spt3{
		v:      v,
		mem:    v.Mem,
		levels: 3,
		tables: make(map[uint64]*s3table),
		rwmap:  make(map[uint64][]s3ref),
	}
	var err error
	if s.cr3tbl, err = s.mem.AllocPage(); err != nil {
		return nil, fmt.Errorf("mmu: spt3 root: %w", err)
	}
	s.upper = make([]uint64, NumSptTbl)
	for i := range s.upper {
		if s.upper[i], err = s.mem.AllocPage(); err != nil {
			return nil, fmt.Errorf("mmu: spt3 upper pool: %w", err)
		}
	}
	s.freePage = make([]uint64, 0, NumShadow1+NumShadow2)
	for i := 0; i < NumShadow1+NumShadow2; i++ {
		p, err := s.mem.AllocPage()
		if err != nil {
			return nil, fmt.Errorf("mmu: spt3 table pool: %w", err)
		}
		s.freePage = append(s.freePage, p)
	}
	return s, nil
}

func (s *spt3) CR3TblPhys() uint64 { return s.cr3tbl }
func (s *spt3) GuestCR3() uint64   { return s.curGuestCR3 }

func (s *spt3) SetMMIOEmulate(fn func(linear, gphys uint64) bool) {
	s.mmioEmulate = fn
}

func (s *spt3) Stats() Stats {
	var st Stats
	st.Faults, st.Reflected, st.Mapped = s.faults, s.reflected, s.mapped
	var n1, n2, m1, m2 uint
	for _, t := range s.tables {
		switch t.level {
		case 1:
			if t.modified {
				m1++
			} else {
				n1++
			}
		case 2:
			if t.modified {
				m2++
			} else {
				n2++
			}
		}
	}
	st.Shadow1Normal, st.Shadow1Modified = n1, m1
	st.Shadow2Normal, st.Shadow2Modified = n2, m2
	st.Shadow1Free = NumShadow1 - n1 - m1
	st.Shadow2Free = NumShadow2 - n2 - m2
	used := uint(0)
	for _, refs := range s.rwmap {
		used += uint(len(refs))
	}
	if used > NumRwmap {
		used = NumRwmap
	}
	st.RwmapNormal = used
	st.RwmapFree = NumRwmap - used
	return st
}

func (s *spt3) read64(phys uint64) uint64 {
	v, err := s.mem.Read64(phys)
	if err != nil {
		panic(fmt.Sprintf("mmu: shadow read 0x%x: %v", phys, err))
	}
	return v
}

func (s *spt3) write64(phys, val uint64) {
	if err := s.mem.Write64(phys, val); err != nil {
		panic(fmt.Sprintf("mmu: shadow write 0x%x: %v", phys, err))
	}
}

func (s *spt3) countLevel(level int) int {
	n := 0
	for _, t := range s.tables {
		if t.level == level {
			n++
		}
	}
	return n
}

// getTable finds or creates the shadow table keyed on (key, level).
func (s *spt3) getTable(key uint64, level int) *s3table {
	k := s3key(key, level)
	if t, ok := s.tables[k]; ok {
		return t
	}
	limit := NumShadow1
	if level == 2 {
		limit = NumShadow2
	}
	if s.countLevel(level) >= limit {
		s.evictOldest(level)
	}
	phys := s.freePage[len(s.freePage)-1]
	s.freePage = s.freePage[:len(s.freePage)-1]
	zeroPage(s.mem, phys)
	t := &s3table{phys: phys, key: key, level: level}
	s.tables[k] = t
	s.fifo = append(s.fifo, k)
	if key < synthPDKeyBase {
		s.protectFrame(key)
	}
	return t
}

// evictOldest drops the oldest table of the level, preferring modified
// ones.
func (s *spt3) evictOldest(level int) {
	for _, k := range s.fifo {
		if t, ok := s.tables[k]; ok && t.level == level && t.modified {
			s.dropTable(k, t)
			return
		}
	}
	for _, k := range s.fifo {
		if t, ok := s.tables[k]; ok && t.level == level {
			s.dropTable(k, t)
			return
		}
	}
}

func (s *spt3) dropTable(k uint64, t *s3table) {
	s.unlinkParents(t.phys)
	s.rwmapDropPage(t.phys)
	zeroPage(s.mem, t.phys)
	delete(s.tables, k)
	s.freePage = append(s.freePage, t.phys)
	for i, fk := range s.fifo {
		if fk == k {
			s.fifo = append(s.fifo[:i], s.fifo[i+1:]...)
			break
		}
	}
	if t.key < synthPDKeyBase {
		s.restoreWrite(t.key)
	}
}

func (s *spt3) unlinkParents(phys uint64) {
	scrub := func(tablePhys uint64) {
		for idx := uint64(0); idx < 512; idx++ {
			slot := tablePhys + idx*8
			e := s.read64(slot)
			if e&PteP != 0 && e&PtePS == 0 && e&physMask == phys {
				s.write64(slot, 0)
			}
		}
	}
	scrub(s.cr3tbl)
	for i := 0; i < s.upperCnt; i++ {
		scrub(s.upper[i])
	}
	for _, t := range s.tables {
		if t.level == 2 {
			scrub(t.phys)
		}
	}
}

func (s *spt3) protectFrame(gfn uint64) {
	for _, ref := range s.rwmap[gfn] {
		s.write64(ref.ptePhys, s.read64(ref.ptePhys)&^uint64(PteRW))
	}
}

func (s *spt3) restoreWrite(gfn uint64) {
	if s.isShadowKey(gfn) {
		return
	}
	for _, ref := range s.rwmap[gfn] {
		if ref.origRW {
			s.write64(ref.ptePhys, s.read64(ref.ptePhys)|PteRW)
		}
	}
}

func (s *spt3) isShadowKey(gfn uint64) bool {
	_, pt := s.tables[s3key(gfn, 1)]
	_, pd := s.tables[s3key(gfn, 2)]
	return pt || pd
}

func (s *spt3) rwmapDropPage(tablePhys uint64) {
	for gfn, refs := range s.rwmap {
		kept := refs[:0]
		for _, ref := range refs {
			if ref.ptePhys&^uint64(hw.PageMask) != tablePhys {
				kept = append(kept, ref)
			}
		}
		if len(kept) == 0 {
			delete(s.rwmap, gfn)
		} else {
			s.rwmap[gfn] = kept
		}
	}
}

func (s *spt3) rwmapDropSlot(ptePhys uint64) {
	for gfn, refs := range s.rwmap {
		kept := refs[:0]
		for _, ref := range refs {
			if ref.ptePhys != ptePhys {
				kept = append(kept, ref)
			}
		}
		if len(kept) == 0 {
			delete(s.rwmap, gfn)
		} else {
			s.rwmap[gfn] = kept
		}
	}
}

func (s *spt3) Pagefault(errcode, cr2 uint64) {
	s.faults++
	acc := AccessFromPFErr(errcode)
	gw, err := GuestWalk(s.v, cr2, acc)
	if err != nil {
		pf := err.(*PageFault)
		s.reflected++
		s.v.Vmctl.GeneratePagefault(pf.Err, cr2)
		return
	}

	frame := gw.GPhys >> 12
	if acc.Write && s.isShadowKey(frame) {
		if t, ok := s.tables[s3key(frame, 1)]; ok {
			s.dropTable(s3key(frame, 1), t)
		}
		if t, ok := s.tables[s3key(frame, 2)]; ok {
			s.dropTable(s3key(frame, 2), t)
		}
	}

	if s.v.Vcpu0.MMIO.Find(gw.GPhys) != nil {
		if s.mmioEmulate != nil {
			s.mmioEmulate(cr2, gw.GPhys)
		}
		return
	}

	s.mapPage(cr2, acc, &gw)
}

func (s *spt3) resetTop(levels int) {
	zeroPage(s.mem, s.cr3tbl)
	for i := 0; i < s.upperCnt; i++ {
		zeroPage(s.mem, s.upper[i])
	}
	s.upperCnt = 0
	s.levels = levels
}

func (s *spt3) mapPage(cr2 uint64, acc Access, gw *WalkResult) {
	levels := 3
	if gw.Levels == 4 {
		levels = 4
	}
	if levels != s.levels {
		s.resetTop(levels)
	}
	if s.levels == 4 && s.upperCnt >= NumSptTbl {
		s.clearAllInternal()
	}

	pdKey := gw.PDFrame
	if pdKey == noFrame {
		pdKey = synthPDKeyBase | (cr2 >> 30)
	}
	pd := s.getTable(pdKey, 2)

	if s.levels == 3 {
		slot := s.cr3tbl + ((cr2>>30)&3)*8
		if s.read64(slot)&physMask != pd.phys {
			s.write64(slot, pd.phys|PteP)
		}
	} else {
		pml4Slot := s.cr3tbl + ptIndex(cr2, 3)*8
		e := s.read64(pml4Slot)
		var pdpt uint64
		if e&PteP == 0 {
			pdpt = s.upper[s.upperCnt]
			s.upperCnt++
			zeroPage(s.mem, pdpt)
			s.write64(pml4Slot, pdpt|upperEntry)
		} else {
			pdpt = e & physMask
		}
		slot := pdpt + ptIndex(cr2, 2)*8
		if s.read64(slot)&physMask != pd.phys {
			s.write64(slot, pd.phys|upperEntry)
		}
	}

	ptKey := gw.PTFrame
	if ptKey == noFrame || gw.PageSize != 4096 {
		ptKey = synthPTKeyBase | (cr2 >> 21)
	}
	pt := s.getTable(ptKey, 1)
	slot := pd.phys + ptIndex(cr2, 1)*8
	if e := s.read64(slot); e&physMask != pt.phys || e&PtePS != 0 {
		s.write64(slot, pt.phys|upperEntry)
	}

	gpage := gw.GPhys &^ uint64(hw.PageMask)
	hp, ok := s.v.Gmm.GP2HP(gpage)
	if !ok {
		return
	}
	attr := s.v.Cache.GetAttr(s.v.CPU, gpage, uint32(gw.Entry&(PtePWT|PtePCD|PtePS)))
	pte := hp | uint64(attr) | PteP | PteA | (gw.Entry & (PteUS | PteG))
	rw := gw.Entry&PteRW != 0
	if rw {
		pte |= PteRW | PteD
	}
	if !s.wp && !acc.User && acc.Write && !rw {
		pte |= PteRW | PteD
		pte &^= uint64(PteUS)
		rw = true
	}
	if rw && !acc.Write && gw.Entry&PteD == 0 {
		pte &^= uint64(PteRW)
	}
	frame := gpage >> 12
	if s.isShadowKey(frame) {
		pte &^= uint64(PteRW)
	}
	leafSlot := pt.phys + ptIndex(cr2, 0)*8
	s.write64(leafSlot, pte)
	s.rwmapDropSlot(leafSlot)
	s.rwmap[frame] = append(s.rwmap[frame], s3ref{ptePhys: leafSlot, origRW: rw})
	s.mapped++
}

func (s *spt3) Tlbflush() {
	for _, t := range s.tables {
		if t.level == 1 {
			zeroPage(s.mem, t.phys)
		}
	}
	s.rwmap = make(map[uint64][]s3ref)
}

func (s *spt3) Invalidate(linear uint64) {
	table := s.cr3tbl
	for level := s.levels - 1; level >= 1; level-- {
		idx := ptIndex(linear, level)
		if s.levels == 3 && level == 2 {
			idx &= 3
		}
		e := s.read64(table + idx*8)
		if e&PteP == 0 {
			return
		}
		table = e & physMask
	}
	slot := table + ptIndex(linear, 0)*8
	if s.read64(slot)&PteP != 0 {
		s.write64(slot, 0)
		s.rwmapDropSlot(slot)
	}
}

func (s *spt3) UpdateCR3() {
	cr0 := s.v.Vmctl.ReadControlReg(vcpu.CR0)
	s.wp = cr0&vcpu.CR0WP != 0
	s.curGuestCR3 = s.v.Vmctl.ReadControlReg(vcpu.CR3)
	levels := 3
	efer, _ := s.v.Vmctl.ReadMSR(MSRIA32EFER)
	if efer&vcpu.EFERLMA != 0 {
		levels = 4
	}
	s.resetTop(levels)
	s.v.Vmctl.SptSetCR3(s.cr3tbl)
}

func (s *spt3) clearAllInternal() {
	s.resetTop(s.levels)
	for k, t := range s.tables {
		zeroPage(s.mem, t.phys)
		s.freePage = append(s.freePage, t.phys)
		delete(s.tables, k)
	}
	s.fifo = s.fifo[:0]
	s.rwmap = make(map[uint64][]s3ref)
}

func (s *spt3) ClearAll() {
	s.clearAllInternal()
}

func (s *spt3) ExternMapsearch(p *vcpu.Vcpu, start, end uint64) bool {
	return s.searchHostRange(start, end, false)
}

func (s *spt3) clearHostRange(hpst, hpend uint64) bool {
	return s.searchHostRange(hpst, hpend, true)
}

func (s *spt3) searchHostRange(start, end uint64, clearFound bool) bool {
	found := false
	for _, t := range s.tables {
		if t.level != 1 {
			continue
		}
		for idx := uint64(0); idx < 512; idx++ {
			slot := t.phys + idx*8
			pte := s.read64(slot)
			if pte&PteP == 0 {
				continue
			}
			base := pte & physMask
			if base <= end && start < base+hw.PageSize {
				found = true
				if clearFound {
					s.write64(slot, 0)
					s.rwmapDropSlot(slot)
				}
			}
		}
	}
	return found
}

func (s *spt3) MapFirstMiB() {
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
		s.mapPage(gphys, Access{}, &gw)
	}
}

// ExitFlush has nothing deferred in this strategy: dropTable returns a
// torn-down table to the free pool immediately.
func (s *spt3) ExitFlush() {}
