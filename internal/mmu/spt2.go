package mmu

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/debug"
	"github.com/tinyrange/vmm/internal/hw"
	"github.com/tinyrange/vmm/internal/vcpu"
)

// physMask selects the physical-address bits of a shadow entry.
const physMask = 0x000FFFFFFFFFF000

// Synthetic keys shadow tables get when the guest has no paging (real
// mode, identity windows). They sit far above any real guest frame
// number so they never trigger write protection.
const (
	synthPDKeyBase = 0xFFFF000000000000
	synthPTKeyBase = 0xFFFF800000000000
)

type shadowState uint8

const (
	shadowFree shadowState = iota
	shadowNormal
	shadowModified
)

type shadowEntry struct {
	phys    uint64
	key     uint64
	cleared bool
	state   shadowState
}

type rwmapEntry struct {
	gfn     uint64
	ptePhys uint64
	origRW  bool
	used    bool
}

// spt2 is the keyed-pool strategy: shadow tables are keyed on the guest
// frames they mirror and survive CR3 switches; any guest frame in use
// as a page-table page is write protected through the rwmap so guest
// edits trap and invalidate exactly the affected shadow.
type spt2 struct {
	v   *vcpu.Vcpu
	mem *hw.Mem

	cr3tbl      uint64
	levels      int
	curGuestCR3 uint64
	wp          bool

	// tbl backs upper levels (PML4/PDPT chain in long mode) that are
	// not keyed; reset on CR3 switch.
	tbl    [NumSptTbl]uint64
	tblCnt int

	rwmap     [NumRwmap]rwmapEntry
	rwmapFree uint
	rwmapFail uint

	shadow1                      [NumShadow1]shadowEntry
	shadow2                      [NumShadow2]shadowEntry
	s1Free, s1Normal, s1Modified uint
	s2Free, s2Normal, s2Modified uint
	s1Hand, s2Hand               int

	faults, reflected, mapped uint64

	mmioEmulate func(linear, gphys uint64) bool
}

func newSpt2(v *vcpu.Vcpu) (Engine, error) {
	s := &spt2{v: v, mem: v.Mem, levels: 3}
	var err error
	if s.cr3tbl, err = s.mem.AllocPage(); err != nil {
		return nil, fmt.Errorf("mmu: spt2 root: %w", err)
	}
	for i := range s.tbl {
		if s.tbl[i], err = s.mem.AllocPage(); err != nil {
			return nil, fmt.Errorf("mmu: spt2 upper pool: %w", err)
		}
	}
	for i := range s.shadow1 {
		if s.shadow1[i].phys, err = s.mem.AllocPage(); err != nil {
			return nil, fmt.Errorf("mmu: spt2 shadow1 pool: %w", err)
		}
	}
	for i := range s.shadow2 {
		if s.shadow2[i].phys, err = s.mem.AllocPage(); err != nil {
			return nil, fmt.Errorf("mmu: spt2 shadow2 pool: %w", err)
		}
	}
	s.rwmapFree = NumRwmap
	s.s1Free = NumShadow1
	s.s2Free = NumShadow2
	return s, nil
}

func (s *spt2) CR3TblPhys() uint64 { return s.cr3tbl }
func (s *spt2) GuestCR3() uint64   { return s.curGuestCR3 }

func (s *spt2) SetMMIOEmulate(fn func(linear, gphys uint64) bool) {
	s.mmioEmulate = fn
}

func (s *spt2) Stats() Stats {
	return Stats{
		RwmapFree:       s.rwmapFree,
		RwmapNormal:     NumRwmap - s.rwmapFree,
		RwmapFail:       s.rwmapFail,
		Shadow1Free:     s.s1Free,
		Shadow1Normal:   s.s1Normal,
		Shadow1Modified: s.s1Modified,
		Shadow2Free:     s.s2Free,
		Shadow2Normal:   s.s2Normal,
		Shadow2Modified: s.s2Modified,
		Faults:          s.faults,
		Reflected:       s.reflected,
		Mapped:          s.mapped,
	}
}

// read64/write64 panic on unreachable shadow pages: the pools were
// allocated from this address space, so failure is a broken invariant.
func (s *spt2) read64(phys uint64) uint64 {
	v, err := s.mem.Read64(phys)
	if err != nil {
		panic(fmt.Sprintf("mmu: shadow read 0x%x: %v", phys, err))
	}
	return v
}

func (s *spt2) write64(phys, val uint64) {
	if err := s.mem.Write64(phys, val); err != nil {
		panic(fmt.Sprintf("mmu: shadow write 0x%x: %v", phys, err))
	}
}

// Pagefault resolves a guest #PF: reflect it, tear down a shadow the
// guest is editing, emulate MMIO, or build the missing mapping.
func (s *spt2) Pagefault(errcode, cr2 uint64) {
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
		// The guest is writing into one of its own page-table pages.
		// Drop the shadows keyed on it and give the frame its write
		// permission back so the store can complete.
		debug.Writef("mmu.spt2", "pte-page write gfn=0x%x cr2=0x%x", frame, cr2)
		s.invalidateKeyed(frame)
		s.restoreWrite(frame)
	}

	if s.v.Vcpu0.MMIO.Find(gw.GPhys) != nil {
		if s.mmioEmulate != nil && s.mmioEmulate(cr2, gw.GPhys) {
			return
		}
		debug.Writef("mmu.spt2", "unhandled mmio fault gphys=0x%x", gw.GPhys)
		return
	}

	s.mapPage(cr2, acc, &gw)
}

// mapPage builds the shadow chain for one translation and installs the
// leaf.
func (s *spt2) mapPage(cr2 uint64, acc Access, gw *WalkResult) {
	levels := 3
	if gw.Levels == 4 {
		levels = 4
	}
	if levels != s.levels {
		s.resetTop(levels)
	}

	pd, ok := s.ensurePD(cr2, gw)
	if !ok {
		return
	}

	if gw.PageSize == 1<<21 && s.tryMapLarge(pd, cr2, gw) {
		s.mapped++
		return
	}

	pt, ok := s.ensurePT(pd, cr2, gw)
	if !ok {
		return
	}
	s.installLeaf(pt, cr2, acc, gw)
	s.mapped++
}

// resetTop rebuilds the root for a different paging depth.
func (s *spt2) resetTop(levels int) {
	zeroPage(s.mem, s.cr3tbl)
	for i := 0; i < s.tblCnt; i++ {
		zeroPage(s.mem, s.tbl[i])
	}
	s.tblCnt = 0
	s.levels = levels
}

// allocUpper takes one page from the non-keyed upper pool. Callers
// check for exhaustion before starting a chain.
func (s *spt2) allocUpper() uint64 {
	p := s.tbl[s.tblCnt]
	s.tblCnt++
	zeroPage(s.mem, p)
	return p
}

// ensurePD returns the shadow page-directory table for cr2, creating
// the upper chain as needed.
func (s *spt2) ensurePD(cr2 uint64, gw *WalkResult) (uint64, bool) {
	if s.levels == 4 && s.tblCnt >= NumSptTbl {
		// upper pool dry: drop everything before building the chain
		s.clearAllLocked()
	}
	key := gw.PDFrame
	if key == noFrame {
		key = synthPDKeyBase | (cr2 >> 30)
	}
	s2 := s.getShadow(s.shadow2[:], key, &s.s2Free, &s.s2Normal, &s.s2Modified, &s.s2Hand)
	if s2 == nil {
		return 0, false
	}

	if s.levels == 3 {
		slot := s.cr3tbl + ((cr2>>30)&3)*8
		// PAE PDPTEs carry only the present bit.
		if s.read64(slot)&physMask != s2.phys {
			s.write64(slot, s2.phys|PteP)
		}
		return s2.phys, true
	}

	// Long mode: PML4E -> PDPT (upper pool) -> PDPTE -> PD.
	pml4Slot := s.cr3tbl + ptIndex(cr2, 3)*8
	e := s.read64(pml4Slot)
	var pdpt uint64
	if e&PteP == 0 {
		pdpt = s.allocUpper()
		s.write64(pml4Slot, pdpt|upperEntry)
	} else {
		pdpt = e & physMask
	}
	pdptSlot := pdpt + ptIndex(cr2, 2)*8
	if s.read64(pdptSlot)&physMask != s2.phys {
		s.write64(pdptSlot, s2.phys|upperEntry)
	}
	return s2.phys, true
}

// ensurePT returns the shadow page table for cr2 and links it from the
// page directory.
func (s *spt2) ensurePT(pd, cr2 uint64, gw *WalkResult) (uint64, bool) {
	key := gw.PTFrame
	if key == noFrame || gw.PageSize != 4096 {
		key = synthPTKeyBase | (cr2 >> 21)
	}
	s1 := s.getShadow(s.shadow1[:], key, &s.s1Free, &s.s1Normal, &s.s1Modified, &s.s1Hand)
	if s1 == nil {
		return 0, false
	}
	slot := pd + ptIndex(cr2, 1)*8
	e := s.read64(slot)
	if e&physMask != s1.phys || e&PtePS != 0 {
		s.write64(slot, s1.phys|upperEntry)
	}
	return s1.phys, true
}

// tryMapLarge installs a 2 MiB shadow leaf when the whole range is
// host-contiguous, type-uniform, and free of page-table frames.
func (s *spt2) tryMapLarge(pd, cr2 uint64, gw *WalkResult) bool {
	gbase := gw.GPhys &^ uint64(0x1FFFFF)
	if !s.v.Cache.GmtrrTypeEqual(gbase, 0x1FFFFF) {
		return false
	}
	hbase, ok := s.v.Gmm.GP2HP(gbase)
	if !ok || hbase&0x1FFFFF != 0 {
		return false
	}
	for off := uint64(0); off < 1<<21; off += hw.PageSize {
		hp, ok := s.v.Gmm.GP2HP(gbase + off)
		if !ok || hp != hbase+off {
			return false
		}
		if s.isShadowKey((gbase + off) >> 12) {
			return false
		}
	}
	if s.v.Vcpu0.MMIO.Overlaps(gbase, gbase+0x1FFFFF) {
		return false
	}
	attr := s.v.Cache.GetAttr(s.v.CPU, gbase, uint32(gw.Entry&(PtePWT|PtePCD)))
	pte := hbase | uint64(attr) | PteP | PtePS | PteA | PteD |
		(gw.Entry & (PteRW | PteUS | PteG))
	s.write64(pd+ptIndex(cr2, 1)*8, pte)
	return true
}

// installLeaf writes the 4K shadow leaf and records it in the rwmap.
func (s *spt2) installLeaf(pt, cr2 uint64, acc Access, gw *WalkResult) {
	gpage := gw.GPhys &^ uint64(hw.PageMask)
	hp, ok := s.v.Gmm.GP2HP(gpage)
	if !ok {
		debug.Writef("mmu.spt2", "no backing for gphys=0x%x", gpage)
		return
	}

	attr := s.v.Cache.GetAttr(s.v.CPU, gpage, uint32(gw.Entry&(PtePWT|PtePCD|PtePS)))
	pte := hp | uint64(attr) | PteP | PteA | (gw.Entry & (PteUS | PteG))
	rw := gw.Entry&PteRW != 0
	if rw {
		pte |= PteRW | PteD
	}
	if !s.wp && !acc.User && acc.Write && !rw {
		// CR0.WP is clear and the supervisor is writing through a
		// read-only translation: map a supervisor-writable alias.
		pte |= PteRW | PteD
		pte &^= uint64(PteUS)
		rw = true
	}
	// Track guest dirty bits: keep clean pages read-only so the first
	// write faults and sets D in the guest entry.
	if rw && !acc.Write && gw.Entry&PteD == 0 {
		pte &^= uint64(PteRW)
	}

	frame := gpage >> 12
	if s.isShadowKey(frame) {
		pte &^= uint64(PteRW)
	}

	slot := pt + ptIndex(cr2, 0)*8
	s.write64(slot, pte)
	s.rwmapRecord(frame, slot, rw)
}

// rwmapRecord remembers which shadow PTE currently maps a guest frame
// so write permission can be revoked if the frame later becomes a
// page-table page. When the map is full the entry is installed without
// write permission instead, so no untracked writable alias exists.
func (s *spt2) rwmapRecord(gfn, ptePhys uint64, rw bool) {
	var free *rwmapEntry
	for i := range s.rwmap {
		e := &s.rwmap[i]
		if e.used && e.ptePhys == ptePhys {
			e.gfn = gfn
			e.origRW = rw
			return
		}
		if !e.used && free == nil {
			free = e
		}
	}
	if free == nil {
		s.rwmapFail++
		s.write64(ptePhys, s.read64(ptePhys)&^uint64(PteRW))
		return
	}
	free.gfn = gfn
	free.ptePhys = ptePhys
	free.origRW = rw
	free.used = true
	s.rwmapFree--
}

// rwmapDropSlot forgets the entry recorded for one shadow PTE slot.
func (s *spt2) rwmapDropSlot(ptePhys uint64) {
	for i := range s.rwmap {
		e := &s.rwmap[i]
		if e.used && e.ptePhys == ptePhys {
			*e = rwmapEntry{}
			s.rwmapFree++
			return
		}
	}
}

// rwmapDropPage forgets every entry whose PTE slot lives in the given
// shadow page.
func (s *spt2) rwmapDropPage(tablePhys uint64) {
	for i := range s.rwmap {
		e := &s.rwmap[i]
		if e.used && e.ptePhys&^uint64(hw.PageMask) == tablePhys {
			*e = rwmapEntry{}
			s.rwmapFree++
		}
	}
}

// protectFrame strips write permission from every live mapping of a
// guest frame that just became a page-table page.
func (s *spt2) protectFrame(gfn uint64) {
	for i := range s.rwmap {
		e := &s.rwmap[i]
		if e.used && e.gfn == gfn {
			s.write64(e.ptePhys, s.read64(e.ptePhys)&^uint64(PteRW))
		}
	}
}

// restoreWrite gives mappings of a former page-table frame their write
// permission back, provided no remaining shadow is keyed on it.
func (s *spt2) restoreWrite(gfn uint64) {
	if s.isShadowKey(gfn) {
		return
	}
	for i := range s.rwmap {
		e := &s.rwmap[i]
		if e.used && e.gfn == gfn && e.origRW {
			s.write64(e.ptePhys, s.read64(e.ptePhys)|PteRW)
		}
	}
}

// isShadowKey reports whether a live (not torn down) shadow mirrors
// the guest frame.
func (s *spt2) isShadowKey(gfn uint64) bool {
	for i := range s.shadow1 {
		e := &s.shadow1[i]
		if e.state != shadowFree && !e.cleared && e.key == gfn {
			return true
		}
	}
	for i := range s.shadow2 {
		e := &s.shadow2[i]
		if e.state != shadowFree && !e.cleared && e.key == gfn {
			return true
		}
	}
	return false
}

// getShadow finds or builds the pool entry keyed on key. Eviction
// prefers modified entries, then sweeps normal entries round robin.
func (s *spt2) getShadow(pool []shadowEntry, key uint64,
	free, normal, modified *uint, hand *int) *shadowEntry {

	for i := range pool {
		e := &pool[i]
		if e.state != shadowFree && e.key == key {
			if e.cleared {
				// a torn-down shadow is coming back into use; its key
				// frame needs protection again
				zeroPage(s.mem, e.phys)
				e.cleared = false
				if e.state == shadowModified {
					*modified--
					*normal++
					e.state = shadowNormal
				}
				if key < synthPDKeyBase {
					s.protectFrame(key)
				}
			}
			return e
		}
	}
	// free entry?
	for i := range pool {
		e := &pool[i]
		if e.state == shadowFree {
			*free--
			*normal++
			s.claimShadow(e, key)
			return e
		}
	}
	// evict a modified entry first
	for i := range pool {
		e := &pool[i]
		if e.state == shadowModified {
			s.evictShadow(e)
			*modified--
			*normal++
			s.claimShadow(e, key)
			return e
		}
	}
	// round-robin over normal entries
	for range pool {
		*hand = (*hand + 1) % len(pool)
		e := &pool[*hand]
		if e.state == shadowNormal {
			s.evictShadow(e)
			s.claimShadow(e, key)
			return e
		}
	}
	return nil
}

func (s *spt2) claimShadow(e *shadowEntry, key uint64) {
	e.key = key
	e.state = shadowNormal
	e.cleared = false
	zeroPage(s.mem, e.phys)
	if key < synthPDKeyBase {
		s.protectFrame(key)
	}
}

// evictShadow disconnects a pool page from everything that references
// it: parent entries pointing at it, rwmap entries inside it, and the
// write protection its key imposed. The entry is left free; the caller
// reclaims it.
func (s *spt2) evictShadow(e *shadowEntry) {
	s.unlinkParents(e.phys)
	s.rwmapDropPage(e.phys)
	zeroPage(s.mem, e.phys)
	key := e.key
	e.state = shadowFree
	e.key = 0
	e.cleared = false
	if key < synthPDKeyBase {
		s.restoreWrite(key)
	}
}

// unlinkParents zeroes every entry in the shadow hierarchy that points
// at the given table page.
func (s *spt2) unlinkParents(phys uint64) {
	s.scrubTable(s.cr3tbl, phys)
	for i := 0; i < s.tblCnt; i++ {
		s.scrubTable(s.tbl[i], phys)
	}
	for i := range s.shadow2 {
		if s.shadow2[i].state != shadowFree {
			s.scrubTable(s.shadow2[i].phys, phys)
		}
	}
}

func (s *spt2) scrubTable(tablePhys, target uint64) {
	for idx := uint64(0); idx < 512; idx++ {
		slot := tablePhys + idx*8
		e := s.read64(slot)
		if e&PteP != 0 && e&PtePS == 0 && e&physMask == target {
			s.write64(slot, 0)
		}
	}
}

// invalidateKeyed tears down every shadow keyed on a guest frame the
// guest is modifying. The entries become modified so eviction prefers
// them.
func (s *spt2) invalidateKeyed(gfn uint64) {
	for i := range s.shadow1 {
		e := &s.shadow1[i]
		if e.state != shadowFree && e.key == gfn {
			s.unlinkParents(e.phys)
			s.rwmapDropPage(e.phys)
			zeroPage(s.mem, e.phys)
			if e.state == shadowNormal {
				s.s1Normal--
				s.s1Modified++
			}
			e.state = shadowModified
			e.cleared = true
		}
	}
	for i := range s.shadow2 {
		e := &s.shadow2[i]
		if e.state != shadowFree && e.key == gfn {
			s.unlinkParents(e.phys)
			zeroPage(s.mem, e.phys)
			if e.state == shadowNormal {
				s.s2Normal--
				s.s2Modified++
			}
			e.state = shadowModified
			e.cleared = true
		}
	}
}

// Tlbflush drops every level-1 translation of the current address
// space. Keyed level-2 shadows survive; their directory entries keep
// pointing at the now-empty level-1 pages and faults repopulate them.
func (s *spt2) Tlbflush() {
	for i := range s.shadow1 {
		e := &s.shadow1[i]
		if e.state != shadowFree && !e.cleared {
			zeroPage(s.mem, e.phys)
			e.cleared = false
		}
	}
	// large-page leaves live in the directories; drop them too
	for i := range s.shadow2 {
		e := &s.shadow2[i]
		if e.state == shadowFree {
			continue
		}
		for idx := uint64(0); idx < 512; idx++ {
			slot := e.phys + idx*8
			pte := s.read64(slot)
			if pte&PteP != 0 && pte&PtePS != 0 {
				s.write64(slot, 0)
			}
		}
	}
	for i := range s.rwmap {
		if s.rwmap[i].used {
			s.rwmap[i] = rwmapEntry{}
			s.rwmapFree++
		}
	}
}

// Invalidate drops the single translation covering one linear address.
func (s *spt2) Invalidate(linear uint64) {
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
		if level == 1 && e&PtePS != 0 {
			s.write64(table+idx*8, 0)
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

// UpdateCR3 switches the shadow root to the guest's new CR3. Keyed
// shadows survive the switch; only the unkeyed top of the tree is
// rebuilt.
func (s *spt2) UpdateCR3() {
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

func (s *spt2) clearAllLocked() {
	s.resetTop(s.levels)
	for i := range s.shadow1 {
		e := &s.shadow1[i]
		if e.state != shadowFree {
			zeroPage(s.mem, e.phys)
		}
		*e = shadowEntry{phys: e.phys}
	}
	for i := range s.shadow2 {
		e := &s.shadow2[i]
		if e.state != shadowFree {
			zeroPage(s.mem, e.phys)
		}
		*e = shadowEntry{phys: e.phys}
	}
	s.s1Free, s.s1Normal, s.s1Modified = NumShadow1, 0, 0
	s.s2Free, s.s2Normal, s.s2Modified = NumShadow2, 0, 0
	for i := range s.rwmap {
		s.rwmap[i] = rwmapEntry{}
	}
	s.rwmapFree = NumRwmap
}

// ClearAll discards every shadow structure. Used after MTRR/PAT
// changes and EFER mode toggles, where the attributes of everything
// already mapped may have changed.
func (s *spt2) ClearAll() {
	s.clearAllLocked()
}

// ExternMapsearch reports whether this vCPU has any shadow mapping of
// [start, end] host physical.
func (s *spt2) ExternMapsearch(p *vcpu.Vcpu, start, end uint64) bool {
	return s.searchHostRange(start, end, false)
}

// clearHostRange is the MMIO-clear callback: it drops every shadow leaf
// into the range.
func (s *spt2) clearHostRange(hpst, hpend uint64) bool {
	return s.searchHostRange(hpst, hpend, true)
}

func (s *spt2) searchHostRange(start, end uint64, clearFound bool) bool {
	found := false
	scan := func(tablePhys uint64, large bool) {
		for idx := uint64(0); idx < 512; idx++ {
			slot := tablePhys + idx*8
			pte := s.read64(slot)
			if pte&PteP == 0 {
				continue
			}
			if large != (pte&PtePS != 0) {
				continue
			}
			base := pte & physMask
			size := uint64(hw.PageSize)
			if large {
				base = pte &^ uint64(0x1FFFFF) & physMask
				size = 1 << 21
			}
			if base <= end && start < base+size {
				found = true
				if clearFound {
					s.write64(slot, 0)
					s.rwmapDropSlot(slot)
				}
			}
		}
	}
	for i := range s.shadow1 {
		if s.shadow1[i].state != shadowFree {
			scan(s.shadow1[i].phys, false)
		}
	}
	for i := range s.shadow2 {
		if s.shadow2[i].state != shadowFree {
			scan(s.shadow2[i].phys, true)
		}
	}
	return found
}

// MapFirstMiB premaps the identity window real-mode guests run in.
func (s *spt2) MapFirstMiB() {
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
			Levels:   0,
		}
		s.mapPage(gphys, Access{}, &gw)
	}
}

// ExitFlush runs the deferred part of shadow teardown: entries marked
// modified by trapped page-table writes stay invalidated (their pages
// are already disconnected), so there is nothing left to do per exit.
// The hook exists so the dispatch loop has a quiescence point that is
// cheap regardless of pool state.
func (s *spt2) ExitFlush() {}
