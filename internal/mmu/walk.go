// Package mmu implements guest memory translation: the guest
// page-table walker and the shadow page-table engine with its three
// selectable strategies. The walker enforces the same access-rights
// algebra the hardware would; the engine mirrors guest translations
// into real PAE tables built from bounded host page pools, write
// protecting any guest frame that is itself in use as a page-table
// page.
package mmu

import (
	"github.com/tinyrange/vmm/internal/vcpu"
)

// Page-table entry bits.
const (
	PteP   = 1 << 0
	PteRW  = 1 << 1
	PteUS  = 1 << 2
	PtePWT = 1 << 3
	PtePCD = 1 << 4
	PteA   = 1 << 5
	PteD   = 1 << 6
	PtePS  = 1 << 7 // PAT on 4K leaves
	PteG   = 1 << 8
	PteNX  = 1 << 63

	// AttrMask are the attribute bits carried from a guest leaf into
	// a shadow leaf.
	AttrMask = PteRW | PteUS | PtePWT | PtePCD | PteG
)

// Access describes the faulting access for a walk.
type Access struct {
	Write bool
	User  bool
	Exec  bool
}

// AccessFromPFErr decodes a page-fault error code.
func AccessFromPFErr(err uint64) Access {
	return Access{
		Write: err&vcpu.PFErrWR != 0,
		User:  err&vcpu.PFErrUS != 0,
		Exec:  err&vcpu.PFErrID != 0,
	}
}

// PageFault is the walker's guest-visible failure: the access faults in
// the guest with the given architectural error code.
type PageFault struct {
	Err uint64
}

func (p *PageFault) Error() string { return "mmu: guest page fault" }

// WalkResult is a successful guest translation.
type WalkResult struct {
	// GPhys is the guest physical address the linear address maps to.
	GPhys uint64
	// Entry is the leaf entry with the accumulated access rights of
	// the whole walk folded into RW and US.
	Entry uint64
	// PageSize is 4K, 2M or 4M.
	PageSize uint64
	// PTFrame is the guest frame number of the page holding the leaf
	// entry; write protecting it catches guest edits of this
	// translation. Zero-level (no paging) walks leave it at ^0.
	PTFrame uint64
	// PDFrame is the guest frame number of the page directory the
	// walk went through, ^0 when the walk had no directory level.
	PDFrame uint64
	// Levels is the number of levels the guest's paging mode uses:
	// 0 none, 2 legacy, 3 PAE, 4 long mode.
	Levels int
	// Global is set when the leaf had the G bit and CR4.PGE is on.
	Global bool
}

const noFrame = ^uint64(0)

// pagingLevels returns the guest's active paging depth.
func pagingLevels(v *vcpu.Vcpu) int {
	cr0 := v.Vmctl.ReadControlReg(vcpu.CR0)
	if cr0&vcpu.CR0PG == 0 {
		return 0
	}
	cr4 := v.Vmctl.ReadControlReg(vcpu.CR4)
	if cr4&vcpu.CR4PAE == 0 {
		return 2
	}
	efer, _ := v.Vmctl.ReadMSR(MSRIA32EFER)
	if efer&vcpu.EFERLMA != 0 {
		return 4
	}
	return 3
}

// MSRIA32EFER is needed by the walker to detect long mode and NX.
const MSRIA32EFER = 0xC0000080

func pfErr(acc Access, present bool) uint64 {
	var e uint64
	if present {
		e |= vcpu.PFErrP
	}
	if acc.Write {
		e |= vcpu.PFErrWR
	}
	if acc.User {
		e |= vcpu.PFErrUS
	}
	if acc.Exec {
		e |= vcpu.PFErrID
	}
	return e
}

// GuestWalk translates a guest linear address by walking the guest's
// own page tables with the access-rights checks the hardware applies,
// setting accessed/dirty bits on the way. It returns a PageFault to be
// reflected when the guest walk does not allow the access.
func GuestWalk(v *vcpu.Vcpu, linear uint64, acc Access) (WalkResult, error) {
	levels := pagingLevels(v)
	if levels == 0 {
		return WalkResult{
			GPhys:    linear,
			Entry:    PteP | PteRW | PteUS | PteD | PteA,
			PageSize: 4096,
			PTFrame:  noFrame,
			PDFrame:  noFrame,
			Levels:   0,
		}, nil
	}

	cr0 := v.Vmctl.ReadControlReg(vcpu.CR0)
	cr3 := v.Vmctl.ReadControlReg(vcpu.CR3)
	cr4 := v.Vmctl.ReadControlReg(vcpu.CR4)
	efer, _ := v.Vmctl.ReadMSR(MSRIA32EFER)
	nxe := efer&vcpu.EFERNXE != 0
	wp := cr0&vcpu.CR0WP != 0

	if levels == 2 {
		return guestWalk2(v, linear, acc, cr3, cr4, wp)
	}
	return guestWalkPAE(v, linear, acc, cr3, cr4, wp, nxe, levels)
}

// checkLeaf applies the accumulated rights to the access. rw and us are
// the AND across all levels.
func checkLeaf(acc Access, rw, us bool, nx bool, wp bool) *PageFault {
	if acc.User {
		if !us {
			return &PageFault{Err: pfErr(acc, true)}
		}
		if acc.Write && !rw {
			return &PageFault{Err: pfErr(acc, true)}
		}
	} else {
		// Supervisor writes honor RW only when CR0.WP is set.
		if acc.Write && !rw && wp {
			return &PageFault{Err: pfErr(acc, true)}
		}
	}
	if acc.Exec && nx {
		return &PageFault{Err: pfErr(acc, true)}
	}
	return nil
}

// guestWalk2 walks legacy 32-bit two-level tables (4K and 4M pages).
func guestWalk2(v *vcpu.Vcpu, linear uint64, acc Access, cr3, cr4 uint64, wp bool) (WalkResult, error) {
	linear &= 0xFFFFFFFF
	pdBase := cr3 & 0xFFFFF000
	pdeAddr := pdBase + (linear>>22)*4
	pde, ok := readGuest32(v, pdeAddr)
	if !ok || pde&PteP == 0 {
		return WalkResult{}, &PageFault{Err: pfErr(acc, false)}
	}
	rw := pde&PteRW != 0
	us := pde&PteUS != 0

	if pde&PtePS != 0 && cr4&vcpu.CR4PSE != 0 {
		if f := checkLeaf(acc, rw, us, false, wp); f != nil {
			return WalkResult{}, f
		}
		setAD32(v, pdeAddr, pde, acc.Write)
		gphys := uint64(pde&0xFFC00000) | (uint64(pde&0x1FE000) << 19) | (linear & 0x3FFFFF)
		return WalkResult{
			GPhys:    gphys,
			Entry:    leafEntry(uint64(pde), rw, us),
			PageSize: 1 << 22,
			PTFrame:  pdBase >> 12,
			PDFrame:  pdBase >> 12,
			Levels:   2,
			Global:   pde&PteG != 0 && cr4&vcpu.CR4PGE != 0,
		}, nil
	}

	ptBase := uint64(pde) & 0xFFFFF000
	pteAddr := ptBase + ((linear>>12)&0x3FF)*4
	pte, ok := readGuest32(v, pteAddr)
	if !ok || pte&PteP == 0 {
		return WalkResult{}, &PageFault{Err: pfErr(acc, false)}
	}
	rw = rw && pte&PteRW != 0
	us = us && pte&PteUS != 0
	if f := checkLeaf(acc, rw, us, false, wp); f != nil {
		return WalkResult{}, f
	}
	setAD32(v, pdeAddr, pde, false)
	setAD32(v, pteAddr, pte, acc.Write)
	return WalkResult{
		GPhys:    (uint64(pte) & 0xFFFFF000) | (linear & 0xFFF),
		Entry:    leafEntry(uint64(pte), rw, us),
		PageSize: 4096,
		PTFrame:  ptBase >> 12,
		PDFrame:  pdBase >> 12,
		Levels:   2,
		Global:   pte&PteG != 0 && cr4&vcpu.CR4PGE != 0,
	}, nil
}

// guestWalkPAE walks PAE (3-level) or long-mode (4-level) tables.
func guestWalkPAE(v *vcpu.Vcpu, linear uint64, acc Access, cr3, cr4 uint64, wp, nxe bool, levels int) (WalkResult, error) {
	mask := v.PteAddrMask
	rw, us := true, true
	nx := false

	var tableGphys uint64
	var idx [4]uint64
	switch levels {
	case 3:
		tableGphys = cr3 & 0xFFFFFFE0
		idx[2] = (linear >> 30) & 3
		idx[1] = (linear >> 21) & 0x1FF
		idx[0] = (linear >> 12) & 0x1FF
	case 4:
		tableGphys = cr3 & mask
		idx[3] = (linear >> 39) & 0x1FF
		idx[2] = (linear >> 30) & 0x1FF
		idx[1] = (linear >> 21) & 0x1FF
		idx[0] = (linear >> 12) & 0x1FF
	}

	var ptFrame, pdFrame uint64 = noFrame, noFrame
	for level := levels - 1; level >= 0; level-- {
		entryAddr := tableGphys + idx[level]*8
		entry, ok := v.ReadGuestPhys64(entryAddr)
		if !ok || entry&PteP == 0 {
			return WalkResult{}, &PageFault{Err: pfErr(acc, false)}
		}
		// PDPTEs in PAE mode have no RW/US; they are format-checked
		// only.
		pdpte := levels == 3 && level == 2
		if !pdpte {
			rw = rw && entry&PteRW != 0
			us = us && entry&PteUS != 0
			if nxe && entry&PteNX != 0 {
				nx = true
			}
		}

		if level == 1 {
			pdFrame = tableGphys >> 12
		}

		leaf := level == 0
		if level == 1 && entry&PtePS != 0 {
			leaf = true
		}
		if leaf {
			if f := checkLeaf(acc, rw, us, nx, wp); f != nil {
				return WalkResult{}, f
			}
			setAD64(v, entryAddr, entry, acc.Write)
			if level == 1 {
				// 2 MiB page
				gphys := (entry & mask &^ uint64(0x1FFFFF)) | (linear & 0x1FFFFF)
				return WalkResult{
					GPhys:    gphys,
					Entry:    leafEntry(entry, rw, us),
					PageSize: 1 << 21,
					PTFrame:  tableGphys >> 12,
					PDFrame:  pdFrame,
					Levels:   levels,
					Global:   entry&PteG != 0 && cr4&vcpu.CR4PGE != 0,
				}, nil
			}
			return WalkResult{
				GPhys:    (entry & mask) | (linear & 0xFFF),
				Entry:    leafEntry(entry, rw, us),
				PageSize: 4096,
				PTFrame:  ptFrame,
				PDFrame:  pdFrame,
				Levels:   levels,
				Global:   entry&PteG != 0 && cr4&vcpu.CR4PGE != 0,
			}, nil
		}
		if !leaf && !pdpte {
			setAD64(v, entryAddr, entry, false)
		}
		tableGphys = entry & mask
		if level == 1 {
			ptFrame = tableGphys >> 12
		}
	}
	return WalkResult{}, &PageFault{Err: pfErr(acc, false)}
}

// leafEntry rewrites the leaf's RW/US with the rights accumulated over
// the whole walk so the shadow installs the intersection.
func leafEntry(entry uint64, rw, us bool) uint64 {
	e := entry &^ uint64(PteRW|PteUS)
	if rw {
		e |= PteRW
	}
	if us {
		e |= PteUS
	}
	return e
}

func readGuest32(v *vcpu.Vcpu, gphys uint64) (uint32, bool) {
	var b [4]byte
	if !v.ReadGuestPhys(gphys, b[:]) {
		return 0, false
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, true
}

func writeGuest32(v *vcpu.Vcpu, gphys uint64, val uint32) bool {
	b := [4]byte{byte(val), byte(val >> 8), byte(val >> 16), byte(val >> 24)}
	return v.WriteGuestPhys(gphys, b[:])
}

func setAD32(v *vcpu.Vcpu, entryAddr uint64, entry uint32, dirty bool) {
	want := entry | PteA
	if dirty {
		want |= PteD
	}
	if want != entry {
		writeGuest32(v, entryAddr, want)
	}
}

func setAD64(v *vcpu.Vcpu, entryAddr, entry uint64, dirty bool) {
	want := entry | PteA
	if dirty {
		want |= PteD
	}
	if want != entry {
		v.WriteGuestPhys64(entryAddr, want)
	}
}
