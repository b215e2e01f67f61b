package mmu

import (
	"testing"

	"github.com/tinyrange/vmm/internal/cache"
	"github.com/tinyrange/vmm/internal/hw"
	"github.com/tinyrange/vmm/internal/pcpu"
	"github.com/tinyrange/vmm/internal/vcpu"
	"github.com/tinyrange/vmm/internal/vcpu/vcputest"
)

const testMemSize = 16 << 20

// Guest structures live above the engine's pool pages.
const (
	gPDPT = 0x200000
	gPD   = 0x201000
	gPT   = 0x202000
	gPD2  = 0x203000
	gPT2  = 0x204000
	gData = 0x600000
)

func newTestVcpu(t *testing.T) (*vcpu.Vcpu, *vcputest.BaseVmctl, *hw.Mem) {
	t.Helper()
	pcpu.ResetForTest()
	vcpu.ResetForTest()
	mem, err := hw.NewMem(0, testMemSize)
	if err != nil {
		t.Fatalf("NewMem: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	cpu := pcpu.New(0)
	cache.InitHostPAT(cpu)
	v := vcpu.LoadNew(cpu, mem, nil)
	ctl := &vcputest.BaseVmctl{}
	v.Vmctl = ctl
	v.Gmm = vcputest.IdentityGmm{Limit: testMemSize}
	cache.InitGuestRegs(&v.Cache)
	return v, ctl, mem
}

// buildPAETables installs a PAE mapping of linear -> gphys with the
// given leaf bits and returns the guest CR3.
func buildPAETables(t *testing.T, mem *hw.Mem, linear, gphys, bits uint64) uint64 {
	t.Helper()
	if err := mem.Write64(gPDPT+((linear>>30)&3)*8, gPD|PteP); err != nil {
		t.Fatal(err)
	}
	if err := mem.Write64(gPD+((linear>>21)&0x1FF)*8, gPT|PteP|PteRW|PteUS); err != nil {
		t.Fatal(err)
	}
	if err := mem.Write64(gPT+((linear>>12)&0x1FF)*8, gphys|bits); err != nil {
		t.Fatal(err)
	}
	return gPDPT
}

func enablePAE(ctl *vcputest.BaseVmctl, cr3 uint64) {
	ctl.CRs[vcpu.CR0] = vcpu.CR0PE | vcpu.CR0PG | vcpu.CR0WP
	ctl.CRs[vcpu.CR3] = cr3
	ctl.CRs[vcpu.CR4] = vcpu.CR4PAE
}

func TestGuestWalkNoPaging(t *testing.T) {
	v, _, _ := newTestVcpu(t)
	gw, err := GuestWalk(v, 0x1234, Access{Write: true})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if gw.GPhys != 0x1234 || gw.Levels != 0 {
		t.Fatalf("no-paging walk: %+v", gw)
	}
}

func TestGuestWalkPAE(t *testing.T) {
	v, ctl, mem := newTestVcpu(t)
	cr3 := buildPAETables(t, mem, 0x40000000, gData, PteP|PteRW|PteUS)
	enablePAE(ctl, cr3)

	gw, err := GuestWalk(v, 0x40000123, Access{Write: true, User: true})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if gw.GPhys != gData+0x123 {
		t.Fatalf("gphys: 0x%x", gw.GPhys)
	}
	if gw.Levels != 3 || gw.PageSize != 4096 {
		t.Fatalf("walk meta: %+v", gw)
	}
	if gw.PTFrame != gPT>>12 || gw.PDFrame != gPD>>12 {
		t.Fatalf("table frames: %+v", gw)
	}
	if gw.Entry&PteRW == 0 || gw.Entry&PteUS == 0 {
		t.Fatalf("accumulated rights: 0x%x", gw.Entry)
	}

	// the walk must have set A in every level and D in the leaf
	pte, _ := mem.Read64(gPT + 0*8)
	if pte&PteA == 0 || pte&PteD == 0 {
		t.Fatalf("leaf A/D not set: 0x%x", pte)
	}
	pde, _ := mem.Read64(gPD + 0*8)
	if pde&PteA == 0 {
		t.Fatalf("pde A not set: 0x%x", pde)
	}
}

func TestGuestWalkNotPresent(t *testing.T) {
	v, ctl, mem := newTestVcpu(t)
	cr3 := buildPAETables(t, mem, 0x40000000, gData, PteP|PteRW|PteUS)
	enablePAE(ctl, cr3)

	_, err := GuestWalk(v, 0x40400000, Access{Write: true}) // unmapped PDE
	pf, ok := err.(*PageFault)
	if !ok {
		t.Fatalf("expected page fault, got %v", err)
	}
	if pf.Err&vcpu.PFErrP != 0 {
		t.Fatalf("err code claims present: 0x%x", pf.Err)
	}
	if pf.Err&vcpu.PFErrWR == 0 {
		t.Fatalf("err code lost write bit: 0x%x", pf.Err)
	}
}

func TestGuestWalkRights(t *testing.T) {
	v, ctl, mem := newTestVcpu(t)
	// supervisor-only read-only page
	cr3 := buildPAETables(t, mem, 0x40000000, gData, PteP)
	enablePAE(ctl, cr3)

	// user read must fault with P|US
	_, err := GuestWalk(v, 0x40000000, Access{User: true})
	pf, ok := err.(*PageFault)
	if !ok {
		t.Fatal("user access to supervisor page did not fault")
	}
	if pf.Err != vcpu.PFErrP|vcpu.PFErrUS {
		t.Fatalf("err: 0x%x", pf.Err)
	}

	// supervisor write with WP faults
	if _, err := GuestWalk(v, 0x40000000, Access{Write: true}); err == nil {
		t.Fatal("supervisor write to RO page with WP did not fault")
	}

	// supervisor write with WP clear succeeds
	ctl.CRs[vcpu.CR0] &^= uint64(vcpu.CR0WP)
	if _, err := GuestWalk(v, 0x40000000, Access{Write: true}); err != nil {
		t.Fatalf("supervisor write with WP clear: %v", err)
	}

	// supervisor read succeeds
	ctl.CRs[vcpu.CR0] |= vcpu.CR0WP
	if _, err := GuestWalk(v, 0x40000000, Access{}); err != nil {
		t.Fatalf("supervisor read: %v", err)
	}
}

func TestGuestWalkNX(t *testing.T) {
	v, ctl, mem := newTestVcpu(t)
	cr3 := buildPAETables(t, mem, 0x40000000, gData, PteP|PteRW|PteUS|PteNX)
	enablePAE(ctl, cr3)
	ctl.MSRs = map[uint32]uint64{MSRIA32EFER: vcpu.EFERNXE}

	_, err := GuestWalk(v, 0x40000000, Access{Exec: true, User: true})
	pf, ok := err.(*PageFault)
	if !ok {
		t.Fatal("exec of NX page did not fault")
	}
	if pf.Err&vcpu.PFErrID == 0 {
		t.Fatalf("err: 0x%x", pf.Err)
	}

	// without NXE the bit is ignored
	ctl.MSRs[MSRIA32EFER] = 0
	if _, err := GuestWalk(v, 0x40000000, Access{Exec: true, User: true}); err != nil {
		t.Fatalf("exec with NXE clear: %v", err)
	}
}

func TestGuestWalkLargePage(t *testing.T) {
	v, ctl, mem := newTestVcpu(t)
	// 2 MiB page at PD entry 2 covering linear 0x400000
	mem.Write64(gPDPT+0*8, gPD|PteP)
	mem.Write64(gPD+2*8, 0x400000|PteP|PteRW|PteUS|PtePS)
	enablePAE(ctl, gPDPT)

	gw, err := GuestWalk(v, 0x412345, Access{})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if gw.PageSize != 1<<21 {
		t.Fatalf("page size: 0x%x", gw.PageSize)
	}
	if gw.GPhys != 0x412345 {
		t.Fatalf("gphys: 0x%x", gw.GPhys)
	}
}

func TestGuestWalkLegacy2Level(t *testing.T) {
	v, ctl, mem := newTestVcpu(t)
	// 32-bit two-level tables
	const pd32, pt32 = uint64(0x300000), uint64(0x301000)
	mem.Write32(pd32+(0x40000000>>22)*4, uint32(pt32)|PteP|PteRW|PteUS)
	mem.Write32(pt32+0*4, uint32(gData)|PteP|PteRW|PteUS)
	ctl.CRs[vcpu.CR0] = vcpu.CR0PE | vcpu.CR0PG | vcpu.CR0WP
	ctl.CRs[vcpu.CR3] = pd32

	gw, err := GuestWalk(v, 0x40000678, Access{Write: true, User: true})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if gw.GPhys != gData+0x678 || gw.Levels != 2 {
		t.Fatalf("legacy walk: %+v", gw)
	}
	pte, _ := readGuest32(v, pt32)
	if pte&PteA == 0 || pte&PteD == 0 {
		t.Fatalf("legacy leaf A/D: 0x%x", pte)
	}
}
