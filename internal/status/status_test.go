package status

import (
	"testing"

	"github.com/tinyrange/vmm/internal/hw"
	"github.com/tinyrange/vmm/internal/pcpu"
	"github.com/tinyrange/vmm/internal/vcpu"
	"github.com/tinyrange/vmm/internal/vcpu/vcputest"
)

func newGuest(t *testing.T) (*vcpu.Vcpu, *vcputest.BaseVmctl, *hw.Mem) {
	t.Helper()
	pcpu.ResetForTest()
	vcpu.ResetForTest()
	ResetForTest()
	mem, err := hw.NewMem(0, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mem.Close() })
	v := vcpu.LoadNew(pcpu.New(0), mem, nil)
	ctl := &vcputest.BaseVmctl{}
	v.Vmctl = ctl
	v.Gmm = vcputest.IdentityGmm{Limit: 1 << 20}
	return v, ctl, mem
}

func TestReportConcatenates(t *testing.T) {
	ResetForTest()
	RegisterCallback(func() string { return "a\n" })
	RegisterCallback(func() string { return "b\n" })
	if got := Report(); got != "a\nb\n" {
		t.Fatalf("report: %q", got)
	}
}

func TestGetStatusWritesBuffer(t *testing.T) {
	v, ctl, mem := newGuest(t)
	Enabled = true
	t.Cleanup(func() { Enabled = false })
	Init()
	RegisterCallback(func() string { return "hello\n" })

	ctl.Regs[vcpu.RegRAX] = 1
	ctl.Regs[vcpu.RegRBX] = 0x8000
	ctl.Regs[vcpu.RegRCX] = 64
	HandleVmcall(v)

	if ctl.Regs[vcpu.RegRAX] != 0 {
		t.Fatalf("ret: %d", ctl.Regs[vcpu.RegRAX])
	}
	if ctl.Regs[vcpu.RegRCX] != 6 {
		t.Fatalf("length: %d", ctl.Regs[vcpu.RegRCX])
	}
	out := make([]byte, 6)
	mem.ReadAt(out, 0x8000)
	if string(out) != "hello\n" {
		t.Fatalf("buffer: %q", out)
	}
}

func TestGetStatusBufferTooSmall(t *testing.T) {
	v, ctl, _ := newGuest(t)
	Enabled = true
	t.Cleanup(func() { Enabled = false })
	Init()
	RegisterCallback(func() string { return "a long status report\n" })

	ctl.Regs[vcpu.RegRAX] = 1
	ctl.Regs[vcpu.RegRBX] = 0x8000
	ctl.Regs[vcpu.RegRCX] = 4
	HandleVmcall(v)

	if ctl.Regs[vcpu.RegRAX] != 1 {
		t.Fatalf("ret: %d", ctl.Regs[vcpu.RegRAX])
	}
	// the required length is always written back
	if ctl.Regs[vcpu.RegRCX] != 21 {
		t.Fatalf("length: %d", ctl.Regs[vcpu.RegRCX])
	}
}

func TestNameLookup(t *testing.T) {
	v, ctl, mem := newGuest(t)
	Enabled = true
	t.Cleanup(func() { Enabled = false })
	Init()

	name := []byte("get_status\x00")
	mem.WriteAt(name, 0x9000)
	ctl.Regs[vcpu.RegRAX] = 0
	ctl.Regs[vcpu.RegRBX] = 0x9000
	HandleVmcall(v)
	if ctl.Regs[vcpu.RegRAX] != 1 {
		t.Fatalf("lookup returned %d", ctl.Regs[vcpu.RegRAX])
	}
}

func TestDisabledIsNoop(t *testing.T) {
	v, ctl, _ := newGuest(t)
	Enabled = false
	Init()
	ctl.Regs[vcpu.RegRAX] = 1
	ctl.Regs[vcpu.RegRBX] = 0x8000
	ctl.Regs[vcpu.RegRCX] = 64
	HandleVmcall(v)
	if ctl.Regs[vcpu.RegRCX] != 64 {
		t.Fatal("disabled interface touched registers")
	}
}
