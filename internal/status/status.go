// Package status composes the monitor's text status report and serves
// it to the guest over the vmmcall interface: call 0 resolves a
// function name to a number, and "get_status" copies the report into a
// guest buffer. Subsystems register report fragments at init.
package status

import (
	"sync"

	"github.com/tinyrange/vmm/internal/mmu"
	"github.com/tinyrange/vmm/internal/vcpu"
)

// Enabled gates the whole interface; the boot configuration sets it.
var Enabled bool

type vmmcallFn struct {
	num     int
	handler func(v *vcpu.Vcpu)
}

var (
	mu        sync.Mutex
	callbacks []func() string
	calls     = map[string]*vmmcallFn{}
	nextNum   = 1
)

// RegisterCallback adds one fragment to the status report.
func RegisterCallback(fn func() string) {
	mu.Lock()
	callbacks = append(callbacks, fn)
	mu.Unlock()
}

// RegisterVmmcall binds a named hypercall. Numbers are assigned in
// registration order starting at 1; the guest resolves names via call
// number 0.
func RegisterVmmcall(name string, handler func(v *vcpu.Vcpu)) int {
	mu.Lock()
	defer mu.Unlock()
	if f, ok := calls[name]; ok {
		f.handler = handler
		return f.num
	}
	f := &vmmcallFn{num: nextNum, handler: handler}
	nextNum++
	calls[name] = f
	return f.num
}

// Report concatenates every registered fragment.
func Report() string {
	mu.Lock()
	cbs := append([]func() string(nil), callbacks...)
	mu.Unlock()
	out := ""
	for _, cb := range cbs {
		out += cb()
	}
	return out
}

// Init registers the built-in get_status call.
func Init() {
	RegisterVmmcall("get_status", getStatus)
}

// HandleVmcall dispatches a guest VMCALL/VMMCALL. RAX selects the
// function; 0 resolves the name whose linear address is in RBX.
func HandleVmcall(v *vcpu.Vcpu) {
	if !Enabled {
		return
	}
	num := v.Vmctl.ReadGeneralReg(vcpu.RegRAX)
	if num == 0 {
		name := readLinearString(v, v.Vmctl.ReadGeneralReg(vcpu.RegRBX))
		mu.Lock()
		f := calls[name]
		mu.Unlock()
		if f == nil {
			v.Vmctl.WriteGeneralReg(vcpu.RegRAX, 0)
			return
		}
		v.Vmctl.WriteGeneralReg(vcpu.RegRAX, uint64(f.num))
		return
	}
	mu.Lock()
	var handler func(*vcpu.Vcpu)
	for _, f := range calls {
		if uint64(f.num) == num {
			handler = f.handler
			break
		}
	}
	mu.Unlock()
	if handler != nil {
		handler(v)
	}
}

// getStatus implements the status hypercall: RBX holds the linear
// address of a buffer, RCX its size. The report length is always
// written back to RCX; RAX returns 0 on success and 1 when the buffer
// was too small or unwritable.
func getStatus(v *vcpu.Vcpu) {
	buf := v.Vmctl.ReadGeneralReg(vcpu.RegRBX)
	size := v.Vmctl.ReadGeneralReg(vcpu.RegRCX)
	report := Report()
	v.Vmctl.WriteGeneralReg(vcpu.RegRCX, uint64(len(report)))
	if uint64(len(report)) > size {
		v.Vmctl.WriteGeneralReg(vcpu.RegRAX, 1)
		return
	}
	for i := 0; i < len(report); i++ {
		if !writeLinearByte(v, buf+uint64(i), report[i]) {
			v.Vmctl.WriteGeneralReg(vcpu.RegRAX, 1)
			return
		}
	}
	v.Vmctl.WriteGeneralReg(vcpu.RegRAX, 0)
}

func linearToPhys(v *vcpu.Vcpu, linear uint64, write bool) (uint64, bool) {
	if v.Vmctl.ReadControlReg(vcpu.CR0)&vcpu.CR0PG == 0 {
		return linear, true
	}
	gw, err := mmu.GuestWalk(v, linear, mmu.Access{Write: write})
	if err != nil {
		return 0, false
	}
	return gw.GPhys, true
}

func writeLinearByte(v *vcpu.Vcpu, linear uint64, b byte) bool {
	gphys, ok := linearToPhys(v, linear, true)
	if !ok {
		return false
	}
	return v.WriteGuestPhys(gphys, []byte{b})
}

func readLinearString(v *vcpu.Vcpu, linear uint64) string {
	var out []byte
	for len(out) < 64 {
		gphys, ok := linearToPhys(v, linear+uint64(len(out)), false)
		if !ok {
			break
		}
		var b [1]byte
		if !v.ReadGuestPhys(gphys, b[:]) {
			break
		}
		if b[0] == 0 {
			break
		}
		out = append(out, b[0])
	}
	return string(out)
}

// ResetForTest clears the registries. Tests only.
func ResetForTest() {
	mu.Lock()
	callbacks = nil
	calls = map[string]*vmmcallFn{}
	nextNum = 1
	mu.Unlock()
}
