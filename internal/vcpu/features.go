package vcpu

import (
	"fmt"
	"sync"
)

// IOAccess distinguishes IN from OUT.
type IOAccess int

const (
	IOIn IOAccess = iota
	IOOut
)

// IOAct is an IO handler's verdict.
type IOAct int

const (
	// IOActCont completes the instruction; the dispatcher advances IP.
	IOActCont IOAct = iota
	// IOActRerun makes the guest re-execute the same instruction.
	IOActRerun
)

// IOHandler services one intercepted port access. data is the
// operand-sized buffer: filled by the handler on IN, carries the guest
// value on OUT.
type IOHandler func(access IOAccess, port uint32, data []byte) IOAct

// IOData is the per-vCPU IO routing table consulted on IO exits for
// ports that are not passed through.
type IOData struct {
	mu       sync.Mutex
	handlers map[uint32]IOHandler
	// Default services ports without a registered handler. A nil
	// Default makes unhandled IN return all-ones and OUT a no-op.
	Default IOHandler
}

// SetHandler installs (or, with nil, removes) the handler for port.
func (d *IOData) SetHandler(port uint32, h IOHandler) {
	d.mu.Lock()
	if d.handlers == nil {
		d.handlers = make(map[uint32]IOHandler)
	}
	if h == nil {
		delete(d.handlers, port)
	} else {
		d.handlers[port] = h
	}
	d.mu.Unlock()
}

// Handle routes one intercepted access.
func (d *IOData) Handle(access IOAccess, port uint32, data []byte) IOAct {
	d.mu.Lock()
	h := d.handlers[port]
	if h == nil {
		h = d.Default
	}
	d.mu.Unlock()
	if h == nil {
		if access == IOIn {
			for i := range data {
				data[i] = 0xFF
			}
		}
		return IOActCont
	}
	return h(access, port, data)
}

// MMIOHandler services an intercepted guest-physical access. It returns
// true when it handled the access.
type MMIOHandler func(write bool, gphys uint64, data []byte) bool

type mmioRange struct {
	gphys   uint64
	size    uint64
	handler MMIOHandler
}

// MMIOData is the per-VM table of guest-physical ranges whose accesses
// must trap. The paging engines consult it to refuse direct mappings.
// It lives on vCPU 0.
type MMIOData struct {
	mu     sync.Mutex
	ranges []mmioRange
}

// Register adds a trapped range. The caller is responsible for flushing
// any existing mappings of the range (see mmioclr).
func (d *MMIOData) Register(gphys, size uint64, h MMIOHandler) error {
	if size == 0 || h == nil {
		return fmt.Errorf("vcpu: bad MMIO registration at 0x%x size 0x%x", gphys, size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.ranges {
		if gphys < r.gphys+r.size && r.gphys < gphys+size {
			return fmt.Errorf("vcpu: MMIO range 0x%x+0x%x overlaps 0x%x+0x%x",
				gphys, size, r.gphys, r.size)
		}
	}
	d.ranges = append(d.ranges, mmioRange{gphys: gphys, size: size, handler: h})
	return nil
}

// Unregister removes a trapped range by its base.
func (d *MMIOData) Unregister(gphys uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range d.ranges {
		if r.gphys == gphys {
			d.ranges = append(d.ranges[:i], d.ranges[i+1:]...)
			return
		}
	}
}

// Find returns the handler covering gphys, or nil.
func (d *MMIOData) Find(gphys uint64) MMIOHandler {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.ranges {
		if gphys >= r.gphys && gphys < r.gphys+r.size {
			return r.handler
		}
	}
	return nil
}

// Overlaps reports whether [start, end] intersects any trapped range.
func (d *MMIOData) Overlaps(start, end uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.ranges {
		if start < r.gphys+r.size && r.gphys <= end {
			return true
		}
	}
	return false
}

// CPUIDLeaf is one shadowed CPUID result.
type CPUIDLeaf struct {
	EAX, EBX, ECX, EDX uint32
}

// CPUIDData shadows the guest-visible CPUID space. Unlisted leaves fall
// through to the backend's notion of the host values.
type CPUIDData struct {
	mu     sync.Mutex
	leaves map[uint64]CPUIDLeaf
}

func cpuidKey(ia, ic uint32) uint64 { return uint64(ia)<<32 | uint64(ic) }

// SetLeaf installs a shadowed leaf/subleaf result.
func (d *CPUIDData) SetLeaf(ia, ic uint32, leaf CPUIDLeaf) {
	d.mu.Lock()
	if d.leaves == nil {
		d.leaves = make(map[uint64]CPUIDLeaf)
	}
	d.leaves[cpuidKey(ia, ic)] = leaf
	d.mu.Unlock()
}

// Lookup returns the shadowed result for a leaf, if any.
func (d *CPUIDData) Lookup(ia, ic uint32) (CPUIDLeaf, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	leaf, ok := d.leaves[cpuidKey(ia, ic)]
	return leaf, ok
}

// LocalAPICData is the minimal local-APIC emulation state the core
// needs: the APIC base MSR shadow and the INIT/SIPI bookkeeping. The
// full APIC bus lives with vCPU 0.
type LocalAPICData struct {
	APICBaseMSR uint64
	// SIPIVector holds the last startup-IPI vector delivered, -1 when
	// none is pending.
	SIPIVector int
	InitCount  uint
}

// XsetbvData shadows the guest's extended-state enables.
type XsetbvData struct {
	// Offered masks the XCR0 bits the guest may set.
	Offered uint64
	XCR0    uint64
}
