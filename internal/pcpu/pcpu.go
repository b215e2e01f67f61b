// Package pcpu holds the per-physical-CPU descriptor. On real hardware
// this block sits behind a segment-relative pointer; here it is an
// explicit object owned by the CPU's monitor goroutine. Cross-CPU access
// goes through methods that take the target descriptor, never through
// hidden globals.
package pcpu

import (
	"sync"
	"sync/atomic"
)

// APICMode describes how the local APIC is being driven.
type APICMode int

const (
	APICModeDisabled APICMode = iota
	APICModeXAPIC
	APICModeX2APIC
)

// VTData is the VT-x specific portion of the descriptor.
type VTData struct {
	VMXONRegion uint64 // host physical address of the VMXON region
	VPIDSeed    uint16
	EPTCapable  bool
}

// SVMData is the SVM specific portion of the descriptor.
type SVMData struct {
	HsaveRegion  uint64 // host physical address of the host save area
	ASIDSeed     uint32
	FlushByASID  bool
	DecodeAssist bool
	NPCapable    bool
}

// CacheFeatures records what the host CPU offers the cache shadow.
type CacheFeatures struct {
	PAT         bool
	MTRR        bool
	SyscfgExist bool
	MTRRCap     uint64
}

// CPU is one physical CPU descriptor.
type CPU struct {
	ID int

	// scheduler state, owned by internal/thread
	CurTid     atomic.Int32
	CurStack   uintptr
	CurPid     int
	TSCHz      uint64
	TSCInitCnt uint64

	APICMode APICMode

	GDTBase uint64
	TSSBase uint64

	Cache CacheFeatures
	VT    VTData
	SVM   SVMData

	// PATIndexFromType maps an effective memory type to the host PAT
	// entry that encodes it. Filled once at bringup.
	PATIndexFromType [8]uint8
}

var (
	mu   sync.Mutex
	cpus []*CPU
)

// New allocates and registers the descriptor for one physical CPU.
func New(id int) *CPU {
	c := &CPU{ID: id}
	c.CurTid.Store(-1)
	mu.Lock()
	cpus = append(cpus, c)
	mu.Unlock()
	return c
}

// Count returns how many physical CPUs have been registered.
func Count() int {
	mu.Lock()
	defer mu.Unlock()
	return len(cpus)
}

// ForEach visits every registered CPU descriptor.
func ForEach(fn func(*CPU)) {
	mu.Lock()
	snapshot := append([]*CPU(nil), cpus...)
	mu.Unlock()
	for _, c := range snapshot {
		fn(c)
	}
}

// ResetForTest drops all registered CPUs. Tests only.
func ResetForTest() {
	mu.Lock()
	cpus = nil
	mu.Unlock()
}
