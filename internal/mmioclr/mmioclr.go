// Package mmioclr lets any subsystem that caches host↔guest mappings
// (the paging engines, device emulators) be asked to drop its mappings
// of a host physical range. Callbacks run under the shared side of a
// reader/writer lock; registration takes the exclusive side.
package mmioclr

import (
	"sync"

	"github.com/tinyrange/vmm/internal/hw"
	"github.com/tinyrange/vmm/internal/list"
	"github.com/tinyrange/vmm/internal/vcpu"
)

// Callback is asked to invalidate mappings of [hpst, hpend] host
// physical. It returns true when it had any.
type Callback func(data any, hpst, hpend uint64) bool

// Entry is a registered callback; keep it to unregister later.
type Entry struct {
	links    list.Links[Entry]
	data     any
	callback Callback
}

func entryLinks(e *Entry) *list.Links[Entry] { return &e.links }

// Registry is one callback chain.
type Registry struct {
	mu   sync.RWMutex
	head *list.Head[Entry]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{head: list.NewHead(entryLinks)}
}

// Register appends a callback to the chain.
func (r *Registry) Register(data any, cb Callback) *Entry {
	e := &Entry{data: data, callback: cb}
	r.mu.Lock()
	r.head.Add(e)
	r.mu.Unlock()
	return e
}

// Unregister removes a previously registered callback.
func (r *Registry) Unregister(e *Entry) {
	r.mu.Lock()
	r.head.Del(e)
	r.mu.Unlock()
}

// ClearHmap asks the callbacks in order to drop mappings of [hpst,
// hpend] and reports whether at least one subsystem had mappings to
// invalidate. It stops at the first callback that reports mappings;
// later callbacks are not asked.
func (r *Registry) ClearHmap(hpst, hpend uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := false
	for e := r.head.First(); e != nil; e = r.head.Next(e) {
		if e.callback(e.data, hpst, hpend) {
			ret = true
			break
		}
	}
	return ret
}

// ClearGmap decomposes a guest physical range into host-physically
// contiguous runs through the vCPU's guest memory map and clears each
// run.
func (r *Registry) ClearGmap(v *vcpu.Vcpu, gpst, gpend uint64) bool {
	const pageMask = uint64(hw.PageMask)
	hp0, _ := v.Gmm.GP2HP(gpst)
	gp2 := (gpst | pageMask) + 1
	hp1 := hp0 | pageMask
	for gp2 <= gpend {
		hp2, _ := v.Gmm.GP2HP(gp2)
		if hp1+1 != hp2 {
			if r.ClearHmap(hp0, hp1) {
				return true
			}
			hp0 = hp2
		}
		hp1 = hp2 | pageMask
		gp2 = (gp2 | pageMask) + 1
	}
	return r.ClearHmap(hp0, hp1)
}

// Default is the process-wide registry the monitor uses.
var Default = NewRegistry()

// Register, Unregister, ClearHmap and ClearGmap on the default
// registry.
func Register(data any, cb Callback) *Entry { return Default.Register(data, cb) }
func Unregister(e *Entry)                   { Default.Unregister(e) }
func ClearHmap(hpst, hpend uint64) bool     { return Default.ClearHmap(hpst, hpend) }
func ClearGmap(v *vcpu.Vcpu, gpst, gpend uint64) bool {
	return Default.ClearGmap(v, gpst, gpend)
}

// ResetForTest replaces the default registry. Tests only.
func ResetForTest() { Default = NewRegistry() }
