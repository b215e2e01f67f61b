// Package exint routes passed-through external interrupts. Registered
// callbacks see each vector in turn and may transform it; returning a
// negative vector drops the interrupt. Vector allocation is delegated
// to the hardware layer so passthrough drivers can bind real vectors to
// their emulated counterparts.
package exint

import (
	"sync"

	"github.com/tinyrange/vmm/internal/hw"
	"github.com/tinyrange/vmm/internal/list"
)

// Callback transforms an interrupt vector. A negative result drops it.
type Callback func(data any, num int) int

type entry struct {
	links    list.Links[entry]
	callback Callback
	data     any
}

func entryLinks(e *entry) *list.Links[entry] { return &e.links }

// Chain is one callback list plus its vector allocator.
type Chain struct {
	mu      sync.Mutex
	head    *list.Head[entry]
	vectors *hw.Vectors
}

// NewChain returns an empty chain using the given allocator.
func NewChain(vectors *hw.Vectors) *Chain {
	return &Chain{head: list.NewHead(entryLinks), vectors: vectors}
}

// RegisterCallback appends a filter to the chain.
func (c *Chain) RegisterCallback(cb Callback, data any) {
	e := &entry{callback: cb, data: data}
	c.mu.Lock()
	c.head.Add(e)
	c.mu.Unlock()
}

// RunCallbacks passes num through every registered filter in order.
func (c *Chain) RunCallbacks(num int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.head.First(); e != nil; e = c.head.Next(e) {
		num = e.callback(e.data, num)
	}
	return num
}

// IntrCall delivers the vector through the hardware layer.
func (c *Chain) IntrCall(num int) int {
	return c.vectors.Call(num)
}

// IntrAlloc reserves a host vector with a handler.
func (c *Chain) IntrAlloc(handler hw.VectorHandler, data any) int {
	return c.vectors.Alloc(handler, data)
}

// IntrFree releases a host vector.
func (c *Chain) IntrFree(num int) {
	c.vectors.Free(num)
}

// Default is the process-wide chain.
var Default = NewChain(hw.NewVectors())

// RegisterCallback and RunCallbacks on the default chain.
func RegisterCallback(cb Callback, data any) { Default.RegisterCallback(cb, data) }
func RunCallbacks(num int) int               { return Default.RunCallbacks(num) }

// ResetForTest replaces the default chain. Tests only.
func ResetForTest() { Default = NewChain(hw.NewVectors()) }
