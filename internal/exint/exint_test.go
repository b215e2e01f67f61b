package exint

import (
	"testing"

	"github.com/tinyrange/vmm/internal/hw"
)

func TestCallbackChainTransformsVector(t *testing.T) {
	c := NewChain(hw.NewVectors())
	c.RegisterCallback(func(data any, num int) int {
		if num == 0x30 {
			return 0x40 // remap
		}
		return num
	}, nil)
	c.RegisterCallback(func(data any, num int) int {
		if num == 0x50 {
			return -1 // drop
		}
		return num
	}, nil)

	if got := c.RunCallbacks(0x30); got != 0x40 {
		t.Fatalf("remap: got 0x%x", got)
	}
	if got := c.RunCallbacks(0x50); got != -1 {
		t.Fatalf("drop: got %d", got)
	}
	if got := c.RunCallbacks(0x21); got != 0x21 {
		t.Fatalf("passthrough: got 0x%x", got)
	}
}

func TestChainOrder(t *testing.T) {
	c := NewChain(hw.NewVectors())
	var order []int
	c.RegisterCallback(func(data any, num int) int {
		order = append(order, 1)
		return num + 1
	}, nil)
	c.RegisterCallback(func(data any, num int) int {
		order = append(order, 2)
		return num + 1
	}, nil)
	if got := c.RunCallbacks(0x20); got != 0x22 {
		t.Fatalf("chained transform: 0x%x", got)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order: %v", order)
	}
}

func TestVectorAllocation(t *testing.T) {
	c := NewChain(hw.NewVectors())
	handled := 0
	num := c.IntrAlloc(func(data any, n int) int {
		handled++
		return n
	}, nil)
	if num < 0x20 {
		t.Fatalf("allocated vector: %d", num)
	}
	if got := c.IntrCall(num); got != num {
		t.Fatalf("IntrCall: %d", got)
	}
	if handled != 1 {
		t.Fatal("handler not invoked")
	}
	c.IntrFree(num)
	c.IntrCall(num) // freed vector passes through untouched
	if handled != 1 {
		t.Fatal("freed vector still handled")
	}
}
