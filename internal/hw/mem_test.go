package hw

import "testing"

func TestMemReadWrite(t *testing.T) {
	m, err := NewMem(0x100000, 1<<20)
	if err != nil {
		t.Fatalf("NewMem: %v", err)
	}
	defer m.Close()

	if err := m.Write64(0x100100, 0x1122334455667788); err != nil {
		t.Fatalf("Write64: %v", err)
	}
	v, err := m.Read64(0x100100)
	if err != nil || v != 0x1122334455667788 {
		t.Fatalf("Read64: 0x%x err=%v", v, err)
	}
	w, err := m.Read32(0x100104)
	if err != nil || w != 0x11223344 {
		t.Fatalf("Read32 high half: 0x%x err=%v", w, err)
	}

	// below-base and past-end accesses fail
	if _, err := m.Read64(0xFFFF8); err == nil {
		t.Fatal("read below base succeeded")
	}
	if _, err := m.Read64(0x100000 + 1<<20 - 4); err == nil {
		t.Fatal("read across end succeeded")
	}
}

func TestMemUnalignedSizeRejected(t *testing.T) {
	if _, err := NewMem(0, 4097); err == nil {
		t.Fatal("unaligned size accepted")
	}
}

func TestPageAllocator(t *testing.T) {
	m, err := NewMem(0, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	p1, err := m.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	p2, err := m.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if p1 == p2 || p1&PageMask != 0 || p2&PageMask != 0 {
		t.Fatalf("pages: 0x%x 0x%x", p1, p2)
	}

	m.Write64(p1, 0xFFFF)
	m.FreePage(p1)
	p3, err := m.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	if p3 != p1 {
		t.Fatalf("free list not reused: 0x%x", p3)
	}
	// reallocated pages come back zeroed
	if v, _ := m.Read64(p3); v != 0 {
		t.Fatalf("reused page dirty: 0x%x", v)
	}
}

func TestPoolExhaustion(t *testing.T) {
	m, err := NewMem(0, 4*PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	for i := 0; i < 4; i++ {
		if _, err := m.AllocPage(); err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
	}
	if _, err := m.AllocPage(); err == nil {
		t.Fatal("exhausted pool handed out a page")
	}
}

func TestVectorAllocator(t *testing.T) {
	v := NewVectors()
	n1 := v.Alloc(func(data any, num int) int { return num + 1 }, nil)
	if n1 < 0x20 {
		t.Fatalf("vector: %d", n1)
	}
	if got := v.Call(n1); got != n1+1 {
		t.Fatalf("Call: %d", got)
	}
	v.Free(n1)
	if got := v.Call(n1); got != n1 {
		t.Fatalf("freed vector transformed: %d", got)
	}
}

func TestIPIAcknowledged(t *testing.T) {
	ipi := NewIPI()
	ran := false
	ipi.Register(2, func() { ran = true })
	if err := ipi.Send(2); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !ran {
		t.Fatal("handler did not run before Send returned")
	}
	if err := ipi.Send(5); err == nil {
		t.Fatal("Send to unregistered CPU succeeded")
	}
}
