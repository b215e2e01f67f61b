// Package hw is the seam between the monitor core and the machine. It
// owns host physical memory, the external-interrupt vector allocator,
// and the inter-processor signal fabric. Everything above this package
// is portable control-plane logic; everything below it is replaceable,
// which is how the test suite drives the monitor with a scripted CPU
// model instead of hardware VM entries.
package hw

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	// PageSize is the architectural page size.
	PageSize = 4096
	// PageMask masks the offset bits within a page.
	PageMask = PageSize - 1
)

// Mem is a flat host physical address space backed by anonymous mapped
// pages. Addresses are offsets from Base. It satisfies io.ReaderAt and
// io.WriterAt so page walkers and device code address it the same way
// guest memory is addressed.
type Mem struct {
	base uint64
	data []byte

	mu    sync.Mutex
	nextP uint64
	freed []uint64
}

var (
	_ io.ReaderAt = (*Mem)(nil)
	_ io.WriterAt = (*Mem)(nil)
)

// NewMem maps size bytes of host physical memory starting at base.
// size must be page aligned.
func NewMem(base, size uint64) (*Mem, error) {
	if size == 0 || size&PageMask != 0 {
		return nil, fmt.Errorf("hw: memory size 0x%x not page aligned", size)
	}
	data, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("hw: map host memory: %w", err)
	}
	return &Mem{base: base, data: data}, nil
}

// Close unmaps the memory.
func (m *Mem) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	if err != nil {
		return fmt.Errorf("hw: unmap host memory: %w", err)
	}
	return nil
}

// Base returns the first host physical address of the region.
func (m *Mem) Base() uint64 { return m.base }

// Size returns the size of the region in bytes.
func (m *Mem) Size() uint64 { return uint64(len(m.data)) }

func (m *Mem) offset(phys uint64, n int) (uint64, error) {
	if phys < m.base {
		return 0, fmt.Errorf("hw: address 0x%x below memory base 0x%x", phys, m.base)
	}
	off := phys - m.base
	if off+uint64(n) > uint64(len(m.data)) {
		return 0, fmt.Errorf("hw: access 0x%x+%d beyond memory end", phys, n)
	}
	return off, nil
}

// ReadAt implements io.ReaderAt over host physical addresses.
func (m *Mem) ReadAt(p []byte, off int64) (int, error) {
	o, err := m.offset(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, m.data[o:]), nil
}

// WriteAt implements io.WriterAt over host physical addresses.
func (m *Mem) WriteAt(p []byte, off int64) (int, error) {
	o, err := m.offset(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(m.data[o:], p), nil
}

// Read64 reads a little-endian quadword at phys.
func (m *Mem) Read64(phys uint64) (uint64, error) {
	o, err := m.offset(phys, 8)
	if err != nil {
		return 0, err
	}
	b := m.data[o : o+8]
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56, nil
}

// Write64 writes a little-endian quadword at phys.
func (m *Mem) Write64(phys, v uint64) error {
	o, err := m.offset(phys, 8)
	if err != nil {
		return err
	}
	b := m.data[o : o+8]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
	return nil
}

// Read32 reads a little-endian doubleword at phys.
func (m *Mem) Read32(phys uint64) (uint32, error) {
	o, err := m.offset(phys, 4)
	if err != nil {
		return 0, err
	}
	b := m.data[o : o+4]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// Write32 writes a little-endian doubleword at phys.
func (m *Mem) Write32(phys uint64, v uint32) error {
	o, err := m.offset(phys, 4)
	if err != nil {
		return err
	}
	b := m.data[o : o+4]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	return nil
}

// AllocPage hands out one zeroed host page and returns its physical
// address. Pages come from a bump pointer with a free list in front of
// it.
func (m *Mem) AllocPage() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.freed); n > 0 {
		phys := m.freed[n-1]
		m.freed = m.freed[:n-1]
		m.zero(phys)
		return phys, nil
	}
	if m.nextP+PageSize > uint64(len(m.data)) {
		return 0, fmt.Errorf("hw: host page pool exhausted")
	}
	phys := m.base + m.nextP
	m.nextP += PageSize
	m.zero(phys)
	return phys, nil
}

// FreePage returns a page to the allocator.
func (m *Mem) FreePage(phys uint64) {
	m.mu.Lock()
	m.freed = append(m.freed, phys)
	m.mu.Unlock()
}

func (m *Mem) zero(phys uint64) {
	off := phys - m.base
	clear(m.data[off : off+PageSize])
}

// Page returns the backing bytes of the page containing phys. The slice
// aliases the mapping; callers own their synchronization.
func (m *Mem) Page(phys uint64) ([]byte, error) {
	o, err := m.offset(phys&^uint64(PageMask), PageSize)
	if err != nil {
		return nil, err
	}
	return m.data[o : o+PageSize], nil
}
