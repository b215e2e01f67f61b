package vt

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/interp"
	"github.com/tinyrange/vmm/internal/vcpu"
)

// doIO handles an IO-instruction exit. String forms go through the
// interpreter; plain IN/OUT move through the per-vCPU routing table.
func (b *VT) doIO() {
	q := b.vmcs.ExitQualification
	if q&QualIOString != 0 {
		if err := interp.Step(b.v); err != nil {
			panic(fmt.Sprintf("vt: string IO emulation: %v", err))
		}
		b.v.UpdateIP = false
		return
	}
	port := uint32(q >> QualIOPortShift & 0xFFFF)
	size := int(q&QualIOSizeMask) + 1
	in := q&QualIOIn != 0

	buf := make([]byte, size)
	access := vcpu.IOOut
	if in {
		access = vcpu.IOIn
	} else {
		val := b.regs.RAX
		for i := 0; i < size; i++ {
			buf[i] = byte(val >> (i * 8))
		}
	}
	if b.v.IO.Handle(access, port, buf) == vcpu.IOActRerun {
		b.v.UpdateIP = false
		return
	}
	if in {
		var val uint64
		for i := 0; i < size; i++ {
			val |= uint64(buf[i]) << (i * 8)
		}
		switch size {
		case 1:
			b.regs.RAX = b.regs.RAX&^uint64(0xFF) | val
		case 2:
			b.regs.RAX = b.regs.RAX&^uint64(0xFFFF) | val
		default:
			// 32-bit results zero-extend
			b.regs.RAX = val
		}
	}
	b.addIP()
}

// IOPass flips the intercept bit for one port. pass=true lets the
// guest access the port without an exit.
func (b *VT) IOPass(port uint32, pass bool) {
	port &= 0xFFFF
	bm := b.ioBitmapA[:]
	idx := port
	if port >= 0x8000 {
		bm = b.ioBitmapB[:]
		idx = port - 0x8000
	}
	if pass {
		bm[idx>>3] &^= 1 << (idx & 7)
	} else {
		bm[idx>>3] |= 1 << (idx & 7)
	}
}

// IOIntercepted reports whether an access to port exits. The Runner
// consults it, playing the hardware's use of the IO bitmaps.
func (b *VT) IOIntercepted(port uint32) bool {
	port &= 0xFFFF
	bm := b.ioBitmapA[:]
	idx := port
	if port >= 0x8000 {
		bm = b.ioBitmapB[:]
		idx = port - 0x8000
	}
	return bm[idx>>3]&(1<<(idx&7)) != 0
}
