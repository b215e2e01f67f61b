package vt

import (
	"github.com/tinyrange/vmm/internal/cache"
	"github.com/tinyrange/vmm/internal/vcpu"
)

// ReadMSR serves a guest RDMSR. A true result faults with #GP.
func (b *VT) ReadMSR(index uint32) (uint64, bool) {
	const eferMask = uint64(vcpu.EFERLME | vcpu.EFERLMA)
	switch {
	case index == vcpu.MSRIA32SysenterCS:
		return b.vmcs.SysenterCS, false
	case index == vcpu.MSRIA32SysenterESP:
		return b.vmcs.SysenterESP, false
	case index == vcpu.MSRIA32SysenterEIP:
		return b.vmcs.SysenterEIP, false
	case index == vcpu.MSRIA32EFER:
		data := b.vmcs.GuestEFER &^ eferMask
		if b.lme {
			data |= vcpu.EFERLME
		}
		if b.lma {
			data |= vcpu.EFERLMA
		}
		return data, false
	case index == vcpu.MSRIA32FSBase:
		return b.vmcs.FSBase, false
	case index == vcpu.MSRIA32GSBase:
		return b.vmcs.GSBase, false
	case index == vcpu.MSRIA32APICBase:
		return b.v.LAPIC.APICBaseMSR, false
	case index == vcpu.MSRIA32TSC:
		return b.v.TSCOffset, false
	case isMtrrMSR(index):
		data, ok := b.v.Cache.GetGmtrr(index)
		return data, !ok
	case index == cache.MSRIA32MTRRCap:
		return b.v.Cache.GetGmtrrcap(), false
	case index == cache.MSRIA32PAT:
		return b.v.Cache.GetGpat(), false
	case index == cache.MSRAMDSyscfg || index == cache.MSRAMDTopMem2:
		data, ok := b.v.Cache.GetGmsrAMD(index)
		return data, !ok
	default:
		return b.v.Msr.ReadMSR(index)
	}
}

// WriteMSR serves a guest WRMSR. A true result faults with #GP.
func (b *VT) WriteMSR(index uint32, data uint64) bool {
	const eferMask = uint64(vcpu.EFERLME | vcpu.EFERLMA)
	switch {
	case index == vcpu.MSRIA32SysenterCS:
		b.vmcs.SysenterCS = data
	case index == vcpu.MSRIA32SysenterESP:
		b.vmcs.SysenterESP = data
	case index == vcpu.MSRIA32SysenterEIP:
		b.vmcs.SysenterEIP = data
	case index == vcpu.MSRIA32EFER:
		b.lme = data&vcpu.EFERLME != 0
		b.vmcs.GuestEFER = b.vmcs.GuestEFER&eferMask | data&^eferMask
		b.updateLMA()
		b.pagingUpdateCR3()
	case index == vcpu.MSRIA32FSBase:
		b.vmcs.FSBase = data
	case index == vcpu.MSRIA32GSBase:
		b.vmcs.GSBase = data
	case index == vcpu.MSRIA32APICBase:
		b.v.LAPIC.APICBaseMSR = data
	case isMtrrMSR(index):
		ok := b.v.Cache.SetGmtrr(index, data)
		b.pagingClearAll()
		return !ok
	case index == cache.MSRIA32PAT:
		ok := b.v.Cache.SetGpat(data)
		if ok {
			if b.npEnabled {
				// EPT carries the guest PAT directly
				b.vmcs.GuestPAT = data
			} else {
				b.pagingClearAll()
			}
		}
		return !ok
	case index == cache.MSRAMDSyscfg || index == cache.MSRAMDTopMem2:
		return !b.v.Cache.SetGmsrAMD(index, data)
	default:
		return b.v.Msr.WriteMSR(index, data)
	}
	return false
}

func isMtrrMSR(index uint32) bool {
	switch {
	case index == cache.MSRIA32MTRRDefType:
		return true
	case index >= cache.MSRIA32MTRRPhysBase0 &&
		index < cache.MSRIA32MTRRPhysBase0+2*cache.VCntMax:
		return true
	case index == cache.MSRIA32MTRRFix64K00000,
		index == cache.MSRIA32MTRRFix16K80000,
		index == cache.MSRIA32MTRRFix16KA0000:
		return true
	case index >= cache.MSRIA32MTRRFix4KC0000 && index <= cache.MSRIA32MTRRFix4KF8000:
		return true
	}
	return false
}

// msrAlwaysIntercepted lists MSRs whose shadow must stay authoritative
// regardless of the pass-through policy the caller asked for.
func msrAlwaysIntercepted(index uint32, wr bool) bool {
	switch {
	case index == vcpu.MSRIA32EFER,
		index == cache.MSRIA32PAT,
		index == cache.MSRAMDSyscfg,
		index == cache.MSRAMDTopMem2,
		isMtrrMSR(index):
		return true
	case index == cache.MSRIA32MTRRCap:
		return !wr
	}
	return false
}

// MSRPass flips the intercept bit for one MSR access direction.
func (b *VT) MSRPass(index uint32, wr, pass bool) {
	if msrAlwaysIntercepted(index, wr) {
		pass = false
	}
	var off uint32
	var bit uint32
	switch {
	case index <= 0x1FFF:
		off, bit = 0, index
	case index >= 0xC0000000 && index <= 0xC0001FFF:
		off, bit = 0x400, index-0xC0000000
	default:
		return
	}
	if wr {
		off += 0x800
	}
	p := &b.msrBitmap[off+bit>>3]
	if pass {
		*p &^= 1 << (bit & 7)
	} else {
		*p |= 1 << (bit & 7)
	}
}

// MSRIntercepted reports whether the access exits; the Runner plays
// the hardware's bitmap lookup.
func (b *VT) MSRIntercepted(index uint32, wr bool) bool {
	var off uint32
	var bit uint32
	switch {
	case index <= 0x1FFF:
		off, bit = 0, index
	case index >= 0xC0000000 && index <= 0xC0001FFF:
		off, bit = 0x400, index-0xC0000000
	default:
		return true
	}
	if wr {
		off += 0x800
	}
	return b.msrBitmap[off+bit>>3]&(1<<(bit&7)) != 0
}
