package svm

import (
	"github.com/tinyrange/vmm/internal/cache"
	"github.com/tinyrange/vmm/internal/vcpu"
)

// ReadMSR serves a guest RDMSR. A true result faults with #GP.
func (b *SVM) ReadMSR(index uint32) (uint64, bool) {
	const mask = uint64(vcpu.EFERLME | vcpu.EFERLMA | vcpu.EFERSVME)
	switch {
	case index == vcpu.MSRIA32SysenterCS:
		return b.vmcb.SysenterCS, false
	case index == vcpu.MSRIA32SysenterESP:
		return b.vmcb.SysenterESP, false
	case index == vcpu.MSRIA32SysenterEIP:
		return b.vmcb.SysenterEIP, false
	case index == vcpu.MSRIA32EFER:
		data := b.vmcb.EFER &^ mask
		if b.lme {
			data |= vcpu.EFERLME
		}
		if b.lma {
			data |= vcpu.EFERLMA
		}
		if b.svme {
			data |= vcpu.EFERSVME
		}
		return data, false
	case index == vcpu.MSRIA32Star:
		return b.vmcb.Star, false
	case index == vcpu.MSRIA32LStar:
		return b.vmcb.LStar, false
	case index == vcpu.MSRAMDCStar:
		return b.vmcb.CStar, false
	case index == vcpu.MSRIA32FMask:
		return b.vmcb.SFMask, false
	case index == vcpu.MSRIA32FSBase:
		return b.vmcb.FSBase, false
	case index == vcpu.MSRIA32GSBase:
		return b.vmcb.GSBase, false
	case index == vcpu.MSRIA32KernelGSBase:
		return b.vmcb.KernelGSBase, false
	case index == vcpu.MSRIA32APICBase:
		return b.v.LAPIC.APICBaseMSR, false
	case isMtrrMSR(index):
		data, ok := b.v.Cache.GetGmtrr(index)
		return data, !ok
	case index == cache.MSRIA32MTRRCap:
		return b.v.Cache.GetGmtrrcap(), false
	case index == cache.MSRIA32PAT:
		return b.pagingGetGPAT(), false
	case index == cache.MSRAMDSyscfg || index == cache.MSRAMDTopMem2:
		data, ok := b.v.Cache.GetGmsrAMD(index)
		return data, !ok
	case index == vcpu.MSRAMDVMCR:
		return b.vmcr, false
	case index == vcpu.MSRAMDVMHSavePA:
		return b.hsavePA, false
	default:
		return b.v.Msr.ReadMSR(index)
	}
}

// WriteMSR serves a guest WRMSR. A true result faults with #GP.
func (b *SVM) WriteMSR(index uint32, data uint64) bool {
	const mask = uint64(vcpu.EFERLME | vcpu.EFERLMA | vcpu.EFERSVME)
	switch {
	case index == vcpu.MSRIA32SysenterCS:
		b.vmcb.SysenterCS = data
	case index == vcpu.MSRIA32SysenterESP:
		b.vmcb.SysenterESP = data
	case index == vcpu.MSRIA32SysenterEIP:
		b.vmcb.SysenterEIP = data
	case index == vcpu.MSRIA32EFER:
		if b.vmcr&vcpu.VMCRSVMDis != 0 && data&vcpu.EFERSVME != 0 {
			return true
		}
		b.lme = data&vcpu.EFERLME != 0
		b.svme = data&vcpu.EFERSVME != 0
		b.vmcb.EFER = b.vmcb.EFER&mask | data&^mask
		b.updateLMA()
		b.pagingUpdateCR3()
	case index == vcpu.MSRIA32Star:
		b.vmcb.Star = data
	case index == vcpu.MSRIA32LStar:
		b.vmcb.LStar = data
	case index == vcpu.MSRAMDCStar:
		b.vmcb.CStar = data
	case index == vcpu.MSRIA32FMask:
		b.vmcb.SFMask = data
	case index == vcpu.MSRIA32FSBase:
		b.vmcb.FSBase = data
	case index == vcpu.MSRIA32GSBase:
		b.vmcb.GSBase = data
	case index == vcpu.MSRIA32KernelGSBase:
		b.vmcb.KernelGSBase = data
	case index == vcpu.MSRIA32APICBase:
		b.v.LAPIC.APICBaseMSR = data
	case index == vcpu.MSRAMDVMCR:
		const keep = uint64(vcpu.VMCRLock | vcpu.VMCRSVMDis)
		b.vmcr = b.vmcr&keep | data&^keep
	case index == vcpu.MSRAMDVMHSavePA:
		b.hsavePA = data
	case isMtrrMSR(index):
		ok := b.v.Cache.SetGmtrr(index, data)
		b.pagingClearAll()
		b.flushGuestTLB()
		return !ok
	case index == cache.MSRIA32PAT:
		ok := b.pagingSetGPAT(data)
		b.flushGuestTLB()
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

func setMsrBmp(p []byte, bit2offset uint32, wr bool, intercept bool) {
	bitoffset := bit2offset << 1
	if wr {
		bitoffset++
	}
	if intercept {
		p[bitoffset>>3] |= 1 << (bitoffset & 7)
	} else {
		p[bitoffset>>3] &^= 1 << (bitoffset & 7)
	}
}

func getMsrBmp(p []byte, bit2offset uint32, wr bool) bool {
	bitoffset := bit2offset << 1
	if wr {
		bitoffset++
	}
	return p[bitoffset>>3]&(1<<(bitoffset&7)) != 0
}

// MSRPass flips the MSR permission bit for one access direction,
// subject to the policy: MSRs whose shadow must stay authoritative are
// never passed through.
func (b *SVM) MSRPass(index uint32, wr, pass bool) {
	switch {
	case index == vcpu.MSRIA32SysenterCS,
		index == vcpu.MSRIA32SysenterESP,
		index == vcpu.MSRIA32SysenterEIP,
		index == vcpu.MSRIA32Star,
		index == vcpu.MSRIA32LStar,
		index == vcpu.MSRAMDCStar,
		index == vcpu.MSRIA32FMask,
		index == vcpu.MSRIA32FSBase,
		index == vcpu.MSRIA32GSBase,
		index == vcpu.MSRIA32KernelGSBase:
		// pass-through capable
	case index == cache.MSRAMDSyscfg,
		index == cache.MSRAMDTopMem2,
		index == vcpu.MSRIA32EFER,
		index == cache.MSRIA32PAT,
		isMtrrMSR(index):
		pass = false
	case index == cache.MSRIA32MTRRCap:
		if !wr {
			pass = false
		}
	case index == vcpu.MSRAMDVMCR, index == vcpu.MSRAMDVMHSavePA:
		pass = false
	case index == vcpu.MSRAMDPatchLoader:
		if wr {
			pass = true
		}
	}
	p := b.msrBitmap[:]
	switch {
	case index <= 0x1FFF:
		setMsrBmp(p, index, wr, !pass)
	case index >= 0xC0000000 && index <= 0xC0001FFF:
		setMsrBmp(p[0x800:], index-0xC0000000, wr, !pass)
	case index >= 0xC0010000 && index <= 0xC0011FFF:
		setMsrBmp(p[0x1000:], index-0xC0010000, wr, !pass)
	}
}

// MSRIntercepted reports whether the access exits; the Runner plays
// the hardware's permission-map lookup.
func (b *SVM) MSRIntercepted(index uint32, wr bool) bool {
	p := b.msrBitmap[:]
	switch {
	case index <= 0x1FFF:
		return getMsrBmp(p, index, wr)
	case index >= 0xC0000000 && index <= 0xC0001FFF:
		return getMsrBmp(p[0x800:], index-0xC0000000, wr)
	case index >= 0xC0010000 && index <= 0xC0011FFF:
		return getMsrBmp(p[0x1000:], index-0xC0010000, wr)
	}
	return true
}

// IOPass flips the intercept bit for one port.
func (b *SVM) IOPass(port uint32, pass bool) {
	port &= 0xFFFF
	if pass {
		b.ioBitmap[port>>3] &^= 1 << (port & 7)
	} else {
		b.ioBitmap[port>>3] |= 1 << (port & 7)
	}
}

// IOIntercepted reports whether an access to port exits.
func (b *SVM) IOIntercepted(port uint32) bool {
	port &= 0xFFFF
	return b.ioBitmap[port>>3]&(1<<(port&7)) != 0
}
