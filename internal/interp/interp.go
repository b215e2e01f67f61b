// Package interp is the bounded software interpreter the dispatcher
// falls back to where hardware execution is impossible or unavailable:
// the real/protected mode-switch window and MMIO accesses. It decodes
// with the x86 disassembler and emulates the small instruction
// vocabulary those windows actually contain; anything else returns
// ErrUnsupportedOpcode so the caller can single-step the hardware
// instead. String IO instructions (INS/OUTS) are not decoded and also
// return ErrUnsupportedOpcode.
package interp

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/tinyrange/vmm/internal/mmu"
	"github.com/tinyrange/vmm/internal/vcpu"
)

var (
	// ErrUnsupportedOpcode asks the caller to execute the instruction
	// on hardware.
	ErrUnsupportedOpcode = errors.New("interp: unsupported opcode")
	// ErrSW asks the caller to run the instruction as it is; state the
	// interpreter changed (segment loads) is already committed.
	ErrSW = errors.New("interp: run on hardware")
)

// maxInstLen is the architectural instruction length limit.
const maxInstLen = 15

// FullSegWriter is implemented by backends that can take a complete
// descriptor load (protected-mode segment writes inside the emulation
// window).
type FullSegWriter interface {
	WriteSegFull(s vcpu.Sreg, sel uint16, base, limit, acr uint64)
}

type cpuState struct {
	v    *vcpu.Vcpu
	pe   bool
	pg   bool
	mode int // decode mode: 16, 32 or 64
}

func newState(v *vcpu.Vcpu) *cpuState {
	cr0 := v.Vmctl.ReadControlReg(vcpu.CR0)
	s := &cpuState{
		v:  v,
		pe: cr0&vcpu.CR0PE != 0,
		pg: cr0&vcpu.CR0PG != 0,
	}
	switch {
	case !s.pe:
		s.mode = 16
	case v.Vmctl.ReadSregACR(vcpu.SregCS)&(1<<13) != 0: // L bit
		s.mode = 64
	case v.Vmctl.ReadSregACR(vcpu.SregCS)&(1<<14) != 0: // D bit
		s.mode = 32
	default:
		s.mode = 16
	}
	return s
}

// linearToPhys translates a guest linear address for a data access.
func (s *cpuState) linearToPhys(linear uint64, write bool) (uint64, error) {
	if !s.pg {
		return linear, nil
	}
	gw, err := mmu.GuestWalk(s.v, linear, mmu.Access{Write: write})
	if err != nil {
		return 0, err
	}
	return gw.GPhys, nil
}

func (s *cpuState) readMem(linear uint64, size int) (uint64, error) {
	buf := make([]byte, size)
	gphys, err := s.linearToPhys(linear, false)
	if err != nil {
		return 0, err
	}
	if h := s.v.Vcpu0.MMIO.Find(gphys); h != nil {
		if !h(false, gphys, buf) {
			return 0, fmt.Errorf("interp: MMIO read at 0x%x unhandled", gphys)
		}
	} else if !s.v.ReadGuestPhys(gphys, buf) {
		return 0, fmt.Errorf("interp: read of unmapped guest physical 0x%x", gphys)
	}
	var val uint64
	for i := 0; i < size; i++ {
		val |= uint64(buf[i]) << (i * 8)
	}
	return val, nil
}

func (s *cpuState) writeMem(linear uint64, size int, val uint64) error {
	buf := make([]byte, size)
	for i := 0; i < size; i++ {
		buf[i] = byte(val >> (i * 8))
	}
	gphys, err := s.linearToPhys(linear, true)
	if err != nil {
		return err
	}
	if h := s.v.Vcpu0.MMIO.Find(gphys); h != nil {
		if !h(true, gphys, buf) {
			return fmt.Errorf("interp: MMIO write at 0x%x unhandled", gphys)
		}
		return nil
	}
	if !s.v.WriteGuestPhys(gphys, buf) {
		return fmt.Errorf("interp: write of unmapped guest physical 0x%x", gphys)
	}
	return nil
}

// InstByteProvider is implemented by backends whose hardware already
// fetched the instruction bytes (SVM decode assist). The buffer is
// consumed at most once.
type InstByteProvider interface {
	FetchedInstBytes() []byte
}

// fetch reads the instruction bytes at CS:IP, preferring bytes the
// hardware already fetched.
func (s *cpuState) fetch() ([]byte, uint64, error) {
	ip := s.v.Vmctl.ReadIP()
	if p, ok := s.v.Vmctl.(InstByteProvider); ok {
		if code := p.FetchedInstBytes(); len(code) > 0 {
			return code, ip, nil
		}
	}
	base := s.v.Vmctl.ReadSregBase(vcpu.SregCS)
	linear := base + ip
	buf := make([]byte, maxInstLen)
	for i := range buf {
		b, err := s.readMemPlain(linear+uint64(i), 1)
		if err != nil {
			if i == 0 {
				return nil, 0, err
			}
			buf = buf[:i]
			break
		}
		buf[i] = byte(b)
	}
	return buf, ip, nil
}

// readMemPlain bypasses MMIO dispatch for instruction fetch.
func (s *cpuState) readMemPlain(linear uint64, size int) (uint64, error) {
	gphys, err := s.linearToPhys(linear, false)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, size)
	if !s.v.ReadGuestPhys(gphys, buf) {
		return 0, fmt.Errorf("interp: fetch of unmapped guest physical 0x%x", gphys)
	}
	var val uint64
	for i := 0; i < size; i++ {
		val |= uint64(buf[i]) << (i * 8)
	}
	return val, nil
}

var regTable = map[x86asm.Reg]struct {
	reg  vcpu.GeneralReg
	size int
	high bool
}{
	x86asm.AL: {vcpu.RegRAX, 1, false}, x86asm.AH: {vcpu.RegRAX, 1, true},
	x86asm.BL: {vcpu.RegRBX, 1, false}, x86asm.BH: {vcpu.RegRBX, 1, true},
	x86asm.CL: {vcpu.RegRCX, 1, false}, x86asm.CH: {vcpu.RegRCX, 1, true},
	x86asm.DL: {vcpu.RegRDX, 1, false}, x86asm.DH: {vcpu.RegRDX, 1, true},
	x86asm.AX: {vcpu.RegRAX, 2, false}, x86asm.EAX: {vcpu.RegRAX, 4, false}, x86asm.RAX: {vcpu.RegRAX, 8, false},
	x86asm.BX: {vcpu.RegRBX, 2, false}, x86asm.EBX: {vcpu.RegRBX, 4, false}, x86asm.RBX: {vcpu.RegRBX, 8, false},
	x86asm.CX: {vcpu.RegRCX, 2, false}, x86asm.ECX: {vcpu.RegRCX, 4, false}, x86asm.RCX: {vcpu.RegRCX, 8, false},
	x86asm.DX: {vcpu.RegRDX, 2, false}, x86asm.EDX: {vcpu.RegRDX, 4, false}, x86asm.RDX: {vcpu.RegRDX, 8, false},
	x86asm.SP: {vcpu.RegRSP, 2, false}, x86asm.ESP: {vcpu.RegRSP, 4, false}, x86asm.RSP: {vcpu.RegRSP, 8, false},
	x86asm.BP: {vcpu.RegRBP, 2, false}, x86asm.EBP: {vcpu.RegRBP, 4, false}, x86asm.RBP: {vcpu.RegRBP, 8, false},
	x86asm.SI: {vcpu.RegRSI, 2, false}, x86asm.ESI: {vcpu.RegRSI, 4, false}, x86asm.RSI: {vcpu.RegRSI, 8, false},
	x86asm.DI: {vcpu.RegRDI, 2, false}, x86asm.EDI: {vcpu.RegRDI, 4, false}, x86asm.RDI: {vcpu.RegRDI, 8, false},
}

var sregTable = map[x86asm.Reg]vcpu.Sreg{
	x86asm.ES: vcpu.SregES,
	x86asm.CS: vcpu.SregCS,
	x86asm.SS: vcpu.SregSS,
	x86asm.DS: vcpu.SregDS,
	x86asm.FS: vcpu.SregFS,
	x86asm.GS: vcpu.SregGS,
}

var crTable = map[x86asm.Reg]vcpu.ControlReg{
	x86asm.CR0: vcpu.CR0,
	x86asm.CR2: vcpu.CR2,
	x86asm.CR3: vcpu.CR3,
	x86asm.CR4: vcpu.CR4,
	x86asm.CR8: vcpu.CR8,
}

func (s *cpuState) readReg(r x86asm.Reg) (uint64, int, error) {
	if info, ok := regTable[r]; ok {
		val := s.v.Vmctl.ReadGeneralReg(info.reg)
		if info.high {
			return val >> 8 & 0xFF, 1, nil
		}
		switch info.size {
		case 1:
			return val & 0xFF, 1, nil
		case 2:
			return val & 0xFFFF, 2, nil
		case 4:
			return val & 0xFFFFFFFF, 4, nil
		}
		return val, 8, nil
	}
	if sr, ok := sregTable[r]; ok {
		return uint64(s.v.Vmctl.ReadSregSel(sr)), 2, nil
	}
	if cr, ok := crTable[r]; ok {
		return s.v.Vmctl.ReadControlReg(cr), 8, nil
	}
	return 0, 0, ErrUnsupportedOpcode
}

func (s *cpuState) writeReg(r x86asm.Reg, val uint64) error {
	if info, ok := regTable[r]; ok {
		old := s.v.Vmctl.ReadGeneralReg(info.reg)
		var merged uint64
		if info.high {
			merged = old&^uint64(0xFF00) | (val&0xFF)<<8
		} else {
			switch info.size {
			case 1:
				merged = old&^uint64(0xFF) | val&0xFF
			case 2:
				merged = old&^uint64(0xFFFF) | val&0xFFFF
			case 4:
				merged = val & 0xFFFFFFFF
			default:
				merged = val
			}
		}
		s.v.Vmctl.WriteGeneralReg(info.reg, merged)
		return nil
	}
	if sr, ok := sregTable[r]; ok {
		return s.writeSreg(sr, uint16(val))
	}
	if cr, ok := crTable[r]; ok {
		s.v.Vmctl.WriteControlReg(cr, val)
		return nil
	}
	return ErrUnsupportedOpcode
}

// writeSreg performs a segment load: real-mode style below PE, a
// descriptor-table load above it.
func (s *cpuState) writeSreg(sr vcpu.Sreg, sel uint16) error {
	if !s.pe {
		s.v.Vmctl.WriteRealmodeSeg(sr, sel)
		return nil
	}
	base, limit, acr, err := s.loadDescriptor(sel)
	if err != nil {
		return err
	}
	if w, ok := s.v.Vmctl.(FullSegWriter); ok {
		w.WriteSegFull(sr, sel, base, limit, acr)
		return nil
	}
	return ErrUnsupportedOpcode
}

// loadDescriptor reads a code/data descriptor from the GDT.
func (s *cpuState) loadDescriptor(sel uint16) (base, limit, acr uint64, err error) {
	if sel&4 != 0 {
		return 0, 0, 0, fmt.Errorf("interp: LDT selectors not supported")
	}
	gdtBase, gdtLimit := s.v.Vmctl.ReadGDTR()
	off := uint64(sel &^ 7)
	if off+7 > gdtLimit {
		return 0, 0, 0, fmt.Errorf("interp: selector 0x%x beyond GDT limit", sel)
	}
	lo, err := s.readMemPlain(gdtBase+off, 4)
	if err != nil {
		return 0, 0, 0, err
	}
	hi, err := s.readMemPlain(gdtBase+off+4, 4)
	if err != nil {
		return 0, 0, 0, err
	}
	base = lo>>16 | (hi&0xFF)<<16 | (hi & 0xFF000000)
	limit = lo&0xFFFF | hi&0xF0000
	if hi&(1<<23) != 0 { // granularity
		limit = limit<<12 | 0xFFF
	}
	acr = hi >> 8 & 0xF0FF
	return base, limit, acr, nil
}

// memAddr computes the linear address of a memory operand.
func (s *cpuState) memAddr(m x86asm.Mem) (uint64, error) {
	var addr uint64
	if m.Base != 0 {
		v, _, err := s.readReg(m.Base)
		if err != nil {
			return 0, err
		}
		addr += v
	}
	if m.Index != 0 {
		v, _, err := s.readReg(m.Index)
		if err != nil {
			return 0, err
		}
		addr += v * uint64(m.Scale)
	}
	addr += uint64(m.Disp)
	seg := vcpu.SregDS
	if sr, ok := sregTable[m.Segment]; ok {
		seg = sr
	}
	return s.v.Vmctl.ReadSregBase(seg) + addr, nil
}

func (s *cpuState) opSize(inst *x86asm.Inst) int {
	if inst.DataSize != 0 {
		return inst.DataSize / 8
	}
	return s.mode / 8
}

// Step decodes and emulates one guest instruction at CS:IP.
func Step(v *vcpu.Vcpu) error {
	s := newState(v)
	code, ip, err := s.fetch()
	if err != nil {
		return err
	}
	inst, err := x86asm.Decode(code, s.mode)
	if err != nil {
		return ErrUnsupportedOpcode
	}
	next := ip + uint64(inst.Len)
	if !s.pe {
		next &= 0xFFFF
	}

	switch inst.Op {
	case x86asm.MOV:
		if err := s.emulMov(&inst); err != nil {
			return err
		}
	case x86asm.XOR, x86asm.OR, x86asm.AND:
		if err := s.emulALU(&inst); err != nil {
			return err
		}
	case x86asm.NOP:
	case x86asm.CLI:
		v.Vmctl.WriteFlags(v.Vmctl.ReadFlags() &^ uint64(vcpu.RFlagsIF))
	case x86asm.STI:
		v.Vmctl.WriteFlags(v.Vmctl.ReadFlags() | vcpu.RFlagsIF)
	case x86asm.HLT:
		v.Halt = true
	case x86asm.LJMP:
		return s.emulLjmp(&inst)
	case x86asm.JMP:
		rel, ok := inst.Args[0].(x86asm.Rel)
		if !ok {
			return ErrUnsupportedOpcode
		}
		next = uint64(int64(next) + int64(rel))
		if !s.pe {
			next &= 0xFFFF
		}
	case x86asm.LGDT, x86asm.LIDT:
		if err := s.emulLdt(&inst); err != nil {
			return err
		}
	case x86asm.OUT, x86asm.IN:
		if err := s.emulIO(&inst); err != nil {
			return err
		}
	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.STOSB, x86asm.STOSW, x86asm.STOSD:
		if err := s.emulString(&inst); err != nil {
			return err
		}
	default:
		return ErrUnsupportedOpcode
	}
	v.Vmctl.WriteIP(next)
	return nil
}

func (s *cpuState) emulMov(inst *x86asm.Inst) error {
	dst, src := inst.Args[0], inst.Args[1]
	var val uint64
	size := s.opSize(inst)
	switch a := src.(type) {
	case x86asm.Reg:
		v, sz, err := s.readReg(a)
		if err != nil {
			return err
		}
		val, size = v, sz
	case x86asm.Imm:
		val = uint64(a)
	case x86asm.Mem:
		addr, err := s.memAddr(a)
		if err != nil {
			return err
		}
		v, err := s.readMem(addr, size)
		if err != nil {
			return err
		}
		val = v
	default:
		return ErrUnsupportedOpcode
	}
	switch a := dst.(type) {
	case x86asm.Reg:
		return s.writeReg(a, val)
	case x86asm.Mem:
		addr, err := s.memAddr(a)
		if err != nil {
			return err
		}
		return s.writeMem(addr, size, val)
	}
	return ErrUnsupportedOpcode
}

func (s *cpuState) emulALU(inst *x86asm.Inst) error {
	dst, src := inst.Args[0], inst.Args[1]
	dreg, ok := dst.(x86asm.Reg)
	if !ok {
		return ErrUnsupportedOpcode
	}
	dval, _, err := s.readReg(dreg)
	if err != nil {
		return err
	}
	var sval uint64
	switch a := src.(type) {
	case x86asm.Reg:
		v, _, err := s.readReg(a)
		if err != nil {
			return err
		}
		sval = v
	case x86asm.Imm:
		sval = uint64(a)
	default:
		return ErrUnsupportedOpcode
	}
	switch inst.Op {
	case x86asm.XOR:
		dval ^= sval
	case x86asm.OR:
		dval |= sval
	case x86asm.AND:
		dval &= sval
	}
	return s.writeReg(dreg, dval)
}

func (s *cpuState) emulLjmp(inst *x86asm.Inst) error {
	// direct far jump: ptr16:16/ptr16:32 decodes as two immediates
	sel, ok := inst.Args[0].(x86asm.Imm)
	off, ok2 := inst.Args[1].(x86asm.Imm)
	if !ok || !ok2 {
		return ErrUnsupportedOpcode
	}
	if err := s.writeSreg(vcpu.SregCS, uint16(sel)); err != nil {
		return err
	}
	s.v.Vmctl.WriteIP(uint64(off))
	return nil
}

func (s *cpuState) emulLdt(inst *x86asm.Inst) error {
	m, ok := inst.Args[0].(x86asm.Mem)
	if !ok {
		return ErrUnsupportedOpcode
	}
	addr, err := s.memAddr(m)
	if err != nil {
		return err
	}
	limit, err := s.readMem(addr, 2)
	if err != nil {
		return err
	}
	base, err := s.readMem(addr+2, 4)
	if err != nil {
		return err
	}
	if inst.Op == x86asm.LGDT {
		s.v.Vmctl.WriteGDTR(base, limit)
	} else {
		s.v.Vmctl.WriteIDTR(base, limit)
	}
	return nil
}

func (s *cpuState) emulIO(inst *x86asm.Inst) error {
	var port uint64
	var portArg, dataArg x86asm.Arg
	if inst.Op == x86asm.OUT {
		portArg, dataArg = inst.Args[0], inst.Args[1]
	} else {
		dataArg, portArg = inst.Args[0], inst.Args[1]
	}
	switch a := portArg.(type) {
	case x86asm.Imm:
		port = uint64(a)
	case x86asm.Reg:
		v, _, err := s.readReg(a)
		if err != nil {
			return err
		}
		port = v & 0xFFFF
	default:
		return ErrUnsupportedOpcode
	}
	dreg, ok := dataArg.(x86asm.Reg)
	if !ok {
		return ErrUnsupportedOpcode
	}
	val, size, err := s.readReg(dreg)
	if err != nil {
		return err
	}
	buf := make([]byte, size)
	if inst.Op == x86asm.OUT {
		for i := 0; i < size; i++ {
			buf[i] = byte(val >> (i * 8))
		}
		s.v.IO.Handle(vcpu.IOOut, uint32(port), buf)
		return nil
	}
	s.v.IO.Handle(vcpu.IOIn, uint32(port), buf)
	var in uint64
	for i := 0; i < size; i++ {
		in |= uint64(buf[i]) << (i * 8)
	}
	return s.writeReg(dreg, in)
}

// emulString handles MOVS/STOS; with a REP prefix it runs every
// iteration in one call until RCX drains.
func (s *cpuState) emulString(inst *x86asm.Inst) error {
	var size int
	switch inst.Op {
	case x86asm.MOVSB, x86asm.STOSB:
		size = 1
	case x86asm.MOVSW, x86asm.STOSW:
		size = 2
	default:
		size = 4
	}
	rep := false
	for _, p := range inst.Prefix {
		if p == 0 {
			break
		}
		if p&0xFF == 0xF3 || p&0xFF == 0xF2 {
			rep = true
		}
	}
	step := uint64(size)
	if s.v.Vmctl.ReadFlags()&(1<<10) != 0 { // DF
		step = -step
	}
	count := uint64(1)
	if rep {
		count = s.v.Vmctl.ReadGeneralReg(vcpu.RegRCX)
		if count == 0 {
			return nil
		}
	}
	for ; count > 0; count-- {
		di := s.v.Vmctl.ReadGeneralReg(vcpu.RegRDI)
		dstLinear := s.v.Vmctl.ReadSregBase(vcpu.SregES) + di
		var val uint64
		if inst.Op == x86asm.MOVSB || inst.Op == x86asm.MOVSW || inst.Op == x86asm.MOVSD {
			si := s.v.Vmctl.ReadGeneralReg(vcpu.RegRSI)
			srcLinear := s.v.Vmctl.ReadSregBase(vcpu.SregDS) + si
			v, err := s.readMem(srcLinear, size)
			if err != nil {
				return err
			}
			val = v
			s.v.Vmctl.WriteGeneralReg(vcpu.RegRSI, si+step)
		} else {
			val = s.v.Vmctl.ReadGeneralReg(vcpu.RegRAX)
		}
		if err := s.writeMem(dstLinear, size, val); err != nil {
			return err
		}
		s.v.Vmctl.WriteGeneralReg(vcpu.RegRDI, di+step)
		if rep {
			s.v.Vmctl.WriteGeneralReg(vcpu.RegRCX, count-1)
		}
	}
	return nil
}

// RealmodeInt delivers a software interrupt through the real-mode IVT.
func RealmodeInt(v *vcpu.Vcpu, vector int) error {
	s := newState(v)
	if s.pe {
		return fmt.Errorf("interp: realmode int in protected mode")
	}
	flags := v.Vmctl.ReadFlags()
	cs := uint64(v.Vmctl.ReadSregSel(vcpu.SregCS))
	ip := v.Vmctl.ReadIP()

	sp := v.Vmctl.ReadGeneralReg(vcpu.RegRSP)
	ssBase := v.Vmctl.ReadSregBase(vcpu.SregSS)
	push := func(val uint64) error {
		sp = (sp - 2) & 0xFFFF
		return s.writeMem(ssBase+sp, 2, val)
	}
	if err := push(flags); err != nil {
		return err
	}
	if err := push(cs); err != nil {
		return err
	}
	if err := push(ip); err != nil {
		return err
	}
	v.Vmctl.WriteGeneralReg(vcpu.RegRSP, sp)

	entry, err := s.readMem(uint64(vector)*4, 4)
	if err != nil {
		return err
	}
	v.Vmctl.WriteRealmodeSeg(vcpu.SregCS, uint16(entry>>16))
	v.Vmctl.WriteIP(entry & 0xFFFF)
	v.Vmctl.WriteFlags(flags &^ uint64(vcpu.RFlagsIF|vcpu.RFlagsTF))
	return nil
}

// EmulateMMIO decodes the instruction at CS:IP and performs its memory
// access against the registered MMIO handler for gphys. Returns false
// when the access could not be emulated.
func EmulateMMIO(v *vcpu.Vcpu, gphys uint64) bool {
	if err := Step(v); err != nil {
		return false
	}
	return true
}
