package vt

import "errors"

// ErrScriptDone stops the dispatch loop when a scripted runner has
// played its last exit.
var ErrScriptDone = errors.New("vt: script exhausted")

// ScriptStep mutates guest state to look like one hardware round trip:
// it fills the exit fields the way the VMEXIT being simulated would.
type ScriptStep func(vmcs *VMCS, regs *GuestRegs)

// ScriptRunner plays a fixed sequence of exits. It models the
// hardware's event-injection side effects: a staged entry event is
// recorded as delivered and the IDT-vectoring field is cleared unless
// the step sets it.
type ScriptRunner struct {
	Steps []ScriptStep

	// Delivered records every event the "hardware" injected.
	Delivered []uint64
	// Entries counts guest entries; Launches counts first launches.
	Entries  int
	Launches int
}

func (r *ScriptRunner) Run(vmcs *VMCS, regs *GuestRegs, launch bool) error {
	r.Entries++
	if launch {
		r.Launches++
	}
	if vmcs.EntryIntrInfo&IntrInfoValid != 0 {
		r.Delivered = append(r.Delivered, vmcs.EntryIntrInfo)
		vmcs.EntryIntrInfo = 0
	}
	vmcs.IdtVectoringInfo = 0
	if len(r.Steps) == 0 {
		return ErrScriptDone
	}
	step := r.Steps[0]
	r.Steps = r.Steps[1:]
	step(vmcs, regs)
	return nil
}

// Halt makes the next dispatched exit a HLT with the given instruction
// length.
func StepHLT(instLen uint64) ScriptStep {
	return func(vmcs *VMCS, regs *GuestRegs) {
		vmcs.ExitReason = ExitHLT
		vmcs.ExitInstLen = instLen
	}
}

// StepIOOut simulates an OUT exit on a port.
func StepIOOut(port uint16, size int, instLen uint64) ScriptStep {
	return func(vmcs *VMCS, regs *GuestRegs) {
		vmcs.ExitReason = ExitIOInstruction
		vmcs.ExitQualification = uint64(port)<<QualIOPortShift | uint64(size-1)
		vmcs.ExitInstLen = instLen
	}
}

// StepIOIn simulates an IN exit on a port.
func StepIOIn(port uint16, size int, instLen uint64) ScriptStep {
	return func(vmcs *VMCS, regs *GuestRegs) {
		vmcs.ExitReason = ExitIOInstruction
		vmcs.ExitQualification = uint64(port)<<QualIOPortShift |
			uint64(size-1) | QualIOIn
		vmcs.ExitInstLen = instLen
	}
}

// StepPF simulates a #PF exit.
func StepPF(errcode, cr2 uint64) ScriptStep {
	return func(vmcs *VMCS, regs *GuestRegs) {
		vmcs.ExitReason = ExitExceptionOrNMI
		vmcs.ExitIntrInfo = uint64(14) | IntrTypeHardException |
			IntrInfoErrValid | IntrInfoValid
		vmcs.ExitIntrErrcode = errcode
		vmcs.ExitQualification = cr2
	}
}

// StepWRMSR simulates a WRMSR exit; the test loads ECX/EAX/EDX first.
func StepWRMSR(instLen uint64) ScriptStep {
	return func(vmcs *VMCS, regs *GuestRegs) {
		vmcs.ExitReason = ExitWRMSR
		vmcs.ExitInstLen = instLen
	}
}

// StepRDMSR simulates a RDMSR exit.
func StepRDMSR(instLen uint64) ScriptStep {
	return func(vmcs *VMCS, regs *GuestRegs) {
		vmcs.ExitReason = ExitRDMSR
		vmcs.ExitInstLen = instLen
	}
}

// StepCPUID simulates a CPUID exit.
func StepCPUID(instLen uint64) ScriptStep {
	return func(vmcs *VMCS, regs *GuestRegs) {
		vmcs.ExitReason = ExitCPUID
		vmcs.ExitInstLen = instLen
	}
}

// StepMovToCR simulates a MOV to control register exit.
func StepMovToCR(cr, reg int, instLen uint64) ScriptStep {
	return func(vmcs *VMCS, regs *GuestRegs) {
		vmcs.ExitReason = ExitMovCR
		vmcs.ExitQualification = uint64(cr) | uint64(QualCRMovToCR)<<QualCRTypeShift |
			uint64(reg)<<QualCRRegShift
		vmcs.ExitInstLen = instLen
	}
}

// StepInitSignal simulates an INIT signal exit.
func StepInitSignal() ScriptStep {
	return func(vmcs *VMCS, regs *GuestRegs) {
		vmcs.ExitReason = ExitInitSignal
	}
}

// StepSIPI simulates a startup-IPI exit with the given vector.
func StepSIPI(vector uint8) ScriptStep {
	return func(vmcs *VMCS, regs *GuestRegs) {
		vmcs.ExitReason = ExitStartupIPI
		vmcs.ExitQualification = uint64(vector)
	}
}

// StepVMCALL simulates a VMCALL exit.
func StepVMCALL(instLen uint64) ScriptStep {
	return func(vmcs *VMCS, regs *GuestRegs) {
		vmcs.ExitReason = ExitVMCALL
		vmcs.ExitInstLen = instLen
	}
}

// StepEPTViolation simulates an EPT violation at a guest physical
// address.
func StepEPTViolation(gphys uint64, write bool) ScriptStep {
	return func(vmcs *VMCS, regs *GuestRegs) {
		vmcs.ExitReason = ExitEPTViolation
		vmcs.GuestPhysAddr = gphys
		vmcs.ExitQualification = EPTQualRead
		if write {
			vmcs.ExitQualification = EPTQualWrite
		}
	}
}
