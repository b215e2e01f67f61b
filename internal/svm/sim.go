package svm

import "errors"

// ErrScriptDone stops the dispatch loop when a scripted runner has
// played its last exit.
var ErrScriptDone = errors.New("svm: script exhausted")

// ScriptStep fills the exit fields of one simulated #VMEXIT.
type ScriptStep func(vmcb *VMCB, regs *[16]uint64)

// ScriptRunner plays a fixed sequence of exits, modeling the
// hardware's event-injection side effects.
type ScriptRunner struct {
	Steps []ScriptStep

	// Delivered records every event the "hardware" injected.
	Delivered []uint64
	Entries   int
}

func (r *ScriptRunner) Run(vmcb *VMCB, regs *[16]uint64) error {
	r.Entries++
	if vmcb.EventInj&EventValid != 0 {
		r.Delivered = append(r.Delivered, vmcb.EventInj)
		vmcb.EventInj = 0
	}
	vmcb.ExitIntInfo = 0
	vmcb.InstBytesCount = 0
	if len(r.Steps) == 0 {
		return ErrScriptDone
	}
	step := r.Steps[0]
	r.Steps = r.Steps[1:]
	step(vmcb, regs)
	return nil
}

// StepHLT simulates a HLT intercept; nextRIP points past the
// instruction.
func StepHLT(nextRIP uint64) ScriptStep {
	return func(vmcb *VMCB, regs *[16]uint64) {
		vmcb.ExitCode = ExitHLT
		vmcb.NRip = nextRIP
	}
}

// StepIOOut simulates an OUT intercept.
func StepIOOut(port uint16, size int, nextRIP uint64) ScriptStep {
	return func(vmcb *VMCB, regs *[16]uint64) {
		vmcb.ExitCode = ExitIOIO
		info := uint64(port) << IOIOPortShift
		switch size {
		case 1:
			info |= IOIOSize8
		case 2:
			info |= IOIOSize16
		default:
			info |= IOIOSize32
		}
		vmcb.ExitInfo1 = info
		vmcb.ExitInfo2 = nextRIP
	}
}

// StepIOIn simulates an IN intercept.
func StepIOIn(port uint16, size int, nextRIP uint64) ScriptStep {
	return func(vmcb *VMCB, regs *[16]uint64) {
		StepIOOut(port, size, nextRIP)(vmcb, regs)
		vmcb.ExitInfo1 |= IOIOIn
	}
}

// StepWRMSR simulates a WRMSR intercept.
func StepWRMSR(nextRIP uint64) ScriptStep {
	return func(vmcb *VMCB, regs *[16]uint64) {
		vmcb.ExitCode = ExitMSR
		vmcb.ExitInfo1 = 1
		vmcb.NRip = nextRIP
	}
}

// StepRDMSR simulates a RDMSR intercept.
func StepRDMSR(nextRIP uint64) ScriptStep {
	return func(vmcb *VMCB, regs *[16]uint64) {
		vmcb.ExitCode = ExitMSR
		vmcb.ExitInfo1 = 0
		vmcb.NRip = nextRIP
	}
}

// StepPF simulates a #PF intercept.
func StepPF(errcode, cr2 uint64) ScriptStep {
	return func(vmcb *VMCB, regs *[16]uint64) {
		vmcb.ExitCode = ExitExceptionBase + 14
		vmcb.ExitInfo1 = errcode
		vmcb.ExitInfo2 = cr2
	}
}

// StepWriteCR0 simulates a MOV-to-CR0 intercept from a register.
func StepWriteCR0(reg int, nextRIP uint64) ScriptStep {
	return func(vmcb *VMCB, regs *[16]uint64) {
		vmcb.ExitCode = ExitWriteCR0
		vmcb.ExitInfo1 = uint64(reg)
		vmcb.NRip = nextRIP
	}
}

// StepNPF simulates a nested page fault.
func StepNPF(gphys uint64, write bool) ScriptStep {
	return func(vmcb *VMCB, regs *[16]uint64) {
		vmcb.ExitCode = ExitNPF
		vmcb.ExitInfo2 = gphys
		vmcb.ExitInfo1 = 0
		if write {
			vmcb.ExitInfo1 = 1 << 1
		}
	}
}

// StepINTR simulates a physical external interrupt arriving with the
// given host vector.
func StepINTR(vector uint8) ScriptStep {
	return func(vmcb *VMCB, regs *[16]uint64) {
		vmcb.ExitCode = ExitINTR
		vmcb.ExitInfo1 = uint64(vector)
	}
}
