// Command vmm brings the monitor core up on a simulated machine: it
// builds the physical CPUs, the cooperative scheduler, one vCPU per
// CPU on the selected backend, and drives a scripted guest through the
// dispatch loop. The simulation exists to exercise the whole stack
// end to end; on real hardware the Runner seam is where VMLAUNCH/VMRUN
// binds in.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/pkg/profile"

	"github.com/tinyrange/vmm/internal/cache"
	"github.com/tinyrange/vmm/internal/config"
	"github.com/tinyrange/vmm/internal/debug"
	"github.com/tinyrange/vmm/internal/hw"
	"github.com/tinyrange/vmm/internal/mmu"
	"github.com/tinyrange/vmm/internal/pcpu"
	"github.com/tinyrange/vmm/internal/status"
	"github.com/tinyrange/vmm/internal/svm"
	"github.com/tinyrange/vmm/internal/thread"
	"github.com/tinyrange/vmm/internal/timeslice"
	"github.com/tinyrange/vmm/internal/vcpu"
	"github.com/tinyrange/vmm/internal/vt"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vmm: %v\n", err)
		os.Exit(1)
	}
}

type linearGmm struct {
	limit uint64
}

func (g linearGmm) GP2HP(gphys uint64) (uint64, bool) {
	if gphys >= g.limit {
		return 0, false
	}
	return gphys, true
}

func run() error {
	configPath := flag.String("config", "", "Boot configuration (YAML)")
	backendFlag := flag.String("backend", "", "Override backend: vt or svm")
	cpus := flag.Int("cpus", 0, "Override number of CPUs")
	sptFlag := flag.Int("spt", 0, "Override shadow strategy (1-3)")
	debugFile := flag.String("debug-file", "", "Write the binary trace stream to file")
	timesliceFile := flag.String("timeslice-file", "", "Write time accounting records to file")
	cpuprofile := flag.String("cpuprofile", "", "Write a CPU profile")
	memprofile := flag.String("memprofile", "", "Write a memory profile")
	flag.Parse()

	if *cpuprofile != "" {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(*cpuprofile)).Stop()
	} else if *memprofile != "" {
		defer profile.Start(profile.MemProfile, profile.ProfilePath(*memprofile)).Stop()
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *backendFlag != "" {
		cfg.Backend = *backendFlag
	}
	if *cpus > 0 {
		cfg.CPUs = *cpus
	}
	if *sptFlag > 0 {
		cfg.Paging.SptStrategy = *sptFlag
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if *debugFile != "" {
		if err := debug.OpenFile(*debugFile); err != nil {
			return fmt.Errorf("open debug stream: %w", err)
		}
		defer debug.Close()
	} else if cfg.Debug.File != "" {
		if err := debug.OpenFile(cfg.Debug.File); err != nil {
			return fmt.Errorf("open debug stream: %w", err)
		}
		defer debug.Close()
	}

	if *timesliceFile != "" {
		f, err := os.Create(*timesliceFile)
		if err != nil {
			return fmt.Errorf("open timeslice stream: %w", err)
		}
		rec, err := timeslice.StartRecording(f)
		if err != nil {
			return err
		}
		defer func() {
			rec.Close()
			f.Close()
		}()
	}

	status.Enabled = cfg.Status.Enable
	status.Init()

	memSize := uint64(cfg.MemoryMB) << 20
	mem, err := hw.NewMem(0, memSize)
	if err != nil {
		return err
	}
	defer mem.Close()

	sched := thread.New(cfg.Sched.OneCPU)
	if cfg.Sched.CPU0Only {
		sched.SetCPU0Only(true)
	}

	slog.Info("bringing up monitor",
		"backend", cfg.Backend, "cpus", cfg.CPUs,
		"memory_mb", cfg.MemoryMB, "spt", cfg.Paging.SptStrategy)

	backend := cfg.Backend
	if backend == "auto" {
		backend = "vt"
	}

	errs := make(chan error, cfg.CPUs)
	var vcpu0 *vcpu.Vcpu
	for i := 0; i < cfg.CPUs; i++ {
		cpu := pcpu.New(i)
		cache.InitHostPAT(cpu)
		v := vcpu.LoadNew(cpu, mem, vcpu0)
		if vcpu0 == nil {
			vcpu0 = v
		}
		v.Gmm = linearGmm{limit: memSize}
		cache.InitGuestRegs(&v.Cache)

		if err := bringUpVcpu(v, backend, cfg); err != nil {
			return err
		}
		for _, port := range cfg.PassIOPorts {
			v.Vmctl.IOPass(uint32(port), true)
		}

		go func(cpu *pcpu.CPU, v *vcpu.Vcpu) {
			self := sched.Bind(cpu)
			errs <- v.Vmctl.StartVM(self)
		}(cpu, v)
	}

	for i := 0; i < cfg.CPUs; i++ {
		err := <-errs
		switch {
		case err == nil:
		case errors.Is(err, vt.ErrScriptDone), errors.Is(err, svm.ErrScriptDone):
			// the scripted guest ran to completion
		default:
			return err
		}
	}

	fmt.Print(status.Report())
	return nil
}

func bringUpVcpu(v *vcpu.Vcpu, backend string, cfg *config.Config) error {
	strategy := mmu.Strategy(cfg.Paging.SptStrategy)
	switch backend {
	case "vt":
		runner := &vt.ScriptRunner{Steps: demoVTScript()}
		b, err := vt.Init(v, runner, vt.Options{
			Strategy: strategy,
			UseEPT:   cfg.Paging.UseNestedPaging,
		})
		if err != nil {
			return err
		}
		return b.VMInit()
	case "svm":
		runner := &svm.ScriptRunner{Steps: demoSVMScript()}
		b, err := svm.Init(v, runner, svm.Options{
			Strategy: strategy,
			UseNPT:   cfg.Paging.UseNestedPaging,
		})
		if err != nil {
			return err
		}
		return b.VMInit()
	}
	return fmt.Errorf("unknown backend %q", backend)
}

// demoVTScript is the built-in simulated guest: it probes CPUID, pokes
// an IO port, programs an MTRR, and halts.
func demoVTScript() []vt.ScriptStep {
	return []vt.ScriptStep{
		func(vmcs *vt.VMCS, regs *vt.GuestRegs) {
			regs.RAX = 0
			vmcs.ExitReason = vt.ExitCPUID
			vmcs.ExitInstLen = 2
		},
		func(vmcs *vt.VMCS, regs *vt.GuestRegs) {
			regs.RAX = 0x42
			vt.StepIOOut(0x80, 1, 2)(vmcs, regs)
		},
		func(vmcs *vt.VMCS, regs *vt.GuestRegs) {
			regs.RCX = cache.MSRIA32MTRRDefType
			regs.RAX = uint64(cache.TypeWB) | 1<<11
			regs.RDX = 0
			vt.StepWRMSR(2)(vmcs, regs)
		},
		vt.StepHLT(1),
	}
}

func demoSVMScript() []svm.ScriptStep {
	return []svm.ScriptStep{
		func(vmcb *svm.VMCB, regs *[16]uint64) {
			vmcb.RAX = 0
			vmcb.ExitCode = svm.ExitCPUID
			vmcb.NRip = vmcb.RIP + 2
		},
		func(vmcb *svm.VMCB, regs *[16]uint64) {
			vmcb.RAX = 0x42
			svm.StepIOOut(0x80, 1, vmcb.RIP+2)(vmcb, regs)
		},
		func(vmcb *svm.VMCB, regs *[16]uint64) {
			regs[vcpu.RegRCX] = cache.MSRIA32MTRRDefType
			vmcb.RAX = uint64(cache.TypeWB) | 1<<11
			regs[vcpu.RegRDX] = 0
			svm.StepWRMSR(vmcb.RIP+2)(vmcb, regs)
		},
		func(vmcb *svm.VMCB, regs *[16]uint64) {
			svm.StepHLT(vmcb.RIP+1)(vmcb, regs)
		},
	}
}
