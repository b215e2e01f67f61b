package config

import "testing"

func TestDefaults(t *testing.T) {
	c, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Backend != "auto" || c.CPUs != 1 || c.Paging.SptStrategy != 2 {
		t.Fatalf("defaults: %+v", c)
	}
}

func TestParse(t *testing.T) {
	c, err := Parse([]byte(`
backend: svm
cpus: 4
memory_mb: 256
paging:
  spt_strategy: 3
  use_nested_paging: true
sched:
  cpu0_only: true
status:
  enable: true
pass_io_ports: [0xCFC, 0x3F8]
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Backend != "svm" || c.CPUs != 4 || c.MemoryMB != 256 {
		t.Fatalf("parsed: %+v", c)
	}
	if c.Paging.SptStrategy != 3 || !c.Paging.UseNestedPaging {
		t.Fatalf("paging: %+v", c.Paging)
	}
	if !c.Sched.CPU0Only || !c.Status.Enable {
		t.Fatalf("sched/status: %+v", c)
	}
	if len(c.PassIOPorts) != 2 || c.PassIOPorts[0] != 0xCFC {
		t.Fatalf("ports: %v", c.PassIOPorts)
	}
}

func TestValidation(t *testing.T) {
	cases := []string{
		"backend: xen",
		"cpus: 0",
		"cpus: 1000",
		"memory_mb: 0",
		"paging:\n  spt_strategy: 9",
	}
	for _, src := range cases {
		if _, err := Parse([]byte(src)); err == nil {
			t.Fatalf("accepted %q", src)
		}
	}
}
