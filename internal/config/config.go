// Package config loads the monitor's boot configuration. What a native
// build would fix at compile time — shadow strategy, single-CPU
// scheduling, the status interface — is decided here at startup
// instead.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the boot configuration.
type Config struct {
	// Backend selects the virtualization extension: "vt", "svm" or
	// "auto".
	Backend string `yaml:"backend"`

	// CPUs is the number of physical CPUs to bring up.
	CPUs int `yaml:"cpus"`

	// MemoryMB sizes the guest memory in MiB.
	MemoryMB int `yaml:"memory_mb"`

	Paging PagingConfig `yaml:"paging"`
	Sched  SchedConfig  `yaml:"sched"`
	Status StatusConfig `yaml:"status"`
	Debug  DebugConfig  `yaml:"debug"`

	// PassIOPorts lists ports handed to the guest without interception.
	PassIOPorts []uint16 `yaml:"pass_io_ports"`
}

// PagingConfig selects the translation machinery.
type PagingConfig struct {
	// SptStrategy is 1, 2 or 3.
	SptStrategy int `yaml:"spt_strategy"`
	// UseNestedPaging enables NPT/EPT when the hardware has it.
	UseNestedPaging bool `yaml:"use_nested_paging"`
}

// SchedConfig tunes the cooperative scheduler.
type SchedConfig struct {
	// OneCPU enables the single-CPU re-entrancy latch.
	OneCPU bool `yaml:"one_cpu"`
	// CPU0Only restricts unpinned threads to CPU 0.
	CPU0Only bool `yaml:"cpu0_only"`
}

// StatusConfig controls the guest-visible status interface.
type StatusConfig struct {
	Enable bool `yaml:"enable"`
}

// DebugConfig controls the binary trace stream.
type DebugConfig struct {
	File string `yaml:"file"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Backend:  "auto",
		CPUs:     1,
		MemoryMB: 64,
		Paging:   PagingConfig{SptStrategy: 2},
	}
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration bytes. Unset fields
// take their defaults.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	switch c.Backend {
	case "vt", "svm", "auto":
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	if c.CPUs < 1 || c.CPUs > 256 {
		return fmt.Errorf("config: cpus %d out of range", c.CPUs)
	}
	if c.MemoryMB < 1 {
		return fmt.Errorf("config: memory_mb %d out of range", c.MemoryMB)
	}
	if s := c.Paging.SptStrategy; s < 1 || s > 3 {
		return fmt.Errorf("config: spt_strategy %d out of range", s)
	}
	return nil
}
