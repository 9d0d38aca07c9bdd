package runtime

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wippyai/apex-wasm/engine"
	"github.com/wippyai/apex-wasm/errors"
	"github.com/wippyai/apex-wasm/procalloc"
)

// Config describes a partition: where processes find the shared memory and
// the slot allocator, how they are entered, and the slot table layout.
type Config struct {
	// HostModule and MemoryName name the shared memory import.
	HostModule string `yaml:"host_module"`
	MemoryName string `yaml:"memory"`

	// AllocModule is the host module exposing __apex_wasm_proc_alloc and
	// __apex_wasm_proc_free to guests.
	AllocModule string `yaml:"alloc_module"`

	// ProcAllocName and ProcFreeName are guest exports the partition calls to
	// bind and release a process's slot. Processes that do not export them
	// are bound by the host directly.
	ProcAllocName string `yaml:"proc_alloc"`
	ProcFreeName  string `yaml:"proc_free"`

	// Entry is called as Entry(Argc, Argv) once the slot is bound.
	Entry string `yaml:"entry"`
	Argc  int32  `yaml:"argc"`
	Argv  int32  `yaml:"argv"`

	Layout  procalloc.Layout   `yaml:"layout"`
	Globals engine.GlobalNames `yaml:"globals"`

	MemoryLimitPages uint32 `yaml:"memory_limit_pages"`

	// LogLevel is read by apexrun; the partition itself logs through Logger.
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the configuration matching the guest header's
// defaults.
func DefaultConfig() Config {
	return Config{
		HostModule:    "env",
		MemoryName:    "memory",
		AllocModule:   "apex",
		ProcAllocName: engine.ProcAllocFunc,
		ProcFreeName:  engine.ProcFreeFunc,
		Entry:         "main",
		Layout:        procalloc.DefaultLayout(),
		Globals:       engine.DefaultGlobalNames(),
		LogLevel:      "info",
	}
}

// ParseConfig decodes YAML over DefaultConfig, so omitted keys keep their
// defaults, and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.New(errors.PhaseConfig, errors.KindNotFound).
			Detail("read config %s", path).
			Cause(err).
			Build()
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		if ae, ok := err.(*errors.Error); ok {
			ae.Path = append(ae.Path, path)
		}
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that every name is set and the layout is usable.
func (c Config) Validate() error {
	names := []struct{ key, value string }{
		{"host_module", c.HostModule},
		{"memory", c.MemoryName},
		{"alloc_module", c.AllocModule},
		{"proc_alloc", c.ProcAllocName},
		{"proc_free", c.ProcFreeName},
		{"entry", c.Entry},
	}
	for _, n := range names {
		if n.value == "" {
			return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
				Path(n.key).
				Detail("must not be empty").
				Build()
		}
	}
	if c.AllocModule == c.HostModule {
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Path("alloc_module").
			Detail("must differ from host_module %q", c.HostModule).
			Build()
	}
	return c.Layout.Validate()
}
