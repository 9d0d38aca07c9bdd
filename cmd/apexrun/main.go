package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/apex-wasm/engine"
	"github.com/wippyai/apex-wasm/errors"
	"github.com/wippyai/apex-wasm/internal/guest"
	"github.com/wippyai/apex-wasm/runtime"
)

// options are the command line flags. Flags left unset do not override the
// config file.
type options struct {
	configPath  string
	hostModule  string
	memory      string
	allocModule string
	entry       string
	logLevel    string
	argc        int
	argv        int
	procs       int
	capacity    uint
	stackSize   uint
	tlsSize     uint
	slotBase    uint
	work        uint
	demo        bool
	interactive bool
}

func newFlagSet(o *options) *flag.FlagSet {
	fs := flag.NewFlagSet("apexrun", flag.ExitOnError)
	fs.StringVar(&o.configPath, "config", "", "YAML partition config")
	fs.StringVar(&o.hostModule, "host-module", "", "Module the shared memory is imported from")
	fs.StringVar(&o.memory, "memory", "", "Name of the shared memory import")
	fs.StringVar(&o.allocModule, "alloc-module", "", "Host module exposing the slot allocator")
	fs.StringVar(&o.entry, "entry", "", "Entry function called as entry(argc, argv)")
	fs.IntVar(&o.argc, "argc", 0, "argc passed to the entry function")
	fs.IntVar(&o.argv, "argv", 0, "argv passed to the entry function")
	fs.IntVar(&o.procs, "procs", 1, "Processes started per module")
	fs.UintVar(&o.capacity, "capacity", 0, "Slot table capacity")
	fs.UintVar(&o.stackSize, "stack-size", 0, "Secondary stack size per slot in bytes")
	fs.UintVar(&o.tlsSize, "tls-size", 0, "TLS block size per slot in bytes")
	fs.UintVar(&o.slotBase, "slot-base", 0, "Address of the slot table in linear memory")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.BoolVar(&o.demo, "demo", false, "Run a synthesized process module")
	fs.UintVar(&o.work, "work", 100000, "Loop iterations of the -demo process")
	fs.BoolVar(&o.interactive, "i", false, "Interactive slot monitor")
	return fs
}

func main() {
	var o options
	fs := newFlagSet(&o)
	_ = fs.Parse(os.Args[1:])

	if fs.NArg() == 0 && !o.demo {
		fmt.Fprintln(os.Stderr, "Usage: apexrun [flags] <module.wasm>...")
		fmt.Fprintln(os.Stderr, "       apexrun -demo -procs 16 [-i]")
		fs.PrintDefaults()
		os.Exit(1)
	}

	ok, err := run(o, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		os.Exit(1)
	}
}

func run(o options, fs *flag.FlagSet) (bool, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := loadConfig(o, fs)
	if err != nil {
		return false, err
	}

	interactive := o.interactive && term.IsTerminal(int(os.Stdout.Fd()))
	if o.interactive && !interactive {
		fmt.Fprintln(os.Stderr, "stdout is not a terminal, monitor disabled")
	}

	// The monitor owns the terminal; logs would tear its frames.
	log := zap.NewNop()
	if !interactive {
		if log, err = newLogger(cfg.LogLevel); err != nil {
			return false, err
		}
	}
	defer func() { _ = log.Sync() }()
	engine.SetLogger(log.Named("engine"))
	runtime.SetLogger(log.Named("runtime"))

	binaries, err := readBinaries(fs.Args())
	if err != nil {
		return false, err
	}
	if o.demo {
		binaries = append(binaries, runtime.Binary{
			Name: "demo",
			Bytes: guest.Process(guest.Config{
				HostModule: cfg.HostModule,
				MemoryName: cfg.MemoryName,
				Entry:      cfg.Entry,
				Work:       uint32(o.work),
			}),
		})
	}

	if interactive {
		return runMonitor(ctx, cfg, o.procs, binaries)
	}

	results, err := runtime.Run(ctx, cfg, o.procs, binaries...)
	if err != nil {
		return false, err
	}
	return printResults(results), nil
}

// loadConfig reads the config file if one is given and applies the flags set
// on fs over it.
func loadConfig(o options, fs *flag.FlagSet) (runtime.Config, error) {
	cfg := runtime.DefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = runtime.LoadConfig(o.configPath); err != nil {
			return cfg, err
		}
	}

	var rangeErr error
	fs.Visit(func(f *flag.Flag) {
		if rangeErr == nil {
			rangeErr = checkRange(o, f.Name)
		}
		switch f.Name {
		case "host-module":
			cfg.HostModule = o.hostModule
		case "memory":
			cfg.MemoryName = o.memory
		case "alloc-module":
			cfg.AllocModule = o.allocModule
		case "entry":
			cfg.Entry = o.entry
		case "argc":
			cfg.Argc = int32(o.argc)
		case "argv":
			cfg.Argv = int32(o.argv)
		case "capacity":
			cfg.Layout.Capacity = uint32(o.capacity)
		case "stack-size":
			cfg.Layout.StackSize = uint32(o.stackSize)
		case "tls-size":
			cfg.Layout.TLSSize = uint32(o.tlsSize)
		case "slot-base":
			cfg.Layout.Base = uint32(o.slotBase)
		case "log-level":
			cfg.LogLevel = o.logLevel
		}
	})
	if rangeErr != nil {
		return cfg, rangeErr
	}
	return cfg, cfg.Validate()
}

// checkRange rejects flag values that would wrap when narrowed to the
// 32-bit fields they configure.
func checkRange(o options, name string) error {
	switch name {
	case "argc":
		return checkInt32(name, o.argc)
	case "argv":
		return checkInt32(name, o.argv)
	case "capacity":
		return checkUint32(name, o.capacity)
	case "stack-size":
		return checkUint32(name, o.stackSize)
	case "tls-size":
		return checkUint32(name, o.tlsSize)
	case "slot-base":
		return checkUint32(name, o.slotBase)
	case "work":
		return checkUint32(name, o.work)
	}
	return nil
}

func checkInt32(name string, v int) error {
	if v < math.MinInt32 || v > math.MaxInt32 {
		return outOfRange(name, int64(v), math.MinInt32, math.MaxInt32)
	}
	return nil
}

func checkUint32(name string, v uint) error {
	if uint64(v) > math.MaxUint32 {
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Path(name).
			Detail("-%s %d above %d", name, uint64(v), uint64(math.MaxUint32)).
			Build()
	}
	return nil
}

func outOfRange(name string, v, lo, hi int64) error {
	return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
		Path(name).
		Detail("-%s %d outside [%d, %d]", name, v, lo, hi).
		Build()
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = lvl
	zc.DisableStacktrace = true
	return zc.Build()
}

func readBinaries(paths []string) ([]runtime.Binary, error) {
	binaries := make([]runtime.Binary, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read module: %w", err)
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		binaries = append(binaries, runtime.Binary{Name: name, Bytes: data})
	}
	return binaries, nil
}

// printResults prints one line per process and reports whether all succeeded.
func printResults(results []runtime.Result) bool {
	ok := true
	for _, r := range results {
		slot := "-"
		if r.Bound {
			slot = fmt.Sprint(r.Slot)
		}
		if r.Err != nil {
			ok = false
			fmt.Printf("%-32s slot %-4s FAILED %v\n", r.Name, slot, r.Err)
			continue
		}
		fmt.Printf("%-32s slot %-4s returned %v\n", r.Name, slot, r.Values)
	}
	return ok
}
