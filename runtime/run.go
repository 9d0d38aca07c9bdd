package runtime

import (
	"context"
	"strconv"
	"unicode/utf8"
)

// Binary is a named process module.
type Binary struct {
	Name  string
	Bytes []byte
}

// Run creates a partition for cfg, starts procs processes of every binary
// and waits for all of them. Process names are the binary names, suffixed
// with ".<pid>" when procs is above one or the name is too long.
func Run(ctx context.Context, cfg Config, procs int, binaries ...Binary) ([]Result, error) {
	p, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer p.Close(ctx)

	if err := p.Spawn(ctx, procs, binaries...); err != nil {
		return nil, err
	}
	if err := p.StartAll(ctx); err != nil {
		return nil, err
	}
	return p.Wait(), nil
}

// Spawn loads binaries and creates procs dormant processes of each. Names
// that need a suffix are numbered by process ID, so names trimmed to the same
// prefix stay unique.
func (p *Partition) Spawn(ctx context.Context, procs int, binaries ...Binary) error {
	procs = max(procs, 1)
	for _, b := range binaries {
		m, err := p.Load(ctx, b.Name, b.Bytes)
		if err != nil {
			return err
		}
		for range procs {
			name := b.Name
			if procs > 1 || len(name) > MaxNameLength {
				name = processName(b.Name, p.processCount())
			}
			if _, err := p.CreateProcess(ProcessAttribute{Name: name, Module: m}); err != nil {
				return err
			}
		}
	}
	return nil
}

// processName suffixes base with .n, trimming base on a rune boundary so the
// result fits MaxNameLength.
func processName(base string, n int) string {
	suffix := "." + strconv.Itoa(n)
	if len(base)+len(suffix) > MaxNameLength {
		cut := max(MaxNameLength-len(suffix), 0)
		for cut > 0 && !utf8.RuneStart(base[cut]) {
			cut--
		}
		base = base[:cut]
	}
	return base + suffix
}
