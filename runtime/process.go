package runtime

import (
	"sync/atomic"

	"github.com/wippyai/apex-wasm/engine"
)

// ProcessID identifies a process within its partition, in creation order.
type ProcessID int

// MaxNameLength bounds process names.
const MaxNameLength = 32

// Args are the values passed to a process's entry function.
type Args struct {
	Argc int32
	Argv int32
}

// ProcessAttribute describes a process to create.
type ProcessAttribute struct {
	Module *engine.Module
	// Args overrides the partition's configured argc and argv.
	Args *Args
	Name string
	// Entry overrides the partition's configured entry function.
	Entry string
}

// State is a process's lifecycle state.
type State int32

const (
	StateDormant State = iota
	StateRunning
	StateExited
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDormant:
		return "dormant"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the outcome of a finished process.
type Result struct {
	Err    error
	Name   string
	Values []uint64
	PID    ProcessID
	// Slot is the zero-based slot the process ran in when Bound is set.
	Slot  uint32
	Bound bool
}

// ProcessInfo is a snapshot of a process for monitoring.
type ProcessInfo struct {
	Name  string
	PID   ProcessID
	State State
	// Owned is the one-based owned-slot register as last observed, 0 when
	// the process holds no slot.
	Owned uint32
}

type process struct {
	attr    ProcessAttribute
	id      ProcessID
	state   atomic.Int32
	owned   atomic.Uint32
	started bool
	done    chan struct{}
	result  Result
}

func (p *process) setState(s State) { p.state.Store(int32(s)) }

func (p *process) info() ProcessInfo {
	return ProcessInfo{
		Name:  p.attr.Name,
		PID:   p.id,
		State: State(p.state.Load()),
		Owned: p.owned.Load(),
	}
}
