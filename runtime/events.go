package runtime

// EventType identifies a process lifecycle event.
type EventType uint8

const (
	EventCreated EventType = iota
	EventStarted
	EventBound
	EventReleased
	EventExited
	EventFailed
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventStarted:
		return "started"
	case EventBound:
		return "bound"
	case EventReleased:
		return "released"
	case EventExited:
		return "exited"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event describes a change in a process's lifecycle. Slot is the zero-based
// slot index and is meaningful for EventBound and EventReleased.
type Event struct {
	Err  error
	Name string
	PID  ProcessID
	Slot uint32
	Type EventType
}

// Observer receives process lifecycle events. Events of one process arrive in
// order from that process's goroutine; events of different processes
// interleave.
type Observer interface {
	OnProcessEvent(Event)
}

// Subscribe adds an observer for lifecycle events.
func (p *Partition) Subscribe(o Observer) {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	p.observers = append(p.observers, o)
}

// Unsubscribe removes an observer. Observers must be comparable.
func (p *Partition) Unsubscribe(o Observer) {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	for i, obs := range p.observers {
		if obs == o {
			p.observers = append(p.observers[:i], p.observers[i+1:]...)
			return
		}
	}
}

func (p *Partition) notify(e Event) {
	p.obsMu.RLock()
	defer p.obsMu.RUnlock()
	for _, o := range p.observers {
		o.OnProcessEvent(e)
	}
}
