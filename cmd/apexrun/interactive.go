package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/apex-wasm/procalloc"
	"github.com/wippyai/apex-wasm/runtime"
)

const (
	gridWidth    = 32
	visibleRows  = 12
	eventLines   = 6
	refreshEvery = 100 * time.Millisecond
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	usedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	freeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#444444"))

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// eventSink forwards lifecycle events to the monitor. Events are dropped
// when the monitor falls behind.
type eventSink struct {
	ch chan runtime.Event
}

func (s *eventSink) OnProcessEvent(e runtime.Event) {
	select {
	case s.ch <- e:
	default:
	}
}

type monitorModel struct {
	p        *runtime.Partition
	events   <-chan runtime.Event
	layout   procalloc.Layout
	bar      progress.Model
	slots    []bool
	procs    []runtime.ProcessInfo
	recent   []runtime.Event
	results  []runtime.Result
	used     int
	offset   int
	selected int
	done     bool
}

type tickMsg time.Time

type eventMsg runtime.Event

type doneMsg struct {
	results []runtime.Result
}

func newMonitorModel(p *runtime.Partition, events <-chan runtime.Event) *monitorModel {
	layout := p.Allocator().Layout()
	return &monitorModel{
		p:      p,
		events: events,
		layout: layout,
		bar:    progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		slots:  make([]bool, layout.Capacity),
	}
}

func (m *monitorModel) Init() tea.Cmd {
	m.refresh()
	return tea.Batch(m.wait, m.waitEvent, tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *monitorModel) wait() tea.Msg {
	return doneMsg{results: m.p.Wait()}
}

func (m *monitorModel) waitEvent() tea.Msg {
	return eventMsg(<-m.events)
}

func (m *monitorModel) refresh() {
	m.used = 0
	n := m.p.Slots(m.slots)
	for _, used := range m.slots[:n] {
		if used {
			m.used++
		}
	}
	m.procs = m.p.Processes()
}

func (m *monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit

		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
			if m.selected < m.offset {
				m.offset = m.selected
			}

		case "down", "j":
			if m.selected < len(m.procs)-1 {
				m.selected++
			}
			if m.selected >= m.offset+visibleRows {
				m.offset = m.selected - visibleRows + 1
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.bar.Width = max(min(msg.Width-24, 60), 10)
		return m, nil

	case tickMsg:
		m.refresh()
		if m.done {
			return m, nil
		}
		return m, tick()

	case eventMsg:
		m.recent = append(m.recent, runtime.Event(msg))
		if len(m.recent) > eventLines {
			m.recent = m.recent[len(m.recent)-eventLines:]
		}
		return m, m.waitEvent

	case doneMsg:
		m.done = true
		m.results = msg.results
		m.refresh()
		return m, nil
	}

	return m, nil
}

func (m *monitorModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Apex Partition"))
	b.WriteString(" ")
	b.WriteString(infoStyle.Render(fmt.Sprintf("base 0x%x stack 0x%x tls 0x%x",
		m.layout.Base, m.layout.StackSize, m.layout.TLSSize)))
	b.WriteString("\n\n")

	capacity := len(m.slots)
	fraction := 0.0
	if capacity > 0 {
		fraction = float64(m.used) / float64(capacity)
	}
	b.WriteString(m.bar.ViewAs(fraction))
	b.WriteString(fmt.Sprintf(" %d/%d slots\n\n", m.used, capacity))

	for i, used := range m.slots {
		if used {
			b.WriteString(usedStyle.Render("■"))
		} else {
			b.WriteString(freeStyle.Render("·"))
		}
		if (i+1)%gridWidth == 0 || i == capacity-1 {
			b.WriteString("\n")
		}
	}
	b.WriteString("\n")

	end := min(m.offset+visibleRows, len(m.procs))
	for i := m.offset; i < end; i++ {
		line := m.formatProcess(m.procs[i])
		if i == m.selected {
			b.WriteString(selectedStyle.Render("> " + line))
		} else {
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
	}
	if len(m.procs) > visibleRows {
		b.WriteString(helpStyle.Render(fmt.Sprintf("  %d-%d of %d", m.offset+1, end, len(m.procs))))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	for _, e := range m.recent {
		b.WriteString(helpStyle.Render(formatEvent(e)))
		b.WriteString("\n")
	}

	if m.done {
		b.WriteString("\n")
		b.WriteString(m.summary())
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("↑/↓ scroll • q quit"))

	return b.String()
}

func (m *monitorModel) formatProcess(info runtime.ProcessInfo) string {
	slot := "-"
	if info.Owned != procalloc.NoSlot {
		slot = fmt.Sprint(info.Owned - 1)
	}
	state := info.State.String()
	switch info.State {
	case runtime.StateRunning:
		state = usedStyle.Render(state)
	case runtime.StateFailed:
		state = errorStyle.Render(state)
	case runtime.StateExited:
		state = resultStyle.Render(state)
	}
	return fmt.Sprintf("%-32s %-4s %s", info.Name, slot, state)
}

func formatEvent(e runtime.Event) string {
	s := fmt.Sprintf("%4d %-32s %s", e.PID, e.Name, e.Type)
	switch e.Type {
	case runtime.EventBound, runtime.EventReleased:
		s += fmt.Sprintf(" slot %d", e.Slot)
	case runtime.EventFailed:
		s += fmt.Sprintf(" %v", e.Err)
	}
	return s
}

func (m *monitorModel) summary() string {
	failed := 0
	for _, r := range m.results {
		if r.Err != nil {
			failed++
		}
	}
	msg := fmt.Sprintf("%d processes finished, %d failed", len(m.results), failed)
	if failed > 0 {
		return errorStyle.Render(msg)
	}
	return resultStyle.Render(msg)
}

// runMonitor runs the partition under the slot monitor and prints the
// results once the monitor exits.
func runMonitor(ctx context.Context, cfg runtime.Config, procs int, binaries []runtime.Binary) (bool, error) {
	p, err := runtime.New(ctx, cfg)
	if err != nil {
		return false, err
	}

	sink := &eventSink{ch: make(chan runtime.Event, 256)}
	p.Subscribe(sink)
	if err := p.Spawn(ctx, procs, binaries...); err != nil {
		_ = p.Close(ctx)
		return false, err
	}
	if err := p.StartAll(ctx); err != nil {
		_ = p.Close(ctx)
		return false, err
	}

	m := newMonitorModel(p, sink.ch)
	out, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	if err != nil {
		_ = p.Close(ctx)
		return false, err
	}

	// Closing the engine stops processes still running after an early quit.
	_ = p.Close(ctx)
	if final := out.(*monitorModel); final.done {
		return printResults(final.results), nil
	}
	return printResults(p.Wait()), nil
}
