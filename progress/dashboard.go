// Package progress renders a live terminal view of a training run.
package progress

import (
	"io"
	"sync"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"
)

// Dashboard is a metrics.Sink that draws every scalar it receives. It owns
// the terminal while running, so logs should go elsewhere.
type Dashboard struct {
	p       *tea.Program
	started atomic.Bool
	once    sync.Once
	done    chan struct{}
	err     error
}

// NewDashboard prepares a dashboard for a run of the given number of epochs.
// onStop is called the first time the user asks to stop.
func NewDashboard(title string, epochs int, onStop func(), opts ...tea.ProgramOption) *Dashboard {
	return &Dashboard{
		p:    tea.NewProgram(newModel(title, epochs, onStop), opts...),
		done: make(chan struct{}),
	}
}

// Headless returns program options that render to w without reading input.
func Headless(w io.Writer) []tea.ProgramOption {
	return []tea.ProgramOption{tea.WithInput(nil), tea.WithOutput(w), tea.WithoutSignalHandler()}
}

// Start runs the event loop in the background. Scalars sent before Start
// are dropped.
func (d *Dashboard) Start() {
	if d.started.Swap(true) {
		return
	}
	go func() {
		_, d.err = d.p.Run()
		close(d.done)
	}()
}

func (d *Dashboard) AddScalar(name string, value float64, step int) {
	if !d.started.Load() {
		return
	}
	d.p.Send(ScalarMsg{Name: name, Value: value, Step: step})
}

// Phase shows the current phase, epoch and best metric.
func (d *Dashboard) Phase(phase string, epoch int, best float64) {
	if !d.started.Load() {
		return
	}
	d.p.Send(PhaseMsg{Phase: phase, Epoch: epoch, Best: best})
}

// Close stops the event loop and restores the terminal.
func (d *Dashboard) Close() error {
	d.once.Do(func() {
		if !d.started.Load() {
			return
		}
		d.p.Send(doneMsg{})
		<-d.done
	})
	return d.err
}
