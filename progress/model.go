package progress

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ScalarMsg carries one scalar into the dashboard.
type ScalarMsg struct {
	Name  string
	Value float64
	Step  int
}

// PhaseMsg reports a training phase change.
type PhaseMsg struct {
	Phase string
	Epoch int
	Best  float64
}

type doneMsg struct{}

type styles struct {
	title lipgloss.Style
	panel lipgloss.Style
	label lipgloss.Style
	dim   lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	graph lipgloss.Style
}

func newStyles() styles {
	brand := lipgloss.AdaptiveColor{Light: "26", Dark: "81"}
	subtle := lipgloss.AdaptiveColor{Light: "245", Dark: "244"}
	border := lipgloss.AdaptiveColor{Light: "250", Dark: "238"}
	return styles{
		title: lipgloss.NewStyle().Bold(true).Foreground(brand),
		panel: lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(border).Padding(0, 1),
		label: lipgloss.NewStyle().Width(10).Foreground(subtle),
		dim:   lipgloss.NewStyle().Foreground(subtle),
		ok:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		graph: lipgloss.NewStyle().Foreground(lipgloss.Color("86")),
	}
}

// model is the bubbletea model behind Dashboard. Series are keyed by scalar
// name and indexed by arrival order.
type model struct {
	title  string
	epochs int
	onStop func()

	phase    string
	epoch    int
	best     float64
	latest   map[string]float64
	series   map[string][]float64
	stopping bool
	width    int

	spin   spinner.Model
	bar    progress.Model
	styles styles
}

func newModel(title string, epochs int, onStop func()) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("81"))
	return model{
		title:  title,
		epochs: epochs,
		onStop: onStop,
		phase:  "initializing",
		latest: make(map[string]float64),
		series: make(map[string][]float64),
		width:  80,
		spin:   sp,
		bar:    progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		styles: newStyles(),
	}
}

func (m model) Init() tea.Cmd { return m.spin.Tick }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ScalarMsg:
		m.latest[msg.Name] = msg.Value
		m.series[msg.Name] = append(m.series[msg.Name], msg.Value)
		return m, nil
	case PhaseMsg:
		m.phase, m.epoch, m.best = msg.Phase, msg.Epoch, msg.Best
		return m, nil
	case doneMsg:
		return m, tea.Quit
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if !m.stopping {
				m.stopping = true
				if m.onStop != nil {
					m.onStop()
				}
				return m, nil
			}
			return m, tea.Quit
		}
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m model) fraction() float64 {
	if m.epochs <= 0 {
		return 0
	}
	return math.Min(1, float64(m.epoch)/float64(m.epochs))
}

func (m model) View() string {
	s := m.styles
	inner := m.width - 4
	if inner < 20 {
		inner = 20
	}
	m.bar.Width = inner - 20

	var b strings.Builder
	b.WriteString(s.title.Render(m.title))
	b.WriteString("  ")
	b.WriteString(m.spin.View())
	b.WriteString(" ")
	b.WriteString(m.phase)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "%s %s %d/%d\n", s.label.Render("epoch"), m.bar.ViewAs(m.fraction()), m.epoch, m.epochs)
	fmt.Fprintf(&b, "%s %s\n", s.label.Render("best"), s.ok.Render(fmt.Sprintf("%.3f", m.best)))

	names := make([]string, 0, len(m.series))
	for name := range m.series {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "%s %s %s\n", s.label.Render(name),
			s.graph.Render(sparkline(m.series[name], inner-24)), fmt.Sprintf("%10.4g", m.latest[name]))
	}
	b.WriteString("\n")
	if m.stopping {
		b.WriteString(s.warn.Render("stopping after this epoch, press q again to close the view"))
	} else {
		b.WriteString(s.dim.Render("q: stop after this epoch"))
	}
	return s.panel.Render(b.String())
}

func sparkline(series []float64, width int) string {
	if width < 4 {
		width = 4
	}
	if len(series) == 0 {
		return strings.Repeat(".", width)
	}
	sampled := series
	if len(series) > width {
		sampled = make([]float64, 0, width)
		step := float64(len(series)-1) / float64(width-1)
		for i := 0; i < width; i++ {
			sampled = append(sampled, series[int(math.Round(float64(i)*step))])
		}
	}
	lo, hi := sampled[0], sampled[0]
	for _, v := range sampled[1:] {
		lo, hi = math.Min(lo, v), math.Max(hi, v)
	}
	chars := []rune("▁▂▃▄▅▆▇█")
	if hi == lo {
		return strings.Repeat(string(chars[len(chars)-2]), len(sampled)) + strings.Repeat(" ", width-len(sampled))
	}
	var b strings.Builder
	for _, v := range sampled {
		b.WriteRune(chars[int(math.Round((v-lo)/(hi-lo)*float64(len(chars)-1)))])
	}
	b.WriteString(strings.Repeat(" ", width-len(sampled)))
	return b.String()
}
