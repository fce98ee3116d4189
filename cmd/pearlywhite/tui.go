package main

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/gwillem/pearlywhite/pkg/teleop"
)

const (
	headerHeight = 2 // title + blank line
	legendHeight = 2 // legend row + blank
	footerHeight = 7 // log box height
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // chart border
)

// axes are charted as the offset from the first observed position.
var axes = []struct {
	name  string
	color string
}{
	{"x", "196"}, // red
	{"y", "46"},  // green
	{"z", "51"},  // cyan
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	promptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
)

type monitorModel struct {
	title  string
	help   string
	ctrl   *teleop.Controller
	chart  *streamlinechart.Model
	onKey  func(key string) // receives every key except quit keys
	done   <-chan error
	notes  <-chan string
	cancel func()

	width    int // terminal width
	height   int // terminal height
	logs     []string
	prompt   string
	origin   *[3]float64
	last     [3]float64
	err      error
	finished bool
	quitting bool
}

func (m *monitorModel) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

// Messages from the controller and the background run
type stateMsg teleop.State
type logMsg string
type noteMsg string
type doneMsg struct{ err error }

func waitForState(ctrl *teleop.Controller) tea.Cmd {
	return func() tea.Msg {
		return stateMsg(<-ctrl.States())
	}
}

func waitForLog(ctrl *teleop.Controller) tea.Cmd {
	return func() tea.Msg {
		return logMsg(<-ctrl.Logs())
	}
}

func waitForNote(notes <-chan string) tea.Cmd {
	return func() tea.Msg {
		return noteMsg(<-notes)
	}
}

func waitForDone(done <-chan error) tea.Cmd {
	return func() tea.Msg {
		return doneMsg{<-done}
	}
}

// chartSize calculates the size of the chart based on terminal dimensions
func (m *monitorModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 20 // default size before we know terminal size
	}
	width = max(m.width-borderSize-2, 40)
	height = max(m.height-headerHeight-legendHeight-footerHeight-borderSize-1, 10)
	return width, height
}

func (m *monitorModel) resizeChart() {
	w, h := m.chartSize()
	m.chart.Resize(w, h)
}

func newMonitorModel(title, help string, ctrl *teleop.Controller, onKey func(string), done <-chan error, notes <-chan string, cancel func()) monitorModel {
	chart := streamlinechart.New(80, 20,
		streamlinechart.WithYRange(-100, 100),
	)
	for _, a := range axes {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(a.color))
		chart.SetDataSetStyles(a.name, runes.ThinLineStyle, style)
	}

	return monitorModel{
		title:  title,
		help:   help,
		ctrl:   ctrl,
		chart:  &chart,
		onKey:  onKey,
		done:   done,
		notes:  notes,
		cancel: cancel,
	}
}

func (m monitorModel) Init() tea.Cmd {
	cmds := []tea.Cmd{
		waitForState(m.ctrl),
		waitForLog(m.ctrl),
		waitForDone(m.done),
	}
	if m.notes != nil {
		cmds = append(cmds, waitForNote(m.notes))
	}
	return tea.Batch(cmds...)
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeChart()
		return m, nil

	case tea.KeyMsg:
		switch key := msg.String(); key {
		case "q", "ctrl+c":
			m.quitting = true
			m.cancel()
			return m, tea.Quit
		default:
			if m.onKey != nil {
				m.onKey(key)
			}
		}

	case stateMsg:
		state := teleop.State(msg)
		if state.Error != nil {
			m.addLog(state.Error.Error())
			return m, waitForState(m.ctrl)
		}
		pos := [3]float64{state.X, state.Y, state.Z}
		if m.origin == nil {
			m.origin = &pos
		}
		// Only update chart if there's movement (freeze when idle)
		if pos != m.last {
			for i, a := range axes {
				m.chart.PushDataSet(a.name, pos[i]-m.origin[i])
			}
			m.chart.DrawAll()
			m.last = pos
		}
		return m, waitForState(m.ctrl)

	case logMsg:
		m.addLog(string(msg))
		return m, waitForLog(m.ctrl)

	case noteMsg:
		m.prompt = string(msg)
		return m, waitForNote(m.notes)

	case doneMsg:
		m.err = msg.err
		m.finished = true
		return m, tea.Quit
	}

	return m, nil
}

func (m monitorModel) View() string {
	if m.quitting || m.finished {
		return ""
	}

	var sb strings.Builder

	// Header
	sb.WriteString(titleStyle.Render(m.title))
	sb.WriteString(fmt.Sprintf(" - %d Hz", m.ctrl.Hz()))
	sb.WriteString(statusStyle.Render(fmt.Sprintf("  x=%.1f y=%.1f z=%.1f", m.last[0], m.last[1], m.last[2])))
	if m.prompt != "" {
		sb.WriteString("  " + promptStyle.Render(m.prompt))
	}
	sb.WriteString("\n\n")

	// Chart
	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")

	// Legend
	sb.WriteString(renderLegend())
	sb.WriteString("\n")

	// Log box
	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(max(m.width-4, 20)).
		Foreground(lipgloss.Color("9")) // bright red

	var logLines string
	if len(m.logs) == 0 {
		logLines = statusStyle.Render(m.help)
	} else {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func renderLegend() string {
	var items []string
	for _, a := range axes {
		colorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(a.color)).Bold(true)
		items = append(items, colorStyle.Render("━━")+" "+a.name+" (mm)")
	}
	return strings.Join(items, "  ")
}
