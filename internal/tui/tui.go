// Package tui provides a read-only BubbleTea dashboard over the scheduler's
// job registry: scheduled jobs, their cron expression, and the outcome of
// their most recent run. It keeps the teacher's interactive search
// interface's palette, spinner, and styling conventions but replaces the
// search-result list with a job list, since ingestion/embedding is now a
// cron-driven background process rather than something a terminal session
// searches interactively.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	colorAccent  = lipgloss.Color("#7C6AF7")
	colorDim     = lipgloss.Color("#555555")
	colorMuted   = lipgloss.Color("#888888")
	colorText    = lipgloss.Color("#DDDDDD")
	colorSubdued = lipgloss.Color("#444444")
	colorErr     = lipgloss.Color("#FF6B6B")
	colorGreen   = lipgloss.Color("#5AF078")

	sTitle   = lipgloss.NewStyle().Bold(true).Foreground(colorText)
	sAccent  = lipgloss.NewStyle().Foreground(colorAccent)
	sDim     = lipgloss.NewStyle().Foreground(colorDim)
	sMuted   = lipgloss.NewStyle().Foreground(colorMuted)
	sErr     = lipgloss.NewStyle().Foreground(colorErr)
	sGreen   = lipgloss.NewStyle().Foreground(colorGreen)
	sDivider = lipgloss.NewStyle().Foreground(colorSubdued)
	sSel     = lipgloss.NewStyle().
			Background(lipgloss.Color("#1E1A3A")).
			Foreground(colorText)
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

type spinTickMsg struct{}

func spinTick() tea.Cmd {
	return tea.Tick(120*time.Millisecond, func(t time.Time) tea.Msg { return spinTickMsg{} })
}

// JobStatus is one row of the dashboard: a scheduled job plus the outcome
// of its most recent run, supplied by the caller's RefreshFunc.
type JobStatus struct {
	ID       string
	JobType  string
	Cron     string
	LastRun  time.Time
	LastErr  string
}

// RefreshFunc polls the scheduler for current job status. It is called
// once at startup and again on every refresh tick.
type RefreshFunc func() ([]JobStatus, error)

type refreshMsg struct {
	jobs []JobStatus
	err  error
}

type refreshTickMsg struct{}

func refreshTick() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return refreshTickMsg{} })
}

// Model is the BubbleTea application model for the job dashboard.
type Model struct {
	refresh RefreshFunc
	jobs    []JobStatus
	cursor  int
	err     error
	spinIdx int
	width   int
	height  int
}

// New builds a Model that polls refresh for job status.
func New(refresh RefreshFunc) Model {
	return Model{refresh: refresh}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.doRefresh(), spinTick())
}

func (m Model) doRefresh() tea.Cmd {
	return func() tea.Msg {
		jobs, err := m.refresh()
		return refreshMsg{jobs: jobs, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.jobs)-1 {
				m.cursor++
			}
		case "r":
			return m, m.doRefresh()
		}
		return m, nil

	case refreshMsg:
		m.jobs = msg.jobs
		m.err = msg.err
		return m, refreshTick()

	case refreshTickMsg:
		return m, m.doRefresh()

	case spinTickMsg:
		m.spinIdx = (m.spinIdx + 1) % len(spinnerFrames)
		return m, spinTick()
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(sTitle.Render("emberd") + sDim.Render("  job dashboard") + "\n")
	b.WriteString(sDivider.Render(strings.Repeat("─", max(40, m.width))) + "\n")

	if m.err != nil {
		b.WriteString(sErr.Render("refresh error: "+m.err.Error()) + "\n")
	}

	if len(m.jobs) == 0 {
		b.WriteString(sMuted.Render("no jobs scheduled") + "\n")
	}

	for i, j := range m.jobs {
		line := fmt.Sprintf("%-36s  %-24s  %-24s", j.ID, j.JobType, j.Cron)
		status := sGreen.Render("ok")
		if j.LastErr != "" {
			status = sErr.Render("failed: " + j.LastErr)
		} else if j.LastRun.IsZero() {
			status = sMuted.Render(spinnerFrames[m.spinIdx] + " pending")
		}
		line += "  " + status
		if !j.LastRun.IsZero() {
			line += sDim.Render("  (" + j.LastRun.Format("15:04:05") + ")")
		}
		if i == m.cursor {
			line = sSel.Render(line)
		}
		b.WriteString(line + "\n")
	}

	b.WriteString(sDivider.Render(strings.Repeat("─", max(40, m.width))) + "\n")
	b.WriteString(sAccent.Render("↑↓") + sMuted.Render(" move  ") +
		sAccent.Render("r") + sMuted.Render(" refresh  ") +
		sAccent.Render("q") + sMuted.Render(" quit") + "\n")

	return b.String()
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
