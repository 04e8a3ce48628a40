package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cachewarden/cachewarden/cli/reader"
)

// watchInterval is the poll cadence of the live operations view.
const watchInterval = time.Second

// OpsSource supplies the operation rows the watch view polls. The CLI
// wires a reader-backed implementation; tests wire fakes.
type OpsSource interface {
	Operations() ([]reader.OperationItem, error)
}

// refreshMsg carries one poll result into the model.
type refreshMsg struct {
	items []reader.OperationItem
	err   error
}

// WatchModel is the live view behind `ops watch`.
type WatchModel struct {
	source   OpsSource
	spin     spinner.Model
	items    []reader.OperationItem
	err      error
	loaded   bool
	width    int
	quitting bool
}

// NewWatchModel builds the model; data must implement OpsSource.
func NewWatchModel(data any) (WatchModel, error) {
	source, ok := data.(OpsSource)
	if !ok {
		return WatchModel{}, fmt.Errorf("watch view expects an operations source, got %T", data)
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)
	return WatchModel{source: source, spin: sp}, nil
}

// Init implements tea.Model.
func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.poll(0))
}

// poll schedules one source read after the given delay.
func (m WatchModel) poll(delay time.Duration) tea.Cmd {
	source := m.source
	return tea.Tick(delay, func(time.Time) tea.Msg {
		items, err := source.Operations()
		return refreshMsg{items: items, err: err}
	})
}

// Update implements tea.Model.
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case refreshMsg:
		m.items = msg.items
		m.err = msg.err
		m.loaded = true
		return m, m.poll(watchInterval)
	}

	return m, nil
}

// View implements tea.Model.
func (m WatchModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Operations"))
	b.WriteString(" ")
	b.WriteString(m.spin.View())
	b.WriteString("\n\n")

	switch {
	case m.err != nil:
		b.WriteString(ErrorStyle.Render("read failed: " + m.err.Error()))
	case !m.loaded:
		b.WriteString(MutedStyle.Render("loading..."))
	case len(m.items) == 0:
		b.WriteString(MutedStyle.Render("(no operations)"))
	default:
		b.WriteString(m.renderRows())
	}

	b.WriteString("\n")
	b.WriteString(HelpStyle.Render("Press q to quit"))
	return b.String()
}

func (m WatchModel) renderRows() string {
	header := fmt.Sprintf("%-10s %-22s %-11s %-8s %s", "ID", "TYPE", "STATUS", "AGE", "MESSAGE")

	var b strings.Builder
	b.WriteString(MutedStyle.Render(header))
	b.WriteString("\n")
	for _, item := range m.items {
		row := fmt.Sprintf("%-10s %-22s %s %-8s %s",
			shortID(item.ID),
			item.Type,
			StatusStyle(item.Status).Render(fmt.Sprintf("%-11s", item.Status)),
			age(item.CreatedAt),
			truncate(item.Message, messageWidth(m.width)),
		)
		b.WriteString(row)
		b.WriteString("\n")
	}
	return b.String()
}

// messageWidth leaves room for the fixed-width columns.
func messageWidth(total int) int {
	const fixed = 10 + 22 + 11 + 8 + 4
	if total <= fixed+10 {
		return 40
	}
	return total - fixed
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	if max <= 3 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func age(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
