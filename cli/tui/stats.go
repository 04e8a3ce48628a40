package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cachewarden/cachewarden/cli/reader"
)

// StatsModel is the static view behind `stats --tui`.
type StatsModel struct {
	stats    *reader.Stats
	quitting bool
}

// NewStatsModel builds the model; data must be *reader.Stats.
func NewStatsModel(data any) (StatsModel, error) {
	stats, ok := data.(*reader.Stats)
	if !ok {
		return StatsModel{}, fmt.Errorf("stats view expects a stats snapshot, got %T", data)
	}
	return StatsModel{stats: stats}, nil
}

// Init implements tea.Model.
func (m StatsModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m StatsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok && key.Matches(msg, keys.Quit) {
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

// View implements tea.Model.
func (m StatsModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Operations"))
	b.WriteString("\n\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		statBox("Total", m.stats.Operations.Total),
		statBox("Running", m.stats.Operations.Running),
		statBox("Completed", m.stats.Operations.Completed),
		statBox("Failed", m.stats.Operations.Failed),
		statBox("Cancelled", m.stats.Operations.Cancelled),
	))

	b.WriteString("\n\n")
	b.WriteString(TitleStyle.Render("Cache"))
	b.WriteString("\n\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		statBox("Games", m.stats.Games),
		statBox("Services", m.stats.Services),
		statBox("Corrupted", m.stats.CorruptedServices),
		statBoxText("Cached", humanBytes(m.stats.CachedBytes)),
	))

	b.WriteString("\n\n")
	b.WriteString(TitleStyle.Render("Prefill"))
	b.WriteString("\n\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		statBox("Sessions", m.stats.ActiveSessions),
		statBox("Bans", m.stats.ActiveBans),
	))

	b.WriteString("\n")
	b.WriteString(HelpStyle.Render("Press q to quit"))
	return b.String()
}

func statBox(label string, value int) string {
	return statBoxText(label, fmt.Sprintf("%d", value))
}

func statBoxText(label, value string) string {
	content := StatValueStyle.Render(value) + "\n" + StatLabelStyle.Render(label)
	return StatBoxStyle.Render(content)
}

// humanBytes renders a byte count with a binary-unit suffix.
func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
