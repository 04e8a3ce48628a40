package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/cachewarden/cachewarden/cli/reader"
)

// InspectModel is the static view behind `ops inspect --tui`.
type InspectModel struct {
	detail   *reader.OperationDetail
	quitting bool
}

// NewInspectModel builds the model; data must be *reader.OperationDetail.
func NewInspectModel(data any) (InspectModel, error) {
	detail, ok := data.(*reader.OperationDetail)
	if !ok {
		return InspectModel{}, fmt.Errorf("inspect view expects an operation detail, got %T", data)
	}
	return InspectModel{detail: detail}, nil
}

// Init implements tea.Model.
func (m InspectModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m InspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok && key.Matches(msg, keys.Quit) {
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

// View implements tea.Model.
func (m InspectModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Operation"))
	b.WriteString("\n")

	rows := []struct{ label, value string }{
		{"ID", m.detail.ID},
		{"Type", m.detail.Type},
		{"Status", StatusStyle(m.detail.Status).Render(m.detail.Status)},
		{"Message", m.detail.Message},
		{"Created", m.detail.CreatedAt.UTC().Format(time.RFC3339)},
	}
	var body strings.Builder
	for _, row := range rows {
		if row.value == "" {
			continue
		}
		body.WriteString(LabelStyle.Render(row.label))
		body.WriteString(ValueStyle.Render(row.value))
		body.WriteString("\n")
	}
	for _, k := range sortedDataKeys(m.detail.Data) {
		body.WriteString(LabelStyle.Render(k))
		body.WriteString(ValueStyle.Render(fmt.Sprintf("%v", m.detail.Data[k])))
		body.WriteString("\n")
	}

	b.WriteString(BoxStyle.Render(strings.TrimRight(body.String(), "\n")))
	b.WriteString("\n")
	b.WriteString(HelpStyle.Render("Press q to quit"))
	return b.String()
}

func sortedDataKeys(data map[string]any) []string {
	if len(data) == 0 {
		return nil
	}
	out := make([]string, 0, len(data))
	for k := range data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
