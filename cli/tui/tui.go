package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
)

// View type tags routed by Run.
const (
	ViewInspectOperation = "inspect_operation"
	ViewStats            = "stats"
	ViewOpsWatch         = "ops_watch"
)

// keyMap holds the shared key bindings.
type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c", "esc"),
		key.WithHelp("q", "quit"),
	),
}

// IsSupported reports whether viewType has an interactive view.
func IsSupported(viewType string) bool {
	switch viewType {
	case ViewInspectOperation, ViewStats, ViewOpsWatch:
		return true
	default:
		return false
	}
}

// Run starts the interactive view for viewType over data. The data shape
// per view matches what the static renderer receives; see each model.
func Run(viewType string, data any) error {
	model, err := newModel(viewType, data)
	if err != nil {
		return err
	}
	_, err = tea.NewProgram(model).Run()
	return err
}

func newModel(viewType string, data any) (tea.Model, error) {
	switch viewType {
	case ViewInspectOperation:
		return NewInspectModel(data)
	case ViewStats:
		return NewStatsModel(data)
	case ViewOpsWatch:
		return NewWatchModel(data)
	default:
		return nil, fmt.Errorf("TUI mode is not supported for %s", viewType)
	}
}
