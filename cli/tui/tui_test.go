package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/cachewarden/cachewarden/cli/reader"
)

func TestIsSupported(t *testing.T) {
	for _, view := range []string{ViewInspectOperation, ViewStats, ViewOpsWatch} {
		if !IsSupported(view) {
			t.Errorf("IsSupported(%q) = false", view)
		}
	}
	if IsSupported("list_operations") {
		t.Error("unexpected support for list view")
	}
}

func TestNewModelRejectsWrongPayload(t *testing.T) {
	if _, err := NewInspectModel("not a detail"); err == nil {
		t.Error("inspect model should reject non-detail payload")
	}
	if _, err := NewStatsModel(42); err == nil {
		t.Error("stats model should reject non-stats payload")
	}
	if _, err := NewWatchModel(struct{}{}); err == nil {
		t.Error("watch model should reject payloads without an operations source")
	}
}

func TestInspectViewShowsDetail(t *testing.T) {
	detail := &reader.OperationDetail{
		Key:       "CacheClearing_op-1",
		ID:        "op-1",
		Type:      "CacheClearing",
		Status:    "Completed",
		Message:   "Cleared 2 datasources",
		Data:      map[string]any{"delete_mode": "preserve"},
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	m, err := NewInspectModel(detail)
	if err != nil {
		t.Fatalf("NewInspectModel: %v", err)
	}

	view := m.View()
	for _, want := range []string{"op-1", "CacheClearing", "Cleared 2 datasources", "delete_mode", "2026-01-02T03:04:05Z"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestInspectQuitClearsView(t *testing.T) {
	m, err := NewInspectModel(&reader.OperationDetail{ID: "op-1"})
	if err != nil {
		t.Fatalf("NewInspectModel: %v", err)
	}

	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if view := updated.View(); view != "" {
		t.Errorf("view after quit = %q", view)
	}
}

func TestStatsViewShowsCounters(t *testing.T) {
	stats := &reader.Stats{
		Games:             3,
		Services:          2,
		CorruptedServices: 1,
		CachedBytes:       5 * 1024 * 1024 * 1024,
		ActiveSessions:    4,
	}
	stats.Operations.Total = 7
	stats.Operations.Completed = 5

	m, err := NewStatsModel(stats)
	if err != nil {
		t.Fatalf("NewStatsModel: %v", err)
	}

	view := m.View()
	for _, want := range []string{"Operations", "Cache", "Prefill", "5.0 GiB"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestHumanBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{3 * 1024 * 1024, "3.0 MiB"},
	}
	for _, tt := range tests {
		if got := humanBytes(tt.in); got != tt.want {
			t.Errorf("humanBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// fakeSource feeds canned rows to the watch view.
type fakeSource struct {
	items []reader.OperationItem
	err   error
}

func (f *fakeSource) Operations() ([]reader.OperationItem, error) {
	return f.items, f.err
}

func TestWatchViewRendersRows(t *testing.T) {
	source := &fakeSource{items: []reader.OperationItem{
		{ID: "0123456789abcdef", Type: "GameDetection", Status: "Running", Message: "Scanning primary", CreatedAt: time.Now().Add(-90 * time.Second)},
	}}
	m, err := NewWatchModel(source)
	if err != nil {
		t.Fatalf("NewWatchModel: %v", err)
	}

	updated, _ := m.Update(refreshMsg{items: source.items})
	view := updated.View()
	if !strings.Contains(view, "01234567") {
		t.Errorf("view missing shortened id:\n%s", view)
	}
	if strings.Contains(view, "0123456789abcdef") {
		t.Errorf("id should be shortened:\n%s", view)
	}
	if !strings.Contains(view, "GameDetection") {
		t.Errorf("view missing type:\n%s", view)
	}
}

func TestWatchViewShowsReadError(t *testing.T) {
	m, err := NewWatchModel(&fakeSource{})
	if err != nil {
		t.Fatalf("NewWatchModel: %v", err)
	}

	updated, _ := m.Update(refreshMsg{err: errors.New("state dir unreadable")})
	if !strings.Contains(updated.View(), "state dir unreadable") {
		t.Error("read error not surfaced")
	}
}

func TestWatchViewEmpty(t *testing.T) {
	m, err := NewWatchModel(&fakeSource{})
	if err != nil {
		t.Fatalf("NewWatchModel: %v", err)
	}

	updated, _ := m.Update(refreshMsg{})
	if !strings.Contains(updated.View(), "(no operations)") {
		t.Error("empty list placeholder missing")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("hello world", 8); got != "hello..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
}

func TestAge(t *testing.T) {
	if got := age(time.Time{}); got != "" {
		t.Errorf("age(zero) = %q", got)
	}
	if got := age(time.Now().Add(-30 * time.Second)); got != "30s" {
		t.Errorf("age = %q", got)
	}
	if got := age(time.Now().Add(-5 * time.Minute)); got != "5m" {
		t.Errorf("age = %q", got)
	}
}
