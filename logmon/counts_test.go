package logmon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cachewarden/cachewarden/datasource"
	"github.com/cachewarden/cachewarden/paths"
	"github.com/cachewarden/cachewarden/worker"
)

// countScript emits a fixed count snapshot and tallies invocations.
func countScript(invocations string) string {
	return fmt.Sprintf(`#!/bin/sh
echo run >> %q
cat > "$3" <<'EOF'
{"is_processing": false, "percent_complete": 100, "status": "complete", "message": "", "lines_processed": 7, "service_counts": {"Steam": 5, "epic": 2}}
EOF
`, invocations)
}

const countFailScript = `#!/bin/sh
echo "count blew up" >&2
exit 3
`

type countsEnv struct {
	counts      *Counts
	invocations string
	root        string
}

func newCountsEnv(t *testing.T, script string) *countsEnv {
	t.Helper()
	requirePosix(t)

	root := t.TempDir()
	invocations := filepath.Join(root, "invocations.txt")
	if script == "" {
		script = countScript(invocations)
	}

	binDir := filepath.Join(root, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(binDir, paths.LogManagerBinary), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	resolver := paths.NewResolver(filepath.Join(root, "data"), binDir)
	if err := resolver.EnsureLayout(); err != nil {
		t.Fatal(err)
	}

	var datasources []datasource.Datasource
	for _, name := range []string{"alpha", "beta"} {
		cache := filepath.Join(root, "cache", name)
		logs := filepath.Join(root, "logs", name)
		for _, dir := range []string{cache, logs} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				t.Fatal(err)
			}
		}
		datasources = append(datasources, datasource.Datasource{
			Name:      name,
			CachePath: cache,
			LogPath:   filepath.Join(logs, "access.log"),
		})
	}
	registry, err := datasource.NewRegistry(datasource.Config{Datasources: datasources})
	if err != nil {
		t.Fatal(err)
	}

	counts, err := NewCounts(CountsConfig{
		Registry: registry,
		Workers:  worker.NewSupervisor(worker.Config{PollInterval: 20 * time.Millisecond}),
		Paths:    resolver,
		TTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("NewCounts() error = %v", err)
	}
	return &countsEnv{counts: counts, invocations: invocations, root: root}
}

func (e *countsEnv) invocationCount(t *testing.T) int {
	t.Helper()
	data, err := os.ReadFile(e.invocations)
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		t.Fatal(err)
	}
	return strings.Count(string(data), "run")
}

func TestServiceCounts_AggregatesAndCaches(t *testing.T) {
	env := newCountsEnv(t, "")
	ctx := context.Background()

	got, err := env.counts.ServiceCounts(ctx)
	if err != nil {
		t.Fatalf("ServiceCounts() error = %v", err)
	}
	// Both datasources report {Steam:5, epic:2}; keys fold case-insensitively.
	if got["steam"] != 10 || got["epic"] != 4 || len(got) != 2 {
		t.Fatalf("counts = %v, want steam=10 epic=4", got)
	}
	if n := env.invocationCount(t); n != 2 {
		t.Fatalf("helper ran %d times, want once per datasource", n)
	}

	// Second call is served from the cache.
	again, err := env.counts.ServiceCounts(ctx)
	if err != nil {
		t.Fatalf("ServiceCounts() error = %v", err)
	}
	if again["steam"] != 10 {
		t.Errorf("cached counts = %v", again)
	}
	if n := env.invocationCount(t); n != 2 {
		t.Errorf("helper ran %d times after cached call, want 2", n)
	}

	// Invalidate drops the cache and the next call re-collects.
	env.counts.Invalidate()
	if _, err := env.counts.ServiceCounts(ctx); err != nil {
		t.Fatalf("ServiceCounts() error = %v", err)
	}
	if n := env.invocationCount(t); n != 4 {
		t.Errorf("helper ran %d times after invalidation, want 4", n)
	}
}

func TestServiceCounts_WorkerFailure(t *testing.T) {
	env := newCountsEnv(t, countFailScript)

	_, err := env.counts.ServiceCounts(context.Background())
	if err == nil {
		t.Fatal("ServiceCounts() succeeded, want worker failure")
	}
	if !strings.Contains(err.Error(), "exited with code 3") {
		t.Errorf("error = %v, want exit code message", err)
	}
}

func TestServiceCounts_NoProgressLeftovers(t *testing.T) {
	env := newCountsEnv(t, "")

	if _, err := env.counts.ServiceCounts(context.Background()); err != nil {
		t.Fatal(err)
	}
	matches, err := filepath.Glob(filepath.Join(env.root, "data", "operations", "progress_*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Errorf("progress files left behind: %v", matches)
	}
}
