package removal

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cachewarden/cachewarden/bus"
	"github.com/cachewarden/cachewarden/datasource"
	"github.com/cachewarden/cachewarden/paths"
	"github.com/cachewarden/cachewarden/store"
	"github.com/cachewarden/cachewarden/tracker"
	"github.com/cachewarden/cachewarden/types"
	"github.com/cachewarden/cachewarden/worker"
)

func requirePosix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-based worker tests require a POSIX platform")
	}
}

// removerScript writes a finished progress snapshot and the removal
// output JSON.
const removerScript = `#!/bin/sh
cat > "$6" <<'EOF'
{"status":"complete","message":"removed","percentComplete":100,"filesProcessed":20,"totalFiles":20}
EOF
cat > "$5" <<'EOF'
{"cache_files_deleted":10,"total_bytes_freed":1073741824,"empty_dirs_removed":3,"log_entries_removed":50,"depot_ids":[101,202]}
EOF
exit 0
`

// serviceScript additionally prints the human statistics lines on stderr,
// the way the service remover does.
const serviceScript = `#!/bin/sh
cat > "$6" <<'EOF'
{"status":"complete","message":"removed","percentComplete":100,"filesProcessed":20,"totalFiles":20}
EOF
cat > "$5" <<'EOF'
{"cache_files_deleted":10,"total_bytes_freed":1073741824,"empty_dirs_removed":3,"log_entries_removed":50,"depot_ids":[]}
EOF
echo "Cache files deleted: 10" >&2
echo "Bytes freed: 1.0 GB" >&2
echo "Log entries removed: 50" >&2
echo "Database entries deleted: 12" >&2
exit 0
`

// statsOnlyScript emits the stderr statistics but no output file.
const statsOnlyScript = `#!/bin/sh
echo "Cache files deleted: 7" >&2
echo "Bytes freed: 512.0 MB" >&2
echo "Log entries removed: 21" >&2
echo "Database entries deleted: 4" >&2
exit 0
`

const slowScript = `#!/bin/sh
sleep 30
`

const failScript = `#!/bin/sh
echo "log locked" >&2
exit 5
`

type fakeGate struct {
	pauses  atomic.Int32
	resumes atomic.Int32
}

func (g *fakeGate) Pause()  { g.pauses.Add(1) }
func (g *fakeGate) Resume() { g.resumes.Add(1) }

type fakeCounts struct {
	invalidations atomic.Int32
}

func (c *fakeCounts) Invalidate() { c.invalidations.Add(1) }

type fakeReopener struct {
	calls atomic.Int32
}

func (r *fakeReopener) ReopenLogs(context.Context) error {
	r.calls.Add(1)
	return nil
}

type testEnv struct {
	service  *Service
	tracker  *tracker.Tracker
	events   <-chan bus.Event
	store    *store.Store
	gate     *fakeGate
	counts   *fakeCounts
	reopener *fakeReopener
	logDirs  map[string]string
}

func newTestEnv(t *testing.T, script string, writable map[string]bool) *testEnv {
	t.Helper()
	requirePosix(t)

	root := t.TempDir()
	binDir := filepath.Join(root, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{paths.GameRemoverBinary, paths.ServiceRemoverBinary} {
		if err := os.WriteFile(filepath.Join(binDir, name), []byte(script), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	resolver := paths.NewResolver(filepath.Join(root, "data"), binDir)
	if err := resolver.EnsureLayout(); err != nil {
		t.Fatal(err)
	}
	db, err := store.New(store.Config{Path: filepath.Join(root, "data", "test.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logDirs := make(map[string]string)
	var sources []datasource.Datasource
	for _, name := range []string{"alpha", "beta"} {
		cache := filepath.Join(root, "cache", name)
		logs := filepath.Join(root, "logs", name)
		for _, dir := range []string{cache, logs} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				t.Fatal(err)
			}
		}
		logDirs[name] = logs
		sources = append(sources, datasource.Datasource{
			Name:      name,
			CachePath: cache,
			LogPath:   filepath.Join(logs, "access.log"),
		})
	}

	// The probe admits everything except paths the test marked read-only
	// ("<name>" blocks cache, "<name>/logs" blocks the log dir).
	probe := func(path string) bool {
		for _, ds := range sources {
			if path == ds.CachePath {
				if ok, found := writable[ds.Name]; found {
					return ok
				}
			}
			if path == filepath.Dir(ds.LogPath) {
				if ok, found := writable[ds.Name+"/logs"]; found {
					return ok
				}
			}
		}
		return true
	}

	registry, err := datasource.NewRegistry(datasource.Config{Datasources: sources, Probe: probe})
	if err != nil {
		t.Fatal(err)
	}

	tr := tracker.New(tracker.Config{GracePeriod: 5 * time.Second})
	t.Cleanup(tr.Close)
	b := bus.New(bus.Config{BufferSize: 512})
	t.Cleanup(b.Close)
	events, cancel := b.Subscribe("test")
	t.Cleanup(cancel)

	gate := &fakeGate{}
	counts := &fakeCounts{}
	reopener := &fakeReopener{}
	service, err := NewService(Config{
		Registry: registry,
		Tracker:  tr,
		Bus:      b,
		Store:    db,
		Workers:  worker.NewSupervisor(worker.Config{PollInterval: 20 * time.Millisecond}),
		Paths:    resolver,
		Monitor:  gate,
		Counts:   counts,
		Reopener: reopener,
		Probe:    probe,
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	return &testEnv{
		service: service, tracker: tr, events: events, store: db,
		gate: gate, counts: counts, reopener: reopener, logDirs: logDirs,
	}
}

func (e *testEnv) waitForComplete(t *testing.T, name string) (Result, []bus.Event) {
	t.Helper()
	var seen []bus.Event
	deadline := time.After(15 * time.Second)
	for {
		select {
		case ev := <-e.events:
			seen = append(seen, ev)
			if ev.Name == name {
				result, ok := ev.Payload.(Result)
				if !ok {
					t.Fatalf("complete payload type = %T", ev.Payload)
				}
				return result, seen
			}
		case <-deadline:
			t.Fatalf("no %s event", name)
		}
	}
}

func TestRemoveGame_AggregatesAcrossDatasources(t *testing.T) {
	env := newTestEnv(t, removerScript, nil)

	now := time.Now().UTC()
	err := env.store.UpsertDetections(context.Background(), []types.CachedGameDetection{
		{GameAppID: 730, GameName: "Counter-Strike 2", CacheFilesFound: 10, TotalSizeBytes: 1 << 30, LastDetectedAt: now, CreatedAt: now},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	opID, err := env.service.RemoveGame(730)
	if err != nil {
		t.Fatalf("RemoveGame() error = %v", err)
	}

	result, seen := env.waitForComplete(t, types.EventGameRemovalComplete)
	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if result.Target != "730" {
		t.Errorf("Target = %q, want 730", result.Target)
	}
	if result.DatasourcesRun != 2 {
		t.Errorf("DatasourcesRun = %d, want 2", result.DatasourcesRun)
	}
	if result.CacheFilesDeleted != 20 {
		t.Errorf("CacheFilesDeleted = %d, want 20", result.CacheFilesDeleted)
	}
	if result.TotalBytesFreed != 2*1073741824 {
		t.Errorf("TotalBytesFreed = %d, want 2 GiB", result.TotalBytesFreed)
	}
	if result.LogEntriesRemoved != 100 {
		t.Errorf("LogEntriesRemoved = %d, want 100", result.LogEntriesRemoved)
	}
	if len(result.DepotIDs) != 2 || result.DepotIDs[0] != 101 || result.DepotIDs[1] != 202 {
		t.Errorf("DepotIDs = %v, want deduplicated [101 202]", result.DepotIDs)
	}

	if seen[0].Name != types.EventGameRemovalStarted {
		t.Errorf("first event = %q, want started", seen[0].Name)
	}

	// Post-removal bookkeeping: detection row gone, count cache
	// invalidated, proxy asked to reopen, monitor paused and resumed.
	row, err := env.store.GetGameDetection(context.Background(), 730)
	if err != nil {
		t.Fatal(err)
	}
	if row != nil {
		t.Errorf("detection row survived removal: %+v", row)
	}
	if got := env.counts.invalidations.Load(); got != 1 {
		t.Errorf("count cache invalidations = %d, want 1", got)
	}
	if got := env.reopener.calls.Load(); got != 1 {
		t.Errorf("log reopen calls = %d, want 1", got)
	}
	if p, r := env.gate.pauses.Load(), env.gate.resumes.Load(); p != 1 || r != 1 {
		t.Errorf("pause/resume = %d/%d, want 1/1", p, r)
	}

	op, _ := env.tracker.GetOperation(opID)
	if op.Status != types.StatusCompleted {
		t.Errorf("operation status = %v, want Completed", op.Status)
	}
}

func TestRemoveService_ParsesStderrStatistics(t *testing.T) {
	env := newTestEnv(t, serviceScript, nil)

	now := time.Now().UTC()
	err := env.store.UpsertDetections(context.Background(), nil, []types.CachedServiceDetection{
		{ServiceName: "wsus", CacheFilesFound: 20, TotalSizeBytes: 2 << 30, LastDetectedAt: now, CreatedAt: now},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.service.RemoveService("  WSUS  "); err != nil {
		t.Fatalf("RemoveService() error = %v", err)
	}

	result, _ := env.waitForComplete(t, types.EventServiceRemovalComplete)
	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if result.Target != "wsus" {
		t.Errorf("Target = %q, want lower-cased wsus", result.Target)
	}
	// Output JSON carries the file counts; the database entry count only
	// exists in the stderr statistics.
	if result.CacheFilesDeleted != 20 {
		t.Errorf("CacheFilesDeleted = %d, want 20", result.CacheFilesDeleted)
	}
	if result.DatabaseEntriesDeleted != 24 {
		t.Errorf("DatabaseEntriesDeleted = %d, want 24", result.DatabaseEntriesDeleted)
	}

	rows, err := env.store.GetServiceDetections(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("service detection rows = %+v, want empty", rows)
	}
}

func TestRemoveService_StderrFallbackWithoutOutput(t *testing.T) {
	env := newTestEnv(t, statsOnlyScript, nil)

	if _, err := env.service.RemoveService("steam"); err != nil {
		t.Fatalf("RemoveService() error = %v", err)
	}

	result, _ := env.waitForComplete(t, types.EventServiceRemovalComplete)
	if !result.Success {
		t.Fatalf("result = %+v, want success from stderr statistics", result)
	}
	if result.CacheFilesDeleted != 14 {
		t.Errorf("CacheFilesDeleted = %d, want 14", result.CacheFilesDeleted)
	}
	if result.TotalBytesFreed != 2*512*1024*1024 {
		t.Errorf("TotalBytesFreed = %d, want 1 GiB total", result.TotalBytesFreed)
	}
	if result.DatabaseEntriesDeleted != 8 {
		t.Errorf("DatabaseEntriesDeleted = %d, want 8", result.DatabaseEntriesDeleted)
	}
}

func TestRemoveGame_MissingOutputFails(t *testing.T) {
	env := newTestEnv(t, statsOnlyScript, nil)

	if _, err := env.service.RemoveGame(440); err != nil {
		t.Fatalf("RemoveGame() error = %v", err)
	}

	result, _ := env.waitForComplete(t, types.EventGameRemovalComplete)
	if result.Success {
		t.Fatal("game removal succeeded without an output file")
	}
	if !strings.Contains(result.Error, "produced no output") {
		t.Errorf("Error = %q, want missing-output failure", result.Error)
	}
}

func TestRemoveService_SkipsUnwritableLogs(t *testing.T) {
	env := newTestEnv(t, serviceScript, map[string]bool{"beta/logs": false})

	if _, err := env.service.RemoveService("steam"); err != nil {
		t.Fatalf("RemoveService() error = %v", err)
	}

	result, _ := env.waitForComplete(t, types.EventServiceRemovalComplete)
	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if result.DatasourcesRun != 1 {
		t.Errorf("DatasourcesRun = %d, want 1 after skipping beta", result.DatasourcesRun)
	}
	if !strings.Contains(result.Warning, "beta") {
		t.Errorf("Warning = %q, want it to name beta", result.Warning)
	}
}

func TestRemoveGame_IgnoresUnwritableLogs(t *testing.T) {
	// Game removal gates on the cache directory only.
	env := newTestEnv(t, removerScript, map[string]bool{"beta/logs": false})

	if _, err := env.service.RemoveGame(730); err != nil {
		t.Fatalf("RemoveGame() error = %v", err)
	}

	result, _ := env.waitForComplete(t, types.EventGameRemovalComplete)
	if !result.Success || result.DatasourcesRun != 2 {
		t.Errorf("result = %+v, want both datasources despite read-only logs", result)
	}
}

func TestRemove_AllUnwritableFails(t *testing.T) {
	env := newTestEnv(t, removerScript, map[string]bool{"alpha": false, "beta": false})

	opID, err := env.service.RemoveGame(730)
	if err != nil {
		t.Fatalf("RemoveGame() error = %v", err)
	}

	result, _ := env.waitForComplete(t, types.EventGameRemovalComplete)
	if result.Success {
		t.Fatal("removal succeeded with no writable datasource")
	}
	if !strings.Contains(result.Error, "no writable datasources") {
		t.Errorf("Error = %q, want no-writable-datasources failure", result.Error)
	}

	op, _ := env.tracker.GetOperation(opID)
	if op.Status != types.StatusFailed {
		t.Errorf("operation status = %v, want Failed", op.Status)
	}
}

func TestRemove_EntityKeySingleFlight(t *testing.T) {
	env := newTestEnv(t, slowScript, nil)

	opID, err := env.service.RemoveGame(730)
	if err != nil {
		t.Fatalf("RemoveGame() error = %v", err)
	}
	if _, err := env.service.RemoveGame(730); !types.IsAlreadyInProgress(err) {
		t.Errorf("duplicate RemoveGame() error = %v, want AlreadyInProgress", err)
	}

	// A different app id is a different entity.
	otherID, err := env.service.RemoveGame(440)
	if err != nil {
		t.Errorf("RemoveGame(440) error = %v, want concurrent removal allowed", err)
	}

	for _, id := range []string{opID, otherID} {
		if id == "" {
			continue
		}
		if err := env.tracker.ForceKill(id); err != nil {
			t.Fatalf("ForceKill(%s) error = %v", id, err)
		}
	}
	env.waitForComplete(t, types.EventGameRemovalComplete)
}

func TestRemove_WorkerFailure(t *testing.T) {
	env := newTestEnv(t, failScript, nil)

	if _, err := env.service.RemoveService("steam"); err != nil {
		t.Fatalf("RemoveService() error = %v", err)
	}

	result, _ := env.waitForComplete(t, types.EventServiceRemovalComplete)
	if result.Success {
		t.Fatal("result succeeded despite worker failure")
	}
	if !strings.Contains(result.Error, "exited with code 5") || !strings.Contains(result.Error, "log locked") {
		t.Errorf("Error = %q, want exit code and stderr", result.Error)
	}
}

func TestRemove_ForceKillCancels(t *testing.T) {
	env := newTestEnv(t, slowScript, nil)

	opID, err := env.service.RemoveGame(730)
	if err != nil {
		t.Fatalf("RemoveGame() error = %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if err := env.tracker.ForceKill(opID); err != nil {
		t.Fatalf("ForceKill() error = %v", err)
	}

	result, _ := env.waitForComplete(t, types.EventGameRemovalComplete)
	if !result.Cancelled {
		t.Fatalf("result = %+v, want cancelled", result)
	}
	if result.Error != "" {
		t.Errorf("Error = %q, want empty for plain cancellation", result.Error)
	}
	if p, r := env.gate.pauses.Load(), env.gate.resumes.Load(); p != r {
		t.Errorf("pause/resume = %d/%d, want balanced after cancellation", p, r)
	}
}

func TestRemove_InvalidTargets(t *testing.T) {
	env := newTestEnv(t, removerScript, nil)

	if _, err := env.service.RemoveGame(0); !types.IsKind(err, types.KindConfig) {
		t.Errorf("RemoveGame(0) error = %v, want config error", err)
	}
	if _, err := env.service.RemoveService("   "); !types.IsKind(err, types.KindConfig) {
		t.Errorf("blank service error = %v, want config error", err)
	}
}

func TestParseStderrStats(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   StderrStats
	}{
		{
			name: "full output",
			stderr: "removing entries...\nCache files deleted: 42\nBytes freed: 1.5 GB\n" +
				"Log entries removed: 100\nDatabase entries deleted: 7\ndone\n",
			want: StderrStats{
				CacheFilesDeleted:      42,
				BytesFreed:             uint64(1.5 * 1024 * 1024 * 1024),
				LogEntriesRemoved:      100,
				DatabaseEntriesDeleted: 7,
			},
		},
		{
			name:   "megabytes",
			stderr: "Bytes freed: 256.0 MB\n",
			want:   StderrStats{BytesFreed: 256 * 1024 * 1024},
		},
		{
			name:   "no statistics",
			stderr: "warning: nothing matched\n",
			want:   StderrStats{},
		},
		{
			name:   "partial",
			stderr: "Cache files deleted: 3\n",
			want:   StderrStats{CacheFilesDeleted: 3},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseStderrStats(tt.stderr)
			if *got != tt.want {
				t.Errorf("ParseStderrStats() = %+v, want %+v", *got, tt.want)
			}
		})
	}
}
