package paths

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestResolver_Layout(t *testing.T) {
	r := NewResolver("/data/warden", "/opt/bin")

	if got := r.DatabasePath(); got != filepath.Join("/data/warden", "cachewarden.db") {
		t.Errorf("DatabasePath() = %q", got)
	}
	if got := r.StateDir(); got != filepath.Join("/data/warden", "operations", "state") {
		t.Errorf("StateDir() = %q", got)
	}
	if got := r.ProgressFile("op-1"); got != filepath.Join("/data/warden", "operations", "progress_op-1.json") {
		t.Errorf("ProgressFile() = %q", got)
	}
	if got := r.OutputFile("op-1"); got != filepath.Join("/data/warden", "operations", "output_op-1.json") {
		t.Errorf("OutputFile() = %q", got)
	}
}

func TestResolver_HelperPath(t *testing.T) {
	r := NewResolver("/data", "/opt/bin")
	got := r.HelperPath(CacheCleanerBinary)

	if !strings.HasPrefix(got, filepath.Join("/opt/bin", "cache-cleaner")) {
		t.Errorf("HelperPath() = %q, want under /opt/bin", got)
	}
	if runtime.GOOS == "windows" && !strings.HasSuffix(got, ".exe") {
		t.Errorf("HelperPath() = %q, want .exe suffix on windows", got)
	}
}

func TestResolver_EnsureLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "warden")
	r := NewResolver(root, "/opt/bin")

	if err := r.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout() error: %v", err)
	}
	for _, dir := range []string{r.OperationsDir(), r.StateDir(), r.SessionsDir()} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("Stat(%s) error: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
}

func TestIsDirectoryWritable(t *testing.T) {
	dir := t.TempDir()
	if !IsDirectoryWritable(dir) {
		t.Error("IsDirectoryWritable() = false for a temp dir")
	}

	if IsDirectoryWritable(filepath.Join(dir, "missing")) {
		t.Error("IsDirectoryWritable() = true for a missing dir")
	}

	// Probe files must not be left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("probe left %d entries behind", len(entries))
	}
}

func TestIsDirectoryWritable_ReadOnly(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("read-only dirs are not enforceable here")
	}
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	if IsDirectoryWritable(dir) {
		t.Error("IsDirectoryWritable() = true for a read-only dir")
	}
}
