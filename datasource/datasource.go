// Package datasource tracks the configured cache datasources and their
// directory permissions. Each datasource is a (name, cache path, log
// path) triple; a background loop reprobes writability and publishes
// DirectoryPermissionsChanged on transitions.
package datasource

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/cachewarden/cachewarden/bus"
	"github.com/cachewarden/cachewarden/log"
	"github.com/cachewarden/cachewarden/paths"
	"github.com/cachewarden/cachewarden/types"
)

// DefaultReprobeInterval is how often the registry re-checks directory
// permissions.
const DefaultReprobeInterval = 30 * time.Second

// Datasource is one configured cache instance.
type Datasource struct {
	// Name is the unique datasource name.
	Name string
	// CachePath is the nginx cache root for this datasource.
	CachePath string
	// LogPath is the access.log path for this datasource.
	LogPath string
}

// Permissions is the writability snapshot for one datasource.
type Permissions struct {
	// CacheWritable reports whether the cache root accepts writes.
	CacheWritable bool
	// LogsWritable reports whether the log directory accepts writes.
	LogsWritable bool
}

// PermissionsChange is the DirectoryPermissionsChanged event payload.
type PermissionsChange struct {
	Datasource    string `json:"datasource"`
	CacheWritable bool   `json:"cache_writable"`
	LogsWritable  bool   `json:"logs_writable"`
}

// Config configures a Registry.
type Config struct {
	// Datasources lists the enabled datasources, in configuration order.
	Datasources []Datasource
	// ReprobeInterval overrides the permission re-check cadence. Zero
	// uses DefaultReprobeInterval.
	ReprobeInterval time.Duration
	// Probe overrides the writability check. Nil uses
	// paths.IsDirectoryWritable.
	Probe func(path string) bool
	// Bus receives DirectoryPermissionsChanged events. Optional.
	Bus *bus.Bus
	// Logger is an optional logger.
	Logger *log.Logger
}

// Registry holds the datasources and their current permissions.
type Registry struct {
	config      Config
	datasources []Datasource

	mu    sync.RWMutex
	perms map[string]Permissions
}

// NewRegistry builds the registry and takes the initial permission
// snapshot. The snapshot itself publishes nothing; only later transitions
// do.
func NewRegistry(config Config) (*Registry, error) {
	if len(config.Datasources) == 0 {
		return nil, types.NewError(types.KindConfig, "at least one datasource is required")
	}
	if config.ReprobeInterval <= 0 {
		config.ReprobeInterval = DefaultReprobeInterval
	}
	if config.Probe == nil {
		config.Probe = paths.IsDirectoryWritable
	}

	r := &Registry{
		config:      config,
		datasources: append([]Datasource(nil), config.Datasources...),
		perms:       make(map[string]Permissions, len(config.Datasources)),
	}
	for _, ds := range r.datasources {
		r.perms[ds.Name] = r.probe(ds)
	}
	return r, nil
}

// Datasources returns the datasources in configuration order.
func (r *Registry) Datasources() []Datasource {
	return append([]Datasource(nil), r.datasources...)
}

// DefaultDatasource returns the first configured datasource.
func (r *Registry) DefaultDatasource() Datasource {
	return r.datasources[0]
}

// Get returns the datasource by name.
func (r *Registry) Get(name string) (Datasource, bool) {
	for _, ds := range r.datasources {
		if ds.Name == name {
			return ds, true
		}
	}
	return Datasource{}, false
}

// Permissions returns the last probed permissions for the datasource.
// Unknown names read as fully non-writable.
func (r *Registry) Permissions(name string) Permissions {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.perms[name]
}

// Run reprobes on the configured cadence until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.ReprobeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reprobe()
		}
	}
}

// Reprobe re-checks every datasource and publishes
// DirectoryPermissionsChanged for each whose permissions changed.
// Returns the transitions, newest snapshot values.
func (r *Registry) Reprobe() []PermissionsChange {
	var changes []PermissionsChange
	for _, ds := range r.datasources {
		current := r.probe(ds)

		r.mu.Lock()
		previous := r.perms[ds.Name]
		if current != previous {
			r.perms[ds.Name] = current
			changes = append(changes, PermissionsChange{
				Datasource:    ds.Name,
				CacheWritable: current.CacheWritable,
				LogsWritable:  current.LogsWritable,
			})
		}
		r.mu.Unlock()
	}

	for _, change := range changes {
		if r.config.Logger != nil {
			r.config.Logger.Info("datasource permissions changed", map[string]any{
				"datasource":     change.Datasource,
				"cache_writable": change.CacheWritable,
				"logs_writable":  change.LogsWritable,
			})
		}
		if r.config.Bus != nil {
			r.config.Bus.NotifyAll(types.EventDirectoryPermissionsChanged, change)
		}
	}
	return changes
}

func (r *Registry) probe(ds Datasource) Permissions {
	return Permissions{
		CacheWritable: r.config.Probe(ds.CachePath),
		LogsWritable:  r.config.Probe(logDir(ds.LogPath)),
	}
}

// logDir maps the access.log path to the directory the log processor
// must be able to write (truncation and reopen both need it).
func logDir(logPath string) string {
	if logPath == "" {
		return logPath
	}
	return filepath.Dir(logPath)
}
