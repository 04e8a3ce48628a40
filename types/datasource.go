package types

// Datasource identifies one upstream lancache instance this server
// operates on: a named (cache path, log path) pair plus its current
// permission state.
//
// The triple (Name, CachePath, LogPath) is immutable for the lifetime of a
// run; the writability flags are revalidated periodically by the registry.
type Datasource struct {
	// Name is the unique datasource label ("default", "nas", ...).
	Name string `json:"name" yaml:"name"`
	// CachePath is the root of the lancache on-disk cache.
	CachePath string `json:"cachePath" yaml:"cache_path"`
	// LogPath is the directory containing access.log.
	LogPath string `json:"logPath" yaml:"log_path"`
	// Enabled datasources participate in scans, clears and log monitoring.
	Enabled bool `json:"enabled" yaml:"enabled"`
	// CacheWritable reflects the last writability probe of CachePath.
	CacheWritable bool `json:"cacheWritable" yaml:"-"`
	// LogsWritable reflects the last writability probe of LogPath.
	LogsWritable bool `json:"logsWritable" yaml:"-"`
}

// AccessLogName is the proxy's access log file name under LogPath.
const AccessLogName = "access.log"
