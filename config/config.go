package config

import (
	"fmt"
	"time"
)

// Config represents a cachewarden.yaml configuration file.
// All values are optional and fall back to defaults; CLI flags always
// override config values.
type Config struct {
	// DataRoot is the base directory for the database, operation state,
	// prefill session dirs, and ephemeral progress files.
	DataRoot string `yaml:"data_root"`
	// Timezone is passed through to native workers. Defaults to $TZ or UTC.
	Timezone string `yaml:"timezone"`

	Datasources []DatasourceConfig `yaml:"datasources"`
	Workers     WorkersConfig      `yaml:"workers"`
	Operations  OperationsConfig   `yaml:"operations"`
	Clearing    ClearingConfig     `yaml:"clearing"`
	Corruption  CorruptionConfig   `yaml:"corruption"`
	Monitor     MonitorConfig      `yaml:"monitor"`
	Depot       DepotConfig        `yaml:"depot"`
	Prefill     PrefillConfig      `yaml:"prefill"`
	Adapters    AdaptersConfig     `yaml:"adapters"`
}

// DatasourceConfig is one (name, cache path, log path) triple identifying
// an upstream lancache instance.
type DatasourceConfig struct {
	Name      string `yaml:"name"`
	CachePath string `yaml:"cache_path"`
	LogPath   string `yaml:"log_path"`
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled,omitempty"`
}

// IsEnabled treats a missing enabled key as true.
func (d DatasourceConfig) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// WorkersConfig locates the native helper binaries and tunes supervision.
type WorkersConfig struct {
	// BinDir holds the helper executables (log-manager, cache-cleaner, ...).
	BinDir string `yaml:"bin_dir"`
	// PollInterval is the progress-file poll cadence.
	PollInterval Duration `yaml:"poll_interval"`
}

// OperationsConfig tunes the operation tracker and state store.
type OperationsConfig struct {
	// InterruptedCutoff is the age past which a persisted "running" record
	// is reinterpreted as interrupted at startup.
	InterruptedCutoff Duration `yaml:"interrupted_cutoff"`
	// ReprobeInterval is the datasource permission reprobe cadence.
	ReprobeInterval Duration `yaml:"reprobe_interval"`
}

// ClearingConfig tunes cache clearing.
type ClearingConfig struct {
	// DefaultDeleteMode is one of preserve, full, rsync.
	DefaultDeleteMode string `yaml:"default_delete_mode"`
}

// CorruptionConfig tunes corruption detection.
type CorruptionConfig struct {
	// Threshold is the miss count past which a chunk counts as corrupted.
	Threshold int `yaml:"threshold"`
	// SkipCacheCheck passes --no-cache-check to the helper.
	SkipCacheCheck bool `yaml:"skip_cache_check"`
}

// MonitorConfig tunes the live log monitor.
type MonitorConfig struct {
	Interval Duration `yaml:"interval"`
	// GrowthThresholdBytes is the minimum access.log growth that triggers
	// a processing pass.
	GrowthThresholdBytes int64 `yaml:"growth_threshold_bytes"`
}

// DepotConfig tunes the depot mapping backfill.
type DepotConfig struct {
	Interval Duration `yaml:"interval"`
	// IdleInterval takes over after EmptyRunsBeforeIdle consecutive runs
	// found nothing to resolve.
	IdleInterval        Duration `yaml:"idle_interval"`
	EmptyRunsBeforeIdle int      `yaml:"empty_runs_before_idle"`
}

// PrefillConfig configures prefill session containers. Every field can be
// overridden by a PREFILL_* environment variable (see ApplyEnv).
type PrefillConfig struct {
	// DaemonBasePath is the in-container mount base for command/response dirs.
	DaemonBasePath string `yaml:"daemon_base_path"`
	// UseTCP switches the daemon transport from Unix socket to loopback TCP.
	UseTCP bool `yaml:"use_tcp"`
	// TCPPort is the daemon's in-container listen port for TCP transport.
	TCPPort int `yaml:"tcp_port"`
	// HostTCPPort fixes the host-side port; 0 picks an ephemeral port.
	HostTCPPort int `yaml:"host_tcp_port"`
	// TCPHost is the host-side address the client dials.
	TCPHost string `yaml:"tcp_host"`
	// HostDataPath overrides host-side session dir discovery.
	HostDataPath string `yaml:"host_data_path"`
	// NetworkMode forces the container network strategy when set.
	NetworkMode string `yaml:"network_mode"`
	// LancacheDNSIP forces the injected DNS server when set.
	LancacheDNSIP string `yaml:"lancache_dns_ip"`
	// DockerImage is the Steam prefill worker image.
	DockerImage string `yaml:"docker_image"`
	// EpicDockerImage is the Epic prefill worker image.
	EpicDockerImage string `yaml:"epic_docker_image"`
	// SessionTimeout bounds a session's lifetime.
	SessionTimeout Duration `yaml:"session_timeout"`
	// ProbeURL is the HTTPS endpoint for in-container connectivity checks.
	ProbeURL string `yaml:"probe_url"`
	// DiagnosticDomains are resolved in-container to verify lancache DNS.
	DiagnosticDomains []string `yaml:"diagnostic_domains"`
}

// AdaptersConfig configures optional terminal-event publishers.
type AdaptersConfig struct {
	Redis   RedisAdapterConfig   `yaml:"redis"`
	Webhook WebhookAdapterConfig `yaml:"webhook"`
}

// RedisAdapterConfig publishes terminal operation events to a Redis channel.
type RedisAdapterConfig struct {
	URL     string   `yaml:"url"`
	Channel string   `yaml:"channel,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`
	Retries *int     `yaml:"retries,omitempty"`
}

// WebhookAdapterConfig POSTs terminal operation events to an HTTP endpoint.
type WebhookAdapterConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "500ms" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// OrDefault returns the wrapped duration, or fallback when unset.
func (d Duration) OrDefault(fallback time.Duration) time.Duration {
	if d.Duration == 0 {
		return fallback
	}
	return d.Duration
}
