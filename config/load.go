package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the config file omits a value.
const (
	DefaultDataRoot         = "/data/cachewarden"
	DefaultBinDir           = "/opt/cachewarden/bin"
	DefaultDeleteMode       = "preserve"
	DefaultCorruptThreshold = 3
	DefaultGrowthThreshold  = 10 * 1024
	DefaultEmptyRunsToIdle  = 5
	DefaultDaemonBasePath   = "/tmp/prefill"
	DefaultPrefillTCPPort   = 7077
	DefaultPrefillTCPHost   = "127.0.0.1"
	DefaultSteamImage       = "ghcr.io/tpill90/steam-lancache-prefill:latest"
	DefaultEpicImage        = "ghcr.io/tpill90/epic-lancache-prefill:latest"
	DefaultProbeURL         = "https://test.steampowered.com/"
)

// Default duration values.
const (
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultInterruptedCutoff = 5 * time.Minute
	DefaultReprobeInterval   = 30 * time.Second
	DefaultMonitorInterval   = time.Second
	DefaultDepotInterval     = 30 * time.Second
	DefaultDepotIdleInterval = 5 * time.Minute
	DefaultSessionTimeout    = 120 * time.Minute
)

// Default lancache-relevant domains probed by network diagnostics.
var defaultDiagnosticDomains = []string{
	"lancache.steamcontent.com",
	"steam.cache.lancache.net",
	"epicgames-download1.akamaized.net",
}

// Load reads a YAML config file, expands environment variables, applies
// defaults and PREFILL_* env overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	expanded := ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	cfg.Prefill.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.DataRoot == "" {
		c.DataRoot = DefaultDataRoot
	}
	if c.Timezone == "" {
		if tz := os.Getenv("TZ"); tz != "" {
			c.Timezone = tz
		} else {
			c.Timezone = "UTC"
		}
	}
	if c.Workers.BinDir == "" {
		c.Workers.BinDir = DefaultBinDir
	}
	c.Workers.PollInterval.Duration = c.Workers.PollInterval.OrDefault(DefaultPollInterval)
	c.Operations.InterruptedCutoff.Duration = c.Operations.InterruptedCutoff.OrDefault(DefaultInterruptedCutoff)
	c.Operations.ReprobeInterval.Duration = c.Operations.ReprobeInterval.OrDefault(DefaultReprobeInterval)
	if c.Clearing.DefaultDeleteMode == "" {
		c.Clearing.DefaultDeleteMode = DefaultDeleteMode
	}
	if c.Corruption.Threshold == 0 {
		c.Corruption.Threshold = DefaultCorruptThreshold
	}
	c.Monitor.Interval.Duration = c.Monitor.Interval.OrDefault(DefaultMonitorInterval)
	if c.Monitor.GrowthThresholdBytes == 0 {
		c.Monitor.GrowthThresholdBytes = DefaultGrowthThreshold
	}
	c.Depot.Interval.Duration = c.Depot.Interval.OrDefault(DefaultDepotInterval)
	c.Depot.IdleInterval.Duration = c.Depot.IdleInterval.OrDefault(DefaultDepotIdleInterval)
	if c.Depot.EmptyRunsBeforeIdle == 0 {
		c.Depot.EmptyRunsBeforeIdle = DefaultEmptyRunsToIdle
	}
	if c.Prefill.DaemonBasePath == "" {
		c.Prefill.DaemonBasePath = DefaultDaemonBasePath
	}
	if c.Prefill.TCPPort == 0 {
		c.Prefill.TCPPort = DefaultPrefillTCPPort
	}
	if c.Prefill.TCPHost == "" {
		c.Prefill.TCPHost = DefaultPrefillTCPHost
	}
	if c.Prefill.DockerImage == "" {
		c.Prefill.DockerImage = DefaultSteamImage
	}
	if c.Prefill.EpicDockerImage == "" {
		c.Prefill.EpicDockerImage = DefaultEpicImage
	}
	c.Prefill.SessionTimeout.Duration = c.Prefill.SessionTimeout.OrDefault(DefaultSessionTimeout)
	if c.Prefill.ProbeURL == "" {
		c.Prefill.ProbeURL = DefaultProbeURL
	}
	if len(c.Prefill.DiagnosticDomains) == 0 {
		c.Prefill.DiagnosticDomains = append([]string(nil), defaultDiagnosticDomains...)
	}
}

// ApplyEnv overrides prefill fields from PREFILL_* environment variables.
// lookup is os.LookupEnv in production; injected for tests.
func (p *PrefillConfig) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("PREFILL_DAEMON_BASE_PATH"); ok {
		p.DaemonBasePath = v
	}
	if v, ok := lookup("PREFILL_USE_TCP"); ok {
		p.UseTCP = parseBool(v, p.UseTCP)
	}
	if v, ok := lookup("PREFILL_TCP_PORT"); ok {
		p.TCPPort = parseInt(v, p.TCPPort)
	}
	if v, ok := lookup("PREFILL_HOST_TCP_PORT"); ok {
		p.HostTCPPort = parseInt(v, p.HostTCPPort)
	}
	if v, ok := lookup("PREFILL_TCP_HOST"); ok {
		p.TCPHost = v
	}
	if v, ok := lookup("PREFILL_HOST_DATA_PATH"); ok {
		p.HostDataPath = v
	}
	if v, ok := lookup("PREFILL_NETWORK_MODE"); ok {
		p.NetworkMode = v
	}
	if v, ok := lookup("PREFILL_LANCACHE_DNS_IP"); ok {
		p.LancacheDNSIP = v
	}
	if v, ok := lookup("PREFILL_DOCKER_IMAGE"); ok {
		p.DockerImage = v
	}
	if v, ok := lookup("PREFILL_EPIC_DOCKER_IMAGE"); ok {
		p.EpicDockerImage = v
	}
	if v, ok := lookup("PREFILL_SESSION_TIMEOUT_MINUTES"); ok {
		if minutes := parseInt(v, 0); minutes > 0 {
			p.SessionTimeout.Duration = time.Duration(minutes) * time.Minute
		}
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if len(c.Datasources) == 0 {
		return fmt.Errorf("config: at least one datasource is required")
	}
	seen := make(map[string]bool, len(c.Datasources))
	for i, ds := range c.Datasources {
		if ds.Name == "" {
			return fmt.Errorf("config: datasource %d has no name", i)
		}
		if seen[ds.Name] {
			return fmt.Errorf("config: duplicate datasource name %q", ds.Name)
		}
		seen[ds.Name] = true
		if ds.CachePath == "" {
			return fmt.Errorf("config: datasource %q has no cache_path", ds.Name)
		}
		if ds.LogPath == "" {
			return fmt.Errorf("config: datasource %q has no log_path", ds.Name)
		}
	}
	switch c.Clearing.DefaultDeleteMode {
	case "preserve", "full", "rsync":
	default:
		return fmt.Errorf("config: invalid default_delete_mode %q (want preserve, full or rsync)", c.Clearing.DefaultDeleteMode)
	}
	return nil
}

func parseBool(s string, fallback bool) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return b
}

func parseInt(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
