package cmd

import (
	"fmt"
	"time"

	"github.com/cachewarden/cachewarden/adapter"
	redisadapter "github.com/cachewarden/cachewarden/adapter/redis"
	"github.com/cachewarden/cachewarden/adapter/webhook"
	"github.com/cachewarden/cachewarden/bus"
	"github.com/cachewarden/cachewarden/clearing"
	"github.com/cachewarden/cachewarden/config"
	"github.com/cachewarden/cachewarden/corruption"
	"github.com/cachewarden/cachewarden/datasource"
	"github.com/cachewarden/cachewarden/depot"
	"github.com/cachewarden/cachewarden/detection"
	"github.com/cachewarden/cachewarden/log"
	"github.com/cachewarden/cachewarden/logmon"
	"github.com/cachewarden/cachewarden/metrics"
	"github.com/cachewarden/cachewarden/paths"
	"github.com/cachewarden/cachewarden/removal"
	"github.com/cachewarden/cachewarden/state"
	"github.com/cachewarden/cachewarden/store"
	"github.com/cachewarden/cachewarden/tracker"
	"github.com/cachewarden/cachewarden/types"
	"github.com/cachewarden/cachewarden/worker"
)

// plane is the assembled operation plane. serve runs all of it; the
// one-shot run commands build the same plane without the prefill
// managers and drive a single operation through it.
type plane struct {
	cfg      *config.Config
	logger   *log.Logger
	metrics  *metrics.Collector
	resolver *paths.Resolver
	state    *state.Store
	db       *store.Store
	bus      *bus.Bus
	tracker  *tracker.Tracker
	workers  *worker.Supervisor

	registry   *datasource.Registry
	gate       *logmon.PauseGate
	monitor    *logmon.Monitor
	counts     *logmon.Counts
	clearing   *clearing.Service
	corruption *corruption.Service
	detection  *detection.Service
	removal    *removal.Service
	depot      *depot.Service
	pump       *adapter.Pump
}

// buildPlane wires every service of the operation plane. Terminal
// operation snapshots flow tracker -> bus -> adapter pump.
func buildPlane(cfg *config.Config) (*plane, error) {
	p := &plane{
		cfg:     cfg,
		logger:  log.NewLogger("serve"),
		metrics: metrics.NewCollector(),
	}

	p.resolver = paths.NewResolver(cfg.DataRoot, cfg.Workers.BinDir)
	if err := p.resolver.EnsureLayout(); err != nil {
		return nil, fmt.Errorf("prepare data root: %w", err)
	}

	var err error
	if p.state, err = state.NewStore(p.resolver.StateDir()); err != nil {
		return nil, err
	}
	if p.db, err = store.New(store.Config{Path: p.resolver.DatabasePath(), Logger: log.NewLogger("store")}); err != nil {
		return nil, err
	}

	p.bus = bus.New(bus.Config{Logger: log.NewLogger("bus")})
	busRef := p.bus
	p.tracker = tracker.New(tracker.Config{
		Logger:  log.NewLogger("tracker"),
		Metrics: p.metrics,
		OnTerminal: func(op *types.Operation) {
			busRef.NotifyAll(types.EventOperationComplete, op)
		},
	})
	p.workers = worker.NewSupervisor(worker.Config{
		Logger:       log.NewLogger("worker"),
		Metrics:      p.metrics,
		PollInterval: cfg.Workers.PollInterval.Duration,
	})

	var sources []datasource.Datasource
	for _, d := range cfg.Datasources {
		if d.IsEnabled() {
			sources = append(sources, datasource.Datasource{
				Name:      d.Name,
				CachePath: d.CachePath,
				LogPath:   d.LogPath,
			})
		}
	}
	if p.registry, err = datasource.NewRegistry(datasource.Config{
		Datasources:     sources,
		ReprobeInterval: cfg.Operations.ReprobeInterval.Duration,
		Bus:             p.bus,
		Logger:          log.NewLogger("datasource"),
	}); err != nil {
		return nil, err
	}

	p.gate = logmon.NewPauseGate()
	if p.monitor, err = logmon.NewMonitor(logmon.Config{
		Registry:        p.registry,
		Tracker:         p.tracker,
		Bus:             p.bus,
		State:           p.state,
		Workers:         p.workers,
		Paths:           p.resolver,
		Gate:            p.gate,
		Logger:          log.NewLogger("logmon"),
		Metrics:         p.metrics,
		Interval:        cfg.Monitor.Interval.Duration,
		GrowthThreshold: cfg.Monitor.GrowthThresholdBytes,
	}); err != nil {
		return nil, err
	}
	if p.counts, err = logmon.NewCounts(logmon.CountsConfig{
		Registry: p.registry,
		Workers:  p.workers,
		Paths:    p.resolver,
		Logger:   log.NewLogger("logmon"),
	}); err != nil {
		return nil, err
	}

	if p.clearing, err = clearing.NewService(clearing.Config{
		Registry:          p.registry,
		Tracker:           p.tracker,
		Bus:               p.bus,
		State:             p.state,
		Workers:           p.workers,
		Paths:             p.resolver,
		Logger:            log.NewLogger("clearing"),
		Metrics:           p.metrics,
		DefaultDeleteMode: cfg.Clearing.DefaultDeleteMode,
	}); err != nil {
		return nil, err
	}
	if p.corruption, err = corruption.NewService(corruption.Config{
		Registry:       p.registry,
		Tracker:        p.tracker,
		Bus:            p.bus,
		Store:          p.db,
		Workers:        p.workers,
		Paths:          p.resolver,
		Logger:         log.NewLogger("corruption"),
		Metrics:        p.metrics,
		Timezone:       cfg.Timezone,
		Threshold:      cfg.Corruption.Threshold,
		SkipCacheCheck: cfg.Corruption.SkipCacheCheck,
	}); err != nil {
		return nil, err
	}
	if p.detection, err = detection.NewService(detection.Config{
		Registry: p.registry,
		Tracker:  p.tracker,
		Bus:      p.bus,
		Store:    p.db,
		State:    p.state,
		Workers:  p.workers,
		Paths:    p.resolver,
		Logger:   log.NewLogger("detection"),
		Metrics:  p.metrics,
	}); err != nil {
		return nil, err
	}
	if p.removal, err = removal.NewService(removal.Config{
		Registry: p.registry,
		Tracker:  p.tracker,
		Bus:      p.bus,
		Store:    p.db,
		Workers:  p.workers,
		Paths:    p.resolver,
		Logger:   log.NewLogger("removal"),
		Metrics:  p.metrics,
		Monitor:  p.gate,
		Counts:   p.counts,
		Reopener: p.monitor,
	}); err != nil {
		return nil, err
	}
	if p.depot, err = depot.NewService(depot.Config{
		Store:        p.db,
		Bus:          p.bus,
		Metadata:     depot.NewWebProvider(depot.WebProviderConfig{}),
		Logger:       log.NewLogger("depot"),
		Metrics:      p.metrics,
		Interval:     cfg.Depot.Interval.Duration,
		SlowInterval: cfg.Depot.IdleInterval.Duration,
	}); err != nil {
		return nil, err
	}

	publishers, err := buildPublishers(cfg.Adapters)
	if err != nil {
		return nil, err
	}
	if p.pump, err = adapter.NewPump(adapter.Config{
		Bus:        p.bus,
		Publishers: publishers,
		Logger:     log.NewLogger("adapter"),
	}); err != nil {
		return nil, err
	}

	return p, nil
}

// buildPublishers turns the adapter config into publisher instances.
// Both adapters are optional; an empty URL means "not configured".
func buildPublishers(cfg config.AdaptersConfig) ([]adapter.Publisher, error) {
	var publishers []adapter.Publisher

	if cfg.Redis.URL != "" {
		rc := redisadapter.Config{
			URL:     cfg.Redis.URL,
			Channel: cfg.Redis.Channel,
			Timeout: cfg.Redis.Timeout.Duration,
		}
		if cfg.Redis.Retries != nil {
			rc.Retries = *cfg.Redis.Retries
		} else {
			rc.Retries = redisadapter.DefaultRetries
		}
		pub, err := redisadapter.New(rc)
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, pub)
	}

	if cfg.Webhook.URL != "" {
		wc := webhook.Config{
			URL:     cfg.Webhook.URL,
			Headers: cfg.Webhook.Headers,
			Timeout: cfg.Webhook.Timeout.Duration,
		}
		if cfg.Webhook.Retries != nil {
			wc.Retries = *cfg.Webhook.Retries
		} else {
			wc.Retries = webhook.DefaultRetries
		}
		pub, err := webhook.New(wc)
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, pub)
	}

	return publishers, nil
}

// markInterrupted fails over durable records of runs that died with the
// previous process, so polling clients see a terminal status.
func (p *plane) markInterrupted(cutoff time.Duration) {
	records, err := p.state.Interrupted(time.Now().UTC(), cutoff)
	if err != nil {
		p.logger.Warn("interrupted-state scan failed", map[string]any{"error": err.Error()})
		return
	}
	for _, rec := range records {
		rec.Status = types.StatusFailed
		rec.Message = "Operation interrupted by service restart"
		if err := p.state.Save(rec); err != nil {
			p.logger.Warn("failed to mark interrupted operation", map[string]any{
				"key":   rec.Key,
				"error": err.Error(),
			})
			continue
		}
		p.logger.Info("marked interrupted operation", map[string]any{
			"key":  rec.Key,
			"type": string(rec.Type),
		})
	}
}

// close tears the plane down in reverse dependency order.
func (p *plane) close() {
	p.pump.Close()
	p.tracker.Close()
	stats := p.bus.Stats()
	p.metrics.AbsorbBusStats(stats.Published, stats.Dropped)
	p.bus.Close()
	if err := p.db.Close(); err != nil {
		p.logger.Warn("database close failed", map[string]any{"error": err.Error()})
	}
}
