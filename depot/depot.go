// Package depot attaches game attribution to steam download rows in the
// background.
//
// Log ingestion writes download rows knowing only the depot id. This
// service periodically picks up recent unattributed rows, resolves each
// depot to its owning app through the stored mappings, and writes the
// app id plus a display name and image back in one transaction. The
// cadence relaxes once the queue stays empty.
package depot

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cachewarden/cachewarden/bus"
	"github.com/cachewarden/cachewarden/log"
	"github.com/cachewarden/cachewarden/metrics"
	"github.com/cachewarden/cachewarden/store"
	"github.com/cachewarden/cachewarden/types"
)

const (
	// DefaultInterval is the tick cadence while work keeps arriving.
	DefaultInterval = 30 * time.Second
	// DefaultSlowInterval is the tick cadence after the queue runs dry.
	DefaultSlowInterval = 5 * time.Minute
	// DefaultWindow is how far back unattributed downloads are picked up.
	DefaultWindow = 24 * time.Hour
	// DefaultBatchLimit caps the rows resolved per tick.
	DefaultBatchLimit = 50

	emptyRunThreshold = 5
)

// Downloads is the slice of the database the backfill reads and writes.
type Downloads interface {
	UnmappedSteamDownloads(ctx context.Context, since time.Time, limit int) ([]types.Download, error)
	OwnerMappingsForDepots(ctx context.Context, depotIDs []uint32) (map[uint32]types.SteamDepotMapping, error)
	ApplyDepotBackfill(ctx context.Context, mappings []types.SteamDepotMapping, updates []store.DownloadBackfill) error
}

// AppMetadata is a storefront lookup result.
type AppMetadata struct {
	Name     string
	ImageURL string
}

// MetadataProvider resolves storefront metadata for an app id. Lookups
// are best-effort; a miss only downgrades the name fallback.
type MetadataProvider interface {
	AppMetadata(ctx context.Context, appID uint32) (AppMetadata, error)
}

// Config configures the Service.
type Config struct {
	// Store provides unattributed downloads and owner mappings.
	Store Downloads
	// Bus receives DownloadsRefresh events.
	Bus *bus.Bus
	// Metadata is an optional storefront lookup. Nil falls back to the
	// stored mapping names.
	Metadata MetadataProvider
	// Logger is an optional logger.
	Logger *log.Logger
	// Metrics is an optional collector.
	Metrics *metrics.Collector
	// Interval is the active tick cadence. Zero means DefaultInterval.
	Interval time.Duration
	// SlowInterval is the idle tick cadence. Zero means
	// DefaultSlowInterval.
	SlowInterval time.Duration
	// Window bounds how old a download may be and still get resolved.
	// Zero means DefaultWindow.
	Window time.Duration
	// BatchLimit caps rows per tick. Zero means DefaultBatchLimit.
	BatchLimit int
}

// Refresh is the DownloadsRefresh payload.
type Refresh struct {
	DownloadsUpdated int      `json:"downloads_updated"`
	AppIDs           []uint32 `json:"app_ids"`
}

// Service is the background backfill loop.
type Service struct {
	config Config
	logger *log.Logger

	// emptyRuns is owned by the Run goroutine.
	emptyRuns int
}

// NewService validates dependencies and builds the service.
func NewService(config Config) (*Service, error) {
	if config.Store == nil || config.Bus == nil {
		return nil, types.NewError(types.KindConfig, "depot: missing required dependencies")
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.SlowInterval <= 0 {
		config.SlowInterval = DefaultSlowInterval
	}
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	if config.BatchLimit <= 0 {
		config.BatchLimit = DefaultBatchLimit
	}
	logger := config.Logger
	if logger == nil {
		logger = log.NewLogger("depot")
	}
	return &Service{config: config, logger: logger}, nil
}

// Run resolves pending downloads until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.logger.Info("depot backfill started", map[string]any{
		"interval_ms":      s.config.Interval.Milliseconds(),
		"slow_interval_ms": s.config.SlowInterval.Milliseconds(),
	})
	timer := time.NewTimer(s.config.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("depot backfill stopped", nil)
			return
		case <-timer.C:
		}

		resolved, err := s.runOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("depot backfill stopped", nil)
				return
			}
			s.logger.Warn("depot backfill run failed", map[string]any{"error": err.Error()})
		} else if resolved > 0 {
			s.logger.Info("attributed downloads", map[string]any{"downloads": resolved})
		}
		timer.Reset(s.interval())
	}
}

// interval returns the next wait, relaxing after five empty runs in a
// row.
func (s *Service) interval() time.Duration {
	if s.emptyRuns >= emptyRunThreshold {
		return s.config.SlowInterval
	}
	return s.config.Interval
}

// runOnce resolves one batch and returns how many downloads it updated.
func (s *Service) runOnce(ctx context.Context) (int, error) {
	since := time.Now().Add(-s.config.Window)
	rows, err := s.config.Store.UnmappedSteamDownloads(ctx, since, s.config.BatchLimit)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		s.emptyRuns++
		return 0, nil
	}
	s.emptyRuns = 0

	mappings, err := s.config.Store.OwnerMappingsForDepots(ctx, uniqueDepots(rows))
	if err != nil {
		return 0, err
	}
	if len(mappings) == 0 {
		return 0, nil
	}

	// Metadata lookups dedupe per run; a batch usually repeats a handful
	// of apps.
	resolved := make(map[uint32]AppMetadata)
	var updates []store.DownloadBackfill
	appIDs := make(map[uint32]struct{})
	for _, row := range rows {
		if row.DepotID == nil {
			continue
		}
		mapping, ok := mappings[*row.DepotID]
		if !ok {
			continue
		}
		meta := s.appMetadata(ctx, resolved, mapping)
		update := store.DownloadBackfill{
			DownloadID: row.ID,
			GameAppID:  mapping.AppID,
			GameName:   meta.Name,
		}
		if meta.ImageURL != "" {
			update.GameImageURL = &meta.ImageURL
		}
		updates = append(updates, update)
		appIDs[mapping.AppID] = struct{}{}
	}
	if len(updates) == 0 {
		return 0, nil
	}

	if err := s.config.Store.ApplyDepotBackfill(ctx, nil, updates); err != nil {
		return 0, err
	}
	s.config.Metrics.AddDepotMappingsResolved(int64(len(updates)))
	s.config.Bus.NotifyAll(types.EventDownloadsRefresh, Refresh{
		DownloadsUpdated: len(updates),
		AppIDs:           sortedIDs(appIDs),
	})
	return len(updates), nil
}

// appMetadata picks the display name and image for a mapping, preferring
// a live storefront lookup over the stored mapping name.
func (s *Service) appMetadata(ctx context.Context, cache map[uint32]AppMetadata, mapping types.SteamDepotMapping) AppMetadata {
	if meta, ok := cache[mapping.AppID]; ok {
		return meta
	}

	var meta AppMetadata
	if s.config.Metadata != nil {
		live, err := s.config.Metadata.AppMetadata(ctx, mapping.AppID)
		if err != nil {
			s.logger.Debug("storefront lookup failed", map[string]any{
				"app_id": mapping.AppID,
				"error":  err.Error(),
			})
		} else {
			meta = live
		}
	}
	if meta.Name == "" && mapping.AppName != nil {
		meta.Name = *mapping.AppName
	}
	if meta.Name == "" {
		meta.Name = fmt.Sprintf("Steam App %d", mapping.AppID)
	}

	cache[mapping.AppID] = meta
	return meta
}

func uniqueDepots(rows []types.Download) []uint32 {
	seen := make(map[uint32]struct{}, len(rows))
	var out []uint32
	for _, row := range rows {
		if row.DepotID == nil {
			continue
		}
		if _, ok := seen[*row.DepotID]; ok {
			continue
		}
		seen[*row.DepotID] = struct{}{}
		out = append(out, *row.DepotID)
	}
	return out
}

func sortedIDs(set map[uint32]struct{}) []uint32 {
	out := make([]uint32, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
