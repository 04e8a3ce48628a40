package reader

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cachewarden/cachewarden/paths"
	"github.com/cachewarden/cachewarden/state"
	"github.com/cachewarden/cachewarden/store"
	"github.com/cachewarden/cachewarden/types"
)

// Reader reads the durable artifacts under one data root.
type Reader struct {
	state *state.Store
	db    *store.Store
}

// Open attaches to the state store and database under dataRoot. The
// database is opened with the same schema-applying path serve uses, so
// reading a fresh data root yields empty results rather than errors.
func Open(dataRoot string) (*Reader, error) {
	resolver := paths.NewResolver(dataRoot, "")
	st, err := state.NewStore(resolver.StateDir())
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	db, err := store.New(store.Config{Path: resolver.DatabasePath()})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &Reader{state: st, db: db}, nil
}

// Close releases the database handle.
func (r *Reader) Close() error {
	return r.db.Close()
}

// ListOperations returns durable operation records, newest first.
// Flag-style state records (log positions, first-run markers) carry no
// operation type and are skipped.
func (r *Reader) ListOperations(opts ListOperationsOptions) ([]OperationItem, error) {
	records, err := r.state.All()
	if err != nil {
		return nil, err
	}

	items := make([]OperationItem, 0, len(records))
	for _, rec := range records {
		if rec.Type == "" {
			continue
		}
		if opts.Type != "" && !strings.EqualFold(string(rec.Type), opts.Type) {
			continue
		}
		if opts.Status != "" && !strings.EqualFold(string(rec.Status), opts.Status) {
			continue
		}
		items = append(items, OperationItem{
			ID:        operationID(rec.Key),
			Type:      string(rec.Type),
			Status:    string(rec.Status),
			Message:   rec.Message,
			CreatedAt: rec.CreatedAt,
		})
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items, nil
}

// InspectOperation resolves id against the state store. Both full keys
// ("CacheClearing_<uuid>") and bare operation ids are accepted.
func (r *Reader) InspectOperation(id string) (*OperationDetail, error) {
	rec, err := r.state.Get(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		records, err := r.state.All()
		if err != nil {
			return nil, err
		}
		for i := range records {
			if records[i].Type != "" && operationID(records[i].Key) == id {
				rec = &records[i]
				break
			}
		}
	}
	if rec == nil {
		return nil, types.NewError(types.KindNotFound, "operation %q not found", id)
	}
	return &OperationDetail{
		Key:       rec.Key,
		ID:        operationID(rec.Key),
		Type:      string(rec.Type),
		Status:    string(rec.Status),
		Message:   rec.Message,
		Data:      rec.Data,
		CreatedAt: rec.CreatedAt,
	}, nil
}

// GameDetections returns the cached game detection rows, largest first.
func (r *Reader) GameDetections(ctx context.Context) ([]GameDetectionItem, error) {
	rows, err := r.db.GetGameDetections(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]GameDetectionItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, GameDetectionItem{
			AppID:        row.GameAppID,
			Name:         row.GameName,
			Files:        row.CacheFilesFound,
			SizeBytes:    row.TotalSizeBytes,
			Depots:       len(row.DepotIDs),
			Datasources:  strings.Join(row.Datasources, ","),
			LastDetected: row.LastDetectedAt,
		})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].SizeBytes > items[j].SizeBytes
	})
	return items, nil
}

// ServiceDetections returns the cached service detection rows, largest
// first.
func (r *Reader) ServiceDetections(ctx context.Context) ([]ServiceDetectionItem, error) {
	rows, err := r.db.GetServiceDetections(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]ServiceDetectionItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, ServiceDetectionItem{
			Service:      row.ServiceName,
			Files:        row.CacheFilesFound,
			SizeBytes:    row.TotalSizeBytes,
			Datasources:  strings.Join(row.Datasources, ","),
			LastDetected: row.LastDetectedAt,
		})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].SizeBytes > items[j].SizeBytes
	})
	return items, nil
}

// CorruptionDetections returns the cached corruption scan results, worst
// first.
func (r *Reader) CorruptionDetections(ctx context.Context) ([]CorruptionItem, error) {
	rows, err := r.db.GetCorruptionDetections(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]CorruptionItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, CorruptionItem{
			Service:         row.ServiceName,
			CorruptedChunks: row.CorruptedChunkCount,
			LastDetected:    row.LastDetectedAt,
		})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CorruptedChunks > items[j].CorruptedChunks
	})
	return items, nil
}

// Stats aggregates operation records and database rows into one summary.
func (r *Reader) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats

	records, err := r.state.All()
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.Type == "" {
			continue
		}
		stats.Operations.Total++
		switch rec.Status {
		case types.StatusRunning, types.StatusPending, types.StatusCancelling:
			stats.Operations.Running++
		case types.StatusCompleted:
			stats.Operations.Completed++
		case types.StatusFailed:
			stats.Operations.Failed++
		case types.StatusCancelled:
			stats.Operations.Cancelled++
		}
	}

	games, err := r.db.GetGameDetections(ctx)
	if err != nil {
		return nil, err
	}
	stats.Games = len(games)
	for _, g := range games {
		stats.CachedBytes += g.TotalSizeBytes
	}

	services, err := r.db.GetServiceDetections(ctx)
	if err != nil {
		return nil, err
	}
	stats.Services = len(services)

	corrupted, err := r.db.GetCorruptionDetections(ctx)
	if err != nil {
		return nil, err
	}
	stats.CorruptedServices = len(corrupted)

	sessions, err := r.db.PrefillSessionsByStatus(ctx, types.SessionActive)
	if err != nil {
		return nil, err
	}
	stats.ActiveSessions = len(sessions)

	bans, err := r.db.ListBans(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for i := range bans {
		if bans[i].IsActive(now) {
			stats.ActiveBans++
		}
	}

	return &stats, nil
}

// Bans returns every ban row, newest first.
func (r *Reader) Bans(ctx context.Context) ([]BanItem, error) {
	rows, err := r.db.ListBans(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	items := make([]BanItem, 0, len(rows))
	for i := range rows {
		b := rows[i]
		item := BanItem{
			Username: b.Username,
			BannedAt: b.BannedAt,
			Expires:  b.ExpiresAt,
			Active:   b.IsActive(now),
		}
		if b.Reason != nil {
			item.Reason = *b.Reason
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].BannedAt.After(items[j].BannedAt)
	})
	return items, nil
}

// operationID strips the "<Type>_" prefix off a state key. Keys without
// the separator pass through unchanged.
func operationID(key string) string {
	if _, id, ok := strings.Cut(key, "_"); ok {
		return id
	}
	return key
}
