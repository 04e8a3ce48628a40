package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/cachewarden/cachewarden/types"
)

// gameDetectionRow carries the JSON-encoded list columns alongside the
// scalar fields for scanning and named inserts.
type gameDetectionRow struct {
	types.CachedGameDetection
	DepotIDsJSON       string `db:"depot_ids"`
	SampleURLsJSON     string `db:"sample_urls"`
	CacheFilePathsJSON string `db:"cache_file_paths"`
	DatasourcesJSON    string `db:"datasources"`
}

func newGameDetectionRow(d types.CachedGameDetection) (gameDetectionRow, error) {
	row := gameDetectionRow{CachedGameDetection: d}
	var err error
	if row.DepotIDsJSON, err = encodeList(d.DepotIDs); err != nil {
		return row, err
	}
	if row.SampleURLsJSON, err = encodeList(d.SampleURLs); err != nil {
		return row, err
	}
	if row.CacheFilePathsJSON, err = encodeList(d.CacheFilePaths); err != nil {
		return row, err
	}
	if row.DatasourcesJSON, err = encodeList(d.Datasources); err != nil {
		return row, err
	}
	return row, nil
}

func (r gameDetectionRow) unpack() (types.CachedGameDetection, error) {
	d := r.CachedGameDetection
	var err error
	if d.DepotIDs, err = decodeList[uint32](r.DepotIDsJSON); err != nil {
		return d, err
	}
	if d.SampleURLs, err = decodeList[string](r.SampleURLsJSON); err != nil {
		return d, err
	}
	if d.CacheFilePaths, err = decodeList[string](r.CacheFilePathsJSON); err != nil {
		return d, err
	}
	if d.Datasources, err = decodeList[string](r.DatasourcesJSON); err != nil {
		return d, err
	}
	return d, nil
}

type serviceDetectionRow struct {
	types.CachedServiceDetection
	SampleURLsJSON     string `db:"sample_urls"`
	CacheFilePathsJSON string `db:"cache_file_paths"`
	DatasourcesJSON    string `db:"datasources"`
}

func newServiceDetectionRow(d types.CachedServiceDetection) (serviceDetectionRow, error) {
	row := serviceDetectionRow{CachedServiceDetection: d}
	var err error
	if row.SampleURLsJSON, err = encodeList(d.SampleURLs); err != nil {
		return row, err
	}
	if row.CacheFilePathsJSON, err = encodeList(d.CacheFilePaths); err != nil {
		return row, err
	}
	if row.DatasourcesJSON, err = encodeList(d.Datasources); err != nil {
		return row, err
	}
	return row, nil
}

func (r serviceDetectionRow) unpack() (types.CachedServiceDetection, error) {
	d := r.CachedServiceDetection
	var err error
	if d.SampleURLs, err = decodeList[string](r.SampleURLsJSON); err != nil {
		return d, err
	}
	if d.CacheFilePaths, err = decodeList[string](r.CacheFilePathsJSON); err != nil {
		return d, err
	}
	if d.Datasources, err = decodeList[string](r.DatasourcesJSON); err != nil {
		return d, err
	}
	return d, nil
}

const upsertGameDetectionSQL = `
INSERT INTO cached_game_detections (
    game_app_id, game_name, cache_files_found, total_size_bytes,
    depot_ids, sample_urls, cache_file_paths, datasources,
    last_detected_utc, created_at_utc
) VALUES (
    :game_app_id, :game_name, :cache_files_found, :total_size_bytes,
    :depot_ids, :sample_urls, :cache_file_paths, :datasources,
    :last_detected_utc, :created_at_utc
)
ON CONFLICT(game_app_id) DO UPDATE SET
    game_name         = excluded.game_name,
    cache_files_found = excluded.cache_files_found,
    total_size_bytes  = excluded.total_size_bytes,
    depot_ids         = excluded.depot_ids,
    sample_urls       = excluded.sample_urls,
    cache_file_paths  = excluded.cache_file_paths,
    datasources       = excluded.datasources,
    last_detected_utc = excluded.last_detected_utc`

const upsertServiceDetectionSQL = `
INSERT INTO cached_service_detections (
    service_name, cache_files_found, total_size_bytes,
    sample_urls, cache_file_paths, datasources,
    last_detected_utc, created_at_utc
) VALUES (
    :service_name, :cache_files_found, :total_size_bytes,
    :sample_urls, :cache_file_paths, :datasources,
    :last_detected_utc, :created_at_utc
)
ON CONFLICT(service_name) DO UPDATE SET
    cache_files_found = excluded.cache_files_found,
    total_size_bytes  = excluded.total_size_bytes,
    sample_urls       = excluded.sample_urls,
    cache_file_paths  = excluded.cache_file_paths,
    datasources       = excluded.datasources,
    last_detected_utc = excluded.last_detected_utc`

// ReplaceDetections replaces the full detection cache in one transaction.
// Used by full scans.
func (s *Store) ReplaceDetections(ctx context.Context, games []types.CachedGameDetection, services []types.CachedServiceDetection) error {
	return s.RunInTransaction(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cached_game_detections`); err != nil {
			return fmt.Errorf("failed to clear game detections: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM cached_service_detections`); err != nil {
			return fmt.Errorf("failed to clear service detections: %w", err)
		}
		return upsertDetectionsTx(ctx, tx, games, services)
	})
}

// UpsertDetections merges detection rows in one transaction, keeping rows
// not named. Used by incremental scans.
func (s *Store) UpsertDetections(ctx context.Context, games []types.CachedGameDetection, services []types.CachedServiceDetection) error {
	return s.RunInTransaction(ctx, func(tx *sqlx.Tx) error {
		return upsertDetectionsTx(ctx, tx, games, services)
	})
}

func upsertDetectionsTx(ctx context.Context, tx *sqlx.Tx, games []types.CachedGameDetection, services []types.CachedServiceDetection) error {
	for _, game := range games {
		row, err := newGameDetectionRow(game)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, upsertGameDetectionSQL, row); err != nil {
			return fmt.Errorf("failed to upsert game detection %d: %w", game.GameAppID, err)
		}
	}
	for _, service := range services {
		row, err := newServiceDetectionRow(service)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, upsertServiceDetectionSQL, row); err != nil {
			return fmt.Errorf("failed to upsert service detection %q: %w", service.ServiceName, err)
		}
	}
	return nil
}

// MergeGameDetection atomically removes the row keyed removeAppID and
// upserts merged. Used by unknown-game resolution, where an unknown row
// keyed by depot id folds into (or becomes) a real app row.
func (s *Store) MergeGameDetection(ctx context.Context, removeAppID uint32, merged types.CachedGameDetection) error {
	row, err := newGameDetectionRow(merged)
	if err != nil {
		return err
	}
	return s.RunInTransaction(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cached_game_detections WHERE game_app_id = ?`, removeAppID); err != nil {
			return fmt.Errorf("failed to remove detection %d: %w", removeAppID, err)
		}
		if _, err := tx.NamedExecContext(ctx, upsertGameDetectionSQL, row); err != nil {
			return fmt.Errorf("failed to upsert merged detection %d: %w", merged.GameAppID, err)
		}
		return nil
	})
}

// GetGameDetections returns all cached game rows ordered by size
// descending.
func (s *Store) GetGameDetections(ctx context.Context) ([]types.CachedGameDetection, error) {
	var rows []gameDetectionRow
	err := s.db.SelectContext(ctx, &rows, `
SELECT * FROM cached_game_detections ORDER BY total_size_bytes DESC, game_app_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query game detections: %w", err)
	}
	out := make([]types.CachedGameDetection, 0, len(rows))
	for _, row := range rows {
		d, err := row.unpack()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// GetGameDetection returns the row for appID, or (nil, nil) when absent.
func (s *Store) GetGameDetection(ctx context.Context, appID uint32) (*types.CachedGameDetection, error) {
	var row gameDetectionRow
	err := s.db.GetContext(ctx, &row, `
SELECT * FROM cached_game_detections WHERE game_app_id = ?`, appID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query game detection %d: %w", appID, err)
	}
	d, err := row.unpack()
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// DeleteGameDetection removes the row for appID. Deleting an absent row
// is not an error.
func (s *Store) DeleteGameDetection(ctx context.Context, appID uint32) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cached_game_detections WHERE game_app_id = ?`, appID); err != nil {
		return fmt.Errorf("failed to delete game detection %d: %w", appID, err)
	}
	return nil
}

// ClearGameDetections drops every game row. The incremental pre-check
// uses this before falling back to a full scan.
func (s *Store) ClearGameDetections(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cached_game_detections`); err != nil {
		return fmt.Errorf("failed to clear game detections: %w", err)
	}
	return nil
}

// GetServiceDetections returns all cached service rows ordered by size
// descending.
func (s *Store) GetServiceDetections(ctx context.Context) ([]types.CachedServiceDetection, error) {
	var rows []serviceDetectionRow
	err := s.db.SelectContext(ctx, &rows, `
SELECT * FROM cached_service_detections ORDER BY total_size_bytes DESC, service_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query service detections: %w", err)
	}
	out := make([]types.CachedServiceDetection, 0, len(rows))
	for _, row := range rows {
		d, err := row.unpack()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// DeleteServiceDetection removes the row for the lower-cased service name.
func (s *Store) DeleteServiceDetection(ctx context.Context, serviceName string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cached_service_detections WHERE service_name = ?`, serviceName); err != nil {
		return fmt.Errorf("failed to delete service detection %q: %w", serviceName, err)
	}
	return nil
}

// ReplaceCorruptionDetections replaces all corruption rows in one
// transaction.
func (s *Store) ReplaceCorruptionDetections(ctx context.Context, rows []types.CachedCorruptionDetection) error {
	return s.RunInTransaction(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cached_corruption_detections`); err != nil {
			return fmt.Errorf("failed to clear corruption detections: %w", err)
		}
		for _, row := range rows {
			_, err := tx.NamedExecContext(ctx, `
INSERT INTO cached_corruption_detections (
    service_name, corrupted_chunk_count, last_detected_utc, created_at_utc
) VALUES (
    :service_name, :corrupted_chunk_count, :last_detected_utc, :created_at_utc
)`, row)
			if err != nil {
				return fmt.Errorf("failed to insert corruption detection %q: %w", row.ServiceName, err)
			}
		}
		return nil
	})
}

// DeleteCorruptionDetection removes the corruption row for the service.
// Deleting an absent row is not an error.
func (s *Store) DeleteCorruptionDetection(ctx context.Context, serviceName string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cached_corruption_detections WHERE service_name = ?`, serviceName); err != nil {
		return fmt.Errorf("failed to delete corruption detection %q: %w", serviceName, err)
	}
	return nil
}

// GetCorruptionDetections returns all corruption rows ordered by count
// descending.
func (s *Store) GetCorruptionDetections(ctx context.Context) ([]types.CachedCorruptionDetection, error) {
	var rows []types.CachedCorruptionDetection
	err := s.db.SelectContext(ctx, &rows, `
SELECT * FROM cached_corruption_detections ORDER BY corrupted_chunk_count DESC, service_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query corruption detections: %w", err)
	}
	return rows, nil
}

// IsConstraintViolation reports whether err is a SQLite constraint
// failure, so callers racing on unique keys can log and move on.
func IsConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}
