package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cachewarden/cachewarden/state"
	"github.com/cachewarden/cachewarden/store"
	"github.com/cachewarden/cachewarden/types"
)

// resolveUnknowns walks every unknown-depot entry, in the batch first and
// then (for incremental runs) in rows already persisted, and tries to
// attach each one to its owning app via the Steam depot mappings. Depots
// that failed recently are left alone until the retry interval passes,
// except those the pre-check already proved resolvable. Returns how many
// unknowns were resolved.
func (s *Service) resolveUnknowns(ctx context.Context, b *batch, incremental bool, precheckResolved map[uint32]types.SteamDepotMapping) (int, error) {
	failed := s.loadFailedResolutions()
	now := time.Now().UTC()

	batchUnknowns := make([]uint32, 0)
	for id, game := range b.games {
		if game.IsUnknown() {
			batchUnknowns = append(batchUnknowns, id)
		}
	}
	sort.Slice(batchUnknowns, func(i, j int) bool { return batchUnknowns[i] < batchUnknowns[j] })

	var storedUnknowns []types.CachedGameDetection
	if incremental {
		existing, err := s.config.Store.GetGameDetections(ctx)
		if err != nil {
			return 0, err
		}
		for i := range existing {
			if !existing[i].IsUnknown() {
				continue
			}
			if _, inBatch := b.games[existing[i].GameAppID]; inBatch {
				continue
			}
			storedUnknowns = append(storedUnknowns, existing[i])
		}
	}

	gated := make(map[uint32]bool)
	var queryIDs []uint32
	consider := func(depotID uint32) {
		if _, ok := precheckResolved[depotID]; ok {
			return
		}
		if entry, ok := failed[depotID]; ok && now.Sub(entry.LastTriedAt) < ResolutionRetryInterval {
			gated[depotID] = true
			return
		}
		queryIDs = append(queryIDs, depotID)
	}
	for _, id := range batchUnknowns {
		consider(id)
	}
	for i := range storedUnknowns {
		consider(storedUnknowns[i].GameAppID)
	}

	mappings := make(map[uint32]types.SteamDepotMapping, len(precheckResolved)+len(queryIDs))
	for id, m := range precheckResolved {
		mappings[id] = m
	}
	if len(queryIDs) > 0 {
		resolved, err := s.config.Store.OwnerMappingsForDepots(ctx, queryIDs)
		if err != nil {
			return 0, err
		}
		for id, m := range resolved {
			mappings[id] = m
		}
	}

	resolvedCount := 0
	for _, depotID := range batchUnknowns {
		if gated[depotID] {
			continue
		}
		mapping, ok := mappings[depotID]
		if !ok {
			recordFailure(failed, depotID, now)
			continue
		}
		delete(failed, depotID)
		s.resolveBatchUnknown(ctx, b, depotID, mapping, incremental)
		resolvedCount++
	}

	for i := range storedUnknowns {
		row := storedUnknowns[i]
		if gated[row.GameAppID] {
			continue
		}
		mapping, ok := mappings[row.GameAppID]
		if !ok {
			recordFailure(failed, row.GameAppID, now)
			continue
		}
		delete(failed, row.GameAppID)
		if err := s.resolveStoredUnknown(ctx, b, row, mapping, now); err != nil {
			return resolvedCount, err
		}
		resolvedCount++
	}

	s.saveFailedResolutions(failed)
	return resolvedCount, nil
}

// resolveBatchUnknown rewrites one in-memory unknown entry to its owning
// app: merged into an existing batch row when one exists, renamed in
// place otherwise. Incremental runs also clear any leftover persisted row
// under the old depot key, since the batch upsert will only touch the new
// key.
func (s *Service) resolveBatchUnknown(ctx context.Context, b *batch, depotID uint32, mapping types.SteamDepotMapping, incremental bool) {
	row := b.games[depotID]
	name := resolvedName(mapping)

	if mapping.AppID == depotID {
		row.GameName = name
		return
	}

	delete(b.games, depotID)
	if target, ok := b.games[mapping.AppID]; ok {
		fold(target, row)
	} else {
		row.GameAppID = mapping.AppID
		row.GameName = name
		b.games[mapping.AppID] = row
	}

	if incremental {
		if err := s.config.Store.DeleteGameDetection(ctx, depotID); err != nil {
			s.logger.Warn("failed to drop stale unknown detection row", map[string]any{
				"depot_id": depotID,
				"error":    err.Error(),
			})
		}
	}
}

// resolveStoredUnknown folds one persisted unknown row into its owning
// app. The delete-plus-upsert goes through MergeGameDetection so the row
// under the old depot key can never survive alongside the resolved one.
func (s *Service) resolveStoredUnknown(ctx context.Context, b *batch, row types.CachedGameDetection, mapping types.SteamDepotMapping, now time.Time) error {
	name := resolvedName(mapping)

	if target, ok := b.games[mapping.AppID]; ok && mapping.AppID != row.GameAppID {
		// The batch already carries the resolved app; fold the stored
		// values in and let the upcoming upsert write the combined row.
		fold(target, &row)
		if err := s.config.Store.DeleteGameDetection(ctx, row.GameAppID); err != nil {
			s.logger.Warn("failed to drop stale unknown detection row", map[string]any{
				"depot_id": row.GameAppID,
				"error":    err.Error(),
			})
		}
		return nil
	}

	merged := row
	if mapping.AppID != row.GameAppID {
		if dbTarget, err := s.config.Store.GetGameDetection(ctx, mapping.AppID); err != nil {
			return err
		} else if dbTarget != nil {
			combined := *dbTarget
			fold(&combined, &row)
			merged = combined
		} else {
			merged.GameAppID = mapping.AppID
			merged.GameName = name
		}
	}
	if merged.IsUnknown() || merged.GameName == "" {
		merged.GameName = name
	}
	merged.LastDetectedAt = now

	err := s.config.Store.MergeGameDetection(ctx, row.GameAppID, merged)
	if err != nil && store.IsConstraintViolation(err) {
		s.logger.Warn("unknown resolution hit a unique constraint, ignoring", map[string]any{
			"depot_id": row.GameAppID,
			"app_id":   mapping.AppID,
			"error":    err.Error(),
		})
		return nil
	}
	return err
}

// resolvedName picks the display name for a resolved mapping: the app
// name when known, the depot name as a fallback, a synthesized one last.
func resolvedName(mapping types.SteamDepotMapping) string {
	if mapping.AppName != nil && *mapping.AppName != "" {
		return *mapping.AppName
	}
	if mapping.DepotName != nil && *mapping.DepotName != "" {
		return *mapping.DepotName
	}
	return fmt.Sprintf("App %d", mapping.AppID)
}

func recordFailure(failed map[uint32]types.FailedDepotResolution, depotID uint32, now time.Time) {
	entry, ok := failed[depotID]
	if !ok {
		entry = types.FailedDepotResolution{DepotID: depotID, FirstFailedAt: now}
	}
	entry.LastTriedAt = now
	entry.Attempts++
	failed[depotID] = entry
}

// loadFailedResolutions reads the failed-resolution set from the state
// store. Any read or decode trouble degrades to an empty set; the state
// is advisory and a lost entry only means one extra lookup.
func (s *Service) loadFailedResolutions() map[uint32]types.FailedDepotResolution {
	out := make(map[uint32]types.FailedDepotResolution)
	rec, err := s.config.State.Get(FailedResolutionsKey)
	if err != nil {
		s.logger.Warn("failed to load depot resolution state", map[string]any{"error": err.Error()})
		return out
	}
	if rec == nil || rec.Data == nil {
		return out
	}
	raw, err := json.Marshal(rec.Data["depots"])
	if err != nil {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		s.logger.Warn("failed to decode depot resolution state", map[string]any{"error": err.Error()})
		return make(map[uint32]types.FailedDepotResolution)
	}
	return out
}

func (s *Service) saveFailedResolutions(failed map[uint32]types.FailedDepotResolution) {
	if len(failed) == 0 {
		if err := s.config.State.Remove(FailedResolutionsKey); err != nil {
			s.logger.Warn("failed to clear depot resolution state", map[string]any{"error": err.Error()})
		}
		return
	}
	err := s.config.State.Save(state.Record{
		Key:  FailedResolutionsKey,
		Data: map[string]any{"depots": failed},
	})
	if err != nil {
		s.logger.Warn("failed to save depot resolution state", map[string]any{"error": err.Error()})
	}
}
