package detection

import (
	"sort"
	"strings"
	"time"

	"github.com/cachewarden/cachewarden/types"
)

// batch accumulates detector output across datasources before it is
// written to the store. Games key on app id, services on lowercased
// name, so duplicates merge instead of multiplying.
type batch struct {
	games    map[uint32]*types.CachedGameDetection
	services map[string]*types.CachedServiceDetection
	now      time.Time
}

func newBatch(now time.Time) *batch {
	return &batch{
		games:    make(map[uint32]*types.CachedGameDetection),
		services: make(map[string]*types.CachedServiceDetection),
		now:      now,
	}
}

// absorb folds one datasource's detector output into the batch.
func (b *batch) absorb(output *types.GameDetectOutput, dsName string) {
	for i := range output.Games {
		b.absorbGame(&output.Games[i], dsName)
	}
	for i := range output.Services {
		b.absorbService(&output.Services[i], dsName)
	}
}

func (b *batch) absorbGame(game *types.DetectedGame, dsName string) {
	existing, ok := b.games[game.GameAppID]
	if !ok {
		b.games[game.GameAppID] = &types.CachedGameDetection{
			GameAppID:       game.GameAppID,
			GameName:        game.GameName,
			CacheFilesFound: game.CacheFilesFound,
			TotalSizeBytes:  game.TotalSizeBytes,
			DepotIDs:        unionUint32(nil, game.DepotIDs),
			CacheFilePaths:  unionStrings(nil, game.CacheFilePaths),
			SampleURLs:      capStrings(unionStrings(nil, game.SampleURLs), sampleURLCap),
			Datasources:     []string{dsName},
			LastDetectedAt:  b.now,
			CreatedAt:       b.now,
		}
		return
	}
	if game.GameName != "" {
		existing.GameName = game.GameName
	}
	existing.CacheFilesFound += game.CacheFilesFound
	existing.TotalSizeBytes += game.TotalSizeBytes
	existing.DepotIDs = unionUint32(existing.DepotIDs, game.DepotIDs)
	existing.CacheFilePaths = unionStrings(existing.CacheFilePaths, game.CacheFilePaths)
	existing.SampleURLs = capStrings(unionStrings(existing.SampleURLs, game.SampleURLs), sampleURLCap)
	existing.Datasources = unionStrings(existing.Datasources, []string{dsName})
}

func (b *batch) absorbService(svc *types.DetectedService, dsName string) {
	key := strings.ToLower(svc.ServiceName)
	existing, ok := b.services[key]
	if !ok {
		b.services[key] = &types.CachedServiceDetection{
			ServiceName:     key,
			CacheFilesFound: svc.CacheFilesFound,
			TotalSizeBytes:  svc.TotalSizeBytes,
			SampleURLs:      capStrings(unionStrings(nil, svc.SampleURLs), sampleURLCap),
			CacheFilePaths:  unionStrings(nil, svc.CacheFilePaths),
			Datasources:     []string{dsName},
			LastDetectedAt:  b.now,
			CreatedAt:       b.now,
		}
		return
	}
	existing.CacheFilesFound += svc.CacheFilesFound
	existing.TotalSizeBytes += svc.TotalSizeBytes
	existing.SampleURLs = capStrings(unionStrings(existing.SampleURLs, svc.SampleURLs), sampleURLCap)
	existing.CacheFilePaths = unionStrings(existing.CacheFilePaths, svc.CacheFilePaths)
	existing.Datasources = unionStrings(existing.Datasources, []string{dsName})
}

// fold merges src's accumulated values into dst, keeping dst's identity.
func fold(dst, src *types.CachedGameDetection) {
	dst.CacheFilesFound += src.CacheFilesFound
	dst.TotalSizeBytes += src.TotalSizeBytes
	dst.DepotIDs = unionUint32(dst.DepotIDs, src.DepotIDs)
	dst.CacheFilePaths = unionStrings(dst.CacheFilePaths, src.CacheFilePaths)
	dst.SampleURLs = capStrings(unionStrings(dst.SampleURLs, src.SampleURLs), sampleURLCap)
	dst.Datasources = unionStrings(dst.Datasources, src.Datasources)
}

// lists returns the batch contents in deterministic order for
// persistence: games by app id, services by name.
func (b *batch) lists() ([]types.CachedGameDetection, []types.CachedServiceDetection) {
	games := make([]types.CachedGameDetection, 0, len(b.games))
	for _, g := range b.games {
		games = append(games, *g)
	}
	sort.Slice(games, func(i, j int) bool { return games[i].GameAppID < games[j].GameAppID })

	services := make([]types.CachedServiceDetection, 0, len(b.services))
	for _, s := range b.services {
		services = append(services, *s)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].ServiceName < services[j].ServiceName })
	return games, services
}

func unionUint32(dst, extra []uint32) []uint32 {
	seen := make(map[uint32]struct{}, len(dst)+len(extra))
	for _, v := range dst {
		seen[v] = struct{}{}
	}
	for _, v := range extra {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		dst = append(dst, v)
	}
	return dst
}

func unionStrings(dst, extra []string) []string {
	seen := make(map[string]struct{}, len(dst)+len(extra))
	for _, v := range dst {
		seen[v] = struct{}{}
	}
	for _, v := range extra {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		dst = append(dst, v)
	}
	return dst
}

func capStrings(values []string, max int) []string {
	if len(values) > max {
		return values[:max]
	}
	return values
}
