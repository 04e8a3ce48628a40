package types

import "time"

// UnknownGamePrefix marks detection rows whose depot id could not be mapped
// to an owning app at scan time. The full name form is
// "Unknown Game (Depot N)" where N is the depot id.
const UnknownGamePrefix = "Unknown Game (Depot "

// CachedGameDetection is one durable row of the game detection cache,
// keyed by GameAppID. Unknown entries carry GameAppID = depot id and a
// name of the form "Unknown Game (Depot N)" until a later resolution
// pass renames or merges them.
type CachedGameDetection struct {
	GameAppID       uint32    `db:"game_app_id" json:"gameAppId"`
	GameName        string    `db:"game_name" json:"gameName"`
	CacheFilesFound int64     `db:"cache_files_found" json:"cacheFilesFound"`
	TotalSizeBytes  int64     `db:"total_size_bytes" json:"totalSizeBytes"`
	DepotIDs        []uint32  `db:"-" json:"depotIds"`
	SampleURLs      []string  `db:"-" json:"sampleUrls"`
	CacheFilePaths  []string  `db:"-" json:"cacheFilePaths"`
	Datasources     []string  `db:"-" json:"datasources"`
	LastDetectedAt  time.Time `db:"last_detected_utc" json:"lastDetectedUtc"`
	CreatedAt       time.Time `db:"created_at_utc" json:"createdAtUtc"`
}

// IsUnknown reports whether this row still carries a synthesized
// unknown-depot name.
func (d *CachedGameDetection) IsUnknown() bool {
	return len(d.GameName) > len(UnknownGamePrefix) && d.GameName[:len(UnknownGamePrefix)] == UnknownGamePrefix
}

// CachedServiceDetection is one durable row of the service detection cache,
// keyed by lower-cased ServiceName.
type CachedServiceDetection struct {
	ServiceName     string    `db:"service_name" json:"serviceName"`
	CacheFilesFound int64     `db:"cache_files_found" json:"cacheFilesFound"`
	TotalSizeBytes  int64     `db:"total_size_bytes" json:"totalSizeBytes"`
	SampleURLs      []string  `db:"-" json:"sampleUrls"`
	CacheFilePaths  []string  `db:"-" json:"cacheFilePaths"`
	Datasources     []string  `db:"-" json:"datasources"`
	LastDetectedAt  time.Time `db:"last_detected_utc" json:"lastDetectedUtc"`
	CreatedAt       time.Time `db:"created_at_utc" json:"createdAtUtc"`
}

// CachedCorruptionDetection is the per-service corruption count persisted
// after each corruption scan.
type CachedCorruptionDetection struct {
	ServiceName         string    `db:"service_name" json:"serviceName"`
	CorruptedChunkCount int64     `db:"corrupted_chunk_count" json:"corruptedChunkCount"`
	LastDetectedAt      time.Time `db:"last_detected_utc" json:"lastDetectedUtc"`
	CreatedAt           time.Time `db:"created_at_utc" json:"createdAtUtc"`
}

// SteamDepotMapping relates a depot id to an owning app. The relationship
// is many-to-many; rows with IsOwner=true designate the canonical app for
// a depot and are the only rows resolution passes consult.
type SteamDepotMapping struct {
	DepotID      uint32    `db:"depot_id" json:"depotId"`
	AppID        uint32    `db:"app_id" json:"appId"`
	AppName      *string   `db:"app_name" json:"appName,omitempty"`
	DepotName    *string   `db:"depot_name" json:"depotName,omitempty"`
	IsOwner      bool      `db:"is_owner" json:"isOwner"`
	Source       string    `db:"source" json:"source"`
	DiscoveredAt time.Time `db:"discovered_at" json:"discoveredAt"`
}

// Download is one download event row populated by log ingestion. Game-name
// fields stay null until the depot backfill attaches a mapping.
type Download struct {
	ID             int64      `db:"id" json:"id"`
	Service        string     `db:"service" json:"service"`
	ClientIP       string     `db:"client_ip" json:"clientIp"`
	DepotID        *uint32    `db:"depot_id" json:"depotId,omitempty"`
	GameAppID      *uint32    `db:"game_app_id" json:"gameAppId,omitempty"`
	GameName       *string    `db:"game_name" json:"gameName,omitempty"`
	GameImageURL   *string    `db:"game_image_url" json:"gameImageUrl,omitempty"`
	CacheHitBytes  int64      `db:"cache_hit_bytes" json:"cacheHitBytes"`
	CacheMissBytes int64      `db:"cache_miss_bytes" json:"cacheMissBytes"`
	StartedAt      time.Time  `db:"start_time_utc" json:"startTimeUtc"`
	LastUpdated    time.Time  `db:"last_updated_utc" json:"lastUpdatedUtc"`
	EndedAt        *time.Time `db:"end_time_utc" json:"endTimeUtc,omitempty"`
}

// CachedDepot records a (depot, manifest) pair observed as fully cached by
// a prefill run, so later runs can skip up-to-date apps.
type CachedDepot struct {
	AppID      uint32    `db:"app_id" json:"appId"`
	DepotID    uint32    `db:"depot_id" json:"depotId"`
	ManifestID string    `db:"manifest_id" json:"manifestId"`
	TotalBytes int64     `db:"total_bytes" json:"totalBytes"`
	RecordedAt time.Time `db:"recorded_at" json:"recordedAt"`
}

// FailedDepotResolution tracks a depot id that detection could not resolve
// to an owner mapping. Retries are gated to once per 24 hours.
type FailedDepotResolution struct {
	DepotID       uint32    `json:"depotId"`
	FirstFailedAt time.Time `json:"firstFailedAt"`
	LastTriedAt   time.Time `json:"lastTriedAt"`
	Attempts      int       `json:"attempts"`
}
