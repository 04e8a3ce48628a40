package types

// Native helpers report progress by atomically rewriting a single small JSON
// file at least every ~500ms. The supervisor polls that file and treats each
// read as a best-effort latest-wins snapshot: a missing, truncated or
// malformed file is not an error, just a tick with no news.
//
// Field names below are bit-exact contracts with the helper binaries and
// must not be renamed.

// WorkerProgress is the shared progress shape written by the remover and
// corruption helpers.
type WorkerProgress struct {
	Status          string  `json:"status"`
	Message         string  `json:"message"`
	PercentComplete float64 `json:"percentComplete"`
	FilesProcessed  int64   `json:"filesProcessed"`
	TotalFiles      int64   `json:"totalFiles"`
	// CurrentFile is populated by the corruption manager only.
	CurrentFile string `json:"currentFile,omitempty"`
	// Timestamp is populated by the corruption manager only.
	Timestamp string `json:"timestamp,omitempty"`
}

// LogCountProgress is written by `log-manager count`.
type LogCountProgress struct {
	IsProcessing    bool              `json:"is_processing"`
	PercentComplete float64           `json:"percent_complete"`
	Status          string            `json:"status"`
	Message         string            `json:"message"`
	LinesProcessed  uint64            `json:"lines_processed"`
	ServiceCounts   map[string]uint64 `json:"service_counts"`
}

// CacheClearProgress is written by the cache-cleaner helper.
type CacheClearProgress struct {
	IsProcessing         bool     `json:"is_processing"`
	PercentComplete      float64  `json:"percent_complete"`
	Status               string   `json:"status"`
	Message              string   `json:"message"`
	DirectoriesProcessed int64    `json:"directories_processed"`
	TotalDirectories     int64    `json:"total_directories"`
	BytesDeleted         uint64   `json:"bytes_deleted"`
	FilesDeleted         uint64   `json:"files_deleted"`
	ActiveDirectories    []string `json:"active_directories"`
	ActiveCount          int      `json:"active_count"`
}

// CorruptionSummary is the final stdout object of `corruption-manager summary`.
type CorruptionSummary struct {
	ServiceCounts  map[string]int64 `json:"service_counts"`
	TotalCorrupted int64            `json:"total_corrupted"`
}

// CorruptedChunk is one entry of `corruption-manager detect` output.
type CorruptedChunk struct {
	Service       string `json:"service"`
	URL           string `json:"url"`
	MissCount     int64  `json:"miss_count"`
	CacheFilePath string `json:"cache_file_path"`
}

// CorruptionDetectOutput is the output JSON of `corruption-manager detect`.
type CorruptionDetectOutput struct {
	CorruptedChunks []CorruptedChunk  `json:"corrupted_chunks"`
	Summary         CorruptionSummary `json:"summary"`
}

// DetectedGame is one game entry of the game-cache-detector output.
type DetectedGame struct {
	GameAppID       uint32   `json:"game_app_id"`
	GameName        string   `json:"game_name"`
	CacheFilesFound int64    `json:"cache_files_found"`
	TotalSizeBytes  int64    `json:"total_size_bytes"`
	DepotIDs        []uint32 `json:"depot_ids"`
	SampleURLs      []string `json:"sample_urls"`
	CacheFilePaths  []string `json:"cache_file_paths"`
}

// DetectedService is one service entry of the game-cache-detector output.
type DetectedService struct {
	ServiceName     string   `json:"service_name"`
	CacheFilesFound int64    `json:"cache_files_found"`
	TotalSizeBytes  int64    `json:"total_size_bytes"`
	SampleURLs      []string `json:"sample_urls"`
	CacheFilePaths  []string `json:"cache_file_paths"`
}

// GameDetectOutput is the output JSON of the game-cache-detector.
type GameDetectOutput struct {
	TotalGamesDetected    int               `json:"total_games_detected"`
	TotalServicesDetected int               `json:"total_services_detected"`
	Games                 []DetectedGame    `json:"games"`
	Services              []DetectedService `json:"services"`
}

// RemovalOutput is the output JSON of the game-cache-remover and
// service-remover helpers.
type RemovalOutput struct {
	CacheFilesDeleted int64    `json:"cache_files_deleted"`
	TotalBytesFreed   uint64   `json:"total_bytes_freed"`
	EmptyDirsRemoved  int64    `json:"empty_dirs_removed"`
	LogEntriesRemoved uint64   `json:"log_entries_removed"`
	DepotIDs          []uint32 `json:"depot_ids"`
}
