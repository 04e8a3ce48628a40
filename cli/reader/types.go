// Package reader is the read-side data access layer for the cachewarden
// CLI. It reads the durable artifacts the serve process leaves behind —
// the JSON operation state store and the SQLite database — and never
// mutates either. Live in-memory state (the tracker, prefill sessions)
// belongs to the serve process and is not visible here.
package reader

import "time"

// OperationItem is one row of `ops list`. A thin slice of the durable
// state record; inspect returns the full detail.
type OperationItem struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// OperationDetail is the full durable record behind `ops inspect`.
type OperationDetail struct {
	Key       string         `json:"key"`
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Status    string         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ListOperationsOptions filters `ops list`.
type ListOperationsOptions struct {
	// Type filters by operation type tag (CacheClearing, ...).
	Type string
	// Status filters by status (Running, Failed, ...).
	Status string
	// Limit caps the result; zero means no limit.
	Limit int
}

// GameDetectionItem is one row of `detections`.
type GameDetectionItem struct {
	AppID        uint32    `json:"app_id"`
	Name         string    `json:"name"`
	Files        int64     `json:"files"`
	SizeBytes    int64     `json:"size_bytes"`
	Depots       int       `json:"depots"`
	Datasources  string    `json:"datasources"`
	LastDetected time.Time `json:"last_detected"`
}

// ServiceDetectionItem is one row of `detections --services`.
type ServiceDetectionItem struct {
	Service      string    `json:"service"`
	Files        int64     `json:"files"`
	SizeBytes    int64     `json:"size_bytes"`
	Datasources  string    `json:"datasources"`
	LastDetected time.Time `json:"last_detected"`
}

// CorruptionItem is one row of `detections --corruption`.
type CorruptionItem struct {
	Service         string    `json:"service"`
	CorruptedChunks int64     `json:"corrupted_chunks"`
	LastDetected    time.Time `json:"last_detected"`
}

// OperationStats breaks durable operation records down by status.
type OperationStats struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Stats is the `stats` command payload.
type Stats struct {
	Operations        OperationStats `json:"operations"`
	Games             int            `json:"games"`
	Services          int            `json:"services"`
	CorruptedServices int            `json:"corrupted_services"`
	CachedBytes       int64          `json:"cached_bytes"`
	ActiveSessions    int            `json:"active_sessions"`
	ActiveBans        int            `json:"active_bans"`
}

// BanItem is one row of `bans list`.
type BanItem struct {
	Username string     `json:"username"`
	Reason   string     `json:"reason,omitempty"`
	BannedAt time.Time  `json:"banned_at"`
	Expires  *time.Time `json:"expires,omitempty"`
	Active   bool       `json:"active"`
}
