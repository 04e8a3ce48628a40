package removal

import (
	"regexp"
	"strconv"
)

// StderrStats are the final statistics the service remover prints on
// stderr in human-readable lines.
type StderrStats struct {
	CacheFilesDeleted      int64
	BytesFreed             uint64
	LogEntriesRemoved      uint64
	DatabaseEntriesDeleted int64
}

var (
	cacheFilesRe = regexp.MustCompile(`Cache files deleted:\s*(\d+)`)
	bytesFreedRe = regexp.MustCompile(`Bytes freed:\s*([\d.]+)\s*(GB|MB)`)
	logEntriesRe = regexp.MustCompile(`Log entries removed:\s*(\d+)`)
	dbEntriesRe  = regexp.MustCompile(`Database entries deleted:\s*(\d+)`)
)

// ParseStderrStats extracts the remover's statistics lines. Lines that
// are absent or unparsable leave their field zero; diagnostics between
// the statistics are ignored.
func ParseStderrStats(stderr string) *StderrStats {
	stats := &StderrStats{}
	if m := cacheFilesRe.FindStringSubmatch(stderr); m != nil {
		stats.CacheFilesDeleted, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := bytesFreedRe.FindStringSubmatch(stderr); m != nil {
		if value, err := strconv.ParseFloat(m[1], 64); err == nil {
			unit := uint64(1024 * 1024)
			if m[2] == "GB" {
				unit = 1024 * 1024 * 1024
			}
			stats.BytesFreed = uint64(value * float64(unit))
		}
	}
	if m := logEntriesRe.FindStringSubmatch(stderr); m != nil {
		stats.LogEntriesRemoved, _ = strconv.ParseUint(m[1], 10, 64)
	}
	if m := dbEntriesRe.FindStringSubmatch(stderr); m != nil {
		stats.DatabaseEntriesDeleted, _ = strconv.ParseInt(m[1], 10, 64)
	}
	return stats
}
