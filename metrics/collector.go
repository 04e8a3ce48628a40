// Package metrics provides process-wide counters for the operation plane.
//
// The Collector accumulates counters for the lifetime of the server. It is
// a leaf package with no internal dependencies. Bus fan-out metrics are
// absorbed from bus stats on snapshot rather than recorded live, avoiding
// double-counting.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Operation lifecycle, keyed by operation type tag.
	OperationsStarted   map[string]int64
	OperationsCompleted map[string]int64
	OperationsFailed    map[string]int64
	OperationsCancelled map[string]int64
	ForceKills          int64

	// Native workers
	WorkersSpawned int64
	WorkersKilled  int64
	WorkerFailures int64
	ProgressReads  int64
	ProgressMisses int64

	// Cache mutation totals
	BytesDeleted int64
	FilesDeleted int64

	// Log ingestion
	LogLinesDispatched int64
	LogRunsTriggered   int64

	// Prefill
	SessionsCreated    int64
	SessionsTerminated int64
	SessionsOrphaned   int64

	// Depot backfill
	DepotMappingsResolved int64

	// Bus fan-out (absorbed from bus stats)
	EventsPublished int64
	EventsDropped   int64
}

// Collector accumulates counters for the whole process.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	opsStarted    map[string]int64
	opsCompleted  map[string]int64
	opsFailed     map[string]int64
	opsCancelled  map[string]int64
	opsForceKills int64

	workersSpawned int64
	workersKilled  int64
	workerFailures int64
	progressReads  int64
	progressMisses int64

	bytesDeleted int64
	filesDeleted int64

	logLinesDispatched int64
	logRunsTriggered   int64

	sessionsCreated    int64
	sessionsTerminated int64
	sessionsOrphaned   int64

	depotMappingsResolved int64

	eventsPublished int64
	eventsDropped   int64
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		opsStarted:   make(map[string]int64),
		opsCompleted: make(map[string]int64),
		opsFailed:    make(map[string]int64),
		opsCancelled: make(map[string]int64),
	}
}

// --- Operation lifecycle ---
// Keys are operation type tags; kept as plain strings so this package has
// no dependency on the types package.

// IncOperationStarted records an operation registration.
func (c *Collector) IncOperationStarted(opType string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.opsStarted[opType]++
	c.mu.Unlock()
}

// IncOperationCompleted records a successful terminal transition.
func (c *Collector) IncOperationCompleted(opType string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.opsCompleted[opType]++
	c.mu.Unlock()
}

// IncOperationFailed records a failed terminal transition.
func (c *Collector) IncOperationFailed(opType string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.opsFailed[opType]++
	c.mu.Unlock()
}

// IncOperationCancelled records a cancelled terminal transition.
func (c *Collector) IncOperationCancelled(opType string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.opsCancelled[opType]++
	c.mu.Unlock()
}

// IncForceKill records a force-kill escalation.
func (c *Collector) IncForceKill() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.opsForceKills++
	c.mu.Unlock()
}

// --- Native workers ---

// IncWorkerSpawned records a helper process start.
func (c *Collector) IncWorkerSpawned() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.workersSpawned++
	c.mu.Unlock()
}

// IncWorkerKilled records a process-tree kill.
func (c *Collector) IncWorkerKilled() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.workersKilled++
	c.mu.Unlock()
}

// IncWorkerFailure records a non-zero, non-137 helper exit.
func (c *Collector) IncWorkerFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.workerFailures++
	c.mu.Unlock()
}

// IncProgressRead records a successful progress-file read.
func (c *Collector) IncProgressRead() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.progressReads++
	c.mu.Unlock()
}

// IncProgressMiss records a missing, partial or malformed progress read.
func (c *Collector) IncProgressMiss() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.progressMisses++
	c.mu.Unlock()
}

// --- Cache mutation totals ---

// AddBytesDeleted accumulates bytes freed by clearing and removal.
func (c *Collector) AddBytesDeleted(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.bytesDeleted += n
	c.mu.Unlock()
}

// AddFilesDeleted accumulates cache files removed.
func (c *Collector) AddFilesDeleted(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.filesDeleted += n
	c.mu.Unlock()
}

// --- Log ingestion ---

// AddLogLinesDispatched accumulates access-log lines handed to the
// log processor.
func (c *Collector) AddLogLinesDispatched(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.logLinesDispatched += n
	c.mu.Unlock()
}

// IncLogRunTriggered records one monitor-triggered processing pass.
func (c *Collector) IncLogRunTriggered() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.logRunsTriggered++
	c.mu.Unlock()
}

// --- Prefill ---

// IncSessionCreated records a prefill session creation.
func (c *Collector) IncSessionCreated() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.sessionsCreated++
	c.mu.Unlock()
}

// IncSessionTerminated records a prefill session termination.
func (c *Collector) IncSessionTerminated() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.sessionsTerminated++
	c.mu.Unlock()
}

// IncSessionOrphaned records an orphaned container found at startup.
func (c *Collector) IncSessionOrphaned() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.sessionsOrphaned++
	c.mu.Unlock()
}

// --- Depot backfill ---

// AddDepotMappingsResolved accumulates downloads backfilled with an app id.
func (c *Collector) AddDepotMappingsResolved(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.depotMappingsResolved += n
	c.mu.Unlock()
}

// --- Bus fan-out (absorbed from bus stats) ---

// AbsorbBusStats copies fan-out counters from the bus into the collector.
// Called on snapshot with the current bus stats.
func (c *Collector) AbsorbBusStats(published, dropped int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.eventsPublished = published
	c.eventsDropped = dropped
	c.mu.Unlock()
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		OperationsStarted:     copyCounts(c.opsStarted),
		OperationsCompleted:   copyCounts(c.opsCompleted),
		OperationsFailed:      copyCounts(c.opsFailed),
		OperationsCancelled:   copyCounts(c.opsCancelled),
		ForceKills:            c.opsForceKills,
		WorkersSpawned:        c.workersSpawned,
		WorkersKilled:         c.workersKilled,
		WorkerFailures:        c.workerFailures,
		ProgressReads:         c.progressReads,
		ProgressMisses:        c.progressMisses,
		BytesDeleted:          c.bytesDeleted,
		FilesDeleted:          c.filesDeleted,
		LogLinesDispatched:    c.logLinesDispatched,
		LogRunsTriggered:      c.logRunsTriggered,
		SessionsCreated:       c.sessionsCreated,
		SessionsTerminated:    c.sessionsTerminated,
		SessionsOrphaned:      c.sessionsOrphaned,
		DepotMappingsResolved: c.depotMappingsResolved,
		EventsPublished:       c.eventsPublished,
		EventsDropped:         c.eventsDropped,
	}
}

func copyCounts(src map[string]int64) map[string]int64 {
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
