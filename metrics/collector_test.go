package metrics

import (
	"sync"
	"testing"
)

func TestCollector_OperationCounters(t *testing.T) {
	c := NewCollector()

	c.IncOperationStarted("CacheClearing")
	c.IncOperationStarted("CacheClearing")
	c.IncOperationStarted("GameDetection")
	c.IncOperationCompleted("CacheClearing")
	c.IncOperationFailed("GameDetection")
	c.IncOperationCancelled("CacheClearing")
	c.IncForceKill()

	snap := c.Snapshot()
	if snap.OperationsStarted["CacheClearing"] != 2 {
		t.Errorf("OperationsStarted[CacheClearing] = %d, want 2", snap.OperationsStarted["CacheClearing"])
	}
	if snap.OperationsStarted["GameDetection"] != 1 {
		t.Errorf("OperationsStarted[GameDetection] = %d, want 1", snap.OperationsStarted["GameDetection"])
	}
	if snap.OperationsCompleted["CacheClearing"] != 1 {
		t.Errorf("OperationsCompleted = %v", snap.OperationsCompleted)
	}
	if snap.OperationsFailed["GameDetection"] != 1 {
		t.Errorf("OperationsFailed = %v", snap.OperationsFailed)
	}
	if snap.ForceKills != 1 {
		t.Errorf("ForceKills = %d, want 1", snap.ForceKills)
	}
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector

	// None of these may panic.
	c.IncOperationStarted("x")
	c.IncWorkerSpawned()
	c.IncWorkerKilled()
	c.AddBytesDeleted(10)
	c.AbsorbBusStats(1, 2)

	snap := c.Snapshot()
	if snap.WorkersSpawned != 0 {
		t.Errorf("nil collector Snapshot().WorkersSpawned = %d", snap.WorkersSpawned)
	}
}

func TestCollector_SnapshotIsolation(t *testing.T) {
	c := NewCollector()
	c.IncOperationStarted("Prefill")

	snap := c.Snapshot()
	snap.OperationsStarted["Prefill"] = 99

	if got := c.Snapshot().OperationsStarted["Prefill"]; got != 1 {
		t.Errorf("mutating a snapshot leaked into the collector: %d", got)
	}
}

func TestCollector_AbsorbBusStats(t *testing.T) {
	c := NewCollector()
	c.AbsorbBusStats(120, 3)

	snap := c.Snapshot()
	if snap.EventsPublished != 120 || snap.EventsDropped != 3 {
		t.Errorf("bus stats = (%d, %d), want (120, 3)", snap.EventsPublished, snap.EventsDropped)
	}

	// Absorb replaces rather than accumulates.
	c.AbsorbBusStats(130, 4)
	snap = c.Snapshot()
	if snap.EventsPublished != 130 || snap.EventsDropped != 4 {
		t.Errorf("bus stats after second absorb = (%d, %d), want (130, 4)", snap.EventsPublished, snap.EventsDropped)
	}
}

func TestCollector_ConcurrentIncrements(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.IncWorkerSpawned()
				c.AddBytesDeleted(1)
			}
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	if snap.WorkersSpawned != 800 {
		t.Errorf("WorkersSpawned = %d, want 800", snap.WorkersSpawned)
	}
	if snap.BytesDeleted != 800 {
		t.Errorf("BytesDeleted = %d, want 800", snap.BytesDeleted)
	}
}
