package bus

import (
	"testing"
	"time"

	"github.com/cachewarden/cachewarden/types"
)

func TestBus_Delivery(t *testing.T) {
	b := New(Config{BufferSize: 8})
	defer b.Close()

	ch, cancel := b.Subscribe("test")
	defer cancel()

	b.NotifyAll(types.EventCacheClearingStarted, map[string]any{"operationId": "op-1"})

	select {
	case evt := <-ch:
		if evt.Name != types.EventCacheClearingStarted {
			t.Errorf("event name = %q, want %q", evt.Name, types.EventCacheClearingStarted)
		}
		payload, ok := evt.Payload.(map[string]any)
		if !ok || payload["operationId"] != "op-1" {
			t.Errorf("payload = %v", evt.Payload)
		}
		if evt.At.IsZero() {
			t.Error("event timestamp not set")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_FanOut(t *testing.T) {
	b := New(Config{BufferSize: 8})
	defer b.Close()

	ch1, cancel1 := b.Subscribe("one")
	defer cancel1()
	ch2, cancel2 := b.Subscribe("two")
	defer cancel2()

	b.NotifyAll("StatusChanged", nil)

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.Name != "StatusChanged" {
				t.Errorf("event name = %q", evt.Name)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the event")
		}
	}
}

func TestBus_DropOldestOnOverflow(t *testing.T) {
	b := New(Config{BufferSize: 2})
	defer b.Close()

	ch, cancel := b.Subscribe("slow")
	defer cancel()

	// Publish three events into a capacity-2 channel without reading.
	b.NotifyAll("first", nil)
	b.NotifyAll("second", nil)
	b.NotifyAll("third", nil)

	// The oldest event is the one dropped.
	got := []string{(<-ch).Name, (<-ch).Name}
	want := []string{"second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	stats := b.Stats()
	if stats.Dropped != 1 {
		t.Errorf("Stats().Dropped = %d, want 1", stats.Dropped)
	}
	if stats.DroppedBySubscriber["slow"] != 1 {
		t.Errorf("DroppedBySubscriber = %v", stats.DroppedBySubscriber)
	}
}

func TestBus_NeverBlocksProducer(t *testing.T) {
	b := New(Config{BufferSize: 1})
	defer b.Close()

	_, cancel := b.Subscribe("stuck")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.NotifyAll("flood", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("NotifyAll blocked on a full subscriber")
	}
}

func TestBus_CancelStopsDelivery(t *testing.T) {
	b := New(Config{BufferSize: 8})
	defer b.Close()

	ch, cancel := b.Subscribe("gone")
	cancel()

	// Channel is closed; a receive completes immediately with ok=false.
	if _, ok := <-ch; ok {
		t.Error("expected closed channel after cancel")
	}

	// Publishing after cancel must not panic.
	b.NotifyAll("after-cancel", nil)

	if got := b.Stats().Subscribers; got != 0 {
		t.Errorf("Subscribers = %d, want 0", got)
	}

	// Cancel is idempotent.
	cancel()
}

func TestBus_StatsCounters(t *testing.T) {
	b := New(Config{BufferSize: 8})
	defer b.Close()

	_, cancel := b.Subscribe("a")
	defer cancel()

	for i := 0; i < 3; i++ {
		b.NotifyAll("evt", i)
	}

	stats := b.Stats()
	if stats.Published != 3 {
		t.Errorf("Published = %d, want 3", stats.Published)
	}
	if stats.Delivered != 3 {
		t.Errorf("Delivered = %d, want 3", stats.Delivered)
	}
	if stats.Subscribers != 1 {
		t.Errorf("Subscribers = %d, want 1", stats.Subscribers)
	}
}
