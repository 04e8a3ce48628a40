// Package bus implements the notification fan-out between services and
// event consumers (UI adapters, CLI watch, tests).
//
// Delivery policy: every subscriber owns a bounded channel. When a
// subscriber's channel is full the oldest buffered event is dropped to
// make room for the new one; producers never block. Drops are counted
// per subscriber and surfaced via Stats.
package bus

import (
	"sync"
	"time"

	"github.com/cachewarden/cachewarden/log"
)

// Event is one published notification.
type Event struct {
	// Name is the event tag ("CacheClearingProgress", ...).
	Name string
	// Payload is the structured event body.
	Payload any
	// At is the publish timestamp.
	At time.Time
}

// Config configures a Bus.
type Config struct {
	// BufferSize is the per-subscriber channel capacity.
	// Zero uses DefaultBufferSize.
	BufferSize int
	// Logger is an optional logger for drop observability.
	// If nil, no logging is emitted.
	Logger *log.Logger
}

// DefaultBufferSize is the per-subscriber channel capacity when
// Config.BufferSize is zero.
const DefaultBufferSize = 256

// Stats represents bus observability metrics.
type Stats struct {
	// Published is the total number of events published.
	Published int64
	// Delivered is the number of successful channel sends.
	Delivered int64
	// Dropped is the total number of events dropped across subscribers.
	Dropped int64
	// DroppedBySubscriber maps subscriber names to drop counts.
	DroppedBySubscriber map[string]int64
	// Subscribers is the current subscriber count.
	Subscribers int
}

type subscriber struct {
	name string
	ch   chan Event
}

// Bus fans events out to subscribers.
type Bus struct {
	config Config
	logger *log.Logger

	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextID      int
	published   int64
	delivered   int64
	dropped     map[string]int64
}

// New creates a Bus.
func New(config Config) *Bus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}
	return &Bus{
		config:      config,
		logger:      config.Logger,
		subscribers: make(map[int]*subscriber),
		dropped:     make(map[string]int64),
	}
}

// Subscribe registers a named consumer and returns its event channel plus
// a cancel function. Cancel closes the channel; pending events stay
// readable until drained.
func (b *Bus) Subscribe(name string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{name: name, ch: make(chan Event, b.config.BufferSize)}
	b.subscribers[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if current, ok := b.subscribers[id]; ok && current == sub {
			delete(b.subscribers, id)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// NotifyAll publishes an event to every subscriber without blocking.
func (b *Bus) NotifyAll(event string, payload any) {
	evt := Event{Name: event, Payload: payload, At: time.Now().UTC()}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.published++
	for _, sub := range b.subscribers {
		b.send(sub, evt)
	}
}

// send delivers to one subscriber, evicting the oldest buffered event on
// overflow. Caller holds b.mu, so no concurrent send races on sub.ch.
func (b *Bus) send(sub *subscriber, evt Event) {
	select {
	case sub.ch <- evt:
		b.delivered++
		return
	default:
	}

	select {
	case <-sub.ch:
		b.dropped[sub.name]++
	default:
	}

	select {
	case sub.ch <- evt:
		b.delivered++
	default:
		b.dropped[sub.name]++
		if b.logger != nil {
			b.logger.Warn("dropped event for slow subscriber", map[string]any{
				"subscriber": sub.name,
				"event":      evt.Name,
			})
		}
	}
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	byName := make(map[string]int64, len(b.dropped))
	var total int64
	for name, n := range b.dropped {
		byName[name] = n
		total += n
	}
	return Stats{
		Published:           b.published,
		Delivered:           b.delivered,
		Dropped:             total,
		DroppedBySubscriber: byName,
		Subscribers:         len(b.subscribers),
	}
}

// Close cancels every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}
