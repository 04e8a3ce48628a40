// Package redis publishes operation completion events to a Redis pub/sub
// channel as JSON. Publishes retry with exponential backoff on connection
// errors so a restarting Redis does not lose the terminal event.
package redis

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cachewarden/cachewarden/adapter"
	"github.com/cachewarden/cachewarden/types"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "cachewarden:operations"

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// retryBaseDelay is the first backoff step; each retry doubles it.
const retryBaseDelay = 500 * time.Millisecond

// Config configures the Redis publisher.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Channel is the pub/sub channel name (default: cachewarden:operations).
	Channel string
	// Timeout is the per-publish timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure (default 3).
	Retries int
}

// Publisher publishes operation events via Redis PUBLISH.
type Publisher struct {
	config Config
	client *goredis.Client
}

// New creates a Redis publisher from the given config.
func New(cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, types.NewError(types.KindConfig, "redis adapter requires a url")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, types.WrapError(types.KindConfig, err, "redis adapter: invalid url")
	}

	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, types.NewError(types.KindConfig, "redis adapter: retries must be >= 0, got %d", cfg.Retries)
	}

	return &Publisher{
		config: cfg,
		client: goredis.NewClient(opts),
	}, nil
}

// Name identifies the publisher in logs.
func (p *Publisher) Name() string { return "redis" }

// Publish sends the event as a JSON PUBLISH to the configured channel.
// Retries with exponential backoff on failures.
func (p *Publisher) Publish(ctx context.Context, event *adapter.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return types.WrapError(types.KindUnknown, err, "redis: marshal event")
	}

	var lastErr error
	attempts := 1 + p.config.Retries

	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return types.WrapError(types.KindCancelled, err, "redis: publish aborted")
		}

		// Backoff before retries, never before the first attempt.
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * retryBaseDelay
			select {
			case <-ctx.Done():
				return types.WrapError(types.KindCancelled, ctx.Err(), "redis: publish aborted during backoff")
			case <-time.After(backoff):
			}
		}

		publishCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
		lastErr = p.client.Publish(publishCtx, p.config.Channel, body).Err()
		cancel()

		if lastErr == nil {
			return nil
		}
	}

	return types.WrapError(types.KindTransientIO, lastErr, "redis: publish failed after %d attempts", attempts)
}

// Close releases the client connection pool.
func (p *Publisher) Close() error {
	return p.client.Close()
}

var _ adapter.Publisher = (*Publisher)(nil)
