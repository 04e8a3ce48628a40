// Package webhook publishes operation completion events as JSON POSTs to
// a configured URL. Transient failures and 5xx responses retry with
// exponential backoff; 4xx responses fail immediately.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cachewarden/cachewarden/adapter"
	"github.com/cachewarden/cachewarden/iox"
	"github.com/cachewarden/cachewarden/types"
)

// DefaultTimeout is the default HTTP request timeout.
const DefaultTimeout = 10 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// retryBaseDelay is the first backoff step; each retry doubles it.
const retryBaseDelay = 500 * time.Millisecond

// Config configures the webhook publisher.
type Config struct {
	// URL is the HTTP endpoint to POST to (required).
	URL string
	// Headers are custom HTTP headers added to each request.
	Headers map[string]string
	// Timeout is the per-request timeout (default 10s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure (default 3).
	Retries int
}

// Publisher publishes operation events via HTTP POST.
type Publisher struct {
	config Config
	client *http.Client
}

// New creates a webhook publisher from the given config.
func New(cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, types.NewError(types.KindConfig, "webhook adapter requires a url")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, types.NewError(types.KindConfig, "webhook adapter: retries must be >= 0, got %d", cfg.Retries)
	}

	return &Publisher{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name identifies the publisher in logs.
func (p *Publisher) Name() string { return "webhook" }

// StatusError is returned for non-2xx HTTP responses. Carrying the code
// lets the retry loop distinguish retriable 5xx from non-retriable 4xx.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Publish sends the event as a JSON POST request. Retries with
// exponential backoff on 5xx responses and network errors; 4xx responses
// fail immediately.
func (p *Publisher) Publish(ctx context.Context, event *adapter.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return types.WrapError(types.KindUnknown, err, "webhook: marshal event")
	}

	var lastErr error
	attempts := 1 + p.config.Retries

	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return types.WrapError(types.KindCancelled, err, "webhook: publish aborted")
		}

		// Backoff before retries, never before the first attempt.
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * retryBaseDelay
			select {
			case <-ctx.Done():
				return types.WrapError(types.KindCancelled, ctx.Err(), "webhook: publish aborted during backoff")
			case <-time.After(backoff):
			}
		}

		lastErr = p.doRequest(ctx, body)
		if lastErr == nil {
			return nil
		}

		var statusErr *StatusError
		if errors.As(lastErr, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 {
			return types.WrapError(types.KindProtocol, lastErr, "webhook: endpoint rejected event")
		}
	}

	return types.WrapError(types.KindTransientIO, lastErr, "webhook: publish failed after %d attempts", attempts)
}

// doRequest performs a single HTTP POST and returns nil on 2xx.
func (p *Publisher) doRequest(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer iox.DiscardClose(resp.Body)

	// Drain the body so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Close releases idle connections.
func (p *Publisher) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

var _ adapter.Publisher = (*Publisher)(nil)
