package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cachewarden/cachewarden/log"
	"github.com/cachewarden/cachewarden/types"
)

// Commands the daemon understands.
const (
	CmdGetStatus             = "get-status"
	CmdStartLogin            = "start-login"
	CmdProvideCredential     = "provide-credential"
	CmdGetAutoLoginChallenge = "get-auto-login-challenge"
	CmdProvideAutoLogin      = "provide-auto-login"
	CmdCancelLogin           = "cancel-login"
	CmdCancelPrefill         = "cancel-prefill"
	CmdSetSelectedApps       = "set-selected-apps"
	CmdPrefill               = "prefill"
	CmdCheckCacheStatus      = "check-cache-status"
	CmdGetOwnedGames         = "get-owned-games"
	CmdGetCacheInfo          = "get-cache-info"
	CmdClearCache            = "clear-cache"
	CmdGetSelectedAppsStatus = "get-selected-apps-status"
	CmdShutdown              = "shutdown"
)

// Event type strings pushed by the daemon.
const (
	eventChallenge  = "credential-challenge"
	eventStatus     = "status-update"
	eventProgress   = "progress-update"
	eventError      = "error"
	eventDisconnect = "disconnect"
)

// StatusLoggedIn is the daemon status string meaning authentication is
// complete.
const StatusLoggedIn = "logged-in"

// DefaultRequestTimeout bounds a request when the caller passes none.
const DefaultRequestTimeout = 30 * time.Second

// DefaultConnectTimeout bounds the dial-with-retry loop. The daemon
// creates its socket shortly after the container starts.
const DefaultConnectTimeout = 15 * time.Second

// Request is one command sent to the daemon. Auth carries the per-session
// socket secret on every request.
type Request struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Timeout    int            `json:"timeout,omitempty"`
	Auth       string         `json:"auth,omitempty"`
}

// Response is the daemon's answer to one request.
type Response struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// DecodeData unmarshals the response data object into out.
func (r *Response) DecodeData(out any) error {
	if len(r.Data) == 0 {
		return types.NewError(types.KindProtocol, "daemon response carries no data")
	}
	if err := json.Unmarshal(r.Data, out); err != nil {
		return types.WrapError(types.KindProtocol, err, "failed to decode daemon response data")
	}
	return nil
}

// ChallengeEvent is a credential-challenge push.
type ChallengeEvent struct {
	ChallengeID     string               `json:"challengeId"`
	ServerPublicKey string               `json:"serverPublicKey"`
	CredentialType  types.CredentialType `json:"credentialType"`
}

// StatusEvent is a status-update push and the get-status response data.
type StatusEvent struct {
	Status       string `json:"status"`
	Username     string `json:"username,omitempty"`
	IsPrefilling bool   `json:"isPrefilling,omitempty"`
}

// LoggedIn reports whether the daemon considers the account
// authenticated.
func (s StatusEvent) LoggedIn() bool {
	return s.Status == StatusLoggedIn
}

// ErrorEvent is an error push.
type ErrorEvent struct {
	Message string `json:"message"`
}

// Handlers receive server-initiated events. A nil handler drops its
// event. Handlers run on the read goroutine and must not block.
type Handlers struct {
	OnChallenge  func(ChallengeEvent)
	OnStatus     func(StatusEvent)
	OnProgress   func(types.PrefillProgress)
	OnError      func(ErrorEvent)
	OnDisconnect func(reason string)
}

// DialConfig configures Dial.
type DialConfig struct {
	// Network is "unix" or "tcp".
	Network string
	// Address is the socket path or host:port.
	Address string
	// Secret authenticates every request to the daemon.
	Secret string
	// ConnectTimeout bounds the retry loop. Zero means
	// DefaultConnectTimeout.
	ConnectTimeout time.Duration
	// Handlers receive pushed events.
	Handlers Handlers
	// Logger is an optional logger.
	Logger *log.Logger
}

// Client is a connection to one in-container daemon. One request may be
// in flight at a time; the daemon answers in order.
type Client struct {
	conn     net.Conn
	secret   string
	handlers Handlers
	logger   *log.Logger

	writeMu sync.Mutex

	mu               sync.Mutex
	pending          chan Response
	closed           bool
	disconnectReason string

	done chan struct{}
}

// Dial connects to the daemon, retrying while the socket is not up yet,
// and starts the read loop.
func Dial(ctx context.Context, config DialConfig) (*Client, error) {
	if config.Network == "" || config.Address == "" {
		return nil, types.NewError(types.KindConfig, "daemon: network and address are required")
	}
	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = log.NewLogger("daemon")
	}

	deadline := time.Now().Add(timeout)
	dialer := net.Dialer{Timeout: time.Second}
	var conn net.Conn
	var err error
	for {
		conn, err = dialer.DialContext(ctx, config.Network, config.Address)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().After(deadline) {
			return nil, types.WrapError(types.KindTimeout, err,
				"daemon socket did not come up within %s", timeout)
		}
		time.Sleep(250 * time.Millisecond)
	}

	client := &Client{
		conn:     conn,
		secret:   config.Secret,
		handlers: config.Handlers,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go client.readLoop()
	return client, nil
}

// Send issues one request and waits for the answer.
func (c *Client) Send(ctx context.Context, command string, params map[string]any, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, types.NewError(types.KindProtocol, "daemon connection closed")
	}
	if c.pending != nil {
		c.mu.Unlock()
		return nil, types.NewError(types.KindProtocol, "daemon request already in flight")
	}
	c.pending = ch
	c.mu.Unlock()

	req := Request{
		Command:    command,
		Parameters: params,
		Timeout:    int(timeout / time.Second),
		Auth:       c.secret,
	}
	c.writeMu.Lock()
	err := WriteFrame(c.conn, req)
	c.writeMu.Unlock()
	if err != nil {
		c.clearPending()
		return nil, types.WrapError(types.KindTransientIO, err, "failed to send %s", command)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return &resp, nil
	case <-ctx.Done():
		c.clearPending()
		return nil, ctx.Err()
	case <-c.done:
		c.clearPending()
		return nil, types.NewError(types.KindProtocol, "daemon disconnected before answering %s", command)
	case <-timer.C:
		c.clearPending()
		return nil, types.NewError(types.KindTimeout, "daemon did not answer %s within %s", command, timeout)
	}
}

// Status asks the daemon for its current auth and prefill status.
func (c *Client) Status(ctx context.Context, timeout time.Duration) (*StatusEvent, error) {
	resp, err := c.Send(ctx, CmdGetStatus, nil, timeout)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, types.NewError(types.KindProtocol, "get-status failed: %s", resp.ErrorMessage())
	}
	var status StatusEvent
	if err := resp.DecodeData(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ErrorMessage returns the most specific failure text in the response.
func (r *Response) ErrorMessage() string {
	if r.Error != "" {
		return r.Error
	}
	if r.Message != "" {
		return r.Message
	}
	return "daemon reported failure"
}

// Close tears the connection down. The read loop exits and fires
// OnDisconnect.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// Done is closed when the read loop exits.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) clearPending() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	for {
		payload, err := ReadFrame(c.conn)
		if err != nil {
			c.finish(err)
			return
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := DecodeFrame(payload, &probe); err != nil {
			c.logger.Warn("undecodable daemon frame", map[string]any{"error": err.Error()})
			continue
		}

		if probe.Type == "" {
			c.deliverResponse(payload)
			continue
		}
		c.dispatchEvent(probe.Type, payload)
	}
}

func (c *Client) deliverResponse(payload []byte) {
	var resp Response
	if err := DecodeFrame(payload, &resp); err != nil {
		c.logger.Warn("undecodable daemon response", map[string]any{"error": err.Error()})
		return
	}

	c.mu.Lock()
	ch := c.pending
	c.pending = nil
	c.mu.Unlock()

	if ch == nil {
		c.logger.Warn("daemon response with no request in flight", nil)
		return
	}
	ch <- resp
}

func (c *Client) dispatchEvent(eventType string, payload []byte) {
	switch eventType {
	case eventChallenge:
		var ev ChallengeEvent
		if err := DecodeFrame(payload, &ev); err == nil && c.handlers.OnChallenge != nil {
			c.handlers.OnChallenge(ev)
		}
	case eventStatus:
		var ev StatusEvent
		if err := DecodeFrame(payload, &ev); err == nil && c.handlers.OnStatus != nil {
			c.handlers.OnStatus(ev)
		}
	case eventProgress:
		var ev types.PrefillProgress
		if err := DecodeFrame(payload, &ev); err == nil && c.handlers.OnProgress != nil {
			c.handlers.OnProgress(ev)
		}
	case eventError:
		var ev ErrorEvent
		if err := DecodeFrame(payload, &ev); err == nil && c.handlers.OnError != nil {
			c.handlers.OnError(ev)
		}
	case eventDisconnect:
		var ev struct {
			Reason string `json:"reason"`
		}
		if err := DecodeFrame(payload, &ev); err == nil {
			c.mu.Lock()
			c.disconnectReason = ev.Reason
			c.mu.Unlock()
		}
	default:
		c.logger.Debug("unknown daemon event", map[string]any{"type": eventType})
	}
}

// finish runs once when the stream ends. It surfaces the disconnect to
// the owner with the most specific reason available.
func (c *Client) finish(err error) {
	c.mu.Lock()
	reason := c.disconnectReason
	closed := c.closed
	c.mu.Unlock()

	if reason == "" {
		switch {
		case closed, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			reason = "connection closed"
		default:
			reason = err.Error()
		}
	}
	close(c.done)
	if c.handlers.OnDisconnect != nil {
		c.handlers.OnDisconnect(reason)
	}
}
