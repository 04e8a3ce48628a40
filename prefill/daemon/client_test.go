package daemon

import (
	"context"
	"net"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/cachewarden/cachewarden/types"
)

func requireUnixSockets(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix socket tests require a POSIX platform")
	}
}

// fakeDaemon accepts one connection on a unix socket and answers framed
// requests via the handle callback. It can also push event frames.
type fakeDaemon struct {
	t        *testing.T
	listener net.Listener

	mu       sync.Mutex
	conn     net.Conn
	received []Request

	connected chan struct{}
}

func newFakeDaemon(t *testing.T, handle func(Request) any) *fakeDaemon {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "daemon.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("failed to listen on %s: %v", socketPath, err)
	}

	d := &fakeDaemon{t: t, listener: listener, connected: make(chan struct{})}
	t.Cleanup(func() {
		listener.Close()
		d.mu.Lock()
		if d.conn != nil {
			d.conn.Close()
		}
		d.mu.Unlock()
	})

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		d.mu.Lock()
		d.conn = conn
		d.mu.Unlock()
		close(d.connected)

		for {
			payload, err := ReadFrame(conn)
			if err != nil {
				return
			}
			var req Request
			if err := DecodeFrame(payload, &req); err != nil {
				continue
			}
			d.mu.Lock()
			d.received = append(d.received, req)
			d.mu.Unlock()

			if handle == nil {
				continue
			}
			if reply := handle(req); reply != nil {
				if err := WriteFrame(conn, reply); err != nil {
					return
				}
			}
		}
	}()
	return d
}

func (d *fakeDaemon) addr() string {
	return d.listener.Addr().String()
}

// push sends a server-initiated event frame to the connected client.
func (d *fakeDaemon) push(v any) {
	d.t.Helper()
	select {
	case <-d.connected:
	case <-time.After(5 * time.Second):
		d.t.Fatal("no client connected to push to")
	}
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if err := WriteFrame(conn, v); err != nil {
		d.t.Fatalf("failed to push event: %v", err)
	}
}

func (d *fakeDaemon) requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Request, len(d.received))
	copy(out, d.received)
	return out
}

func (d *fakeDaemon) closeConn() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		d.conn.Close()
	}
}

func dialTest(t *testing.T, d *fakeDaemon, handlers Handlers) *Client {
	t.Helper()
	client, err := Dial(context.Background(), DialConfig{
		Network:        "unix",
		Address:        d.addr(),
		Secret:         "test-secret",
		ConnectTimeout: 5 * time.Second,
		Handlers:       handlers,
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClient_SendReceivesResponse(t *testing.T) {
	requireUnixSockets(t)

	d := newFakeDaemon(t, func(req Request) any {
		if req.Command != CmdGetStatus {
			t.Errorf("command = %q, want %q", req.Command, CmdGetStatus)
		}
		if req.Auth != "test-secret" {
			t.Errorf("auth = %q, want test-secret", req.Auth)
		}
		return map[string]any{
			"success": true,
			"data":    map[string]any{"status": "logged-in", "username": "gamer"},
		}
	})
	client := dialTest(t, d, Handlers{})

	status, err := client.Status(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.LoggedIn() {
		t.Errorf("status = %q, want logged-in", status.Status)
	}
	if status.Username != "gamer" {
		t.Errorf("username = %q, want gamer", status.Username)
	}
}

func TestClient_EventsDoNotConsumeResponses(t *testing.T) {
	requireUnixSockets(t)

	// The daemon interleaves a progress event before the response. The
	// event must reach its handler and the response must still reach
	// Send.
	d := newFakeDaemon(t, func(req Request) any {
		return nil
	})

	progressCh := make(chan types.PrefillProgress, 1)
	client := dialTest(t, d, Handlers{
		OnProgress: func(p types.PrefillProgress) {
			select {
			case progressCh <- p:
			default:
			}
		},
	})

	result := make(chan error, 1)
	go func() {
		resp, err := client.Send(context.Background(), CmdGetStatus, nil, 10*time.Second)
		if err == nil && !resp.Success {
			err = types.NewError(types.KindProtocol, "unexpected failure response")
		}
		result <- err
	}()

	// Wait for the request to land, then interleave.
	deadline := time.Now().Add(5 * time.Second)
	for len(d.requests()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never reached fake daemon")
		}
		time.Sleep(5 * time.Millisecond)
	}
	d.push(map[string]any{
		"type":            eventProgress,
		"state":           "Downloading",
		"currentAppId":    730,
		"bytesDownloaded": 1024,
	})
	d.push(map[string]any{"success": true})

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Send did not return")
	}

	select {
	case p := <-progressCh:
		if p.CurrentAppID != 730 {
			t.Errorf("CurrentAppID = %d, want 730", p.CurrentAppID)
		}
		if p.BytesDownloaded != 1024 {
			t.Errorf("BytesDownloaded = %d, want 1024", p.BytesDownloaded)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("progress event never dispatched")
	}
}

func TestClient_ChallengeEventDispatch(t *testing.T) {
	requireUnixSockets(t)

	d := newFakeDaemon(t, nil)
	challengeCh := make(chan ChallengeEvent, 1)
	dialTest(t, d, Handlers{
		OnChallenge: func(ev ChallengeEvent) { challengeCh <- ev },
	})

	d.push(map[string]any{
		"type":            eventChallenge,
		"challengeId":     "ch-42",
		"serverPublicKey": "a2V5",
		"credentialType":  "password",
	})

	select {
	case ev := <-challengeCh:
		if ev.ChallengeID != "ch-42" {
			t.Errorf("ChallengeID = %q, want ch-42", ev.ChallengeID)
		}
		if ev.CredentialType != types.CredentialPassword {
			t.Errorf("CredentialType = %q, want password", ev.CredentialType)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("challenge event never dispatched")
	}
}

func TestClient_RejectsConcurrentRequests(t *testing.T) {
	requireUnixSockets(t)

	// Never answer, so the first request stays in flight.
	d := newFakeDaemon(t, func(req Request) any { return nil })
	client := dialTest(t, d, Handlers{})

	first := make(chan error, 1)
	go func() {
		_, err := client.Send(context.Background(), CmdPrefill, nil, 10*time.Second)
		first <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for len(d.requests()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first request never reached fake daemon")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, err := client.Send(context.Background(), CmdGetStatus, nil, time.Second)
	if err == nil {
		t.Fatal("expected second concurrent request to be rejected")
	}
	if !types.IsKind(err, types.KindProtocol) {
		t.Errorf("expected protocol error, got: %v", err)
	}

	d.push(map[string]any{"success": true})
	if err := <-first; err != nil {
		t.Errorf("first request should still complete: %v", err)
	}
}

func TestClient_SendTimeout(t *testing.T) {
	requireUnixSockets(t)

	d := newFakeDaemon(t, func(req Request) any { return nil })
	client := dialTest(t, d, Handlers{})

	start := time.Now()
	_, err := client.Send(context.Background(), CmdGetStatus, nil, 150*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !types.IsKind(err, types.KindTimeout) {
		t.Errorf("expected timeout kind, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %s, want about 150ms", elapsed)
	}

	// The slot frees up after a timeout.
	done := make(chan struct{})
	go func() {
		client.Send(context.Background(), CmdGetStatus, nil, 100*time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("request slot not released after timeout")
	}
}

func TestClient_DisconnectReason(t *testing.T) {
	requireUnixSockets(t)

	d := newFakeDaemon(t, nil)
	reasonCh := make(chan string, 1)
	client := dialTest(t, d, Handlers{
		OnDisconnect: func(reason string) { reasonCh <- reason },
	})

	d.push(map[string]any{"type": eventDisconnect, "reason": "daemon shutting down"})
	d.closeConn()

	select {
	case reason := <-reasonCh:
		if reason != "daemon shutting down" {
			t.Errorf("reason = %q, want daemon shutting down", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect handler never fired")
	}

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done channel never closed")
	}

	// Requests after disconnect fail fast with a protocol error.
	if _, err := client.Send(context.Background(), CmdGetStatus, nil, time.Second); err == nil {
		t.Fatal("expected error sending on a dead connection")
	}
}

func TestClient_DialRetriesUntilSocketExists(t *testing.T) {
	requireUnixSockets(t)

	socketPath := filepath.Join(t.TempDir(), "daemon.sock")

	// Bring the listener up after a delay to exercise the retry loop.
	go func() {
		time.Sleep(400 * time.Millisecond)
		listener, err := net.Listen("unix", socketPath)
		if err != nil {
			return
		}
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		ReadFrame(conn)
	}()

	client, err := Dial(context.Background(), DialConfig{
		Network:        "unix",
		Address:        socketPath,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	client.Close()
}

func TestClient_DialTimeout(t *testing.T) {
	requireUnixSockets(t)

	socketPath := filepath.Join(t.TempDir(), "absent.sock")
	start := time.Now()
	_, err := Dial(context.Background(), DialConfig{
		Network:        "unix",
		Address:        socketPath,
		ConnectTimeout: 500 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected dial timeout")
	}
	if !types.IsKind(err, types.KindTimeout) {
		t.Errorf("expected timeout kind, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("dial gave up after %s, want about 500ms", elapsed)
	}
}
