package prefill

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cachewarden/cachewarden/prefill/daemon"
	"github.com/cachewarden/cachewarden/types"
)

func pushChallenge(d *scriptDaemon, id, serverPub string, ctype types.CredentialType) {
	d.push(map[string]any{
		"type":            "credential-challenge",
		"challengeId":     id,
		"serverPublicKey": serverPub,
		"credentialType":  string(ctype),
	})
}

func pushLoggedIn(d *scriptDaemon, username string) {
	d.push(map[string]any{
		"type":     "status-update",
		"status":   "logged-in",
		"username": username,
	})
}

// authenticate drives the session to Authenticated via a status push.
func authenticate(env *managerEnv, sessionID, username string) {
	env.t.Helper()
	pushLoggedIn(env.daemon, username)
	waitFor(env.t, "authenticated state", func() bool {
		info, err := env.manager.GetSession(sessionID)
		return err == nil && info.AuthState == types.AuthAuthenticated
	})
}

// sentCredential pulls the latest request for command off the fake
// daemon and rebuilds the sealed credential from its parameters.
func sentCredential(t *testing.T, d *scriptDaemon, command string) *EncryptedCredential {
	t.Helper()
	reqs := d.received()
	var req *daemon.Request
	for i := range reqs {
		if reqs[i].Command == command {
			req = &reqs[i]
		}
	}
	if req == nil {
		t.Fatalf("daemon never received %s", command)
	}
	str := func(key string) string {
		v, _ := req.Parameters[key].(string)
		if v == "" {
			t.Fatalf("%s parameter %s is empty", command, key)
		}
		return v
	}
	return &EncryptedCredential{
		ChallengeID:         str("challengeId"),
		ClientPublicKey:     str("clientPublicKey"),
		EncryptedCredential: str("encryptedCredential"),
		Nonce:               str("nonce"),
		Tag:                 str("tag"),
	}
}

func TestManager_LoginChallengeFlow(t *testing.T) {
	env := newManagerEnv(t, nil)
	ctx := context.Background()
	serverKey, serverPub := newServerKey(t)

	env.daemon.on(daemon.CmdStartLogin, func(daemon.Request) any {
		go func() {
			time.Sleep(20 * time.Millisecond)
			pushChallenge(env.daemon, "ch-user", serverPub, types.CredentialUsername)
		}()
		return map[string]any{"success": true}
	})
	answers := 0
	env.daemon.on(daemon.CmdProvideCredential, func(daemon.Request) any {
		answers++
		step := answers
		go func() {
			time.Sleep(20 * time.Millisecond)
			if step == 1 {
				pushChallenge(env.daemon, "ch-pass", serverPub, types.CredentialPassword)
			} else {
				pushLoggedIn(env.daemon, "gamer1")
			}
		}()
		return map[string]any{"success": true}
	})

	info, err := env.manager.CreateSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	status, err := env.manager.StartLogin(ctx, info.ID)
	if err != nil {
		t.Fatalf("StartLogin() error = %v", err)
	}
	if status.Challenge == nil || status.Challenge.ChallengeID != "ch-user" {
		t.Fatalf("StartLogin() challenge = %+v, want ch-user", status.Challenge)
	}
	if status.State != types.AuthUsernameRequired {
		t.Errorf("state = %q, want UsernameRequired", status.State)
	}

	status, err = env.manager.ProvideCredential(ctx, info.ID, "gamer1")
	if err != nil {
		t.Fatalf("ProvideCredential(username) error = %v", err)
	}
	if status.Challenge == nil || status.Challenge.CredentialType != types.CredentialPassword {
		t.Fatalf("after username: challenge = %+v, want password challenge", status.Challenge)
	}
	if got := decryptCredential(t, serverKey, "steam-prefill-v1", sentCredential(t, env.daemon, daemon.CmdProvideCredential)); got != "gamer1" {
		t.Errorf("daemon decrypted %q, want the username", got)
	}

	status, err = env.manager.ProvideCredential(ctx, info.ID, "hunter2")
	if err != nil {
		t.Fatalf("ProvideCredential(password) error = %v", err)
	}
	if status.State != types.AuthAuthenticated {
		t.Errorf("final state = %q, want Authenticated", status.State)
	}
	if got := decryptCredential(t, serverKey, "steam-prefill-v1", sentCredential(t, env.daemon, daemon.CmdProvideCredential)); got != "hunter2" {
		t.Errorf("daemon decrypted %q, want the password", got)
	}

	sess, err := env.manager.GetSession(info.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Username != "gamer1" {
		t.Errorf("session username = %q", sess.Username)
	}
}

func TestManager_ProvideCredentialBannedUser(t *testing.T) {
	env := newManagerEnv(t, nil)
	ctx := context.Background()
	_, serverPub := newServerKey(t)

	if err := env.store.BanSteamUser(ctx, "alice", nil, nil); err != nil {
		t.Fatal(err)
	}

	env.daemon.on(daemon.CmdStartLogin, func(daemon.Request) any {
		go func() {
			time.Sleep(20 * time.Millisecond)
			pushChallenge(env.daemon, "ch-user", serverPub, types.CredentialUsername)
		}()
		return map[string]any{"success": true}
	})

	info, err := env.manager.CreateSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := env.manager.StartLogin(ctx, info.ID); err != nil {
		t.Fatalf("StartLogin() error = %v", err)
	}

	// The ban matches case-insensitively.
	_, err = env.manager.ProvideCredential(ctx, info.ID, "Alice")
	if !types.IsBanned(err) {
		t.Fatalf("ProvideCredential() error = %v, want banned kind", err)
	}
	if !strings.Contains(err.Error(), "account banned") {
		t.Errorf("error = %q", err)
	}

	sess, err := env.manager.GetSession(info.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Challenge != nil {
		t.Error("challenge survived the ban rejection")
	}
	if sess.AuthState != types.AuthNotAuthenticated {
		t.Errorf("state = %q, want NotAuthenticated", sess.AuthState)
	}
	if env.daemon.commandSeen(daemon.CmdProvideCredential) {
		t.Error("banned credential reached the daemon")
	}
}

func TestManager_ProvideCredentialWithoutChallenge(t *testing.T) {
	env := newManagerEnv(t, nil)
	ctx := context.Background()

	info, err := env.manager.CreateSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	_, err = env.manager.ProvideCredential(ctx, info.ID, "hunter2")
	if !types.IsKind(err, types.KindProtocol) {
		t.Fatalf("ProvideCredential() without challenge error = %v, want protocol kind", err)
	}
}

func TestManager_ChallengeReplayRejected(t *testing.T) {
	env := newManagerEnv(t, nil)
	ctx := context.Background()
	_, serverPub := newServerKey(t)

	env.daemon.on(daemon.CmdStartLogin, func(daemon.Request) any {
		go func() {
			time.Sleep(20 * time.Millisecond)
			pushChallenge(env.daemon, "ch-pass", serverPub, types.CredentialPassword)
		}()
		return map[string]any{"success": true}
	})
	env.daemon.on(daemon.CmdProvideCredential, func(daemon.Request) any {
		// The daemon re-issues the same challenge id, as a buggy or
		// malicious daemon might.
		go func() {
			time.Sleep(20 * time.Millisecond)
			pushChallenge(env.daemon, "ch-pass", serverPub, types.CredentialPassword)
		}()
		return map[string]any{"success": true}
	})

	info, err := env.manager.CreateSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := env.manager.StartLogin(ctx, info.ID); err != nil {
		t.Fatalf("StartLogin() error = %v", err)
	}
	if _, err := env.manager.ProvideCredential(ctx, info.ID, "hunter2"); err != nil {
		t.Fatalf("first ProvideCredential() error = %v", err)
	}

	waitFor(t, "replayed challenge", func() bool {
		snap, err := env.manager.GetSession(info.ID)
		return err == nil && snap.Challenge != nil
	})
	_, err = env.manager.ProvideCredential(ctx, info.ID, "hunter2")
	if !types.IsKind(err, types.KindProtocol) {
		t.Fatalf("replayed ProvideCredential() error = %v, want protocol kind", err)
	}
	if !strings.Contains(err.Error(), "already answered") {
		t.Errorf("error = %q", err)
	}
}

func TestManager_StartLoginWhileAuthenticated(t *testing.T) {
	env := newManagerEnv(t, nil)
	ctx := context.Background()

	env.daemon.on(daemon.CmdGetStatus, func(daemon.Request) any {
		return map[string]any{
			"success": true,
			"data":    map[string]any{"status": "logged-in", "username": "gamer1"},
		}
	})

	info, err := env.manager.CreateSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	authenticate(env, info.ID, "gamer1")

	status, err := env.manager.StartLogin(ctx, info.ID)
	if err != nil {
		t.Fatalf("StartLogin() error = %v", err)
	}
	if status.State != types.AuthAuthenticated {
		t.Errorf("state = %q, want Authenticated", status.State)
	}
	if env.daemon.commandSeen(daemon.CmdStartLogin) {
		t.Error("start-login was sent for an already authenticated session")
	}
}

func TestManager_AuthHooks(t *testing.T) {
	var authed, loggedOut atomic.Int32
	env := newManagerEnv(t, func(cfg *Config) {
		cfg.Hooks = Hooks{
			OnSessionAuthenticated: func() { authed.Add(1) },
			OnAllSessionsLoggedOut: func() { loggedOut.Add(1) },
		}
	})
	ctx := context.Background()

	info, err := env.manager.CreateSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	authenticate(env, info.ID, "gamer1")
	if got := authed.Load(); got != 1 {
		t.Errorf("OnSessionAuthenticated fired %d times, want 1", got)
	}
	if got := loggedOut.Load(); got != 0 {
		t.Errorf("OnAllSessionsLoggedOut fired %d times before logout", got)
	}

	if err := env.manager.Terminate(ctx, info.ID, "done", "user-1", false); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if got := loggedOut.Load(); got != 1 {
		t.Errorf("OnAllSessionsLoggedOut fired %d times, want 1", got)
	}
	if got := authed.Load(); got != 1 {
		t.Errorf("OnSessionAuthenticated fired %d times total, want 1", got)
	}
}

func TestManager_AutoLogin(t *testing.T) {
	env := newManagerEnv(t, nil)
	ctx := context.Background()
	serverKey, serverPub := newServerKey(t)

	env.daemon.on(daemon.CmdGetAutoLoginChallenge, func(daemon.Request) any {
		return map[string]any{
			"success": true,
			"data": map[string]any{
				"challengeId":     "ch-auto",
				"serverPublicKey": serverPub,
				"credentialType":  "username",
			},
		}
	})
	env.daemon.on(daemon.CmdProvideAutoLogin, func(daemon.Request) any {
		go func() {
			time.Sleep(20 * time.Millisecond)
			pushLoggedIn(env.daemon, "gamer1")
		}()
		return map[string]any{"success": true}
	})

	info, err := env.manager.CreateSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	result, err := env.manager.AutoLogin(ctx, info.ID, "gamer1", "refresh-tok-123", 5*time.Second)
	if err != nil {
		t.Fatalf("AutoLogin() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("AutoLogin() = %+v, want success", result)
	}

	plaintext := decryptCredential(t, serverKey, "steam-prefill-v1", sentCredential(t, env.daemon, daemon.CmdProvideAutoLogin))
	var payload struct {
		Username     string `json:"username"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.Unmarshal([]byte(plaintext), &payload); err != nil {
		t.Fatalf("sealed payload is not JSON: %v", err)
	}
	if payload.Username != "gamer1" || payload.RefreshToken != "refresh-tok-123" {
		t.Errorf("sealed payload = %+v", payload)
	}

	sess, err := env.manager.GetSession(info.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.AuthState != types.AuthAuthenticated {
		t.Errorf("state = %q, want Authenticated", sess.AuthState)
	}
}

func TestManager_AutoLoginNoToken(t *testing.T) {
	env := newManagerEnv(t, nil)
	ctx := context.Background()

	info, err := env.manager.CreateSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	result, err := env.manager.AutoLogin(ctx, info.ID, "gamer1", "", time.Second)
	if err != nil {
		t.Fatalf("AutoLogin() error = %v", err)
	}
	if result.Success || result.Failure != types.AutoLoginNoToken {
		t.Errorf("result = %+v, want no_token failure", result)
	}
	if env.daemon.commandSeen(daemon.CmdGetAutoLoginChallenge) {
		t.Error("daemon was contacted without a token")
	}
}

func TestManager_AutoLoginRejectedToken(t *testing.T) {
	env := newManagerEnv(t, nil)
	ctx := context.Background()
	_, serverPub := newServerKey(t)

	env.daemon.on(daemon.CmdGetAutoLoginChallenge, func(daemon.Request) any {
		return map[string]any{
			"success": true,
			"data": map[string]any{
				"challengeId":     "ch-auto",
				"serverPublicKey": serverPub,
				"credentialType":  "username",
			},
		}
	})
	env.daemon.on(daemon.CmdProvideAutoLogin, func(daemon.Request) any {
		return map[string]any{"success": false, "error": "refresh token expired"}
	})

	info, err := env.manager.CreateSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	result, err := env.manager.AutoLogin(ctx, info.ID, "gamer1", "stale-tok", 5*time.Second)
	if err != nil {
		t.Fatalf("AutoLogin() error = %v", err)
	}
	if result.Success {
		t.Fatal("stale token logged in")
	}
	if result.Failure != types.AutoLoginInvalidToken {
		t.Errorf("failure = %q, want invalid_token", result.Failure)
	}
}

func TestManager_CancelLoginResetsState(t *testing.T) {
	env := newManagerEnv(t, nil)
	ctx := context.Background()
	_, serverPub := newServerKey(t)

	env.daemon.on(daemon.CmdStartLogin, func(daemon.Request) any {
		go func() {
			time.Sleep(20 * time.Millisecond)
			pushChallenge(env.daemon, "ch-user", serverPub, types.CredentialUsername)
		}()
		return map[string]any{"success": true}
	})

	info, err := env.manager.CreateSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := env.manager.StartLogin(ctx, info.ID); err != nil {
		t.Fatalf("StartLogin() error = %v", err)
	}
	if err := env.manager.CancelLogin(ctx, info.ID); err != nil {
		t.Fatalf("CancelLogin() error = %v", err)
	}

	sess, err := env.manager.GetSession(info.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.AuthState != types.AuthNotAuthenticated || sess.Challenge != nil {
		t.Errorf("after cancel: state = %q, challenge = %+v", sess.AuthState, sess.Challenge)
	}
	if !env.daemon.commandSeen(daemon.CmdCancelLogin) {
		t.Error("cancel-login never reached the daemon")
	}
}
