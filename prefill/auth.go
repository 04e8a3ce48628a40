package prefill

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cachewarden/cachewarden/prefill/daemon"
	"github.com/cachewarden/cachewarden/types"
)

const (
	// challengeWindow bounds how long login calls wait for the daemon's
	// next challenge or status push before falling back to a poll.
	challengeWindow = 10 * time.Second
	// DefaultAutoLoginTimeout bounds a stored-token login attempt.
	DefaultAutoLoginTimeout = 60 * time.Second
)

// LoginStatus reports where an interactive login stands. Challenge is
// set while the daemon waits for a credential.
type LoginStatus struct {
	State     types.AuthState            `json:"state"`
	Challenge *types.CredentialChallenge `json:"challenge,omitempty"`
}

// AutoLoginResult reports one stored-token login attempt. A daemon-side
// rejection is a result, not an error: Failure says why so the caller
// can decide whether the token is worth keeping.
type AutoLoginResult struct {
	Success bool                   `json:"success"`
	Failure types.AutoLoginFailure `json:"failure,omitempty"`
	Message string                 `json:"message,omitempty"`
}

// autoLoginPayload is the plaintext sealed for provide-auto-login.
type autoLoginPayload struct {
	Username     string `json:"username"`
	RefreshToken string `json:"refreshToken"`
}

// awaitAuthChange parks until done reports true, the daemon disconnects,
// ctx is cancelled, or window elapses. done runs under the manager lock.
func (m *Manager) awaitAuthChange(ctx context.Context, s *Session, window time.Duration, done func(*Session) bool) error {
	deadline := time.NewTimer(window)
	defer deadline.Stop()
	for {
		m.mu.Lock()
		finished := done(s)
		disconnected := s.disconnected
		terminating := s.terminating
		m.mu.Unlock()
		if finished {
			return nil
		}
		if disconnected || terminating {
			return types.NewError(types.KindProtocol, "daemon went away during login")
		}
		select {
		case <-s.notify:
		case <-deadline.C:
			return types.NewError(types.KindTimeout, "timed out waiting for the daemon")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// StartLogin begins an interactive login and waits briefly for the first
// credential challenge. Calling it while a challenge is already pending
// returns that challenge; calling it while authenticated re-checks the
// daemon before restarting anything.
func (m *Manager) StartLogin(ctx context.Context, sessionID string) (*LoginStatus, error) {
	s, err := m.session(sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	state := s.AuthState
	var pending *types.CredentialChallenge
	if s.challenge != nil {
		ch := *s.challenge
		pending = &ch
	}
	client := s.client
	m.mu.Unlock()

	if state == types.AuthAuthenticated {
		// Our state can go stale if the daemon dropped the login behind
		// our back. Only restart the flow when it agrees the login is
		// gone.
		status, statusErr := client.Status(ctx, daemon.DefaultRequestTimeout)
		if statusErr == nil && status.LoggedIn() {
			return &LoginStatus{State: types.AuthAuthenticated}, nil
		}
	} else if pending != nil {
		return &LoginStatus{State: state, Challenge: pending}, nil
	}

	resp, err := client.Send(ctx, daemon.CmdStartLogin, nil, daemon.DefaultRequestTimeout)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, types.NewError(types.KindAuthFailed, "start-login failed: %s", resp.ErrorMessage())
	}

	m.mu.Lock()
	var followups []func()
	if !s.AuthState.IsChallengeState() {
		followups = m.setAuthStateLocked(s, types.AuthLoggingIn)
	}
	m.mu.Unlock()
	for _, fn := range followups {
		fn()
	}

	waitErr := m.awaitAuthChange(ctx, s, challengeWindow, func(s *Session) bool {
		return s.challenge != nil || s.AuthState == types.AuthAuthenticated
	})
	if waitErr != nil && !types.IsKind(waitErr, types.KindTimeout) {
		return nil, waitErr
	}

	m.mu.Lock()
	status := LoginStatus{State: s.AuthState}
	if s.challenge != nil {
		ch := *s.challenge
		status.Challenge = &ch
	}
	m.mu.Unlock()
	if status.Challenge != nil || status.State == types.AuthAuthenticated {
		return &status, nil
	}

	// No push arrived inside the window. One poll settles whether the
	// daemon quietly finished the login.
	daemonStatus, statusErr := client.Status(ctx, daemon.DefaultRequestTimeout)
	if statusErr == nil && daemonStatus.LoggedIn() {
		m.mu.Lock()
		if daemonStatus.Username != "" {
			s.Username = daemonStatus.Username
		}
		followups := m.setAuthStateLocked(s, types.AuthAuthenticated)
		status = LoginStatus{State: s.AuthState}
		m.mu.Unlock()
		for _, fn := range followups {
			fn()
		}
	}
	return &status, nil
}

// ProvideCredential answers the pending challenge. The credential is
// sealed to the daemon's challenge key and never logged or persisted.
// Username answers are checked against the ban list before anything is
// sent; a banned name aborts the login without contacting the daemon.
func (m *Manager) ProvideCredential(ctx context.Context, sessionID, credential string) (*LoginStatus, error) {
	s, err := m.session(sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if s.challenge == nil {
		m.mu.Unlock()
		return nil, types.NewError(types.KindProtocol, "no pending credential challenge")
	}
	challenge := *s.challenge
	if _, used := s.usedChallenges[challenge.ChallengeID]; used {
		m.mu.Unlock()
		return nil, types.NewError(types.KindProtocol, "challenge %s was already answered", challenge.ChallengeID)
	}
	client := s.client
	m.mu.Unlock()

	if challenge.CredentialType == types.CredentialUsername {
		if err := m.checkBan(ctx, s, credential); err != nil {
			return nil, err
		}
	}

	enc, err := EncryptCredential(challenge.ServerPublicKey, challenge.ChallengeID, m.profile.HKDFInfo, credential)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	s.usedChallenges[challenge.ChallengeID] = struct{}{}
	if s.challenge != nil && s.challenge.ChallengeID == challenge.ChallengeID {
		s.challenge = nil
	}
	followups := m.setAuthStateLocked(s, types.AuthLoggingIn)
	m.mu.Unlock()
	for _, fn := range followups {
		fn()
	}

	resp, err := client.Send(ctx, daemon.CmdProvideCredential, enc.Parameters(), daemon.DefaultRequestTimeout)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, types.NewError(types.KindAuthFailed, "credential rejected: %s", resp.ErrorMessage())
	}

	// The daemon follows up with either the next challenge or a
	// logged-in status push.
	waitErr := m.awaitAuthChange(ctx, s, challengeWindow, func(s *Session) bool {
		return s.challenge != nil || s.AuthState == types.AuthAuthenticated
	})
	if waitErr != nil && !types.IsKind(waitErr, types.KindTimeout) {
		return nil, waitErr
	}

	m.mu.Lock()
	status := LoginStatus{State: s.AuthState}
	if s.challenge != nil {
		ch := *s.challenge
		status.Challenge = &ch
	}
	m.mu.Unlock()
	return &status, nil
}

// checkBan aborts the login when the username is banned. The pending
// challenge is dropped so a retry has to restart the flow.
func (m *Manager) checkBan(ctx context.Context, s *Session, credential string) error {
	username := types.NormalizeUsername(credential)
	ban, err := m.config.Store.ActiveBan(ctx, username, time.Now().UTC())
	if err != nil {
		m.logger.Warn("ban lookup failed", map[string]any{"error": err.Error()})
		return nil
	}
	if ban == nil {
		return nil
	}

	m.mu.Lock()
	s.challenge = nil
	followups := m.setAuthStateLocked(s, types.AuthNotAuthenticated)
	s.pulse()
	m.mu.Unlock()
	for _, fn := range followups {
		fn()
	}
	m.logger.Warn("login blocked by ban", map[string]any{
		"session":  s.ID,
		"username": username,
	})
	return types.NewError(types.KindBanned, "account banned")
}

// AutoLogin attempts a login from a stored refresh token. The token is
// sealed together with the username to the daemon's challenge key.
func (m *Manager) AutoLogin(ctx context.Context, sessionID, username, refreshToken string, timeout time.Duration) (*AutoLoginResult, error) {
	s, err := m.session(sessionID)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultAutoLoginTimeout
	}
	if refreshToken == "" {
		return &AutoLoginResult{Failure: types.AutoLoginNoToken, Message: "no stored refresh token"}, nil
	}
	if err := m.checkBan(ctx, s, username); err != nil {
		return nil, err
	}

	m.mu.Lock()
	client := s.client
	m.mu.Unlock()

	resp, err := client.Send(ctx, daemon.CmdGetAutoLoginChallenge, nil, daemon.DefaultRequestTimeout)
	if err != nil {
		return autoLoginTransportFailure(err), nil
	}
	if !resp.Success {
		return &AutoLoginResult{Failure: types.AutoLoginDaemonError, Message: resp.ErrorMessage()}, nil
	}
	var challenge daemon.ChallengeEvent
	if err := resp.DecodeData(&challenge); err != nil || challenge.ChallengeID == "" || challenge.ServerPublicKey == "" {
		return &AutoLoginResult{Failure: types.AutoLoginParseError, Message: "daemon challenge was unreadable"}, nil
	}

	plaintext, err := json.Marshal(autoLoginPayload{Username: username, RefreshToken: refreshToken})
	if err != nil {
		return &AutoLoginResult{Failure: types.AutoLoginException, Message: err.Error()}, nil
	}
	enc, err := EncryptCredential(challenge.ServerPublicKey, challenge.ChallengeID, m.profile.HKDFInfo, string(plaintext))
	if err != nil {
		return &AutoLoginResult{Failure: types.AutoLoginException, Message: err.Error()}, nil
	}

	resp, err = client.Send(ctx, daemon.CmdProvideAutoLogin, enc.Parameters(), timeout)
	if err != nil {
		return autoLoginTransportFailure(err), nil
	}
	if !resp.Success {
		msg := resp.ErrorMessage()
		failure := types.AutoLoginLoginFailed
		if lower := strings.ToLower(msg); strings.Contains(lower, "invalid") || strings.Contains(lower, "expired") {
			failure = types.AutoLoginInvalidToken
		}
		return &AutoLoginResult{Failure: failure, Message: msg}, nil
	}

	waitErr := m.awaitAuthChange(ctx, s, timeout, func(s *Session) bool {
		return s.AuthState == types.AuthAuthenticated
	})
	if waitErr != nil {
		if types.IsKind(waitErr, types.KindTimeout) {
			return &AutoLoginResult{Failure: types.AutoLoginNoResponse, Message: "daemon never confirmed the login"}, nil
		}
		return nil, waitErr
	}

	m.mu.Lock()
	if s.Username == "" {
		s.Username = username
	}
	row := s.row(types.SessionActive)
	m.mu.Unlock()
	if err := m.config.Store.SavePrefillSession(ctx, row); err != nil {
		m.logger.Warn("failed to persist session row", map[string]any{
			"session": sessionID, "error": err.Error(),
		})
	}
	return &AutoLoginResult{Success: true}, nil
}

func autoLoginTransportFailure(err error) *AutoLoginResult {
	if types.IsKind(err, types.KindTimeout) {
		return &AutoLoginResult{Failure: types.AutoLoginNoResponse, Message: err.Error()}
	}
	return &AutoLoginResult{Failure: types.AutoLoginDaemonError, Message: err.Error()}
}

// CancelLogin aborts an in-flight login attempt and resets the session
// to not-authenticated.
func (m *Manager) CancelLogin(ctx context.Context, sessionID string) error {
	s, err := m.session(sessionID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	client := s.client
	m.mu.Unlock()

	if _, err := client.Send(ctx, daemon.CmdCancelLogin, nil, daemon.DefaultRequestTimeout); err != nil {
		m.logger.Debug("cancel-login failed", map[string]any{
			"session": sessionID, "error": err.Error(),
		})
	}

	m.mu.Lock()
	s.challenge = nil
	followups := m.setAuthStateLocked(s, types.AuthNotAuthenticated)
	s.pulse()
	m.mu.Unlock()
	for _, fn := range followups {
		fn()
	}
	return nil
}
