// Package prefill runs per-user storefront download sessions in worker
// containers. Each session owns one container whose in-container daemon
// speaks a framed JSON protocol over a unix socket or loopback TCP; the
// manager drives authentication, prefill runs, and teardown, mirroring
// session state into the database so restarts can reconcile orphaned
// containers.
package prefill

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/cachewarden/cachewarden/bus"
	"github.com/cachewarden/cachewarden/config"
	"github.com/cachewarden/cachewarden/log"
	"github.com/cachewarden/cachewarden/metrics"
	"github.com/cachewarden/cachewarden/paths"
	"github.com/cachewarden/cachewarden/prefill/daemon"
	"github.com/cachewarden/cachewarden/store"
	"github.com/cachewarden/cachewarden/tracker"
	"github.com/cachewarden/cachewarden/types"
)

const (
	// DefaultSessionTimeout bounds a session's lifetime.
	DefaultSessionTimeout = 120 * time.Minute
	// DefaultDaemonBasePath is the in-container mount base.
	DefaultDaemonBasePath = "/prefill"
	// DefaultTCPPort is the daemon's in-container TCP listen port.
	DefaultTCPPort = 8675

	socketFileName  = "daemon.sock"
	sessionLabel    = "io.cachewarden.session"
	serviceLabel    = "io.cachewarden.service"
	janitorInterval = 30 * time.Second
	gracefulTimeout = 2 * time.Second
	// cancelTeardownTimeout bounds the teardown triggered by cancelling
	// the session's tracked operation.
	cancelTeardownTimeout = 30 * time.Second
	stopBeforeKill  = time.Second
	containerLogTail = 50
)

// Hooks observe authentication edges across all sessions of one manager.
// The external storefront session service uses them to yield its own
// login while any user session is authenticated.
type Hooks struct {
	// OnSessionAuthenticated fires when the first session authenticates.
	OnSessionAuthenticated func()
	// OnAllSessionsLoggedOut fires when the last authenticated session
	// goes away.
	OnAllSessionsLoggedOut func()
}

// Config configures a Manager.
type Config struct {
	// Profile selects the storefront. Zero value means Steam.
	Profile ServiceProfile
	// Engine drives session containers.
	Engine Engine
	// Store mirrors sessions, history, bans, and cached depots.
	Store *store.Store
	// Bus receives session events.
	Bus *bus.Bus
	// Paths locates the sessions directory.
	Paths *paths.Resolver
	// Prefill carries the operator configuration.
	Prefill config.PrefillConfig
	// Tracker registers one operation per live session so the operations
	// plane can observe and cancel sessions. Optional.
	Tracker *tracker.Tracker
	// Logger is an optional logger.
	Logger *log.Logger
	// Metrics is an optional collector.
	Metrics *metrics.Collector
	// Hooks are optional auth-edge callbacks.
	Hooks Hooks
}

// Manager owns the live sessions of one storefront.
type Manager struct {
	config  Config
	profile ServiceProfile
	logger  *log.Logger
	host    *hostPaths

	// group collapses concurrent CreateSession calls per user.
	group singleflight.Group

	// livenessDelay is how long the container gets to crash before the
	// post-start inspection. Tests shorten it.
	livenessDelay time.Duration

	mu        sync.Mutex
	sessions  map[string]*Session
	byUser    map[string]string
	authCount int
}

// NewManager validates dependencies and builds the manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Engine == nil || cfg.Store == nil || cfg.Bus == nil || cfg.Paths == nil {
		return nil, types.NewError(types.KindConfig, "prefill: missing required dependencies")
	}
	if cfg.Profile.Name == "" {
		cfg.Profile = SteamProfile()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewLogger("prefill-" + cfg.Profile.Name)
	}
	m := &Manager{
		config:        cfg,
		profile:       cfg.Profile,
		logger:        logger,
		livenessDelay: time.Second,
		sessions:      map[string]*Session{},
		byUser:        map[string]string{},
	}
	m.host = newHostPaths(cfg.Engine, cfg.Paths.DataRoot(), cfg.Prefill.HostDataPath, logger)
	return m, nil
}

// SessionEvent is the payload of session lifecycle events.
type SessionEvent struct {
	SessionID string `json:"session_id"`
	Service   string `json:"service"`
	Status    string `json:"status,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// AuthEvent is the AuthStateChanged payload.
type AuthEvent struct {
	SessionID string          `json:"session_id"`
	State     types.AuthState `json:"state"`
	Username  string          `json:"username,omitempty"`
}

// ChallengeIssued is the CredentialChallenge payload.
type ChallengeIssued struct {
	SessionID string                    `json:"session_id"`
	Challenge types.CredentialChallenge `json:"challenge"`
}

// StatusChange is the StatusChanged payload.
type StatusChange struct {
	SessionID    string `json:"session_id"`
	Status       string `json:"status"`
	Username     string `json:"username,omitempty"`
	IsPrefilling bool   `json:"is_prefilling"`
}

// notify publishes under this manager's event namespace.
func (m *Manager) notify(name string, payload any) {
	m.config.Bus.NotifyAll(types.ServiceEvent(m.profile.EventPrefix, name), payload)
}

func (m *Manager) image() string {
	if m.profile.Name == "epic" {
		if m.config.Prefill.EpicDockerImage != "" {
			return m.config.Prefill.EpicDockerImage
		}
	} else if m.config.Prefill.DockerImage != "" {
		return m.config.Prefill.DockerImage
	}
	return m.profile.Image
}

func (m *Manager) probeURL() string {
	if m.config.Prefill.ProbeURL != "" {
		return m.config.Prefill.ProbeURL
	}
	return m.profile.ProbeURL
}

func (m *Manager) domains() []string {
	if len(m.config.Prefill.DiagnosticDomains) > 0 {
		return m.config.Prefill.DiagnosticDomains
	}
	return m.profile.Domains
}

func (m *Manager) sessionTimeout() time.Duration {
	return m.config.Prefill.SessionTimeout.OrDefault(DefaultSessionTimeout)
}

// CreateSession returns the user's live session, creating one when none
// exists. Concurrent calls for the same user collapse into one creation.
func (m *Manager) CreateSession(ctx context.Context, userID string) (*SessionInfo, error) {
	if userID == "" {
		return nil, types.NewError(types.KindConfig, "prefill: user id is required")
	}
	v, err, _ := m.group.Do(userID, func() (any, error) {
		return m.createSession(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	info := v.(SessionInfo)
	return &info, nil
}

func (m *Manager) createSession(ctx context.Context, userID string) (SessionInfo, error) {
	if info, ok := m.existingSession(userID); ok {
		return info, nil
	}

	image := m.image()
	if err := m.ensureImage(ctx, image); err != nil {
		return SessionInfo{}, err
	}

	sessionID := uuid.NewString()
	sessionRoot := filepath.Join(m.config.Paths.SessionsDir(), sessionID)
	commandsDir := filepath.Join(sessionRoot, "commands")
	responsesDir := filepath.Join(sessionRoot, "responses")
	for _, dir := range []string{commandsDir, responsesDir} {
		// The daemon runs unprivileged inside the container and must be
		// able to write here.
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return SessionInfo{}, types.WrapError(types.KindTransientIO, err,
				"failed to create session directory %s", dir)
		}
	}
	cleanupDirs := func() { os.RemoveAll(sessionRoot) }

	strategy := resolveNetworkStrategy(ctx, m.config.Engine, m.config.Prefill, m.logger)

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		cleanupDirs()
		return SessionInfo{}, types.WrapError(types.KindUnknown, err, "failed to generate socket secret")
	}
	secret := hex.EncodeToString(secretBytes)

	base := m.config.Prefill.DaemonBasePath
	if base == "" {
		base = DefaultDaemonBasePath
	}
	// Container-side paths are always slash-separated.
	containerCommands := path.Join(base, "commands")
	containerResponses := path.Join(base, "responses")

	env := []string{
		"PREFILL_COMMANDS_DIR=" + containerCommands,
		"PREFILL_RESPONSES_DIR=" + containerResponses,
		"PREFILL_SOCKET_SECRET=" + secret,
	}

	useTCP := m.config.Prefill.UseTCP || runtime.GOOS == "windows"
	containerPort := m.config.Prefill.TCPPort
	if containerPort <= 0 {
		containerPort = DefaultTCPPort
	}

	spec := ContainerSpec{
		Name:  m.profile.ContainerPrefix + sessionID,
		Image: image,
		Cmd:   []string{"daemon"},
		Binds: []string{
			m.host.translate(ctx, commandsDir) + ":" + containerCommands,
			m.host.translate(ctx, responsesDir) + ":" + containerResponses,
		},
		Labels: map[string]string{
			sessionLabel: sessionID,
			serviceLabel: m.profile.Name,
		},
		NetworkMode: strategy.Mode,
		DNS:         strategy.DNS,
		Sysctls:     strategy.Sysctls,
	}

	var dialNetwork, dialAddress string
	if useTCP {
		env = append(env, "PREFILL_TCP_PORT="+strconv.Itoa(containerPort))
		dialNetwork = "tcp"
		// With host networking the daemon's port is the host's port and
		// publishing is meaningless.
		if strategy.Mode != "host" {
			spec.ExposedPort = containerPort
			spec.HostPort = m.config.Prefill.HostTCPPort
		}
	} else {
		env = append(env, "PREFILL_SOCKET_PATH="+path.Join(containerResponses, socketFileName))
		dialNetwork = "unix"
		dialAddress = filepath.Join(responsesDir, socketFileName)
	}
	spec.Env = env

	m.logger.Info("creating prefill session container", map[string]any{
		"session": sessionID,
		"image":   image,
		"network": strategy.Source,
	})

	containerID, err := m.config.Engine.CreateContainer(ctx, spec)
	if err != nil {
		cleanupDirs()
		return SessionInfo{}, err
	}
	teardown := func() {
		cleanup := context.Background()
		if err := m.config.Engine.RemoveContainer(cleanup, containerID, true); err != nil && !types.IsNotFound(err) {
			m.logger.Warn("failed to remove session container", map[string]any{
				"container": shortID(containerID), "error": err.Error(),
			})
		}
		cleanupDirs()
	}

	if err := m.config.Engine.StartContainer(ctx, containerID); err != nil {
		teardown()
		return SessionInfo{}, err
	}

	select {
	case <-time.After(m.livenessDelay):
	case <-ctx.Done():
		teardown()
		return SessionInfo{}, ctx.Err()
	}
	state, err := m.config.Engine.InspectContainer(ctx, containerID)
	if err != nil {
		teardown()
		return SessionInfo{}, err
	}
	if !state.Running {
		logs, logErr := m.config.Engine.ContainerLogs(ctx, containerID, containerLogTail)
		if logErr != nil {
			logs = "(logs unavailable: " + logErr.Error() + ")"
		}
		teardown()
		return SessionInfo{}, types.NewError(types.KindCrashed,
			"session container exited with code %d: %s", state.ExitCode, strings.TrimSpace(logs))
	}

	diag := runDiagnostics(ctx, m.config.Engine, containerID, m.probeURL(), m.domains(), m.logger)

	if useTCP {
		host := m.config.Prefill.TCPHost
		if host == "" {
			host = "127.0.0.1"
		}
		port := containerPort
		if spec.ExposedPort > 0 {
			if mapped, ok := state.Ports[containerPort]; ok {
				port = mapped
			} else if m.config.Prefill.HostTCPPort > 0 {
				port = m.config.Prefill.HostTCPPort
			} else {
				teardown()
				return SessionInfo{}, types.NewError(types.KindProtocol,
					"no host port bound for container port %d", containerPort)
			}
		}
		dialAddress = net.JoinHostPort(host, strconv.Itoa(port))
	}

	now := time.Now().UTC()
	session := &Session{
		ID:             sessionID,
		UserID:         userID,
		Service:        m.profile.Name,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.sessionTimeout()),
		ContainerID:    containerID,
		ContainerName:  spec.Name,
		CommandsDir:    commandsDir,
		ResponsesDir:   responsesDir,
		AuthState:      types.AuthNotAuthenticated,
		usedChallenges: map[string]struct{}{},
		notify:         make(chan struct{}, 1),
		diagnostics:    diag,
	}

	// Register before dialing so early daemon pushes find the session.
	m.mu.Lock()
	m.sessions[sessionID] = session
	m.byUser[userID] = sessionID
	m.mu.Unlock()

	client, err := daemon.Dial(ctx, daemon.DialConfig{
		Network: dialNetwork,
		Address: dialAddress,
		Secret:  secret,
		Logger:  m.logger,
		Handlers: daemon.Handlers{
			OnChallenge:  m.onChallenge(sessionID),
			OnStatus:     m.onStatus(sessionID),
			OnProgress:   m.onProgress(sessionID),
			OnError:      m.onError(sessionID),
			OnDisconnect: m.onDisconnect(sessionID),
		},
	})
	if err != nil {
		m.unregister(sessionID, userID)
		teardown()
		return SessionInfo{}, err
	}

	opID := m.registerOperation(sessionID, userID)

	m.mu.Lock()
	session.client = client
	session.operationID = opID
	info := session.snapshotLocked()
	row := session.row(types.SessionActive)
	m.mu.Unlock()

	if err := m.config.Store.SavePrefillSession(ctx, row); err != nil {
		m.logger.Warn("failed to persist session row", map[string]any{
			"session": sessionID, "error": err.Error(),
		})
	}
	m.config.Metrics.IncSessionCreated()
	m.notify(types.EventDaemonSessionCreated, SessionEvent{
		SessionID: sessionID,
		Service:   m.profile.Name,
		Status:    string(types.SessionActive),
	})
	m.logger.Info("prefill session created", map[string]any{
		"session":   sessionID,
		"container": shortID(containerID),
		"transport": dialNetwork,
	})
	return info, nil
}

// terminatedByTracker marks terminations driven by cancelling the
// session's tracked operation; those complete the operation as Cancelled
// rather than Completed.
const terminatedByTracker = "tracker"

// registerOperation publishes the session to the operation tracker so the
// operations plane can observe and cancel it. The entity key is the
// session id: exactly one live operation per session. Returns the
// operation id, or "" when no tracker is configured or registration
// fails.
func (m *Manager) registerOperation(sessionID, userID string) string {
	tr := m.config.Tracker
	if tr == nil {
		return ""
	}
	cancel := func() {
		// Teardown dials the daemon and the container engine; push it
		// to a goroutine so the tracker's cancel path returns promptly.
		go func() {
			ctx, done := context.WithTimeout(context.Background(), cancelTeardownTimeout)
			defer done()
			err := m.Terminate(ctx, sessionID, "cancelled from operations plane", terminatedByTracker, false)
			if err != nil && !types.IsNotFound(err) {
				m.logger.Warn("failed to terminate cancelled session", map[string]any{
					"session": sessionID, "error": err.Error(),
				})
			}
		}()
	}
	op, err := tr.Register(types.OpTypePrefill, "Prefill session ("+m.profile.Name+")", cancel, map[string]any{
		types.EntityKeyMetadata: sessionID,
		"session_id":            sessionID,
		"user_id":               userID,
		"service":               m.profile.Name,
	})
	if err != nil {
		m.logger.Warn("failed to register session operation", map[string]any{
			"session": sessionID, "error": err.Error(),
		})
		return ""
	}
	return op.ID
}

// completeOperation closes the session's tracked operation. Terminations
// driven by the tracker's own cancel path land as Cancelled; everything
// else (logout, expiry, shutdown) is the session running its course.
func (m *Manager) completeOperation(opID, reason, terminatedBy string) {
	if opID == "" || m.config.Tracker == nil {
		return
	}
	if terminatedBy == terminatedByTracker {
		m.config.Tracker.CompleteCancelled(opID, "Session terminated: "+reason)
		return
	}
	m.config.Tracker.Complete(opID, true, "")
}

// ensureImage pulls the worker image, falling back to a cached copy when
// the registry is unreachable.
func (m *Manager) ensureImage(ctx context.Context, image string) error {
	pullErr := m.config.Engine.PullImage(ctx, image)
	if pullErr == nil {
		return nil
	}
	has, err := m.config.Engine.HasImage(ctx, image)
	if err == nil && has {
		m.logger.Warn("image pull failed, using cached image", map[string]any{
			"image": image, "error": pullErr.Error(),
		})
		return nil
	}
	return types.WrapError(types.KindTransientIO, pullErr, "image %s is unavailable and not cached", image)
}

func (m *Manager) existingSession(userID string) (SessionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byUser[userID]
	if !ok {
		return SessionInfo{}, false
	}
	s := m.sessions[id]
	if s == nil || s.terminating {
		return SessionInfo{}, false
	}
	return s.snapshotLocked(), true
}

func (m *Manager) unregister(sessionID, userID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	if m.byUser[userID] == sessionID {
		delete(m.byUser, userID)
	}
	m.mu.Unlock()
}

// session returns the live session or KindNotFound.
func (m *Manager) session(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[sessionID]
	if s == nil || s.terminating {
		return nil, types.NewError(types.KindNotFound, "unknown session %s", sessionID)
	}
	return s, nil
}

// GetSession returns a snapshot of one session.
func (m *Manager) GetSession(sessionID string) (*SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[sessionID]
	if s == nil {
		return nil, types.NewError(types.KindNotFound, "unknown session %s", sessionID)
	}
	info := s.snapshotLocked()
	return &info, nil
}

// SessionForUser returns the user's live session, if any.
func (m *Manager) SessionForUser(userID string) (*SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byUser[userID]
	if !ok {
		return nil, types.NewError(types.KindNotFound, "no session for user %s", userID)
	}
	s := m.sessions[id]
	if s == nil {
		return nil, types.NewError(types.KindNotFound, "no session for user %s", userID)
	}
	info := s.snapshotLocked()
	return &info, nil
}

// Sessions returns snapshots of all live sessions, oldest first.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snapshotLocked())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// setAuthStateLocked transitions a session's auth state and returns the
// event and hook callbacks to run after the lock is released. Hooks and
// bus fan-out must not run under the manager mutex.
func (m *Manager) setAuthStateLocked(s *Session, next types.AuthState) []func() {
	prev := s.AuthState
	if prev == next {
		return nil
	}
	s.AuthState = next

	sessionID, username := s.ID, s.Username
	followups := []func(){func() {
		m.notify(types.EventAuthStateChanged, AuthEvent{SessionID: sessionID, State: next, Username: username})
	}}

	wasAuth := prev == types.AuthAuthenticated
	isAuth := next == types.AuthAuthenticated
	if isAuth && !wasAuth {
		m.authCount++
		if m.authCount == 1 && m.config.Hooks.OnSessionAuthenticated != nil {
			followups = append(followups, m.config.Hooks.OnSessionAuthenticated)
		}
	}
	if wasAuth && !isAuth {
		m.authCount--
		if m.authCount == 0 && m.config.Hooks.OnAllSessionsLoggedOut != nil {
			followups = append(followups, m.config.Hooks.OnAllSessionsLoggedOut)
		}
	}
	return followups
}

func (m *Manager) onChallenge(sessionID string) func(daemon.ChallengeEvent) {
	return func(ev daemon.ChallengeEvent) {
		m.mu.Lock()
		s := m.sessions[sessionID]
		if s == nil {
			m.mu.Unlock()
			return
		}
		challenge := types.CredentialChallenge{
			ChallengeID:     ev.ChallengeID,
			ServerPublicKey: ev.ServerPublicKey,
			CredentialType:  ev.CredentialType,
			ReceivedAt:      time.Now().UTC(),
		}
		s.challenge = &challenge
		followups := m.setAuthStateLocked(s, ev.CredentialType.ChallengeState())
		s.pulse()
		m.mu.Unlock()

		for _, fn := range followups {
			fn()
		}
		m.notify(types.EventCredentialChallenge, ChallengeIssued{SessionID: sessionID, Challenge: challenge})
	}
}

func (m *Manager) onStatus(sessionID string) func(daemon.StatusEvent) {
	return func(ev daemon.StatusEvent) {
		m.mu.Lock()
		s := m.sessions[sessionID]
		if s == nil {
			m.mu.Unlock()
			return
		}
		if ev.Username != "" {
			s.Username = ev.Username
		}
		var followups []func()
		if ev.LoggedIn() {
			s.challenge = nil
			followups = m.setAuthStateLocked(s, types.AuthAuthenticated)
		}
		row := s.row(types.SessionActive)
		s.pulse()
		m.mu.Unlock()

		for _, fn := range followups {
			fn()
		}
		if err := m.config.Store.SavePrefillSession(context.Background(), row); err != nil {
			m.logger.Warn("failed to persist session update", map[string]any{
				"session": sessionID, "error": err.Error(),
			})
		}
		m.notify(types.EventStatusChanged, StatusChange{
			SessionID:    sessionID,
			Status:       ev.Status,
			Username:     ev.Username,
			IsPrefilling: ev.IsPrefilling,
		})
	}
}

func (m *Manager) onError(sessionID string) func(daemon.ErrorEvent) {
	return func(ev daemon.ErrorEvent) {
		m.logger.Warn("daemon reported error", map[string]any{
			"session": sessionID, "message": ev.Message,
		})
		m.mu.Lock()
		if s := m.sessions[sessionID]; s != nil {
			s.pulse()
		}
		m.mu.Unlock()
	}
}

func (m *Manager) onDisconnect(sessionID string) func(string) {
	return func(reason string) {
		m.mu.Lock()
		s := m.sessions[sessionID]
		terminating := s == nil || s.terminating
		if s != nil {
			s.disconnected = true
			s.pulse()
		}
		m.mu.Unlock()

		if terminating {
			return
		}
		m.logger.Warn("daemon connection lost", map[string]any{
			"session": sessionID, "reason": reason,
		})
		m.notify(types.EventDaemonSessionUpdated, SessionEvent{
			SessionID: sessionID,
			Service:   m.profile.Name,
			Status:    "disconnected",
			Reason:    reason,
		})
	}
}

// Terminate tears a session down. Force skips the graceful daemon
// shutdown and kills the container outright.
func (m *Manager) Terminate(ctx context.Context, sessionID, reason, terminatedBy string, force bool) error {
	m.mu.Lock()
	s := m.sessions[sessionID]
	if s == nil {
		m.mu.Unlock()
		return types.NewError(types.KindNotFound, "unknown session %s", sessionID)
	}
	if s.terminating {
		m.mu.Unlock()
		return nil
	}
	s.terminating = true
	wasPrefilling := s.IsPrefilling
	client := s.client
	containerID := s.ContainerID
	userID := s.UserID
	opID := s.operationID
	followups := m.setAuthStateLocked(s, types.AuthNotAuthenticated)
	s.pulse()
	delete(m.sessions, sessionID)
	if m.byUser[userID] == sessionID {
		delete(m.byUser, userID)
	}
	m.mu.Unlock()

	for _, fn := range followups {
		fn()
	}

	now := time.Now().UTC()
	if client != nil && wasPrefilling {
		if _, err := client.Send(ctx, daemon.CmdCancelPrefill, nil, gracefulTimeout); err != nil {
			m.logger.Debug("cancel-prefill during terminate failed", map[string]any{
				"session": sessionID, "error": err.Error(),
			})
		}
	}

	if err := m.config.Store.CompleteOpenHistoryEntries(ctx, sessionID, types.HistoryCancelled, now); err != nil {
		m.logger.Warn("failed to close open history entries", map[string]any{
			"session": sessionID, "error": err.Error(),
		})
	}
	if err := m.config.Store.TerminatePrefillSession(ctx, sessionID, reason, terminatedBy, now); err != nil {
		m.logger.Warn("failed to mark session terminated", map[string]any{
			"session": sessionID, "error": err.Error(),
		})
	}

	if client != nil {
		if !force {
			if _, err := client.Send(ctx, daemon.CmdShutdown, nil, gracefulTimeout); err != nil {
				m.logger.Debug("graceful daemon shutdown failed", map[string]any{
					"session": sessionID, "error": err.Error(),
				})
			}
		}
		client.Close()
	}

	if containerID != "" {
		if force {
			if err := m.config.Engine.KillContainer(ctx, containerID); err != nil && !types.IsNotFound(err) {
				m.logger.Warn("failed to kill session container", map[string]any{
					"container": shortID(containerID), "error": err.Error(),
				})
			}
		} else if err := m.config.Engine.StopContainer(ctx, containerID, stopBeforeKill); err != nil && !types.IsNotFound(err) {
			m.logger.Warn("failed to stop session container", map[string]any{
				"container": shortID(containerID), "error": err.Error(),
			})
		}
		if err := m.config.Engine.RemoveContainer(ctx, containerID, true); err != nil && !types.IsNotFound(err) {
			m.logger.Warn("failed to remove session container", map[string]any{
				"container": shortID(containerID), "error": err.Error(),
			})
		}
	}

	if err := os.RemoveAll(filepath.Join(m.config.Paths.SessionsDir(), sessionID)); err != nil {
		m.logger.Warn("failed to delete session directories", map[string]any{
			"session": sessionID, "error": err.Error(),
		})
	}

	m.completeOperation(opID, reason, terminatedBy)

	m.config.Metrics.IncSessionTerminated()
	event := SessionEvent{SessionID: sessionID, Service: m.profile.Name, Reason: reason}
	m.notify(types.EventDaemonSessionTerminated, event)
	m.notify(types.EventSessionEnded, event)
	m.logger.Info("prefill session terminated", map[string]any{
		"session": sessionID,
		"reason":  reason,
		"by":      terminatedBy,
		"force":   force,
	})
	return nil
}

// TerminateAll tears down every live session.
func (m *Manager) TerminateAll(ctx context.Context, reason string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Terminate(ctx, id, reason, "system", false); err != nil && !types.IsNotFound(err) {
			m.logger.Warn("failed to terminate session", map[string]any{
				"session": id, "error": err.Error(),
			})
		}
	}
}

// Run expires sessions past their deadline until ctx is cancelled, then
// terminates the rest.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.TerminateAll(context.Background(), "service shutdown")
			return
		case <-ticker.C:
			m.expireSessions(ctx)
		}
	}
}

func (m *Manager) expireSessions(ctx context.Context) {
	now := time.Now().UTC()
	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		if !s.terminating && now.After(s.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.logger.Info("session expired", map[string]any{"session": id})
		if err := m.Terminate(ctx, id, "session timeout", "system", false); err != nil && !types.IsNotFound(err) {
			m.logger.Warn("failed to expire session", map[string]any{
				"session": id, "error": err.Error(),
			})
		}
	}
}

// ReconcileOrphans cleans up session containers and Active rows left
// behind by a previous run. It returns the number of orphans handled.
func (m *Manager) ReconcileOrphans(ctx context.Context) (int, error) {
	containers, err := m.config.Engine.ListContainers(ctx, m.profile.ContainerPrefix)
	if err != nil {
		return 0, err
	}

	cleaned := 0
	seen := map[string]struct{}{}
	for _, c := range containers {
		sessionID := strings.TrimPrefix(c.Name, m.profile.ContainerPrefix)
		seen[sessionID] = struct{}{}
		m.logger.Info("reconciling orphaned session container", map[string]any{"container": c.Name})
		m.config.Metrics.IncSessionOrphaned()

		if err := m.config.Store.SetPrefillSessionStatus(ctx, sessionID, types.SessionOrphaned); err != nil {
			m.logger.Warn("failed to mark session orphaned", map[string]any{
				"session": sessionID, "error": err.Error(),
			})
		}
		if c.Running {
			if err := m.config.Engine.StopContainer(ctx, c.ID, stopBeforeKill); err != nil && !tolerableCleanup(err) {
				m.logger.Warn("failed to stop orphaned container", map[string]any{
					"container": c.Name, "error": err.Error(),
				})
			}
		}
		if err := m.config.Engine.RemoveContainer(ctx, c.ID, true); err != nil && !tolerableCleanup(err) {
			m.logger.Warn("failed to remove orphaned container", map[string]any{
				"container": c.Name, "error": err.Error(),
			})
		}
		os.RemoveAll(filepath.Join(m.config.Paths.SessionsDir(), sessionID))
		if err := m.config.Store.SetPrefillSessionStatus(ctx, sessionID, types.SessionCleaned); err != nil {
			m.logger.Warn("failed to mark session cleaned", map[string]any{
				"session": sessionID, "error": err.Error(),
			})
		}
		cleaned++
	}

	// Rows stuck Active whose containers are already gone.
	rows, err := m.config.Store.PrefillSessionsByStatus(ctx, types.SessionActive)
	if err != nil {
		return cleaned, err
	}
	m.mu.Lock()
	live := make(map[string]struct{}, len(m.sessions))
	for id := range m.sessions {
		live[id] = struct{}{}
	}
	m.mu.Unlock()
	for _, row := range rows {
		if row.Service != m.profile.Name {
			continue
		}
		if _, ok := seen[row.SessionID]; ok {
			continue
		}
		if _, ok := live[row.SessionID]; ok {
			continue
		}
		m.logger.Info("reconciling stale session row", map[string]any{"session": row.SessionID})
		m.config.Metrics.IncSessionOrphaned()
		if err := m.config.Store.SetPrefillSessionStatus(ctx, row.SessionID, types.SessionOrphaned); err != nil {
			m.logger.Warn("failed to mark session orphaned", map[string]any{
				"session": row.SessionID, "error": err.Error(),
			})
		}
		os.RemoveAll(filepath.Join(m.config.Paths.SessionsDir(), row.SessionID))
		if err := m.config.Store.SetPrefillSessionStatus(ctx, row.SessionID, types.SessionCleaned); err != nil {
			m.logger.Warn("failed to mark session cleaned", map[string]any{
				"session": row.SessionID, "error": err.Error(),
			})
		}
		cleaned++
	}
	return cleaned, nil
}

// tolerableCleanup matches the engine failures orphan cleanup ignores:
// the container is already gone or another removal is racing ours.
func tolerableCleanup(err error) bool {
	return types.IsNotFound(err) || strings.Contains(err.Error(), "in progress")
}
