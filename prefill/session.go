package prefill

import (
	"time"

	"github.com/cachewarden/cachewarden/prefill/daemon"
	"github.com/cachewarden/cachewarden/types"
)

// ServiceProfile parameterizes a session manager for one storefront. The
// Steam and Epic managers share all behavior; only the worker image, the
// credential key binding, and the event namespace differ.
type ServiceProfile struct {
	// Name keys PrefillSession.Service rows ("steam", "epic").
	Name string
	// EventPrefix namespaces bus event names; see types.ServiceEvent.
	EventPrefix string
	// Image is the default worker container image.
	Image string
	// HKDFInfo binds credential encryption to this service.
	HKDFInfo string
	// ContainerPrefix namespaces session container names.
	ContainerPrefix string
	// ProbeURL is the default in-container connectivity probe target.
	ProbeURL string
	// Domains are the default lancache-relevant DNS checks.
	Domains []string
}

// SteamProfile is the Steam storefront profile.
func SteamProfile() ServiceProfile {
	return ServiceProfile{
		Name:            "steam",
		EventPrefix:     "",
		Image:           "ghcr.io/cachewarden/steam-prefill-daemon:latest",
		HKDFInfo:        "steam-prefill-v1",
		ContainerPrefix: "cachewarden-steam-prefill-",
		ProbeURL:        "https://store.steampowered.com",
		Domains:         []string{"lancache.steamcontent.com", "steamcontent.com"},
	}
}

// EpicProfile is the Epic storefront profile. Its events arrive as
// EpicDaemonSessionCreated and friends.
func EpicProfile() ServiceProfile {
	return ServiceProfile{
		Name:            "epic",
		EventPrefix:     "Epic",
		Image:           "ghcr.io/cachewarden/epic-prefill-daemon:latest",
		HKDFInfo:        "epic-prefill-v1",
		ContainerPrefix: "cachewarden-epic-prefill-",
		ProbeURL:        "https://store.epicgames.com",
		Domains:         []string{"epicgames-download1.akamaized.net"},
	}
}

// runState tracks one in-flight prefill run. All fields are guarded by
// the manager mutex.
type runState struct {
	// historyID is the open InProgress history row, 0 when none.
	historyID int64
	appID     uint32
	appName   string
	appBytes  int64
	appTotal  int64
	// finalizedBytes accumulates bytes of completed entries so
	// TotalBytesTransferred survives app transitions.
	finalizedBytes int64
	lastState      string
}

func (r *runState) totalBytes() int64 {
	return r.finalizedBytes + r.appBytes
}

// Session is the in-memory state of one live container session. The
// manager mutex guards every mutable field.
type Session struct {
	ID        string
	UserID    string
	Service   string
	CreatedAt time.Time
	ExpiresAt time.Time

	ContainerID   string
	ContainerName string
	CommandsDir   string
	ResponsesDir  string

	client *daemon.Client

	AuthState    types.AuthState
	Username     string
	IsPrefilling bool

	challenge *types.CredentialChallenge
	// usedChallenges rejects a second answer to the same challenge id.
	usedChallenges map[string]struct{}

	run          *runState
	lastProgress *types.PrefillProgress
	diagnostics  *Diagnostics

	// notify wakes auth waiters; see (*Manager).awaitAuthChange.
	notify chan struct{}

	// operationID keys the session's tracked operation, "" when the
	// manager runs without a tracker.
	operationID string

	terminating  bool
	disconnected bool
}

// pulse wakes the auth waiter if one is parked. A dropped pulse is
// harmless: the waiter re-checks state on its own deadline.
func (s *Session) pulse() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// SessionInfo is a read-only snapshot of one session.
type SessionInfo struct {
	ID                    string                     `json:"sessionId"`
	UserID                string                     `json:"userId"`
	Service               string                     `json:"service"`
	ContainerID           string                     `json:"containerId,omitempty"`
	ContainerName         string                     `json:"containerName,omitempty"`
	AuthState             types.AuthState            `json:"authState"`
	Username              string                     `json:"username,omitempty"`
	IsPrefilling          bool                       `json:"isPrefilling"`
	CreatedAt             time.Time                  `json:"createdAtUtc"`
	ExpiresAt             time.Time                  `json:"expiresAtUtc"`
	Challenge             *types.CredentialChallenge `json:"challenge,omitempty"`
	Diagnostics           *Diagnostics               `json:"diagnostics,omitempty"`
	TotalBytesTransferred int64                      `json:"totalBytesTransferred"`
	LastProgress          *types.PrefillProgress     `json:"lastProgress,omitempty"`
}

// snapshotLocked builds a SessionInfo; the manager mutex must be held.
func (s *Session) snapshotLocked() SessionInfo {
	info := SessionInfo{
		ID:            s.ID,
		UserID:        s.UserID,
		Service:       s.Service,
		ContainerID:   s.ContainerID,
		ContainerName: s.ContainerName,
		AuthState:     s.AuthState,
		Username:      s.Username,
		IsPrefilling:  s.IsPrefilling,
		CreatedAt:     s.CreatedAt,
		ExpiresAt:     s.ExpiresAt,
		Diagnostics:   s.diagnostics,
	}
	if s.challenge != nil {
		ch := *s.challenge
		info.Challenge = &ch
	}
	if s.run != nil {
		info.TotalBytesTransferred = s.run.totalBytes()
	}
	if s.lastProgress != nil {
		p := *s.lastProgress
		info.LastProgress = &p
	}
	return info
}

// row builds the durable mirror of the session.
func (s *Session) row(status types.SessionStatus) *types.PrefillSession {
	session := &types.PrefillSession{
		SessionID:          s.ID,
		CreatedBySessionID: s.UserID,
		Service:            s.Service,
		Status:             status,
		IsAuthenticated:    s.AuthState == types.AuthAuthenticated,
		IsPrefilling:       s.IsPrefilling,
		CreatedAt:          s.CreatedAt,
		ExpiresAt:          s.ExpiresAt,
	}
	if s.ContainerID != "" {
		id := s.ContainerID
		session.ContainerID = &id
	}
	if s.ContainerName != "" {
		name := s.ContainerName
		session.ContainerName = &name
	}
	if s.Username != "" {
		username := s.Username
		session.SteamUsername = &username
	}
	return session
}
