package types

import (
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a prefill session row.
type SessionStatus string

// Session status constants.
const (
	SessionActive     SessionStatus = "Active"
	SessionTerminated SessionStatus = "Terminated"
	SessionOrphaned   SessionStatus = "Orphaned"
	SessionCleaned    SessionStatus = "Cleaned"
)

// PrefillSession is the durable mirror of one user-scoped container session.
// The in-memory session object owns the live state; this row exists so
// restarts can reconcile orphaned containers and history stays attributable.
type PrefillSession struct {
	SessionID          string        `db:"session_id" json:"sessionId"`
	CreatedBySessionID string        `db:"created_by_session_id" json:"createdBySessionId"`
	Service            string        `db:"service" json:"service"`
	ContainerID        *string       `db:"container_id" json:"containerId,omitempty"`
	ContainerName      *string       `db:"container_name" json:"containerName,omitempty"`
	Status             SessionStatus `db:"status" json:"status"`
	SteamUsername      *string       `db:"steam_username" json:"steamUsername,omitempty"`
	IsAuthenticated    bool          `db:"is_authenticated" json:"isAuthenticated"`
	IsPrefilling       bool          `db:"is_prefilling" json:"isPrefilling"`
	CreatedAt          time.Time     `db:"created_at_utc" json:"createdAtUtc"`
	ExpiresAt          time.Time     `db:"expires_at_utc" json:"expiresAtUtc"`
	EndedAt            *time.Time    `db:"ended_at_utc" json:"endedAtUtc,omitempty"`
	TerminationReason  *string       `db:"termination_reason" json:"terminationReason,omitempty"`
	TerminatedBy       *string       `db:"terminated_by" json:"terminatedBy,omitempty"`
}

// HistoryStatus is the outcome state of one prefill history entry.
type HistoryStatus string

// History status constants.
const (
	HistoryInProgress HistoryStatus = "InProgress"
	HistoryCompleted  HistoryStatus = "Completed"
	HistoryCached     HistoryStatus = "Cached"
	HistorySkipped    HistoryStatus = "Skipped"
	HistoryFailed     HistoryStatus = "Failed"
	HistoryCancelled  HistoryStatus = "Cancelled"
)

// PrefillHistoryEntry records one app processed by a prefill run. At most
// one InProgress entry exists per (SessionID, AppID); a new InProgress
// supersedes stale ones by marking them Cancelled.
type PrefillHistoryEntry struct {
	ID              int64         `db:"id" json:"id"`
	SessionID       string        `db:"session_id" json:"sessionId"`
	AppID           uint32        `db:"app_id" json:"appId"`
	AppName         *string       `db:"app_name" json:"appName,omitempty"`
	StartedAt       time.Time     `db:"started_at_utc" json:"startedAtUtc"`
	CompletedAt     *time.Time    `db:"completed_at_utc" json:"completedAtUtc,omitempty"`
	Status          HistoryStatus `db:"status" json:"status"`
	BytesDownloaded int64         `db:"bytes_downloaded" json:"bytesDownloaded"`
	TotalBytes      int64         `db:"total_bytes" json:"totalBytes"`
	ErrorMessage    *string       `db:"error_message" json:"errorMessage,omitempty"`
}

// BannedSteamUser is one ban row. Usernames are stored lower-cased; at most
// one active ban exists per username.
type BannedSteamUser struct {
	ID        int64      `db:"id" json:"id"`
	Username  string     `db:"username" json:"username"`
	Reason    *string    `db:"reason" json:"reason,omitempty"`
	BannedAt  time.Time  `db:"banned_at_utc" json:"bannedAtUtc"`
	ExpiresAt *time.Time `db:"expires_at_utc" json:"expiresAtUtc,omitempty"`
	IsLifted  bool       `db:"is_lifted" json:"isLifted"`
	LiftedAt  *time.Time `db:"lifted_at_utc" json:"liftedAtUtc,omitempty"`
}

// IsActive reports whether the ban blocks logins at the given instant.
func (b *BannedSteamUser) IsActive(now time.Time) bool {
	if b.IsLifted {
		return false
	}
	if b.ExpiresAt != nil && !now.Before(*b.ExpiresAt) {
		return false
	}
	return true
}

// NormalizeUsername lower-cases and trims a storefront username for ban
// lookups and session keys.
func NormalizeUsername(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// AuthState is one state of the per-session authentication machine.
type AuthState string

// Authentication states. Transitions are driven by daemon challenge and
// status events; see the prefill package for the transition table.
const (
	AuthNotAuthenticated         AuthState = "NotAuthenticated"
	AuthLoggingIn                AuthState = "LoggingIn"
	AuthUsernameRequired         AuthState = "UsernameRequired"
	AuthPasswordRequired         AuthState = "PasswordRequired"
	AuthTwoFactorRequired        AuthState = "TwoFactorRequired"
	AuthSteamGuardRequired       AuthState = "SteamGuardRequired"
	AuthDeviceConfirmationNeeded AuthState = "DeviceConfirmationRequired"
	AuthAuthenticated            AuthState = "Authenticated"
)

// IsChallengeState reports whether the state is waiting on a specific
// credential from the user.
func (s AuthState) IsChallengeState() bool {
	switch s {
	case AuthUsernameRequired, AuthPasswordRequired, AuthTwoFactorRequired,
		AuthSteamGuardRequired, AuthDeviceConfirmationNeeded:
		return true
	}
	return false
}

// CredentialType identifies what a credential challenge is asking for.
// Values are the daemon's wire strings.
type CredentialType string

// Credential type constants per the daemon protocol.
const (
	CredentialUsername           CredentialType = "username"
	CredentialPassword           CredentialType = "password"
	CredentialTwoFactor          CredentialType = "2fa"
	CredentialSteamGuard         CredentialType = "steamguard"
	CredentialDeviceConfirmation CredentialType = "device-confirmation"
)

// ChallengeState maps a credential type to the auth state that awaits it.
// Unknown types map to LoggingIn.
func (c CredentialType) ChallengeState() AuthState {
	switch c {
	case CredentialUsername:
		return AuthUsernameRequired
	case CredentialPassword:
		return AuthPasswordRequired
	case CredentialTwoFactor:
		return AuthTwoFactorRequired
	case CredentialSteamGuard:
		return AuthSteamGuardRequired
	case CredentialDeviceConfirmation:
		return AuthDeviceConfirmationNeeded
	}
	return AuthLoggingIn
}

// CredentialChallenge is a short-lived credential request from the
// in-container daemon. Each ChallengeID is single-use.
type CredentialChallenge struct {
	ChallengeID     string         `json:"challengeId"`
	ServerPublicKey string         `json:"serverPublicKey"`
	CredentialType  CredentialType `json:"credentialType"`
	ReceivedAt      time.Time      `json:"receivedAt"`
}

// AutoLoginFailure classifies why a stored-token auto-login did not
// complete. Values are stable strings surfaced to callers.
type AutoLoginFailure string

// Auto-login failure classes.
const (
	AutoLoginNoToken      AutoLoginFailure = "no_token"
	AutoLoginInvalidToken AutoLoginFailure = "invalid_token"
	AutoLoginDaemonError  AutoLoginFailure = "daemon_error"
	AutoLoginParseError   AutoLoginFailure = "parse_error"
	AutoLoginNoResponse   AutoLoginFailure = "no_response"
	AutoLoginException    AutoLoginFailure = "exception"
	AutoLoginLoginFailed  AutoLoginFailure = "login_failed"
)

// PrefillDepotProgress is one depot entry inside a prefill progress event.
type PrefillDepotProgress struct {
	DepotID    uint32 `json:"depotId"`
	ManifestID string `json:"manifestId"`
	TotalBytes int64  `json:"totalBytes"`
}

// PrefillProgress is the payload of a daemon progress-update event.
type PrefillProgress struct {
	State           string                 `json:"state"`
	CurrentAppID    uint32                 `json:"currentAppId"`
	CurrentAppName  string                 `json:"currentAppName"`
	TotalBytes      int64                  `json:"totalBytes"`
	BytesDownloaded int64                  `json:"bytesDownloaded"`
	BytesPerSecond  int64                  `json:"bytesPerSecond"`
	Depots          []PrefillDepotProgress `json:"depots,omitempty"`
	Result          string                 `json:"result,omitempty"`
}

// IsTerminalPrefillState reports whether a daemon prefill state string ends
// the run.
func IsTerminalPrefillState(state string) bool {
	switch strings.ToLower(state) {
	case "completed", "failed", "error", "cancelled":
		return true
	}
	return false
}

// PrefillRunOptions selects what a prefill run downloads.
type PrefillRunOptions struct {
	All               bool     `json:"all"`
	Recent            bool     `json:"recent"`
	RecentlyPurchased bool     `json:"recentlyPurchased"`
	Top               int      `json:"top"`
	Force             bool     `json:"force"`
	OperatingSystems  []string `json:"operatingSystems,omitempty"`
	MaxConcurrency    int      `json:"maxConcurrency,omitempty"`
}
