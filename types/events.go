package types

// Bus event names. These are a stable observable contract consumed by the
// UI surface; renaming any of them is a breaking change.
const (
	EventLogProcessingStarted  = "LogProcessingStarted"
	EventLogProcessingProgress = "LogProcessingProgress"
	EventLogProcessingComplete = "LogProcessingComplete"

	EventGameDetectionStarted  = "GameDetectionStarted"
	EventGameDetectionProgress = "GameDetectionProgress"
	EventGameDetectionComplete = "GameDetectionComplete"

	EventCacheClearingStarted  = "CacheClearingStarted"
	EventCacheClearingProgress = "CacheClearingProgress"
	EventCacheClearingComplete = "CacheClearingComplete"

	EventCorruptionDetectionStarted  = "CorruptionDetectionStarted"
	EventCorruptionDetectionProgress = "CorruptionDetectionProgress"
	EventCorruptionDetectionComplete = "CorruptionDetectionComplete"

	EventCorruptionRemovalStarted  = "CorruptionRemovalStarted"
	EventCorruptionRemovalProgress = "CorruptionRemovalProgress"
	EventCorruptionRemovalComplete = "CorruptionRemovalComplete"

	EventGameRemovalStarted  = "GameRemovalStarted"
	EventGameRemovalProgress = "GameRemovalProgress"
	EventGameRemovalComplete = "GameRemovalComplete"

	EventServiceRemovalStarted  = "ServiceRemovalStarted"
	EventServiceRemovalProgress = "ServiceRemovalProgress"
	EventServiceRemovalComplete = "ServiceRemovalComplete"

	EventDaemonSessionCreated    = "DaemonSessionCreated"
	EventDaemonSessionUpdated    = "DaemonSessionUpdated"
	EventDaemonSessionTerminated = "DaemonSessionTerminated"
	EventAuthStateChanged        = "AuthStateChanged"
	EventCredentialChallenge     = "CredentialChallenge"
	EventStatusChanged           = "StatusChanged"
	EventPrefillStateChanged     = "PrefillStateChanged"
	EventPrefillProgress         = "PrefillProgress"
	EventPrefillHistoryUpdated   = "PrefillHistoryUpdated"
	EventSessionEnded            = "SessionEnded"

	EventDirectoryPermissionsChanged = "DirectoryPermissionsChanged"
	EventDownloadsRefresh            = "DownloadsRefresh"

	// EventOperationComplete fires once per operation terminal transition
	// with an *Operation snapshot. It backs the outbound adapters.
	EventOperationComplete = "OperationComplete"
)

// ServiceEvent prefixes a session event name with a storefront tag.
// The Steam manager uses an empty prefix; the Epic manager uses "Epic",
// yielding EpicDaemonSessionCreated and friends with identical payloads.
func ServiceEvent(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + name
}
