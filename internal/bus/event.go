package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by prefix, so "sync." receives every orchestrator event.
const (
	KindSyncStarted  = "sync.started"
	KindSyncProgress = "sync.progress"
	KindSyncComplete = "sync.complete"
	KindSyncError    = "sync.error"

	KindOutboxQueued = "outbox.queued"

	KindOnline  = "connectivity.online"
	KindOffline = "connectivity.offline"

	KindPerformChatSync = "background.perform_chat_sync"

	KindStateChanged = "state.changed"

	KindStatusUpdate = "notify.status_update"
)

// SyncStarted is the payload of KindSyncStarted.
type SyncStarted struct {
	ChatID string
	Total  int
}

// SyncProgress is the payload of KindSyncProgress.
type SyncProgress struct {
	ChatID     string
	Synced     int
	Processed  int
	Total      int
	Percentage float64
}

// SyncComplete is the payload of KindSyncComplete.
type SyncComplete struct {
	ChatID      string
	TotalSynced int
	Failed      int
	Outcome     string
}

// SyncFailed is the payload of KindSyncError.
type SyncFailed struct {
	ChatID string
	Err    error
}

// OutboxQueued is the payload of KindOutboxQueued.
type OutboxQueued struct {
	ChatID  string
	LocalID string
	Media   int
}

// PerformChatSync is the payload of KindPerformChatSync.
type PerformChatSync struct {
	ChatID string
	Tag    string
}
