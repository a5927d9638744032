package store

// MediaType is the kind of attachment.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// Valid reports whether t is a supported media type.
func (t MediaType) Valid() bool {
	return t == MediaImage || t == MediaVideo
}

// Message is a queued outgoing chat message.
type Message struct {
	Seq            int64   `db:"seq"`
	LocalID        string  `db:"local_id"`
	ServerID       *string `db:"server_id"`
	ChatID         string  `db:"chat_id"`
	Content        string  `db:"content"`
	SenderID       *string `db:"sender_id"`
	IsAIResponse   bool    `db:"is_ai_response"`
	Timestamp      int64   `db:"timestamp"`
	Synced         bool    `db:"synced"`
	IdempotencyKey string  `db:"idempotency_key"`
	CreatedAt      int64   `db:"created_at"`
	UpdatedAt      int64   `db:"updated_at"`
}

// Media is a queued attachment of a Message.
type Media struct {
	Seq            int64     `db:"seq"`
	LocalID        string    `db:"local_id"`
	ServerID       *string   `db:"server_id"`
	LocalMessageID string    `db:"local_message_id"`
	Type           MediaType `db:"type"`
	URL            string    `db:"url"`
	Thumbnail      *string   `db:"thumbnail"`
	Synced         bool      `db:"synced"`
	CreatedAt      int64     `db:"created_at"`
	UpdatedAt      int64     `db:"updated_at"`
}

// PendingMessage is an unsynced message joined with its attachments.
type PendingMessage struct {
	Message
	Media []Media
}

// StrandedMedia is an unsynced attachment whose message already reached the server.
type StrandedMedia struct {
	Media
	MessageServerID string `db:"message_server_id"`
}

// Stats summarizes a chat's outbox.
type Stats struct {
	Total        int `json:"total"`
	Synced       int `json:"synced"`
	Pending      int `json:"pending"`
	MediaPending int `json:"mediaPending"`
}

// PurgeResult reports how many records a cleanup pass removed.
type PurgeResult struct {
	Messages int64 `json:"messages"`
	Media    int64 `json:"media"`
}

// StateEntry is a key/value pair from sync_state.
type StateEntry struct {
	Key       string `db:"key"`
	Value     string `db:"value"`
	UpdatedAt int64  `db:"updated_at"`
}
