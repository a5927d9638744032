package api

import (
	"time"

	"github.com/matheus3301/chatsync/internal/background"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/store"
)

// Attachment is a media item on a SendMessage request.
type Attachment struct {
	Type      string `json:"type"`
	URL       string `json:"url"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

type SendMessageRequest struct {
	ChatID       string       `json:"chatId"`
	Content      string       `json:"content"`
	SenderID     string       `json:"senderId,omitempty"`
	IsAIResponse bool         `json:"isAiResponse,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
}

type SendMessageResponse struct {
	LocalID    string   `json:"localId"`
	MediaIDs   []string `json:"mediaIds,omitempty"`
	Triggered  bool     `json:"triggered"`
	Registered bool     `json:"registered"`
}

type SyncChatRequest struct {
	ChatID string `json:"chatId"`
}

// SyncChatResponse mirrors sync.Result. A failed pass is reported as an
// error status instead.
type SyncChatResponse struct {
	ChatID      string       `json:"chatId"`
	Success     bool         `json:"success"`
	Outcome     string       `json:"outcome"`
	TotalSynced int          `json:"totalSynced"`
	Failed      int          `json:"failed"`
	MediaSynced int          `json:"mediaSynced"`
	MediaFailed int          `json:"mediaFailed"`
	Stats       *store.Stats `json:"stats,omitempty"`
}

type GetStatsRequest struct {
	ChatID string `json:"chatId"`
}

type GetStatsResponse struct {
	ChatID      string      `json:"chatId"`
	Stats       store.Stats `json:"stats"`
	FullySynced bool        `json:"fullySynced"`
}

type PurgeSyncedResponse struct {
	Messages int64 `json:"messages"`
	Media    int64 `json:"media"`
}

// StatusResponse is a snapshot of the daemon.
type StatusResponse struct {
	Session      string               `json:"session"`
	PID          int                  `json:"pid"`
	State        string               `json:"state"`
	Since        time.Time            `json:"since"`
	Online       bool                 `json:"online"`
	ActiveChat   string               `json:"activeChat,omitempty"`
	PendingChats []string             `json:"pendingChats,omitempty"`
	Background   background.Status    `json:"background"`
	Latest       *notify.StatusUpdate `json:"latest,omitempty"`
}

// WatchStatusRequest filters the stream to one chat when ChatID is set.
type WatchStatusRequest struct {
	ChatID string `json:"chatId,omitempty"`
}
