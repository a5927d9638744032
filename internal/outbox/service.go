package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/inline"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

var (
	// ErrEmptyDraft is returned for a draft with neither text nor attachments.
	ErrEmptyDraft = errors.New("outbox: draft has no content")
	// ErrAttachmentTooLarge is returned when inline attachments exceed the limit.
	ErrAttachmentTooLarge = errors.New("outbox: attachments too large")
)

// Syncer is the part of the sync engine the send path needs.
type Syncer interface {
	Online() bool
	Trigger(chatID string) bool
}

// Registrar asks the host for a deferred sync of a chat.
type Registrar interface {
	RegisterChat(ctx context.Context, chatID string) (bool, error)
}

// Attachment is a media item on a draft. URL is either a remote reference or
// an inline data URL.
type Attachment struct {
	Type      store.MediaType
	URL       string
	Thumbnail string
}

// Draft is an outgoing message as composed by the user.
type Draft struct {
	ChatID       string
	Content      string
	SenderID     string
	IsAIResponse bool
	Attachments  []Attachment
}

// Queued reports what Send persisted and what it scheduled.
type Queued struct {
	LocalID    string
	MediaIDs   []string
	Triggered  bool
	Registered bool
}

// Service writes drafts to the local outbox first and schedules delivery.
type Service struct {
	db        *store.DB
	syncer    Syncer
	registrar Registrar
	machine   *status.Machine
	bus       *bus.Bus
	autoSync  bool
	maxInline int
	logger    *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithMaxAttachmentBytes caps the decoded size of a draft's inline
// attachments. Zero or less disables the check.
func WithMaxAttachmentBytes(n int) Option {
	return func(s *Service) { s.maxInline = n }
}

// NewService creates a send service. registrar may be nil.
func NewService(db *store.DB, syncer Syncer, registrar Registrar, m *status.Machine, b *bus.Bus, autoSync bool, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		db:        db,
		syncer:    syncer,
		registrar: registrar,
		machine:   m,
		bus:       b,
		autoSync:  autoSync,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send persists the draft. A storage failure is returned to the caller since
// the message could not be queued at all; scheduling failures are only logged.
func (s *Service) Send(ctx context.Context, d Draft) (Queued, error) {
	if strings.TrimSpace(d.ChatID) == "" {
		return Queued{}, fmt.Errorf("outbox: chat id required: %w", store.ErrInvalidRecord)
	}
	if strings.TrimSpace(d.Content) == "" && len(d.Attachments) == 0 {
		return Queued{}, ErrEmptyDraft
	}
	if s.maxInline > 0 {
		total := 0
		for _, a := range d.Attachments {
			total += inline.Size(a.URL) + inline.Size(a.Thumbnail)
		}
		if total > s.maxInline {
			return Queued{}, fmt.Errorf("%w: %d bytes inline, limit %d", ErrAttachmentTooLarge, total, s.maxInline)
		}
	}

	msg := &store.Message{
		ChatID:       d.ChatID,
		Content:      d.Content,
		IsAIResponse: d.IsAIResponse,
	}
	if d.SenderID != "" {
		sender := d.SenderID
		msg.SenderID = &sender
	}
	media := make([]*store.Media, 0, len(d.Attachments))
	for _, a := range d.Attachments {
		md := &store.Media{Type: a.Type, URL: a.URL}
		if a.Thumbnail != "" {
			thumb := a.Thumbnail
			md.Thumbnail = &thumb
		}
		media = append(media, md)
	}

	localID, err := s.db.EnqueueMessageWithMedia(ctx, msg, media)
	if err != nil {
		return Queued{}, fmt.Errorf("queue message: %w", err)
	}
	metrics.MessagesQueued.Inc()

	q := Queued{LocalID: localID}
	for _, md := range media {
		q.MediaIDs = append(q.MediaIDs, md.LocalID)
	}

	if s.machine != nil {
		if err := s.machine.Transition(status.Pending); err != nil {
			s.logger.Debug("status transition skipped", zap.Error(err))
		}
	}
	s.bus.Emit(bus.KindOutboxQueued, bus.OutboxQueued{ChatID: d.ChatID, LocalID: localID, Media: len(media)})

	online := s.syncer != nil && s.syncer.Online()
	switch {
	case online && s.autoSync:
		q.Triggered = s.syncer.Trigger(d.ChatID)
	case !online && s.registrar != nil:
		ok, err := s.registrar.RegisterChat(ctx, d.ChatID)
		if err != nil {
			s.logger.Warn("background sync not registered", zap.Error(err), zap.String("chat_id", d.ChatID))
		}
		q.Registered = ok
	}

	s.logger.Info("message queued",
		zap.String("chat_id", d.ChatID),
		zap.String("local_id", localID),
		zap.Int("media", len(media)),
		zap.Bool("online", online),
		zap.Bool("triggered", q.Triggered),
	)
	return q, nil
}
