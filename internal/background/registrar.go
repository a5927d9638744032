// Package background defers chat synchronization to a message broker so a
// sync resumes even when nothing in the foreground asks for it.
package background

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/platform"
	"github.com/matheus3301/chatsync/internal/store"
)

const (
	tagPrefix      = "chat-sync:"
	statePrefix    = "background:"
	defaultDelay   = 30 * time.Second
	minStaleWindow = time.Minute
)

// TagForChat returns the registration tag of a chat.
func TagForChat(chatID string) string {
	return tagPrefix + chatID
}

// ParseTag extracts the chat id from a tag produced by TagForChat.
func ParseTag(tag string) (string, bool) {
	chatID, ok := strings.CutPrefix(tag, tagPrefix)
	if !ok || chatID == "" {
		return "", false
	}
	return chatID, true
}

// StateStore persists pending tags.
type StateStore interface {
	SetSyncState(ctx context.Context, key, value string) error
	GetSyncState(ctx context.Context, key string) (string, error)
	DeleteSyncState(ctx context.Context, key string) error
	ListSyncState(ctx context.Context, prefix string) ([]store.StateEntry, error)
}

// Status reports the registrar's state.
type Status struct {
	Supported     bool     `json:"supported"`
	Registered    bool     `json:"registered"`
	PendingTags   []string `json:"pendingTags"`
	HasPendingTag bool     `json:"hasPendingTag"`
}

// Registrar registers tags with the broker and forwards due tags to the bus
// as background.perform_chat_sync events.
type Registrar struct {
	broker Broker
	state  StateStore
	bus    *bus.Bus
	delay  time.Duration
	logger *zap.Logger

	mu        sync.Mutex
	consuming bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewRegistrar creates a registrar. A nil broker makes every registration
// report unsupported.
func NewRegistrar(broker Broker, state StateStore, b *bus.Bus, delay time.Duration, logger *zap.Logger) *Registrar {
	if delay <= 0 {
		delay = defaultDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registrar{
		broker: broker,
		state:  state,
		bus:    b,
		delay:  delay,
		logger: logger,
	}
}

// Supported reports whether a broker is attached.
func (r *Registrar) Supported() bool {
	return r.broker != nil
}

// Register schedules tag. Registering a tag that is already pending is a
// no-op unless the pending entry went stale.
func (r *Registrar) Register(ctx context.Context, tag string) (bool, error) {
	if r.broker == nil {
		metrics.BackgroundRegistrations.WithLabelValues("unsupported").Inc()
		return false, &platform.UnsupportedError{Facility: Facility}
	}

	key := statePrefix + tag
	if v, err := r.state.GetSyncState(ctx, key); err == nil {
		if at, perr := strconv.ParseInt(v, 10, 64); perr == nil && time.Since(time.UnixMilli(at)) < r.staleAfter() {
			return true, nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	if err := r.state.SetSyncState(ctx, key, strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		return false, err
	}
	if err := r.broker.Schedule(ctx, tag, r.delay); err != nil {
		_ = r.state.DeleteSyncState(ctx, key)
		metrics.BackgroundRegistrations.WithLabelValues("failed").Inc()
		return false, err
	}

	metrics.BackgroundRegistrations.WithLabelValues("registered").Inc()
	r.logger.Info("background sync registered", zap.String("tag", tag), zap.Duration("delay", r.delay))
	return true, nil
}

// RegisterChat registers the tag of chatID.
func (r *Registrar) RegisterChat(ctx context.Context, chatID string) (bool, error) {
	return r.Register(ctx, TagForChat(chatID))
}

func (r *Registrar) staleAfter() time.Duration {
	return max(2*r.delay, minStaleWindow)
}

// Start consumes due tags. Without a broker it does nothing.
func (r *Registrar) Start(ctx context.Context) error {
	if r.broker == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	deliveries, err := r.broker.Deliveries(ctx)
	if err != nil {
		cancel()
		return err
	}

	r.mu.Lock()
	r.cancel = cancel
	r.done = make(chan struct{})
	r.consuming = true
	done := r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			r.mu.Lock()
			r.consuming = false
			r.mu.Unlock()
		}()
		for d := range deliveries {
			r.handle(ctx, d)
		}
	}()
	return nil
}

func (r *Registrar) handle(ctx context.Context, d Delivery) {
	chatID, ok := ParseTag(d.Tag)
	if !ok {
		r.logger.Warn("dropping unknown background tag", zap.String("tag", d.Tag))
		_ = d.Ack()
		return
	}
	if err := r.state.DeleteSyncState(ctx, statePrefix+d.Tag); err != nil {
		r.logger.Error("failed to clear background tag", zap.Error(err), zap.String("tag", d.Tag))
		_ = d.Nack()
		return
	}

	r.bus.Emit(bus.KindPerformChatSync, bus.PerformChatSync{ChatID: chatID, Tag: d.Tag})
	if err := d.Ack(); err != nil {
		r.logger.Warn("failed to ack background tag", zap.Error(err), zap.String("tag", d.Tag))
	}
	r.logger.Info("background sync due", zap.String("chat_id", chatID))
}

// Stop stops consuming.
func (r *Registrar) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Close stops consuming and releases the broker.
func (r *Registrar) Close() error {
	r.Stop()
	if r.broker != nil {
		return r.broker.Close()
	}
	return nil
}

// Status reports support, consumer state and pending tags.
func (r *Registrar) Status(ctx context.Context) (Status, error) {
	r.mu.Lock()
	st := Status{Supported: r.broker != nil, Registered: r.consuming}
	r.mu.Unlock()

	entries, err := r.state.ListSyncState(ctx, statePrefix)
	if err != nil {
		return st, err
	}
	for _, e := range entries {
		st.PendingTags = append(st.PendingTags, strings.TrimPrefix(e.Key, statePrefix))
	}
	st.HasPendingTag = len(st.PendingTags) > 0
	return st, nil
}
