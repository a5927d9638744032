// Package notify republishes sync lifecycle events as status updates, both
// to local observers and to other processes sharing a broadcast channel.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/platform"
)

// UpdateType names a lifecycle update.
type UpdateType string

const (
	SyncStarted  UpdateType = "sync-started"
	SyncProgress UpdateType = "sync-progress"
	SyncComplete UpdateType = "sync-complete"
	SyncError    UpdateType = "sync-error"
)

// StatusUpdate is the broadcast payload.
type StatusUpdate struct {
	Type        UpdateType `json:"type"`
	ChatID      string     `json:"chatId,omitempty"`
	Progress    *float64   `json:"progress,omitempty"`
	TotalSynced *int       `json:"totalSynced,omitempty"`
	Outcome     string     `json:"outcome,omitempty"`
	Error       string     `json:"error,omitempty"`
	Origin      string     `json:"origin"`
	At          time.Time  `json:"at"`
}

// Notifier turns bus sync.* events into StatusUpdates. Every process runs
// its own notifier; there is no single-writer election between them.
type Notifier struct {
	bus     *bus.Bus
	channel Channel
	origin  string
	logger  *zap.Logger

	mu     sync.RWMutex
	latest *StatusUpdate
	subs   map[int]chan StatusUpdate
	next   int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNotifier creates a notifier. channel may be nil for local-only operation.
func NewNotifier(b *bus.Bus, channel Channel, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		bus:     b,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger,
		subs:    make(map[int]chan StatusUpdate),
	}
}

// Origin identifies this notifier on the shared channel.
func (n *Notifier) Origin() string { return n.origin }

// Start begins translating local events and, when a channel is attached,
// relaying updates from other processes. If the channel cannot be
// subscribed the notifier stays local-only.
func (n *Notifier) Start(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)

	var remote <-chan []byte
	if n.channel != nil {
		var err error
		remote, err = n.channel.Subscribe(ctx)
		if err != nil {
			n.logger.Warn("status updates stay local",
				zap.Error(&platform.UnsupportedError{Facility: Facility, Err: err}))
			n.channel = nil
		}
	}

	events, unsub := n.bus.Subscribe("sync.", 256)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-events:
				if u, ok := n.translate(evt); ok {
					n.deliver(u)
					n.broadcast(ctx, u)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if remote != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			for payload := range remote {
				var u StatusUpdate
				if err := json.Unmarshal(payload, &u); err != nil {
					n.logger.Warn("dropping malformed status update", zap.Error(err))
					continue
				}
				if u.Origin == n.origin {
					continue
				}
				n.deliver(u)
			}
		}()
	}
	return nil
}

// Stop stops both relays.
func (n *Notifier) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
}

// Subscribe returns a channel of updates from this and other processes.
// The returned function unsubscribes.
func (n *Notifier) Subscribe(bufSize int) (<-chan StatusUpdate, func()) {
	ch := make(chan StatusUpdate, bufSize)
	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = ch
	n.mu.Unlock()

	return ch, func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// Latest returns the most recent update, if any.
func (n *Notifier) Latest() (StatusUpdate, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.latest == nil {
		return StatusUpdate{}, false
	}
	return *n.latest, true
}

func (n *Notifier) translate(evt bus.Event) (StatusUpdate, bool) {
	u := StatusUpdate{Origin: n.origin, At: evt.Timestamp}
	switch p := evt.Payload.(type) {
	case bus.SyncStarted:
		u.Type = SyncStarted
		u.ChatID = p.ChatID
	case bus.SyncProgress:
		u.Type = SyncProgress
		u.ChatID = p.ChatID
		pct := p.Percentage
		u.Progress = &pct
	case bus.SyncComplete:
		u.Type = SyncComplete
		u.ChatID = p.ChatID
		total := p.TotalSynced
		u.TotalSynced = &total
		u.Outcome = p.Outcome
	case bus.SyncFailed:
		u.Type = SyncError
		u.ChatID = p.ChatID
		if p.Err != nil {
			u.Error = p.Err.Error()
		}
	default:
		return StatusUpdate{}, false
	}
	return u, true
}

func (n *Notifier) deliver(u StatusUpdate) {
	n.mu.Lock()
	n.latest = &u
	for _, ch := range n.subs {
		select {
		case ch <- u:
		default:
		}
	}
	n.mu.Unlock()

	n.bus.Emit(bus.KindStatusUpdate, u)
}

func (n *Notifier) broadcast(ctx context.Context, u StatusUpdate) {
	if n.channel == nil {
		return
	}
	payload, err := json.Marshal(u)
	if err != nil {
		return
	}
	if err := n.channel.Publish(ctx, payload); err != nil {
		n.logger.Warn("status broadcast failed", zap.Error(err), zap.String("type", string(u.Type)))
	}
}
