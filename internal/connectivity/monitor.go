// Package connectivity tracks whether the chat backend is reachable and
// resumes synchronization when it comes back.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/status"
)

const defaultInterval = 15 * time.Second

// Prober checks backend reachability.
type Prober interface {
	Probe(ctx context.Context) error
}

// Syncer is the part of the sync engine the monitor drives.
type Syncer interface {
	SetOnline(online bool)
	Trigger(chatID string) bool
}

// PendingLister lists chats that still have queued work.
type PendingLister interface {
	PendingChats(ctx context.Context) ([]string, error)
}

// Monitor probes the backend on an interval and accepts external
// online/offline signals through SetOnline.
type Monitor struct {
	prober   Prober
	syncer   Syncer
	chats    PendingLister
	machine  *status.Machine
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	mu         sync.Mutex
	online     bool
	known      bool
	activeChat string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor. A zero interval uses the default.
func NewMonitor(p Prober, s Syncer, chats PendingLister, m *status.Machine, b *bus.Bus, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		prober:   p,
		syncer:   s,
		chats:    chats,
		machine:  m,
		bus:      b,
		logger:   logger,
		interval: interval,
	}
}

// Start probes once immediately and then on every tick.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop stops the probe loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ticker.C:
			m.Check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Check probes the backend once and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.prober == nil {
		return m.Online()
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	err := m.prober.Probe(probeCtx)
	if err != nil && ctx.Err() != nil {
		return m.Online()
	}
	if err != nil {
		m.logger.Debug("probe failed", zap.Error(err))
	}
	m.SetOnline(ctx, err == nil)
	return err == nil
}

// SetOnline records a connectivity signal. Repeated signals with the same
// value are ignored.
func (m *Monitor) SetOnline(ctx context.Context, online bool) {
	m.mu.Lock()
	if m.known && m.online == online {
		m.mu.Unlock()
		return
	}
	m.known = true
	m.online = online
	active := m.activeChat
	m.mu.Unlock()

	if m.syncer != nil {
		m.syncer.SetOnline(online)
	}

	if !online {
		metrics.Online.Set(0)
		m.transition(status.Offline)
		m.bus.Emit(bus.KindOffline, nil)
		m.logger.Warn("backend unreachable, sync suspended")
		return
	}

	metrics.Online.Set(1)
	m.transition(status.Idle)
	m.bus.Emit(bus.KindOnline, nil)
	m.logger.Info("backend reachable, resuming sync", zap.String("active_chat", active))
	m.resume(ctx, active)
}

// resume triggers the active chat first, then every other chat with queued work.
func (m *Monitor) resume(ctx context.Context, active string) {
	if m.syncer == nil {
		return
	}
	seen := map[string]bool{}
	if active != "" {
		seen[active] = true
		m.syncer.Trigger(active)
	}
	if m.chats == nil {
		return
	}
	chats, err := m.chats.PendingChats(ctx)
	if err != nil {
		m.logger.Error("failed to list pending chats", zap.Error(err))
		return
	}
	for _, c := range chats {
		if seen[c] {
			continue
		}
		seen[c] = true
		m.syncer.Trigger(c)
	}
}

// SetActiveChat records the chat the user is looking at.
func (m *Monitor) SetActiveChat(chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeChat = chatID
}

// ActiveChat returns the chat set by SetActiveChat.
func (m *Monitor) ActiveChat() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeChat
}

// Online reports the last recorded state. Before the first signal it is true.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.known || m.online
}

func (m *Monitor) transition(to status.State) {
	if m.machine == nil {
		return
	}
	if err := m.machine.Transition(to); err != nil {
		m.logger.Debug("status transition skipped", zap.Error(err))
	}
}
