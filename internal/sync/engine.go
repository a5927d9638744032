package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/inline"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

var (
	// ErrOffline is returned when a sync is requested while the backend is unreachable.
	ErrOffline = errors.New("sync: offline")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("sync: engine stopped")
)

const defaultQueueSize = 64

// Outcome classifies a finished pass.
type Outcome string

const (
	OutcomeComplete Outcome = "complete"
	OutcomePartial  Outcome = "partial"
	OutcomeFailed   Outcome = "failed"
)

// Result is the aggregate of one pass over a chat's outbox.
// Success stays true when individual items fail; Outcome tells the cases apart.
type Result struct {
	ChatID      string
	Success     bool
	Outcome     Outcome
	TotalSynced int
	Failed      int
	MediaSynced int
	MediaFailed int
	Stats       *store.Stats
	Err         error
}

// Remote is the subset of the backend client the engine drives.
type Remote interface {
	CreateMessage(ctx context.Context, chatID string, req remote.CreateMessageRequest, idempotencyKey string) (*remote.Created, error)
	UploadMedia(ctx context.Context, messageID string, up remote.MediaUpload) (*remote.Created, error)
}

// ImageOptimizer shrinks inline image payloads before upload.
type ImageOptimizer interface {
	Optimize(payload string) (string, error)
}

type job struct {
	ctx    context.Context
	chatID string
	reply  chan Result
}

// Engine drains per-chat outboxes against the backend. Passes run one at a
// time on a single worker so a chat's messages and media go out in order.
type Engine struct {
	db        *store.DB
	remote    Remote
	optimizer ImageOptimizer
	bus       *bus.Bus
	machine   *status.Machine
	logger    *zap.Logger

	jobs    chan job
	online  atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	stopped chan struct{}
	stop    atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithQueueSize bounds the number of passes waiting for the worker.
func WithQueueSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.jobs = make(chan job, n)
		}
	}
}

// NewEngine creates a new sync engine. The engine starts online; the
// connectivity monitor flips it with SetOnline.
func NewEngine(db *store.DB, r Remote, opt ImageOptimizer, b *bus.Bus, m *status.Machine, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		db:        db,
		remote:    r,
		optimizer: opt,
		bus:       b,
		machine:   m,
		logger:    logger,
		jobs:      make(chan job, defaultQueueSize),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	e.online.Store(true)
	return e
}

// Start launches the worker and subscribes to background sync requests.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("background.", 64)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if p, ok := evt.Payload.(bus.PerformChatSync); ok && evt.Kind == bus.KindPerformChatSync {
					e.logger.Info("background sync requested", zap.String("chat_id", p.ChatID), zap.String("tag", p.Tag))
					e.Trigger(p.ChatID)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer close(e.done)
		for {
			select {
			case j := <-e.jobs:
				r := e.run(context.WithoutCancel(j.ctx), j.chatID)
				if j.reply != nil {
					j.reply <- r
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the worker after the in-flight pass finishes.
func (e *Engine) Stop() {
	if !e.stop.CompareAndSwap(false, true) {
		return
	}
	close(e.stopped)
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// SetOnline records backend reachability.
func (e *Engine) SetOnline(online bool) {
	e.online.Store(online)
}

// Online reports the last known backend reachability.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// SyncChat queues a pass for chatID and waits for its result.
func (e *Engine) SyncChat(ctx context.Context, chatID string) (Result, error) {
	if e.stop.Load() {
		return Result{ChatID: chatID, Outcome: OutcomeFailed, Err: ErrStopped}, ErrStopped
	}
	if !e.Online() {
		return Result{ChatID: chatID, Outcome: OutcomeFailed, Err: ErrOffline}, ErrOffline
	}

	j := job{ctx: ctx, chatID: chatID, reply: make(chan Result, 1)}
	select {
	case e.jobs <- j:
	case <-e.stopped:
		return Result{ChatID: chatID, Outcome: OutcomeFailed, Err: ErrStopped}, ErrStopped
	case <-ctx.Done():
		return Result{ChatID: chatID, Outcome: OutcomeFailed, Err: ctx.Err()}, ctx.Err()
	}

	select {
	case r := <-j.reply:
		return r, r.Err
	case <-e.done:
		select {
		case r := <-j.reply:
			return r, r.Err
		default:
		}
		return Result{ChatID: chatID, Outcome: OutcomeFailed, Err: ErrStopped}, ErrStopped
	case <-ctx.Done():
		// The pass keeps running; its result is still published on the bus.
		return Result{ChatID: chatID, Outcome: OutcomeFailed, Err: ctx.Err()}, ctx.Err()
	}
}

// Trigger queues a pass without waiting. It returns false when offline,
// stopped, or when the queue is full.
func (e *Engine) Trigger(chatID string) bool {
	if chatID == "" || e.stop.Load() || !e.Online() {
		return false
	}
	select {
	case e.jobs <- job{ctx: context.Background(), chatID: chatID}:
		return true
	default:
		metrics.TriggersDropped.Inc()
		e.logger.Warn("sync queue full, trigger dropped", zap.String("chat_id", chatID))
		return false
	}
}

func (e *Engine) run(ctx context.Context, chatID string) Result {
	ctx, span := otel.Tracer("chatsync/sync").Start(ctx, "sync.chat",
		trace.WithAttributes(attribute.String("chat.id", chatID)))
	defer span.End()

	start := time.Now()
	defer func() { metrics.SyncPassDuration.Observe(time.Since(start).Seconds()) }()

	pending, err := e.db.ListUnsyncedForChat(ctx, chatID)
	if err != nil {
		return e.fail(span, chatID, fmt.Errorf("read outbox: %w", err))
	}
	stranded, err := e.db.ListStrandedMedia(ctx, chatID)
	if err != nil {
		return e.fail(span, chatID, fmt.Errorf("read stranded media: %w", err))
	}

	if len(pending) == 0 && len(stranded) == 0 {
		res := Result{ChatID: chatID, Success: true, Outcome: OutcomeComplete}
		if stats, err := e.db.Stats(ctx, chatID); err == nil {
			res.Stats = &stats
		}
		return res
	}

	e.transition(status.Syncing)
	e.bus.Emit(bus.KindSyncStarted, bus.SyncStarted{ChatID: chatID, Total: len(pending)})
	e.logger.Info("sync started",
		zap.String("chat_id", chatID),
		zap.Int("pending", len(pending)),
		zap.Int("stranded_media", len(stranded)),
	)

	res := Result{ChatID: chatID, Success: true}
	total := len(pending)

	for i, m := range pending {
		serverID, ok, err := e.syncMessage(ctx, m)
		if err != nil {
			return e.fail(span, chatID, err)
		}
		if ok {
			res.TotalSynced++
			for _, md := range m.Media {
				ok, err := e.syncMedia(ctx, serverID, md)
				if err != nil {
					return e.fail(span, chatID, err)
				}
				if ok {
					res.MediaSynced++
				} else {
					res.MediaFailed++
				}
			}
		} else {
			res.Failed++
			// Attachments wait for their message.
			res.MediaFailed += len(m.Media)
		}

		e.bus.Emit(bus.KindSyncProgress, bus.SyncProgress{
			ChatID:     chatID,
			Synced:     res.TotalSynced,
			Processed:  i + 1,
			Total:      total,
			Percentage: float64(res.TotalSynced) / float64(total) * 100,
		})
	}

	for _, sm := range stranded {
		ok, err := e.syncMedia(ctx, sm.MessageServerID, sm.Media)
		if err != nil {
			return e.fail(span, chatID, err)
		}
		if ok {
			res.MediaSynced++
		} else {
			res.MediaFailed++
		}
	}

	res.Outcome = OutcomeComplete
	if res.Failed > 0 || res.MediaFailed > 0 {
		res.Outcome = OutcomePartial
	}
	if stats, err := e.db.Stats(ctx, chatID); err == nil {
		res.Stats = &stats
	} else {
		e.logger.Warn("failed to read stats", zap.Error(err), zap.String("chat_id", chatID))
	}

	span.SetAttributes(
		attribute.Int("sync.total_synced", res.TotalSynced),
		attribute.Int("sync.failed", res.Failed),
		attribute.String("sync.outcome", string(res.Outcome)),
	)
	metrics.SyncPassesTotal.WithLabelValues(string(res.Outcome)).Inc()

	if res.Outcome == OutcomeComplete {
		e.transition(status.Synced)
	} else {
		e.transition(status.Pending)
	}
	e.bus.Emit(bus.KindSyncComplete, bus.SyncComplete{
		ChatID:      chatID,
		TotalSynced: res.TotalSynced,
		Failed:      res.Failed,
		Outcome:     string(res.Outcome),
	})
	e.logger.Info("sync complete",
		zap.String("chat_id", chatID),
		zap.Int("synced", res.TotalSynced),
		zap.Int("failed", res.Failed),
		zap.Int("media_synced", res.MediaSynced),
		zap.Int("media_failed", res.MediaFailed),
		zap.String("outcome", string(res.Outcome)),
	)
	return res
}

// syncMessage sends one message. ok is false for a per-item network failure;
// err is set only when the local store failed.
func (e *Engine) syncMessage(ctx context.Context, m store.PendingMessage) (serverID string, ok bool, err error) {
	ctx, span := otel.Tracer("chatsync/sync").Start(ctx, "sync.message",
		trace.WithAttributes(attribute.String("message.local_id", m.LocalID)))
	defer span.End()

	created, err := e.remote.CreateMessage(ctx, m.ChatID, remote.CreateMessageRequest{
		Content:      m.Content,
		SenderID:     m.SenderID,
		IsAIResponse: m.IsAIResponse,
	}, m.IdempotencyKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "create message")
		metrics.ItemsTotal.WithLabelValues("message", "failed").Inc()
		e.logger.Warn("failed to sync message",
			zap.Error(err),
			zap.String("chat_id", m.ChatID),
			zap.String("local_id", m.LocalID),
			zap.String("status", statusOf(err)),
		)
		return "", false, nil
	}

	serverID = string(created.ID)
	if err := e.db.MarkMessageSynced(ctx, m.LocalID, serverID); err != nil {
		return "", false, fmt.Errorf("mark message %s synced: %w", m.LocalID, err)
	}
	metrics.ItemsTotal.WithLabelValues("message", "synced").Inc()
	e.logger.Debug("message synced", zap.String("local_id", m.LocalID), zap.String("server_id", serverID))
	return serverID, true, nil
}

// syncMedia uploads one attachment addressed by its message's server id.
func (e *Engine) syncMedia(ctx context.Context, messageServerID string, md store.Media) (bool, error) {
	ctx, span := otel.Tracer("chatsync/sync").Start(ctx, "sync.media",
		trace.WithAttributes(attribute.String("media.local_id", md.LocalID)))
	defer span.End()

	payload := md.URL
	if md.Type == store.MediaImage && inline.IsInline(payload) && e.optimizer != nil {
		optimized, err := e.optimizer.Optimize(payload)
		if err != nil {
			metrics.OptimizeFallbacks.Inc()
			e.logger.Warn("image optimization failed, uploading original",
				zap.Error(err), zap.String("local_id", md.LocalID))
		} else {
			payload = optimized
		}
	}

	up, err := remote.UploadFromPayload(string(md.Type), payload, md.Thumbnail)
	if err != nil {
		metrics.ItemsTotal.WithLabelValues("media", "failed").Inc()
		e.logger.Warn("unreadable media payload", zap.Error(err), zap.String("local_id", md.LocalID))
		return false, nil
	}

	created, err := e.remote.UploadMedia(ctx, messageServerID, up)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "upload media")
		metrics.ItemsTotal.WithLabelValues("media", "failed").Inc()
		e.logger.Warn("failed to sync media",
			zap.Error(err),
			zap.String("local_id", md.LocalID),
			zap.String("message_server_id", messageServerID),
			zap.String("status", statusOf(err)),
		)
		return false, nil
	}

	if err := e.db.MarkMediaSynced(ctx, md.LocalID, string(created.ID)); err != nil {
		return false, fmt.Errorf("mark media %s synced: %w", md.LocalID, err)
	}
	metrics.ItemsTotal.WithLabelValues("media", "synced").Inc()
	return true, nil
}

func (e *Engine) fail(span trace.Span, chatID string, err error) Result {
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
	metrics.SyncPassesTotal.WithLabelValues(string(OutcomeFailed)).Inc()

	e.logger.Error("sync failed", zap.Error(err), zap.String("chat_id", chatID))
	e.transition(status.Error)
	e.bus.Emit(bus.KindSyncError, bus.SyncFailed{ChatID: chatID, Err: err})
	return Result{ChatID: chatID, Outcome: OutcomeFailed, Err: err}
}

func (e *Engine) transition(to status.State) {
	if e.machine == nil {
		return
	}
	if err := e.machine.Transition(to); err != nil {
		e.logger.Debug("status transition skipped", zap.Error(err))
	}
}

func statusOf(err error) string {
	var ne *remote.NetworkError
	if errors.As(err, &ne) {
		return remote.StatusText(ne.StatusCode)
	}
	return "unknown"
}
