package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/inline"
	"github.com/matheus3301/chatsync/internal/optimize"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type receivedMessage struct {
	ChatID         string
	Content        string
	IdempotencyKey string
}

type receivedMedia struct {
	MessageID string
	Type      string
	URL       string
	File      []byte
}

// backend is a chat server double. rejectMessage and rejectMedia decide
// per request whether to answer 500.
type backend struct {
	mu            stdsync.Mutex
	messages      []receivedMessage
	media         []receivedMedia
	calls         int
	nextID        int
	rejectMessage func(content string) bool
	rejectMedia   func() bool
}

func (b *backend) router() chi.Router {
	r := chi.NewRouter()
	r.Post("/chats/{chatID}/messages", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Content string `json:"content"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)

		b.mu.Lock()
		defer b.mu.Unlock()
		b.calls++
		if b.rejectMessage != nil && b.rejectMessage(body.Content) {
			http.Error(w, "unavailable", http.StatusInternalServerError)
			return
		}
		b.nextID++
		b.messages = append(b.messages, receivedMessage{
			ChatID:         chi.URLParam(req, "chatID"),
			Content:        body.Content,
			IdempotencyKey: req.Header.Get("Idempotency-Key"),
		})
		_, _ = fmt.Fprintf(w, `{"id": %d}`, b.nextID)
	})
	r.Post("/messages/{messageID}/media", func(w http.ResponseWriter, req *http.Request) {
		_ = req.ParseMultipartForm(32 << 20)

		b.mu.Lock()
		defer b.mu.Unlock()
		b.calls++
		if b.rejectMedia != nil && b.rejectMedia() {
			http.Error(w, "unavailable", http.StatusBadGateway)
			return
		}
		got := receivedMedia{
			MessageID: req.FormValue("messageId"),
			Type:      req.FormValue("type"),
			URL:       req.FormValue("url"),
		}
		if f, _, err := req.FormFile("file"); err == nil {
			got.File, _ = io.ReadAll(f)
		}
		b.media = append(b.media, got)
		b.nextID++
		_, _ = fmt.Fprintf(w, `{"id": "media-%d"}`, b.nextID)
	})
	return r
}

func (b *backend) snapshot() ([]receivedMessage, []receivedMedia, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]receivedMessage(nil), b.messages...), append([]receivedMedia(nil), b.media...), b.calls
}

type harness struct {
	db      *store.DB
	bus     *bus.Bus
	machine *status.Machine
	engine  *Engine
	backend *backend
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	be := &backend{}
	srv := httptest.NewServer(be.router())
	t.Cleanup(srv.Close)

	db := testDB(t)
	b := bus.New()
	m := status.NewMachine(b)
	e := NewEngine(db, remote.NewClient(srv.URL, 5*time.Second, nil), optimize.New(0.8, 1200), b, m, nil)
	e.Start(context.Background())
	t.Cleanup(e.Stop)

	return &harness{db: db, bus: b, machine: m, engine: e, backend: be}
}

func (h *harness) enqueue(t *testing.T, chatID, content string) string {
	t.Helper()
	id, err := h.db.EnqueueMessage(context.Background(), &store.Message{ChatID: chatID, Content: content})
	require.NoError(t, err)
	return id
}

func wideImage(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: uint8(x ^ y), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return (&inline.Payload{MIME: "image/png", Data: buf.Bytes()}).String()
}

func TestSyncChatDrainsOfflineQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.engine.SetOnline(false)
	for _, c := range []string{"one", "two", "three"} {
		h.enqueue(t, "1", c)
	}
	h.engine.SetOnline(true)

	res, err := h.engine.SyncChat(ctx, "1")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, 3, res.TotalSynced)
	require.NotNil(t, res.Stats)
	assert.Equal(t, store.Stats{Total: 3, Synced: 3, Pending: 0}, *res.Stats)
	assert.Equal(t, status.Synced, h.machine.Current())

	done, err := h.db.IsChatFullySynced(ctx, "1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestSyncChatToleratesItemFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.enqueue(t, "1", "first")
	h.enqueue(t, "1", "second")

	h.backend.rejectMessage = func(content string) bool { return content == "second" }
	res, err := h.engine.SyncChat(ctx, "1")
	require.NoError(t, err)
	assert.True(t, res.Success, "per-item failure keeps the pass nominally successful")
	assert.Equal(t, OutcomePartial, res.Outcome)
	assert.Equal(t, 1, res.TotalSynced)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Stats.Pending)
	assert.Equal(t, status.Pending, h.machine.Current())

	h.backend.mu.Lock()
	h.backend.rejectMessage = nil
	h.backend.mu.Unlock()

	res, err = h.engine.SyncChat(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalSynced)
	assert.Equal(t, 0, res.Stats.Pending)

	msgs, _, _ := h.backend.snapshot()
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
}

func TestSyncChatEmptyMakesNoRequests(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "other", "not this chat")

	res, err := h.engine.SyncChat(context.Background(), "1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.TotalSynced)

	_, _, calls := h.backend.snapshot()
	assert.Zero(t, calls)
	assert.Equal(t, status.Idle, h.machine.Current())
}

func TestSyncChatOfflineFailsFast(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "1", "queued")
	h.engine.SetOnline(false)

	res, err := h.engine.SyncChat(context.Background(), "1")
	assert.ErrorIs(t, err, ErrOffline)
	assert.False(t, res.Success)
	assert.False(t, h.engine.Trigger("1"))

	_, _, calls := h.backend.snapshot()
	assert.Zero(t, calls)
}

func TestSyncChatPreservesOrderAndIdempotencyKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var keys []string
	for i := range 10 {
		m := &store.Message{ChatID: "1", Content: fmt.Sprintf("m%d", i)}
		_, err := h.db.EnqueueMessage(ctx, m)
		require.NoError(t, err)
		keys = append(keys, m.IdempotencyKey)
	}

	_, err := h.engine.SyncChat(ctx, "1")
	require.NoError(t, err)

	msgs, _, _ := h.backend.snapshot()
	require.Len(t, msgs, 10)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("m%d", i), m.Content)
		assert.Equal(t, keys[i], m.IdempotencyKey)
		assert.Equal(t, "1", m.ChatID)
	}
}

func TestSyncChatOptimizesWideImages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	payload := wideImage(t, 2000, 400)
	_, err := h.db.EnqueueMessageWithMedia(ctx, &store.Message{ChatID: "1", Content: "look"}, []*store.Media{
		{Type: store.MediaImage, URL: payload},
	})
	require.NoError(t, err)

	res, err := h.engine.SyncChat(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.MediaSynced)

	msgs, media, _ := h.backend.snapshot()
	require.Len(t, msgs, 1)
	require.Len(t, media, 1)
	assert.Equal(t, "1", media[0].MessageID, "media addressed by the message's server id")

	cfg, _, err := image.DecodeConfig(bytes.NewReader(media[0].File))
	require.NoError(t, err)
	assert.LessOrEqual(t, cfg.Width, 1200)
}

func TestSyncChatFallsBackOnDecodeError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	broken := (&inline.Payload{MIME: "image/png", Data: []byte("not really a png")}).String()
	_, err := h.db.EnqueueMessageWithMedia(ctx, &store.Message{ChatID: "1", Content: "x"}, []*store.Media{
		{Type: store.MediaImage, URL: broken},
		{Type: store.MediaVideo, URL: "https://cdn.example.com/v.mp4"},
	})
	require.NoError(t, err)

	res, err := h.engine.SyncChat(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, res.Outcome)

	_, media, _ := h.backend.snapshot()
	require.Len(t, media, 2)
	assert.Equal(t, []byte("not really a png"), media[0].File)
	assert.Equal(t, "https://cdn.example.com/v.mp4", media[1].URL)
	assert.Equal(t, "video", media[1].Type)
}

func TestSyncChatRetriesStrandedMedia(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.db.EnqueueMessageWithMedia(ctx, &store.Message{ChatID: "1", Content: "pic"}, []*store.Media{
		{Type: store.MediaImage, URL: "https://cdn.example.com/a.png"},
	})
	require.NoError(t, err)

	h.backend.rejectMedia = func() bool { return true }
	res, err := h.engine.SyncChat(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalSynced)
	assert.Equal(t, 1, res.MediaFailed)
	assert.Equal(t, OutcomePartial, res.Outcome)
	assert.Equal(t, 1, res.Stats.MediaPending)

	h.backend.mu.Lock()
	h.backend.rejectMedia = nil
	h.backend.mu.Unlock()

	res, err = h.engine.SyncChat(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 0, res.TotalSynced)
	assert.Equal(t, 1, res.MediaSynced)
	assert.Equal(t, OutcomeComplete, res.Outcome)

	msgs, media, calls := h.backend.snapshot()
	assert.Len(t, msgs, 1, "message not resent")
	require.Len(t, media, 1)
	assert.Equal(t, "1", media[0].MessageID)

	// Nothing stranded any more: the chat is empty and the pass stays local.
	res, err = h.engine.SyncChat(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	_, _, after := h.backend.snapshot()
	assert.Equal(t, calls, after)
}

func TestSyncChatPublishesLifecycle(t *testing.T) {
	h := newHarness(t)
	ch, unsub := h.bus.Subscribe("sync.", 16)
	defer unsub()

	h.enqueue(t, "1", "a")
	h.enqueue(t, "1", "b")
	h.backend.rejectMessage = func(content string) bool { return content == "a" }

	_, err := h.engine.SyncChat(context.Background(), "1")
	require.NoError(t, err)

	var kinds []string
	var progress []float64
	var complete bus.SyncComplete
	for len(kinds) < 4 {
		select {
		case evt := <-ch:
			kinds = append(kinds, evt.Kind)
			switch p := evt.Payload.(type) {
			case bus.SyncProgress:
				progress = append(progress, p.Percentage)
			case bus.SyncComplete:
				complete = p
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout, got %v", kinds)
		}
	}

	assert.Equal(t, []string{bus.KindSyncStarted, bus.KindSyncProgress, bus.KindSyncProgress, bus.KindSyncComplete}, kinds)
	assert.Equal(t, []float64{0, 50}, progress)
	assert.Equal(t, 1, complete.TotalSynced)
	assert.Equal(t, string(OutcomePartial), complete.Outcome)
}

func TestSyncChatStoreFailure(t *testing.T) {
	h := newHarness(t)
	ch, unsub := h.bus.Subscribe("sync.error", 4)
	defer unsub()

	require.NoError(t, h.db.Close())

	res, err := h.engine.SyncChat(context.Background(), "1")
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, OutcomeFailed, res.Outcome)

	var se *store.StorageError
	assert.True(t, errors.As(err, &se))

	select {
	case evt := <-ch:
		p, ok := evt.Payload.(bus.SyncFailed)
		require.True(t, ok)
		assert.Equal(t, "1", p.ChatID)
	case <-time.After(time.Second):
		t.Fatal("no sync.error event")
	}
}

func TestBackgroundEventTriggersSync(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, "9", "from background")

	// The subscription is installed by Start; wait for it before publishing.
	require.Eventually(t, func() bool { return h.bus.Subscribers() > 0 }, time.Second, 10*time.Millisecond)
	h.bus.Emit(bus.KindPerformChatSync, bus.PerformChatSync{ChatID: "9", Tag: "chat-sync:9"})

	require.Eventually(t, func() bool {
		done, err := h.db.IsChatFullySynced(context.Background(), "9")
		return err == nil && done
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStoppedEngineRejectsWork(t *testing.T) {
	h := newHarness(t)
	h.engine.Stop()
	h.engine.Stop()

	_, err := h.engine.SyncChat(context.Background(), "1")
	assert.ErrorIs(t, err, ErrStopped)
	assert.False(t, h.engine.Trigger("1"))
}

func TestTriggerDropsWhenQueueFull(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, nil, nil, bus.New(), nil, nil, WithQueueSize(1))
	// Not started: nothing drains the queue.
	assert.True(t, e.Trigger("1"))
	assert.False(t, e.Trigger("2"))
}
