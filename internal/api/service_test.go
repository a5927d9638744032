package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/chatsync/internal/background"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/connectivity"
	"github.com/matheus3301/chatsync/internal/inline"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/optimize"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

const testMaxAttachment = 8 << 20

type harness struct {
	client   *Client
	db       *store.DB
	monitor  *connectivity.Monitor
	notifier *notify.Notifier
	created  *atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	// Short path: Unix socket paths are limited to ~104 bytes.
	dir, err := os.MkdirTemp("", "cs")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	db, err := store.Open(filepath.Join(dir, "outbox.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	created := new(atomic.Int32)
	r := chi.NewRouter()
	r.Post("/chats/{chatID}/messages", func(w http.ResponseWriter, _ *http.Request) {
		n := created.Add(1)
		_, _ = fmt.Fprintf(w, `{"id": %d}`, n)
	})
	backend := httptest.NewServer(r)
	t.Cleanup(backend.Close)

	rc := remote.NewClient(backend.URL, 5*time.Second, nil)
	b := bus.New()
	m := status.NewMachine(b)

	engine := intsync.NewEngine(db, rc, optimize.New(optimize.DefaultQuality, optimize.DefaultMaxWidth), b, m, nil)
	engine.Start(ctx)
	t.Cleanup(engine.Stop)

	notifier := notify.NewNotifier(b, nil, nil)
	require.NoError(t, notifier.Start(ctx))
	t.Cleanup(notifier.Stop)

	monitor := connectivity.NewMonitor(rc, engine, db, m, b, time.Hour, nil)
	registrar := background.NewRegistrar(nil, db, b, 0, nil)
	sender := outbox.NewService(db, engine, registrar, m, b, false, nil, outbox.WithMaxAttachmentBytes(testMaxAttachment))

	svc := NewService(Deps{
		Session:   "test",
		DB:        db,
		Engine:    engine,
		Sender:    sender,
		Monitor:   monitor,
		Registrar: registrar,
		Notifier:  notifier,
		Machine:   m,
	})

	socket := filepath.Join(dir, "d.sock")
	lis, err := net.Listen("unix", socket)
	require.NoError(t, err)
	srv := grpc.NewServer(grpc.MaxRecvMsgSize(MessageLimit(testMaxAttachment)))
	RegisterSyncServiceServer(srv, svc)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := Dial(socket, testMaxAttachment)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return &harness{client: c, db: db, monitor: monitor, notifier: notifier, created: created}
}

func callCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSendSyncPurgeRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := callCtx(t)

	sent, err := h.client.SendMessage(ctx, &SendMessageRequest{
		ChatID:  "chat-1",
		Content: "hello",
		Attachments: []Attachment{
			{Type: "image", URL: "https://cdn.example.com/a.png"},
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sent.LocalID)
	assert.Len(t, sent.MediaIDs, 1)
	assert.False(t, sent.Triggered)

	stats, err := h.client.GetStats(ctx, &GetStatsRequest{ChatID: "chat-1"})
	require.NoError(t, err)
	assert.Equal(t, store.Stats{Total: 1, Pending: 1, MediaPending: 1}, stats.Stats)
	assert.False(t, stats.FullySynced)

	// The backend only answers message creation, so the media upload fails.
	res, err := h.client.SyncChat(ctx, &SyncChatRequest{ChatID: "chat-1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "partial", res.Outcome)
	assert.Equal(t, 1, res.TotalSynced)
	assert.Equal(t, 1, res.MediaFailed)
	require.NotNil(t, res.Stats)
	assert.Equal(t, 1, res.Stats.MediaPending)

	purged, err := h.client.PurgeSynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), purged.Messages, "message still owns unsynced media")
}

func TestSyncChatEmptyOutboxMakesNoRequests(t *testing.T) {
	h := newHarness(t)
	ctx := callCtx(t)

	res, err := h.client.SyncChat(ctx, &SyncChatRequest{ChatID: "quiet"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.TotalSynced)
	assert.Equal(t, int32(0), h.created.Load())
}

func TestInvalidRequestsMapToInvalidArgument(t *testing.T) {
	h := newHarness(t)
	ctx := callCtx(t)

	_, err := h.client.SendMessage(ctx, &SendMessageRequest{ChatID: "chat-1"})
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))

	_, err = h.client.SendMessage(ctx, &SendMessageRequest{
		ChatID:      "chat-1",
		Content:     "x",
		Attachments: []Attachment{{Type: "audio", URL: "https://x"}},
	})
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))

	_, err = h.client.SyncChat(ctx, &SyncChatRequest{})
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))

	_, err = h.client.GetStats(ctx, &GetStatsRequest{ChatID: " "})
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))
}

func TestOfflineStatus(t *testing.T) {
	h := newHarness(t)
	ctx := callCtx(t)

	h.monitor.SetOnline(ctx, false)

	sent, err := h.client.SendMessage(ctx, &SendMessageRequest{ChatID: "chat-2", Content: "later"})
	require.NoError(t, err)
	assert.False(t, sent.Registered, "no broker attached")

	_, err = h.client.SyncChat(ctx, &SyncChatRequest{ChatID: "chat-2"})
	assert.Equal(t, codes.Unavailable, grpcstatus.Code(err))

	st, err := h.client.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", st.Session)
	assert.Equal(t, os.Getpid(), st.PID)
	assert.False(t, st.Online)
	assert.Equal(t, string(status.Pending), st.State)
	assert.Equal(t, []string{"chat-2"}, st.PendingChats)
	assert.False(t, st.Background.Supported)
	assert.Equal(t, int32(0), h.created.Load())
}

func TestWatchStatusStreamsPassLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := callCtx(t)

	_, err := h.client.SendMessage(ctx, &SendMessageRequest{ChatID: "chat-3", Content: "one"})
	require.NoError(t, err)
	_, err = h.client.SyncChat(ctx, &SyncChatRequest{ChatID: "chat-3"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		u, ok := h.notifier.Latest()
		return ok && u.Type == notify.SyncComplete
	}, 2*time.Second, 10*time.Millisecond)

	stream, err := h.client.WatchStatus(ctx, &WatchStatusRequest{ChatID: "chat-3"})
	require.NoError(t, err)

	// The latest update is replayed first, which also means the stream is subscribed.
	first, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, notify.SyncComplete, first.Type)

	_, err = h.client.SendMessage(ctx, &SendMessageRequest{ChatID: "chat-3", Content: "two"})
	require.NoError(t, err)
	_, err = h.client.SyncChat(ctx, &SyncChatRequest{ChatID: "chat-3"})
	require.NoError(t, err)

	var types []notify.UpdateType
	for {
		u, err := stream.Recv()
		require.NoError(t, err)
		assert.Equal(t, "chat-3", u.ChatID)
		types = append(types, u.Type)
		if u.Type == notify.SyncComplete {
			require.NotNil(t, u.TotalSynced)
			assert.Equal(t, 1, *u.TotalSynced)
			break
		}
	}
	assert.Equal(t, []notify.UpdateType{notify.SyncStarted, notify.SyncProgress, notify.SyncComplete}, types)
}

func TestSendMessageQueuesMultiMegabyteInlineAttachment(t *testing.T) {
	h := newHarness(t)
	ctx := callCtx(t)

	photo := (&inline.Payload{MIME: "image/jpeg", Data: make([]byte, 5<<20)}).String()
	sent, err := h.client.SendMessage(ctx, &SendMessageRequest{
		ChatID:      "chat-1",
		Attachments: []Attachment{{Type: "image", URL: photo}},
	})
	require.NoError(t, err)
	assert.Len(t, sent.MediaIDs, 1)

	stats, err := h.client.GetStats(ctx, &GetStatsRequest{ChatID: "chat-1"})
	require.NoError(t, err)
	assert.Equal(t, store.Stats{Total: 1, Pending: 1, MediaPending: 1}, stats.Stats)
}

func TestSendMessageRejectsAttachmentsOverLimit(t *testing.T) {
	h := newHarness(t)
	ctx := callCtx(t)

	video := (&inline.Payload{MIME: "video/mp4", Data: make([]byte, testMaxAttachment+100<<10)}).String()
	_, err := h.client.SendMessage(ctx, &SendMessageRequest{
		ChatID:      "chat-1",
		Attachments: []Attachment{{Type: "video", URL: video}},
	})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))

	stats, err := h.client.GetStats(ctx, &GetStatsRequest{ChatID: "chat-1"})
	require.NoError(t, err)
	assert.Zero(t, stats.Stats.Total)
}

func TestMessageLimitFitsEncodedAttachments(t *testing.T) {
	assert.Greater(t, MessageLimit(testMaxAttachment), testMaxAttachment*4/3)
	assert.Equal(t, MessageLimit(config.DefaultMaxAttachmentBytes), MessageLimit(0))
}
