// Package api serves the daemon's control API over gRPC with a JSON codec.
package api

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/matheus3301/chatsync/internal/background"
	"github.com/matheus3301/chatsync/internal/connectivity"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
)

const watchBuffer = 64

// Deps are the components the control API reads and drives.
// Registrar and Notifier may be nil.
type Deps struct {
	Session   string
	DB        *store.DB
	Engine    *intsync.Engine
	Sender    *outbox.Service
	Monitor   *connectivity.Monitor
	Registrar *background.Registrar
	Notifier  *notify.Notifier
	Machine   *status.Machine
	Logger    *zap.Logger
}

// Service implements SyncServiceServer.
type Service struct {
	d Deps
}

// NewService creates the control API service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{d: d}
}

func (s *Service) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	draft := outbox.Draft{
		ChatID:       req.ChatID,
		Content:      req.Content,
		SenderID:     req.SenderID,
		IsAIResponse: req.IsAIResponse,
	}
	for _, a := range req.Attachments {
		draft.Attachments = append(draft.Attachments, outbox.Attachment{
			Type:      store.MediaType(a.Type),
			URL:       a.URL,
			Thumbnail: a.Thumbnail,
		})
	}
	q, err := s.d.Sender.Send(ctx, draft)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SendMessageResponse{
		LocalID:    q.LocalID,
		MediaIDs:   q.MediaIDs,
		Triggered:  q.Triggered,
		Registered: q.Registered,
	}, nil
}

func (s *Service) SyncChat(ctx context.Context, req *SyncChatRequest) (*SyncChatResponse, error) {
	if strings.TrimSpace(req.ChatID) == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "chat id required")
	}
	res, err := s.d.Engine.SyncChat(ctx, req.ChatID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SyncChatResponse{
		ChatID:      res.ChatID,
		Success:     res.Success,
		Outcome:     string(res.Outcome),
		TotalSynced: res.TotalSynced,
		Failed:      res.Failed,
		MediaSynced: res.MediaSynced,
		MediaFailed: res.MediaFailed,
		Stats:       res.Stats,
	}, nil
}

func (s *Service) GetStats(ctx context.Context, req *GetStatsRequest) (*GetStatsResponse, error) {
	if strings.TrimSpace(req.ChatID) == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "chat id required")
	}
	stats, err := s.d.DB.Stats(ctx, req.ChatID)
	if err != nil {
		return nil, toStatus(err)
	}
	fully, err := s.d.DB.IsChatFullySynced(ctx, req.ChatID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetStatsResponse{ChatID: req.ChatID, Stats: stats, FullySynced: fully}, nil
}

func (s *Service) PurgeSynced(ctx context.Context, _ *emptypb.Empty) (*PurgeSyncedResponse, error) {
	res, err := s.d.DB.PurgeSynced(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	s.d.Logger.Info("purged synced records",
		zap.Int64("messages", res.Messages),
		zap.Int64("media", res.Media),
	)
	return &PurgeSyncedResponse{Messages: res.Messages, Media: res.Media}, nil
}

func (s *Service) GetStatus(ctx context.Context, _ *emptypb.Empty) (*StatusResponse, error) {
	resp := &StatusResponse{
		Session: s.d.Session,
		PID:     os.Getpid(),
		State:   string(s.d.Machine.Current()),
		Since:   s.d.Machine.Since(),
		Online:  s.d.Monitor.Online(),
	}
	resp.ActiveChat = s.d.Monitor.ActiveChat()

	pending, err := s.d.DB.PendingChats(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	resp.PendingChats = pending

	if s.d.Registrar != nil {
		bg, err := s.d.Registrar.Status(ctx)
		if err != nil {
			return nil, toStatus(err)
		}
		resp.Background = bg
	}
	if s.d.Notifier != nil {
		if u, ok := s.d.Notifier.Latest(); ok {
			resp.Latest = &u
		}
	}
	return resp, nil
}

func (s *Service) WatchStatus(req *WatchStatusRequest, stream grpc.ServerStreamingServer[notify.StatusUpdate]) error {
	if s.d.Notifier == nil {
		return grpcstatus.Error(codes.Unavailable, "status updates not available")
	}
	ch, unsub := s.d.Notifier.Subscribe(watchBuffer)
	defer unsub()

	matches := func(u notify.StatusUpdate) bool {
		return req.ChatID == "" || u.ChatID == req.ChatID
	}
	if u, ok := s.d.Notifier.Latest(); ok && matches(u) {
		if err := stream.Send(&u); err != nil {
			return err
		}
	}

	for {
		select {
		case u := <-ch:
			if !matches(u) {
				continue
			}
			if err := stream.Send(&u); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, intsync.ErrOffline), errors.Is(err, intsync.ErrStopped):
		code = codes.Unavailable
	case errors.Is(err, outbox.ErrEmptyDraft),
		errors.Is(err, outbox.ErrAttachmentTooLarge),
		errors.Is(err, store.ErrInvalidRecord),
		errors.Is(err, store.ErrParentNotFound):
		code = codes.InvalidArgument
	case errors.Is(err, store.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return grpcstatus.Error(code, err.Error())
}
