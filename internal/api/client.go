package api

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/notify"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
)

// Client talks to a daemon over its Unix domain socket.
type Client struct {
	conn *grpc.ClientConn
}

// MessageLimit is the gRPC message size that fits maxAttachmentBytes of
// inline attachments once base64 encoded, plus room for the rest of the
// request. Zero or less uses config.DefaultMaxAttachmentBytes.
func MessageLimit(maxAttachmentBytes int) int {
	if maxAttachmentBytes <= 0 {
		maxAttachmentBytes = config.DefaultMaxAttachmentBytes
	}
	return base64.StdEncoding.EncodedLen(maxAttachmentBytes) + 1<<20
}

// Dial connects lazily; the first call fails if no daemon is listening.
func Dial(socketPath string, maxAttachmentBytes int) (*Client, error) {
	limit := MessageLimit(maxAttachmentBytes)
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CodecName),
			grpc.MaxCallSendMsgSize(limit),
			grpc.MaxCallRecvMsgSize(limit),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, fullMethod(method), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	return invoke[SendMessageResponse](ctx, c, "SendMessage", req)
}

func (c *Client) SyncChat(ctx context.Context, req *SyncChatRequest) (*SyncChatResponse, error) {
	return invoke[SyncChatResponse](ctx, c, "SyncChat", req)
}

func (c *Client) GetStats(ctx context.Context, req *GetStatsRequest) (*GetStatsResponse, error) {
	return invoke[GetStatsResponse](ctx, c, "GetStats", req)
}

func (c *Client) PurgeSynced(ctx context.Context) (*PurgeSyncedResponse, error) {
	return invoke[PurgeSyncedResponse](ctx, c, "PurgeSynced", &emptypb.Empty{})
}

func (c *Client) GetStatus(ctx context.Context) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c, "GetStatus", &emptypb.Empty{})
}

// WatchStatus opens the status stream. Recv returns io.EOF when the daemon
// ends the stream.
func (c *Client) WatchStatus(ctx context.Context, req *WatchStatusRequest) (grpc.ServerStreamingClient[notify.StatusUpdate], error) {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("WatchStatus"))
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[WatchStatusRequest, notify.StatusUpdate]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
