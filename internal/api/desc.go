package api

import (
	"context"

	"github.com/matheus3301/chatsync/internal/notify"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.SyncService"

// SyncServiceServer is the control API served on the session socket.
type SyncServiceServer interface {
	SendMessage(context.Context, *SendMessageRequest) (*SendMessageResponse, error)
	SyncChat(context.Context, *SyncChatRequest) (*SyncChatResponse, error)
	GetStats(context.Context, *GetStatsRequest) (*GetStatsResponse, error)
	PurgeSynced(context.Context, *emptypb.Empty) (*PurgeSyncedResponse, error)
	GetStatus(context.Context, *emptypb.Empty) (*StatusResponse, error)
	WatchStatus(*WatchStatusRequest, grpc.ServerStreamingServer[notify.StatusUpdate]) error
}

// ServiceDesc describes SyncService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SendMessage", SyncServiceServer.SendMessage),
		unary("SyncChat", SyncServiceServer.SyncChat),
		unary("GetStats", SyncServiceServer.GetStats),
		unary("PurgeSynced", SyncServiceServer.PurgeSynced),
		unary("GetStatus", SyncServiceServer.GetStatus),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchStatus",
			Handler:       watchStatusHandler,
			ServerStreams: true,
		},
	},
}

// RegisterSyncServiceServer registers srv on s.
func RegisterSyncServiceServer(s grpc.ServiceRegistrar, srv SyncServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(SyncServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(SyncServiceServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

func watchStatusHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchStatusRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SyncServiceServer).WatchStatus(in, &grpc.GenericServerStream[WatchStatusRequest, notify.StatusUpdate]{ServerStream: stream})
}
