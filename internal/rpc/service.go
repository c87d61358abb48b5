package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ChatServiceName = "worldchat.v1.ChatService"
	SyncServiceName = "worldchat.v1.SyncService"
)

// ChatServer serves conversations and messages.
type ChatServer interface {
	ListConversations(context.Context, *ListConversationsRequest) (*ListConversationsResponse, error)
	CreateConversation(context.Context, *CreateConversationRequest) (*ConversationResponse, error)
	GetConversation(context.Context, *GetConversationRequest) (*ConversationResponse, error)
	ListMessages(context.Context, *ListMessagesRequest) (*ListMessagesResponse, error)
	SearchMessages(context.Context, *SearchMessagesRequest) (*SearchMessagesResponse, error)
	SendText(context.Context, *SendTextRequest) (*SendResponse, error)
	SendImage(context.Context, *SendImageRequest) (*SendResponse, error)
	MarkRead(context.Context, *MarkReadRequest) (*Empty, error)
	WatchConversation(*WatchConversationRequest, ChatWatchServer) error
}

// ChatWatchServer is the server side of a WatchConversation stream.
type ChatWatchServer interface {
	Send(*ConversationView) error
	grpc.ServerStream
}

// SyncServer serves daemon and outbox state.
type SyncServer interface {
	GetSyncStatus(context.Context, *GetSyncStatusRequest) (*SyncStatus, error)
	DrainOutbox(context.Context, *DrainOutboxRequest) (*DrainOutboxResponse, error)
	ListOutbox(context.Context, *ListOutboxRequest) (*ListOutboxResponse, error)
	ResendMessage(context.Context, *ResendMessageRequest) (*Empty, error)
	WatchEvents(*WatchEventsRequest, SyncEventsServer) error
}

// SyncEventsServer is the server side of a WatchEvents stream.
type SyncEventsServer interface {
	Send(*EventEnvelope) error
	grpc.ServerStream
}

func RegisterChatServer(s grpc.ServiceRegistrar, srv ChatServer) {
	s.RegisterService(&ChatServiceDesc, srv)
}

func RegisterSyncServer(s grpc.ServiceRegistrar, srv SyncServer) {
	s.RegisterService(&SyncServiceDesc, srv)
}

func fullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// unary adapts a typed method to a grpc.MethodHandler.
func unary[S, Req, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(service, method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var ChatServiceDesc = grpc.ServiceDesc{
	ServiceName: ChatServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(ChatServiceName, "ListConversations", ChatServer.ListConversations),
		unary(ChatServiceName, "CreateConversation", ChatServer.CreateConversation),
		unary(ChatServiceName, "GetConversation", ChatServer.GetConversation),
		unary(ChatServiceName, "ListMessages", ChatServer.ListMessages),
		unary(ChatServiceName, "SearchMessages", ChatServer.SearchMessages),
		unary(ChatServiceName, "SendText", ChatServer.SendText),
		unary(ChatServiceName, "SendImage", ChatServer.SendImage),
		unary(ChatServiceName, "MarkRead", ChatServer.MarkRead),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchConversation",
			Handler:       watchConversationHandler,
			ServerStreams: true,
		},
	},
}

var SyncServiceDesc = grpc.ServiceDesc{
	ServiceName: SyncServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(SyncServiceName, "GetSyncStatus", SyncServer.GetSyncStatus),
		unary(SyncServiceName, "DrainOutbox", SyncServer.DrainOutbox),
		unary(SyncServiceName, "ListOutbox", SyncServer.ListOutbox),
		unary(SyncServiceName, "ResendMessage", SyncServer.ResendMessage),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
}

func watchConversationHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchConversationRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatServer).WatchConversation(in, &chatWatchServer{stream})
}

type chatWatchServer struct {
	grpc.ServerStream
}

func (s *chatWatchServer) Send(v *ConversationView) error {
	return s.ServerStream.SendMsg(v)
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchEventsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SyncServer).WatchEvents(in, &syncEventsServer{stream})
}

type syncEventsServer struct {
	grpc.ServerStream
}

func (s *syncEventsServer) Send(e *EventEnvelope) error {
	return s.ServerStream.SendMsg(e)
}
