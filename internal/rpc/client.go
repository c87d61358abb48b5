package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client talks to a daemon over its unix socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for the daemon listening on socketPath. The
// connection is established lazily on the first call. Extra options are
// applied after the defaults.
func Dial(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	conn, err := grpc.NewClient("unix://"+socketPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func invoke[Resp any](ctx context.Context, c *Client, service, method string, in any) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, fullMethod(service, method), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListConversations(ctx context.Context, in *ListConversationsRequest) (*ListConversationsResponse, error) {
	return invoke[ListConversationsResponse](ctx, c, ChatServiceName, "ListConversations", in)
}

func (c *Client) CreateConversation(ctx context.Context, in *CreateConversationRequest) (*ConversationResponse, error) {
	return invoke[ConversationResponse](ctx, c, ChatServiceName, "CreateConversation", in)
}

func (c *Client) GetConversation(ctx context.Context, in *GetConversationRequest) (*ConversationResponse, error) {
	return invoke[ConversationResponse](ctx, c, ChatServiceName, "GetConversation", in)
}

func (c *Client) ListMessages(ctx context.Context, in *ListMessagesRequest) (*ListMessagesResponse, error) {
	return invoke[ListMessagesResponse](ctx, c, ChatServiceName, "ListMessages", in)
}

func (c *Client) SearchMessages(ctx context.Context, in *SearchMessagesRequest) (*SearchMessagesResponse, error) {
	return invoke[SearchMessagesResponse](ctx, c, ChatServiceName, "SearchMessages", in)
}

func (c *Client) SendText(ctx context.Context, in *SendTextRequest) (*SendResponse, error) {
	return invoke[SendResponse](ctx, c, ChatServiceName, "SendText", in)
}

func (c *Client) SendImage(ctx context.Context, in *SendImageRequest) (*SendResponse, error) {
	return invoke[SendResponse](ctx, c, ChatServiceName, "SendImage", in)
}

func (c *Client) MarkRead(ctx context.Context, in *MarkReadRequest) (*Empty, error) {
	return invoke[Empty](ctx, c, ChatServiceName, "MarkRead", in)
}

func (c *Client) GetSyncStatus(ctx context.Context, in *GetSyncStatusRequest) (*SyncStatus, error) {
	return invoke[SyncStatus](ctx, c, SyncServiceName, "GetSyncStatus", in)
}

func (c *Client) DrainOutbox(ctx context.Context, in *DrainOutboxRequest) (*DrainOutboxResponse, error) {
	return invoke[DrainOutboxResponse](ctx, c, SyncServiceName, "DrainOutbox", in)
}

func (c *Client) ListOutbox(ctx context.Context, in *ListOutboxRequest) (*ListOutboxResponse, error) {
	return invoke[ListOutboxResponse](ctx, c, SyncServiceName, "ListOutbox", in)
}

func (c *Client) ResendMessage(ctx context.Context, in *ResendMessageRequest) (*Empty, error) {
	return invoke[Empty](ctx, c, SyncServiceName, "ResendMessage", in)
}

// WatchStream receives conversation views until the context ends or the
// daemon closes the stream.
type WatchStream struct {
	stream grpc.ClientStream
}

func (w *WatchStream) Recv() (*ConversationView, error) {
	v := new(ConversationView)
	if err := w.stream.RecvMsg(v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Client) WatchConversation(ctx context.Context, in *WatchConversationRequest) (*WatchStream, error) {
	stream, err := c.openStream(ctx, &ChatServiceDesc.Streams[0], ChatServiceName, in)
	if err != nil {
		return nil, err
	}
	return &WatchStream{stream: stream}, nil
}

// EventStream receives daemon events.
type EventStream struct {
	stream grpc.ClientStream
}

func (e *EventStream) Recv() (*EventEnvelope, error) {
	env := new(EventEnvelope)
	if err := e.stream.RecvMsg(env); err != nil {
		return nil, err
	}
	return env, nil
}

func (c *Client) WatchEvents(ctx context.Context, in *WatchEventsRequest) (*EventStream, error) {
	stream, err := c.openStream(ctx, &SyncServiceDesc.Streams[0], SyncServiceName, in)
	if err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}

// openStream starts a server stream and sends its single request.
func (c *Client) openStream(ctx context.Context, desc *grpc.StreamDesc, service string, in any) (grpc.ClientStream, error) {
	stream, err := c.conn.NewStream(ctx, desc, fullMethod(service, desc.StreamName))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}
