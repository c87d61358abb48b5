package api

import (
	"context"
	"slices"

	"github.com/matheus3301/worldchat/internal/rpc"
	"github.com/matheus3301/worldchat/internal/store"
	intsync "github.com/matheus3301/worldchat/internal/sync"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// ChatService implements rpc.ChatServer on top of the orchestrator.
type ChatService struct {
	orch *intsync.Orchestrator
}

var _ rpc.ChatServer = (*ChatService)(nil)

// NewChatService creates a new chat service.
func NewChatService(orch *intsync.Orchestrator) *ChatService {
	return &ChatService{orch: orch}
}

func pageSize(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	default:
		return limit
	}
}

func (s *ChatService) ListConversations(ctx context.Context, req *rpc.ListConversationsRequest) (*rpc.ListConversationsResponse, error) {
	limit := pageSize(req.Limit)
	convs, err := s.orch.ListConversations(ctx, limit, max(req.Offset, 0))
	if err != nil {
		return nil, toStatus("list conversations", err)
	}
	if convs == nil {
		convs = []store.Conversation{}
	}
	return &rpc.ListConversationsResponse{Conversations: convs, HasMore: len(convs) == limit}, nil
}

func (s *ChatService) CreateConversation(ctx context.Context, req *rpc.CreateConversationRequest) (*rpc.ConversationResponse, error) {
	c, err := s.orch.CreateConversation(ctx, store.ConversationKind(req.Kind), req.Participants)
	if err != nil {
		return nil, toStatus("create conversation", err)
	}
	return &rpc.ConversationResponse{Conversation: *c}, nil
}

func (s *ChatService) GetConversation(ctx context.Context, req *rpc.GetConversationRequest) (*rpc.ConversationResponse, error) {
	c, err := s.orch.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, toStatus("get conversation", err)
	}
	if c == nil {
		return nil, grpcstatus.Errorf(codes.NotFound, "conversation %q not found", req.ConversationID)
	}
	return &rpc.ConversationResponse{Conversation: *c}, nil
}

func (s *ChatService) ListMessages(ctx context.Context, req *rpc.ListMessagesRequest) (*rpc.ListMessagesResponse, error) {
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	limit := pageSize(req.Limit)
	msgs, err := s.orch.ListMessages(ctx, req.ConversationID, limit, req.BeforeTs)
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	return &rpc.ListMessagesResponse{Messages: msgs, HasMore: len(msgs) == limit}, nil
}

func (s *ChatService) SearchMessages(ctx context.Context, req *rpc.SearchMessagesRequest) (*rpc.SearchMessagesResponse, error) {
	if req.Query == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "query is required")
	}
	results, err := s.orch.SearchMessages(ctx, req.Query, req.ConversationID, pageSize(req.Limit))
	if err != nil {
		return nil, toStatus("search messages", err)
	}
	out := make([]rpc.SearchResult, 0, len(results))
	for _, r := range results {
		out = append(out, rpc.SearchResult{Message: r.Message, Snippet: r.Snippet})
	}
	return &rpc.SearchMessagesResponse{Results: out}, nil
}

func (s *ChatService) SendText(ctx context.Context, req *rpc.SendTextRequest) (*rpc.SendResponse, error) {
	if req.Body == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "body is required")
	}
	m, err := s.orch.SendMessage(ctx, req.ConversationID, req.Body, "")
	if err != nil {
		return nil, toStatus("send text", err)
	}
	return sendResponse(m), nil
}

func (s *ChatService) SendImage(ctx context.Context, req *rpc.SendImageRequest) (*rpc.SendResponse, error) {
	if req.Path == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "path is required")
	}
	m, err := s.orch.SendImage(ctx, req.ConversationID, req.Path, "")
	if err != nil {
		return nil, toStatus("send image", err)
	}
	return sendResponse(m), nil
}

// A message that is still sending after SendMessage returns is in the outbox.
func sendResponse(m *store.Message) *rpc.SendResponse {
	return &rpc.SendResponse{Message: *m, Queued: m.Status == store.StatusSending}
}

func (s *ChatService) MarkRead(ctx context.Context, req *rpc.MarkReadRequest) (*rpc.Empty, error) {
	if req.ConversationID == "" || req.MessageID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id and message_id are required")
	}
	if err := s.orch.MarkRead(ctx, req.ConversationID, req.MessageID, ""); err != nil {
		return nil, toStatus("mark read", err)
	}
	return &rpc.Empty{}, nil
}

// WatchConversation sends the cached page first, then a fresh view after
// every merge until the client goes away.
func (s *ChatService) WatchConversation(req *rpc.WatchConversationRequest, stream rpc.ChatWatchServer) error {
	if req.ConversationID == "" {
		return grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	cached, err := s.orch.ListMessages(ctx, req.ConversationID, defaultPageSize, 0)
	if err != nil {
		return toStatus("watch conversation", err)
	}
	slices.Reverse(cached)
	if err := stream.Send(&rpc.ConversationView{ConversationID: req.ConversationID, Messages: cached}); err != nil {
		return err
	}

	views := make(chan []store.Message, 16)
	unsubscribe, err := s.orch.Subscribe(ctx, req.ConversationID, func(view []store.Message) {
		select {
		case views <- view:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return toStatus("watch conversation", err)
	}
	// cancel first so a callback blocked on views returns before unsubscribe
	// waits for it.
	defer func() {
		cancel()
		unsubscribe()
	}()

	for {
		select {
		case view := <-views:
			if err := stream.Send(&rpc.ConversationView{ConversationID: req.ConversationID, Messages: view}); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
