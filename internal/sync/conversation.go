package sync

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/matheus3301/worldchat/internal/store"
	"go.uber.org/zap"
)

// CreateConversation creates a conversation with a fresh ID and follows it.
// A direct conversation has exactly two distinct participants; the acting
// user is added when missing.
func (o *Orchestrator) CreateConversation(ctx context.Context, kind store.ConversationKind, participants []string) (*store.Conversation, error) {
	members := normalizeParticipants(participants, o.opts.UserID)
	switch kind {
	case store.KindDirect:
		if len(members) != 2 {
			return nil, fmt.Errorf("%w: direct conversation needs 2 participants, got %d", ErrInvalidConversation, len(members))
		}
	case store.KindGroup:
		if len(members) == 0 {
			return nil, fmt.Errorf("%w: group conversation has no participants", ErrInvalidConversation)
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidConversation, kind)
	}

	c := &store.Conversation{
		ID:           uuid.NewString(),
		Kind:         kind,
		Participants: members,
		CreatedAt:    o.now(),
	}
	if err := o.db.UpsertConversation(ctx, c); err != nil {
		return nil, fmt.Errorf("store conversation: %w", err)
	}
	o.logger.Info("conversation created", zap.String("conversation_id", c.ID), zap.String("kind", string(kind)))

	if err := o.Follow(ctx, c.ID); err != nil {
		o.logger.Warn("follow new conversation failed", zap.String("conversation_id", c.ID), zap.Error(err))
	}
	return c, nil
}

func normalizeParticipants(in []string, self string) []string {
	out := make([]string, 0, len(in)+1)
	for _, p := range in {
		if p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	if self != "" && !slices.Contains(out, self) {
		out = append(out, self)
	}
	slices.Sort(out)
	return out
}

func (o *Orchestrator) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	return o.db.GetConversation(ctx, id)
}

func (o *Orchestrator) ListConversations(ctx context.Context, limit, offset int) ([]store.Conversation, error) {
	return o.db.ListConversations(ctx, limit, offset)
}

// ListMessages returns a page newest first; beforeTs > 0 is an exclusive bound.
func (o *Orchestrator) ListMessages(ctx context.Context, conversationID string, limit int, beforeTs int64) ([]store.Message, error) {
	return o.db.ListMessages(ctx, conversationID, limit, beforeTs)
}

func (o *Orchestrator) SearchMessages(ctx context.Context, query, conversationID string, limit int) ([]store.SearchResult, error) {
	return o.db.SearchMessages(ctx, query, conversationID, limit)
}
