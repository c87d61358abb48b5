// Package remote defines the boundary to the authoritative conversation store
// and a websocket implementation of it.
package remote

import (
	"context"

	"github.com/matheus3301/worldchat/internal/store"
)

// Ack confirms that the remote store accepted a publish.
type Ack struct {
	MessageID  string `json:"message_id"`
	AcceptedAt int64  `json:"accepted_at"`
}

// Record is a message as reported by the remote store.
type Record struct {
	MessageID      string           `json:"message_id"`
	ConversationID string           `json:"conversation_id"`
	SenderID       string           `json:"sender_id"`
	SenderName     string           `json:"sender_name,omitempty"`
	Body           string           `json:"body"`
	Kind           string           `json:"kind"`
	Timestamp      int64            `json:"timestamp"`
	Status         string           `json:"status"`
	ReadBy         map[string]int64 `json:"read_by,omitempty"`
}

// RecordFromMessage builds the remote shape of a local message.
func RecordFromMessage(m *store.Message) Record {
	return Record{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Body:           m.Body,
		Kind:           string(m.Kind),
		Timestamp:      m.Timestamp,
		Status:         string(m.Status),
		ReadBy:         m.ReadBy,
	}
}

// SnapshotFunc receives an ordered (oldest first) batch of records. Batches may
// overlap and records may be redelivered.
type SnapshotFunc func(records []Record)

// Channel is the publish/subscribe boundary to the remote store. Publish must
// be idempotent on the message ID. Errors are *TransientError or
// *PermanentError; callers run them through Classify.
type Channel interface {
	Publish(ctx context.Context, m *store.Message) (Ack, error)
	Subscribe(ctx context.Context, conversationID string, fn SnapshotFunc) (unsubscribe func(), err error)
	UpdateConversationSummary(ctx context.Context, conversationID, text, senderID string, timestampMillis int64) error
	MarkRead(ctx context.Context, conversationID, messageID, userID string) error
	MarkDelivered(ctx context.Context, conversationID, messageID string) error
}

// Message converts a remote record into the local message shape. Unknown
// statuses fall back to sent: the remote only holds accepted messages.
func (r Record) Message() *store.Message {
	st := store.Status(r.Status)
	if !st.Valid() {
		st = store.StatusSent
	}
	kind := store.MessageKind(r.Kind)
	if kind == "" {
		kind = store.KindText
	}
	return &store.Message{
		ID:             r.MessageID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		SenderName:     r.SenderName,
		Body:           r.Body,
		Kind:           kind,
		Timestamp:      r.Timestamp,
		Status:         st,
		ReadBy:         r.ReadBy,
	}
}
