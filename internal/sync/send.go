package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/matheus3301/worldchat/internal/bus"
	"github.com/matheus3301/worldchat/internal/media"
	"github.com/matheus3301/worldchat/internal/metrics"
	"github.com/matheus3301/worldchat/internal/remote"
	"github.com/matheus3301/worldchat/internal/store"
	"go.uber.org/zap"
)

// SendAck is the payload of message.send_ack events.
type SendAck struct {
	MessageID      string
	ConversationID string
	AcceptedAt     int64
}

// SendMessage writes a text message optimistically and tries to publish it.
// A transient publish failure queues the message and is not an error; only a
// permanent rejection returns *RejectedError.
func (o *Orchestrator) SendMessage(ctx context.Context, conversationID, body, senderID string) (*store.Message, error) {
	return o.send(ctx, o.newMessage(conversationID, body, store.KindText, senderID))
}

// SendImage uploads the attachment first. If the upload fails nothing is
// written and the error wraps ErrUpload.
func (o *Orchestrator) SendImage(ctx context.Context, conversationID, localRef, senderID string) (*store.Message, error) {
	if o.media == nil {
		return nil, fmt.Errorf("%w: %w", ErrUpload, media.ErrNoEndpoint)
	}
	url, err := o.media.Upload(ctx, localRef)
	if err != nil {
		o.logger.Warn("attachment upload failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrUpload, err)
	}
	return o.send(ctx, o.newMessage(conversationID, url, store.KindImage, senderID))
}

func (o *Orchestrator) newMessage(conversationID, body string, kind store.MessageKind, senderID string) *store.Message {
	if senderID == "" {
		senderID = o.opts.UserID
	}
	return &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		Kind:           kind,
		Timestamp:      o.now(),
		Status:         store.StatusSending,
	}
}

func (o *Orchestrator) send(ctx context.Context, m *store.Message) (*store.Message, error) {
	if m.ConversationID == "" {
		return nil, fmt.Errorf("%w: empty conversation id", ErrInvalidConversation)
	}
	log := o.logger.With(zap.String("message_id", m.ID), zap.String("conversation_id", m.ConversationID))

	unlock := o.convLocks.Lock(m.ConversationID)
	err := o.db.UpsertMessage(ctx, m)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	o.bus.Emit(bus.MessageUpserted, m)

	ack, err := o.remote.Publish(ctx, m)
	switch remote.Classify(err) {
	case remote.ClassNone:
		if err := o.confirm(ctx, m, ack); err != nil {
			return nil, err
		}
		log.Debug("message published")

	case remote.ClassPermanent:
		if rerr := o.reject(ctx, m, err); rerr != nil {
			return nil, rerr
		}
		return o.reload(ctx, m), &RejectedError{MessageID: m.ID, Err: err}

	default:
		if _, qerr := o.queue.Enqueue(ctx, m); qerr != nil {
			return nil, fmt.Errorf("queue message: %w", qerr)
		}
		o.bus.Emit(bus.MessageQueued, m.ID)
		log.Info("publish failed, message queued", zap.Error(err))
	}
	return o.reload(ctx, m), nil
}

// confirm promotes a published message to sent and feeds the summary path.
// The promotion is a no-op if a snapshot already moved it further.
func (o *Orchestrator) confirm(ctx context.Context, m *store.Message, ack remote.Ack) error {
	unlock := o.convLocks.Lock(m.ConversationID)
	err := o.db.UpdateMessageFields(ctx, m.ID, store.MessagePatch{Status: store.StatusSent})
	unlock()
	if err != nil {
		return fmt.Errorf("confirm message %s: %w", m.ID, err)
	}
	o.bus.Emit(bus.MessageSendAck, SendAck{MessageID: m.ID, ConversationID: m.ConversationID, AcceptedAt: ack.AcceptedAt})

	if err := o.remote.UpdateConversationSummary(ctx, m.ConversationID, m.SummaryText(), m.SenderID, m.Timestamp); err != nil {
		metrics.SummaryFailures.Inc()
		o.logger.Warn("conversation summary update failed",
			zap.String("conversation_id", m.ConversationID), zap.String("class", remote.Classify(err).String()), zap.Error(err))
	}
	return nil
}

// reject records a permanent rejection on the message row.
func (o *Orchestrator) reject(ctx context.Context, m *store.Message, cause error) error {
	reason := cause.Error()
	var perm *remote.PermanentError
	if errors.As(cause, &perm) {
		reason = perm.Reason
	}
	unlock := o.convLocks.Lock(m.ConversationID)
	err := o.db.UpdateMessageFields(ctx, m.ID, store.MessagePatch{Failure: &reason})
	unlock()
	if err != nil {
		return fmt.Errorf("record rejection of %s: %w", m.ID, err)
	}
	o.logger.Warn("message rejected", zap.String("message_id", m.ID), zap.String("reason", reason))
	o.bus.Emit(bus.MessageRejected, Rejection{MessageID: m.ID, ConversationID: m.ConversationID, Reason: reason})
	return nil
}

// reload returns the stored version of m, falling back to m itself.
func (o *Orchestrator) reload(ctx context.Context, m *store.Message) *store.Message {
	cur, err := o.db.GetMessage(ctx, m.ID)
	if err != nil || cur == nil {
		return m
	}
	return cur
}

// MarkRead records userID as a reader locally and forwards the receipt.
// Status is left to the remote store.
func (o *Orchestrator) MarkRead(ctx context.Context, conversationID, messageID, userID string) error {
	if userID == "" {
		userID = o.opts.UserID
	}
	unlock := o.convLocks.Lock(conversationID)
	err := o.db.UpdateMessageFields(ctx, messageID, store.MessagePatch{ReadBy: map[string]int64{userID: o.now()}})
	unlock()
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if err := o.remote.MarkRead(ctx, conversationID, messageID, userID); err != nil {
		return fmt.Errorf("forward read receipt: %w", err)
	}
	return nil
}

// MarkDelivered forwards a delivery receipt. The local status follows the
// next snapshot.
func (o *Orchestrator) MarkDelivered(ctx context.Context, conversationID, messageID string) error {
	if err := o.remote.MarkDelivered(ctx, conversationID, messageID); err != nil {
		return fmt.Errorf("forward delivery receipt: %w", err)
	}
	return nil
}
