package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrParticipantsImmutable is returned when changing the members of a direct
// conversation that already has them.
var ErrParticipantsImmutable = errors.New("store: direct conversation participants are immutable")

const conversationColumns = `conversation_id, kind, participants, last_message_text, last_message_sender_id,
	last_message_at, created_at, updated_at`

// UpsertConversation inserts or updates a conversation. Participants of a direct
// conversation are kept once set, updated_at never decreases and the summary
// is only replaced by a newer one.
func (db *DB) UpsertConversation(ctx context.Context, c *Conversation) error {
	if c.Kind == "" {
		c.Kind = KindDirect
	}
	participants, err := encodeParticipants(c.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	createdAt := c.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			kind = excluded.kind,
			participants = CASE
				WHEN conversations.kind = 'direct' AND conversations.participants != '[]' THEN conversations.participants
				ELSE excluded.participants END,
			last_message_text = CASE WHEN excluded.last_message_at >= conversations.last_message_at AND excluded.last_message_at > 0
				THEN excluded.last_message_text ELSE conversations.last_message_text END,
			last_message_sender_id = CASE WHEN excluded.last_message_at >= conversations.last_message_at AND excluded.last_message_at > 0
				THEN excluded.last_message_sender_id ELSE conversations.last_message_sender_id END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			updated_at = MAX(conversations.updated_at, excluded.updated_at)`,
		c.ID, c.Kind, participants, c.LastMessage.Text, c.LastMessage.SenderID,
		c.LastMessage.Timestamp, createdAt, c.UpdatedAt)
	return err
}

// UpdateConversationFields applies a partial update to a conversation.
func (db *DB) UpdateConversationFields(ctx context.Context, id string, p ConversationPatch) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := getConversation(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("conversation %q: %w", id, ErrNotFound)
		}
		if p.Participants != nil {
			if cur.Kind == KindDirect && len(cur.Participants) > 0 {
				return ErrParticipantsImmutable
			}
			participants, err := encodeParticipants(p.Participants)
			if err != nil {
				return fmt.Errorf("encode participants: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE conversations SET participants = ? WHERE conversation_id = ?`, participants, id); err != nil {
				return fmt.Errorf("update participants: %w", err)
			}
		}
		if p.LastMessage != nil {
			if err := applySummary(ctx, tx, id, *p.LastMessage); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetConversation returns a single conversation by ID, or nil if missing.
func (db *DB) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return getConversation(ctx, db, id)
}

// ListConversations returns conversations by recency: newest message first,
// conversations without messages ordered by creation time.
func (db *DB) ListConversations(ctx context.Context, limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		ORDER BY MAX(updated_at, created_at) DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// applySummary replaces the summary when the message is at least as new as the
// conversation's updated_at. Older messages leave the conversation untouched.
func applySummary(ctx context.Context, q querier, conversationID string, s Summary) error {
	_, err := q.ExecContext(ctx, `
		UPDATE conversations SET
			last_message_text = ?,
			last_message_sender_id = ?,
			last_message_at = ?,
			updated_at = ?
		WHERE conversation_id = ? AND ? >= updated_at`,
		s.Text, s.SenderID, s.Timestamp, s.Timestamp, conversationID, s.Timestamp)
	if err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	return nil
}

// ensureConversation creates a placeholder row so inbound messages for an
// unknown conversation satisfy the foreign key.
func ensureConversation(ctx context.Context, q querier, id string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO conversations (conversation_id, kind, participants, created_at, updated_at)
		VALUES (?, 'direct', '[]', ?, 0)
		ON CONFLICT(conversation_id) DO NOTHING`, id, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	return nil
}

func getConversation(ctx context.Context, q querier, id string) (*Conversation, error) {
	c, err := scanConversation(q.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE conversation_id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(r rowScanner) (*Conversation, error) {
	var (
		c            Conversation
		participants string
	)
	if err := r.Scan(&c.ID, &c.Kind, &participants, &c.LastMessage.Text, &c.LastMessage.SenderID,
		&c.LastMessage.Timestamp, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return nil, fmt.Errorf("decode participants of %q: %w", c.ID, err)
	}
	return &c, nil
}

func encodeParticipants(p []string) (string, error) {
	if p == nil {
		p = []string{}
	}
	return encodeJSON(p)
}
