package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const messageColumns = `message_id, conversation_id, sender_id, sender_name, body, kind, timestamp, status, read_by, failure`

// UpsertMessage inserts or replaces a message keyed by message_id. Stored status
// never regresses and read receipts are merged as a union. When the message is
// at least as new as its conversation's updated_at, the conversation summary is
// recomputed in the same transaction.
func (db *DB) UpsertMessage(ctx context.Context, m *Message) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		return upsertMessage(ctx, tx, m)
	})
}

// UpsertMessages applies a batch of upserts atomically, in slice order.
func (db *DB) UpsertMessages(ctx context.Context, msgs []*Message) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, m := range msgs {
			if err := upsertMessage(ctx, tx, m); err != nil {
				return fmt.Errorf("upsert %q: %w", m.ID, err)
			}
		}
		return nil
	})
}

func upsertMessage(ctx context.Context, tx *sql.Tx, m *Message) error {
	if m.ID == "" || m.ConversationID == "" {
		return fmt.Errorf("message requires id and conversation id")
	}
	merged := *m
	if merged.Kind == "" {
		merged.Kind = KindText
	}
	existing, err := getMessage(ctx, tx, m.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		merged.Status = MaxStatus(existing.Status, m.Status)
		merged.ReadBy = mergeReadBy(existing.ReadBy, m.ReadBy)
	}
	if !merged.Status.Valid() {
		return fmt.Errorf("invalid status %q", m.Status)
	}
	readBy, err := encodeReadBy(merged.ReadBy)
	if err != nil {
		return fmt.Errorf("encode read_by: %w", err)
	}

	if err := ensureConversation(ctx, tx, merged.ConversationID); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			sender_id = excluded.sender_id,
			sender_name = excluded.sender_name,
			body = excluded.body,
			kind = excluded.kind,
			timestamp = excluded.timestamp,
			status = excluded.status,
			read_by = excluded.read_by,
			failure = excluded.failure,
			updated_at = excluded.updated_at`,
		merged.ID, merged.ConversationID, merged.SenderID, merged.SenderName, merged.Body, merged.Kind,
		merged.Timestamp, merged.Status, readBy, merged.Failure, now, now); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	return applySummary(ctx, tx, merged.ConversationID, Summary{
		Text:      merged.SummaryText(),
		SenderID:  merged.SenderID,
		Timestamp: merged.Timestamp,
	})
}

// UpdateMessageFields applies a partial update. Status follows the same
// monotonic rule as UpsertMessage and read receipts are merged.
func (db *DB) UpdateMessageFields(ctx context.Context, id string, p MessagePatch) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := getMessage(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return fmt.Errorf("message %q: %w", id, ErrNotFound)
		}
		if p.Status != "" {
			if !p.Status.Valid() {
				return fmt.Errorf("invalid status %q", p.Status)
			}
			cur.Status = MaxStatus(cur.Status, p.Status)
		}
		if p.ReadBy != nil {
			cur.ReadBy = mergeReadBy(cur.ReadBy, p.ReadBy)
		}
		if p.Failure != nil {
			cur.Failure = *p.Failure
		}
		readBy, err := encodeReadBy(cur.ReadBy)
		if err != nil {
			return fmt.Errorf("encode read_by: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE messages SET status = ?, read_by = ?, failure = ?, updated_at = ?
			WHERE message_id = ?`,
			cur.Status, readBy, cur.Failure, time.Now().UnixMilli(), id)
		return err
	})
}

// GetMessage returns a message by ID, or nil if missing.
func (db *DB) GetMessage(ctx context.Context, id string) (*Message, error) {
	return getMessage(ctx, db, id)
}

// ListMessages returns messages for a conversation newest first using keyset
// pagination: only messages strictly older than beforeTs are returned when
// beforeTs > 0.
func (db *DB) ListMessages(ctx context.Context, conversationID string, limit int, beforeTs int64) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if beforeTs > 0 {
		q += ` AND timestamp < ?`
		args = append(args, beforeTs)
	}
	q += ` ORDER BY timestamp DESC, message_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func getMessage(ctx context.Context, q querier, id string) (*Message, error) {
	m, err := scanMessage(q.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func scanMessage(r rowScanner) (*Message, error) {
	var (
		m      Message
		readBy string
	)
	if err := r.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Body, &m.Kind,
		&m.Timestamp, &m.Status, &readBy, &m.Failure); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(readBy), &m.ReadBy); err != nil {
		return nil, fmt.Errorf("decode read_by of %q: %w", m.ID, err)
	}
	if len(m.ReadBy) == 0 {
		m.ReadBy = nil
	}
	return &m, nil
}

func encodeReadBy(r map[string]int64) (string, error) {
	if r == nil {
		return "{}", nil
	}
	return encodeJSON(r)
}
