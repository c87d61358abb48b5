package store

import (
	"context"
	"database/sql"
	"time"
)

const mergeCheckpointPrefix = "merged_at:"

// AdvanceMergeCheckpoint records the newest remote timestamp merged for a
// conversation. The stored value only moves forward.
func (db *DB) AdvanceMergeCheckpoint(ctx context.Context, conversationID string, ts int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = MAX(sync_state.value, excluded.value),
			updated_at = excluded.updated_at`,
		mergeCheckpointPrefix+conversationID, ts, time.Now().UnixMilli())
	return err
}

// MergeCheckpoint returns the newest merged remote timestamp for a
// conversation, or 0 if nothing was merged yet.
func (db *DB) MergeCheckpoint(ctx context.Context, conversationID string) (int64, error) {
	var ts int64
	err := db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`,
		mergeCheckpointPrefix+conversationID).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return ts, err
}

// LastMergeAt returns the most recent checkpoint write across conversations.
func (db *DB) LastMergeAt(ctx context.Context) (int64, error) {
	var ts sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MAX(updated_at) FROM sync_state WHERE key LIKE ?`,
		mergeCheckpointPrefix+"%").Scan(&ts)
	if err != nil {
		return 0, err
	}
	return ts.Int64, nil
}
