// Package outbox implements the persisted retry queue for messages that have
// not been confirmed by the remote store.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/worldchat/internal/metrics"
	"github.com/matheus3301/worldchat/internal/remote"
	"github.com/matheus3301/worldchat/internal/store"
	"go.uber.org/zap"
)

// MaxRetries is the retry ceiling. An item whose retry count exceeds it is
// parked: kept for inspection but skipped by automatic drains.
const MaxRetries = 3

// ErrNotQueued is returned when addressing an item that is not in the queue.
var ErrNotQueued = errors.New("outbox: item not queued")

// Item is a pending delivery. QueueID equals the message ID.
type Item struct {
	QueueID        string
	ConversationID string
	Payload        store.Message
	RetryCount     int
	CreatedAt      int64
	LastAttemptAt  *int64
	NextAttemptAt  int64
	Parked         bool
	LastError      string
}

// Publisher sends a message to the remote store.
type Publisher interface {
	Publish(ctx context.Context, m *store.Message) (remote.Ack, error)
}

// Options tune backoff and drain parallelism.
type Options struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Concurrency int
	// Now and Jitter are replaceable for tests.
	Now    func() time.Time
	Jitter func(d time.Duration) time.Duration
}

func (o Options) withDefaults() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = 2 * time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 5 * time.Minute
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Jitter == nil {
		o.Jitter = func(d time.Duration) time.Duration {
			if d <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(d)/5 + 1))
		}
	}
	return o
}

// Queue is the OutboxQueue. It owns the outbox table; nothing else writes it.
type Queue struct {
	db     *store.DB
	pub    Publisher
	logger *zap.Logger
	opts   Options

	draining atomic.Bool

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a queue over the store's outbox table.
func New(db *store.DB, pub Publisher, logger *zap.Logger, opts Options) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		db:       db,
		pub:      pub,
		logger:   logger,
		opts:     opts.withDefaults(),
		inflight: make(map[string]struct{}),
	}
}

// MinDelay is the minimum wait before attempt number retryCount+1:
// base * 2^retryCount, capped at max.
func MinDelay(base, maxDelay time.Duration, retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}

// Backoff returns the minimum delay for the queue's configuration.
func (q *Queue) Backoff(retryCount int) time.Duration {
	return MinDelay(q.opts.BaseDelay, q.opts.MaxDelay, retryCount)
}

// Enqueue adds a message to the queue. Re-enqueuing a queued message replaces
// its payload but keeps retry count and creation time.
func (q *Queue) Enqueue(ctx context.Context, m *store.Message) (*Item, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	now := q.opts.Now().UnixMilli()
	if _, err := q.db.ExecContext(ctx, `
		INSERT INTO outbox (queue_id, conversation_id, payload, retry_count, created_at, next_attempt_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(queue_id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			payload = excluded.payload`,
		m.ID, m.ConversationID, string(payload), now, now); err != nil {
		return nil, fmt.Errorf("enqueue %q: %w", m.ID, err)
	}
	metrics.OutboxEnqueued.Inc()
	return q.Get(ctx, m.ID)
}

// Remove deletes an item. Removing a missing item is not an error.
func (q *Queue) Remove(ctx context.Context, queueID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM outbox WHERE queue_id = ?`, queueID)
	return err
}

// BumpRetry records a failed attempt. It returns the new retry count and
// whether the item is now parked.
func (q *Queue) BumpRetry(ctx context.Context, queueID string, cause error) (int, bool, error) {
	var (
		count  int
		parked bool
	)
	now := q.opts.Now()
	lastErr := ""
	if cause != nil {
		lastErr = truncate(cause.Error(), 255)
	}
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT retry_count FROM outbox WHERE queue_id = ?`, queueID).Scan(&count); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotQueued
			}
			return err
		}
		count++
		parked = count > MaxRetries
		delay := q.Backoff(count)
		next := now.Add(delay + q.opts.Jitter(delay)).UnixMilli()
		_, err := tx.ExecContext(ctx, `
			UPDATE outbox SET retry_count = ?, last_attempt_at = ?, next_attempt_at = ?, parked = ?, last_error = ?
			WHERE queue_id = ?`,
			count, now.UnixMilli(), next, parked, lastErr, queueID)
		return err
	})
	if err != nil {
		return 0, false, err
	}
	metrics.OutboxRetries.Inc()
	return count, parked, nil
}

// Resend un-parks an item so the next drain attempts it again from a zero
// retry count.
func (q *Queue) Resend(ctx context.Context, queueID string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE outbox SET retry_count = 0, parked = 0, next_attempt_at = ?, last_error = ''
		WHERE queue_id = ?`, q.opts.Now().UnixMilli(), queueID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotQueued
	}
	return nil
}

// Get returns a queued item, or nil if missing.
func (q *Queue) Get(ctx context.Context, queueID string) (*Item, error) {
	items, err := q.query(ctx, `WHERE queue_id = ?`, queueID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// List returns every queued item, oldest first.
func (q *Queue) List(ctx context.Context) ([]Item, error) {
	return q.query(ctx, `ORDER BY created_at ASC, queue_id ASC`)
}

// NeedsAttention returns parked items waiting for a manual resend.
func (q *Queue) NeedsAttention(ctx context.Context) ([]Item, error) {
	return q.query(ctx, `WHERE parked = 1 ORDER BY created_at ASC, queue_id ASC`)
}

// Counts returns the number of drainable and parked items.
func (q *Queue) Counts(ctx context.Context) (pending, parked int64, err error) {
	err = q.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN parked = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN parked = 1 THEN 1 ELSE 0 END), 0)
		FROM outbox`).Scan(&pending, &parked)
	return pending, parked, err
}

// due selects up to limit unparked items, oldest first. Unless force is set,
// items still inside their backoff window are skipped.
func (q *Queue) due(ctx context.Context, limit int, force bool) ([]Item, error) {
	if limit <= 0 {
		limit = 20
	}
	return q.query(ctx, `
		WHERE parked = 0 AND (? OR next_attempt_at <= ?)
		ORDER BY created_at ASC, queue_id ASC
		LIMIT ?`, force, q.opts.Now().UnixMilli(), limit)
}

func (q *Queue) query(ctx context.Context, where string, args ...any) ([]Item, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT queue_id, conversation_id, payload, retry_count, created_at, last_attempt_at,
		       next_attempt_at, parked, last_error
		FROM outbox `+where, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []Item
	for rows.Next() {
		var (
			it      Item
			payload string
			last    sql.NullInt64
		)
		if err := rows.Scan(&it.QueueID, &it.ConversationID, &payload, &it.RetryCount, &it.CreatedAt,
			&last, &it.NextAttemptAt, &it.Parked, &it.LastError); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &it.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %q: %w", it.QueueID, err)
		}
		if last.Valid {
			v := last.Int64
			it.LastAttemptAt = &v
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// acquire marks an item in flight. It reports false if another attempt for the
// same item is outstanding.
func (q *Queue) acquire(queueID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.inflight[queueID]; busy {
		return false
	}
	q.inflight[queueID] = struct{}{}
	return true
}

func (q *Queue) release(queueID string) {
	q.mu.Lock()
	delete(q.inflight, queueID)
	q.mu.Unlock()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
