// Package sync coordinates optimistic local writes, remote publishes, the
// outbox fallback and inbound snapshot merges.
package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/matheus3301/worldchat/internal/bus"
	"github.com/matheus3301/worldchat/internal/media"
	"github.com/matheus3301/worldchat/internal/outbox"
	"github.com/matheus3301/worldchat/internal/remote"
	"github.com/matheus3301/worldchat/internal/store"
	"go.uber.org/zap"
)

// Options tune the orchestrator.
type Options struct {
	// UserID is the acting user, used when a caller passes no sender.
	UserID string
	// PageSize is the size of the view delivered after each merge.
	PageSize int
	// BatchSize caps the items attempted per outbox drain.
	BatchSize int
	Now       func() time.Time
}

// Orchestrator is the SyncOrchestrator. It holds no state of its own beyond
// per-conversation locks and live subscriptions; everything durable lives in
// the store and the outbox queue.
type Orchestrator struct {
	db     *store.DB
	queue  *outbox.Queue
	remote remote.Channel
	media  media.Uploader
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	convLocks keyedMutex

	followMu  gosync.Mutex
	following map[string]func()
}

// New returns an orchestrator. queue must publish through ch.
func New(db *store.DB, queue *outbox.Queue, ch remote.Channel, up media.Uploader, b *bus.Bus, logger *zap.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		db:        db,
		queue:     queue,
		remote:    ch,
		media:     up,
		bus:       b,
		logger:    logger,
		opts:      opts,
		following: make(map[string]func()),
	}
}

// DrainOutbox runs one drain pass. Confirmations and rejections flow back into
// the message state machine.
func (o *Orchestrator) DrainOutbox(ctx context.Context, force bool) (outbox.DrainReport, error) {
	return o.queue.Drain(ctx, outbox.DrainRequest{
		MaxBatch: o.opts.BatchSize,
		Force:    force,
		Hooks: outbox.Hooks{
			Confirmed: o.confirm,
			Rejected: func(ctx context.Context, m *store.Message, cause error) error {
				return o.reject(ctx, m, cause)
			},
			Parked: func(_ context.Context, it outbox.Item) {
				o.bus.Emit(bus.OutboxAttention, it.QueueID)
			},
		},
	})
}

// Resend un-parks an outbox item and asks for a forced drain.
func (o *Orchestrator) Resend(ctx context.Context, messageID string) error {
	if err := o.queue.Resend(ctx, messageID); err != nil {
		return err
	}
	o.logger.Info("outbox item resent", zap.String("message_id", messageID))
	o.bus.Emit(bus.OutboxDrainWanted, messageID)
	return nil
}

// NeedsAttention lists outbox items that exhausted their retries.
func (o *Orchestrator) NeedsAttention(ctx context.Context) ([]outbox.Item, error) {
	return o.queue.NeedsAttention(ctx)
}

// Outbox lists every queued item.
func (o *Orchestrator) Outbox(ctx context.Context) ([]outbox.Item, error) {
	return o.queue.List(ctx)
}

// Status is a point-in-time summary of the local cache.
type Status struct {
	Conversations int64
	Messages      int64
	Pending       int64
	Parked        int64
	LastMergeAt   int64
}

func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	var (
		s   Status
		err error
	)
	if s.Conversations, err = o.db.ConversationCount(ctx); err != nil {
		return s, fmt.Errorf("count conversations: %w", err)
	}
	if s.Messages, err = o.db.MessageCount(ctx); err != nil {
		return s, fmt.Errorf("count messages: %w", err)
	}
	if s.Pending, s.Parked, err = o.queue.Counts(ctx); err != nil {
		return s, fmt.Errorf("count outbox: %w", err)
	}
	if s.LastMergeAt, err = o.db.LastMergeAt(ctx); err != nil {
		return s, fmt.Errorf("read merge checkpoint: %w", err)
	}
	return s, nil
}

// MergeCheckpoint returns the newest merged remote timestamp for a conversation.
func (o *Orchestrator) MergeCheckpoint(ctx context.Context, conversationID string) (int64, error) {
	return o.db.MergeCheckpoint(ctx, conversationID)
}

func (o *Orchestrator) now() int64 { return o.opts.Now().UnixMilli() }
