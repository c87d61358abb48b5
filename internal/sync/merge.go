package sync

import (
	"context"
	"fmt"
	"slices"
	gosync "sync"
	"sync/atomic"

	"github.com/matheus3301/worldchat/internal/bus"
	"github.com/matheus3301/worldchat/internal/metrics"
	"github.com/matheus3301/worldchat/internal/remote"
	"github.com/matheus3301/worldchat/internal/store"
	"go.uber.org/zap"
)

// ViewFunc receives the latest page of a conversation, oldest first, after
// each merged batch.
type ViewFunc func(view []store.Message)

// View is the payload of message.view events.
type View struct {
	ConversationID string
	Messages       []store.Message
}

// MergeInbound applies a snapshot batch to the store without regressing any
// message, removes outbox items the batch confirms, and returns the latest
// page oldest first. The batch is applied atomically.
func (o *Orchestrator) MergeInbound(ctx context.Context, conversationID string, records []remote.Record) ([]store.Message, error) {
	msgs := make([]*store.Message, 0, len(records))
	var newest int64
	for _, rec := range records {
		if rec.ConversationID == "" {
			rec.ConversationID = conversationID
		}
		if rec.ConversationID != conversationID || rec.MessageID == "" {
			o.logger.Warn("dropping foreign snapshot record",
				zap.String("conversation_id", conversationID), zap.String("record_conversation_id", rec.ConversationID),
				zap.String("message_id", rec.MessageID))
			continue
		}
		msgs = append(msgs, rec.Message())
		newest = max(newest, rec.Timestamp)
	}

	unlock := o.convLocks.Lock(conversationID)
	defer unlock()

	if err := o.db.UpsertMessages(ctx, msgs); err != nil {
		return nil, fmt.Errorf("merge snapshot: %w", err)
	}
	for _, m := range msgs {
		// The remote holds the message, so any pending delivery is done.
		if err := o.queue.Remove(ctx, m.ID); err != nil {
			o.logger.Warn("failed to drop confirmed outbox item", zap.String("message_id", m.ID), zap.Error(err))
		}
	}
	if newest > 0 {
		if err := o.db.AdvanceMergeCheckpoint(ctx, conversationID, newest); err != nil {
			o.logger.Warn("failed to advance merge checkpoint", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	metrics.InboundMerged.Add(float64(len(msgs)))

	page, err := o.db.ListMessages(ctx, conversationID, o.opts.PageSize, 0)
	if err != nil {
		return nil, fmt.Errorf("load view: %w", err)
	}
	slices.Reverse(page)
	o.bus.Emit(bus.SyncMerged, View{ConversationID: conversationID, Messages: page})
	return page, nil
}

// Subscribe follows a conversation on the remote store. Batches are merged in
// delivery order by one goroutine per subscription and fn sees one view per
// batch. After unsubscribe returns, or ctx ends, nothing more is merged or
// delivered. fn must not call unsubscribe itself.
func (o *Orchestrator) Subscribe(ctx context.Context, conversationID string, fn ViewFunc) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &subscription{
		o:              o,
		conversationID: conversationID,
		fn:             fn,
		wake:           make(chan struct{}, 1),
		cancel:         cancel,
	}

	remoteUnsub, err := o.remote.Subscribe(ctx, conversationID, s.enqueue)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", conversationID, err)
	}
	s.remoteUnsub = remoteUnsub

	s.wg.Add(1)
	go s.run(ctx)
	return s.close, nil
}

type subscription struct {
	o              *Orchestrator
	conversationID string
	fn             ViewFunc

	mu      gosync.Mutex
	pending [][]remote.Record
	wake    chan struct{}

	// deliverMu makes close wait for a delivery in progress.
	deliverMu gosync.Mutex
	closed    atomic.Bool

	cancel      context.CancelFunc
	remoteUnsub func()
	once        gosync.Once
	wg          gosync.WaitGroup
}

func (s *subscription) enqueue(records []remote.Record) {
	if s.closed.Load() {
		metrics.SnapshotsDiscarded.Inc()
		return
	}
	s.mu.Lock()
	s.pending = append(s.pending, records)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) next() ([]remote.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, false
	}
	batch := s.pending[0]
	s.pending = s.pending[1:]
	return batch, true
}

func (s *subscription) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.wake:
			for {
				batch, ok := s.next()
				if !ok {
					break
				}
				s.apply(ctx, batch)
			}
		case <-ctx.Done():
			go s.close()
			return
		}
	}
}

func (s *subscription) apply(ctx context.Context, batch []remote.Record) {
	if s.closed.Load() {
		metrics.SnapshotsDiscarded.Inc()
		return
	}
	view, err := s.o.MergeInbound(ctx, s.conversationID, batch)
	if err != nil {
		if ctx.Err() == nil {
			s.o.logger.Error("failed to merge snapshot", zap.String("conversation_id", s.conversationID), zap.Error(err))
		}
		return
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.closed.Load() {
		metrics.SnapshotsDiscarded.Inc()
		return
	}
	if s.fn != nil {
		s.fn(view)
	}
}

func (s *subscription) close() {
	s.once.Do(func() {
		s.deliverMu.Lock()
		s.closed.Store(true)
		s.deliverMu.Unlock()

		s.cancel()
		if s.remoteUnsub != nil {
			s.remoteUnsub()
		}
		s.mu.Lock()
		dropped := len(s.pending)
		s.pending = nil
		s.mu.Unlock()
		metrics.SnapshotsDiscarded.Add(float64(dropped))
		s.wg.Wait()
	})
}

// Follow keeps a background subscription on a conversation so its cache stays
// current. Following an already followed conversation is a no-op.
func (o *Orchestrator) Follow(ctx context.Context, conversationID string) error {
	o.followMu.Lock()
	defer o.followMu.Unlock()
	if _, ok := o.following[conversationID]; ok {
		return nil
	}
	unsub, err := o.Subscribe(context.WithoutCancel(ctx), conversationID, nil)
	if err != nil {
		return err
	}
	o.following[conversationID] = unsub
	return nil
}

// FollowAll follows every cached conversation.
func (o *Orchestrator) FollowAll(ctx context.Context) error {
	const page = 200
	for offset := 0; ; offset += page {
		convs, err := o.db.ListConversations(ctx, page, offset)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		for _, c := range convs {
			if err := o.Follow(ctx, c.ID); err != nil {
				return err
			}
		}
		if len(convs) < page {
			return nil
		}
	}
}

// Close ends all background subscriptions.
func (o *Orchestrator) Close() {
	o.followMu.Lock()
	defer o.followMu.Unlock()
	for id, unsub := range o.following {
		unsub()
		delete(o.following, id)
	}
}
