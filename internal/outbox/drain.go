package outbox

import (
	"context"
	"errors"
	"sync"

	"github.com/matheus3301/worldchat/internal/metrics"
	"github.com/matheus3301/worldchat/internal/remote"
	"github.com/matheus3301/worldchat/internal/store"
	"go.uber.org/zap"
)

// Hooks receive drain outcomes. Any of them may be nil.
type Hooks struct {
	// Confirmed runs after a successful publish and before the item is
	// removed. If it fails the item stays queued and the next drain
	// republishes it, which the remote treats as a no-op.
	Confirmed func(ctx context.Context, m *store.Message, ack remote.Ack) error
	// Rejected runs after a permanent rejection; the item is removed.
	Rejected func(ctx context.Context, m *store.Message, cause error) error
	// Parked runs when an item exhausts the retry ceiling.
	Parked func(ctx context.Context, it Item)
}

// DrainRequest configures one drain pass.
type DrainRequest struct {
	MaxBatch int
	// Force ignores backoff windows, e.g. right after a reconnect.
	Force bool
	Hooks Hooks
}

// DrainReport summarizes a drain pass.
type DrainReport struct {
	Coalesced bool
	Attempted int
	Published int
	Retried   int
	Rejected  int
	Parked    int
	Skipped   int
	Errors    int
}

type outcome int

const (
	outcomePublished outcome = iota
	outcomeRetried
	outcomeRejected
	outcomeParked
	outcomeSkipped
	outcomeError
)

func (r *DrainReport) add(o outcome) {
	switch o {
	case outcomePublished:
		r.Published++
	case outcomeRetried:
		r.Retried++
	case outcomeRejected:
		r.Rejected++
	case outcomeParked:
		r.Parked++
	case outcomeSkipped:
		r.Skipped++
	case outcomeError:
		r.Errors++
	}
}

// Drain attempts up to req.MaxBatch pending items, oldest first. Only one drain
// runs at a time; a call arriving while another is active returns immediately
// with Coalesced set.
func (q *Queue) Drain(ctx context.Context, req DrainRequest) (DrainReport, error) {
	if !q.draining.CompareAndSwap(false, true) {
		metrics.DrainCoalesced.Inc()
		return DrainReport{Coalesced: true}, nil
	}
	defer q.draining.Store(false)

	items, err := q.due(ctx, req.MaxBatch, req.Force)
	if err != nil {
		return DrainReport{}, err
	}

	var (
		report DrainReport
		mu     sync.Mutex
		wg     sync.WaitGroup
		sem    = make(chan struct{}, q.opts.Concurrency)
	)
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		if !q.acquire(it.QueueID) {
			report.Skipped++
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		report.Attempted++
		go func(it Item) {
			defer wg.Done()
			defer func() { <-sem }()
			defer q.release(it.QueueID)

			o := q.attempt(ctx, it, req.Hooks)
			mu.Lock()
			report.add(o)
			mu.Unlock()
		}(it)
	}
	wg.Wait()

	if report.Attempted > 0 {
		q.logger.Info("outbox drained",
			zap.Int("attempted", report.Attempted),
			zap.Int("published", report.Published),
			zap.Int("retried", report.Retried),
			zap.Int("rejected", report.Rejected),
			zap.Int("parked", report.Parked))
	}
	return report, ctx.Err()
}

func (q *Queue) attempt(ctx context.Context, it Item, h Hooks) outcome {
	msg := it.Payload
	log := q.logger.With(zap.String("message_id", it.QueueID), zap.Int("retry_count", it.RetryCount))

	ack, err := q.pub.Publish(ctx, &msg)
	switch remote.Classify(err) {
	case remote.ClassNone:
		metrics.PublishOK.Inc()
		if h.Confirmed != nil {
			if err := h.Confirmed(ctx, &msg, ack); err != nil {
				log.Error("failed to confirm published message", zap.Error(err))
				return outcomeError
			}
		}
		if err := q.Remove(ctx, it.QueueID); err != nil {
			log.Error("failed to remove published item", zap.Error(err))
			return outcomeError
		}
		return outcomePublished

	case remote.ClassPermanent:
		metrics.PublishPermanent.Inc()
		log.Warn("message rejected by remote", zap.Error(err))
		if h.Rejected != nil {
			if herr := h.Rejected(ctx, &msg, err); herr != nil {
				log.Error("failed to record rejection", zap.Error(herr))
				return outcomeError
			}
		}
		if err := q.Remove(ctx, it.QueueID); err != nil {
			log.Error("failed to remove rejected item", zap.Error(err))
			return outcomeError
		}
		return outcomeRejected

	default:
		metrics.PublishTransient.Inc()
		count, parked, berr := q.BumpRetry(ctx, it.QueueID, err)
		if errors.Is(berr, ErrNotQueued) {
			// Confirmed by an inbound snapshot while the attempt was in flight.
			return outcomeSkipped
		}
		if berr != nil {
			log.Error("failed to bump retry", zap.Error(berr))
			return outcomeError
		}
		if parked {
			metrics.OutboxParked.Inc()
			log.Warn("outbox item needs manual resend", zap.Int("attempts", count), zap.Error(err))
			if h.Parked != nil {
				it.RetryCount = count
				it.Parked = true
				it.LastError = truncate(err.Error(), 255)
				h.Parked(ctx, it)
			}
			return outcomeParked
		}
		log.Info("outbox publish failed, will retry", zap.Int("attempt", count), zap.Duration("backoff", q.Backoff(count)), zap.Error(err))
		return outcomeRetried
	}
}
