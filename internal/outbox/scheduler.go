package outbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/worldchat/internal/bus"
	"github.com/matheus3301/worldchat/internal/metrics"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Drain triggers, used as the metrics label.
const (
	TriggerSchedule  = "schedule"
	TriggerReconnect = "reconnect"
	TriggerManual    = "manual"
)

// DefaultSchedule is used when no drain schedule is configured.
const DefaultSchedule = "@every 15s"

// cronParser accepts 5-field expressions and descriptors such as "@every 15s".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Drainer runs one drain pass.
type Drainer interface {
	DrainOutbox(ctx context.Context, force bool) (DrainReport, error)
}

// Scheduler triggers drains on a cron schedule, on reconnect (sync.connected)
// and on request (Trigger or outbox.drain_requested).
// Requests arriving while a drain runs collapse into one follow-up pass, and a
// forced request is never downgraded by the collapse.
type Scheduler struct {
	drainer  Drainer
	bus      *bus.Bus
	logger   *zap.Logger
	schedule cron.Schedule

	kick    chan string
	force   atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// NewScheduler parses spec and returns a stopped scheduler.
func NewScheduler(d Drainer, b *bus.Bus, logger *zap.Logger, spec string) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse drain schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		drainer:  d,
		bus:      b,
		logger:   logger,
		schedule: sched,
		kick:     make(chan string, 1),
	}, nil
}

// Start begins the scheduling loop. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	if s.bus != nil {
		s.forward(ctx, bus.SyncConnected, TriggerReconnect)
		s.forward(ctx, bus.OutboxDrainWanted, TriggerManual)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
}

// forward turns every event of kind into a forced Trigger. It runs apart
// from the drain loop so a long drain never backs up the subscription.
func (s *Scheduler) forward(ctx context.Context, kind, trigger string) {
	events, unsub := s.bus.Subscribe(kind, 8)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-events:
				if evt.Kind == kind {
					s.Trigger(trigger, true)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the loop and waits for an in-progress drain to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Trigger requests a drain. It never blocks.
func (s *Scheduler) Trigger(trigger string, force bool) {
	if force {
		s.force.Store(true)
	}
	select {
	case s.kick <- trigger:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	timer := time.NewTimer(time.Until(s.schedule.Next(time.Now())))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.run(ctx, TriggerSchedule, false)
			timer.Reset(time.Until(s.schedule.Next(time.Now())))
		case trigger := <-s.kick:
			s.run(ctx, trigger, s.force.Swap(false))
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) run(ctx context.Context, trigger string, force bool) {
	metrics.DrainRuns.WithLabelValues(trigger).Inc()
	report, err := s.drainer.DrainOutbox(ctx, force)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("outbox drain failed", zap.String("trigger", trigger), zap.Error(err))
		return
	}
	if report.Parked > 0 {
		s.logger.Debug("outbox drain parked items", zap.String("trigger", trigger), zap.Int("parked", report.Parked))
	}
}
