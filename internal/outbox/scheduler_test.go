package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/matheus3301/worldchat/internal/bus"
)

type drainCall struct {
	force bool
}

type fakeDrainer struct {
	calls  chan drainCall
	report DrainReport
}

func (f *fakeDrainer) DrainOutbox(_ context.Context, force bool) (DrainReport, error) {
	f.calls <- drainCall{force: force}
	return f.report, nil
}

func waitDrain(t *testing.T, calls <-chan drainCall) drainCall {
	t.Helper()
	select {
	case c := <-calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for drain")
	}
	return drainCall{}
}

func TestNewSchedulerRejectsBadSpec(t *testing.T) {
	if _, err := NewScheduler(&fakeDrainer{}, nil, nil, "every now and then"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSchedulerRunsOnSchedule(t *testing.T) {
	d := &fakeDrainer{calls: make(chan drainCall, 4)}
	s, err := NewScheduler(d, nil, nil, "@every 50ms")
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop()

	if c := waitDrain(t, d.calls); c.force {
		t.Error("scheduled drain should respect backoff")
	}
}

func TestSchedulerForcesDrainOnReconnect(t *testing.T) {
	b := bus.New()
	d := &fakeDrainer{calls: make(chan drainCall, 4)}
	s, err := NewScheduler(d, b, nil, "@every 1h")
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop()

	b.Emit(bus.SyncMerged, nil)
	b.Emit(bus.SyncConnected, nil)

	if c := waitDrain(t, d.calls); !c.force {
		t.Error("reconnect drain should be forced")
	}
	select {
	case c := <-d.calls:
		t.Errorf("unexpected drain %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSchedulerDrainsOnRequestEvent(t *testing.T) {
	b := bus.New()
	d := &fakeDrainer{calls: make(chan drainCall, 4)}
	s, err := NewScheduler(d, b, nil, "@every 1h")
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop()

	b.Emit(bus.OutboxDrainWanted, "m1")
	if c := waitDrain(t, d.calls); !c.force {
		t.Error("requested drain should be forced")
	}
}

func TestSchedulerTrigger(t *testing.T) {
	d := &fakeDrainer{calls: make(chan drainCall, 4)}
	s, err := NewScheduler(d, nil, nil, "@every 1h")
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	s.Start(context.Background())
	defer s.Stop()

	s.Trigger(TriggerManual, true)
	if c := waitDrain(t, d.calls); !c.force {
		t.Error("manual forced trigger lost its force flag")
	}
	s.Trigger(TriggerManual, false)
	if c := waitDrain(t, d.calls); c.force {
		t.Error("force flag leaked into the next trigger")
	}
}

func TestSchedulerLeavesAttentionToHooks(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe("outbox.", 4)
	defer unsub()

	d := &fakeDrainer{calls: make(chan drainCall, 4), report: DrainReport{Parked: 2}}
	s, err := NewScheduler(d, b, nil, "@every 1h")
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop()

	s.Trigger(TriggerManual, false)
	waitDrain(t, d.calls)

	select {
	case evt := <-events:
		t.Errorf("unexpected event %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

// gatedDrainer blocks every drain until release is closed.
type gatedDrainer struct {
	calls   chan drainCall
	release chan struct{}
}

func (g *gatedDrainer) DrainOutbox(ctx context.Context, force bool) (DrainReport, error) {
	g.calls <- drainCall{force: force}
	select {
	case <-g.release:
	case <-ctx.Done():
	}
	return DrainReport{}, nil
}

func TestSchedulerKeepsReconnectDuringEventFlood(t *testing.T) {
	b := bus.New()
	d := &gatedDrainer{calls: make(chan drainCall, 4), release: make(chan struct{})}
	s, err := NewScheduler(d, b, nil, "@every 1h")
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop()

	s.Trigger(TriggerManual, false)
	if c := waitDrain(t, d.calls); c.force {
		t.Fatal("first drain should not be forced")
	}

	for i := 0; i < 200; i++ {
		b.Emit(bus.SyncMerged, i)
		b.Emit(bus.MessageUpserted, i)
	}
	b.Emit(bus.SyncConnected, nil)
	close(d.release)

	if c := waitDrain(t, d.calls); !c.force {
		t.Error("reconnect drain was lost or not forced")
	}
}

func TestSchedulerStopWithoutStart(t *testing.T) {
	s, err := NewScheduler(&fakeDrainer{}, nil, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	s.Stop()
}
