package daemon

import (
	"context"

	"github.com/matheus3301/worldchat/internal/bus"
	"github.com/matheus3301/worldchat/internal/outbox"
	"github.com/matheus3301/worldchat/internal/status"
	"go.uber.org/zap"
)

// deliveryObserver feeds drain outcomes into the connectivity state machine,
// so a link that connects but cannot deliver shows as Degraded.
type deliveryObserver struct {
	drainer outbox.Drainer
	machine *status.Machine
}

func newDeliveryObserver(d outbox.Drainer, m *status.Machine) *deliveryObserver {
	return &deliveryObserver{drainer: d, machine: m}
}

func (o *deliveryObserver) DrainOutbox(ctx context.Context, force bool) (outbox.DrainReport, error) {
	report, err := o.drainer.DrainOutbox(ctx, force)
	if err == nil && !report.Coalesced {
		o.machine.ObserveDelivery(report.Published, report.Retried+report.Parked)
	}
	return report, err
}

// watchConnection logs state changes and outbox alerts until ctx ends.
func watchConnection(ctx context.Context, b *bus.Bus, logger *zap.Logger) {
	changes, unsubChanges := b.Subscribe(bus.StatusChanged, 16)
	defer unsubChanges()
	alerts, unsubAlerts := b.Subscribe(bus.OutboxAttention, 16)
	defer unsubAlerts()
	for {
		select {
		case evt := <-changes:
			if ch, ok := evt.Payload.(status.StatusChange); ok {
				logger.Info("connection state changed", zap.String("from", string(ch.From)), zap.String("to", string(ch.To)))
			}
		case evt := <-alerts:
			logger.Warn("outbox item needs attention", zap.Any("queue_id", evt.Payload))
		case <-ctx.Done():
			return
		}
	}
}
