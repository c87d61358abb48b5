package bus

import "time"

// Event kinds published by the sync core. Subscribers filter by prefix
// ("message.", "sync.", "outbox.").
const (
	MessageUpserted   = "message.upserted"
	MessageSendAck    = "message.send_ack"
	MessageQueued     = "message.queued"
	MessageRejected   = "message.rejected"
	SyncConnected     = "sync.connected"
	SyncDisconnected  = "sync.disconnected"
	SyncMerged        = "sync.merged"
	OutboxAttention   = "outbox.needs_attention"
	OutboxDrainWanted = "outbox.drain_requested"
	StatusChanged     = "session.status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
