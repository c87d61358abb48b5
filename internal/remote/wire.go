package remote

import "errors"

// Frame operations of the websocket protocol. Requests carry an ID that the
// reply echoes; snapshots are pushed unsolicited.
const (
	OpPublish       = "publish"
	OpSubscribe     = "subscribe"
	OpUnsubscribe   = "unsubscribe"
	OpSummary       = "summary"
	OpMarkRead      = "mark_read"
	OpMarkDelivered = "mark_delivered"
	OpReply         = "reply"
	OpSnapshot      = "snapshot"
)

// Frame is one JSON text message on the websocket.
type Frame struct {
	ID             string   `json:"id,omitempty"`
	Op             string   `json:"op"`
	ConversationID string   `json:"conversation_id,omitempty"`
	MessageID      string   `json:"message_id,omitempty"`
	UserID         string   `json:"user_id,omitempty"`
	SenderID       string   `json:"sender_id,omitempty"`
	Text           string   `json:"text,omitempty"`
	Timestamp      int64    `json:"timestamp,omitempty"`
	Record         *Record  `json:"record,omitempty"`
	Records        []Record `json:"records,omitempty"`
	AcceptedAt     int64    `json:"accepted_at,omitempty"`
	Error          string   `json:"error,omitempty"`
	Permanent      bool     `json:"permanent,omitempty"`
}

// ReplyError builds the reply frame for a failed request.
func ReplyError(id string, err error) Frame {
	f := Frame{ID: id, Op: OpReply, Error: err.Error()}
	var perm *PermanentError
	if errors.As(err, &perm) {
		f.Error = perm.Reason
		f.Permanent = true
	}
	return f
}

func (f Frame) err(op string) error {
	if f.Error == "" {
		return nil
	}
	if f.Permanent {
		return &PermanentError{Op: op, Reason: f.Error}
	}
	return &TransientError{Op: op, Err: errors.New(f.Error)}
}
