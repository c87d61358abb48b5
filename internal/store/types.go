package store

import "encoding/json"

// Status is the delivery lifecycle of a message.
// The order sending < sent < delivered < read is total and merges never move backwards.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

var statusRank = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Rank returns the position of s in the lifecycle, or -1 for unknown values.
func (s Status) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// Valid reports whether s is one of the four lifecycle states.
func (s Status) Valid() bool { return s.Rank() >= 0 }

// MaxStatus returns the later of two statuses. Unknown values lose.
func MaxStatus(a, b Status) Status {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ConversationKind distinguishes one-to-one from group conversations.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// MessageKind is the payload type of a message body.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
)

// Summary is the denormalized last-message preview of a conversation.
type Summary struct {
	Text      string `json:"text"`
	SenderID  string `json:"sender_id"`
	Timestamp int64  `json:"timestamp"`
}

// Conversation represents a cached conversation.
type Conversation struct {
	ID           string           `json:"conversation_id"`
	Kind         ConversationKind `json:"kind"`
	Participants []string         `json:"participants"`
	LastMessage  Summary          `json:"last_message"`
	CreatedAt    int64            `json:"created_at"`
	UpdatedAt    int64            `json:"updated_at"`
}

// Message represents a cached message. ID is client generated and doubles as
// the idempotency token for local storage and remote publish.
type Message struct {
	ID             string           `json:"message_id"`
	ConversationID string           `json:"conversation_id"`
	SenderID       string           `json:"sender_id"`
	SenderName     string           `json:"sender_name,omitempty"`
	Body           string           `json:"body"`
	Kind           MessageKind      `json:"kind"`
	Timestamp      int64            `json:"timestamp"`
	Status         Status           `json:"status"`
	ReadBy         map[string]int64 `json:"read_by,omitempty"`
	// Failure is set when the remote permanently rejected the message.
	Failure string `json:"failure,omitempty"`
}

// SummaryText is the preview text used for the conversation summary.
func (m *Message) SummaryText() string {
	switch {
	case m.Kind == KindImage:
		return "[image]"
	case m.Body == "":
		return "[media]"
	default:
		return m.Body
	}
}

// MessagePatch lists the fields UpdateMessageFields may change.
// Zero values leave the stored field untouched.
type MessagePatch struct {
	Status  Status
	ReadBy  map[string]int64
	Failure *string
}

// ConversationPatch lists the fields UpdateConversationFields may change.
type ConversationPatch struct {
	LastMessage  *Summary
	Participants []string
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}

// mergeReadBy returns the union of two read receipt maps. For a reader present
// in both, the earliest read time wins.
func mergeReadBy(a, b map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if cur, ok := out[k]; !ok || (v > 0 && v < cur) || cur == 0 {
			out[k] = v
		}
	}
	return out
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
