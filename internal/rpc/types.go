package rpc

import (
	"encoding/json"

	"github.com/matheus3301/worldchat/internal/store"
)

type ListConversationsRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

type ListConversationsResponse struct {
	Conversations []store.Conversation `json:"conversations"`
	HasMore       bool                 `json:"has_more"`
}

type CreateConversationRequest struct {
	Kind         string   `json:"kind"`
	Participants []string `json:"participants"`
}

type GetConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

type ConversationResponse struct {
	Conversation store.Conversation `json:"conversation"`
}

type ListMessagesRequest struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit,omitempty"`
	// BeforeTs is an exclusive upper bound on timestamp; 0 means newest.
	BeforeTs int64 `json:"before_ts,omitempty"`
}

type ListMessagesResponse struct {
	// Messages are newest first.
	Messages []store.Message `json:"messages"`
	HasMore  bool            `json:"has_more"`
}

type SearchMessagesRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

type SearchResult struct {
	Message store.Message `json:"message"`
	Snippet string        `json:"snippet"`
}

type SearchMessagesResponse struct {
	Results []SearchResult `json:"results"`
}

type SendTextRequest struct {
	ConversationID string `json:"conversation_id"`
	Body           string `json:"body"`
}

type SendImageRequest struct {
	ConversationID string `json:"conversation_id"`
	// Path is a file readable by the daemon.
	Path string `json:"path"`
}

type SendResponse struct {
	Message store.Message `json:"message"`
	// Queued is set when the publish failed transiently and the message
	// waits in the outbox.
	Queued bool `json:"queued"`
}

type MarkReadRequest struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

type Empty struct{}

type WatchConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationView is the latest page of a conversation, oldest first.
type ConversationView struct {
	ConversationID string          `json:"conversation_id"`
	Messages       []store.Message `json:"messages"`
}

type GetSyncStatusRequest struct{}

type SyncStatus struct {
	Session       string `json:"session"`
	RemoteURL     string `json:"remote_url"`
	State         string `json:"state"`
	StateSinceMs  int64  `json:"state_since_ms"`
	LastError     string `json:"last_error,omitempty"`
	Conversations int64  `json:"conversations"`
	Messages      int64  `json:"messages"`
	Pending       int64  `json:"pending"`
	Parked        int64  `json:"parked"`
	LastMergeAt   int64  `json:"last_merge_at"`
	UptimeMs      int64  `json:"uptime_ms"`
}

type DrainOutboxRequest struct {
	// Force ignores backoff windows.
	Force bool `json:"force"`
}

type DrainOutboxResponse struct {
	Coalesced bool `json:"coalesced"`
	Attempted int  `json:"attempted"`
	Published int  `json:"published"`
	Retried   int  `json:"retried"`
	Rejected  int  `json:"rejected"`
	Parked    int  `json:"parked"`
	Skipped   int  `json:"skipped"`
	Errors    int  `json:"errors"`
}

type ListOutboxRequest struct {
	// NeedsAttention restricts the list to parked items.
	NeedsAttention bool `json:"needs_attention"`
}

type OutboxItem struct {
	QueueID        string `json:"queue_id"`
	ConversationID string `json:"conversation_id"`
	Body           string `json:"body"`
	RetryCount     int    `json:"retry_count"`
	CreatedAt      int64  `json:"created_at"`
	LastAttemptAt  int64  `json:"last_attempt_at,omitempty"`
	NextAttemptAt  int64  `json:"next_attempt_at"`
	Parked         bool   `json:"parked"`
	LastError      string `json:"last_error,omitempty"`
}

type ListOutboxResponse struct {
	Items []OutboxItem `json:"items"`
}

type ResendMessageRequest struct {
	MessageID string `json:"message_id"`
}

type WatchEventsRequest struct {
	// Prefix filters event kinds, e.g. "message." or "sync.". Empty means all.
	Prefix string `json:"prefix,omitempty"`
}

// EventEnvelope wraps one daemon event.
type EventEnvelope struct {
	EventID      string          `json:"event_id"`
	Session      string          `json:"session"`
	OccurredAtMs int64           `json:"occurred_at_ms"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}
