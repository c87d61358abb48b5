package sync

import (
	"errors"
	"fmt"
)

// ErrUpload marks a SendImage failure that happened before anything was
// written: the attachment could not be resolved to a remote URL.
var ErrUpload = errors.New("media upload failed")

// ErrInvalidConversation is returned for malformed CreateConversation input.
var ErrInvalidConversation = errors.New("invalid conversation")

// RejectedError reports that the remote store permanently refused a message.
// The message keeps its row with Failure set and is not retried.
type RejectedError struct {
	MessageID string
	Err       error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("message %s rejected: %v", e.MessageID, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// Rejection is the message.rejected event payload.
type Rejection struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason"`
}
