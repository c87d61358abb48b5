package remote

import (
	"errors"
	"fmt"
)

// ErrOffline is returned when no connection to the remote store is available.
var ErrOffline = &TransientError{Op: "connect", Err: errors.New("remote channel offline")}

// TransientError is a delivery failure expected to clear up on its own:
// timeouts, dropped connections, a temporarily unavailable remote.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("remote %s: transient: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a rejection that retrying cannot fix, such as a payload
// the remote refuses to validate.
type PermanentError struct {
	Op     string
	Reason string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("remote %s: rejected: %s", e.Op, e.Reason)
}

// Class is the outcome class of a collaborator error.
type Class int

const (
	ClassNone Class = iota
	ClassTransient
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Classify maps any error crossing the remote boundary to exactly one class.
// Only an explicit *PermanentError is permanent. Timeouts, network errors and
// unknown errors are transient so the message stays queued.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return ClassPermanent
	}
	return ClassTransient
}
