package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	perm := &PermanentError{Op: "publish", Reason: "too large"}
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassNone},
		{"offline", ErrOffline, ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"unknown", errors.New("boom"), ClassTransient},
		{"permanent", perm, ClassPermanent},
		{"wrapped permanent", fmt.Errorf("send: %w", perm), ClassPermanent},
		{"transient wrapping deadline", &TransientError{Op: "publish", Err: context.DeadlineExceeded}, ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestTransientErrorUnwraps(t *testing.T) {
	err := &TransientError{Op: "publish", Err: context.DeadlineExceeded}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "transient")
}

func TestReplyErrorRoundTrip(t *testing.T) {
	f := ReplyError("7", &PermanentError{Op: OpPublish, Reason: "bad kind"})
	assert.True(t, f.Permanent)
	assert.Equal(t, "bad kind", f.Error)

	err := f.err(OpPublish)
	var perm *PermanentError
	if assert.ErrorAs(t, err, &perm) {
		assert.Equal(t, "bad kind", perm.Reason)
	}

	f = ReplyError("8", errors.New("store busy"))
	assert.False(t, f.Permanent)
	assert.Equal(t, ClassTransient, Classify(f.err(OpPublish)))
	assert.NoError(t, Frame{Op: OpReply}.err(OpPublish))
}

func TestRecordMessageDefaults(t *testing.T) {
	m := Record{MessageID: "m1", ConversationID: "c1", Status: "bogus"}.Message()
	assert.Equal(t, "sent", string(m.Status))
	assert.Equal(t, "text", string(m.Kind))
}
