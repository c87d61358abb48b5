// Package remotetest provides an in-memory remote store and a websocket server
// in front of it, for tests and local development.
package remotetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/matheus3301/worldchat/internal/remote"
	"github.com/matheus3301/worldchat/internal/store"
)

// Summary is the conversation summary last written by a client.
type Summary struct {
	Text      string
	SenderID  string
	Timestamp int64
}

// Memory is an authoritative store kept in memory. It implements
// remote.Channel and pushes a full conversation snapshot to subscribers after
// every change. Snapshots for one subscriber are delivered in order, and a
// subscriber that falls behind only sees the latest one.
type Memory struct {
	mu        sync.Mutex
	records   map[string]map[string]remote.Record
	summaries map[string]Summary
	subs      map[string]map[int]*subscriber
	nextSub   int
	publishes int
	offline   bool
	failures  []error
	now       func() time.Time
}

var _ remote.Channel = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		records:   make(map[string]map[string]remote.Record),
		summaries: make(map[string]Summary),
		subs:      make(map[string]map[int]*subscriber),
		now:       time.Now,
	}
}

// SetOffline makes every call fail with remote.ErrOffline until cleared.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	m.offline = offline
	m.mu.Unlock()
}

// FailPublish queues errors returned by the next publishes, one per call.
func (m *Memory) FailPublish(errs ...error) {
	m.mu.Lock()
	m.failures = append(m.failures, errs...)
	m.mu.Unlock()
}

// PublishCount returns how many publishes reached the store, including
// failed and duplicate ones.
func (m *Memory) PublishCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.publishes
}

// Records returns a conversation's records, oldest first.
func (m *Memory) Records(conversationID string) []remote.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(conversationID)
}

// Summary returns the conversation summary, if any was written.
func (m *Memory) Summary(conversationID string) (Summary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaries[conversationID]
	return s, ok
}

// MessageOf returns the record with the given ID as a local message, or nil.
func (m *Memory) MessageOf(conversationID, messageID string) *store.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[conversationID][messageID]
	if !ok {
		return nil
	}
	rec.ReadBy = cloneReadBy(rec.ReadBy)
	return rec.Message()
}

// Inject stores a record as if another participant had sent it.
func (m *Memory) Inject(rec remote.Record) {
	m.mu.Lock()
	m.putLocked(rec)
	m.notifyLocked(rec.ConversationID)
	m.mu.Unlock()
}

func (m *Memory) Publish(ctx context.Context, msg *store.Message) (remote.Ack, error) {
	if err := ctx.Err(); err != nil {
		return remote.Ack{}, &remote.TransientError{Op: remote.OpPublish, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishes++
	if m.offline {
		return remote.Ack{}, remote.ErrOffline
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		if err != nil {
			return remote.Ack{}, err
		}
	}

	rec := remote.RecordFromMessage(msg)
	if rec.Status == string(store.StatusSending) {
		rec.Status = string(store.StatusSent)
	}
	m.putLocked(rec)
	m.notifyLocked(msg.ConversationID)
	return remote.Ack{MessageID: msg.ID, AcceptedAt: m.now().UnixMilli()}, nil
}

func (m *Memory) Subscribe(ctx context.Context, conversationID string, fn remote.SnapshotFunc) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, remote.ErrOffline
	}
	id := m.nextSub
	m.nextSub++
	sub := newSubscriber(fn)
	if m.subs[conversationID] == nil {
		m.subs[conversationID] = make(map[int]*subscriber)
	}
	m.subs[conversationID][id] = sub
	if snap := m.snapshotLocked(conversationID); len(snap) > 0 {
		sub.push(snap)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[conversationID], id)
			m.mu.Unlock()
			sub.stop()
		})
	}, nil
}

func (m *Memory) UpdateConversationSummary(ctx context.Context, conversationID, text, senderID string, ts int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return remote.ErrOffline
	}
	if cur, ok := m.summaries[conversationID]; ok && cur.Timestamp > ts {
		return nil
	}
	m.summaries[conversationID] = Summary{Text: text, SenderID: senderID, Timestamp: ts}
	return nil
}

func (m *Memory) MarkRead(ctx context.Context, conversationID, messageID, userID string) error {
	return m.patch(conversationID, messageID, func(rec *remote.Record) {
		if rec.ReadBy == nil {
			rec.ReadBy = make(map[string]int64)
		}
		if _, ok := rec.ReadBy[userID]; !ok {
			rec.ReadBy[userID] = m.now().UnixMilli()
		}
	})
}

func (m *Memory) MarkDelivered(ctx context.Context, conversationID, messageID string) error {
	return m.patch(conversationID, messageID, func(rec *remote.Record) {
		rec.Status = string(store.MaxStatus(store.Status(rec.Status), store.StatusDelivered))
	})
}

func (m *Memory) patch(conversationID, messageID string, fn func(*remote.Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return remote.ErrOffline
	}
	rec, ok := m.records[conversationID][messageID]
	if !ok {
		return &remote.PermanentError{Op: "patch", Reason: "unknown message " + messageID}
	}
	fn(&rec)
	m.records[conversationID][messageID] = rec
	m.notifyLocked(conversationID)
	return nil
}

func (m *Memory) putLocked(rec remote.Record) {
	rec.ReadBy = cloneReadBy(rec.ReadBy)
	conv := m.records[rec.ConversationID]
	if conv == nil {
		conv = make(map[string]remote.Record)
		m.records[rec.ConversationID] = conv
	}
	if cur, ok := conv[rec.MessageID]; ok {
		rec.Status = string(store.MaxStatus(store.Status(cur.Status), store.Status(rec.Status)))
		for user, at := range cur.ReadBy {
			if rec.ReadBy == nil {
				rec.ReadBy = make(map[string]int64)
			}
			if _, seen := rec.ReadBy[user]; !seen {
				rec.ReadBy[user] = at
			}
		}
	}
	conv[rec.MessageID] = rec
}

func (m *Memory) snapshotLocked(conversationID string) []remote.Record {
	conv := m.records[conversationID]
	out := make([]remote.Record, 0, len(conv))
	for _, rec := range conv {
		rec.ReadBy = cloneReadBy(rec.ReadBy)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out
}

func (m *Memory) notifyLocked(conversationID string) {
	subs := m.subs[conversationID]
	if len(subs) == 0 {
		return
	}
	snap := m.snapshotLocked(conversationID)
	for _, sub := range subs {
		sub.push(snap)
	}
}

func cloneReadBy(rb map[string]int64) map[string]int64 {
	if rb == nil {
		return nil
	}
	out := make(map[string]int64, len(rb))
	for k, v := range rb {
		out[k] = v
	}
	return out
}

// subscriber delivers snapshots on its own goroutine so a slow callback never
// blocks the store.
type subscriber struct {
	fn     remote.SnapshotFunc
	mu     sync.Mutex
	latest []remote.Record
	has    bool
	wake   chan struct{}
	done   chan struct{}
}

func newSubscriber(fn remote.SnapshotFunc) *subscriber {
	s := &subscriber{fn: fn, wake: make(chan struct{}, 1), done: make(chan struct{})}
	go s.loop()
	return s
}

func (s *subscriber) push(snap []remote.Record) {
	s.mu.Lock()
	s.latest, s.has = snap, true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() { close(s.done) }

func (s *subscriber) loop() {
	for {
		select {
		case <-s.wake:
			s.mu.Lock()
			snap, has := s.latest, s.has
			s.latest, s.has = nil, false
			s.mu.Unlock()
			if has {
				s.fn(snap)
			}
		case <-s.done:
			return
		}
	}
}
