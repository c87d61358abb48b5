package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/worldchat/internal/bus"
	"github.com/matheus3301/worldchat/internal/outbox"
	"github.com/matheus3301/worldchat/internal/remote"
	"github.com/matheus3301/worldchat/internal/remote/remotetest"
	"github.com/matheus3301/worldchat/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	url string
	err error
}

func (f *fakeUploader) Upload(context.Context, string) (string, error) {
	return f.url, f.err
}

type harness struct {
	o     *Orchestrator
	db    *store.DB
	mem   *remotetest.Memory
	queue *outbox.Queue
	bus   *bus.Bus
	up    *fakeUploader
	clock *int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := int64(100)
	clock := func() time.Time { return time.UnixMilli(now) }
	mem := remotetest.NewMemory()
	q := outbox.New(db, mem, nil, outbox.Options{
		BaseDelay: time.Millisecond,
		MaxDelay:  10 * time.Millisecond,
		Jitter:    func(time.Duration) time.Duration { return 0 },
	})
	b := bus.New()
	up := &fakeUploader{url: "https://cdn.example/a.png"}
	o := New(db, q, mem, up, b, nil, Options{UserID: "me", Now: clock})
	t.Cleanup(o.Close)
	return &harness{o: o, db: db, mem: mem, queue: q, bus: b, up: up, clock: &now}
}

func (h *harness) message(t *testing.T, id string) *store.Message {
	t.Helper()
	m, err := h.db.GetMessage(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, m, "message %s not stored", id)
	return m
}

func (h *harness) queued(t *testing.T) []string {
	t.Helper()
	items, err := h.queue.List(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.QueueID)
	}
	return ids
}

func TestSendMessageOnline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m, err := h.o.SendMessage(ctx, "c1", "hello", "")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSent, m.Status)
	assert.Equal(t, "me", m.SenderID)
	assert.Empty(t, h.queued(t))

	conv, err := h.db.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), conv.UpdatedAt)
	assert.Equal(t, store.Summary{Text: "hello", SenderID: "me", Timestamp: 100}, conv.LastMessage)

	sum, ok := h.mem.Summary("c1")
	require.True(t, ok)
	assert.Equal(t, "hello", sum.Text)
}

func TestSendOfflineThenReconnectDrains(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mem.SetOffline(true)

	m, err := h.o.SendMessage(ctx, "c1", "hi", "me")
	require.NoError(t, err, "transient failures are not reported to the caller")
	assert.Equal(t, store.StatusSending, m.Status)
	assert.Equal(t, []string{m.ID}, h.queued(t))

	h.mem.SetOffline(false)
	report, err := h.o.DrainOutbox(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Published)

	assert.Equal(t, store.StatusSent, h.message(t, m.ID).Status)
	assert.Empty(t, h.queued(t))
	conv, err := h.db.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), conv.UpdatedAt)
	assert.Len(t, h.mem.Records("c1"), 1)
}

func TestSnapshotAheadOfOutboxNeverRegresses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mem.SetOffline(true)

	m, err := h.o.SendMessage(ctx, "c1", "hi", "me")
	require.NoError(t, err)

	rec := remote.RecordFromMessage(m)
	rec.Status = "read"
	rec.ReadBy = map[string]int64{"bob": 150}
	_, err = h.o.MergeInbound(ctx, "c1", []remote.Record{rec})
	require.NoError(t, err)

	got := h.message(t, m.ID)
	assert.Equal(t, store.StatusRead, got.Status)
	assert.Empty(t, h.queued(t), "snapshot confirms the message, so the queue item goes away")

	// A publish that still lands afterwards must not pull the status back.
	_, err = h.queue.Enqueue(ctx, m)
	require.NoError(t, err)
	h.mem.SetOffline(false)
	report, err := h.o.DrainOutbox(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Published)

	got = h.message(t, m.ID)
	assert.Equal(t, store.StatusRead, got.Status)
	assert.Equal(t, int64(150), got.ReadBy["bob"])
}

func TestMergeIsIdempotentAcrossOverlappingBatches(t *testing.T) {
	ctx := context.Background()
	rec := func(id string, ts int64, status string) remote.Record {
		return remote.Record{MessageID: id, ConversationID: "c1", SenderID: "bob", Body: id, Kind: "text", Timestamp: ts, Status: status}
	}
	first := []remote.Record{rec("m1", 10, "sent"), rec("m2", 20, "sent")}
	second := []remote.Record{rec("m2", 20, "delivered"), rec("m3", 30, "sent")}

	a := newHarness(t)
	_, err := a.o.MergeInbound(ctx, "c1", first)
	require.NoError(t, err)
	viewA, err := a.o.MergeInbound(ctx, "c1", second)
	require.NoError(t, err)

	b := newHarness(t)
	viewB, err := b.o.MergeInbound(ctx, "c1", []remote.Record{rec("m1", 10, "sent"), rec("m2", 20, "delivered"), rec("m3", 30, "sent")})
	require.NoError(t, err)

	require.Len(t, viewA, 3)
	assert.Equal(t, len(viewB), len(viewA))
	for i := range viewA {
		assert.Equal(t, viewB[i].ID, viewA[i].ID)
		assert.Equal(t, viewB[i].Status, viewA[i].Status)
	}
	assert.Equal(t, "m1", viewA[0].ID, "view is oldest first")

	cp, err := a.o.MergeCheckpoint(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), cp)

	conv, err := a.db.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), conv.UpdatedAt)
	assert.Equal(t, "m3", conv.LastMessage.Text)
}

func TestMergeSkipsForeignRecords(t *testing.T) {
	h := newHarness(t)
	view, err := h.o.MergeInbound(context.Background(), "c1", []remote.Record{
		{MessageID: "x", ConversationID: "other", SenderID: "bob", Timestamp: 1, Status: "sent"},
		{MessageID: "y", SenderID: "bob", Timestamp: 2, Status: "sent"},
	})
	require.NoError(t, err)
	require.Len(t, view, 1)
	assert.Equal(t, "y", view[0].ID)
}

func TestPermanentRejection(t *testing.T) {
	h := newHarness(t)
	h.mem.FailPublish(&remote.PermanentError{Op: "publish", Reason: "body too large"})

	m, err := h.o.SendMessage(context.Background(), "c1", "x", "me")
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, m.ID, rejected.MessageID)
	assert.Equal(t, remote.ClassPermanent, remote.Classify(err))

	stored := h.message(t, m.ID)
	assert.Equal(t, "body too large", stored.Failure)
	assert.Equal(t, store.StatusSending, stored.Status)
	assert.Empty(t, h.queued(t), "rejected messages are never queued")
}

func TestRejectionDuringDrain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mem.FailPublish(&remote.TransientError{Op: "publish", Err: errors.New("timeout")})
	m, err := h.o.SendMessage(ctx, "c1", "x", "me")
	require.NoError(t, err)

	events, unsub := h.bus.Subscribe("message.rejected", 1)
	defer unsub()
	h.mem.FailPublish(&remote.PermanentError{Op: "publish", Reason: "blocked"})
	report, err := h.o.DrainOutbox(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, "blocked", h.message(t, m.ID).Failure)
	assert.Empty(t, h.queued(t))

	select {
	case evt := <-events:
		assert.Equal(t, bus.MessageRejected, evt.Kind)
		assert.Equal(t, Rejection{MessageID: m.ID, ConversationID: m.ConversationID, Reason: "blocked"}, evt.Payload)
		raw, err := json.Marshal(evt.Payload)
		require.NoError(t, err)
		assert.Contains(t, string(raw), `"reason":"blocked"`)
	case <-time.After(time.Second):
		t.Fatal("no rejection event")
	}
}

func TestSendImage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m, err := h.o.SendImage(ctx, "c1", "/tmp/a.png", "me")
	require.NoError(t, err)
	assert.Equal(t, store.KindImage, m.Kind)
	assert.Equal(t, "https://cdn.example/a.png", m.Body)

	conv, err := h.db.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "[image]", conv.LastMessage.Text)
}

func TestSendImageUploadFailureWritesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.up.err = &remote.TransientError{Op: "upload", Err: errors.New("reset")}

	_, err := h.o.SendImage(ctx, "c1", "/tmp/a.png", "me")
	require.ErrorIs(t, err, ErrUpload)

	var rejected *RejectedError
	assert.False(t, errors.As(err, &rejected), "upload failures are distinct from publish rejections")
	n, err := h.db.MessageCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, h.queued(t))
	assert.Zero(t, h.mem.PublishCount())
}

func TestRetryCeilingAndResend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mem.SetOffline(true)

	m, err := h.o.SendMessage(ctx, "c1", "x", "me")
	require.NoError(t, err)

	attention, unsub := h.bus.Subscribe("outbox.", 8)
	defer unsub()
	for i := 0; i <= outbox.MaxRetries; i++ {
		_, err := h.o.DrainOutbox(ctx, true)
		require.NoError(t, err)
	}

	parked, err := h.o.NeedsAttention(ctx)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, m.ID, parked[0].QueueID)
	select {
	case evt := <-attention:
		assert.Equal(t, bus.OutboxAttention, evt.Kind)
		assert.Equal(t, m.ID, evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("no needs_attention event")
	}
	select {
	case evt := <-attention:
		t.Fatalf("parked item announced twice: %+v", evt)
	default:
	}

	// Parked items are left alone by automatic drains.
	h.mem.SetOffline(false)
	report, err := h.o.DrainOutbox(ctx, true)
	require.NoError(t, err)
	assert.Zero(t, report.Attempted)
	assert.Equal(t, store.StatusSending, h.message(t, m.ID).Status)

	require.NoError(t, h.o.Resend(ctx, m.ID))
	report, err = h.o.DrainOutbox(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Published)
	assert.Equal(t, store.StatusSent, h.message(t, m.ID).Status)

	assert.ErrorIs(t, h.o.Resend(ctx, "missing"), outbox.ErrNotQueued)
}

func TestAtLeastOnceWithinCeiling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	transient := &remote.TransientError{Op: "publish", Err: errors.New("unavailable")}
	h.mem.FailPublish(transient, transient, transient)

	m, err := h.o.SendMessage(ctx, "c1", "x", "me")
	require.NoError(t, err)
	for i := 0; i < outbox.MaxRetries; i++ {
		_, err := h.o.DrainOutbox(ctx, true)
		require.NoError(t, err)
	}
	assert.Equal(t, store.StatusSent, h.message(t, m.ID).Status)
	assert.Empty(t, h.queued(t))
}

func TestSubscribeDeliversViewsAndStopsAfterUnsubscribe(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	views := make(chan []store.Message, 8)
	unsub, err := h.o.Subscribe(ctx, "c1", func(v []store.Message) { views <- v })
	require.NoError(t, err)

	h.mem.Inject(remote.Record{MessageID: "r1", ConversationID: "c1", SenderID: "bob", Body: "yo", Kind: "text", Timestamp: 50, Status: "sent"})

	select {
	case v := <-views:
		require.Len(t, v, 1)
		assert.Equal(t, "r1", v[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no view delivered")
	}

	unsub()
	unsub()
	h.mem.Inject(remote.Record{MessageID: "r2", ConversationID: "c1", SenderID: "bob", Body: "late", Kind: "text", Timestamp: 60, Status: "sent"})

	select {
	case v := <-views:
		t.Fatalf("view delivered after unsubscribe: %v", v)
	case <-time.After(100 * time.Millisecond):
	}
	got, err := h.db.GetMessage(ctx, "r2")
	require.NoError(t, err)
	assert.Nil(t, got, "snapshots after unsubscribe are not merged")
}

func TestSubscribeEndsWithContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	views := make(chan []store.Message, 8)
	_, err := h.o.Subscribe(ctx, "c1", func(v []store.Message) { views <- v })
	require.NoError(t, err)
	cancel()

	require.Eventually(t, func() bool {
		h.mem.Inject(remote.Record{MessageID: "r1", ConversationID: "c1", SenderID: "bob", Timestamp: 1, Status: "sent"})
		select {
		case <-views:
			return false
		case <-time.After(20 * time.Millisecond):
			return true
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFollowKeepsCacheCurrent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, err := h.o.CreateConversation(ctx, store.KindDirect, []string{"bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "me"}, c.Participants)
	require.NoError(t, h.o.Follow(ctx, c.ID))

	h.mem.Inject(remote.Record{MessageID: "r1", ConversationID: c.ID, SenderID: "bob", Body: "hey", Kind: "text", Timestamp: 500, Status: "delivered"})
	require.Eventually(t, func() bool {
		m, err := h.db.GetMessage(ctx, "r1")
		return err == nil && m != nil && m.Status == store.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCreateConversationValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name         string
		kind         store.ConversationKind
		participants []string
		wantErr      bool
	}{
		{"direct with peer", store.KindDirect, []string{"bob"}, false},
		{"direct with duplicates", store.KindDirect, []string{"bob", "bob", "me"}, false},
		{"direct with two peers", store.KindDirect, []string{"bob", "carol"}, true},
		{"group", store.KindGroup, []string{"bob", "carol"}, false},
		{"unknown kind", "channel", []string{"bob"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := h.o.CreateConversation(ctx, tt.kind, tt.participants)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConversation)
				return
			}
			require.NoError(t, err)
			got, err := h.o.GetConversation(ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
		})
	}
}

func TestMarkReadMergesLocallyAndForwards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m, err := h.o.SendMessage(ctx, "c1", "x", "bob")
	require.NoError(t, err)
	*h.clock = 200
	require.NoError(t, h.o.MarkRead(ctx, "c1", m.ID, ""))

	stored := h.message(t, m.ID)
	assert.Equal(t, int64(200), stored.ReadBy["me"])
	assert.Equal(t, store.StatusSent, stored.Status, "read receipts do not move status locally")
	assert.Contains(t, h.mem.MessageOf("c1", m.ID).ReadBy, "me")

	require.NoError(t, h.o.MarkDelivered(ctx, "c1", m.ID))
	assert.Equal(t, store.StatusDelivered, h.mem.MessageOf("c1", m.ID).Status)

	assert.ErrorIs(t, h.o.MarkRead(ctx, "c1", "missing", "me"), store.ErrNotFound)
}

func TestConcurrentSendsAcrossConversations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg gosync.WaitGroup
	for i := 0; i < 4; i++ {
		for j := 0; j < 5; j++ {
			wg.Add(1)
			go func(conv string, n int) {
				defer wg.Done()
				_, err := h.o.SendMessage(ctx, conv, fmt.Sprintf("msg %d", n), "me")
				assert.NoError(t, err)
			}(fmt.Sprintf("c%d", i), j)
		}
	}
	wg.Wait()

	n, err := h.db.MessageCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)
	st, err := h.o.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), st.Conversations)
	assert.Zero(t, st.Pending)
}
