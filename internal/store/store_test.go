package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func textMsg(id, conv string, ts int64, status Status) *Message {
	return &Message{
		ID: id, ConversationID: conv, SenderID: "alice", Body: "body " + id,
		Kind: KindText, Timestamp: ts, Status: status,
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

// TestMigrateSchemaHasRequiredColumns verifies the migration creates all
// columns the sync core depends on.
func TestMigrateSchemaHasRequiredColumns(t *testing.T) {
	db := testDB(t)

	requiredOps := []struct {
		desc  string
		query string
		args  []any
	}{
		{"insert conversation", "INSERT INTO conversations (conversation_id, kind, participants, created_at, updated_at) VALUES (?, ?, ?, ?, ?)", []any{"c1", "group", `["a","b"]`, 1, 0}},
		{"insert message", "INSERT INTO messages (message_id, conversation_id, sender_id, body, kind, timestamp, status, read_by, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", []any{"m1", "c1", "a", "hi", "text", 1000, "sent", "{}", 1, 1}},
		{"insert outbox item", "INSERT INTO outbox (queue_id, conversation_id, payload, retry_count, created_at, last_attempt_at) VALUES (?, ?, ?, ?, ?, ?)", []any{"m1", "c1", "{}", 0, 1, nil}},
		{"insert sync state", "INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)", []any{"k", 1, 1}},
	}

	for _, op := range requiredOps {
		t.Run(op.desc, func(t *testing.T) {
			if _, err := db.Exec(op.query, op.args...); err != nil {
				t.Errorf("%s: %v", op.desc, err)
			}
		})
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	msg := textMsg("m1", "conv", 1000, StatusSent)
	if err := db.UpsertMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	msg.Body = "hello updated"
	if err := db.UpsertMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages(ctx, "conv", 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Body != "hello updated" {
		t.Errorf("body = %q, want hello updated", msgs[0].Body)
	}
}

func TestUpsertMessageStatusNeverRegresses(t *testing.T) {
	tests := []struct {
		seq  []Status
		want Status
	}{
		{[]Status{StatusSending, StatusSent}, StatusSent},
		{[]Status{StatusRead, StatusSent}, StatusRead},
		{[]Status{StatusDelivered, StatusSending, StatusSent}, StatusDelivered},
		{[]Status{StatusSent, StatusRead, StatusDelivered}, StatusRead},
		{[]Status{StatusSending}, StatusSending},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			db := testDB(t)
			ctx := context.Background()
			for _, s := range tt.seq {
				if err := db.UpsertMessage(ctx, textMsg("m1", "conv", 1000, s)); err != nil {
					t.Fatal(err)
				}
			}
			got, err := db.GetMessage(ctx, "m1")
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != tt.want {
				t.Errorf("status after %v = %s, want %s", tt.seq, got.Status, tt.want)
			}
		})
	}
}

func TestUpsertMessageMergesReadBy(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m := textMsg("m1", "conv", 1000, StatusRead)
	m.ReadBy = map[string]int64{"bob": 1100}
	if err := db.UpsertMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	m.ReadBy = map[string]int64{"carol": 1200}
	if err := db.UpsertMessage(ctx, m); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.ReadBy) != 2 || got.ReadBy["bob"] != 1100 || got.ReadBy["carol"] != 1200 {
		t.Errorf("read_by = %v, want union of bob and carol", got.ReadBy)
	}
}

func TestUpsertMessageRejectsUnknownStatus(t *testing.T) {
	db := testDB(t)
	if err := db.UpsertMessage(context.Background(), textMsg("m1", "conv", 1, "received")); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestUpsertMessageUpdatesSummary(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertConversation(ctx, &Conversation{ID: "conv", Kind: KindGroup, Participants: []string{"alice", "bob"}}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(ctx, textMsg("m2", "conv", 2000, StatusSent)); err != nil {
		t.Fatal(err)
	}
	// Older message must not replace the summary.
	if err := db.UpsertMessage(ctx, textMsg("m1", "conv", 1000, StatusSent)); err != nil {
		t.Fatal(err)
	}
	img := &Message{ID: "m3", ConversationID: "conv", SenderID: "bob", Body: "https://cdn/x.jpg",
		Kind: KindImage, Timestamp: 3000, Status: StatusSent}
	if err := db.UpsertMessage(ctx, img); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation(ctx, "conv")
	if err != nil {
		t.Fatal(err)
	}
	want := Summary{Text: "[image]", SenderID: "bob", Timestamp: 3000}
	if c.LastMessage != want {
		t.Errorf("summary = %+v, want %+v", c.LastMessage, want)
	}
	if c.UpdatedAt != 3000 {
		t.Errorf("updated_at = %d, want 3000", c.UpdatedAt)
	}
}

func TestUpsertMessageCreatesPlaceholderConversation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertMessage(ctx, textMsg("m1", "unknown", 500, StatusDelivered)); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetConversation(ctx, "unknown")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		t.Fatal("conversation not created")
	}
	if c.UpdatedAt != 500 || c.LastMessage.Text != "body m1" {
		t.Errorf("conversation = %+v, want summary of m1", c)
	}
}

func TestListMessagesPagination(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if err := db.UpsertMessage(ctx, textMsg(fmt.Sprintf("m%d", i), "conv", int64(i*100), StatusSent)); err != nil {
			t.Fatal(err)
		}
	}

	page, err := db.ListMessages(ctx, "conv", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "m5" || page[1].ID != "m4" {
		t.Fatalf("first page = %v, want m5,m4", ids(page))
	}

	page, err = db.ListMessages(ctx, "conv", 10, page[1].Timestamp)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 3 || page[0].ID != "m3" || page[2].ID != "m1" {
		t.Errorf("second page = %v, want m3,m2,m1", ids(page))
	}
}

func TestUpdateMessageFields(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertMessage(ctx, textMsg("m1", "conv", 1000, StatusRead)); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateMessageFields(ctx, "m1", MessagePatch{Status: StatusSent}); err != nil {
		t.Fatal(err)
	}
	failure := "rejected"
	if err := db.UpdateMessageFields(ctx, "m1", MessagePatch{
		ReadBy:  map[string]int64{"bob": 1},
		Failure: &failure,
	}); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusRead {
		t.Errorf("status = %s, want read (no regression)", got.Status)
	}
	if got.Failure != "rejected" || got.ReadBy["bob"] != 1 {
		t.Errorf("got %+v, want failure and read_by applied", got)
	}

	err = db.UpdateMessageFields(ctx, "missing", MessagePatch{Status: StatusSent})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestConversationUpsertAndList(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertConversation(ctx, &Conversation{ID: "a", Kind: KindDirect, Participants: []string{"alice", "bob"}, CreatedAt: 10}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertConversation(ctx, &Conversation{ID: "b", Kind: KindGroup, Participants: []string{"alice"}, CreatedAt: 20}); err != nil {
		t.Fatal(err)
	}
	// Direct participants are immutable once set.
	if err := db.UpsertConversation(ctx, &Conversation{ID: "a", Kind: KindDirect, Participants: []string{"mallory"}}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(ctx, textMsg("m1", "a", 5000, StatusSent)); err != nil {
		t.Fatal(err)
	}

	convs, err := db.ListConversations(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].ID != "a" {
		t.Errorf("first = %q, want a (most recent message)", convs[0].ID)
	}
	if len(convs[0].Participants) != 2 || convs[0].Participants[0] != "alice" {
		t.Errorf("participants = %v, want [alice bob]", convs[0].Participants)
	}

	missing, err := db.GetConversation(ctx, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for missing conversation")
	}
}

func TestUpdateConversationFields(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertConversation(ctx, &Conversation{ID: "d", Kind: KindDirect, Participants: []string{"alice", "bob"}}); err != nil {
		t.Fatal(err)
	}
	err := db.UpdateConversationFields(ctx, "d", ConversationPatch{Participants: []string{"eve"}})
	if !errors.Is(err, ErrParticipantsImmutable) {
		t.Errorf("err = %v, want ErrParticipantsImmutable", err)
	}

	if err := db.UpdateConversationFields(ctx, "d", ConversationPatch{LastMessage: &Summary{Text: "hi", SenderID: "bob", Timestamp: 900}}); err != nil {
		t.Fatal(err)
	}
	// Older summary is ignored.
	if err := db.UpdateConversationFields(ctx, "d", ConversationPatch{LastMessage: &Summary{Text: "old", SenderID: "bob", Timestamp: 100}}); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetConversation(ctx, "d")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessage.Text != "hi" || c.UpdatedAt != 900 {
		t.Errorf("conversation = %+v, want summary hi@900", c)
	}

	err = db.UpdateConversationFields(ctx, "missing", ConversationPatch{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := upsertMessage(ctx, tx, textMsg("m1", "conv", 1000, StatusSent)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	m, err := db.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Error("message visible after rollback")
	}
	c, err := db.GetConversation(ctx, "conv")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Error("conversation visible after rollback")
	}
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	func() {
		defer func() { _ = recover() }()
		_ = db.WithTx(ctx, func(tx *sql.Tx) error {
			if err := upsertMessage(ctx, tx, textMsg("m1", "conv", 1000, StatusSent)); err != nil {
				return err
			}
			panic("crash between writes")
		})
	}()

	count, err := db.MessageCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("message count = %d, want 0 after panic", count)
	}
}

func TestUpsertMessagesBatchAtomic(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	batch := []*Message{
		textMsg("m1", "conv", 1000, StatusSent),
		textMsg("m2", "conv", 2000, "bogus"),
	}
	if err := db.UpsertMessages(ctx, batch); err == nil {
		t.Fatal("expected error for invalid status in batch")
	}
	count, err := db.MessageCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("message count = %d, want 0 (batch must be atomic)", count)
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	m1 := textMsg("m1", "conv", 1000, StatusSent)
	m1.Body = "hello world"
	m2 := textMsg("m2", "conv", 2000, StatusSent)
	m2.Body = "goodbye world"
	for _, m := range []*Message{m1, m2} {
		if err := db.UpsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	results, err := db.SearchMessages(ctx, "HELLO", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Message.ID != "m1" {
		t.Errorf("message_id = %q, want m1", results[0].Message.ID)
	}
	if results[0].Snippet != "<<hello>> world" {
		t.Errorf("snippet = %q", results[0].Snippet)
	}

	results, err = db.SearchMessages(ctx, "world", "other", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results in other conversation, want 0", len(results))
	}
}

func TestMergeCheckpointOnlyAdvances(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for _, ts := range []int64{500, 300, 900} {
		if err := db.AdvanceMergeCheckpoint(ctx, "conv", ts); err != nil {
			t.Fatal(err)
		}
	}
	got, err := db.MergeCheckpoint(ctx, "conv")
	if err != nil {
		t.Fatal(err)
	}
	if got != 900 {
		t.Errorf("checkpoint = %d, want 900", got)
	}
	got, err = db.MergeCheckpoint(ctx, "none")
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Errorf("checkpoint = %d, want 0 for unknown conversation", got)
	}
}

func TestMaxStatus(t *testing.T) {
	tests := []struct{ a, b, want Status }{
		{StatusSending, StatusSent, StatusSent},
		{StatusRead, StatusDelivered, StatusRead},
		{StatusSent, "bogus", StatusSent},
		{StatusDelivered, StatusDelivered, StatusDelivered},
	}
	for _, tt := range tests {
		if got := MaxStatus(tt.a, tt.b); got != tt.want {
			t.Errorf("MaxStatus(%s, %s) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
