package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/heartline/internal/chat"
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

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func sampleConversations() []chat.Conversation {
	return []chat.Conversation{
		{
			ID: "c1", CreatedAt: base,
			Participants: []chat.Participant{{UserID: "me", DisplayName: "Me"}, {UserID: "alice", DisplayName: "Alice"}},
			Messages: []chat.Message{
				{ID: "m1", ChatID: "c1", AuthorID: "alice", RecipientID: "me", Type: chat.TypeText, Content: "hi", CreatedAt: base.Add(time.Minute)},
				{ID: "m2", ChatID: "c1", AuthorID: "me", RecipientID: "alice", Type: chat.TypeMedia, Content: "photo", CreatedAt: base.Add(2 * time.Minute)},
			},
		},
		{ID: "c2", CreatedAt: base.Add(time.Hour)},
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 || result.Dirty {
		t.Errorf("version = %d dirty = %v, want 1 clean", result.Version, result.Dirty)
	}
}

func TestMigrateRefusesDirtySchema(t *testing.T) {
	db := testDB(t)
	if _, err := db.DB.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatal(err)
	}
	_, err := db.Migrate()
	if !errors.Is(err, ErrDirtySchema) {
		t.Fatalf("Migrate() on dirty schema = %v, want ErrDirtySchema", err)
	}
}

func TestOpenMigrated(t *testing.T) {
	db, res, err := OpenMigrated(filepath.Join(t.TempDir(), "heartline.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if !res.Changed {
		t.Error("fresh database should report Changed=true")
	}
}

func TestReplaceAndLoadConversations(t *testing.T) {
	db := testDB(t)
	if err := db.ReplaceConversations("me", sampleConversations()); err != nil {
		t.Fatal(err)
	}
	convs, err := db.LoadConversations("me")
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	var c1 chat.Conversation
	for _, c := range convs {
		if c.ID == "c1" {
			c1 = c
		}
	}
	if len(c1.Participants) != 2 || c1.Participants[1].DisplayName != "Alice" {
		t.Errorf("participants = %+v", c1.Participants)
	}
	if len(c1.Messages) != 2 || c1.Messages[1].Type != chat.TypeMedia {
		t.Fatalf("messages = %+v", c1.Messages)
	}
	if !c1.Messages[0].CreatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("created_at = %v", c1.Messages[0].CreatedAt)
	}

	// A new snapshot replaces the old one wholesale.
	if err := db.ReplaceConversations("me", sampleConversations()[1:]); err != nil {
		t.Fatal(err)
	}
	convs, _ = db.LoadConversations("me")
	if len(convs) != 1 || convs[0].ID != "c2" {
		t.Errorf("after replace = %+v", convs)
	}
	if n, _ := db.CountMessages("me", "c1"); n != 0 {
		t.Errorf("stale messages left: %d", n)
	}
}

func TestOwnersAreIsolated(t *testing.T) {
	db := testDB(t)
	if err := db.ReplaceConversations("me", sampleConversations()); err != nil {
		t.Fatal(err)
	}
	if err := db.ReplaceConversations("other", nil); err != nil {
		t.Fatal(err)
	}
	convs, err := db.LoadConversations("other")
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 0 {
		t.Errorf("other owner sees %d conversations", len(convs))
	}
	if convs, _ := db.LoadConversations("me"); len(convs) != 2 {
		t.Errorf("replacing another owner's cache touched mine: %d", len(convs))
	}
}

func TestUpsertMessageFlagsAreMonotonic(t *testing.T) {
	db := testDB(t)
	if err := db.ReplaceConversations("me", sampleConversations()); err != nil {
		t.Fatal(err)
	}
	m := chat.Message{ID: "m3", ChatID: "c1", AuthorID: "alice", Content: "oops", CreatedAt: base.Add(3 * time.Minute), Edited: true}
	if err := db.UpsertMessage("me", m); err != nil {
		t.Fatal(err)
	}
	m.Edited = false
	if err := db.UpsertMessage("me", m); err != nil {
		t.Fatal(err)
	}

	convs, _ := db.LoadConversations("me")
	for _, c := range convs {
		if c.ID != "c1" {
			continue
		}
		if len(c.Messages) != 3 {
			t.Fatalf("messages = %d, want 3", len(c.Messages))
		}
		if !c.Messages[2].Edited {
			t.Error("edited flag was cleared")
		}
	}
}

func TestCallLog(t *testing.T) {
	db := testDB(t)
	first := CallRecord{
		CallID: "call-1", Kind: "video", Direction: "outgoing", PeerID: "alice", EndReason: "completed",
		StartedAt: base, ConnectedAt: base.Add(10 * time.Second), EndedAt: base.Add(70 * time.Second),
	}
	second := CallRecord{
		CallID: "call-2", Kind: "audio", Direction: "incoming", PeerID: "bob", EndReason: "missed",
		StartedAt: base.Add(time.Hour), EndedAt: base.Add(time.Hour + 45*time.Second),
	}
	for _, r := range []CallRecord{first, second} {
		if err := db.InsertCall("me", r); err != nil {
			t.Fatal(err)
		}
	}

	calls, err := db.ListCalls("me", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 2 || calls[0].CallID != "call-2" {
		t.Fatalf("calls = %+v", calls)
	}
	if d := calls[1].Duration(); d != time.Minute {
		t.Errorf("duration = %v, want 1m", d)
	}
	if d := calls[0].Duration(); d != 0 {
		t.Errorf("missed call duration = %v, want 0", d)
	}
	if calls, _ := db.ListCalls("nobody", 10); len(calls) != 0 {
		t.Error("call log leaked across owners")
	}
}

func TestCheckpoints(t *testing.T) {
	db := testDB(t)
	if _, ok, err := db.Checkpoint("me", CheckpointLastSnapshot); err != nil || ok {
		t.Fatalf("unset checkpoint: ok=%v err=%v", ok, err)
	}
	if err := db.SetCheckpoint("me", CheckpointLastSnapshot, "1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCheckpoint("me", CheckpointLastSnapshot, "2"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := db.Checkpoint("me", CheckpointLastSnapshot)
	if err != nil || !ok || v != "2" {
		t.Errorf("checkpoint = %q ok=%v err=%v, want 2", v, ok, err)
	}
}
