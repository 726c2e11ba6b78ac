package chat

import (
	"encoding/json"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(min int) time.Time { return t0.Add(time.Duration(min) * time.Minute) }

func rawTime(t time.Time) json.RawMessage {
	b, _ := json.Marshal(t.Format(time.RFC3339))
	return b
}

func seeded(t *testing.T) *Reconciler {
	t.Helper()
	r := NewReconciler("me")
	r.SetClock(func() time.Time { return at(100) })
	r.ApplySnapshot([]Conversation{
		{
			ID: "c1", CreatedAt: at(0),
			Participants: []Participant{{UserID: "me"}, {UserID: "alice"}},
			Messages: []Message{
				{ID: "m1", ChatID: "c1", AuthorID: "alice", Type: TypeText, Content: "hi", CreatedAt: at(1)},
			},
		},
		{
			ID: "c2", CreatedAt: at(0),
			Participants: []Participant{{UserID: "me"}, {UserID: "bob"}},
			Messages: []Message{
				{ID: "m9", ChatID: "c2", AuthorID: "bob", Type: TypeText, Content: "yo", CreatedAt: at(5)},
			},
		},
	})
	return r
}

func ids(convs []Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}

func TestSnapshotOrdering(t *testing.T) {
	r := seeded(t)
	got := ids(r.Conversations())
	if len(got) != 2 || got[0] != "c2" || got[1] != "c1" {
		t.Fatalf("order = %v, want [c2 c1]", got)
	}
}

func TestSnapshotDedupes(t *testing.T) {
	r := NewReconciler("me")
	m := Message{ID: "m1", ChatID: "c1", CreatedAt: at(2)}
	r.ApplySnapshot([]Conversation{
		{ID: "c1", CreatedAt: at(0), Messages: []Message{m, m}},
		{ID: "c1", CreatedAt: at(0), Messages: []Message{{ID: "m0", ChatID: "c1", CreatedAt: at(1)}, {ID: "m1", ChatID: "c1", CreatedAt: at(2), Deleted: true}}},
		{ID: "", CreatedAt: at(0)},
	})
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
	c, _ := r.Conversation("c1")
	if len(c.Messages) != 2 || c.Messages[0].ID != "m0" || c.Messages[1].ID != "m1" {
		t.Fatalf("messages = %+v", c.Messages)
	}
	if !c.Messages[1].Deleted {
		t.Error("deleted flag lost while merging duplicate pages")
	}
}

// TestLiveAppendAndRedelivery covers appending to a known conversation, the
// reorder that follows and a second delivery of the same payload.
func TestLiveAppendAndRedelivery(t *testing.T) {
	r := seeded(t)
	evt := LiveMessageEvent{
		ID: "m2", ChatID: "c1", FromUserID: "alice", ToUserID: "me",
		Content: "are you there?", CreatedAt: rawTime(at(10)),
	}

	res := r.ApplyLiveMessage(evt)
	if res.Outcome != Applied {
		t.Fatalf("first apply = %s, want applied", res.Outcome)
	}
	if got := ids(r.Conversations()); got[0] != "c1" {
		t.Errorf("order = %v, want c1 first", got)
	}
	v := r.Version()

	res = r.ApplyLiveMessage(evt)
	if res.Outcome != Duplicate {
		t.Fatalf("second apply = %s, want duplicate", res.Outcome)
	}
	if r.Version() != v {
		t.Error("duplicate changed the version")
	}
	c, _ := r.Conversation("c1")
	if len(c.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(c.Messages))
	}
	if c.Messages[1].Content != "are you there?" || c.Messages[1].Type != TypeText {
		t.Errorf("unexpected message %+v", c.Messages[1])
	}
}

func TestLiveUnknownConversationNeedsRefetch(t *testing.T) {
	r := seeded(t)
	before := r.Conversations()
	res := r.ApplyLiveMessage(LiveMessageEvent{ID: "x", ChatID: "c3", FromUserID: "carol", ToUserID: "me", Content: "new match"})
	if res.Outcome != NeedsRefetch || res.ConversationID != "c3" {
		t.Fatalf("result = %+v, want needs_refetch for c3", res)
	}
	if r.Len() != len(before) {
		t.Error("unknown conversation was fabricated locally")
	}
	if _, ok := r.Conversation("c3"); ok {
		t.Error("c3 should not exist")
	}
}

func TestLiveIgnoresForeignEvents(t *testing.T) {
	r := seeded(t)
	res := r.ApplyLiveMessage(LiveMessageEvent{ID: "m3", ChatID: "c1", FromUserID: "alice", ToUserID: "bob"})
	if res.Outcome != Ignored {
		t.Errorf("outcome = %s, want ignored", res.Outcome)
	}
	res = r.ApplyLiveMessage(LiveMessageEvent{ID: "m3", FromUserID: "me"})
	if res.Outcome != Ignored {
		t.Errorf("missing chatId outcome = %s, want ignored", res.Outcome)
	}
}

func TestLivePeerMessageWithoutRecipient(t *testing.T) {
	r := seeded(t)
	res := r.ApplyLiveMessage(LiveMessageEvent{ID: "m2", ChatID: "c1", FromUserID: "alice", Content: "hi again"})
	if res.Outcome != Applied {
		t.Fatalf("result = %+v, want applied", res)
	}
	if res.Message.RecipientID != "me" {
		t.Errorf("recipient = %q, want me", res.Message.RecipientID)
	}
	conv, _ := r.Conversation("c1")
	if n := len(conv.Messages); n != 2 {
		t.Errorf("c1 messages = %d, want 2", n)
	}

	// Unknown conversation still refetches rather than guessing.
	res = r.ApplyLiveMessage(LiveMessageEvent{ID: "x1", ChatID: "c7", FromUserID: "dave", Content: "hey"})
	if res.Outcome != NeedsRefetch {
		t.Errorf("unknown chat outcome = %s, want needs_refetch", res.Outcome)
	}
}

func TestLiveMissingRecipientOutsideConversationIgnored(t *testing.T) {
	r := seeded(t)
	r.ApplySnapshot(append(r.Conversations(), Conversation{
		ID: "c5", CreatedAt: at(0),
		Participants: []Participant{{UserID: "alice"}, {UserID: "bob"}},
	}))
	res := r.ApplyLiveMessage(LiveMessageEvent{ID: "m5", ChatID: "c5", FromUserID: "alice", Content: "psst"})
	if res.Outcome != Ignored {
		t.Errorf("outcome = %s, want ignored", res.Outcome)
	}
}

func TestLiveOwnMessageUsesUserID(t *testing.T) {
	r := seeded(t)
	res := r.ApplyLiveMessage(LiveMessageEvent{ID: "m4", ChatID: "c2", UserID: "me", Content: "sent elsewhere"})
	if res.Outcome != Applied {
		t.Fatalf("outcome = %s, want applied", res.Outcome)
	}
	if res.Message.AuthorID != "me" {
		t.Errorf("author = %q, want me", res.Message.AuthorID)
	}
	if !res.Message.CreatedAt.Equal(at(100)) {
		t.Errorf("created_at = %v, want receive time", res.Message.CreatedAt)
	}
}

func TestFlagsAreMonotonic(t *testing.T) {
	r := seeded(t)
	base := LiveMessageEvent{ID: "m1", ChatID: "c1", FromUserID: "alice", ToUserID: "me", Content: "hi", CreatedAt: rawTime(at(1))}

	edited := base
	edited.Edited = true
	if res := r.ApplyLiveMessage(edited); res.Outcome != FlagsUpdated || !res.Message.Edited {
		t.Fatalf("edit = %+v, want flags_updated", res)
	}
	// A stale copy without the flag must not clear it.
	if res := r.ApplyLiveMessage(base); res.Outcome != Duplicate {
		t.Fatalf("stale = %s, want duplicate", res.Outcome)
	}
	deleted := base
	deleted.Deleted = true
	if res := r.ApplyLiveMessage(deleted); res.Outcome != FlagsUpdated {
		t.Fatalf("delete = %s, want flags_updated", res.Outcome)
	}
	c, _ := r.Conversation("c1")
	if m := c.Messages[0]; !m.Edited || !m.Deleted {
		t.Errorf("flags = edited:%v deleted:%v, want both true", m.Edited, m.Deleted)
	}
}

func TestLiveOutOfOrderInsertsSorted(t *testing.T) {
	r := seeded(t)
	r.ApplyLiveMessage(LiveMessageEvent{ID: "b", ChatID: "c1", FromUserID: "me", CreatedAt: rawTime(at(20))})
	r.ApplyLiveMessage(LiveMessageEvent{ID: "a", ChatID: "c1", FromUserID: "me", CreatedAt: rawTime(at(15))})
	r.ApplyLiveMessage(LiveMessageEvent{ID: "a2", ChatID: "c1", FromUserID: "me", CreatedAt: rawTime(at(15))})

	c, _ := r.Conversation("c1")
	want := []string{"m1", "a", "a2", "b"}
	for i, m := range c.Messages {
		if m.ID != want[i] {
			t.Fatalf("messages[%d] = %s, want %s", i, m.ID, want[i])
		}
	}
}

func TestDerivedIDIsStable(t *testing.T) {
	r := seeded(t)
	evt := LiveMessageEvent{ChatID: "c1", FromUserID: "alice", ToUserID: "me", Content: "no id", CreatedAt: json.RawMessage("1772366400000")}
	first := r.ApplyLiveMessage(evt)
	second := r.ApplyLiveMessage(evt)
	if first.Outcome != Applied || second.Outcome != Duplicate {
		t.Fatalf("outcomes = %s, %s; want applied, duplicate", first.Outcome, second.Outcome)
	}
	if first.Message.ID == "" || first.Message.ID != second.Message.ID {
		t.Errorf("ids = %q, %q", first.Message.ID, second.Message.ID)
	}
}

func TestReadsAreCopies(t *testing.T) {
	r := seeded(t)
	convs := r.Conversations()
	convs[0].Messages[0].Content = "mutated"
	convs[0].Participants[0].UserID = "mutated"
	again := r.Conversations()
	if again[0].Messages[0].Content == "mutated" || again[0].Participants[0].UserID == "mutated" {
		t.Error("caller mutation leaked into reconciler state")
	}
}

func TestTieBreakByID(t *testing.T) {
	r := NewReconciler("me")
	r.ApplySnapshot([]Conversation{
		{ID: "zz", CreatedAt: at(0)},
		{ID: "aa", CreatedAt: at(0)},
	})
	if got := ids(r.Conversations()); got[0] != "aa" {
		t.Errorf("order = %v, want aa first on equal activity", got)
	}
}
