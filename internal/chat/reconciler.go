package chat

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Reconciler holds the working conversation list for one identity. All
// methods are safe for concurrent use; reads return deep copies.
type Reconciler struct {
	self string
	now  func() time.Time

	mu      sync.RWMutex
	convs   []Conversation
	index   map[string]int
	version uint64
}

// NewReconciler creates an empty reconciler for the given user id.
func NewReconciler(selfUserID string) *Reconciler {
	return &Reconciler{
		self:  selfUserID,
		now:   time.Now,
		index: make(map[string]int),
	}
}

// SetClock overrides the receive-time source. Tests only.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// ApplySnapshot replaces the working list wholesale.
func (r *Reconciler) ApplySnapshot(convs []Conversation) {
	merged := make([]Conversation, 0, len(convs))
	seen := make(map[string]int, len(convs))
	for _, c := range convs {
		if c.ID == "" {
			continue
		}
		c = c.clone()
		if at, dup := seen[c.ID]; dup {
			// Same conversation on two pages: union the messages.
			c.Messages = append(merged[at].Messages, c.Messages...)
			if len(c.Participants) == 0 {
				c.Participants = merged[at].Participants
			}
			c.Messages = dedupeMessages(c.Messages)
			merged[at] = c
			continue
		}
		c.Messages = dedupeMessages(c.Messages)
		seen[c.ID] = len(merged)
		merged = append(merged, c)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.convs = merged
	r.reorderLocked()
	r.version++
}

// ApplyLiveMessage merges one live event into the working list.
func (r *Reconciler) ApplyLiveMessage(evt LiveMessageEvent) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, err := Normalize(evt, r.now())
	if err != nil {
		return Result{Outcome: Ignored, Reason: err.Error()}
	}
	res := Result{ConversationID: msg.ChatID, Message: msg}

	// A present recipient must be self unless self wrote it.
	if r.self == "" || (msg.AuthorID != r.self && msg.RecipientID != "" && msg.RecipientID != r.self) {
		res.Outcome = Ignored
		res.Reason = "not addressed to current user"
		return res
	}

	at, ok := r.index[msg.ChatID]
	if !ok {
		res.Outcome = NeedsRefetch
		res.Reason = "unknown conversation"
		return res
	}

	conv := &r.convs[at]
	if msg.AuthorID != r.self && msg.RecipientID == "" {
		if !conv.hasParticipant(r.self) {
			res.Outcome = Ignored
			res.Reason = "not a participant"
			return res
		}
		msg.RecipientID = r.self
		res.Message = msg
	}
	for i := range conv.Messages {
		existing := &conv.Messages[i]
		if existing.ID != msg.ID {
			continue
		}
		changed := false
		if msg.Edited && !existing.Edited {
			existing.Edited = true
			changed = true
		}
		if msg.Deleted && !existing.Deleted {
			existing.Deleted = true
			changed = true
		}
		res.Message = *existing
		if !changed {
			res.Outcome = Duplicate
			res.Reason = "message already present"
			return res
		}
		r.version++
		res.Outcome = FlagsUpdated
		return res
	}

	conv.Messages = insertSorted(conv.Messages, msg)
	r.reorderLocked()
	r.version++
	res.Outcome = Applied
	return res
}

// Conversations returns a deep copy of the list, most recent first.
func (r *Reconciler) Conversations() []Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conversation, len(r.convs))
	for i := range r.convs {
		out[i] = r.convs[i].clone()
	}
	return out
}

// Conversation returns a deep copy of one conversation.
func (r *Reconciler) Conversation(id string) (Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	at, ok := r.index[id]
	if !ok {
		return Conversation{}, false
	}
	return r.convs[at].clone(), true
}

// Len returns the number of conversations.
func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.convs)
}

// Version increments on every change to the list.
func (r *Reconciler) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

func (r *Reconciler) reorderLocked() {
	slices.SortStableFunc(r.convs, func(a, b Conversation) int {
		if c := b.LastActivity().Compare(a.LastActivity()); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	clear(r.index)
	for i := range r.convs {
		r.index[r.convs[i].ID] = i
	}
}

func compareMessages(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// dedupeMessages sorts msgs and drops repeated ids, OR-ing their flags.
func dedupeMessages(msgs []Message) []Message {
	byID := make(map[string]int, len(msgs))
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if at, ok := byID[m.ID]; ok {
			out[at].Edited = out[at].Edited || m.Edited
			out[at].Deleted = out[at].Deleted || m.Deleted
			continue
		}
		byID[m.ID] = len(out)
		out = append(out, m)
	}
	slices.SortStableFunc(out, compareMessages)
	return out
}

func insertSorted(msgs []Message, m Message) []Message {
	at, _ := slices.BinarySearchFunc(msgs, m, compareMessages)
	return slices.Insert(msgs, at, m)
}
