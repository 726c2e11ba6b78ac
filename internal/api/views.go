package api

import (
	"time"

	"github.com/matheus3301/heartline/internal/callstate"
	"github.com/matheus3301/heartline/internal/chat"
	"github.com/matheus3301/heartline/internal/realtime"
	"github.com/matheus3301/heartline/internal/store"
	syncpkg "github.com/matheus3301/heartline/internal/sync"
)

type StatusView struct {
	Session     string       `json:"session"`
	UptimeMs    int64        `json:"uptime_ms"`
	LoggedIn    bool         `json:"logged_in"`
	UserID      string       `json:"user_id,omitempty"`
	DisplayName string       `json:"display_name,omitempty"`
	Channel     *ChannelView `json:"channel,omitempty"`
	Sync        *SyncView    `json:"sync,omitempty"`
	Call        *CallView    `json:"call,omitempty"`
}

type ChannelView struct {
	State             string `json:"state"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
	LastError         string `json:"last_error,omitempty"`
	Dials             int    `json:"dials"`
	ConnectedAtUnixMs int64  `json:"connected_at_unix_ms,omitempty"`
}

type SyncView struct {
	Conversations      int    `json:"conversations"`
	LastSnapshotUnixMs int64  `json:"last_snapshot_unix_ms,omitempty"`
	LastError          string `json:"last_error,omitempty"`
	Fetching           bool   `json:"fetching"`
}

type CallView struct {
	Phase             string   `json:"phase"`
	CallID            string   `json:"call_id,omitempty"`
	Kind              string   `json:"kind,omitempty"`
	Direction         string   `json:"direction,omitempty"`
	PeerID            string   `json:"peer_id,omitempty"`
	PeerName          string   `json:"peer_name,omitempty"`
	MicEnabled        bool     `json:"mic_enabled"`
	CameraEnabled     bool     `json:"camera_enabled"`
	Permissions       []string `json:"permissions,omitempty"`
	EndReason         string   `json:"end_reason,omitempty"`
	StartedAtUnixMs   int64    `json:"started_at_unix_ms,omitempty"`
	ConnectedAtUnixMs int64    `json:"connected_at_unix_ms,omitempty"`
	EndedAtUnixMs     int64    `json:"ended_at_unix_ms,omitempty"`
}

type ConversationView struct {
	ID                 string         `json:"id"`
	Participants       []string       `json:"participants"`
	Title              string         `json:"title"`
	LastActivityUnixMs int64          `json:"last_activity_unix_ms"`
	MessageCount       int            `json:"message_count"`
	LastMessage        *MessageView   `json:"last_message,omitempty"`
	Messages           []*MessageView `json:"messages,omitempty"`
}

type MessageView struct {
	ID              string `json:"id"`
	AuthorID        string `json:"author_id"`
	RecipientID     string `json:"recipient_id,omitempty"`
	Type            string `json:"type"`
	Content         string `json:"content"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
	Edited          bool   `json:"edited,omitempty"`
	Deleted         bool   `json:"deleted,omitempty"`
}

type CallRecordView struct {
	CallID          string `json:"call_id"`
	Kind            string `json:"kind"`
	Direction       string `json:"direction"`
	PeerID          string `json:"peer_id"`
	EndReason       string `json:"end_reason"`
	StartedAtUnixMs int64  `json:"started_at_unix_ms"`
	DurationMs      int64  `json:"duration_ms"`
}

// Event is one bus event as streamed by WatchEvents.
type Event struct {
	EventID          string         `json:"event_id"`
	Session          string         `json:"session"`
	Kind             string         `json:"kind"`
	OccurredAtUnixMs int64          `json:"occurred_at_unix_ms"`
	Payload          map[string]any `json:"payload,omitempty"`
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func channelView(c realtime.Connection) *ChannelView {
	return &ChannelView{
		State:             c.State.String(),
		ConsecutiveErrors: c.ConsecutiveErrors,
		LastError:         c.LastError,
		Dials:             c.Dials,
		ConnectedAtUnixMs: unixMs(c.ConnectedAt),
	}
}

func syncView(s syncpkg.Status, conversations int) *SyncView {
	return &SyncView{
		Conversations:      conversations,
		LastSnapshotUnixMs: unixMs(s.LastSnapshot),
		LastError:          s.LastError,
		Fetching:           s.Fetching,
	}
}

func callView(s callstate.Snapshot) *CallView {
	v := &CallView{
		Phase:             s.Phase.String(),
		CallID:            s.CallID,
		Kind:              string(s.Kind),
		Direction:         string(s.Direction),
		PeerID:            s.PeerID,
		PeerName:          s.PeerName,
		MicEnabled:        s.MicEnabled,
		CameraEnabled:     s.CameraEnabled,
		EndReason:         s.EndReason,
		StartedAtUnixMs:   unixMs(s.StartedAt),
		ConnectedAtUnixMs: unixMs(s.ConnectedAt),
		EndedAtUnixMs:     unixMs(s.EndedAt),
	}
	for _, p := range s.Permissions {
		v.Permissions = append(v.Permissions, string(p))
	}
	return v
}

func messageView(m chat.Message) *MessageView {
	return &MessageView{
		ID:              m.ID,
		AuthorID:        m.AuthorID,
		RecipientID:     m.RecipientID,
		Type:            string(m.Type),
		Content:         m.Content,
		CreatedAtUnixMs: unixMs(m.CreatedAt),
		Edited:          m.Edited,
		Deleted:         m.Deleted,
	}
}

// conversationView summarizes c. The title is the other participants'
// display names; self is left out.
func conversationView(c chat.Conversation, self string, withMessages bool) *ConversationView {
	v := &ConversationView{
		ID:                 c.ID,
		LastActivityUnixMs: unixMs(c.LastActivity()),
		MessageCount:       len(c.Messages),
	}
	for _, p := range c.Participants {
		v.Participants = append(v.Participants, p.UserID)
		if p.UserID == self {
			continue
		}
		name := p.DisplayName
		if name == "" {
			name = p.UserID
		}
		if v.Title != "" {
			v.Title += ", "
		}
		v.Title += name
	}
	if v.Title == "" {
		v.Title = c.ID
	}
	if m, ok := c.Newest(); ok {
		v.LastMessage = messageView(m)
	}
	if withMessages {
		for _, m := range c.Messages {
			v.Messages = append(v.Messages, messageView(m))
		}
	}
	return v
}

func callRecordView(r store.CallRecord) *CallRecordView {
	return &CallRecordView{
		CallID:          r.CallID,
		Kind:            r.Kind,
		Direction:       r.Direction,
		PeerID:          r.PeerID,
		EndReason:       r.EndReason,
		StartedAtUnixMs: unixMs(r.StartedAt),
		DurationMs:      r.Duration().Milliseconds(),
	}
}
