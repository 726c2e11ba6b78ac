// Package chat keeps an ordered, deduplicated conversation list consistent
// across wholesale snapshots and live message events.
package chat

import "time"

// MessageType is the canonical message category.
type MessageType string

const (
	TypeText         MessageType = "text"
	TypeAnnouncement MessageType = "announcement"
	TypeMedia        MessageType = "media"
)

// Message is immutable except for the Edited and Deleted flags, which only
// ever go from false to true.
type Message struct {
	ID          string      `json:"id"`
	ChatID      string      `json:"chatId"`
	AuthorID    string      `json:"authorId"`
	RecipientID string      `json:"recipientId,omitempty"`
	Type        MessageType `json:"type"`
	Content     string      `json:"content"`
	CreatedAt   time.Time   `json:"created_at"`
	Edited      bool        `json:"edited"`
	Deleted     bool        `json:"deleted"`
}

// Participant is a member of a conversation.
type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"name,omitempty"`
}

// Conversation is server-assigned; it is never created locally.
type Conversation struct {
	ID           string        `json:"id"`
	CreatedAt    time.Time     `json:"created_at"`
	Participants []Participant `json:"participants"`
	Messages     []Message     `json:"messages"`
}

// LastActivity is the later of the creation time and the newest message.
func (c *Conversation) LastActivity() time.Time {
	last := c.CreatedAt
	for i := range c.Messages {
		if c.Messages[i].CreatedAt.After(last) {
			last = c.Messages[i].CreatedAt
		}
	}
	return last
}

// Newest returns the most recent message, if any.
func (c *Conversation) Newest() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// hasParticipant reports whether id takes part in c. A conversation without a
// participant list came from the user's own snapshot and counts as theirs.
func (c *Conversation) hasParticipant(id string) bool {
	if len(c.Participants) == 0 {
		return true
	}
	for _, p := range c.Participants {
		if p.UserID == id {
			return true
		}
	}
	return false
}

func (c Conversation) clone() Conversation {
	out := c
	out.Participants = append([]Participant(nil), c.Participants...)
	out.Messages = append([]Message(nil), c.Messages...)
	return out
}

// Outcome classifies the effect of a live message.
type Outcome int

const (
	Applied Outcome = iota
	FlagsUpdated
	Duplicate
	Ignored
	NeedsRefetch
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case FlagsUpdated:
		return "flags_updated"
	case Duplicate:
		return "duplicate"
	case Ignored:
		return "ignored"
	case NeedsRefetch:
		return "needs_refetch"
	default:
		return "unknown"
	}
}

// Result is returned by ApplyLiveMessage.
type Result struct {
	Outcome        Outcome
	ConversationID string
	Message        Message
	Reason         string
}

// Changed reports whether the conversation list was modified.
func (r Result) Changed() bool {
	return r.Outcome == Applied || r.Outcome == FlagsUpdated
}
