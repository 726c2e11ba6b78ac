package chat

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventPrivateMessage is the channel event carrying a live chat message.
const EventPrivateMessage = "private-message"

// messageNamespace seeds derived message ids.
var messageNamespace = uuid.MustParse("6f1c1c2e-8a4b-5d7e-9c55-3e0c8f2a9b10")

var errMissingChatID = errors.New("chat: event has no chatId")

// LiveMessageEvent is the private-message payload as delivered by the server.
// Every field except ChatID is optional.
type LiveMessageEvent struct {
	ID         string          `json:"id,omitempty"`
	ChatID     string          `json:"chatId"`
	FromUserID string          `json:"fromUserId,omitempty"`
	UserID     string          `json:"userId,omitempty"`
	ToUserID   string          `json:"toUserId,omitempty"`
	Content    string          `json:"content,omitempty"`
	Type       string          `json:"type,omitempty"`
	CreatedAt  json.RawMessage `json:"created_at,omitempty"`
	Edited     bool            `json:"edited,omitempty"`
	Deleted    bool            `json:"deleted,omitempty"`
}

// DecodeLiveMessage parses a private-message data payload.
func DecodeLiveMessage(data []byte) (LiveMessageEvent, error) {
	var evt LiveMessageEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return LiveMessageEvent{}, err
	}
	return evt, nil
}

// Normalize maps a live event onto the canonical Message. received is used
// when the event carries no usable timestamp.
func Normalize(evt LiveMessageEvent, received time.Time) (Message, error) {
	chatID := strings.TrimSpace(evt.ChatID)
	if chatID == "" {
		return Message{}, errMissingChatID
	}
	author := evt.FromUserID
	if author == "" {
		author = evt.UserID
	}
	created, ok := ParseTimestamp(evt.CreatedAt)
	if !ok {
		created = received
	}
	id := evt.ID
	if id == "" {
		id = DeriveMessageID(chatID, author, evt.Content, evt.CreatedAt)
	}
	return Message{
		ID:          id,
		ChatID:      chatID,
		AuthorID:    author,
		RecipientID: evt.ToUserID,
		Type:        NormalizeType(evt.Type),
		Content:     evt.Content,
		CreatedAt:   created.UTC(),
		Edited:      evt.Edited,
		Deleted:     evt.Deleted,
	}, nil
}

// DeriveMessageID returns a stable id for a payload that arrived without one,
// so a re-delivery maps to the same message.
func DeriveMessageID(chatID, author, content string, rawCreatedAt []byte) string {
	key := strings.Join([]string{chatID, author, content, string(rawCreatedAt)}, "\x00")
	return uuid.NewSHA1(messageNamespace, []byte(key)).String()
}

// NormalizeType maps server type strings onto the three canonical types.
func NormalizeType(s string) MessageType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "call", "call_event", "announcement", "system":
		return TypeAnnouncement
	case "image", "video", "audio", "media", "file", "attachment":
		return TypeMedia
	default:
		return TypeText
	}
}

// ParseTimestamp accepts an RFC3339 string, an epoch-millisecond number, or
// a numeric string holding epoch milliseconds.
func ParseTimestamp(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, true
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms), true
		}
		return time.Time{}, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if ms, err := n.Int64(); err == nil {
			return time.UnixMilli(ms), true
		}
		if f, err := n.Float64(); err == nil {
			return time.UnixMilli(int64(f)), true
		}
	}
	return time.Time{}, false
}
