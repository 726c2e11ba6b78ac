package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/heartline/internal/chat"
)

// ReplaceConversations overwrites the owner's cached conversation list with
// a snapshot in one transaction.
func (db *DB) ReplaceConversations(ownerID string, convs []chat.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"messages", "participants", "conversations"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE owner_id = ?`, ownerID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	now := time.Now().UnixMilli()
	for _, c := range convs {
		if _, err := tx.Exec(`
			INSERT INTO conversations (owner_id, id, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(owner_id, id) DO UPDATE SET updated_at = excluded.updated_at`,
			ownerID, c.ID, toMillis(c.CreatedAt), now); err != nil {
			return fmt.Errorf("insert conversation %s: %w", c.ID, err)
		}
		for i, p := range c.Participants {
			if _, err := tx.Exec(`
				INSERT INTO participants (owner_id, conversation_id, user_id, display_name, position)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(owner_id, conversation_id, user_id) DO UPDATE SET
					display_name = excluded.display_name,
					position = excluded.position`,
				ownerID, c.ID, p.UserID, p.DisplayName, i); err != nil {
				return fmt.Errorf("insert participant: %w", err)
			}
		}
		for _, m := range c.Messages {
			if err := upsertMessage(tx, ownerID, m); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// UpsertMessage stores one live message. Edited and deleted flags never go
// back to false.
func (db *DB) UpsertMessage(ownerID string, m chat.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertMessage(tx, ownerID, m); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE conversations SET updated_at = ? WHERE owner_id = ? AND id = ?`,
		time.Now().UnixMilli(), ownerID, m.ChatID); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return tx.Commit()
}

func upsertMessage(tx *sql.Tx, ownerID string, m chat.Message) error {
	_, err := tx.Exec(`
		INSERT INTO messages (owner_id, conversation_id, id, author_id, recipient_id, type, content, created_at, edited, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, conversation_id, id) DO UPDATE SET
			edited = MAX(messages.edited, excluded.edited),
			deleted = MAX(messages.deleted, excluded.deleted)`,
		ownerID, m.ChatID, m.ID, m.AuthorID, m.RecipientID, string(m.Type), m.Content,
		toMillis(m.CreatedAt), m.Edited, m.Deleted)
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", m.ID, err)
	}
	return nil
}

// LoadConversations returns the owner's cached conversations with their
// participants and messages. Order is not significant; the reconciler sorts.
func (db *DB) LoadConversations(ownerID string) ([]chat.Conversation, error) {
	rows, err := db.Query(`SELECT id, created_at FROM conversations WHERE owner_id = ?`, ownerID)
	if err != nil {
		return nil, err
	}
	var convs []chat.Conversation
	index := make(map[string]int)
	for rows.Next() {
		var c chat.Conversation
		var created int64
		if err := rows.Scan(&c.ID, &created); err != nil {
			_ = rows.Close()
			return nil, err
		}
		c.CreatedAt = fromMillis(created)
		index[c.ID] = len(convs)
		convs = append(convs, c)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	prows, err := db.Query(`
		SELECT conversation_id, user_id, display_name FROM participants
		WHERE owner_id = ? ORDER BY conversation_id, position`, ownerID)
	if err != nil {
		return nil, err
	}
	for prows.Next() {
		var convID string
		var p chat.Participant
		if err := prows.Scan(&convID, &p.UserID, &p.DisplayName); err != nil {
			_ = prows.Close()
			return nil, err
		}
		if at, ok := index[convID]; ok {
			convs[at].Participants = append(convs[at].Participants, p)
		}
	}
	_ = prows.Close()
	if err := prows.Err(); err != nil {
		return nil, err
	}

	mrows, err := db.Query(`
		SELECT conversation_id, id, author_id, recipient_id, type, content, created_at, edited, deleted
		FROM messages WHERE owner_id = ?
		ORDER BY conversation_id, created_at, id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = mrows.Close() }()
	for mrows.Next() {
		var m chat.Message
		var typ string
		var created int64
		if err := mrows.Scan(&m.ChatID, &m.ID, &m.AuthorID, &m.RecipientID, &typ, &m.Content, &created, &m.Edited, &m.Deleted); err != nil {
			return nil, err
		}
		m.Type = chat.MessageType(typ)
		m.CreatedAt = fromMillis(created)
		if at, ok := index[m.ChatID]; ok {
			convs[at].Messages = append(convs[at].Messages, m)
		}
	}
	return convs, mrows.Err()
}

// CountMessages returns the number of cached messages for a conversation.
func (db *DB) CountMessages(ownerID, conversationID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE owner_id = ? AND conversation_id = ?`,
		ownerID, conversationID).Scan(&n)
	return n, err
}
