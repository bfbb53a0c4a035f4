package storage

import (
	"context"
	"fmt"
	"time"
)

// Message is one persisted conversation entry. Encrypted payloads travel in
// Content opaque to the server.
type Message struct {
	ID             string
	ConversationID int64
	SenderID       int64
	Type           string // "text", "file", "audio"
	Content        string
	FilePath       string
	FileName       string
	IsEdited       bool
	CreatedAt      time.Time
}

// SaveMessage persists a new message.
func (d *DB) SaveMessage(ctx context.Context, m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO messages
			(id, conversation_id, sender_id, type, content, file_path, file_name, is_edited, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.Type, m.Content, m.FilePath, m.FileName,
		toUnix(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// EditMessage replaces a message's content and flags it edited. Only the
// original sender may edit.
func (d *DB) EditMessage(ctx context.Context, messageID string, senderID int64, content string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx, `
		UPDATE messages SET content = ?, is_edited = 1
		WHERE id = ? AND sender_id = ?`,
		content, messageID, senderID,
	)
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MessageByID fetches one message.
func (d *DB) MessageByID(ctx context.Context, id string) (*Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var m Message
	var edited int
	var created int64
	err := d.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, type, content, file_path, file_name, is_edited, created_at
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Type, &m.Content,
			&m.FilePath, &m.FileName, &edited, &created)
	if err != nil {
		return nil, notFound(err)
	}
	m.IsEdited = edited != 0
	m.CreatedAt = fromUnix(created)
	return &m, nil
}

// MessagesFor returns a conversation's most recent messages, oldest first.
func (d *DB) MessagesFor(ctx context.Context, conversationID int64, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, type, content, file_path, file_name, is_edited, created_at
		FROM (
			SELECT * FROM messages WHERE conversation_id = ?
			ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		var m Message
		var edited int
		var created int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Type, &m.Content,
			&m.FilePath, &m.FileName, &edited, &created); err != nil {
			return nil, err
		}
		m.IsEdited = edited != 0
		m.CreatedAt = fromUnix(created)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// MarkRead records a read receipt. Idempotent: re-reading keeps the first
// timestamp.
func (d *DB) MarkRead(ctx context.Context, messageID string, userID int64, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO message_reads (message_id, user_id, read_at)
		VALUES (?, ?, ?)
		ON CONFLICT(message_id, user_id) DO NOTHING`,
		messageID, userID, toUnix(at),
	)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// ReadBy returns the user ids that have read a message.
func (d *DB) ReadBy(ctx context.Context, messageID string) ([]int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, `
		SELECT user_id FROM message_reads WHERE message_id = ? ORDER BY read_at`,
		messageID)
	if err != nil {
		return nil, fmt.Errorf("list reads: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
