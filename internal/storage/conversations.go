package storage

import (
	"context"
	"fmt"
	"time"
)

const (
	ConversationDirect = "direct"
	ConversationGroup  = "group"
)

// CreateConversation creates a conversation and enrolls its initial members.
func (d *DB) CreateConversation(ctx context.Context, kind, name string, memberIDs []int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := toUnix(time.Now())
	res, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (kind, name, created_at) VALUES (?, ?, ?)`,
		kind, name, now,
	)
	if err != nil {
		return 0, fmt.Errorf("create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, uid := range memberIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO participants (conversation_id, user_id, joined_at)
			VALUES (?, ?, ?)`, id, uid, now); err != nil {
			return 0, fmt.Errorf("enroll user %d: %w", uid, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// IsMember reports whether a principal is a current (not departed) member of
// a conversation.
func (d *DB) IsMember(ctx context.Context, conversationID, userID int64) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var n int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM participants
		WHERE conversation_id = ? AND user_id = ? AND left_at = 0`,
		conversationID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("membership lookup: %w", err)
	}
	return n > 0, nil
}

// LeaveConversation marks a member as departed. Departed members keep their
// message history but lose channel access.
func (d *DB) LeaveConversation(ctx context.Context, conversationID, userID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx, `
		UPDATE participants SET left_at = ?
		WHERE conversation_id = ? AND user_id = ? AND left_at = 0`,
		toUnix(time.Now()), conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("leave conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ParticipantIDs returns the current member ids of a conversation.
func (d *DB) ParticipantIDs(ctx context.Context, conversationID int64) ([]int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, `
		SELECT user_id FROM participants
		WHERE conversation_id = ? AND left_at = 0
		ORDER BY user_id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
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
