package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/parley-chat/parley/internal/callsession"
)

// CreateCall persists a new call record.
func (d *DB) CreateCall(ctx context.Context, rec *callsession.Record) error {
	invited, _ := json.Marshal(rec.Invited)
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO calls
			(id, conversation_id, caller_id, receiver_id, invited, kind, status,
			 started_at, ended_at, duration, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversationID, rec.CallerID, rec.ReceiverID, string(invited),
		string(rec.Kind), string(rec.Status),
		toUnix(rec.StartedAt), toUnix(rec.EndedAt), rec.Duration, toUnix(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create call: %w", err)
	}
	return nil
}

// UpdateCall rewrites a call's mutable lifecycle fields.
func (d *DB) UpdateCall(ctx context.Context, rec *callsession.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx, `
		UPDATE calls SET status = ?, started_at = ?, ended_at = ?, duration = ?
		WHERE id = ?`,
		string(rec.Status), toUnix(rec.StartedAt), toUnix(rec.EndedAt), rec.Duration, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return callsession.ErrNotFound
	}
	return nil
}

// CallByID loads one call record.
func (d *DB) CallByID(ctx context.Context, id string) (*callsession.Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, err := scanCall(d.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, caller_id, receiver_id, invited, kind, status,
		       started_at, ended_at, duration, created_at
		FROM calls WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// CallsForUser returns the calls a principal took part in, newest first.
func (d *DB) CallsForUser(ctx context.Context, userID int64, limit int) ([]*callsession.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	// invited is a JSON array; match the id between brackets or commas.
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, conversation_id, caller_id, receiver_id, invited, kind, status,
		       started_at, ended_at, duration, created_at
		FROM calls
		WHERE caller_id = ? OR receiver_id = ?
		   OR invited LIKE ? OR invited LIKE ? OR invited LIKE ? OR invited = ?
		ORDER BY created_at DESC LIMIT ?`,
		userID, userID,
		fmt.Sprintf("[%d,%%", userID), fmt.Sprintf("%%,%d,%%", userID),
		fmt.Sprintf("%%,%d]", userID), fmt.Sprintf("[%d]", userID),
		limit)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()
	var out []*callsession.Record
	for rows.Next() {
		rec, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (*callsession.Record, error) {
	var rec callsession.Record
	var invited, kind, status string
	var started, ended, created int64
	err := row.Scan(&rec.ID, &rec.ConversationID, &rec.CallerID, &rec.ReceiverID,
		&invited, &kind, &status, &started, &ended, &rec.Duration, &created)
	if err != nil {
		if err := notFound(err); err == ErrNotFound {
			return nil, callsession.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(invited), &rec.Invited); err != nil {
		return nil, fmt.Errorf("decode invited set: %w", err)
	}
	if len(rec.Invited) == 0 {
		rec.Invited = nil
	}
	rec.Kind = callsession.Kind(kind)
	rec.Status = callsession.Status(status)
	rec.StartedAt = fromUnix(started)
	rec.EndedAt = fromUnix(ended)
	rec.CreatedAt = fromUnix(created)
	return &rec, nil
}
