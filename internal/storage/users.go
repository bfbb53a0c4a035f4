package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/parley-chat/parley/internal/event"
)

// User is a registered principal.
type User struct {
	ID           int64
	Name         string
	Avatar       string
	PublicKey    []byte
	Online       bool
	LastActiveAt time.Time
	CreatedAt    time.Time
}

// CreateUser registers a principal and returns its id.
func (d *DB) CreateUser(ctx context.Context, name, avatar string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO users (name, avatar, created_at) VALUES (?, ?, ?)`,
		name, avatar, toUnix(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("create user: %w", err)
	}
	return res.LastInsertId()
}

// UserByID returns a principal's full record.
func (d *DB) UserByID(ctx context.Context, id int64) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var u User
	var online int
	var lastActive, created int64
	err := d.db.QueryRowContext(ctx, `
		SELECT id, name, avatar, COALESCE(public_key, X''), is_online, last_active_at, created_at
		FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Name, &u.Avatar, &u.PublicKey, &online, &lastActive, &created)
	if err != nil {
		return User{}, notFound(err)
	}
	u.Online = online != 0
	u.LastActiveAt = fromUnix(lastActive)
	u.CreatedAt = fromUnix(created)
	if len(u.PublicKey) == 0 {
		u.PublicKey = nil
	}
	return u, nil
}

// Member resolves a principal's roster identity.
func (d *DB) Member(ctx context.Context, userID int64) (event.Member, error) {
	u, err := d.UserByID(ctx, userID)
	if err != nil {
		return event.Member{}, err
	}
	return event.Member{ID: u.ID, Name: u.Name, Avatar: u.Avatar, Online: u.Online}, nil
}

// SetOnline flips a principal's online flag and stamps last activity.
func (d *DB) SetOnline(ctx context.Context, userID int64, online bool) error {
	flag := 0
	if online {
		flag = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx, `
		UPDATE users SET is_online = ?, last_active_at = ? WHERE id = ?`,
		flag, toUnix(time.Now()), userID,
	)
	if err != nil {
		return fmt.Errorf("set online: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPublicKey publishes a principal's encryption public key.
func (d *DB) SetPublicKey(ctx context.Context, userID int64, key []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx, `
		UPDATE users SET public_key = ? WHERE id = ?`, key, userID)
	if err != nil {
		return fmt.Errorf("set public key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PublicKey returns a principal's published encryption key, ErrNotFound when
// none was published.
func (d *DB) PublicKey(ctx context.Context, userID int64) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var key []byte
	err := d.db.QueryRowContext(ctx, `
		SELECT COALESCE(public_key, X'') FROM users WHERE id = ?`, userID).Scan(&key)
	if err != nil {
		return nil, notFound(err)
	}
	if len(key) == 0 {
		return nil, ErrNotFound
	}
	return key, nil
}
