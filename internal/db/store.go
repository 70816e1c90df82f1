package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnavailable is returned when the repository cannot be reached. Readers
// degrade to an empty user record; writers surface the error.
var ErrUnavailable = errors.New("repository unavailable")

// User is one chat user's persisted state.
type User struct {
	QQID           int64             `json:"qq_id"`
	Nickname       string            `json:"nickname"`
	IsPrivileged   bool              `json:"is_privileged"`
	SelectedStyles map[string]string `json:"selected_styles"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Store wraps the single SQLite connection with user-level operations.
// Writes to one user are serialized by a striped lock so that style
// selection is read-after-write consistent for that user.
type Store struct {
	db    *sql.DB
	locks [64]sync.Mutex
}

// NewStore creates a Store over an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for components that share the connection.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) userLock(qqID int64) *sync.Mutex {
	return &s.locks[uint64(qqID)%uint64(len(s.locks))]
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var styles string
	err := row.Scan(&u.QQID, &u.Nickname, &u.IsPrivileged, &styles, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(styles), &u.SelectedStyles); err != nil {
		u.SelectedStyles = map[string]string{}
	}
	if u.SelectedStyles == nil {
		u.SelectedStyles = map[string]string{}
	}
	return &u, nil
}

const userColumns = "qq_id, nickname, is_privileged, selected_styles, created_at, updated_at"

// GetUser returns the user or (nil, nil) when it does not exist.
func (s *Store) GetUser(ctx context.Context, qqID int64) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE qq_id = ?", qqID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return u, nil
}

// GetOrCreateUser returns the user, creating the row on first sighting.
func (s *Store) GetOrCreateUser(ctx context.Context, qqID int64, nickname string) (*User, error) {
	u, err := s.GetUser(ctx, qqID)
	if err != nil {
		return nil, err
	}
	if u != nil {
		return u, nil
	}

	lock := s.userLock(qqID)
	lock.Lock()
	defer lock.Unlock()

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO users (qq_id, nickname) VALUES (?, ?) ON CONFLICT(qq_id) DO NOTHING",
		qqID, nickname)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return s.GetUser(ctx, qqID)
}

// SelectStyle records the user's chosen command set for a category.
func (s *Store) SelectStyle(ctx context.Context, qqID int64, categoryID, setID string) error {
	lock := s.userLock(qqID)
	lock.Lock()
	defer lock.Unlock()

	u, err := s.GetUser(ctx, qqID)
	if err != nil {
		return err
	}
	styles := map[string]string{}
	if u != nil {
		styles = u.SelectedStyles
	}
	styles[categoryID] = setID
	enc, err := json.Marshal(styles)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (qq_id, selected_styles, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(qq_id) DO UPDATE SET selected_styles = excluded.selected_styles, updated_at = CURRENT_TIMESTAMP`,
		qqID, string(enc))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// SetPrivileged toggles the privileged flag, creating the user if needed.
func (s *Store) SetPrivileged(ctx context.Context, qqID int64, on bool) error {
	lock := s.userLock(qqID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (qq_id, is_privileged, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(qq_id) DO UPDATE SET is_privileged = excluded.is_privileged, updated_at = CURRENT_TIMESTAMP`,
		qqID, on)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// SetNickname stores the last seen nickname for a user.
func (s *Store) SetNickname(ctx context.Context, qqID int64, nickname string) error {
	if nickname == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET nickname = ?, updated_at = CURRENT_TIMESTAMP WHERE qq_id = ?",
		nickname, qqID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// ListUsers returns every known user ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users ORDER BY qq_id")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		var styles string
		if err := rows.Scan(&u.QQID, &u.Nickname, &u.IsPrivileged, &styles, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if json.Unmarshal([]byte(styles), &u.SelectedStyles) != nil || u.SelectedStyles == nil {
			u.SelectedStyles = map[string]string{}
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}
