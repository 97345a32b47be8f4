package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"kamesync/internal/models"
)

const (
	keyUser    = "user_profile"
	keySummary = "summary"

	pendingCounterPrefix = "pending_id:"
)

// GetScalar returns the raw value for a key, or ErrNotFound.
func (s *Store) GetScalar(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM scalar_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get scalar %s: %w", key, err)
	}
	return value, nil
}

// SetScalar stores a raw value under a key.
func (s *Store) SetScalar(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO scalar_state (key, value, updated_at)
        VALUES (?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now())
	if err != nil {
		return fmt.Errorf("set scalar %s: %w", key, err)
	}
	return nil
}

// NextPendingID mints the next provisional id for an entity kind. Counters
// start at -1 and only decrease, and are persisted so ids stay unique across
// restarts.
func (s *Store) NextPendingID(ctx context.Context, kind string) (models.EntityID, error) {
	key := pendingCounterPrefix + kind

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin pending id tx: %w", err)
	}
	defer tx.Rollback()

	var current int64
	var raw string
	err = tx.QueryRowContext(ctx, `SELECT value FROM scalar_state WHERE key = ?`, key).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		current = 0
	case err != nil:
		return 0, fmt.Errorf("read pending counter %s: %w", kind, err)
	default:
		current, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse pending counter %s: %w", kind, err)
		}
	}

	next := current - 1
	_, err = tx.ExecContext(ctx, `INSERT INTO scalar_state (key, value, updated_at)
        VALUES (?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, strconv.FormatInt(next, 10), time.Now())
	if err != nil {
		return 0, fmt.Errorf("write pending counter %s: %w", kind, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit pending counter %s: %w", kind, err)
	}
	return models.EntityID(next), nil
}

// SaveUser persists the profile record.
func (s *Store) SaveUser(ctx context.Context, user *models.User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	return s.SetScalar(ctx, keyUser, string(data))
}

// GetUser returns the cached profile or ErrNotFound.
func (s *Store) GetUser(ctx context.Context) (*models.User, error) {
	raw, err := s.GetScalar(ctx, keyUser)
	if err != nil {
		return nil, err
	}
	var user models.User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return &user, nil
}

// SaveSummary persists the pending lessons/reviews mirror.
func (s *Store) SaveSummary(ctx context.Context, summary *models.Summary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return s.SetScalar(ctx, keySummary, string(data))
}

// GetSummary returns the cached summary or ErrNotFound.
func (s *Store) GetSummary(ctx context.Context) (*models.Summary, error) {
	raw, err := s.GetScalar(ctx, keySummary)
	if err != nil {
		return nil, err
	}
	var summary models.Summary
	if err := json.Unmarshal([]byte(raw), &summary); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &summary, nil
}
