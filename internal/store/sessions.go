package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session is the persisted row backing one in-memory session.
type Session struct {
	ID        string
	UserID    string // empty for anonymous sessions
	StartedAt time.Time
	EndedAt   time.Time // zero when still open
	EndReason string
	Metadata  map[string]any
}

// CreateSession records a new session row. userID may be empty for anonymous
// sessions. If an [Store.EnsureSession] placeholder already exists (the audit
// path may race session creation), the row is completed in place.
func (s *Store) CreateSession(ctx context.Context, id, userID string, metadata map[string]any) error {
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}

	const q = `
		INSERT INTO sessions (id, user_id, started_at, metadata)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			user_id  = excluded.user_id,
			metadata = excluded.metadata`

	_, err = s.db.ExecContext(ctx, q, id, nullableString(userID), s.now().UnixMilli(), meta)
	if err != nil {
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

// EnsureSession inserts a minimal session row when none exists. The audit
// trail calls this before every event insert so the foreign key can never
// fail, even when an event for a session arrives before the session row.
func (s *Store) EnsureSession(ctx context.Context, id string) error {
	if _, err := s.ensureSession.ExecContext(ctx, id, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("store: ensure session %s: %w", id, err)
	}
	return nil
}

// EndSession stamps the end time and reason on a session row.
func (s *Store) EndSession(ctx context.Context, id, reason string) error {
	const q = `UPDATE sessions SET ended_at = ?, end_reason = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, s.now().UnixMilli(), reason, id); err != nil {
		return fmt.Errorf("store: end session %s: %w", id, err)
	}
	return nil
}

// GetSession loads a session row, or nil when absent.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	const q = `
		SELECT id, user_id, started_at, ended_at, end_reason, metadata
		FROM   sessions
		WHERE  id = ?`

	var (
		sess      Session
		userID    sql.NullString
		startedMs int64
		endedMs   sql.NullInt64
		endReason sql.NullString
		rawMeta   string
	)
	err := s.db.QueryRowContext(ctx, q, id).
		Scan(&sess.ID, &userID, &startedMs, &endedMs, &endReason, &rawMeta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session %s: %w", id, err)
	}

	sess.UserID = userID.String
	sess.StartedAt = time.UnixMilli(startedMs)
	if endedMs.Valid {
		sess.EndedAt = time.UnixMilli(endedMs.Int64)
	}
	sess.EndReason = endReason.String
	sess.Metadata = decodeMetadata(rawMeta)
	return &sess, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
