package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// User is a stable identity keyed by a browser fingerprint. Sessions may be
// anonymous, in which case no user row is involved.
type User struct {
	ID          string
	Fingerprint string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	Metadata    map[string]any
}

// UpsertUser finds or creates the user for a fingerprint, bumping
// last_seen_at either way. The returned user carries the original
// first_seen_at, so callers can tell a brand-new user (first == last) from a
// returning one.
func (s *Store) UpsertUser(ctx context.Context, fingerprint string, metadata map[string]any) (*User, error) {
	if fingerprint == "" {
		return nil, fmt.Errorf("store: upsert user: fingerprint must not be empty")
	}

	meta, err := encodeMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("store: upsert user: %w", err)
	}

	nowMs := s.now().UnixMilli()
	const q = `
		INSERT INTO users (id, fingerprint, first_seen_at, last_seen_at, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO UPDATE SET last_seen_at = excluded.last_seen_at
		RETURNING id, fingerprint, first_seen_at, last_seen_at, metadata`

	var (
		u       User
		firstMs int64
		lastMs  int64
		rawMeta string
	)
	err = s.db.QueryRowContext(ctx, q, uuid.NewString(), fingerprint, nowMs, nowMs, meta).
		Scan(&u.ID, &u.Fingerprint, &firstMs, &lastMs, &rawMeta)
	if err != nil {
		return nil, fmt.Errorf("store: upsert user: %w", err)
	}

	u.FirstSeenAt = time.UnixMilli(firstMs)
	u.LastSeenAt = time.UnixMilli(lastMs)
	u.Metadata = decodeMetadata(rawMeta)
	return &u, nil
}

// UserByFingerprint returns the user for a fingerprint, or nil when unknown.
func (s *Store) UserByFingerprint(ctx context.Context, fingerprint string) (*User, error) {
	const q = `
		SELECT id, fingerprint, first_seen_at, last_seen_at, metadata
		FROM   users
		WHERE  fingerprint = ?`

	var (
		u       User
		firstMs int64
		lastMs  int64
		rawMeta string
	)
	err := s.db.QueryRowContext(ctx, q, fingerprint).
		Scan(&u.ID, &u.Fingerprint, &firstMs, &lastMs, &rawMeta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: user by fingerprint: %w", err)
	}

	u.FirstSeenAt = time.UnixMilli(firstMs)
	u.LastSeenAt = time.UnixMilli(lastMs)
	u.Metadata = decodeMetadata(rawMeta)
	return &u, nil
}

// SessionCountForUser counts all sessions ever recorded for a user.
func (s *Store) SessionCountForUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: session count for user: %w", err)
	}
	return n, nil
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(raw), nil
}

func decodeMetadata(raw string) map[string]any {
	if raw == "" || raw == "{}" {
		return map[string]any{}
	}
	m := map[string]any{}
	// Malformed metadata degrades to empty rather than failing the read.
	_ = json.Unmarshal([]byte(raw), &m)
	return m
}
