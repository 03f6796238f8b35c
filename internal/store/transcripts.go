package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// TranscriptEntry is one utterance (or a streaming fragment of one) in a
// session.
type TranscriptEntry struct {
	ID          int64
	SessionID   string
	UserID      string // empty for anonymous
	Role        string
	Content     string
	Confidence  float64
	TimestampMs int64
	IsFinal     bool
}

// SaveTranscript persists a transcript entry with streaming collapse: the
// newest non-final row for (session, role) is updated in place instead of
// inserting a new row, so after a final arrives no stale non-final rows
// remain. Runs inside a transaction; the find-then-write pair must be atomic.
func (s *Store) SaveTranscript(ctx context.Context, e TranscriptEntry) error {
	if e.Role != RoleUser && e.Role != RoleAssistant && e.Role != RoleSystem {
		return fmt.Errorf("store: save transcript: invalid role %q", e.Role)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save transcript: begin: %w", err)
	}
	defer tx.Rollback()

	const findQ = `
		SELECT id
		FROM   transcripts
		WHERE  session_id = ? AND role = ? AND is_final = 0
		ORDER  BY timestamp_ms DESC, id DESC
		LIMIT  1`

	var existingID int64
	err = tx.QueryRowContext(ctx, findQ, e.SessionID, e.Role).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		const insertQ = `
			INSERT INTO transcripts
			    (session_id, user_id, role, content, confidence, timestamp_ms, is_final)
			VALUES (?, ?, ?, ?, ?, ?, ?)`
		_, err = tx.ExecContext(ctx, insertQ,
			e.SessionID, nullableString(e.UserID), e.Role,
			e.Content, e.Confidence, e.TimestampMs, boolToInt(e.IsFinal))
		if err != nil {
			return fmt.Errorf("store: save transcript: insert: %w", err)
		}

	case err != nil:
		return fmt.Errorf("store: save transcript: find non-final: %w", err)

	default:
		const updateQ = `
			UPDATE transcripts
			SET    content = ?, confidence = ?, timestamp_ms = ?, is_final = ?
			WHERE  id = ?`
		_, err = tx.ExecContext(ctx, updateQ,
			e.Content, e.Confidence, e.TimestampMs, boolToInt(e.IsFinal), existingID)
		if err != nil {
			return fmt.Errorf("store: save transcript: collapse: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: save transcript: commit: %w", err)
	}
	return nil
}

// TranscriptsForSession returns all entries for a session in timestamp
// order. Used by the summariser at session end.
func (s *Store) TranscriptsForSession(ctx context.Context, sessionID string) ([]TranscriptEntry, error) {
	const q = `
		SELECT id, session_id, user_id, role, content, confidence, timestamp_ms, is_final
		FROM   transcripts
		WHERE  session_id = ?
		ORDER  BY timestamp_ms, id`

	rows, err := s.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: transcripts for session: %w", err)
	}
	defer rows.Close()

	var out []TranscriptEntry
	for rows.Next() {
		var (
			e       TranscriptEntry
			userID  sql.NullString
			isFinal int
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &userID, &e.Role,
			&e.Content, &e.Confidence, &e.TimestampMs, &isFinal); err != nil {
			return nil, fmt.Errorf("store: transcripts for session: scan: %w", err)
		}
		e.UserID = userID.String
		e.IsFinal = isFinal != 0
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: transcripts for session: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
