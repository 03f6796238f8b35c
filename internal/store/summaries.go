package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Summary is a condensed record of one or more past sessions for a user,
// produced by the summariser and injected into future conversation context.
type Summary struct {
	ID            int64
	UserID        string
	FromSessionID string
	ToSessionID   string // empty when the summary covers a single session
	Summary       string
	TurnCount     int
	CreatedAt     time.Time
}

// InsertSummary stores a new conversation summary.
func (s *Store) InsertSummary(ctx context.Context, sum Summary) error {
	const q = `
		INSERT INTO conversation_summaries
		    (user_id, from_session_id, to_session_id, summary, turn_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, q,
		sum.UserID, sum.FromSessionID, nullableString(sum.ToSessionID),
		sum.Summary, sum.TurnCount, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: insert summary: %w", err)
	}
	return nil
}

// RecentSummariesForUser returns up to limit summaries for a user, newest
// first. The retrieval assembler reverses them into chronological order when
// building context.
func (s *Store) RecentSummariesForUser(ctx context.Context, userID string, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 5
	}
	const q = `
		SELECT id, user_id, from_session_id, to_session_id, summary, turn_count, created_at
		FROM   conversation_summaries
		WHERE  user_id = ?
		ORDER  BY created_at DESC, id DESC
		LIMIT  ?`

	rows, err := s.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent summaries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum       Summary
			toSession sql.NullString
			createdMs int64
		)
		if err := rows.Scan(&sum.ID, &sum.UserID, &sum.FromSessionID,
			&toSession, &sum.Summary, &sum.TurnCount, &createdMs); err != nil {
			return nil, fmt.Errorf("store: recent summaries: scan: %w", err)
		}
		sum.ToSessionID = toSession.String
		sum.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: recent summaries: %w", err)
	}
	return out, nil
}
