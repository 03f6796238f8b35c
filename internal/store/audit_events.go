package store

import (
	"context"
	"fmt"
)

// AuditEvent is the persisted form of one bus event. Payload is a JSON
// document, already sanitized by the audit trail before it reaches the
// store.
type AuditEvent struct {
	EventID     string
	SessionID   string
	EventType   string
	Source      string
	TimestampMs int64
	Payload     string
}

// InsertAuditEvent appends one event row. The insert is idempotent on
// event_id, so replays and retries cannot duplicate rows. Callers must have
// ensured the parent session row exists (see [Store.EnsureSession]); the
// foreign key is the backstop, not the mechanism.
func (s *Store) InsertAuditEvent(ctx context.Context, e AuditEvent) error {
	_, err := s.insertAudit.ExecContext(ctx,
		e.EventID, e.SessionID, e.EventType, e.Source, e.TimestampMs, e.Payload)
	if err != nil {
		return fmt.Errorf("store: insert audit event %s: %w", e.EventID, err)
	}
	return nil
}

// AuditEventsForSession returns a session's audit rows in timestamp order.
func (s *Store) AuditEventsForSession(ctx context.Context, sessionID string) ([]AuditEvent, error) {
	const q = `
		SELECT event_id, session_id, event_type, source, timestamp_ms, payload
		FROM   audit_events
		WHERE  session_id = ?
		ORDER  BY timestamp_ms, event_id`

	rows, err := s.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: audit events for session: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.EventID, &e.SessionID, &e.EventType,
			&e.Source, &e.TimestampMs, &e.Payload); err != nil {
			return nil, fmt.Errorf("store: audit events for session: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: audit events for session: %w", err)
	}
	return out, nil
}
