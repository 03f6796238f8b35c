package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema migrations, applied in order by [Store.Migrate]. Each entry runs in
// its own transaction together with the version bookkeeping, so a failed
// migration leaves the version table untouched.
//
// Never edit an applied migration; append a new one.
var migrations = []migration{
	{version: 1, ddl: ddlMigrationsV1},
}

type migration struct {
	version int
	ddl     string
}

const ddlMigrationsV1 = `
CREATE TABLE IF NOT EXISTS users (
    id             TEXT     PRIMARY KEY,
    fingerprint    TEXT     NOT NULL UNIQUE,
    first_seen_at  INTEGER  NOT NULL,
    last_seen_at   INTEGER  NOT NULL,
    metadata       TEXT     NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT     PRIMARY KEY,
    user_id     TEXT     REFERENCES users (id),
    started_at  INTEGER  NOT NULL,
    ended_at    INTEGER,
    end_reason  TEXT,
    metadata    TEXT     NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions (user_id);

CREATE TABLE IF NOT EXISTS transcripts (
    id            INTEGER  PRIMARY KEY AUTOINCREMENT,
    session_id    TEXT     NOT NULL REFERENCES sessions (id),
    user_id       TEXT     REFERENCES users (id),
    role          TEXT     NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
    content       TEXT     NOT NULL,
    confidence    REAL     NOT NULL DEFAULT 1.0,
    timestamp_ms  INTEGER  NOT NULL,
    is_final      INTEGER  NOT NULL DEFAULT 1 CHECK (is_final IN (0, 1))
);

CREATE INDEX IF NOT EXISTS idx_transcripts_session
    ON transcripts (session_id, timestamp_ms);

CREATE INDEX IF NOT EXISTS idx_transcripts_nonfinal
    ON transcripts (session_id, role, is_final);

CREATE TABLE IF NOT EXISTS conversation_summaries (
    id               INTEGER  PRIMARY KEY AUTOINCREMENT,
    user_id          TEXT     NOT NULL REFERENCES users (id),
    from_session_id  TEXT     NOT NULL REFERENCES sessions (id),
    to_session_id    TEXT     REFERENCES sessions (id),
    summary          TEXT     NOT NULL,
    turn_count       INTEGER  NOT NULL DEFAULT 0,
    created_at       INTEGER  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_summaries_user
    ON conversation_summaries (user_id, created_at);

CREATE TABLE IF NOT EXISTS audit_events (
    event_id      TEXT     NOT NULL UNIQUE,
    session_id    TEXT     NOT NULL REFERENCES sessions (id),
    event_type    TEXT     NOT NULL,
    source        TEXT     NOT NULL,
    timestamp_ms  INTEGER  NOT NULL,
    payload       TEXT     NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_audit_events_session
    ON audit_events (session_id, timestamp_ms);

CREATE INDEX IF NOT EXISTS idx_audit_events_type
    ON audit_events (event_type);
`

const ddlVersionTable = `
CREATE TABLE IF NOT EXISTS migrations (
    version     INTEGER  PRIMARY KEY,
    applied_at  INTEGER  NOT NULL
);
`

// Migrate brings the schema up to date. It is idempotent and safe to call on
// every start: already-applied versions are skipped.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, ddlVersionTable); err != nil {
		return fmt.Errorf("store: create migrations table: %w", err)
	}

	var current sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM migrations`).Scan(&current); err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}

	for _, m := range migrations {
		if current.Valid && m.version <= int(current.Int64) {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin migration %d: %w", m.version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.ddl); err != nil {
		return fmt.Errorf("store: apply migration %d: %w", m.version, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO migrations (version, applied_at) VALUES (?, ?)`,
		m.version, s.now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("store: record migration %d: %w", m.version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit migration %d: %w", m.version, err)
	}
	return nil
}
