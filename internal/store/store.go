// Package store is the embedded relational layer of the gateway: users,
// sessions, transcripts, conversation summaries and the durable audit event
// log, all in a single SQLite database.
//
// The database runs in WAL mode by default so the audit writer and the
// transcript writer never block readers. Foreign keys are enforced at the
// connection level; the audit path additionally guarantees in code that a
// session row exists before any audit event references it (see
// [Store.EnsureSession]).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the shared database handle. All methods are safe for
// concurrent use; SQLite serializes writes internally and WAL keeps readers
// unblocked while it does.
type Store struct {
	db  *sql.DB
	now func() time.Time

	insertAudit   *sql.Stmt
	ensureSession *sql.Stmt
}

// Options controls how the database is opened.
type Options struct {
	// Path is the database file path, or ":memory:" for an in-memory store.
	Path string

	// WALMode enables write-ahead logging. On unless explicitly disabled by
	// configuration.
	WALMode bool

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Open opens (creating if necessary) the database at opts.Path and prepares
// the hot-path statements. Callers should run [Store.Migrate] before first
// use.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("store: database path must not be empty")
	}

	dsn := "file:" + opts.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if opts.WALMode {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	if opts.Path == ":memory:" {
		// A shared cache keeps every pooled connection on the same in-memory
		// database.
		dsn = "file::memory:?cache=shared&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", opts.Path, err)
	}

	s := &Store{db: db, now: time.Now}
	if opts.Clock != nil {
		s.now = opts.Clock
	}
	return s, nil
}

// Prepare readies the hot-path statements. Called after [Store.Migrate] so
// the tables exist.
func (s *Store) Prepare(ctx context.Context) error {
	var err error
	s.ensureSession, err = s.db.PrepareContext(ctx,
		`INSERT INTO sessions (id, started_at, metadata) VALUES (?, ?, '{}')
		 ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("store: prepare ensure session: %w", err)
	}

	s.insertAudit, err = s.db.PrepareContext(ctx,
		`INSERT INTO audit_events (event_id, session_id, event_type, source, timestamp_ms, payload)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (event_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("store: prepare insert audit event: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// Close releases prepared statements and the underlying handle.
func (s *Store) Close() error {
	if s.insertAudit != nil {
		_ = s.insertAudit.Close()
	}
	if s.ensureSession != nil {
		_ = s.ensureSession.Close()
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}
