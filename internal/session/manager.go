// Package session manages the lifecycle of voice sessions: creation with a
// persisted parent row, activity tracking with an idle timeout, ordered end
// events, and post-session conversation summarisation ([SummaryWorker]).
//
// All exported types are safe for concurrent use.
package session

import (
	"context"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxmux/voxmux/internal/bus"
	"github.com/voxmux/voxmux/internal/store"
)

// State is the coarse lifecycle state of a session.
type State string

// Session states.
const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateResponding State = "responding"
	StateEnded      State = "ended"
)

// End reasons recorded on the session row and in the session.end event.
const (
	ReasonClient     = "client_request"
	ReasonDisconnect = "client_disconnect"
	ReasonTimeout    = "timeout"
	ReasonShutdown   = "shutdown"
	ReasonError      = "error"
)

const (
	// defaultIdleTimeout ends a session that has seen no activity.
	defaultIdleTimeout = 30 * time.Minute

	// defaultDeleteGrace keeps the in-memory record around after end so late
	// cleanup (audit flushes, timers) can still resolve the session.
	defaultDeleteGrace = 5 * time.Second
)

// Session is the in-memory record for one live session. Values returned by
// the manager are copies; mutating them has no effect.
type Session struct {
	ID           string
	UserID       string // empty for anonymous sessions
	CreatedAt    time.Time
	LastActivity time.Time
	State        State
	Metadata     map[string]any
}

type managed struct {
	sess        Session
	idleTimer   *time.Timer
	deleteTimer *time.Timer
}

// Manager owns every session in the process. It persists the session row
// before announcing the session on the bus, so audit events always have
// their foreign-key parent.
type Manager struct {
	bus   *bus.Bus
	store *store.Store

	idleTimeout time.Duration
	deleteGrace time.Duration
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*managed
}

// Option configures a [Manager].
type Option func(*Manager)

// WithIdleTimeout overrides the idle timeout after which a session is ended
// with reason [ReasonTimeout].
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithDeleteGrace overrides how long an ended session stays readable.
func WithDeleteGrace(d time.Duration) Option {
	return func(m *Manager) { m.deleteGrace = d }
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager publishing lifecycle events on b and
// persisting session rows in st.
func NewManager(b *bus.Bus, st *store.Store, opts ...Option) *Manager {
	m := &Manager{
		bus:         b,
		store:       st,
		idleTimeout: defaultIdleTimeout,
		deleteGrace: defaultDeleteGrace,
		now:         time.Now,
		sessions:    make(map[string]*managed),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// StartSession creates a session with a fresh UUID, persists its row, emits
// session.start and arms the idle timer. userID may be empty for anonymous
// sessions.
func (m *Manager) StartSession(ctx context.Context, userID string, metadata map[string]any) (Session, error) {
	id := uuid.NewString()
	now := m.now()

	// The row must exist before any event referencing the session is
	// emitted: the audit trail inserts rows with a foreign key on it.
	if err := m.store.CreateSession(ctx, id, userID, metadata); err != nil {
		return Session{}, err
	}

	sess := Session{
		ID:           id,
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		State:        StateIdle,
		Metadata:     maps.Clone(metadata),
	}

	m.mu.Lock()
	ms := &managed{sess: sess}
	ms.idleTimer = time.AfterFunc(m.idleTimeout, func() { m.idleExpired(id) })
	m.sessions[id] = ms
	m.mu.Unlock()

	payload := map[string]any{}
	if userID != "" {
		payload["user_id"] = userID
	}
	m.bus.Emit(bus.Event{
		SessionID: id,
		Source:    bus.SourceOrchestrator,
		Type:      bus.TypeSessionStart,
		Payload:   payload,
	})

	slog.Info("session started", "session_id", id, "user_id", userID)
	return sess, nil
}

// Get returns a copy of the session record, including ended sessions still
// inside their delete grace.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return copySession(ms.sess), true
}

// Touch marks activity on a session, resetting its idle timer. Unknown or
// ended sessions are ignored.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLocked(id)
}

// UpdateState sets the coarse state and counts as activity. Unknown or ended
// sessions are ignored.
func (m *Manager) UpdateState(id string, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[id]
	if !ok || ms.sess.State == StateEnded {
		return
	}
	ms.sess.State = state
	m.touchLocked(id)
}

func (m *Manager) touchLocked(id string) {
	ms, ok := m.sessions[id]
	if !ok || ms.sess.State == StateEnded {
		return
	}
	ms.sess.LastActivity = m.now()
	if ms.idleTimer != nil {
		ms.idleTimer.Reset(m.idleTimeout)
	}
}

// EndSession ends a session: stops its idle timer, stamps the persisted row,
// emits session.end{reason, duration_ms} while session-keyed subscribers are
// still attached, then detaches them and schedules removal of the in-memory
// record after the delete grace. Ending an unknown or already-ended session
// is a no-op.
func (m *Manager) EndSession(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	ms, ok := m.sessions[id]
	if !ok || ms.sess.State == StateEnded {
		m.mu.Unlock()
		return nil
	}
	ms.sess.State = StateEnded
	if ms.idleTimer != nil {
		ms.idleTimer.Stop()
		ms.idleTimer = nil
	}
	durationMs := m.now().Sub(ms.sess.CreatedAt).Milliseconds()
	ms.deleteTimer = time.AfterFunc(m.deleteGrace, func() { m.forget(id) })
	m.mu.Unlock()

	if err := m.store.EndSession(ctx, id, reason); err != nil {
		slog.Warn("session end not persisted", "session_id", id, "err", err)
	}

	// Emit before OffSession so session-keyed subscribers observe the end.
	m.bus.Emit(bus.Event{
		SessionID: id,
		Source:    bus.SourceOrchestrator,
		Type:      bus.TypeSessionEnd,
		Payload: map[string]any{
			"reason":      reason,
			"duration_ms": durationMs,
		},
	})
	m.bus.OffSession(id)

	slog.Info("session ended", "session_id", id, "reason", reason, "duration_ms", durationMs)
	return nil
}

// EndAll ends every active session with the same reason. Used on shutdown.
func (m *Manager) EndAll(ctx context.Context, reason string) {
	for _, sess := range m.ActiveSessions() {
		if err := m.EndSession(ctx, sess.ID, reason); err != nil {
			slog.Warn("session end failed", "session_id", sess.ID, "err", err)
		}
	}
}

// ActiveSessions returns copies of all non-ended sessions, oldest first.
func (m *Manager) ActiveSessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, ms := range m.sessions {
		if ms.sess.State == StateEnded {
			continue
		}
		out = append(out, copySession(ms.sess))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Close stops every timer and drops all in-memory records. It does not end
// sessions; call [Manager.EndAll] first during an orderly shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ms := range m.sessions {
		if ms.idleTimer != nil {
			ms.idleTimer.Stop()
		}
		if ms.deleteTimer != nil {
			ms.deleteTimer.Stop()
		}
		delete(m.sessions, id)
	}
}

func (m *Manager) idleExpired(id string) {
	slog.Info("session idle timeout", "session_id", id)
	if err := m.EndSession(context.Background(), id, ReasonTimeout); err != nil {
		slog.Warn("idle timeout end failed", "session_id", id, "err", err)
	}
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

func copySession(s Session) Session {
	out := s
	out.Metadata = maps.Clone(s.Metadata)
	return out
}
