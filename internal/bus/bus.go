// Package bus implements the in-process event bus that connects every
// component of a voice session: lanes, arbitrator, policy engine, audit
// trail, session manager and the client handler all communicate exclusively
// through events emitted here.
//
// Delivery is synchronous: Emit invokes every matching handler before it
// returns, first the type-keyed subscribers, then the session-keyed ones,
// each group in registration order. A panicking handler is recovered and
// logged, never propagated. Ordering is guaranteed only within a single
// session and within a single type.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Source tags which component produced an event.
type Source string

// Known event sources.
const (
	SourceLaneA        Source = "laneA"
	SourceLaneB        Source = "laneB"
	SourceLaneC        Source = "laneC"
	SourceFallback     Source = "fallback"
	SourceOrchestrator Source = "orchestrator"
	SourceClient       Source = "client"
)

// Event is the bus's atomic unit. Events are immutable once emitted;
// handlers must not modify the payload map.
type Event struct {
	ID        string         `json:"event_id"`
	SessionID string         `json:"session_id"`
	TMs       int64          `json:"t_ms"`
	Source    Source         `json:"source"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Handler receives events synchronously on the emitter's goroutine. Handlers
// must not block for long; anything slow belongs on the handler's own
// goroutine.
type Handler func(Event)

// Subscription identifies one registered handler so it can be removed with
// [Bus.Off].
type Subscription struct {
	id        uint64
	eventType string
	sessionID string
}

type entry struct {
	id uint64
	fn Handler
}

// Bus is a per-process pub/sub keyed by event type and by session id. All
// methods are safe for concurrent use.
type Bus struct {
	mu        sync.Mutex
	nextID    uint64
	byType    map[string][]entry
	bySession map[string][]entry

	now    func() time.Time
	lastMs map[string]int64 // per-session monotonic clamp
}

// Option configures a [Bus].
type Option func(*Bus)

// WithClock replaces the wall clock, primarily for tests and deterministic
// replay.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		byType:    make(map[string][]entry),
		bySession: make(map[string][]entry),
		now:       time.Now,
		lastMs:    make(map[string]int64),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Emit delivers evt to all type-keyed subscribers, then all session-keyed
// subscribers. A zero ID is filled with a fresh UUID; a zero TMs is stamped
// from the bus clock and clamped so timestamps never decrease within a
// session.
func (b *Bus) Emit(evt Event) {
	b.mu.Lock()
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.TMs == 0 {
		evt.TMs = b.now().UnixMilli()
	}
	if last := b.lastMs[evt.SessionID]; evt.TMs < last {
		evt.TMs = last
	}
	b.lastMs[evt.SessionID] = evt.TMs

	// Snapshot under lock so handlers can subscribe or emit reentrantly.
	handlers := make([]Handler, 0, len(b.byType[evt.Type])+len(b.bySession[evt.SessionID]))
	for _, e := range b.byType[evt.Type] {
		handlers = append(handlers, e.fn)
	}
	for _, e := range b.bySession[evt.SessionID] {
		handlers = append(handlers, e.fn)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.invoke(h, evt)
	}
}

// invoke runs one handler, containing any panic.
func (b *Bus) invoke(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				"type", evt.Type,
				"session_id", evt.SessionID,
				"panic", r,
			)
		}
	}()
	h(evt)
}

// On registers a handler for every event of the given type, across all
// sessions.
func (b *Bus) On(eventType string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.byType[eventType] = append(b.byType[eventType], entry{id: b.nextID, fn: h})
	return &Subscription{id: b.nextID, eventType: eventType}
}

// OnSession registers a handler for every event of the given session,
// regardless of type.
func (b *Bus) OnSession(sessionID string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.bySession[sessionID] = append(b.bySession[sessionID], entry{id: b.nextID, fn: h})
	return &Subscription{id: b.nextID, sessionID: sessionID}
}

// Off removes a single subscription. Removing an already-removed
// subscription is a no-op.
func (b *Bus) Off(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.sessionID != "" {
		b.bySession[sub.sessionID] = remove(b.bySession[sub.sessionID], sub.id)
		if len(b.bySession[sub.sessionID]) == 0 {
			delete(b.bySession, sub.sessionID)
		}
		return
	}
	b.byType[sub.eventType] = remove(b.byType[sub.eventType], sub.id)
	if len(b.byType[sub.eventType]) == 0 {
		delete(b.byType, sub.eventType)
	}
}

// OffSession removes every session-keyed handler for sessionID and forgets
// the session's timestamp clamp. Called once at session teardown so
// subscriber maps cannot leak.
func (b *Bus) OffSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bySession, sessionID)
	delete(b.lastMs, sessionID)
}

func remove(entries []entry, id uint64) []entry {
	for i, e := range entries {
		if e.id == id {
			return append(entries[:i:i], entries[i+1:]...)
		}
	}
	return entries
}
