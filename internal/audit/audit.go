// Package audit persists a sanitized, append-only record of every
// observable session event to two targets at once: the embedded relational
// store and a per-session JSONL timeline. The JSONL file is the golden path
// for reproducing a session offline; the store is the queryable record.
//
// Writes never fail the caller. A database error is logged and the JSONL
// writer continues; only when both targets are down does the event fall
// back to the process log.
package audit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"maps"
	"sync"

	"github.com/voxmux/voxmux/internal/bus"
	"github.com/voxmux/voxmux/internal/observe"
	"github.com/voxmux/voxmux/internal/store"
)

// redactedSnippet replaces audit text snippets when transcript capture is
// disabled.
const redactedSnippet = "[REDACTED]"

// Config selects which event groups the trail captures beyond the base
// policy/control set, and where the JSONL timelines live.
type Config struct {
	// Dir is the JSONL directory. Empty disables the JSONL target.
	Dir string

	// IncludeTranscripts captures finalized transcript events. When off,
	// textSnippet fields in control.audit payloads are redacted too.
	IncludeTranscripts bool

	// IncludeTranscriptDeltas captures streaming transcript deltas.
	IncludeTranscriptDeltas bool

	// IncludeAudio captures audio.chunk events, with PCM bytes encoded as
	// base64 in the persisted payload.
	IncludeAudio bool

	// IncludeSessionEvents captures session lifecycle events.
	IncludeSessionEvents bool

	// IncludeResponseMetadata captures provider usage metadata events.
	IncludeResponseMetadata bool

	// Metrics optionally counts persist failures per sink. Nil disables
	// recording.
	Metrics *observe.Metrics
}

// eventTypes expands the config flags into the subscription list.
func (c Config) eventTypes() []string {
	types := []string{
		bus.TypeControlAudit,
		bus.TypeControlOverride,
		bus.TypeControlMetrics,
		bus.TypePolicyDecision,
	}
	if c.IncludeTranscripts || c.IncludeTranscriptDeltas {
		types = append(types, bus.TypeTranscript, bus.TypeUserTranscript)
	}
	if c.IncludeAudio {
		types = append(types, bus.TypeAudioChunk)
	}
	if c.IncludeSessionEvents {
		types = append(types, bus.TypeSessionStart, bus.TypeSessionEnd, bus.TypeSessionError)
	}
	if c.IncludeResponseMetadata {
		types = append(types, bus.TypeResponseMetadata)
	}
	return types
}

// laneCOnly lists the event types accepted exclusively from source laneC,
// so a spoofed policy event from another component never reaches the
// record.
var laneCOnly = map[string]bool{
	bus.TypePolicyDecision: true,
	bus.TypeControlAudit:   true,
	bus.TypeControlMetrics: true,
}

// Trail is the process-wide audit adapter. One Trail serves every session;
// it subscribes by event type and fans events out to the store and the
// session's JSONL file.
type Trail struct {
	bus    *bus.Bus
	store  *store.Store // nil disables the relational target
	writer *jsonlWriter // nil disables the JSONL target
	cfg    Config

	mu      sync.Mutex
	started bool
	subs    []*bus.Subscription
}

// New builds a trail over the given targets. st may be nil; a Config with
// an empty Dir skips the JSONL target. Call Start to begin capturing.
func New(b *bus.Bus, st *store.Store, cfg Config) (*Trail, error) {
	t := &Trail{bus: b, store: st, cfg: cfg}
	if cfg.Dir != "" {
		w, err := newJSONLWriter(cfg.Dir)
		if err != nil {
			return nil, err
		}
		t.writer = w
	}
	return t, nil
}

// Start subscribes the trail to its configured event types. Idempotent;
// a second Start never double-subscribes.
func (t *Trail) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	for _, tp := range t.cfg.eventTypes() {
		t.subs = append(t.subs, t.bus.On(tp, t.ingest))
	}
}

// Close unsubscribes and closes the JSONL files. Idempotent.
func (t *Trail) Close() error {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.started = false
	t.mu.Unlock()

	for _, s := range subs {
		t.bus.Off(s)
	}
	if t.writer != nil {
		return t.writer.close()
	}
	return nil
}

// ── Ingest ──

func (t *Trail) ingest(evt bus.Event) {
	if laneCOnly[evt.Type] && evt.Source != bus.SourceLaneC {
		return
	}
	if evt.Type == bus.TypeTranscript || evt.Type == bus.TypeUserTranscript {
		final, _ := evt.Payload["final"].(bool)
		if final && !t.cfg.IncludeTranscripts {
			return
		}
		if !final && !t.cfg.IncludeTranscriptDeltas {
			return
		}
	}
	if evt.SessionID == "" {
		slog.Warn("audit: dropping event without session id", "type", evt.Type)
		return
	}

	evt = t.sanitize(evt)

	line, err := json.Marshal(evt)
	if err != nil {
		slog.Error("audit: marshal event", "type", evt.Type, "error", err)
		return
	}

	stored := t.writeStore(evt)
	appended := t.writeJSONL(evt.SessionID, line)
	if !stored && !appended {
		slog.Error("audit: event not persisted",
			"type", evt.Type,
			"session_id", evt.SessionID,
			"event", string(line))
	}
}

// sanitize returns a copy of evt with the persisted payload shape: text
// snippets redacted when transcripts are excluded, raw audio bytes encoded
// as base64 with a data_encoding marker.
func (t *Trail) sanitize(evt bus.Event) bus.Event {
	if evt.Payload == nil {
		return evt
	}
	p := maps.Clone(evt.Payload)
	if !t.cfg.IncludeTranscripts {
		if _, ok := p["textSnippet"]; ok {
			p["textSnippet"] = redactedSnippet
		}
	}
	if t.cfg.IncludeAudio {
		encoded := false
		for _, key := range []string{"data", "chunk"} {
			if raw, ok := p[key].([]byte); ok {
				p[key] = base64.StdEncoding.EncodeToString(raw)
				encoded = true
			}
		}
		if encoded {
			p["data_encoding"] = "base64"
		}
	}
	evt.Payload = p
	return evt
}

// writeStore inserts the event row behind its session row. Reports whether
// the row landed; failures are logged, never propagated.
func (t *Trail) writeStore(evt bus.Event) bool {
	if t.store == nil {
		return false
	}
	ctx := context.Background()
	if err := t.store.EnsureSession(ctx, evt.SessionID); err != nil {
		slog.Error("audit: ensure session row", "session_id", evt.SessionID, "error", err)
		t.recordWriteFailure(ctx, "sqlite")
		return false
	}

	payload := "{}"
	if evt.Payload != nil {
		raw, err := json.Marshal(evt.Payload)
		if err != nil {
			slog.Error("audit: marshal payload", "type", evt.Type, "error", err)
			t.recordWriteFailure(ctx, "sqlite")
			return false
		}
		payload = string(raw)
	}
	err := t.store.InsertAuditEvent(ctx, store.AuditEvent{
		EventID:     evt.ID,
		SessionID:   evt.SessionID,
		EventType:   evt.Type,
		Source:      string(evt.Source),
		TimestampMs: evt.TMs,
		Payload:     payload,
	})
	if err != nil {
		slog.Error("audit: insert event", "type", evt.Type, "error", err)
		t.recordWriteFailure(ctx, "sqlite")
		return false
	}
	return true
}

func (t *Trail) writeJSONL(sessionID string, line []byte) bool {
	if t.writer == nil {
		return false
	}
	if err := t.writer.append(sessionID, line); err != nil {
		slog.Error("audit: append timeline", "session_id", sessionID, "error", err)
		t.recordWriteFailure(context.Background(), "jsonl")
		return false
	}
	return true
}

func (t *Trail) recordWriteFailure(ctx context.Context, sink string) {
	if t.cfg.Metrics != nil {
		t.cfg.Metrics.RecordAuditWriteFailure(ctx, sink)
	}
}
