package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/voxmux/voxmux/internal/bus"
)

// maxTimelineLine caps one JSONL line on read. Audio-bearing events can
// carry several hundred kilobytes of base64.
const maxTimelineLine = 8 << 20

// jsonlWriter appends events to one file per session. Appends to the same
// file are serialized by a per-file mutex; at most one write is in flight
// per session, later events queue on the lock.
type jsonlWriter struct {
	dir string

	mu    sync.Mutex
	files map[string]*sessionFile
}

type sessionFile struct {
	mu sync.Mutex
	f  *os.File
}

func newJSONLWriter(dir string) (*jsonlWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create timeline dir: %w", err)
	}
	return &jsonlWriter{dir: dir, files: make(map[string]*sessionFile)}, nil
}

func (w *jsonlWriter) path(sessionID string) string {
	return filepath.Join(w.dir, sessionID+".jsonl")
}

func (w *jsonlWriter) append(sessionID string, line []byte) error {
	w.mu.Lock()
	sf, ok := w.files[sessionID]
	if !ok {
		sf = &sessionFile{}
		w.files[sessionID] = sf
	}
	w.mu.Unlock()

	sf.mu.Lock()
	defer sf.mu.Unlock()
	if sf.f == nil {
		f, err := os.OpenFile(w.path(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("audit: open timeline %s: %w", sessionID, err)
		}
		sf.f = f
	}
	if _, err := sf.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: append timeline %s: %w", sessionID, err)
	}
	return nil
}

func (w *jsonlWriter) close() error {
	w.mu.Lock()
	files := w.files
	w.files = make(map[string]*sessionFile)
	w.mu.Unlock()

	var firstErr error
	for id, sf := range files {
		sf.mu.Lock()
		if sf.f != nil {
			if err := sf.f.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("audit: close timeline %s: %w", id, err)
			}
			sf.f = nil
		}
		sf.mu.Unlock()
	}
	return firstErr
}

// ── Timeline replay ──

// LoadSessionTimeline reads the session's JSONL file and returns its
// events sorted by t_ms ascending. Malformed lines are logged and
// discarded; lines for other sessions are skipped. An empty types list
// loads every event type.
func (t *Trail) LoadSessionTimeline(sessionID string, types ...string) ([]bus.Event, error) {
	if t.writer == nil {
		return nil, fmt.Errorf("audit: no timeline directory configured")
	}
	f, err := os.Open(t.writer.path(sessionID))
	if err != nil {
		return nil, fmt.Errorf("audit: open timeline %s: %w", sessionID, err)
	}
	defer f.Close()

	var events []bus.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxTimelineLine)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var evt bus.Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			slog.Warn("audit: discarding malformed timeline line",
				"session_id", sessionID, "line", lineNo, "error", err)
			continue
		}
		if evt.SessionID != sessionID {
			continue
		}
		if len(types) > 0 && !slices.Contains(types, evt.Type) {
			continue
		}
		events = append(events, evt)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("audit: read timeline %s: %w", sessionID, err)
	}

	slices.SortStableFunc(events, func(a, b bus.Event) int {
		switch {
		case a.TMs < b.TMs:
			return -1
		case a.TMs > b.TMs:
			return 1
		}
		return 0
	})
	return events, nil
}

// ReplaySessionTimeline loads the session's timeline and, when emit is
// set, re-emits every event on the bus with its original id and timestamp.
// Replaying into the bus that feeds this trail re-ingests the events; the
// store dedupes on event id, the JSONL file does not.
func (t *Trail) ReplaySessionTimeline(sessionID string, emit bool, types ...string) ([]bus.Event, error) {
	events, err := t.LoadSessionTimeline(sessionID, types...)
	if err != nil {
		return nil, err
	}
	if emit {
		for _, evt := range events {
			t.bus.Emit(evt)
		}
	}
	return events, nil
}
