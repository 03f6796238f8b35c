package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxmux/voxmux/internal/bus"
	"github.com/voxmux/voxmux/internal/store"
	"github.com/voxmux/voxmux/pkg/provider/llm"
)

// summaryPrompt is the system prompt sent to the LLM when summarising a
// finished voice session.
const summaryPrompt = `Summarise the following voice conversation between a caller and an assistant.
Preserve: the caller's intent, commitments the assistant made, unresolved questions,
and any follow-up actions that were agreed. Write a few plain sentences, no headings.`

// summaryTimeout bounds the LLM call for one session summary.
const summaryTimeout = 30 * time.Second

// Summariser produces a concise summary of a conversation.
type Summariser interface {
	// Summarise takes the conversation messages and returns a condensed
	// summary string.
	Summarise(ctx context.Context, messages []llm.Message) (string, error)
}

// LLMSummariser summarises conversations through an LLM provider.
type LLMSummariser struct {
	llm llm.Provider
}

// NewLLMSummariser creates a [LLMSummariser] backed by the given provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{llm: provider}
}

// Summarise formats the conversation into a single user message and asks the
// model for a concise summary.
func (s *LLMSummariser) Summarise(ctx context.Context, messages []llm.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, m.Content)
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summaryPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: sb.String()},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("summarise: %w", err)
	}

	return resp.Content, nil
}

// SummaryWorker records a conversation summary whenever a session ends. It
// subscribes to session.end, loads the final transcript rows for the session
// and, for identified users, inserts a conversation_summaries row. Failures
// are logged and never propagate; a session end must not depend on an LLM.
type SummaryWorker struct {
	bus        *bus.Bus
	store      *store.Store
	summariser Summariser
	timeout    time.Duration

	mu     sync.Mutex
	closed bool
	sub    *bus.Subscription
	wg     sync.WaitGroup
}

// NewSummaryWorker creates a worker; call [SummaryWorker.Start] to subscribe.
func NewSummaryWorker(b *bus.Bus, st *store.Store, s Summariser) *SummaryWorker {
	return &SummaryWorker{bus: b, store: st, summariser: s, timeout: summaryTimeout}
}

// Start subscribes the worker to session.end events. Calling Start twice is
// a no-op.
func (w *SummaryWorker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub != nil || w.closed {
		return
	}
	w.sub = w.bus.On(bus.TypeSessionEnd, w.onSessionEnd)
}

// Close unsubscribes and waits for in-flight summaries to finish.
func (w *SummaryWorker) Close() {
	w.mu.Lock()
	w.closed = true
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()

	if sub != nil {
		w.bus.Off(sub)
	}
	w.wg.Wait()
}

// onSessionEnd runs on the bus emitter's goroutine; the summary itself is
// produced on a worker goroutine so the emitter never blocks on an LLM.
func (w *SummaryWorker) onSessionEnd(evt bus.Event) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		w.record(evt.SessionID)
	}()
}

func (w *SummaryWorker) record(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	sess, err := w.store.GetSession(ctx, sessionID)
	if err != nil {
		slog.Warn("summary: load session failed", "session_id", sessionID, "err", err)
		return
	}
	if sess == nil || sess.UserID == "" {
		// Summaries exist to recognise returning users; anonymous sessions
		// have nobody to attach them to.
		return
	}

	entries, err := w.store.TranscriptsForSession(ctx, sessionID)
	if err != nil {
		slog.Warn("summary: load transcripts failed", "session_id", sessionID, "err", err)
		return
	}

	var messages []llm.Message
	for _, e := range entries {
		if !e.IsFinal || strings.TrimSpace(e.Content) == "" {
			continue
		}
		messages = append(messages, llm.Message{Role: e.Role, Content: e.Content})
	}
	if len(messages) == 0 {
		return
	}

	text, err := w.summariser.Summarise(ctx, messages)
	if err != nil {
		slog.Warn("summary: summarise failed", "session_id", sessionID, "err", err)
		return
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	err = w.store.InsertSummary(ctx, store.Summary{
		UserID:        sess.UserID,
		FromSessionID: sessionID,
		Summary:       text,
		TurnCount:     len(messages),
	})
	if err != nil {
		slog.Warn("summary: insert failed", "session_id", sessionID, "err", err)
		return
	}
	slog.Info("session summary recorded", "session_id", sessionID, "turns", len(messages))
}
