package policy

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voxmux/voxmux/internal/bus"
)

const (
	// snippetLimit caps the audit snippet length, in runes.
	snippetLimit = 200

	defaultCancelOutputThreshold = 4
	defaultMetricsInterval       = 30 * time.Second
)

// Config configures one session's policy engine.
type Config struct {
	// EnablePIIRedaction gates the PII check.
	EnablePIIRedaction bool

	// PIIRedactionMode selects redact or flag behavior.
	PIIRedactionMode RedactionMode

	// CancelOutputThreshold is the minimum severity at which a refusal is
	// upgraded to cancel_output. Default: 4.
	CancelOutputThreshold int

	// EvaluateDeltas evaluates streaming transcript deltas in addition to
	// finalized utterances. Default: finals only.
	EvaluateDeltas bool

	// ModerationCategories restricts the moderator to the named categories.
	// Empty enables all of them.
	ModerationCategories []string

	// MetricsInterval is the control.metrics flush cadence. Default: 30s.
	MetricsInterval time.Duration
}

type engineStats struct {
	evaluations   int
	decisions     map[Decision]int
	totalDuration time.Duration
	maxDuration   time.Duration
}

// Engine is the per-session policy evaluator. Start subscribes it to the
// session's transcript stream; every finalized utterance is pushed through
// the pipeline and the decision is emitted on the bus.
type Engine struct {
	sessionID string
	bus       *bus.Bus
	cfg       Config

	redactor        *Redactor // nil when the PII check is disabled
	snippetRedactor *Redactor // always on, audit snippets only
	moderator       *Moderator
	claims          *Checker // nil skips the claims check

	mu           sync.Mutex
	started      bool
	subs         []*bus.Subscription
	stop         chan struct{}
	done         chan struct{}
	lastMetadata map[string]any
	stats        engineStats
	flushedEvals int
}

// New builds an engine for one session. claims may be nil, in which case
// the claims check is skipped and not recorded in checksRun.
func New(sessionID string, b *bus.Bus, claims *Checker, cfg Config) *Engine {
	if cfg.CancelOutputThreshold <= 0 {
		cfg.CancelOutputThreshold = defaultCancelOutputThreshold
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = defaultMetricsInterval
	}
	e := &Engine{
		sessionID:       sessionID,
		bus:             b,
		cfg:             cfg,
		snippetRedactor: NewRedactor(RedactionModeRedact),
		moderator:       NewModerator(cfg.ModerationCategories),
		claims:          claims,
	}
	if cfg.EnablePIIRedaction {
		e.redactor = NewRedactor(cfg.PIIRedactionMode)
	}
	e.stats.decisions = make(map[Decision]int)
	return e
}

// Start subscribes the engine to the bus and starts the metrics flush
// loop. Idempotent.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	e.subs = []*bus.Subscription{
		e.bus.On(bus.TypeTranscript, e.onTranscript),
		e.bus.On(bus.TypeUserTranscript, e.onUserTranscript),
		e.bus.On(bus.TypeResponseMetadata, e.onMetadata),
	}
	go e.flushLoop(e.stop, e.done)
}

// Close unsubscribes, stops the flush loop and emits the final
// control.metrics snapshot. Idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	subs := e.subs
	e.subs = nil
	close(e.stop)
	done := e.done
	e.mu.Unlock()

	for _, s := range subs {
		e.bus.Off(s)
	}
	<-done
	e.flushMetrics(true)
}

// Evaluate pushes one utterance through the pipeline and emits the
// resulting events. It returns the effective decision record.
func (e *Engine) Evaluate(role Role, text string) Result {
	start := time.Now()

	var results []checkResult
	var checksRun []string
	if e.redactor != nil {
		checksRun = append(checksRun, checkPII)
		if r := e.redactor.check(text); r.severity > 0 {
			results = append(results, r)
		}
	}
	checksRun = append(checksRun, checkModeration)
	if r := e.moderator.check(text); r.severity > 0 {
		results = append(results, r)
	}
	if role == RoleAssistant && e.claims != nil {
		checksRun = append(checksRun, checkClaims)
		if r := e.claims.check(text); r.severity > 0 {
			results = append(results, r)
		}
	}

	res := Result{Decision: DecisionAllow, ChecksRun: checksRun}
	winner := checkResult{decision: DecisionAllow}
	for _, r := range results {
		// Strict greater keeps the earlier check on severity ties.
		if r.severity > winner.severity {
			winner = r
		}
	}
	if winner.severity > 0 {
		res.Decision = winner.decision
		res.Severity = winner.severity
		res.SafeRewrite = winner.safeRewrite
		res.RequiredDisclaimerID = winner.disclaimerID
	}
	for _, r := range results {
		res.ReasonCodes = append(res.ReasonCodes, r.reasons...)
	}

	original := res.Decision
	if res.Severity >= e.cfg.CancelOutputThreshold && res.Decision == DecisionRefuse {
		res.Decision = DecisionCancelOutput
		res.FallbackMode = FallbackRefusePolitely
	}

	duration := time.Since(start)
	e.mu.Lock()
	e.stats.evaluations++
	e.stats.decisions[res.Decision]++
	e.stats.totalDuration += duration
	if duration > e.stats.maxDuration {
		e.stats.maxDuration = duration
	}
	var meta map[string]any
	if role == RoleAssistant {
		meta = e.lastMetadata
		e.lastMetadata = nil
	}
	e.mu.Unlock()

	payload := map[string]any{
		"role":        string(role),
		"decision":    string(res.Decision),
		"reasonCodes": res.ReasonCodes,
		"severity":    res.Severity,
		"checksRun":   res.ChecksRun,
	}
	if res.SafeRewrite != "" {
		payload["safeRewrite"] = res.SafeRewrite
	}
	if res.RequiredDisclaimerID != "" {
		payload["requiredDisclaimerId"] = res.RequiredDisclaimerID
	}
	if res.FallbackMode != "" {
		payload["fallbackMode"] = res.FallbackMode
	}
	if meta != nil {
		payload["responseMetadata"] = meta
	}
	e.emit(bus.TypePolicyDecision, payload)

	if res.Decision == DecisionCancelOutput {
		slog.Warn("policy override",
			"session_id", e.sessionID,
			"role", string(role),
			"original_decision", string(original),
			"severity", res.Severity,
			"reasons", res.ReasonCodes)
		e.emit(bus.TypeControlOverride, map[string]any{
			"originalDecision":  string(original),
			"effectiveDecision": string(res.Decision),
			"severity":          res.Severity,
			"fallbackMode":      res.FallbackMode,
		})
	} else if res.Decision != DecisionAllow {
		slog.Info("policy decision",
			"session_id", e.sessionID,
			"role", string(role),
			"decision", string(res.Decision),
			"severity", res.Severity,
			"reasons", res.ReasonCodes)
	}

	e.emit(bus.TypeControlAudit, map[string]any{
		"role":        string(role),
		"decision":    string(res.Decision),
		"severity":    res.Severity,
		"textSnippet": e.snippet(text),
	})
	return res
}

// ── Bus handlers ──

func (e *Engine) onTranscript(evt bus.Event) {
	if text, ok := e.utterance(evt); ok {
		e.Evaluate(RoleAssistant, text)
	}
}

func (e *Engine) onUserTranscript(evt bus.Event) {
	if text, ok := e.utterance(evt); ok {
		e.Evaluate(RoleUser, text)
	}
}

func (e *Engine) onMetadata(evt bus.Event) {
	if evt.SessionID != e.sessionID || evt.Source != bus.SourceLaneB {
		return
	}
	e.mu.Lock()
	e.lastMetadata = evt.Payload
	e.mu.Unlock()
}

// utterance extracts the evaluable text from a transcript event. Only
// laneB transcripts for this session count; deltas are skipped unless
// configured in.
func (e *Engine) utterance(evt bus.Event) (string, bool) {
	if evt.SessionID != e.sessionID || evt.Source != bus.SourceLaneB {
		return "", false
	}
	text, _ := evt.Payload["text"].(string)
	if text == "" {
		return "", false
	}
	final, _ := evt.Payload["final"].(bool)
	if !final && !e.cfg.EvaluateDeltas {
		return "", false
	}
	return text, true
}

// ── Internals ──

func (e *Engine) flushLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.flushMetrics(false)
		}
	}
}

// flushMetrics emits the cumulative session counters. Periodic flushes are
// skipped while nothing changed; the final flush always goes out.
func (e *Engine) flushMetrics(force bool) {
	e.mu.Lock()
	if !force && e.stats.evaluations == e.flushedEvals {
		e.mu.Unlock()
		return
	}
	e.flushedEvals = e.stats.evaluations
	decisions := make(map[string]int, len(e.stats.decisions))
	for d, n := range e.stats.decisions {
		decisions[string(d)] = n
	}
	avg := 0.0
	if e.stats.evaluations > 0 {
		avg = e.stats.totalDuration.Seconds() * 1000 / float64(e.stats.evaluations)
	}
	payload := map[string]any{
		"evaluationCount": e.stats.evaluations,
		"decisions":       decisions,
		"avgDurationMs":   avg,
		"maxDurationMs":   e.stats.maxDuration.Seconds() * 1000,
	}
	e.mu.Unlock()
	e.emit(bus.TypeControlMetrics, payload)
}

// snippet truncates text to the audit limit with PII always redacted,
// regardless of the configured PII mode.
func (e *Engine) snippet(text string) string {
	red, _ := e.snippetRedactor.Redact(text)
	runes := []rune(red)
	if len(runes) > snippetLimit {
		return string(runes[:snippetLimit])
	}
	return red
}

func (e *Engine) emit(eventType string, payload map[string]any) {
	e.bus.Emit(bus.Event{
		SessionID: e.sessionID,
		Source:    bus.SourceLaneC,
		Type:      eventType,
		Payload:   payload,
	})
}
