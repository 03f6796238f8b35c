// Package openai implements the realtime.Provider interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio travels as base64-encoded PCM16. The adapter enforces the
// buffer-commit contract: response.create is only ever sent after the
// upstream acknowledged the commit with input_audio_buffer.committed, and
// never while a response is already in flight.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxmux/voxmux/pkg/audio"
	"github.com/voxmux/voxmux/pkg/provider/realtime"
)

// Compile-time assertions that Provider and session satisfy the realtime
// interfaces.
var _ realtime.Provider = (*Provider)(nil)
var _ realtime.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// connectWindow bounds the wait for the upstream session.created
	// acknowledgement after the transport opens.
	connectWindow = 10 * time.Second

	// connectAttempts and connectBackoff govern dial retries. Credential
	// rejections are never retried.
	connectAttempts = 3
	connectBackoff  = 500 * time.Millisecond

	// minCommitAudio is the shortest buffer worth committing. Anything less
	// is discarded instead.
	minCommitAudio = 100 * time.Millisecond

	// appendSettle is how long the last append must have been in flight
	// before a commit is sent after it.
	appendSettle = 50 * time.Millisecond

	// shortSpeechWindow is the buffer length below which a commit without
	// upstream-detected speech is logged as suspicious.
	shortSpeechWindow = 500 * time.Millisecond
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithLogger sets the logger used by sessions created by this provider.
func WithLogger(log *slog.Logger) Option {
	return func(p *Provider) { p.log = log }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	log     *slog.Logger
}

// New creates a new OpenAI Realtime Provider with the given API key and
// options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect establishes a new Realtime session. It dials with a short backoff
// for transient failures, waits for the upstream session.created
// acknowledgement, then pushes the initial session configuration. Credential
// rejections fail immediately with realtime.ErrAuthentication.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	if cfg.VoiceMode == "" {
		cfg.VoiceMode = realtime.VoiceModePushToTalk
	}
	if !cfg.VoiceMode.IsValid() {
		return nil, fmt.Errorf("openai: invalid voice mode %q", cfg.VoiceMode)
	}

	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:         conn,
		events:       make(chan realtime.Event, 64),
		created:      make(chan struct{}),
		voice:        cfg.Voice,
		instructions: cfg.Instructions,
		transcModel:  cfg.TranscriptionModel,
		voiceMode:    cfg.VoiceMode,
		now:          time.Now,
		ctx:          sessCtx,
		cancel:       sessCancel,
		log:          p.log.With("session_id", cfg.SessionID, "provider", "openai"),
	}

	go sess.receiveLoop()

	select {
	case <-sess.created:
	case <-time.After(connectWindow):
		sess.Close()
		return nil, fmt.Errorf("openai: waiting for session.created: %w", realtime.ErrProviderUnavailable)
	case <-ctx.Done():
		sess.Close()
		return nil, fmt.Errorf("openai: waiting for session.created: %w", ctx.Err())
	}

	if err := sess.sendSessionUpdate(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	return sess, nil
}

// dial opens the WebSocket with bounded retries. A 401 or 403 on the
// handshake aborts immediately: retrying a bad key only burns the window.
func (p *Provider) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)
	opts := &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	}

	backoff := connectBackoff
	for attempt := 1; ; attempt++ {
		conn, resp, err := websocket.Dial(ctx, wsURL, opts)
		if err == nil {
			return conn, nil
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("openai: dial: %w", realtime.ErrAuthentication)
		}
		if attempt >= connectAttempts {
			return nil, fmt.Errorf("openai: dial: %w: %w", realtime.ErrProviderUnavailable, err)
		}

		p.log.Warn("realtime dial failed, retrying",
			"attempt", attempt,
			"backoff", backoff,
			"error", err)

		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("openai: dial: %w", ctx.Err())
		}
		backoff *= 2
	}
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type typedMessage struct {
	Type string `json:"type"`
}

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities         []string             `json:"modalities,omitempty"`
	Voice              string               `json:"voice,omitempty"`
	Instructions       string               `json:"instructions,omitempty"`
	InputAudioFormat   string               `json:"input_audio_format"`
	OutputAudioFormat  string               `json:"output_audio_format"`
	InputTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`

	// TurnDetection deliberately lacks omitempty: push-to-talk requires an
	// explicit null to switch upstream VAD turn handling off.
	TurnDetection *turnDetectionParams `json:"turn_detection"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetectionParams struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail is the nested error object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type responseStatus struct {
	Status string         `json:"status,omitempty"`
	Usage  *responseUsage `json:"usage,omitempty"`
}

type responseUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type rateLimitInfo struct {
	Name         string  `json:"name"`
	Limit        float64 `json:"limit"`
	Remaining    float64 `json:"remaining"`
	ResetSeconds float64 `json:"reset_seconds"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done /
	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.created / response.done
	Response *responseStatus `json:"response,omitempty"`

	// rate_limits.updated
	RateLimits []rateLimitInfo `json:"rate_limits,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn    *websocket.Conn
	events  chan realtime.Event
	created chan struct{}

	// writeMu serializes writes; coder/websocket allows one writer at a time.
	writeMu sync.Mutex

	mu            sync.Mutex
	closed        bool
	buffered      int // bytes appended since the last commit or reset
	lastAppend    time.Time
	speechHeard   bool
	pendingCommit bool
	responding    bool
	firstAudio    bool // first delta of the current response already emitted
	voice         string
	instructions  string
	transcModel   string
	contextText   string
	voiceMode     realtime.VoiceMode

	// currentTxText accumulates response.audio_transcript.delta events in
	// case the final done event omits the full transcript.
	currentTxText string

	now func() time.Time

	ctx         context.Context
	cancel      context.CancelFunc
	createdOnce sync.Once
	closeOnce   sync.Once

	log *slog.Logger
}

// ── Session methods ────────────────────────────────────────────────────────────

// SendAudio appends one chunk to the upstream input buffer. Chunks at other
// sample rates are resampled to the canonical rate first. Sending on a
// closed session is a silent no-op.
func (s *session) SendAudio(chunk audio.Chunk) error {
	if chunk.Format != "" && chunk.Format != audio.FormatPCM {
		return realtime.ErrUnsupportedFormat
	}
	data := chunk.Data
	if chunk.SampleRate != 0 && chunk.SampleRate != audio.SampleRate {
		data = audio.Resample(data, chunk.SampleRate, audio.SampleRate)
	}
	if len(data) == 0 {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.buffered += len(data)
	s.lastAppend = s.now()
	s.mu.Unlock()

	if err := s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(data),
	}); err != nil {
		return fmt.Errorf("openai: append audio: %w", err)
	}
	return nil
}

// CommitAudio seals the input buffer. See realtime.Session for the guard
// sequence. A true return means input_audio_buffer.commit went out; the
// acknowledgement arrives asynchronously and only then is a response
// requested.
func (s *session) CommitAudio(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, realtime.ErrNotConnected
	}
	buffered := audio.Duration(s.buffered)

	// Guard 1: too little audio to be a turn. Reset instead of committing,
	// otherwise the upstream rejects the commit or answers noise.
	if buffered < minCommitAudio {
		s.buffered = 0
		s.speechHeard = false
		s.mu.Unlock()
		s.log.Debug("commit skipped, buffer too short", "buffered_ms", buffered.Milliseconds())
		if err := s.writeJSON(typedMessage{Type: "input_audio_buffer.clear"}); err != nil {
			return false, fmt.Errorf("openai: clear buffer: %w", err)
		}
		return false, nil
	}

	// Guard 2: let the last append reach the upstream before sealing.
	wait := appendSettle - s.now().Sub(s.lastAppend)
	s.mu.Unlock()

	if wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return false, ctx.Err()
		case <-s.ctx.Done():
			t.Stop()
			return false, realtime.ErrNotConnected
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, realtime.ErrNotConnected
	}
	// Guard 3: proceed, but note a commit the upstream VAD never heard
	// speech in. Short clips of button mashing show up here.
	if !s.speechHeard && buffered < shortSpeechWindow {
		s.log.Warn("committing buffer without detected speech", "buffered_ms", buffered.Milliseconds())
	}
	s.pendingCommit = true
	s.mu.Unlock()

	if err := s.writeJSON(typedMessage{Type: "input_audio_buffer.commit"}); err != nil {
		s.mu.Lock()
		s.pendingCommit = false
		s.mu.Unlock()
		return false, fmt.Errorf("openai: commit: %w", err)
	}
	return true, nil
}

// ClearAudio discards buffered input on both sides without producing a
// response.
func (s *session) ClearAudio() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.buffered = 0
	s.speechHeard = false
	s.pendingCommit = false
	s.mu.Unlock()

	if err := s.writeJSON(typedMessage{Type: "input_audio_buffer.clear"}); err != nil {
		return fmt.Errorf("openai: clear buffer: %w", err)
	}
	return nil
}

// Cancel aborts the in-flight response. Later deltas belonging to the
// cancelled response are dropped locally, so callers do not need to race the
// upstream acknowledgement.
func (s *session) Cancel() error {
	s.mu.Lock()
	if s.closed || !s.responding {
		s.mu.Unlock()
		return nil
	}
	s.responding = false
	s.mu.Unlock()

	if err := s.writeJSON(typedMessage{Type: "response.cancel"}); err != nil {
		return fmt.Errorf("openai: cancel response: %w", err)
	}
	return nil
}

// SetVoiceMode switches upstream turn detection between explicit commits and
// server VAD.
func (s *session) SetVoiceMode(mode realtime.VoiceMode) error {
	if !mode.IsValid() {
		return fmt.Errorf("openai: invalid voice mode %q", mode)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return realtime.ErrNotConnected
	}
	if s.voiceMode == mode {
		s.mu.Unlock()
		return nil
	}
	s.voiceMode = mode
	s.mu.Unlock()

	return s.sendSessionUpdate()
}

// SetConversationContext merges text into the session instructions and
// pushes the combined prompt upstream.
func (s *session) SetConversationContext(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return realtime.ErrNotConnected
	}
	s.contextText = text
	s.mu.Unlock()

	return s.sendSessionUpdate()
}

// Events returns the session's event stream.
func (s *session) Events() <-chan realtime.Event { return s.events }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	responding := s.responding
	s.responding = false
	s.mu.Unlock()

	if responding {
		// Best effort; the connection is about to go away regardless.
		_ = s.writeJSON(typedMessage{Type: "response.cancel"})
	}

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

// ── Internals ──────────────────────────────────────────────────────────────────

// sendSessionUpdate pushes the current session configuration upstream:
// voice, merged instructions, audio formats, transcription and turn
// detection.
func (s *session) sendSessionUpdate() error {
	s.mu.Lock()
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             s.voice,
		Instructions:      s.instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if s.contextText != "" {
		params.Instructions = s.instructions + "\n\n" + s.contextText
	}
	if s.transcModel != "" {
		params.InputTranscription = &transcriptionParams{Model: s.transcModel}
	}
	if s.voiceMode == realtime.VoiceModeOpenMic {
		params.TurnDetection = &turnDetectionParams{Type: "server_vad"}
	}
	s.mu.Unlock()

	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// emit delivers an event to the consumer, giving up when the session is torn
// down.
func (s *session) emit(evt realtime.Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns
// the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeOnce.Do(func() { close(s.events) })

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.handleTransportLoss(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.log.Debug("dropping malformed upstream event", "error", err)
			continue
		}

		s.handleServerEvent(&evt)
	}
}

// handleTransportLoss converts an abnormal read failure into terminal
// events: a truncated response end if one was in flight, then the error
// itself.
func (s *session) handleTransportLoss(err error) {
	s.mu.Lock()
	responding := s.responding
	s.responding = false
	s.closed = true
	s.mu.Unlock()

	s.log.Error("realtime transport lost", "error", err)

	if responding {
		s.emit(realtime.Event{Type: realtime.EventResponseEnd, Truncated: true})
	}
	s.emit(realtime.Event{
		Type:    realtime.EventError,
		Code:    "connection_lost",
		Message: err.Error(),
	})
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.created":
		s.createdOnce.Do(func() { close(s.created) })

	case "session.updated":
		s.log.Debug("session configuration acknowledged")

	case "input_audio_buffer.speech_started":
		s.mu.Lock()
		s.speechHeard = true
		s.mu.Unlock()
		s.emit(realtime.Event{Type: realtime.EventSpeechStarted})

	case "input_audio_buffer.committed":
		s.handleCommitted()

	case "input_audio_buffer.cleared":
		s.log.Debug("input buffer cleared upstream")

	case "response.created":
		s.mu.Lock()
		s.responding = true
		s.firstAudio = false
		s.mu.Unlock()
		s.emit(realtime.Event{Type: realtime.EventResponseStart})

	case "response.audio.delta":
		s.handleAudioDelta(evt.Delta)

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.mu.Lock()
		s.currentTxText += evt.Delta
		s.mu.Unlock()
		s.emit(realtime.Event{Type: realtime.EventTranscript, Text: evt.Delta})

	case "response.audio_transcript.done":
		s.mu.Lock()
		text := evt.Transcript
		if text == "" {
			text = s.currentTxText
		}
		s.currentTxText = ""
		s.mu.Unlock()
		if text == "" {
			return
		}
		s.emit(realtime.Event{Type: realtime.EventTranscript, Text: text, Final: true})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.emit(realtime.Event{Type: realtime.EventUserTranscript, Text: evt.Transcript, Final: true})

	case "response.done":
		s.handleResponseDone(evt)

	case "rate_limits.updated":
		limits := make([]realtime.RateLimit, len(evt.RateLimits))
		for i, rl := range evt.RateLimits {
			limits[i] = realtime.RateLimit{
				Name:         rl.Name,
				Limit:        rl.Limit,
				Remaining:    rl.Remaining,
				ResetSeconds: rl.ResetSeconds,
			}
		}
		s.emit(realtime.Event{Type: realtime.EventRateLimits, RateLimits: limits})

	case "error":
		s.handleErrorEvent(evt)

	default:
		s.log.Debug("unhandled upstream event", "type", evt.Type)
	}
}

// handleCommitted processes the upstream commit acknowledgement: reset the
// local buffer accounting and request a response, unless this ack does not
// answer one of our commits (duplicate ack, or server-VAD auto commit where
// the upstream creates the response itself) or a response is already in
// flight.
func (s *session) handleCommitted() {
	s.mu.Lock()
	wasPending := s.pendingCommit
	s.pendingCommit = false
	s.buffered = 0
	s.speechHeard = false
	responding := s.responding
	s.mu.Unlock()

	s.emit(realtime.Event{Type: realtime.EventCommitted})

	if !wasPending {
		s.log.Debug("unsolicited commit acknowledgement, not requesting response")
		return
	}
	if responding {
		s.log.Debug("commit acknowledged while responding, not requesting response")
		return
	}
	if err := s.writeJSON(typedMessage{Type: "response.create"}); err != nil {
		s.log.Error("requesting response after commit", "error", err)
	}
}

// handleAudioDelta decodes a response audio chunk. Deltas arriving outside a
// response, typically stragglers of a cancelled one, are dropped.
func (s *session) handleAudioDelta(delta string) {
	if delta == "" {
		return
	}
	data, err := base64.StdEncoding.DecodeString(delta)
	if err != nil || len(data) == 0 {
		return
	}

	s.mu.Lock()
	if !s.responding {
		s.mu.Unlock()
		s.log.Debug("dropping audio delta outside response")
		return
	}
	first := !s.firstAudio
	s.firstAudio = true
	s.mu.Unlock()

	if first {
		s.emit(realtime.Event{Type: realtime.EventFirstAudioReady})
	}
	s.emit(realtime.Event{Type: realtime.EventAudio, Audio: data})
}

func (s *session) handleResponseDone(evt *serverEvent) {
	s.mu.Lock()
	s.responding = false
	s.currentTxText = ""
	s.mu.Unlock()

	end := realtime.Event{Type: realtime.EventResponseEnd}
	if evt.Response != nil {
		if evt.Response.Status != "" && evt.Response.Status != "completed" {
			end.Truncated = true
		}
		if u := evt.Response.Usage; u != nil {
			end.Usage = &realtime.Usage{
				InputTokens:  u.InputTokens,
				OutputTokens: u.OutputTokens,
				TotalTokens:  u.TotalTokens,
			}
		}
	}
	s.emit(end)
}

// handleErrorEvent surfaces an upstream error event. An empty-buffer commit
// rejection additionally resets the commit state so the next turn starts
// clean; a response is never requested for it.
func (s *session) handleErrorEvent(evt *serverEvent) {
	code := ""
	msg := "unknown error"
	if evt.Error != nil {
		code = evt.Error.Code
		if evt.Error.Message != "" {
			msg = evt.Error.Message
		}
	}

	if code == "input_audio_buffer_commit_empty" {
		s.mu.Lock()
		s.pendingCommit = false
		s.buffered = 0
		s.speechHeard = false
		s.mu.Unlock()
	}

	s.log.Warn("upstream error event", "code", code, "message", msg)
	s.emit(realtime.Event{Type: realtime.EventError, Code: code, Message: msg})
}
