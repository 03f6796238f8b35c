package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxmux/voxmux/internal/arbiter"
	"github.com/voxmux/voxmux/internal/bus"
	"github.com/voxmux/voxmux/internal/lane"
	"github.com/voxmux/voxmux/internal/policy"
	"github.com/voxmux/voxmux/internal/retrieval"
	"github.com/voxmux/voxmux/internal/session"
	"github.com/voxmux/voxmux/internal/store"
	"github.com/voxmux/voxmux/pkg/protocol"
	"github.com/voxmux/voxmux/pkg/provider/realtime"
)

// transcriptionModel enables upstream input transcription. User transcripts
// feed persistence, the safety pipeline and the summariser, so the gateway
// always asks for them.
const transcriptionModel = "whisper-1"

// fatalUpstreamMarkers classify an upstream error event as unrecoverable.
// Matching is case-insensitive on the error message.
var fatalUpstreamMarkers = []string{
	"connection failed",
	"authentication failed",
	"invalid api key",
	"websocket error",
}

// Sender delivers server messages to one connected client. Send must not
// block: transports buffer writes internally and shed audio frames when the
// client cannot keep up.
type Sender interface {
	Send(msg protocol.ServerMessage) error
}

// runtimeEvent is one unit of work for the session loop: either a decoded
// client message or a bus event for this session.
type runtimeEvent struct {
	client *protocol.ClientMessage
	bus    *bus.Event
}

// Runtime drives one session. All lane, arbiter and policy interaction runs
// on a single loop goroutine; client messages and bus events are queued onto
// it, so handlers never race each other and reentrant bus emissions cannot
// deadlock.
type Runtime struct {
	app  *App
	send Sender

	sessionID string
	userID    string

	primary  *lane.Primary
	reflex   *lane.Reflex
	fallback *lane.Fallback
	arb      *arbiter.Arbiter
	engine   *policy.Engine
	sub      *bus.Subscription

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	queue []runtimeEvent

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	closeOnce sync.Once
}

// StartRuntime builds the full per-session stack for one client connection:
// persisted session row, upstream provider session, the three lanes, the
// arbiter and the policy engine. start must be a session.start message; send
// receives every server message for the session.
//
// The returned runtime is already live. The caller feeds decoded client
// messages through [Runtime.HandleClient] and calls [Runtime.Close] when the
// connection drops.
func (a *App) StartRuntime(ctx context.Context, start *protocol.ClientMessage, send Sender) (*Runtime, error) {
	if start == nil || start.Type != protocol.TypeSessionStart {
		return nil, errors.New("app: runtime requires a session.start message")
	}
	mode := realtime.VoiceModePushToTalk
	if start.VoiceMode != "" {
		mode = realtime.VoiceMode(start.VoiceMode)
		if !mode.IsValid() {
			return nil, fmt.Errorf("app: unknown voice mode %q", start.VoiceMode)
		}
	}

	// One config snapshot per session; a reload applies to later sessions.
	cfg := a.currentConfig()

	// Identity first: the returning-user flags in provider.ready describe
	// what was on record before this session is added.
	var userID string
	if start.Fingerprint != "" {
		user, err := a.store.UpsertUser(ctx, start.Fingerprint, map[string]any{
			"user_agent": start.UserAgent,
		})
		if err != nil {
			slog.Warn("user upsert failed, continuing anonymous", "error", err)
		} else {
			userID = user.ID
		}
	}
	var rctx *retrieval.Context
	if userID != "" {
		var err error
		rctx, err = a.assembler.Assemble(ctx, userID, "")
		if err != nil {
			slog.Warn("context assembly failed, starting cold",
				"user_id", userID, "error", err)
			rctx = nil
		}
	}

	sess, err := a.sessions.StartSession(ctx, userID, map[string]any{
		"fingerprint": start.Fingerprint,
		"user_agent":  start.UserAgent,
		"voice_mode":  string(mode),
	})
	if err != nil {
		return nil, fmt.Errorf("app: start session: %w", err)
	}
	trySend(send, protocol.ServerMessage{Type: protocol.TypeSessionReady, SessionID: sess.ID})

	upstream, err := a.providers.Realtime.Connect(ctx, realtime.SessionConfig{
		SessionID:          sess.ID,
		Voice:              cfg.Connection.Voice,
		TranscriptionModel: transcriptionModel,
		VoiceMode:          mode,
	})
	if err != nil {
		trySend(send, protocol.NewError(connectFailureMessage(err)))
		trySend(send, protocol.ServerMessage{Type: protocol.TypeConnectionFailed})
		_ = a.sessions.EndSession(ctx, sess.ID, session.ReasonError)
		return nil, fmt.Errorf("app: connect upstream: %w", err)
	}

	r := &Runtime{
		app:       a,
		send:      send,
		sessionID: sess.ID,
		userID:    userID,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	// Subscribe before the lanes exist so no early event slips past; the
	// handler only queues, so nothing here touches half-built state.
	r.sub = a.bus.OnSession(sess.ID, r.enqueueBus)

	r.primary = lane.NewPrimary(sess.ID, a.bus, upstream)
	r.reflex = lane.NewReflex(ctx, sess.ID, a.bus, a.synth, a.cache, lane.ReflexConfig{
		Enabled: cfg.Arbitrator.LaneAEnabled,
		Voice:   voiceFor(cfg, cfg.Reflex.Voice),
		Phrases: cfg.Reflex.Phrases,
	})
	r.fallback = lane.NewFallback(sess.ID, a.bus, a.synth, a.cache, lane.FallbackConfig{
		Mode:    cfg.Fallback.Mode,
		Voice:   voiceFor(cfg, cfg.Fallback.Voice),
		Phrases: cfg.Fallback.Phrases,
	})
	r.arb = arbiter.New(sess.ID, a.bus, arbiter.Config{
		LaneAEnabled:         cfg.Arbitrator.LaneAEnabled,
		MinDelayBeforeReflex: cfg.Arbitrator.MinDelayBeforeReflex(),
		MaxReflexDuration:    cfg.Arbitrator.MaxReflexDuration(),
		TransitionGap:        cfg.Arbitrator.TransitionGap(),
		PreemptThreshold:     cfg.Arbitrator.PreemptThreshold(),
	})
	r.engine = policy.New(sess.ID, a.bus, a.claims, policy.Config{
		EnablePIIRedaction:    cfg.Policy.EnablePIIRedaction,
		PIIRedactionMode:      cfg.Policy.PIIRedactionMode,
		CancelOutputThreshold: cfg.Policy.CancelOutputThreshold,
		EvaluateDeltas:        cfg.Policy.EvaluateDeltas,
		ModerationCategories:  cfg.Policy.ModerationCategories,
	})
	r.engine.Start()

	a.register(r)
	go r.loop()

	r.arb.StartSession()
	if rctx.IsReturningUser() {
		if err := r.primary.SetConversationContext(retrieval.FormatConversationContext(rctx, "")); err != nil {
			slog.Warn("context push failed", "session_id", sess.ID, "error", err)
		}
	}
	ready := protocol.ServerMessage{
		Type:            protocol.TypeProviderReady,
		IsReturningUser: rctx.IsReturningUser(),
	}
	if rctx != nil {
		ready.PreviousSessionCount = rctx.PreviousSessions
	}
	r.sendMsg(ready)

	slog.Info("session runtime started",
		"session_id", sess.ID,
		"user_id", userID,
		"voice_mode", string(mode))
	return r, nil
}

// connectFailureMessage maps a Connect error onto the client-facing error
// string. Credential problems are named; everything else is a connection
// failure.
func connectFailureMessage(err error) string {
	if errors.Is(err, realtime.ErrAuthentication) {
		return "authentication failed"
	}
	return "connection failed"
}

func trySend(send Sender, msg protocol.ServerMessage) {
	if err := send.Send(msg); err != nil {
		slog.Debug("send failed", "type", msg.Type, "error", err)
	}
}

// SessionID returns the id of the session this runtime drives.
func (r *Runtime) SessionID() string { return r.sessionID }

// Done is closed when the session loop has exited.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// HandleClient queues one decoded client message for the session loop.
// Messages arriving after the runtime closed are dropped.
func (r *Runtime) HandleClient(msg *protocol.ClientMessage) {
	if msg == nil {
		return
	}
	r.enqueue(runtimeEvent{client: msg})
}

func (r *Runtime) enqueueBus(evt bus.Event) {
	r.enqueue(runtimeEvent{bus: &evt})
}

// enqueue appends to the unbounded queue and nudges the loop. The queue must
// not be a bounded channel: bus handlers run synchronously on the emitter's
// goroutine, and the loop itself emits through the arbiter, so a full
// channel would deadlock the session.
func (r *Runtime) enqueue(ev runtimeEvent) {
	select {
	case <-r.stop:
		return
	default:
	}
	r.mu.Lock()
	r.queue = append(r.queue, ev)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runtime) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case <-r.wake:
		}
		for {
			r.mu.Lock()
			batch := r.queue
			r.queue = nil
			r.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				select {
				case <-r.stop:
					return
				default:
				}
				switch {
				case ev.client != nil:
					r.handleClient(ev.client)
				case ev.bus != nil:
					r.handleBus(*ev.bus)
				}
			}
		}
	}
}

// Close tears down the per-session stack and ends the managed session with
// the given reason. Idempotent. Must not be called from the session loop
// itself; loop handlers that need a teardown spawn it on a fresh goroutine.
func (r *Runtime) Close(reason string) {
	r.closeOnce.Do(func() {
		// End the session while the bus subscription is still attached, so
		// the end event reaches the audit trail and summariser in order.
		if err := r.app.sessions.EndSession(context.Background(), r.sessionID, reason); err != nil {
			slog.Warn("session end failed", "session_id", r.sessionID, "error", err)
		}
		r.cancel()
		close(r.stop)
		<-r.done

		r.engine.Close()
		r.arb.EndSession()
		r.reflex.Stop()
		r.fallback.Stop()
		if err := r.primary.Close(); err != nil {
			slog.Warn("upstream close failed", "session_id", r.sessionID, "error", err)
		}
		r.app.bus.Off(r.sub)
		r.app.unregister(r.sessionID)
		slog.Info("session runtime closed", "session_id", r.sessionID, "reason", reason)
	})
}

func (r *Runtime) sendMsg(msg protocol.ServerMessage) {
	if err := r.send.Send(msg); err != nil {
		slog.Debug("send failed",
			"session_id", r.sessionID, "type", msg.Type, "error", err)
	}
}

// ── Client messages ──

func (r *Runtime) handleClient(msg *protocol.ClientMessage) {
	r.app.sessions.Touch(r.sessionID)

	switch msg.Type {
	case protocol.TypeAudioChunk:
		chunk, err := msg.PCM()
		if err != nil {
			r.sendMsg(protocol.NewError("invalid audio payload"))
			return
		}
		if err := r.primary.SendAudio(chunk); err != nil {
			if errors.Is(err, realtime.ErrUnsupportedFormat) {
				r.sendMsg(protocol.NewError("unsupported audio format"))
				return
			}
			slog.Warn("audio forward failed", "session_id", r.sessionID, "error", err)
		}

	case protocol.TypeAudioCommit:
		r.commit()

	case protocol.TypeAudioCancel:
		if err := r.primary.ClearAudio(); err != nil {
			slog.Warn("buffer clear failed", "session_id", r.sessionID, "error", err)
		}
		r.sendMsg(protocol.ServerMessage{Type: protocol.TypeAudioCancelAck})

	case protocol.TypeAudioStop:
		// Capture stopped client-side; buffered audio stays valid for a
		// later commit.
		r.sendMsg(protocol.ServerMessage{Type: protocol.TypeAudioStopAck})

	case protocol.TypeUserBargeIn:
		r.bargeIn()

	case protocol.TypeSessionSetMode:
		r.setMode(msg.VoiceMode)

	case protocol.TypePlaybackEnded:
		slog.Debug("client playback ended",
			"session_id", r.sessionID, "timestamp", msg.Timestamp)

	case protocol.TypeSessionEnd:
		go r.Close(session.ReasonClient)

	case protocol.TypeSessionStart:
		r.sendMsg(protocol.NewError("session already started"))
	}
}

// commit seals the user's turn. The arbiter gets the first say: while a
// response is already in flight the commit is rejected without touching the
// upstream buffer.
func (r *Runtime) commit() {
	if !r.arb.UserSpeechEnded() {
		r.app.metrics.RecordCommit(r.ctx, "rejected")
		r.sendMsg(protocol.ServerMessage{Type: protocol.TypeCommitSkipped})
		return
	}
	ok, err := r.primary.CommitAudio(r.ctx)
	if err != nil {
		r.arb.ResetResponseInProgress()
		r.app.metrics.RecordCommit(r.ctx, "rejected")
		r.sendMsg(protocol.NewError("commit failed"))
		return
	}
	if !ok {
		// Buffer under the upstream minimum; it was cleared, not committed.
		r.arb.ResetResponseInProgress()
		r.app.metrics.RecordCommit(r.ctx, "skipped")
		r.sendMsg(protocol.ServerMessage{Type: protocol.TypeCommitSkipped})
		return
	}
	r.app.metrics.RecordCommit(r.ctx, "committed")
}

// trackSessionState mirrors the arbitration state onto the coarse session
// record: any playing or responding state counts as responding.
func (r *Runtime) trackSessionState(to string) {
	switch to {
	case arbiter.StateListening.String():
		r.app.sessions.UpdateState(r.sessionID, session.StateListening)
	case arbiter.StateBResponding.String(), arbiter.StateAPlaying.String(),
		arbiter.StateBPlaying.String(), arbiter.StateFallbackPlaying.String():
		r.app.sessions.UpdateState(r.sessionID, session.StateResponding)
	}
}

func (r *Runtime) bargeIn() {
	interrupted, ok := r.arb.UserBargeIn()
	if ok {
		switch interrupted {
		case arbiter.OwnerFallback:
			// The arbiter emits no stop command for the fallback lane.
			r.fallback.Stop()
		case arbiter.OwnerNone:
			// Barge-in landed before first audio; the upstream response is
			// still forming and needs an explicit cancel.
			if err := r.primary.Cancel(); err != nil {
				slog.Warn("response cancel failed", "session_id", r.sessionID, "error", err)
			}
		}
	}
	r.sendMsg(protocol.ServerMessage{Type: protocol.TypeBargeInAck})
}

func (r *Runtime) setMode(raw string) {
	mode := realtime.VoiceMode(raw)
	if !mode.IsValid() {
		r.sendMsg(protocol.NewError(fmt.Sprintf("unknown voice mode %q", raw)))
		return
	}
	if err := r.primary.SetVoiceMode(mode); err != nil {
		r.sendMsg(protocol.NewError("voice mode change failed"))
		return
	}
	r.sendMsg(protocol.ServerMessage{
		Type:      protocol.TypeSessionModeChanged,
		VoiceMode: string(mode),
	})
}

// ── Bus events ──

func (r *Runtime) handleBus(evt bus.Event) {
	switch evt.Type {
	// Arbiter commands.
	case bus.TypePlayReflex:
		r.reflex.Play()
		r.app.metrics.RecordReflexPlay(r.ctx)
	case bus.TypeStopReflex:
		r.reflex.Stop()
	case bus.TypePlayLaneB:
		// Primary audio is already flowing; the command only marks the
		// ownership handover.
	case bus.TypeStopLaneB:
		if err := r.primary.Cancel(); err != nil {
			slog.Warn("response cancel failed", "session_id", r.sessionID, "error", err)
		}

	// Primary lane surface.
	case bus.TypeFirstAudioReady:
		if evt.Source != bus.SourceLaneB {
			return
		}
		r.arb.LaneBReady()
		if ms, ok := evt.Payload["ttfb_ms"].(int64); ok {
			r.app.metrics.RecordTTFB(r.ctx, time.Duration(ms)*time.Millisecond)
		}
	case bus.TypeResponseStart:
		r.sendMsg(protocol.ServerMessage{Type: protocol.TypeResponseStart})
	case bus.TypeResponseEnd:
		r.arb.LaneBDone()
		r.sendMsg(protocol.ServerMessage{Type: protocol.TypeResponseEnd})
	case bus.TypeAudioChunk:
		if pcm, ok := evt.Payload["data"].([]byte); ok && len(pcm) > 0 {
			r.sendMsg(protocol.NewAudioChunk(pcm))
		}
	case bus.TypeTranscript:
		r.forwardTranscript(evt, store.RoleAssistant)
	case bus.TypeUserTranscript:
		r.forwardTranscript(evt, store.RoleUser)
	case bus.TypeError:
		r.upstreamError(evt)

	// Arbiter records.
	case bus.TypeLaneStateChanged:
		from, _ := evt.Payload["from"].(string)
		to, _ := evt.Payload["to"].(string)
		cause, _ := evt.Payload["cause"].(string)
		r.app.metrics.RecordLaneTransition(r.ctx, from, to)
		r.trackSessionState(to)
		r.sendMsg(protocol.ServerMessage{
			Type: protocol.TypeLaneStateChanged,
			From: from, To: to, Cause: cause,
		})
	case bus.TypeLaneOwnerChanged:
		from, _ := evt.Payload["from"].(string)
		to, _ := evt.Payload["to"].(string)
		cause, _ := evt.Payload["cause"].(string)
		r.sendMsg(protocol.ServerMessage{
			Type: protocol.TypeLaneOwnerChanged,
			From: from, To: to, Cause: cause,
		})

	// Policy surface.
	case bus.TypePolicyDecision:
		if evt.Source != bus.SourceLaneC {
			return
		}
		if decision, ok := evt.Payload["decision"].(string); ok {
			r.app.metrics.RecordPolicyDecision(r.ctx, decision)
		}
	case bus.TypeControlOverride:
		if evt.Source != bus.SourceLaneC {
			return
		}
		r.override(evt)

	// Fallback lane surface.
	case bus.TypeFallbackDone:
		r.arb.FallbackDone()

	// Session lifecycle.
	case bus.TypeSessionEnd:
		reason, _ := evt.Payload["reason"].(string)
		if reason == "" {
			reason = session.ReasonClient
		}
		go r.Close(reason)
	}
}

// forwardTranscript relays a transcript event to the client and persists it.
// Deltas and finals both go to the store; the streaming collapse there keeps
// one row per utterance.
func (r *Runtime) forwardTranscript(evt bus.Event, role string) {
	if evt.Source != bus.SourceLaneB {
		return
	}
	text, _ := evt.Payload["text"].(string)
	if text == "" {
		return
	}
	final, _ := evt.Payload["final"].(bool)
	if role == store.RoleUser {
		r.sendMsg(protocol.NewUserTranscript(text, final))
	} else {
		r.sendMsg(protocol.NewTranscript(text, final))
	}
	err := r.app.store.SaveTranscript(r.ctx, store.TranscriptEntry{
		SessionID:   r.sessionID,
		UserID:      r.userID,
		Role:        role,
		Content:     text,
		TimestampMs: evt.TMs,
		IsFinal:     final,
	})
	if err != nil {
		slog.Warn("transcript not persisted", "session_id", r.sessionID, "error", err)
	}
}

// upstreamError sorts a provider error into the fatal bucket (tear the
// session down) or the protocol bucket (unwind the turn, keep listening).
func (r *Runtime) upstreamError(evt bus.Event) {
	if evt.Source != bus.SourceLaneB {
		return
	}
	code, _ := evt.Payload["code"].(string)
	message, _ := evt.Payload["message"].(string)
	if message == "" {
		message = "provider error"
	}

	if isFatalUpstream(message) {
		r.app.metrics.RecordProviderError(r.ctx, "realtime", "transport")
		r.sendMsg(protocol.NewError(message))
		r.sendMsg(protocol.ServerMessage{Type: protocol.TypeConnectionFailed})
		go r.Close(session.ReasonError)
		return
	}

	r.app.metrics.RecordProviderError(r.ctx, "realtime", "protocol")
	slog.Warn("upstream protocol error",
		"session_id", r.sessionID, "code", code, "message", message)
	r.arb.ResetResponseInProgress()
	r.sendMsg(protocol.NewError(message))
}

func isFatalUpstream(message string) bool {
	lower := strings.ToLower(message)
	for _, marker := range fatalUpstreamMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// override reacts to a policy cancel_output: park the arbiter in fallback
// playback and stream a pre-approved utterance in place of the cancelled
// response.
func (r *Runtime) override(evt bus.Event) {
	if !r.arb.CancelOutput() {
		// Session ended or a fallback is already speaking.
		return
	}
	decision, _ := evt.Payload["originalDecision"].(string)
	mode := lane.ModeAuto
	if raw, ok := evt.Payload["fallbackMode"].(string); ok && raw != "" {
		mode = lane.Mode(raw)
	}
	r.fallback.Play(decision, mode)
	r.app.metrics.RecordFallbackPlay(r.ctx, string(mode))
}
