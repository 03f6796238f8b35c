// Package arbiter implements the per-session lane arbitration state machine.
//
// At every instant exactly one lane owns the speaker: the reflex lane
// playing a short pre-synthesized acknowledgement, the primary lane playing
// the upstream model's response, the fallback planner, or nobody. The
// arbiter consumes lane-level signals (user speech ended, first audio
// ready, response done, barge-in, policy cancel) and emits the play/stop
// commands the lanes act on, plus a lane.state_changed record for every
// transition.
//
// All methods are safe for concurrent use. Events are emitted while the
// arbiter's lock is held so the command order observed on the bus matches
// the transition order exactly; handlers of arbiter-emitted events must not
// call back into the same Arbiter synchronously.
package arbiter

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voxmux/voxmux/internal/bus"
)

// State is one node of the arbitration machine.
type State int

const (
	// StateIdle is the initial state before the session starts.
	StateIdle State = iota

	// StateListening means the user holds the floor and no response is in
	// flight.
	StateListening

	// StateBResponding means the user's turn was committed and the primary
	// lane is generating; nothing is playing yet.
	StateBResponding

	// StateAPlaying means the reflex acknowledgement is streaming while the
	// primary lane catches up.
	StateAPlaying

	// StateBPlaying means the primary response owns the speaker.
	StateBPlaying

	// StateFallbackPlaying means a policy override cancelled the response
	// and the fallback utterance owns the speaker.
	StateFallbackPlaying

	// StateEnded is terminal. All further signals are ignored.
	StateEnded
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateBResponding:
		return "b_responding"
	case StateAPlaying:
		return "a_playing"
	case StateBPlaying:
		return "b_playing"
	case StateFallbackPlaying:
		return "fallback_playing"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Owner identifies which lane currently holds the speaker.
type Owner int

const (
	OwnerNone Owner = iota
	OwnerA
	OwnerB
	OwnerFallback
)

// String returns the wire name of the owner.
func (o Owner) String() string {
	switch o {
	case OwnerNone:
		return "none"
	case OwnerA:
		return "laneA"
	case OwnerB:
		return "laneB"
	case OwnerFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// ownerOf maps a state to the lane that owns the speaker in it.
func ownerOf(s State) Owner {
	switch s {
	case StateAPlaying:
		return OwnerA
	case StateBPlaying:
		return OwnerB
	case StateFallbackPlaying:
		return OwnerFallback
	default:
		return OwnerNone
	}
}

// Transition causes surfaced in lane.state_changed payloads.
const (
	CauseStartSession = "start_session"
	CauseSpeechEnded  = "user_speech_ended"
	CauseReflexTimer  = "reflex_timer"
	CauseLaneBReady   = "lane_b_ready"
	CauseMaxReflex    = "max_reflex_timer"
	CauseLaneBDone    = "lane_b_done"
	CauseBargeIn      = "user_barge_in"
	CauseCancelOutput = "cancel_output"
	CauseFallbackDone = "fallback_done"
	CauseEndSession   = "end_session"
	CauseCommitReset  = "reset_response_in_progress"
)

// Config holds the arbitration tuning knobs.
type Config struct {
	// LaneAEnabled gates the reflex lane. When false the reflex timer is
	// never armed and the machine waits in B_RESPONDING for primary audio.
	LaneAEnabled bool

	// MinDelayBeforeReflex is how long after the user stops speaking the
	// reflex may start. If the primary lane is ready sooner, no reflex
	// plays. Default: 100ms.
	MinDelayBeforeReflex time.Duration

	// MaxReflexDuration bounds reflex playback when the primary lane stays
	// silent. Default: 2s.
	MaxReflexDuration time.Duration

	// TransitionGap is the pause between stopping the reflex and starting
	// primary playback, so the two never overlap. Default: 10ms.
	TransitionGap time.Duration

	// PreemptThreshold classifies a turn as slow: when the primary lane's
	// first audio arrives later than this after speech end, the turn is
	// logged as having missed its latency target. Default: 300ms.
	PreemptThreshold time.Duration

	// HistorySize bounds the in-memory transition ring. Default: 32.
	HistorySize int
}

// Transition is one recorded state change, kept in a bounded ring for
// diagnostics and session timelines.
type Transition struct {
	From  State
	To    State
	Cause string
	At    time.Time
}

// Arbiter is the per-session arbitration machine. Create one per session
// with [New] and drive it with the signal methods; it publishes its command
// surface (play_reflex, stop_reflex, play_lane_b, stop_lane_b,
// response_complete) and its transition record on the session's bus.
type Arbiter struct {
	sessionID string
	bus       *bus.Bus
	cfg       Config

	mu                 sync.Mutex
	state              State
	owner              Owner
	responseInProgress bool
	speechEndedAt      time.Time
	bFirstReadyAt      time.Time

	// epoch invalidates timer callbacks scheduled for an earlier tenure.
	// Bumped on every transition; callbacks compare their captured value.
	epoch      uint64
	gapPending bool

	reflexTimer    *time.Timer
	maxReflexTimer *time.Timer
	gapTimer       *time.Timer

	history     []Transition
	historyNext int
}

// New creates an arbiter for one session in the IDLE state. Zero-value
// config fields are replaced with defaults.
func New(sessionID string, b *bus.Bus, cfg Config) *Arbiter {
	if cfg.MinDelayBeforeReflex <= 0 {
		cfg.MinDelayBeforeReflex = 100 * time.Millisecond
	}
	if cfg.MaxReflexDuration <= 0 {
		cfg.MaxReflexDuration = 2 * time.Second
	}
	if cfg.TransitionGap <= 0 {
		cfg.TransitionGap = 10 * time.Millisecond
	}
	if cfg.PreemptThreshold <= 0 {
		cfg.PreemptThreshold = 300 * time.Millisecond
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 32
	}
	return &Arbiter{
		sessionID: sessionID,
		bus:       b,
		cfg:       cfg,
		state:     StateIdle,
		owner:     OwnerNone,
		history:   make([]Transition, 0, cfg.HistorySize),
	}
}

// StartSession moves the machine from IDLE to LISTENING. Any other state is
// left alone.
func (a *Arbiter) StartSession() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateIdle {
		return
	}
	a.transitionLocked(StateListening, CauseStartSession)
}

// UserSpeechEnded reports that the user finished a turn. It returns false
// when the signal is ignored because a response is already in progress or
// the machine is not listening; callers use that to skip the commit.
func (a *Arbiter) UserSpeechEnded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateListening || a.responseInProgress {
		return false
	}
	a.responseInProgress = true
	a.speechEndedAt = time.Now()
	a.bFirstReadyAt = time.Time{}
	a.transitionLocked(StateBResponding, CauseSpeechEnded)
	if a.cfg.LaneAEnabled {
		epoch := a.epoch
		a.reflexTimer = time.AfterFunc(a.cfg.MinDelayBeforeReflex, func() {
			a.reflexTimerFired(epoch)
		})
	}
	return true
}

// LaneBReady reports the primary lane's first audio since the last commit.
// From B_RESPONDING the machine moves straight to B_PLAYING and no reflex
// plays. From A_PLAYING the handover waits TransitionGap, then stops the
// reflex and starts primary playback. Duplicates are ignored.
func (a *Arbiter) LaneBReady() {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case StateBResponding:
		a.markFirstReadyLocked()
		a.stopTimersLocked()
		a.emit(bus.TypePlayLaneB, nil)
		a.transitionLocked(StateBPlaying, CauseLaneBReady)

	case StateAPlaying:
		if a.gapPending {
			return
		}
		a.markFirstReadyLocked()
		a.gapPending = true
		// The handover is committed: the max-reflex return would only race
		// the gap timer from here on.
		if a.maxReflexTimer != nil {
			a.maxReflexTimer.Stop()
			a.maxReflexTimer = nil
		}
		epoch := a.epoch
		a.gapTimer = time.AfterFunc(a.cfg.TransitionGap, func() {
			a.gapElapsed(epoch)
		})
	}
}

// LaneBDone reports that the primary lane finished its response. In an
// active state this completes the turn; anywhere else the signal is
// absorbed: the turn is still marked complete and the guard cleared, but
// the state is left alone so a stray upstream done can never resurrect an
// ended session.
func (a *Arbiter) LaneBDone() {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case StateBPlaying, StateBResponding:
		a.responseInProgress = false
		a.stopTimersLocked()
		a.emit(bus.TypeResponseComplete, nil)
		a.transitionLocked(StateListening, CauseLaneBDone)

	case StateAPlaying:
		a.responseInProgress = false
		a.stopTimersLocked()
		a.emit(bus.TypeStopReflex, nil)
		a.emit(bus.TypeResponseComplete, nil)
		a.transitionLocked(StateListening, CauseLaneBDone)

	default:
		a.responseInProgress = false
		a.emit(bus.TypeResponseComplete, nil)
	}
}

// UserBargeIn stops whichever lane owns the speaker and returns the machine
// to LISTENING. The interrupted owner is returned together with whether the
// barge-in was accepted, so the caller can cancel the matching upstream
// work; outside an active state it reports false.
func (a *Arbiter) UserBargeIn() (Owner, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case StateBResponding, StateAPlaying, StateBPlaying, StateFallbackPlaying:
	default:
		return OwnerNone, false
	}

	interrupted := a.owner
	a.responseInProgress = false
	a.stopTimersLocked()
	switch interrupted {
	case OwnerA:
		a.emit(bus.TypeStopReflex, nil)
	case OwnerB:
		a.emit(bus.TypeStopLaneB, nil)
	}
	a.transitionLocked(StateListening, CauseBargeIn)
	return interrupted, true
}

// CancelOutput forces the fallback lane after a policy override. The
// current owner is stopped and the machine parks in FALLBACK_PLAYING until
// [Arbiter.FallbackDone]. It returns false when the session already ended
// or a fallback is already playing, so no new fallback should start.
func (a *Arbiter) CancelOutput() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case StateEnded, StateFallbackPlaying:
		return false
	}
	a.stopTimersLocked()
	switch a.owner {
	case OwnerA:
		a.emit(bus.TypeStopReflex, nil)
	case OwnerB:
		a.emit(bus.TypeStopLaneB, nil)
	}
	a.transitionLocked(StateFallbackPlaying, CauseCancelOutput)
	return true
}

// FallbackDone returns the machine to LISTENING once the fallback utterance
// finishes. A stray signal outside FALLBACK_PLAYING is ignored.
func (a *Arbiter) FallbackDone() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateFallbackPlaying {
		return
	}
	a.transitionLocked(StateListening, CauseFallbackDone)
}

// ResetResponseInProgress unwinds a turn whose audio commit was rejected.
// The guard clears, pending reflex work is cancelled, and the machine
// returns to LISTENING unless playback already moved on.
func (a *Arbiter) ResetResponseInProgress() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.responseInProgress = false
	switch a.state {
	case StateBResponding:
		a.stopTimersLocked()
		a.transitionLocked(StateListening, CauseCommitReset)
	case StateAPlaying:
		a.stopTimersLocked()
		a.emit(bus.TypeStopReflex, nil)
		a.transitionLocked(StateListening, CauseCommitReset)
	}
}

// EndSession cancels every timer and parks the machine in ENDED. Terminal.
func (a *Arbiter) EndSession() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateEnded {
		return
	}
	a.stopTimersLocked()
	a.transitionLocked(StateEnded, CauseEndSession)
}

// State returns the current state.
func (a *Arbiter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Owner returns the lane that currently holds the speaker.
func (a *Arbiter) Owner() Owner {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner
}

// ResponseInProgress reports whether a user turn is mid-flight.
func (a *Arbiter) ResponseInProgress() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.responseInProgress
}

// History returns the recorded transitions, oldest first.
func (a *Arbiter) History() []Transition {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.history) < a.cfg.HistorySize {
		return append([]Transition(nil), a.history...)
	}
	out := make([]Transition, 0, len(a.history))
	out = append(out, a.history[a.historyNext:]...)
	out = append(out, a.history[:a.historyNext]...)
	return out
}

// ── Timer callbacks ──────────────────────────────────────────────────────

func (a *Arbiter) reflexTimerFired(epoch uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if epoch != a.epoch || a.state != StateBResponding {
		return
	}
	a.emit(bus.TypePlayReflex, nil)
	a.transitionLocked(StateAPlaying, CauseReflexTimer)
	e := a.epoch
	a.maxReflexTimer = time.AfterFunc(a.cfg.MaxReflexDuration, func() {
		a.maxReflexFired(e)
	})
}

func (a *Arbiter) maxReflexFired(epoch uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if epoch != a.epoch || a.state != StateAPlaying {
		return
	}
	// The reflex ran out before the primary lane produced audio. Stop it
	// and keep waiting; the reflex is not replayed for this turn.
	a.emit(bus.TypeStopReflex, nil)
	a.transitionLocked(StateBResponding, CauseMaxReflex)
}

func (a *Arbiter) gapElapsed(epoch uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if epoch != a.epoch || a.state != StateAPlaying || !a.gapPending {
		return
	}
	a.emit(bus.TypeStopReflex, nil)
	a.emit(bus.TypePlayLaneB, nil)
	a.transitionLocked(StateBPlaying, CauseLaneBReady)
}

// ── Internals ────────────────────────────────────────────────────────────

// transitionLocked moves the machine to next, records the change, bumps the
// epoch so stale timer callbacks become no-ops, and emits the state and
// owner events. Must be called with a.mu held.
func (a *Arbiter) transitionLocked(next State, cause string) {
	prev := a.state
	prevOwner := a.owner
	a.state = next
	a.owner = ownerOf(next)
	a.epoch++
	a.gapPending = false
	a.record(Transition{From: prev, To: next, Cause: cause, At: time.Now()})

	slog.Debug("lane state changed",
		"session_id", a.sessionID,
		"from", prev.String(),
		"to", next.String(),
		"cause", cause)

	a.emit(bus.TypeLaneStateChanged, map[string]any{
		"from":  prev.String(),
		"to":    next.String(),
		"cause": cause,
	})
	if a.owner != prevOwner {
		a.emit(bus.TypeLaneOwnerChanged, map[string]any{
			"from":  prevOwner.String(),
			"to":    a.owner.String(),
			"cause": cause,
		})
	}
}

// markFirstReadyLocked stamps the first-audio timestamp once per turn and
// logs turns where the primary lane missed the preempt threshold. Must be
// called with a.mu held.
func (a *Arbiter) markFirstReadyLocked() {
	if !a.bFirstReadyAt.IsZero() {
		return
	}
	a.bFirstReadyAt = time.Now()
	if a.speechEndedAt.IsZero() {
		return
	}
	if latency := a.bFirstReadyAt.Sub(a.speechEndedAt); latency > a.cfg.PreemptThreshold {
		slog.Warn("primary lane first audio exceeded preempt threshold",
			"session_id", a.sessionID,
			"latency_ms", latency.Milliseconds(),
			"threshold_ms", a.cfg.PreemptThreshold.Milliseconds())
	}
}

// stopTimersLocked cancels every pending timer. Must be called with a.mu
// held; the epoch bump on the following transition catches callbacks that
// already fired.
func (a *Arbiter) stopTimersLocked() {
	if a.reflexTimer != nil {
		a.reflexTimer.Stop()
		a.reflexTimer = nil
	}
	if a.maxReflexTimer != nil {
		a.maxReflexTimer.Stop()
		a.maxReflexTimer = nil
	}
	if a.gapTimer != nil {
		a.gapTimer.Stop()
		a.gapTimer = nil
	}
	a.gapPending = false
}

// record appends to the bounded transition ring, overwriting the oldest
// entry once full. Must be called with a.mu held.
func (a *Arbiter) record(t Transition) {
	if len(a.history) < a.cfg.HistorySize {
		a.history = append(a.history, t)
		return
	}
	a.history[a.historyNext] = t
	a.historyNext = (a.historyNext + 1) % a.cfg.HistorySize
}

func (a *Arbiter) emit(eventType string, payload map[string]any) {
	a.bus.Emit(bus.Event{
		SessionID: a.sessionID,
		Source:    bus.SourceOrchestrator,
		Type:      eventType,
		Payload:   payload,
	})
}
