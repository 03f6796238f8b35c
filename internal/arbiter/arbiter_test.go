package arbiter_test

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/voxmux/voxmux/internal/arbiter"
	"github.com/voxmux/voxmux/internal/bus"
)

// recorder captures arbiter events in emission order. The bus delivers
// synchronously, so the slice order matches the order seen on the wire.
type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) handle(evt bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

var commandTypes = map[string]bool{
	bus.TypePlayReflex:       true,
	bus.TypeStopReflex:       true,
	bus.TypePlayLaneB:        true,
	bus.TypeStopLaneB:        true,
	bus.TypeResponseComplete: true,
}

// commands returns only the lane command events, in order.
func (r *recorder) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if commandTypes[e.Type] {
			out = append(out, e.Type)
		}
	}
	return out
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (r *recorder) all(eventType string) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newTestArbiter(t *testing.T, cfg arbiter.Config) (*arbiter.Arbiter, *recorder) {
	t.Helper()
	b := bus.New()
	rec := &recorder{}
	for _, tp := range []string{
		bus.TypePlayReflex,
		bus.TypeStopReflex,
		bus.TypePlayLaneB,
		bus.TypeStopLaneB,
		bus.TypeResponseComplete,
		bus.TypeLaneStateChanged,
		bus.TypeLaneOwnerChanged,
	} {
		b.On(tp, rec.handle)
	}
	return arbiter.New("sess-1", b, cfg), rec
}

// testConfig keeps the timers short so timer-driven paths finish quickly.
func testConfig() arbiter.Config {
	return arbiter.Config{
		LaneAEnabled:         true,
		MinDelayBeforeReflex: 30 * time.Millisecond,
		MaxReflexDuration:    150 * time.Millisecond,
		TransitionGap:        5 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// ── Lifecycle ──

func TestStartSession_MovesToListening(t *testing.T) {
	t.Parallel()

	a, rec := newTestArbiter(t, testConfig())
	if got := a.State(); got != arbiter.StateIdle {
		t.Fatalf("expected initial state %q, got %q", arbiter.StateIdle, got)
	}

	a.StartSession()
	if got := a.State(); got != arbiter.StateListening {
		t.Fatalf("expected state %q, got %q", arbiter.StateListening, got)
	}
	if got := a.Owner(); got != arbiter.OwnerNone {
		t.Fatalf("expected owner %q, got %q", arbiter.OwnerNone, got)
	}

	changes := rec.all(bus.TypeLaneStateChanged)
	if len(changes) != 1 {
		t.Fatalf("expected 1 state change, got %d", len(changes))
	}
	p := changes[0].Payload
	if p["from"] != "idle" || p["to"] != "listening" || p["cause"] != arbiter.CauseStartSession {
		t.Fatalf("unexpected state change payload: %v", p)
	}
	if changes[0].Source != bus.SourceOrchestrator {
		t.Fatalf("expected source %q, got %q", bus.SourceOrchestrator, changes[0].Source)
	}

	// A second start is ignored.
	a.StartSession()
	if got := rec.count(bus.TypeLaneStateChanged); got != 1 {
		t.Fatalf("expected 1 state change after duplicate start, got %d", got)
	}
}

func TestEndSession_CancelsPendingReflex(t *testing.T) {
	t.Parallel()

	a, rec := newTestArbiter(t, testConfig())
	a.StartSession()
	if !a.UserSpeechEnded() {
		t.Fatal("UserSpeechEnded returned false")
	}

	a.EndSession()
	if got := a.State(); got != arbiter.StateEnded {
		t.Fatalf("expected state %q, got %q", arbiter.StateEnded, got)
	}

	// The armed reflex timer must never fire.
	time.Sleep(80 * time.Millisecond)
	if got := rec.count(bus.TypePlayReflex); got != 0 {
		t.Fatalf("expected no play_reflex after end, got %d", got)
	}

	// Ended is terminal.
	if a.UserSpeechEnded() {
		t.Fatal("UserSpeechEnded accepted after end")
	}
	if a.CancelOutput() {
		t.Fatal("CancelOutput accepted after end")
	}
	a.FallbackDone()
	if got := a.State(); got != arbiter.StateEnded {
		t.Fatalf("expected state %q, got %q", arbiter.StateEnded, got)
	}
}

// ── Turn flow ──

func TestFastLaneB_SkipsReflex(t *testing.T) {
	t.Parallel()

	a, rec := newTestArbiter(t, testConfig())
	a.StartSession()
	if !a.UserSpeechEnded() {
		t.Fatal("UserSpeechEnded returned false")
	}
	if got := a.State(); got != arbiter.StateBResponding {
		t.Fatalf("expected state %q, got %q", arbiter.StateBResponding, got)
	}

	// First audio arrives before the reflex delay elapses.
	a.LaneBReady()
	if got := a.State(); got != arbiter.StateBPlaying {
		t.Fatalf("expected state %q, got %q", arbiter.StateBPlaying, got)
	}
	if got := a.Owner(); got != arbiter.OwnerB {
		t.Fatalf("expected owner %q, got %q", arbiter.OwnerB, got)
	}

	// The reflex timer was cancelled, so waiting past its delay changes nothing.
	time.Sleep(80 * time.Millisecond)
	if got := rec.count(bus.TypePlayReflex); got != 0 {
		t.Fatalf("expected no play_reflex, got %d", got)
	}

	a.LaneBDone()
	if got := a.State(); got != arbiter.StateListening {
		t.Fatalf("expected state %q, got %q", arbiter.StateListening, got)
	}
	if a.ResponseInProgress() {
		t.Fatal("expected guard cleared after lane_b_done")
	}

	want := []string{bus.TypePlayLaneB, bus.TypeResponseComplete}
	if got := rec.commands(); !slices.Equal(got, want) {
		t.Fatalf("expected commands %v, got %v", want, got)
	}
}

func TestReflexFires_ThenLaneBPreempts(t *testing.T) {
	t.Parallel()

	a, rec := newTestArbiter(t, testConfig())
	a.StartSession()
	a.UserSpeechEnded()

	waitFor(t, func() bool { return rec.count(bus.TypePlayReflex) == 1 },
		"timed out waiting for play_reflex")
	if got := a.State(); got != arbiter.StateAPlaying {
		t.Fatalf("expected state %q, got %q", arbiter.StateAPlaying, got)
	}
	if got := a.Owner(); got != arbiter.OwnerA {
		t.Fatalf("expected owner %q, got %q", arbiter.OwnerA, got)
	}

	a.LaneBReady()
	waitFor(t, func() bool { return rec.count(bus.TypePlayLaneB) == 1 },
		"timed out waiting for play_lane_b")
	if got := a.State(); got != arbiter.StateBPlaying {
		t.Fatalf("expected state %q, got %q", arbiter.StateBPlaying, got)
	}

	a.LaneBDone()
	want := []string{
		bus.TypePlayReflex,
		bus.TypeStopReflex,
		bus.TypePlayLaneB,
		bus.TypeResponseComplete,
	}
	if got := rec.commands(); !slices.Equal(got, want) {
		t.Fatalf("expected commands %v, got %v", want, got)
	}
}

func TestMaxReflex_StopsReflexAndWaits(t *testing.T) {
	t.Parallel()

	a, rec := newTestArbiter(t, testConfig())
	a.StartSession()
	a.UserSpeechEnded()

	waitFor(t, func() bool { return rec.count(bus.TypePlayReflex) == 1 },
		"timed out waiting for play_reflex")

	// No lane B audio: the max-reflex timer stops the reflex and the
	// machine keeps waiting.
	waitFor(t, func() bool { return rec.count(bus.TypeStopReflex) == 1 },
		"timed out waiting for max-reflex stop")
	if got := a.State(); got != arbiter.StateBResponding {
		t.Fatalf("expected state %q, got %q", arbiter.StateBResponding, got)
	}
	if got := a.Owner(); got != arbiter.OwnerNone {
		t.Fatalf("expected owner %q, got %q", arbiter.OwnerNone, got)
	}

	// Late first audio still completes the handover, with no second reflex.
	a.LaneBReady()
	if got := a.State(); got != arbiter.StateBPlaying {
		t.Fatalf("expected state %q, got %q", arbiter.StateBPlaying, got)
	}
	if got := rec.count(bus.TypePlayReflex); got != 1 {
		t.Fatalf("expected 1 play_reflex, got %d", got)
	}
}

func TestUserSpeechEnded_GuardBlocksSecondTurn(t *testing.T) {
	t.Parallel()

	a, _ := newTestArbiter(t, testConfig())
	a.StartSession()

	if !a.UserSpeechEnded() {
		t.Fatal("first UserSpeechEnded returned false")
	}
	if a.UserSpeechEnded() {
		t.Fatal("second UserSpeechEnded accepted while response in progress")
	}

	a.LaneBReady()
	a.LaneBDone()
	if !a.UserSpeechEnded() {
		t.Fatal("UserSpeechEnded rejected after turn completed")
	}
}

func TestDuplicateLaneBReady_Idempotent(t *testing.T) {
	t.Parallel()

	a, rec := newTestArbiter(t, testConfig())
	a.StartSession()
	a.UserSpeechEnded()

	waitFor(t, func() bool { return rec.count(bus.TypePlayReflex) == 1 },
		"timed out waiting for play_reflex")

	a.LaneBReady()
	a.LaneBReady()
	a.LaneBReady()
	waitFor(t, func() bool { return rec.count(bus.TypePlayLaneB) == 1 },
		"timed out waiting for play_lane_b")
	time.Sleep(30 * time.Millisecond)

	if got := rec.count(bus.TypeStopReflex); got != 1 {
		t.Fatalf("expected 1 stop_reflex, got %d", got)
	}
	if got := rec.count(bus.TypePlayLaneB); got != 1 {
		t.Fatalf("expected 1 play_lane_b, got %d", got)
	}

	// Another ready in B_PLAYING changes nothing.
	a.LaneBReady()
	if got := rec.count(bus.TypePlayLaneB); got != 1 {
		t.Fatalf("expected play_lane_b to stay at 1, got %d", got)
	}
}

func TestLaneADisabled_NeverPlaysReflex(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.LaneAEnabled = false
	a, rec := newTestArbiter(t, cfg)
	a.StartSession()
	a.UserSpeechEnded()

	time.Sleep(80 * time.Millisecond)
	if got := rec.count(bus.TypePlayReflex); got != 0 {
		t.Fatalf("expected no play_reflex with lane A disabled, got %d", got)
	}
	if got := a.State(); got != arbiter.StateBResponding {
		t.Fatalf("expected state %q, got %q", arbiter.StateBResponding, got)
	}

	a.LaneBReady()
	if got := a.State(); got != arbiter.StateBPlaying {
		t.Fatalf("expected state %q, got %q", arbiter.StateBPlaying, got)
	}
}

// ── Barge-in ──

func TestBargeIn_DuringBPlaying(t *testing.T) {
	t.Parallel()

	a, rec := newTestArbiter(t, testConfig())
	a.StartSession()
	a.UserSpeechEnded()
	a.LaneBReady()

	owner, ok := a.UserBargeIn()
	if !ok {
		t.Fatal("UserBargeIn rejected in B_PLAYING")
	}
	if owner != arbiter.OwnerB {
		t.Fatalf("expected interrupted owner %q, got %q", arbiter.OwnerB, owner)
	}
	if got := a.State(); got != arbiter.StateListening {
		t.Fatalf("expected state %q, got %q", arbiter.StateListening, got)
	}
	if a.ResponseInProgress() {
		t.Fatal("expected guard cleared by barge-in")
	}
	if got := rec.count(bus.TypeStopLaneB); got != 1 {
		t.Fatalf("expected 1 stop_lane_b, got %d", got)
	}

	// Nothing left to interrupt.
	if _, ok := a.UserBargeIn(); ok {
		t.Fatal("UserBargeIn accepted in LISTENING")
	}
}

func TestBargeIn_DuringReflex(t *testing.T) {
	t.Parallel()

	a, rec := newTestArbiter(t, testConfig())
	a.StartSession()
	a.UserSpeechEnded()

	waitFor(t, func() bool { return rec.count(bus.TypePlayReflex) == 1 },
		"timed out waiting for play_reflex")

	owner, ok := a.UserBargeIn()
	if !ok || owner != arbiter.OwnerA {
		t.Fatalf("expected interrupted owner %q, got %q (ok=%v)", arbiter.OwnerA, owner, ok)
	}
	if got := rec.count(bus.TypeStopReflex); got != 1 {
		t.Fatalf("expected 1 stop_reflex, got %d", got)
	}
	if got := a.State(); got != arbiter.StateListening {
		t.Fatalf("expected state %q, got %q", arbiter.StateListening, got)
	}
}

// ── Policy override and fallback ──

func TestCancelOutput_ForcesFallback(t *testing.T) {
	t.Parallel()

	a, rec := newTestArbiter(t, testConfig())
	a.StartSession()
	a.UserSpeechEnded()
	a.LaneBReady()

	if !a.CancelOutput() {
		t.Fatal("CancelOutput rejected in B_PLAYING")
	}
	if got := a.State(); got != arbiter.StateFallbackPlaying {
		t.Fatalf("expected state %q, got %q", arbiter.StateFallbackPlaying, got)
	}
	if got := a.Owner(); got != arbiter.OwnerFallback {
		t.Fatalf("expected owner %q, got %q", arbiter.OwnerFallback, got)
	}
	if got := rec.count(bus.TypeStopLaneB); got != 1 {
		t.Fatalf("expected 1 stop_lane_b, got %d", got)
	}

	// A second override while the fallback plays must not restart it.
	if a.CancelOutput() {
		t.Fatal("CancelOutput accepted while fallback already playing")
	}

	// The provider cancel resolves as a late done: absorbed in place.
	a.LaneBDone()
	if got := a.State(); got != arbiter.StateFallbackPlaying {
		t.Fatalf("expected state %q, got %q", arbiter.StateFallbackPlaying, got)
	}
	if a.ResponseInProgress() {
		t.Fatal("expected guard cleared by absorbed lane_b_done")
	}

	a.FallbackDone()
	if got := a.State(); got != arbiter.StateListening {
		t.Fatalf("expected state %q, got %q", arbiter.StateListening, got)
	}
}

func TestFallbackDone_IgnoredOutsideFallback(t *testing.T) {
	t.Parallel()

	a, rec := newTestArbiter(t, testConfig())
	a.StartSession()

	a.FallbackDone()
	if got := a.State(); got != arbiter.StateListening {
		t.Fatalf("expected state %q, got %q", arbiter.StateListening, got)
	}
	if got := rec.count(bus.TypeLaneStateChanged); got != 1 {
		t.Fatalf("expected 1 state change, got %d", got)
	}
}

// ── Absorbed signals ──

func TestLaneBDone_AbsorbedWhileListening(t *testing.T) {
	t.Parallel()

	a, rec := newTestArbiter(t, testConfig())
	a.StartSession()

	// A done with no turn in flight completes defensively in place.
	a.LaneBDone()
	if got := a.State(); got != arbiter.StateListening {
		t.Fatalf("expected state %q, got %q", arbiter.StateListening, got)
	}
	if got := rec.count(bus.TypeResponseComplete); got != 1 {
		t.Fatalf("expected 1 response_complete, got %d", got)
	}

	// Never resurrects an ended session.
	a.EndSession()
	a.LaneBDone()
	if got := a.State(); got != arbiter.StateEnded {
		t.Fatalf("expected state %q, got %q", arbiter.StateEnded, got)
	}
}

func TestResetResponseInProgress_UnwindsRejectedCommit(t *testing.T) {
	t.Parallel()

	a, rec := newTestArbiter(t, testConfig())
	a.StartSession()
	if !a.UserSpeechEnded() {
		t.Fatal("UserSpeechEnded returned false")
	}

	// The commit came back rejected before any response started.
	a.ResetResponseInProgress()
	if got := a.State(); got != arbiter.StateListening {
		t.Fatalf("expected state %q, got %q", arbiter.StateListening, got)
	}
	if a.ResponseInProgress() {
		t.Fatal("expected guard cleared by reset")
	}

	// The armed reflex never fires for the unwound turn.
	time.Sleep(80 * time.Millisecond)
	if got := rec.count(bus.TypePlayReflex); got != 0 {
		t.Fatalf("expected no play_reflex, got %d", got)
	}

	// A stray response done afterwards is absorbed in place.
	a.LaneBDone()
	if got := a.State(); got != arbiter.StateListening {
		t.Fatalf("expected state %q, got %q", arbiter.StateListening, got)
	}

	// The next turn proceeds normally.
	if !a.UserSpeechEnded() {
		t.Fatal("UserSpeechEnded rejected after reset")
	}
}

// ── Record keeping ──

func TestOwnerChanges_TrackHandovers(t *testing.T) {
	t.Parallel()

	a, rec := newTestArbiter(t, testConfig())
	a.StartSession()
	a.UserSpeechEnded()

	waitFor(t, func() bool { return rec.count(bus.TypePlayReflex) == 1 },
		"timed out waiting for play_reflex")
	a.LaneBReady()
	waitFor(t, func() bool { return rec.count(bus.TypePlayLaneB) == 1 },
		"timed out waiting for play_lane_b")
	a.LaneBDone()

	changes := rec.all(bus.TypeLaneOwnerChanged)
	want := [][2]string{
		{"none", "laneA"},
		{"laneA", "laneB"},
		{"laneB", "none"},
	}
	if len(changes) != len(want) {
		t.Fatalf("expected %d owner changes, got %d", len(want), len(changes))
	}
	for i, w := range want {
		p := changes[i].Payload
		if p["from"] != w[0] || p["to"] != w[1] {
			t.Fatalf("owner change %d: expected %v -> %v, got %v -> %v",
				i, w[0], w[1], p["from"], p["to"])
		}
	}
}

func TestHistory_BoundedRing(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.HistorySize = 4
	a, _ := newTestArbiter(t, cfg)

	a.StartSession()
	for range 3 {
		a.UserSpeechEnded()
		a.LaneBReady()
		a.LaneBDone()
	}

	// 10 transitions total; the ring keeps the last 4.
	hist := a.History()
	if len(hist) != 4 {
		t.Fatalf("expected 4 transitions, got %d", len(hist))
	}
	wantCauses := []string{
		arbiter.CauseLaneBDone,
		arbiter.CauseSpeechEnded,
		arbiter.CauseLaneBReady,
		arbiter.CauseLaneBDone,
	}
	for i, w := range wantCauses {
		if hist[i].Cause != w {
			t.Fatalf("transition %d: expected cause %q, got %q", i, w, hist[i].Cause)
		}
	}
	if hist[3].To != arbiter.StateListening {
		t.Fatalf("expected final transition to %q, got %q", arbiter.StateListening, hist[3].To)
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].At.Before(hist[i-1].At) {
			t.Fatalf("transition %d out of order: %v before %v", i, hist[i].At, hist[i-1].At)
		}
	}
}
