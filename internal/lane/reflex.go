package lane

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/voxmux/voxmux/internal/bus"
	"github.com/voxmux/voxmux/pkg/audio"
	"github.com/voxmux/voxmux/pkg/provider/tts"
)

// WeightedPhrase is one reflex acknowledgement and its selection weight.
// Weights below one count as one.
type WeightedPhrase struct {
	Text   string
	Weight int
}

// defaultReflexPhrases is the built-in acknowledgement whitelist. Short
// back-channel sounds weigh more than full words.
var defaultReflexPhrases = []WeightedPhrase{
	{Text: "Mmhmm", Weight: 3},
	{Text: "Yeah", Weight: 2},
	{Text: "Okay", Weight: 2},
	{Text: "Right", Weight: 1},
	{Text: "I see", Weight: 1},
}

// rewarmTimeout bounds the background re-synthesis of an evicted phrase.
const rewarmTimeout = 10 * time.Second

// ReflexConfig configures one session's reflex lane.
type ReflexConfig struct {
	// Enabled gates the lane; a disabled reflex never synthesizes and Play
	// is a silent no-op.
	Enabled bool

	// Voice is the TTS voice used for the whitelist.
	Voice string

	// Phrases replaces the built-in whitelist when non-empty.
	Phrases []WeightedPhrase
}

// Reflex is the per-session acknowledgement lane. Construction preloads the
// whitelist into the shared [PhraseCache] so Play starts within
// milliseconds; phrases the synthesizer cannot render are dropped from the
// rotation with a warning.
type Reflex struct {
	sessionID   string
	bus         *bus.Bus
	synth       tts.Synthesizer
	cache       *PhraseCache
	voice       string
	enabled     bool
	phrases     []WeightedPhrase
	totalWeight int

	mu      sync.Mutex
	current *player
}

// NewReflex builds the lane and preloads its whitelist. ctx bounds the
// preload synthesis calls; a phrase that fails to render is skipped, and a
// lane with no renderable phrases behaves like a disabled one.
func NewReflex(ctx context.Context, sessionID string, b *bus.Bus, synth tts.Synthesizer, cache *PhraseCache, cfg ReflexConfig) *Reflex {
	r := &Reflex{
		sessionID: sessionID,
		bus:       b,
		synth:     synth,
		cache:     cache,
		voice:     cfg.Voice,
		enabled:   cfg.Enabled,
	}
	if !cfg.Enabled {
		return r
	}

	candidates := cfg.Phrases
	if len(candidates) == 0 {
		candidates = defaultReflexPhrases
	}
	for _, ph := range candidates {
		if ph.Text == "" {
			continue
		}
		if _, ok := cache.Get(ph.Text); !ok {
			pcm, err := synth.Synthesize(ctx, ph.Text, cfg.Voice)
			if err != nil {
				slog.Warn("reflex phrase preload failed",
					"session_id", sessionID,
					"phrase", ph.Text,
					"error", err)
				continue
			}
			cache.Put(ph.Text, pcm)
		}
		if ph.Weight < 1 {
			ph.Weight = 1
		}
		r.phrases = append(r.phrases, ph)
		r.totalWeight += ph.Weight
	}
	if len(r.phrases) == 0 {
		slog.Warn("reflex lane has no renderable phrases", "session_id", sessionID)
	}
	return r
}

// Play streams a weighted-random acknowledgement as audio.chunk events on
// the session bus. A disabled or empty lane is a silent no-op; a previous
// stream still running is stopped first.
func (r *Reflex) Play() {
	if !r.enabled || len(r.phrases) == 0 {
		return
	}

	phrase := r.pick()
	pcm, ok := r.cache.Get(phrase)
	if !ok {
		// Evicted since preload: rewarm for the next turn and play whatever
		// is still resident this turn.
		go r.rewarm(phrase)
		for _, alt := range r.phrases {
			if altPCM, altOK := r.cache.Get(alt.Text); altOK {
				phrase, pcm, ok = alt.Text, altPCM, true
				break
			}
		}
	}
	if !ok {
		slog.Warn("no reflex phrase resident in cache", "session_id", r.sessionID)
		return
	}

	r.mu.Lock()
	if r.current != nil {
		r.current.Stop()
	}
	p := newPlayer()
	r.current = p
	r.mu.Unlock()

	slog.Debug("reflex playing", "session_id", r.sessionID, "phrase", phrase)
	p.start(pcm, r.emitChunk, func(stopped bool) {
		r.mu.Lock()
		if r.current == p {
			r.current = nil
		}
		r.mu.Unlock()
		slog.Debug("reflex finished",
			"session_id", r.sessionID,
			"phrase", phrase,
			"stopped", stopped)
	})
}

// Stop ends the current reflex stream, if any. Idempotent.
func (r *Reflex) Stop() {
	r.mu.Lock()
	p := r.current
	r.current = nil
	r.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

// pick selects a phrase by weight.
func (r *Reflex) pick() string {
	n := rand.IntN(r.totalWeight)
	for _, ph := range r.phrases {
		n -= ph.Weight
		if n < 0 {
			return ph.Text
		}
	}
	return r.phrases[len(r.phrases)-1].Text
}

// rewarm re-synthesizes an evicted phrase back into the shared cache.
func (r *Reflex) rewarm(phrase string) {
	ctx, cancel := context.WithTimeout(context.Background(), rewarmTimeout)
	defer cancel()
	pcm, err := r.synth.Synthesize(ctx, phrase, r.voice)
	if err != nil {
		slog.Warn("reflex phrase rewarm failed",
			"session_id", r.sessionID,
			"phrase", phrase,
			"error", err)
		return
	}
	r.cache.Put(phrase, pcm)
}

func (r *Reflex) emitChunk(chunk []byte) {
	r.bus.Emit(bus.Event{
		SessionID: r.sessionID,
		Source:    bus.SourceLaneA,
		Type:      bus.TypeAudioChunk,
		Payload: map[string]any{
			"data":        chunk,
			"format":      audio.FormatPCM,
			"sample_rate": audio.SampleRate,
		},
	})
}
