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

// Mode selects which kind of pre-approved utterance the fallback lane plays
// after a policy override.
type Mode string

// Fallback modes.
const (
	// ModeAuto resolves the mode per event from the override payload or the
	// triggering decision.
	ModeAuto Mode = "auto"

	ModeRefusePolitely Mode = "refuse_politely"
	ModeAskClarifying  Mode = "ask_clarifying_question"
	ModeTextSummary    Mode = "switch_to_text_summary"
	ModeEscalate       Mode = "escalate_to_human"
	ModeOfferEmail     Mode = "offer_email_or_link"
)

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeAuto, ModeRefusePolitely, ModeAskClarifying, ModeTextSummary,
		ModeEscalate, ModeOfferEmail:
		return true
	}
	return false
}

// defaultPhrases are the built-in safe utterances per mode, used whenever
// the operator configures no phrase list.
var defaultPhrases = map[Mode][]string{
	ModeRefusePolitely: {"I'm sorry, but I can't help with that request."},
	ModeAskClarifying:  {"Could you tell me a bit more about what you need?"},
	ModeTextSummary:    {"I'll send you a text summary instead."},
	ModeEscalate:       {"Let me connect you with a human agent who can help."},
	ModeOfferEmail:     {"I can send you an email with more details if you'd like."},
}

// Tone parameters for the unsynthesizable case: a quiet mid-range beep
// roughly as long as the phrase would have been spoken.
const (
	toneFrequency  = 440
	perCharSpeech  = 70 * time.Millisecond
	minToneLength  = time.Second
	maxToneLength  = 5 * time.Second
	defaultSynthTO = 10 * time.Second
)

// FallbackConfig configures one session's fallback lane.
type FallbackConfig struct {
	// Mode forces a single mode for every override. ModeAuto (the default)
	// resolves per event.
	Mode Mode

	// Voice is the TTS voice for fallback phrases.
	Voice string

	// Phrases overrides the built-in phrase list per mode. Modes absent
	// from the map keep their defaults.
	Phrases map[Mode][]string

	// SynthTimeout bounds one synthesis call. Default: 10s.
	SynthTimeout time.Duration
}

// Fallback plays a pre-approved utterance when policy cancels the primary
// response. Audio is synthesized once per phrase into the shared
// [PhraseCache] and streamed as 100 ms chunks; when synthesis fails, a tone
// of roughly matching duration substitutes so the caller still hears an
// acknowledgement.
type Fallback struct {
	sessionID string
	bus       *bus.Bus
	synth     tts.Synthesizer
	cache     *PhraseCache
	cfg       FallbackConfig

	mu         sync.Mutex
	gen        uint64
	current    *player
	active     bool
	activeMode Mode
}

// NewFallback builds the lane. Nothing is synthesized until the first Play.
func NewFallback(sessionID string, b *bus.Bus, synth tts.Synthesizer, cache *PhraseCache, cfg FallbackConfig) *Fallback {
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	if cfg.SynthTimeout <= 0 {
		cfg.SynthTimeout = defaultSynthTO
	}
	return &Fallback{
		sessionID: sessionID,
		bus:       b,
		synth:     synth,
		cache:     cache,
		cfg:       cfg,
	}
}

// Play resolves the mode, renders the phrase and streams it on the session
// bus. It returns immediately; synthesis and playback run on their own
// goroutine. A fallback already playing is superseded.
//
// decision is the policy decision that triggered the override; requested is
// the fallback_mode carried in the override payload, ModeAuto when absent.
func (f *Fallback) Play(decision string, requested Mode) {
	mode := f.resolveMode(requested, decision)
	phrase := f.pickPhrase(mode)

	f.mu.Lock()
	f.gen++
	gen := f.gen
	if f.current != nil {
		f.current.Stop()
		f.current = nil
	}
	f.active = true
	f.activeMode = mode
	f.mu.Unlock()

	slog.Info("fallback playing",
		"session_id", f.sessionID,
		"mode", string(mode),
		"decision", decision)
	go f.render(gen, mode, phrase)
}

// Stop ends the current fallback, emitting done{reason: stopped} for a
// stream that was still pending or playing. Idempotent.
func (f *Fallback) Stop() {
	f.mu.Lock()
	f.gen++
	p := f.current
	f.current = nil
	wasActive := f.active
	f.active = false
	mode := f.activeMode
	f.mu.Unlock()

	if p != nil {
		p.Stop()
		return
	}
	if wasActive {
		// Stopped between Play and the first chunk: the player never
		// started, so the done event is emitted here.
		f.emitDone("stopped", mode)
	}
}

// render synthesizes (or fetches) the phrase audio and starts the chunk
// stream, unless the generation was superseded meanwhile.
func (f *Fallback) render(gen uint64, mode Mode, phrase string) {
	pcm, ok := f.cache.Get(phrase)
	if !ok {
		ctx, cancel := context.WithTimeout(context.Background(), f.cfg.SynthTimeout)
		synthesized, err := f.synth.Synthesize(ctx, phrase, f.cfg.Voice)
		cancel()
		if err != nil {
			slog.Warn("fallback synthesis failed, substituting tone",
				"session_id", f.sessionID,
				"mode", string(mode),
				"error", err)
			pcm = audio.Tone(speechEstimate(phrase), toneFrequency)
		} else {
			f.cache.Put(phrase, synthesized)
			pcm = synthesized
		}
	}

	f.mu.Lock()
	if gen != f.gen {
		f.mu.Unlock()
		return
	}
	p := newPlayer()
	f.current = p
	f.mu.Unlock()

	p.start(pcm, f.emitChunk, func(stopped bool) {
		f.mu.Lock()
		if gen == f.gen {
			f.active = false
			f.current = nil
		}
		f.mu.Unlock()
		reason := "done"
		if stopped {
			reason = "stopped"
		}
		f.emitDone(reason, mode)
	})
}

// resolveMode applies the precedence: explicit config, then the override
// payload's requested mode, then a mapping from the triggering decision.
func (f *Fallback) resolveMode(requested Mode, decision string) Mode {
	if f.cfg.Mode != ModeAuto && f.cfg.Mode.IsValid() {
		return f.cfg.Mode
	}
	if requested != ModeAuto && requested.IsValid() {
		return requested
	}
	switch decision {
	case "escalate":
		return ModeEscalate
	case "rewrite":
		return ModeTextSummary
	default:
		return ModeRefusePolitely
	}
}

// pickPhrase selects a random phrase for mode from the configured list,
// falling back to the built-ins.
func (f *Fallback) pickPhrase(mode Mode) string {
	list := f.cfg.Phrases[mode]
	if len(list) == 0 {
		list = defaultPhrases[mode]
	}
	if len(list) == 0 {
		return defaultPhrases[ModeRefusePolitely][0]
	}
	return list[rand.IntN(len(list))]
}

// speechEstimate guesses how long a phrase would take to speak, for sizing
// the substitute tone.
func speechEstimate(phrase string) time.Duration {
	d := time.Duration(len(phrase)) * perCharSpeech
	return min(max(d, minToneLength), maxToneLength)
}

func (f *Fallback) emitChunk(chunk []byte) {
	f.bus.Emit(bus.Event{
		SessionID: f.sessionID,
		Source:    bus.SourceFallback,
		Type:      bus.TypeAudioChunk,
		Payload: map[string]any{
			"data":        chunk,
			"format":      audio.FormatPCM,
			"sample_rate": audio.SampleRate,
		},
	})
}

func (f *Fallback) emitDone(reason string, mode Mode) {
	f.bus.Emit(bus.Event{
		SessionID: f.sessionID,
		Source:    bus.SourceFallback,
		Type:      bus.TypeFallbackDone,
		Payload: map[string]any{
			"reason": reason,
			"mode":   string(mode),
		},
	})
}
