package lane

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxmux/voxmux/internal/bus"
	"github.com/voxmux/voxmux/pkg/audio"
	"github.com/voxmux/voxmux/pkg/provider/realtime"
)

// Primary is the per-session wrapper around the upstream realtime session.
// It pumps the provider's event stream onto the session bus, measures TTFB
// from commit acknowledgement to first audio, and suppresses audio deltas
// that belong to a cancelled response.
type Primary struct {
	sessionID string
	bus       *bus.Bus
	sess      realtime.Session

	mu          sync.Mutex
	committedAt time.Time
	ttfb        time.Duration
	hasTTFB     bool

	// suppress drops audio for a response that was cancelled; it lifts when
	// that response's end event arrives or a new commit is acknowledged.
	suppress bool

	done chan struct{}
}

// NewPrimary wraps sess and starts pumping its events onto b. The pump runs
// until the session's event stream closes; call Close to tear down.
func NewPrimary(sessionID string, b *bus.Bus, sess realtime.Session) *Primary {
	p := &Primary{
		sessionID: sessionID,
		bus:       b,
		sess:      sess,
		done:      make(chan struct{}),
	}
	go p.pump()
	return p
}

// SendAudio forwards one input chunk upstream.
func (p *Primary) SendAudio(chunk audio.Chunk) error {
	return p.sess.SendAudio(chunk)
}

// CommitAudio seals the input buffer. A false return means the buffer was
// too short and was cleared instead; the caller unwinds the turn.
func (p *Primary) CommitAudio(ctx context.Context) (bool, error) {
	return p.sess.CommitAudio(ctx)
}

// ClearAudio discards the uncommitted input buffer on both ends.
func (p *Primary) ClearAudio() error {
	return p.sess.ClearAudio()
}

// Cancel aborts the in-flight response and starts dropping its remaining
// audio deltas.
func (p *Primary) Cancel() error {
	p.mu.Lock()
	p.suppress = true
	p.mu.Unlock()
	return p.sess.Cancel()
}

// SetVoiceMode switches upstream turn detection.
func (p *Primary) SetVoiceMode(mode realtime.VoiceMode) error {
	return p.sess.SetVoiceMode(mode)
}

// SetConversationContext pushes retrieval context into the upstream
// instructions.
func (p *Primary) SetConversationContext(text string) error {
	return p.sess.SetConversationContext(text)
}

// TTFB returns the latest commit-to-first-audio latency, and whether one
// has been measured this session.
func (p *Primary) TTFB() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ttfb, p.hasTTFB
}

// Close tears down the upstream session and waits for the event pump to
// drain. Safe to call multiple times.
func (p *Primary) Close() error {
	err := p.sess.Close()
	<-p.done
	return err
}

func (p *Primary) pump() {
	defer close(p.done)
	for evt := range p.sess.Events() {
		p.handle(evt)
	}
}

func (p *Primary) handle(evt realtime.Event) {
	switch evt.Type {
	case realtime.EventCommitted:
		p.mu.Lock()
		p.committedAt = time.Now()
		p.suppress = false
		p.mu.Unlock()

	case realtime.EventSpeechStarted:
		slog.Debug("upstream speech started", "session_id", p.sessionID)

	case realtime.EventResponseStart:
		p.emit(bus.TypeResponseStart, nil)

	case realtime.EventFirstAudioReady:
		p.mu.Lock()
		if p.suppress {
			p.mu.Unlock()
			return
		}
		payload := map[string]any{}
		if !p.committedAt.IsZero() {
			p.ttfb = time.Since(p.committedAt)
			p.hasTTFB = true
			payload["ttfb_ms"] = p.ttfb.Milliseconds()
		}
		p.mu.Unlock()
		p.emit(bus.TypeFirstAudioReady, payload)

	case realtime.EventAudio:
		p.mu.Lock()
		drop := p.suppress
		p.mu.Unlock()
		if drop {
			return
		}
		p.emit(bus.TypeAudioChunk, map[string]any{
			"data":        evt.Audio,
			"format":      audio.FormatPCM,
			"sample_rate": audio.SampleRate,
		})

	case realtime.EventTranscript:
		p.emit(bus.TypeTranscript, map[string]any{
			"text":  evt.Text,
			"final": evt.Final,
		})

	case realtime.EventUserTranscript:
		p.emit(bus.TypeUserTranscript, map[string]any{
			"text":  evt.Text,
			"final": evt.Final,
		})

	case realtime.EventResponseEnd:
		p.mu.Lock()
		p.suppress = false
		p.mu.Unlock()
		if evt.Usage != nil {
			p.emit(bus.TypeResponseMetadata, map[string]any{
				"input_tokens":  evt.Usage.InputTokens,
				"output_tokens": evt.Usage.OutputTokens,
				"total_tokens":  evt.Usage.TotalTokens,
			})
		}
		p.emit(bus.TypeResponseEnd, map[string]any{
			"truncated": evt.Truncated,
		})

	case realtime.EventRateLimits:
		slog.Debug("upstream rate limits",
			"session_id", p.sessionID,
			"limits", len(evt.RateLimits))

	case realtime.EventError:
		p.emit(bus.TypeError, map[string]any{
			"code":    evt.Code,
			"message": evt.Message,
		})
	}
}

func (p *Primary) emit(eventType string, payload map[string]any) {
	p.bus.Emit(bus.Event{
		SessionID: p.sessionID,
		Source:    bus.SourceLaneB,
		Type:      eventType,
		Payload:   payload,
	})
}
