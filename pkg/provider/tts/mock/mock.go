// Package mock provides a test double for the tts.Synthesizer interface.
//
// Use Synthesizer to feed controlled PCM audio to consumers and to verify
// which text and voice were requested.
//
// Example:
//
//	s := &mock.Synthesizer{Audio: []byte{0x01, 0x02, 0x03, 0x04}}
//	pcm, _ := s.Synthesize(ctx, "One moment please.", "alloy")
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voxmux/voxmux/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the text passed to Synthesize.
	Text string
	// Voice is the voice passed to Synthesize.
	Voice string
}

// Synthesizer is a mock implementation of tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Audio is the PCM returned by Synthesize. A copy is handed out per call.
	Audio []byte

	// Err, if non-nil, is returned as the error from Synthesize.
	Err error

	// Delay, if set, is how long Synthesize blocks before returning. The
	// call aborts early with ctx.Err() when the context expires first.
	Delay time.Duration

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns a copy of Audio, Err.
func (s *Synthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	s.mu.Lock()
	s.SynthesizeCalls = append(s.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, Voice: voice})
	audio := make([]byte, len(s.Audio))
	copy(audio, s.Audio)
	err := s.Err
	delay := s.Delay
	s.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return audio, nil
}

// Reset clears all recorded calls. Thread-safe.
func (s *Synthesizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SynthesizeCalls = nil
}

// Ensure Synthesizer implements tts.Synthesizer at compile time.
var _ tts.Synthesizer = (*Synthesizer)(nil)
