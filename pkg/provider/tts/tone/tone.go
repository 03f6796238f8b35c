// Package tone provides a Synthesizer of last resort. Instead of speech it
// renders a quiet cue tone sized to the phrase, so a failover chain that ends
// here always produces something the session can play.
package tone

import (
	"context"
	"time"

	"github.com/voxmux/voxmux/pkg/audio"
	"github.com/voxmux/voxmux/pkg/provider/tts"
)

// Cue sizing. The tone tracks the phrase length so playback pacing stays
// roughly natural, clamped so it is always audible but never drones on.
const (
	frequency   = 440
	perChar     = 70 * time.Millisecond
	minDuration = time.Second
	maxDuration = 5 * time.Second
)

// Synthesizer renders a fixed-frequency cue tone in place of speech. It holds
// no state and contacts no network service.
type Synthesizer struct{}

// Compile-time interface assertion.
var _ tts.Synthesizer = (*Synthesizer)(nil)

// New returns a tone Synthesizer.
func New() *Synthesizer {
	return &Synthesizer{}
}

// Synthesize returns canonical PCM containing a cue tone roughly as long as
// text would take to speak. voice is ignored. The only possible error is a
// context already cancelled on entry.
func (s *Synthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := min(max(time.Duration(len(text))*perChar, minDuration), maxDuration)
	return audio.Tone(d, frequency), nil
}
