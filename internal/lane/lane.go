// Package lane implements the three audio producers a session arbitrates
// between.
//
// The reflex lane ([Reflex]) plays a short pre-synthesized acknowledgement
// within milliseconds of the user's turn ending, buying the primary lane
// time to produce real audio. The primary lane ([Primary]) wraps the
// upstream realtime session and translates its event stream onto the bus.
// The fallback lane ([Fallback]) renders a pre-approved utterance when
// policy cancels the response outright.
//
// Lanes never call the arbiter; they publish on the session bus and the
// session runtime routes the arbiter's commands back to lane methods.
package lane

import (
	"sync"
	"time"

	"github.com/voxmux/voxmux/pkg/audio"
)

// player streams one PCM buffer as fixed 100 ms chunks on a wall-clock
// cadence. The first chunk is emitted immediately; done runs exactly once,
// with stopped reporting whether Stop cut playback short. Construct with
// newPlayer, register it wherever Stop needs to find it, then call start.
type player struct {
	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
}

func newPlayer() *player {
	return &player{stop: make(chan struct{})}
}

// start launches the playback goroutine over pcm. emit receives one chunk
// per tick and must not block; done is invoked after the final chunk or
// after a stop, whichever comes first.
func (p *player) start(pcm []byte, emit func(chunk []byte), done func(stopped bool)) {
	go p.run(pcm, emit, done)
}

func (p *player) run(pcm []byte, emit func(chunk []byte), done func(stopped bool)) {
	ticker := time.NewTicker(audio.ChunkDuration)
	defer ticker.Stop()

	for off := 0; off < len(pcm); off += audio.ChunkBytes {
		select {
		case <-p.stop:
			done(true)
			return
		default:
		}
		end := min(off+audio.ChunkBytes, len(pcm))
		emit(pcm[off:end])
		if end == len(pcm) {
			break
		}
		select {
		case <-p.stop:
			done(true)
			return
		case <-ticker.C:
		}
	}
	done(false)
}

// Stop ends playback early. It is idempotent and reports whether this call
// was the one that stopped the stream.
func (p *player) Stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.stopped = true
	close(p.stop)
	return true
}
