// Package tts defines the Synthesizer interface for text-to-speech backends.
//
// The fallback lane uses a synthesizer to render canned phrases when the
// realtime provider cannot deliver a response. Synthesis is one-shot rather
// than streaming: fallback phrases are a sentence or two, and the caller
// paces playback by slicing the returned PCM into fixed-size chunks.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Synthesizer is the abstraction over any TTS backend.
type Synthesizer interface {
	// Synthesize renders text as 16-bit little-endian mono PCM at the
	// gateway's canonical sample rate (see the audio package). voice selects
	// a provider-specific voice; implementations fall back to a default when
	// it is empty.
	//
	// Returns an error if the backend cannot be reached, rejects the request
	// or ctx is cancelled before the audio is complete.
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}
