// Package audio provides the PCM primitives shared by every component that
// touches sound: duration math for the canonical wire format, a bounded ring
// buffer for pending input audio, a linear resampler, and a tone generator
// used when speech synthesis is unavailable.
//
// The canonical format everywhere in the gateway is 16-bit little-endian
// signed PCM, mono, 24000 Hz. Audio crosses the wire base64-encoded and is
// handled as raw bytes internally.
package audio

import "time"

// Canonical stream format. Every internal buffer, every upstream message and
// every client-facing chunk uses these parameters.
const (
	// SampleRate is the canonical sample rate in Hz.
	SampleRate = 24000

	// BytesPerSample is the width of one PCM16 sample.
	BytesPerSample = 2

	// Channels is always mono.
	Channels = 1

	// ChunkDuration is the playback cadence used by the reflex and fallback
	// players: one chunk every 100 ms of wall clock.
	ChunkDuration = 100 * time.Millisecond

	// ChunkBytes is the size of one 100 ms chunk at the canonical format.
	ChunkBytes = SampleRate * BytesPerSample / 10

	// MaxBuffered caps the pending-input ring buffer at five seconds of PCM.
	MaxBuffered = 5 * time.Second
)

// FormatPCM is the only accepted value for the wire-level format tag.
const FormatPCM = "pcm"

// Chunk is one unit of audio as it enters or leaves the gateway. Data is raw
// PCM16 bytes; Format and SampleRate describe what the sender claims the
// bytes are, so receivers can reject anything that is not canonical.
type Chunk struct {
	Data       []byte
	Format     string
	SampleRate int
}

// Duration returns the playback time of n bytes of canonical PCM.
func Duration(n int) time.Duration {
	samples := n / BytesPerSample
	return time.Duration(samples) * time.Second / SampleRate
}

// BytesFor returns the byte count of d worth of canonical PCM. The result is
// always an even number of bytes (whole samples).
func BytesFor(d time.Duration) int {
	samples := int(d * SampleRate / time.Second)
	return samples * BytesPerSample
}
