// Package realtime defines the Provider interface for upstream realtime
// audio backends: full-duplex sessions that accept streamed PCM input and
// produce audio, transcripts and lifecycle events in return.
//
// The package owns the buffer-commit contract that every implementation must
// honor: a response is never requested from the upstream until the most
// recent input-buffer commit has been acknowledged. See [Session.CommitAudio]
// for the guard sequence.
//
// Implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"errors"

	"github.com/voxmux/voxmux/pkg/audio"
)

// Sentinel errors returned by providers.
var (
	// ErrProviderUnavailable indicates the upstream transport never opened or
	// session creation was not acknowledged within the connect window.
	ErrProviderUnavailable = errors.New("realtime: provider unavailable")

	// ErrUnsupportedFormat indicates audio that is not canonical PCM16.
	ErrUnsupportedFormat = errors.New("realtime: unsupported audio format")

	// ErrAuthentication indicates the upstream rejected the credentials.
	// Connect does not retry after this.
	ErrAuthentication = errors.New("realtime: authentication failed")

	// ErrNotConnected indicates an operation on a closed session where
	// silence would mislead the caller (commits, mode changes).
	ErrNotConnected = errors.New("realtime: session not connected")
)

// VoiceMode selects how turns are detected.
type VoiceMode string

// Supported voice modes.
const (
	// VoiceModePushToTalk leaves turn taking to the client: the gateway
	// commits the input buffer explicitly when the client says so.
	VoiceModePushToTalk VoiceMode = "push-to-talk"

	// VoiceModeOpenMic enables upstream voice activity detection; the
	// provider decides when a turn ends.
	VoiceModeOpenMic VoiceMode = "open-mic"
)

// IsValid reports whether the mode is one of the supported values.
func (m VoiceMode) IsValid() bool {
	return m == VoiceModePushToTalk || m == VoiceModeOpenMic
}

// SessionConfig carries everything a provider needs to open one upstream
// session.
type SessionConfig struct {
	// SessionID is the gateway session this connection belongs to. Used for
	// log correlation only; the upstream has its own ids.
	SessionID string

	// Voice is the provider voice id for synthesized output.
	Voice string

	// Instructions is the base system prompt for the conversation.
	Instructions string

	// TranscriptionModel selects the upstream model used to transcribe user
	// input audio. Empty disables input transcription.
	TranscriptionModel string

	// VoiceMode sets the initial turn-detection behavior.
	VoiceMode VoiceMode
}

// EventType discriminates the values a [Session] delivers on its event
// stream.
type EventType string

// Session event types.
const (
	// EventCommitted: the upstream acknowledged the most recent input-buffer
	// commit. Marks the TTFB baseline.
	EventCommitted EventType = "committed"

	// EventSpeechStarted: upstream VAD detected the start of user speech.
	EventSpeechStarted EventType = "speech_started"

	// EventResponseStart: the upstream began generating a response.
	EventResponseStart EventType = "response_start"

	// EventFirstAudioReady: the first audio delta since the last commit
	// arrived. Emitted once per response, immediately before the
	// corresponding [EventAudio].
	EventFirstAudioReady EventType = "first_audio_ready"

	// EventAudio: one decoded chunk of response audio.
	EventAudio EventType = "audio"

	// EventTranscript: assistant transcript text. Final marks the complete
	// utterance; non-final events carry incremental deltas.
	EventTranscript EventType = "transcript"

	// EventUserTranscript: transcription of the user's input audio.
	EventUserTranscript EventType = "user_transcript"

	// EventResponseEnd: the upstream finished (or abandoned) the response.
	EventResponseEnd EventType = "response_end"

	// EventRateLimits: upstream rate limit snapshot, for metrics only.
	EventRateLimits EventType = "rate_limits"

	// EventError: an upstream or transport error. Fatal errors are followed
	// by the event stream closing.
	EventError EventType = "error"
)

// Event is one item on a session's event stream. Only the fields relevant to
// Type are populated.
type Event struct {
	Type EventType

	// Audio carries decoded PCM16 bytes for EventAudio.
	Audio []byte

	// Text carries transcript text; Final distinguishes complete utterances
	// from streaming deltas.
	Text  string
	Final bool

	// Truncated marks an EventResponseEnd caused by cancellation or
	// transport loss rather than natural completion.
	Truncated bool

	// Code and Message describe an EventError.
	Code    string
	Message string

	// RateLimits holds the upstream rate-limit snapshot.
	RateLimits []RateLimit

	// Usage carries the token accounting reported with an
	// EventResponseEnd, nil when the upstream reported none.
	Usage *Usage
}

// RateLimit is one entry of an upstream rate-limit snapshot.
type RateLimit struct {
	Name         string
	Limit        float64
	Remaining    float64
	ResetSeconds float64
}

// Usage is the upstream's token accounting for one response.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Session is one live upstream conversation. Sessions are single-use: after
// Close (or a fatal error) the event stream is closed and the session cannot
// be reused.
type Session interface {
	// SendAudio appends a chunk to the upstream input buffer and updates the
	// local buffer accounting. Sending on a disconnected session is a silent
	// no-op. Returns [ErrUnsupportedFormat] for anything that is not
	// canonical PCM16.
	SendAudio(chunk audio.Chunk) error

	// CommitAudio attempts to seal the input buffer so the upstream can
	// produce a response. It applies three guards in order:
	//
	//  1. Buffered audio shorter than 100 ms is not committed: the buffer is
	//     reset and CommitAudio returns false.
	//  2. The commit waits until at least 50 ms have passed since the last
	//     append, so in-flight appends reach the upstream first.
	//  3. If upstream VAD never reported speech and the buffer is shorter
	//     than 500 ms, a warning is logged and the commit proceeds.
	//
	// A true return means the commit message was sent; the acknowledgement
	// arrives later as [EventCommitted], and only then does the session ask
	// for a response. CommitAudio never requests a response itself.
	CommitAudio(ctx context.Context) (bool, error)

	// ClearAudio discards the input buffer on both sides without producing a
	// response.
	ClearAudio() error

	// Cancel aborts the in-flight response, if any. The input buffer is left
	// untouched.
	Cancel() error

	// SetVoiceMode switches turn detection. A no-op when the mode is
	// unchanged.
	SetVoiceMode(mode VoiceMode) error

	// SetConversationContext merges text into the session instructions and
	// pushes the update upstream.
	SetConversationContext(text string) error

	// Events returns the session's event stream. The channel is closed when
	// the session ends, after any final error event.
	Events() <-chan Event

	// Close cancels any in-flight response, closes the transport and
	// releases buffers. Safe to call multiple times.
	Close() error
}

// Provider opens upstream sessions.
type Provider interface {
	// Connect opens a session and blocks until the upstream acknowledges
	// session creation. Fails with [ErrProviderUnavailable] when the
	// transport never opens or the acknowledgement does not arrive within
	// the provider's connect window.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
