// Package protocol defines the JSON messages exchanged between a browser
// client and the gateway over a bidirectional message stream. The transport
// underneath (WebSocket framing, HTTP upgrade) is interchangeable; this
// package only fixes the payload shapes.
//
// Every message carries a "type" discriminant. Audio crosses the wire as
// base64-encoded PCM16 at 24 kHz mono; [ClientMessage.PCM] and
// [NewAudioChunk] handle the codec so callers work with raw bytes.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/voxmux/voxmux/pkg/audio"
)

// Client → server message types.
const (
	TypeSessionStart   = "session.start"
	TypeSessionEnd     = "session.end"
	TypeSessionSetMode = "session.set_mode"
	TypeAudioChunk     = "audio.chunk" // also server → client
	TypeAudioCommit    = "audio.commit"
	TypeAudioCancel    = "audio.cancel"
	TypeAudioStop      = "audio.stop"
	TypeUserBargeIn    = "user.barge_in"
	TypePlaybackEnded  = "playback.ended"
)

// Server → client message types.
const (
	TypeSessionReady       = "session.ready"
	TypeProviderReady      = "provider.ready"
	TypeResponseStart      = "response.start"
	TypeResponseEnd        = "response.end"
	TypeTranscript         = "transcript"
	TypeUserTranscript     = "user_transcript"
	TypeLaneStateChanged   = "lane.state_changed"
	TypeLaneOwnerChanged   = "lane.owner_changed"
	TypeCommitSkipped      = "commit.skipped"
	TypeAudioCancelAck     = "audio.cancel.ack"
	TypeAudioStopAck       = "audio.stop.ack"
	TypeBargeInAck         = "user.barge_in.ack"
	TypeSessionModeChanged = "session.mode_changed"
	TypeError              = "error"
	TypeConnectionFailed   = "connection.failed"
)

// clientTypes is the set of message types a client may send.
var clientTypes = map[string]bool{
	TypeSessionStart:   true,
	TypeSessionEnd:     true,
	TypeSessionSetMode: true,
	TypeAudioChunk:     true,
	TypeAudioCommit:    true,
	TypeAudioCancel:    true,
	TypeAudioStop:      true,
	TypeUserBargeIn:    true,
	TypePlaybackEnded:  true,
}

// ClientMessage is the envelope for everything a client sends. Only the
// fields belonging to Type are populated; the rest stay zero.
type ClientMessage struct {
	Type string `json:"type"`

	// session.start
	Fingerprint string `json:"fingerprint,omitempty"`
	UserAgent   string `json:"userAgent,omitempty"`

	// session.start, session.set_mode
	VoiceMode string `json:"voiceMode,omitempty"`

	// audio.chunk
	Data       string `json:"data,omitempty"` // base64 PCM16
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`

	// playback.ended
	Timestamp int64 `json:"timestamp,omitempty"`
}

// DecodeClient parses a raw client frame. It rejects frames without a known
// type; payload validation beyond that is the caller's concern.
func DecodeClient(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("protocol: decode client message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("protocol: client message missing type")
	}
	if !clientTypes[msg.Type] {
		return nil, fmt.Errorf("protocol: unknown client message type %q", msg.Type)
	}
	return &msg, nil
}

// PCM decodes the base64 audio payload of an audio.chunk message into an
// [audio.Chunk] carrying raw bytes plus the client's claimed format.
func (m *ClientMessage) PCM() (audio.Chunk, error) {
	raw, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		return audio.Chunk{}, fmt.Errorf("protocol: decode audio payload: %w", err)
	}
	return audio.Chunk{Data: raw, Format: m.Format, SampleRate: m.SampleRate}, nil
}

// ServerMessage is the envelope for everything the gateway sends to a
// client. Like [ClientMessage], only the fields belonging to Type are set.
type ServerMessage struct {
	Type string `json:"type"`

	// session.ready
	SessionID string `json:"sessionId,omitempty"`

	// provider.ready
	IsReturningUser      bool `json:"isReturningUser,omitempty"`
	PreviousSessionCount int  `json:"previousSessionCount,omitempty"`

	// audio.chunk
	Data       string `json:"data,omitempty"` // base64 PCM16
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`

	// transcript, user_transcript
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"isFinal,omitempty"`

	// lane.state_changed, lane.owner_changed
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Cause string `json:"cause,omitempty"`

	// session.mode_changed
	VoiceMode string `json:"voiceMode,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// Encode serializes a server message for the wire.
func (m ServerMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.Type, err)
	}
	return data, nil
}

// NewAudioChunk wraps raw canonical PCM bytes into an outbound audio.chunk
// message. Encoding is byte-exact: decoding the payload returns the input.
func NewAudioChunk(pcm []byte) ServerMessage {
	return ServerMessage{
		Type:       TypeAudioChunk,
		Data:       base64.StdEncoding.EncodeToString(pcm),
		Format:     audio.FormatPCM,
		SampleRate: audio.SampleRate,
	}
}

// NewTranscript builds a transcript message for assistant text.
func NewTranscript(text string, final bool) ServerMessage {
	return ServerMessage{Type: TypeTranscript, Text: text, IsFinal: final}
}

// NewUserTranscript builds a user_transcript message for recognized user
// speech.
func NewUserTranscript(text string, final bool) ServerMessage {
	return ServerMessage{Type: TypeUserTranscript, Text: text, IsFinal: final}
}

// NewError wraps an error string for the client.
func NewError(msg string) ServerMessage {
	return ServerMessage{Type: TypeError, Error: msg}
}
