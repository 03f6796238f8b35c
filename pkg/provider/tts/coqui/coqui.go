// Package coqui provides a Synthesizer backed by a locally running Coqui TTS
// server.
//
// Two server APIs are supported:
//
//   - APIModeStandard (default): the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is a GET /api/tts call with URL
//     query parameters.
//
//   - APIModeXTTS: the Coqui XTTS v2 API server. Synthesis is a
//     POST /tts_to_audio/ call with a JSON body. XTTS requires a voice.
//
// Both servers return WAV. The synthesizer strips the RIFF container and
// resamples the PCM to the gateway's canonical rate when the model's native
// rate differs, so callers always receive canonical PCM.
package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voxmux/voxmux/pkg/audio"
	"github.com/voxmux/voxmux/pkg/provider/tts"
)

// Ensure Synthesizer implements the tts.Synthesizer interface.
var _ tts.Synthesizer = (*Synthesizer)(nil)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	ttsEndpoint    = "/tts_to_audio/"
	apiTTSEndpoint = "/api/tts"
)

// APIMode selects which Coqui server API the synthesizer targets.
type APIMode string

const (
	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	// This is the default mode.
	APIModeStandard APIMode = "standard"

	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"
)

// Option is a functional option for Synthesizer.
type Option func(*Synthesizer)

// WithLanguage sets the language code sent to the TTS server (e.g., "en",
// "de", "fr"). Defaults to "en" if not set.
func WithLanguage(lang string) Option {
	return func(s *Synthesizer) {
		s.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout for calls to the TTS server.
// Defaults to 30 s if not set.
func WithTimeout(d time.Duration) Option {
	return func(s *Synthesizer) {
		s.http.Timeout = d
	}
}

// WithAPIMode sets the server API mode. Use APIModeStandard (default) for the
// standard Coqui TTS Docker image or APIModeXTTS for the XTTS v2 API server.
func WithAPIMode(mode APIMode) Option {
	return func(s *Synthesizer) {
		s.apiMode = mode
	}
}

// Synthesizer implements tts.Synthesizer backed by a locally running Coqui
// TTS server. It is safe for concurrent use.
type Synthesizer struct {
	serverURL string
	language  string
	apiMode   APIMode
	http      *http.Client
}

// New creates a new Coqui Synthesizer that targets the TTS server at
// serverURL (e.g., "http://localhost:5002"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Synthesizer, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	s := &Synthesizer{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		apiMode:   APIModeStandard,
		http: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// speechRequest is the JSON body sent to POST /tts_to_audio/ (XTTS mode).
type speechRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// Synthesize implements tts.Synthesizer. The server's WAV response is
// unwrapped and resampled to the canonical rate. Standard-mode servers
// running a single-speaker model accept an empty voice; XTTS always
// requires one.
func (s *Synthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if text == "" {
		return nil, errors.New("coqui: text must not be empty")
	}
	if voice == "" && s.apiMode == APIModeXTTS {
		return nil, errors.New("coqui: voice must not be empty in XTTS mode")
	}

	var (
		wav []byte
		err error
	)
	if s.apiMode == APIModeXTTS {
		wav, err = s.synthesizeXTTS(ctx, text, voice)
	} else {
		wav, err = s.synthesizeStandard(ctx, text, voice)
	}
	if err != nil {
		return nil, err
	}

	info, err := parseWAV(wav)
	if err != nil {
		return nil, err
	}
	if info.Channels != audio.Channels {
		return nil, fmt.Errorf("coqui: expected mono audio, got %d channels", info.Channels)
	}

	pcm := wav[info.DataOffset:]
	if len(pcm) == 0 {
		return nil, errors.New("coqui: empty audio response")
	}
	if info.SampleRate != audio.SampleRate {
		pcm = audio.Resample(pcm, info.SampleRate, audio.SampleRate)
	}
	return pcm, nil
}

// synthesizeXTTS performs a single POST /tts_to_audio/ call (XTTS v2 mode)
// and returns the raw WAV response.
func (s *Synthesizer) synthesizeXTTS(ctx context.Context, text, voice string) ([]byte, error) {
	body := speechRequest{
		Text:       text,
		SpeakerWav: voice,
		Language:   s.language,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+ttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: POST %s: %w", ttsEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: POST %s returned status %d", ttsEndpoint, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	return wav, nil
}

// synthesizeStandard performs a single GET /api/tts request (standard server
// mode) using URL query parameters and returns the raw WAV response.
func (s *Synthesizer) synthesizeStandard(ctx context.Context, text, voice string) ([]byte, error) {
	params := url.Values{}
	params.Set("text", text)
	if voice != "" {
		params.Set("speaker_id", voice)
	}
	if s.language != "" {
		params.Set("language_id", s.language)
	}

	reqURL := s.serverURL + apiTTSEndpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", apiTTSEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s returned status %d", apiTTSEndpoint, resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}
	return wav, nil
}

// wavInfo holds the format metadata extracted from a RIFF/WAVE header.
type wavInfo struct {
	DataOffset int // byte offset of the first PCM sample
	SampleRate int // samples per second (e.g., 22050, 24000, 48000)
	Channels   int // 1 = mono, 2 = stereo
}

// parseWAV scans the RIFF/WAVE container in wav and returns the data offset
// and audio format from the "fmt " sub-chunk. This is more robust than
// hardcoding a fixed 44-byte offset because the fmt chunk size may vary.
//
// Returns an error if wav is not a valid RIFF/WAVE container or if the fmt
// or data chunk cannot be located.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 {
		return wavInfo{}, errors.New("coqui: WAV response too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return wavInfo{}, errors.New("coqui: WAV response missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("coqui: WAV response missing WAVE identifier")
	}

	var info wavInfo
	foundFmt := false

	// Walk RIFF chunks starting immediately after the 12-byte RIFF/WAVE header.
	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			if !foundFmt {
				return wavInfo{}, errors.New("coqui: WAV response missing fmt chunk")
			}
			info.DataOffset = offset + 8
			return info, nil
		}

		// Advance past this chunk (chunks are word-aligned: pad by 1 if odd size).
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, errors.New("coqui: WAV response missing data chunk")
}
