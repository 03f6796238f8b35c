// Package elevenlabs provides a Synthesizer backed by the ElevenLabs speech API.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/voxmux/voxmux/pkg/provider/tts"
)

const (
	// DefaultModel is the default ElevenLabs model.
	DefaultModel = "eleven_flash_v2_5"

	// DefaultVoice is the premade "Rachel" voice, used when a request does
	// not name a voice.
	DefaultVoice = "21m00Tcm4TlvDq8ikWAM"

	defaultBaseURL = "https://api.elevenlabs.io"

	// outputFormat requests raw 24 kHz 16-bit mono little-endian PCM, the
	// gateway's canonical format, so response bytes pass through unconverted.
	outputFormat = "pcm_24000"
)

// Ensure Synthesizer implements the tts.Synthesizer interface.
var _ tts.Synthesizer = (*Synthesizer)(nil)

// Synthesizer implements tts.Synthesizer using the ElevenLabs speech API.
type Synthesizer struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
}

// config holds optional configuration for the synthesizer.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Synthesizer.
type Option func(*config)

// WithBaseURL overrides the default ElevenLabs API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new ElevenLabs Synthesizer.
// If model is empty, DefaultModel (eleven_flash_v2_5) is used.
func New(apiKey string, model string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("elevenlabs: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{baseURL: defaultBaseURL}
	for _, o := range opts {
		o(cfg)
	}

	return &Synthesizer{
		apiKey:  apiKey,
		model:   model,
		baseURL: cfg.baseURL,
		http:    &http.Client{Timeout: cfg.timeout},
	}, nil
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// speechRequest is the JSON body for POST /v1/text-to-speech/{voice}.
type speechRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// Synthesize implements tts.Synthesizer via the one-shot synthesis endpoint.
func (s *Synthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if text == "" {
		return nil, fmt.Errorf("elevenlabs: text must not be empty")
	}
	if voice == "" {
		voice = DefaultVoice
	}

	body, err := json.Marshal(speechRequest{
		Text:    text,
		ModelID: s.model,
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.speechURL(voice), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("xi-api-key", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: synthesize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("elevenlabs: synthesize: status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read audio: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("elevenlabs: empty audio response")
	}
	return data, nil
}

// speechURL builds the synthesis endpoint for a voice, requesting canonical
// PCM output.
func (s *Synthesizer) speechURL(voice string) string {
	return fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s", s.baseURL, url.PathEscape(voice), outputFormat)
}
