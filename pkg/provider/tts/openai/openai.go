// Package openai provides a Synthesizer backed by the OpenAI speech API.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/voxmux/voxmux/pkg/provider/tts"
)

// DefaultModel is the default OpenAI speech model.
const DefaultModel = oai.SpeechModelGPT4oMiniTTS

// DefaultVoice is used when a request does not name a voice.
const DefaultVoice = "alloy"

// Ensure Synthesizer implements the tts.Synthesizer interface.
var _ tts.Synthesizer = (*Synthesizer)(nil)

// Synthesizer implements tts.Synthesizer using the OpenAI speech API.
type Synthesizer struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the synthesizer.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Synthesizer.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
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

// New constructs a new OpenAI speech Synthesizer.
// If model is empty, DefaultModel (gpt-4o-mini-tts) is used.
func New(apiKey string, model string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai tts: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Synthesizer{client: client, model: model}, nil
}

// Synthesize implements tts.Synthesizer. The speech endpoint delivers raw
// 24 kHz 16-bit mono little-endian PCM when the pcm response format is
// requested, which is exactly the gateway's canonical format, so the bytes
// pass through unconverted.
func (s *Synthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if text == "" {
		return nil, fmt.Errorf("openai tts: text must not be empty")
	}
	if voice == "" {
		voice = DefaultVoice
	}

	resp, err := s.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Model:          s.model,
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return nil, fmt.Errorf("openai tts: synthesize: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai tts: read audio: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("openai tts: empty audio response")
	}
	return data, nil
}
