// Package openai provides an OpenAI speech provider. It advertises the
// voice_style capability: when the requested voice is not one of the built-in
// OpenAI voice IDs, the value is passed as a natural-language delivery
// instruction on top of a default base voice.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/voxline-ai/voxline/pkg/tts"
)

// DefaultModel is the default OpenAI speech model.
const DefaultModel = "gpt-4o-mini-tts"

// streamChunkSize is the size of each chunk emitted by SynthesizeStream.
const streamChunkSize = 4096

// builtinVoices are the fixed OpenAI voice identifiers. Anything else passed
// as a voice is treated as a style instruction.
var builtinVoices = []string{
	"alloy", "ash", "ballad", "coral", "echo",
	"fable", "nova", "onyx", "sage", "shimmer",
}

// Compile-time interface assertions.
var (
	_ tts.Provider       = (*Provider)(nil)
	_ tts.StreamProvider = (*Provider)(nil)
)

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	model        string
	defaultVoice string
	timeout      time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithModel sets the speech model (e.g., "gpt-4o-mini-tts", "tts-1-hd").
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithDefaultVoice sets the base voice used when the request carries a style
// instruction instead of a voice ID. Defaults to "alloy".
func WithDefaultVoice(voice string) Option {
	return func(c *config) {
		c.defaultVoice = voice
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// Provider implements the TTS contract using the OpenAI speech API.
type Provider struct {
	client       oai.Client
	model        string
	defaultVoice string
}

// New constructs a new OpenAI speech Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai tts: apiKey must not be empty")
	}

	cfg := &config{model: DefaultModel, defaultVoice: "alloy"}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{
		client:       oai.NewClient(reqOpts...),
		model:        cfg.model,
		defaultVoice: cfg.defaultVoice,
	}, nil
}

// Name returns "openai".
func (p *Provider) Name() string { return "openai" }

// Capabilities advertises batch, stream, and voice_style synthesis.
func (p *Provider) Capabilities() map[tts.Capability]bool {
	return map[tts.Capability]bool{
		tts.CapBatch:      true,
		tts.CapStream:     true,
		tts.CapVoiceStyle: true,
	}
}

// CacheParams lists the extras that change the generated audio.
func (p *Provider) CacheParams() []string {
	return []string{"model", "response_format"}
}

// speechParams resolves req into OpenAI speech parameters, splitting the
// voice argument into a base voice and an optional style instruction.
func (p *Provider) speechParams(req tts.Request) (oai.AudioSpeechNewParams, error) {
	if req.Text == "" {
		return oai.AudioSpeechNewParams{}, fmt.Errorf("openai tts: empty text: %w", tts.ErrInvalidInput)
	}

	voice := req.Voice
	instructions := ""
	if voice == "" {
		voice = p.defaultVoice
	} else if !isBuiltinVoice(voice) {
		// Free-form style instruction on top of the default base voice.
		instructions = voice
		voice = p.defaultVoice
	}

	model := p.model
	if m := req.Extras["model"]; m != "" {
		model = m
	}

	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(model),
		Input:          req.Text,
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatWAV,
	}
	if f := req.Extras["response_format"]; f != "" {
		params.ResponseFormat = oai.AudioSpeechNewParamsResponseFormat(f)
	}
	if req.Speed > 0 && req.Speed != 1.0 {
		params.Speed = oai.Float(req.Speed)
	}
	if instructions != "" {
		params.Instructions = oai.String(instructions)
	}
	return params, nil
}

// Synthesize generates the complete audio for req.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	params, err := p.speechParams(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai tts: speech: %w", classify(err))
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai tts: read audio: %w", classify(err))
	}
	return audio, nil
}

// SynthesizeStream generates audio and emits it in fixed-size chunks as the
// response body arrives.
func (p *Provider) SynthesizeStream(ctx context.Context, req tts.Request) (<-chan []byte, error) {
	params, err := p.speechParams(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai tts: speech: %w", classify(err))
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		for {
			buf := make([]byte, streamChunkSize)
			n, err := io.ReadFull(resp.Body, buf)
			if n > 0 {
				select {
				case out <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return out, nil
}

// ListVoices returns the fixed OpenAI voice catalogue.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	voices := make([]tts.Voice, 0, len(builtinVoices))
	for _, id := range builtinVoices {
		voices = append(voices, tts.Voice{ID: id, Name: id})
	}
	return voices, nil
}

// HasVoice accepts the built-in voice IDs plus, because voice_style is
// advertised, any other non-empty string as a style instruction.
func (p *Provider) HasVoice(ctx context.Context, id string) (bool, error) {
	return id != "", nil
}

// HealthCheck synthesises a minimal utterance to verify credentials and
// model availability.
func (p *Provider) HealthCheck(ctx context.Context) tts.HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := p.Synthesize(ctx, tts.Request{Text: "ok", Voice: p.defaultVoice, Speed: 1.0})
	if err != nil {
		if errors.Is(err, tts.ErrRateLimited) {
			return tts.HealthStatus{Status: "degraded", Detail: err.Error()}
		}
		return tts.HealthStatus{Status: "error", Detail: err.Error()}
	}
	return tts.HealthStatus{Status: "ok"}
}

// isBuiltinVoice reports whether id is one of the fixed OpenAI voices.
func isBuiltinVoice(id string) bool {
	for _, v := range builtinVoices {
		if v == id {
			return true
		}
	}
	return false
}

// classify maps OpenAI SDK errors onto the shared error kinds.
func classify(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", tts.ErrRateLimited, err)
		case apiErr.StatusCode == http.StatusRequestTimeout:
			return fmt.Errorf("%w: %v", tts.ErrTimeout, err)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %v", tts.ErrProviderUnavailable, err)
		default:
			return fmt.Errorf("%w: %v", tts.ErrInvalidInput, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", tts.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", tts.ErrProviderUnavailable, err)
}
