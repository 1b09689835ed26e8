// Package piper provides a TTS provider backed by a local Piper HTTP server.
//
// Piper operates in batch mode (one HTTP call per utterance rather than a
// streaming socket), so SynthesizeStream performs a single synthesis call and
// re-emits the result in fixed-size PCM chunks. This keeps a cheap local
// fallback behind the cloud providers.
//
// Typical usage:
//
//	p := piper.New("http://localhost:5000",
//	    piper.WithTimeout(15*time.Second),
//	)
//	audio, err := p.Synthesize(ctx, tts.Request{Text: "hello", Voice: "en_US-amy-medium"})
package piper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/voxline-ai/voxline/pkg/tts"
)

const (
	ttsEndpoint    = "/api/tts"
	voicesEndpoint = "/api/voices"
	healthEndpoint = "/health"

	defaultTimeout = 30 * time.Second

	// streamChunkSize is the size of each chunk emitted by SynthesizeStream.
	streamChunkSize = 4096
)

// Compile-time interface assertions.
var (
	_ tts.Provider       = (*Provider)(nil)
	_ tts.StreamProvider = (*Provider)(nil)
)

// Option is a functional option for configuring a Piper Provider.
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithHTTPClient overrides the HTTP client used for all requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements the TTS contract against a local Piper HTTP server.
type Provider struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Piper Provider targeting the server at baseURL
// (e.g., "http://localhost:5000").
func New(baseURL string, opts ...Option) *Provider {
	p := &Provider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns "piper".
func (p *Provider) Name() string { return "piper" }

// Capabilities advertises batch and (chunk-replayed) stream synthesis.
func (p *Provider) Capabilities() map[tts.Capability]bool {
	return map[tts.Capability]bool{
		tts.CapBatch:  true,
		tts.CapStream: true,
	}
}

// CacheParams lists the extras that change the generated audio.
func (p *Provider) CacheParams() []string {
	return []string{"noise_scale", "length_scale"}
}

// Synthesize performs one GET /api/tts call and returns the WAV bytes.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	if req.Text == "" {
		return nil, fmt.Errorf("piper: empty text: %w", tts.ErrInvalidInput)
	}

	q := url.Values{}
	q.Set("text", req.Text)
	if req.Voice != "" {
		q.Set("voice", req.Voice)
	}
	if req.Speed > 0 && req.Speed != 1.0 {
		// Piper's length_scale is the inverse of speaking rate.
		q.Set("length_scale", strconv.FormatFloat(1.0/req.Speed, 'f', 3, 64))
	}
	for _, k := range p.CacheParams() {
		if v := req.Extras[k]; v != "" {
			q.Set(k, v)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.baseURL+ttsEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("piper: build request: %w", err)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("piper: synthesis HTTP: %w", classify(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("piper: synthesis status %d: %w",
			resp.StatusCode, classifyStatus(resp.StatusCode))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("piper: read audio: %w", classify(err))
	}
	return audio, nil
}

// SynthesizeStream synthesises the whole utterance, then replays it as
// fixed-size chunks so callers see the same shape as a streaming provider.
func (p *Provider) SynthesizeStream(ctx context.Context, req tts.Request) (<-chan []byte, error) {
	audio, err := p.Synthesize(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for off := 0; off < len(audio); off += streamChunkSize {
			end := off + streamChunkSize
			if end > len(audio) {
				end = len(audio)
			}
			select {
			case out <- audio[off:end]:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// piperVoice is one entry from GET /api/voices.
type piperVoice struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Language string            `json:"language"`
	Quality  string            `json:"quality"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns the server's installed voice models.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("piper: list voices: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("piper: list voices HTTP: %w", classify(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("piper: list voices status %d: %w",
			resp.StatusCode, classifyStatus(resp.StatusCode))
	}

	var raw []piperVoice
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("piper: decode voices: %w", err)
	}

	voices := make([]tts.Voice, 0, len(raw))
	for _, v := range raw {
		meta := make(map[string]string, len(v.Labels)+2)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Language != "" {
			meta["language"] = v.Language
		}
		if v.Quality != "" {
			meta["quality"] = v.Quality
		}
		voices = append(voices, tts.Voice{ID: v.ID, Name: v.Name, Metadata: meta})
	}
	return voices, nil
}

// HasVoice reports whether the voice model is installed on the server.
func (p *Provider) HasVoice(ctx context.Context, id string) (bool, error) {
	voices, err := p.ListVoices(ctx)
	if err != nil {
		return false, err
	}
	for _, v := range voices {
		if v.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// HealthCheck probes the server's /health endpoint.
func (p *Provider) HealthCheck(ctx context.Context) tts.HealthStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+healthEndpoint, nil)
	if err != nil {
		return tts.HealthStatus{Status: "error", Detail: err.Error()}
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return tts.HealthStatus{Status: "error", Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return tts.HealthStatus{
			Status: "error",
			Detail: fmt.Sprintf("health status %d", resp.StatusCode),
		}
	}
	return tts.HealthStatus{Status: "ok"}
}

// classify maps transport errors onto the shared error kinds.
func classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", tts.ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", tts.ErrProviderUnavailable, err)
	}
}

// classifyStatus maps HTTP statuses onto the shared error kinds.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return tts.ErrRateLimited
	case status == http.StatusRequestTimeout:
		return tts.ErrTimeout
	case status >= 500:
		return tts.ErrProviderUnavailable
	default:
		return tts.ErrInvalidInput
	}
}
