// Package elevenlabs provides an ElevenLabs-backed TTS provider. Batch and
// chunked synthesis use the REST API; incremental sessions use the ElevenLabs
// streaming WebSocket API (stream-input), which buffers text server-side and
// emits audio at sentence boundaries.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/voxline-ai/voxline/pkg/tts"
)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"

	// streamChunkSize is the size of each chunk emitted by SynthesizeStream.
	streamChunkSize = 4096
)

// Compile-time interface assertions.
var (
	_ tts.Provider            = (*Provider)(nil)
	_ tts.StreamProvider      = (*Provider)(nil)
	_ tts.IncrementalProvider = (*Provider)(nil)
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithHTTPClient overrides the HTTP client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithBaseURL overrides the REST base URL. Used by tests to point the
// provider at a local fake server.
func WithBaseURL(base string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(base, "/")
	}
}

// Provider implements the TTS contract backed by the ElevenLabs API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	baseURL      string
	httpClient   *http.Client
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		baseURL:      "https://api.elevenlabs.io",
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns "elevenlabs".
func (p *Provider) Name() string { return "elevenlabs" }

// Capabilities advertises batch, stream, and incremental synthesis.
func (p *Provider) Capabilities() map[tts.Capability]bool {
	return map[tts.Capability]bool{
		tts.CapBatch:       true,
		tts.CapStream:      true,
		tts.CapIncremental: true,
	}
}

// CacheParams lists the extras that change the generated audio.
func (p *Provider) CacheParams() []string {
	return []string{"stability", "similarity_boost", "model_id"}
}

// ---- REST message types ----

// synthesisRequest is the JSON body for POST /v1/text-to-speech/{voice}.
type synthesisRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// Synthesize generates the complete audio for req via the REST endpoint.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	body, err := p.postSynthesis(ctx, req, "/v1/text-to-speech/"+req.Voice)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	audio, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read audio: %w", classify(err))
	}
	return audio, nil
}

// SynthesizeStream generates audio via the REST stream endpoint and emits it
// in fixed-size chunks as the response body arrives.
func (p *Provider) SynthesizeStream(ctx context.Context, req tts.Request) (<-chan []byte, error) {
	body, err := p.postSynthesis(ctx, req, "/v1/text-to-speech/"+req.Voice+"/stream")
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer body.Close()
		for {
			buf := make([]byte, streamChunkSize)
			n, err := io.ReadFull(body, buf)
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

// postSynthesis issues the synthesis POST shared by batch and stream modes
// and returns the (open) response body on success.
func (p *Provider) postSynthesis(ctx context.Context, req tts.Request, path string) (io.ReadCloser, error) {
	if req.Text == "" {
		return nil, fmt.Errorf("elevenlabs: empty text: %w", tts.ErrInvalidInput)
	}
	if req.Voice == "" {
		return nil, fmt.Errorf("elevenlabs: empty voice: %w", tts.ErrInvalidInput)
	}

	payload := synthesisRequest{
		Text:    req.Text,
		ModelID: p.model,
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
			Speed:           req.Speed,
		},
	}
	if m := req.Extras["model_id"]; m != "" {
		payload.ModelID = m
	}

	var body strings.Builder
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		return nil, fmt.Errorf("elevenlabs: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+path, strings.NewReader(body.String()))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: synthesis HTTP: %w", classify(err))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("elevenlabs: synthesis status %d: %w",
			resp.StatusCode, classifyStatus(resp.StatusCode))
	}
	return resp.Body, nil
}

// ---- WebSocket incremental session ----

// textMessage is the JSON payload sent for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// boiMessage is the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// audioResponse is a message received over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// OpenSession dials the stream-input WebSocket, performs the BOI handshake,
// and returns a session that forwards AddText fragments to the socket while a
// reader goroutine decodes audio frames onto the session's audio channel.
func (p *Provider) OpenSession(ctx context.Context, sessionID, voice string, speed float64) (tts.IncrementalSession, error) {
	if voice == "" {
		return nil, fmt.Errorf("elevenlabs: empty voice: %w", tts.ErrInvalidInput)
	}

	wsURL := fmt.Sprintf(wsEndpointFmt, voice, p.model, p.outputFormat)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", classify(err))
	}

	// ElevenLabs requires a non-empty first text value.
	boi := boiMessage{
		Text: " ",
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
			Speed:           speed,
		},
		XiAPIKey: p.apiKey,
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", classify(err))
	}

	s := &session{
		id:    sessionID,
		conn:  conn,
		audio: make(chan []byte, 256),
		done:  make(chan struct{}),
	}
	go s.readLoop(ctx)
	return s, nil
}

// session is one live stream-input WebSocket connection.
type session struct {
	id    string
	conn  *websocket.Conn
	audio chan []byte
	done  chan struct{}
	ended bool
}

// ID returns the session identifier.
func (s *session) ID() string { return s.id }

// AddText forwards one text fragment to the socket.
func (s *session) AddText(ctx context.Context, text string) error {
	if s.ended {
		return fmt.Errorf("elevenlabs: session %s: %w", s.id, tts.ErrSessionTerminated)
	}
	if text == "" {
		return nil
	}
	msg, _ := json.Marshal(textMessage{Text: text})
	if err := s.conn.Write(ctx, websocket.MessageText, msg); err != nil {
		return fmt.Errorf("elevenlabs: send text: %w", classify(err))
	}
	return nil
}

// Audio returns the channel emitting decoded PCM chunks.
func (s *session) Audio() <-chan []byte { return s.audio }

// End sends the flush command, waits for the reader to drain the remaining
// audio, and closes the connection.
func (s *session) End(ctx context.Context) error {
	if s.ended {
		return nil
	}
	s.ended = true

	// An empty text value is the end-of-input flush command.
	flush, _ := json.Marshal(textMessage{Text: ""})
	_ = s.conn.Write(ctx, websocket.MessageText, flush)

	select {
	case <-s.done:
	case <-ctx.Done():
		s.conn.Close(websocket.StatusNormalClosure, "cancelled")
		return ctx.Err()
	}
	return s.conn.Close(websocket.StatusNormalClosure, "done")
}

// readLoop decodes audio frames off the socket until it closes or ctx is
// cancelled, then closes the audio channel.
func (s *session) readLoop(ctx context.Context) {
	defer close(s.done)
	defer close(s.audio)
	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				continue
			}
			select {
			case s.audio <- pcm:
			case <-ctx.Done():
				return
			}
		}
		if resp.IsFinal {
			return
		}
	}
}

// ---- voices ----

// voicesResponse is the top-level response from GET /v1/voices.
type voicesResponse struct {
	Voices []elevenLabsVoice `json:"voices"`
}

// elevenLabsVoice is a single voice entry from the ElevenLabs API.
type elevenLabsVoice struct {
	VoiceID  string            `json:"voice_id"`
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Labels   map[string]string `json:"labels"`
}

// ListVoices returns all voices available for the configured API key.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices HTTP: %w", classify(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices status %d: %w",
			resp.StatusCode, classifyStatus(resp.StatusCode))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices read: %w", err)
	}
	return parseVoicesResponse(raw)
}

// HasVoice reports whether the voice ID appears in the current catalogue.
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

// HealthCheck probes the voices endpoint.
func (p *Provider) HealthCheck(ctx context.Context) tts.HealthStatus {
	_, err := p.ListVoices(ctx)
	if err != nil {
		return tts.HealthStatus{Status: "error", Detail: err.Error()}
	}
	return tts.HealthStatus{Status: "ok"}
}

// ---- helpers ----

// parseVoicesResponse parses a raw /v1/voices JSON payload.
func parseVoicesResponse(data []byte) ([]tts.Voice, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, fmt.Errorf("elevenlabs: decode voices: %w", err)
	}
	voices := make([]tts.Voice, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := make(map[string]string, len(v.Labels)+1)
		for k, val := range v.Labels {
			meta[k] = val
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		voices = append(voices, tts.Voice{
			ID:       v.VoiceID,
			Name:     v.Name,
			Metadata: meta,
		})
	}
	return voices, nil
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
