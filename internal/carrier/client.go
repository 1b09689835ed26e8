// Package carrier talks to the telephony carrier: the per-call audio
// streaming endpoints, the two-step media upload, and the call actions the
// external state machine drives. It also owns the per-call streaming
// sessions and their uploader workers.
package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxline-ai/voxline/internal/resilience"
	"github.com/voxline-ai/voxline/pkg/tts"
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for all requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithRetry sets the retry attempt count and exponential backoff factor for
// retry-safe requests. Defaults: 3 attempts, factor 2.0.
func WithRetry(attempts int, backoffFactor float64) Option {
	return func(cl *Client) {
		if attempts > 0 {
			cl.retryAttempts = attempts
		}
		if backoffFactor > 1 {
			cl.backoffFactor = backoffFactor
		}
	}
}

// Client is the carrier REST client. Safe for concurrent use.
//
// Control-plane calls (streaming_start/stop, media, play_audio, hangup) run
// behind a shared circuit breaker so a carrier outage stops the retries
// quickly; chunk posts bypass it because the per-session uploader already
// terminates after consecutive failures.
type Client struct {
	baseURL       string
	apiKey        string
	httpClient    *http.Client
	retryAttempts int
	backoffFactor float64
	breaker       *resilience.CircuitBreaker
}

// NewClient creates a carrier client for the API at baseURL, authenticating
// every request with the bearer apiKey.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		retryAttempts: 3,
		backoffFactor: 2.0,
		breaker:       resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "carrier"}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// audioStreamDescriptor describes the stream format in streaming_start.
type audioStreamDescriptor struct {
	ContentType string `json:"content_type"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
}

// streamingStartRequest is the body of POST .../actions/streaming_start.
type streamingStartRequest struct {
	ClientState string                `json:"client_state,omitempty"`
	CommandID   string                `json:"command_id"`
	AudioStream audioStreamDescriptor `json:"audio_stream"`
}

// streamingStartResponse is the carrier's reply to streaming_start.
type streamingStartResponse struct {
	Data struct {
		StreamID string `json:"stream_id"`
	} `json:"data"`
}

// StreamingStart opens the carrier-side audio stream for a call and returns
// the carrier's stream ID along with the command ID sent.
func (c *Client) StreamingStart(ctx context.Context, callID, contentType string, sampleRate, channels int) (streamID, commandID string, err error) {
	commandID = uuid.NewString()
	body, _ := json.Marshal(streamingStartRequest{
		CommandID: commandID,
		AudioStream: audioStreamDescriptor{
			ContentType: contentType,
			SampleRate:  sampleRate,
			Channels:    channels,
		},
	})

	resp, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/v2/calls/%s/actions/streaming_start", callID),
		"application/json", body, true)
	if err != nil {
		return "", "", err
	}

	var parsed streamingStartResponse
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return "", "", fmt.Errorf("carrier: decode streaming_start response: %w", err)
	}
	return parsed.Data.StreamID, commandID, nil
}

// StreamChunk posts one raw audio chunk to a call's open stream. The chunk
// POST is not retried on server-acknowledged failures; only transport errors
// are retried, since the carrier may have played a chunk it then failed to
// acknowledge.
func (c *Client) StreamChunk(ctx context.Context, callID, contentType string, chunk []byte) error {
	_, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/v2/calls/%s/actions/streaming", callID),
		contentType, chunk, false)
	return err
}

// StreamingStop closes the carrier-side audio stream for a call.
func (c *Client) StreamingStop(ctx context.Context, callID string) error {
	_, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/v2/calls/%s/actions/streaming_stop", callID),
		"application/json", nil, true)
	return err
}

// Media identifies an uploaded blob on the carrier's object storage.
type Media struct {
	ID        string `json:"id"`
	PublicURL string `json:"public_url"`
}

// mediaCreateResponse is the reply to POST /v2/media.
type mediaCreateResponse struct {
	Data struct {
		ID        string `json:"id"`
		PublicURL string `json:"public_url"`
		UploadURL string `json:"upload_url"`
	} `json:"data"`
}

// UploadMedia performs the two-step blob upload: register the media object,
// then PUT the bytes to the returned upload URL.
func (c *Client) UploadMedia(ctx context.Context, name, contentType string, data []byte) (Media, error) {
	body, _ := json.Marshal(map[string]string{
		"name":         name,
		"content_type": contentType,
	})
	resp, err := c.do(ctx, http.MethodPost, "/v2/media", "application/json", body, true)
	if err != nil {
		return Media{}, err
	}

	var parsed mediaCreateResponse
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return Media{}, fmt.Errorf("carrier: decode media response: %w", err)
	}
	if parsed.Data.UploadURL == "" {
		return Media{}, fmt.Errorf("carrier: media response missing upload_url: %w", tts.ErrCarrierRejected)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, parsed.Data.UploadURL, bytes.NewReader(data))
	if err != nil {
		return Media{}, fmt.Errorf("carrier: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	putResp, err := c.httpClient.Do(req)
	if err != nil {
		return Media{}, fmt.Errorf("carrier: media upload: %w", classify(err))
	}
	defer putResp.Body.Close()
	if putResp.StatusCode < 200 || putResp.StatusCode >= 300 {
		return Media{}, fmt.Errorf("carrier: media upload status %d: %w",
			putResp.StatusCode, classifyStatus(putResp.StatusCode))
	}

	return Media{ID: parsed.Data.ID, PublicURL: parsed.Data.PublicURL}, nil
}

// PlayAudio asks the carrier to play a previously uploaded media URL into
// the call.
func (c *Client) PlayAudio(ctx context.Context, callID, audioURL string) error {
	body, _ := json.Marshal(map[string]string{"audio_url": audioURL})
	_, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/v2/calls/%s/actions/play_audio", callID),
		"application/json", body, true)
	return err
}

// Hangup ends the call.
func (c *Client) Hangup(ctx context.Context, callID string) error {
	_, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/v2/calls/%s/actions/hangup", callID),
		"application/json", nil, true)
	return err
}

// Ping verifies the carrier API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/media", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("carrier: %w", err)
	}
	resp.Body.Close()
	return nil
}

// do issues one request with auth, optionally retrying on transport errors,
// 5xx, 408, and 429. Non-retryable 4xx responses map to ErrCarrierRejected.
// Retry-safe calls run through the circuit breaker.
func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, retryServerErrors bool) ([]byte, error) {
	if !retryServerErrors {
		return c.doAttempts(ctx, method, path, contentType, body, false)
	}
	var out []byte
	err := c.breaker.Execute(func() error {
		var execErr error
		out, execErr = c.doAttempts(ctx, method, path, contentType, body, true)
		return execErr
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, fmt.Errorf("carrier: %s %s: %w: %w", method, path, tts.ErrProviderUnavailable, err)
	}
	return out, err
}

// doAttempts runs the retry loop for one logical request.
func (c *Client) doAttempts(ctx context.Context, method, path, contentType string, body []byte, retryServerErrors bool) ([]byte, error) {
	var lastErr error
	attempts := c.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(250*time.Millisecond) *
				math.Pow(c.backoffFactor, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("carrier: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Transport errors are always retry-safe: the carrier either
			// never saw the request or we could not read its answer.
			lastErr = fmt.Errorf("carrier: %s %s: %w", method, path, classify(err))
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if readErr != nil {
				return nil, fmt.Errorf("carrier: read response: %w", readErr)
			}
			return respBody, nil

		case resp.StatusCode == http.StatusRequestTimeout,
			resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("carrier: %s %s status %d: %w",
				method, path, resp.StatusCode, classifyStatus(resp.StatusCode))
			continue

		case resp.StatusCode >= 500 && retryServerErrors:
			lastErr = fmt.Errorf("carrier: %s %s status %d: %w",
				method, path, resp.StatusCode, tts.ErrProviderUnavailable)
			continue

		default:
			return nil, fmt.Errorf("carrier: %s %s status %d: %w",
				method, path, resp.StatusCode, classifyStatus(resp.StatusCode))
		}
	}
	return nil, lastErr
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

// classifyStatus maps carrier HTTP statuses onto the shared error kinds.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return tts.ErrRateLimited
	case status == http.StatusRequestTimeout:
		return tts.ErrTimeout
	case status >= 500:
		return tts.ErrProviderUnavailable
	default:
		return tts.ErrCarrierRejected
	}
}
