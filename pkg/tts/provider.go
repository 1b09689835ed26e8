// Package tts defines the Provider contract for text-to-speech backends.
//
// A provider wraps a speech synthesis service (e.g., ElevenLabs, OpenAI, or a
// local Piper server) and presents a uniform interface for batch and streaming
// synthesis. Capability advertising is authoritative: callers must consult
// [Provider.Capabilities] before asserting a provider to [StreamProvider] or
// [IncrementalProvider].
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Capability identifies an optional provider feature.
type Capability string

const (
	// CapBatch is whole-utterance synthesis via [Provider.Synthesize].
	// Every provider supports it.
	CapBatch Capability = "batch"

	// CapStream is chunked synthesis via [StreamProvider.SynthesizeStream].
	CapStream Capability = "stream"

	// CapIncremental is session-based synthesis via
	// [IncrementalProvider.OpenSession], where text is fed piecewise and the
	// backend emits audio at sentence boundaries.
	CapIncremental Capability = "incremental"

	// CapVoiceStyle means the provider treats the voice argument as a
	// free-form natural-language style instruction rather than a voice ID.
	CapVoiceStyle Capability = "voice_style"
)

// Request carries the parameters of a single synthesis call.
type Request struct {
	// Text is the utterance to synthesise. Must be non-empty.
	Text string

	// Voice is the provider-specific voice identifier, or a natural-language
	// style instruction for providers advertising [CapVoiceStyle].
	Voice string

	// Speed is the speaking-rate multiplier (1.0 = default).
	Speed float64

	// Extras holds provider-specific parameters that affect the generated
	// audio. Keys not listed by [Provider.CacheParams] are rejected with
	// [ErrInvalidInput] before the backend is called.
	Extras map[string]string
}

// Voice describes one entry in a provider's voice catalogue.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Metadata holds provider-specific voice attributes (gender, accent, ...).
	Metadata map[string]string
}

// HealthStatus is the result of a provider health probe.
type HealthStatus struct {
	// Status is "ok", "degraded", or "error".
	Status string

	// Detail optionally explains a degraded or error status.
	Detail string
}

// Healthy reports whether the probe found the backend usable.
func (h HealthStatus) Healthy() bool { return h.Status == "ok" }

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use; multiple synthesis
// requests may run in parallel (one per live call).
type Provider interface {
	// Name returns the stable provider name used in cache keys, configuration,
	// and fallback ordering (e.g., "elevenlabs").
	Name() string

	// Capabilities returns the set of optional features this provider
	// supports. The result is fixed for the lifetime of the provider.
	Capabilities() map[Capability]bool

	// Synthesize generates the complete audio for req and returns raw WAV or
	// PCM bytes. Failures are classified into the package error kinds;
	// callers use [Retryable] to decide whether fallback is worthwhile.
	Synthesize(ctx context.Context, req Request) ([]byte, error)

	// ListVoices returns the provider's current voice catalogue.
	ListVoices(ctx context.Context) ([]Voice, error)

	// HasVoice reports whether the given voice ID is available. Providers
	// advertising [CapVoiceStyle] accept any non-empty string.
	HasVoice(ctx context.Context, id string) (bool, error)

	// HealthCheck probes the backend. It must respect ctx cancellation and
	// return within the caller's deadline.
	HealthCheck(ctx context.Context) HealthStatus

	// CacheParams returns the Extras keys that affect generated audio and are
	// therefore part of the cache key. Any other key in [Request.Extras] is
	// an input error.
	CacheParams() []string
}

// StreamProvider is implemented by providers advertising [CapStream].
type StreamProvider interface {
	Provider

	// SynthesizeStream generates audio for req and emits it as a sequence of
	// chunks on the returned channel. The channel is closed when synthesis
	// completes or ctx is cancelled; a mid-stream failure is signalled by
	// closing early, and callers check ctx.Err() to distinguish cancellation.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, req Request) (<-chan []byte, error)
}

// IncrementalProvider is implemented by providers advertising [CapIncremental].
type IncrementalProvider interface {
	Provider

	// OpenSession opens an incremental synthesis session. The backend buffers
	// text fed via [IncrementalSession.AddText] until sentence boundaries and
	// emits audio chunks on [IncrementalSession.Audio].
	OpenSession(ctx context.Context, sessionID, voice string, speed float64) (IncrementalSession, error)
}

// IncrementalSession is one live incremental synthesis stream. Sessions hold
// per-connection backend state and must not be shared between calls; the
// provider pool hands each one to exactly one owner at a time.
type IncrementalSession interface {
	// ID returns the session identifier passed to OpenSession.
	ID() string

	// AddText feeds a text fragment into the session.
	AddText(ctx context.Context, text string) error

	// Audio returns the channel emitting synthesised chunks. Closed when the
	// session ends or fails.
	Audio() <-chan []byte

	// End flushes buffered text and closes the session. The audio channel is
	// closed once the final chunks have been emitted.
	End(ctx context.Context) error
}
