package tts

import "errors"

// Error kinds shared across the synthesis core. Components wrap these with
// context via fmt.Errorf("...: %w", ...) and callers classify with errors.Is.
var (
	// ErrProviderUnavailable means the backend could not be reached or
	// reported an internal failure. Retry-eligible.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrRateLimited means the backend rejected the call due to quota or
	// rate limits. Retry-eligible (on a different provider).
	ErrRateLimited = errors.New("rate limited")

	// ErrTimeout means the call exceeded its deadline. Retry-eligible.
	ErrTimeout = errors.New("request timed out")

	// ErrInvalidInput means the request itself is unacceptable (empty text,
	// unknown voice, undeclared extra parameter). Never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPoolExhausted means no pool entry is available and the pool is at
	// its maximum size.
	ErrPoolExhausted = errors.New("provider pool exhausted")

	// ErrCacheUnavailable means a cache tier backend is unreachable. The
	// tier degrades silently; this surfaces only through health checks.
	ErrCacheUnavailable = errors.New("cache backend unavailable")

	// ErrBufferOverflow means an audio buffer rejected a chunk because it
	// already holds its maximum number of entries.
	ErrBufferOverflow = errors.New("audio buffer overflow")

	// ErrSessionNotFound means no streaming session exists for the call ID.
	ErrSessionNotFound = errors.New("streaming session not found")

	// ErrSessionTerminated means the streaming session has already reached a
	// terminal state.
	ErrSessionTerminated = errors.New("streaming session terminated")

	// ErrCarrierRejected means the telephony carrier acknowledged the request
	// and refused it (4xx). Not retried except 408/429.
	ErrCarrierRejected = errors.New("carrier rejected request")

	// ErrConfigInvalid means the configuration is incoherent. Surfaced to the
	// caller immediately, never retried.
	ErrConfigInvalid = errors.New("invalid configuration")
)

// Retryable reports whether err is one of the transient kinds a caller may
// retry on a fallback provider. InvalidInput and ConfigInvalid are permanent.
func Retryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout)
}
