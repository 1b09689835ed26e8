// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio bytes to consumers and to verify
// which requests reached the backend.
//
// Example:
//
//	p := &mock.Provider{
//	    ProviderName:    "mock",
//	    SynthesizeAudio: []byte("audio"),
//	    StreamChunks:    [][]byte{[]byte("a"), []byte("b")},
//	}
//	out, _ := p.Synthesize(ctx, tts.Request{Text: "hi", Voice: "v1"})
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/voxline-ai/voxline/pkg/tts"
)

// Compile-time interface assertions.
var (
	_ tts.Provider            = (*Provider)(nil)
	_ tts.StreamProvider      = (*Provider)(nil)
	_ tts.IncrementalProvider = (*Provider)(nil)
)

// Provider is a mock implementation of tts.Provider, tts.StreamProvider, and
// tts.IncrementalProvider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Caps overrides the advertised capabilities. When nil, all capabilities
	// except voice_style are advertised.
	Caps map[tts.Capability]bool

	// SynthesizeAudio is returned by Synthesize. When nil, Synthesize returns
	// a deterministic payload derived from the request text.
	SynthesizeAudio []byte

	// SynthesizeErr, if non-nil, is returned by Synthesize.
	// SynthesizeErrCount limits how many calls fail before the provider
	// recovers; zero means every call fails.
	SynthesizeErr      error
	SynthesizeErrCount int

	// StreamChunks is the sequence emitted by SynthesizeStream.
	StreamChunks [][]byte

	// StreamErr, if non-nil, is returned by SynthesizeStream before any
	// chunk is emitted.
	StreamErr error

	// Voices is returned by ListVoices and consulted by HasVoice.
	Voices []tts.Voice

	// Health is returned by HealthCheck. A zero value reports "ok".
	Health tts.HealthStatus

	// CacheParamList is returned by CacheParams.
	CacheParamList []string

	// --- Call records ---

	// SynthesizeCalls records every Synthesize request in order.
	SynthesizeCalls []tts.Request

	// StreamCalls records every SynthesizeStream request in order.
	StreamCalls []tts.Request

	// HealthChecks counts HealthCheck invocations.
	HealthChecks int

	// Sessions records every incremental session opened, in order.
	Sessions []*Session

	failed int
}

// Name returns the configured provider name.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Capabilities returns Caps, or the full non-styled set when Caps is nil.
func (p *Provider) Capabilities() map[tts.Capability]bool {
	if p.Caps != nil {
		return p.Caps
	}
	return map[tts.Capability]bool{
		tts.CapBatch:       true,
		tts.CapStream:      true,
		tts.CapIncremental: true,
	}
}

// Synthesize records the call and returns the configured audio or error.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, req)
	if p.SynthesizeErr != nil && (p.SynthesizeErrCount == 0 || p.failed < p.SynthesizeErrCount) {
		p.failed++
		return nil, p.SynthesizeErr
	}
	if p.SynthesizeAudio != nil {
		out := make([]byte, len(p.SynthesizeAudio))
		copy(out, p.SynthesizeAudio)
		return out, nil
	}
	return fmt.Appendf(nil, "%s-audio:%s", p.Name(), req.Text), nil
}

// SynthesizeStream records the call and returns a channel that emits
// StreamChunks then closes.
func (p *Provider) SynthesizeStream(ctx context.Context, req tts.Request) (<-chan []byte, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, req)
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	p.mu.Unlock()

	ch := make(chan []byte, len(chunks))
	go func() {
		defer close(ch)
		for _, audio := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- audio:
			}
		}
	}()
	return ch, nil
}

// ListVoices returns the configured voice catalogue.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]tts.Voice, len(p.Voices))
	copy(out, p.Voices)
	return out, nil
}

// HasVoice reports whether id appears in Voices. An empty catalogue accepts
// every voice.
func (p *Provider) HasVoice(ctx context.Context, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Voices) == 0 {
		return true, nil
	}
	for _, v := range p.Voices {
		if v.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// HealthCheck counts the probe and returns the configured status.
func (p *Provider) HealthCheck(ctx context.Context) tts.HealthStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.HealthChecks++
	if p.Health == (tts.HealthStatus{}) {
		return tts.HealthStatus{Status: "ok"}
	}
	return p.Health
}

// CacheParams returns the configured cache-affecting parameter names.
func (p *Provider) CacheParams() []string { return p.CacheParamList }

// OpenSession records and returns a new in-memory incremental session that
// echoes each AddText fragment as one audio chunk.
func (p *Provider) OpenSession(ctx context.Context, sessionID, voice string, speed float64) (tts.IncrementalSession, error) {
	s := &Session{
		SessionID: sessionID,
		Voice:     voice,
		Speed:     speed,
		audio:     make(chan []byte, 64),
	}
	p.mu.Lock()
	p.Sessions = append(p.Sessions, s)
	p.mu.Unlock()
	return s, nil
}

// Reset clears all recorded calls and failure counters. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.StreamCalls = nil
	p.Sessions = nil
	p.HealthChecks = 0
	p.failed = 0
}

// Session is the incremental session returned by [Provider.OpenSession].
type Session struct {
	SessionID string
	Voice     string
	Speed     float64

	mu    sync.Mutex
	Texts []string
	Ended bool
	audio chan []byte
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.SessionID }

// AddText records the fragment and emits it back as a fake audio chunk.
func (s *Session) AddText(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Ended {
		return fmt.Errorf("mock session %s: %w", s.SessionID, tts.ErrSessionTerminated)
	}
	s.Texts = append(s.Texts, text)
	select {
	case s.audio <- []byte("audio:" + text):
	default:
	}
	return nil
}

// Audio returns the fake audio channel.
func (s *Session) Audio() <-chan []byte { return s.audio }

// End marks the session done and closes the audio channel.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Ended {
		return nil
	}
	s.Ended = true
	close(s.audio)
	return nil
}
