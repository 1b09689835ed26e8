// Package engine is the synthesis facade: it composes the provider
// adapters, the multi-tier cache, the fallback controller, the provider
// pools, the dialog fragmenter, and the carrier media upload behind a small
// set of entry points the call runtime uses.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxline-ai/voxline/internal/cache"
	"github.com/voxline-ai/voxline/internal/carrier"
	"github.com/voxline-ai/voxline/internal/dialog"
	"github.com/voxline-ai/voxline/internal/events"
	"github.com/voxline-ai/voxline/internal/pool"
	"github.com/voxline-ai/voxline/internal/resilience"
	"github.com/voxline-ai/voxline/pkg/tts"
)

// VoiceMap translates a logical voice ID to each provider's concrete voice.
// Unknown voice IDs pass through unchanged.
type VoiceMap map[string]map[string]string

// resolve maps voiceID for the named provider.
func (m VoiceMap) resolve(voiceID, provider string) string {
	if byProvider, ok := m[voiceID]; ok {
		if concrete, ok := byProvider[provider]; ok {
			return concrete
		}
	}
	return voiceID
}

// Options tunes one synthesis call. The zero value means: default voice,
// speed 1.0, cache enabled, no urgency.
type Options struct {
	// Voice is the logical voice ID, translated per provider through the
	// voice map. Empty uses the engine's default voice.
	Voice string

	// Speed is the speech rate multiplier; zero means 1.0.
	Speed float64

	// Extras are provider-specific knobs. Keys a provider does not list in
	// its cache parameters are rejected as invalid input.
	Extras map[string]string

	// NoCache bypasses the cache for both probe and store.
	NoCache bool

	// Urgency in [0,1] shortens dialog pauses; see the dialog fragmenter.
	Urgency float64

	// TurnID names the dialog turn; empty generates one.
	TurnID string
}

// Config holds the engine's construction-time settings.
type Config struct {
	// DefaultVoice used when a request names none.
	DefaultVoice string

	// Voices is the logical-to-concrete voice map.
	Voices VoiceMap

	// Fragmenter tunes dialog fragmentation.
	Fragmenter dialog.Config
}

// Health aggregates provider, cache, and fallback state for the readiness
// surface.
type Health struct {
	CurrentProvider string
	Providers       map[string]resilience.Health
	CacheTiers      map[string]error
}

// Engine is the synthesis facade.
//
// Safe for concurrent use.
type Engine struct {
	cfg    Config
	ctrl   *resilience.Controller
	cache  *cache.Cache
	pools  *pool.Manager
	media  *carrier.Client
	frag   *dialog.Fragmenter
	bus    *events.Bus
	logger *slog.Logger

	mu    sync.Mutex
	turns map[string]*dialog.Turn
}

// New assembles the engine. media may be nil when no carrier is configured;
// SynthesizeAndUpload then fails.
func New(cfg Config, ctrl *resilience.Controller, c *cache.Cache, pools *pool.Manager,
	media *carrier.Client, bus *events.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = events.NewBus()
	}
	return &Engine{
		cfg:    cfg,
		ctrl:   ctrl,
		cache:  c,
		pools:  pools,
		media:  media,
		frag:   dialog.NewFragmenter(cfg.Fragmenter),
		bus:    bus,
		logger: logger,
		turns:  make(map[string]*dialog.Turn),
	}
}

// Bus returns the engine's event bus.
func (e *Engine) Bus() *events.Bus { return e.bus }

// SetVoices replaces the default voice and the voice map. Used when the
// configuration file is reloaded; in-flight requests keep the map they
// resolved against.
func (e *Engine) SetVoices(defaultVoice string, voices VoiceMap) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.DefaultVoice = defaultVoice
	e.cfg.Voices = voices
}

// resolveVoice maps the logical voice onto the provider's concrete voice
// under the engine lock, so voice map swaps stay race-free.
func (e *Engine) resolveVoice(voiceID, provider string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Voices.resolve(voiceID, provider)
}

// normalize applies option defaults and validates the request text.
func (e *Engine) normalize(text string, opts Options) (Options, error) {
	if strings.TrimSpace(text) == "" {
		return opts, fmt.Errorf("engine: empty text: %w", tts.ErrInvalidInput)
	}
	if opts.Voice == "" {
		e.mu.Lock()
		opts.Voice = e.cfg.DefaultVoice
		e.mu.Unlock()
	}
	if opts.Speed <= 0 {
		opts.Speed = 1.0
	}
	return opts, nil
}

// validateExtras rejects extras the provider does not advertise as cache
// parameters.
func validateExtras(p tts.Provider, extras map[string]string) error {
	if len(extras) == 0 {
		return nil
	}
	known := make(map[string]bool)
	for _, k := range p.CacheParams() {
		known[k] = true
	}
	for k := range extras {
		if !known[k] {
			return fmt.Errorf("engine: provider %s does not accept parameter %q: %w",
				p.Name(), k, tts.ErrInvalidInput)
		}
	}
	return nil
}

// Synthesize returns the full audio for text, probing the cache first and
// retrying once on a fallback provider when the current one fails with a
// retryable error.
func (e *Engine) Synthesize(ctx context.Context, text string, opts Options) ([]byte, error) {
	opts, err := e.normalize(text, opts)
	if err != nil {
		return nil, err
	}

	p := e.ctrl.Current()
	audio, err := e.synthesizeOn(ctx, p, text, opts)
	if err == nil {
		return audio, nil
	}
	if !tts.Retryable(err) {
		return nil, err
	}

	fb, changed, fbErr := e.ctrl.TryFallback(err)
	if fbErr != nil {
		return nil, err
	}
	if changed {
		e.logger.Warn("retrying synthesis on fallback provider",
			"from", p.Name(), "to", fb.Name(), "error", err)
	}
	return e.synthesizeOn(ctx, fb, text, opts)
}

// synthesizeOn runs one cache-probe-then-generate pass against a specific
// provider.
func (e *Engine) synthesizeOn(ctx context.Context, p tts.Provider, text string, opts Options) ([]byte, error) {
	if err := validateExtras(p, opts.Extras); err != nil {
		return nil, err
	}

	voice := e.resolveVoice(opts.Voice, p.Name())
	key := cache.Key(text, p.Name(), voice, opts.Speed, opts.Extras)
	callID := events.CallID(ctx)

	if !opts.NoCache {
		if audio, ok := e.cache.Get(ctx, key); ok {
			e.bus.Publish(events.Event{
				Type: events.CacheHit, CallID: callID, Provider: p.Name(), Bytes: len(audio),
			})
			return audio, nil
		}
	}

	e.bus.Publish(events.Event{
		Type: events.SynthesisStarted, CallID: callID, Provider: p.Name(), Bytes: len(text),
	})

	start := time.Now()
	audio, err := e.generate(ctx, p, tts.Request{
		Text: text, Voice: voice, Speed: opts.Speed, Extras: opts.Extras,
	})
	elapsed := time.Since(start)

	if err != nil {
		e.ctrl.ReportFailure(p.Name(), err)
		e.bus.Publish(events.Event{
			Type: events.SynthesisFailed, CallID: callID, Provider: p.Name(),
			Duration: elapsed, Err: err.Error(),
		})
		return nil, err
	}

	e.ctrl.ReportSuccess(p.Name())
	e.bus.Publish(events.Event{
		Type: events.SynthesisCompleted, CallID: callID, Provider: p.Name(),
		Duration: elapsed, Bytes: len(audio),
	})
	if !opts.NoCache {
		e.cache.Set(ctx, key, audio)
	}
	return audio, nil
}

// generate invokes the provider through its pool; when the pool is
// exhausted the provider is called directly rather than failing the request.
func (e *Engine) generate(ctx context.Context, p tts.Provider, req tts.Request) ([]byte, error) {
	pl := e.pools.Get(ctx, p, req.Voice)
	entry, err := pl.Checkout(ctx)
	if err != nil {
		e.logger.Debug("pool checkout failed, calling provider directly",
			"provider", p.Name(), "error", err)
		return p.Synthesize(ctx, req)
	}

	audio, err := entry.Provider().Synthesize(ctx, req)
	if rerr := pl.Return(entry.ID, err != nil); rerr != nil {
		e.logger.Warn("pool return failed", "provider", p.Name(), "error", rerr)
	}
	return audio, err
}

// SynthesizeStream yields audio chunks as the provider emits them. The text
// is split at sentence boundaries; a mid-stream provider failure retries the
// failing fragment on a fallback provider, so chunks already yielded stand
// and the stream resumes at that fragment's start.
func (e *Engine) SynthesizeStream(ctx context.Context, text string, opts Options) (<-chan []byte, error) {
	opts, err := e.normalize(text, opts)
	if err != nil {
		return nil, err
	}
	if _, err := e.streamCapable(); err != nil {
		return nil, err
	}

	// Urgency 1 suppresses pauses; this path emits raw chunks only.
	fragments := e.frag.Fragment(text, opts.TurnID, 1)
	out := make(chan []byte)
	go func() {
		defer close(out)
		for _, f := range fragments {
			if err := e.streamFragment(ctx, f.Text, opts, out); err != nil {
				e.logger.Error("stream aborted", "error", err)
				return
			}
		}
	}()
	return out, nil
}

// streamCapable returns the current provider when it can stream, otherwise
// the first streaming-capable registered provider.
func (e *Engine) streamCapable() (tts.StreamProvider, error) {
	if sp, ok := asStreamer(e.ctrl.Current()); ok {
		return sp, nil
	}
	for _, p := range e.ctrl.Providers() {
		if sp, ok := asStreamer(p); ok {
			return sp, nil
		}
	}
	return nil, fmt.Errorf("engine: no streaming-capable provider: %w", tts.ErrProviderUnavailable)
}

func asStreamer(p tts.Provider) (tts.StreamProvider, bool) {
	sp, ok := p.(tts.StreamProvider)
	if !ok || !p.Capabilities()[tts.CapStream] {
		return nil, false
	}
	return sp, true
}

// streamFragment streams one fragment's audio into out, retrying the whole
// fragment on a fallback provider after a retryable failure. Chunks emitted
// before the failure are not withdrawn; the retry restarts the fragment.
func (e *Engine) streamFragment(ctx context.Context, text string, opts Options, out chan<- []byte) error {
	callID := events.CallID(ctx)

	sp, err := e.streamCapable()
	if err != nil {
		return err
	}

	emitted, err := e.pipeStream(ctx, sp, text, opts, out)
	if err == nil {
		return nil
	}
	e.ctrl.ReportFailure(sp.Name(), err)
	if !tts.Retryable(err) {
		return err
	}

	fb, _, fbErr := e.ctrl.TryFallback(err)
	if fbErr != nil {
		return err
	}
	fsp, ok := asStreamer(fb)
	if !ok {
		return err
	}
	if emitted > 0 {
		e.bus.Publish(events.Event{
			Type: events.FragmentRetried, CallID: callID, Provider: fsp.Name(),
			Detail: fmt.Sprintf("%d chunks already emitted", emitted), Err: err.Error(),
		})
	}
	_, err = e.pipeStream(ctx, fsp, text, opts, out)
	if err != nil {
		e.ctrl.ReportFailure(fsp.Name(), err)
	}
	return err
}

// pipeStream forwards one provider stream into out, returning how many
// chunks were forwarded.
func (e *Engine) pipeStream(ctx context.Context, sp tts.StreamProvider, text string, opts Options, out chan<- []byte) (int, error) {
	voice := e.resolveVoice(opts.Voice, sp.Name())
	ch, err := sp.SynthesizeStream(ctx, tts.Request{
		Text: text, Voice: voice, Speed: opts.Speed, Extras: opts.Extras,
	})
	if err != nil {
		return 0, err
	}

	emitted := 0
	for chunk := range ch {
		select {
		case out <- chunk:
			emitted++
		case <-ctx.Done():
			return emitted, ctx.Err()
		}
	}
	e.ctrl.ReportSuccess(sp.Name())
	return emitted, nil
}

// SynthesizeDialogStream fragments text into a dialog turn and streams each
// fragment's audio with natural pauses in between, emitting the turn
// lifecycle events as it goes. The returned channel closes when the turn
// finishes or is interrupted.
func (e *Engine) SynthesizeDialogStream(ctx context.Context, text string, opts Options) (<-chan []byte, error) {
	opts, err := e.normalize(text, opts)
	if err != nil {
		return nil, err
	}
	if opts.TurnID == "" {
		opts.TurnID = fmt.Sprintf("turn-%d", time.Now().UnixNano())
	}

	fragments := e.frag.Fragment(text, opts.TurnID, opts.Urgency)
	turn := dialog.NewTurn(opts.TurnID, fragments)

	e.mu.Lock()
	e.turns[opts.TurnID] = turn
	e.mu.Unlock()

	callID := events.CallID(ctx)
	out := make(chan []byte)

	go func() {
		defer close(out)
		defer func() {
			e.mu.Lock()
			delete(e.turns, opts.TurnID)
			e.mu.Unlock()
		}()

		e.bus.Publish(events.Event{
			Type: events.DialogTurnStart, CallID: callID,
			Detail: opts.TurnID, Bytes: len(fragments),
		})
		turnStart := time.Now()
		firstChunk := false

		for {
			f, ok := turn.Next()
			if !ok {
				break
			}
			e.bus.Publish(events.Event{
				Type: events.FragmentProcessing, CallID: callID,
				Detail: f.Text, Bytes: f.Index,
			})

			audio, err := e.Synthesize(ctx, f.Text, Options{
				Voice: opts.Voice, Speed: opts.Speed, Extras: opts.Extras, NoCache: opts.NoCache,
			})
			if err != nil {
				e.logger.Error("dialog fragment synthesis failed",
					"turn_id", opts.TurnID, "index", f.Index, "error", err)
				break
			}

			select {
			case out <- audio:
			case <-ctx.Done():
				turn.Interrupt()
			}
			if !firstChunk {
				firstChunk = true
				e.bus.Publish(events.Event{
					Type: events.FirstResponseLatency, CallID: callID,
					Duration: time.Since(turnStart),
				})
			}

			if f.PauseAfter > 0 && !turn.Interrupted() {
				e.bus.Publish(events.Event{
					Type: events.DialogPause, CallID: callID, Duration: f.PauseAfter,
				})
				select {
				case <-time.After(f.PauseAfter):
				case <-ctx.Done():
					turn.Interrupt()
				}
			}
		}

		detail := "completed"
		if turn.Interrupted() {
			detail = "interrupted"
		}
		e.bus.Publish(events.Event{
			Type: events.DialogTurnEnd, CallID: callID,
			Detail: detail, Duration: time.Since(turnStart),
		})
	}()
	return out, nil
}

// InterruptTurn stops fragment emission for an in-flight dialog turn. The
// fragment currently being synthesized still completes.
func (e *Engine) InterruptTurn(turnID string) bool {
	e.mu.Lock()
	turn, ok := e.turns[turnID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	turn.Interrupt()
	return true
}

// SynthesizeWithStyle synthesizes text with a natural-language voice style.
// It prefers a style-capable provider (current first, then any registered);
// with none available it degrades to plain synthesis with the default voice.
func (e *Engine) SynthesizeWithStyle(ctx context.Context, text, style string, speed float64) ([]byte, error) {
	styled := e.styleCapable()
	if styled == nil {
		e.logger.Debug("no voice-style provider, using plain synthesis")
		return e.Synthesize(ctx, text, Options{Speed: speed})
	}
	if speed <= 0 {
		speed = 1.0
	}

	// Style-capable providers take the voice argument verbatim, so the style
	// text itself keys the cache and never collides with voice IDs.
	key := cache.Key(text, styled.Name(), style, speed, nil)
	if audio, ok := e.cache.Get(ctx, key); ok {
		e.bus.Publish(events.Event{
			Type: events.CacheHit, CallID: events.CallID(ctx),
			Provider: styled.Name(), Bytes: len(audio),
		})
		return audio, nil
	}

	audio, err := styled.Synthesize(ctx, tts.Request{Text: text, Voice: style, Speed: speed})
	if err != nil {
		e.ctrl.ReportFailure(styled.Name(), err)
		return nil, err
	}
	e.ctrl.ReportSuccess(styled.Name())
	e.cache.Set(ctx, key, audio)
	return audio, nil
}

// styleCapable returns a provider advertising voice styling, or nil.
func (e *Engine) styleCapable() tts.Provider {
	if p := e.ctrl.Current(); p.Capabilities()[tts.CapVoiceStyle] {
		return p
	}
	for _, p := range e.ctrl.Providers() {
		if p.Capabilities()[tts.CapVoiceStyle] {
			return p
		}
	}
	return nil
}

// SynthesizeAndUpload synthesizes text and stores the audio on the
// carrier's object storage, returning its public URL and ID. Intended for
// pre-generated prompts, never for the real-time path.
func (e *Engine) SynthesizeAndUpload(ctx context.Context, text, name string, opts Options) (carrier.Media, error) {
	if e.media == nil {
		return carrier.Media{}, fmt.Errorf("engine: no carrier configured: %w", tts.ErrCarrierRejected)
	}
	audio, err := e.Synthesize(ctx, text, opts)
	if err != nil {
		return carrier.Media{}, err
	}
	if name == "" {
		name = fmt.Sprintf("tts-%d.wav", time.Now().UnixNano())
	}
	return e.media.UploadMedia(ctx, name, "audio/wav", audio)
}

// ChangeProvider swaps the current provider. Switching to the primary goes
// through the controller's reset so its health state is cleared the same
// way operational tooling does it.
func (e *Engine) ChangeProvider(name string) bool {
	if e.ctrl.Provider(name) == nil {
		return false
	}
	if name == e.ctrl.Primary() {
		e.ctrl.ResetToPrimary()
		return true
	}
	return e.ctrl.SwitchTo(name)
}

// ClearCache drops all cached audio across every tier.
func (e *Engine) ClearCache(ctx context.Context) {
	e.cache.Clear(ctx)
}

// Health aggregates provider, cache, and fallback state.
func (e *Engine) Health(ctx context.Context) Health {
	return Health{
		CurrentProvider: e.ctrl.CurrentName(),
		Providers:       e.ctrl.HealthSnapshot(),
		CacheTiers:      e.cache.Health(ctx),
	}
}
