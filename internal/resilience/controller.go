// Package resilience provides the provider fallback controller.
//
// The central type is [Controller]: it owns an ordered set of TTS providers
// (one primary plus fallbacks), tracks per-provider health from reported
// failures, selects which provider callers receive, and runs a background
// health loop that probes demoted providers on an exponential-backoff
// schedule and reverts to the primary once it recovers.
//
// The periodic health loop is the one authoritative revert path;
// [Controller.ResetToPrimary] exists only as an operational override.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/voxline-ai/voxline/pkg/tts"
)

// ErrNoHealthyProvider is returned by [Controller.TryFallback] when no
// eligible provider remains.
var ErrNoHealthyProvider = errors.New("no healthy provider available")

// Config holds tuning knobs for a [Controller]. Zero-value fields are
// replaced with defaults.
type Config struct {
	// MaxFailures is the number of consecutive reported failures before a
	// provider is marked unhealthy. Default: 3.
	MaxFailures int

	// HealthCheckInterval is the cadence of the background health loop and
	// the minimum age of a health result before a re-probe. Default: 5m.
	HealthCheckInterval time.Duration

	// RecoveryBackoffBase is the base of the exponential backoff between
	// probes of an unhealthy provider (base · 2^attempts, with jitter).
	// Default: 30s.
	RecoveryBackoffBase time.Duration
}

// Health is a snapshot of one provider's tracked state.
type Health struct {
	IsHealthy        bool
	FailureCount     int
	LastError        string
	LastCheck        time.Time
	RecoveryAttempts int
}

// entry pairs a provider with its mutable health state.
type entry struct {
	name     string
	provider tts.Provider
	health   Health
}

// Controller tracks provider health and selects the current provider.
type Controller struct {
	cfg     Config
	primary string

	mu      sync.Mutex
	entries []*entry // primary first, then fallbacks in preference order
	current string
}

// NewController creates a controller with primary as the preferred provider
// and fallbacks tried in the order given.
func NewController(primary tts.Provider, fallbacks []tts.Provider, cfg Config) *Controller {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 5 * time.Minute
	}
	if cfg.RecoveryBackoffBase <= 0 {
		cfg.RecoveryBackoffBase = 30 * time.Second
	}

	entries := make([]*entry, 0, len(fallbacks)+1)
	entries = append(entries, &entry{
		name:     primary.Name(),
		provider: primary,
		health:   Health{IsHealthy: true},
	})
	for _, f := range fallbacks {
		entries = append(entries, &entry{
			name:     f.Name(),
			provider: f,
			health:   Health{IsHealthy: true},
		})
	}

	return &Controller{
		cfg:     cfg,
		primary: primary.Name(),
		entries: entries,
		current: primary.Name(),
	}
}

// Current returns the provider callers should use right now.
func (c *Controller) Current() tts.Provider {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.findLocked(c.current).provider
}

// CurrentName returns the name of the current provider.
func (c *Controller) CurrentName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Primary returns the primary provider's name.
func (c *Controller) Primary() string { return c.primary }

// Provider returns the registered provider with the given name, or nil.
func (c *Controller) Provider(name string) tts.Provider {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.findLocked(name); e != nil {
		return e.provider
	}
	return nil
}

// Providers returns all registered providers in preference order.
func (c *Controller) Providers() []tts.Provider {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]tts.Provider, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.provider)
	}
	return out
}

// ReportSuccess resets the failure counter of the named provider.
func (c *Controller) ReportSuccess(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.findLocked(name); e != nil {
		e.health.FailureCount = 0
		e.health.IsHealthy = true
	}
}

// ReportFailure increments the failure counter of the named provider; at
// MaxFailures consecutive failures it is marked unhealthy.
func (c *Controller) ReportFailure(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.findLocked(name)
	if e == nil {
		return
	}
	e.health.FailureCount++
	if err != nil {
		e.health.LastError = err.Error()
	}
	if e.health.FailureCount >= c.cfg.MaxFailures && e.health.IsHealthy {
		e.health.IsHealthy = false
		e.health.RecoveryAttempts = 0
		e.health.LastCheck = time.Now()
		slog.Warn("provider marked unhealthy",
			"provider", name,
			"consecutive_failures", e.health.FailureCount)
	}
}

// MarkProviderFailed forces immediate demotion of the named provider
// regardless of its failure count. Operational tooling only.
func (c *Controller) MarkProviderFailed(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.findLocked(name)
	if e == nil {
		return
	}
	e.health.IsHealthy = false
	e.health.FailureCount = c.cfg.MaxFailures
	e.health.RecoveryAttempts = 0
	e.health.LastCheck = time.Now()
	slog.Warn("provider force-demoted", "provider", name)
}

// TryFallback selects the first healthy provider among the candidates:
// fallbacks in order, then the primary as a last resort when the current
// provider is not the primary. When a healthy candidate different from the
// current provider is found, it becomes current and changed is true. The
// failing provider's failure is recorded first.
func (c *Controller) TryFallback(cause error) (p tts.Provider, changed bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur := c.findLocked(c.current); cur != nil {
		cur.health.FailureCount++
		if cause != nil {
			cur.health.LastError = cause.Error()
		}
		if cur.health.FailureCount >= c.cfg.MaxFailures {
			cur.health.IsHealthy = false
		}
	}

	// Fallbacks in registration order, then primary as last resort.
	candidates := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries[1:] {
		candidates = append(candidates, e)
	}
	if c.current != c.primary {
		candidates = append(candidates, c.entries[0])
	}

	for _, e := range candidates {
		if !e.health.IsHealthy || e.name == c.current {
			continue
		}
		changed = c.current != e.name
		c.current = e.name
		slog.Info("switched provider",
			"provider", e.name, "cause", fmt.Sprint(cause))
		return e.provider, changed, nil
	}
	return nil, false, fmt.Errorf("%w: %v", ErrNoHealthyProvider, cause)
}

// ResetToPrimary forces the current provider back to the primary and marks it
// healthy. Operational override; the health loop is the normal revert path.
func (c *Controller) ResetToPrimary() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.primary
	e := c.entries[0]
	e.health.IsHealthy = true
	e.health.FailureCount = 0
	e.health.RecoveryAttempts = 0
	slog.Info("provider manually reset to primary", "provider", c.primary)
}

// SwitchTo makes the named provider current, marking it healthy. Returns
// false when the provider is not registered.
func (c *Controller) SwitchTo(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.findLocked(name)
	if e == nil {
		return false
	}
	c.current = name
	e.health.IsHealthy = true
	e.health.FailureCount = 0
	e.health.RecoveryAttempts = 0
	slog.Info("provider manually switched", "provider", name)
	return true
}

// HealthSnapshot returns a copy of every provider's health keyed by name.
func (c *Controller) HealthSnapshot() map[string]Health {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]Health, len(c.entries))
	for _, e := range c.entries {
		out[e.name] = e.health
	}
	return out
}

// RunHealthLoop probes providers until ctx is cancelled. Healthy non-current
// providers whose last result is older than the configured interval are
// re-checked; unhealthy providers are probed on an exponential-backoff
// schedule with jitter. When the primary is healthy again and the current
// provider is not the primary, the controller reverts.
func (c *Controller) RunHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HealthCheckInterval / 10)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.healthPass(ctx)
		}
	}
}

// healthPass runs one iteration of the health loop.
func (c *Controller) healthPass(ctx context.Context) {
	c.mu.Lock()
	due := make([]*entry, 0, len(c.entries))
	now := time.Now()
	for _, e := range c.entries {
		if e.name == c.current {
			continue
		}
		if e.health.IsHealthy {
			if now.Sub(e.health.LastCheck) >= c.cfg.HealthCheckInterval {
				due = append(due, e)
			}
			continue
		}
		if now.After(c.nextProbeLocked(e)) {
			due = append(due, e)
		}
	}
	c.mu.Unlock()

	for _, e := range due {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		status := e.provider.HealthCheck(probeCtx)
		cancel()

		c.mu.Lock()
		e.health.LastCheck = time.Now()
		if status.Healthy() {
			if !e.health.IsHealthy {
				slog.Info("provider recovered", "provider", e.name)
			}
			e.health.IsHealthy = true
			e.health.FailureCount = 0
			e.health.RecoveryAttempts = 0
		} else {
			e.health.RecoveryAttempts++
			e.health.LastError = status.Detail
			if e.health.IsHealthy {
				e.health.IsHealthy = false
				slog.Warn("provider failed health check",
					"provider", e.name, "detail", status.Detail)
			}
		}
		c.mu.Unlock()
	}

	// Revert to primary once it is healthy again.
	c.mu.Lock()
	if c.current != c.primary && c.entries[0].health.IsHealthy {
		slog.Info("reverting to primary provider", "provider", c.primary)
		c.current = c.primary
	}
	c.mu.Unlock()
}

// nextProbeLocked returns when the unhealthy entry may be probed again:
// lastCheck + base·2^attempts with up to 20% jitter, capped at 32 doublings
// worth of backoff. Must be called with c.mu held.
func (c *Controller) nextProbeLocked(e *entry) time.Time {
	attempts := e.health.RecoveryAttempts
	if attempts > 8 {
		attempts = 8
	}
	backoff := c.cfg.RecoveryBackoffBase * time.Duration(1<<attempts)
	jitter := time.Duration(rand.Int64N(int64(backoff)/5 + 1))
	return e.health.LastCheck.Add(backoff + jitter)
}

// findLocked returns the entry with the given name, or nil. Must be called
// with c.mu held.
func (c *Controller) findLocked(name string) *entry {
	for _, e := range c.entries {
		if e.name == name {
			return e
		}
	}
	return nil
}
