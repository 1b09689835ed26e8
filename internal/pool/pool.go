// Package pool manages pre-warmed provider instances, one pool per
// (provider, voice) pair. Checkout hands an instance to exactly one owner;
// return paths run it through a cool-down before it becomes available again.
// A periodic maintenance pass enforces TTLs and scales the pool between its
// configured bounds.
//
// Providers with per-connection session state (incremental synthesis) are the
// reason this is a pool rather than a semaphore: the entry is the unit that
// owns such a session.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxline-ai/voxline/pkg/tts"
)

// Status is the lifecycle state of one pool entry. Every entry is in exactly
// one status at any time.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusAvailable    Status = "available"
	StatusInUse        Status = "in_use"
	StatusCoolingDown  Status = "cooling_down"
	StatusError        Status = "error"
	StatusTerminated   Status = "terminated"
)

// Config holds the bounds and timings of one pool. Zero-value fields are
// replaced with defaults.
type Config struct {
	// MinSize and MaxSize bound the pool. Defaults: 1 and 5.
	MinSize int
	MaxSize int

	// TTL terminates entries idle longer than this since last use. Default: 1h.
	TTL time.Duration

	// WarmUpCount entries are created and health-checked at pool creation.
	// Default: 1.
	WarmUpCount int

	// CoolDown is the rest period between a return and renewed availability.
	// Default: 5s.
	CoolDown time.Duration

	// ScalingThreshold is the in-use/size utilisation ratio above which
	// maintenance grows the pool. Default: 0.7.
	ScalingThreshold float64
}

func (c Config) withDefaults() Config {
	if c.MinSize <= 0 {
		c.MinSize = 1
	}
	if c.MaxSize <= 0 {
		c.MaxSize = 5
	}
	if c.MaxSize < c.MinSize {
		c.MaxSize = c.MinSize
	}
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.WarmUpCount <= 0 {
		c.WarmUpCount = 1
	}
	if c.WarmUpCount > c.MaxSize {
		c.WarmUpCount = c.MaxSize
	}
	if c.CoolDown <= 0 {
		c.CoolDown = 5 * time.Second
	}
	if c.ScalingThreshold <= 0 || c.ScalingThreshold > 1 {
		c.ScalingThreshold = 0.7
	}
	return c
}

// Entry is one provider instance within a pool. While InUse it belongs to
// exactly one owner; the owner must call [Pool.Return] exactly once.
type Entry struct {
	ID           string
	ProviderName string
	VoiceID      string

	provider tts.Provider

	// Mutable fields below are guarded by the owning pool's mutex.
	status     Status
	createdAt  time.Time
	lastUsedAt time.Time
	usageCount int
	errorCount int
}

// Provider returns the underlying TTS provider.
func (e *Entry) Provider() tts.Provider { return e.provider }

// Stats is a snapshot of pool counters.
type Stats struct {
	Size             int
	Available        int
	InUse            int
	Requests         uint64
	Checkouts        uint64
	CheckoutFailures uint64
	CreationFailures uint64
	ProviderErrors   uint64
	Expansions       uint64
	Contractions     uint64
	AvgCheckout      time.Duration
	Utilisation      float64
}

// Pool owns the entries for one (provider, voice) pair.
//
// All methods are safe for concurrent use. Checkout never blocks waiting for
// an in-use entry: it either returns an available one, creates one, or fails
// with [tts.ErrPoolExhausted].
type Pool struct {
	provider tts.Provider
	voice    string
	cfg      Config

	mu      sync.Mutex
	entries map[string]*Entry
	closed  bool

	requests         uint64
	checkouts        uint64
	checkoutFailures uint64
	creationFailures uint64
	providerErrors   uint64
	expansions       uint64
	contractions     uint64
	checkoutLatency  []time.Duration // rolling window, newest last
}

// checkoutLatencyWindow bounds the rolling checkout-latency sample.
const checkoutLatencyWindow = 100

// New creates a pool and eagerly warms up cfg.WarmUpCount entries. Instances
// that fail their creation health check land in Error without consuming an
// available slot; the pool itself is still returned.
func New(ctx context.Context, provider tts.Provider, voice string, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		provider: provider,
		voice:    voice,
		cfg:      cfg,
		entries:  make(map[string]*Entry),
	}

	for range cfg.WarmUpCount {
		if _, err := p.create(ctx); err != nil {
			slog.Warn("pool warm-up entry failed",
				"provider", provider.Name(), "voice", voice, "error", err)
		}
	}
	return p
}

// create instantiates and health-checks one entry, registering it as
// Available on success or Error on probe failure. The Initializing entry is
// registered under the same critical section as the capacity check, so it
// reserves its slot against concurrent creators.
func (p *Pool) create(ctx context.Context) (*Entry, error) {
	e := &Entry{
		ID:           uuid.NewString(),
		ProviderName: p.provider.Name(),
		VoiceID:      p.voice,
		provider:     p.provider,
		status:       StatusInitializing,
		createdAt:    time.Now(),
		lastUsedAt:   time.Now(),
	}

	p.mu.Lock()
	if p.sizeLocked() >= p.cfg.MaxSize {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool: %s/%s at max size %d: %w",
			p.provider.Name(), p.voice, p.cfg.MaxSize, tts.ErrPoolExhausted)
	}
	p.entries[e.ID] = e
	p.mu.Unlock()

	status := p.provider.HealthCheck(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !status.Healthy() {
		e.status = StatusError
		p.creationFailures++
		return nil, fmt.Errorf("pool: entry %s failed creation check: %s", e.ID, status.Detail)
	}
	e.status = StatusAvailable
	return e, nil
}

// Checkout hands out an available entry, creating one when the pool has room.
// Returns [tts.ErrPoolExhausted] when the pool is at MaxSize with nothing
// available.
func (p *Pool) Checkout(ctx context.Context) (*Entry, error) {
	start := time.Now()

	p.mu.Lock()
	p.requests++
	if p.closed {
		p.checkoutFailures++
		p.mu.Unlock()
		return nil, fmt.Errorf("pool: closed: %w", tts.ErrPoolExhausted)
	}

	if e := p.oldestAvailableLocked(); e != nil {
		e.status = StatusInUse
		e.lastUsedAt = time.Now()
		e.usageCount++
		p.checkouts++
		p.recordCheckoutLocked(time.Since(start))
		p.mu.Unlock()
		return e, nil
	}

	p.mu.Unlock()

	// Grow synchronously for this caller. create enforces MaxSize while
	// reserving the slot, so racing checkouts cannot overshoot it.
	e, err := p.create(ctx)
	if err != nil {
		p.mu.Lock()
		p.checkoutFailures++
		p.mu.Unlock()
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	e.status = StatusInUse
	e.lastUsedAt = time.Now()
	e.usageCount++
	p.checkouts++
	p.expansions++
	p.recordCheckoutLocked(time.Since(start))
	return e, nil
}

// Return gives an entry back. Failed entries land in Error for maintenance
// to recycle; healthy ones cool down before becoming available again, unless
// they expire meanwhile.
func (p *Pool) Return(id string, failed bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok || e.status != StatusInUse {
		return fmt.Errorf("pool: return of unknown or idle entry %s", id)
	}

	e.lastUsedAt = time.Now()
	if failed {
		e.errorCount++
		e.status = StatusError
		p.providerErrors++
		return nil
	}

	e.status = StatusCoolingDown
	time.AfterFunc(p.cfg.CoolDown, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if e.status != StatusCoolingDown {
			return
		}
		if time.Since(e.lastUsedAt) > p.cfg.TTL {
			p.terminateLocked(e)
			return
		}
		e.status = StatusAvailable
	})
	return nil
}

// Maintain runs one maintenance pass: expire idle entries, recycle errored
// ones, grow under load, shrink surplus capacity toward MinSize.
func (p *Pool) Maintain(ctx context.Context) {
	p.mu.Lock()

	// (a) terminate expired idle entries, (d) recycle errored ones.
	for _, e := range p.entries {
		switch e.status {
		case StatusAvailable, StatusCoolingDown:
			if time.Since(e.lastUsedAt) > p.cfg.TTL {
				p.terminateLocked(e)
			}
		case StatusError:
			p.terminateLocked(e)
		}
	}

	size := p.sizeLocked()
	inUse := p.countLocked(StatusInUse)
	needGrow := size < p.cfg.MaxSize &&
		size > 0 && float64(inUse)/float64(size) >= p.cfg.ScalingThreshold
	if size == 0 {
		needGrow = true
	}

	// (c) contract: keep at most one spare available entry above MinSize,
	// dropping the longest-idle first.
	if !needGrow {
		available := p.availableLocked()
		for len(available) > 1 && p.sizeLocked() > p.cfg.MinSize {
			oldest := available[0]
			p.terminateLocked(oldest)
			p.contractions++
			available = available[1:]
		}
	}
	p.mu.Unlock()

	// (b) grow outside the lock; creation health-checks the backend.
	if needGrow {
		if _, err := p.create(ctx); err == nil {
			p.mu.Lock()
			p.expansions++
			p.mu.Unlock()
		}
	}
}

// Terminate removes a non-in-use entry immediately.
func (p *Pool) Terminate(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return fmt.Errorf("pool: terminate of unknown entry %s", id)
	}
	if e.status == StatusInUse {
		return fmt.Errorf("pool: entry %s is in use", id)
	}
	p.terminateLocked(e)
	return nil
}

// Shutdown terminates every entry and rejects further checkouts.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, e := range p.entries {
		p.terminateLocked(e)
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.sizeLocked()
	inUse := p.countLocked(StatusInUse)
	s := Stats{
		Size:             size,
		Available:        p.countLocked(StatusAvailable),
		InUse:            inUse,
		Requests:         p.requests,
		Checkouts:        p.checkouts,
		CheckoutFailures: p.checkoutFailures,
		CreationFailures: p.creationFailures,
		ProviderErrors:   p.providerErrors,
		Expansions:       p.expansions,
		Contractions:     p.contractions,
	}
	if size > 0 {
		s.Utilisation = float64(inUse) / float64(size)
	}
	if n := len(p.checkoutLatency); n > 0 {
		var total time.Duration
		for _, d := range p.checkoutLatency {
			total += d
		}
		s.AvgCheckout = total / time.Duration(n)
	}
	return s
}

// Size returns the live entry count (everything except Terminated/Error).
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sizeLocked()
}

// --- internal helpers; all must be called with p.mu held ---

// sizeLocked counts live entries: Terminated and Error entries do not occupy
// capacity.
func (p *Pool) sizeLocked() int {
	n := 0
	for _, e := range p.entries {
		switch e.status {
		case StatusAvailable, StatusInUse, StatusCoolingDown, StatusInitializing:
			n++
		}
	}
	return n
}

func (p *Pool) countLocked(status Status) int {
	n := 0
	for _, e := range p.entries {
		if e.status == status {
			n++
		}
	}
	return n
}

// availableLocked returns available entries sorted longest-idle first.
func (p *Pool) availableLocked() []*Entry {
	var out []*Entry
	for _, e := range p.entries {
		if e.status == StatusAvailable {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].lastUsedAt.Before(out[j].lastUsedAt)
	})
	return out
}

// oldestAvailableLocked returns the longest-idle available entry, or nil.
func (p *Pool) oldestAvailableLocked() *Entry {
	available := p.availableLocked()
	if len(available) == 0 {
		return nil
	}
	return available[0]
}

func (p *Pool) terminateLocked(e *Entry) {
	e.status = StatusTerminated
	delete(p.entries, e.ID)
}

func (p *Pool) recordCheckoutLocked(d time.Duration) {
	p.checkoutLatency = append(p.checkoutLatency, d)
	if len(p.checkoutLatency) > checkoutLatencyWindow {
		p.checkoutLatency = p.checkoutLatency[1:]
	}
}
