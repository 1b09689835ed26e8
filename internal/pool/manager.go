package pool

import (
	"context"
	"sync"
	"time"

	"github.com/voxline-ai/voxline/pkg/tts"
)

// Manager owns one [Pool] per (provider, voice) pair, creating pools lazily
// on first use and driving their maintenance from a single loop.
//
// Safe for concurrent use.
type Manager struct {
	cfg Config

	mu    sync.Mutex
	pools map[string]*Pool
}

// NewManager creates a manager whose pools all share cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:   cfg.withDefaults(),
		pools: make(map[string]*Pool),
	}
}

// Get returns the pool for (provider, voice), creating and warming it on
// first use.
func (m *Manager) Get(ctx context.Context, provider tts.Provider, voice string) *Pool {
	key := provider.Name() + "|" + voice

	m.mu.Lock()
	if p, ok := m.pools[key]; ok {
		m.mu.Unlock()
		return p
	}
	m.mu.Unlock()

	// Warm-up happens outside the manager lock; a racing creator may win.
	p := New(ctx, provider, voice, m.cfg)

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.pools[key]; ok {
		p.Shutdown()
		return existing
	}
	m.pools[key] = p
	return p
}

// RunMaintenance runs the maintenance pass over all pools at the given
// interval until ctx is cancelled.
func (m *Manager) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range m.snapshot() {
				p.Maintain(ctx)
			}
		}
	}
}

// Stats returns per-pool stats keyed by "provider|voice".
func (m *Manager) Stats() map[string]Stats {
	out := make(map[string]Stats)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, p := range m.pools {
		out[key] = p.Stats()
	}
	return out
}

// Shutdown terminates every pool.
func (m *Manager) Shutdown() {
	for _, p := range m.snapshot() {
		p.Shutdown()
	}
}

func (m *Manager) snapshot() []*Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p)
	}
	return out
}
