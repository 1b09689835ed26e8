package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// faultyTier wraps a MemoryTier and fails every operation when broken.
type faultyTier struct {
	*MemoryTier
	name string

	mu     sync.Mutex
	broken bool
	sets   int
}

func newFaultyTier(name string) *faultyTier {
	return &faultyTier{MemoryTier: NewMemoryTier(100, time.Minute), name: name}
}

func (t *faultyTier) Name() string { return t.name }

func (t *faultyTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	t.mu.Lock()
	broken := t.broken
	t.mu.Unlock()
	if broken {
		return nil, false, errors.New("backend down")
	}
	return t.MemoryTier.Get(ctx, key)
}

func (t *faultyTier) Set(ctx context.Context, key string, value []byte) error {
	t.mu.Lock()
	t.sets++
	broken := t.broken
	t.mu.Unlock()
	if broken {
		return errors.New("backend down")
	}
	return t.MemoryTier.Set(ctx, key, value)
}

func (t *faultyTier) Ping(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.broken {
		return errors.New("backend down")
	}
	return nil
}

func (t *faultyTier) setBroken(b bool) {
	t.mu.Lock()
	t.broken = b
	t.mu.Unlock()
}

func (t *faultyTier) setCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sets
}

func TestCache_SetWritesAllTiers(t *testing.T) {
	fast := newFaultyTier("fast")
	slow := newFaultyTier("slow")
	c := New(fast, slow)
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"))

	for _, tier := range []*faultyTier{fast, slow} {
		if _, ok, _ := tier.MemoryTier.Get(ctx, "k"); !ok {
			t.Errorf("tier %s missing the value", tier.name)
		}
	}
}

func TestCache_LowerTierHitPromotes(t *testing.T) {
	fast := newFaultyTier("fast")
	slow := newFaultyTier("slow")
	c := New(fast, slow)
	ctx := context.Background()

	// Seed only the slow tier.
	if err := slow.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, ok := c.Get(ctx, "k")
	if !ok || string(got) != "v" {
		t.Fatalf("Get = %q/%v, want hit", got, ok)
	}

	// Promotion happens in the background.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok, _ := fast.MemoryTier.Get(ctx, "k"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("value was not promoted into the fast tier")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stats := c.Stats()
	if stats.TierHits["slow"] != 1 {
		t.Errorf("slow tier hits = %d, want 1", stats.TierHits["slow"])
	}
}

func TestCache_BrokenTierDegradesSilently(t *testing.T) {
	fast := newFaultyTier("fast")
	slow := newFaultyTier("slow")
	c := New(fast, slow)
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"))
	fast.setBroken(true)

	got, ok := c.Get(ctx, "k")
	if !ok || string(got) != "v" {
		t.Fatalf("Get with broken fast tier = %q/%v, want hit from slow", got, ok)
	}

	health := c.Health(ctx)
	if health["fast"] == nil {
		t.Error("broken tier should report unhealthy")
	}
	if health["slow"] != nil {
		t.Errorf("healthy tier reported error: %v", health["slow"])
	}
}

func TestCache_Stats(t *testing.T) {
	fast := newFaultyTier("fast")
	c := New(fast)
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"))
	c.Get(ctx, "k")
	c.Get(ctx, "k")
	c.Get(ctx, "miss")

	stats := c.Stats()
	if stats.Gets != 3 || stats.Hits != 2 || stats.Sets != 1 {
		t.Errorf("stats = %+v, want gets=3 hits=2 sets=1", stats)
	}
	if ratio := stats.HitRatio(); ratio < 0.66 || ratio > 0.67 {
		t.Errorf("HitRatio = %v, want ~2/3", ratio)
	}
}

func TestCache_ContainsDoesNotCount(t *testing.T) {
	fast := newFaultyTier("fast")
	c := New(fast)
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"))
	if !c.Contains(ctx, "k") {
		t.Error("Contains should find the key")
	}
	if c.Contains(ctx, "missing") {
		t.Error("Contains should miss on an absent key")
	}
	if got := c.Stats().Gets; got != 0 {
		t.Errorf("Contains counted %d gets, want 0", got)
	}
}

func TestCache_DeleteAndClear(t *testing.T) {
	fast := newFaultyTier("fast")
	slow := newFaultyTier("slow")
	c := New(fast, slow)
	ctx := context.Background()

	c.Set(ctx, "a", []byte("1"))
	c.Set(ctx, "b", []byte("2"))

	c.Delete(ctx, "a")
	if _, ok := c.Get(ctx, "a"); ok {
		t.Error("deleted key should be a miss in every tier")
	}

	c.Clear(ctx)
	if _, ok := c.Get(ctx, "b"); ok {
		t.Error("cleared cache should miss everything")
	}
}
