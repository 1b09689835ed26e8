package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryTier_SetGet(t *testing.T) {
	tier := NewMemoryTier(10, time.Minute)
	ctx := context.Background()

	if err := tier.Set(ctx, "k1", []byte("audio")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := tier.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("Get = %v/%v, want hit", ok, err)
	}
	if string(got) != "audio" {
		t.Errorf("value = %q, want audio", got)
	}

	if _, ok, _ := tier.Get(ctx, "missing"); ok {
		t.Error("missing key should be a miss")
	}
}

func TestMemoryTier_LRUEviction(t *testing.T) {
	tier := NewMemoryTier(3, time.Minute)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		if err := tier.Set(ctx, k, []byte(k)); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}

	// Touch "a" so "b" becomes least recently used.
	if _, ok, _ := tier.Get(ctx, "a"); !ok {
		t.Fatal("a should be present")
	}

	if err := tier.Set(ctx, "d", []byte("d")); err != nil {
		t.Fatalf("Set d: %v", err)
	}

	if _, ok, _ := tier.Get(ctx, "b"); ok {
		t.Error("b should have been evicted as least recently used")
	}
	for _, k := range []string{"a", "c", "d"} {
		if _, ok, _ := tier.Get(ctx, k); !ok {
			t.Errorf("%s should have survived eviction", k)
		}
	}
}

func TestMemoryTier_TTLExpiry(t *testing.T) {
	tier := NewMemoryTier(10, 10*time.Millisecond)
	ctx := context.Background()

	tier.Set(ctx, "k", []byte("v"))
	time.Sleep(25 * time.Millisecond)

	if _, ok, _ := tier.Get(ctx, "k"); ok {
		t.Error("expired entry should be a miss")
	}
	if tier.Len() != 0 {
		t.Errorf("Len = %d after expiry-on-access, want 0", tier.Len())
	}
}

func TestMemoryTier_Sweep(t *testing.T) {
	tier := NewMemoryTier(10, 10*time.Millisecond)
	ctx := context.Background()

	tier.Set(ctx, "old1", []byte("v"))
	tier.Set(ctx, "old2", []byte("v"))
	time.Sleep(25 * time.Millisecond)
	tier.Set(ctx, "fresh", []byte("v"))

	if n := tier.Sweep(); n != 2 {
		t.Errorf("Sweep = %d, want 2", n)
	}
	if _, ok, _ := tier.Get(ctx, "fresh"); !ok {
		t.Error("fresh entry should survive the sweep")
	}
}

func TestMemoryTier_OverwriteKeepsSingleEntry(t *testing.T) {
	tier := NewMemoryTier(10, time.Minute)
	ctx := context.Background()

	tier.Set(ctx, "k", []byte("first"))
	tier.Set(ctx, "k", []byte("second"))

	if tier.Len() != 1 {
		t.Errorf("Len = %d after overwrite, want 1", tier.Len())
	}
	got, _, _ := tier.Get(ctx, "k")
	if string(got) != "second" {
		t.Errorf("value = %q, want second", got)
	}
}

func TestMemoryTier_Clear(t *testing.T) {
	tier := NewMemoryTier(10, time.Minute)
	ctx := context.Background()

	tier.Set(ctx, "a", []byte("1"))
	tier.Set(ctx, "b", []byte("2"))
	if err := tier.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if tier.Len() != 0 {
		t.Errorf("Len = %d after Clear, want 0", tier.Len())
	}
}
