package pool

import (
	"context"
	"testing"

	"github.com/voxline-ai/voxline/pkg/tts/mock"
)

func TestManager_GetReusesPool(t *testing.T) {
	m := NewManager(Config{WarmUpCount: 1})
	provider := &mock.Provider{}
	ctx := context.Background()

	a := m.Get(ctx, provider, "v1")
	b := m.Get(ctx, provider, "v1")
	if a != b {
		t.Error("same (provider, voice) should map to the same pool")
	}

	c := m.Get(ctx, provider, "v2")
	if c == a {
		t.Error("different voices should get separate pools")
	}
}

func TestManager_StatsKeys(t *testing.T) {
	m := NewManager(Config{WarmUpCount: 1})
	ctx := context.Background()

	m.Get(ctx, &mock.Provider{ProviderName: "eleven"}, "rachel")
	m.Get(ctx, &mock.Provider{ProviderName: "openai"}, "alloy")

	stats := m.Stats()
	if len(stats) != 2 {
		t.Fatalf("stats has %d pools, want 2", len(stats))
	}
	for _, key := range []string{"eleven|rachel", "openai|alloy"} {
		if _, ok := stats[key]; !ok {
			t.Errorf("stats missing pool %q", key)
		}
	}
}

func TestManager_Shutdown(t *testing.T) {
	m := NewManager(Config{WarmUpCount: 1})
	ctx := context.Background()

	p := m.Get(ctx, &mock.Provider{}, "v1")
	m.Shutdown()

	if p.Size() != 0 {
		t.Errorf("pool size = %d after manager shutdown, want 0", p.Size())
	}
}
