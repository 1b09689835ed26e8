package config_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/voxline-ai/voxline/internal/config"
	"github.com/voxline-ai/voxline/pkg/tts"
	"github.com/voxline-ai/voxline/pkg/tts/mock"
)

func TestRegistry_CreateRegistered(t *testing.T) {
	reg := config.NewRegistry()
	reg.Register("mock", func(entry config.ProviderEntry) (tts.Provider, error) {
		return &mock.Provider{ProviderName: "mock-" + entry.Model}, nil
	})

	p, err := reg.Create("mock", config.ProviderEntry{Model: "v1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "mock-v1" {
		t.Errorf("provider name = %q, want mock-v1", p.Name())
	}
}

func TestRegistry_CreateUnregistered(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.Create("nope", config.ProviderEntry{})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_Names(t *testing.T) {
	reg := config.NewRegistry()
	factory := func(config.ProviderEntry) (tts.Provider, error) { return &mock.Provider{}, nil }
	reg.Register("elevenlabs", factory)
	reg.Register("piper", factory)

	names := reg.Names()
	slices.Sort(names)
	want := []string{"elevenlabs", "piper"}
	if !slices.Equal(names, want) {
		t.Errorf("Names() = %v, want %v", names, want)
	}
}
