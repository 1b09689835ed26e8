package config_test

import (
	"testing"

	"github.com/voxline-ai/voxline/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Providers: config.ProvidersConfig{
			Default: "mock",
			Entries: map[string]config.ProviderEntry{"mock": {}},
		},
		DefaultVoice: "calm_female",
		Voices: map[string]map[string]string{
			"calm_female": {"elevenlabs": "abc", "openai": "alloy"},
		},
		Prediction: config.PredictionConfig{
			Flows: []config.FlowConfig{{
				Name:  "order_confirmation",
				Entry: "greeting",
				Steps: map[string]config.StepConfig{
					"greeting": {Phrases: []string{"Hello."}},
				},
			}},
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	d := config.Diff(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Errorf("diff of identical configs should be empty, got %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	newCfg := baseConfig()
	newCfg.Server.LogLevel = config.LogDebug

	d := config.Diff(baseConfig(), newCfg)
	if !d.LogLevelChanged {
		t.Fatal("LogLevelChanged should be true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q, want debug", d.NewLogLevel)
	}
}

func TestDiff_DefaultVoice(t *testing.T) {
	newCfg := baseConfig()
	newCfg.DefaultVoice = "bright_male"

	d := config.Diff(baseConfig(), newCfg)
	if !d.VoicesChanged {
		t.Error("changing default_voice should flag VoicesChanged")
	}
}

func TestDiff_VoiceMap(t *testing.T) {
	newCfg := baseConfig()
	newCfg.Voices["calm_female"]["openai"] = "nova"

	d := config.Diff(baseConfig(), newCfg)
	if !d.VoicesChanged {
		t.Error("changing a voice mapping should flag VoicesChanged")
	}
}

func TestDiff_FlowAdded(t *testing.T) {
	newCfg := baseConfig()
	newCfg.Prediction.Flows = append(newCfg.Prediction.Flows, config.FlowConfig{
		Name:  "payment_reminder",
		Entry: "intro",
		Steps: map[string]config.StepConfig{"intro": {}},
	})

	d := config.Diff(baseConfig(), newCfg)
	if len(d.FlowsChanged) != 1 {
		t.Fatalf("FlowsChanged = %+v, want 1 entry", d.FlowsChanged)
	}
	fd := d.FlowsChanged[0]
	if fd.Name != "payment_reminder" || !fd.Added {
		t.Errorf("flow diff = %+v, want Added payment_reminder", fd)
	}
}

func TestDiff_FlowRemoved(t *testing.T) {
	newCfg := baseConfig()
	newCfg.Prediction.Flows = nil

	d := config.Diff(baseConfig(), newCfg)
	if len(d.FlowsChanged) != 1 || !d.FlowsChanged[0].Removed {
		t.Fatalf("FlowsChanged = %+v, want one Removed entry", d.FlowsChanged)
	}
}

func TestDiff_FlowModified(t *testing.T) {
	newCfg := baseConfig()
	newCfg.Prediction.Flows[0].Steps["greeting"] = config.StepConfig{
		Phrases: []string{"Hello.", "Good morning."},
	}

	d := config.Diff(baseConfig(), newCfg)
	if len(d.FlowsChanged) != 1 || !d.FlowsChanged[0].Modified {
		t.Fatalf("FlowsChanged = %+v, want one Modified entry", d.FlowsChanged)
	}
}
