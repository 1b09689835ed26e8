package config

import "maps"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoicesChanged is true when the voice map or default voice changed.
	VoicesChanged bool

	// FlowsChanged lists prediction flows that were added, removed, or
	// modified.
	FlowsChanged []FlowDiff
}

// FlowDiff describes what changed for a single prediction flow.
type FlowDiff struct {
	Name     string
	Added    bool
	Removed  bool
	Modified bool
}

// Empty reports whether no hot-reloadable change was detected.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VoicesChanged && len(d.FlowsChanged) == 0
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(oldCfg, newCfg *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if oldCfg.Server.LogLevel != newCfg.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = newCfg.Server.LogLevel
	}

	// Voice map and default voice
	if oldCfg.DefaultVoice != newCfg.DefaultVoice || !voicesEqual(oldCfg.Voices, newCfg.Voices) {
		d.VoicesChanged = true
	}

	// Prediction flows keyed by name.
	oldFlows := make(map[string]FlowConfig, len(oldCfg.Prediction.Flows))
	for _, f := range oldCfg.Prediction.Flows {
		oldFlows[f.Name] = f
	}
	newFlows := make(map[string]FlowConfig, len(newCfg.Prediction.Flows))
	for _, f := range newCfg.Prediction.Flows {
		newFlows[f.Name] = f
	}
	for name, nf := range newFlows {
		of, ok := oldFlows[name]
		switch {
		case !ok:
			d.FlowsChanged = append(d.FlowsChanged, FlowDiff{Name: name, Added: true})
		case !flowsEqual(of, nf):
			d.FlowsChanged = append(d.FlowsChanged, FlowDiff{Name: name, Modified: true})
		}
	}
	for name := range oldFlows {
		if _, ok := newFlows[name]; !ok {
			d.FlowsChanged = append(d.FlowsChanged, FlowDiff{Name: name, Removed: true})
		}
	}

	return d
}

func voicesEqual(a, b map[string]map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for id, av := range a {
		bv, ok := b[id]
		if !ok || !maps.Equal(av, bv) {
			return false
		}
	}
	return true
}

func flowsEqual(a, b FlowConfig) bool {
	if a.Entry != b.Entry || len(a.Steps) != len(b.Steps) {
		return false
	}
	for id, as := range a.Steps {
		bs, ok := b.Steps[id]
		if !ok || !stepsEqual(as, bs) {
			return false
		}
	}
	return true
}

func stepsEqual(a, b StepConfig) bool {
	if len(a.Phrases) != len(b.Phrases) || !maps.Equal(a.Transitions, b.Transitions) {
		return false
	}
	for i := range a.Phrases {
		if a.Phrases[i] != b.Phrases[i] {
			return false
		}
	}
	return true
}
