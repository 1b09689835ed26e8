package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known synthesis provider names. [Validate] warns
// about names outside this list; they may be typos or third-party providers
// registered at startup.
var ValidProviderNames = []string{"elevenlabs", "openai", "piper", "mock"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Providers
	if cfg.Providers.Default == "" {
		errs = append(errs, errors.New("providers.default is required"))
	} else {
		validateProviderName(cfg.Providers.Default)
		if _, ok := cfg.Providers.Entries[cfg.Providers.Default]; !ok {
			errs = append(errs, fmt.Errorf("providers.default %q has no entry under providers.entries", cfg.Providers.Default))
		}
	}
	seen := make(map[string]bool, len(cfg.Providers.Fallbacks))
	for i, name := range cfg.Providers.Fallbacks {
		prefix := fmt.Sprintf("providers.fallbacks[%d]", i)
		validateProviderName(name)
		if name == cfg.Providers.Default {
			errs = append(errs, fmt.Errorf("%s %q duplicates providers.default", prefix, name))
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("%s %q is listed twice", prefix, name))
		}
		seen[name] = true
		if _, ok := cfg.Providers.Entries[name]; !ok {
			errs = append(errs, fmt.Errorf("%s %q has no entry under providers.entries", prefix, name))
		}
	}

	// Cache
	if cfg.Cache.KV.Enabled && cfg.Cache.KV.DSN == "" {
		errs = append(errs, errors.New("cache.kv.dsn is required when cache.kv.enabled is true"))
	}
	if cfg.Cache.Filesystem.FilesystemEnabled() && cfg.Cache.Filesystem.Dir == "" {
		slog.Warn("cache.filesystem.dir is empty; the filesystem tier will be disabled")
	}
	if cfg.Cache.Memory.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("cache.memory.max_entries %d must not be negative", cfg.Cache.Memory.MaxEntries))
	}

	// Pool
	if cfg.Pool.Min < 0 || (cfg.Pool.Max > 0 && cfg.Pool.Min > cfg.Pool.Max) {
		errs = append(errs, fmt.Errorf("pool.min %d / pool.max %d is not a valid range", cfg.Pool.Min, cfg.Pool.Max))
	}
	if cfg.Pool.ScalingThreshold < 0 || cfg.Pool.ScalingThreshold > 1 {
		errs = append(errs, fmt.Errorf("pool.scaling_threshold %.2f is out of range [0, 1]", cfg.Pool.ScalingThreshold))
	}

	// Streaming / carrier
	if cfg.Streaming.RetryBackoffFactor != 0 && cfg.Streaming.RetryBackoffFactor <= 1 {
		errs = append(errs, fmt.Errorf("streaming.retry_backoff_factor %.2f must be greater than 1", cfg.Streaming.RetryBackoffFactor))
	}
	if cfg.Carrier.BaseURL != "" && cfg.Carrier.APIKey == "" {
		slog.Warn("carrier.base_url is set but carrier.api_key is empty; carrier requests will be unauthenticated")
	}
	if cfg.Carrier.BaseURL == "" && cfg.Streaming.MaxConcurrentSessions > 0 {
		slog.Warn("streaming is configured but carrier.base_url is empty; streaming sessions will be unavailable")
	}

	// Prediction flows
	for i, flow := range cfg.Prediction.Flows {
		prefix := fmt.Sprintf("prediction.flows[%d]", i)
		if flow.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if _, ok := flow.Steps[flow.Entry]; !ok {
			errs = append(errs, fmt.Errorf("%s.entry %q is not a step of flow %q", prefix, flow.Entry, flow.Name))
		}
		for id, step := range flow.Steps {
			for cond, next := range step.Transitions {
				if _, ok := flow.Steps[next]; !ok {
					errs = append(errs, fmt.Errorf("%s.steps[%s].transitions[%s] targets unknown step %q", prefix, id, cond, next))
				}
			}
		}
	}
	if cfg.Prediction.Depth < 0 || cfg.Prediction.Depth > 5 {
		errs = append(errs, fmt.Errorf("prediction.depth %d is out of range [1, 5]", cfg.Prediction.Depth))
	}

	// Voice map sanity
	for _, byProvider := range cfg.Voices {
		for provider := range byProvider {
			validateProviderName(provider)
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames].
func validateProviderName(name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
