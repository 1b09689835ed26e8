// Command voxline is the main entry point for the Voxline speech server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxline-ai/voxline/internal/app"
	"github.com/voxline-ai/voxline/internal/config"
	"github.com/voxline-ai/voxline/internal/observe"
	"github.com/voxline-ai/voxline/pkg/tts"
	"github.com/voxline-ai/voxline/pkg/tts/elevenlabs"
	"github.com/voxline-ai/voxline/pkg/tts/mock"
	"github.com/voxline-ai/voxline/pkg/tts/openai"
	"github.com/voxline-ai/voxline/pkg/tts/piper"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", false, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxline: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxline: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := newLevelVar(cfg.Server.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("voxline starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"provider", cfg.Providers.Default,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.Setup(ctx, observe.TelemetryConfig{})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload (optional) ──────────────────────────────────────────
	var watcher *config.Watcher
	if *watch {
		watcher, err = config.NewWatcher(*configPath, func(old, new *config.Config) {
			diff := config.Diff(old, new)
			if diff.Empty() {
				return
			}
			if diff.LogLevelChanged {
				logLevel.Set(slogLevel(diff.NewLogLevel))
				slog.Info("log level changed", "level", diff.NewLogLevel)
			}
			if diff.VoicesChanged {
				application.Engine().SetVoices(new.DefaultVoice, new.Voices)
				slog.Info("voice map reloaded")
			}
			if len(diff.FlowsChanged) > 0 {
				slog.Warn("flow changes require a restart", "flows", len(diff.FlowsChanged))
			}
		})
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			return 1
		}
		defer watcher.Stop()
		slog.Info("config watcher running", "path", *configPath)
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in synthesis provider factories
// into reg. Each factory receives a config.ProviderEntry and constructs the
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	reg.Register("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if format := entry.Options["output_format"]; format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.Register("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if entry.Voice != "" {
			opts = append(opts, openai.WithDefaultVoice(entry.Voice))
		}
		return openai.New(entry.APIKey, opts...)
	})

	// piper is a local server; it uses BaseURL for the address, not an API key.
	reg.Register("piper", func(entry config.ProviderEntry) (tts.Provider, error) {
		return piper.New(entry.BaseURL), nil
	})

	reg.Register("mock", func(entry config.ProviderEntry) (tts.Provider, error) {
		return &mock.Provider{}, nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered provider", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Voxline — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEntry("Provider", providerLabel(cfg, cfg.Providers.Default))
	for i, name := range cfg.Providers.Fallbacks {
		printEntry(fmt.Sprintf("Fallback %d", i+1), providerLabel(cfg, name))
	}
	printEntry("KV cache", onOff(cfg.Cache.KV.Enabled))
	printEntry("FS cache", onOff(cfg.Cache.Filesystem.FilesystemEnabled()))
	printEntry("Prediction", onOff(cfg.Prediction.PredictionEnabled()))
	if cfg.Carrier.BaseURL != "" {
		printEntry("Carrier", "configured")
	} else {
		printEntry("Carrier", "(disabled)")
	}
	printEntry("Flows", fmt.Sprintf("%d", len(cfg.Prediction.Flows)))
	if cfg.Server.ListenAddr != "" {
		printEntry("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(cfg *config.Config, name string) string {
	if name == "" {
		return "(not configured)"
	}
	if entry, ok := cfg.Providers.Entries[name]; ok && entry.Model != "" {
		return name + " / " + entry.Model
	}
	return name
}

func printEntry(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", kind, value)
}

func onOff(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "(disabled)"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLevelVar(level config.LogLevel) *slog.LevelVar {
	v := new(slog.LevelVar)
	v.Set(slogLevel(level))
	return v
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
