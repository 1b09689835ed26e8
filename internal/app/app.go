// Package app wires all voxline subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the background loops and HTTP server, and
// Shutdown tears everything down in order.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxline-ai/voxline/internal/cache"
	"github.com/voxline-ai/voxline/internal/carrier"
	"github.com/voxline-ai/voxline/internal/config"
	"github.com/voxline-ai/voxline/internal/dialog"
	"github.com/voxline-ai/voxline/internal/engine"
	"github.com/voxline-ai/voxline/internal/events"
	"github.com/voxline-ai/voxline/internal/health"
	"github.com/voxline-ai/voxline/internal/observe"
	"github.com/voxline-ai/voxline/internal/pool"
	"github.com/voxline-ai/voxline/internal/predict"
	"github.com/voxline-ai/voxline/internal/quality"
	"github.com/voxline-ai/voxline/internal/resilience"
	"github.com/voxline-ai/voxline/pkg/tts"
)

// maintenanceInterval drives the cache sweep, pool maintenance, and idle
// session reaping loops.
const maintenanceInterval = 30 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	bus     *events.Bus
	cache   *cache.Cache
	ctrl    *resilience.Controller
	pools   *pool.Manager
	carrier *carrier.Client
	streams *carrier.Manager
	engine  *engine.Engine
	predict *predict.Generator
	quality *quality.Monitor

	unobserve func()

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCache injects a cache instead of building the configured tiers.
func WithCache(c *cache.Cache) Option {
	return func(a *App) { a.cache = c }
}

// WithCarrierClient injects a carrier client instead of creating one from
// config.
func WithCarrierClient(c *carrier.Client) Option {
	return func(a *App) { a.carrier = c }
}

// New creates an App by wiring all subsystems together. Providers are
// instantiated through the registry from the config's provider entries.
func New(ctx context.Context, cfg *config.Config, registry *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		bus: events.NewBus(),
	}
	for _, o := range opts {
		o(a)
	}

	primary, fallbacks, err := a.buildProviders(registry)
	if err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	if a.cache == nil {
		if err := a.initCache(ctx); err != nil {
			return nil, fmt.Errorf("app: init cache: %w", err)
		}
	}

	a.ctrl = resilience.NewController(primary, fallbacks, resilience.Config{
		MaxFailures:         cfg.Fallback.MaxFailures,
		HealthCheckInterval: time.Duration(cfg.Fallback.HealthCheckIntervalSeconds) * time.Second,
		RecoveryBackoffBase: time.Duration(cfg.Fallback.RecoveryBackoffBaseSeconds) * time.Second,
	})

	a.pools = pool.NewManager(pool.Config{
		MinSize:          cfg.Pool.Min,
		MaxSize:          cfg.Pool.Max,
		TTL:              time.Duration(cfg.Pool.TTLSeconds) * time.Second,
		WarmUpCount:      cfg.Pool.WarmUp,
		CoolDown:         time.Duration(cfg.Pool.CoolDownSeconds) * time.Second,
		ScalingThreshold: cfg.Pool.ScalingThreshold,
	})

	a.initCarrier()

	a.engine = engine.New(engine.Config{
		DefaultVoice: cfg.DefaultVoice,
		Voices:       engine.VoiceMap(cfg.Voices),
		Fragmenter: dialog.Config{
			MinFragmentSize:       cfg.Dialog.MinFragmentSize,
			InitialFragmentLength: cfg.Dialog.InitialFragmentLength,
			MaxSentenceLength:     cfg.Dialog.MaxSentenceLength,
			InterSentencePause:    time.Duration(cfg.Dialog.InterSentencePauseMS) * time.Millisecond,
			EndOfTurnPause:        time.Duration(cfg.Dialog.EndOfTurnPauseMS) * time.Millisecond,
		},
	}, a.ctrl, a.cache, a.pools, a.carrier, a.bus, slog.Default())

	a.quality = quality.NewMonitor(a.bus, cfg.Quality.MetricsDir, slog.Default())
	a.closers = append(a.closers, func() error {
		a.quality.Close()
		return nil
	})

	if cfg.Prediction.PredictionEnabled() {
		if err := a.initPrediction(primary); err != nil {
			return nil, fmt.Errorf("app: init prediction: %w", err)
		}
	}

	a.unobserve = observe.Instrument(a.bus, observe.DefaultMetrics())
	a.closers = append(a.closers, func() error {
		a.unobserve()
		return nil
	})

	return a, nil
}

// buildProviders instantiates the primary and fallback providers through the
// registry.
func (a *App) buildProviders(registry *config.Registry) (tts.Provider, []tts.Provider, error) {
	pcfg := a.cfg.Providers

	primary, err := registry.Create(pcfg.Default, pcfg.Entries[pcfg.Default])
	if err != nil {
		return nil, nil, fmt.Errorf("create provider %q: %w", pcfg.Default, err)
	}

	var fallbacks []tts.Provider
	for _, name := range pcfg.Fallbacks {
		p, err := registry.Create(name, pcfg.Entries[name])
		if err != nil {
			return nil, nil, fmt.Errorf("create fallback provider %q: %w", name, err)
		}
		fallbacks = append(fallbacks, p)
	}
	return primary, fallbacks, nil
}

// initCache assembles the configured cache tiers in probe order.
func (a *App) initCache(ctx context.Context) error {
	var tiers []cache.Tier

	mem := a.cfg.Cache.Memory
	tiers = append(tiers, cache.NewMemoryTier(mem.MaxEntries,
		time.Duration(mem.TTLSeconds)*time.Second))

	if kv := a.cfg.Cache.KV; kv.Enabled {
		tier, err := cache.NewKVTier(ctx, kv.DSN, kv.Prefix,
			time.Duration(kv.TTLSeconds)*time.Second)
		if err != nil {
			return fmt.Errorf("kv tier: %w", err)
		}
		tiers = append(tiers, tier)
		a.closers = append(a.closers, func() error {
			tier.Close()
			return nil
		})
	}

	if fs := a.cfg.Cache.Filesystem; fs.FilesystemEnabled() && fs.Dir != "" {
		tier, err := cache.NewFilesystemTier(fs.Dir, fs.MaxBytes,
			time.Duration(fs.TTLSeconds)*time.Second)
		if err != nil {
			return fmt.Errorf("filesystem tier: %w", err)
		}
		tiers = append(tiers, tier)
	}

	a.cache = cache.New(tiers...)
	return nil
}

// initCarrier creates the carrier client and streaming session manager when
// a carrier is configured.
func (a *App) initCarrier() {
	if a.carrier == nil {
		if a.cfg.Carrier.BaseURL == "" {
			return
		}
		a.carrier = carrier.NewClient(a.cfg.Carrier.BaseURL, a.cfg.Carrier.APIKey,
			carrier.WithRetry(a.cfg.Streaming.RetryAttempts, a.cfg.Streaming.RetryBackoffFactor))
	}

	a.streams = carrier.NewManager(a.carrier, a.bus, carrier.StreamConfig{
		MaxConcurrentSessions: a.cfg.Streaming.MaxConcurrentSessions,
		SessionTimeout:        time.Duration(a.cfg.Streaming.SessionTimeoutSeconds) * time.Second,
		DrainTimeout:          time.Duration(a.cfg.Streaming.DrainTimeoutSeconds) * time.Second,
	}, slog.Default())
}

// initPrediction builds the generator and registers the configured flows.
// Prediction synthesizes directly against the primary provider so its cache
// keys match what the facade computes for it.
func (a *App) initPrediction(primary tts.Provider) error {
	voice := a.cfg.DefaultVoice
	if entry, ok := a.cfg.Providers.Entries[primary.Name()]; ok && entry.Voice != "" {
		voice = entry.Voice
	}

	a.predict = predict.NewGenerator(primary, a.cache, predict.Config{
		Depth:   a.cfg.Prediction.Depth,
		Workers: a.cfg.Prediction.Workers,
		Voice:   voice,
	}, slog.Default())

	for _, fc := range a.cfg.Prediction.Flows {
		steps := make(map[string]predict.Step, len(fc.Steps))
		for id, sc := range fc.Steps {
			steps[id] = predict.Step{Phrases: sc.Phrases, Transitions: sc.Transitions}
		}
		if err := a.predict.RegisterFlow(predict.Flow{
			Name: fc.Name, EntryStep: fc.Entry, Steps: steps,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Engine returns the synthesis facade.
func (a *App) Engine() *engine.Engine { return a.engine }

// Run starts the HTTP server and all background loops, blocking until ctx is
// cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	grp, ctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		a.ctrl.RunHealthLoop(ctx)
		return nil
	})
	grp.Go(func() error {
		a.cache.RunMaintenance(ctx, maintenanceInterval)
		return nil
	})
	grp.Go(func() error {
		a.pools.RunMaintenance(ctx, maintenanceInterval)
		return nil
	})
	if a.streams != nil {
		grp.Go(func() error {
			a.streams.RunMaintenance(ctx, maintenanceInterval)
			return nil
		})
	}
	if a.predict != nil {
		grp.Go(func() error {
			return a.predict.Run(ctx)
		})
	}

	// HTTP surface: control API, health probes, Prometheus metrics.
	mux := http.NewServeMux()
	a.registerRoutes(mux)
	a.healthHandler().Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: observe.Middleware(observe.DefaultMetrics())(mux),
	}

	grp.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	grp.Go(func() error {
		var err error
		if tlsCfg := a.cfg.Server.TLS; tlsCfg != nil {
			err = srv.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	slog.Info("voxline running",
		"addr", a.cfg.Server.ListenAddr,
		"provider", a.ctrl.CurrentName(),
		"carrier", a.cfg.Carrier.BaseURL != "")
	return grp.Wait()
}

// healthHandler assembles the readiness checkers for the configured
// subsystems.
func (a *App) healthHandler() *health.Handler {
	checkers := []health.Checker{
		health.ProvidersChecker(a.ctrl),
		health.CacheChecker(a.cache),
	}
	if a.carrier != nil {
		checkers = append(checkers, health.CarrierChecker(a.carrier))
	}
	return health.New(checkers...)
}

// Shutdown tears down all subsystems in dependency order: the predictive
// generator stops first (it only fills the cache), then the pools, then the
// streaming sessions drain, then the quality monitor detaches.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		a.pools.Shutdown()
		if a.streams != nil {
			a.streams.Shutdown(ctx)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
