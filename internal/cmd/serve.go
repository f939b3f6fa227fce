package cmd

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quotaguard/quotaguard/internal/config"
	"github.com/quotaguard/quotaguard/internal/core/cache"
	"github.com/quotaguard/quotaguard/internal/core/engine"
	"github.com/quotaguard/quotaguard/internal/core/registry"
	"github.com/quotaguard/quotaguard/internal/core/store"
	"github.com/quotaguard/quotaguard/internal/core/tracker"
	"github.com/quotaguard/quotaguard/internal/core/upstream"
	errwrap "github.com/quotaguard/quotaguard/internal/errors"
	"github.com/quotaguard/quotaguard/internal/metrics"
	"github.com/quotaguard/quotaguard/internal/observability"
	"github.com/quotaguard/quotaguard/internal/server"
	"github.com/quotaguard/quotaguard/internal/server/handlers"
)

var (
	serverPort    int
	serverHost    string
	endpointsFile string
)

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

// storeHealthChecker pings the state store.
type storeHealthChecker struct {
	db *store.Store
}

func (s storeHealthChecker) CheckHealth(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// cacheHealthChecker pings the response cache backend.
type cacheHealthChecker struct {
	cache *cache.Cache
}

func (c cacheHealthChecker) CheckHealth(ctx context.Context) error {
	return c.cache.Ping(ctx)
}

// mediator holds the wired request path.
type mediator struct {
	db        *store.Store
	registry  *registry.Registry
	tracker   *tracker.Tracker
	cache     *cache.Cache
	scheduler *engine.Scheduler
	pipeline  *engine.Pipeline

	closeCache func() error
}

func buildMediator(ctx context.Context, cfg *config.Config, logger observability.Logger) (*mediator, error) {
	db, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	responseCache, closeCache, err := cache.Open(ctx, cfg.Cache, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	reg := registry.New(db, logger)
	trk := tracker.New(db, logger)
	scheduler := &engine.Scheduler{}
	transport := upstream.NewClient(cfg.Upstream.Timeout, cfg.Upstream.UserAgent, cfg.Upstream.MaxResponseSize)

	orchestrator := &engine.Orchestrator{
		Transport: transport,
		Scheduler: scheduler,
		Logger:    logger,
	}

	pipeline := &engine.Pipeline{
		Registry:  reg,
		Tracker:   trk,
		Cache:     responseCache,
		Admission: scheduler,
		Caller:    orchestrator,
		Defaults:  cfg.EndpointDefaults(),
		Logger:    logger,
	}

	return &mediator{
		db:         db,
		registry:   reg,
		tracker:    trk,
		cache:      responseCache,
		scheduler:  scheduler,
		pipeline:   pipeline,
		closeCache: closeCache,
	}, nil
}

func (m *mediator) Close() error {
	var firstErr error
	if m.closeCache != nil {
		firstErr = m.closeCache()
	}
	if err := m.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// seedEndpoints inserts configs from the endpoints file. Existing configs
// are left untouched.
func seedEndpoints(ctx context.Context, reg *registry.Registry, cfg *config.Config, logger observability.Logger) error {
	path := strings.TrimSpace(cfg.EndpointsFile)
	if path == "" {
		return nil
	}

	configs, err := registry.LoadSeedFile(path, cfg.EndpointDefaults())
	if err != nil {
		return err
	}
	created, err := reg.Seed(ctx, configs)
	if err != nil {
		return err
	}

	logger.Info("Seeded endpoint configs",
		zap.String("file", path),
		zap.Int("declared", len(configs)),
		zap.Int("created", created))
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the mediation server",
	Long: `Start the HTTP server that mediates calls to upstream APIs.

Every path other than /health*, /version, /metrics and /admin/* is proxied
through the quota pipeline.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Re-read config and insert new endpoints file entries`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		overrides := map[string]any{}
		if cmd.Flags().Changed("host") {
			overrides["server.host"] = serverHost
		}
		if cmd.Flags().Changed("port") {
			overrides["server.port"] = serverPort
		}
		if cmd.Flags().Changed("endpoints-file") {
			overrides["endpoints_file"] = endpointsFile
		}

		cfg, err := loadConfig(ctx, overrides)
		if err != nil {
			return errwrap.WrapInvalidInput(ctx, err, "configuration is invalid")
		}

		observability.InitServerLogger(config.AppName, cfg.Logging.Level, cfg.Logging.Profile, config.AppName)
		logger := observability.Server()

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(config.AppName, cfg.Metrics.Port, config.AppName); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
			}
			metrics.SetServerStartTime(time.Now().Unix())
		}

		m, err := buildMediator(ctx, cfg, logger)
		if err != nil {
			return errwrap.WrapDatabaseError(ctx, err, "state initialization failed")
		}

		if err := seedEndpoints(ctx, m.registry, cfg, logger); err != nil {
			_ = m.Close()
			return errwrap.WrapInvalidInput(ctx, err, "endpoints file could not be loaded")
		}

		logger.Info("Initializing server",
			zap.String("service", config.AppName),
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.String("store_driver", m.db.Driver()),
			zap.String("cache_backend", cfg.Cache.Backend),
			zap.Bool("metrics_enabled", cfg.Metrics.Enabled),
			zap.Int("metrics_port", cfg.Metrics.Port))

		handlers.InitHealthManager(versionInfo.Version)
		hm := handlers.GetHealthManager()
		hm.RegisterChecker("store", storeHealthChecker{db: m.db})
		hm.RegisterChecker("cache", cacheHealthChecker{cache: m.cache})
		if cfg.Metrics.Enabled {
			hm.RegisterChecker("telemetry", telemetryHealthChecker{})
		}

		handlers.SetAppName(config.AppName)

		srv := server.New(cfg.Server, server.Options{
			Proxy: &handlers.ProxyHandler{
				Mediator:       m.pipeline,
				RequestTimeout: cfg.Server.RequestTimeout,
				MaxBodyBytes:   cfg.Server.MaxBodyBytes,
				Logger:         logger,
			},
			Admin: &handlers.AdminHandler{
				Endpoints: m.registry,
				Usage:     m.tracker,
				Cache:     m.cache,
				Scheduler: m.scheduler,
				Logger:    logger,
			},
			AdminToken:     cfg.Admin.Token,
			AdminRateLimit: cfg.Admin.RateLimit,
			AdminRateBurst: cfg.Admin.RateBurst,
		})

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 10 * time.Second
		}

		// Shutdown handlers run LIFO: server first, then state, then logs.
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Flushing logger...")
			observability.SyncLoggers()
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			if cfg.Metrics.Enabled {
				if err := observability.StopMetrics(); err != nil {
					logger.Warn("Metrics exporter stop returned error", zap.Error(err))
				}
			}
			if err := m.Close(); err != nil {
				logger.Warn("Closing state returned error", zap.Error(err))
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}

			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			logger.Info("Received SIGHUP: reloading configuration")

			reloaded, err := loadConfig(ctx, overrides)
			if err != nil {
				logger.Error("Failed to reload config", zap.Error(err))
				return errwrap.WrapInvalidInput(ctx, err, "config reload failed")
			}

			// Listener, store, cache and default settings need a restart.
			// New entries in the endpoints file are inserted live.
			if err := seedEndpoints(ctx, m.registry, reloaded, logger); err != nil {
				logger.Error("Failed to re-seed endpoints", zap.Error(err))
				return errwrap.WrapInvalidInput(ctx, err, "endpoints reload failed")
			}

			logger.Info("Configuration reloaded",
				zap.String("file", config.ConfigFileUsed(cfgFile)))
			return nil
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		errChan := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				errChan <- err
			}
		}()

		go func() {
			if err := signals.Listen(ctx); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			return errwrap.WrapInternal(ctx, err, "server error")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host (overrides server.host)")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port (overrides server.port)")
	serveCmd.Flags().StringVar(&endpointsFile, "endpoints-file", "", "YAML file of endpoint configs to seed (overrides endpoints_file)")
}
