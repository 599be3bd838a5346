// Package main provides the entry point for the RuleForge server.
// It serves the MITRE ATT&CK technique catalog and detection rule validation.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/ruleforge/internal/api"
	"github.com/lvonguyen/ruleforge/internal/api/gateway"
	"github.com/lvonguyen/ruleforge/internal/cache"
	"github.com/lvonguyen/ruleforge/internal/config"
	"github.com/lvonguyen/ruleforge/internal/mitre"
	"github.com/lvonguyen/ruleforge/internal/observability"
	"github.com/lvonguyen/ruleforge/internal/repository"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("RuleForge %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	tel, err := observability.New(observability.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.Telemetry.Environment,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error initializing telemetry: %v\n", err)
		os.Exit(1)
	}
	logger := tel.Logger()

	logger.Info("Starting RuleForge",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("config", *configPath),
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel.StartSystemMetricsCollector(ctx)

	store := mitre.NewStore()
	loaderOpts := mitre.LoaderOptions{
		Logger:  logger,
		Metrics: tel.Metrics(),
		Tracer:  tel.Tracer(),
	}

	var limiter *gateway.RateLimiter
	if cfg.Redis.Enabled {
		rc, err := cache.NewRedisCache(ctx, cfg.Redis)
		if err != nil {
			logger.Warn("Redis unavailable, continuing without catalog cache or rate limiting", zap.Error(err))
		} else {
			defer rc.Close()
			loaderOpts.Cache = rc
			logger.Info("Redis catalog cache enabled", zap.String("addr", cfg.Redis.Addr))

			if cfg.RateLimit.Enabled {
				limiter = gateway.NewRateLimiter(rc.Client(), gateway.RateLimitConfig{
					RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
					RouteCosts:        cfg.RateLimit.RouteCosts,
					IncludeHeaders:    cfg.RateLimit.IncludeHeaders,
				}, logger)
			}
		}
	}

	fetcher := mitre.NewFetcher(mitre.SourceConfig{
		BundleURL: cfg.MITRE.BundleURL,
		Timeout:   cfg.MITRE.Timeout,
		UserAgent: cfg.MITRE.UserAgent,
	})
	loader := mitre.NewLoader(fetcher, store, loaderOpts)

	if cfg.MITRE.LoadOnStartup {
		// Not fatal: /ready reports 503 and the catalog can be loaded via reload.
		if _, err := loader.Load(ctx, false); err != nil {
			logger.Error("Initial catalog load failed", zap.Error(err))
		}
	}

	var repos *repository.Manager
	if cfg.Repos.Enabled {
		repos, err = setupRepositories(ctx, cfg, logger)
		if err != nil {
			logger.Warn("Rule repository manager initialization failed", zap.Error(err))
		}
	}

	apiOpts := api.Options{
		Version:        Version,
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		Workers:        cfg.Validation.Workers,
		Store:          store,
		Loader:         loader,
		Logger:         logger,
		Metrics:        tel.Metrics(),
		RateLimiter:    limiter,
		Repos:          repos,
	}
	if tel.MetricsEnabled() {
		apiOpts.MetricsHandler = tel.MetricsHandler()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewServer(apiOpts).Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	sig := <-sigChan
	logger.Info("Shutting down", zap.String("signal", sig.String()))
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Error("Telemetry shutdown error", zap.Error(err))
	}

	logger.Info("Server stopped")
}

// setupRepositories registers the configured rule repositories and, when
// asked, syncs them in the background.
func setupRepositories(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*repository.Manager, error) {
	repos, err := repository.NewManager(cfg.Repos.BasePath, logger)
	if err != nil {
		return nil, err
	}

	for _, rc := range cfg.Repos.Repositories {
		err := repos.Register(repository.Repository{
			Name:      rc.Name,
			RemoteURL: rc.RemoteURL,
			Branch:    rc.Branch,
			Depth:     rc.Depth,
			RulesDir:  cfg.RulesDir(rc),
		})
		if err != nil {
			logger.Warn("Skipping rule repository", zap.String("repository", rc.Name), zap.Error(err))
		}
	}
	logger.Info("Rule repository manager initialized", zap.Int("repositories", len(repos.List())))

	if cfg.Repos.SyncOnStartup {
		go func() {
			for _, repo := range repos.List() {
				if _, err := repos.Sync(ctx, repo.Name); err != nil {
					logger.Warn("Startup sync failed", zap.String("repository", repo.Name), zap.Error(err))
				}
			}
		}()
	}
	return repos, nil
}
