// mitremap fetches the MITRE ATT&CK enterprise bundle and maps it to a
// technique catalog keyed by technique ID.
//
// Usage:
//
//	mitremap [-config configs/config.yaml] [-url <bundle-url>[,<bundle-url>...]] [-out catalog.json] [-no-cache]
//
// Several comma-separated URLs are merged in order; later bundles win on
// duplicate technique IDs. Multi-bundle runs bypass the cache.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/lvonguyen/ruleforge/internal/cache"
	"github.com/lvonguyen/ruleforge/internal/config"
	"github.com/lvonguyen/ruleforge/internal/mitre"
	"github.com/lvonguyen/ruleforge/internal/observability"
	"github.com/lvonguyen/ruleforge/internal/stix"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mitremap", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "configs/config.yaml", "Path to config file (optional).")
	bundleURL := fs.String("url", "", "ATT&CK STIX bundle URL, or a comma-separated list. Overrides mitre.bundle_url.")
	outFile := fs.String("out", "", "Write the technique catalog as JSON to this path.")
	noCache := fs.Bool("no-cache", false, "Skip the Redis catalog cache.")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "error loading config: %v\n", err)
		return 1
	}
	urls := splitURLs(*bundleURL)
	if len(urls) > 0 {
		cfg.MITRE.BundleURL = urls[0]
	}

	logger, err := observability.NewLogger(observability.Config{
		LogLevel:  cfg.Logging.Level,
		LogFormat: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(stderr, "error creating logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	if len(urls) > 1 {
		catalog, err := buildMany(ctx, cfg.MITRE, urls)
		if err != nil {
			fmt.Fprintf(stderr, "Error fetching MITRE data: %v\n", err)
			return 1
		}
		return finish(stdout, stderr, catalog, *outFile)
	}

	fetcher := mitre.NewFetcher(sourceConfig(cfg.MITRE, cfg.MITRE.BundleURL))
	opts := mitre.LoaderOptions{Logger: logger}

	if cfg.Redis.Enabled && !*noCache {
		rc, err := cache.NewRedisCache(ctx, cfg.Redis)
		if err != nil {
			logger.Warn("Redis unavailable, building without cache", zap.Error(err))
		} else {
			defer rc.Close()
			opts.Cache = rc
		}
	}

	snap, err := mitre.NewLoader(fetcher, mitre.NewStore(), opts).Load(ctx, false)
	if err != nil {
		fmt.Fprintf(stderr, "Error fetching MITRE data from %s: %v\n", cfg.MITRE.BundleURL, err)
		return 1
	}

	return finish(stdout, stderr, snap.Catalog, *outFile)
}

func finish(stdout, stderr io.Writer, catalog mitre.Catalog, outFile string) int {
	fmt.Fprintf(stdout, "Successfully processed %d MITRE ATT&CK techniques.\n", catalog.Len())

	if outFile != "" {
		if err := writeCatalog(outFile, catalog); err != nil {
			fmt.Fprintf(stderr, "error writing catalog: %v\n", err)
			return 1
		}
	}
	return 0
}

func sourceConfig(cfg config.MITREConfig, url string) mitre.SourceConfig {
	return mitre.SourceConfig{
		BundleURL: url,
		Timeout:   cfg.Timeout,
		UserAgent: cfg.UserAgent,
	}
}

// buildMany fetches every bundle, then builds and merges them in URL order.
func buildMany(ctx context.Context, cfg config.MITREConfig, urls []string) (mitre.Catalog, error) {
	bundles := make([]stix.Bundle, 0, len(urls))
	for _, u := range urls {
		b, err := mitre.NewFetcher(sourceConfig(cfg, u)).Fetch(ctx)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, b)
	}
	return mitre.BuildAll(ctx, bundles)
}

func splitURLs(s string) []string {
	var urls []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			urls = append(urls, part)
		}
	}
	return urls
}

func writeCatalog(path string, catalog mitre.Catalog) error {
	data, err := json.MarshalIndent(catalog, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling catalog: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o644)
}
