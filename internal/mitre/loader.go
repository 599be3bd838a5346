package mitre

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/lvonguyen/ruleforge/internal/observability"
	"github.com/lvonguyen/ruleforge/internal/stix"
)

// BundleSource supplies STIX bundles.
type BundleSource interface {
	Source() string
	Fetch(ctx context.Context) (stix.Bundle, error)
}

// SnapshotCache stores built snapshots keyed by bundle source.
// Get reports a miss as (nil, false, nil).
type SnapshotCache interface {
	Get(ctx context.Context, source string) (*Snapshot, bool, error)
	Set(ctx context.Context, source string, snap *Snapshot) error
}

// LoaderOptions holds optional collaborators. Zero values are replaced with no-ops.
type LoaderOptions struct {
	Cache   SnapshotCache
	Logger  *zap.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer
}

// Loader fetches a bundle, builds the catalog and installs it in a Store.
type Loader struct {
	source  BundleSource
	store   *Store
	cache   SnapshotCache
	logger  *zap.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// NewLoader creates a new loader.
func NewLoader(source BundleSource, store *Store, opts LoaderOptions) *Loader {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("ruleforge/mitre")
	}
	return &Loader{
		source:  source,
		store:   store,
		cache:   opts.Cache,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}
}

// Load installs a catalog in the store. A cached snapshot is used unless
// forceRefresh is set; cache failures fall through to a fresh build.
func (l *Loader) Load(ctx context.Context, forceRefresh bool) (*Snapshot, error) {
	ctx, span := l.tracer.Start(ctx, "mitre.Load", trace.WithAttributes(
		attribute.String("mitre.source", l.source.Source()),
		attribute.Bool("mitre.force_refresh", forceRefresh),
	))
	defer span.End()

	if !forceRefresh {
		if snap, ok := l.fromCache(ctx); ok {
			span.SetAttributes(attribute.Bool("mitre.cache_hit", true))
			l.install(snap)
			return snap, nil
		}
	}

	snap, err := l.build(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("mitre.techniques", snap.Catalog.Len()),
		attribute.Int("mitre.dropped", snap.Dropped),
	)

	if l.cache != nil {
		if err := l.cache.Set(ctx, l.source.Source(), snap); err != nil {
			l.logger.Warn("Failed to cache technique catalog", zap.Error(err))
		}
	}

	l.install(snap)
	return snap, nil
}

func (l *Loader) fromCache(ctx context.Context) (*Snapshot, bool) {
	if l.cache == nil {
		return nil, false
	}

	snap, ok, err := l.cache.Get(ctx, l.source.Source())
	switch {
	case err != nil:
		l.countCache("error")
		l.logger.Warn("Catalog cache lookup failed, rebuilding", zap.Error(err))
		return nil, false
	case !ok:
		l.countCache("miss")
		return nil, false
	}

	l.countCache("hit")
	l.logger.Info("Loaded technique catalog from cache",
		zap.String("snapshot_id", snap.ID),
		zap.Int("techniques", snap.Catalog.Len()),
	)
	return snap, true
}

func (l *Loader) build(ctx context.Context) (*Snapshot, error) {
	start := time.Now()

	bundle, err := l.source.Fetch(ctx)
	if err != nil {
		l.countBuild("fetch_error")
		return nil, err
	}

	res, err := BuildCatalog(bundle)
	if err != nil {
		l.countBuild("malformed")
		return nil, err
	}

	snap := NewSnapshot(l.source.Source(), res)
	if l.metrics != nil {
		l.metrics.CatalogBuildDuration.Observe(time.Since(start).Seconds())
		l.metrics.AttackPatternsDropped.Add(float64(res.Dropped))
	}
	l.countBuild("success")

	l.logger.Info("Built technique catalog",
		zap.String("snapshot_id", snap.ID),
		zap.String("source", snap.Source),
		zap.Int("techniques", res.Count),
		zap.Int("attack_patterns", res.AttackPatterns),
		zap.Int("dropped", res.Dropped),
		zap.Duration("duration", time.Since(start)),
	)
	return snap, nil
}

func (l *Loader) install(snap *Snapshot) {
	l.store.Replace(snap)
	if l.metrics == nil {
		return
	}
	l.metrics.TechniquesCatalogued.Set(float64(snap.Catalog.Len()))
	l.metrics.TechniquesByTactic.Reset()
	for _, t := range l.store.Tactics() {
		l.metrics.TechniquesByTactic.WithLabelValues(t.ShortName).Set(float64(t.Techniques))
	}
}

func (l *Loader) countBuild(status string) {
	if l.metrics != nil {
		l.metrics.CatalogBuilds.WithLabelValues(status).Inc()
	}
}

func (l *Loader) countCache(result string) {
	if l.metrics != nil {
		l.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}
