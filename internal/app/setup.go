// Package app wires the cache manager and its collaborators from the
// application configuration.
package app

import (
	"context"
	"fmt"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/thumbcache/actions"
	"github.com/briangreenhill/thumbcache/cache"
	"github.com/briangreenhill/thumbcache/internal/config"
	"github.com/briangreenhill/thumbcache/internal/metrics"
	"github.com/briangreenhill/thumbcache/internal/notify"
	"github.com/briangreenhill/thumbcache/internal/wpdb"
	"github.com/briangreenhill/thumbcache/thumb"
)

// App holds the wired components shared by the entrypoints.
type App struct {
	Manager *cache.Manager
	Actions *actions.Registry
	Stats   *metrics.LatencyTracker
	DB      *wpdb.DB // nil without DATABASE_URL
}

// Option tweaks Setup.
type Option func(*options)

type options struct {
	fs   billy.Filesystem
	sink cache.Sink
	site *wpdb.Memory
}

// WithFilesystem replaces the host filesystem.
func WithFilesystem(fs billy.Filesystem) Option {
	return func(o *options) { o.fs = fs }
}

// WithSink adds a sink next to the log sink.
func WithSink(s cache.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithMemorySite uses an in-memory site database instead of Postgres.
func WithMemorySite(m *wpdb.Memory) Option {
	return func(o *options) { o.site = m }
}

// Setup builds the manager described by cfg. Without a database the meta
// operations report that no store is configured.
func Setup(ctx context.Context, cfg config.Config, log zerolog.Logger, opts ...Option) (*App, error) {
	o := &options{fs: osfs.New("/")}
	for _, opt := range opts {
		opt(o)
	}

	namer, err := thumb.NewNamer(cfg.CacheDirURL, thumb.WithHashLength(cfg.HashLength), thumb.WithSiteHost(cfg.SiteHost()))
	if err != nil {
		return nil, fmt.Errorf("thumbnail namer: %w", err)
	}

	var sink cache.Sink = notify.LogSink{Log: log}
	if o.sink != nil {
		sink = notify.Tee{sink, o.sink}
	}

	a := &App{Stats: metrics.NewLatencyTracker(metrics.DefaultAccuracy)}
	mopts := []cache.Option{
		cache.WithLogger(log),
		cache.WithSink(sink),
		cache.WithRecorder(a.Stats),
	}

	switch {
	case o.site != nil:
		mopts = append(mopts,
			cache.WithMetaStore(o.site.Site(wpdb.MainSite)),
			cache.WithTenants(o.site),
			cache.WithResolverOptions(cache.WithAttachments(o.site)),
		)
	case cfg.HasDatabase():
		db, err := wpdb.Open(ctx, cfg.DatabaseURL, cfg.TablePrefix)
		if err != nil {
			return nil, fmt.Errorf("site database: %w", err)
		}
		a.DB = db
		mopts = append(mopts,
			cache.WithMetaStore(db.Site(wpdb.MainSite)),
			cache.WithTenants(db),
			cache.WithResolverOptions(cache.WithAttachments(db)),
		)
	default:
		log.Warn().Msg("DATABASE_URL not set, post meta operations are disabled")
	}

	m, err := cache.NewManager(cfg.Cache(), o.fs, namer, mopts...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("cache manager: %w", err)
	}
	a.Manager = m
	a.Actions = actions.Default(m)
	return a, nil
}

// Close releases the database pool.
func (a *App) Close() {
	if a.DB != nil {
		a.DB.Close()
	}
}
