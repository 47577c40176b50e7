package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/thumbcache/thumb"
)

const (
	DefaultAutoClearDays = 7
	DefaultSiteBatch     = 500

	stubInterval = 24 * time.Hour
)

// Operation names, used for logging and latency tracking.
const (
	OpClearAll       = "clear_all"
	OpClearStubs     = "clear_stubs"
	OpClearOne       = "clear_one"
	OpClearMeta      = "clear_meta"
	OpSmartClear     = "smart_clear"
	OpSmartClearStub = "smart_clear_stub"
	OpInvalidateMeta = "invalidate_post_meta"
)

// Config is the part of the application configuration the manager needs.
type Config struct {
	CacheDir       string
	CacheDirURL    string
	MetaKey        string
	AutoClearDays  int
	Multisite      bool
	SiteBatch      int
	ExpireLockFile string // advisory lock for expiry sweeps; empty disables
}

// Manager runs the cache operations against one cache directory and the
// post meta stores of the surrounding site.
type Manager struct {
	cfg      Config
	store    *Store
	resolver *Resolver
	meta     MetaStore
	tenants  Tenants
	sink     Sink
	recorder Recorder
	log      zerolog.Logger
	now      func() time.Time

	resolverOpts []ResolverOption
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetaStore sets the current site's post meta store.
func WithMetaStore(s MetaStore) Option {
	return func(m *Manager) { m.meta = s }
}

// WithTenants sets the per-site store lister used in multisite deployments.
func WithTenants(t Tenants) Option {
	return func(m *Manager) { m.tenants = t }
}

// WithSink sets where outcome messages are sent.
func WithSink(s Sink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithRecorder sets the latency recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithClock overrides time.Now for expiry markers.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithResolverOptions passes options to the identity resolver.
func WithResolverOptions(opts ...ResolverOption) Option {
	return func(m *Manager) { m.resolverOpts = append(m.resolverOpts, opts...) }
}

// NewManager creates a manager over fs. An empty cfg.CacheDir is accepted:
// file operations then report ErrMissingCacheRoot.
func NewManager(cfg Config, fs billy.Filesystem, d Describer, opts ...Option) (*Manager, error) {
	if cfg.AutoClearDays <= 0 {
		cfg.AutoClearDays = DefaultAutoClearDays
	}
	if cfg.SiteBatch <= 0 {
		cfg.SiteBatch = DefaultSiteBatch
	}

	m := &Manager{
		cfg: cfg,
		log: zerolog.Nop(),
		now: time.Now,
	}
	for _, o := range opts {
		o(m)
	}

	if cfg.CacheDir != "" {
		store, err := NewStore(fs, cfg.CacheDir, m.log)
		if err != nil {
			return nil, err
		}
		m.store = store
	}

	resolver, err := NewResolver(d, cfg.CacheDir, cfg.CacheDirURL, m.resolverOpts...)
	if err != nil {
		return nil, err
	}
	m.resolver = resolver
	return m, nil
}

// Store returns the underlying store, nil when no cache directory is set.
func (m *Manager) Store() *Store {
	return m.store
}

// Resolver returns the identity resolver.
func (m *Manager) Resolver() *Resolver {
	return m.resolver
}

// ClearAll deletes every cached file, or only the stub placeholders.
func (m *Manager) ClearAll(_ context.Context, stubOnly bool) Result {
	op := OpClearAll
	if stubOnly {
		op = OpClearStubs
	}
	start := time.Now()

	if m.store == nil {
		return m.finish(op, start, failed(ErrMissingCacheRoot, "ERROR: Path to cache not set."))
	}
	ok, err := m.store.Exists()
	if err != nil {
		return m.finish(op, start, failed(err, "cache directory is not accessible"))
	}
	if !ok {
		return m.finish(op, start, done(0, ""))
	}

	if stubOnly {
		n, err := m.store.RemoveStubs()
		if err != nil {
			return m.finish(op, start, failed(err, ""))
		}
		return m.finish(op, start, done(n, "All nophoto thumbs were deleted from the cache."))
	}

	n, err := m.store.Wipe()
	if err != nil {
		return m.finish(op, start, failed(err, ""))
	}
	return m.finish(op, start, done(n, "Thumbnail cache has been cleared."))
}

// ClearOne deletes every cached variant of the image ref points to.
func (m *Manager) ClearOne(ctx context.Context, ref string) Result {
	start := time.Now()

	if m.store == nil {
		return m.finish(OpClearOne, start, failed(ErrMissingCacheRoot, "ERROR: Path to cache not set."))
	}

	p, err := m.resolver.Resolve(ctx, ref)
	switch {
	case errors.Is(err, ErrNoSourceURL):
		return m.finish(OpClearOne, start, failed(err, "No IMG URL was specified."))
	case errors.Is(err, thumb.ErrUnsupported):
		return m.finish(OpClearOne, start, failed(err, "SVG or something wrong with URL."))
	case err != nil:
		return m.finish(OpClearOne, start, failed(err, "Something wrong in code - cache file pattern not determined."))
	}

	files, err := m.store.Match(p)
	if err != nil {
		return m.finish(OpClearOne, start, failed(err, ""))
	}
	if len(files) == 0 {
		return m.finish(OpClearOne, start, noop(ErrNothingMatched, "Nothing to clear."))
	}

	if removed := m.store.removeFiles(files); removed != len(files) {
		m.log.Debug().Str("pattern", p.String()).Int("matched", len(files)).Int("removed", removed).Msg("some cache files were already gone")
	}
	return m.finish(OpClearOne, start, done(len(files), fmt.Sprintf("%d cache files deleted.", len(files))))
}

// ClearMeta deletes the thumbnail URL meta of every post, on every site in
// a multisite deployment.
func (m *Manager) ClearMeta(ctx context.Context) Result {
	start := time.Now()
	key := m.cfg.MetaKey

	if key == "" {
		return m.finish(OpClearMeta, start, failed(ErrMetaKeyUnset, "meta_key option not set."))
	}

	var stores []MetaStore
	switch {
	case m.cfg.Multisite && m.tenants != nil:
		s, err := m.tenants.Stores(ctx, m.cfg.SiteBatch)
		if err != nil {
			return m.finish(OpClearMeta, start, failed(fmt.Errorf("list sites: %w", err), ""))
		}
		stores = s
	case m.meta != nil:
		stores = []MetaStore{m.meta}
	default:
		return m.finish(OpClearMeta, start, failed(ErrNoMetaStore, ""))
	}

	var (
		total int64
		errs  []error
	)
	for _, s := range stores {
		n, err := s.DeleteMetaByKey(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += n
	}

	if total > 0 {
		if len(errs) > 0 {
			m.log.Warn().Err(errors.Join(errs...)).Str("meta_key", key).Msg("some sites failed to delete post meta")
		}
		return m.finish(OpClearMeta, start, done(int(total), fmt.Sprintf("All custom fields %s were deleted.", key)))
	}
	if len(errs) > 0 {
		return m.finish(OpClearMeta, start, failed(errors.Join(errs...), fmt.Sprintf("Couldn't delete %s custom fields", key)))
	}
	return m.finish(OpClearMeta, start, noop(nil, fmt.Sprintf("Couldn't delete %s custom fields", key)))
}

// InvalidatePostMeta empties the stored thumbnail URL of a saved post of the
// current site so it is recomputed on the next render. Posts without the
// record are left alone.
func (m *Manager) InvalidatePostMeta(ctx context.Context, postID int64) Result {
	return m.InvalidateSitePostMeta(ctx, 0, postID)
}

// InvalidateSitePostMeta is InvalidatePostMeta for a post of site siteID.
// A siteID of 0 means the current site.
func (m *Manager) InvalidateSitePostMeta(ctx context.Context, siteID, postID int64) Result {
	start := time.Now()
	key := m.cfg.MetaKey

	if key == "" {
		return m.finish(OpInvalidateMeta, start, failed(ErrMetaKeyUnset, "meta_key option not set."))
	}
	store, err := m.siteStore(siteID)
	if err != nil {
		return m.finish(OpInvalidateMeta, start, failed(err, ""))
	}

	_, ok, err := store.GetMeta(ctx, postID, key)
	if err != nil {
		return m.finish(OpInvalidateMeta, start, failed(fmt.Errorf("get post %d meta: %w", postID, err), ""))
	}
	if !ok {
		return m.finish(OpInvalidateMeta, start, noop(nil, ""))
	}
	if err := store.SetMeta(ctx, postID, key, ""); err != nil {
		return m.finish(OpInvalidateMeta, start, failed(fmt.Errorf("clear post %d meta: %w", postID, err), ""))
	}
	return m.finish(OpInvalidateMeta, start, done(1, ""))
}

func (m *Manager) siteStore(siteID int64) (MetaStore, error) {
	switch {
	case siteID < 0:
		return nil, fmt.Errorf("%w: invalid site %d", ErrNoMetaStore, siteID)
	case siteID == 0:
		if m.meta == nil {
			return nil, ErrNoMetaStore
		}
		return m.meta, nil
	case m.tenants != nil:
		return m.tenants.SiteStore(siteID), nil
	default:
		return nil, fmt.Errorf("%w: site %d", ErrNoMetaStore, siteID)
	}
}

// SmartClear clears the cache (or only stubs) once its expiry marker is in
// the past, then pushes the marker one interval into the future. A marker
// that is absent or 0 counts as expired.
func (m *Manager) SmartClear(ctx context.Context, stub bool) Result {
	op, marker, interval := OpSmartClear, expireMarker, time.Duration(m.cfg.AutoClearDays)*24*time.Hour
	if stub {
		op, marker, interval = OpSmartClearStub, expireStubMarker, stubInterval
	}
	start := time.Now()

	if m.store == nil {
		return m.finish(op, start, noop(nil, ""))
	}
	ok, err := m.store.Exists()
	if err != nil {
		return m.finish(op, start, failed(err, "cache directory is not accessible"))
	}
	if !ok {
		return m.finish(op, start, noop(nil, ""))
	}

	if m.cfg.ExpireLockFile != "" {
		fl := flock.New(m.cfg.ExpireLockFile)
		locked, err := fl.TryLock()
		if err != nil {
			m.log.Warn().Err(err).Str("lock", m.cfg.ExpireLockFile).Msg("expiry lock unavailable, sweeping unlocked")
		} else if !locked {
			m.log.Debug().Str("op", op).Msg("expiry sweep already running")
			return m.finish(op, start, noop(nil, ""))
		} else {
			defer func() { _ = fl.Unlock() }()
		}
	}

	expire := m.store.ReadMarker(marker)
	now := m.now()

	cleared, count := false, 0
	if expire < now.Unix() {
		r := m.ClearAll(ctx, stub)
		cleared, count = r.OK(), r.Count
	}

	if cleared || expire == 0 {
		next := now.Add(interval).Unix()
		if err := m.store.WriteMarker(marker, next); err != nil {
			m.log.Warn().Err(err).Str("marker", marker).Msg("write expiry marker")
		}
	}

	if cleared {
		return m.finish(op, start, done(count, ""))
	}
	return m.finish(op, start, noop(nil, ""))
}

func (m *Manager) finish(op string, start time.Time, r Result) Result {
	r.ID = uuid.New()
	r.Op = op
	if m.recorder != nil {
		m.recorder.Record(op, time.Since(start))
	}

	var ev *zerolog.Event
	switch r.Status {
	case StatusFailed:
		ev = m.log.Error().Err(r.Err)
	case StatusNoop:
		ev = m.log.Debug()
	default:
		ev = m.log.Info()
	}
	ev.Str("op", op).Str("id", r.ID.String()).Str("status", string(r.Status)).Int("count", r.Count).Msg("cache operation")

	if m.sink != nil && r.Message != "" {
		m.sink.Notify(r.Status, r.Message)
	}
	return r
}
