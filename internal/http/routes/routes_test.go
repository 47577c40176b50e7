package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/thumbcache/actions"
	"github.com/briangreenhill/thumbcache/cache"
	"github.com/briangreenhill/thumbcache/internal/auth"
	appmw "github.com/briangreenhill/thumbcache/internal/http/middleware"
	"github.com/briangreenhill/thumbcache/internal/jobs"
	"github.com/briangreenhill/thumbcache/internal/metrics"
	"github.com/briangreenhill/thumbcache/internal/wpdb"
	"github.com/briangreenhill/thumbcache/thumb"
)

const (
	cacheURL  = "https://example.com/wp-content/cache/thumb"
	secret    = "test-secret"
	hookToken = "hook-token"
)

type fakeQueue struct{ tasks []*asynq.Task }

func (q *fakeQueue) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Queue: jobs.QueueCache}, nil
}

type testEnv struct {
	srv    *httptest.Server
	client *http.Client
	fs     billy.Filesystem
	db     *wpdb.Memory
	namer  *thumb.Namer
	stats  *metrics.LatencyTracker
}

func newTestEnv(t *testing.T, queue Enqueuer) *testEnv {
	t.Helper()

	fs := memfs.New()
	require.NoError(t, fs.MkdirAll("/cache", 0o755))
	namer, err := thumb.NewNamer(cacheURL, thumb.WithSiteHost("example.com"))
	require.NoError(t, err)
	db := wpdb.NewMemory()
	stats := metrics.NewLatencyTracker(metrics.DefaultAccuracy)

	m, err := cache.NewManager(cache.Config{
		CacheDir:    "/cache",
		CacheDirURL: cacheURL,
		MetaKey:     "photo_URL",
	}, fs, namer,
		cache.WithMetaStore(db.Site(wpdb.MainSite)),
		cache.WithTenants(db),
		cache.WithRecorder(stats),
		cache.WithResolverOptions(cache.WithAttachments(db)),
	)
	require.NoError(t, err)

	s := New(ServerOptions{
		Admin:     auth.AdminLink{Secret: []byte(secret), BaseURL: "http://unused"},
		Manager:   m,
		Actions:   actions.Default(m),
		Stats:     stats,
		Queue:     queue,
		HookToken: hookToken,
		Log:       zerolog.Nop(),
	})
	srv := httptest.NewServer(s.Router)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &testEnv{srv: srv, client: &http.Client{Jar: jar}, fs: fs, db: db, namer: namer, stats: stats}
}

func (e *testEnv) login(t *testing.T) {
	t.Helper()
	tok := auth.AdminLink{Secret: []byte(secret)}.Sign("admin", time.Now().Add(time.Hour))
	resp, err := e.client.Get(e.srv.URL + "/admin/login?token=" + url.QueryEscape(tok))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func (e *testEnv) thumbFor(t *testing.T, src string, dims thumb.Dims) string {
	t.Helper()
	d, err := e.namer.Describe(context.Background(), src, dims)
	require.NoError(t, err)
	require.NoError(t, util.WriteFile(e.fs, d.Path("/cache"), []byte("x"), 0o644))
	return d.Path("/cache")
}

func (e *testEnv) post(t *testing.T, path string, form url.Values) (int, actionResponse) {
	t.Helper()
	resp, err := e.client.PostForm(e.srv.URL+path, form)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var body actionResponse
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	}
	return resp.StatusCode, body
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t, nil)
	resp, err := e.client.Get(e.srv.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestAdminRequiresLogin(t *testing.T) {
	e := newTestEnv(t, nil)

	code, _ := e.post(t, "/admin/cache/rm_thumbs", nil)
	require.Equal(t, http.StatusUnauthorized, code)

	resp, err := e.client.Get(e.srv.URL + "/admin/login?token=forged.token")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestClearImageCache(t *testing.T) {
	e := newTestEnv(t, nil)
	e.login(t)

	src := "https://example.com/uploads/a.jpg"
	e.thumbFor(t, src, thumb.Dims{Width: 100, Height: 100})
	e.thumbFor(t, src, thumb.Dims{Width: 50, Height: 50, Crop: "top"})
	kept := e.thumbFor(t, "https://example.com/uploads/b.jpg", thumb.Dims{Width: 100, Height: 100})

	code, body := e.post(t, "/admin/cache/rm_img_cache", url.Values{"url": {src}})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "2 cache files deleted.", body.Msg)
	require.Equal(t, 2, body.Result.Count)

	_, err := e.fs.Stat(kept)
	require.NoError(t, err)

	// the stub sweep ran after the action and left its marker
	_, err = e.fs.Stat("/cache/expire_stub")
	require.NoError(t, err)

	code, body = e.post(t, "/admin/cache/rm_img_cache", url.Values{"url": {src}})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "Nothing to clear.", body.Msg)
	require.Equal(t, cache.StatusNoop, body.Result.Status)
}

func TestClearImageCacheByAttachment(t *testing.T) {
	e := newTestEnv(t, nil)
	e.login(t)
	e.db.AddAttachment(11, "https://example.com/uploads/c.png")
	e.thumbFor(t, "https://example.com/uploads/c.png", thumb.Dims{Width: 10, Height: 10})

	code, body := e.post(t, "/admin/cache/rm_img_cache", url.Values{"url": {"11"}})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, body.Result.Count)
}

func TestActionErrors(t *testing.T) {
	e := newTestEnv(t, nil)
	e.login(t)

	tests := []struct {
		name string
		path string
		form url.Values
		code int
		kind string
	}{
		{"unknown", "/admin/cache/rm_everything", nil, http.StatusNotFound, cache.ErrUnknownAction.Error()},
		{"no url", "/admin/cache/rm_img_cache", nil, http.StatusBadRequest, cache.ErrNoSourceURL.Error()},
		{"svg", "/admin/cache/rm_img_cache", url.Values{"url": {"https://example.com/logo.svg"}}, http.StatusBadRequest, cache.ErrUndeterminedPattern.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := e.post(t, tt.path, tt.form)
			require.Equal(t, tt.code, code)
			require.Equal(t, tt.kind, body.Error)
		})
	}
}

func TestRemoveAllData(t *testing.T) {
	e := newTestEnv(t, nil)
	e.login(t)
	ctx := context.Background()
	require.NoError(t, e.db.Site(wpdb.MainSite).SetMeta(ctx, 3, "photo_URL", "https://example.com/a.jpg"))
	e.thumbFor(t, "https://example.com/uploads/a.jpg", thumb.Dims{Width: 1, Height: 1})
	e.thumbFor(t, "https://example.com/uploads/a.jpg", thumb.Dims{Width: 1, Height: 1, Stub: true})

	code, body := e.post(t, "/admin/cache/"+actions.RmAllData, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, cache.StatusDone, body.Result.Status)
	require.Equal(t, 3, body.Result.Count)

	_, ok, err := e.db.Site(wpdb.MainSite).GetMeta(ctx, 3, "photo_URL")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPostSavedInline(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, e.db.Site(wpdb.MainSite).SetMeta(ctx, 8, "photo_URL", "https://example.com/a.jpg"))

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/hooks/posts/8/saved", nil)
	require.NoError(t, err)
	req.Header.Set(appmw.HookTokenHeader, hookToken)
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	v, ok, err := e.db.Site(wpdb.MainSite).GetMeta(ctx, 8, "photo_URL")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, v)
}

func TestPostSavedOnSite(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, e.db.Site(wpdb.MainSite).SetMeta(ctx, 5, "photo_URL", "https://example.com/a.jpg"))
	require.NoError(t, e.db.Site(3).SetMeta(ctx, 5, "photo_URL", "https://site3.example.com/b.jpg"))

	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/hooks/sites/3/posts/5/saved", nil)
	require.NoError(t, err)
	req.Header.Set(appmw.HookTokenHeader, hookToken)
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	v, _, err := e.db.Site(3).GetMeta(ctx, 5, "photo_URL")
	require.NoError(t, err)
	require.Empty(t, v)
	v, _, err = e.db.Site(wpdb.MainSite).GetMeta(ctx, 5, "photo_URL")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/a.jpg", v)
}

func TestPostSavedQueued(t *testing.T) {
	q := &fakeQueue{}
	e := newTestEnv(t, q)

	for _, tc := range []struct {
		path  string
		token string
		code  int
	}{
		{"/hooks/posts/8/saved", "wrong", http.StatusForbidden},
		{"/hooks/posts/abc/saved", hookToken, http.StatusBadRequest},
		{"/hooks/sites/0/posts/8/saved", hookToken, http.StatusBadRequest},
		{"/hooks/posts/8/saved", hookToken, http.StatusAccepted},
		{"/hooks/sites/3/posts/8/saved", hookToken, http.StatusAccepted},
	} {
		req, err := http.NewRequest(http.MethodPost, e.srv.URL+tc.path, nil)
		require.NoError(t, err)
		req.Header.Set(appmw.HookTokenHeader, tc.token)
		resp, err := e.client.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, tc.code, resp.StatusCode, tc.path)
	}

	require.Len(t, q.tasks, 2)
	require.Equal(t, jobs.TaskPostSaved, q.tasks[0].Type())
	require.JSONEq(t, `{"post_id":8}`, string(q.tasks[0].Payload()))
	require.JSONEq(t, `{"site_id":3,"post_id":8}`, string(q.tasks[1].Payload()))
}

func TestStats(t *testing.T) {
	e := newTestEnv(t, nil)
	e.login(t)
	e.post(t, "/admin/cache/rm_stub_thumbs", nil)

	resp, err := e.client.Get(e.srv.URL + "/admin/stats")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats []metrics.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	ops := map[string]bool{}
	for _, s := range stats {
		ops[s.Operation] = true
	}
	require.True(t, ops[cache.OpClearStubs])
	require.True(t, ops[cache.OpSmartClearStub])
}
