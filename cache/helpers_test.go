package cache

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/thumbcache/thumb"
)

const (
	testRoot     = "/cache"
	testCacheURL = "https://example.com/wp-content/cache/thumb"
)

// flatDescriber names every source by a fixed hash table, storing files at
// the cache root without sharding.
type flatDescriber struct {
	hashes map[string]string
	calls  int
	mu     sync.Mutex
}

func (d *flatDescriber) Describe(_ context.Context, src string, _ thumb.Dims) (thumb.Descriptor, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()

	if strings.HasSuffix(src, ".svg") {
		return thumb.Descriptor{}, thumb.ErrUnsupported
	}
	h, ok := d.hashes[src]
	if !ok {
		h = "000000"
	}
	name := h + "_0x0.jpg"
	return thumb.Descriptor{Source: src, Hash: h, Name: name, RelPath: "/" + name, ThumbURL: testCacheURL + "/" + name}, nil
}

type fakeAttachments map[int64]string

func (a fakeAttachments) AttachmentURL(_ context.Context, id int64) (string, error) {
	return a[id], nil
}

type fakeMeta struct {
	rows   map[int64]map[string]string
	delErr error
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{rows: make(map[int64]map[string]string)}
}

func (m *fakeMeta) GetMeta(_ context.Context, postID int64, key string) (string, bool, error) {
	v, ok := m.rows[postID][key]
	return v, ok, nil
}

func (m *fakeMeta) SetMeta(_ context.Context, postID int64, key, value string) error {
	if m.rows[postID] == nil {
		m.rows[postID] = make(map[string]string)
	}
	m.rows[postID][key] = value
	return nil
}

func (m *fakeMeta) DeleteMetaByKey(_ context.Context, key string) (int64, error) {
	if m.delErr != nil {
		return 0, m.delErr
	}
	var n int64
	for _, kv := range m.rows {
		if _, ok := kv[key]; ok {
			delete(kv, key)
			n++
		}
	}
	return n, nil
}

type fakeTenants struct {
	stores []MetaStore
	limit  int
}

// SiteStore maps site id n to stores[n-1].
func (t *fakeTenants) SiteStore(id int64) MetaStore {
	return t.stores[id-1]
}

func (t *fakeTenants) Stores(_ context.Context, limit int) ([]MetaStore, error) {
	t.limit = limit
	if len(t.stores) > limit {
		return t.stores[:limit], nil
	}
	return t.stores, nil
}

type sinkMsg struct {
	status Status
	msg    string
}

type fakeSink struct{ msgs []sinkMsg }

func (s *fakeSink) Notify(status Status, msg string) {
	s.msgs = append(s.msgs, sinkMsg{status, msg})
}

type fakeRecorder struct{ ops []string }

func (r *fakeRecorder) Record(op string, _ time.Duration) {
	r.ops = append(r.ops, op)
}

var errBoom = errors.New("boom")

// scenarioFS builds the cache directory used by most tests.
func scenarioFS(t *testing.T) billy.Filesystem {
	t.Helper()
	fs := memfs.New()
	require.NoError(t, fs.MkdirAll(testRoot, 0o755))
	for _, name := range []string{
		"abc123_200x200.jpg",
		"abc123_100x100.jpg",
		"def456_50x50.jpg",
		"stub_000_64x64.png",
	} {
		require.NoError(t, util.WriteFile(fs, fs.Join(testRoot, name), []byte("x"), 0o644))
	}
	return fs
}

func listRoot(t *testing.T, fs billy.Filesystem) []string {
	t.Helper()
	infos, err := fs.ReadDir(testRoot)
	require.NoError(t, err)
	names := make([]string, 0, len(infos))
	for _, fi := range infos {
		names = append(names, fi.Name())
	}
	return names
}

func newScenarioManager(t *testing.T, fs billy.Filesystem, opts ...Option) *Manager {
	t.Helper()
	d := &flatDescriber{hashes: map[string]string{
		"https://example.com/uploads/a.jpg": "abc123",
		"https://example.com/uploads/d.jpg": "def456",
		"/foo/bar.jpg":                      "000000",
	}}
	m, err := NewManager(Config{
		CacheDir:    testRoot,
		CacheDirURL: testCacheURL,
		MetaKey:     "photo_URL",
	}, fs, d, opts...)
	require.NoError(t, err)
	return m
}

// statErrFS fails every Stat with err.
type statErrFS struct {
	billy.Filesystem
	err error
}

func (f statErrFS) Stat(string) (os.FileInfo, error) {
	return nil, f.err
}
