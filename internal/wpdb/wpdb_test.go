package wpdb

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/thumbcache/cache"
)

var (
	_ cache.MetaStore   = (*MetaStore)(nil)
	_ cache.MetaStore   = (*MemoryStore)(nil)
	_ cache.Tenants     = (*DB)(nil)
	_ cache.Tenants     = (*Memory)(nil)
	_ cache.Attachments = (*DB)(nil)
	_ cache.Attachments = (*Memory)(nil)
)

func TestTablePrefix(t *testing.T) {
	d := &DB{prefix: "wp_"}
	require.Equal(t, "wp_", d.TablePrefix(MainSite))
	require.Equal(t, "wp_7_", d.TablePrefix(7))
	require.Equal(t, `"wp_7_postmeta"`, d.Site(7).table)
}

func TestMemoryMeta(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	s := m.Site(MainSite)

	_, ok, err := s.GetMeta(ctx, 1, "photo_URL")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetMeta(ctx, 1, "photo_URL", "a"))
	require.NoError(t, s.SetMeta(ctx, 2, "photo_URL", "b"))
	v, ok, err := s.GetMeta(ctx, 1, "photo_URL")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", v)

	n, err := s.DeleteMetaByKey(ctx, "photo_URL")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestMemoryStoresLimit(t *testing.T) {
	m := NewMemory()
	for id := int64(2); id <= 5; id++ {
		m.Site(id)
	}

	stores, err := m.Stores(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, stores, 3)
	require.Same(t, m.Site(MainSite), stores[0])
}

func TestMemoryAttachments(t *testing.T) {
	m := NewMemory()
	m.AddAttachment(9, "https://example.com/uploads/a.jpg")

	u, err := m.AttachmentURL(context.Background(), 9)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/uploads/a.jpg", u)

	u, err = m.AttachmentURL(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, u)
}

// TestPostgres runs against a real database when DATABASE_URL is set.
func TestPostgres(t *testing.T) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	prefix := fmt.Sprintf("tc%d_", time.Now().UnixNano()%1_000_000)
	d, err := Open(ctx, dbURL, prefix)
	require.NoError(t, err)
	defer d.Close()
	defer func() {
		for _, tbl := range []string{"postmeta", "posts", "blogs", "2_postmeta"} {
			_, _ = d.q.Exec(context.Background(), "DROP TABLE IF EXISTS "+d.table(MainSite, tbl))
		}
	}()

	require.NoError(t, d.EnsureSchema(ctx, MainSite))
	require.NoError(t, d.EnsureSchema(ctx, 2))
	_, err = d.q.Exec(ctx, "INSERT INTO "+d.table(MainSite, "blogs")+" (blog_id) VALUES (1), (2)")
	require.NoError(t, err)
	_, err = d.q.Exec(ctx, "INSERT INTO "+d.table(MainSite, "posts")+" (id, guid, post_type) VALUES (5, 'https://example.com/a.jpg', 'attachment'), (6, 'https://example.com/p', 'post')")
	require.NoError(t, err)

	u, err := d.AttachmentURL(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/a.jpg", u)
	u, err = d.AttachmentURL(ctx, 6)
	require.NoError(t, err)
	require.Empty(t, u)

	primary := d.Site(MainSite)
	require.NoError(t, primary.SetMeta(ctx, 6, "photo_URL", "x"))
	require.NoError(t, primary.SetMeta(ctx, 6, "photo_URL", "y"))
	v, ok, err := primary.GetMeta(ctx, 6, "photo_URL")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "y", v)
	require.NoError(t, d.Site(2).SetMeta(ctx, 1, "photo_URL", "z"))

	stores, err := d.Stores(ctx, 500)
	require.NoError(t, err)
	require.Len(t, stores, 2)

	var total int64
	for _, s := range stores {
		n, err := s.DeleteMetaByKey(ctx, "photo_URL")
		require.NoError(t, err)
		total += n
	}
	require.Equal(t, int64(2), total)
}
