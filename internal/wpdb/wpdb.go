// Package wpdb reads and writes the site tables the cache manager touches:
// post meta, attachments and the multisite blog list.
package wpdb

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/briangreenhill/thumbcache/cache"
)

// MainSite is the id of the network's primary site, whose tables carry the
// bare prefix.
const MainSite int64 = 1

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is a Postgres-backed site database.
type DB struct {
	q      querier
	pool   *pgxpool.Pool
	prefix string
}

// Open connects to databaseURL and checks the connection.
func Open(ctx context.Context, databaseURL, prefix string) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &DB{q: pool, pool: pool, prefix: prefix}, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, prefix string) *DB {
	return &DB{q: pool, pool: pool, prefix: prefix}
}

// Close releases the pool.
func (d *DB) Close() {
	if d.pool != nil {
		d.pool.Close()
	}
}

// TablePrefix returns the table prefix of site id.
func (d *DB) TablePrefix(site int64) string {
	if site == MainSite {
		return d.prefix
	}
	return d.prefix + strconv.FormatInt(site, 10) + "_"
}

func (d *DB) table(site int64, name string) string {
	return pgx.Identifier{d.TablePrefix(site) + name}.Sanitize()
}

// Site returns the post meta store of site id.
func (d *DB) Site(id int64) *MetaStore {
	return &MetaStore{q: d.q, table: d.table(id, "postmeta")}
}

// SiteStore is Site as a cache.MetaStore.
func (d *DB) SiteStore(id int64) cache.MetaStore {
	return d.Site(id)
}

// Stores lists up to limit sites of the network in id order.
func (d *DB) Stores(ctx context.Context, limit int) ([]cache.MetaStore, error) {
	rows, err := d.q.Query(ctx, fmt.Sprintf(`SELECT blog_id FROM %s ORDER BY blog_id LIMIT $1`, d.table(MainSite, "blogs")), limit)
	if err != nil {
		return nil, fmt.Errorf("list blogs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan blogs: %w", err)
	}

	stores := make([]cache.MetaStore, 0, len(ids))
	for _, id := range ids {
		stores = append(stores, d.Site(id))
	}
	return stores, nil
}

// AttachmentURL returns the file URL of attachment id on the main site, ""
// when there is no such attachment.
func (d *DB) AttachmentURL(ctx context.Context, id int64) (string, error) {
	var guid string
	err := d.q.QueryRow(ctx,
		fmt.Sprintf(`SELECT guid FROM %s WHERE id = $1 AND post_type = 'attachment'`, d.table(MainSite, "posts")),
		id,
	).Scan(&guid)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get attachment %d: %w", id, err)
	}
	return guid, nil
}

// EnsureSchema creates the tables of site id when missing. Sites other than
// the main one only get a postmeta table.
func (d *DB) EnsureSchema(ctx context.Context, site int64) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			meta_id    BIGSERIAL PRIMARY KEY,
			post_id    BIGINT NOT NULL,
			meta_key   TEXT NOT NULL,
			meta_value TEXT NOT NULL DEFAULT ''
		)`, d.table(site, "postmeta")),
	}
	if site == MainSite {
		stmts = append(stmts,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id        BIGINT PRIMARY KEY,
				guid      TEXT NOT NULL DEFAULT '',
				post_type TEXT NOT NULL DEFAULT 'post'
			)`, d.table(site, "posts")),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				blog_id BIGINT PRIMARY KEY
			)`, d.table(site, "blogs")),
		)
	}
	for _, s := range stmts {
		if _, err := d.q.Exec(ctx, s); err != nil {
			return fmt.Errorf("ensure schema for site %d: %w", site, err)
		}
	}
	return nil
}

// MetaStore is the post meta table of one site.
type MetaStore struct {
	q     querier
	table string
}

func (m *MetaStore) GetMeta(ctx context.Context, postID int64, key string) (string, bool, error) {
	var v string
	err := m.q.QueryRow(ctx,
		fmt.Sprintf(`SELECT meta_value FROM %s WHERE post_id = $1 AND meta_key = $2 ORDER BY meta_id LIMIT 1`, m.table),
		postID, key,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta: %w", err)
	}
	return v, true, nil
}

func (m *MetaStore) SetMeta(ctx context.Context, postID int64, key, value string) error {
	tag, err := m.q.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET meta_value = $3 WHERE post_id = $1 AND meta_key = $2`, m.table),
		postID, key, value,
	)
	if err != nil {
		return fmt.Errorf("update meta: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := m.q.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (post_id, meta_key, meta_value) VALUES ($1, $2, $3)`, m.table),
		postID, key, value,
	); err != nil {
		return fmt.Errorf("insert meta: %w", err)
	}
	return nil
}

func (m *MetaStore) DeleteMetaByKey(ctx context.Context, key string) (int64, error) {
	tag, err := m.q.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE meta_key = $1`, m.table), key)
	if err != nil {
		return 0, fmt.Errorf("delete meta %s: %w", key, err)
	}
	return tag.RowsAffected(), nil
}
