// Package cache manages the on-disk thumbnail cache: it resolves which files
// belong to a source image, clears them singly or in bulk, and sweeps the
// cache on an expiry schedule.
package cache

import (
	"context"
	"time"

	"github.com/briangreenhill/thumbcache/thumb"
)

// Describer computes the cache identity of a thumbnail without rendering it.
type Describer interface {
	// Describe returns the descriptor of the requested variant of src.
	// It fails for sources the generator declines to process (e.g. SVG).
	Describe(ctx context.Context, src string, dims thumb.Dims) (thumb.Descriptor, error)
}

// Attachments looks up the source URL of a media attachment.
type Attachments interface {
	// AttachmentURL returns "" with a nil error when the attachment is unknown.
	AttachmentURL(ctx context.Context, id int64) (string, error)
}

// MetaStore is the key-value post meta storage of one site.
type MetaStore interface {
	// GetMeta returns the value and whether a record exists.
	GetMeta(ctx context.Context, postID int64, key string) (string, bool, error)
	// SetMeta updates the value of an existing record, creating it if needed.
	SetMeta(ctx context.Context, postID int64, key, value string) error
	// DeleteMetaByKey deletes every record with the key and returns how many.
	DeleteMetaByKey(ctx context.Context, key string) (int64, error)
}

// Tenants lists the per-site meta stores of a multisite deployment.
type Tenants interface {
	// Stores returns at most limit site-scoped stores.
	Stores(ctx context.Context, limit int) ([]MetaStore, error)
	// SiteStore returns the store of one site.
	SiteStore(id int64) MetaStore
}

// Sink receives human-readable outcome messages for display.
type Sink interface {
	Notify(status Status, msg string)
}

// Recorder records operation latencies.
type Recorder interface {
	Record(operation string, d time.Duration)
}
