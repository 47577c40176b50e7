package cache

import "errors"

var (
	// ErrMissingCacheRoot is returned when no cache directory is configured.
	ErrMissingCacheRoot = errors.New("path to cache not set")
	// ErrNoSourceURL is returned when a reference does not resolve to an image URL.
	ErrNoSourceURL = errors.New("no image url was specified")
	// ErrUndeterminedPattern is returned when the cache file pattern of an
	// image cannot be computed.
	ErrUndeterminedPattern = errors.New("cache file pattern not determined")
	// ErrNothingMatched is informational: no cache files matched the pattern.
	ErrNothingMatched = errors.New("nothing to clear")
	// ErrMetaKeyUnset is returned when no post meta key is configured.
	ErrMetaKeyUnset = errors.New("meta_key option not set")
	// ErrNoMetaStore is returned when a meta operation runs without a store.
	ErrNoMetaStore = errors.New("post meta store not configured")
	// ErrUnknownAction is returned when a trigger names no registered action.
	ErrUnknownAction = errors.New("unknown action")
)
