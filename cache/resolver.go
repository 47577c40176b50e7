package cache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/briangreenhill/thumbcache/thumb"
)

// dummySource is described once to learn the generator's hash length.
const dummySource = "/foo/bar.jpg"

// RegexHook may rewrite the regular expression that isolates the hash part
// of a thumbnail URL before it is compiled.
type RegexHook func(regex string) string

// Resolver turns an image reference into the Pattern of its cache files.
type Resolver struct {
	describer   Describer
	attachments Attachments
	root        string
	urlPath     string
	hook        RegexHook

	mu      sync.Mutex
	hashLen int
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithAttachments enables numeric attachment id references.
func WithAttachments(a Attachments) ResolverOption {
	return func(r *Resolver) { r.attachments = a }
}

// WithRegexHook installs a hook over the hash regex.
func WithRegexHook(h RegexHook) ResolverOption {
	return func(r *Resolver) { r.hook = h }
}

// NewResolver creates a resolver for the cache at root published under cacheURL.
func NewResolver(d Describer, root, cacheURL string, opts ...ResolverOption) (*Resolver, error) {
	if d == nil {
		return nil, errors.New("thumbnail describer is nil")
	}
	u, err := url.Parse(cacheURL)
	if err != nil {
		return nil, fmt.Errorf("parse cache url: %w", err)
	}
	urlPath := strings.TrimRight(u.Path, "/")
	if urlPath == "" {
		return nil, fmt.Errorf("cache url %q has no path", cacheURL)
	}

	r := &Resolver{
		describer: d,
		root:      root,
		urlPath:   urlPath,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Resolve returns the pattern of every cached variant of ref, which may be
// an original image URL, a thumbnail URL or a numeric attachment id.
func (r *Resolver) Resolve(ctx context.Context, ref string) (Pattern, error) {
	src, err := r.sourceURL(ctx, ref)
	if err != nil {
		return Pattern{}, err
	}

	if strings.Contains(src, r.urlPath) {
		return r.byThumbURL(ctx, src)
	}

	desc, err := r.describer.Describe(ctx, src, thumb.Dims{})
	if err != nil {
		return Pattern{}, fmt.Errorf("%w: %w", ErrUndeterminedPattern, err)
	}
	if desc.ThumbURL == "" {
		return Pattern{}, fmt.Errorf("%w: no thumbnail url for %s", ErrUndeterminedPattern, src)
	}
	return r.byThumbURL(ctx, desc.ThumbURL)
}

// Regex returns the expression used to isolate the hash part of a
// thumbnail URL, after the hook ran.
func (r *Resolver) Regex(ctx context.Context) (string, error) {
	n, err := r.HashLength(ctx)
	if err != nil {
		return "", err
	}
	regex := fmt.Sprintf(`(?i)^.*/[a-f0-9]{%d}_`, n)
	if r.hook != nil {
		regex = r.hook(regex)
	}
	return regex, nil
}

// HashLength reports how many characters the describer's hashes have. The
// value is a property of the generator configuration and is computed once.
func (r *Resolver) HashLength(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hashLen > 0 {
		return r.hashLen, nil
	}

	desc, err := r.describer.Describe(ctx, dummySource, thumb.Dims{})
	if err != nil {
		return 0, fmt.Errorf("%w: hash length: %w", ErrUndeterminedPattern, err)
	}
	if desc.Hash == "" {
		return 0, fmt.Errorf("%w: hash length not determined", ErrUndeterminedPattern)
	}
	r.hashLen = len(desc.Hash)
	return r.hashLen, nil
}

func (r *Resolver) byThumbURL(ctx context.Context, thumbURL string) (Pattern, error) {
	_, rest, _ := strings.Cut(thumbURL, r.urlPath)

	regex, err := r.Regex(ctx)
	if err != nil {
		return Pattern{}, err
	}
	re, err := regexp.Compile(regex)
	if err != nil {
		return Pattern{}, fmt.Errorf("%w: %w", ErrUndeterminedPattern, err)
	}

	m := re.FindString(rest)
	if m == "" {
		return Pattern{}, fmt.Errorf("%w: hash part not found in %s", ErrUndeterminedPattern, thumbURL)
	}
	p := Pattern{Root: r.root, Prefix: strings.ToLower(m)}
	if !p.Contained() {
		return Pattern{}, fmt.Errorf("%w: %s points outside the cache", ErrUndeterminedPattern, thumbURL)
	}
	return p, nil
}

// sourceURL resolves attachment ids and normalizes URLs.
func (r *Resolver) sourceURL(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", ErrNoSourceURL
	}

	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		if r.attachments == nil || id <= 0 {
			return "", fmt.Errorf("%w: attachment %d", ErrNoSourceURL, id)
		}
		src, err := r.attachments.AttachmentURL(ctx, id)
		if err != nil {
			return "", fmt.Errorf("%w: attachment %d: %w", ErrNoSourceURL, id, err)
		}
		if src == "" {
			return "", fmt.Errorf("%w: attachment %d", ErrNoSourceURL, id)
		}
		ref = strings.TrimSpace(src)
	}

	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoSourceURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "", "http", "https":
	default:
		return "", fmt.Errorf("%w: scheme %q", ErrNoSourceURL, u.Scheme)
	}
	return u.String(), nil
}
