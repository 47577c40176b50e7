// Package thumb computes thumbnail cache names for source images.
//
// It never renders pixels. Given a source URL and the requested dimensions it
// returns the hash, file name, on-disk relative path and public URL the
// thumbnail generator uses for that variant, which is all the cache manager
// needs to locate files on disk.
package thumb

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

const (
	DefaultHashLength = 15
	DefaultQuality    = 90

	// StubPrefix marks the "no photo" placeholder thumbnails.
	StubPrefix = "stub_"
)

var (
	// ErrUnsupported is returned for sources the generator declines to process.
	ErrUnsupported = errors.New("unsupported image source")
	// ErrBadSource is returned when the source reference cannot be parsed.
	ErrBadSource = errors.New("bad image source")
)

var extAliases = map[string]string{
	"jpeg": "jpg",
	"jpe":  "jpg",
}

var supportedExt = map[string]bool{
	"jpg":  true,
	"png":  true,
	"gif":  true,
	"webp": true,
	"avif": true,
	"bmp":  true,
}

// Dims describes the requested variant of a source image.
type Dims struct {
	Width   int
	Height  int
	Crop    string // e.g. "top", "center"; empty means no crop marker
	Quality int    // 0 means the namer's default quality
	Stub    bool   // placeholder thumbnail for a missing image
}

// Descriptor is the cache identity of one thumbnail variant.
type Descriptor struct {
	Source   string // normalized source key the hash is derived from
	Hash     string
	Name     string
	RelPath  string // slash separated, relative to the cache root, leading slash
	ThumbURL string
}

// Path returns the descriptor's location under the given cache root.
func (d Descriptor) Path(root string) string {
	return filepath.Join(root, filepath.FromSlash(d.RelPath))
}

// Namer derives cache names. It is safe for concurrent use.
type Namer struct {
	cacheURL   string
	siteHost   string
	hashLength int
	quality    int
}

// Option configures a Namer.
type Option func(*Namer)

// WithHashLength sets how many hex characters of the digest are kept.
func WithHashLength(n int) Option {
	return func(nm *Namer) { nm.hashLength = n }
}

// WithSiteHost sets the host used for root-relative sources like /img/a.jpg.
func WithSiteHost(host string) Option {
	return func(nm *Namer) { nm.siteHost = strings.ToLower(host) }
}

// WithDefaultQuality sets the quality that is omitted from file names.
func WithDefaultQuality(q int) Option {
	return func(nm *Namer) { nm.quality = q }
}

// NewNamer creates a namer producing URLs under cacheURL.
func NewNamer(cacheURL string, opts ...Option) (*Namer, error) {
	if cacheURL == "" {
		return nil, errors.New("cache url is empty")
	}
	n := &Namer{
		cacheURL:   strings.TrimRight(cacheURL, "/"),
		hashLength: DefaultHashLength,
		quality:    DefaultQuality,
	}
	for _, o := range opts {
		o(n)
	}
	if n.hashLength < 1 || n.hashLength > md5.Size*2 {
		return nil, fmt.Errorf("hash length must be between 1 and %d, got %d", md5.Size*2, n.hashLength)
	}
	return n, nil
}

// Describe computes the descriptor of the requested variant of src.
func (n *Namer) Describe(_ context.Context, src string, d Dims) (Descriptor, error) {
	key, ext, err := n.sourceKey(src)
	if err != nil {
		return Descriptor{}, err
	}

	sum := fmt.Sprintf("%x", md5.Sum([]byte(key)))
	hash := sum[len(sum)-n.hashLength:]

	var mods strings.Builder
	if d.Crop != "" {
		mods.WriteString("_" + sanitize(d.Crop))
	}
	if d.Quality > 0 && d.Quality != n.quality {
		fmt.Fprintf(&mods, "_q%d", d.Quality)
	}

	desc := Descriptor{Source: key, Hash: hash}
	if d.Stub {
		// stubs live flat in the root so they can be swept on their own
		desc.Name = fmt.Sprintf("%s%s_%dx%d%s.png", StubPrefix, hash, d.Width, d.Height, mods.String())
		desc.RelPath = "/" + desc.Name
	} else {
		desc.Name = fmt.Sprintf("%s_%dx%d%s.%s", hash, d.Width, d.Height, mods.String(), ext)
		desc.RelPath = "/" + shard(hash) + "/" + desc.Name
	}
	desc.ThumbURL = n.cacheURL + desc.RelPath
	return desc, nil
}

// sourceKey normalizes src so that http, https and protocol-relative forms
// of the same image share one key.
func (n *Namer) sourceKey(src string) (key, ext string, err error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return "", "", ErrBadSource
	}
	u, err := url.Parse(src)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrBadSource, err)
	}

	host := strings.ToLower(u.Host)
	if host == "" {
		if !strings.HasPrefix(u.Path, "/") {
			return "", "", fmt.Errorf("%w: %q is not absolute", ErrBadSource, src)
		}
		host = n.siteHost
	}

	ext = strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), "."))
	if alias, ok := extAliases[ext]; ok {
		ext = alias
	}
	switch {
	case ext == "":
		ext = "png"
	case ext == "svg":
		return "", "", fmt.Errorf("%w: svg", ErrUnsupported)
	case !supportedExt[ext]:
		return "", "", fmt.Errorf("%w: %s", ErrUnsupported, ext)
	}

	key = host + u.Path
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key, ext, nil
}

// shard is the sub directory of a hash: its last two characters.
func shard(hash string) string {
	if len(hash) <= 2 {
		return hash
	}
	return hash[len(hash)-2:]
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
