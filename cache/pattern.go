package cache

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// Pattern addresses every cached variant of one source image: the files in
// Root whose slash-separated relative path starts with Prefix.
type Pattern struct {
	Root   string
	Prefix string // e.g. "/29/db8317d19c70529_"
}

// String renders the pattern in glob form, e.g. /cache/29/db8317d19c70529_*.
func (p Pattern) String() string {
	return strings.TrimRight(p.Root, "/") + p.Prefix + "*"
}

// Dir is the directory holding the matching files.
func (p Pattern) Dir() string {
	return filepath.Join(p.Root, filepath.FromSlash(path.Dir(p.Prefix)))
}

// Contained reports whether the pattern stays inside Root: Prefix must be
// rooted, free of ".." segments, and its directory must not escape Root.
func (p Pattern) Contained() bool {
	if !strings.HasPrefix(p.Prefix, "/") {
		return false
	}
	for _, seg := range strings.Split(p.Prefix, "/") {
		if seg == ".." {
			return false
		}
	}
	rel, err := filepath.Rel(filepath.Clean(p.Root), p.Dir())
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// NamePrefix is the file name prefix within Dir.
func (p Pattern) NamePrefix() string {
	return path.Base(p.Prefix)
}

// matcher compiles the file name part of the pattern.
func (p Pattern) matcher() (glob.Glob, error) {
	return prefixMatcher(p.NamePrefix())
}

func prefixMatcher(prefix string) (glob.Glob, error) {
	return glob.Compile(glob.QuoteMeta(prefix) + "*")
}
