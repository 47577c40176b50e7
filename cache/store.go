package cache

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/thumbcache/thumb"
)

const (
	expireMarker     = "expire"
	expireStubMarker = "expire_stub"
)

// hashName extracts the hash of a cache file name like db8317d19c70529_250x100.png.
var hashName = regexp.MustCompile(`^([0-9a-f]+)_`)

// Store is the filesystem side of the cache: a directory of files named
// {hash}_{params}.{ext}, optionally sharded into sub directories, plus
// stub_* placeholders and the expiry markers at the top level.
type Store struct {
	fs   billy.Filesystem
	root string
	log  zerolog.Logger
}

// NewStore creates a store over the directory root of fs.
func NewStore(fs billy.Filesystem, root string, log zerolog.Logger) (*Store, error) {
	if root == "" {
		return nil, ErrMissingCacheRoot
	}
	return &Store{fs: fs, root: root, log: log}, nil
}

// Root returns the cache directory.
func (s *Store) Root() string {
	return s.root
}

// Exists reports whether the cache directory is present.
func (s *Store) Exists() (bool, error) {
	fi, err := s.fs.Stat(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return fi.IsDir(), nil
}

// Match lists the files addressed by p at the time of the call.
func (s *Store) Match(p Pattern) ([]string, error) {
	if !p.Contained() {
		return nil, fmt.Errorf("%w: %s is outside %s", ErrUndeterminedPattern, p, p.Root)
	}
	g, err := p.matcher()
	if err != nil {
		return nil, fmt.Errorf("compile pattern %s: %w", p, err)
	}
	dir := p.Dir()
	infos, err := s.fs.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	for _, fi := range infos {
		if fi.IsDir() || !g.Match(fi.Name()) {
			continue
		}
		files = append(files, s.fs.Join(dir, fi.Name()))
	}
	return files, nil
}

// Index scans the whole cache and groups file paths by hash. Stub files are
// grouped under thumb.StubPrefix; files that are not cache entries are skipped.
func (s *Store) Index() (map[string][]string, error) {
	idx := make(map[string][]string)
	err := s.walk(s.root, func(p, name string) {
		if strings.HasPrefix(name, thumb.StubPrefix) {
			idx[thumb.StubPrefix] = append(idx[thumb.StubPrefix], p)
			return
		}
		if m := hashName.FindStringSubmatch(name); m != nil {
			idx[m[1]] = append(idx[m[1]], p)
		}
	})
	if errors.Is(err, os.ErrNotExist) {
		return idx, nil
	}
	return idx, err
}

func (s *Store) walk(dir string, fn func(path, name string)) error {
	infos, err := s.fs.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, fi := range infos {
		p := s.fs.Join(dir, fi.Name())
		if fi.IsDir() {
			if err := s.walk(p, fn); err != nil {
				return err
			}
			continue
		}
		fn(p, fi.Name())
	}
	return nil
}

// RemoveStubs deletes the top-level stub_* files and returns how many went away.
func (s *Store) RemoveStubs() (int, error) {
	g, err := prefixMatcher(thumb.StubPrefix)
	if err != nil {
		return 0, err
	}
	infos, err := s.fs.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	var files []string
	for _, fi := range infos {
		if !fi.IsDir() && g.Match(fi.Name()) {
			files = append(files, s.fs.Join(s.root, fi.Name()))
		}
	}
	return s.removeFiles(files), nil
}

// Wipe deletes every file and sub directory of the cache, keeping the root.
func (s *Store) Wipe() (int, error) {
	return s.clearFolder(s.root, false)
}

// clearFolder empties dir depth first and removes dir itself when delSelf.
func (s *Store) clearFolder(dir string, delSelf bool) (int, error) {
	infos, err := s.fs.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, fi := range infos {
		p := s.fs.Join(dir, fi.Name())
		if fi.IsDir() {
			n, err := s.clearFolder(p, true)
			removed += n
			if err != nil {
				s.log.Warn().Err(err).Str("dir", p).Msg("clear cache sub directory")
			}
			continue
		}
		if s.remove(p) {
			removed++
		}
	}

	if delSelf {
		if err := s.fs.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn().Err(err).Str("dir", dir).Msg("remove cache directory")
		}
	}
	return removed, nil
}

// removeFiles deletes files as one unordered batch; failures do not stop it.
func (s *Store) removeFiles(files []string) int {
	removed := 0
	for _, f := range files {
		if s.remove(f) {
			removed++
		}
	}
	return removed
}

func (s *Store) remove(p string) bool {
	err := s.fs.Remove(p)
	if err == nil {
		return true
	}
	// another request got there first
	if !errors.Is(err, os.ErrNotExist) {
		s.log.Warn().Err(err).Str("file", p).Msg("remove cache file")
	}
	return false
}

// ReadMarker returns the timestamp stored in an expiry marker, 0 when the
// marker is absent or holds no leading number.
func (s *Store) ReadMarker(name string) int64 {
	b, err := util.ReadFile(s.fs, s.fs.Join(s.root, name))
	if err != nil {
		return 0
	}
	return parseLeadingInt(string(b))
}

// WriteMarker stores ts in an expiry marker.
func (s *Store) WriteMarker(name string, ts int64) error {
	return util.WriteFile(s.fs, s.fs.Join(s.root, name), []byte(strconv.FormatInt(ts, 10)), 0o644)
}

func parseLeadingInt(s string) int64 {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && (s[end] >= '0' && s[end] <= '9' || end == 0 && s[end] == '-') {
		end++
	}
	n, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
