package resolver

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cyphertite/ctengine/internal/errs"
)

// Cache is a flat directory of ctfiles named "YYYYMMDD-HHMMSS-<tag>".
type Cache struct {
	Dir string // invariant: ends with "/"
}

// NewCache normalizes dir to end with "/" and ensures it exists with
// mode 0700, per the persisted-state note in spec.md §6.
func NewCache(dir string) (*Cache, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty cache directory", errs.ErrConfig)
	}
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", errs.ErrLocalIO, dir, err)
	}
	return &Cache{Dir: dir}, nil
}

// InCache reports whether name exists verbatim in the cache directory.
func (c *Cache) InCache(name string) bool {
	_, err := os.Stat(c.GetCacheName(name))
	return err == nil
}

// GetCacheName concatenates the cache directory (always "/"-terminated)
// and name.
func (c *Cache) GetCacheName(name string) string {
	if !strings.HasSuffix(c.Dir, "/") {
		panic("resolver: cache dir invariant violated: missing trailing slash")
	}
	return c.Dir + name
}

// FindForArchive builds the dated on-server name for a fresh archive of
// tag, using the given "now", and errors if that exact name is already
// cached (it would silently overwrite a same-second backup).
func FindForArchive(cache *Cache, tag string, now time.Time) (string, error) {
	cooked, err := CookName(tag)
	if err != nil {
		return "", err
	}
	if err := VerifyName(cooked, true); err != nil {
		return "", err
	}
	dated := now.Format("20060102-150405") + "-" + cooked
	if cache.InCache(dated) {
		return "", fmt.Errorf("%w: %s already exists in cache, would overwrite", errs.ErrLocalIO, dated)
	}
	return dated, nil
}

// ListEntry is one remote ctfile listing result (spec.md §3, Ctfile
// list entry).
type ListEntry struct {
	Name  string
	Size  int64
	Mtime time.Time
	Keep  int
}

// NewestMatch picks the newest of entries by lexical sort of the
// leading 16-char date prefix — never by mtime (spec.md §4.5.1: "The
// resolver never guesses which ctfile is newest by mtime").
func NewestMatch(entries []ListEntry) (ListEntry, bool) {
	var best ListEntry
	found := false
	for _, e := range entries {
		if !found || DatePrefix(e.Name) > DatePrefix(best.Name) {
			best = e
			found = true
		}
	}
	return best, found
}

// SortByDatePrefix sorts entries oldest-to-newest by the 16-char date
// prefix, never by mtime.
func SortByDatePrefix(entries []ListEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return DatePrefix(entries[i].Name) < DatePrefix(entries[j].Name)
	})
}
