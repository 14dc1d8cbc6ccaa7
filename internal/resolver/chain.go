package resolver

import (
	"fmt"
	"regexp"

	"github.com/cyphertite/ctengine/internal/errs"
	"github.com/cyphertite/ctengine/internal/scheduler"
)

// datedNameRE matches a fully-dated remote name (spec.md §4.5.1 step 2).
var datedNameRE = regexp.MustCompile(`^\d{8}-\d{6}-`)

// ListPattern builds the glob-or-regex pattern used to look up tag, and
// reports which mode applies.
func ListPattern(tag string) (pattern string, mode scheduler.MatchMode) {
	if datedNameRE.MatchString(tag) {
		return tag, scheduler.MatchGlob
	}
	return fmt.Sprintf(`^\d{8}-\d{6}-%s$`, regexp.QuoteMeta(tag)), scheduler.MatchRegex
}

// Lister performs a remote (or local-cache) listing for a pattern,
// returning every matching entry. Implemented by whatever drives the
// wire.MDList / ct_md_list exchange or scans the local cache.
type Lister interface {
	List(pattern string, mode scheduler.MatchMode) ([]ListEntry, error)
}

// CtfileReader reads a cached ctfile's header far enough to learn its
// "previous" basis pointer (empty string if the ctfile is full, not
// differential).
type CtfileReader interface {
	PreviousOf(cachePath string) (string, error)
}

// ChainResolver drives find_for_extract / download_next: given a tag,
// it resolves the full differential chain and ensures every ctfile in
// it lands in the cache before the user-visible op runs.
type ChainResolver struct {
	Cache  *Cache
	Lister Lister
	Reader CtfileReader

	// Fetch downloads one resolved, cooked remote name into the cache.
	// Supplied by the caller, since fetching is an extract op run
	// through ctfile/wire, outside this package's concern.
	Fetch func(name string) error
}

// FindForExtract resolves tag to the newest matching on-server name. If
// action is ARCHIVE and nothing matches, that's fine (first-ever
// backup): ok is false, err is nil. For any other action, no match is
// an error.
func (r *ChainResolver) FindForExtract(tag string, action scheduler.Action) (name string, ok bool, err error) {
	cooked, err := CookName(tag)
	if err != nil {
		return "", false, err
	}
	pattern, mode := ListPattern(cooked)
	entries, err := r.Lister.List(pattern, mode)
	if err != nil {
		return "", false, err
	}
	best, found := NewestMatch(entries)
	if !found {
		if action == scheduler.ActionArchive {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: no ctfile matches %q", errs.ErrRemoteResource, tag)
	}
	return best.Name, true, nil
}

// ResolveChain walks "previous" pointers from name until it reaches a
// full (non-differential) ctfile, fetching every uncached link. It
// returns the ordered chain, oldest (full) first, matching the order
// extract ops must run in (spec.md scenario 2).
func (r *ChainResolver) ResolveChain(name string) ([]string, error) {
	var chain []string
	seen := map[string]bool{}
	cur := name
	for {
		if seen[cur] {
			return nil, fmt.Errorf("%w: previous-pointer cycle at %s", errs.ErrProtocol, cur)
		}
		seen[cur] = true
		chain = append(chain, cur)

		cachePath := r.Cache.GetCacheName(cur)
		if !r.Cache.InCache(cur) {
			if r.Fetch == nil {
				return nil, fmt.Errorf("%w: %s not cached and no fetcher configured", errs.ErrLocalIO, cur)
			}
			if err := r.Fetch(cur); err != nil {
				return nil, err
			}
		}

		prev, err := r.Reader.PreviousOf(cachePath)
		if err != nil {
			return nil, err
		}
		if prev == "" {
			break
		}
		cur = prev
	}
	reverse(chain)
	return chain, nil
}

func reverse(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// ChainFetchOps builds one scheduler.Op per uncached link in chain
// (oldest/full ctfile first), for the caller to Enqueue ahead of the
// user-visible op — the chain must fully land in cache before that op
// dispatches (spec.md §4.5.1, "Chain closure" law).
func ChainFetchOps(cache *Cache, chain []string, buildFetchOp func(name string) *scheduler.Op) []*scheduler.Op {
	var ops []*scheduler.Op
	for _, name := range chain {
		if cache.InCache(name) {
			continue
		}
		ops = append(ops, buildFetchOp(name))
	}
	return ops
}
