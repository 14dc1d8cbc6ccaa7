package resolver

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyphertite/ctengine/internal/scheduler"
)

func TestListPatternDatedNameUsesGlob(t *testing.T) {
	pattern, mode := ListPattern("20240301-000000-weekly")
	assert.Equal(t, scheduler.MatchGlob, mode)
	assert.Equal(t, "20240301-000000-weekly", pattern)
}

func TestListPatternBareTagUsesRegex(t *testing.T) {
	pattern, mode := ListPattern("weekly")
	assert.Equal(t, scheduler.MatchRegex, mode)
	assert.Equal(t, `^\d{8}-\d{6}-weekly$`, pattern)
}

type fakeLister struct {
	entries []ListEntry
}

func (f *fakeLister) List(pattern string, mode scheduler.MatchMode) ([]ListEntry, error) {
	return f.entries, nil
}

type fakeReader struct {
	previous map[string]string
}

func (f *fakeReader) PreviousOf(cachePath string) (string, error) {
	return f.previous[cachePath], nil
}

// TestResolveChainScenario exercises spec.md §8 scenario 2: a 3-chain
// extract, none cached, chain resolved oldest (full) first.
func TestResolveChainScenario(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewCache(dir)
	require.NoError(t, err)

	top := "20240301-000000-weekly"
	mid := "20240222-000000-weekly"
	full := "20240215-000000-weekly"

	reader := &fakeReader{previous: map[string]string{
		cache.GetCacheName(top): mid,
		cache.GetCacheName(mid): full,
		cache.GetCacheName(full): "",
	}}

	var fetched []string
	resolver := &ChainResolver{
		Cache:  cache,
		Reader: reader,
		Fetch: func(name string) error {
			fetched = append(fetched, name)
			return nil // pretend the fetch also populates the cache
		},
	}

	chain, err := resolver.ResolveChain(top)
	require.NoError(t, err)
	assert.Equal(t, []string{full, mid, top}, chain, "chain must be oldest-first")
	assert.Equal(t, []string{top, mid, full}, fetched, "fetch walks newest-to-oldest before reversing")
}

func TestResolveChainDetectsCycle(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewCache(dir)
	require.NoError(t, err)

	a := "20240301-000000-a"
	b := "20240222-000000-b"
	reader := &fakeReader{previous: map[string]string{
		cache.GetCacheName(a): b,
		cache.GetCacheName(b): a,
	}}
	resolver := &ChainResolver{
		Cache:  cache,
		Reader: reader,
		Fetch:  func(name string) error { return nil },
	}
	_, err = resolver.ResolveChain(a)
	assert.Error(t, err)
}

func TestResolveChainSkipsAlreadyCachedLinks(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewCache(dir)
	require.NoError(t, err)

	top := "20240301-000000-weekly"
	full := "20240215-000000-weekly"
	require.NoError(t, os.WriteFile(cache.GetCacheName(full), []byte("cached"), 0o600))

	reader := &fakeReader{previous: map[string]string{
		cache.GetCacheName(top):  full,
		cache.GetCacheName(full): "",
	}}

	var fetched []string
	resolver := &ChainResolver{
		Cache:  cache,
		Reader: reader,
		Fetch: func(name string) error {
			fetched = append(fetched, name)
			return nil
		},
	}
	chain, err := resolver.ResolveChain(top)
	require.NoError(t, err)
	assert.Equal(t, []string{full, top}, chain)
	assert.Equal(t, []string{top}, fetched, "already-cached full ctfile must not be refetched")
}

func TestFindForExtractArchiveFirstBackup(t *testing.T) {
	resolver := &ChainResolver{Lister: &fakeLister{}}
	_, ok, err := resolver.FindForExtract("photos", scheduler.ActionArchive)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindForExtractMissingIsFatalForExtract(t *testing.T) {
	resolver := &ChainResolver{Lister: &fakeLister{}}
	_, _, err := resolver.FindForExtract("photos", scheduler.ActionExtract)
	assert.Error(t, err)
}

