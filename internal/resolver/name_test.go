package resolver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCookNameIdempotent(t *testing.T) {
	cases := []string{"photos", "/home/user/photos", "./photos", "a/b/c/photos"}
	for _, c := range cases {
		once, err := CookName(c)
		require.NoError(t, err)
		twice, err := CookName(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice, "CookName must be idempotent for %q", c)
	}
}

func TestCookNameRejectsRoot(t *testing.T) {
	_, err := CookName("/")
	assert.Error(t, err)
}

func TestVerifyNameRejectsCharset(t *testing.T) {
	for _, bad := range []string{"a/b", "a*b", "a?b", "a;b"} {
		err := VerifyName(bad, true)
		assert.Error(t, err, "expected rejection for %q", bad)
	}
}

func TestVerifyNameAcceptsPlainTag(t *testing.T) {
	assert.NoError(t, VerifyName("photos", true))
}

func TestVerifyNameSkippedInLocalMode(t *testing.T) {
	assert.NoError(t, VerifyName("a/b", false))
}

func TestVerifyNameRejectsOverlong(t *testing.T) {
	long := strings.Repeat("x", MaxNameLen)
	assert.Error(t, VerifyName(long, true))
}

func TestIsDatedName(t *testing.T) {
	assert.True(t, IsDatedName("20240102-030405-photos"))
	assert.False(t, IsDatedName("photos"))
	assert.False(t, IsDatedName("2024010-030405-photos"))
}

func TestDatePrefixSortMatchesChronology(t *testing.T) {
	names := []string{
		"20240301-000000-weekly",
		"20240215-000000-weekly",
		"20240222-000000-weekly",
	}
	entries := make([]ListEntry, len(names))
	for i, n := range names {
		entries[i] = ListEntry{Name: n}
	}
	SortByDatePrefix(entries)
	assert.Equal(t, "20240215-000000-weekly", entries[0].Name)
	assert.Equal(t, "20240222-000000-weekly", entries[1].Name)
	assert.Equal(t, "20240301-000000-weekly", entries[2].Name)
}

func TestNewestMatchPicksLatestByDatePrefixNotInsertionOrder(t *testing.T) {
	entries := []ListEntry{
		{Name: "20240301-000000-weekly"},
		{Name: "20240222-000000-weekly"},
	}
	best, ok := NewestMatch(entries)
	require.True(t, ok)
	assert.Equal(t, "20240301-000000-weekly", best.Name)
}

func TestNewestMatchEmpty(t *testing.T) {
	_, ok := NewestMatch(nil)
	assert.False(t, ok)
}
