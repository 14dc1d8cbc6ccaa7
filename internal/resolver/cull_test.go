package resolver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShaSetDedupAndOrder(t *testing.T) {
	s := NewShaSet()
	var a, b [20]byte
	a[0] = 1
	b[0] = 2
	s.Add(a)
	s.Add(b)
	s.Add(a) // duplicate
	assert.Equal(t, 2, s.Len())
}

func TestShaSetBatching(t *testing.T) {
	s := NewShaSet()
	for i := 0; i < 2500; i++ {
		var sha [20]byte
		sha[0] = byte(i)
		sha[1] = byte(i >> 8)
		s.Add(sha)
	}
	batches := s.Batches(SHASPerPacket)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 1000)
	assert.Len(t, batches[1], 1000)
	assert.Len(t, batches[2], 500)
}

func TestCullUUIDUnique(t *testing.T) {
	u1 := CullUUID()
	u2 := CullUUID()
	assert.NotEqual(t, u1, u2)
	assert.Len(t, u1, 16) // 64 bits, hex-encoded
}

// Scenario 5 from spec.md §8: A (age 10d, full), B (age 40d, prev=A),
// C (age 50d, full, unreferenced), expire_days=30.
func TestCullCollectScenario(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	fmtAge := func(days int) string {
		return now.AddDate(0, 0, -days).Format("20060102-150405")
	}
	a := fmtAge(10) + "-full"
	b := fmtAge(40) + "-diff"
	c := fmtAge(50) + "-full"

	graph := CtfileGraph{
		a: "",
		b: a,
		c: "",
	}
	policy := CullPolicy{ExpireDays: 30, Now: now}

	keep, err := Collect([]string{a, b, c}, graph, policy)
	require.NoError(t, err)

	assert.Equal(t, 1, keep[a], "A is within cutoff directly")
	assert.Equal(t, 0, keep[b], "B is outside cutoff and not referenced")
	assert.Equal(t, 0, keep[c], "C is outside cutoff and unreferenced")

	del := DeleteSet(keep)
	assert.ElementsMatch(t, []string{b, c}, del)
}

func TestCullCollectAbortsWhenNothingKept(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -90).Format("20060102-150405") + "-ancient"
	graph := CtfileGraph{old: ""}
	_, err := Collect([]string{old}, graph, CullPolicy{ExpireDays: 30, Now: now})
	assert.Error(t, err)
}

func TestCullCollectAncestorKeepIncrements(t *testing.T) {
	// After successful collect, every ctfile at/after cutoff reachable
	// via "previous" has keep >= 1 (spec.md §8 invariant 5).
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	fmtAge := func(days int) string {
		return now.AddDate(0, 0, -days).Format("20060102-150405")
	}
	full := fmtAge(45) + "-full"
	diff1 := fmtAge(20) + "-diff1"
	diff2 := fmtAge(5) + "-diff2"
	graph := CtfileGraph{
		full:  "",
		diff1: full,
		diff2: diff1,
	}
	keep, err := Collect([]string{full, diff1, diff2}, graph, CullPolicy{ExpireDays: 30, Now: now})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, keep[full], 1)
	assert.GreaterOrEqual(t, keep[diff1], 1)
	assert.GreaterOrEqual(t, keep[diff2], 1)
}
