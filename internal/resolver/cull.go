package resolver

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cyphertite/ctengine/internal/errs"
)

// SHASPerPacket is the default batch size for ct_cull_shas, matching
// the original's sha_per_packet.
const SHASPerPacket = 1000

// ShaSet is the ordered container of 20-byte hashes cull streams to the
// server; ordered so batches emit deterministically (spec.md §3).
type ShaSet struct {
	order []string          // hex, insertion order
	seen  map[string]bool
}

// NewShaSet builds an empty set.
func NewShaSet() *ShaSet {
	return &ShaSet{seen: map[string]bool{}}
}

// Add inserts sha if not already present; duplicates are silently
// dropped, matching the RB-tree insert in ct_cull_sha_insert.
func (s *ShaSet) Add(sha [20]byte) {
	h := hex.EncodeToString(sha[:])
	if s.seen[h] {
		return
	}
	s.seen[h] = true
	s.order = append(s.order, h)
}

// Len reports the number of distinct hashes held.
func (s *ShaSet) Len() int {
	return len(s.order)
}

// Batches splits the set into SHASPerPacket-sized, hex-encoded batches
// in insertion order, for streaming as ct_cull_shas documents.
func (s *ShaSet) Batches(perPacket int) [][]string {
	if perPacket <= 0 {
		perPacket = SHASPerPacket
	}
	var batches [][]string
	for i := 0; i < len(s.order); i += perPacket {
		end := i + perPacket
		if end > len(s.order) {
			end = len(s.order)
		}
		batches = append(batches, s.order[i:end])
	}
	return batches
}

// CullUUID generates a fresh correlation id for one cull dialog, using
// a real UUID for generation entropy but presenting it as the 64-bit
// value the wire protocol historically carries (spec.md §4.5.4).
func CullUUID() string {
	u := uuid.New()
	b := u[:8]
	return fmt.Sprintf("%016x", binary.BigEndian.Uint64(b))
}

// CullPolicy is the input to Collect: which ctfiles exist and how they
// chain via "previous", plus the expiry cutoff.
type CullPolicy struct {
	ExpireDays int
	Now        time.Time
}

// Cutoff returns the date-prefix string below which a ctfile is
// eligible for deletion (absent any ancestor keeping it alive).
func (p CullPolicy) Cutoff() string {
	return p.Now.AddDate(0, 0, -p.ExpireDays).Format("20060102-150405")
}

// CtfileGraph is the resolver's view of every known ctfile: its name,
// and its "previous" basis (empty for a full ctfile).
type CtfileGraph map[string]string // name -> previous (or "")

// Collect implements ct_cull_collect_ctfiles: mark keep=1 on every
// ctfile at or after cutoff, then increment keep on every ancestor
// reached by walking "previous". Returns the keep-count map and an
// error if the resulting policy would keep nothing (spec.md §4.5.4
// step 2: "If keep_files == 0 after the pass, abort").
func Collect(names []string, graph CtfileGraph, policy CullPolicy) (keep map[string]int, err error) {
	keep = map[string]int{}
	for _, n := range names {
		keep[n] = 0
	}
	cutoff := policy.Cutoff()
	keepFiles := 0
	for _, n := range names {
		prefix := DatePrefix(n)
		if len(prefix) < 15 || prefix[:15] < cutoff {
			continue
		}
		keepFiles++
		cur := n
		for {
			keep[cur]++
			prev, ok := graph[cur]
			if !ok || prev == "" {
				break
			}
			cur = prev
		}
	}
	if keepFiles == 0 {
		return nil, fmt.Errorf("%w: cull policy would retain no ctfiles", errs.ErrConfig)
	}
	return keep, nil
}

// DeleteSet returns the names with keep==0, the cull protocol's delete
// queue (spec.md §4.5.4 step 3).
func DeleteSet(keep map[string]int) []string {
	var out []string
	for n, k := range keep {
		if k == 0 {
			out = append(out, n)
		}
	}
	return out
}
