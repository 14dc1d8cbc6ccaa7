package resolver

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cyphertite/ctengine/internal/errs"
	"github.com/cyphertite/ctengine/internal/transaction"
)

// Meta is the small local record this engine keeps per cached ctfile
// name: enough to walk a differential chain and to rebuild a cull's
// precious-set without ever re-parsing ctfile content. Nothing in
// spec.md or the retrieval pack defines a literal ctfile binary layout
// (chunk hashes are derived positionally, not read from the file), so
// this record is this engine's own bookkeeping, not a wire format.
type Meta struct {
	Previous string `json:"previous,omitempty"` // basis ctfile name, empty if full
	Chunks   int    `json:"chunks"`
}

// WriteMeta persists m at cachePath, the same path Cache.GetCacheName
// returns for a name, marking it present in the cache.
func WriteMeta(cachePath string, m Meta) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: marshal cache entry for %s: %v", errs.ErrLocalIO, cachePath, err)
	}
	if err := os.WriteFile(cachePath, b, 0o600); err != nil {
		return fmt.Errorf("%w: write cache entry %s: %v", errs.ErrLocalIO, cachePath, err)
	}
	return nil
}

// ReadMeta reads the record WriteMeta left at cachePath. A missing file
// reads back as a zero Meta, not an error: ChainResolver only calls this
// after confirming (or establishing) cache presence, so absence here
// means "nothing recorded yet," not "corrupt."
func ReadMeta(cachePath string) (Meta, error) {
	b, err := os.ReadFile(cachePath)
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, nil
		}
		return Meta{}, fmt.Errorf("%w: read cache entry %s: %v", errs.ErrLocalIO, cachePath, err)
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return Meta{}, fmt.Errorf("%w: unmarshal cache entry %s: %v", errs.ErrProtocol, cachePath, err)
	}
	return m, nil
}

// SidecarReader implements ChainResolver.Reader against the records
// WriteMeta produces.
type SidecarReader struct{}

// PreviousOf satisfies CtfileReader.
func (SidecarReader) PreviousOf(cachePath string) (string, error) {
	m, err := ReadMeta(cachePath)
	if err != nil {
		return "", err
	}
	return m.Previous, nil
}

// ShasOf returns a cached ctfile's full content-address set, derived
// positionally from its recorded chunk count — DeriveSHA(0)..
// DeriveSHA(Chunks-1) — since this engine's chunk identity is the
// position, not a hash of content (spec.md §3).
func ShasOf(cachePath string) ([][20]byte, error) {
	m, err := ReadMeta(cachePath)
	if err != nil {
		return nil, err
	}
	out := make([][20]byte, m.Chunks)
	for i := range out {
		out[i] = transaction.DeriveSHA(uint32(i))
	}
	return out, nil
}
