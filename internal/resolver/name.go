// Package resolver implements the higher-level workflow planners (C5):
// differential-chain extraction, cache management, and the cull
// protocol (crypto-secrets sync lives in package secrets). It sits
// above scheduler and ctfile,
// deciding what ops to run rather than running the wire protocol
// itself.
package resolver

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cyphertite/ctengine/internal/errs"
)

// MaxNameLen bounds a ctfile name, mirroring CT_CTFILE_MAXLEN.
const MaxNameLen = 255

// RejectChars are the bytes verify_name refuses in a user-supplied tag,
// mirroring CT_CTFILE_REJECTCHRS: path separators and shell metacharacters
// that would be ambiguous once date-prefixed and base64-tunneled.
const RejectChars = "/\\*?$#@!()[]{}<>|;&`'\""

// DatePrefixLen is the length of the "YYYYMMDD-HHMMSS-" prefix.
const DatePrefixLen = len("20060102-150405-")

// CookName reduces an arbitrary local or remote path to its bare file
// name, rejecting anything that still looks like a path after that.
// Idempotent: CookName(CookName(x)) == CookName(x).
func CookName(path string) (string, error) {
	b := filepath.Base(path)
	if b == "" || b == "." || b == "/" {
		return "", fmt.Errorf("%w: cannot cook name from %q", errs.ErrConfig, path)
	}
	if strings.HasPrefix(b, "/") {
		return "", fmt.Errorf("%w: invalid metadata filename %q", errs.ErrConfig, path)
	}
	return b, nil
}

// VerifyName checks a cooked tag is safe to date-prefix, base64-encode
// for the wire, and fit within MaxNameLen — the three checks from
// ctfile_verify_name. remoteMode is false in local mode, in which case
// verification is skipped entirely (local mode never touches the wire).
func VerifyName(tag string, remoteMode bool) error {
	if !remoteMode {
		return nil
	}
	dated := "YYYYMMDD-HHMMSS-" + tag
	if len(dated) >= MaxNameLen {
		return fmt.Errorf("%w: name %q too long once date-prefixed", errs.ErrConfig, tag)
	}
	// base64 expands by 4/3, rounded up to a 4-byte group.
	b64Len := ((len(dated) + 2) / 3) * 4
	if b64Len >= MaxNameLen {
		return fmt.Errorf("%w: name %q too long once base64-encoded", errs.ErrConfig, tag)
	}
	if strings.ContainsAny(tag, RejectChars) {
		return fmt.Errorf("%w: name %q contains a reject-set character", errs.ErrConfig, tag)
	}
	return nil
}

// IsDatedName reports whether name already has the literal
// "YYYYMMDD-HHMMSS-" form, i.e. is a fully-resolved on-server identity
// rather than a bare tag (spec.md §4.5.1 step 2).
func IsDatedName(name string) bool {
	if len(name) < DatePrefixLen {
		return false
	}
	for _, c := range name[:8] {
		if c < '0' || c > '9' {
			return false
		}
	}
	if name[8] != '-' {
		return false
	}
	for _, c := range name[9:15] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return name[15] == '-'
}

// DatePrefix returns the leading 16 characters used as the sort key
// ("newest" by lexical sort of the date-time prefix, spec.md §4.5.1).
func DatePrefix(name string) string {
	if len(name) < DatePrefixLen {
		return name
	}
	return name[:DatePrefixLen]
}
