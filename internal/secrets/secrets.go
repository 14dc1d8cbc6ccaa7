// Package secrets models the passphrase-protected keyfile and the
// external codec that unlocks/creates it. The AEAD cipher itself is
// out of scope (spec.md §1); Codec is the seam Sync depends on.
package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyphertite/ctengine/internal/errs"
)

// Codec is the external collaborator that can verify a secrets file
// unlocks with a given passphrase, or create a fresh one. A real
// implementation wraps the engine's AEAD primitives; tests use a fake.
type Codec interface {
	// Unlock verifies that the file at path opens under passphrase,
	// returning an error wrapping errs.ErrSecretsUnlock on failure.
	Unlock(passphrase, path string) error
	// Create writes a brand-new secrets file at path under passphrase.
	Create(passphrase, path string) error
}

// MtimeName formats the 20-digit, zero-padded mtime prefix the server
// uses to name secrets files: "<20-digit-mtime>-crypto.secrets".
func MtimeName(mtime time.Time) string {
	return fmt.Sprintf("%020d-crypto.secrets", mtime.Unix())
}

// Sync reconciles the local secrets file against the newest remote
// candidate per the mtime-comparison table in spec.md §4.5.3. download
// must fetch the remote file's bytes into a temp path inside the same
// directory as localPath (for an atomic rename) and return that path;
// it is only called when the remote copy is newer. upload must ship
// the local file to the server under MtimeName(localMtime); it is only
// called when the local copy is newer.
func Sync(codec Codec, passphrase, localPath string, remoteMtime time.Time, remoteMissing bool,
	download func(destDir string) (tmpPath string, err error),
	upload func(name string) error,
) error {
	localMtime, localMissing, err := statMtime(localPath)
	if err != nil {
		return err
	}

	switch {
	case remoteMissing && localMissing:
		return nil // nothing to do; caller creates on first use

	case !remoteMissing && !localMissing && remoteMtime.Unix() == localMtime.Unix():
		if err := codec.Unlock(passphrase, localPath); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrSecretsUnlock, err)
		}
		return nil

	case !localMissing && (remoteMissing || remoteMtime.Before(localMtime)):
		name := MtimeName(localMtime)
		if err := upload(name); err != nil {
			return fmt.Errorf("%w: upload local secrets: %v", errs.ErrLocalIO, err)
		}
		return nil

	case !remoteMissing && (localMissing || remoteMtime.After(localMtime)):
		return syncDownloadNewer(codec, passphrase, localPath, remoteMtime, download)

	default:
		// remote < local handled above; this branch is unreachable given
		// the three cases above are exhaustive over {equal, <, >}.
		return nil
	}
}

func syncDownloadNewer(codec Codec, passphrase, localPath string, remoteMtime time.Time,
	download func(destDir string) (tmpPath string, err error)) error {
	dir := filepath.Dir(localPath)
	tmpPath, err := download(dir)
	if err != nil {
		return fmt.Errorf("%w: download secrets: %v", errs.ErrLocalIO, err)
	}

	if err := codec.Unlock(passphrase, tmpPath); err != nil {
		os.Remove(tmpPath)
		// Secrets unlock failure: fall back to the previously-working
		// local file and continue (spec.md §7 kind 5).
		return fmt.Errorf("%w: downloaded secrets: %v", errs.ErrSecretsUnlock, err)
	}

	if _, err := os.Stat(localPath); err == nil {
		bak := localPath + ".bak"
		os.Remove(bak)
		if err := os.Link(localPath, bak); err != nil {
			return fmt.Errorf("%w: backup %s: %v", errs.ErrLocalIO, localPath, err)
		}
	}

	if err := os.Rename(tmpPath, localPath); err != nil {
		return fmt.Errorf("%w: rename %s over %s: %v", errs.ErrLocalIO, tmpPath, localPath, err)
	}
	if err := os.Chtimes(localPath, remoteMtime, remoteMtime); err != nil {
		return fmt.Errorf("%w: set mtime on %s: %v", errs.ErrLocalIO, localPath, err)
	}
	return nil
}

func statMtime(path string) (mtime time.Time, missing bool, err error) {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return time.Time{}, true, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: stat %s: %v", errs.ErrLocalIO, path, err)
	}
	return fi.ModTime(), false, nil
}
