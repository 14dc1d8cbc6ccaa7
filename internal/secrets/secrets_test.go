package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyphertite/ctengine/internal/errs"
)

type fakeCodec struct {
	unlockablePaths map[string]bool
}

func (f *fakeCodec) Unlock(passphrase, path string) error {
	if f.unlockablePaths[path] {
		return nil
	}
	return errors.New("bad passphrase")
}

func (f *fakeCodec) Create(passphrase, path string) error {
	return os.WriteFile(path, []byte("secret:"+passphrase), 0o600)
}

func TestMtimeName(t *testing.T) {
	mtime := time.Unix(2000, 0)
	assert.Equal(t, "00000000000000002000-crypto.secrets", MtimeName(mtime))
}

func TestSyncEqualUnlocksInPlace(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "secrets")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o600))
	mtime := time.Unix(1000, 0)
	require.NoError(t, os.Chtimes(local, mtime, mtime))

	codec := &fakeCodec{unlockablePaths: map[string]bool{local: true}}
	err := Sync(codec, "pw", local, mtime, false, nil, nil)
	require.NoError(t, err)
}

func TestSyncLocalNewerUploads(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "secrets")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o600))
	localMtime := time.Unix(2000, 0)
	require.NoError(t, os.Chtimes(local, localMtime, localMtime))

	var uploadedName string
	upload := func(name string) error {
		uploadedName = name
		return nil
	}

	codec := &fakeCodec{}
	err := Sync(codec, "pw", local, time.Unix(1000, 0), false, nil, upload)
	require.NoError(t, err)
	assert.Equal(t, "00000000000000002000-crypto.secrets", uploadedName)
}

func TestSyncRemoteNewerDownloadsAndRenames(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "secrets")
	require.NoError(t, os.WriteFile(local, []byte("old"), 0o600))
	localMtime := time.Unix(1000, 0)
	require.NoError(t, os.Chtimes(local, localMtime, localMtime))

	remoteMtime := time.Unix(2000, 0)
	download := func(destDir string) (string, error) {
		tmpPath := filepath.Join(destDir, "secrets.tmp")
		return tmpPath, os.WriteFile(tmpPath, []byte("new"), 0o600)
	}

	err := Sync(unlockAlwaysOK{}, "pw", local, remoteMtime, false, download, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	bak := local + ".bak"
	bakData, err := os.ReadFile(bak)
	require.NoError(t, err)
	assert.Equal(t, "old", string(bakData))

	fi, err := os.Stat(local)
	require.NoError(t, err)
	assert.Equal(t, remoteMtime.Unix(), fi.ModTime().Unix())
}

type unlockAlwaysOK struct{}

func (unlockAlwaysOK) Unlock(passphrase, path string) error { return nil }
func (unlockAlwaysOK) Create(passphrase, path string) error { return nil }

func TestSyncRemoteNewerUnlockFailsKeepsOldFile(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "secrets")
	require.NoError(t, os.WriteFile(local, []byte("old"), 0o600))
	localMtime := time.Unix(1000, 0)
	require.NoError(t, os.Chtimes(local, localMtime, localMtime))

	download := func(destDir string) (string, error) {
		tmp := filepath.Join(destDir, "secrets.tmp")
		return tmp, os.WriteFile(tmp, []byte("new"), 0o600)
	}

	codec := &fakeCodec{} // unlockablePaths nil -> every Unlock fails
	err := Sync(codec, "pw", local, time.Unix(2000, 0), false, download, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrSecretsUnlock))

	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data), "local file must be unchanged on unlock failure")

	_, err = os.Stat(local + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
