package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConf(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cyphertite.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadCanonicalKeys(t *testing.T) {
	path := writeConf(t, `
ctfile_cachedir = /var/cache/ctengine
queue_depth = 250
bandwidth = 1000000
session_compression = lzma
ctfile_mode = remote
ctfile_cull_keep_days = 30
`)
	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/cache/ctengine/", s.CtfileCacheDir)
	assert.Equal(t, 250, s.QueueDepth)
	assert.EqualValues(t, 1000000, s.Bandwidth)
	assert.Equal(t, "lzma", s.SessionCompression)
	assert.Equal(t, ModeRemote, s.CtfileMode)
	assert.Equal(t, 30, s.CtfileCullKeepDays)
}

func TestLoadLegacyAliases(t *testing.T) {
	path := writeConf(t, `
md_cachedir = /var/cache/ctengine
md_mode = local
md_cachedir_max_size = 5000000
md_remote_auto_differential = true
md_max_differentials = 10
ctfile_expire_day = 45
crypto_password = hunter2
`)
	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/cache/ctengine/", s.CtfileCacheDir)
	assert.Equal(t, ModeLocal, s.CtfileMode)
	assert.EqualValues(t, 5000000, s.CtfileCacheDirMaxSize)
	assert.True(t, s.CtfileRemoteAutoDiff)
	assert.Equal(t, 10, s.CtfileMaxDifferentials)
	assert.Equal(t, 45, s.CtfileCullKeepDays)
	assert.Equal(t, "hunter2", s.CryptoPassword)
}

func TestLoadCacheDirGetsTrailingSlash(t *testing.T) {
	path := writeConf(t, `ctfile_cachedir = /var/cache/ctengine`)
	s, err := Load(path)
	require.NoError(t, err)
	assert.True(t, s.CtfileCacheDir[len(s.CtfileCacheDir)-1] == '/')
}

func TestLoadRejectsInvalidCompression(t *testing.T) {
	path := writeConf(t, `
ctfile_cachedir = /var/cache/ctengine
session_compression = gzip
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRequiresCacheDir(t *testing.T) {
	path := writeConf(t, `queue_depth = 10`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestDiscoverPathExplicit(t *testing.T) {
	path := writeConf(t, `ctfile_cachedir = /x`)
	got, err := DiscoverPath(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestDiscoverPathExplicitMissing(t *testing.T) {
	_, err := DiscoverPath("/no/such/file/cyphertite.conf")
	assert.Error(t, err)
}
