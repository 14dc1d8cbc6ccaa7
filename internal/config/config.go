// Package config loads the engine's plain `key = value` configuration
// file using goconfig, resolving the four discovery paths and the
// legacy key aliases carried over from earlier releases (spec.md §6).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Unknwon/goconfig"

	"github.com/cyphertite/ctengine/internal/errs"
)

// CtfileMode selects whether the engine talks to a remote server or
// operates purely against the local cache directory.
type CtfileMode int

const (
	ModeRemote CtfileMode = iota
	ModeLocal
)

// Settings holds every recognized option from spec.md §6, after legacy
// aliases have been resolved to their canonical name.
type Settings struct {
	QueueDepth       int
	Bandwidth        int64 // bytes/sec, 0 = unlimited
	SessionCompression string // "lzo" | "lzma" | "lzw" | ""

	CtfileMode              CtfileMode
	CtfileCacheDir           string // always ends with "/"
	CtfileCacheDirMaxSize    int64  // bytes, unbounded if <= 0
	CtfileRemoteAutoDiff     bool
	CtfileMaxDifferentials   int
	CtfileCullKeepDays       int

	UploadCryptoSecrets bool
	CryptoPassword      string // only ever read from config, never prompted here
}

// defaults mirror the C settings table's compiled-in defaults.
func defaults() Settings {
	return Settings{
		QueueDepth:             100,
		Bandwidth:              0,
		CtfileMode:             ModeRemote,
		CtfileCacheDirMaxSize:  0, // 0 == LLONG_MAX-equivalent, unbounded
		CtfileMaxDifferentials: 0,
		CtfileCullKeepDays:     0,
	}
}

// canonicalKey maps the legacy aliases (spec.md §6) to their current
// name; unknown keys pass through unchanged.
var canonicalKey = map[string]string{
	"md_mode":                       "ctfile_mode",
	"md_cachedir":                   "ctfile_cachedir",
	"md_cachedir_max_size":          "ctfile_cachedir_max_size",
	"md_remote_auto_differential":   "ctfile_remote_auto_differential",
	"md_max_differentials":          "ctfile_max_differentials",
	"ctfile_expire_day":             "ctfile_cull_keep_days",
	"crypto_password":               "crypto_password", // canonical already
}

// DiscoverPath resolves the four discovery candidates in order (spec.md
// §6), returning the first that exists. explicit, if non-empty, is
// used unconditionally (a CLI-specified path must exist).
func DiscoverPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("%w: config path %s: %v", errs.ErrConfig, explicit, err)
		}
		return explicit, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	candidates := []string{}
	if home != "" {
		candidates = append(candidates,
			filepath.Join(home, ".cyphertite", "cyphertite.conf"),
			filepath.Join(home, ".cyphertite.conf"),
		)
	}
	candidates = append(candidates, "/etc/cyphertite/cyphertite.conf")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: no configuration file found in %v", errs.ErrConfig, candidates)
}

// Load reads and normalizes one configuration file, applying legacy
// alias resolution before populating Settings. Missing optional keys
// keep their compiled-in default.
func Load(path string) (*Settings, error) {
	cfg, err := goconfig.LoadConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", errs.ErrConfig, path, err)
	}

	raw := map[string]string{}
	for _, key := range cfg.GetKeyList(goconfig.DEFAULT_SECTION) {
		v, _ := cfg.GetValue(goconfig.DEFAULT_SECTION, key)
		canon := key
		if c, ok := canonicalKey[key]; ok {
			canon = c
		}
		raw[canon] = v
	}

	s := defaults()

	if v, ok := raw["queue_depth"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: queue_depth: %v", errs.ErrConfig, err)
		}
		s.QueueDepth = n
	}
	if v, ok := raw["bandwidth"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bandwidth: %v", errs.ErrConfig, err)
		}
		s.Bandwidth = n
	}
	if v, ok := raw["session_compression"]; ok {
		switch v {
		case "lzo", "lzma", "lzw", "":
			s.SessionCompression = v
		default:
			return nil, fmt.Errorf("%w: invalid session_compression %q", errs.ErrConfig, v)
		}
	}
	if v, ok := raw["ctfile_mode"]; ok {
		switch v {
		case "remote":
			s.CtfileMode = ModeRemote
		case "local":
			s.CtfileMode = ModeLocal
		default:
			return nil, fmt.Errorf("%w: invalid ctfile_mode %q", errs.ErrConfig, v)
		}
	}
	if v, ok := raw["ctfile_cachedir"]; ok {
		if len(v) == 0 || v[len(v)-1] != '/' {
			v += "/"
		}
		s.CtfileCacheDir = v
	}
	if v, ok := raw["ctfile_cachedir_max_size"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: ctfile_cachedir_max_size: %v", errs.ErrConfig, err)
		}
		s.CtfileCacheDirMaxSize = n
	}
	if v, ok := raw["ctfile_remote_auto_differential"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: ctfile_remote_auto_differential: %v", errs.ErrConfig, err)
		}
		s.CtfileRemoteAutoDiff = b
	}
	if v, ok := raw["ctfile_max_differentials"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: ctfile_max_differentials: %v", errs.ErrConfig, err)
		}
		s.CtfileMaxDifferentials = n
	}
	if v, ok := raw["ctfile_cull_keep_days"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: ctfile_cull_keep_days: %v", errs.ErrConfig, err)
		}
		s.CtfileCullKeepDays = n
	}
	if v, ok := raw["upload_crypto_secrets"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: upload_crypto_secrets: %v", errs.ErrConfig, err)
		}
		s.UploadCryptoSecrets = b
	}
	if v, ok := raw["crypto_password"]; ok {
		s.CryptoPassword = v
	}

	if s.CtfileCacheDir == "" {
		return nil, fmt.Errorf("%w: ctfile_cachedir is required", errs.ErrConfig)
	}

	return &s, nil
}

// EnsureCacheDir creates the cache directory with mode 0700 if it does
// not already exist (spec.md §6 persisted-state note).
func EnsureCacheDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", errs.ErrLocalIO, dir, err)
	}
	return nil
}
