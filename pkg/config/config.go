package config

import (
	"os"
	"path/filepath"
	"strconv"
)

const (
	// AppName is the application name used in paths.
	AppName = "btrdedup"

	// DefaultSizeCutoff is the minimum file size considered for
	// deduplication when a volume has never been scanned before.
	// Files smaller than this are never tracked.
	DefaultSizeCutoff int64 = 8 * 1024 * 1024

	// WindowSize bounds how many inodes the Grouper materializes per
	// size-class window.
	WindowSize = 1024

	// BufSize is the read buffer used by the Hasher and Cloner when
	// streaming file content.
	BufSize = 8 * 1024
)

// Config holds all application configuration.
type Config struct {
	// Paths
	DataDir   string // Base data directory (XDG_DATA_HOME/btrdedup)
	ConfigDir string // Config directory (XDG_CONFIG_HOME/btrdedup)
	CacheDir  string // Cache directory (XDG_CACHE_HOME/btrdedup)

	// Derived paths
	DBPath string // SQLite catalog database path

	// Defaults applied to newly-seen volumes.
	DefaultSizeCutoff int64

	// Logging
	LogLevel string
}

// New creates a new Config with values from environment or defaults.
func New() *Config {
	cfg := &Config{}

	cfg.DataDir = getDataDir()
	cfg.ConfigDir = getConfigDir()
	cfg.CacheDir = getCacheDir()

	os.MkdirAll(cfg.DataDir, 0755)
	os.MkdirAll(cfg.ConfigDir, 0755)
	os.MkdirAll(cfg.CacheDir, 0755)

	cfg.DBPath = envOrDefault("BTRDEDUP_DB_PATH", filepath.Join(cfg.DataDir, "catalog.db"))

	cfg.DefaultSizeCutoff = DefaultSizeCutoff
	if v := os.Getenv("BTRDEDUP_SIZE_CUTOFF"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.DefaultSizeCutoff = n
		}
	}

	cfg.LogLevel = envOrDefault("BTRDEDUP_LOG_LEVEL", "info")

	return cfg
}

// getDataDir returns the data directory following XDG spec.
// $XDG_DATA_HOME/btrdedup or ~/.local/share/btrdedup
func getDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", AppName, "data")
	}
	return filepath.Join(home, ".local", "share", AppName)
}

// getConfigDir returns the config directory following XDG spec.
// $XDG_CONFIG_HOME/btrdedup or ~/.config/btrdedup
func getConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", AppName, "config")
	}
	return filepath.Join(home, ".config", AppName)
}

// getCacheDir returns the cache directory following XDG spec.
// $XDG_CACHE_HOME/btrdedup or ~/.cache/btrdedup
func getCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", AppName, "cache")
	}
	return filepath.Join(home, ".cache", AppName)
}

// envOrDefault returns the environment variable value or the default.
func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// SubPath returns a path under the data directory.
func (c *Config) SubPath(parts ...string) string {
	return filepath.Join(append([]string{c.DataDir}, parts...)...)
}
