// Package config handles loading application configuration from a YAML file
// with environment variable overrides.
//
// Config file format (shelfsync.yaml):
//
//	api_base_url: "https://books.example.com"
//	library_dir: "./library"
//	backend: "sqlite"
//	sync_interval: "5m"
//
// Configuration sources, in increasing priority order:
//  1. Built-in defaults
//  2. YAML config file (located by FindConfigFile or explicit path)
//  3. Environment variables (SHELFSYNC_API_URL, SHELFSYNC_LIBRARY_DIR, ...)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// APIBaseURL is the root URL of the remote catalog service.
	APIBaseURL string `yaml:"api_base_url"`

	// LibraryDir is where book files and the local index live.
	LibraryDir string `yaml:"library_dir"`

	// Backend selects the local store implementation.
	// "fs"     – in-memory index persisted to .library.json
	// "sqlite" – SQLite table in .library.db (default)
	Backend string `yaml:"backend"`

	// ListenAddr is the TCP address for the local control API (e.g. "127.0.0.1:8686").
	// Empty disables the API.
	ListenAddr string `yaml:"listen_addr"`

	// Password protects the local control API with HTTP Basic auth.
	// Leave empty to disable authentication.
	Password string `yaml:"auth_password"`

	// TokenFile holds the bearer token issued by the external login flow.
	TokenFile string `yaml:"token_file"`

	// ExtractDir is the root under which EPUB archives are unpacked.
	// Empty means the OS temp directory.
	ExtractDir string `yaml:"extract_dir"`

	// SyncIntervalStr is how often the background flush runs, as a duration
	// string (e.g. "5m"). "0" disables the background flush.
	SyncIntervalStr string `yaml:"sync_interval"`

	// SyncInterval is the parsed form of SyncIntervalStr.
	SyncInterval time.Duration `yaml:"-"`

	// RequestTimeoutStr is the per-request timeout for remote calls.
	RequestTimeoutStr string `yaml:"request_timeout"`

	// RequestTimeout is the parsed form of RequestTimeoutStr.
	RequestTimeout time.Duration `yaml:"-"`

	// Workers bounds how many books are synced concurrently.
	Workers int `yaml:"workers"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogFormat is "json", "text", or "auto" (text on a terminal).
	LogFormat string `yaml:"log_format"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		APIBaseURL:        "http://localhost:8000",
		LibraryDir:        "./library",
		Backend:           "sqlite",
		SyncIntervalStr:   "5m",
		SyncInterval:      5 * time.Minute,
		RequestTimeoutStr: "30s",
		RequestTimeout:    30 * time.Second,
		Workers:           4,
		LogLevel:          "info",
		LogFormat:         "auto",
	}
}

// Load reads configuration from the YAML file at path (if non-empty), then
// applies environment variable overrides on top. Returns the merged Config.
// If path is empty, only defaults and environment variables are applied.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	// Environment variables always override file values.
	if v := os.Getenv("SHELFSYNC_API_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("SHELFSYNC_LIBRARY_DIR"); v != "" {
		cfg.LibraryDir = v
	}
	if v := os.Getenv("SHELFSYNC_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("SHELFSYNC_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SHELFSYNC_AUTH_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("SHELFSYNC_TOKEN_FILE"); v != "" {
		cfg.TokenFile = v
	}
	if v := os.Getenv("SHELFSYNC_EXTRACT_DIR"); v != "" {
		cfg.ExtractDir = v
	}
	if v := os.Getenv("SHELFSYNC_SYNC_INTERVAL"); v != "" {
		cfg.SyncIntervalStr = v
	}
	if v := os.Getenv("SHELFSYNC_REQUEST_TIMEOUT"); v != "" {
		cfg.RequestTimeoutStr = v
	}
	if v := os.Getenv("SHELFSYNC_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("SHELFSYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SHELFSYNC_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	// "0" or empty disables the background flush; invalid strings keep the default.
	if cfg.SyncIntervalStr != "" && cfg.SyncIntervalStr != "0" {
		if d, err := time.ParseDuration(cfg.SyncIntervalStr); err == nil {
			cfg.SyncInterval = d
		}
	} else {
		cfg.SyncInterval = 0
	}
	if d, err := time.ParseDuration(cfg.RequestTimeoutStr); err == nil && d > 0 {
		cfg.RequestTimeout = d
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	return cfg, nil
}

// DatabasePath returns the path of the SQLite index inside the library directory.
func (c Config) DatabasePath() string {
	return filepath.Join(c.LibraryDir, ".library.db")
}

// LockPath returns the path of the single-process lock file.
func (c Config) LockPath() string {
	return filepath.Join(c.LibraryDir, ".shelfsync.lock")
}

// FindConfigFile returns the path to the first config file found in the
// standard search order, or "" if none is found.
//
// Search order:
//  1. SHELFSYNC_CONFIG environment variable (explicit override)
//  2. ./shelfsync.yaml (current working directory)
//  3. ~/.config/shelfsync/config.yaml (XDG user config)
func FindConfigFile() string {
	if p := os.Getenv("SHELFSYNC_CONFIG"); p != "" {
		return p
	}

	if _, err := os.Stat("shelfsync.yaml"); err == nil {
		return "shelfsync.yaml"
	}

	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".config", "shelfsync", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
