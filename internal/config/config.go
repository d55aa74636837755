// Package config loads datastash settings from a TOML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that reads and writes strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config holds application configuration.
type Config struct {
	CacheRoot  string `toml:"cache_root"`
	ScratchDir string `toml:"scratch_dir"`
	LogLevel   string `toml:"log_level"`

	Fetch      FetchConfig      `toml:"fetch"`
	Search     SearchConfig     `toml:"search"`
	CloudShare CloudShareConfig `toml:"cloudshare"`
	Preview    PreviewConfig    `toml:"preview"`
	Prefetch   PrefetchConfig   `toml:"prefetch"`
	Server     ServerConfig     `toml:"server"`
}

// FetchConfig tunes downloads.
type FetchConfig struct {
	MaxAttempts    int      `toml:"max_attempts"`
	Timeout        Duration `toml:"timeout"`
	ProbeTimeout   Duration `toml:"probe_timeout"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
	UserAgent      string   `toml:"user_agent"`
	// StaleAfter is the age after which leftovers in the temp area are removed.
	StaleAfter Duration `toml:"stale_after"`
}

// SearchConfig configures the dataset search API.
type SearchConfig struct {
	BaseURL  string   `toml:"base_url"`
	Username string   `toml:"username"`
	Key      string   `toml:"key"`
	Limit    int      `toml:"limit"`
	Timeout  Duration `toml:"timeout"`
}

// CloudShareConfig configures share-link downloads.
type CloudShareConfig struct {
	BaseURL string `toml:"base_url"`
}

// PreviewConfig configures dataset previews.
type PreviewConfig struct {
	Rows int `toml:"rows"`
}

// PrefetchConfig configures batch fetching.
type PrefetchConfig struct {
	Concurrency int `toml:"concurrency"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr   string `toml:"addr"`
	Secret string `toml:"secret"`
}

// DefaultCacheRoot returns the default cache root using XDG_CACHE_HOME.
func DefaultCacheRoot() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "datastash")
}

// DefaultConfigPath returns the config file location using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "datastash", "config.toml")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		CacheRoot: DefaultCacheRoot(),
		LogLevel:  "info",
		Fetch: FetchConfig{
			MaxAttempts:    4,
			Timeout:        Duration{30 * time.Minute},
			ProbeTimeout:   Duration{10 * time.Second},
			InitialBackoff: Duration{500 * time.Millisecond},
			MaxBackoff:     Duration{10 * time.Second},
			UserAgent:      "datastash",
			StaleAfter:     Duration{24 * time.Hour},
		},
		Search: SearchConfig{
			BaseURL: "https://www.kaggle.com",
			Limit:   50,
			Timeout: Duration{30 * time.Second},
		},
		CloudShare: CloudShareConfig{BaseURL: "https://drive.usercontent.google.com"},
		Preview:    PreviewConfig{Rows: 5},
		Prefetch:   PrefetchConfig{Concurrency: 4},
		Server:     ServerConfig{Addr: "127.0.0.1:8080"},
	}
}

// Load builds the configuration from defaults, the TOML file at path and the
// environment, in that order. An empty path means DefaultConfigPath, which
// may be absent; an explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	md, err := toml.DecodeFile(path, cfg)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	case err != nil:
		return nil, fmt.Errorf("load config %s: %w", path, err)
	default:
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("load config %s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.CacheRoot = ExpandPath(cfg.CacheRoot)
	cfg.ScratchDir = ExpandPath(cfg.ScratchDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("DATASTASH_CACHE_ROOT"); v != "" {
		c.CacheRoot = v
	}
	if v := os.Getenv("DATASTASH_SCRATCH_DIR"); v != "" {
		c.ScratchDir = v
	}
	if v := os.Getenv("DATASTASH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DATASTASH_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("DATASTASH_SECRET"); v != "" {
		c.Server.Secret = v
	}
	if v := os.Getenv("DATASTASH_SEARCH_URL"); v != "" {
		c.Search.BaseURL = v
	}
	if v := os.Getenv("DATASTASH_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DATASTASH_MAX_ATTEMPTS: %w", err)
		}
		c.Fetch.MaxAttempts = n
	}
	if v := os.Getenv("DATASTASH_FETCH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("DATASTASH_FETCH_TIMEOUT: %w", err)
		}
		c.Fetch.Timeout = Duration{d}
	}
	if v := os.Getenv("KAGGLE_USERNAME"); v != "" {
		c.Search.Username = v
	}
	if v := os.Getenv("KAGGLE_KEY"); v != "" {
		c.Search.Key = v
	}
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.CacheRoot == "" {
		errs = append(errs, errors.New("cache_root must be set"))
	}
	if c.Fetch.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("fetch.max_attempts must be at least 1, got %d", c.Fetch.MaxAttempts))
	}
	if c.Fetch.Timeout.Duration < 0 || c.Fetch.ProbeTimeout.Duration < 0 {
		errs = append(errs, errors.New("fetch timeouts must not be negative"))
	}
	if c.Fetch.StaleAfter.Duration <= 0 {
		errs = append(errs, fmt.Errorf("fetch.stale_after must be positive, got %s", c.Fetch.StaleAfter.Duration))
	}
	if c.Search.Limit < 1 {
		errs = append(errs, fmt.Errorf("search.limit must be at least 1, got %d", c.Search.Limit))
	}
	if c.Preview.Rows < 1 {
		errs = append(errs, fmt.Errorf("preview.rows must be at least 1, got %d", c.Preview.Rows))
	}
	if c.Prefetch.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("prefetch.concurrency must be at least 1, got %d", c.Prefetch.Concurrency))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Write encodes the configuration as TOML. Secrets are masked.
func (c *Config) Write(w io.Writer) error {
	out := *c
	if out.Search.Key != "" {
		out.Search.Key = "********"
	}
	if out.Server.Secret != "" {
		out.Server.Secret = "********"
	}
	return toml.NewEncoder(w).Encode(out)
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
