package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Attribute store backends.
const (
	AttrStoreSidecar = "sidecar"
	AttrStoreXattr   = "xattr"
	AttrStoreMixed   = "mixed"
)

// Index sink backends.
const (
	IndexBleve  = "bleve"
	IndexMemory = "memory"
)

// Config holds all environment-based configuration for fscrawl.
type Config struct {
	// Directories to keep indexed. Merged with the roots listed in the
	// optional config file.
	Roots []string `env:"FSCRAWL_ROOTS" envSeparator:","`

	// Directory holding the unique-id store, the attribute sidecar, the
	// full-text index and the daemon lock file. Defaults to ~/.fscrawl.
	IndexDir string `env:"FSCRAWL_INDEX_DIR"`

	// Optional TOML file with roots, ignore patterns and the gitignore toggle.
	ConfigFile string `env:"FSCRAWL_CONFIG"`

	AttrStore   string `env:"FSCRAWL_ATTR_STORE" envDefault:"sidecar"`
	Fingerprint string `env:"FSCRAWL_FINGERPRINT" envDefault:"fscrawl-1"`

	// Extra ignore patterns on top of the built-in defaults.
	Ignore    []string `env:"FSCRAWL_IGNORE" envSeparator:","`
	Gitignore bool     `env:"FSCRAWL_GITIGNORE" envDefault:"false"`

	// Crawl pacing.
	CrawlBatch   int           `env:"FSCRAWL_CRAWL_BATCH" envDefault:"64"`
	CrawlRate    float64       `env:"FSCRAWL_CRAWL_RATE" envDefault:"0"`
	IdleInterval time.Duration `env:"FSCRAWL_IDLE_INTERVAL" envDefault:"30s"`

	// Listen address for /metrics and /status. Empty disables the server.
	MetricsAddr string `env:"FSCRAWL_METRICS_ADDR"`

	Index string `env:"FSCRAWL_INDEX" envDefault:"bleve"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"FSCRAWL_LOG_LEVEL"`
}

// fileConfig is the shape of the optional TOML config file.
type fileConfig struct {
	Roots     []string `toml:"roots"`
	Ignore    []string `toml:"ignore"`
	Gitignore *bool    `toml:"gitignore"`
}

// warnInsecureEnvFile checks whether the .env file (if present) is
// writable by group or others. Anyone who can edit it can point the
// daemon at arbitrary directories.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars,
// then merges the optional TOML file named by FSCRAWL_CONFIG.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.ConfigFile != "" {
		if err := cfg.mergeFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	if cfg.IndexDir == "" {
		dir, err := DefaultIndexDir()
		if err != nil {
			return nil, err
		}

		cfg.IndexDir = dir
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	c.Roots = append(c.Roots, fc.Roots...)
	c.Ignore = append(c.Ignore, fc.Ignore...)

	if fc.Gitignore != nil {
		c.Gitignore = *fc.Gitignore
	}

	return nil
}

// resolvePaths makes every root and the index dir absolute, trims blanks
// and drops duplicate roots. The model keys roots by their full path so
// two spellings of the same directory must collapse here.
func (c *Config) resolvePaths() error {
	roots := make([]string, 0, len(c.Roots))

	for _, r := range c.Roots {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}

		abs, err := filepath.Abs(r)
		if err != nil {
			return fmt.Errorf("resolving root %q to absolute path: %w", r, err)
		}

		if !slices.Contains(roots, abs) {
			roots = append(roots, abs)
		}
	}

	c.Roots = roots

	abs, err := filepath.Abs(c.IndexDir)
	if err != nil {
		return fmt.Errorf("resolving index dir to absolute path: %w", err)
	}

	c.IndexDir = abs

	patterns := c.Ignore[:0]
	for _, p := range c.Ignore {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}

	c.Ignore = patterns

	return nil
}

func (c *Config) validate() error {
	if len(c.Roots) == 0 {
		return fmt.Errorf("FSCRAWL_ROOTS is required (or roots in FSCRAWL_CONFIG)")
	}

	switch c.AttrStore {
	case AttrStoreSidecar, AttrStoreXattr, AttrStoreMixed:
	default:
		return fmt.Errorf("FSCRAWL_ATTR_STORE must be one of sidecar, xattr, mixed (got %q)", c.AttrStore)
	}

	switch c.Index {
	case IndexBleve, IndexMemory:
	default:
		return fmt.Errorf("FSCRAWL_INDEX must be bleve or memory (got %q)", c.Index)
	}

	if c.Fingerprint == "" {
		return fmt.Errorf("FSCRAWL_FINGERPRINT must not be empty")
	}

	if c.CrawlBatch <= 0 {
		return fmt.Errorf("FSCRAWL_CRAWL_BATCH must be positive")
	}

	if c.CrawlRate < 0 {
		return fmt.Errorf("FSCRAWL_CRAWL_RATE must not be negative")
	}

	if c.IdleInterval <= 0 {
		return fmt.Errorf("FSCRAWL_IDLE_INTERVAL must be positive")
	}

	for _, r := range c.Roots {
		if r == c.IndexDir || strings.HasPrefix(c.IndexDir, r+string(filepath.Separator)) {
			// Indexing our own databases would feed every write back in.
			return fmt.Errorf("index dir %s must not live inside root %s", c.IndexDir, r)
		}
	}

	return nil
}

// DefaultIndexDir returns ~/.fscrawl.
func DefaultIndexDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".fscrawl"), nil
}

// UIDStorePath is the SQLite unique-id database.
func (c *Config) UIDStorePath() string {
	return filepath.Join(c.IndexDir, "uids.db")
}

// SidecarPath is the bbolt attribute sidecar.
func (c *Config) SidecarPath() string {
	return filepath.Join(c.IndexDir, "attrs.db")
}

// BlevePath is the full-text index directory.
func (c *Config) BlevePath() string {
	return filepath.Join(c.IndexDir, "index.bleve")
}

// LockPath is the daemon lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.IndexDir, "fscrawl.lock")
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
