// Package config handles application configuration from a YAML file and
// environment variables
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"

	"github.com/briangreenhill/thumbcache/cache"
)

// FileEnv names the environment variable pointing at the optional YAML file.
const FileEnv = "THUMBCACHE_CONFIG"

const defaultCachePath = "/wp-content/cache/thumb"

var tablePrefixRe = regexp.MustCompile(`^[A-Za-z0-9_]*$`)

// Config holds all application configuration. It is built once at startup
// and passed to constructors.
type Config struct {
	// Cache
	CacheDir       string `yaml:"cache_dir" env:"CACHE_DIR"`
	CacheDirURL    string `yaml:"cache_dir_url" env:"CACHE_DIR_URL"`
	SiteURL        string `yaml:"site_url" env:"SITE_URL"`
	MetaKey        string `yaml:"meta_key" env:"META_KEY"`
	AutoClear      bool   `yaml:"auto_clear" env:"AUTO_CLEAR"`
	AutoClearDays  int    `yaml:"auto_clear_days" env:"AUTO_CLEAR_DAYS"`
	HashLength     int    `yaml:"hash_length" env:"HASH_LENGTH"`
	ExpireLockFile string `yaml:"expire_lock_file" env:"EXPIRE_LOCK_FILE"`
	SmartClearCron string `yaml:"smart_clear_cron" env:"SMART_CLEAR_CRON"`

	// Site database
	Multisite   bool   `yaml:"multisite" env:"MULTISITE"`
	SiteBatch   int    `yaml:"site_batch" env:"SITE_BATCH"`
	TablePrefix string `yaml:"table_prefix" env:"TABLE_PREFIX"`
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`

	// Services
	RedisAddr   string `yaml:"redis_addr" env:"REDIS_ADDR"`
	Port        string `yaml:"port" env:"PORT"`
	AdminSecret string `yaml:"admin_secret" env:"ADMIN_SECRET"`
	HookToken   string `yaml:"hook_token" env:"HOOK_TOKEN"`

	// Logging
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		MetaKey:        "photo_URL",
		AutoClearDays:  cache.DefaultAutoClearDays,
		HashLength:     15,
		SmartClearCron: "@hourly",
		SiteBatch:      cache.DefaultSiteBatch,
		TablePrefix:    "wp_",
		RedisAddr:      "localhost:6379",
		Port:           "8080",
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// Load reads defaults, then the YAML file named by THUMBCACHE_CONFIG if
// set, then environment variables, and validates the result.
func Load() (Config, error) {
	return load(os.Getenv(FileEnv), env.Options{})
}

func load(path string, opts env.Options) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.CacheDirURL == "" {
		cfg.CacheDirURL = strings.TrimRight(cfg.SiteURL, "/") + defaultCachePath
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges. An empty CacheDir is allowed; cache
// operations then report that the path is not set.
func (c Config) Validate() error {
	var errs []error
	if c.CacheDir != "" && !filepath.IsAbs(c.CacheDir) {
		errs = append(errs, fmt.Errorf("CACHE_DIR must be absolute, got %q", c.CacheDir))
	}
	if c.AutoClearDays < 1 {
		errs = append(errs, fmt.Errorf("AUTO_CLEAR_DAYS must be at least 1, got %d", c.AutoClearDays))
	}
	if c.HashLength < 1 || c.HashLength > 32 {
		errs = append(errs, fmt.Errorf("HASH_LENGTH must be between 1-32, got %d", c.HashLength))
	}
	if c.SiteBatch < 1 {
		errs = append(errs, fmt.Errorf("SITE_BATCH must be at least 1, got %d", c.SiteBatch))
	}
	if !tablePrefixRe.MatchString(c.TablePrefix) {
		errs = append(errs, fmt.Errorf("TABLE_PREFIX %q contains invalid characters", c.TablePrefix))
	}
	if u, err := url.Parse(c.CacheDirURL); err != nil || strings.Trim(u.Path, "/") == "" {
		errs = append(errs, fmt.Errorf("CACHE_DIR_URL %q must have a path", c.CacheDirURL))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// HasDatabase returns true if a site database is configured
func (c Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}

// SiteHost returns the host of SiteURL, used for root-relative image URLs.
func (c Config) SiteHost() string {
	u, err := url.Parse(c.SiteURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// Cache returns the cache manager settings.
func (c Config) Cache() cache.Config {
	return cache.Config{
		CacheDir:       c.CacheDir,
		CacheDirURL:    c.CacheDirURL,
		MetaKey:        c.MetaKey,
		AutoClearDays:  c.AutoClearDays,
		Multisite:      c.Multisite,
		SiteBatch:      c.SiteBatch,
		ExpireLockFile: c.ExpireLockFile,
	}
}
