package config

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Supported remote backends.
const (
	BackendBolt = "bolt"
	BackendS3   = "s3"
)

// Config holds all environment-based configuration for dirsync. CLI flags
// override individual fields after Load.
type Config struct {
	// Remote credentials. The bolt backend ignores them; the S3 backend
	// uses them as a static access key pair when both are set.
	Username string `env:"DIRSYNC_USERNAME"`
	Password string `env:"DIRSYNC_PASSWORD"`

	// Backend selects the remote store implementation.
	Backend string `env:"DIRSYNC_BACKEND" envDefault:"bolt"`

	// StorePath is the bolt database file for the bolt backend. Blobs are
	// kept in a sibling directory.
	StorePath string `env:"DIRSYNC_STORE_PATH"`

	// CacheDir holds the local content cache used by the remote client.
	CacheDir string `env:"DIRSYNC_CACHE_DIR"`

	// LogDir receives one log file per session.
	LogDir   string `env:"DIRSYNC_LOG_DIR"`
	LogLevel string `env:"DIRSYNC_LOG_LEVEL" envDefault:"info"`

	S3Bucket   string `env:"DIRSYNC_S3_BUCKET"`
	S3Prefix   string `env:"DIRSYNC_S3_PREFIX"`
	S3Region   string `env:"DIRSYNC_S3_REGION" envDefault:"us-east-1"`
	S3Endpoint string `env:"DIRSYNC_S3_ENDPOINT"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.StorePath != "" && c.CacheDir != "" && c.LogDir != "" {
		return nil
	}

	appDir, err := AppDir()
	if err != nil {
		return err
	}

	if c.StorePath == "" {
		c.StorePath = filepath.Join(appDir, "store", "remote.db")
	}

	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(appDir, "cache")
	}

	if c.LogDir == "" {
		c.LogDir = filepath.Join(appDir, "logs")
	}

	return nil
}

// Validate checks field values. Call again after applying CLI overrides.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendBolt:
	case BackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("DIRSYNC_S3_BUCKET is required when the s3 backend is selected")
		}
	default:
		return fmt.Errorf("unknown backend %q (want %q or %q)", c.Backend, BackendBolt, BackendS3)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// HasCredentials reports whether both username and password are set.
func (c *Config) HasCredentials() bool {
	return c.Username != "" && c.Password != ""
}

// AppDir returns the application's directory for the current user:
// ~/.dirsync
func AppDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".dirsync"), nil
}
