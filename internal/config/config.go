// Package config loads configuration from an optional YAML file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Debug     bool   `yaml:"debug"`

	// TLS (optional, if both set the server uses HTTPS)
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	// Persistence ("json", "bolt", "sqlite" or "postgres")
	DBBackend   string `yaml:"db_backend"`
	DBPath      string `yaml:"db_path"`
	DatabaseURL string `yaml:"database_url"`

	// Filesystem
	FilesDir    string `yaml:"files_dir"`
	IncomingDir string `yaml:"incoming_dir"`
	ResDir      string `yaml:"res_dir"`
	MaxOpen     int    `yaml:"max_open"`
	MaxFileSize int64  `yaml:"max_file_size"` // 0 = unlimited

	// Sync
	ReadInterval time.Duration `yaml:"read_interval"`
	KeepAlive    time.Duration `yaml:"keep_alive"`
	PushTimeout  time.Duration `yaml:"push_timeout"`
	PushRetry    time.Duration `yaml:"push_retry"`

	// Auth
	NoLogin       bool          `yaml:"no_login"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	LoginCooldown time.Duration `yaml:"login_cooldown"`

	// Sharing
	LinkLength int `yaml:"link_length"`

	// WebDAV
	WebDAVEnabled bool `yaml:"webdav_enabled"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		ListenAddr:    "0.0.0.0:8989",
		MetricsAddr:   ":9090",
		LogLevel:      "info",
		LogFormat:     "json",
		DBBackend:     "json",
		DBPath:        "./db.json",
		FilesDir:      "./files",
		IncomingDir:   "./temp/incoming",
		MaxOpen:       256,
		ReadInterval:  250 * time.Millisecond,
		KeepAlive:     20 * time.Second,
		PushTimeout:   time.Second,
		PushRetry:     50 * time.Millisecond,
		SessionTTL:    30 * 24 * time.Hour,
		SweepInterval: time.Hour,
		LoginCooldown: time.Second,
		LinkLength:    3,
		WebDAVEnabled: true,
	}
}

// Load reads configuration from the YAML file at path (if non-empty, or
// named by CONFIG_FILE), then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.ListenAddr = envOr("LISTEN_ADDR", cfg.ListenAddr)
	cfg.MetricsAddr = envOr("METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("LOG_FORMAT", cfg.LogFormat)
	cfg.Debug = envBool("DEBUG", cfg.Debug)
	cfg.TLSCertFile = envOr("TLS_CERT_FILE", cfg.TLSCertFile)
	cfg.TLSKeyFile = envOr("TLS_KEY_FILE", cfg.TLSKeyFile)
	cfg.DBBackend = envOr("DB_BACKEND", cfg.DBBackend)
	cfg.DBPath = envOr("DB_PATH", cfg.DBPath)
	cfg.DatabaseURL = envOr("DATABASE_URL", cfg.DatabaseURL)
	cfg.FilesDir = envOr("FILES_DIR", cfg.FilesDir)
	cfg.IncomingDir = envOr("INCOMING_DIR", cfg.IncomingDir)
	cfg.ResDir = envOr("RES_DIR", cfg.ResDir)
	cfg.MaxOpen = envInt("MAX_OPEN", cfg.MaxOpen)
	cfg.MaxFileSize = envInt64("MAX_FILE_SIZE", cfg.MaxFileSize)
	cfg.ReadInterval = envDuration("READ_INTERVAL", cfg.ReadInterval)
	cfg.KeepAlive = envDuration("KEEP_ALIVE", cfg.KeepAlive)
	cfg.PushTimeout = envDuration("PUSH_TIMEOUT", cfg.PushTimeout)
	cfg.PushRetry = envDuration("PUSH_RETRY", cfg.PushRetry)
	cfg.NoLogin = envBool("NO_LOGIN", cfg.NoLogin)
	cfg.SessionTTL = envDuration("SESSION_TTL", cfg.SessionTTL)
	cfg.SweepInterval = envDuration("SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.LoginCooldown = envDuration("LOGIN_COOLDOWN", cfg.LoginCooldown)
	cfg.LinkLength = envInt("LINK_LENGTH", cfg.LinkLength)
	cfg.WebDAVEnabled = envBool("WEBDAV_ENABLED", cfg.WebDAVEnabled)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks for values the server cannot start with.
func (c *Config) Validate() error {
	switch c.DBBackend {
	case "json", "bolt", "sqlite":
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH is required for the %s backend", c.DBBackend)
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown DB_BACKEND: %s", c.DBBackend)
	}
	if c.FilesDir == "" {
		return errors.New("FILES_DIR is required")
	}
	if c.ReadInterval <= 0 {
		return fmt.Errorf("READ_INTERVAL must be positive, got %s", c.ReadInterval)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.MaxOpen <= 0 {
		return fmt.Errorf("MAX_OPEN must be positive, got %d", c.MaxOpen)
	}
	if c.LinkLength < 1 {
		return fmt.Errorf("LINK_LENGTH must be at least 1, got %d", c.LinkLength)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

// envDuration accepts Go durations ("250ms") or a bare number of milliseconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
