package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// API configuration
	API APIConfig `json:"api" mapstructure:"api"`

	// Authentication and session lifecycle
	Auth AuthConfig `json:"auth" mapstructure:"auth"`

	// Storage paths
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log"`

	// Development options
	Dev DevConfig `json:"dev,omitempty" mapstructure:"dev"`
}

// APIConfig for server communication.
type APIConfig struct {
	BaseURL           string        `json:"base_url" mapstructure:"base_url"`
	Timeout           time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxRetries        int           `json:"max_retries" mapstructure:"max_retries"`
	RetryDelay        time.Duration `json:"retry_delay" mapstructure:"retry_delay"`
	UserAgent         string        `json:"user_agent" mapstructure:"user_agent"`
	RequestsPerSecond float64       `json:"requests_per_second" mapstructure:"requests_per_second"` // 0 = unlimited
	Burst             int           `json:"burst" mapstructure:"burst"`
}

// AuthConfig for authentication settings.
type AuthConfig struct {
	// Account credentials
	Email    string `json:"email,omitempty" mapstructure:"email"`
	Password string `json:"password,omitempty" mapstructure:"password"`

	// MFA: TOTP secret wins over the flag sent to request the external provider
	TOTPSecret string `json:"totp_secret,omitempty" mapstructure:"totp_secret"`
	MFAFlag    string `json:"mfa_flag" mapstructure:"mfa_flag"`

	// Combined credentials file ({"auth": {...}})
	CredentialsFile string `json:"credentials_file,omitempty" mapstructure:"credentials_file"`

	// Loopback address for the MFA / Google callback listener
	CallbackAddr string `json:"callback_addr" mapstructure:"callback_addr"`

	// Tokens this close to expiry are reported as needing refresh
	RefreshBuffer time.Duration `json:"refresh_buffer" mapstructure:"refresh_buffer"`

	// Login attempt guard
	MaxAttempts   int           `json:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay     time.Duration `json:"base_delay" mapstructure:"base_delay"`
	MaxDelay      time.Duration `json:"max_delay" mapstructure:"max_delay"`
	BlockDuration time.Duration `json:"block_duration" mapstructure:"block_duration"`
	Jitter        float64       `json:"jitter" mapstructure:"jitter"`
}

// StorageConfig for durable session slots.
type StorageConfig struct {
	Backend  string `json:"backend" mapstructure:"backend"`     // json, sqlite
	DataDir  string `json:"data_dir" mapstructure:"data_dir"`   // Base directory for all data
	StateDir string `json:"state_dir" mapstructure:"state_dir"` // Session slot storage
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level       string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format      string `json:"format" mapstructure:"format"` // text, json
	File        string `json:"file" mapstructure:"file"`     // Log file path (empty = stdout)
	Color       bool   `json:"color" mapstructure:"color"`
	SentryDSN   string `json:"sentry_dsn,omitempty" mapstructure:"sentry_dsn"`
	Environment string `json:"environment" mapstructure:"environment"`
}

// DevConfig for development/debugging.
type DevConfig struct {
	InsecureSkipVerify bool `json:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".carmarket"

	return &Config{
		API: APIConfig{
			BaseURL:           "http://localhost:3005/api",
			Timeout:           30 * time.Second,
			MaxRetries:        3,
			RetryDelay:        time.Second,
			UserAgent:         "carmarket-cli/1.0",
			RequestsPerSecond: 5,
			Burst:             5,
		},
		Auth: AuthConfig{
			MFAFlag:       "S",
			CallbackAddr:  "127.0.0.1:8765",
			RefreshBuffer: 10 * time.Second,
			MaxAttempts:   5,
			BaseDelay:     time.Second,
			MaxDelay:      5 * time.Minute,
			BlockDuration: 15 * time.Minute,
			Jitter:        0.1,
		},
		Storage: StorageConfig{
			Backend:  "json",
			DataDir:  dataDir,
			StateDir: filepath.Join(dataDir, "state"),
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "text",
			Color:       true,
			Environment: "development",
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}

	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}

	if c.API.MaxRetries < 0 {
		return errors.New("api.max_retries must not be negative")
	}

	if c.API.RequestsPerSecond < 0 {
		return errors.New("api.requests_per_second must not be negative")
	}

	if c.Auth.MaxAttempts <= 0 {
		return errors.New("auth.max_attempts must be positive")
	}

	if c.Auth.BaseDelay <= 0 || c.Auth.MaxDelay < c.Auth.BaseDelay {
		return errors.New("auth.base_delay must be positive and not exceed auth.max_delay")
	}

	if c.Auth.BlockDuration <= 0 {
		return errors.New("auth.block_duration must be positive")
	}

	if c.Auth.Jitter < 0 || c.Auth.Jitter > 1 {
		return fmt.Errorf("auth.jitter must be within [0, 1], got %v", c.Auth.Jitter)
	}

	if c.Auth.RefreshBuffer < 0 {
		return errors.New("auth.refresh_buffer must not be negative")
	}

	validBackends := map[string]bool{"json": true, "sqlite": true}
	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("invalid storage backend: %s", c.Storage.Backend)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.StateDir,
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
