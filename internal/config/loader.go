package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envFile    string
	envPrefix  string
}

// NewLoader creates a config loader.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envFile:    ".env",
		envPrefix:  "CARMARKET",
	}
}

// WithEnvFile points the loader at a dotenv file other than ./.env.
func (l *Loader) WithEnvFile(path string) *Loader {
	l.envFile = path
	return l
}

// ConfigPath returns the file the last Load read, if any.
func (l *Loader) ConfigPath() string {
	return l.configPath
}

// Load reads configuration from defaults, file and environment, in that order.
func (l *Loader) Load() (*Config, error) {
	// Dotenv only fills variables that are not already set
	if l.envFile != "" {
		if err := godotenv.Load(l.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", l.envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(l.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.configPath == "" {
		for _, path := range l.defaultPaths() {
			if _, err := os.Stat(path); err == nil {
				l.configPath = path
				break
			}
		}
	}

	if l.configPath != "" {
		v.SetConfigFile(l.configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", l.configPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	// A relocated data dir drags the default state dir along with it
	defaults := DefaultConfig()
	if cfg.Storage.DataDir != defaults.Storage.DataDir && cfg.Storage.StateDir == defaults.Storage.StateDir {
		cfg.Storage.StateDir = filepath.Join(cfg.Storage.DataDir, "state")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// defaultPaths returns default config file locations.
func (l *Loader) defaultPaths() []string {
	paths := []string{
		"carmarket.json",
		".carmarket.json",
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(homeDir, ".config", "carmarket", "config.json"),
			filepath.Join(homeDir, ".carmarket", "config.json"),
		)
	}

	return paths
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, cfg *Config) {
	defaults := map[string]interface{}{
		"api.base_url":            cfg.API.BaseURL,
		"api.timeout":             cfg.API.Timeout,
		"api.max_retries":         cfg.API.MaxRetries,
		"api.retry_delay":         cfg.API.RetryDelay,
		"api.user_agent":          cfg.API.UserAgent,
		"api.requests_per_second": cfg.API.RequestsPerSecond,
		"api.burst":               cfg.API.Burst,

		"auth.email":            cfg.Auth.Email,
		"auth.password":         cfg.Auth.Password,
		"auth.totp_secret":      cfg.Auth.TOTPSecret,
		"auth.mfa_flag":         cfg.Auth.MFAFlag,
		"auth.credentials_file": cfg.Auth.CredentialsFile,
		"auth.callback_addr":    cfg.Auth.CallbackAddr,
		"auth.refresh_buffer":   cfg.Auth.RefreshBuffer,
		"auth.max_attempts":     cfg.Auth.MaxAttempts,
		"auth.base_delay":       cfg.Auth.BaseDelay,
		"auth.max_delay":        cfg.Auth.MaxDelay,
		"auth.block_duration":   cfg.Auth.BlockDuration,
		"auth.jitter":           cfg.Auth.Jitter,

		"storage.backend":   cfg.Storage.Backend,
		"storage.data_dir":  cfg.Storage.DataDir,
		"storage.state_dir": cfg.Storage.StateDir,

		"log.level":       cfg.Log.Level,
		"log.format":      cfg.Log.Format,
		"log.file":        cfg.Log.File,
		"log.color":       cfg.Log.Color,
		"log.sentry_dsn":  cfg.Log.SentryDSN,
		"log.environment": cfg.Log.Environment,

		"dev.insecure_skip_verify": cfg.Dev.InsecureSkipVerify,
	}

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// SaveExample writes an example config file.
func SaveExample(path string) error {
	cfg := DefaultConfig()

	example := map[string]interface{}{
		"api": map[string]interface{}{
			"base_url":            cfg.API.BaseURL,
			"timeout":             cfg.API.Timeout.String(),
			"max_retries":         cfg.API.MaxRetries,
			"requests_per_second": cfg.API.RequestsPerSecond,
		},
		"auth": map[string]interface{}{
			"email":          "",
			"mfa_flag":       cfg.Auth.MFAFlag,
			"callback_addr":  cfg.Auth.CallbackAddr,
			"refresh_buffer": cfg.Auth.RefreshBuffer.String(),
			"max_attempts":   cfg.Auth.MaxAttempts,
			"block_duration": cfg.Auth.BlockDuration.String(),
		},
		"storage": map[string]interface{}{
			"backend":  cfg.Storage.Backend,
			"data_dir": cfg.Storage.DataDir,
		},
		"log": map[string]interface{}{
			"level":  cfg.Log.Level,
			"format": cfg.Log.Format,
		},
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return nil
}
