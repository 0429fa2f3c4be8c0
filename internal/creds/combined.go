// Package creds reads the combined credentials file so secrets can live
// outside the main config.
package creds

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/TheMichaelB/carmarket/internal/config"
)

// Combined represents the combined JSON credential model.
type Combined struct {
	Auth struct {
		Email      string `json:"email"`
		Password   string `json:"password"`
		TOTPSecret string `json:"totp_secret"`
	} `json:"auth"`
}

// ParseCombined parses JSON bytes into Combined.
func ParseCombined(data []byte) (*Combined, error) {
	var c Combined
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return &c, nil
}

// LoadFromFile loads Combined from a local file path.
func LoadFromFile(path string) (*Combined, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	return ParseCombined(b)
}

// Apply copies non-empty values into cfg. A value also set in the
// environment is left alone.
func (c *Combined) Apply(cfg *config.AuthConfig) {
	set := func(dst *string, value, env string) {
		if value == "" {
			return
		}
		if _, ok := os.LookupEnv(env); ok {
			return
		}
		*dst = value
	}

	set(&cfg.Email, c.Auth.Email, "CARMARKET_AUTH_EMAIL")
	set(&cfg.Password, c.Auth.Password, "CARMARKET_AUTH_PASSWORD")
	set(&cfg.TOTPSecret, c.Auth.TOTPSecret, "CARMARKET_AUTH_TOTP_SECRET")
}
