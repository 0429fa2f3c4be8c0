package testutil

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/carmarket/internal/config"
	"github.com/TheMichaelB/carmarket/internal/events"
	"github.com/TheMichaelB/carmarket/internal/models"
	"github.com/TheMichaelB/carmarket/internal/token"
)

// NewTestLogger creates a logger for testing.
func NewTestLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

// Account is a user known to the fake backend.
type Account struct {
	Email       string
	Password    string
	Role        string
	Provider    models.AuthProvider
	Permissions []string

	// MfaRedirect, when set, is returned instead of a token.
	MfaRedirect string
}

// DefaultAccount signs in with a password and may manage listings.
func DefaultAccount() Account {
	return Account{
		Email:       "seller@example.com",
		Password:    "testpassword123",
		Role:        "seller",
		Provider:    models.ProviderLocal,
		Permissions: []string{"create:vehicle", "read:vehicle", "update:vehicle"},
	}
}

// IssueToken builds an unsigned session token for acct valid for ttl from now.
func IssueToken(acct Account, now time.Time, ttl time.Duration) (string, error) {
	return token.EncodeUnsigned(&token.Claims{
		UserID:       "user-" + acct.Email,
		Email:        acct.Email,
		Role:         acct.Role,
		AuthProvider: acct.Provider,
		Permissions:  acct.Permissions,
		LoginTime:    now.UnixMilli(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-" + acct.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
}

// MustIssueToken is IssueToken for tests.
func MustIssueToken(t testing.TB, acct Account, now time.Time, ttl time.Duration) string {
	t.Helper()
	raw, err := IssueToken(acct, now, ttl)
	require.NoError(t, err)
	return raw
}

// TestConfigWithDir creates a configuration rooted at dataDir talking to baseURL.
func TestConfigWithDir(dataDir, baseURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.API.BaseURL = baseURL
	cfg.API.Timeout = 5 * time.Second
	cfg.API.MaxRetries = 1
	cfg.API.RetryDelay = 10 * time.Millisecond
	cfg.API.RequestsPerSecond = 0
	cfg.Auth.CallbackAddr = ""
	cfg.Storage.DataDir = dataDir
	cfg.Storage.StateDir = filepath.Join(dataDir, "state")
	cfg.Log.Level = "debug"
	cfg.Log.Format = "json"
	cfg.Log.Color = false
	return cfg
}
