// Package totp produces the one-time codes sent in the login mfa field when
// an account uses an authenticator app instead of the redirect provider.
package totp

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// ErrEmptySecret is returned when no secret is configured.
var ErrEmptySecret = errors.New("totp: secret cannot be empty")

// Service provides TOTP (Time-based One-Time Password) functionality.
type Service interface {
	// GenerateCode generates a code for the current time.
	GenerateCode(secret string) (string, error)

	// ValidateCode checks a code against a secret, allowing one period of skew.
	ValidateCode(secret, code string) bool

	// GenerateCodeAtTime generates a code for a specific time.
	GenerateCodeAtTime(secret string, t time.Time) (string, error)
}

// DefaultService implements TOTP operations.
type DefaultService struct {
	period    uint
	digits    otp.Digits
	algorithm otp.Algorithm
	now       func() time.Time
}

// NewService creates a service with the authenticator-app defaults: 30s, 6 digits, SHA1.
func NewService() *DefaultService {
	return &DefaultService{
		period:    30,
		digits:    otp.DigitsSix,
		algorithm: otp.AlgorithmSHA1,
		now:       time.Now,
	}
}

// WithClock replaces the time source.
func (s *DefaultService) WithClock(now func() time.Time) *DefaultService {
	s.now = now
	return s
}

func (s *DefaultService) opts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    s.period,
		Skew:      1,
		Digits:    s.digits,
		Algorithm: s.algorithm,
	}
}

// GenerateCode generates a code for the current time.
func (s *DefaultService) GenerateCode(secret string) (string, error) {
	return s.GenerateCodeAtTime(secret, s.now())
}

// GenerateCodeAtTime generates a code for a specific time.
func (s *DefaultService) GenerateCodeAtTime(secret string, t time.Time) (string, error) {
	secret = normalizeSecret(secret)
	if secret == "" {
		return "", ErrEmptySecret
	}

	code, err := totp.GenerateCodeCustom(secret, t, s.opts())
	if err != nil {
		return "", fmt.Errorf("totp: failed to generate code: %w", err)
	}

	return code, nil
}

// ValidateCode validates a code against a secret.
func (s *DefaultService) ValidateCode(secret, code string) bool {
	secret = normalizeSecret(secret)
	if secret == "" || code == "" {
		return false
	}

	ok, err := totp.ValidateCustom(code, secret, s.now(), s.opts())
	return err == nil && ok
}

// Remaining returns the time left in the current code window.
func (s *DefaultService) Remaining() time.Duration {
	now := s.now()
	period := int64(s.period)
	next := (now.Unix()/period + 1) * period
	return time.Unix(next, 0).Sub(now)
}

// IsValidSecret checks whether secret can produce codes.
func (s *DefaultService) IsValidSecret(secret string) error {
	if _, err := s.GenerateCode(secret); err != nil {
		return fmt.Errorf("totp: invalid secret: %w", err)
	}
	return nil
}

// Authenticator apps display secrets in spaced, lowercase groups.
func normalizeSecret(secret string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
}
