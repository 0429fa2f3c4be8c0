// Package token decodes and classifies the backend's access tokens. Signatures
// are never checked here; the backend verifies every request it receives.
package token

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/TheMichaelB/carmarket/internal/models"
)

// Status classifies a token against a point in time.
type Status int

const (
	StatusMalformed Status = iota
	StatusValid
	StatusExpired
	StatusNotYetValid
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusExpired:
		return "expired"
	case StatusNotYetValid:
		return "not_yet_valid"
	default:
		return "malformed"
	}
}

// Validation is the result of Validate.
type Validation struct {
	Status       Status
	Claims       *Claims
	NeedsRefresh bool
	Err          error
}

// Valid reports whether the token can be used right now.
func (v Validation) Valid() bool {
	return v.Status == StatusValid
}

var parser = jwt.NewParser(jwt.WithPaddingAllowed())

// Decode extracts the claims from raw without verifying the signature.
func Decode(raw string) (*Claims, error) {
	payload, err := payloadBytes(raw)
	if err != nil {
		return nil, err
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", models.ErrMalformedToken, err)
	}

	return &claims, nil
}

// Validate decodes raw and checks its time window. exp is mandatory and must
// be strictly after now; nbf, when present, must not be after now.
func Validate(raw string, now time.Time, buffer time.Duration) Validation {
	claims, err := Decode(raw)
	if err != nil {
		return Validation{Status: StatusMalformed, Err: err}
	}

	if claims.ExpiresAt == nil {
		return Validation{
			Status: StatusMalformed,
			Claims: claims,
			Err:    fmt.Errorf("%w: missing exp", models.ErrMalformedToken),
		}
	}

	if !claims.ExpiresAt.After(now) {
		return Validation{Status: StatusExpired, Claims: claims, Err: models.ErrTokenExpired}
	}

	if claims.NotBefore != nil && claims.NotBefore.After(now) {
		return Validation{Status: StatusNotYetValid, Claims: claims, Err: models.ErrTokenNotYetValid}
	}

	return Validation{
		Status:       StatusValid,
		Claims:       claims,
		NeedsRefresh: NeedsRefresh(claims, now, buffer),
	}
}

// NeedsRefresh reports whether the token expires within buffer of now.
func NeedsRefresh(claims *Claims, now time.Time, buffer time.Duration) bool {
	if claims == nil || claims.ExpiresAt == nil {
		return true
	}
	return claims.ExpiresAt.Sub(now) <= buffer
}

// EncodeUnsigned serializes claims as an alg=none token.
func EncodeUnsigned(claims *Claims) (string, error) {
	raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	return raw, nil
}

func splitSegments(raw string) ([]string, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", models.ErrMalformedToken, len(parts))
	}
	return parts, nil
}

func payloadBytes(raw string) ([]byte, error) {
	parts, err := splitSegments(raw)
	if err != nil {
		return nil, err
	}

	payload, err := parser.DecodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload encoding: %v", models.ErrMalformedToken, err)
	}
	return payload, nil
}
