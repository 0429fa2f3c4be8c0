package token

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/golang-jwt/jwt/v5"

	"github.com/TheMichaelB/carmarket/internal/models"
)

// Claims is the payload the backend signs into every access token.
type Claims struct {
	UserID       string              `json:"userId,omitempty"`
	Username     string              `json:"username,omitempty"`
	Email        string              `json:"email,omitempty"`
	Role         string              `json:"role,omitempty"`
	AuthProvider models.AuthProvider `json:"authProvider,omitempty"`
	MFA          bool                `json:"mfa,omitempty"`
	Permissions  []string            `json:"permissions,omitempty"`
	SessionID    string              `json:"sessionId,omitempty"`
	DeviceID     string              `json:"deviceId,omitempty"`
	LoginTime    int64               `json:"loginTime,omitempty"`
	jwt.RegisteredClaims
}

// UserInfo is the identity summary shown by status surfaces.
type UserInfo struct {
	ID           string              `json:"id"`
	Email        string              `json:"email"`
	Username     string              `json:"username,omitempty"`
	Role         string              `json:"role,omitempty"`
	AuthProvider models.AuthProvider `json:"authProvider,omitempty"`
	MFA          bool                `json:"mfa"`
}

// HasRole reports whether the token was issued for role.
func (c *Claims) HasRole(role string) bool {
	return c != nil && c.Role == role
}

// HasPermission reports whether perm is embedded in the token.
func (c *Claims) HasPermission(perm string) bool {
	return c != nil && slices.Contains(c.Permissions, perm)
}

// MfaCompleted reports whether the session passed a second factor.
func (c *Claims) MfaCompleted() bool {
	return c != nil && c.MFA
}

// UserInfo extracts the display identity. Older tokens carry only sub.
func (c *Claims) UserInfo() UserInfo {
	if c == nil {
		return UserInfo{}
	}

	id := c.Subject
	if id == "" {
		id = c.UserID
	}
	email := c.Email
	if email == "" {
		email = c.Subject
	}

	return UserInfo{
		ID:           id,
		Email:        email,
		Username:     c.Username,
		Role:         c.Role,
		AuthProvider: c.AuthProvider,
		MFA:          c.MFA,
	}
}

// UnmarshalJSON reads exp and nbf strictly since they decide validity. The
// other claims are informational: numbers and strings are converted where the
// meaning is clear, and values of any other shape are dropped.
func (c *Claims) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return err
	}
	if payload == nil {
		return fmt.Errorf("payload is not an object")
	}

	var out Claims
	var err error
	if out.ExpiresAt, err = numericDate(payload, "exp"); err != nil {
		return err
	}
	if out.NotBefore, err = numericDate(payload, "nbf"); err != nil {
		return err
	}
	out.IssuedAt, _ = numericDate(payload, "iat")

	out.Subject = stringClaim(payload["sub"])
	out.Issuer = stringClaim(payload["iss"])
	out.ID = stringClaim(payload["jti"])
	out.Audience = stringsClaim(payload["aud"])

	out.UserID = stringClaim(payload["userId"])
	out.Username = stringClaim(payload["username"])
	out.Email = stringClaim(payload["email"])
	out.Role = stringClaim(payload["role"])
	out.AuthProvider = models.AuthProvider(stringClaim(payload["authProvider"]))
	out.MFA = boolClaim(payload["mfa"])
	out.Permissions = stringsClaim(payload["permissions"])
	out.SessionID = stringClaim(payload["sessionId"])
	out.DeviceID = stringClaim(payload["deviceId"])
	out.LoginTime = intClaim(payload["loginTime"])

	*c = out
	return nil
}

func numericDate(payload map[string]any, key string) (*jwt.NumericDate, error) {
	v, ok := payload[key]
	if !ok || v == nil {
		return nil, nil
	}
	n, ok := v.(json.Number)
	if !ok {
		return nil, fmt.Errorf("claim %s: expected a number, got %T", key, v)
	}
	var date jwt.NumericDate
	if err := date.UnmarshalJSON([]byte(n.String())); err != nil {
		return nil, fmt.Errorf("claim %s: %w", key, err)
	}
	return &date, nil
}

func stringClaim(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func boolClaim(v any) bool {
	switch v := v.(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

func intClaim(v any) int64 {
	switch v := v.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		f, _ := v.Float64()
		return int64(f)
	case string:
		i, _ := strconv.ParseInt(v, 10, 64)
		return i
	default:
		return 0
	}
}

func stringsClaim(v any) []string {
	switch v := v.(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
