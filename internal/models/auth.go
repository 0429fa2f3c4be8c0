package models

import "strings"

// AuthProvider identifies how the backend authenticated a session.
type AuthProvider string

const (
	ProviderLocal    AuthProvider = "local"
	ProviderGoogle   AuthProvider = "google"
	ProviderLocalDuo AuthProvider = "local+duo"
)

// ParseAuthProvider maps a claim value to a known provider.
func ParseAuthProvider(s string) (AuthProvider, bool) {
	switch p := AuthProvider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderLocal, ProviderGoogle, ProviderLocalDuo:
		return p, true
	default:
		return "", false
	}
}

// RequiresExternalMFA reports whether login continues at a redirect-based MFA provider.
func (p AuthProvider) RequiresExternalMFA() bool {
	return p == ProviderLocalDuo
}

// IsLocal reports whether the password was checked by the backend itself.
func (p AuthProvider) IsLocal() bool {
	return p == ProviderLocal || p == ProviderLocalDuo
}

// LoginRequest for the credential endpoint.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	MFA      string `json:"mfa,omitempty"`
}

// LoginData is the nested payload some backend versions wrap results in.
type LoginData struct {
	Token        string `json:"token,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	MfaRequired  bool   `json:"mfaRequired,omitempty"`
	DuoAuthURL   string `json:"duoAuthUrl,omitempty"`
}

// LoginResponse from the credential endpoint.
type LoginResponse struct {
	Success        bool       `json:"success"`
	Token          string     `json:"token,omitempty"`
	RefreshToken   string     `json:"refreshToken,omitempty"`
	MfaRedirectURL string     `json:"mfaRedirectUrl,omitempty"`
	Message        string     `json:"message,omitempty"`
	Data           *LoginData `json:"data,omitempty"`
}

// AccessToken returns the token from either response layout.
func (r *LoginResponse) AccessToken() string {
	if r.Token != "" {
		return r.Token
	}
	if r.Data != nil {
		return r.Data.Token
	}
	return ""
}

// Refresh returns the refresh token from either response layout.
func (r *LoginResponse) Refresh() string {
	if r.RefreshToken != "" {
		return r.RefreshToken
	}
	if r.Data != nil {
		return r.Data.RefreshToken
	}
	return ""
}

// RedirectURL returns the external MFA target, if the backend asked for one.
func (r *LoginResponse) RedirectURL() string {
	if r.MfaRedirectURL != "" {
		return r.MfaRedirectURL
	}
	if r.Data != nil && r.Data.MfaRequired {
		return r.Data.DuoAuthURL
	}
	return ""
}

// PermissionsResponse from the permissions endpoint.
type PermissionsResponse struct {
	Permissions []string `json:"permissions"`
}
