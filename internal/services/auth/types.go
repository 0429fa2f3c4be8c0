package auth

import (
	"context"
	"time"

	"github.com/TheMichaelB/carmarket/internal/models"
	"github.com/TheMichaelB/carmarket/internal/token"
)

// State is the session lifecycle state.
type State int

const (
	StateAnonymous State = iota
	StateAuthenticating
	StateMfaPending
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateMfaPending:
		return "mfa_pending"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "anonymous"
	}
}

// MarshalText renders the state by name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome discriminates the result of a login or MFA completion.
type Outcome int

const (
	OutcomeAuthenticated Outcome = iota
	OutcomeMfaRequired
	OutcomeBlocked
	OutcomeRetryLater
	OutcomeInvalidCredentials
	OutcomeNetworkError
	OutcomeMfaDenied
	OutcomeMfaError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAuthenticated:
		return "authenticated"
	case OutcomeMfaRequired:
		return "mfa_required"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeRetryLater:
		return "retry_later"
	case OutcomeInvalidCredentials:
		return "invalid_credentials"
	case OutcomeNetworkError:
		return "network_error"
	case OutcomeMfaDenied:
		return "mfa_denied"
	default:
		return "mfa_error"
	}
}

// MarshalText renders the outcome by name in JSON output.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// LoginResult is returned by every login entry point, successful or not.
type LoginResult struct {
	Outcome     Outcome        `json:"outcome"`
	State       State          `json:"state"`
	Identity    string         `json:"identity,omitempty"`
	RedirectURL string         `json:"redirect_url,omitempty"`
	User        token.UserInfo `json:"user,omitempty"`
	RetryAfter  time.Duration  `json:"retry_after,omitempty"`
	Blocked     bool           `json:"blocked,omitempty"`
	Message     string         `json:"message,omitempty"`
}

// Status is a snapshot of the session.
type Status struct {
	State           State          `json:"state"`
	User            token.UserInfo `json:"user"`
	ExpiresAt       time.Time      `json:"expires_at,omitempty"`
	TimeUntilExpiry time.Duration  `json:"time_until_expiry"`
	NeedsRefresh    bool           `json:"needs_refresh"`
	TimerPending    bool           `json:"timer_pending"`

	// Provider details of the active token
	LocalAuth        bool     `json:"local_auth"`
	ExternalMFA      bool     `json:"external_mfa"`
	MfaCompleted     bool     `json:"mfa_completed"`
	TokenPermissions []string `json:"token_permissions,omitempty"`
}

// Navigator moves the user between the client and external pages.
type Navigator interface {
	// Navigate sends the user to url, e.g. an MFA provider.
	Navigate(ctx context.Context, url string) error

	// ReplaceURL rewrites the visible location without adding history.
	ReplaceURL(url string)
}

// Options configures the service.
type Options struct {
	// MFAFlag is sent in the login mfa field when no TOTP secret is set.
	MFAFlag string

	// TOTPSecret, when set, makes login send a generated code instead of MFAFlag.
	TOTPSecret string

	// RefreshBuffer marks tokens this close to expiry as needing refresh.
	RefreshBuffer time.Duration

	// BaseURL is the API root used to build provider redirects.
	BaseURL string

	// CallbackURL is passed to the Google flow as redirect_uri when set.
	CallbackURL string
}

func authError(code, msg string, retry time.Duration, err error) *models.AuthError {
	return &models.AuthError{Code: code, Message: msg, RetryAfter: retry, Err: err}
}
