// Package auth drives the session lifecycle: credential login, external MFA,
// expiry, logout and revalidation against the shared session store.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/carmarket/internal/events"
	"github.com/TheMichaelB/carmarket/internal/guard"
	"github.com/TheMichaelB/carmarket/internal/models"
	"github.com/TheMichaelB/carmarket/internal/scheduler"
	"github.com/TheMichaelB/carmarket/internal/services/totp"
	"github.com/TheMichaelB/carmarket/internal/session"
	"github.com/TheMichaelB/carmarket/internal/state"
	"github.com/TheMichaelB/carmarket/internal/token"
	"github.com/TheMichaelB/carmarket/internal/transport"
)

// Service handles authentication operations. One instance per process.
type Service struct {
	transport transport.Transport
	sessions  *session.Store
	guard     *guard.Guard
	scheduler *scheduler.Scheduler
	navigator Navigator
	totp      totp.Service
	opts      Options
	logger    *events.Logger

	mu       sync.Mutex
	state    State
	claims   *token.Claims
	timer    *scheduler.Handle
	gen      uint64 // bumped whenever the armed timer is replaced or cleared
	pending  string // identity awaiting MFA completion
	expiries chan struct{}
}

// NewService creates an auth service.
func NewService(
	transport transport.Transport,
	sessions *session.Store,
	attempts *guard.Guard,
	sched *scheduler.Scheduler,
	navigator Navigator,
	opts Options,
	logger *events.Logger,
) *Service {
	return &Service{
		transport: transport,
		sessions:  sessions,
		guard:     attempts,
		scheduler: sched,
		navigator: navigator,
		totp:      totp.NewService().WithClock(sched.Clock().Now),
		opts:      opts,
		logger:    logger.WithField("service", "auth"),
		expiries:  make(chan struct{}, 1),
	}
}

// Expired signals each time the session ends because its token expired.
func (s *Service) Expired() <-chan struct{} {
	return s.expiries
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Login authenticates with identity and secret. Local guard rejections never
// reach the backend. The result is always non-nil; err is a *models.AuthError
// for every outcome other than Authenticated and MfaRequired.
func (s *Service) Login(ctx context.Context, identity, secret string) (*LoginResult, error) {
	id := guard.Normalize(identity)
	now := s.now()

	if id == "" || secret == "" {
		return &LoginResult{Outcome: OutcomeInvalidCredentials, State: s.State(), Identity: id},
			authError(models.ErrCodeCredentials, "email and password required", 0, models.ErrInvalidCredentials)
	}

	if rejected, err := s.rejectLocally(id, now); rejected != nil {
		return rejected, err
	}

	mfa, err := s.mfaValue()
	if err != nil {
		return &LoginResult{Outcome: OutcomeMfaError, State: s.State(), Identity: id},
			authError(models.ErrCodeConfig, "cannot generate one-time code", 0, fmt.Errorf("%w: %v", models.ErrInvalidConfig, err))
	}

	s.mu.Lock()
	s.state = StateAuthenticating
	s.pending = id
	s.mu.Unlock()

	requestID := uuid.NewString()
	ctx = events.WithIdentity(events.WithRequestID(ctx, requestID), id)
	logger := s.logger.WithFields(map[string]interface{}{
		"request_id": requestID,
		"identity":   id,
	})
	logger.Info("Logging in")

	var resp models.LoginResponse
	callErr := s.transport.PostJSON(ctx, "/auth/login", models.LoginRequest{
		Email:    id,
		Password: secret,
		MFA:      mfa,
	}, &resp)

	result, err := s.settleLogin(id, &resp, callErr)

	switch {
	case err != nil:
		logger.WithError(err).Warn("Login failed")
	case result.Outcome == OutcomeMfaRequired:
		logger.Info("MFA required, redirecting")
		if navErr := s.navigator.Navigate(ctx, result.RedirectURL); navErr != nil {
			logger.WithError(navErr).Warn("Failed to open MFA provider")
		}
	default:
		logger.Info("Login successful")
	}

	return result, err
}

// rejectLocally applies the guard before any network traffic.
func (s *Service) rejectLocally(id string, now time.Time) (*LoginResult, error) {
	if remaining := s.guard.RemainingBlockTime(id, now); remaining > 0 {
		s.logger.WithField("identity", id).Warn("Login blocked locally")
		return &LoginResult{
				Outcome:    OutcomeBlocked,
				State:      s.State(),
				Identity:   id,
				RetryAfter: remaining,
				Blocked:    true,
				Message:    fmt.Sprintf("too many failed attempts, try again in %d minutes", (models.RetrySeconds(remaining)+59)/60),
			},
			authError(models.ErrCodeBlocked, "too many failed attempts", remaining, models.ErrLoginBlocked)
	}

	if wait := s.guard.RetryAfter(id, now); wait > 0 {
		return &LoginResult{
				Outcome:    OutcomeRetryLater,
				State:      s.State(),
				Identity:   id,
				RetryAfter: wait,
				Message:    fmt.Sprintf("wait %d seconds before the next attempt", models.RetrySeconds(wait)),
			},
			authError(models.ErrCodeRetryAfter, "login attempted too soon", wait, models.ErrRetryLater)
	}

	return nil, nil
}

// settleLogin applies a backend response. Guard bookkeeping happens under the
// service lock so concurrent attempts for one identity update it in turn.
func (s *Service) settleLogin(id string, resp *models.LoginResponse, callErr error) (*LoginResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	// A block declared while this request was in flight wins over its response
	if s.guard.IsBlocked(id, now) {
		return s.failLocked(id, now, OutcomeBlocked, "too many failed attempts", models.ErrLoginBlocked)
	}

	if callErr != nil {
		var apiErr *models.APIError
		if errors.As(callErr, &apiErr) && apiErr.IsClientError() {
			return s.failLocked(id, now, OutcomeInvalidCredentials, messageOr(apiErr.Message, "invalid credentials"), models.ErrInvalidCredentials)
		}
		return s.failLocked(id, now, OutcomeNetworkError, "connection error, try again", fmt.Errorf("%w: %v", models.ErrNetwork, callErr))
	}

	if resp.Success {
		if redirect := resp.RedirectURL(); redirect != "" {
			s.state = StateMfaPending
			s.pending = id
			return &LoginResult{
				Outcome:     OutcomeMfaRequired,
				State:       s.state,
				Identity:    id,
				RedirectURL: redirect,
			}, nil
		}

		if raw := resp.AccessToken(); raw != "" {
			v := token.Validate(raw, now, s.opts.RefreshBuffer)
			if v.Valid() {
				claims := s.establishLocked(raw, resp.Refresh(), v.Claims)
				s.guard.RecordSuccess(id)
				return &LoginResult{
					Outcome:  OutcomeAuthenticated,
					State:    s.state,
					Identity: id,
					User:     claims.UserInfo(),
				}, nil
			}
			s.logger.WithError(v.Err).Warn("Backend returned an unusable token")
		}
	}

	return s.failLocked(id, now, OutcomeInvalidCredentials, messageOr(resp.Message, "invalid credentials"), models.ErrInvalidCredentials)
}

// failLocked records a failed attempt and settles the state machine.
func (s *Service) failLocked(id string, now time.Time, outcome Outcome, msg string, cause error) (*LoginResult, error) {
	stats := s.guard.RecordFailure(id, now)

	s.pending = ""
	if s.claims != nil {
		s.state = StateAuthenticated
	} else {
		s.state = StateAnonymous
	}

	wait := stats.RetryAfter
	if stats.Blocked {
		wait = stats.RemainingBlockTime
		if outcome != OutcomeNetworkError {
			outcome = OutcomeBlocked
		}
	}

	code := models.ErrCodeCredentials
	switch outcome {
	case OutcomeNetworkError:
		code = models.ErrCodeNetwork
	case OutcomeBlocked:
		code = models.ErrCodeBlocked
		if !errors.Is(cause, models.ErrLoginBlocked) {
			cause = errors.Join(cause, models.ErrLoginBlocked)
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"identity": id,
		"attempts": stats.Attempts,
		"blocked":  stats.Blocked,
	}).Debug("Recorded failed attempt")

	return &LoginResult{
		Outcome:    outcome,
		State:      s.state,
		Identity:   id,
		RetryAfter: wait,
		Blocked:    stats.Blocked,
		Message:    msg,
	}, authError(code, msg, wait, cause)
}

// BeginGoogleLogin sends the user to the backend's Google entry point.
func (s *Service) BeginGoogleLogin(ctx context.Context) (string, error) {
	target := strings.TrimRight(s.opts.BaseURL, "/") + "/auth/google"
	if s.opts.CallbackURL != "" {
		target += "?" + url.Values{"redirect_uri": {s.opts.CallbackURL}}.Encode()
	}

	s.mu.Lock()
	if s.state != StateAuthenticated {
		s.state = StateMfaPending
	}
	s.mu.Unlock()

	if err := s.navigator.Navigate(ctx, target); err != nil {
		return target, fmt.Errorf("open google login: %w", err)
	}
	return target, nil
}

// CompleteMfaCallback finishes a redirect-based login from the URL the
// provider returned to. One-time parameters are always stripped from the
// visible location afterwards. MFA outcomes never count against the guard.
func (s *Service) CompleteMfaCallback(ctx context.Context, callback *url.URL) (*LoginResult, error) {
	result, err := s.settleCallback(callback.Query())

	s.navigator.ReplaceURL(StripCallbackParams(callback).String())

	if err != nil {
		s.logger.WithError(err).Warn("MFA callback rejected")
	} else {
		s.logger.WithField("identity", result.Identity).Info("MFA completed")
	}
	return result, err
}

func (s *Service) settleCallback(q url.Values) (*LoginResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity := s.pending

	abort := func(outcome Outcome, code, msg string, cause error) (*LoginResult, error) {
		s.pending = ""
		if s.state == StateMfaPending {
			s.state = StateAnonymous
		}
		return &LoginResult{Outcome: outcome, State: s.state, Identity: identity, Message: msg},
			authError(code, msg, 0, cause)
	}

	switch q.Get("mfa") {
	case "ok":
		raw := q.Get("token")
		if raw == "" {
			return abort(OutcomeMfaError, models.ErrCodeMfaError, "verification returned no token", models.ErrMfaFailed)
		}

		v := token.Validate(raw, s.now(), s.opts.RefreshBuffer)
		if !v.Valid() {
			return abort(OutcomeMfaError, models.ErrCodeMfaError, "verification returned an unusable token", errors.Join(models.ErrMfaFailed, v.Err))
		}

		claims := s.establishLocked(raw, q.Get("refreshToken"), v.Claims)
		if identity == "" {
			identity = guard.Normalize(claims.UserInfo().Email)
		}
		s.guard.RecordSuccess(identity)

		return &LoginResult{
			Outcome:  OutcomeAuthenticated,
			State:    s.state,
			Identity: identity,
			User:     claims.UserInfo(),
		}, nil

	case "denied":
		return abort(OutcomeMfaDenied, models.ErrCodeMfaDenied, messageOr(q.Get("error"), "verification was denied"), models.ErrMfaDenied)

	default:
		return abort(OutcomeMfaError, models.ErrCodeMfaError, messageOr(q.Get("error"), "verification failed"), models.ErrMfaFailed)
	}
}

// callbackParams are consumed once and must not survive in the visible URL.
var callbackParams = []string{"mfa", "token", "refreshToken", "error", "state"}

// StripCallbackParams returns a copy of u without the one-time MFA parameters.
func StripCallbackParams(u *url.URL) *url.URL {
	stripped := *u
	q := stripped.Query()
	for _, p := range callbackParams {
		q.Del(p)
	}
	stripped.RawQuery = q.Encode()
	return &stripped
}

// Logout ends the session. Safe to call in any state.
func (s *Service) Logout(ctx context.Context) error {
	s.mu.Lock()
	authenticated := s.state == StateAuthenticated
	s.mu.Unlock()

	// Best effort; local state is cleared regardless
	if authenticated {
		if err := s.transport.PostJSON(ctx, "/auth/logout", struct{}{}, nil); err != nil {
			s.logger.WithError(err).Debug("Server logout failed")
		}
	}

	s.mu.Lock()
	s.clearLocked("logout")
	s.mu.Unlock()

	s.logger.Info("Logged out")
	return nil
}

// Rehydrate revalidates the stored token and re-arms or clears the session.
// It runs at startup and whenever another process changes the session slots.
func (s *Service) Rehydrate(ctx context.Context) (State, error) {
	if s.sessions.MigrateLegacy() {
		s.logger.Info("Removed session slots left by an older client")
	}

	raw, ok := s.sessions.Load()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !ok {
		if s.state == StateAuthenticated {
			s.clearLocked("session removed")
		}
		return s.state, nil
	}

	v := token.Validate(raw, s.now(), s.opts.RefreshBuffer)
	switch v.Status {
	case token.StatusValid:
		s.claims = v.Claims
		s.transport.SetToken(raw)
		s.state = StateAuthenticated
		s.armLocked(v.Claims)
		return s.state, nil

	case token.StatusExpired:
		s.clearLocked("expired")
		s.notifyExpired()
		return s.state, authError(models.ErrCodeTokenExpired, "session expired", 0, v.Err)

	case token.StatusNotYetValid:
		s.clearLocked("not yet valid")
		return s.state, authError(models.ErrCodeTokenNotYetValid, "session token not yet valid", 0, v.Err)

	default:
		s.clearLocked("malformed")
		return s.state, authError(models.ErrCodeMalformedToken, "stored session is unreadable", 0, v.Err)
	}
}

// WatchStorage rehydrates whenever another handle or process touches a session
// slot. It returns once the subscription is established.
func (s *Service) WatchStorage(ctx context.Context, watcher state.Watcher) error {
	changes, err := watcher.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watch storage: %w", err)
	}

	go func() {
		for change := range changes {
			if !session.IsSessionKey(change.Key) {
				continue
			}

			st, err := s.Rehydrate(ctx)
			logger := s.logger.WithFields(map[string]interface{}{
				"key":   change.Key,
				"state": st.String(),
			})
			if err != nil {
				logger.WithError(err).Info("Session invalidated by storage change")
			} else {
				logger.Debug("Session revalidated after storage change")
			}
		}
	}()

	return nil
}

// Status returns a snapshot of the session.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:        s.state,
		TimerPending: s.scheduler.Pending(),
	}
	if s.claims != nil {
		st.User = s.claims.UserInfo()
		st.TimeUntilExpiry = s.scheduler.TimeUntilExpiry(s.claims)
		st.NeedsRefresh = token.NeedsRefresh(s.claims, s.now(), s.opts.RefreshBuffer)
		if s.claims.ExpiresAt != nil {
			st.ExpiresAt = s.claims.ExpiresAt.Time
		}

		provider := s.claims.AuthProvider
		st.LocalAuth = provider.IsLocal()
		st.ExternalMFA = provider.RequiresExternalMFA()
		st.MfaCompleted = s.claims.MfaCompleted()
		st.TokenPermissions = slices.Clone(s.claims.Permissions)
	}
	return st
}

// HasRole reports whether the active token was issued for role.
func (s *Service) HasRole(role string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims.HasRole(role)
}

// HasPermission reports whether perm is embedded in the active token. The
// backend's permission endpoint remains authoritative.
func (s *Service) HasPermission(perm string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims.HasPermission(perm)
}

// ResetAttempts forgets the failed-login history of every identity.
func (s *Service) ResetAttempts() {
	s.guard.Reset()
	s.logger.Info("Login attempt history cleared")
}

// Claims returns the active session's claims, or nil.
func (s *Service) Claims() *token.Claims {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims
}

// AttemptStats reports the guard's view of identity.
func (s *Service) AttemptStats(identity string) guard.Stats {
	return s.guard.Stats(identity, s.now())
}

// establishLocked persists raw and arms expiry. Returns the claims of the token
// as stored, which may carry provider normalization.
func (s *Service) establishLocked(raw, refresh string, claims *token.Claims) *token.Claims {
	stored, err := s.sessions.Save(raw, refresh)
	if err != nil {
		// The session still works for this process
		s.logger.WithError(err).Error("Failed to persist session")
		stored = raw
	} else if normalized, derr := token.Decode(stored); derr == nil {
		claims = normalized
	}

	s.claims = claims
	s.pending = ""
	s.transport.SetToken(stored)
	s.state = StateAuthenticated
	s.armLocked(claims)

	return claims
}

// armLocked replaces any pending expiry timer with one for claims.
func (s *Service) armLocked(claims *token.Claims) {
	s.gen++
	gen := s.gen

	ttl := s.scheduler.TimeUntilExpiry(claims)
	if ttl <= 0 {
		s.scheduler.Cancel(s.timer)
		s.timer = nil
		s.clearLocked("expired")
		s.notifyExpired()
		return
	}

	s.timer = s.scheduler.ScheduleAfter(ttl, func() { s.expire(gen) })
}

// expire runs on the scheduler's timer. Stale generations are ignored.
func (s *Service) expire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateAuthenticated {
		s.mu.Unlock()
		return
	}
	s.clearLocked("expired")
	s.mu.Unlock()

	s.logger.Info("Session expired")
	s.notifyExpired()
}

// clearLocked drops every trace of the session. Idempotent.
func (s *Service) clearLocked(reason string) {
	s.gen++
	s.scheduler.Cancel(s.timer)
	s.timer = nil

	if err := s.sessions.Clear(); err != nil {
		s.logger.WithError(err).Warn("Failed to clear session storage")
	}

	s.transport.SetToken("")
	s.claims = nil
	s.pending = ""

	if s.state != StateAnonymous {
		s.logger.WithField("reason", reason).Debug("Session cleared")
	}
	s.state = StateAnonymous
}

func (s *Service) notifyExpired() {
	select {
	case s.expiries <- struct{}{}:
	default:
	}
}

func (s *Service) mfaValue() (string, error) {
	if s.opts.TOTPSecret == "" {
		return s.opts.MFAFlag, nil
	}
	return s.totp.GenerateCode(s.opts.TOTPSecret)
}

func (s *Service) now() time.Time {
	return s.scheduler.Clock().Now()
}

func messageOr(msg, fallback string) string {
	if strings.TrimSpace(msg) == "" {
		return fallback
	}
	return msg
}
