package auth_test

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/carmarket/internal/events"
	"github.com/TheMichaelB/carmarket/internal/guard"
	"github.com/TheMichaelB/carmarket/internal/models"
	"github.com/TheMichaelB/carmarket/internal/scheduler"
	"github.com/TheMichaelB/carmarket/internal/services/auth"
	"github.com/TheMichaelB/carmarket/internal/services/totp"
	"github.com/TheMichaelB/carmarket/internal/session"
	"github.com/TheMichaelB/carmarket/internal/state"
	"github.com/TheMichaelB/carmarket/internal/token"
	"github.com/TheMichaelB/carmarket/internal/transport"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingNavigator struct {
	mu        sync.Mutex
	navigated []string
	replaced  []string
}

func (n *recordingNavigator) Navigate(ctx context.Context, url string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.navigated = append(n.navigated, url)
	return nil
}

func (n *recordingNavigator) ReplaceURL(url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.replaced = append(n.replaced, url)
}

func (n *recordingNavigator) lastReplaced() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.replaced) == 0 {
		return ""
	}
	return n.replaced[len(n.replaced)-1]
}

type fixture struct {
	svc       *auth.Service
	clock     *scheduler.ManualClock
	kv        *state.MemoryStore
	sessions  *session.Store
	guard     *guard.Guard
	transport *transport.MockTransport
	nav       *recordingNavigator
}

func newFixture(t *testing.T, mutate func(*auth.Options)) *fixture {
	t.Helper()

	logger := events.Discard()
	f := &fixture{
		clock:     scheduler.NewManualClock(start),
		kv:        state.NewMemoryStore(),
		guard:     guard.New(guard.DefaultConfig()),
		transport: transport.NewMockTransport(),
		nav:       &recordingNavigator{},
	}
	f.guard.SetRandom(func() float64 { return 0 })
	f.sessions = session.NewStore(f.kv, logger)

	opts := auth.Options{
		MFAFlag:       "Y",
		RefreshBuffer: 10 * time.Second,
		BaseURL:       "https://api.test",
		CallbackURL:   "http://127.0.0.1:8787/mfa/callback",
	}
	if mutate != nil {
		mutate(&opts)
	}

	f.svc = auth.NewService(f.transport, f.sessions, f.guard, scheduler.New(f.clock, logger), f.nav, opts, logger)
	return f
}

func makeToken(t *testing.T, ttl time.Duration, mutate func(*token.Claims)) string {
	t.Helper()
	c := &token.Claims{
		Email:        "a@x.com",
		Role:         "seller",
		AuthProvider: models.ProviderLocal,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u-1",
			IssuedAt:  jwt.NewNumericDate(start),
			ExpiresAt: jwt.NewNumericDate(start.Add(ttl)),
		},
	}
	if mutate != nil {
		mutate(c)
	}
	raw, err := token.EncodeUnsigned(c)
	require.NoError(t, err)
	return raw
}

func TestLoginAcceptsNumericUserID(t *testing.T) {
	f := newFixture(t, nil)
	payload := fmt.Sprintf(`{"sub":"a@x.com","userId":42,"authProvider":"local","exp":%d}`, start.Add(time.Hour).Unix())
	raw := "eyJhbGciOiJub25lIn0." + base64.RawURLEncoding.EncodeToString([]byte(payload)) + "."
	f.transport.AddResponse("/auth/login", models.LoginResponse{Success: true, Token: raw})

	res, err := f.svc.Login(context.Background(), "a@x.com", "hunter2")
	require.NoError(t, err)

	assert.Equal(t, auth.OutcomeAuthenticated, res.Outcome)
	assert.Equal(t, "a@x.com", res.User.ID)
	assert.Zero(t, f.svc.AttemptStats("a@x.com").Attempts)

	restarted := newFixture(t, nil)
	_, err = restarted.sessions.Save(raw, "")
	require.NoError(t, err)

	st, err := restarted.svc.Rehydrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, auth.StateAuthenticated, st)
}

func requireAuthError(t *testing.T, err error, code string) *models.AuthError {
	t.Helper()
	require.Error(t, err)
	var authErr *models.AuthError
	require.True(t, errors.As(err, &authErr), "expected AuthError, got %T", err)
	assert.Equal(t, code, authErr.Code)
	return authErr
}

func TestLoginSuccess(t *testing.T) {
	f := newFixture(t, nil)
	raw := makeToken(t, time.Hour, nil)
	f.transport.AddResponse("/auth/login", models.LoginResponse{Success: true, Token: raw, RefreshToken: "r1"})

	res, err := f.svc.Login(context.Background(), "  A@X.com ", "hunter2")
	require.NoError(t, err)

	assert.Equal(t, auth.OutcomeAuthenticated, res.Outcome)
	assert.Equal(t, auth.StateAuthenticated, res.State)
	assert.Equal(t, "a@x.com", res.Identity)
	assert.Equal(t, "u-1", res.User.ID)
	assert.Equal(t, raw, f.transport.GetToken())

	stored, ok := f.sessions.Load()
	require.True(t, ok)
	assert.Equal(t, raw, stored)
	refresh, _ := f.sessions.RefreshToken()
	assert.Equal(t, "r1", refresh)

	req, ok := f.transport.LastRequest()
	require.True(t, ok)
	payload, ok := req.Payload.(models.LoginRequest)
	require.True(t, ok)
	assert.Equal(t, "a@x.com", payload.Email)
	assert.Equal(t, "hunter2", payload.Password)
	assert.Equal(t, "Y", payload.MFA)

	st := f.svc.Status()
	assert.True(t, st.TimerPending)
	assert.Equal(t, time.Hour, st.TimeUntilExpiry)
	assert.False(t, st.NeedsRefresh)
}

func TestLoginNestedResponse(t *testing.T) {
	f := newFixture(t, nil)
	raw := makeToken(t, time.Hour, nil)
	f.transport.AddResponse("/auth/login", models.LoginResponse{
		Success: true,
		Data:    &models.LoginData{Token: raw, RefreshToken: "r9"},
	})

	res, err := f.svc.Login(context.Background(), "a@x.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, auth.OutcomeAuthenticated, res.Outcome)

	refresh, _ := f.sessions.RefreshToken()
	assert.Equal(t, "r9", refresh)
}

func TestLoginSendsTOTPCode(t *testing.T) {
	const secret = "JBSWY3DPEHPK3PXP"
	f := newFixture(t, func(o *auth.Options) { o.TOTPSecret = secret })
	f.transport.AddResponse("/auth/login", models.LoginResponse{Success: true, Token: makeToken(t, time.Hour, nil)})

	_, err := f.svc.Login(context.Background(), "a@x.com", "pw")
	require.NoError(t, err)

	want, err := totp.NewService().GenerateCodeAtTime(secret, start)
	require.NoError(t, err)

	req, _ := f.transport.LastRequest()
	assert.Equal(t, want, req.Payload.(models.LoginRequest).MFA)
}

func TestLoginRejectsEmptyCredentials(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.Login(context.Background(), " ", "pw")
	requireAuthError(t, err, models.ErrCodeCredentials)
	assert.Equal(t, auth.OutcomeInvalidCredentials, res.Outcome)

	_, err = f.svc.Login(context.Background(), "a@x.com", "")
	requireAuthError(t, err, models.ErrCodeCredentials)

	assert.Empty(t, f.transport.Requests)
	assert.Zero(t, f.svc.AttemptStats("a@x.com").Attempts)
}

func TestLoginBackoffThenBlock(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.AddError("/auth/login", &models.APIError{StatusCode: 401, Code: "UNAUTHORIZED", Message: "invalid credentials"})
	ctx := context.Background()

	wantRetry := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, want := range wantRetry {
		res, err := f.svc.Login(ctx, "a@x.com", "wrong")
		authErr := requireAuthError(t, err, models.ErrCodeCredentials)
		assert.ErrorIs(t, err, models.ErrInvalidCredentials)

		assert.Equal(t, auth.OutcomeInvalidCredentials, res.Outcome, "attempt %d", i+1)
		assert.Equal(t, want, res.RetryAfter, "attempt %d", i+1)
		assert.Equal(t, want, authErr.RetryAfter)
		assert.False(t, res.Blocked)
		assert.Equal(t, auth.StateAnonymous, f.svc.State())

		f.clock.Advance(res.RetryAfter)
	}

	res, err := f.svc.Login(ctx, "a@x.com", "wrong")
	requireAuthError(t, err, models.ErrCodeBlocked)
	assert.ErrorIs(t, err, models.ErrLoginBlocked)
	assert.Equal(t, auth.OutcomeBlocked, res.Outcome)
	assert.True(t, res.Blocked)
	assert.Equal(t, 15*time.Minute, res.RetryAfter)

	stats := f.svc.AttemptStats("A@x.com")
	assert.Equal(t, 5, stats.Attempts)
	assert.True(t, stats.Blocked)
	assert.Equal(t, 15*time.Minute, stats.RemainingBlockTime)

	// Blocked attempts never reach the backend
	f.clock.Advance(time.Minute)
	res, err = f.svc.Login(ctx, "a@x.com", "right")
	requireAuthError(t, err, models.ErrCodeBlocked)
	assert.Equal(t, 14*time.Minute, res.RetryAfter)
	assert.Contains(t, res.Message, "14 minutes")
	assert.Equal(t, 5, f.transport.RequestCount("/auth/login"))

	// Other identities are unaffected
	assert.False(t, f.svc.AttemptStats("b@x.com").Blocked)

	f.clock.Advance(14 * time.Minute)
	f.transport.ClearError("/auth/login")
	f.transport.AddResponse("/auth/login", models.LoginResponse{Success: true, Token: makeToken(t, 2*time.Hour, nil)})

	res, err = f.svc.Login(ctx, "a@x.com", "right")
	require.NoError(t, err)
	assert.Equal(t, auth.OutcomeAuthenticated, res.Outcome)
	assert.Zero(t, f.svc.AttemptStats("a@x.com").Attempts)
}

func TestLoginTooSoon(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.AddError("/auth/login", &models.APIError{StatusCode: 401, Message: "nope"})
	ctx := context.Background()

	_, err := f.svc.Login(ctx, "a@x.com", "wrong")
	requireAuthError(t, err, models.ErrCodeCredentials)

	f.clock.Advance(500 * time.Millisecond)
	res, err := f.svc.Login(ctx, "a@x.com", "wrong")
	requireAuthError(t, err, models.ErrCodeRetryAfter)
	assert.ErrorIs(t, err, models.ErrRetryLater)
	assert.Equal(t, auth.OutcomeRetryLater, res.Outcome)
	assert.Equal(t, 500*time.Millisecond, res.RetryAfter)

	assert.Equal(t, 1, f.transport.RequestCount("/auth/login"))
	assert.Equal(t, 1, f.svc.AttemptStats("a@x.com").Attempts)
}

func TestLoginNetworkError(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.AddError("/auth/login", fmt.Errorf("request failed: %w", errors.New("connection refused")))

	res, err := f.svc.Login(context.Background(), "a@x.com", "pw")
	requireAuthError(t, err, models.ErrCodeNetwork)
	assert.ErrorIs(t, err, models.ErrNetwork)
	assert.Equal(t, auth.OutcomeNetworkError, res.Outcome)
	assert.Equal(t, 1, f.svc.AttemptStats("a@x.com").Attempts)

	// Server faults are network-class too
	f.clock.Advance(time.Minute)
	f.transport.AddError("/auth/login", &models.APIError{StatusCode: 503, Message: "unavailable"})
	res, err = f.svc.Login(context.Background(), "a@x.com", "pw")
	requireAuthError(t, err, models.ErrCodeNetwork)
	assert.Equal(t, auth.OutcomeNetworkError, res.Outcome)
}

func TestLoginUnsuccessfulBody(t *testing.T) {
	tests := []struct {
		name string
		resp models.LoginResponse
	}{
		{name: "success false", resp: models.LoginResponse{Success: false, Message: "Wrong password"}},
		{name: "no token", resp: models.LoginResponse{Success: true}},
		{name: "malformed token", resp: models.LoginResponse{Success: true, Token: "not-a-jwt"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.transport.AddResponse("/auth/login", tt.resp)

			res, err := f.svc.Login(context.Background(), "a@x.com", "pw")
			requireAuthError(t, err, models.ErrCodeCredentials)
			assert.Equal(t, auth.OutcomeInvalidCredentials, res.Outcome)
			assert.Equal(t, 1, f.svc.AttemptStats("a@x.com").Attempts)

			_, ok := f.sessions.Load()
			assert.False(t, ok)
		})
	}
}

func TestLoginBlockedWhileInFlight(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.AddResponse("/auth/login", models.LoginResponse{Success: true, Token: makeToken(t, time.Hour, nil)})

	// Another attempt for the same identity exhausts the guard mid-request
	f.transport.BeforeRespond = func(method, path string) {
		for i := 0; i < 5; i++ {
			f.guard.RecordFailure("a@x.com", f.clock.Now())
		}
	}

	res, err := f.svc.Login(context.Background(), "a@x.com", "pw")
	requireAuthError(t, err, models.ErrCodeBlocked)
	assert.Equal(t, auth.OutcomeBlocked, res.Outcome)
	assert.Equal(t, auth.StateAnonymous, f.svc.State())

	_, ok := f.sessions.Load()
	assert.False(t, ok)
	assert.Empty(t, f.transport.GetToken())
}

func TestLoginGoogleTokenGetsMfa(t *testing.T) {
	f := newFixture(t, nil)
	raw := makeToken(t, time.Hour, func(c *token.Claims) {
		c.AuthProvider = models.ProviderGoogle
	})
	f.transport.AddResponse("/auth/login", models.LoginResponse{Success: true, Token: raw})

	res, err := f.svc.Login(context.Background(), "a@x.com", "pw")
	require.NoError(t, err)
	assert.True(t, res.User.MFA)

	stored, ok := f.sessions.Load()
	require.True(t, ok)
	claims, err := token.Decode(stored)
	require.NoError(t, err)
	assert.True(t, claims.MFA)
	assert.Equal(t, stored, f.transport.GetToken())
}

func TestLoginMfaRedirect(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.AddResponse("/auth/login", models.LoginResponse{Success: true, MfaRedirectURL: "https://duo.test/frame?sig=1"})

	res, err := f.svc.Login(context.Background(), "a@x.com", "pw")
	require.NoError(t, err)

	assert.Equal(t, auth.OutcomeMfaRequired, res.Outcome)
	assert.Equal(t, auth.StateMfaPending, f.svc.State())
	assert.Equal(t, "https://duo.test/frame?sig=1", res.RedirectURL)
	assert.Equal(t, []string{"https://duo.test/frame?sig=1"}, f.nav.navigated)
	assert.Zero(t, f.svc.AttemptStats("a@x.com").Attempts)

	_, ok := f.sessions.Load()
	assert.False(t, ok)
}

func TestCompleteMfaCallback(t *testing.T) {
	raw := makeToken(t, time.Hour, nil)

	tests := []struct {
		name      string
		query     url.Values
		wantErr   string
		wantOut   auth.Outcome
		wantState auth.State
	}{
		{
			name:      "approved",
			query:     url.Values{"mfa": {"ok"}, "token": {raw}, "refreshToken": {"r2"}},
			wantOut:   auth.OutcomeAuthenticated,
			wantState: auth.StateAuthenticated,
		},
		{
			name:      "denied",
			query:     url.Values{"mfa": {"denied"}, "error": {"User denied"}},
			wantErr:   models.ErrCodeMfaDenied,
			wantOut:   auth.OutcomeMfaDenied,
			wantState: auth.StateAnonymous,
		},
		{
			name:      "provider error",
			query:     url.Values{"mfa": {"error"}, "error": {"timeout"}},
			wantErr:   models.ErrCodeMfaError,
			wantOut:   auth.OutcomeMfaError,
			wantState: auth.StateAnonymous,
		},
		{
			name:      "ok without token",
			query:     url.Values{"mfa": {"ok"}},
			wantErr:   models.ErrCodeMfaError,
			wantOut:   auth.OutcomeMfaError,
			wantState: auth.StateAnonymous,
		},
		{
			name:      "ok with expired token",
			query:     url.Values{"mfa": {"ok"}, "token": {makeToken(t, -time.Minute, nil)}},
			wantErr:   models.ErrCodeMfaError,
			wantOut:   auth.OutcomeMfaError,
			wantState: auth.StateAnonymous,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.transport.AddResponse("/auth/login", models.LoginResponse{Success: true, MfaRedirectURL: "https://duo.test/frame"})
			_, err := f.svc.Login(context.Background(), "a@x.com", "pw")
			require.NoError(t, err)

			q := tt.query
			q.Set("keep", "1")
			callback, err := url.Parse("http://127.0.0.1:8787/mfa/callback?" + q.Encode())
			require.NoError(t, err)

			res, err := f.svc.CompleteMfaCallback(context.Background(), callback)
			if tt.wantErr != "" {
				requireAuthError(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			assert.Equal(t, tt.wantOut, res.Outcome)
			assert.Equal(t, tt.wantState, f.svc.State())
			assert.Equal(t, "a@x.com", res.Identity)
			assert.Equal(t, "http://127.0.0.1:8787/mfa/callback?keep=1", f.nav.lastReplaced())

			// MFA outcomes never count as failed logins
			assert.Zero(t, f.svc.AttemptStats("a@x.com").Attempts)
		})
	}
}

func TestCompleteMfaCallbackStoresSession(t *testing.T) {
	f := newFixture(t, nil)
	raw := makeToken(t, time.Hour, nil)

	callback, err := url.Parse("http://localhost/mfa/callback?mfa=ok&token=" + raw + "&refreshToken=r2")
	require.NoError(t, err)

	res, err := f.svc.CompleteMfaCallback(context.Background(), callback)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", res.Identity)

	stored, _ := f.sessions.Load()
	assert.Equal(t, raw, stored)
	refresh, _ := f.sessions.RefreshToken()
	assert.Equal(t, "r2", refresh)
	assert.True(t, f.svc.Status().TimerPending)
}

func TestStripCallbackParams(t *testing.T) {
	u, err := url.Parse("https://app.test/dashboard?mfa=ok&token=abc&refreshToken=def&state=s&error=e&tab=cars#top")
	require.NoError(t, err)

	stripped := auth.StripCallbackParams(u)
	assert.Equal(t, "https://app.test/dashboard?tab=cars#top", stripped.String())

	// The input is untouched
	assert.Equal(t, "abc", u.Query().Get("token"))
}

func TestBeginGoogleLogin(t *testing.T) {
	f := newFixture(t, nil)

	target, err := f.svc.BeginGoogleLogin(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "https://api.test/auth/google?redirect_uri=http%3A%2F%2F127.0.0.1%3A8787%2Fmfa%2Fcallback", target)
	assert.Equal(t, []string{target}, f.nav.navigated)
	assert.Equal(t, auth.StateMfaPending, f.svc.State())
}

func TestSessionExpires(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.AddResponse("/auth/login", models.LoginResponse{Success: true, Token: makeToken(t, time.Hour, nil), RefreshToken: "r1"})

	_, err := f.svc.Login(context.Background(), "a@x.com", "pw")
	require.NoError(t, err)

	f.clock.Advance(59*time.Minute + 55*time.Second)
	assert.Equal(t, auth.StateAuthenticated, f.svc.State())
	assert.True(t, f.svc.Status().NeedsRefresh)

	f.clock.Advance(5 * time.Second)

	select {
	case <-f.svc.Expired():
	default:
		t.Fatal("expiry not signalled")
	}

	assert.Equal(t, auth.StateAnonymous, f.svc.State())
	assert.Empty(t, f.transport.GetToken())
	assert.False(t, f.svc.Status().TimerPending)

	keys, err := f.kv.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestReloginReplacesTimer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.transport.AddResponse("/auth/login", models.LoginResponse{Success: true, Token: makeToken(t, 10*time.Minute, nil)})
	_, err := f.svc.Login(ctx, "a@x.com", "pw")
	require.NoError(t, err)

	f.transport.AddResponse("/auth/login", models.LoginResponse{Success: true, Token: makeToken(t, time.Hour, nil)})
	_, err = f.svc.Login(ctx, "a@x.com", "pw")
	require.NoError(t, err)

	assert.Equal(t, 1, f.clock.Pending())

	// The first token's deadline passes without ending the session
	f.clock.Advance(15 * time.Minute)
	assert.Equal(t, auth.StateAuthenticated, f.svc.State())
}

func TestLogout(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.AddResponse("/auth/login", models.LoginResponse{Success: true, Token: makeToken(t, time.Hour, nil), RefreshToken: "r1"})
	f.transport.AddResponse("/auth/logout", map[string]bool{"success": true})
	ctx := context.Background()

	_, err := f.svc.Login(ctx, "a@x.com", "pw")
	require.NoError(t, err)
	require.NoError(t, f.kv.Set("user", `{"email":"a@x.com"}`))
	f.sessions.CacheSet("listing_draft", "draft")

	require.NoError(t, f.svc.Logout(ctx))

	assert.Equal(t, auth.StateAnonymous, f.svc.State())
	assert.Empty(t, f.transport.GetToken())
	assert.Zero(t, f.clock.Pending())
	assert.Equal(t, 1, f.transport.RequestCount("/auth/logout"))

	keys, err := f.kv.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
	_, ok := f.sessions.CacheGet("listing_draft")
	assert.False(t, ok)

	// Idempotent, and anonymous logouts stay local
	require.NoError(t, f.svc.Logout(ctx))
	assert.Equal(t, 1, f.transport.RequestCount("/auth/logout"))
}

func TestStatusProviderDetails(t *testing.T) {
	tests := []struct {
		name         string
		provider     models.AuthProvider
		mfa          bool
		wantLocal    bool
		wantExternal bool
		wantMfa      bool
	}{
		{"local password", models.ProviderLocal, false, true, false, false},
		{"local with duo", models.ProviderLocalDuo, true, true, true, true},
		{"google", models.ProviderGoogle, false, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			raw := makeToken(t, time.Hour, func(c *token.Claims) {
				c.AuthProvider = tt.provider
				c.MFA = tt.mfa
				c.Permissions = []string{"read:vehicle", "publish:vehicle"}
			})
			f.transport.AddResponse("/auth/login", models.LoginResponse{Success: true, Token: raw})

			_, err := f.svc.Login(context.Background(), "a@x.com", "pw")
			require.NoError(t, err)

			st := f.svc.Status()
			assert.Equal(t, tt.wantLocal, st.LocalAuth)
			assert.Equal(t, tt.wantExternal, st.ExternalMFA)
			assert.Equal(t, tt.wantMfa, st.MfaCompleted)
			assert.Equal(t, []string{"read:vehicle", "publish:vehicle"}, st.TokenPermissions)

			assert.True(t, f.svc.HasRole("seller"))
			assert.False(t, f.svc.HasRole("admin"))
			assert.True(t, f.svc.HasPermission("publish:vehicle"))
			assert.False(t, f.svc.HasPermission("delete:vehicle"))
		})
	}
}

func TestRoleChecksWithoutSession(t *testing.T) {
	f := newFixture(t, nil)

	st := f.svc.Status()
	assert.False(t, st.LocalAuth)
	assert.Empty(t, st.TokenPermissions)
	assert.False(t, f.svc.HasRole("seller"))
	assert.False(t, f.svc.HasPermission("read:vehicle"))
}

func TestResetAttempts(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.AddError("/auth/login", &models.APIError{StatusCode: 401, Message: "invalid credentials"})
	ctx := context.Background()

	_, err := f.svc.Login(ctx, "a@x.com", "wrong")
	require.Error(t, err)
	_, err = f.svc.Login(ctx, "b@x.com", "wrong")
	require.Error(t, err)

	// Still inside a's backoff window
	_, err = f.svc.Login(ctx, "a@x.com", "wrong")
	requireAuthError(t, err, models.ErrCodeRetryAfter)

	f.svc.ResetAttempts()

	assert.Zero(t, f.svc.AttemptStats("a@x.com").Attempts)
	assert.Zero(t, f.svc.AttemptStats("b@x.com").Attempts)

	f.transport.ClearError("/auth/login")
	f.transport.AddResponse("/auth/login", models.LoginResponse{Success: true, Token: makeToken(t, time.Hour, nil)})
	res, err := f.svc.Login(ctx, "b@x.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, auth.OutcomeAuthenticated, res.Outcome)
}

func TestLogoutServerFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.AddResponse("/auth/login", models.LoginResponse{Success: true, Token: makeToken(t, time.Hour, nil)})
	f.transport.AddError("/auth/logout", errors.New("connection reset"))
	ctx := context.Background()

	_, err := f.svc.Login(ctx, "a@x.com", "pw")
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx))
	_, ok := f.sessions.Load()
	assert.False(t, ok)
}

func TestRehydrate(t *testing.T) {
	tests := []struct {
		name      string
		slots     map[string]string
		wantState auth.State
		wantErr   error
		wantSlots []string
		expired   bool
	}{
		{
			name:      "empty",
			wantState: auth.StateAnonymous,
		},
		{
			name:      "valid",
			slots:     map[string]string{session.KeyAccessToken: "VALID", session.KeyRefreshToken: "r1"},
			wantState: auth.StateAuthenticated,
			wantSlots: []string{session.KeyAccessToken, session.KeyRefreshToken},
		},
		{
			name:      "expired",
			slots:     map[string]string{session.KeyAccessToken: "EXPIRED", session.KeyRefreshToken: "r1"},
			wantState: auth.StateAnonymous,
			wantErr:   models.ErrTokenExpired,
			expired:   true,
		},
		{
			name:      "not yet valid",
			slots:     map[string]string{session.KeyAccessToken: "FUTURE"},
			wantState: auth.StateAnonymous,
			wantErr:   models.ErrTokenNotYetValid,
		},
		{
			name:      "malformed",
			slots:     map[string]string{session.KeyAccessToken: "garbage"},
			wantState: auth.StateAnonymous,
			wantErr:   models.ErrMalformedToken,
		},
		{
			name:      "legacy slots purged",
			slots:     map[string]string{session.KeyAccessToken: "VALID", "token": "old", "puser": "{}"},
			wantState: auth.StateAuthenticated,
			wantSlots: []string{session.KeyAccessToken},
		},
		{
			name:      "legacy only",
			slots:     map[string]string{"token": "old", "user": "{}"},
			wantState: auth.StateAnonymous,
		},
	}

	tokens := map[string]string{
		"VALID":   makeToken(t, time.Hour, nil),
		"EXPIRED": makeToken(t, -time.Second, nil),
		"FUTURE": makeToken(t, time.Hour, func(c *token.Claims) {
			c.NotBefore = jwt.NewNumericDate(start.Add(time.Minute))
		}),
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			for k, v := range tt.slots {
				if raw, ok := tokens[v]; ok {
					v = raw
				}
				require.NoError(t, f.kv.Set(k, v))
			}

			st, err := f.svc.Rehydrate(context.Background())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantState, st)
			assert.Equal(t, tt.wantState == auth.StateAuthenticated, f.svc.Status().TimerPending)

			keys, err := f.kv.Keys()
			require.NoError(t, err)
			if len(tt.wantSlots) == 0 {
				assert.Empty(t, keys)
			} else {
				assert.ElementsMatch(t, tt.wantSlots, keys)
			}

			select {
			case <-f.svc.Expired():
				assert.True(t, tt.expired, "unexpected expiry signal")
			default:
				assert.False(t, tt.expired, "missing expiry signal")
			}
		})
	}
}

func TestWatchStorageFollowsOtherHandle(t *testing.T) {
	f := newFixture(t, nil)
	other := f.kv.Share()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.svc.WatchStorage(ctx, f.kv))

	// Sign-in elsewhere
	raw := makeToken(t, time.Hour, nil)
	require.NoError(t, other.Set(session.KeyAccessToken, raw))

	require.Eventually(t, func() bool {
		return f.svc.State() == auth.StateAuthenticated
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, raw, f.transport.GetToken())

	// Unrelated keys are ignored
	require.NoError(t, other.Set("theme", "dark"))

	// Sign-out elsewhere
	require.NoError(t, other.Delete(session.KeyAccessToken))

	require.Eventually(t, func() bool {
		return f.svc.State() == auth.StateAnonymous
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, f.transport.GetToken())
	assert.False(t, f.svc.Status().TimerPending)
}

func TestWatchStorageTamperedToken(t *testing.T) {
	f := newFixture(t, nil)
	other := f.kv.Share()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.kv.Set(session.KeyAccessToken, makeToken(t, time.Hour, nil)))
	_, err := f.svc.Rehydrate(ctx)
	require.NoError(t, err)
	require.NoError(t, f.svc.WatchStorage(ctx, f.kv))

	require.NoError(t, other.Set(session.KeyAccessToken, "tampered"))

	require.Eventually(t, func() bool {
		return f.svc.State() == auth.StateAnonymous
	}, time.Second, 10*time.Millisecond)

	_, err = other.Get(session.KeyAccessToken)
	assert.ErrorIs(t, err, state.ErrKeyNotFound)
}

func TestConcurrentLoginsDistinctIdentities(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.AddError("/auth/login", &models.APIError{StatusCode: 401, Message: "nope"})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = f.svc.Login(context.Background(), fmt.Sprintf("user%d@x.com", i), "wrong")
		}(i)
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		assert.Equal(t, 1, f.svc.AttemptStats(fmt.Sprintf("user%d@x.com", i)).Attempts)
	}
	assert.Equal(t, auth.StateAnonymous, f.svc.State())
}
