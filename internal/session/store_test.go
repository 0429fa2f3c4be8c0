package session_test

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/carmarket/internal/events"
	"github.com/TheMichaelB/carmarket/internal/models"
	"github.com/TheMichaelB/carmarket/internal/session"
	"github.com/TheMichaelB/carmarket/internal/state"
	"github.com/TheMichaelB/carmarket/internal/token"
)

func newStore(t *testing.T) (*session.Store, *state.MemoryStore) {
	t.Helper()
	kv := state.NewMemoryStore()
	return session.NewStore(kv, events.NewTestLogger(events.DebugLevel, "text", io.Discard)), kv
}

func encode(t *testing.T, provider models.AuthProvider) string {
	t.Helper()
	raw, err := token.EncodeUnsigned(&token.Claims{
		Email:        "a@x.com",
		AuthProvider: provider,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	require.NoError(t, err)
	return raw
}

func TestSaveLoad(t *testing.T) {
	s, kv := newStore(t)

	_, ok := s.Load()
	assert.False(t, ok)

	raw := encode(t, models.ProviderLocal)
	stored, err := s.Save(raw, "refresh-1")
	require.NoError(t, err)
	assert.Equal(t, raw, stored, "local tokens are stored verbatim")

	loaded, ok := s.Load()
	require.True(t, ok)
	assert.Equal(t, raw, loaded)

	refresh, ok := s.RefreshToken()
	require.True(t, ok)
	assert.Equal(t, "refresh-1", refresh)

	value, err := kv.Get(session.KeyAccessToken)
	require.NoError(t, err)
	assert.Equal(t, raw, value)
}

func TestSaveNormalizesGoogle(t *testing.T) {
	s, _ := newStore(t)

	stored, err := s.Save(encode(t, models.ProviderGoogle), "")
	require.NoError(t, err)

	claims, err := token.Decode(stored)
	require.NoError(t, err)
	assert.True(t, claims.MfaCompleted())

	_, ok := s.RefreshToken()
	assert.False(t, ok, "empty refresh token is not written")
}

func TestSaveKeepsUnparseableToken(t *testing.T) {
	s, _ := newStore(t)

	stored, err := s.Save("opaque", "")
	require.NoError(t, err)
	assert.Equal(t, "opaque", stored)
}

func TestClear(t *testing.T) {
	s, kv := newStore(t)

	_, err := s.Save(encode(t, models.ProviderLocal), "r")
	require.NoError(t, err)
	require.NoError(t, kv.Set("puser", "{}"))
	require.NoError(t, kv.Set("theme", "dark"))
	s.CacheSet("draft", "x")

	require.NoError(t, s.Clear())

	keys, err := kv.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"theme"}, keys, "unrelated slots survive")

	_, ok := s.CacheGet("draft")
	assert.False(t, ok)
}

func TestMigrateLegacy(t *testing.T) {
	canonical, err := token.EncodeUnsigned(&token.Claims{
		Email:        "a@x.com",
		AuthProvider: models.ProviderLocalDuo,
		MFA:          true,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	require.NoError(t, err)

	tests := []struct {
		name      string
		seed      map[string]string
		wantMoved bool
		wantKeys  []string
	}{
		{
			name:      "nothing stored",
			seed:      map[string]string{},
			wantMoved: false,
			wantKeys:  []string{},
		},
		{
			name:      "legacy only",
			seed:      map[string]string{"token": "old", "user": "{}"},
			wantMoved: true,
			wantKeys:  []string{},
		},
		{
			name:      "legacy alongside canonical",
			seed:      map[string]string{"access_token": canonical, "token": "old", "puser": "{}"},
			wantMoved: true,
			wantKeys:  []string{"access_token"},
		},
		{
			name:      "canonical only",
			seed:      map[string]string{"access_token": canonical},
			wantMoved: false,
			wantKeys:  []string{"access_token"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, kv := newStore(t)
			for k, v := range tt.seed {
				require.NoError(t, kv.Set(k, v))
			}

			assert.Equal(t, tt.wantMoved, s.MigrateLegacy())

			keys, err := kv.Keys()
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.wantKeys, keys)

			if v, ok := tt.seed["access_token"]; ok {
				loaded, _ := s.Load()
				assert.Equal(t, v, loaded, "canonical slot untouched")

				claims, err := token.Decode(loaded)
				require.NoError(t, err)
				assert.True(t, claims.MfaCompleted())
				assert.Equal(t, models.ProviderLocalDuo, claims.AuthProvider)
			}
		})
	}
}

// brokenStore fails every operation.
type brokenStore struct{}

var errDisk = errors.New("disk unavailable")

func (brokenStore) Get(string) (string, error) { return "", errDisk }
func (brokenStore) Set(string, string) error   { return errDisk }
func (brokenStore) Delete(string) error        { return errDisk }
func (brokenStore) Keys() ([]string, error)    { return nil, errDisk }
func (brokenStore) Close() error               { return nil }

func TestStorageFailures(t *testing.T) {
	s := session.NewStore(brokenStore{}, events.NewTestLogger(events.DebugLevel, "text", io.Discard))

	assert.False(t, s.MigrateLegacy(), "read failures are swallowed")

	_, ok := s.Load()
	assert.False(t, ok)

	_, err := s.Save("a.b.c", "")
	assert.ErrorIs(t, err, errDisk)

	err = s.Clear()
	assert.ErrorIs(t, err, errDisk)
}

func TestIsSessionKey(t *testing.T) {
	for _, key := range []string{"access_token", "refresh_token", "token", "user", "puser"} {
		assert.True(t, session.IsSessionKey(key), key)
	}
	assert.False(t, session.IsSessionKey("theme"))
}
