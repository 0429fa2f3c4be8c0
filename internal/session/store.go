// Package session owns the durable slots that hold the authenticated session.
package session

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/TheMichaelB/carmarket/internal/events"
	"github.com/TheMichaelB/carmarket/internal/state"
	"github.com/TheMichaelB/carmarket/internal/token"
)

// Canonical slots.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
)

// LegacyKeys were written by earlier client versions and are only ever purged.
var LegacyKeys = []string{"token", "user", "puser"}

// Store reads and writes the session slots on top of a state.Store.
type Store struct {
	kv     state.Store
	logger *events.Logger

	// Transient per-process values, dropped on Clear.
	cacheMu sync.Mutex
	cache   map[string]string
}

// NewStore creates a session store.
func NewStore(kv state.Store, logger *events.Logger) *Store {
	return &Store{
		kv:     kv,
		logger: logger.WithField("component", "session_store"),
		cache:  make(map[string]string),
	}
}

// Save normalizes raw and persists it, plus refresh when non-empty. A token
// that cannot be normalized is stored unchanged. Returns the stored token.
func (s *Store) Save(raw, refresh string) (string, error) {
	stored := raw
	normalized, changed, err := token.Normalize(raw)
	switch {
	case err != nil:
		s.logger.WithError(err).Debug("Token normalization skipped")
	case changed:
		s.logger.Debug("Token claims normalized")
		stored = normalized
	}

	if err := s.kv.Set(KeyAccessToken, stored); err != nil {
		return "", fmt.Errorf("save access token: %w", err)
	}

	if refresh != "" {
		if err := s.kv.Set(KeyRefreshToken, refresh); err != nil {
			return "", fmt.Errorf("save refresh token: %w", err)
		}
	}

	return stored, nil
}

// Load returns the canonical token if one is stored.
func (s *Store) Load() (string, bool) {
	return s.get(KeyAccessToken)
}

// RefreshToken returns the stored refresh token.
func (s *Store) RefreshToken() (string, bool) {
	return s.get(KeyRefreshToken)
}

func (s *Store) get(key string) (string, bool) {
	value, err := s.kv.Get(key)
	if err != nil {
		if !errors.Is(err, state.ErrKeyNotFound) {
			s.logger.WithError(err).WithField("key", key).Warn("Failed to read session slot")
		}
		return "", false
	}
	return value, value != ""
}

// Clear removes every session slot, canonical and legacy, and empties the
// transient cache. All slots are attempted even if some fail.
func (s *Store) Clear() error {
	s.cacheMu.Lock()
	s.cache = make(map[string]string)
	s.cacheMu.Unlock()

	var errs []error
	for _, key := range Keys() {
		if err := s.kv.Delete(key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// MigrateLegacy purges legacy slots whenever any is present and reports
// whether it did. The canonical slot is never touched. Storage failures are
// logged and swallowed.
func (s *Store) MigrateLegacy() bool {
	found := false
	for _, key := range LegacyKeys {
		if _, err := s.kv.Get(key); err == nil {
			found = true
			break
		}
	}

	if !found {
		return false
	}

	for _, key := range LegacyKeys {
		if err := s.kv.Delete(key); err != nil {
			s.logger.WithError(err).WithField("key", key).Warn("Failed to purge legacy slot")
		}
	}

	s.logger.Info("Purged legacy session slots")
	return true
}

// CacheSet stores a transient value that lives until the next Clear.
func (s *Store) CacheSet(key, value string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache[key] = value
}

// CacheGet reads a transient value.
func (s *Store) CacheGet(key string) (string, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	value, ok := s.cache[key]
	return value, ok
}

// Keys lists every slot the session owns.
func Keys() []string {
	return append([]string{KeyAccessToken, KeyRefreshToken}, LegacyKeys...)
}

// IsSessionKey reports whether key belongs to the session.
func IsSessionKey(key string) bool {
	return slices.Contains(Keys(), key)
}
