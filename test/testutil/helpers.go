package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// LogEntry represents a captured log entry for testing
type LogEntry struct {
	Level   string                 `json:"level"`
	Message string                 `json:"msg"`
	Fields  map[string]interface{} `json:"-"`
}

// TestServer is a fake marketplace backend for integration tests.
type TestServer struct {
	*httptest.Server

	mu       sync.RWMutex
	accounts map[string]Account
	tokens   map[string]string // token -> email
	ttl      time.Duration
	logins   int
	logouts  int
	fail     int // status returned by the next login, if non-zero
}

// NewTestServer starts a backend knowing DefaultAccount. The API root is
// URL + "/api".
func NewTestServer() *TestServer {
	ts := &TestServer{
		accounts: make(map[string]Account),
		tokens:   make(map[string]string),
		ttl:      time.Hour,
	}
	ts.AddAccount(DefaultAccount())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", ts.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", ts.handleLogout)
	mux.HandleFunc("GET /api/auth/permissions", ts.handlePermissions)

	ts.Server = httptest.NewServer(mux)
	return ts
}

// APIURL is the base URL clients should be configured with.
func (ts *TestServer) APIURL() string {
	return ts.URL + "/api"
}

// AddAccount registers or replaces an account.
func (ts *TestServer) AddAccount(acct Account) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.accounts[strings.ToLower(acct.Email)] = acct
}

// SetTokenTTL changes the lifetime of tokens issued from now on.
func (ts *TestServer) SetTokenTTL(ttl time.Duration) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.ttl = ttl
}

// FailNextLogin makes the next login answer with status.
func (ts *TestServer) FailNextLogin(status int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.fail = status
}

// Logins returns how many login requests reached the backend.
func (ts *TestServer) Logins() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.logins
}

// Logouts returns how many authenticated logouts reached the backend.
func (ts *TestServer) Logouts() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.logouts
}

func (ts *TestServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		MFA      string `json:"mfa"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"message": "invalid request"})
		return
	}

	ts.mu.Lock()
	ts.logins++
	fail := ts.fail
	ts.fail = 0
	acct, ok := ts.accounts[strings.ToLower(req.Email)]
	ttl := ts.ttl
	ts.mu.Unlock()

	if fail != 0 {
		writeJSON(w, fail, map[string]interface{}{"message": http.StatusText(fail)})
		return
	}

	if !ok || acct.Password != req.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"success": false,
			"message": "Invalid email or password",
		})
		return
	}

	if acct.MfaRedirect != "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"data": map[string]interface{}{
				"mfaRequired": true,
				"duoAuthUrl":  acct.MfaRedirect,
			},
		})
		return
	}

	raw, err := IssueToken(acct, time.Now(), ttl)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"message": err.Error()})
		return
	}

	ts.mu.Lock()
	ts.tokens[raw] = acct.Email
	ts.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"token":        raw,
		"refreshToken": "refresh-" + acct.Email,
	})
}

func (ts *TestServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	email, ok := ts.authorize(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"message": "Unauthorized"})
		return
	}

	ts.mu.Lock()
	ts.logouts++
	for tok, e := range ts.tokens {
		if e == email {
			delete(ts.tokens, tok)
		}
	}
	ts.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (ts *TestServer) handlePermissions(w http.ResponseWriter, r *http.Request) {
	email, ok := ts.authorize(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"message": "Unauthorized"})
		return
	}

	ts.mu.RLock()
	acct := ts.accounts[strings.ToLower(email)]
	ts.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"permissions": acct.Permissions})
}

func (ts *TestServer) authorize(r *http.Request) (string, bool) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return "", false
	}

	ts.mu.RLock()
	defer ts.mu.RUnlock()
	email, ok := ts.tokens[raw]
	return email, ok
}

// WaitForCondition waits for a condition to be true with timeout.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			t.Fatalf("Timeout waiting for condition: %s", message)
		case <-ticker.C:
			if condition() {
				return
			}
		}
	}
}

// LogOutput captures JSON log output for testing.
type LogOutput struct {
	mu      sync.RWMutex
	entries []LogEntry
}

// NewLogOutput creates a new log output capturer.
func NewLogOutput() *LogOutput {
	return &LogOutput{}
}

// Write implements io.Writer to capture log output.
func (lo *LogOutput) Write(p []byte) (n int, err error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(p, &fields); err == nil {
		entry := LogEntry{Fields: fields}
		entry.Level, _ = fields["level"].(string)
		entry.Message, _ = fields["msg"].(string)

		lo.mu.Lock()
		lo.entries = append(lo.entries, entry)
		lo.mu.Unlock()
	}
	return len(p), nil
}

// Entries returns captured log entries.
func (lo *LogOutput) Entries() []LogEntry {
	lo.mu.RLock()
	defer lo.mu.RUnlock()

	entries := make([]LogEntry, len(lo.entries))
	copy(entries, lo.entries)
	return entries
}

// HasMessage checks if any log entry contains the message.
func (lo *LogOutput) HasMessage(message string) bool {
	lo.mu.RLock()
	defer lo.mu.RUnlock()

	for _, entry := range lo.entries {
		if strings.Contains(entry.Message, message) {
			return true
		}
	}
	return false
}

// Contains reports whether any raw log line mentions s.
func (lo *LogOutput) Contains(s string) bool {
	lo.mu.RLock()
	defer lo.mu.RUnlock()

	for _, entry := range lo.entries {
		for _, v := range entry.Fields {
			if str, ok := v.(string); ok && strings.Contains(str, s) {
				return true
			}
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// SkipIfShort skips test if testing.Short() is true.
func SkipIfShort(t *testing.T, reason string) {
	if testing.Short() {
		t.Skipf("Skipping test in short mode: %s", reason)
	}
}
