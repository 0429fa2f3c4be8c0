package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MockTransport provides a mock implementation for testing.
type MockTransport struct {
	mu sync.Mutex

	// Response configuration, keyed by path
	Responses map[string]interface{}

	// Error injection, keyed by path
	Errors map[string]error

	// BeforeRespond runs before a response is returned, without the mock's lock held.
	BeforeRespond func(method, path string)

	// Request tracking
	Requests []Request

	// State
	token  string
	closed bool
}

// Request tracks a call made through the mock.
type Request struct {
	Method  string
	Path    string
	Payload interface{}
	Token   string
}

// NewMockTransport creates a mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		Responses: make(map[string]interface{}),
		Errors:    make(map[string]error),
	}
}

// PostJSON mocks HTTP POST.
func (m *MockTransport) PostJSON(ctx context.Context, path string, payload, out interface{}) error {
	return m.respond(ctx, "POST", path, payload, out)
}

// GetJSON mocks HTTP GET.
func (m *MockTransport) GetJSON(ctx context.Context, path string, out interface{}) error {
	return m.respond(ctx, "GET", path, nil, out)
}

func (m *MockTransport) respond(ctx context.Context, method, path string, payload, out interface{}) error {
	m.mu.Lock()
	m.Requests = append(m.Requests, Request{
		Method:  method,
		Path:    path,
		Payload: payload,
		Token:   m.token,
	})
	hook := m.BeforeRespond
	m.mu.Unlock()

	if hook != nil {
		hook(method, path)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.Errors[path]; ok {
		return err
	}

	resp, ok := m.Responses[path]
	if !ok {
		return fmt.Errorf("no mock response for %s", path)
	}

	if out == nil {
		return nil
	}

	// Round-trip through JSON so callers decode exactly as over the wire
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal mock response: %w", err)
	}
	return json.Unmarshal(data, out)
}

// SetToken mocks token setting.
func (m *MockTransport) SetToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

// GetToken returns the current token.
func (m *MockTransport) GetToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Close mocks connection closing.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Helper methods for test setup

// AddResponse sets the response for path.
func (m *MockTransport) AddResponse(path string, response interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses[path] = response
}

// AddError makes calls to path fail with err.
func (m *MockTransport) AddError(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[path] = err
}

// ClearError removes an injected error.
func (m *MockTransport) ClearError(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Errors, path)
}

// RequestCount returns how many calls hit path.
func (m *MockTransport) RequestCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, r := range m.Requests {
		if r.Path == path {
			n++
		}
	}
	return n
}

// LastRequest returns the most recent call, if any.
func (m *MockTransport) LastRequest() (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return Request{}, false
	}
	return m.Requests[len(m.Requests)-1], true
}
