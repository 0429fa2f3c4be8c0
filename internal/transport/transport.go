package transport

import (
	"context"

	"github.com/TheMichaelB/carmarket/internal/config"
	"github.com/TheMichaelB/carmarket/internal/events"
)

// Transport is the client's view of the marketplace REST API.
type Transport interface {
	// PostJSON sends payload as JSON and decodes a 2xx body into out.
	PostJSON(ctx context.Context, path string, payload, out interface{}) error

	// GetJSON decodes a 2xx body into out.
	GetJSON(ctx context.Context, path string, out interface{}) error

	// Authentication
	SetToken(token string)
	GetToken() string

	// Lifecycle
	Close() error
}

// NewTransport creates the HTTP transport.
func NewTransport(cfg *config.APIConfig, dev *config.DevConfig, logger *events.Logger) *HTTPClient {
	return NewHTTPClient(cfg, dev, logger)
}
