// Package client wires the session services into one process-wide instance.
package client

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/TheMichaelB/carmarket/internal/config"
	"github.com/TheMichaelB/carmarket/internal/events"
	"github.com/TheMichaelB/carmarket/internal/guard"
	"github.com/TheMichaelB/carmarket/internal/scheduler"
	"github.com/TheMichaelB/carmarket/internal/services/auth"
	"github.com/TheMichaelB/carmarket/internal/services/permissions"
	"github.com/TheMichaelB/carmarket/internal/session"
	"github.com/TheMichaelB/carmarket/internal/state"
	"github.com/TheMichaelB/carmarket/internal/transport"
)

// Client provides the high-level API for carmarket session operations.
type Client struct {
	Auth        *auth.Service
	Permissions *permissions.Service
	Sessions    *session.Store

	config    *config.Config
	logger    *events.Logger
	transport transport.Transport
	store     state.Store
}

// New creates a client. A nil navigator logs the URLs it is asked to open.
func New(cfg *config.Config, navigator auth.Navigator, logger *events.Logger) (*Client, error) {
	store, err := OpenStore(cfg.Storage.Backend, cfg, logger)
	if err != nil {
		return nil, err
	}

	transportClient := transport.NewTransport(&cfg.API, &cfg.Dev, logger)
	return newClient(cfg, store, transportClient, scheduler.SystemClock{}, navigator, logger), nil
}

// NewWithDeps assembles a client around caller-supplied infrastructure.
func NewWithDeps(cfg *config.Config, store state.Store, t transport.Transport, clock scheduler.Clock, navigator auth.Navigator, logger *events.Logger) *Client {
	return newClient(cfg, store, t, clock, navigator, logger)
}

func newClient(cfg *config.Config, store state.Store, t transport.Transport, clock scheduler.Clock, navigator auth.Navigator, logger *events.Logger) *Client {
	if navigator == nil {
		navigator = &logNavigator{logger: logger}
	}

	sessions := session.NewStore(store, logger)
	attempts := guard.New(guard.ConfigFrom(cfg.Auth))
	sched := scheduler.New(clock, logger)

	authService := auth.NewService(
		t,
		sessions,
		attempts,
		sched,
		navigator,
		auth.Options{
			MFAFlag:       cfg.Auth.MFAFlag,
			TOTPSecret:    cfg.Auth.TOTPSecret,
			RefreshBuffer: cfg.Auth.RefreshBuffer,
			BaseURL:       cfg.API.BaseURL,
			CallbackURL:   CallbackURL(cfg.Auth.CallbackAddr),
		},
		logger,
	)

	return &Client{
		Auth:        authService,
		Permissions: permissions.NewService(t, logger),
		Sessions:    sessions,
		config:      cfg,
		logger:      logger,
		transport:   t,
		store:       store,
	}
}

// OpenStore opens the slot store for backend ("json" or "sqlite").
func OpenStore(backend string, cfg *config.Config, logger *events.Logger) (state.Store, error) {
	switch backend {
	case "json":
		store, err := state.NewJSONStore(cfg.Storage.StateDir, logger)
		if err != nil {
			return nil, fmt.Errorf("open json store: %w", err)
		}
		return store, nil
	case "sqlite":
		store, err := state.NewSQLiteStore(filepath.Join(cfg.Storage.DataDir, "state.db"), logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("invalid storage backend: %s", backend)
	}
}

// CallbackURL is the loopback redirect target for addr, or empty.
func CallbackURL(addr string) string {
	if addr == "" {
		return ""
	}
	return "http://" + addr + "/mfa/callback"
}

// Store returns the underlying slot store.
func (c *Client) Store() state.Store {
	return c.store
}

// Start restores any stored session and, when the store supports it, follows
// changes made by other processes until ctx ends.
func (c *Client) Start(ctx context.Context, watch bool) (auth.State, error) {
	st, err := c.Auth.Rehydrate(ctx)
	if err != nil {
		c.logger.WithError(err).Info("Stored session discarded")
	}

	if watch {
		watcher, ok := c.store.(state.Watcher)
		if !ok {
			return st, fmt.Errorf("storage backend %q cannot be watched", c.config.Storage.Backend)
		}
		if err := c.Auth.WatchStorage(ctx, watcher); err != nil {
			return st, err
		}
	}

	return st, nil
}

// Close releases the transport and the store.
func (c *Client) Close() error {
	terr := c.transport.Close()
	if err := c.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return terr
}

// logNavigator stands in where no browser is available.
type logNavigator struct {
	logger *events.Logger
}

func (n *logNavigator) Navigate(ctx context.Context, url string) error {
	n.logger.WithField("url", url).Info("Open this URL to continue")
	return nil
}

func (n *logNavigator) ReplaceURL(url string) {}
