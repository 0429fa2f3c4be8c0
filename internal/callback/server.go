// Package callback runs the loopback listener that external MFA and Google
// sign-in redirect back to.
package callback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/TheMichaelB/carmarket/internal/events"
	"github.com/TheMichaelB/carmarket/internal/services/auth"
)

const (
	CallbackPath = "/mfa/callback"
	DonePath     = "/mfa/done"
)

// Completer finishes a login from the provider's redirect.
type Completer interface {
	CompleteMfaCallback(ctx context.Context, callback *url.URL) (*auth.LoginResult, error)
}

// Result is the settled outcome of the first callback received.
type Result struct {
	Login *auth.LoginResult
	Err   error
}

// Server serves the callback routes.
type Server struct {
	addr      string
	completer Completer
	logger    *events.Logger
	router    *chi.Mux

	httpServer *http.Server
	listener   net.Listener

	results chan Result
	once    sync.Once
}

// New creates a server for addr, e.g. "127.0.0.1:8765". Port 0 picks a free port.
func New(addr string, completer Completer, logger *events.Logger) *Server {
	s := &Server{
		addr:      addr,
		completer: completer,
		logger:    logger.WithField("component", "callback_server"),
		results:   make(chan Result, 1),
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.NoCache)
	r.Get(CallbackPath, s.handleCallback)
	r.Get(DonePath, s.handleDone)
	s.router = r

	return s
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("Callback server stopped")
		}
	}()

	s.logger.WithField("addr", ln.Addr().String()).Debug("Callback server listening")
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// CallbackURL is the redirect_uri handed to providers.
func (s *Server) CallbackURL() string {
	return "http://" + s.Addr() + CallbackPath
}

// Wait blocks until the first callback settles or ctx ends.
func (s *Server) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-s.results:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Shutdown stops the listener, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	callback := &url.URL{
		Scheme:   "http",
		Host:     r.Host,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}

	login, err := s.completer.CompleteMfaCallback(r.Context(), callback)

	s.once.Do(func() {
		s.results <- Result{Login: login, Err: err}
	})

	outcome := auth.OutcomeMfaError
	if login != nil {
		outcome = login.Outcome
	}

	// The one-time parameters must not survive a reload
	http.Redirect(w, r, DonePath+"?"+url.Values{"outcome": {outcome.String()}}.Encode(), http.StatusSeeOther)
}

func (s *Server) handleDone(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	switch r.URL.Query().Get("outcome") {
	case auth.OutcomeAuthenticated.String():
		fmt.Fprintln(w, "Signed in. You can close this window and return to the terminal.")
	case auth.OutcomeMfaDenied.String():
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprintln(w, "Verification was denied.")
	default:
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprintln(w, "Verification failed. Return to the terminal and try again.")
	}
}
