// Package scheduler arms a single callback for the moment a session token
// expires.
package scheduler

import (
	"sync"
	"time"

	"github.com/TheMichaelB/carmarket/internal/events"
	"github.com/TheMichaelB/carmarket/internal/token"
)

// Handle is a cancellable scheduled expiry. The zero value and nil are both
// already-cancelled handles.
type Handle struct {
	mu    sync.Mutex
	timer Timer
	done  bool
}

// Cancel stops the callback if it has not run. Safe to call repeatedly.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.done {
		return
	}
	h.done = true
	if h.timer != nil {
		h.timer.Stop()
	}
}

// Active reports whether the callback is still pending.
func (h *Handle) Active() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.done
}

// fire marks the handle done and reports whether the callback should run.
func (h *Handle) fire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return false
	}
	h.done = true
	return true
}

// Scheduler keeps at most one pending expiry callback.
type Scheduler struct {
	clock  Clock
	logger *events.Logger

	mu     sync.Mutex
	active *Handle
}

// New creates a scheduler. A nil clock uses the system clock.
func New(clock Clock, logger *events.Logger) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Scheduler{
		clock:  clock,
		logger: logger.WithField("component", "expiry_scheduler"),
	}
}

// Clock returns the scheduler's time source.
func (s *Scheduler) Clock() Clock {
	return s.clock
}

// TimeUntilExpiry returns how long until claims expire, never negative.
func (s *Scheduler) TimeUntilExpiry(claims *token.Claims) time.Duration {
	if claims == nil || claims.ExpiresAt == nil {
		return 0
	}
	if d := claims.ExpiresAt.Sub(s.clock.Now()); d > 0 {
		return d
	}
	return 0
}

// Schedule arms onExpiry for the claims' exp. See ScheduleAfter.
func (s *Scheduler) Schedule(claims *token.Claims, onExpiry func()) *Handle {
	return s.ScheduleAfter(s.TimeUntilExpiry(claims), onExpiry)
}

// ScheduleAfter cancels any pending callback and arms onExpiry to run after
// ttl. A non-positive ttl runs onExpiry before returning and yields an
// inactive handle.
func (s *Scheduler) ScheduleAfter(ttl time.Duration, onExpiry func()) *Handle {
	s.mu.Lock()
	s.active.Cancel()
	s.active = nil

	if ttl <= 0 {
		s.mu.Unlock()
		s.logger.Debug("Token already expired, firing immediately")
		onExpiry()
		return &Handle{done: true}
	}

	h := &Handle{}
	h.mu.Lock()
	h.timer = s.clock.AfterFunc(ttl, func() {
		if !h.fire() {
			return
		}
		s.mu.Lock()
		if s.active == h {
			s.active = nil
		}
		s.mu.Unlock()
		onExpiry()
	})
	h.mu.Unlock()

	s.active = h
	s.mu.Unlock()

	s.logger.WithField("ttl", ttl.String()).Debug("Expiry timer armed")
	return h
}

// Cancel cancels h and forgets it if it is the pending handle.
func (s *Scheduler) Cancel(h *Handle) {
	h.Cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == h {
		s.active = nil
	}
}

// Pending reports whether a callback is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.Active()
}
