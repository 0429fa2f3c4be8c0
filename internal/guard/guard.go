// Package guard throttles repeated failed logins per identity with
// exponential backoff and a temporary block. State lives in process memory.
package guard

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"

	"github.com/TheMichaelB/carmarket/internal/config"
)

// Config tunes the guard.
type Config struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BlockDuration time.Duration
	Jitter        float64 // fraction of the capped delay added at random
}

// DefaultConfig returns 5 attempts, 1s base, 5m cap, 15m block, 10% jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   5,
		BaseDelay:     time.Second,
		MaxDelay:      5 * time.Minute,
		BlockDuration: 15 * time.Minute,
		Jitter:        0.1,
	}
}

// ConfigFrom maps the auth section of the application config.
func ConfigFrom(cfg config.AuthConfig) Config {
	return Config{
		MaxAttempts:   cfg.MaxAttempts,
		BaseDelay:     cfg.BaseDelay,
		MaxDelay:      cfg.MaxDelay,
		BlockDuration: cfg.BlockDuration,
		Jitter:        cfg.Jitter,
	}
}

// Record is the failure history of one identity.
type Record struct {
	Identity      string
	Attempts      int
	LastAttemptAt time.Time
	BlockedUntil  time.Time

	// delay is the backoff drawn at the last failure.
	delay time.Duration
}

// Stats summarizes an identity for display.
type Stats struct {
	Attempts           int           `json:"attempts"`
	Blocked            bool          `json:"blocked"`
	RemainingBlockTime time.Duration `json:"remaining_block_time"`
	RetryAfter         time.Duration `json:"retry_after"`
}

// maxRecords bounds the table; idle records beyond it are pruned.
const maxRecords = 1000

// Guard tracks failed attempts keyed by normalized identity.
type Guard struct {
	cfg Config

	mu      sync.Mutex
	records map[string]*Record
	random  func() float64
}

// New creates a guard.
func New(cfg Config) *Guard {
	return &Guard{
		cfg:     cfg,
		records: make(map[string]*Record),
		random:  rand.Float64,
	}
}

// SetRandom replaces the jitter source, which must return values in [0, 1).
func (g *Guard) SetRandom(fn func() float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.random = fn
}

// Normalize trims and case-folds an identity.
func Normalize(identity string) string {
	return cases.Fold().String(strings.TrimSpace(identity))
}

// Backoff returns the jittered delay required after n consecutive failures.
func (g *Guard) Backoff(n int) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.backoffLocked(n)
}

func (g *Guard) backoffLocked(n int) time.Duration {
	if n <= 0 {
		return 0
	}

	delay := g.cfg.BaseDelay
	for i := 1; i < n && delay < g.cfg.MaxDelay; i++ {
		delay *= 2
	}
	if delay > g.cfg.MaxDelay {
		delay = g.cfg.MaxDelay
	}

	if g.cfg.Jitter > 0 {
		delay += time.Duration(g.random() * g.cfg.Jitter * float64(delay))
	}
	return delay
}

// RecordFailure counts a failed attempt. Reaching MaxAttempts starts a block;
// failures during an active block do not extend it.
func (g *Guard) RecordFailure(identity string, now time.Time) Stats {
	id := Normalize(identity)

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[id]
	if !ok {
		g.pruneLocked(now)
		rec = &Record{Identity: id}
		g.records[id] = rec
	}

	rec.Attempts++
	rec.LastAttemptAt = now
	rec.delay = g.backoffLocked(rec.Attempts)

	if rec.Attempts >= g.cfg.MaxAttempts && !now.Before(rec.BlockedUntil) {
		rec.BlockedUntil = now.Add(g.cfg.BlockDuration)
	}

	return g.statsLocked(rec, now)
}

// RecordSuccess forgets the identity's failures.
func (g *Guard) RecordSuccess(identity string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.records, Normalize(identity))
}

// IsBlocked reports whether identity is inside a block window.
func (g *Guard) IsBlocked(identity string, now time.Time) bool {
	return g.RemainingBlockTime(identity, now) > 0
}

// RemainingBlockTime returns how long the block lasts, or 0.
func (g *Guard) RemainingBlockTime(identity string, now time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[Normalize(identity)]
	if !ok {
		return 0
	}
	return remainingBlock(rec, now)
}

// RetryAfter returns how long until the backoff from the last failure elapses.
func (g *Guard) RetryAfter(identity string, now time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[Normalize(identity)]
	if !ok {
		return 0
	}
	return retryAfter(rec, now)
}

// Stats returns the identity's current standing.
func (g *Guard) Stats(identity string, now time.Time) Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[Normalize(identity)]
	if !ok {
		return Stats{}
	}
	return g.statsLocked(rec, now)
}

// Reset forgets every identity.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records = make(map[string]*Record)
}

func (g *Guard) statsLocked(rec *Record, now time.Time) Stats {
	remaining := remainingBlock(rec, now)
	return Stats{
		Attempts:           rec.Attempts,
		Blocked:            remaining > 0,
		RemainingBlockTime: remaining,
		RetryAfter:         retryAfter(rec, now),
	}
}

// pruneLocked drops idle records once the table is full.
func (g *Guard) pruneLocked(now time.Time) {
	if len(g.records) < maxRecords {
		return
	}
	for id, rec := range g.records {
		if remainingBlock(rec, now) == 0 && retryAfter(rec, now) == 0 {
			delete(g.records, id)
		}
	}
}

func remainingBlock(rec *Record, now time.Time) time.Duration {
	if d := rec.BlockedUntil.Sub(now); d > 0 {
		return d
	}
	return 0
}

func retryAfter(rec *Record, now time.Time) time.Duration {
	if d := rec.delay - now.Sub(rec.LastAttemptAt); d > 0 {
		return d
	}
	return 0
}
