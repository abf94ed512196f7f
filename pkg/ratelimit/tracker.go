// Package ratelimit keeps per-backend cooldown state after quota or overload
// failures.
package ratelimit

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zen-systems/carepath/pkg/clinical"
)

const (
	DefaultCooldown    = 60 * time.Second
	DefaultMaxCooldown = 15 * time.Minute
)

// Clock returns the current time. Tests inject a fake.
type Clock func() time.Time

type entry struct {
	until     time.Time
	lastError string
	strikes   int
}

// Tracker records which backends are cooling down.
// Safe for concurrent use.
type Tracker struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	priority    []string
	cooldown    time.Duration
	maxCooldown time.Duration
	now         Clock
	logger      zerolog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithCooldown sets the base and maximum cooldown.
func WithCooldown(base, max time.Duration) Option {
	return func(t *Tracker) {
		if base > 0 {
			t.cooldown = base
		}
		if max > 0 {
			t.maxCooldown = max
		}
	}
}

// WithClock sets the time source.
func WithClock(clock Clock) Option {
	return func(t *Tracker) {
		t.now = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// New creates a tracker. priority lists backend ids, most preferred first.
func New(priority []string, opts ...Option) *Tracker {
	t := &Tracker{
		entries:     make(map[string]*entry),
		priority:    append([]string(nil), priority...),
		cooldown:    DefaultCooldown,
		maxCooldown: DefaultMaxCooldown,
		now:         monotonicNow(),
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.maxCooldown < t.cooldown {
		t.maxCooldown = t.cooldown
	}
	return t
}

// monotonicNow anchors wall time to the process start so comparisons use the
// monotonic reading carried by time.Time.
func monotonicNow() Clock {
	start := time.Now()
	return func() time.Time {
		return start.Add(time.Since(start))
	}
}

// SetPriority replaces the priority order used by NextAvailable.
func (t *Tracker) SetPriority(priority []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.priority = append([]string(nil), priority...)
}

// MarkLimited starts or extends a cooldown for backend. Consecutive strikes
// double the cooldown up to the configured cap.
func (t *Tracker) MarkLimited(backend string, err error) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	e, ok := t.entries[backend]
	if !ok {
		e = &entry{}
		t.entries[backend] = e
	}
	e.strikes++
	if err != nil {
		e.lastError = err.Error()
	}

	cooldown := t.cooldown
	for i := 1; i < e.strikes; i++ {
		cooldown *= 2
		if cooldown >= t.maxCooldown {
			cooldown = t.maxCooldown
			break
		}
	}
	e.until = now.Add(cooldown)

	t.logger.Warn().
		Str("backend", backend).
		Int("strikes", e.strikes).
		Dur("cooldown", cooldown).
		Str("error", e.lastError).
		Msg("backend rate limited")
	return e.until
}

// MarkRecovered clears the cooldown and strike count for backend.
func (t *Tracker) MarkRecovered(backend string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[backend]; ok {
		delete(t.entries, backend)
		t.logger.Debug().Str("backend", backend).Msg("backend recovered")
	}
}

// IsAvailable reports whether backend has no live cooldown.
func (t *Tracker) IsAvailable(backend string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.availableLocked(backend, t.now())
}

func (t *Tracker) availableLocked(backend string, now time.Time) bool {
	e, ok := t.entries[backend]
	if !ok {
		return true
	}
	return !now.Before(e.until)
}

// NextAvailable returns the first backend in priority order that is neither
// excluded nor cooling down. When every candidate is cooling down it returns
// the highest-priority candidate anyway. It returns "" only when every
// backend is excluded.
func (t *Tracker) NextAvailable(excluding []string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	skip := make(map[string]bool, len(excluding))
	for _, id := range excluding {
		skip[id] = true
	}

	now := t.now()
	fallback := ""
	for _, id := range t.priority {
		if skip[id] {
			continue
		}
		if fallback == "" {
			fallback = id
		}
		if t.availableLocked(id, now) {
			return id
		}
	}
	return fallback
}

// Snapshot returns the live cooldowns sorted by backend id. Expired entries
// are omitted but keep their strike count until MarkRecovered.
func (t *Tracker) Snapshot() []clinical.RateLimitState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	var states []clinical.RateLimitState
	for id, e := range t.entries {
		if !now.Before(e.until) {
			continue
		}
		states = append(states, clinical.RateLimitState{
			Backend:      id,
			LimitedUntil: e.until,
			LastError:    e.lastError,
			Strikes:      e.strikes,
		})
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Backend < states[j].Backend })
	return states
}

// State returns the live cooldown for backend, or nil when it is available.
func (t *Tracker) State(backend string) *clinical.RateLimitState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[backend]
	if !ok || !t.now().Before(e.until) {
		return nil
	}
	return &clinical.RateLimitState{
		Backend:      backend,
		LimitedUntil: e.until,
		LastError:    e.lastError,
		Strikes:      e.strikes,
	}
}
