// Package executor runs a backend chain for one query: sequential attempts,
// classified failures, retries with backoff and fallback to the next backend.
package executor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/zen-systems/carepath/pkg/adapter"
	"github.com/zen-systems/carepath/pkg/clinical"
)

// LimitRecorder receives rate-limit outcomes. *ratelimit.Tracker satisfies it.
type LimitRecorder interface {
	MarkLimited(backend string, err error) time.Time
	MarkRecovered(backend string)
}

// Clock returns the current time.
type Clock func() time.Time

// Result is a validated answer and the attempts that led to it.
type Result struct {
	Response  *adapter.Response
	Backend   string
	Attempts  []clinical.ExecutionAttempt
	Truncated bool
}

// Attempted returns the distinct backends tried, in order.
func (r *Result) Attempted() []string {
	return attempted(r.Attempts)
}

// Executor drives the transition function against real backends.
type Executor struct {
	limits      LimitRecorder
	baseBackoff time.Duration
	maxBackoff  time.Duration
	sleep       Sleeper
	now         Clock
	logger      zerolog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLimits sets where rate-limit outcomes are recorded.
func WithLimits(limits LimitRecorder) Option {
	return func(e *Executor) {
		e.limits = limits
	}
}

// WithBackoff sets the base and cap of the retry backoff.
func WithBackoff(base, max time.Duration) Option {
	return func(e *Executor) {
		if base > 0 {
			e.baseBackoff = base
		}
		if max > 0 {
			e.maxBackoff = max
		}
	}
}

// WithSleeper replaces the backoff wait. Tests use it to avoid real sleeps.
func WithSleeper(sleep Sleeper) Option {
	return func(e *Executor) {
		e.sleep = sleep
	}
}

// WithClock sets the clock used for attempt latency.
func WithClock(clock Clock) Option {
	return func(e *Executor) {
		e.now = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// New creates an executor.
func New(opts ...Option) *Executor {
	d := DefaultPolicy()
	e := &Executor{
		baseBackoff: d.BaseBackoff,
		maxBackoff:  d.MaxBackoff,
		sleep:       sleepWithContext,
		now:         time.Now,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run walks chain until a backend returns a valid answer. It returns a
// *ChainError when every backend failed or ctx ended first.
func (e *Executor) Run(ctx context.Context, chain []adapter.Backend, req adapter.Request) (*Result, error) {
	opts := req.Query.Options.WithDefaults()
	policy := Policy{MaxAttempts: opts.MaxRetries, BaseBackoff: e.baseBackoff, MaxBackoff: e.maxBackoff}

	var (
		attempts  []clinical.ExecutionAttempt
		lastErr   error
		truncated bool
	)

	t := Step(Start(len(chain)), Event{Type: EventStart}, policy)
	for {
		state := t.Next
		switch state.Phase {
		case PhaseExhausted:
			return nil, &ChainError{Attempts: attempts, Err: lastErr}

		case PhaseRetryable, PhaseFatal:
			id := chain[state.Index].ID()
			if t.MarkLimited && e.limits != nil {
				e.limits.MarkLimited(id, lastErr)
			}
			if t.Truncate {
				req.Query = Truncate(req.Query)
				truncated = true
			}
			if err := ctx.Err(); err != nil {
				return nil, &ChainError{Attempts: attempts, Err: err}
			}
			if state.Phase == PhaseFatal && state.Index+1 < len(chain) {
				e.logger.Info().
					Str("from", id).
					Str("to", chain[state.Index+1].ID()).
					Str("error_kind", attempts[len(attempts)-1].ErrorKind).
					Msg("falling back to next backend")
			}
			if err := e.sleep(ctx, t.Backoff); err != nil {
				return nil, &ChainError{Attempts: attempts, Err: err}
			}
			t = Step(state, Event{Type: EventResume}, policy)
			continue
		}

		if !t.Call {
			return nil, &ChainError{Attempts: attempts, Err: lastErr}
		}

		b := chain[state.Index]
		req.Attempt = state.Attempt
		start := e.now()
		resp, err := e.call(ctx, b, req, opts.Timeout)
		record := clinical.ExecutionAttempt{
			Backend: b.ID(),
			Attempt: state.Attempt,
			Latency: e.now().Sub(start),
		}

		if err == nil {
			record.Outcome = clinical.OutcomeSuccess
			attempts = append(attempts, record)
			if e.limits != nil {
				e.limits.MarkRecovered(b.ID())
			}
			return &Result{Response: resp, Backend: b.ID(), Attempts: attempts, Truncated: truncated}, nil
		}

		kind := adapter.Classify(err)
		record.Outcome = clinical.OutcomeError
		record.ErrorKind = string(kind)
		record.Error = err.Error()
		if resp != nil {
			record.Partial = clip(resp.Text, 200)
		}
		attempts = append(attempts, record)
		lastErr = err

		e.logger.Debug().
			Err(err).
			Str("backend", b.ID()).
			Int("attempt", state.Attempt).
			Str("error_kind", string(kind)).
			Msg("backend attempt failed")

		t = Step(state, Event{Type: EventFailed, Kind: kind, Deterministic: b.Capabilities().Deterministic}, policy)
	}
}

// call performs one bounded attempt. An answer that fails validation is
// returned alongside its error so the caller can record it as partial.
func (e *Executor) call(ctx context.Context, b adapter.Backend, req adapter.Request, timeout time.Duration) (resp *adapter.Response, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = adapter.Errorf(adapter.KindUnknown, "backend %s panicked: %v", b.ID(), r)
		}
	}()

	resp, err = b.Execute(attemptCtx, &req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, adapter.Errorf(adapter.KindInvalidResponse, "backend %s returned no response", b.ID())
	}
	if verr := Validate(resp.Text); verr != nil {
		return resp, adapter.NewError(adapter.KindInvalidResponse, verr)
	}
	return resp, nil
}
