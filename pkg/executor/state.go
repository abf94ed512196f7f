package executor

import (
	"time"

	"github.com/zen-systems/carepath/pkg/adapter"
)

// Phase is the state of one query's walk down its backend chain.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseAttempting Phase = "attempting"
	PhaseRetryable  Phase = "retryable"
	PhaseFatal      Phase = "fatal"
	PhaseSuccess    Phase = "success"
	PhaseExhausted  Phase = "exhausted"
)

// Terminal reports whether no further transitions follow.
func (p Phase) Terminal() bool {
	return p == PhaseSuccess || p == PhaseExhausted
}

// Policy bounds retries and backoff.
type Policy struct {
	// MaxAttempts is the most calls any single backend receives.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultPolicy matches QueryOptions defaults.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second}
}

// State is the position in the chain.
type State struct {
	Phase Phase
	// ChainLen is the number of backends in the chain.
	ChainLen int
	// Index is the current backend.
	Index int
	// Attempt counts calls made to the current backend.
	Attempt   int
	Truncated bool
}

// EventType is what happened since the last transition.
type EventType int

const (
	// EventStart begins execution of a pending chain.
	EventStart EventType = iota
	// EventSucceeded reports a validated answer from the current backend.
	EventSucceeded
	// EventFailed reports a classified failure from the current backend.
	EventFailed
	// EventResume continues after a retryable or fatal failure.
	EventResume
)

// Event drives a transition.
type Event struct {
	Type          EventType
	Kind          adapter.ErrorKind
	Deterministic bool
}

// Transition is the next state plus the side effects the run loop performs.
type Transition struct {
	Next State
	// Call asks for a call to backend Next.Index.
	Call bool
	// Backoff is the wait before the retry call.
	Backoff time.Duration
	// Truncate asks for free-text patient fields to be capped before the
	// next call.
	Truncate bool
	// MarkLimited asks for the current backend to be put on cooldown.
	MarkLimited bool
}

// Start returns the initial state for a chain of n backends.
func Start(n int) State {
	return State{Phase: PhasePending, ChainLen: n}
}

// Step is the pure transition function of the executor. Events that do not
// apply in the current phase leave the state unchanged.
func Step(s State, ev Event, p Policy) Transition {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	switch s.Phase {
	case PhasePending:
		if ev.Type != EventStart {
			break
		}
		if s.ChainLen == 0 {
			s.Phase = PhaseExhausted
			return Transition{Next: s}
		}
		s.Phase = PhaseAttempting
		s.Index, s.Attempt, s.Truncated = 0, 1, false
		return Transition{Next: s, Call: true}

	case PhaseAttempting:
		switch ev.Type {
		case EventSucceeded:
			s.Phase = PhaseSuccess
			return Transition{Next: s}
		case EventFailed:
			return onFailure(s, ev, p)
		}

	case PhaseRetryable:
		if ev.Type != EventResume {
			break
		}
		s.Phase = PhaseAttempting
		s.Attempt++
		return Transition{Next: s, Call: true}

	case PhaseFatal:
		if ev.Type != EventResume {
			break
		}
		if s.Index+1 >= s.ChainLen {
			s.Phase = PhaseExhausted
			return Transition{Next: s}
		}
		s.Phase = PhaseAttempting
		s.Index++
		s.Attempt, s.Truncated = 1, false
		return Transition{Next: s, Call: true}
	}
	return Transition{Next: s}
}

func onFailure(s State, ev Event, p Policy) Transition {
	canRetry := s.Attempt < p.MaxAttempts
	t := Transition{}

	switch ev.Kind {
	case adapter.KindRateLimited:
		t.MarkLimited = true
		if canRetry {
			t.Backoff = computeBackoff(p.BaseBackoff, p.MaxBackoff, s.Attempt-1)
		}
	case adapter.KindNetwork, adapter.KindUnknown:
		// Only rate limits put a backend on cooldown.
		if canRetry {
			t.Backoff = computeBackoff(p.BaseBackoff, p.MaxBackoff, s.Attempt-1)
		}
	case adapter.KindInvalidResponse:
		canRetry = canRetry && !ev.Deterministic
	case adapter.KindContextTooLarge:
		canRetry = canRetry && !s.Truncated
		if canRetry {
			t.Truncate = true
			s.Truncated = true
		}
	default:
		canRetry = false
	}

	if canRetry {
		s.Phase = PhaseRetryable
	} else {
		s.Phase = PhaseFatal
		t.Backoff = 0
	}
	t.Next = s
	return t
}
