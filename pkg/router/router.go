// Package router chooses the ordered backend chain for a clinical query from
// its analysis, connectivity and rate-limit state.
package router

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/zen-systems/carepath/pkg/adapter"
	"github.com/zen-systems/carepath/pkg/analyzer"
	"github.com/zen-systems/carepath/pkg/clinical"
	"github.com/zen-systems/carepath/pkg/confidence"
	"github.com/zen-systems/carepath/pkg/guideline"
)

// Limits reports rate-limit state. *ratelimit.Tracker satisfies it.
type Limits interface {
	IsAvailable(backend string) bool
	NextAvailable(excluding []string) string
}

// OfflinePreference orders the two offline-capable tiers.
type OfflinePreference string

const (
	RetrievalFirst OfflinePreference = "retrieval-first"
	RuleFirst      OfflinePreference = "rule-first"
)

// ParseOfflinePreference parses a configured preference, defaulting to
// retrieval-first.
func ParseOfflinePreference(s string) (OfflinePreference, error) {
	switch OfflinePreference(s) {
	case "", RetrievalFirst:
		return RetrievalFirst, nil
	case RuleFirst:
		return RuleFirst, nil
	default:
		return "", fmt.Errorf("unknown offline preference %q", s)
	}
}

// SelectInput is everything the selector looks at for one query.
type SelectInput struct {
	Query      clinical.ClinicalQuery
	Analysis   analyzer.Analysis
	Guidelines []guideline.Guideline
	Online     bool
}

// Selector picks backend chains. It holds no per-query state and is safe for
// concurrent use as long as the registered backends are.
type Selector struct {
	backends   []adapter.Backend
	byID       map[string]adapter.Backend
	limits     Limits
	fallback   bool
	preference OfflinePreference
	logger     zerolog.Logger
}

// Option configures a Selector.
type Option func(*Selector)

// WithLimits sets the rate-limit source.
func WithLimits(limits Limits) Option {
	return func(s *Selector) {
		s.limits = limits
	}
}

// WithFallback enables or disables chaining past the primary backend.
func WithFallback(enabled bool) Option {
	return func(s *Selector) {
		s.fallback = enabled
	}
}

// WithOfflinePreference sets the retrieval/rule tie-break.
func WithOfflinePreference(p OfflinePreference) Option {
	return func(s *Selector) {
		if p != "" {
			s.preference = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Selector) {
		s.logger = logger
	}
}

// New creates a selector over backends. Registration order is the
// preference order within a tier when no rate-limit source is set.
func New(backends []adapter.Backend, opts ...Option) *Selector {
	s := &Selector{
		backends:   backends,
		byID:       make(map[string]adapter.Backend, len(backends)),
		fallback:   true,
		preference: RetrievalFirst,
		logger:     zerolog.Nop(),
	}
	for _, b := range backends {
		s.byID[b.ID()] = b
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns a registered backend by id.
func (s *Selector) Backend(id string) (adapter.Backend, bool) {
	b, ok := s.byID[id]
	return b, ok
}

// Backends returns the registered backends in registration order.
func (s *Selector) Backends() []adapter.Backend {
	return append([]adapter.Backend(nil), s.backends...)
}

// Select builds the selection decision for one query.
func (s *Selector) Select(in SelectInput) clinical.SelectionDecision {
	var notes []string
	order := s.preferenceOrder(in.Online, &notes)

	decision := clinical.SelectionDecision{
		Confidence: confidence.Pre(in.Query.Patient, in.Analysis, in.Guidelines).Level,
	}

	primary := ""
	if forced := in.Query.Options.Backend; forced != "" {
		if s.usable(forced, order) {
			primary = forced
			decision.Reason = clinical.ReasonForced
		} else {
			notes = append(notes, "requested-unavailable: "+forced)
			s.logger.Warn().
				Str("backend", forced).
				Bool("online", in.Online).
				Msg("requested backend unavailable, downgrading")
		}
	}

	if primary == "" {
		if len(order) == 0 {
			decision.Reason = clinical.ReasonNoBackend
			decision.Notes = notes
			return decision
		}
		primary = order[0]
		decision.Reason = reasonFor(classify(in.Analysis, in.Online), s.byID[primary].Kind())
	}

	decision.Chain = s.chain(primary, order)
	decision.Notes = notes

	s.logger.Debug().
		Str("query_id", in.Query.ID).
		Strs("chain", decision.Chain).
		Str("reason", string(decision.Reason)).
		Str("confidence", string(decision.Confidence)).
		Msg("backend selection")
	return decision
}

// preferenceOrder lists every eligible backend, most preferred first.
func (s *Selector) preferenceOrder(online bool, notes *[]string) []string {
	var remote, retrieval, rule []string
	for _, b := range s.backends {
		id := b.ID()
		if b.Capabilities().RequiresNetwork && !online {
			continue
		}
		if !b.Ready() {
			*notes = append(*notes, id+" not ready")
			continue
		}
		switch b.Kind() {
		case clinical.KindRemoteModel:
			if s.limits != nil && !s.limits.IsAvailable(id) {
				*notes = append(*notes, id+" rate-limited")
				continue
			}
			remote = append(remote, id)
		case clinical.KindRetrieval:
			retrieval = append(retrieval, id)
		case clinical.KindRule:
			rule = append(rule, id)
		}
	}
	if !online {
		*notes = append(*notes, "offline")
	}

	order := s.rankRemote(remote)
	if s.preference == RuleFirst {
		order = append(order, rule...)
		return append(order, retrieval...)
	}
	order = append(order, retrieval...)
	return append(order, rule...)
}

// rankRemote orders available remote backends by the tracker's priority,
// keeping registration order for ids the tracker does not rank.
func (s *Selector) rankRemote(remote []string) []string {
	if s.limits == nil || len(remote) < 2 {
		return remote
	}
	eligible := make(map[string]bool, len(remote))
	for _, id := range remote {
		eligible[id] = true
	}
	excluded := make([]string, 0, len(s.backends))
	for _, b := range s.backends {
		if !eligible[b.ID()] {
			excluded = append(excluded, b.ID())
		}
	}

	ranked := make([]string, 0, len(remote))
	seen := make(map[string]bool, len(remote))
	for len(ranked) < len(remote) {
		id := s.limits.NextAvailable(excluded)
		if id == "" {
			break
		}
		excluded = append(excluded, id)
		if eligible[id] && !seen[id] {
			seen[id] = true
			ranked = append(ranked, id)
		}
	}
	for _, id := range remote {
		if !seen[id] {
			ranked = append(ranked, id)
		}
	}
	return ranked
}

func (s *Selector) usable(id string, order []string) bool {
	for _, o := range order {
		if o == id {
			return true
		}
	}
	return false
}

// chain places primary first, then the fallbacks, and always ends in a rule
// backend. A rule primary is already the terminal fallback, so nothing
// follows it.
func (s *Selector) chain(primary string, order []string) []string {
	chain := []string{primary}
	if s.byID[primary].Kind() == clinical.KindRule {
		return chain
	}
	if s.fallback {
		for _, id := range order {
			if id != primary && s.byID[id].Kind() != clinical.KindRule {
				chain = append(chain, id)
			}
		}
	}
	if rule := s.terminalRule(); rule != "" {
		chain = append(chain, rule)
	}
	return chain
}

func (s *Selector) terminalRule() string {
	for _, b := range s.backends {
		if b.Kind() == clinical.KindRule {
			return b.ID()
		}
	}
	return ""
}
