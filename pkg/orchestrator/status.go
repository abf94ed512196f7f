package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/zen-systems/carepath/pkg/adapter"
	"github.com/zen-systems/carepath/pkg/clinical"
)

// Stats counts answers since the orchestrator was created.
type Stats struct {
	Answers   int            `json:"answers"`
	CacheHits int            `json:"cache_hits"`
	Failures  int            `json:"failures"`
	Queued    int            `json:"queued"`
	Replayed  int            `json:"replayed"`
	Backends  map[string]int `json:"backends,omitempty"`
}

type stats struct {
	mu       sync.Mutex
	answers  int
	hits     int
	failures int
	enqueued int
	replayed int
	backends map[string]int
}

func (s *stats) observe(r *clinical.AnswerResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers++
	switch {
	case r.Cached:
		s.hits++
	case r.Failed():
		s.failures++
	default:
		s.backends[r.Backend]++
	}
}

func (s *stats) queued() {
	s.mu.Lock()
	s.enqueued++
	s.mu.Unlock()
}

func (s *stats) replay() {
	s.mu.Lock()
	s.replayed++
	s.mu.Unlock()
}

func (s *stats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Stats{
		Answers:   s.answers,
		CacheHits: s.hits,
		Failures:  s.failures,
		Queued:    s.enqueued,
		Replayed:  s.replayed,
		Backends:  make(map[string]int, len(s.backends)),
	}
	for k, v := range s.backends {
		out.Backends[k] = v
	}
	return out
}

// Status is the operational view of the orchestrator.
type Status struct {
	Online     bool                         `json:"online"`
	Backends   []clinical.BackendDescriptor `json:"backends"`
	RateLimits []clinical.RateLimitState    `json:"rate_limits,omitempty"`
	// QueueDepth is -1 when the queue could not be read.
	QueueDepth int   `json:"queue_depth"`
	CacheSize  int   `json:"cache_size"`
	Stats      Stats `json:"stats"`
}

// Status reports backend availability, rate limits, queue depth and stats.
func (o *Orchestrator) Status(ctx context.Context) Status {
	st := Status{
		Online:     o.conn.IsOnline(),
		RateLimits: o.tracker.Snapshot(),
		CacheSize:  o.cache.Len(),
		Stats:      o.stats.snapshot(),
		Backends:   o.Backends(),
	}

	n, err := o.queue.Len(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("failed to read queue depth")
		n = -1
	} else {
		o.metrics.SetQueueDepth(n)
	}
	st.QueueDepth = n
	return st
}

// Backends returns the descriptors of every registered backend.
func (o *Orchestrator) Backends() []clinical.BackendDescriptor {
	out := make([]clinical.BackendDescriptor, 0, len(o.backends))
	for _, b := range o.backends {
		d := adapter.Describe(b)
		d.RateLimit = o.tracker.State(b.ID())
		out = append(out, d)
	}
	return out
}

// WaitReady blocks until every backend that builds state in the background
// (the retrieval index) has finished, or ctx ends.
func (o *Orchestrator) WaitReady(ctx context.Context) error {
	for _, b := range o.backends {
		w, ok := b.(interface{ WaitReady(context.Context) error })
		if !ok {
			continue
		}
		if err := w.WaitReady(ctx); err != nil {
			return fmt.Errorf("%s: %w", b.ID(), err)
		}
	}
	return nil
}
