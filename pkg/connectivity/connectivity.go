// Package connectivity reports whether the remote model backends can be
// reached and notifies subscribers when that changes.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Provider is an observable online flag.
type Provider interface {
	IsOnline() bool
	// Subscribe registers fn for every change of the flag. The returned
	// function removes the subscription.
	Subscribe(fn func(online bool)) (cancel func())
}

// notifier fans a state change out to subscribers.
type notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(bool)
	online atomic.Bool
}

func (n *notifier) IsOnline() bool { return n.online.Load() }

func (n *notifier) Subscribe(fn func(online bool)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func(bool))
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs, id)
		})
	}
}

// set updates the flag and notifies subscribers when it changed.
func (n *notifier) set(online bool) bool {
	if n.online.Swap(online) == online {
		return false
	}
	n.mu.Lock()
	fns := make([]func(bool), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
	return true
}

// Static is a manually controlled provider.
type Static struct {
	notifier
}

// NewStatic creates a provider with the given initial state.
func NewStatic(online bool) *Static {
	s := &Static{}
	s.online.Store(online)
	return s
}

// Set changes the state, notifying subscribers on a transition.
func (s *Static) Set(online bool) {
	s.set(online)
}

// Probe checks a URL periodically. Any HTTP response counts as online; a
// transport error counts as offline.
type Probe struct {
	notifier
	url      string
	interval time.Duration
	client   *http.Client
	logger   zerolog.Logger
}

// ProbeOption configures a Probe.
type ProbeOption func(*Probe)

// WithInterval sets how often the URL is checked.
func WithInterval(d time.Duration) ProbeOption {
	return func(p *Probe) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithHTTPClient sets the client used for checks.
func WithHTTPClient(c *http.Client) ProbeOption {
	return func(p *Probe) {
		p.client = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) ProbeOption {
	return func(p *Probe) {
		p.logger = logger
	}
}

// NewProbe creates a probe for url. It reports offline until the first
// successful check.
func NewProbe(url string, opts ...ProbeOption) *Probe {
	p := &Probe{
		url:      url,
		interval: 30 * time.Second,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Check probes once and updates the state.
func (p *Probe) Check(ctx context.Context) bool {
	online := p.reachable(ctx)
	if p.set(online) {
		p.logger.Info().Bool("online", online).Str("url", p.url).Msg("connectivity changed")
	}
	return online
}

func (p *Probe) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug().Err(err).Str("url", p.url).Msg("connectivity probe failed")
		return false
	}
	resp.Body.Close()
	return true
}

// Run checks immediately and then on every interval until ctx ends.
func (p *Probe) Run(ctx context.Context) {
	p.Check(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
