// Package orchestrator composes analysis, backend selection, fallback
// execution, confidence scoring, bias mitigation, caching and the offline
// queue into a single Answer operation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zen-systems/carepath/pkg/adapter"
	"github.com/zen-systems/carepath/pkg/analyzer"
	"github.com/zen-systems/carepath/pkg/bias"
	"github.com/zen-systems/carepath/pkg/cache"
	"github.com/zen-systems/carepath/pkg/clinical"
	"github.com/zen-systems/carepath/pkg/confidence"
	"github.com/zen-systems/carepath/pkg/connectivity"
	"github.com/zen-systems/carepath/pkg/evidence"
	"github.com/zen-systems/carepath/pkg/executor"
	"github.com/zen-systems/carepath/pkg/guideline"
	"github.com/zen-systems/carepath/pkg/metrics"
	"github.com/zen-systems/carepath/pkg/queue"
	"github.com/zen-systems/carepath/pkg/ratelimit"
	"github.com/zen-systems/carepath/pkg/router"
)

// ErrEmptyQuestion is returned by Answer when the question is blank.
var ErrEmptyQuestion = errors.New("question is required")

// Queue reasons recorded with enqueued queries.
const (
	ReasonOffline         = "offline"
	ReasonExecutionFailed = "execution-failed"
	ReasonNoBackend       = "no-backend"
)

// Config tunes the orchestrator. Zero fields take the defaults from
// DefaultConfig.
type Config struct {
	MaxRetries        int
	Timeout           time.Duration
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	DisableFallback   bool
	OfflinePreference router.OfflinePreference
	ReplayInterval    time.Duration
	ReplayBatch       int
}

// DefaultConfig returns the built-in tuning.
func DefaultConfig() Config {
	p := executor.DefaultPolicy()
	d := clinical.DefaultOptions()
	return Config{
		MaxRetries:        d.MaxRetries,
		Timeout:           d.Timeout,
		BaseBackoff:       p.BaseBackoff,
		MaxBackoff:        p.MaxBackoff,
		OfflinePreference: router.RetrievalFirst,
		ReplayInterval:    5 * time.Minute,
		ReplayBatch:       20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.OfflinePreference == "" {
		c.OfflinePreference = d.OfflinePreference
	}
	if c.ReplayInterval <= 0 {
		c.ReplayInterval = d.ReplayInterval
	}
	if c.ReplayBatch <= 0 {
		c.ReplayBatch = d.ReplayBatch
	}
	return c
}

// ReplayHook receives every replayed query and its fresh answer.
type ReplayHook func(entry clinical.QueuedQuery, result *clinical.AnswerResult)

// Orchestrator is the facade over every component. It is safe for
// concurrent use; construct one per process.
type Orchestrator struct {
	cfg        Config
	backends   []adapter.Backend
	selector   *router.Selector
	exec       *executor.Executor
	tracker    *ratelimit.Tracker
	guidelines guideline.Store
	bias       *bias.Pipeline
	cache      *cache.Cache
	queue      queue.Store
	conn       connectivity.Provider
	metrics    *metrics.Metrics
	evidence   *evidence.Writer
	hook       ReplayHook
	logger     zerolog.Logger
	now        func() time.Time
	newID      func() string
	execOpts   []executor.Option

	replayMu sync.Mutex
	stats    stats
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTracker shares a rate-limit tracker with the caller.
func WithTracker(t *ratelimit.Tracker) Option {
	return func(o *Orchestrator) {
		o.tracker = t
	}
}

// WithGuidelines sets the guideline store used for grounding and scoring.
func WithGuidelines(s guideline.Store) Option {
	return func(o *Orchestrator) {
		o.guidelines = s
	}
}

// WithBias sets the bias pipeline.
func WithBias(p *bias.Pipeline) Option {
	return func(o *Orchestrator) {
		o.bias = p
	}
}

// WithCache sets the response cache. Without one, nothing is cached.
func WithCache(c *cache.Cache) Option {
	return func(o *Orchestrator) {
		o.cache = c
	}
}

// WithQueue sets the offline queue store.
func WithQueue(s queue.Store) Option {
	return func(o *Orchestrator) {
		o.queue = s
	}
}

// WithConnectivity sets the online signal.
func WithConnectivity(p connectivity.Provider) Option {
	return func(o *Orchestrator) {
		o.conn = p
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithEvidence enables the answer audit trail.
func WithEvidence(w *evidence.Writer) Option {
	return func(o *Orchestrator) {
		o.evidence = w
	}
}

// WithReplayHook registers a callback for replayed answers.
func WithReplayHook(h ReplayHook) Option {
	return func(o *Orchestrator) {
		o.hook = h
	}
}

// WithExecutorOptions passes extra options to the fallback executor.
func WithExecutorOptions(opts ...executor.Option) Option {
	return func(o *Orchestrator) {
		o.execOpts = append(o.execOpts, opts...)
	}
}

// WithClock sets the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithIDGenerator replaces the query id source.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		o.newID = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// New wires an orchestrator over backends. Missing collaborators get
// in-memory defaults: an always-online signal, an in-memory queue, the
// built-in guideline corpus and bias lexicon.
func New(cfg Config, backends []adapter.Backend, opts ...Option) (*Orchestrator, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("at least one backend is required")
	}
	o := &Orchestrator{
		cfg:      cfg.withDefaults(),
		backends: backends,
		logger:   zerolog.Nop(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.tracker == nil {
		o.tracker = ratelimit.New(remoteIDs(backends), ratelimit.WithLogger(o.logger))
	}
	if o.guidelines == nil {
		store, err := guideline.Default()
		if err != nil {
			return nil, fmt.Errorf("load guidelines: %w", err)
		}
		o.guidelines = store
	}
	if o.bias == nil {
		p, err := bias.NewPipeline(nil, o.logger)
		if err != nil {
			return nil, fmt.Errorf("load bias lexicon: %w", err)
		}
		o.bias = p
	}
	if o.queue == nil {
		o.queue = queue.NewMemoryStore(o.now)
	}
	if o.conn == nil {
		o.conn = connectivity.NewStatic(true)
	}

	o.selector = router.New(backends,
		router.WithLimits(o.tracker),
		router.WithFallback(!o.cfg.DisableFallback),
		router.WithOfflinePreference(o.cfg.OfflinePreference),
		router.WithLogger(o.logger),
	)
	execOpts := append([]executor.Option{
		executor.WithLimits(o.tracker),
		executor.WithBackoff(o.cfg.BaseBackoff, o.cfg.MaxBackoff),
		executor.WithLogger(o.logger),
	}, o.execOpts...)
	o.exec = executor.New(execOpts...)
	o.stats.backends = make(map[string]int)
	return o, nil
}

func remoteIDs(backends []adapter.Backend) []string {
	var ids []string
	for _, b := range backends {
		if b.Kind() == clinical.KindRemoteModel {
			ids = append(ids, b.ID())
		}
	}
	return ids
}

// Close releases the queue store.
func (o *Orchestrator) Close() error {
	return o.queue.Close()
}

// Answer runs one query end to end. Backend failures never surface as an
// error: they produce a very-low confidence result with an explanation, and
// the query is queued when opts.SaveForLater is set. The error return is
// reserved for invalid input.
func (o *Orchestrator) Answer(ctx context.Context, question string, patient clinical.PatientContext, opts clinical.QueryOptions) (*clinical.AnswerResult, error) {
	if strings.TrimSpace(question) == "" {
		return nil, ErrEmptyQuestion
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = o.cfg.MaxRetries
	}
	if opts.Timeout <= 0 {
		opts.Timeout = o.cfg.Timeout
	}
	q := clinical.ClinicalQuery{
		ID:          o.newID(),
		Question:    strings.TrimSpace(question),
		Patient:     patient,
		Options:     opts,
		SubmittedAt: o.now().UTC(),
	}
	return o.answer(ctx, q, false), nil
}

func (o *Orchestrator) answer(ctx context.Context, q clinical.ClinicalQuery, replay bool) *clinical.AnswerResult {
	started := o.now()
	logger := o.logger.With().Str("query_id", q.ID).Logger()

	key := cache.Key(q)
	if !replay {
		if hit, ok := o.cache.Get(key); ok {
			hit.QueryID = q.ID
			hit.StartedAt = started.UTC()
			hit.CompletedAt = o.now().UTC()
			logger.Debug().Str("backend", hit.Backend).Msg("answer served from cache")
			o.record(q, hit, started, replay)
			return hit
		}
	}

	analysis := analyzer.Analyze(q.Question, q.Patient)
	guidelines, err := o.guidelines.Search(ctx, strings.TrimSpace(q.Question+" "+q.Patient.Symptoms), string(analysis.Domain), q.Patient)
	if err != nil {
		logger.Warn().Err(err).Msg("guideline search failed, continuing without guidelines")
		guidelines = nil
	}

	online := o.conn.IsOnline()
	decision := o.selector.Select(router.SelectInput{
		Query:      q,
		Analysis:   analysis,
		Guidelines: guidelines,
		Online:     online,
	})

	chain := make([]adapter.Backend, 0, len(decision.Chain))
	for _, id := range decision.Chain {
		if b, ok := o.selector.Backend(id); ok {
			chain = append(chain, b)
		}
	}

	result := &clinical.AnswerResult{
		QueryID:   q.ID,
		Selection: decision,
		StartedAt: started.UTC(),
	}

	res, err := o.exec.Run(ctx, chain, adapter.Request{Query: q, Analysis: analysis, Guidelines: guidelines})
	if err != nil {
		o.fail(ctx, q, result, decision, err, logger)
		result.CompletedAt = o.now().UTC()
		o.record(q, result, started, replay)
		return result
	}

	kind := clinical.KindRule
	if b, ok := o.selector.Backend(res.Backend); ok {
		kind = b.Kind()
	}
	score := confidence.Post(confidence.Pre(q.Patient, analysis, guidelines), res.Response.Score)
	text, report := o.bias.Process(kind, res.Response.Text, q.Patient)

	result.Text = text
	result.Backend = res.Backend
	result.Confidence = score.Level
	result.Attempted = res.Attempted()
	result.Attempts = res.Attempts
	result.Bias = report

	if !online && kind != clinical.KindRemoteModel && q.Options.SaveForLater {
		// Answered locally while offline; keep the query so a remote model
		// can answer it once connectivity returns.
		if err := o.enqueue(ctx, q, clinical.PriorityNormal, ReasonOffline); err != nil {
			logger.Error().Err(err).Msg("failed to queue offline answer for replay")
		} else {
			result.Queued = true
		}
	}
	if !result.Queued {
		o.cache.Put(key, result)
	}

	result.CompletedAt = o.now().UTC()
	logger.Info().
		Str("backend", result.Backend).
		Str("confidence", string(result.Confidence)).
		Str("reason", string(decision.Reason)).
		Int("attempts", len(result.Attempts)).
		Dur("latency", result.CompletedAt.Sub(result.StartedAt)).
		Msg("query answered")
	o.record(q, result, started, replay)
	return result
}

// fail fills result for a query no backend could answer and queues it.
func (o *Orchestrator) fail(ctx context.Context, q clinical.ClinicalQuery, result *clinical.AnswerResult, decision clinical.SelectionDecision, err error, logger zerolog.Logger) {
	result.Confidence = clinical.LevelVeryLow

	var chainErr *executor.ChainError
	if errors.As(err, &chainErr) {
		result.Attempts = chainErr.Attempts
		result.Attempted = chainErr.Attempted()
	}

	priority, reason := clinical.PriorityHigh, ReasonExecutionFailed
	if len(result.Attempts) == 0 && decision.Reason == clinical.ReasonNoBackend {
		priority, reason = clinical.PriorityNormal, ReasonNoBackend
	}

	explanation := fmt.Sprintf("No reasoning backend could answer this question (%v).", err)
	if q.Options.SaveForLater {
		if qerr := o.enqueue(ctx, q, priority, reason+": "+err.Error()); qerr != nil {
			logger.Error().Err(qerr).Msg("failed to queue unanswered query")
			explanation += " The query could not be saved for later; please resubmit it."
		} else {
			result.Queued = true
			explanation += " It has been saved and will be retried automatically."
		}
	}
	result.Explanation = explanation

	logger.Warn().
		Err(err).
		Strs("attempted", result.Attempted).
		Bool("queued", result.Queued).
		Msg("all backends failed")
}

// enqueue persists q even when the caller's context has already ended, so a
// canceled request is still never dropped.
func (o *Orchestrator) enqueue(ctx context.Context, q clinical.ClinicalQuery, priority clinical.Priority, reason string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := o.queue.Enqueue(ctx, q, priority, reason); err != nil {
		return fmt.Errorf("enqueue %s: %w", q.ID, err)
	}
	o.metrics.ObserveQueued(priority)
	o.stats.queued()
	if n, err := o.queue.Len(ctx); err == nil {
		o.metrics.SetQueueDepth(n)
	}
	return nil
}

// record updates stats, metrics and the audit trail for a finished answer.
func (o *Orchestrator) record(q clinical.ClinicalQuery, r *clinical.AnswerResult, started time.Time, replay bool) {
	o.stats.observe(r)
	o.metrics.ObserveAnswer(r)
	if o.evidence == nil {
		return
	}

	rec := evidence.AnswerRecord{
		QueryID:        r.QueryID,
		Timestamp:      started.UTC(),
		QuestionHash:   evidence.Hash([]byte(q.Question)),
		Backend:        r.Backend,
		Confidence:     r.Confidence,
		Selection:      r.Selection,
		Attempts:       r.Attempts,
		Bias:           r.Bias,
		Cached:         r.Cached,
		Queued:         r.Queued,
		Replayed:       replay,
		DurationMillis: r.CompletedAt.Sub(r.StartedAt).Milliseconds(),
	}
	if r.Text != "" {
		ref, sha, err := o.evidence.WriteBlob("answer", []byte(r.Text))
		if err != nil {
			o.logger.Warn().Err(err).Str("query_id", r.QueryID).Msg("failed to write answer blob")
		}
		rec.OutputRef, rec.OutputHash = ref, sha
	}
	if err := o.evidence.WriteAnswer(rec); err != nil {
		o.logger.Warn().Err(err).Str("query_id", r.QueryID).Msg("failed to write answer evidence")
	}
}
