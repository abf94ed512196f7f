package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/carepath/pkg/adapter"
	"github.com/zen-systems/carepath/pkg/cache"
	"github.com/zen-systems/carepath/pkg/clinical"
	"github.com/zen-systems/carepath/pkg/connectivity"
	"github.com/zen-systems/carepath/pkg/evidence"
	"github.com/zen-systems/carepath/pkg/executor"
	"github.com/zen-systems/carepath/pkg/guideline"
	"github.com/zen-systems/carepath/pkg/queue"
	"github.com/zen-systems/carepath/pkg/ratelimit"
	"github.com/zen-systems/carepath/pkg/retrieval"
	"github.com/zen-systems/carepath/pkg/router"
	"github.com/zen-systems/carepath/pkg/rules"
)

const remoteAnswer = "## Assessment\nLikely a viral illness.\n\n## Recommended Actions\n- Oral fluids and review in 48 hours.\n"

// stubBackend answers with text or fails with err, switchable at runtime.
type stubBackend struct {
	id   string
	kind clinical.Kind

	mu    sync.Mutex
	err   error
	text  string
	calls int
}

func newStub(id string, kind clinical.Kind, err error) *stubBackend {
	return &stubBackend{id: id, kind: kind, err: err, text: remoteAnswer}
}

func (s *stubBackend) ID() string          { return s.id }
func (s *stubBackend) Kind() clinical.Kind { return s.kind }
func (s *stubBackend) Ready() bool         { return true }

func (s *stubBackend) Capabilities() clinical.Capabilities {
	if s.kind == clinical.KindRemoteModel {
		return clinical.Capabilities{RequiresNetwork: true}
	}
	return clinical.Capabilities{OfflineCapable: true, Deterministic: true}
}

func (s *stubBackend) Execute(ctx context.Context, _ *adapter.Request) (*adapter.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &adapter.Response{Text: s.text, Model: s.id + "-1"}, nil
}

func (s *stubBackend) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stubBackend) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func noSleep(context.Context, time.Duration) error { return nil }

func networkErr() error {
	return adapter.Errorf(adapter.KindNetwork, "connection refused")
}

func localBackends(t *testing.T) []adapter.Backend {
	t.Helper()
	store, err := guideline.Default()
	require.NoError(t, err)
	idx := retrieval.New(store)
	require.NoError(t, idx.Init(context.Background()))
	engine, err := rules.New(nil)
	require.NoError(t, err)
	return []adapter.Backend{idx, engine}
}

type fixture struct {
	o       *Orchestrator
	queue   *queue.MemoryStore
	conn    *connectivity.Static
	tracker *ratelimit.Tracker
}

func newFixture(t *testing.T, online bool, backends []adapter.Backend, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		queue:   queue.NewMemoryStore(time.Now),
		conn:    connectivity.NewStatic(online),
		tracker: ratelimit.New([]string{"gemini", "claude"}),
	}
	base := []Option{
		WithQueue(f.queue),
		WithConnectivity(f.conn),
		WithTracker(f.tracker),
		WithExecutorOptions(executor.WithSleeper(noSleep)),
	}
	o, err := New(Config{}, backends, append(base, opts...)...)
	require.NoError(t, err)
	f.o = o
	return f
}

func (f *fixture) queued(t *testing.T) []clinical.QueuedQuery {
	t.Helper()
	entries, err := f.queue.DrainBatch(context.Background(), 0)
	require.NoError(t, err)
	return entries
}

func defaultOpts() clinical.QueryOptions {
	return clinical.DefaultOptions()
}

// domainStore records the domain of every guideline search.
type domainStore struct {
	guideline.Store

	mu      sync.Mutex
	domains []string
}

func (d *domainStore) Search(ctx context.Context, symptoms, domain string, p clinical.PatientContext) ([]guideline.Guideline, error) {
	d.mu.Lock()
	d.domains = append(d.domains, domain)
	d.mu.Unlock()
	return d.Store.Search(ctx, symptoms, domain, p)
}

func TestAnswerSearchesGuidelinesByDomain(t *testing.T) {
	base, err := guideline.Default()
	require.NoError(t, err)
	store := &domainStore{Store: base}
	f := newFixture(t, false, localBackends(t), WithGuidelines(store))

	ctx := context.Background()
	_, err = f.o.Answer(ctx, "malaria with high fever", clinical.PatientContext{Age: clinical.AgeOf(30)}, defaultOpts())
	require.NoError(t, err)
	_, err = f.o.Answer(ctx, "bleeding after delivery, postpartum day 2", clinical.PatientContext{Age: clinical.AgeOf(25)}, defaultOpts())
	require.NoError(t, err)

	assert.Equal(t, []string{"infectious", "maternal"}, store.domains)
}

func TestAnswerRejectsEmptyQuestion(t *testing.T) {
	f := newFixture(t, true, localBackends(t))
	_, err := f.o.Answer(context.Background(), "   ", clinical.PatientContext{}, defaultOpts())
	require.ErrorIs(t, err, ErrEmptyQuestion)
}

func TestNewRequiresBackends(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
}

func TestOfflineChildFeverUsesLocalChain(t *testing.T) {
	gen := adapter.NewMockGenerator("gemini", remoteAnswer)
	backends := append([]adapter.Backend{adapter.NewRemoteBackend(gen)}, localBackends(t)...)
	f := newFixture(t, false, backends)

	patient := clinical.PatientContext{
		Age:      clinical.AgeOf(3),
		Gender:   "female",
		Symptoms: "fever and cough for two days",
	}
	res, err := f.o.Answer(context.Background(), "fever and cough", patient, defaultOpts())
	require.NoError(t, err)

	assert.Equal(t, []string{retrieval.ID, rules.ID}, res.Selection.Chain)
	assert.Equal(t, clinical.ReasonOfflineRetrieval, res.Selection.Reason)
	assert.Contains(t, []clinical.Level{clinical.LevelMedium, clinical.LevelLow}, res.Confidence)
	assert.Equal(t, 0, gen.Calls(), "no network call may happen offline")
	assert.Nil(t, res.Bias, "local answers are not scanned for bias")

	// Answered locally, but kept for a remote answer on reconnect.
	assert.True(t, res.Queued)
	entries := f.queued(t)
	require.Len(t, entries, 1)
	assert.Equal(t, clinical.PriorityNormal, entries[0].Priority)
	assert.Equal(t, ReasonOffline, entries[0].Reason)
}

func TestEmergencyOnlinePrefersRemote(t *testing.T) {
	biased := remoteAnswer + "\nShe is just being hysterical; probably just anxiety.\n"
	gen := adapter.NewMockGenerator("gemini", biased)
	backends := append([]adapter.Backend{adapter.NewRemoteBackend(gen)}, localBackends(t)...)
	f := newFixture(t, true, backends)

	patient := clinical.PatientContext{Age: clinical.AgeOf(34), Gender: "female"}
	res, err := f.o.Answer(context.Background(), "patient found unconscious after a fall", patient, defaultOpts())
	require.NoError(t, err)

	require.NotEmpty(t, res.Selection.Chain)
	assert.Equal(t, "gemini", res.Selection.Chain[0])
	assert.True(t, router.IsEmergencyReason(res.Selection.Reason), "reason %s", res.Selection.Reason)
	assert.Equal(t, "gemini", res.Backend)
	assert.Equal(t, rules.ID, res.Selection.Chain[len(res.Selection.Chain)-1])

	require.NotNil(t, res.Bias)
	assert.NotEqual(t, clinical.SeverityNone, res.Bias.Overall)
	assert.NotContains(t, strings.ToLower(res.Text), "hysterical")
	assert.False(t, res.Queued)
}

func TestRateLimitedRemoteIsSkippedWithinCooldown(t *testing.T) {
	quota := adapter.StatusError(429, errors.New("quota exceeded"))
	gen := adapter.NewMockGenerator("gemini", remoteAnswer).FailWith(quota, quota, quota)
	backends := append([]adapter.Backend{adapter.NewRemoteBackend(gen)}, localBackends(t)...)
	f := newFixture(t, true, backends)

	patient := clinical.PatientContext{Age: clinical.AgeOf(40), Gender: "male", Symptoms: "productive cough and fever"}
	first, err := f.o.Answer(context.Background(), "cough and fever for a week", patient, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, "gemini", first.Selection.Chain[0])
	assert.Equal(t, 3, gen.Calls())
	assert.NotEqual(t, "gemini", first.Backend)
	assert.False(t, first.Failed())

	require.False(t, f.tracker.IsAvailable("gemini"))
	require.NotNil(t, f.tracker.State("gemini"))

	second, err := f.o.Answer(context.Background(), "child with diarrhoea", patient, defaultOpts())
	require.NoError(t, err)
	assert.NotContains(t, second.Selection.Chain, "gemini")
	assert.Equal(t, 3, gen.Calls(), "rate-limited backend must be skipped entirely")
}

func TestAllBackendsFailQueuesOnceWithHighPriority(t *testing.T) {
	remote := newStub("gemini", clinical.KindRemoteModel, networkErr())
	local := newStub(rules.ID, clinical.KindRule, networkErr())
	f := newFixture(t, true, []adapter.Backend{remote, local})

	res, err := f.o.Answer(context.Background(), "severe headache", clinical.PatientContext{}, defaultOpts())
	require.NoError(t, err)

	assert.Equal(t, clinical.LevelVeryLow, res.Confidence)
	assert.True(t, res.Failed())
	assert.True(t, res.Queued)
	assert.NotEmpty(t, res.Explanation)
	assert.Equal(t, []string{"gemini", rules.ID}, res.Attempted)
	assert.Equal(t, 3, remote.callCount())
	assert.Equal(t, 3, local.callCount())

	entries := f.queued(t)
	require.Len(t, entries, 1)
	assert.Equal(t, clinical.PriorityHigh, entries[0].Priority)
	assert.Equal(t, res.QueryID, entries[0].ID)
}

func TestFailureWithoutSaveForLaterIsNotQueued(t *testing.T) {
	f := newFixture(t, true, []adapter.Backend{newStub(rules.ID, clinical.KindRule, networkErr())})

	opts := defaultOpts()
	opts.SaveForLater = false
	res, err := f.o.Answer(context.Background(), "severe headache", clinical.PatientContext{}, opts)
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.False(t, res.Queued)
	assert.NotEmpty(t, res.Explanation)
	assert.Empty(t, f.queued(t))
}

func TestCanceledQueryIsStillQueued(t *testing.T) {
	f := newFixture(t, true, []adapter.Backend{newStub(rules.ID, clinical.KindRule, networkErr())})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.o.Answer(ctx, "severe headache", clinical.PatientContext{}, defaultOpts())
	require.NoError(t, err)
	assert.True(t, res.Failed())
	assert.True(t, res.Queued)
	assert.Len(t, f.queued(t), 1)
}

func TestWithoutCacheEveryQueryRuns(t *testing.T) {
	remote := newStub("gemini", clinical.KindRemoteModel, nil)
	backends := append([]adapter.Backend{remote}, localBackends(t)...)
	f := newFixture(t, true, backends)

	patient := clinical.PatientContext{Age: clinical.AgeOf(30), Gender: "female", Symptoms: "headache and fever since yesterday"}
	_, err := f.o.Answer(context.Background(), "headache and fever", patient, defaultOpts())
	require.NoError(t, err)
	_, err = f.o.Answer(context.Background(), "headache and fever", patient, defaultOpts())
	require.NoError(t, err)
	assert.Equal(t, 2, remote.callCount(), "without a cache every query runs")
}

func TestCacheServesRepeatedQuery(t *testing.T) {
	remote := newStub("gemini", clinical.KindRemoteModel, nil)
	backends := append([]adapter.Backend{remote}, localBackends(t)...)
	f := newFixture(t, true, backends, WithCache(cache.New(16, time.Minute)))

	patient := clinical.PatientContext{Age: clinical.AgeOf(30), Gender: "female", Symptoms: "headache and fever since yesterday"}
	first, err := f.o.Answer(context.Background(), "headache and fever", patient, defaultOpts())
	require.NoError(t, err)
	require.False(t, first.Cached)

	second, err := f.o.Answer(context.Background(), "  Headache and FEVER ", patient, defaultOpts())
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Text, second.Text)
	assert.NotEqual(t, first.QueryID, second.QueryID)
	assert.Equal(t, 1, remote.callCount())
	assert.Equal(t, 1, f.o.Status(context.Background()).Stats.CacheHits)
}

func TestReplayIsIdempotent(t *testing.T) {
	remote := newStub("gemini", clinical.KindRemoteModel, networkErr())
	local := newStub(rules.ID, clinical.KindRule, networkErr())

	var (
		mu       sync.Mutex
		replayed []string
	)
	hook := func(entry clinical.QueuedQuery, r *clinical.AnswerResult) {
		mu.Lock()
		defer mu.Unlock()
		replayed = append(replayed, entry.ID+"->"+r.Backend)
	}
	f := newFixture(t, true, []adapter.Backend{remote, local}, WithReplayHook(hook))

	res, err := f.o.Answer(context.Background(), "severe headache", clinical.PatientContext{}, defaultOpts())
	require.NoError(t, err)
	require.True(t, res.Queued)

	// Still failing: the entry stays queued with its attempt count raised.
	report := f.o.ReplayQueue(context.Background())
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 0, report.Succeeded)
	assert.Len(t, report.Errors, 1)
	entries := f.queued(t)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Attempts)

	remote.setErr(nil)
	report = f.o.ReplayQueue(context.Background())
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 0, report.Remaining)

	report = f.o.ReplayQueue(context.Background())
	assert.Equal(t, 0, report.Processed)
	assert.Empty(t, f.queued(t))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{res.QueryID + "->gemini"}, replayed)
}

func TestReplayDoesNotRequeue(t *testing.T) {
	local := newStub(rules.ID, clinical.KindRule, networkErr())
	f := newFixture(t, true, []adapter.Backend{local})

	_, err := f.o.Answer(context.Background(), "severe headache", clinical.PatientContext{}, defaultOpts())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		f.o.ReplayQueue(context.Background())
	}
	entries := f.queued(t)
	require.Len(t, entries, 1, "replay failures must not duplicate the entry")
	assert.Equal(t, 3, entries[0].Attempts)
}

func TestReplaySkippedWhileOffline(t *testing.T) {
	f := newFixture(t, false, localBackends(t))
	report := f.o.ReplayQueue(context.Background())
	assert.True(t, report.Skipped)
	assert.Equal(t, "offline", report.SkipReason)
}

func TestReplaySingleConsumer(t *testing.T) {
	f := newFixture(t, true, localBackends(t))
	f.o.replayMu.Lock()
	report := f.o.ReplayQueue(context.Background())
	f.o.replayMu.Unlock()
	assert.True(t, report.Skipped)
}

func TestReconnectReplaysOfflineQueries(t *testing.T) {
	remote := newStub("gemini", clinical.KindRemoteModel, nil)
	backends := append([]adapter.Backend{remote}, localBackends(t)...)

	done := make(chan *clinical.AnswerResult, 1)
	hook := func(_ clinical.QueuedQuery, r *clinical.AnswerResult) { done <- r }
	f := newFixture(t, false, backends, WithReplayHook(hook))

	patient := clinical.PatientContext{Age: clinical.AgeOf(3), Symptoms: "fever and cough"}
	res, err := f.o.Answer(context.Background(), "fever and cough", patient, defaultOpts())
	require.NoError(t, err)
	require.True(t, res.Queued)
	require.Equal(t, 0, remote.callCount())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.o.Run(ctx) }()

	f.conn.Set(true)
	select {
	case r := <-done:
		assert.Equal(t, "gemini", r.Backend)
	case <-time.After(5 * time.Second):
		t.Fatal("queue was not replayed after reconnect")
	}
	require.Eventually(t, func() bool {
		n, err := f.queue.Len(context.Background())
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatus(t *testing.T) {
	quota := adapter.StatusError(429, errors.New("quota exceeded"))
	gen := adapter.NewMockGenerator("gemini", remoteAnswer).FailWith(quota, quota, quota)
	backends := append([]adapter.Backend{adapter.NewRemoteBackend(gen)}, localBackends(t)...)
	f := newFixture(t, true, backends)

	_, err := f.o.Answer(context.Background(), "cough and fever", clinical.PatientContext{}, defaultOpts())
	require.NoError(t, err)

	st := f.o.Status(context.Background())
	assert.True(t, st.Online)
	require.Len(t, st.Backends, 3)
	assert.Equal(t, "gemini", st.Backends[0].ID)
	require.NotNil(t, st.Backends[0].RateLimit)
	require.Len(t, st.RateLimits, 1)
	assert.Equal(t, 0, st.QueueDepth)
	assert.Equal(t, 1, st.Stats.Answers)
	assert.Equal(t, 0, st.Stats.Failures)
}

func TestAnswerWritesEvidence(t *testing.T) {
	w, err := evidence.NewWriter(t.TempDir())
	require.NoError(t, err)

	n := 0
	ids := func() string {
		n++
		return fmt.Sprintf("q-%d", n)
	}
	f := newFixture(t, true, localBackends(t), WithEvidence(w), WithIDGenerator(ids))

	res, err := f.o.Answer(context.Background(), "fever in a child", clinical.PatientContext{Age: clinical.AgeOf(2)}, defaultOpts())
	require.NoError(t, err)
	require.Equal(t, "q-1", res.QueryID)

	rec, err := w.ReadAnswer("q-1")
	require.NoError(t, err)
	assert.Equal(t, res.Backend, rec.Backend)
	assert.Equal(t, evidence.Hash([]byte("fever in a child")), rec.QuestionHash)
	assert.Equal(t, evidence.Hash([]byte(res.Text)), rec.OutputHash)
	assert.NotEmpty(t, rec.OutputRef)
}
