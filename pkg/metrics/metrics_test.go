package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/zen-systems/carepath/pkg/clinical"
)

func TestObserveAnswer(t *testing.T) {
	m := New()
	m.ObserveAnswer(&clinical.AnswerResult{
		Backend:    "rule",
		Confidence: clinical.LevelMedium,
		Attempts: []clinical.ExecutionAttempt{
			{Backend: "gemini", Outcome: clinical.OutcomeError, ErrorKind: "rate-limited", Latency: 10 * time.Millisecond},
			{Backend: "rule", Outcome: clinical.OutcomeSuccess, Latency: time.Millisecond},
		},
	})
	m.ObserveAnswer(&clinical.AnswerResult{Confidence: clinical.LevelVeryLow})
	m.ObserveAnswer(&clinical.AnswerResult{Backend: "rule", Confidence: clinical.LevelMedium, Cached: true})

	if got := testutil.ToFloat64(m.answers.WithLabelValues("rule", "medium")); got != 2 {
		t.Errorf("answers = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.attempts.WithLabelValues("gemini", "error", "rate-limited")); got != 1 {
		t.Errorf("attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.failures); got != 1 {
		t.Errorf("failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.cacheHits); got != 1 {
		t.Errorf("cache hits = %v, want 1", got)
	}
}

func TestQueueAndReplay(t *testing.T) {
	m := New()
	m.ObserveQueued(clinical.PriorityHigh)
	m.SetQueueDepth(4)
	m.ObserveReplay(true)
	m.ObserveReplay(false)

	if got := testutil.ToFloat64(m.queued.WithLabelValues("high")); got != 1 {
		t.Errorf("queued = %v", got)
	}
	if got := testutil.ToFloat64(m.queueDepth); got != 4 {
		t.Errorf("depth = %v", got)
	}
	if got := testutil.ToFloat64(m.replays.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed replays = %v", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New()
	m.SetQueueDepth(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "carepath_queue_depth 2") {
		t.Fatalf("metrics output missing queue depth:\n%s", rec.Body.String())
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveAnswer(&clinical.AnswerResult{Backend: "rule"})
	m.ObserveQueued(clinical.PriorityNormal)
	m.SetQueueDepth(1)
	m.ObserveReplay(true)
	if m.Handler() == nil {
		t.Fatalf("nil metrics should still serve a handler")
	}
}
