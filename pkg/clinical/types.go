// Package clinical holds the data model shared by the orchestrator and its
// components: queries, patient context, selection decisions, attempts and
// answer results.
package clinical

import (
	"time"
)

// Kind is the closed set of reasoning backend variants.
type Kind string

const (
	KindRule        Kind = "rule"
	KindRetrieval   Kind = "retrieval"
	KindRemoteModel Kind = "remote-model"
)

// Level is the confidence label attached to decisions and answers.
type Level string

const (
	LevelVeryLow Level = "very-low"
	LevelLow     Level = "low"
	LevelMedium  Level = "medium"
	LevelHigh    Level = "high"
)

// Rank orders confidence levels so callers can compare them.
func (l Level) Rank() int {
	switch l {
	case LevelHigh:
		return 3
	case LevelMedium:
		return 2
	case LevelLow:
		return 1
	default:
		return 0
	}
}

// Priority of a queued query.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Rank returns the numeric drain order of the priority.
func (p Priority) Rank() int {
	if p == PriorityHigh {
		return 1
	}
	return 0
}

// Severity grades bias findings.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityOrder = []Severity{SeverityNone, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank returns the position of s in the severity scale.
func (s Severity) Rank() int {
	for i, v := range severityOrder {
		if v == s {
			return i
		}
	}
	return 0
}

// Escalate returns the next severity level, saturating at critical.
// None never escalates because there is nothing to escalate.
func (s Severity) Escalate() Severity {
	r := s.Rank()
	if r == 0 || r >= len(severityOrder)-1 {
		return s
	}
	return severityOrder[r+1]
}

// PatientContext is the subset of patient state a query carries.
type PatientContext struct {
	Age           *int   `json:"age,omitempty" yaml:"age,omitempty"`
	Gender        string `json:"gender,omitempty" yaml:"gender,omitempty"`
	Symptoms      string `json:"symptoms,omitempty" yaml:"symptoms,omitempty"`
	History       string `json:"history,omitempty" yaml:"history,omitempty"`
	Medications   string `json:"medications,omitempty" yaml:"medications,omitempty"`
	Allergies     string `json:"allergies,omitempty" yaml:"allergies,omitempty"`
	Pregnant      bool   `json:"pregnant,omitempty" yaml:"pregnant,omitempty"`
	Vitals        string `json:"vitals,omitempty" yaml:"vitals,omitempty"`
	ExamFindings  string `json:"exam_findings,omitempty" yaml:"exam_findings,omitempty"`
	ResourceLevel string `json:"resource_level,omitempty" yaml:"resource_level,omitempty"`
}

// AgeOf returns a pointer to age, for building patient contexts inline.
func AgeOf(age int) *int {
	return &age
}

// QueryOptions controls how a single query is answered.
type QueryOptions struct {
	// Backend forces a specific backend id when it is available.
	Backend string `json:"backend,omitempty"`
	// MaxRetries is the maximum number of attempts per backend.
	MaxRetries int `json:"max_retries,omitempty"`
	// Timeout bounds each attempt.
	Timeout      time.Duration `json:"timeout,omitempty"`
	SaveForLater bool          `json:"save_for_later"`
}

// DefaultOptions returns the options applied when a caller supplies none.
func DefaultOptions() QueryOptions {
	return QueryOptions{
		MaxRetries:   3,
		Timeout:      30 * time.Second,
		SaveForLater: true,
	}
}

// WithDefaults fills zero-valued fields from DefaultOptions.
func (o QueryOptions) WithDefaults() QueryOptions {
	d := DefaultOptions()
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	return o
}

// ClinicalQuery is a submitted question. It is not mutated after submission.
type ClinicalQuery struct {
	ID          string         `json:"id"`
	Question    string         `json:"question"`
	Patient     PatientContext `json:"patient"`
	Options     QueryOptions   `json:"options"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// Capabilities describes what a backend needs and guarantees.
type Capabilities struct {
	OfflineCapable  bool `json:"offline_capable"`
	RequiresNetwork bool `json:"requires_network"`
	Deterministic   bool `json:"deterministic"`
}

// RateLimitState records a cooldown for one backend.
type RateLimitState struct {
	Backend      string    `json:"backend"`
	LimitedUntil time.Time `json:"limited_until"`
	LastError    string    `json:"last_error,omitempty"`
	Strikes      int       `json:"strikes"`
}

// BackendDescriptor is the public view of a registered backend.
type BackendDescriptor struct {
	ID           string          `json:"id"`
	Kind         Kind            `json:"kind"`
	Capabilities Capabilities    `json:"capabilities"`
	Ready        bool            `json:"ready"`
	RateLimit    *RateLimitState `json:"rate_limit,omitempty"`
}

// ReasonCode explains why a selection was made.
type ReasonCode string

const (
	ReasonForced             ReasonCode = "forced"
	ReasonEmergencyRemote    ReasonCode = "emergency-remote"
	ReasonEmergencyRetrieval ReasonCode = "emergency-retrieval"
	ReasonEmergencyRule      ReasonCode = "emergency-rule"
	ReasonSimpleRemote       ReasonCode = "simple-remote"
	ReasonSimpleRetrieval    ReasonCode = "simple-retrieval"
	ReasonSimpleRule         ReasonCode = "simple-rule"
	ReasonComplexRemote      ReasonCode = "complex-remote"
	ReasonComplexRetrieval   ReasonCode = "complex-retrieval"
	ReasonComplexRule        ReasonCode = "complex-rule"
	ReasonDefaultRemote      ReasonCode = "default-remote"
	ReasonDefaultRetrieval   ReasonCode = "default-retrieval"
	ReasonDefaultRule        ReasonCode = "default-rule"
	ReasonOfflineRetrieval   ReasonCode = "offline-retrieval"
	ReasonOfflineRule        ReasonCode = "offline-rule"
	ReasonNoBackend          ReasonCode = "no-backend"
)

// SelectionDecision is the ordered backend chain chosen for a query.
type SelectionDecision struct {
	Chain      []string   `json:"chain"`
	Reason     ReasonCode `json:"reason"`
	Confidence Level      `json:"confidence"`
	Notes      []string   `json:"notes,omitempty"`
}

// Primary returns the first backend in the chain.
func (d SelectionDecision) Primary() string {
	if len(d.Chain) == 0 {
		return ""
	}
	return d.Chain[0]
}

// Outcome of a single attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// ExecutionAttempt records one call to one backend.
type ExecutionAttempt struct {
	Backend   string        `json:"backend"`
	Attempt   int           `json:"attempt"`
	Outcome   Outcome       `json:"outcome"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency"`
	Partial   string        `json:"partial,omitempty"`
}

// BiasFinding is the evidence collected for one bias category.
type BiasFinding struct {
	Category string   `json:"category"`
	Severity Severity `json:"severity"`
	Evidence []string `json:"evidence,omitempty"`
}

// BiasReport summarizes bias detection over one answer.
type BiasReport struct {
	Categories  []BiasFinding `json:"categories,omitempty"`
	Overall     Severity      `json:"overall"`
	Mitigations []string      `json:"mitigations,omitempty"`
}

// AnswerResult is what the orchestrator returns for a query.
type AnswerResult struct {
	QueryID     string             `json:"query_id"`
	Text        string             `json:"text"`
	Confidence  Level              `json:"confidence"`
	Backend     string             `json:"backend,omitempty"`
	Attempted   []string           `json:"attempted,omitempty"`
	Attempts    []ExecutionAttempt `json:"attempts,omitempty"`
	Selection   SelectionDecision  `json:"selection"`
	Bias        *BiasReport        `json:"bias,omitempty"`
	Cached      bool               `json:"cached"`
	Queued      bool               `json:"queued"`
	Explanation string             `json:"explanation,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt time.Time          `json:"completed_at"`
}

// Failed reports whether no backend produced an answer.
func (r *AnswerResult) Failed() bool {
	return r == nil || r.Backend == ""
}

// QueuedQuery is a query persisted for later replay.
type QueuedQuery struct {
	ID         string        `json:"id"`
	Query      ClinicalQuery `json:"query"`
	Priority   Priority      `json:"priority"`
	Reason     string        `json:"reason"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	Attempts   int           `json:"attempts"`
	LastError  string        `json:"last_error,omitempty"`
}
