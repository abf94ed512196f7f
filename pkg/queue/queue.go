// Package queue persists queries that could not be answered live so they can
// be replayed when connectivity returns.
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zen-systems/carepath/pkg/clinical"
)

// ErrMissingID is returned when a query without an id is enqueued.
var ErrMissingID = errors.New("queued query has no id")

// Store is a durable offline queue. Implementations are safe for concurrent
// use; callers guarantee a single drain consumer.
type Store interface {
	// Enqueue adds q. Enqueuing an id that is already queued keeps the
	// original entry and only raises its priority.
	Enqueue(ctx context.Context, q clinical.ClinicalQuery, priority clinical.Priority, reason string) error

	// DrainBatch returns up to limit entries, highest priority first and
	// oldest first within a priority. Entries stay queued until deleted.
	DrainBatch(ctx context.Context, limit int) ([]clinical.QueuedQuery, error)

	// Delete removes an entry after a successful replay.
	Delete(ctx context.Context, id string) error

	// MarkFailed records a failed replay attempt.
	MarkFailed(ctx context.Context, id string, cause error) error

	// Len returns the number of queued entries.
	Len(ctx context.Context) (int, error)

	Close() error
}

// Clock returns the current time.
type Clock func() time.Time

// MemoryStore is an in-process Store. Entries do not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*clinical.QueuedQuery
	now     Clock
}

// NewMemoryStore creates an empty in-memory queue.
func NewMemoryStore(now Clock) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: make(map[string]*clinical.QueuedQuery), now: now}
}

func (m *MemoryStore) Enqueue(ctx context.Context, q clinical.ClinicalQuery, priority clinical.Priority, reason string) error {
	if q.ID == "" {
		return ErrMissingID
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[q.ID]; ok {
		if priority.Rank() > existing.Priority.Rank() {
			existing.Priority = priority
		}
		return nil
	}
	m.entries[q.ID] = &clinical.QueuedQuery{
		ID:         q.ID,
		Query:      q,
		Priority:   priority,
		Reason:     reason,
		EnqueuedAt: m.now(),
	}
	return nil
}

func (m *MemoryStore) DrainBatch(ctx context.Context, limit int) ([]clinical.QueuedQuery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]clinical.QueuedQuery, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	sortDrainOrder(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.Attempts++
		if cause != nil {
			e.LastError = cause.Error()
		}
	}
	return nil
}

func (m *MemoryStore) Len(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

func (m *MemoryStore) Close() error { return nil }

func sortDrainOrder(entries []clinical.QueuedQuery) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return a.ID < b.ID
	})
}
