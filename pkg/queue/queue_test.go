package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/carepath/pkg/clinical"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newClock() *stepClock {
	return &stepClock{now: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func query(id string) clinical.ClinicalQuery {
	return clinical.ClinicalQuery{
		ID:       id,
		Question: "fever and cough",
		Patient:  clinical.PatientContext{Age: clinical.AgeOf(3), Symptoms: "fever"},
		Options:  clinical.QueryOptions{MaxRetries: 3, Timeout: 30 * time.Second, SaveForLater: true},
	}
}

func stores(t *testing.T) map[string]func(Clock) Store {
	t.Helper()
	return map[string]func(Clock) Store{
		"memory": func(c Clock) Store { return NewMemoryStore(c) },
		"sqlite": func(c Clock) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "queue.db"), WithClock(c))
			require.NoError(t, err)
			return s
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, open := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("drain order", func(t *testing.T) {
				s := open(newClock().Now)
				defer s.Close()

				require.NoError(t, s.Enqueue(ctx, query("a"), clinical.PriorityNormal, "offline"))
				require.NoError(t, s.Enqueue(ctx, query("b"), clinical.PriorityHigh, "execution failed"))
				require.NoError(t, s.Enqueue(ctx, query("c"), clinical.PriorityNormal, "offline"))
				require.NoError(t, s.Enqueue(ctx, query("d"), clinical.PriorityHigh, "execution failed"))

				batch, err := s.DrainBatch(ctx, 10)
				require.NoError(t, err)
				ids := make([]string, len(batch))
				for i, e := range batch {
					ids[i] = e.ID
				}
				assert.Equal(t, []string{"b", "d", "a", "c"}, ids)

				limited, err := s.DrainBatch(ctx, 2)
				require.NoError(t, err)
				assert.Len(t, limited, 2)
			})

			t.Run("round trip keeps query", func(t *testing.T) {
				s := open(newClock().Now)
				defer s.Close()

				q := query("rt")
				require.NoError(t, s.Enqueue(ctx, q, clinical.PriorityHigh, "all backends failed"))
				batch, err := s.DrainBatch(ctx, 1)
				require.NoError(t, err)
				require.Len(t, batch, 1)

				got := batch[0]
				assert.Equal(t, "rt", got.ID)
				assert.Equal(t, clinical.PriorityHigh, got.Priority)
				assert.Equal(t, "all backends failed", got.Reason)
				assert.Equal(t, q.Question, got.Query.Question)
				require.NotNil(t, got.Query.Patient.Age)
				assert.Equal(t, 3, *got.Query.Patient.Age)
				assert.Equal(t, 30*time.Second, got.Query.Options.Timeout)
				assert.False(t, got.EnqueuedAt.IsZero())
			})

			t.Run("enqueue is idempotent and promotes", func(t *testing.T) {
				s := open(newClock().Now)
				defer s.Close()

				require.NoError(t, s.Enqueue(ctx, query("x"), clinical.PriorityNormal, "offline"))
				require.NoError(t, s.Enqueue(ctx, query("x"), clinical.PriorityHigh, "execution failed"))
				require.NoError(t, s.Enqueue(ctx, query("x"), clinical.PriorityNormal, "offline"))

				n, err := s.Len(ctx)
				require.NoError(t, err)
				assert.Equal(t, 1, n)

				batch, err := s.DrainBatch(ctx, 10)
				require.NoError(t, err)
				require.Len(t, batch, 1)
				assert.Equal(t, clinical.PriorityHigh, batch[0].Priority)
				assert.Equal(t, "offline", batch[0].Reason)
			})

			t.Run("delete after success is not drained again", func(t *testing.T) {
				s := open(newClock().Now)
				defer s.Close()

				require.NoError(t, s.Enqueue(ctx, query("done"), clinical.PriorityHigh, "failed"))
				require.NoError(t, s.Delete(ctx, "done"))
				require.NoError(t, s.Delete(ctx, "done"))

				batch, err := s.DrainBatch(ctx, 10)
				require.NoError(t, err)
				assert.Empty(t, batch)
			})

			t.Run("mark failed keeps entry", func(t *testing.T) {
				s := open(newClock().Now)
				defer s.Close()

				require.NoError(t, s.Enqueue(ctx, query("f"), clinical.PriorityNormal, "offline"))
				require.NoError(t, s.MarkFailed(ctx, "f", errors.New("still offline")))
				require.NoError(t, s.MarkFailed(ctx, "f", errors.New("rate limited")))

				batch, err := s.DrainBatch(ctx, 10)
				require.NoError(t, err)
				require.Len(t, batch, 1)
				assert.Equal(t, 2, batch[0].Attempts)
				assert.Equal(t, "rate limited", batch[0].LastError)
			})

			t.Run("missing id", func(t *testing.T) {
				s := open(newClock().Now)
				defer s.Close()
				assert.ErrorIs(t, s.Enqueue(ctx, query(""), clinical.PriorityNormal, ""), ErrMissingID)
			})
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "queue.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Enqueue(ctx, query("persisted"), clinical.PriorityHigh, "failed"))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteConcurrentEnqueue(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			assert.NoError(t, s.Enqueue(ctx, query(id), clinical.PriorityNormal, "offline"))
		}(i)
	}
	wg.Wait()

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}
