package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMarkLimitedExpires(t *testing.T) {
	clock := newFakeClock()
	tr := New([]string{"gemini", "retrieval", "rule"}, WithClock(clock.Now))

	tr.MarkLimited("gemini", errors.New("429 quota exceeded"))
	if tr.IsAvailable("gemini") {
		t.Fatalf("expected gemini to be limited immediately after MarkLimited")
	}

	clock.Advance(59 * time.Second)
	if tr.IsAvailable("gemini") {
		t.Fatalf("expected gemini to still be limited before cooldown elapses")
	}

	clock.Advance(time.Second)
	if !tr.IsAvailable("gemini") {
		t.Fatalf("expected gemini to be available after cooldown")
	}
}

func TestCooldownDoublesAndCaps(t *testing.T) {
	clock := newFakeClock()
	tr := New([]string{"gemini"}, WithClock(clock.Now), WithCooldown(time.Minute, 3*time.Minute))

	tests := []struct {
		strike int
		want   time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 3 * time.Minute},
		{4, 3 * time.Minute},
	}
	for _, tt := range tests {
		until := tr.MarkLimited("gemini", nil)
		if got := until.Sub(clock.Now()); got != tt.want {
			t.Errorf("strike %d: cooldown = %v, want %v", tt.strike, got, tt.want)
		}
	}

	tr.MarkRecovered("gemini")
	until := tr.MarkLimited("gemini", nil)
	if got := until.Sub(clock.Now()); got != time.Minute {
		t.Errorf("after recovery cooldown = %v, want 1m", got)
	}
}

func TestNextAvailable(t *testing.T) {
	clock := newFakeClock()
	tr := New([]string{"gemini", "claude", "retrieval", "rule"}, WithClock(clock.Now))

	if got := tr.NextAvailable(nil); got != "gemini" {
		t.Fatalf("NextAvailable = %q, want gemini", got)
	}

	tr.MarkLimited("gemini", nil)
	if got := tr.NextAvailable(nil); got != "claude" {
		t.Fatalf("NextAvailable = %q, want claude", got)
	}
	if got := tr.NextAvailable([]string{"claude"}); got != "retrieval" {
		t.Fatalf("NextAvailable = %q, want retrieval", got)
	}

	tr.MarkLimited("claude", nil)
	tr.MarkLimited("retrieval", nil)
	tr.MarkLimited("rule", nil)
	if got := tr.NextAvailable(nil); got != "gemini" {
		t.Fatalf("all limited: NextAvailable = %q, want highest priority gemini", got)
	}
	if got := tr.NextAvailable([]string{"gemini"}); got != "claude" {
		t.Fatalf("all limited with exclusion: NextAvailable = %q, want claude", got)
	}
	if got := tr.NextAvailable([]string{"gemini", "claude", "retrieval", "rule"}); got != "" {
		t.Fatalf("all excluded: NextAvailable = %q, want empty", got)
	}
}

func TestSnapshotOmitsExpired(t *testing.T) {
	clock := newFakeClock()
	tr := New([]string{"a", "b"}, WithClock(clock.Now))

	tr.MarkLimited("b", errors.New("slow down"))
	clock.Advance(30 * time.Second)
	tr.MarkLimited("a", nil)

	snap := tr.Snapshot()
	if len(snap) != 2 || snap[0].Backend != "a" || snap[1].Backend != "b" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap[1].LastError != "slow down" {
		t.Errorf("LastError = %q", snap[1].LastError)
	}

	clock.Advance(31 * time.Second)
	snap = tr.Snapshot()
	if len(snap) != 1 || snap[0].Backend != "a" {
		t.Fatalf("expected only a after b expired, got %+v", snap)
	}
	if tr.State("b") != nil {
		t.Errorf("State(b) should be nil after expiry")
	}
}

func TestTrackerConcurrentUse(t *testing.T) {
	tr := New([]string{"a", "b", "c"})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := []string{"a", "b", "c"}[i%3]
			tr.MarkLimited(id, nil)
			_ = tr.IsAvailable(id)
			_ = tr.NextAvailable([]string{id})
			_ = tr.Snapshot()
			tr.MarkRecovered(id)
		}(i)
	}
	wg.Wait()
}
