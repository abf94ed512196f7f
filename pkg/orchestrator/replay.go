package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zen-systems/carepath/pkg/evidence"
)

// ReplayReport summarizes one ReplayQueue call.
type ReplayReport struct {
	Processed int      `json:"processed"`
	Succeeded int      `json:"succeeded"`
	Errors    []string `json:"errors,omitempty"`
	Remaining int      `json:"remaining"`
	// Skipped is set when another replay was already running or the
	// orchestrator was offline; SkipReason says which.
	Skipped    bool   `json:"skipped,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`
}

// ReplayQueue drains the offline queue through the normal answer path with
// SaveForLater disabled. Answered entries are deleted; failed entries stay
// queued with their attempt count raised. Only one replay runs at a time.
func (o *Orchestrator) ReplayQueue(ctx context.Context) ReplayReport {
	if !o.replayMu.TryLock() {
		return ReplayReport{Skipped: true, SkipReason: "replay already running"}
	}
	defer o.replayMu.Unlock()

	if !o.conn.IsOnline() {
		return ReplayReport{Skipped: true, SkipReason: "offline"}
	}

	started := o.now()
	var report ReplayReport
	for ctx.Err() == nil {
		batch, err := o.queue.DrainBatch(ctx, o.cfg.ReplayBatch)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("drain: %v", err))
			break
		}

		failed := 0
		for _, entry := range batch {
			if ctx.Err() != nil {
				break
			}
			q := entry.Query
			q.Options.SaveForLater = false

			result := o.answer(ctx, q, true)
			report.Processed++
			o.stats.replay()

			if result.Failed() {
				failed++
				cause := errors.New(result.Explanation)
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", entry.ID, result.Explanation))
				if err := o.queue.MarkFailed(ctx, entry.ID, cause); err != nil {
					o.logger.Error().Err(err).Str("query_id", entry.ID).Msg("failed to record replay failure")
				}
				o.metrics.ObserveReplay(false)
				continue
			}

			if err := o.queue.Delete(ctx, entry.ID); err != nil {
				failed++
				report.Errors = append(report.Errors, fmt.Sprintf("%s: delete: %v", entry.ID, err))
				o.logger.Error().Err(err).Str("query_id", entry.ID).Msg("failed to delete replayed query")
				continue
			}
			report.Succeeded++
			o.metrics.ObserveReplay(true)
			if o.hook != nil {
				o.hook(entry, result)
			}
		}

		// Failed entries come back first on the next drain; stop rather than
		// spin on them.
		if failed > 0 || len(batch) < o.cfg.ReplayBatch {
			break
		}
	}

	if n, err := o.queue.Len(ctx); err == nil {
		report.Remaining = n
		o.metrics.SetQueueDepth(n)
	}

	if report.Processed > 0 {
		o.logger.Info().
			Int("processed", report.Processed).
			Int("succeeded", report.Succeeded).
			Int("remaining", report.Remaining).
			Msg("offline queue replayed")
		o.writeReplay(report, started)
	}
	return report
}

func (o *Orchestrator) writeReplay(report ReplayReport, started time.Time) {
	if o.evidence == nil {
		return
	}
	rec := evidence.ReplayRecord{
		Timestamp:      started.UTC(),
		Processed:      report.Processed,
		Succeeded:      report.Succeeded,
		Failed:         report.Processed - report.Succeeded,
		Remaining:      report.Remaining,
		Errors:         report.Errors,
		DurationMillis: o.now().Sub(started).Milliseconds(),
	}
	if err := o.evidence.WriteReplay(rec); err != nil {
		o.logger.Warn().Err(err).Msg("failed to write replay evidence")
	}
}

// Run is the reconciliation loop: it replays the queue whenever
// connectivity comes back and on every ReplayInterval while online. A
// connectivity provider with its own Run method (such as a probe) is driven
// from here too. Run blocks until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	if r, ok := o.conn.(interface{ Run(context.Context) }); ok {
		go r.Run(ctx)
	}

	kick := make(chan struct{}, 1)
	cancel := o.conn.Subscribe(func(online bool) {
		if !online {
			return
		}
		select {
		case kick <- struct{}{}:
		default:
		}
	})
	defer cancel()

	ticker := time.NewTicker(o.cfg.ReplayInterval)
	defer ticker.Stop()

	if o.conn.IsOnline() {
		o.replayAndLog(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-kick:
			o.replayAndLog(ctx)
		case <-ticker.C:
			if o.conn.IsOnline() {
				o.replayAndLog(ctx)
			}
		}
	}
}

// Start runs the reconciliation loop in the background.
func (o *Orchestrator) Start(ctx context.Context) {
	go func() {
		_ = o.Run(ctx)
	}()
}

func (o *Orchestrator) replayAndLog(ctx context.Context) {
	report := o.ReplayQueue(ctx)
	if len(report.Errors) > 0 {
		o.logger.Warn().
			Strs("errors", report.Errors).
			Int("remaining", report.Remaining).
			Msg("offline queue replay left entries queued")
	}
}
