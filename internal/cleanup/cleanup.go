// Package cleanup runs the scheduled purge of expired token state.
package cleanup

import (
	"context"
	"time"

	"authgate.org/internal/obs"
)

// Purger removes rows that expired before now and reports how many.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Target pairs a purger with a name for logging.
type Target struct {
	Name   string
	Purger Purger
}

// Job drives the purge targets once a day at a fixed wall clock time.
// Each target runs independently: one failing never stops the others,
// and no failure is ever fatal to the process.
type Job struct {
	targets []Target
	hour    int
	minute  int
	now     func() time.Time
	timeout time.Duration
}

// JobOption customises a Job.
type JobOption func(*Job)

// WithJobClock overrides the time source, for tests.
func WithJobClock(now func() time.Time) JobOption {
	return func(j *Job) { j.now = now }
}

// WithRunTimeout bounds a single purge pass.
func WithRunTimeout(d time.Duration) JobOption {
	return func(j *Job) { j.timeout = d }
}

// NewJob builds a job firing daily at hour:minute local time.
func NewJob(hour, minute int, targets []Target, opts ...JobOption) *Job {
	j := &Job{
		targets: targets,
		hour:    hour,
		minute:  minute,
		now:     time.Now,
		timeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start blocks until ctx is cancelled, firing RunOnce at each
// scheduled time. Run it in its own goroutine.
func (j *Job) Start(ctx context.Context) {
	for {
		next := j.nextRun(j.now())
		obs.Event("info", "cleanup scheduled", map[string]any{"next_run": next.Format(time.RFC3339)})
		timer := time.NewTimer(next.Sub(j.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce executes every purge target. Failures are logged and the
// remaining targets still run.
func (j *Job) RunOnce(ctx context.Context) {
	runCtx := ctx
	if j.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	now := j.now()
	for _, t := range j.targets {
		n, err := t.Purger.PurgeExpired(runCtx, now)
		if err != nil {
			obs.Event("error", "cleanup purge failed", map[string]any{"target": t.Name, "error": err.Error()})
			continue
		}
		obs.Event("info", "cleanup purge done", map[string]any{"target": t.Name, "rows": n})
	}
}

// nextRun returns the next hour:minute strictly after now.
func (j *Job) nextRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), j.hour, j.minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
