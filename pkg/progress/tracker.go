// Package progress turns worker checkpoints into progress and ETA updates on
// the job record.
package progress

import (
	"context"
	"math"
	"time"

	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/models"
	"github.com/RuthlessXdream/anime-image-upscaler-api/pkg/store"
)

// Milestone is a fixed checkpoint inside processing
type Milestone struct {
	Percent float64
	Step    string
}

// Processing checkpoints in the order the worker reaches them
var (
	Read             = Milestone{Percent: 5, Step: "Reading image"}
	Preprocessed     = Milestone{Percent: 15, Step: "Preprocessing"}
	TransformStarted = Milestone{Percent: 25, Step: "Upscaling"}
	TransformDone    = Milestone{Percent: 85, Step: "Saving result"}
	Written          = Milestone{Percent: 100, Step: "Completed"}
)

// Threshold is the progress below which no remaining time is estimated
const Threshold = 5.0

// DefaultRefreshInterval is how often a running job's ETA is recomputed
const DefaultRefreshInterval = 2 * time.Second

// Apply moves the job to the milestone. It reports false and leaves the job
// untouched if the milestone would not advance progress.
func Apply(job *models.Job, m Milestone, now time.Time) bool {
	if m.Percent <= job.Progress {
		return false
	}
	job.Progress = m.Percent
	job.CurrentStep = m.Step
	Estimate(job, now)
	return true
}

// Estimate sets EstimatedRemaining from elapsed time once progress is past
// Threshold
func Estimate(job *models.Job, now time.Time) {
	if job.StartedAt == nil || job.Progress <= Threshold || models.IsTerminalState(job.Status) {
		return
	}
	elapsed := job.Elapsed(now).Seconds()
	remaining := int(math.Max(0, math.Round(elapsed*(100/job.Progress-1))))
	job.EstimatedRemaining = &remaining
}

// Tracker reports the progress of one job. Only the worker that owns the job
// uses it.
type Tracker struct {
	registry store.Registry
	jobID    string
	now      func() time.Time
}

// NewTracker creates a tracker for a job
func NewTracker(registry store.Registry, jobID string) *Tracker {
	return &Tracker{registry: registry, jobID: jobID, now: time.Now}
}

// Milestone records a checkpoint; regressions are ignored
func (t *Tracker) Milestone(m Milestone) error {
	_, err := t.registry.Update(t.jobID, func(job *models.Job) error {
		Apply(job, m, t.now())
		return nil
	})
	return err
}

// Refresh recomputes the remaining time without moving progress
func (t *Tracker) Refresh() error {
	_, err := t.registry.Update(t.jobID, func(job *models.Job) error {
		if job.Status != models.JobStatusProcessing {
			return nil
		}
		Estimate(job, t.now())
		return nil
	})
	return err
}

// Start refreshes the estimate every interval until the returned stop func
// is called. stop waits for the refresh loop to exit.
func (t *Tracker) Start(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = t.Refresh()
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
