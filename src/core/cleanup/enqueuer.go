package cleanup

import (
	"context"
	"fmt"
	"time"

	"distillery/src/infrastructure/job"
	"distillery/src/log"
)

// DefaultInterval is the cadence of the self-enqueue check.
const DefaultInterval = time.Hour

// Submitter enqueues cleanup jobs. *job.Service satisfies it.
type Submitter interface {
	Enqueue(ctx context.Context, p job.Payload, maxAttempts int) (*job.Job, error)
}

// ActiveChecker reports whether a non-terminal job of the type exists.
// The job repository satisfies it.
type ActiveChecker interface {
	HasActive(ctx context.Context, t job.Type) (bool, error)
}

type EnqueuerConfig struct {
	// Interval between checks. Zero means DefaultInterval.
	Interval time.Duration

	// Batch is carried into the payload. Zero lets the executor pick.
	Batch int
}

// Enqueuer keeps at most one cleanup job pending: every interval it
// enqueues a fresh sweep unless one is still queued or leased. It runs
// inside the worker process alongside the scheduler.
type Enqueuer struct {
	jobs   Submitter
	active ActiveChecker
	cfg    EnqueuerConfig
}

func NewEnqueuer(jobs Submitter, active ActiveChecker, cfg EnqueuerConfig) *Enqueuer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Enqueuer{jobs: jobs, active: active, cfg: cfg}
}

// Run checks immediately, then on every interval, until ctx is
// cancelled.
func (e *Enqueuer) Run(ctx context.Context) error {
	log.Info("Cleanup enqueuer started", "interval", e.cfg.Interval)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := e.Tick(ctx); err != nil && ctx.Err() == nil {
			log.Error(err, "Failed to enqueue cleanup job")
		}
		select {
		case <-ctx.Done():
			log.Info("Cleanup enqueuer stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick enqueues one cleanup job when none is active. A sweep that fails
// is not retried by the scheduler; the next tick enqueues a new one.
func (e *Enqueuer) Tick(ctx context.Context) error {
	busy, err := e.active.HasActive(ctx, job.TypeCleanup)
	if err != nil {
		return fmt.Errorf("failed to check for active cleanup jobs: %w", err)
	}
	if busy {
		return nil
	}

	j, err := e.jobs.Enqueue(ctx, job.CleanupPayload{Batch: e.cfg.Batch}, 1)
	if err != nil {
		return err
	}
	log.Info("Enqueued cleanup job", "job_id", j.ID)
	return nil
}
