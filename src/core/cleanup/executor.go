package cleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"distillery/src/infrastructure/job"
	"distillery/src/log"
)

// DefaultRetention is how long terminal jobs and requests stay readable
// before a sweep removes them.
const DefaultRetention = 7 * 24 * time.Hour

// DefaultBatch caps rows per delete statement.
const DefaultBatch = 500

// RequestJanitor is the slice of the LLM request repository a sweep
// needs.
type RequestJanitor interface {
	DeleteExpiredResponses(ctx context.Context, limit int) (int64, error)
	PurgeTerminal(ctx context.Context, olderThan time.Time, limit int) (int64, error)
}

// JobJanitor is the slice of the job repository a sweep needs.
type JobJanitor interface {
	PurgeTerminal(ctx context.Context, olderThan time.Time, limit int) (int64, error)
}

// Result is the cleanup job's result blob.
type Result struct {
	ResponsesDeleted int64 `json:"responses_deleted"`
	RequestsPurged   int64 `json:"requests_purged"`
	JobsPurged       int64 `json:"jobs_purged"`
}

type ExecutorConfig struct {
	// Retention is the age a terminal row must reach before it is
	// purged. Zero means DefaultRetention.
	Retention time.Duration

	// Batch caps rows per delete when the payload does not set one.
	// Zero means DefaultBatch.
	Batch int
}

// Executor sweeps storage in three phases: expired LLM responses,
// terminal LLM requests past retention, then terminal jobs past
// retention. Stale in-flight requests are not its business; worker
// claims already reclaim those. Deletes run in batches with a
// checkpoint before each, so a large backlog stays cancellable and a
// cancelled sweep reports how far it got.
type Executor struct {
	requests RequestJanitor
	jobs     JobJanitor
	cfg      ExecutorConfig
}

func NewExecutor(requests RequestJanitor, jobs JobJanitor, cfg ExecutorConfig) *Executor {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultBatch
	}
	return &Executor{requests: requests, jobs: jobs, cfg: cfg}
}

func (e *Executor) Type() job.Type {
	return job.TypeCleanup
}

func (e *Executor) Execute(ctx context.Context, j *job.Job, checkpoint job.Checkpoint) (json.RawMessage, error) {
	var p job.CleanupPayload
	if err := job.DecodePayload(j, &p); err != nil {
		return nil, job.Terminal(err)
	}
	batch := p.Batch
	if batch <= 0 {
		batch = e.cfg.Batch
	}
	logger := log.WithName("cleanup").WithValues("job_id", j.ID)
	cutoff := time.Now().Add(-e.cfg.Retention)

	var result Result
	phases := []struct {
		name    string
		deleted *int64
		sweep   func(ctx context.Context, limit int) (int64, error)
	}{
		{"expired responses", &result.ResponsesDeleted, e.requests.DeleteExpiredResponses},
		{"terminal requests", &result.RequestsPurged, func(ctx context.Context, limit int) (int64, error) {
			return e.requests.PurgeTerminal(ctx, cutoff, limit)
		}},
		{"terminal jobs", &result.JobsPurged, func(ctx context.Context, limit int) (int64, error) {
			return e.jobs.PurgeTerminal(ctx, cutoff, limit)
		}},
	}

	for _, phase := range phases {
		for {
			if err := checkpoint(ctx); err != nil {
				partial, _ := json.Marshal(result)
				return partial, err
			}
			n, err := phase.sweep(ctx, batch)
			if err != nil {
				return nil, job.Systemic(fmt.Errorf("failed to sweep %s: %w", phase.name, err))
			}
			*phase.deleted += n
			// A short batch means the phase drained.
			if n < int64(batch) {
				break
			}
		}
	}

	logger.Info("Cleanup finished",
		"responses_deleted", result.ResponsesDeleted,
		"requests_purged", result.RequestsPurged,
		"jobs_purged", result.JobsPurged,
	)
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return raw, nil
}
