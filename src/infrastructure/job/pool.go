package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"distillery/src/log"
)

// finishTimeout bounds the terminal status write after an executor
// returns, so a hung store cannot leak executor slots forever.
const finishTimeout = 15 * time.Second

// Checkpoint lets a chunked executor observe cancellation between chunks.
// It returns ErrCancelled once the job has moved to cancelling; the
// executor stops, persists whatever partial results it has, and returns
// the error (optionally with a partial result blob).
type Checkpoint func(ctx context.Context) error

// Executor runs jobs of a single type to completion.
type Executor interface {
	Type() Type
	Execute(ctx context.Context, j *Job, checkpoint Checkpoint) (json.RawMessage, error)
}

// Pool is a bounded set of concurrent executors for one job type. Each
// dispatched job gets a heartbeat goroutine that extends the lease at a
// third of its duration; losing the lease cancels the job's context.
type Pool struct {
	executor Executor
	repo     Repository
	owner    string
	lease    time.Duration
	dlq      DeadLetterSink
	slots    chan struct{}
	wg       sync.WaitGroup
	logger   logr.Logger
}

func NewPool(executor Executor, repo Repository, owner string, size int, lease time.Duration, sink DeadLetterSink) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		executor: executor,
		repo:     repo,
		owner:    owner,
		lease:    lease,
		dlq:      sink,
		slots:    make(chan struct{}, size),
		logger:   log.WithName("pool").WithValues("type", executor.Type()),
	}
}

func (p *Pool) Type() Type {
	return p.executor.Type()
}

// Free returns the number of executor slots currently available.
func (p *Pool) Free() int {
	return cap(p.slots) - len(p.slots)
}

// Dispatch hands a claimed job to a free executor slot. It reports false
// without blocking when the pool is full; the caller hands the job back.
func (p *Pool) Dispatch(ctx context.Context, j *Job) bool {
	select {
	case p.slots <- struct{}{}:
	default:
		return false
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.slots }()
		p.run(ctx, j)
	}()
	return true
}

// Wait blocks until every dispatched job has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, j *Job) {
	logger := p.logger.WithValues("job_id", j.ID, "attempt", j.AttemptCount)
	logger.Info("job started")

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var leaseLost atomic.Bool
	hbStop := make(chan struct{})
	hbDone := make(chan struct{})
	go p.heartbeat(jobCtx, j.ID, cancel, &leaseLost, hbStop, hbDone)

	result, err := p.execute(jobCtx, j)

	close(hbStop)
	<-hbDone

	if leaseLost.Load() {
		logger.Info("lease lost during execution, dropping result")
		return
	}
	p.finish(ctx, logger, j, result, err)
}

func (p *Pool) execute(ctx context.Context, j *Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	return p.executor.Execute(ctx, j, p.checkpoint(j.ID))
}

func (p *Pool) checkpoint(id string) Checkpoint {
	return func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		status, err := p.repo.GetStatus(ctx, id)
		if err != nil {
			return Systemic(fmt.Errorf("failed to read job status at checkpoint: %w", err))
		}
		if status == StatusCancelling {
			return ErrCancelled
		}
		return nil
	}
}

func (p *Pool) heartbeat(ctx context.Context, id string, cancel context.CancelFunc, lost *atomic.Bool, stop, done chan struct{}) {
	defer close(done)

	interval := p.lease / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.repo.ExtendLease(ctx, id, p.owner, p.lease)
			if err == nil {
				continue
			}
			if errors.Is(err, ErrLeaseLost) {
				lost.Store(true)
				cancel()
				return
			}
			// Transient store trouble: keep ticking, the lease still has
			// two thirds of its duration left.
			p.logger.Error(err, "heartbeat failed", "job_id", id)
		}
	}
}

func (p *Pool) finish(ctx context.Context, logger logr.Logger, j *Job, result json.RawMessage, execErr error) {
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	switch {
	case execErr == nil:
		if err := p.repo.Complete(finishCtx, j.ID, p.owner, result); err != nil {
			logger.Error(err, "failed to mark job completed")
			return
		}
		logger.Info("job completed")

	case errors.Is(execErr, ErrCancelled):
		if err := p.repo.Cancel(finishCtx, j.ID, p.owner, result); err != nil {
			logger.Error(err, "failed to mark job cancelled")
			return
		}
		logger.Info("job cancelled")

	case IsSystemic(execErr):
		logger.Error(execErr, "systemic failure, returning job to queue without charging the attempt")
		if err := p.repo.ReturnToQueue(finishCtx, j.ID, p.owner, "", true); err != nil {
			logger.Error(err, "failed to return job to queue")
		}

	case IsTerminal(execErr):
		logger.Error(execErr, "terminal failure")
		if err := p.repo.Fail(finishCtx, j.ID, p.owner, execErr.Error()); err != nil {
			logger.Error(err, "failed to mark job failed")
		}

	case errors.Is(execErr, context.Canceled):
		// Shutdown took the context away mid-job. Hand the job back
		// without charging the attempt.
		logger.Info("job interrupted by shutdown, returning to queue")
		if err := p.repo.ReturnToQueue(finishCtx, j.ID, p.owner, "", true); err != nil {
			logger.Error(err, "failed to return job to queue")
		}

	default:
		if j.AttemptsExhausted() {
			logger.Error(execErr, "attempts exhausted, failing job", "attempts", j.AttemptCount)
			if err := p.repo.Fail(finishCtx, j.ID, p.owner, execErr.Error()); err != nil {
				logger.Error(err, "failed to mark job failed")
				return
			}
			p.deadLetter(finishCtx, logger, j)
		} else {
			logger.Error(execErr, "transient failure, returning job to queue", "attempt", j.AttemptCount)
			if err := p.repo.ReturnToQueue(finishCtx, j.ID, p.owner, execErr.Error(), false); err != nil {
				logger.Error(err, "failed to return job to queue")
			}
		}
	}
}

func (p *Pool) deadLetter(ctx context.Context, logger logr.Logger, j *Job) {
	if p.dlq == nil {
		return
	}
	// Re-read so the dead letter carries the final attempt history.
	fresh, err := p.repo.Get(ctx, j.ID)
	if err != nil {
		fresh = j
	}
	if err := p.dlq.JobExhausted(ctx, fresh); err != nil {
		logger.Error(err, "failed to dead letter job")
	}
}
