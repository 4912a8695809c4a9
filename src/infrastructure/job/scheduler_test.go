package job_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"distillery/src/infrastructure/job"
)

// startScheduler runs the scheduler until the test ends. The returned
// stop func shuts it down early and waits for the drain.
func startScheduler(t *testing.T, s *job.Scheduler) func() {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()
	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancelCtx()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("scheduler did not stop")
		}
	}
	t.Cleanup(stop)
	return stop
}

func fastSchedulerConfig() job.Config {
	return job.Config{
		PollInterval: 5 * time.Millisecond,
		DrainTimeout: time.Second,
	}
}

func TestSchedulerRunsQueuedJobsToCompletion(t *testing.T) {
	repo := job.NewMemoryRepository()

	var executed atomic.Int64
	sched := job.NewScheduler(repo, fastSchedulerConfig(), nil)
	sched.Register(&fakeExecutor{
		typ: job.TypeAcquisition,
		fn: func(_ context.Context, _ *job.Job, _ job.Checkpoint) (json.RawMessage, error) {
			executed.Add(1)
			return json.RawMessage(`{"units":3}`), nil
		},
	})

	const jobs = 6
	ids := make([]string, 0, jobs)
	for i := 0; i < jobs; i++ {
		j := enqueue(t, repo, job.AcquisitionPayload{SourceURL: fmt.Sprintf("https://example.com/%d", i)}, 3)
		ids = append(ids, j.ID)
	}

	startScheduler(t, sched)

	for _, id := range ids {
		got := waitForStatus(t, repo, id, job.StatusCompleted)
		if string(got.Result) != `{"units":3}` {
			t.Errorf("job %s result = %s, want the executor's blob", id, got.Result)
		}
		if got.AttemptCount != 1 {
			t.Errorf("job %s attempt_count = %d, want 1", id, got.AttemptCount)
		}
	}
	if executed.Load() != jobs {
		t.Errorf("executor ran %d times, want %d", executed.Load(), jobs)
	}
}

func TestSchedulerRecoversStaleLeaseAndReruns(t *testing.T) {
	repo := job.NewMemoryRepository()
	clock := newFakeClock()
	repo.SetNow(clock.Now)

	created := enqueue(t, repo, job.AcquisitionPayload{SourceURL: "https://example.com/stale"}, 3)
	claimOne(t, repo, job.TypeAcquisition, "dead-worker", time.Minute)
	clock.Advance(2 * time.Minute)

	sched := job.NewScheduler(repo, fastSchedulerConfig(), nil)
	sched.Register(&fakeExecutor{
		typ: job.TypeAcquisition,
		fn: func(_ context.Context, _ *job.Job, _ job.Checkpoint) (json.RawMessage, error) {
			return nil, nil
		},
	})
	startScheduler(t, sched)

	got := waitForStatus(t, repo, created.ID, job.StatusCompleted)
	if got.AttemptCount != 2 {
		t.Errorf("attempt_count = %d, want 2 (one lost to the dead worker)", got.AttemptCount)
	}
}

func TestSchedulerDeadLettersExhaustedStaleJobs(t *testing.T) {
	repo := job.NewMemoryRepository()
	clock := newFakeClock()
	repo.SetNow(clock.Now)

	created := enqueue(t, repo, job.AcquisitionPayload{SourceURL: "https://example.com/doomed"}, 1)
	claimOne(t, repo, job.TypeAcquisition, "dead-worker", time.Minute)
	clock.Advance(2 * time.Minute)

	sink := &recordSink{}
	sched := job.NewScheduler(repo, fastSchedulerConfig(), sink)
	sched.Register(&fakeExecutor{
		typ: job.TypeAcquisition,
		fn: func(_ context.Context, _ *job.Job, _ job.Checkpoint) (json.RawMessage, error) {
			t.Error("exhausted job must not run again")
			return nil, nil
		},
	})
	startScheduler(t, sched)

	waitForStatus(t, repo, created.ID, job.StatusFailed)
	deadline := time.Now().Add(5 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("dead letter sink received %d jobs, want 1", sink.count())
	}
}

func TestSchedulerDrainCancelsJobsAfterTimeout(t *testing.T) {
	repo := job.NewMemoryRepository()

	started := make(chan struct{})
	cfg := fastSchedulerConfig()
	cfg.DrainTimeout = 30 * time.Millisecond
	sched := job.NewScheduler(repo, cfg, nil)
	sched.Register(&fakeExecutor{
		typ: job.TypeCrawl,
		fn: func(ctx context.Context, _ *job.Job, _ job.Checkpoint) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	created := enqueue(t, repo, job.CrawlPayload{ListURL: "https://example.com/list"}, 3)
	stop := startScheduler(t, sched)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	stop()

	// The drain window expired, so the job went back without losing its
	// attempt.
	got := waitForStatus(t, repo, created.ID, job.StatusQueued)
	if got.AttemptCount != 0 {
		t.Errorf("attempt_count after shutdown requeue = %d, want 0", got.AttemptCount)
	}
}
