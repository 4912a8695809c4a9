package job_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"distillery/src/infrastructure/job"
)

func TestPoolCancellationObservedAtNextCheckpoint(t *testing.T) {
	repo := job.NewMemoryRepository()
	created := enqueue(t, repo, job.ExtractionPayload{DocumentID: 9}, 3)
	claimed := claimOne(t, repo, job.TypeExtraction, "w1", time.Minute)

	// ready reports each passed checkpoint; gate releases the next chunk.
	// The handshake pins down where the cancel lands relative to the
	// executor's checkpoints.
	ready := make(chan struct{})
	gate := make(chan struct{})
	exec := &fakeExecutor{
		typ: job.TypeExtraction,
		fn: func(ctx context.Context, j *job.Job, checkpoint job.Checkpoint) (json.RawMessage, error) {
			done := 0
			for {
				if err := checkpoint(ctx); err != nil {
					partial, _ := json.Marshal(map[string]int{"chunks_done": done})
					return partial, err
				}
				select {
				case ready <- struct{}{}:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				select {
				case <-gate:
					done++
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		},
	}
	pool := job.NewPool(exec, repo, "w1", 1, time.Minute, nil)
	if !pool.Dispatch(context.Background(), claimed) {
		t.Fatal("Dispatch() returned false on an empty pool")
	}

	// Two chunks complete. The third checkpoint passes before the cancel
	// lands, so chunk three still runs and the fourth checkpoint stops
	// the job.
	<-ready
	gate <- struct{}{}
	<-ready
	gate <- struct{}{}
	<-ready
	if err := repo.RequestCancel(context.Background(), created.ID); err != nil {
		t.Fatalf("RequestCancel() error = %v", err)
	}
	gate <- struct{}{}

	final := waitForStatus(t, repo, created.ID, job.StatusCancelled)
	var partial map[string]int
	if err := json.Unmarshal(final.Result, &partial); err != nil {
		t.Fatalf("partial result not decodable: %v", err)
	}
	if partial["chunks_done"] != 3 {
		t.Errorf("chunks_done = %d, want 3 (cancellation bounded by one chunk)", partial["chunks_done"])
	}
	pool.Wait()
}

func TestPoolFinishPaths(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		execErr     error
		wantStatus  job.Status
		wantAttempt int
		wantDLQ     int
	}{
		{
			name:        "transient failure requeues and charges the attempt",
			maxAttempts: 3,
			execErr:     errors.New("connection reset"),
			wantStatus:  job.StatusQueued,
			wantAttempt: 1,
			wantDLQ:     0,
		},
		{
			name:        "transient failure on the last attempt dead letters",
			maxAttempts: 1,
			execErr:     errors.New("connection reset"),
			wantStatus:  job.StatusFailed,
			wantAttempt: 1,
			wantDLQ:     1,
		},
		{
			name:        "terminal failure fails immediately without dead letter",
			maxAttempts: 3,
			execErr:     job.Terminal(errors.New("payload references a deleted source")),
			wantStatus:  job.StatusFailed,
			wantAttempt: 1,
			wantDLQ:     0,
		},
		{
			name:        "systemic failure refunds the attempt",
			maxAttempts: 3,
			execErr:     job.Systemic(errors.New("store unreachable")),
			wantStatus:  job.StatusQueued,
			wantAttempt: 0,
			wantDLQ:     0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := job.NewMemoryRepository()
			sink := &recordSink{}
			created := enqueue(t, repo, job.AcquisitionPayload{SourceURL: "https://example.com/a"}, tt.maxAttempts)
			claimed := claimOne(t, repo, job.TypeAcquisition, "w1", time.Minute)

			exec := &fakeExecutor{
				typ: job.TypeAcquisition,
				fn: func(context.Context, *job.Job, job.Checkpoint) (json.RawMessage, error) {
					return nil, tt.execErr
				},
			}
			pool := job.NewPool(exec, repo, "w1", 1, time.Minute, sink)
			pool.Dispatch(context.Background(), claimed)

			final := waitForStatus(t, repo, created.ID, tt.wantStatus)
			if final.AttemptCount != tt.wantAttempt {
				t.Errorf("attempt_count = %d, want %d", final.AttemptCount, tt.wantAttempt)
			}
			pool.Wait()
			if sink.count() != tt.wantDLQ {
				t.Errorf("dead letters = %d, want %d", sink.count(), tt.wantDLQ)
			}
		})
	}
}

func TestPoolRecoversExecutorPanic(t *testing.T) {
	repo := job.NewMemoryRepository()
	created := enqueue(t, repo, job.AcquisitionPayload{SourceURL: "https://example.com/a"}, 3)
	claimed := claimOne(t, repo, job.TypeAcquisition, "w1", time.Minute)

	exec := &fakeExecutor{
		typ: job.TypeAcquisition,
		fn: func(context.Context, *job.Job, job.Checkpoint) (json.RawMessage, error) {
			panic("nil dereference in fetch")
		},
	}
	pool := job.NewPool(exec, repo, "w1", 1, time.Minute, nil)
	pool.Dispatch(context.Background(), claimed)

	final := waitForStatus(t, repo, created.ID, job.StatusQueued)
	history := final.AttemptHistory()
	if len(history) != 1 {
		t.Fatalf("attempt history = %+v, want the panic recorded once", history)
	}
	if !strings.Contains(history[0].Error, "executor panicked") {
		t.Errorf("recorded error = %q, want it to mention the panic", history[0].Error)
	}
	pool.Wait()
}

func TestPoolCompletesWithMixedResult(t *testing.T) {
	repo := job.NewMemoryRepository()
	created := enqueue(t, repo, job.ExtractionPayload{DocumentID: 5}, 3)
	claimed := claimOne(t, repo, job.TypeExtraction, "w1", time.Minute)

	result, _ := json.Marshal(map[string]int{"units_total": 3, "units_failed": 1})
	exec := &fakeExecutor{
		typ: job.TypeExtraction,
		fn: func(context.Context, *job.Job, job.Checkpoint) (json.RawMessage, error) {
			return result, nil
		},
	}
	pool := job.NewPool(exec, repo, "w1", 1, time.Minute, nil)
	pool.Dispatch(context.Background(), claimed)

	final := waitForStatus(t, repo, created.ID, job.StatusCompleted)
	if string(final.Result) != string(result) {
		t.Errorf("result = %s, want %s", final.Result, result)
	}
	pool.Wait()
}

func TestPoolHeartbeatKeepsLeaseAlive(t *testing.T) {
	repo := job.NewMemoryRepository()
	created := enqueue(t, repo, job.AcquisitionPayload{SourceURL: "https://example.com/a"}, 3)
	claimed := claimOne(t, repo, job.TypeAcquisition, "w1", 300*time.Millisecond)

	release := make(chan struct{})
	exec := &fakeExecutor{
		typ: job.TypeAcquisition,
		fn: func(ctx context.Context, _ *job.Job, _ job.Checkpoint) (json.RawMessage, error) {
			select {
			case <-release:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	pool := job.NewPool(exec, repo, "w1", 1, 300*time.Millisecond, nil)
	pool.Dispatch(context.Background(), claimed)

	// Three lease durations pass; without heartbeats recovery would
	// reclaim the job here.
	deadline := time.Now().Add(900 * time.Millisecond)
	for time.Now().Before(deadline) {
		requeued, exhausted, err := repo.RecoverStale(context.Background())
		if err != nil {
			t.Fatalf("RecoverStale() error = %v", err)
		}
		if requeued != 0 || len(exhausted) != 0 {
			t.Fatalf("job went stale while heartbeating: requeued=%d exhausted=%d", requeued, len(exhausted))
		}
		time.Sleep(50 * time.Millisecond)
	}

	close(release)
	final := waitForStatus(t, repo, created.ID, job.StatusCompleted)
	if final.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", final.AttemptCount)
	}
	pool.Wait()
}

func TestPoolFreeTracksDispatches(t *testing.T) {
	repo := job.NewMemoryRepository()
	for i := 0; i < 2; i++ {
		enqueue(t, repo, job.AcquisitionPayload{SourceURL: fmt.Sprintf("https://example.com/%d", i)}, 3)
	}
	block := make(chan struct{})
	exec := &fakeExecutor{
		typ: job.TypeAcquisition,
		fn: func(ctx context.Context, _ *job.Job, _ job.Checkpoint) (json.RawMessage, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return nil, nil
		},
	}
	pool := job.NewPool(exec, repo, "w1", 2, time.Minute, nil)
	if pool.Free() != 2 {
		t.Fatalf("Free() = %d, want 2", pool.Free())
	}

	first := claimOne(t, repo, job.TypeAcquisition, "w1", time.Minute)
	pool.Dispatch(context.Background(), first)
	second := claimOne(t, repo, job.TypeAcquisition, "w1", time.Minute)
	pool.Dispatch(context.Background(), second)

	if pool.Free() != 0 {
		t.Errorf("Free() with both slots busy = %d, want 0", pool.Free())
	}
	if pool.Dispatch(context.Background(), first) {
		t.Error("Dispatch() on a full pool succeeded, want refusal")
	}

	close(block)
	pool.Wait()
	if pool.Free() != 2 {
		t.Errorf("Free() after drain = %d, want 2", pool.Free())
	}
}
