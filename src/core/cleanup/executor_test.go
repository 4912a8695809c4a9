package cleanup_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"distillery/src/core/cleanup"
	"distillery/src/infrastructure/job"
	"distillery/src/infrastructure/llmq"
)

// fakeRequests scripts one return value per sweep call and returns 0
// once the script runs out.
type fakeRequests struct {
	expired    []int64
	purged     []int64
	expiredErr error
	purgeErr   error

	expiredCalls int
	purgeCalls   int
	limits       []int
	cutoff       time.Time
}

func (f *fakeRequests) DeleteExpiredResponses(_ context.Context, limit int) (int64, error) {
	if f.expiredErr != nil {
		return 0, f.expiredErr
	}
	f.limits = append(f.limits, limit)
	i := f.expiredCalls
	f.expiredCalls++
	if i < len(f.expired) {
		return f.expired[i], nil
	}
	return 0, nil
}

func (f *fakeRequests) PurgeTerminal(_ context.Context, olderThan time.Time, limit int) (int64, error) {
	if f.purgeErr != nil {
		return 0, f.purgeErr
	}
	f.cutoff = olderThan
	f.limits = append(f.limits, limit)
	i := f.purgeCalls
	f.purgeCalls++
	if i < len(f.purged) {
		return f.purged[i], nil
	}
	return 0, nil
}

type fakeJobs struct {
	purged []int64
	err    error

	calls  int
	limits []int
	cutoff time.Time
}

func (f *fakeJobs) PurgeTerminal(_ context.Context, olderThan time.Time, limit int) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.cutoff = olderThan
	f.limits = append(f.limits, limit)
	i := f.calls
	f.calls++
	if i < len(f.purged) {
		return f.purged[i], nil
	}
	return 0, nil
}

func cleanupJob(t *testing.T, p job.CleanupPayload) *job.Job {
	t.Helper()
	raw, err := job.EncodePayload(p)
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}
	return &job.Job{ID: "job-clean-1", Type: job.TypeCleanup, Payload: raw, MaxAttempts: 1}
}

func noCheckpoint(context.Context) error { return nil }

// cancelAfter allows n checkpoint calls, then reports cancellation.
func cancelAfter(n int) job.Checkpoint {
	calls := 0
	return func(context.Context) error {
		calls++
		if calls > n {
			return job.ErrCancelled
		}
		return nil
	}
}

func decodeResult(t *testing.T, raw json.RawMessage) cleanup.Result {
	t.Helper()
	var r cleanup.Result
	if err := json.Unmarshal(raw, &r); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return r
}

func TestExecuteSweepsAllPhases(t *testing.T) {
	requests := &fakeRequests{expired: []int64{2, 2, 1}, purged: []int64{2}}
	jobs := &fakeJobs{purged: []int64{1}}
	executor := cleanup.NewExecutor(requests, jobs, cleanup.ExecutorConfig{Retention: 24 * time.Hour, Batch: 2})

	raw, err := executor.Execute(context.Background(), cleanupJob(t, job.CleanupPayload{}), noCheckpoint)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	result := decodeResult(t, raw)
	want := cleanup.Result{ResponsesDeleted: 5, RequestsPurged: 2, JobsPurged: 1}
	if result != want {
		t.Errorf("result = %+v, want %+v", result, want)
	}

	// Full batches keep sweeping, a short batch ends the phase.
	if requests.expiredCalls != 3 {
		t.Errorf("DeleteExpiredResponses calls = %d, want 3", requests.expiredCalls)
	}
	if requests.purgeCalls != 2 {
		t.Errorf("request PurgeTerminal calls = %d, want 2", requests.purgeCalls)
	}
	if jobs.calls != 1 {
		t.Errorf("job PurgeTerminal calls = %d, want 1", jobs.calls)
	}
	for _, limit := range append(requests.limits, jobs.limits...) {
		if limit != 2 {
			t.Fatalf("sweep limit = %d, want 2", limit)
		}
	}

	wantCutoff := time.Now().Add(-24 * time.Hour)
	for _, cutoff := range []time.Time{requests.cutoff, jobs.cutoff} {
		if cutoff.After(wantCutoff) || wantCutoff.Sub(cutoff) > 5*time.Second {
			t.Errorf("cutoff = %v, want about %v", cutoff, wantCutoff)
		}
	}
}

func TestExecutePayloadBatchOverridesConfig(t *testing.T) {
	requests := &fakeRequests{expired: []int64{3}}
	jobs := &fakeJobs{}
	executor := cleanup.NewExecutor(requests, jobs, cleanup.ExecutorConfig{Batch: 500})

	_, err := executor.Execute(context.Background(), cleanupJob(t, job.CleanupPayload{Batch: 7}), noCheckpoint)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	for _, limit := range append(requests.limits, jobs.limits...) {
		if limit != 7 {
			t.Fatalf("sweep limit = %d, want 7", limit)
		}
	}
}

func TestExecuteZeroConfigUsesDefaults(t *testing.T) {
	requests := &fakeRequests{}
	jobs := &fakeJobs{}
	executor := cleanup.NewExecutor(requests, jobs, cleanup.ExecutorConfig{})

	_, err := executor.Execute(context.Background(), cleanupJob(t, job.CleanupPayload{}), noCheckpoint)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if requests.limits[0] != cleanup.DefaultBatch {
		t.Errorf("sweep limit = %d, want %d", requests.limits[0], cleanup.DefaultBatch)
	}
	wantCutoff := time.Now().Add(-cleanup.DefaultRetention)
	if requests.cutoff.After(wantCutoff) || wantCutoff.Sub(requests.cutoff) > 5*time.Second {
		t.Errorf("cutoff = %v, want about %v", requests.cutoff, wantCutoff)
	}
}

func TestExecuteCancelledMidSweepReportsProgress(t *testing.T) {
	requests := &fakeRequests{expired: []int64{2, 2, 1}}
	jobs := &fakeJobs{}
	executor := cleanup.NewExecutor(requests, jobs, cleanup.ExecutorConfig{Batch: 2})

	raw, err := executor.Execute(context.Background(), cleanupJob(t, job.CleanupPayload{}), cancelAfter(2))
	if !errors.Is(err, job.ErrCancelled) {
		t.Fatalf("Execute() error = %v, want ErrCancelled", err)
	}

	result := decodeResult(t, raw)
	if result.ResponsesDeleted != 4 {
		t.Errorf("ResponsesDeleted = %d, want 4", result.ResponsesDeleted)
	}
	if requests.purgeCalls != 0 || jobs.calls != 0 {
		t.Errorf("later phases ran after cancellation: requests=%d jobs=%d", requests.purgeCalls, jobs.calls)
	}
}

func TestExecuteStoreFailureIsSystemic(t *testing.T) {
	requests := &fakeRequests{expiredErr: errors.New("connection refused")}
	executor := cleanup.NewExecutor(requests, &fakeJobs{}, cleanup.ExecutorConfig{})

	raw, err := executor.Execute(context.Background(), cleanupJob(t, job.CleanupPayload{}), noCheckpoint)
	if !job.IsSystemic(err) {
		t.Fatalf("Execute() error = %v, want systemic", err)
	}
	if raw != nil {
		t.Errorf("result = %s, want none", raw)
	}
}

func TestExecuteMalformedPayloadIsTerminal(t *testing.T) {
	j := &job.Job{ID: "job-clean-bad", Type: job.TypeCleanup, Payload: json.RawMessage(`{"batch": -2}`), MaxAttempts: 1}
	executor := cleanup.NewExecutor(&fakeRequests{}, &fakeJobs{}, cleanup.ExecutorConfig{})

	_, err := executor.Execute(context.Background(), j, noCheckpoint)
	if !job.IsTerminal(err) {
		t.Fatalf("Execute() error = %v, want terminal", err)
	}
}

// TestExecuteSweepsStores runs the executor against the real memory
// repositories: one old completed request with an expired response, one
// old completed job, and fresh rows that must survive.
func TestExecuteSweepsStores(t *testing.T) {
	ctx := context.Background()
	past := time.Now().Add(-48 * time.Hour)

	requests := llmq.NewMemoryRepository()
	requests.SetNow(func() time.Time { return past })
	if err := requests.Create(ctx, &llmq.Request{ID: "req-old", Prompt: "old"}); err != nil {
		t.Fatalf("Create(req-old) error = %v", err)
	}
	if claimed, err := requests.Claim(ctx, "w1", 1, time.Minute); err != nil || len(claimed) != 1 {
		t.Fatalf("Claim() = %v, %v", claimed, err)
	}
	if err := requests.Complete(ctx, "req-old", "w1", "stale output", time.Minute); err != nil {
		t.Fatalf("Complete(req-old) error = %v", err)
	}
	requests.SetNow(time.Now)
	if err := requests.Create(ctx, &llmq.Request{ID: "req-fresh", Prompt: "fresh"}); err != nil {
		t.Fatalf("Create(req-fresh) error = %v", err)
	}
	if claimed, err := requests.Claim(ctx, "w1", 1, time.Minute); err != nil || len(claimed) != 1 {
		t.Fatalf("Claim() = %v, %v", claimed, err)
	}
	if err := requests.Complete(ctx, "req-fresh", "w1", "fresh output", time.Hour); err != nil {
		t.Fatalf("Complete(req-fresh) error = %v", err)
	}

	jobs := job.NewMemoryRepository()
	jobs.SetNow(func() time.Time { return past })
	svc, err := job.NewService(jobs, 3)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	oldJob, err := svc.Enqueue(ctx, job.CleanupPayload{}, 1)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if claimed, err := jobs.Claim(ctx, job.TypeCleanup, "w1", 1, time.Minute); err != nil || len(claimed) != 1 {
		t.Fatalf("Claim() = %v, %v", claimed, err)
	}
	if err := jobs.Complete(ctx, oldJob.ID, "w1", nil); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	jobs.SetNow(time.Now)
	freshJob, err := svc.Enqueue(ctx, job.CleanupPayload{}, 1)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	executor := cleanup.NewExecutor(requests, jobs, cleanup.ExecutorConfig{Retention: 24 * time.Hour, Batch: 10})
	raw, err := executor.Execute(ctx, cleanupJob(t, job.CleanupPayload{}), noCheckpoint)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	result := decodeResult(t, raw)
	want := cleanup.Result{ResponsesDeleted: 1, RequestsPurged: 1, JobsPurged: 1}
	if result != want {
		t.Errorf("result = %+v, want %+v", result, want)
	}

	if _, err := requests.Get(ctx, "req-old"); !errors.Is(err, llmq.ErrNotFound) {
		t.Errorf("Get(req-old) error = %v, want ErrNotFound", err)
	}
	if _, err := requests.Get(ctx, "req-fresh"); err != nil {
		t.Errorf("Get(req-fresh) error = %v, want kept", err)
	}
	if _, err := requests.GetResponse(ctx, "req-fresh"); err != nil {
		t.Errorf("GetResponse(req-fresh) error = %v, want kept", err)
	}
	if _, err := jobs.Get(ctx, oldJob.ID); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("Get(old job) error = %v, want ErrNotFound", err)
	}
	if _, err := jobs.Get(ctx, freshJob.ID); err != nil {
		t.Errorf("Get(fresh job) error = %v, want kept", err)
	}
}
