package job_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"distillery/src/infrastructure/job"
)

// fakeClock drives the memory repository without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeExecutor adapts a func to the Executor interface.
type fakeExecutor struct {
	typ job.Type
	fn  func(ctx context.Context, j *job.Job, checkpoint job.Checkpoint) (json.RawMessage, error)
}

func (f *fakeExecutor) Type() job.Type {
	return f.typ
}

func (f *fakeExecutor) Execute(ctx context.Context, j *job.Job, checkpoint job.Checkpoint) (json.RawMessage, error) {
	return f.fn(ctx, j, checkpoint)
}

// recordSink collects dead-lettered jobs.
type recordSink struct {
	mu   sync.Mutex
	jobs []*job.Job
}

func (s *recordSink) JobExhausted(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, j)
	return nil
}

func (s *recordSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func enqueue(t *testing.T, repo job.Repository, p job.Payload, maxAttempts int) *job.Job {
	t.Helper()
	svc, err := job.NewService(repo, 3)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	j, err := svc.Enqueue(context.Background(), p, maxAttempts)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return j
}

func claimOne(t *testing.T, repo job.Repository, typ job.Type, owner string, lease time.Duration) *job.Job {
	t.Helper()
	claimed, err := repo.Claim(context.Background(), typ, owner, 1, lease)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("Claim() returned %d jobs, want 1", len(claimed))
	}
	return claimed[0]
}

func waitForStatus(t *testing.T, repo job.Repository, id string, want job.Status) *job.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := repo.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if j.Status == want {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	j, _ := repo.Get(context.Background(), id)
	t.Fatalf("job %s never reached status %s, last seen %s", id, want, j.Status)
	return nil
}
