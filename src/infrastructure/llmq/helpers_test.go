package llmq_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"distillery/src/infrastructure/llmq"
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

// fakeBackend scripts backend behavior per call number, starting at 1.
// The attempt context is handed through so scripts can hang until the
// per-attempt timeout fires.
type fakeBackend struct {
	mu     sync.Mutex
	calls  int
	script func(ctx context.Context, call int, prompt string) (string, error)
}

func (b *fakeBackend) Complete(ctx context.Context, prompt string, _ json.RawMessage) (string, error) {
	b.mu.Lock()
	b.calls++
	call := b.calls
	b.mu.Unlock()
	return b.script(ctx, call, prompt)
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// hangingBackend blocks until the per-attempt context expires, the way a
// stuck LLM server looks from here.
func hangingBackend(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

// recordSink collects dead-lettered requests.
type recordSink struct {
	mu       sync.Mutex
	requests []*llmq.Request
}

func (s *recordSink) RequestExhausted(_ context.Context, req *llmq.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return nil
}

func (s *recordSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *recordSink) first() *llmq.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return nil
	}
	return s.requests[0]
}

// recordAnnouncer collects announced correlation ids.
type recordAnnouncer struct {
	mu  sync.Mutex
	ids []string
}

func (a *recordAnnouncer) Announce(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, id)
	return nil
}

func (a *recordAnnouncer) announced(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, got := range a.ids {
		if got == id {
			return true
		}
	}
	return false
}

func submit(t *testing.T, repo llmq.Repository, prompt string, maxAttempts int) string {
	t.Helper()
	svc := llmq.NewService(repo, nil, llmq.ServiceConfig{})
	id, err := svc.Submit(context.Background(), prompt, nil, maxAttempts)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	return id
}

func claimOne(t *testing.T, repo llmq.Repository, owner string, claimFor time.Duration) *llmq.Request {
	t.Helper()
	claimed, err := repo.Claim(context.Background(), owner, 1, claimFor)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("Claim() returned %d requests, want 1", len(claimed))
	}
	return claimed[0]
}

func waitForStatus(t *testing.T, repo llmq.Repository, id string, want llmq.Status) *llmq.Request {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		req, err := repo.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if req.Status == want {
			return req
		}
		time.Sleep(5 * time.Millisecond)
	}
	req, _ := repo.Get(context.Background(), id)
	t.Fatalf("request %s never reached status %s, last seen %s", id, want, req.Status)
	return nil
}

// fastWorkerConfig keeps retry cycles in the millisecond range.
func fastWorkerConfig() llmq.WorkerConfig {
	return llmq.WorkerConfig{
		Concurrency:    4,
		AttemptTimeout: 40 * time.Millisecond,
		ClaimFor:       time.Minute,
		PollInterval:   5 * time.Millisecond,
		ResponseTTL:    time.Minute,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	}
}

func startWorker(t *testing.T, w *llmq.Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
}
