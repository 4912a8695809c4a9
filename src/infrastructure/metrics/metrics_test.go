package metrics_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"distillery/src/infrastructure/dlq"
	"distillery/src/infrastructure/job"
	"distillery/src/infrastructure/llmq"
	"distillery/src/infrastructure/metrics"
)

func TestCollectSnapshotsAllQueues(t *testing.T) {
	ctx := context.Background()

	jobRepo := job.NewMemoryRepository()
	jobs, err := job.NewService(jobRepo, 3)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	for _, url := range []string{"https://example.com/a", "https://example.com/b"} {
		if _, err := jobs.Enqueue(ctx, job.AcquisitionPayload{SourceURL: url, ProjectID: "proj-1"}, 0); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	claimed, err := jobRepo.Claim(ctx, job.TypeAcquisition, "worker-1", 1, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("Claim = %d jobs, err %v", len(claimed), err)
	}

	reqRepo := llmq.NewMemoryRepository()
	for _, id := range []string{"req-1", "req-2", "req-3"} {
		req := &llmq.Request{ID: id, Prompt: "p", Status: llmq.StatusPending, MaxAttempts: 3}
		if err := reqRepo.Create(ctx, req); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	inFlight, err := reqRepo.Claim(ctx, "worker-1", 2, time.Minute)
	if err != nil || len(inFlight) != 2 {
		t.Fatalf("Claim = %d requests, err %v", len(inFlight), err)
	}
	if err := reqRepo.Complete(ctx, inFlight[0].ID, "worker-1", "answer", time.Minute); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	store := dlq.NewMemoryStore()
	err = store.Push(ctx, &dlq.Item{
		SourceKind:      dlq.SourceLLMRequest,
		SourceID:        "req-dead",
		OriginalPayload: json.RawMessage(`{"prompt":"p","max_attempts":3}`),
	})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	snap, err := metrics.NewCollector(jobRepo, reqRepo, store).Collect(ctx)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	jobCounts := make(map[job.Status]int64)
	for _, sc := range snap.Jobs {
		if sc.Type == job.TypeAcquisition {
			jobCounts[sc.Status] += sc.Count
		}
	}
	if jobCounts[job.StatusQueued] != 1 || jobCounts[job.StatusRunning] != 1 {
		t.Errorf("job counts = %v, want 1 queued and 1 running", jobCounts)
	}

	reqCounts := make(map[llmq.Status]int64)
	for _, sc := range snap.Requests {
		reqCounts[sc.Status] = sc.Count
	}
	if reqCounts[llmq.StatusPending] != 1 || reqCounts[llmq.StatusInFlight] != 1 || reqCounts[llmq.StatusCompleted] != 1 {
		t.Errorf("request counts = %v, want 1 pending, 1 in_flight, 1 completed", reqCounts)
	}

	if snap.QueueDepth != 2 {
		t.Errorf("queue depth = %d, want 2 (pending + in flight)", snap.QueueDepth)
	}

	if len(snap.DeadLetters) != 1 || snap.DeadLetters[0].Count != 1 {
		t.Errorf("dead letters = %v, want one llm_request entry", snap.DeadLetters)
	}
	if snap.CollectedAt.IsZero() {
		t.Error("expected CollectedAt to be set")
	}
}
