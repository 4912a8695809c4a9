package dlq_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"distillery/src/infrastructure/dlq"
	"distillery/src/infrastructure/job"
	"distillery/src/infrastructure/llmq"
)

func exhaustedJob(t *testing.T, jobType job.Type) *job.Job {
	t.Helper()
	history, err := json.Marshal([]job.AttemptError{
		{Attempt: 1, Error: "connection refused"},
		{Attempt: 2, Error: "connection refused"},
	})
	if err != nil {
		t.Fatalf("marshal history: %v", err)
	}
	return &job.Job{
		ID:            "job-dead-1",
		Type:          jobType,
		Payload:       json.RawMessage(`{"project_id":"proj-1","source_url":"https://example.com/a"}`),
		AttemptErrors: history,
		AttemptCount:  2,
		MaxAttempts:   2,
	}
}

func exhaustedRequest(t *testing.T) *llmq.Request {
	t.Helper()
	history, err := json.Marshal([]llmq.AttemptError{
		{Attempt: 1, Error: "attempt timed out"},
		{Attempt: 2, Error: "attempt timed out"},
	})
	if err != nil {
		t.Fatalf("marshal history: %v", err)
	}
	return &llmq.Request{
		ID:           "req-dead-1",
		Prompt:       "extract the fields",
		Parameters:   json.RawMessage(`{"temperature":0}`),
		ErrorHistory: history,
		RetryCount:   2,
		MaxAttempts:  2,
	}
}

func TestJobSinkKeepsOnlyAcquisitionJobs(t *testing.T) {
	store := dlq.NewMemoryStore()
	sink := dlq.NewJobSink(store)
	ctx := context.Background()

	if err := sink.JobExhausted(ctx, exhaustedJob(t, job.TypeAcquisition)); err != nil {
		t.Fatalf("JobExhausted(acquisition): %v", err)
	}
	if err := sink.JobExhausted(ctx, exhaustedJob(t, job.TypeExtraction)); err != nil {
		t.Fatalf("JobExhausted(extraction): %v", err)
	}
	if err := sink.JobExhausted(ctx, exhaustedJob(t, job.TypeCleanup)); err != nil {
		t.Fatalf("JobExhausted(cleanup): %v", err)
	}

	items, err := store.List(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("%d dead letters, want 1 (acquisition only)", len(items))
	}

	item := items[0]
	if item.SourceKind != dlq.SourceAcquisitionJob {
		t.Errorf("source kind = %q, want %q", item.SourceKind, dlq.SourceAcquisitionJob)
	}
	if item.SourceID != "job-dead-1" {
		t.Errorf("source id = %q, want job-dead-1", item.SourceID)
	}
	if item.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", item.Attempts)
	}
	if !strings.Contains(string(item.ErrorHistory), "connection refused") {
		t.Errorf("error history %s lost the attempt errors", item.ErrorHistory)
	}
	if !strings.Contains(string(item.OriginalPayload), "https://example.com/a") {
		t.Errorf("payload %s lost the job payload", item.OriginalPayload)
	}
}

func TestRequestSinkPreservesFailureContext(t *testing.T) {
	store := dlq.NewMemoryStore()
	sink := dlq.NewRequestSink(store)

	if err := sink.RequestExhausted(context.Background(), exhaustedRequest(t)); err != nil {
		t.Fatalf("RequestExhausted: %v", err)
	}

	items, err := store.List(context.Background(), dlq.SourceLLMRequest, 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("%d dead letters, want 1", len(items))
	}

	item := items[0]
	if item.SourceID != "req-dead-1" {
		t.Errorf("source id = %q, want req-dead-1", item.SourceID)
	}
	if item.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", item.Attempts)
	}
	if !strings.Contains(string(item.OriginalPayload), "extract the fields") {
		t.Errorf("payload %s lost the prompt", item.OriginalPayload)
	}
	if !strings.Contains(string(item.ErrorHistory), "attempt timed out") {
		t.Errorf("error history %s lost the attempt errors", item.ErrorHistory)
	}
}

func newReplayer(t *testing.T, store dlq.Store) (*dlq.Replayer, *job.MemoryRepository, *llmq.MemoryRepository) {
	t.Helper()
	jobRepo := job.NewMemoryRepository()
	jobs, err := job.NewService(jobRepo, 3)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	reqRepo := llmq.NewMemoryRepository()
	requests := llmq.NewService(reqRepo, nil, llmq.ServiceConfig{})
	return dlq.NewReplayer(store, jobs, requests), jobRepo, reqRepo
}

func TestRequeueAcquisitionJob(t *testing.T) {
	store := dlq.NewMemoryStore()
	replayer, jobRepo, _ := newReplayer(t, store)
	ctx := context.Background()

	if err := dlq.NewJobSink(store).JobExhausted(ctx, exhaustedJob(t, job.TypeAcquisition)); err != nil {
		t.Fatalf("JobExhausted: %v", err)
	}
	items, err := store.List(ctx, "", 1, 0)
	if err != nil || len(items) != 1 {
		t.Fatalf("List = %v items, err %v", len(items), err)
	}

	newID, err := replayer.Requeue(ctx, items[0].ID)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	requeued, err := jobRepo.Get(ctx, newID)
	if err != nil {
		t.Fatalf("Get requeued job: %v", err)
	}
	if requeued == nil {
		t.Fatal("requeued job not found")
	}
	if requeued.Type != job.TypeAcquisition {
		t.Errorf("type = %q, want acquisition", requeued.Type)
	}
	if requeued.Status != job.StatusQueued {
		t.Errorf("status = %q, want queued", requeued.Status)
	}
	if requeued.AttemptCount != 0 {
		t.Errorf("attempt count = %d, want a fresh budget", requeued.AttemptCount)
	}
	if requeued.MaxAttempts != 2 {
		t.Errorf("max attempts = %d, want 2 (preserved)", requeued.MaxAttempts)
	}

	var p job.AcquisitionPayload
	if err := job.DecodePayload(requeued, &p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.SourceURL != "https://example.com/a" {
		t.Errorf("source url = %q, want the original", p.SourceURL)
	}

	if _, err := store.Get(ctx, items[0].ID); !errors.Is(err, dlq.ErrNotFound) {
		t.Errorf("dead letter still present after requeue: %v", err)
	}
}

func TestRequeueLLMRequest(t *testing.T) {
	store := dlq.NewMemoryStore()
	replayer, _, reqRepo := newReplayer(t, store)
	ctx := context.Background()

	if err := dlq.NewRequestSink(store).RequestExhausted(ctx, exhaustedRequest(t)); err != nil {
		t.Fatalf("RequestExhausted: %v", err)
	}
	items, err := store.List(ctx, "", 1, 0)
	if err != nil || len(items) != 1 {
		t.Fatalf("List = %v items, err %v", len(items), err)
	}

	newID, err := replayer.Requeue(ctx, items[0].ID)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if newID == "req-dead-1" {
		t.Error("requeue reused the dead request id instead of submitting fresh")
	}

	req, err := reqRepo.Get(ctx, newID)
	if err != nil {
		t.Fatalf("Get requeued request: %v", err)
	}
	if req.Status != llmq.StatusPending {
		t.Errorf("status = %q, want pending", req.Status)
	}
	if req.Prompt != "extract the fields" {
		t.Errorf("prompt = %q, want the original", req.Prompt)
	}
	if req.RetryCount != 0 {
		t.Errorf("retry count = %d, want a fresh budget", req.RetryCount)
	}

	if _, err := store.Get(ctx, items[0].ID); !errors.Is(err, dlq.ErrNotFound) {
		t.Errorf("dead letter still present after requeue: %v", err)
	}
}

func TestRequeueMissingReturnsNotFound(t *testing.T) {
	store := dlq.NewMemoryStore()
	replayer, _, _ := newReplayer(t, store)

	if _, err := replayer.Requeue(context.Background(), 404); !errors.Is(err, dlq.ErrNotFound) {
		t.Fatalf("Requeue missing = %v, want ErrNotFound", err)
	}
}

func TestRequeueRestoresItemWhenResubmissionFails(t *testing.T) {
	store := dlq.NewMemoryStore()
	replayer, _, _ := newReplayer(t, store)
	ctx := context.Background()

	// An empty prompt fails Submit validation, so the pop must be undone.
	item := &dlq.Item{
		SourceKind:      dlq.SourceLLMRequest,
		SourceID:        "req-dead-2",
		OriginalPayload: json.RawMessage(`{"prompt":"","max_attempts":3}`),
	}
	if err := store.Push(ctx, item); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if _, err := replayer.Requeue(ctx, item.ID); err == nil {
		t.Fatal("expected requeue of an empty prompt to fail")
	}

	restored, err := store.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("dead letter lost after failed resubmission: %v", err)
	}
	if restored.SourceID != "req-dead-2" {
		t.Errorf("restored source id = %q, want req-dead-2", restored.SourceID)
	}
}
