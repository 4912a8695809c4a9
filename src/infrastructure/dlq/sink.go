package dlq

import (
	"context"
	"encoding/json"
	"fmt"

	"distillery/src/infrastructure/job"
	"distillery/src/infrastructure/llmq"
	"distillery/src/log"
)

// jobEnvelope is the replayable form of an exhausted job.
type jobEnvelope struct {
	Type        job.Type        `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts"`
}

// requestEnvelope is the replayable form of an exhausted LLM request.
type requestEnvelope struct {
	Prompt      string          `json:"prompt"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	MaxAttempts int             `json:"max_attempts"`
}

// JobSink records exhausted jobs as dead letters. Only acquisition
// jobs are kept: crawl jobs re-enqueue their targets on the next run,
// extraction failures already leave per-request dead letters, and
// cleanup reruns on its own schedule.
type JobSink struct {
	store Store
}

func NewJobSink(store Store) *JobSink {
	return &JobSink{store: store}
}

func (s *JobSink) JobExhausted(ctx context.Context, j *job.Job) error {
	if j.Type != job.TypeAcquisition {
		log.Debug("Skipping dead letter for non-replayable job type", "job_id", j.ID, "type", j.Type)
		return nil
	}

	payload, err := json.Marshal(jobEnvelope{
		Type:        j.Type,
		Payload:     j.Payload,
		MaxAttempts: j.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("failed to encode dead letter for job %s: %w", j.ID, err)
	}

	return s.store.Push(ctx, &Item{
		SourceKind:      SourceAcquisitionJob,
		SourceID:        j.ID,
		OriginalPayload: payload,
		ErrorHistory:    j.AttemptErrors,
		Attempts:        j.AttemptCount,
	})
}

// RequestSink records exhausted LLM requests as dead letters.
type RequestSink struct {
	store Store
}

func NewRequestSink(store Store) *RequestSink {
	return &RequestSink{store: store}
}

func (s *RequestSink) RequestExhausted(ctx context.Context, req *llmq.Request) error {
	payload, err := json.Marshal(requestEnvelope{
		Prompt:      req.Prompt,
		Parameters:  req.Parameters,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("failed to encode dead letter for request %s: %w", req.ID, err)
	}

	return s.store.Push(ctx, &Item{
		SourceKind:      SourceLLMRequest,
		SourceID:        req.ID,
		OriginalPayload: payload,
		ErrorHistory:    req.ErrorHistory,
		Attempts:        req.RetryCount,
	})
}
