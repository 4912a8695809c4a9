package job

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Service is the producer surface of the scheduler: external layers
// enqueue typed payloads, request cancellation, and read job state. They
// never touch lease or status fields directly.
type Service struct {
	repo               Repository
	defaultMaxAttempts int
}

func NewService(repo Repository, defaultMaxAttempts int) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 3
	}
	return &Service{repo: repo, defaultMaxAttempts: defaultMaxAttempts}, nil
}

// Enqueue validates the payload variant and creates the job in queued
// state. maxAttempts <= 0 selects the service default.
func (s *Service) Enqueue(ctx context.Context, p Payload, maxAttempts int) (*Job, error) {
	raw, err := EncodePayload(p)
	if err != nil {
		return nil, err
	}
	if maxAttempts <= 0 {
		maxAttempts = s.defaultMaxAttempts
	}

	j := &Job{
		ID:          uuid.NewString(),
		Type:        p.JobType(),
		Status:      StatusQueued,
		Payload:     raw,
		MaxAttempts: maxAttempts,
	}
	if err := s.repo.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s job: %w", p.JobType(), err)
	}
	return j, nil
}

// EnqueueRaw decodes and validates a wire payload for the given type
// before enqueueing it. Boundaries that receive the type and payload
// separately, like the HTTP API and the dead letter replayer, use this
// instead of constructing variants themselves.
func (s *Service) EnqueueRaw(ctx context.Context, t Type, raw json.RawMessage, maxAttempts int) (*Job, error) {
	p, ok := NewPayload(t)
	if !ok {
		return nil, fmt.Errorf("unknown job type %q", t)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s payload: %w", t, err)
		}
	}
	return s.Enqueue(ctx, p, maxAttempts)
}

// RequestCancel flips a running job to cancelling. The owning executor
// observes the new status at its next checkpoint; this call never
// terminates work forcibly.
func (s *Service) RequestCancel(ctx context.Context, id string) error {
	return s.repo.RequestCancel(ctx, id)
}

// Get returns the job, ErrNotFound when it does not exist.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.repo.Get(ctx, id)
}

// List returns jobs matching the filter, newest first.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Job, error) {
	return s.repo.List(ctx, f)
}
