package llmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"distillery/src/infrastructure/notify"
	"distillery/src/log"
)

// ServiceConfig tunes the producer side of the queue.
type ServiceConfig struct {
	// OverallTimeout bounds a single Await end to end.
	OverallTimeout time.Duration

	// FallbackPollInterval is how often a blocked waiter re-reads the
	// store even without a notification. Correctness never depends on
	// the bus delivering.
	FallbackPollInterval time.Duration

	// DefaultMaxAttempts applies when Submit is called with
	// maxAttempts <= 0.
	DefaultMaxAttempts int
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.OverallTimeout <= 0 {
		c.OverallTimeout = 5 * time.Minute
	}
	if c.FallbackPollInterval <= 0 {
		c.FallbackPollInterval = 5 * time.Second
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	return c
}

// Service is the producer API of the request queue. Callers submit a
// prompt, get a correlation id back, and collect the outcome through
// Await. The dispatcher may be nil; waiters then rely purely on the
// fallback poll.
type Service struct {
	repo       Repository
	dispatcher *notify.Dispatcher
	cfg        ServiceConfig
}

func NewService(repo Repository, dispatcher *notify.Dispatcher, cfg ServiceConfig) *Service {
	return &Service{
		repo:       repo,
		dispatcher: dispatcher,
		cfg:        cfg.withDefaults(),
	}
}

// Submit enqueues one LLM call and returns its correlation id.
func (s *Service) Submit(ctx context.Context, prompt string, parameters json.RawMessage, maxAttempts int) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("failed to submit request: empty prompt")
	}
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.DefaultMaxAttempts
	}

	req := &Request{
		ID:          uuid.New().String(),
		Prompt:      prompt,
		Parameters:  parameters,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now(),
	}
	if err := s.repo.Create(ctx, req); err != nil {
		return "", err
	}
	log.Debug("LLM request submitted", "request_id", req.ID, "max_attempts", maxAttempts)
	return req.ID, nil
}

// Get returns the current state of a request.
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	return s.repo.Get(ctx, id)
}

// Await blocks until the request has a stored response and returns its
// content. Terminal failures surface as *RequestError, waiting longer
// than the overall timeout as ErrAwaitTimeout.
//
// The store stays authoritative. Await checks it before subscribing,
// again right after, and on every wake-up or fallback tick, so a
// response written at any point relative to the subscription is found
// and a lost notification only costs latency.
func (s *Service) Await(ctx context.Context, id string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OverallTimeout)
	defer cancel()

	if content, done, err := s.lookup(ctx, id); done {
		return content, err
	}

	var signal <-chan struct{}
	if s.dispatcher != nil {
		ch, cancelSub := s.dispatcher.Subscribe(id)
		defer cancelSub()
		signal = ch
	}

	// Re-check closes the race with a response stored between the first
	// read and the subscription.
	if content, done, err := s.lookup(ctx, id); done {
		return content, err
	}

	ticker := time.NewTicker(s.cfg.FallbackPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("request %s: %w", id, ErrAwaitTimeout)
			}
			return "", ctx.Err()
		case <-signal:
		case <-ticker.C:
		}
		if content, done, err := s.lookup(ctx, id); done {
			return content, err
		}
	}
}

// SubmitAndWait is the synchronous convenience over Submit and Await.
func (s *Service) SubmitAndWait(ctx context.Context, prompt string, parameters json.RawMessage, maxAttempts int) (string, error) {
	id, err := s.Submit(ctx, prompt, parameters, maxAttempts)
	if err != nil {
		return "", err
	}
	return s.Await(ctx, id)
}

func (s *Service) lookup(ctx context.Context, id string) (content string, done bool, err error) {
	resp, err := s.repo.GetResponse(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", false, nil
		}
		return "", true, err
	}
	if resp.Error != nil {
		return "", true, &RequestError{RequestID: id, Status: resp.Status, Message: *resp.Error}
	}
	return resp.Content, true, nil
}
