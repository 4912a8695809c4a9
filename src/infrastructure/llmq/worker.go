package llmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"distillery/src/log"
)

// Backend is one synchronous LLM call. Implementations return a
// PermanentError for failures retrying cannot change; everything else is
// treated as transient.
type Backend interface {
	Complete(ctx context.Context, prompt string, parameters json.RawMessage) (string, error)
}

// DeadLetterSink receives requests whose attempt budget ran out.
type DeadLetterSink interface {
	RequestExhausted(ctx context.Context, req *Request) error
}

// Announcer publishes completion wake-ups. Delivery is advisory; waiters
// poll the store on a fallback interval regardless. *notify.Bus
// satisfies it.
type Announcer interface {
	Announce(correlationID string) error
}

// WorkerConfig tunes the consumer side of the queue.
type WorkerConfig struct {
	// Concurrency is the starting gate limit.
	Concurrency int

	// AttemptTimeout bounds one backend call.
	AttemptTimeout time.Duration

	// ClaimFor is how long a claim lasts before a dead worker's requests
	// become dispatchable again. It must outlast a full retry cycle.
	ClaimFor time.Duration

	// PollInterval is the claim loop cadence.
	PollInterval time.Duration

	// ResponseTTL is how long stored responses stay readable.
	ResponseTTL time.Duration

	// BackoffInitial and BackoffMax shape the wait between attempts.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// Tuner moves the gate within [Floor, Ceiling]. Ceiling defaults to
	// Concurrency.
	Tuner TunerConfig
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 60 * time.Second
	}
	if c.ClaimFor <= 0 {
		c.ClaimFor = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ResponseTTL <= 0 {
		c.ResponseTTL = 15 * time.Minute
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.Tuner.Ceiling <= 0 {
		c.Tuner.Ceiling = c.Concurrency
	}
	return c
}

// finishTimeout is the grace window terminal writes get after the worker
// context is cancelled, so finished attempts are not redone elsewhere.
const finishTimeout = 15 * time.Second

// Worker drains the request queue against a backend. Claimed requests
// retry in process with exponential backoff until they succeed, fail
// permanently, or exhaust their budget and move to the dead letter
// queue. Every terminal outcome stores a response and announces the
// correlation id.
type Worker struct {
	repo    Repository
	backend Backend
	dlq     DeadLetterSink
	bus     Announcer
	gate    *Gate
	tuner   *Tuner
	owner   string
	cfg     WorkerConfig
	active  atomic.Int64
}

func NewWorker(repo Repository, backend Backend, dlq DeadLetterSink, bus Announcer, cfg WorkerConfig) *Worker {
	cfg = cfg.withDefaults()
	gate := NewGate(cfg.Concurrency)
	return &Worker{
		repo:    repo,
		backend: backend,
		dlq:     dlq,
		bus:     bus,
		gate:    gate,
		tuner:   NewTuner(gate, cfg.Tuner),
		owner:   uuid.New().String(),
		cfg:     cfg,
	}
}

// Gate exposes the concurrency gate for observability and tests.
func (w *Worker) Gate() *Gate {
	return w.gate
}

// Run claims and processes requests until ctx is cancelled, then waits
// for in-flight calls to finish. Requests claimed but not finished stay
// in flight and become dispatchable again once their claim expires.
func (w *Worker) Run(ctx context.Context) error {
	log.Info("LLM queue worker started", "owner", w.owner, "concurrency", w.gate.Limit())

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			w.gate.Close()
			wg.Wait()
			log.Info("LLM queue worker stopped", "owner", w.owner)
			return nil
		case <-ticker.C:
			free := w.gate.Limit() - int(w.active.Load())
			if free <= 0 {
				continue
			}
			claimed, err := w.repo.Claim(ctx, w.owner, free, w.cfg.ClaimFor)
			if err != nil {
				log.Error(err, "Failed to claim requests")
				continue
			}
			for _, req := range claimed {
				wg.Add(1)
				w.active.Add(1)
				go func(req *Request) {
					defer wg.Done()
					defer w.active.Add(-1)
					w.process(ctx, req)
				}(req)
			}
		}
	}
}

func (w *Worker) process(ctx context.Context, req *Request) {
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = w.cfg.BackoffInitial
	boff.MaxInterval = w.cfg.BackoffMax
	boff.MaxElapsedTime = 0
	boff.Reset()

	var lastErr error
	for !req.AttemptsExhausted() {
		if !w.gate.Acquire(ctx) {
			// Shutdown while queued for a slot. The claim expires and
			// another worker picks the request up.
			return
		}
		content, err := w.callBackend(ctx, req)
		w.gate.Release()

		if err == nil {
			w.tuner.Observe(OutcomeSuccess)
			w.complete(ctx, req, content)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			w.tuner.Observe(OutcomeTimeout)
		}
		if IsPermanent(err) {
			w.finishTerminal(ctx, req, StatusFailed, fmt.Sprintf("permanent: %v", err), false)
			return
		}

		lastErr = err
		ae := AttemptError{
			Attempt: req.RetryCount + 1,
			Error:   err.Error(),
			At:      time.Now(),
		}
		if rerr := w.repo.RecordFailure(ctx, req.ID, w.owner, ae); rerr != nil {
			log.Error(rerr, "Failed to record attempt failure", "request_id", req.ID)
			return
		}
		req.RetryCount++
		req.ErrorHistory = AppendAttemptError(req.ErrorHistory, ae)

		if req.AttemptsExhausted() {
			break
		}
		log.Debug("Retrying LLM request",
			"request_id", req.ID,
			"attempt", req.RetryCount,
			"error", err.Error(),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(boff.NextBackOff()):
		}
	}

	status := StatusFailed
	msg := "attempt budget exhausted"
	if lastErr != nil {
		msg = fmt.Sprintf("attempt budget exhausted: %v", lastErr)
		if errors.Is(lastErr, context.DeadlineExceeded) {
			status = StatusTimedOut
		}
	} else if hist := req.AttemptHistory(); len(hist) > 0 {
		// Re-claimed after another worker died past the final attempt.
		msg = fmt.Sprintf("attempt budget exhausted: %s", hist[len(hist)-1].Error)
	}
	w.finishTerminal(ctx, req, status, msg, true)
}

func (w *Worker) callBackend(ctx context.Context, req *Request) (string, error) {
	actx, cancel := context.WithTimeout(ctx, w.cfg.AttemptTimeout)
	defer cancel()
	return w.backend.Complete(actx, req.Prompt, req.Parameters)
}

func (w *Worker) complete(ctx context.Context, req *Request, content string) {
	fctx, cancel := w.finishContext(ctx)
	defer cancel()

	if err := w.repo.Complete(fctx, req.ID, w.owner, content, w.cfg.ResponseTTL); err != nil {
		log.Error(err, "Failed to store response", "request_id", req.ID)
		return
	}
	w.announce(req.ID)
	log.Debug("LLM request completed", "request_id", req.ID, "retries", req.RetryCount)
}

func (w *Worker) finishTerminal(ctx context.Context, req *Request, status Status, msg string, deadLetter bool) {
	fctx, cancel := w.finishContext(ctx)
	defer cancel()

	if err := w.repo.FailTerminal(fctx, req.ID, w.owner, status, msg, w.cfg.ResponseTTL); err != nil {
		log.Error(err, "Failed to fail request", "request_id", req.ID, "status", string(status))
		return
	}
	if deadLetter && w.dlq != nil {
		if err := w.dlq.RequestExhausted(fctx, req); err != nil {
			log.Error(err, "Failed to dead letter request", "request_id", req.ID)
		}
	}
	w.announce(req.ID)
	log.Info("LLM request failed",
		"request_id", req.ID,
		"status", string(status),
		"retries", req.RetryCount,
		"error", msg,
	)
}

// finishContext survives worker shutdown for a bounded time so terminal
// writes of already finished attempts still land.
func (w *Worker) finishContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
}

func (w *Worker) announce(id string) {
	if w.bus == nil {
		return
	}
	if err := w.bus.Announce(id); err != nil {
		log.Error(err, "Failed to announce response", "request_id", id)
	}
}

// EncodeParameters is a convenience for callers assembling backend
// parameters from a typed struct.
func EncodeParameters(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parameters: %w", err)
	}
	return raw, nil
}
