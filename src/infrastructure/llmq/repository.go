package llmq

import (
	"context"
	"time"
)

// Repository is the persistence contract of the request queue. All
// mutation of claim and status fields goes through its conditional
// updates; claims and terminal writes must stay atomic under concurrent
// worker instances.
type Repository interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)

	// GetResponse returns the stored outcome of a terminal request, or
	// ErrNotFound while the request is still running or after the
	// response expired.
	GetResponse(ctx context.Context, id string) (*Response, error)

	// Claim atomically marks up to limit dispatchable requests as in
	// flight under owner. A request is dispatchable when pending, or
	// when in flight with an expired claim left behind by a dead worker.
	// Rows locked by a concurrent claimer are skipped, never waited on.
	Claim(ctx context.Context, owner string, limit int, claimFor time.Duration) ([]*Request, error)

	// RecordFailure charges one retry and appends the failure to the
	// request's error history while keeping the claim.
	RecordFailure(ctx context.Context, id, owner string, ae AttemptError) error

	// Complete finishes the request and stores its response in one
	// atomic step. The response row expires after ttl.
	Complete(ctx context.Context, id, owner, content string, ttl time.Duration) error

	// FailTerminal finishes the request in the given terminal status and
	// stores an error response, so waiters fail fast instead of running
	// into their overall timeout.
	FailTerminal(ctx context.Context, id, owner string, status Status, errMsg string, ttl time.Duration) error

	DeleteExpiredResponses(ctx context.Context, limit int) (int64, error)
	PurgeTerminal(ctx context.Context, olderThan time.Time, limit int) (int64, error)
	CountByStatus(ctx context.Context) ([]StatusCount, error)
}
