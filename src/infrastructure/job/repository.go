package job

import (
	"context"
	"encoding/json"
	"time"
)

// AttemptError records one failed attempt of a job, kept so that a dead
// letter entry can be replayed with its full failure history.
type AttemptError struct {
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// ListFilter narrows List results. Zero values mean "any".
type ListFilter struct {
	Type   Type
	Status Status
	Limit  int
	Offset int
}

// StatusCount is one row of a jobs-by-type-and-status snapshot.
type StatusCount struct {
	Type   Type   `json:"type"`
	Status Status `json:"status"`
	Count  int64  `json:"count"`
}

// Repository is the persistence contract of the scheduler. All mutation
// of lease and status fields goes through its conditional updates; claim
// and recovery must stay atomic under concurrent scheduler instances.
type Repository interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	GetStatus(ctx context.Context, id string) (Status, error)
	List(ctx context.Context, f ListFilter) ([]Job, error)

	// Claim atomically marks up to limit queued jobs of the given type as
	// running under owner, charging one attempt and setting the lease.
	// Rows locked by a concurrent claimer are skipped, never waited on.
	Claim(ctx context.Context, t Type, owner string, limit int, lease time.Duration) ([]*Job, error)

	// ExtendLease is the heartbeat. It fails with ErrLeaseLost when the
	// job is no longer leased by owner.
	ExtendLease(ctx context.Context, id, owner string, lease time.Duration) error

	// RecoverStale requeues expired running/cancelling jobs that still
	// have attempts left and fails the ones that do not. Failed jobs are
	// returned so the caller can dead letter them.
	RecoverStale(ctx context.Context) (requeued int64, exhausted []*Job, err error)

	// RequestCancel moves a job from running to cancelling. It returns
	// ErrNotFound for unknown ids and ErrNotCancellable when the job is
	// in any other state.
	RequestCancel(ctx context.Context, id string) error

	Complete(ctx context.Context, id, owner string, result json.RawMessage) error
	Cancel(ctx context.Context, id, owner string, partial json.RawMessage) error
	Fail(ctx context.Context, id, owner, lastErr string) error

	// ReturnToQueue releases a claimed job for a later retry. lastErr, if
	// non-empty, is appended to the job's attempt history. refundAttempt
	// gives the attempt back when the failure was not the job's fault.
	ReturnToQueue(ctx context.Context, id, owner, lastErr string, refundAttempt bool) error

	CountByTypeStatus(ctx context.Context) ([]StatusCount, error)
	HasActive(ctx context.Context, t Type) (bool, error)
	PurgeTerminal(ctx context.Context, olderThan time.Time, limit int) (int64, error)
}
