package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps jobs in process memory behind one mutex. It
// mirrors the conditional-update semantics of the postgres repository and
// backs the scheduler and handler tests.
type MemoryRepository struct {
	mu   sync.Mutex
	jobs map[string]*Job
	now  func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

// SetNow replaces the repository clock. Tests use it to expire leases
// without sleeping.
func (r *MemoryRepository) SetNow(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryRepository) Create(_ context.Context, j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if j.ID == "" {
		return fmt.Errorf("failed to create job: missing id")
	}
	if _, ok := r.jobs[j.ID]; ok {
		return fmt.Errorf("failed to create job: duplicate id %s", j.ID)
	}
	if j.Status == "" {
		j.Status = StatusQueued
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 3
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = r.now()
	}
	r.jobs[j.ID] = cloneJob(j)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (r *MemoryRepository) GetStatus(_ context.Context, id string) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return "", ErrNotFound
	}
	return j.Status, nil
}

func (r *MemoryRepository) List(_ context.Context, f ListFilter) ([]Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var jobs []Job
	for _, j := range r.jobs {
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		jobs = append(jobs, *cloneJob(j))
	}
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].ID > jobs[b].ID
		}
		return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
	})

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if f.Offset >= len(jobs) {
		return nil, nil
	}
	jobs = jobs[f.Offset:]
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (r *MemoryRepository) Claim(_ context.Context, t Type, owner string, limit int, lease time.Duration) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var eligible []*Job
	for _, j := range r.jobs {
		if j.Type == t && j.Status == StatusQueued && !j.AttemptsExhausted() {
			eligible = append(eligible, j)
		}
	}
	sort.Slice(eligible, func(a, b int) bool {
		if eligible[a].CreatedAt.Equal(eligible[b].CreatedAt) {
			return eligible[a].ID < eligible[b].ID
		}
		return eligible[a].CreatedAt.Before(eligible[b].CreatedAt)
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	now := r.now()
	var claimed []*Job
	for _, j := range eligible {
		expires := now.Add(lease)
		ownerCopy := owner
		j.Status = StatusRunning
		j.LeaseOwner = &ownerCopy
		j.LeaseExpiresAt = &expires
		j.AttemptCount++
		if j.StartedAt == nil {
			started := now
			j.StartedAt = &started
		}
		claimed = append(claimed, cloneJob(j))
	}
	return claimed, nil
}

func (r *MemoryRepository) ExtendLease(_ context.Context, id, owner string, lease time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || !leasedBy(j, owner) {
		return ErrLeaseLost
	}
	expires := r.now().Add(lease)
	j.LeaseExpiresAt = &expires
	return nil
}

func (r *MemoryRepository) RecoverStale(_ context.Context) (int64, []*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var stale []*Job
	for _, j := range r.jobs {
		if (j.Status == StatusRunning || j.Status == StatusCancelling) &&
			j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now) {
			stale = append(stale, j)
		}
	}
	sort.Slice(stale, func(a, b int) bool {
		return stale[a].CreatedAt.Before(stale[b].CreatedAt)
	})

	var requeued int64
	var exhausted []*Job
	for _, j := range stale {
		if j.AttemptsExhausted() {
			j.AttemptErrors = AppendAttemptError(j.AttemptErrors, AttemptError{
				Attempt: j.AttemptCount,
				Error:   "lease expired without heartbeat",
				At:      now,
			})
			errStr := fmt.Sprintf("attempt %d/%d: lease expired without heartbeat", j.AttemptCount, j.MaxAttempts)
			completed := now
			j.Status = StatusFailed
			j.Error = &errStr
			j.CompletedAt = &completed
			j.LeaseOwner = nil
			j.LeaseExpiresAt = nil
			exhausted = append(exhausted, cloneJob(j))
			continue
		}
		j.Status = StatusQueued
		j.LeaseOwner = nil
		j.LeaseExpiresAt = nil
		requeued++
	}
	return requeued, exhausted, nil
}

func (r *MemoryRepository) RequestCancel(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != StatusRunning {
		return ErrNotCancellable
	}
	j.Status = StatusCancelling
	return nil
}

func (r *MemoryRepository) Complete(_ context.Context, id, owner string, result json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || !leasedBy(j, owner) {
		return ErrLeaseLost
	}
	completed := r.now()
	j.Status = StatusCompleted
	j.Result = append(json.RawMessage(nil), result...)
	j.CompletedAt = &completed
	j.LeaseOwner = nil
	j.LeaseExpiresAt = nil
	return nil
}

func (r *MemoryRepository) Cancel(_ context.Context, id, owner string, partial json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || j.Status != StatusCancelling || !leasedBy(j, owner) {
		return ErrLeaseLost
	}
	completed := r.now()
	j.Status = StatusCancelled
	j.Result = append(json.RawMessage(nil), partial...)
	j.CompletedAt = &completed
	j.LeaseOwner = nil
	j.LeaseExpiresAt = nil
	return nil
}

func (r *MemoryRepository) Fail(_ context.Context, id, owner, lastErr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || !leasedBy(j, owner) {
		return ErrLeaseLost
	}
	now := r.now()
	j.AttemptErrors = AppendAttemptError(j.AttemptErrors, AttemptError{
		Attempt: j.AttemptCount,
		Error:   lastErr,
		At:      now,
	})
	errStr := fmt.Sprintf("attempt %d/%d: %s", j.AttemptCount, j.MaxAttempts, lastErr)
	j.Status = StatusFailed
	j.Error = &errStr
	j.CompletedAt = &now
	j.LeaseOwner = nil
	j.LeaseExpiresAt = nil
	return nil
}

func (r *MemoryRepository) ReturnToQueue(_ context.Context, id, owner, lastErr string, refundAttempt bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || !leasedBy(j, owner) {
		return ErrLeaseLost
	}
	if lastErr != "" {
		j.AttemptErrors = AppendAttemptError(j.AttemptErrors, AttemptError{
			Attempt: j.AttemptCount,
			Error:   lastErr,
			At:      r.now(),
		})
	}
	if refundAttempt && j.AttemptCount > 0 {
		j.AttemptCount--
	}
	j.Status = StatusQueued
	j.LeaseOwner = nil
	j.LeaseExpiresAt = nil
	return nil
}

func (r *MemoryRepository) CountByTypeStatus(_ context.Context) ([]StatusCount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byKey := make(map[Type]map[Status]int64)
	for _, j := range r.jobs {
		if byKey[j.Type] == nil {
			byKey[j.Type] = make(map[Status]int64)
		}
		byKey[j.Type][j.Status]++
	}

	var counts []StatusCount
	for t, statuses := range byKey {
		for s, n := range statuses {
			counts = append(counts, StatusCount{Type: t, Status: s, Count: n})
		}
	}
	sort.Slice(counts, func(a, b int) bool {
		if counts[a].Type == counts[b].Type {
			return counts[a].Status < counts[b].Status
		}
		return counts[a].Type < counts[b].Type
	})
	return counts, nil
}

func (r *MemoryRepository) HasActive(_ context.Context, t Type) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, j := range r.jobs {
		if j.Type == t && !j.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepository) PurgeTerminal(_ context.Context, olderThan time.Time, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 500
	}
	var purged int64
	for id, j := range r.jobs {
		if purged >= int64(limit) {
			break
		}
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(olderThan) {
			delete(r.jobs, id)
			purged++
		}
	}
	return purged, nil
}

func leasedBy(j *Job, owner string) bool {
	if j.Status != StatusRunning && j.Status != StatusCancelling {
		return false
	}
	return j.LeaseOwner != nil && *j.LeaseOwner == owner
}

func cloneJob(j *Job) *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	c.Result = append(json.RawMessage(nil), j.Result...)
	c.AttemptErrors = append(json.RawMessage(nil), j.AttemptErrors...)
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.LeaseOwner != nil {
		o := *j.LeaseOwner
		c.LeaseOwner = &o
	}
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
