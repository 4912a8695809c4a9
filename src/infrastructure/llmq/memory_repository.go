package llmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps requests and responses in process memory behind
// one mutex. It mirrors the conditional-update semantics of the postgres
// repository and backs the worker and waiter tests.
type MemoryRepository struct {
	mu        sync.Mutex
	requests  map[string]*Request
	responses map[string]*Response
	now       func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		requests:  make(map[string]*Request),
		responses: make(map[string]*Response),
		now:       time.Now,
	}
}

// SetNow replaces the repository clock. Tests use it to expire claims
// and responses without sleeping.
func (r *MemoryRepository) SetNow(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryRepository) Create(_ context.Context, req *Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if req.ID == "" {
		return fmt.Errorf("failed to create request: missing id")
	}
	if _, ok := r.requests[req.ID]; ok {
		return fmt.Errorf("failed to create request: duplicate id %s", req.ID)
	}
	if req.Status == "" {
		req.Status = StatusPending
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = 3
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = r.now()
	}
	r.requests[req.ID] = cloneRequest(req)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(req), nil
}

func (r *MemoryRepository) GetResponse(_ context.Context, id string) (*Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	resp, ok := r.responses[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *resp
	if resp.Error != nil {
		e := *resp.Error
		c.Error = &e
	}
	return &c, nil
}

func (r *MemoryRepository) Claim(_ context.Context, owner string, limit int, claimFor time.Duration) ([]*Request, error) {
	if limit <= 0 {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var eligible []*Request
	for _, req := range r.requests {
		if dispatchable(req, now) {
			eligible = append(eligible, req)
		}
	}
	sort.Slice(eligible, func(a, b int) bool {
		if eligible[a].EnqueuedAt.Equal(eligible[b].EnqueuedAt) {
			return eligible[a].ID < eligible[b].ID
		}
		return eligible[a].EnqueuedAt.Before(eligible[b].EnqueuedAt)
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	var claimed []*Request
	for _, req := range eligible {
		expires := now.Add(claimFor)
		ownerCopy := owner
		req.Status = StatusInFlight
		req.ClaimOwner = &ownerCopy
		req.ClaimExpiresAt = &expires
		if req.StartedAt == nil {
			started := now
			req.StartedAt = &started
		}
		claimed = append(claimed, cloneRequest(req))
	}
	return claimed, nil
}

func (r *MemoryRepository) RecordFailure(_ context.Context, id, owner string, ae AttemptError) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[id]
	if !ok || !claimedBy(req, owner) {
		return ErrClaimLost
	}
	req.RetryCount++
	req.ErrorHistory = AppendAttemptError(req.ErrorHistory, ae)
	return nil
}

func (r *MemoryRepository) Complete(_ context.Context, id, owner, content string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[id]
	if !ok || !claimedBy(req, owner) {
		return ErrClaimLost
	}
	now := r.now()
	req.Status = StatusCompleted
	req.CompletedAt = &now
	req.ClaimOwner = nil
	req.ClaimExpiresAt = nil
	r.responses[id] = &Response{
		RequestID: id,
		Status:    StatusCompleted,
		Content:   content,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	return nil
}

func (r *MemoryRepository) FailTerminal(_ context.Context, id, owner string, status Status, errMsg string, ttl time.Duration) error {
	if !status.Terminal() {
		return fmt.Errorf("failed to finish request: %s is not terminal", status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[id]
	if !ok || !claimedBy(req, owner) {
		return ErrClaimLost
	}
	now := r.now()
	req.Status = status
	req.CompletedAt = &now
	req.ClaimOwner = nil
	req.ClaimExpiresAt = nil
	errCopy := errMsg
	r.responses[id] = &Response{
		RequestID: id,
		Status:    status,
		Error:     &errCopy,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	return nil
}

func (r *MemoryRepository) DeleteExpiredResponses(_ context.Context, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 500
	}
	now := r.now()
	var deleted int64
	for id, resp := range r.responses {
		if deleted >= int64(limit) {
			break
		}
		if !resp.ExpiresAt.After(now) {
			delete(r.responses, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *MemoryRepository) PurgeTerminal(_ context.Context, olderThan time.Time, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 500
	}
	var purged int64
	for id, req := range r.requests {
		if purged >= int64(limit) {
			break
		}
		if req.Status.Terminal() && req.CompletedAt != nil && req.CompletedAt.Before(olderThan) {
			delete(r.requests, id)
			delete(r.responses, id)
			purged++
		}
	}
	return purged, nil
}

func (r *MemoryRepository) CountByStatus(_ context.Context) ([]StatusCount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byStatus := make(map[Status]int64)
	for _, req := range r.requests {
		byStatus[req.Status]++
	}

	var counts []StatusCount
	for s, n := range byStatus {
		counts = append(counts, StatusCount{Status: s, Count: n})
	}
	sort.Slice(counts, func(a, b int) bool {
		return counts[a].Status < counts[b].Status
	})
	return counts, nil
}

func dispatchable(req *Request, now time.Time) bool {
	if req.Status == StatusPending {
		return true
	}
	return req.Status == StatusInFlight &&
		req.ClaimExpiresAt != nil && req.ClaimExpiresAt.Before(now)
}

func claimedBy(req *Request, owner string) bool {
	if req.Status != StatusInFlight {
		return false
	}
	return req.ClaimOwner != nil && *req.ClaimOwner == owner
}

func cloneRequest(req *Request) *Request {
	c := *req
	c.Parameters = append(json.RawMessage(nil), req.Parameters...)
	c.ErrorHistory = append(json.RawMessage(nil), req.ErrorHistory...)
	if req.ClaimOwner != nil {
		o := *req.ClaimOwner
		c.ClaimOwner = &o
	}
	if req.ClaimExpiresAt != nil {
		t := *req.ClaimExpiresAt
		c.ClaimExpiresAt = &t
	}
	if req.StartedAt != nil {
		t := *req.StartedAt
		c.StartedAt = &t
	}
	if req.CompletedAt != nil {
		t := *req.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
