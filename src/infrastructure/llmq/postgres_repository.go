package llmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// PostgresRepository persists requests and responses with gorm. Claims
// rely on row locks with SKIP LOCKED so concurrent worker instances never
// block each other or hand out the same request twice.
type PostgresRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewPostgresRepository(db *gorm.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

// Migrate creates or updates the request and response tables.
func (r *PostgresRepository) Migrate() error {
	return r.db.AutoMigrate(&Request{}, &Response{})
}

func (r *PostgresRepository) Create(ctx context.Context, req *Request) error {
	if req.Status == "" {
		req.Status = StatusPending
	}
	result := r.db.WithContext(ctx).Create(req)
	if result.Error != nil {
		return fmt.Errorf("failed to create request: %w", result.Error)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Request, error) {
	var req Request
	result := r.db.WithContext(ctx).First(&req, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get request: %w", result.Error)
	}
	return &req, nil
}

func (r *PostgresRepository) GetResponse(ctx context.Context, id string) (*Response, error) {
	var resp Response
	result := r.db.WithContext(ctx).First(&resp, "request_id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get response: %w", result.Error)
	}
	return &resp, nil
}

func (r *PostgresRepository) Claim(ctx context.Context, owner string, limit int, claimFor time.Duration) ([]*Request, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := r.now()
	var claimed []*Request
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Raw(`
			SELECT id FROM llm_requests
			WHERE status = ? OR (status = ? AND claim_expires_at < ?)
			ORDER BY enqueued_at
			LIMIT ?
			FOR UPDATE SKIP LOCKED`,
			StatusPending, StatusInFlight, now, limit,
		).Scan(&ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		updates := map[string]interface{}{
			"status":           StatusInFlight,
			"claim_owner":      owner,
			"claim_expires_at": now.Add(claimFor),
			"started_at":       gorm.Expr("COALESCE(started_at, ?)", now),
		}
		if err := tx.Model(&Request{}).Where("id IN ?", ids).Updates(updates).Error; err != nil {
			return err
		}

		var requests []Request
		if err := tx.Where("id IN ?", ids).Order("enqueued_at").Find(&requests).Error; err != nil {
			return err
		}
		for i := range requests {
			claimed = append(claimed, &requests[i])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim requests: %w", err)
	}
	return claimed, nil
}

func (r *PostgresRepository) RecordFailure(ctx context.Context, id, owner string, ae AttemptError) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req Request
		err := tx.Raw(`
			SELECT * FROM llm_requests
			WHERE id = ? AND claim_owner = ? AND status = ?
			FOR UPDATE`,
			id, owner, StatusInFlight,
		).Scan(&req).Error
		if err != nil {
			return fmt.Errorf("failed to load request for failure: %w", err)
		}
		if req.ID == "" {
			return ErrClaimLost
		}

		updates := map[string]interface{}{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"error_history": AppendAttemptError(req.ErrorHistory, ae),
		}
		if err := tx.Model(&Request{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to record attempt failure: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) Complete(ctx context.Context, id, owner, content string, ttl time.Duration) error {
	now := r.now()
	return r.finish(ctx, id, owner, map[string]interface{}{
		"status":           StatusCompleted,
		"completed_at":     now,
		"claim_owner":      nil,
		"claim_expires_at": nil,
	}, &Response{
		RequestID: id,
		Status:    StatusCompleted,
		Content:   content,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
}

func (r *PostgresRepository) FailTerminal(ctx context.Context, id, owner string, status Status, errMsg string, ttl time.Duration) error {
	if !status.Terminal() {
		return fmt.Errorf("failed to finish request: %s is not terminal", status)
	}
	now := r.now()
	return r.finish(ctx, id, owner, map[string]interface{}{
		"status":           status,
		"completed_at":     now,
		"claim_owner":      nil,
		"claim_expires_at": nil,
	}, &Response{
		RequestID: id,
		Status:    status,
		Error:     &errMsg,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
}

func (r *PostgresRepository) DeleteExpiredResponses(ctx context.Context, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	result := r.db.WithContext(ctx).Exec(`
		DELETE FROM llm_responses WHERE request_id IN (
			SELECT request_id FROM llm_responses
			WHERE expires_at <= ?
			LIMIT ?
		)`,
		r.now(), limit,
	)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete expired responses: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *PostgresRepository) PurgeTerminal(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	var purged int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Raw(`
			SELECT id FROM llm_requests
			WHERE status IN (?, ?, ?) AND completed_at < ?
			LIMIT ?`,
			StatusCompleted, StatusTimedOut, StatusFailed, olderThan, limit,
		).Scan(&ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if err := tx.Where("request_id IN ?", ids).Delete(&Response{}).Error; err != nil {
			return err
		}
		result := tx.Where("id IN ?", ids).Delete(&Request{})
		if result.Error != nil {
			return result.Error
		}
		purged = result.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal requests: %w", err)
	}
	return purged, nil
}

func (r *PostgresRepository) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	var counts []StatusCount
	result := r.db.WithContext(ctx).Model(&Request{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&counts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to count requests: %w", result.Error)
	}
	return counts, nil
}

// finish applies the terminal update and stores the response in one
// transaction. The conditional update keeps a late worker whose claim
// was re-issued from overwriting the new owner's outcome.
func (r *PostgresRepository) finish(ctx context.Context, id, owner string, updates map[string]interface{}, resp *Response) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Request{}).
			Where("id = ? AND claim_owner = ? AND status = ?", id, owner, StatusInFlight).
			Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("failed to finish request: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrClaimLost
		}
		if err := tx.Create(resp).Error; err != nil {
			return fmt.Errorf("failed to store response: %w", err)
		}
		return nil
	})
}
