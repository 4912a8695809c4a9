package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// PostgresRepository persists jobs with gorm. Claim and recovery rely on
// row locks with SKIP LOCKED so concurrent scheduler instances never
// block each other or hand out the same job twice.
type PostgresRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewPostgresRepository(db *gorm.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

// Migrate creates or updates the jobs table.
func (r *PostgresRepository) Migrate() error {
	return r.db.AutoMigrate(&Job{})
}

func (r *PostgresRepository) Create(ctx context.Context, j *Job) error {
	if j.Status == "" {
		j.Status = StatusQueued
	}
	result := r.db.WithContext(ctx).Create(j)
	if result.Error != nil {
		return fmt.Errorf("failed to create job: %w", result.Error)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	result := r.db.WithContext(ctx).First(&j, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", result.Error)
	}
	return &j, nil
}

func (r *PostgresRepository) GetStatus(ctx context.Context, id string) (Status, error) {
	var j Job
	result := r.db.WithContext(ctx).Select("status").First(&j, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get job status: %w", result.Error)
	}
	return j.Status, nil
}

func (r *PostgresRepository) List(ctx context.Context, f ListFilter) ([]Job, error) {
	q := r.db.WithContext(ctx).Model(&Job{})
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var jobs []Job
	result := q.Order("created_at DESC").Limit(limit).Offset(f.Offset).Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", result.Error)
	}
	return jobs, nil
}

func (r *PostgresRepository) Claim(ctx context.Context, t Type, owner string, limit int, lease time.Duration) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := r.now()
	var claimed []*Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Raw(`
			SELECT id FROM jobs
			WHERE type = ? AND status = ? AND attempt_count < max_attempts
			ORDER BY created_at
			LIMIT ?
			FOR UPDATE SKIP LOCKED`,
			t, StatusQueued, limit,
		).Scan(&ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		updates := map[string]interface{}{
			"status":           StatusRunning,
			"lease_owner":      owner,
			"lease_expires_at": now.Add(lease),
			"attempt_count":    gorm.Expr("attempt_count + 1"),
			"started_at":       gorm.Expr("COALESCE(started_at, ?)", now),
		}
		if err := tx.Model(&Job{}).Where("id IN ?", ids).Updates(updates).Error; err != nil {
			return err
		}

		var jobs []Job
		if err := tx.Where("id IN ?", ids).Order("created_at").Find(&jobs).Error; err != nil {
			return err
		}
		for i := range jobs {
			claimed = append(claimed, &jobs[i])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim %s jobs: %w", t, err)
	}
	return claimed, nil
}

func (r *PostgresRepository) ExtendLease(ctx context.Context, id, owner string, lease time.Duration) error {
	result := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND lease_owner = ? AND status IN ?", id, owner, []Status{StatusRunning, StatusCancelling}).
		Update("lease_expires_at", r.now().Add(lease))
	if result.Error != nil {
		return fmt.Errorf("failed to extend lease: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *PostgresRepository) RecoverStale(ctx context.Context) (int64, []*Job, error) {
	now := r.now()
	var requeued int64
	var exhausted []*Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale []Job
		if err := tx.Raw(`
			SELECT * FROM jobs
			WHERE status IN (?, ?) AND lease_expires_at < ?
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED`,
			StatusRunning, StatusCancelling, now,
		).Scan(&stale).Error; err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}

		var requeueIDs []string
		for i := range stale {
			j := &stale[i]
			if j.AttemptsExhausted() {
				history := AppendAttemptError(j.AttemptErrors, AttemptError{
					Attempt: j.AttemptCount,
					Error:   "lease expired without heartbeat",
					At:      now,
				})
				errStr := fmt.Sprintf("attempt %d/%d: lease expired without heartbeat", j.AttemptCount, j.MaxAttempts)
				updates := map[string]interface{}{
					"status":           StatusFailed,
					"error":            errStr,
					"attempt_errors":   history,
					"completed_at":     now,
					"lease_owner":      nil,
					"lease_expires_at": nil,
				}
				if err := tx.Model(&Job{}).Where("id = ?", j.ID).Updates(updates).Error; err != nil {
					return err
				}
				j.Status = StatusFailed
				j.Error = &errStr
				j.AttemptErrors = history
				exhausted = append(exhausted, j)
				continue
			}
			requeueIDs = append(requeueIDs, j.ID)
		}

		if len(requeueIDs) > 0 {
			result := tx.Model(&Job{}).Where("id IN ?", requeueIDs).Updates(map[string]interface{}{
				"status":           StatusQueued,
				"lease_owner":      nil,
				"lease_expires_at": nil,
			})
			if result.Error != nil {
				return result.Error
			}
			requeued = result.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to recover stale jobs: %w", err)
	}
	return requeued, exhausted, nil
}

func (r *PostgresRepository) RequestCancel(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, StatusRunning).
		Update("status", StatusCancelling)
	if result.Error != nil {
		return fmt.Errorf("failed to request cancel: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotCancellable
	}
	return nil
}

func (r *PostgresRepository) Complete(ctx context.Context, id, owner string, result json.RawMessage) error {
	return r.finish(ctx, id, owner, map[string]interface{}{
		"status":           StatusCompleted,
		"result":           result,
		"completed_at":     r.now(),
		"lease_owner":      nil,
		"lease_expires_at": nil,
	}, []Status{StatusRunning, StatusCancelling})
}

func (r *PostgresRepository) Cancel(ctx context.Context, id, owner string, partial json.RawMessage) error {
	return r.finish(ctx, id, owner, map[string]interface{}{
		"status":           StatusCancelled,
		"result":           partial,
		"completed_at":     r.now(),
		"lease_owner":      nil,
		"lease_expires_at": nil,
	}, []Status{StatusCancelling})
}

func (r *PostgresRepository) Fail(ctx context.Context, id, owner, lastErr string) error {
	now := r.now()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j Job
		err := tx.Raw(`
			SELECT * FROM jobs
			WHERE id = ? AND lease_owner = ? AND status IN (?, ?)
			FOR UPDATE`,
			id, owner, StatusRunning, StatusCancelling,
		).Scan(&j).Error
		if err != nil {
			return fmt.Errorf("failed to load job for failure: %w", err)
		}
		if j.ID == "" {
			return ErrLeaseLost
		}

		history := AppendAttemptError(j.AttemptErrors, AttemptError{
			Attempt: j.AttemptCount,
			Error:   lastErr,
			At:      now,
		})
		updates := map[string]interface{}{
			"status":           StatusFailed,
			"error":            fmt.Sprintf("attempt %d/%d: %s", j.AttemptCount, j.MaxAttempts, lastErr),
			"attempt_errors":   history,
			"completed_at":     now,
			"lease_owner":      nil,
			"lease_expires_at": nil,
		}
		if err := tx.Model(&Job{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to fail job: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) ReturnToQueue(ctx context.Context, id, owner, lastErr string, refundAttempt bool) error {
	now := r.now()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j Job
		err := tx.Raw(`
			SELECT * FROM jobs
			WHERE id = ? AND lease_owner = ? AND status IN (?, ?)
			FOR UPDATE`,
			id, owner, StatusRunning, StatusCancelling,
		).Scan(&j).Error
		if err != nil {
			return fmt.Errorf("failed to load job for requeue: %w", err)
		}
		if j.ID == "" {
			return ErrLeaseLost
		}

		updates := map[string]interface{}{
			"status":           StatusQueued,
			"lease_owner":      nil,
			"lease_expires_at": nil,
		}
		if lastErr != "" {
			updates["attempt_errors"] = AppendAttemptError(j.AttemptErrors, AttemptError{
				Attempt: j.AttemptCount,
				Error:   lastErr,
				At:      now,
			})
		}
		if refundAttempt {
			updates["attempt_count"] = gorm.Expr("GREATEST(attempt_count - 1, 0)")
		}
		if err := tx.Model(&Job{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to requeue job: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) CountByTypeStatus(ctx context.Context) ([]StatusCount, error) {
	var counts []StatusCount
	result := r.db.WithContext(ctx).Model(&Job{}).
		Select("type, status, count(*) as count").
		Group("type").Group("status").
		Scan(&counts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", result.Error)
	}
	return counts, nil
}

func (r *PostgresRepository) HasActive(ctx context.Context, t Type) (bool, error) {
	var n int64
	result := r.db.WithContext(ctx).Model(&Job{}).
		Where("type = ? AND status IN ?", t, []Status{StatusQueued, StatusRunning, StatusCancelling}).
		Count(&n)
	if result.Error != nil {
		return false, fmt.Errorf("failed to count active jobs: %w", result.Error)
	}
	return n > 0, nil
}

func (r *PostgresRepository) PurgeTerminal(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	result := r.db.WithContext(ctx).Exec(`
		DELETE FROM jobs WHERE id IN (
			SELECT id FROM jobs
			WHERE status IN (?, ?, ?) AND completed_at < ?
			LIMIT ?
		)`,
		StatusCompleted, StatusFailed, StatusCancelled, olderThan, limit,
	)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge terminal jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (r *PostgresRepository) finish(ctx context.Context, id, owner string, updates map[string]interface{}, from []Status) error {
	result := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND lease_owner = ? AND status IN ?", id, owner, from).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to finish job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}
