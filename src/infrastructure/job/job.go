package job

import (
	"encoding/json"
	"time"
)

// Status defines the lifecycle state of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is final. Terminal fields are
// immutable once written.
func (s Status) Terminal() bool {
	switch s {
	case StatusCancelled, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Type determines which worker pool consumes the job.
type Type string

const (
	TypeAcquisition Type = "acquisition"
	TypeCrawl       Type = "crawl"
	TypeExtraction  Type = "extraction"
	TypeCleanup     Type = "cleanup"
)

// Types lists every job type a pool can be registered for.
func Types() []Type {
	return []Type{TypeAcquisition, TypeCrawl, TypeExtraction, TypeCleanup}
}

// Valid reports whether t is a known job type.
func (t Type) Valid() bool {
	switch t {
	case TypeAcquisition, TypeCrawl, TypeExtraction, TypeCleanup:
		return true
	}
	return false
}

// Job represents one unit of background work. Lease fields are owned by
// the scheduler; producers only ever create jobs in queued state and read
// terminal state back.
type Job struct {
	ID             string          `gorm:"primaryKey;size:36" json:"id"`
	Type           Type            `gorm:"not null;size:32;index:idx_jobs_claim,priority:2" json:"type"`
	Status         Status          `gorm:"not null;size:16;index:idx_jobs_claim,priority:1" json:"status"`
	Payload        json.RawMessage `gorm:"type:jsonb" json:"payload"`
	Result         json.RawMessage `gorm:"type:jsonb" json:"result,omitempty"`
	Error          *string         `json:"error,omitempty"`
	AttemptErrors  json.RawMessage `gorm:"type:jsonb" json:"attempt_errors,omitempty"`
	LeaseOwner     *string         `gorm:"size:64" json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time      `gorm:"index" json:"lease_expires_at,omitempty"`
	AttemptCount   int             `gorm:"not null;default:0" json:"attempt_count"`
	MaxAttempts    int             `gorm:"not null;default:3" json:"max_attempts"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

func (Job) TableName() string {
	return "jobs"
}

// AttemptsExhausted reports whether the job has no claim attempts left.
func (j *Job) AttemptsExhausted() bool {
	return j.AttemptCount >= j.MaxAttempts
}

// AttemptHistory decodes the job's recorded attempt failures, oldest
// first. A corrupt history decodes to nil rather than failing the caller.
func (j *Job) AttemptHistory() []AttemptError {
	if len(j.AttemptErrors) == 0 {
		return nil
	}
	var hist []AttemptError
	if err := json.Unmarshal(j.AttemptErrors, &hist); err != nil {
		return nil
	}
	return hist
}

// AppendAttemptError appends one failure to a serialized attempt history.
func AppendAttemptError(raw json.RawMessage, ae AttemptError) json.RawMessage {
	var hist []AttemptError
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &hist)
	}
	hist = append(hist, ae)
	out, err := json.Marshal(hist)
	if err != nil {
		return raw
	}
	return out
}
