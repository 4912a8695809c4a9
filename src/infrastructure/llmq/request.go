package llmq

import (
	"encoding/json"
	"time"
)

// Status defines the lifecycle state of an asynchronous LLM request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
	StatusTimedOut  Status = "timed_out"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final. Terminal fields are
// immutable once written.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusTimedOut, StatusFailed:
		return true
	}
	return false
}

// AttemptError records one failed backend call of a request, kept so a
// dead letter entry carries the full failure history.
type AttemptError struct {
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// StatusCount is one row of a requests-by-status snapshot.
type StatusCount struct {
	Status Status `json:"status"`
	Count  int64  `json:"count"`
}

// Request is one asynchronous LLM call. The id doubles as the
// correlation id on the notification bus. Claim fields are owned by the
// worker; producers only ever create pending requests and read terminal
// state back through the response.
type Request struct {
	ID             string          `gorm:"primaryKey;size:36" json:"id"`
	Prompt         string          `gorm:"type:text;not null" json:"prompt"`
	Parameters     json.RawMessage `gorm:"type:jsonb" json:"parameters,omitempty"`
	Status         Status          `gorm:"not null;size:16;index:idx_llm_requests_claim,priority:1" json:"status"`
	ErrorHistory   json.RawMessage `gorm:"type:jsonb" json:"error_history,omitempty"`
	RetryCount     int             `gorm:"not null;default:0" json:"retry_count"`
	MaxAttempts    int             `gorm:"not null;default:3" json:"max_attempts"`
	ClaimOwner     *string         `gorm:"size:64" json:"claim_owner,omitempty"`
	ClaimExpiresAt *time.Time      `gorm:"index:idx_llm_requests_claim,priority:2" json:"claim_expires_at,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

func (Request) TableName() string {
	return "llm_requests"
}

// AttemptsExhausted reports whether the request has no retries left.
// RetryCount counts failed attempts, so a fresh request has 0.
func (r *Request) AttemptsExhausted() bool {
	return r.RetryCount >= r.MaxAttempts
}

// AttemptHistory decodes the recorded attempt failures, oldest first. A
// corrupt history decodes to nil rather than failing the caller.
func (r *Request) AttemptHistory() []AttemptError {
	if len(r.ErrorHistory) == 0 {
		return nil
	}
	var hist []AttemptError
	if err := json.Unmarshal(r.ErrorHistory, &hist); err != nil {
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

// Response is the stored outcome of a terminal request. Rows are kept
// until expires_at so that slow waiters can still pick them up; the
// cleanup job removes them afterwards. Waiters never re-read the request
// row, the response carries the terminal status and error itself.
type Response struct {
	RequestID string    `gorm:"primaryKey;size:36" json:"request_id"`
	Status    Status    `gorm:"not null;size:16" json:"status"`
	Content   string    `gorm:"type:text" json:"content,omitempty"`
	Error     *string   `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
}

func (Response) TableName() string {
	return "llm_responses"
}
