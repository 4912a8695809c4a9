package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// SourceKind tags which queue a dead letter came from.
type SourceKind string

const (
	SourceLLMRequest     SourceKind = "llm_request"
	SourceAcquisitionJob SourceKind = "acquisition_job"
)

// Item is one dead letter. OriginalPayload holds everything needed to
// resubmit the work as fresh; ErrorHistory and Attempts preserve why it
// ended up here.
type Item struct {
	ID              int64           `gorm:"primaryKey" json:"id"`
	SourceKind      SourceKind      `gorm:"not null;size:32;index" json:"source_kind"`
	SourceID        string          `gorm:"size:36;index" json:"source_id"`
	OriginalPayload json.RawMessage `gorm:"type:jsonb" json:"original_payload"`
	ErrorHistory    json.RawMessage `gorm:"type:jsonb" json:"error_history,omitempty"`
	Attempts        int             `gorm:"not null;default:0" json:"attempts"`
	CreatedAt       time.Time       `json:"created_at"`
}

func (Item) TableName() string {
	return "dead_letters"
}

// KindCount is one row of a dead-letters-by-kind snapshot.
type KindCount struct {
	SourceKind SourceKind `json:"source_kind"`
	Count      int64      `json:"count"`
}

// ErrNotFound is returned when no dead letter exists for the given id,
// including when a concurrent requeue already popped it.
var ErrNotFound = errors.New("dead letter not found")

// Store is the persistence contract of the dead letter queue. Pop must
// be atomic: concurrent requeues of the same item hand it to exactly one
// caller.
type Store interface {
	Push(ctx context.Context, item *Item) error
	Get(ctx context.Context, id int64) (*Item, error)

	// List returns dead letters oldest first, optionally narrowed to one
	// kind, so operators replay in arrival order.
	List(ctx context.Context, kind SourceKind, limit, offset int) ([]Item, error)

	// Pop removes the item and returns it. Exactly one concurrent caller
	// wins; the rest get ErrNotFound.
	Pop(ctx context.Context, id int64) (*Item, error)

	Delete(ctx context.Context, id int64) error
	CountByKind(ctx context.Context) ([]KindCount, error)
}
