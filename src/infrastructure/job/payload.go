package job

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Payload is the typed content of a job, one variant per job type.
// Producers enqueue concrete variants; executors decode only their own.
type Payload interface {
	JobType() Type
	Validate() error
}

// AcquisitionPayload fetches a single document and prepares it for
// extraction.
type AcquisitionPayload struct {
	SourceURL string `json:"source_url"`
	ProjectID string `json:"project_id"`
	Profile   string `json:"profile,omitempty"`
}

func (AcquisitionPayload) JobType() Type { return TypeAcquisition }

func (p AcquisitionPayload) Validate() error {
	if p.SourceURL == "" {
		return errors.New("source_url is required")
	}
	return nil
}

// CrawlPayload walks a listing page and enqueues one acquisition job per
// discovered document.
type CrawlPayload struct {
	ListURL   string `json:"list_url"`
	ProjectID string `json:"project_id"`
	Profile   string `json:"profile,omitempty"`
	MaxPages  int    `json:"max_pages,omitempty"`
}

func (CrawlPayload) JobType() Type { return TypeCrawl }

func (p CrawlPayload) Validate() error {
	if p.ListURL == "" {
		return errors.New("list_url is required")
	}
	if p.MaxPages < 0 {
		return errors.New("max_pages must not be negative")
	}
	return nil
}

// ExtractionPayload runs structured extraction over every unit of an
// acquired document.
type ExtractionPayload struct {
	DocumentID int64  `json:"document_id"`
	ProjectID  string `json:"project_id"`
	Profile    string `json:"profile,omitempty"`
}

func (ExtractionPayload) JobType() Type { return TypeExtraction }

func (p ExtractionPayload) Validate() error {
	if p.DocumentID == 0 {
		return errors.New("document_id is required")
	}
	return nil
}

// CleanupPayload purges expired responses and old terminal records.
type CleanupPayload struct {
	Batch int `json:"batch,omitempty"`
}

func (CleanupPayload) JobType() Type { return TypeCleanup }

func (p CleanupPayload) Validate() error {
	if p.Batch < 0 {
		return errors.New("batch must not be negative")
	}
	return nil
}

// NewPayload returns an empty payload variant for the given type, used by
// boundaries that receive the type and raw payload separately.
func NewPayload(t Type) (Payload, bool) {
	switch t {
	case TypeAcquisition:
		return &AcquisitionPayload{}, true
	case TypeCrawl:
		return &CrawlPayload{}, true
	case TypeExtraction:
		return &ExtractionPayload{}, true
	case TypeCleanup:
		return &CleanupPayload{}, true
	}
	return nil, false
}

// EncodePayload validates and marshals a payload variant for storage.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", p.JobType(), err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", p.JobType(), err)
	}
	return raw, nil
}

// DecodePayload unmarshals a job's payload into the matching variant.
// dst must be a pointer to the variant for the job's type.
func DecodePayload(j *Job, dst Payload) error {
	if j.Type != dst.JobType() {
		return fmt.Errorf("payload type mismatch: job is %s, destination is %s", j.Type, dst.JobType())
	}
	if err := json.Unmarshal(j.Payload, dst); err != nil {
		return fmt.Errorf("failed to unmarshal %s payload: %w", j.Type, err)
	}
	if err := dst.Validate(); err != nil {
		return fmt.Errorf("invalid %s payload: %w", j.Type, err)
	}
	return nil
}
