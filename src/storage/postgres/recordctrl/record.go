package recordctrl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ExtractionRecord is the structured output of one extraction run over
// one unit. Fields holds the profile-specific JSON object returned by
// the model; ArtifactWritten tracks whether the record reached the
// vector and search indexes.
type ExtractionRecord struct {
	ID              int64           `gorm:"primaryKey" json:"id"`
	DocumentID      int64           `gorm:"not null;index" json:"document_id"`
	UnitID          int64           `gorm:"not null;index" json:"unit_id"`
	ProjectID       string          `gorm:"not null;size:64;index" json:"project_id"`
	Profile         string          `gorm:"size:64" json:"profile"`
	Fields          json.RawMessage `gorm:"type:jsonb" json:"fields"`
	Summary         string          `gorm:"type:text" json:"summary"`
	ArtifactWritten bool            `gorm:"not null;default:false" json:"artifact_written"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (ExtractionRecord) TableName() string {
	return "extraction_records"
}

type RecordService struct {
	db        *gorm.DB
	snowflake *snowflake.Node
}

func NewRecordService(db *gorm.DB) (*RecordService, error) {
	// Initialize snowflake node
	node, err := snowflake.NewNode(3) // Node number 3 for extraction records
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %v", err)
	}

	return &RecordService{
		db:        db,
		snowflake: node,
	}, nil
}

// Migrate creates or updates the extraction_records table.
func (s *RecordService) Migrate() error {
	if err := s.db.AutoMigrate(&ExtractionRecord{}); err != nil {
		return fmt.Errorf("failed to migrate extraction records table: %v", err)
	}
	return nil
}

func (s *RecordService) Create(ctx context.Context, documentID, unitID int64, projectID, profile string, fields json.RawMessage, summary string) (*ExtractionRecord, error) {
	record := &ExtractionRecord{
		ID:         s.snowflake.Generate().Int64(),
		DocumentID: documentID,
		UnitID:     unitID,
		ProjectID:  projectID,
		Profile:    profile,
		Fields:     fields,
		Summary:    summary,
	}

	result := s.db.WithContext(ctx).Create(record)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to create extraction record: %v", result.Error)
	}

	return record, nil
}

func (s *RecordService) GetByID(ctx context.Context, id int64) (*ExtractionRecord, error) {
	var record ExtractionRecord
	result := s.db.WithContext(ctx).First(&record, id)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get extraction record: %v", result.Error)
	}
	return &record, nil
}

func (s *RecordService) GetByDocumentID(ctx context.Context, documentID int64) ([]ExtractionRecord, error) {
	var records []ExtractionRecord
	result := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("unit_id ASC").
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get extraction records: %v", result.Error)
	}
	return records, nil
}

// MarkArtifactWritten records that the vector and search artifacts for
// this record were written.
func (s *RecordService) MarkArtifactWritten(ctx context.Context, id int64) error {
	result := s.db.WithContext(ctx).
		Model(&ExtractionRecord{}).
		Where("id = ?", id).
		Update("artifact_written", true)
	if result.Error != nil {
		return fmt.Errorf("failed to mark artifact written: %v", result.Error)
	}
	return nil
}

func (s *RecordService) DeleteByDocumentID(ctx context.Context, documentID int64) error {
	result := s.db.WithContext(ctx).Where("document_id = ?", documentID).Delete(&ExtractionRecord{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete extraction records: %v", result.Error)
	}
	return nil
}
