package documentctrl

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Document struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	ProjectID   string    `gorm:"not null;size:64;index" json:"project_id"`
	SourceURL   string    `gorm:"not null;index;column:source_url" json:"source_url"`
	Title       string    `json:"title"`
	ContentType string    `gorm:"size:128" json:"content_type"`
	MinioURL    string    `gorm:"not null;column:minio_url" json:"minio_url"` // bucket name + object name
	Checksum    string    `gorm:"size:64;index" json:"checksum"`              // sha256 of the raw body
	AcquiredAt  time.Time `json:"acquired_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type DocumentService struct {
	db        *gorm.DB
	snowflake *snowflake.Node
}

func NewDocumentService(db *gorm.DB) (*DocumentService, error) {
	// Initialize snowflake node
	node, err := snowflake.NewNode(1) // Node number 1 for documents
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %v", err)
	}

	return &DocumentService{
		db:        db,
		snowflake: node,
	}, nil
}

// Migrate creates or updates the documents table.
func (s *DocumentService) Migrate() error {
	if err := s.db.AutoMigrate(&Document{}); err != nil {
		return fmt.Errorf("failed to migrate documents table: %v", err)
	}
	return nil
}

func (s *DocumentService) Create(ctx context.Context, projectID, sourceURL, title, contentType, minioURL, checksum string) (*Document, error) {
	document := &Document{
		ID:          s.snowflake.Generate().Int64(),
		ProjectID:   projectID,
		SourceURL:   sourceURL,
		Title:       title,
		ContentType: contentType,
		MinioURL:    minioURL,
		Checksum:    checksum,
		AcquiredAt:  time.Now().UTC(),
	}

	result := s.db.WithContext(ctx).Create(document)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to create document: %v", result.Error)
	}

	return document, nil
}

func (s *DocumentService) GetByID(ctx context.Context, id int64) (*Document, error) {
	var document Document
	result := s.db.WithContext(ctx).First(&document, id)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get document: %v", result.Error)
	}
	return &document, nil
}

func (s *DocumentService) GetBySourceURL(ctx context.Context, projectID, sourceURL string) (*Document, error) {
	// Re-acquired URLs keep older versions around, so compare against the
	// newest row.
	var document Document
	result := s.db.WithContext(ctx).
		Where("project_id = ? AND source_url = ?", projectID, sourceURL).
		Order("created_at DESC").
		First(&document)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get document: %v", result.Error)
	}
	return &document, nil
}

// List returns a paginated list of documents, newest first, optionally
// narrowed to one project.
func (s *DocumentService) List(ctx context.Context, projectID string, limit int, offset int) ([]Document, error) {
	query := s.db.WithContext(ctx).Model(&Document{})
	if projectID != "" {
		query = query.Where("project_id = ?", projectID)
	}

	var documents []Document
	result := query.
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&documents)

	if result.Error != nil {
		return nil, fmt.Errorf("failed to list documents: %v", result.Error)
	}

	return documents, nil
}

func (s *DocumentService) DeleteByID(ctx context.Context, id int64) error {
	result := s.db.WithContext(ctx).Delete(&Document{}, id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete document: %v", result.Error)
	}
	return nil
}
