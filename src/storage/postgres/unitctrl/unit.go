package unitctrl

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Unit struct {
	ID         int64     `gorm:"primaryKey" json:"id"`
	DocumentID int64     `gorm:"not null;index" json:"document_id"`
	Seq        int       `gorm:"not null;column:unit_seq" json:"seq"` // position within the document
	MinioURL   string    `gorm:"not null;column:minio_url" json:"minio_url"` // bucket name + object name
	TokenCount int       `gorm:"not null;default:0" json:"token_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type UnitService struct {
	db        *gorm.DB
	snowflake *snowflake.Node
}

func NewUnitService(db *gorm.DB) (*UnitService, error) {
	// Initialize snowflake node
	node, err := snowflake.NewNode(2) // Node number 2 for units
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %v", err)
	}

	return &UnitService{
		db:        db,
		snowflake: node,
	}, nil
}

// Migrate creates or updates the units table.
func (s *UnitService) Migrate() error {
	if err := s.db.AutoMigrate(&Unit{}); err != nil {
		return fmt.Errorf("failed to migrate units table: %v", err)
	}
	return nil
}

// CreateBatch inserts all units of one document in a single statement,
// assigning ids. The input slice is modified in place.
func (s *UnitService) CreateBatch(ctx context.Context, units []Unit) ([]Unit, error) {
	if len(units) == 0 {
		return nil, nil
	}

	for i := range units {
		units[i].ID = s.snowflake.Generate().Int64()
	}

	result := s.db.WithContext(ctx).Create(&units)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to create units: %v", result.Error)
	}

	return units, nil
}

func (s *UnitService) GetByID(ctx context.Context, id int64) (*Unit, error) {
	var unit Unit
	result := s.db.WithContext(ctx).First(&unit, id)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get unit: %v", result.Error)
	}
	return &unit, nil
}

func (s *UnitService) GetByDocumentID(ctx context.Context, documentID int64) ([]Unit, error) {
	var units []Unit
	result := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("unit_seq ASC").
		Find(&units)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get units: %v", result.Error)
	}
	return units, nil
}

func (s *UnitService) DeleteByDocumentID(ctx context.Context, documentID int64) error {
	result := s.db.WithContext(ctx).Where("document_id = ?", documentID).Delete(&Unit{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete units: %v", result.Error)
	}
	return nil
}
