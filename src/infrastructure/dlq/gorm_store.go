package dlq

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// GormStore keeps dead letters in the dead_letters table.
type GormStore struct {
	db        *gorm.DB
	snowflake *snowflake.Node
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	node, err := snowflake.NewNode(4) // Node number 4 for dead letters
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}

	return &GormStore{
		db:        db,
		snowflake: node,
	}, nil
}

// Migrate creates or updates the dead_letters table.
func (s *GormStore) Migrate() error {
	if err := s.db.AutoMigrate(&Item{}); err != nil {
		return fmt.Errorf("failed to migrate dead letter table: %w", err)
	}
	return nil
}

func (s *GormStore) Push(ctx context.Context, item *Item) error {
	if item.ID == 0 {
		item.ID = s.snowflake.Generate().Int64()
	}

	if err := s.db.WithContext(ctx).Create(item).Error; err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id int64) (*Item, error) {
	var item Item
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return &item, nil
}

func (s *GormStore) List(ctx context.Context, kind SourceKind, limit, offset int) ([]Item, error) {
	query := s.db.WithContext(ctx).Model(&Item{})
	if kind != "" {
		query = query.Where("source_kind = ?", kind)
	}

	var items []Item
	err := query.Order("created_at ASC, id ASC").Limit(limit).Offset(offset).Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return items, nil
}

// Pop locks the row, deletes it, and returns it. SKIP LOCKED makes the
// loser of a concurrent requeue see the item as already gone.
func (s *GormStore) Pop(ctx context.Context, id int64) (*Item, error) {
	var item Item
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := tx.Raw(`
			SELECT * FROM dead_letters
			WHERE id = ?
			FOR UPDATE SKIP LOCKED
		`, id).Scan(&item)
		if row.Error != nil {
			return row.Error
		}
		if item.ID == 0 {
			return ErrNotFound
		}

		result := tx.Where("id = ?", id).Delete(&Item{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to pop dead letter: %w", err)
	}
	return &item, nil
}

func (s *GormStore) Delete(ctx context.Context, id int64) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&Item{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete dead letter: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) CountByKind(ctx context.Context) ([]KindCount, error) {
	var counts []KindCount
	err := s.db.WithContext(ctx).Model(&Item{}).
		Select("source_kind, COUNT(*) as count").
		Group("source_kind").
		Find(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return counts, nil
}
