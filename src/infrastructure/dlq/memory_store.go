package dlq

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests.
type MemoryStore struct {
	mu     sync.Mutex
	items  map[int64]*Item
	nextID int64
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:  make(map[int64]*Item),
		nextID: 1,
		now:    time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (s *MemoryStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Push(_ context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == 0 {
		item.ID = s.nextID
		s.nextID++
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}
	s.items[item.ID] = cloneItem(item)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneItem(item), nil
}

func (s *MemoryStore) List(_ context.Context, kind SourceKind, limit, offset int) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*Item
	for _, item := range s.items {
		if kind != "" && item.SourceKind != kind {
			continue
		}
		matched = append(matched, item)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	items := make([]Item, 0, len(matched))
	for _, item := range matched {
		items = append(items, *cloneItem(item))
	}
	return items, nil
}

func (s *MemoryStore) Pop(_ context.Context, id int64) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.items, id)
	return cloneItem(item), nil
}

func (s *MemoryStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

func (s *MemoryStore) CountByKind(_ context.Context) ([]KindCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKind := make(map[SourceKind]int64)
	for _, item := range s.items {
		byKind[item.SourceKind]++
	}

	counts := make([]KindCount, 0, len(byKind))
	for kind, count := range byKind {
		counts = append(counts, KindCount{SourceKind: kind, Count: count})
	}
	sort.Slice(counts, func(i, j int) bool {
		return counts[i].SourceKind < counts[j].SourceKind
	})
	return counts, nil
}

func cloneItem(item *Item) *Item {
	clone := *item
	if item.OriginalPayload != nil {
		clone.OriginalPayload = append([]byte(nil), item.OriginalPayload...)
	}
	if item.ErrorHistory != nil {
		clone.ErrorHistory = append([]byte(nil), item.ErrorHistory...)
	}
	return &clone
}
