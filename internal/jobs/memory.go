package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore はプロセス内で完結する Store です。開発とテストで使用します。
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	items map[string][]*Item
}

// NewMemoryStore は空の MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]*Job),
		items: make(map[string][]*Item),
	}
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return fmt.Errorf("job.ID is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("%w: request %s", ErrAlreadyExists, job.ID)
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, id string, mutate func(*Job) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	job := cloneJob(current)
	if err := mutate(job); err != nil {
		return err
	}
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return nil
}

func (s *MemoryStore) InsertItem(ctx context.Context, item *Item) error {
	if item == nil {
		return fmt.Errorf("item is nil")
	}
	if item.ID == "" || item.RequestID == "" {
		return fmt.Errorf("item.ID and item.RequestID are required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// アイテムは書き込み一回きりなので created_at と updated_at は同じ値になる
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	item.UpdatedAt = item.CreatedAt

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.RequestID] = append(s.items[item.RequestID], cloneItem(item))
	return nil
}

func (s *MemoryStore) ListItems(ctx context.Context, requestID string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	stored := s.items[requestID]
	items := make([]Item, 0, len(stored))
	for _, item := range stored {
		items = append(items, *cloneItem(item))
	}
	s.mu.Unlock()

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Row < items[j].Row
	})
	return items, nil
}
