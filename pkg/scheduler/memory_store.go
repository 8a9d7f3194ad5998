package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cloudbench/cloudbench/pkg/operation"
)

// MemoryStore is a Store kept in process memory. Records are copied on the
// way in and out so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	records map[int64]*operation.Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int64]*operation.Record)}
}

// SaveOperation inserts or updates rec.
func (s *MemoryStore) SaveOperation(_ context.Context, rec *operation.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == 0 {
		s.nextID++
		rec.ID = s.nextID
	} else if _, ok := s.records[rec.ID]; !ok {
		return fmt.Errorf("operation %d: %w", rec.ID, operation.ErrNotFound)
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

// GetOperation returns a copy of the record with the given id.
func (s *MemoryStore) GetOperation(_ context.Context, id int64) (*operation.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("operation %d: %w", id, operation.ErrNotFound)
	}
	return rec.Clone(), nil
}

// LoadPending returns unfinished records of resourceID in FIFO order.
func (s *MemoryStore) LoadPending(_ context.Context, resourceID int64) ([]*operation.Record, error) {
	return s.filter(func(r *operation.Record) bool {
		return r.ResourceID == resourceID && r.FinishedAt == nil
	}), nil
}

// LoadActive returns the running record of resourceID, if any.
func (s *MemoryStore) LoadActive(_ context.Context, resourceID int64) (*operation.Record, error) {
	active := s.filter(func(r *operation.Record) bool {
		return r.ResourceID == resourceID && r.IsRunning()
	})
	if len(active) == 0 {
		return nil, nil
	}
	return active[0], nil
}

// DeleteOperations removes ids. Nothing is removed if any id is unknown or
// belongs to another resource.
func (s *MemoryStore) DeleteOperations(_ context.Context, resourceID int64, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		rec, ok := s.records[id]
		if !ok || rec.ResourceID != resourceID {
			return fmt.Errorf("operation %d of resource %d: %w", id, resourceID, operation.ErrNotFound)
		}
	}
	for _, id := range ids {
		delete(s.records, id)
	}
	return nil
}

// ListOperations returns all records of resourceID in FIFO order.
func (s *MemoryStore) ListOperations(_ context.Context, resourceID int64) ([]*operation.Record, error) {
	return s.filter(func(r *operation.Record) bool {
		return r.ResourceID == resourceID
	}), nil
}

// ListOrphaned returns every started but unfinished record.
func (s *MemoryStore) ListOrphaned(_ context.Context) ([]*operation.Record, error) {
	return s.filter(func(r *operation.Record) bool {
		return r.IsRunning()
	}), nil
}

// PendingResources returns resources holding never-started records.
func (s *MemoryStore) PendingResources(_ context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[int64]struct{})
	for _, r := range s.records {
		if r.IsQueued() {
			seen[r.ResourceID] = struct{}{}
		}
	}
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) filter(keep func(*operation.Record) bool) []*operation.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*operation.Record
	for _, r := range s.records {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	operation.SortFIFO(out)
	return out
}
