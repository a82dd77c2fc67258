package snapshot

import (
	"context"
	"sync"

	"agents-console/internal/shared/model"
)

// MemoryStore 进程内归档
type MemoryStore struct {
	mu     sync.RWMutex
	snaps  map[string]*model.StreamSnapshot
	owners map[string]*model.OwnerRun

	// SaveCalls 记录 Save 调用次数（含重复保存）
	SaveCalls int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建进程内归档
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snaps:  make(map[string]*model.StreamSnapshot),
		owners: make(map[string]*model.OwnerRun),
	}
}

// Save 实现 Store
func (s *MemoryStore) Save(_ context.Context, snap *model.StreamSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.SaveCalls++
	if _, exists := s.snaps[snap.StreamID]; exists {
		return nil
	}
	cp := *snap
	cp.Events = model.CloneEvents(snap.Events)
	s.snaps[snap.StreamID] = &cp

	if snap.OwnerID != "" {
		cur, ok := s.owners[snap.OwnerID]
		if !ok || !snap.CompletedAt.Before(cur.CompletedAt) {
			s.owners[snap.OwnerID] = snap.OwnerRun()
		}
	}
	return nil
}

// Load 实现 Store
func (s *MemoryStore) Load(_ context.Context, streamID string) (*model.StreamSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snaps[streamID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *snap
	cp.Events = model.CloneEvents(snap.Events)
	return &cp, nil
}

// LatestForOwner 实现 Store
func (s *MemoryStore) LatestForOwner(_ context.Context, ownerID string) (*model.OwnerRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.owners[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

// Len 已归档的流数量
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snaps)
}

// Close 实现 Store
func (s *MemoryStore) Close() error {
	return nil
}
