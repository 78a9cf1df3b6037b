package memory

import (
	"context"
	"sort"
	"sync"

	"ctfbot/internal/domain"
)

// InstanceStore is an in-memory implementation of app.InstanceStore.
type InstanceStore struct {
	mu      sync.RWMutex
	current map[string]domain.ContestInstance
	history map[string][]domain.ContestInstance
}

func NewInstanceStore() *InstanceStore {
	return &InstanceStore{
		current: make(map[string]domain.ContestInstance),
		history: make(map[string][]domain.ContestInstance),
	}
}

func (s *InstanceStore) Create(_ context.Context, inst domain.ContestInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.current[inst.RoomID]; ok {
		if prev.IsActive() {
			return domain.ErrInstanceConflict
		}
		s.history[inst.RoomID] = append(s.history[inst.RoomID], prev)
	}
	s.current[inst.RoomID] = inst.Clone()
	return nil
}

func (s *InstanceStore) Current(_ context.Context, roomID string) (domain.ContestInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.current[roomID]
	if !ok {
		return domain.ContestInstance{}, domain.ErrInstanceNotFound
	}
	return inst.Clone(), nil
}

func (s *InstanceStore) Swap(_ context.Context, prev, next domain.ContestInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.current[prev.RoomID]
	if !ok {
		return domain.ErrInstanceNotFound
	}
	if stored.ID != prev.ID || stored.Version != prev.Version {
		return domain.ErrStaleInstance
	}
	s.current[prev.RoomID] = next.Clone()
	return nil
}

func (s *InstanceStore) List(_ context.Context) ([]domain.ContestInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ContestInstance, 0, len(s.current))
	for room, inst := range s.current {
		for _, old := range s.history[room] {
			out = append(out, old.Clone())
		}
		out = append(out, inst.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}
