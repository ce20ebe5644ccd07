package storage

import (
	"sync"

	"github.com/vx11/vx11/pkg/types"
)

// MemoryStore is a non-durable Store used for ephemeral gateways and tests
type MemoryStore struct {
	mu       sync.Mutex
	log      []*types.Transition
	snapshot *types.WindowState
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(rec *types.Transition, snapshot types.WindowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	rec.Seq = uint64(len(s.log) + 1)
	cp := *rec
	cp.Services = append([]types.Target(nil), rec.Services...)
	s.log = append(s.log, &cp)
	snap := snapshot.Clone()
	s.snapshot = &snap
	return nil
}

func (s *MemoryStore) Snapshot() (*types.WindowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.snapshot == nil {
		return nil, nil
	}
	snap := s.snapshot.Clone()
	return &snap, nil
}

func (s *MemoryStore) Transitions(limit int) ([]*types.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	start := 0
	if limit > 0 && len(s.log) > limit {
		start = len(s.log) - limit
	}
	out := make([]*types.Transition, 0, len(s.log)-start)
	for _, rec := range s.log[start:] {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
