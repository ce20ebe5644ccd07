package results

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vx11/vx11/pkg/clock"
	"github.com/vx11/vx11/pkg/types"
)

// pruneEvery bounds how often Put sweeps forgotten entries
const pruneEvery = 128

type entry struct {
	outcome  *types.Outcome
	storedAt time.Time
}

// MemoryStore is the default in-process store
type MemoryStore struct {
	retention time.Duration
	clock     clock.Clock

	mu      sync.Mutex
	entries map[string]entry
	puts    int
}

// NewMemoryStore creates an in-memory store
func NewMemoryStore(retention time.Duration, clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryStore{
		retention: retention,
		clock:     clk,
		entries:   make(map[string]entry),
	}
}

// Put stores a copy of outcome, replacing any previous entry for its id
func (s *MemoryStore) Put(_ context.Context, outcome *types.Outcome) error {
	if outcome.CorrelationID == "" {
		return fmt.Errorf("outcome has no correlation id")
	}
	cp := *outcome
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[cp.CorrelationID] = entry{outcome: &cp, storedAt: now}
	s.puts++
	if s.puts%pruneEvery == 0 {
		s.pruneLocked(now)
	}
	return nil
}

// Get returns the outcome for correlationID
func (s *MemoryStore) Get(_ context.Context, correlationID string) (*types.Outcome, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[correlationID]
	if !ok {
		return nil, ErrNotFound
	}
	age := now.Sub(e.storedAt)
	switch {
	case age < s.retention:
		cp := *e.outcome
		return &cp, nil
	case age < 2*s.retention:
		return nil, ErrExpired
	default:
		delete(s.entries, correlationID)
		return nil, ErrNotFound
	}
}

// Len returns the number of remembered ids, expired ones included
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) pruneLocked(now time.Time) {
	for id, e := range s.entries {
		if now.Sub(e.storedAt) >= 2*s.retention {
			delete(s.entries, id)
		}
	}
}
