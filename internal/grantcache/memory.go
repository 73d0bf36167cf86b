package grantcache

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore holds facts in a map. It exists for tests and dry runs; the
// cache is gone when the process exits.
type MemoryStore struct {
	mu    sync.RWMutex
	facts map[Fact]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{facts: map[Fact]struct{}{}}
}

func (s *MemoryStore) UpsertFact(_ context.Context, fact Fact) (bool, error) {
	if s == nil {
		return false, ErrInvalidInput
	}
	if !fact.valid() {
		return false, fmt.Errorf("%w: fact %+v", ErrInvalidInput, fact)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.facts[fact]; exists {
		return false, nil
	}
	s.facts[fact] = struct{}{}
	return true, nil
}

func (s *MemoryStore) QueriesOwnedBy(_ context.Context, ownerID int) ([]int, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[int]struct{}{}
	queryIDs := make([]int, 0)
	for fact := range s.facts {
		if fact.OwnerID != ownerID {
			continue
		}
		if _, ok := seen[fact.QueryID]; ok {
			continue
		}
		seen[fact.QueryID] = struct{}{}
		queryIDs = append(queryIDs, fact.QueryID)
	}
	sort.Ints(queryIDs)
	return queryIDs, nil
}

func (s *MemoryStore) EditorsOfOwnedQueries(_ context.Context, ownerID int) (map[int][]int, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	editors := map[int][]int{}
	for fact := range s.facts {
		if fact.OwnerID != ownerID {
			continue
		}
		editors[fact.QueryID] = append(editors[fact.QueryID], fact.EditorID)
	}
	for _, ids := range editors {
		sort.Ints(ids)
	}
	return editors, nil
}

func (s *MemoryStore) HasAccess(_ context.Context, queryID, editorID int) (bool, error) {
	if s == nil {
		return false, ErrInvalidInput
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for fact := range s.facts {
		if fact.QueryID == queryID && fact.EditorID == editorID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// Len reports the number of stored facts, for tests.
func (s *MemoryStore) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.facts)
}
