package memory

import (
	"context"
	"sort"
	"sync"
)

// InMemoryStore is a simple in-process document store for local/dev use.
type InMemoryStore struct {
	mu         sync.RWMutex
	partitions map[string][]Document
	ids        map[string]struct{}
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		partitions: make(map[string][]Document),
		ids:        make(map[string]struct{}),
	}
}

func (s *InMemoryStore) CreateItem(_ context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[doc.ID]; ok {
		return ErrDuplicateID
	}
	s.ids[doc.ID] = struct{}{}
	s.partitions[doc.SessionID] = append(s.partitions[doc.SessionID], doc)
	return nil
}

func (s *InMemoryStore) QueryItems(_ context.Context, q WindowQuery) ([]Document, error) {
	s.mu.RLock()
	arr := append([]Document(nil), s.partitions[q.SessionID]...)
	s.mu.RUnlock()
	if len(arr) == 0 || q.MaxItems <= 0 {
		return nil, nil
	}

	// Stable sort keeps insertion order for equal timestamps.
	sort.SliceStable(arr, func(i, j int) bool {
		return arr[i].Timestamp.Before(arr[j].Timestamp)
	})

	limit := q.MaxItems
	if limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Document, 0, limit)
	for i := len(arr) - 1; i >= len(arr)-limit; i-- {
		out = append(out, windowProjection(arr[i]))
	}
	return out, nil
}

// Len reports how many documents a session partition holds.
func (s *InMemoryStore) Len(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.partitions[sessionID])
}

func (s *InMemoryStore) Close() error { return nil }
