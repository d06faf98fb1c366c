package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nugget/reeve/internal/events"
)

// MemStore is an in-memory Store for tests and ephemeral runs. It
// mirrors SQLiteStore's semantics: newest-first queries, exact-text
// dedupe on unique inserts, and one result per call.
type MemStore struct {
	mu     sync.RWMutex
	byRoom map[string][]*Memory
	byID   map[string]*Memory
	// byCall maps a call memory ID to its result memory.
	byCall map[string]*Memory
	bus    *events.Bus
}

// NewMemStore creates an empty in-memory store. The bus may be nil.
func NewMemStore(bus *events.Bus) *MemStore {
	return &MemStore{
		byRoom: make(map[string][]*Memory),
		byID:   make(map[string]*Memory),
		byCall: make(map[string]*Memory),
		bus:    bus,
	}
}

// CreateMemory implements Store.
func (s *MemStore) CreateMemory(ctx context.Context, m *Memory, unique bool) (*Memory, error) {
	if err := prepare(m); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if callID := resultCallID(m.Content); callID != "" {
		if existing, ok := s.byCall[callID]; ok {
			s.mu.Unlock()
			return existing, nil
		}
	}
	if unique {
		if text := contentText(m.Content); text != "" {
			for i := len(s.byRoom[m.RoomID]) - 1; i >= 0; i-- {
				prior := s.byRoom[m.RoomID][i]
				if prior.Type == m.Type && contentText(prior.Content) == text {
					s.mu.Unlock()
					return prior, nil
				}
			}
		}
	}

	stored := *m
	s.byRoom[m.RoomID] = append(s.byRoom[m.RoomID], &stored)
	s.byID[stored.ID] = &stored
	if callID := resultCallID(stored.Content); callID != "" {
		s.byCall[callID] = &stored
	}
	s.mu.Unlock()

	s.bus.Emit(events.SourceMemory, events.KindMemoryCreated, map[string]any{
		"memory_id": stored.ID,
		"room_id":   stored.RoomID,
		"type":      string(stored.Type),
	})

	return &stored, nil
}

// GetMemories implements Store.
func (s *MemStore) GetMemories(ctx context.Context, q Query) ([]*Memory, error) {
	if q.RoomID == "" {
		return nil, fmt.Errorf("query missing roomId")
	}
	count := q.Count
	if count <= 0 {
		count = DefaultQueryCount
	}

	s.mu.RLock()
	var matched []*Memory
	for _, m := range s.byRoom[q.RoomID] {
		if q.Type != "" && m.Type != q.Type {
			continue
		}
		if !q.Start.IsZero() && m.CreatedAt.Before(q.Start) {
			continue
		}
		if !q.End.IsZero() && !m.CreatedAt.Before(q.End) {
			continue
		}
		matched = append(matched, m)
	}
	s.mu.RUnlock()

	// Newest first; IDs are time-ordered so they break CreatedAt ties.
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	if len(matched) > count {
		matched = matched[:count]
	}
	if q.Unique {
		matched = dedupeByText(matched)
	}
	return matched, nil
}

// GetMemoryByID implements Store. Returns (nil, nil) when absent.
func (s *MemStore) GetMemoryByID(ctx context.Context, id string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id], nil
}
