package store

import (
	"context"
	"sync"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	values map[Key][]byte
	sets   map[Key]*orderedSet
}

type orderedSet struct {
	members []Key
	index   map[Key]int
}

func newOrderedSet() *orderedSet {
	return &orderedSet{index: make(map[Key]int)}
}

func (s *orderedSet) add(k Key) {
	if _, ok := s.index[k]; ok {
		return
	}
	s.index[k] = len(s.members)
	s.members = append(s.members, k)
}

func (s *orderedSet) remove(k Key) {
	i, ok := s.index[k]
	if !ok {
		return
	}
	s.members = append(s.members[:i], s.members[i+1:]...)
	delete(s.index, k)
	for j := i; j < len(s.members); j++ {
		s.index[s.members[j]] = j
	}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[Key][]byte),
		sets:   make(map[Key]*orderedSet),
	}
}

func (s *MemoryStore) Get(_ context.Context, key Key) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	// Return a copy to avoid external mutation.
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *MemoryStore) Apply(_ context.Context, batch Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range batch {
		switch op.Kind {
		case OpPut:
			v := make([]byte, len(op.Value))
			copy(v, op.Value)
			s.values[op.Key] = v
		case OpDelete:
			delete(s.values, op.Key)
		case OpSetAdd:
			set, ok := s.sets[op.Key]
			if !ok {
				set = newOrderedSet()
				s.sets[op.Key] = set
			}
			set.add(op.Member)
		case OpSetRemove:
			if set, ok := s.sets[op.Key]; ok {
				set.remove(op.Member)
			}
		}
	}
	return nil
}

func (s *MemoryStore) SetMembers(_ context.Context, set Key, offset, limit int) ([]Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if offset < 0 {
		offset = 0
	}
	ks, ok := s.sets[set]
	if !ok || offset >= len(ks.members) {
		return nil, nil
	}
	end := len(ks.members)
	if limit >= 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]Key, end-offset)
	copy(out, ks.members[offset:end])
	return out, nil
}

func (s *MemoryStore) SetCount(_ context.Context, set Key) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ks, ok := s.sets[set]; ok {
		return len(ks.members), nil
	}
	return 0, nil
}

func (s *MemoryStore) SetContains(_ context.Context, set Key, member Key) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ks, ok := s.sets[set]; ok {
		_, found := ks.index[member]
		return found, nil
	}
	return false, nil
}
