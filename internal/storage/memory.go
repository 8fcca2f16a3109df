package storage

import (
	"sort"
	"strings"
	"sync"
)

// MemStore is the in-memory Store used during block replay. A read lock
// guards reporting reads against the single replay writer; it is never
// contended on the write path.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (s *MemStore) Get(key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *MemStore) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	p := string(prefix)
	for k := range s.data {
		if strings.HasPrefix(k, p) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		s.mu.RLock()
		v, ok := s.data[k]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		if err := fn([]byte(k), append([]byte(nil), v...)); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemStore) Write(batch *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range batch.ops {
		switch o.kind {
		case opPut:
			s.data[string(o.key)] = o.value
		case opDelete:
			delete(s.data, string(o.key))
		}
	}
	return nil
}

// Len returns the number of live keys, for tests.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
