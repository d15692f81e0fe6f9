package api

import "sync"

// DefaultStoreCapacity bounds the classifications kept for retrieval.
const DefaultStoreCapacity = 1024

// ClassificationStore keeps the most recent classifications by id. Once
// full, the oldest entry is dropped.
type ClassificationStore struct {
	mu       sync.Mutex
	capacity int
	order    []string
	results  map[string]ClassifyResponse
}

func NewClassificationStore(capacity int) *ClassificationStore {
	if capacity <= 0 {
		capacity = DefaultStoreCapacity
	}
	return &ClassificationStore{
		capacity: capacity,
		results:  make(map[string]ClassifyResponse),
	}
}

func (s *ClassificationStore) Put(resp ClassifyResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[resp.ID]; !ok {
		s.order = append(s.order, resp.ID)
	}
	s.results[resp.ID] = resp
	for len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.results, oldest)
	}
}

func (s *ClassificationStore) Get(id string) (ClassifyResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.results[id]
	return resp, ok
}

func (s *ClassificationStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[id]; !ok {
		return false
	}
	delete(s.results, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *ClassificationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}
