package params

import "sync"

// Store is the persistent, process-wide parameter set shared by every worker.
type Store struct {
	mu  sync.RWMutex
	cur Params
}

func NewStore(initial Params) *Store {
	return &Store{cur: initial}
}

// Update applies updates atomically and reports whether anything changed.
// Invalid input leaves the store untouched.
func (s *Store) Update(updates map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, changed, err := s.cur.With(updates)
	if err != nil {
		return false, err
	}
	s.cur = next

	return changed, nil
}

// CopyWith returns the current set with updates applied on top, without
// touching the store.
func (s *Store) CopyWith(updates map[string]any) (Params, bool, error) {
	return s.Snapshot().With(updates)
}

func (s *Store) Snapshot() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cur
}

func (s *Store) Map() map[string]any {
	return s.Snapshot().Map()
}

func (s *Store) Get(key string) (any, bool) {
	return s.Snapshot().Get(key)
}
