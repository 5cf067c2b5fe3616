package session

import "sync"

// Keys under which a session is persisted.
const (
	KeyToken            = "neurotutor_token"
	KeyUser             = "neurotutor_user"
	KeyUserLevel        = "neurotutor_user_level"
	KeyDiagnosticResult = "neurotutor_diagnostic_result"
)

// AllKeys lists every key the guard writes.
var AllKeys = []string{KeyToken, KeyUser, KeyUserLevel, KeyDiagnosticResult}

// Store is a string key/value store for one client's session.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Clear(keys ...string) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu sync.Mutex
	m  map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string]string)}
}

func (s *MemoryStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *MemoryStore) Clear(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.m, k)
	}
	return nil
}
