package commentsync

import "sync"

// TokenStore is the access-token storage capability. Token returns "" with
// a nil error when nothing is stored.
type TokenStore interface {
	Token() (string, error)
	SaveToken(token string) error
	DeleteToken() error
}

// MemoryTokenStore is a goroutine-safe in-memory TokenStore.
type MemoryTokenStore struct {
	mu    sync.RWMutex
	token string
}

// NewMemoryTokenStore returns a store pre-loaded with token.
func NewMemoryTokenStore(token string) *MemoryTokenStore {
	return &MemoryTokenStore{token: token}
}

func (s *MemoryTokenStore) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

func (s *MemoryTokenStore) SaveToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

func (s *MemoryTokenStore) DeleteToken() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	return nil
}

// bearerToken reads the current token, treating a store error as "no token".
func bearerToken(s TokenStore) string {
	if s == nil {
		return ""
	}
	tok, err := s.Token()
	if err != nil {
		return ""
	}
	return tok
}
