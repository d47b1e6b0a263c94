package storage

import (
	"context"
	"sync"

	"github.com/aegis-dev/aegis/domain"
)

// MemoryUserStore implements domain.UserRepository with a mutex-guarded map.
type MemoryUserStore struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

// NewMemoryUserStore creates an empty in-memory user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		users: make(map[string]*domain.User),
	}
}

var _ domain.UserRepository = (*MemoryUserStore)(nil)

func (s *MemoryUserStore) CreateUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; ok {
		return domain.ErrAlreadyExists
	}
	clone := *user
	s.users[user.ID] = &clone

	return nil
}

func (s *MemoryUserStore) GetUser(_ context.Context, userID string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *user

	return &clone, nil
}

func (s *MemoryUserStore) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, user := range s.users {
		if user.Username == username {
			clone := *user
			return &clone, nil
		}
	}

	return nil, domain.ErrNotFound
}
