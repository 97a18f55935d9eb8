package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps users in process memory. It is meant for development and tests. WithTx puts
// back the users a failed transaction wrote but does not isolate concurrent callers.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]User
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]User),
		now:   time.Now,
	}
}

func (s *MemoryStore) GetUserByID(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) GetUserBySubject(_ context.Context, subject string) (User, error) {
	if subject == "" {
		return User{}, ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Subject == subject {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *MemoryStore) CreateUser(_ context.Context, u User) (User, error) {
	if err := validateUser(u); err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return User{}, ErrExists
	}
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, u.Email) || (u.Subject != "" && existing.Subject == u.Subject) {
			return User{}, ErrExists
		}
	}

	s.users[u.ID] = u
	return u, nil
}

func (s *MemoryStore) UpdateUser(_ context.Context, r UpdateUserRequest) (User, error) {
	if r.Credits != nil && *r.Credits < 0 {
		return User{}, errors.New("credits must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[r.ID]
	if !ok {
		return User{}, ErrNotFound
	}
	if r.subjectConflict(u) {
		return User{}, ErrConflict
	}

	updated := r.apply(u)
	for id, other := range s.users {
		if id == u.ID {
			continue
		}
		if strings.EqualFold(other.Email, updated.Email) || (updated.Subject != "" && other.Subject == updated.Subject) {
			return User{}, ErrExists
		}
	}

	updated.UpdatedAt = s.now()
	s.users[u.ID] = updated
	return updated, nil
}

func (s *MemoryStore) ConsumeCredits(_ context.Context, id string, amount int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return 0, false, ErrNotFound
	}
	if u.Credits < amount {
		return u.Credits, false, nil
	}

	u.Credits -= amount
	u.UpdatedAt = s.now()
	s.users[id] = u
	return u.Credits, true, nil
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	tx := &memoryTx{MemoryStore: s, undo: make(map[string]*User)}
	if err := fn(tx); err != nil {
		tx.rollback()
		return fmt.Errorf("transaction: %w", err)
	}

	return nil
}

// memoryTx remembers the state of every user it writes so a failed transaction can put back
// exactly those users.
type memoryTx struct {
	*MemoryStore
	mu   sync.Mutex
	undo map[string]*User
}

func (t *memoryTx) remember(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.undo[id]; ok {
		return
	}

	t.MemoryStore.mu.RLock()
	defer t.MemoryStore.mu.RUnlock()

	if u, ok := t.users[id]; ok {
		t.undo[id] = &u
		return
	}
	t.undo[id] = nil
}

func (t *memoryTx) rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.MemoryStore.mu.Lock()
	defer t.MemoryStore.mu.Unlock()

	for id, u := range t.undo {
		if u == nil {
			delete(t.users, id)
			continue
		}
		t.users[id] = *u
	}
}

func (t *memoryTx) CreateUser(ctx context.Context, u User) (User, error) {
	t.remember(u.ID)
	return t.MemoryStore.CreateUser(ctx, u)
}

func (t *memoryTx) UpdateUser(ctx context.Context, r UpdateUserRequest) (User, error) {
	t.remember(r.ID)
	return t.MemoryStore.UpdateUser(ctx, r)
}

func (t *memoryTx) ConsumeCredits(ctx context.Context, id string, amount int64) (int64, bool, error) {
	t.remember(id)
	return t.MemoryStore.ConsumeCredits(ctx, id, amount)
}
