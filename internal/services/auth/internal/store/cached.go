package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// CachedStore caches users by id in front of another Store. Every write that goes through it
// evicts the affected user, and a read that overlapped a write is never cached. Writes made by
// other processes are not seen until the entry expires, so it only suits a single instance.
type CachedStore struct {
	Store
	cache *ristretto.Cache[string, User]
	ttl   time.Duration

	mu       sync.Mutex
	inflight map[string]*pendingRead
}

// pendingRead tracks the uncached reads of one id that are still running.
type pendingRead struct {
	readers int
	stale   bool
}

type CacheConfig struct {
	MaxKeys int64
	TTL     time.Duration
}

func NewCachedStore(inner Store, cfg CacheConfig) (*CachedStore, error) {
	maxKeys := cfg.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 10_000
	}

	c, err := ristretto.NewCache(&ristretto.Config[string, User]{
		NumCounters: maxKeys * 10,
		MaxCost:     maxKeys,
		BufferItems: 64,

		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create user cache: %w", err)
	}

	return &CachedStore{
		Store:    inner,
		cache:    c,
		ttl:      cfg.TTL,
		inflight: make(map[string]*pendingRead),
	}, nil
}

func (s *CachedStore) GetUserByID(ctx context.Context, id string) (User, error) {
	if u, ok := s.cache.Get(id); ok {
		return u, nil
	}

	p := s.beginRead(id)
	u, err := s.Store.GetUserByID(ctx, id)
	s.endRead(id, p, u, err == nil)
	if err != nil {
		return User{}, err
	}

	return u, nil
}

func (s *CachedStore) beginRead(id string) *pendingRead {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.inflight[id]
	if !ok {
		p = &pendingRead{}
		s.inflight[id] = p
	}
	p.readers++
	return p
}

// endRead caches u unless a write to id happened while the read was running.
func (s *CachedStore) endRead(id string, p *pendingRead, u User, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ok && !p.stale {
		// flush so a later Del cannot overtake the buffered set
		s.cache.SetWithTTL(id, u, 1, s.ttl)
		s.cache.Wait()
	}

	p.readers--
	if p.readers == 0 {
		delete(s.inflight, id)
	}
}

// invalidate evicts id and spoils every read of id that is still running.
func (s *CachedStore) invalidate(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.inflight[id]; ok {
		p.stale = true
	}
	s.cache.Del(id)
}

func (s *CachedStore) CreateUser(ctx context.Context, u User) (User, error) {
	defer s.invalidate(u.ID)
	return s.Store.CreateUser(ctx, u)
}

func (s *CachedStore) UpdateUser(ctx context.Context, r UpdateUserRequest) (User, error) {
	s.invalidate(r.ID)
	defer s.invalidate(r.ID)
	return s.Store.UpdateUser(ctx, r)
}

func (s *CachedStore) ConsumeCredits(ctx context.Context, id string, amount int64) (int64, bool, error) {
	s.invalidate(id)
	defer s.invalidate(id)
	return s.Store.ConsumeCredits(ctx, id, amount)
}

// WithTx runs fn uncached and evicts every user it touched once the transaction is over.
func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	tracker := &txTracker{}
	defer func() {
		for _, id := range tracker.touched() {
			s.invalidate(id)
		}
	}()

	return s.Store.WithTx(ctx, func(tx Store) error {
		tracker.Store = tx
		return fn(tracker)
	})
}

func (s *CachedStore) Close() {
	s.cache.Close()
}

// txTracker records the ids of users written inside a transaction.
type txTracker struct {
	Store
	mu  sync.Mutex
	ids []string
}

func (t *txTracker) add(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids = append(t.ids, id)
}

func (t *txTracker) touched() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.ids...)
}

func (t *txTracker) CreateUser(ctx context.Context, u User) (User, error) {
	t.add(u.ID)
	return t.Store.CreateUser(ctx, u)
}

func (t *txTracker) UpdateUser(ctx context.Context, r UpdateUserRequest) (User, error) {
	t.add(r.ID)
	return t.Store.UpdateUser(ctx, r)
}

func (t *txTracker) ConsumeCredits(ctx context.Context, id string, amount int64) (int64, bool, error) {
	t.add(id)
	return t.Store.ConsumeCredits(ctx, id, amount)
}
