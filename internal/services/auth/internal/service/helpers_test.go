package service

import (
	"context"
	"errors"
	"testing"

	"github.com/gamma-omg/gatekeeper/internal/pkg/serr"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/oauth"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/store"
	"github.com/stretchr/testify/require"
)

// mockStore delegates every method without an override to the embedded Store.
type mockStore struct {
	store.Store
	getUserBySubjectFunc func(ctx context.Context, subject string) (store.User, error)
	getUserByEmailFunc   func(ctx context.Context, email string) (store.User, error)
	createUserFunc       func(ctx context.Context, u store.User) (store.User, error)
	updateUserFunc       func(ctx context.Context, r store.UpdateUserRequest) (store.User, error)
	consumeCreditsFunc   func(ctx context.Context, id string, amount int64) (int64, bool, error)
	updates              int
	txs                  int
	inTx                 bool
}

// WithTx runs fn against the mock itself so the overrides stay in effect.
func (m *mockStore) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	m.txs++
	m.inTx = true
	defer func() { m.inTx = false }()
	return fn(m)
}

func (m *mockStore) GetUserBySubject(ctx context.Context, subject string) (store.User, error) {
	if m.getUserBySubjectFunc != nil {
		return m.getUserBySubjectFunc(ctx, subject)
	}
	return m.Store.GetUserBySubject(ctx, subject)
}

func (m *mockStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if m.getUserByEmailFunc != nil {
		return m.getUserByEmailFunc(ctx, email)
	}
	return m.Store.GetUserByEmail(ctx, email)
}

func (m *mockStore) CreateUser(ctx context.Context, u store.User) (store.User, error) {
	if m.createUserFunc != nil {
		return m.createUserFunc(ctx, u)
	}
	return m.Store.CreateUser(ctx, u)
}

func (m *mockStore) UpdateUser(ctx context.Context, r store.UpdateUserRequest) (store.User, error) {
	m.updates++
	if m.updateUserFunc != nil {
		return m.updateUserFunc(ctx, r)
	}
	return m.Store.UpdateUser(ctx, r)
}

func (m *mockStore) ConsumeCredits(ctx context.Context, id string, amount int64) (int64, bool, error) {
	if m.consumeCreditsFunc != nil {
		return m.consumeCreditsFunc(ctx, id, amount)
	}
	return m.Store.ConsumeCredits(ctx, id, amount)
}

func newMockStore() *mockStore {
	return &mockStore{Store: store.NewMemoryStore()}
}

func remoteIdentity(subject, email string, roles ...string) oauth.Identity {
	return oauth.Identity{
		Subject: subject,
		Email:   email,
		Name:    "Test User",
		Roles:   roles,
		Source:  oauth.SourceRemote,
	}
}

func withLevel(id oauth.Identity, level string) oauth.Identity {
	id.Membership = &oauth.Membership{Level: level}
	return id
}

func requireServiceError(t *testing.T, err error, status int) *serr.ServiceError {
	t.Helper()

	var sErr *serr.ServiceError
	require.True(t, errors.As(err, &sErr), "expected service error, got %v", err)
	require.Equal(t, status, sErr.StatusCode)
	return sErr
}

func requireNotServiceError(t *testing.T, err error) {
	t.Helper()

	require.Error(t, err)
	var sErr *serr.ServiceError
	require.False(t, errors.As(err, &sErr), "unexpected service error: %v", err)
}

