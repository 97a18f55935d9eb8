package service

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/membership"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/oauth"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/provider"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestReconciler(st store.Store, opts ...ReconcilerOption) *Reconciler {
	r := NewReconciler(st, opts...)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return now }
	return r
}

func TestReconcile_CreatesNewUser(t *testing.T) {
	st := newMockStore()
	r := newTestReconciler(st)

	u, err := r.Reconcile(t.Context(), remoteIdentity("sub-1", "a@x.com"))
	require.NoError(t, err)

	assert.NotEmpty(t, u.ID)
	assert.NotEqual(t, "sub-1", u.ID)
	assert.Equal(t, "sub-1", u.Subject)
	assert.Equal(t, "a@x.com", u.Email)
	assert.Equal(t, store.RoleUser, u.Role)
	assert.Equal(t, int64(5), u.Credits)
	assert.Equal(t, "free", u.Subscription)
	assert.True(t, u.Active)
	assert.Equal(t, 0, u.MembershipLevel)
	assert.Equal(t, "free", u.MembershipName)
}

func TestReconcile_CreditsByTier(t *testing.T) {
	tests := []struct {
		name    string
		id      oauth.Identity
		credits int64
		label   string
	}{
		{name: "complete", id: withLevel(remoteIdentity("s", "a@x.com"), "2"), credits: 20, label: "complete"},
		{name: "basic", id: withLevel(remoteIdentity("s", "a@x.com"), "1"), credits: 10, label: "basic"},
		{name: "unknown", id: withLevel(remoteIdentity("s", "a@x.com"), "42"), credits: 5, label: "free"},
		{name: "absent", id: remoteIdentity("s", "a@x.com"), credits: 5, label: "free"},
		{name: "remote developer", id: withLevel(remoteIdentity("s", "a@x.com"), "999"), credits: 5, label: "free"},
		{
			name:    "fallback developer",
			id:      oauth.Identity{Subject: "s", Email: "a@x.com", Source: oauth.SourceLocalFallback, Membership: &oauth.Membership{Level: "999"}},
			credits: 500,
			label:   "developer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestReconciler(store.NewMemoryStore())

			u, err := r.Reconcile(t.Context(), tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.credits, u.Credits)
			assert.Equal(t, tt.label, u.Subscription)
		})
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	st := newMockStore()
	r := newTestReconciler(st)
	id := withLevel(remoteIdentity("sub-1", "a@x.com", oauth.RoleAdministrator), "1")

	first, err := r.Reconcile(t.Context(), id)
	require.NoError(t, err)

	second, err := r.Reconcile(t.Context(), id)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 0, st.updates)
}

func TestReconcile_RoleLoss(t *testing.T) {
	r := newTestReconciler(store.NewMemoryStore())

	u, err := r.Reconcile(t.Context(), remoteIdentity("sub-1", "a@x.com", oauth.RoleAdministrator))
	require.NoError(t, err)
	require.Equal(t, store.RoleAdmin, u.Role)

	u, err = r.Reconcile(t.Context(), remoteIdentity("sub-1", "a@x.com", "subscriber"))
	require.NoError(t, err)
	assert.Equal(t, store.RoleUser, u.Role)
}

func TestReconcile_KeepsConsumedCredits(t *testing.T) {
	st := store.NewMemoryStore()
	r := newTestReconciler(st)
	id := withLevel(remoteIdentity("sub-1", "a@x.com"), "2")

	u, err := r.Reconcile(t.Context(), id)
	require.NoError(t, err)

	_, ok, err := st.ConsumeCredits(t.Context(), u.ID, 7)
	require.NoError(t, err)
	require.True(t, ok)

	id.Name = "Renamed"
	u, err = r.Reconcile(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(13), u.Credits)
	assert.Equal(t, "Renamed", u.Name)
}

func TestReconcile_TierChangeResyncsCredits(t *testing.T) {
	st := store.NewMemoryStore()
	r := newTestReconciler(st)

	u, err := r.Reconcile(t.Context(), withLevel(remoteIdentity("sub-1", "a@x.com"), "1"))
	require.NoError(t, err)
	require.Equal(t, int64(10), u.Credits)

	_, _, err = st.ConsumeCredits(t.Context(), u.ID, 4)
	require.NoError(t, err)

	u, err = r.Reconcile(t.Context(), withLevel(remoteIdentity("sub-1", "a@x.com"), "2"))
	require.NoError(t, err)
	assert.Equal(t, int64(20), u.Credits)
	assert.Equal(t, "complete", u.Subscription)
	assert.Equal(t, 2, u.MembershipLevel)
	assert.Equal(t, "complete", u.MembershipName)
}

func TestReconcile_DeveloperTopUp(t *testing.T) {
	st := store.NewMemoryStore()
	r := newTestReconciler(st)
	fb := provider.NewFallback(provider.FallbackConfig{Email: "dev@x.com", Secret: "a-long-enough-secret"})

	id, err := fb.Authenticate(t.Context(),
		oauth.Credentials{Identifier: "dev@x.com", Secret: "a-long-enough-secret"},
		oauth.RequestContext{RemoteAddr: "127.0.0.1:1000"})
	require.NoError(t, err)

	u, err := r.Reconcile(t.Context(), id)
	require.NoError(t, err)
	require.Equal(t, int64(500), u.Credits)
	require.Equal(t, store.RoleAdmin, u.Role)

	_, _, err = st.ConsumeCredits(t.Context(), u.ID, 30)
	require.NoError(t, err)

	u, err = r.Reconcile(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(500), u.Credits)
	assert.Equal(t, "developer", u.Subscription)
}

func TestReconcile_LinksByEmail(t *testing.T) {
	st := store.NewMemoryStore()
	r := newTestReconciler(st)

	existing, err := st.CreateUser(t.Context(), store.User{
		ID:             "local-1",
		Email:          "a@x.com",
		Name:           "Old Name",
		Role:           store.RoleUser,
		Credits:        3,
		Subscription:   "free",
		Active:         true,
		MembershipName: "free",
	})
	require.NoError(t, err)

	u, err := r.Reconcile(t.Context(), remoteIdentity("sub-1", "a@x.com"))
	require.NoError(t, err)
	assert.Equal(t, existing.ID, u.ID)
	assert.Equal(t, "sub-1", u.Subject)
	assert.Equal(t, "Test User", u.Name)
	assert.Equal(t, int64(3), u.Credits)

	bySubject, err := st.GetUserBySubject(t.Context(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, bySubject.ID)
}

func TestReconcile_EmailLinkedToAnotherSubject(t *testing.T) {
	st := store.NewMemoryStore()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r := newTestReconciler(st, WithReconcilerMetrics(m))

	_, err := r.Reconcile(t.Context(), remoteIdentity("sub-1", "a@x.com"))
	require.NoError(t, err)

	_, err = r.Reconcile(t.Context(), remoteIdentity("sub-2", "a@x.com"))
	require.ErrorIs(t, err, ErrIdentityConflict)
	requireServiceError(t, err, http.StatusInternalServerError)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconciliations.WithLabelValues(actionConflict)))

	u, err := st.GetUserByEmail(t.Context(), "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", u.Subject)
}

func TestReconcile_CreateRace(t *testing.T) {
	inner := store.NewMemoryStore()
	winner := store.User{
		ID:             "winner",
		Email:          "a@x.com",
		Subject:        "sub-1",
		Name:           "Test User",
		Role:           store.RoleUser,
		Credits:        5,
		Subscription:   "free",
		Active:         true,
		MembershipName: "free",
	}

	lookups := 0
	st := &mockStore{
		Store: inner,
		getUserBySubjectFunc: func(ctx context.Context, subject string) (store.User, error) {
			lookups++
			return inner.GetUserBySubject(ctx, subject)
		},
		createUserFunc: func(ctx context.Context, u store.User) (store.User, error) {
			_, err := inner.CreateUser(ctx, winner)
			require.NoError(t, err)
			return store.User{}, store.ErrExists
		},
	}
	r := newTestReconciler(st)

	u, err := r.Reconcile(t.Context(), remoteIdentity("sub-1", "a@x.com"))
	require.NoError(t, err)
	assert.Equal(t, "winner", u.ID)
	assert.Equal(t, 2, lookups)
}

func TestReconcile_Concurrent(t *testing.T) {
	st := store.NewMemoryStore()
	r := newTestReconciler(st)
	id := remoteIdentity("sub-1", "a@x.com")

	const workers = 20
	ids := make([]string, workers)
	var g errgroup.Group
	for i := range workers {
		g.Go(func() error {
			u, err := r.Reconcile(context.Background(), id)
			if err != nil {
				return err
			}
			ids[i] = u.ID
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for _, got := range ids {
		assert.Equal(t, ids[0], got)
	}
}

func TestReconcile_ResolverFailureDegrades(t *testing.T) {
	tests := []struct {
		name    string
		resolve func(oauth.Identity) membership.Level
	}{
		{
			name:    "panic",
			resolve: func(oauth.Identity) membership.Level { panic("boom") },
		},
		{
			name:    "unknown level",
			resolve: func(oauth.Identity) membership.Level { return membership.Level(77) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemoryStore()
			r := newTestReconciler(st, WithMembershipResolver(tt.resolve), WithDefaultCredits(3))

			u, err := r.Reconcile(t.Context(), withLevel(remoteIdentity("sub-1", "a@x.com"), "2"))
			require.NoError(t, err)
			assert.Equal(t, int64(3), u.Credits)
			assert.Equal(t, "free", u.Subscription)

			_, _, err = st.ConsumeCredits(t.Context(), u.ID, 1)
			require.NoError(t, err)

			u, err = r.Reconcile(t.Context(), withLevel(remoteIdentity("sub-1", "a@x.com"), "2"))
			require.NoError(t, err)
			assert.Equal(t, int64(2), u.Credits)
		})
	}
}

func TestReconcile_StorageError(t *testing.T) {
	st := newMockStore()
	st.getUserBySubjectFunc = func(ctx context.Context, subject string) (store.User, error) {
		return store.User{}, errors.New("connection reset")
	}
	r := newTestReconciler(st)

	_, err := r.Reconcile(t.Context(), remoteIdentity("sub-1", "a@x.com"))
	requireNotServiceError(t, err)
}

func TestReconcile_IncompleteIdentity(t *testing.T) {
	r := newTestReconciler(store.NewMemoryStore())

	_, err := r.Reconcile(t.Context(), oauth.Identity{Subject: "sub-1"})
	requireServiceError(t, err, http.StatusInternalServerError)
}

func TestReconcile_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r := newTestReconciler(store.NewMemoryStore(), WithReconcilerMetrics(m))
	id := remoteIdentity("sub-1", "a@x.com")

	_, err := r.Reconcile(t.Context(), id)
	require.NoError(t, err)
	_, err = r.Reconcile(t.Context(), id)
	require.NoError(t, err)
	id.Name = "New Name"
	_, err = r.Reconcile(t.Context(), id)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconciliations.WithLabelValues(actionCreated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconciliations.WithLabelValues(actionUnchanged)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconciliations.WithLabelValues(actionUpdated)))
}

func TestReconcile_LinksInsideTransaction(t *testing.T) {
	st := newMockStore()
	_, err := st.Store.CreateUser(t.Context(), store.User{
		ID:             "local-1",
		Email:          "a@x.com",
		Role:           store.RoleUser,
		Credits:        3,
		Subscription:   "free",
		Active:         true,
		MembershipName: "free",
	})
	require.NoError(t, err)

	var outside []string
	st.getUserByEmailFunc = func(ctx context.Context, email string) (store.User, error) {
		if !st.inTx {
			outside = append(outside, "get by email")
		}
		return st.Store.GetUserByEmail(ctx, email)
	}
	st.updateUserFunc = func(ctx context.Context, r store.UpdateUserRequest) (store.User, error) {
		if !st.inTx {
			outside = append(outside, "update")
		}
		return st.Store.UpdateUser(ctx, r)
	}
	r := newTestReconciler(st)

	u, err := r.Reconcile(t.Context(), remoteIdentity("sub-1", "a@x.com"))
	require.NoError(t, err)
	assert.Equal(t, "sub-1", u.Subject)
	assert.Empty(t, outside)
	assert.Equal(t, 1, st.txs)
	assert.Equal(t, 1, st.updates)
}

func TestReconcile_LinksMixedCaseEmail(t *testing.T) {
	st := store.NewMemoryStore()
	r := newTestReconciler(st)

	existing, err := st.CreateUser(t.Context(), store.User{
		ID:             "local-1",
		Email:          "Alice@Example.com",
		Role:           store.RoleUser,
		Credits:        3,
		Subscription:   "free",
		Active:         true,
		MembershipName: "free",
	})
	require.NoError(t, err)

	u, err := r.Reconcile(t.Context(), remoteIdentity("sub-1", "alice@example.com"))
	require.NoError(t, err)
	assert.Equal(t, existing.ID, u.ID)
	assert.Equal(t, "sub-1", u.Subject)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.Equal(t, int64(3), u.Credits)
}

func TestReconcile_CachedUserRefreshedAfterLink(t *testing.T) {
	inner := store.NewMemoryStore()
	cached, err := store.NewCachedStore(inner, store.CacheConfig{MaxKeys: 100, TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(cached.Close)

	_, err = inner.CreateUser(t.Context(), store.User{
		ID:             "local-1",
		Email:          "a@x.com",
		Role:           store.RoleUser,
		Credits:        3,
		Subscription:   "free",
		Active:         true,
		MembershipName: "free",
	})
	require.NoError(t, err)

	before, err := cached.GetUserByID(t.Context(), "local-1")
	require.NoError(t, err)
	require.Empty(t, before.Subject)

	r := newTestReconciler(cached)
	_, err = r.Reconcile(t.Context(), remoteIdentity("sub-1", "a@x.com"))
	require.NoError(t, err)

	after, err := cached.GetUserByID(t.Context(), "local-1")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", after.Subject)
}
