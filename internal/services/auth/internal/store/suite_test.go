package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newUser(email, subject string, credits int64) User {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return User{
		ID:                 uuid.NewString(),
		Email:              email,
		Name:               "Test User",
		Subject:            subject,
		Role:               RoleUser,
		Credits:            credits,
		Subscription:       "free",
		Active:             true,
		MembershipLevel:    0,
		MembershipName:     "free",
		MembershipSyncedAt: now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func ptr[T any](v T) *T {
	return &v
}

// runStoreSuite exercises the behavior every Store implementation shares. newStore must return
// an empty store.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		u := newUser("a@example.com", "sub-a", 5)
		u.Picture = "https://p/a.png"

		created, err := s.CreateUser(ctx, u)
		require.NoError(t, err)
		assert.Equal(t, u.ID, created.ID)

		byID, err := s.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "a@example.com", byID.Email)
		assert.Equal(t, "sub-a", byID.Subject)
		assert.Equal(t, "https://p/a.png", byID.Picture)
		assert.Equal(t, RoleUser, byID.Role)
		assert.Equal(t, int64(5), byID.Credits)
		assert.True(t, byID.Active)
		assert.True(t, byID.CreatedAt.Equal(u.CreatedAt))

		bySubject, err := s.GetUserBySubject(ctx, "sub-a")
		require.NoError(t, err)
		assert.Equal(t, u.ID, bySubject.ID)

		byEmail, err := s.GetUserByEmail(ctx, "a@example.com")
		require.NoError(t, err)
		assert.Equal(t, u.ID, byEmail.ID)
	})

	t.Run("not found", func(t *testing.T) {
		s := newStore(t)

		_, err := s.GetUserByID(ctx, uuid.NewString())
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetUserBySubject(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetUserBySubject(ctx, "")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetUserByEmail(ctx, "missing@example.com")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.UpdateUser(ctx, UpdateUserRequest{ID: uuid.NewString(), Name: ptr("x")})
		require.ErrorIs(t, err, ErrNotFound)
		_, _, err = s.ConsumeCredits(ctx, uuid.NewString(), 1)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unlinked users", func(t *testing.T) {
		s := newStore(t)

		_, err := s.CreateUser(ctx, newUser("a@example.com", "", 5))
		require.NoError(t, err)
		_, err = s.CreateUser(ctx, newUser("b@example.com", "", 5))
		require.NoError(t, err)

		_, err = s.GetUserBySubject(ctx, "")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("duplicates", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateUser(ctx, newUser("a@example.com", "sub-a", 5))
		require.NoError(t, err)

		_, err = s.CreateUser(ctx, newUser("a@example.com", "sub-b", 5))
		require.ErrorIs(t, err, ErrExists)

		_, err = s.CreateUser(ctx, newUser("b@example.com", "sub-a", 5))
		require.ErrorIs(t, err, ErrExists)
	})

	t.Run("email ignores case", func(t *testing.T) {
		s := newStore(t)
		u, err := s.CreateUser(ctx, newUser("Alice.Smith@Example.com", "", 5))
		require.NoError(t, err)

		byEmail, err := s.GetUserByEmail(ctx, "alice.smith@example.com")
		require.NoError(t, err)
		assert.Equal(t, u.ID, byEmail.ID)
		assert.Equal(t, "Alice.Smith@Example.com", byEmail.Email)

		_, err = s.CreateUser(ctx, newUser("alice.smith@example.com", "sub-b", 5))
		require.ErrorIs(t, err, ErrExists)

		updated, err := s.UpdateUser(ctx, UpdateUserRequest{ID: u.ID, Email: ptr("alice.smith@example.com")})
		require.NoError(t, err)
		assert.Equal(t, "alice.smith@example.com", updated.Email)
	})

	t.Run("update", func(t *testing.T) {
		s := newStore(t)
		u, err := s.CreateUser(ctx, newUser("a@example.com", "", 5))
		require.NoError(t, err)

		synced := time.Now().UTC().Truncate(time.Millisecond)
		updated, err := s.UpdateUser(ctx, UpdateUserRequest{
			ID:           u.ID,
			Name:         ptr("Alice"),
			Subject:      ptr("sub-a"),
			Picture:      ptr("https://p/new.png"),
			Role:         ptr(RoleAdmin),
			Credits:      ptr(int64(20)),
			Subscription: ptr("complete"),
			Membership:   &MembershipSnapshot{Level: 2, Name: "complete", SyncedAt: synced},
		})
		require.NoError(t, err)
		assert.Equal(t, "Alice", updated.Name)
		assert.Equal(t, "sub-a", updated.Subject)
		assert.Equal(t, "https://p/new.png", updated.Picture)
		assert.Equal(t, RoleAdmin, updated.Role)
		assert.Equal(t, int64(20), updated.Credits)
		assert.Equal(t, "complete", updated.Subscription)
		assert.Equal(t, 2, updated.MembershipLevel)
		assert.Equal(t, "complete", updated.MembershipName)
		assert.True(t, updated.MembershipSyncedAt.Equal(synced))
		assert.Equal(t, "a@example.com", updated.Email)
		assert.True(t, updated.Active)

		cleared, err := s.UpdateUser(ctx, UpdateUserRequest{ID: u.ID, Picture: ptr("")})
		require.NoError(t, err)
		assert.Equal(t, "", cleared.Picture)
		assert.Equal(t, int64(20), cleared.Credits)
	})

	t.Run("subject is linked one way", func(t *testing.T) {
		s := newStore(t)
		u, err := s.CreateUser(ctx, newUser("a@example.com", "sub-a", 5))
		require.NoError(t, err)

		_, err = s.UpdateUser(ctx, UpdateUserRequest{ID: u.ID, Subject: ptr("sub-b")})
		require.ErrorIs(t, err, ErrConflict)

		same, err := s.UpdateUser(ctx, UpdateUserRequest{ID: u.ID, Subject: ptr("sub-a"), Name: ptr("Same")})
		require.NoError(t, err)
		assert.Equal(t, "sub-a", same.Subject)
		assert.Equal(t, "Same", same.Name)
	})

	t.Run("update to taken email", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CreateUser(ctx, newUser("a@example.com", "", 5))
		require.NoError(t, err)
		b, err := s.CreateUser(ctx, newUser("b@example.com", "", 5))
		require.NoError(t, err)

		_, err = s.UpdateUser(ctx, UpdateUserRequest{ID: b.ID, Email: ptr("a@example.com")})
		require.ErrorIs(t, err, ErrExists)
	})

	t.Run("consume", func(t *testing.T) {
		s := newStore(t)
		u, err := s.CreateUser(ctx, newUser("a@example.com", "", 3))
		require.NoError(t, err)

		balance, ok, err := s.ConsumeCredits(ctx, u.ID, 2)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(1), balance)

		balance, ok, err = s.ConsumeCredits(ctx, u.ID, 2)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, int64(1), balance)

		balance, ok, err = s.ConsumeCredits(ctx, u.ID, 1)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(0), balance)

		_, ok, err = s.ConsumeCredits(ctx, u.ID, 1)
		require.NoError(t, err)
		assert.False(t, ok)

		stored, err := s.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), stored.Credits)
	})

	t.Run("concurrent consume", func(t *testing.T) {
		s := newStore(t)
		const (
			balance = 10
			workers = 25
		)
		u, err := s.CreateUser(ctx, newUser("a@example.com", "", balance))
		require.NoError(t, err)

		results := make([]bool, workers)
		var g errgroup.Group
		for i := range workers {
			g.Go(func() error {
				_, ok, err := s.ConsumeCredits(ctx, u.ID, 1)
				if err != nil {
					return fmt.Errorf("worker %d: %w", i, err)
				}
				results[i] = ok
				return nil
			})
		}
		require.NoError(t, g.Wait())

		successes := 0
		for _, ok := range results {
			if ok {
				successes++
			}
		}
		assert.Equal(t, balance, successes)

		stored, err := s.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(balance-successes), stored.Credits)
	})

	t.Run("transaction rollback", func(t *testing.T) {
		s := newStore(t)
		u := newUser("a@example.com", "", 5)

		err := s.WithTx(ctx, func(tx Store) error {
			if _, err := tx.CreateUser(ctx, u); err != nil {
				return err
			}
			return assert.AnError
		})
		require.ErrorIs(t, err, assert.AnError)

		_, err = s.GetUserByID(ctx, u.ID)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("transaction commit", func(t *testing.T) {
		s := newStore(t)
		u := newUser("a@example.com", "", 5)

		err := s.WithTx(ctx, func(tx Store) error {
			if _, err := tx.CreateUser(ctx, u); err != nil {
				return err
			}
			_, err := tx.UpdateUser(ctx, UpdateUserRequest{ID: u.ID, Name: ptr("In Tx")})
			return err
		})
		require.NoError(t, err)

		stored, err := s.GetUserByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "In Tx", stored.Name)
	})
}
