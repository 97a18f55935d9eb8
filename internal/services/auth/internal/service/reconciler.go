package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gamma-omg/gatekeeper/internal/pkg/serr"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/membership"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/oauth"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// DefaultCredits is granted to new users when their membership cannot be resolved.
const DefaultCredits int64 = 5

// Reconciler merges verified external identities into local user records.
type Reconciler struct {
	store          store.Store
	resolve        func(oauth.Identity) membership.Level
	defaultCredits int64
	metrics        *Metrics
	now            func() time.Time
	newID          func() string
	group          singleflight.Group
}

// ReconcilerOption defines a functional option for configuring the Reconciler
type ReconcilerOption func(*Reconciler) *Reconciler

func WithDefaultCredits(n int64) ReconcilerOption {
	return func(r *Reconciler) *Reconciler {
		r.defaultCredits = n
		return r
	}
}

func WithReconcilerMetrics(m *Metrics) ReconcilerOption {
	return func(r *Reconciler) *Reconciler {
		r.metrics = m
		return r
	}
}

func WithMembershipResolver(fn func(oauth.Identity) membership.Level) ReconcilerOption {
	return func(r *Reconciler) *Reconciler {
		r.resolve = fn
		return r
	}
}

func NewReconciler(st store.Store, opts ...ReconcilerOption) *Reconciler {
	if st == nil {
		panic("store is required")
	}

	r := &Reconciler{
		store:          st,
		resolve:        membership.Resolve,
		defaultCredits: DefaultCredits,
		now:            time.Now,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		r = opt(r)
	}

	return r
}

// entitlement is what a membership level grants.
type entitlement struct {
	level    membership.Level
	credits  int64
	label    string
	degraded bool
}

// Reconcile returns the local user for id, creating or synchronizing it as needed. Concurrent calls
// for the same subject within the process share one reconciliation.
func (r *Reconciler) Reconcile(ctx context.Context, id oauth.Identity) (store.User, error) {
	if id.Subject == "" || id.Email == "" {
		return store.User{}, serr.NewServiceError(errors.New("incomplete identity"), http.StatusInternalServerError, "incomplete identity")
	}

	ch := r.group.DoChan(id.Subject, func() (any, error) {
		return r.reconcile(context.WithoutCancel(ctx), id)
	})

	select {
	case <-ctx.Done():
		return store.User{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return store.User{}, res.Err
		}
		return res.Val.(store.User), nil
	}
}

var errLostCreate = errors.New("user created concurrently")

func (r *Reconciler) reconcile(ctx context.Context, id oauth.Identity) (store.User, error) {
	ent := r.entitlement(id)

	u, err := r.reconcileTx(ctx, id, ent, true)
	if errors.Is(err, errLostCreate) {
		// another instance created the user first, the aborted transaction is retried as a sync
		u, err = r.reconcileTx(ctx, id, ent, false)
	}
	return u, err
}

// reconcileTx looks the user up and links, synchronizes or creates it in one transaction.
func (r *Reconciler) reconcileTx(ctx context.Context, id oauth.Identity, ent entitlement, mayCreate bool) (store.User, error) {
	var (
		res    store.User
		action string
	)

	err := r.store.WithTx(ctx, func(tx store.Store) error {
		u, found, err := r.find(ctx, tx, id)
		if err != nil {
			return err
		}
		if found {
			res, action, err = r.sync(ctx, tx, u, id, ent)
			return err
		}

		if !mayCreate {
			return fmt.Errorf("user missing after create conflict: %w", store.ErrExists)
		}

		res, err = r.create(ctx, tx, id, ent)
		if errors.Is(err, store.ErrExists) {
			return errLostCreate
		}
		if err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		action = actionCreated
		return nil
	})
	if errors.Is(err, errLostCreate) {
		return store.User{}, errLostCreate
	}
	if err != nil {
		return store.User{}, r.fail(id, err)
	}

	r.metrics.reconciled(action)
	if action == actionCreated {
		slog.Info("user created",
			"user_id", res.ID,
			"subject", res.Subject,
			"subscription", res.Subscription,
			"role", res.Role)
	}

	return res, nil
}

// find looks the user up by subject, then by email.
func (r *Reconciler) find(ctx context.Context, st store.Store, id oauth.Identity) (store.User, bool, error) {
	u, err := st.GetUserBySubject(ctx, id.Subject)
	if err == nil {
		return u, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, false, fmt.Errorf("get user by subject: %w", err)
	}

	u, err = st.GetUserByEmail(ctx, id.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.User{}, false, nil
		}
		return store.User{}, false, fmt.Errorf("get user by email: %w", err)
	}

	if u.Subject != "" && u.Subject != id.Subject {
		return store.User{}, false, fmt.Errorf("email %s is linked to another subject: %w", id.Email, ErrIdentityConflict)
	}

	return u, true, nil
}

func (r *Reconciler) create(ctx context.Context, st store.Store, id oauth.Identity, ent entitlement) (store.User, error) {
	now := r.now()
	return st.CreateUser(ctx, store.User{
		ID:                 r.newID(),
		Email:              id.Email,
		Name:               id.Name,
		Subject:            id.Subject,
		Picture:            id.Picture,
		Role:               roleOf(id),
		Credits:            ent.credits,
		Subscription:       ent.label,
		Active:             true,
		MembershipLevel:    int(ent.level),
		MembershipName:     ent.level.Name(),
		MembershipSyncedAt: now,
		CreatedAt:          now,
		UpdatedAt:          now,
	})
}

// sync brings u in line with id. Credits are only rewritten when the entitlement changed, so
// consumption is never undone by a later login.
func (r *Reconciler) sync(ctx context.Context, st store.Store, u store.User, id oauth.Identity, ent entitlement) (store.User, string, error) {
	req := store.UpdateUserRequest{ID: u.ID}
	action := actionUpdated

	if u.Subject == "" {
		req.Subject = &id.Subject
		action = actionLinked
	}
	if u.Email != id.Email {
		req.Email = &id.Email
	}
	if id.Name != "" && u.Name != id.Name {
		req.Name = &id.Name
	}
	if id.Picture != "" && u.Picture != id.Picture {
		req.Picture = &id.Picture
	}
	if role := roleOf(id); u.Role != role {
		req.Role = &role
	}

	if !ent.degraded && r.entitlementChanged(u, ent) {
		req.Credits = &ent.credits
		req.Subscription = &ent.label
		req.Membership = &store.MembershipSnapshot{
			Level:    int(ent.level),
			Name:     ent.level.Name(),
			SyncedAt: r.now(),
		}
	}

	if req.Empty() {
		return u, actionUnchanged, nil
	}

	updated, err := st.UpdateUser(ctx, req)
	if err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrExists) {
			err = fmt.Errorf("%w: %w", ErrIdentityConflict, err)
		}
		return store.User{}, "", fmt.Errorf("update user: %w", err)
	}

	if req.Role != nil {
		slog.Info("user role changed", "user_id", u.ID, "from", u.Role, "to", updated.Role)
	}
	if req.Credits != nil {
		slog.Info("user entitlement synced",
			"user_id", u.ID,
			"level", ent.level,
			"credits", ent.credits)
	}

	return updated, action, nil
}

func (r *Reconciler) entitlementChanged(u store.User, ent entitlement) bool {
	if u.MembershipLevel != int(ent.level) {
		return true
	}
	return ent.level == membership.Developer && u.Credits != ent.credits
}

// entitlement resolves the membership of id. A resolver that panics or reports an unknown level
// degrades to the free tier with the default credit count.
func (r *Reconciler) entitlement(id oauth.Identity) (ent entitlement) {
	degraded := entitlement{
		level:    membership.Free,
		credits:  r.defaultCredits,
		label:    membership.SubscriptionLabel(membership.Free),
		degraded: true,
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("membership resolution panicked", "subject", id.Subject, "panic", rec)
			ent = degraded
		}
	}()

	level := r.resolve(id)
	if !level.Known() {
		slog.Error("membership resolution returned unknown level", "subject", id.Subject, "level", int(level))
		return degraded
	}

	return entitlement{
		level:   level,
		credits: membership.CreditsFor(level),
		label:   membership.SubscriptionLabel(level),
	}
}

func (r *Reconciler) fail(id oauth.Identity, err error) error {
	if errors.Is(err, ErrIdentityConflict) {
		r.metrics.reconciled(actionConflict)
		sErr := serr.NewServiceError(err, http.StatusInternalServerError, "account requires manual resolution")
		sErr.Env["subject"] = id.Subject
		sErr.Env["email"] = id.Email
		return sErr
	}

	r.metrics.reconciled(actionError)
	return fmt.Errorf("reconcile %s: %w", id.Subject, err)
}

func roleOf(id oauth.Identity) store.Role {
	if id.HasRole(oauth.RoleAdministrator) {
		return store.RoleAdmin
	}
	return store.RoleUser
}
