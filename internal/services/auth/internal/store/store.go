package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
	ErrConflict = errors.New("conflicting update")
)

type Store interface {
	GetUserByID(ctx context.Context, id string) (User, error)
	GetUserBySubject(ctx context.Context, subject string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	// CreateUser inserts u as is. A duplicate id, email or subject fails with ErrExists.
	CreateUser(ctx context.Context, u User) (User, error)
	// UpdateUser applies the non-nil fields of r. A subject is only attached to a user that has
	// none or already has the same one; otherwise the update fails with ErrConflict.
	UpdateUser(ctx context.Context, r UpdateUserRequest) (User, error)
	// ConsumeCredits atomically decrements the balance when it covers amount. ok is false and
	// nothing changes when it does not.
	ConsumeCredits(ctx context.Context, id string, amount int64) (balance int64, ok bool, err error)
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

type UpdateUserRequest struct {
	ID           string
	Email        *string
	Name         *string
	Subject      *string
	Picture      *string
	Role         *Role
	Credits      *int64
	Subscription *string
	Active       *bool
	Membership   *MembershipSnapshot
}

// Empty reports whether the request changes nothing.
func (r UpdateUserRequest) Empty() bool {
	return r.Email == nil &&
		r.Name == nil &&
		r.Subject == nil &&
		r.Picture == nil &&
		r.Role == nil &&
		r.Credits == nil &&
		r.Subscription == nil &&
		r.Active == nil &&
		r.Membership == nil
}

// apply returns u with the request's fields applied. Subject linking rules are the caller's
// responsibility.
func (r UpdateUserRequest) apply(u User) User {
	if r.Email != nil {
		u.Email = *r.Email
	}
	if r.Name != nil {
		u.Name = *r.Name
	}
	if r.Subject != nil && *r.Subject != "" {
		u.Subject = *r.Subject
	}
	if r.Picture != nil {
		u.Picture = *r.Picture
	}
	if r.Role != nil {
		u.Role = *r.Role
	}
	if r.Credits != nil {
		u.Credits = *r.Credits
	}
	if r.Subscription != nil {
		u.Subscription = *r.Subscription
	}
	if r.Active != nil {
		u.Active = *r.Active
	}
	if r.Membership != nil {
		u.MembershipLevel = r.Membership.Level
		u.MembershipName = r.Membership.Name
		u.MembershipSyncedAt = r.Membership.SyncedAt
	}
	return u
}

// subjectConflict reports whether attaching r.Subject to u would replace a different subject.
func (r UpdateUserRequest) subjectConflict(u User) bool {
	return r.Subject != nil && *r.Subject != "" && u.Subject != "" && u.Subject != *r.Subject
}

func validateUser(u User) error {
	if u.ID == "" {
		return errors.New("user id is required")
	}
	if u.Email == "" {
		return errors.New("user email is required")
	}
	if u.Credits < 0 {
		return errors.New("credits must not be negative")
	}
	return nil
}
