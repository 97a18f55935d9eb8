package store

import "time"

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is the locally owned account record. Subject and Picture are empty when unset.
type User struct {
	ID                 string
	Email              string
	Name               string
	Subject            string
	Picture            string
	Role               Role
	Credits            int64
	Subscription       string
	Active             bool
	MembershipLevel    int
	MembershipName     string
	MembershipSyncedAt time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// MembershipSnapshot is the last membership tier synchronized onto a user.
type MembershipSnapshot struct {
	Level    int
	Name     string
	SyncedAt time.Time
}
