package oauth

import (
	"slices"
	"strings"
)

// Source tells which strategy produced an identity.
type Source string

const (
	SourceRemote        Source = "remote"
	SourceLocalFallback Source = "local_fallback"
)

// RoleAdministrator is the provider role that grants local admin rights.
const RoleAdministrator = "administrator"

// Membership is the raw subscription descriptor reported by the identity provider. Level keeps the
// provider's textual value untouched; interpretation is left to the membership resolver.
type Membership struct {
	ID             string
	Name           string
	Level          string
	InitialPayment string
	BillingAmount  string
	CycleNumber    string
	CyclePeriod    string
	Expiration     string
}

// Identity is a verified external identity.
type Identity struct {
	Subject    string
	Email      string
	Name       string
	Roles      []string
	Picture    string
	Membership *Membership
	Source     Source
}

// HasRole reports whether the identity carries the given role.
func (id Identity) HasRole(role string) bool {
	return slices.Contains(id.Roles, role)
}

// normalize trims the identity, lowercases the email and deduplicates roles.
func (id Identity) normalize() Identity {
	id.Subject = strings.TrimSpace(id.Subject)
	id.Email = strings.ToLower(strings.TrimSpace(id.Email))
	id.Name = strings.TrimSpace(id.Name)
	id.Picture = strings.TrimSpace(id.Picture)

	roles := make([]string, 0, len(id.Roles))
	for _, r := range id.Roles {
		r = strings.TrimSpace(r)
		if r == "" || slices.Contains(roles, r) {
			continue
		}
		roles = append(roles, r)
	}
	id.Roles = roles

	if id.Source == "" {
		id.Source = SourceRemote
	}

	return id
}
