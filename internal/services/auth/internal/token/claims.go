package token

import "time"

// Claims is the set of facts carried by an access credential.
type Claims struct {
	// Subject is the local user id.
	Subject   string
	Email     string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}
