// Package membership maps identity provider subscription descriptors to local tiers and credit
// allotments.
package membership

import (
	"math"
	"strconv"
	"strings"

	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/oauth"
)

// Level is a subscription tier.
type Level int

const (
	Free      Level = 0
	Basic     Level = 1
	Complete  Level = 2
	Developer Level = 999
)

var names = map[Level]string{
	Free:      "free",
	Basic:     "basic",
	Complete:  "complete",
	Developer: "developer",
}

var credits = map[Level]int64{
	Free:      5,
	Basic:     10,
	Complete:  20,
	Developer: 500,
}

// Known reports whether l is one of the defined tiers.
func (l Level) Known() bool {
	_, ok := names[l]
	return ok
}

// Name returns the tier name. Unknown levels are reported as free.
func (l Level) Name() string {
	if n, ok := names[l]; ok {
		return n
	}
	return names[Free]
}

func (l Level) String() string {
	return l.Name()
}

// Resolve determines the tier of an identity. It never fails: anything it cannot interpret is free.
// The developer tier is honored only for identities synthesized by the local fallback.
func Resolve(id oauth.Identity) Level {
	if id.Membership == nil {
		return Free
	}

	n, ok := parseLevel(id.Membership.Level)
	if !ok {
		return Free
	}

	switch Level(n) {
	case Complete:
		return Complete
	case Basic:
		return Basic
	case Developer:
		if id.Source == oauth.SourceLocalFallback {
			return Developer
		}
	}

	return Free
}

// CreditsFor returns the credit allotment of a tier. Unknown tiers get the free allotment.
func CreditsFor(l Level) int64 {
	if c, ok := credits[l]; ok {
		return c
	}
	return credits[Free]
}

// SubscriptionLabel is the subscription name stored on a user for a tier.
func SubscriptionLabel(l Level) string {
	return l.Name()
}

// parseLevel accepts JSON numbers and numeric strings, with or without surrounding quotes.
// Fractional values are rejected.
func parseLevel(raw string) (int, bool) {
	s := strings.Trim(strings.TrimSpace(raw), `"`)
	if s == "" {
		return 0, false
	}

	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0, false
	}

	return int(f), true
}
