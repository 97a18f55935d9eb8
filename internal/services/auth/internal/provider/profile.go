package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/oauth"
)

// profile is the payload of the identity provider's profile endpoint. Several fields arrive in
// more than one shape, so they are kept raw and interpreted in identity().
type profile struct {
	Sub               json.RawMessage `json:"sub"`
	ID                json.RawMessage `json:"id"`
	Email             string          `json:"email"`
	Name              string          `json:"name"`
	Username          string          `json:"username"`
	PreferredUsername string          `json:"preferred_username"`
	Roles             json.RawMessage `json:"roles"`
	AvatarURLs        json.RawMessage `json:"avatar_urls"`
	Picture           string          `json:"picture"`
	AvatarURL         string          `json:"avatar_url"`
	Membership        json.RawMessage `json:"membership"`
}

type membershipDescriptor struct {
	ID             json.RawMessage `json:"id"`
	Name           json.RawMessage `json:"name"`
	Level          json.RawMessage `json:"level"`
	InitialPayment json.RawMessage `json:"initial_payment"`
	BillingAmount  json.RawMessage `json:"billing_amount"`
	CycleNumber    json.RawMessage `json:"cycle_number"`
	CyclePeriod    json.RawMessage `json:"cycle_period"`
	Expiration     json.RawMessage `json:"expiration"`
}

func (p profile) identity() (oauth.Identity, error) {
	subject := scalar(p.Sub)
	if subject == "" {
		subject = scalar(p.ID)
	}
	if subject == "" {
		return oauth.Identity{}, fmt.Errorf("%w: missing subject", ErrBadProfile)
	}

	email := strings.TrimSpace(p.Email)
	if email == "" {
		return oauth.Identity{}, fmt.Errorf("%w: missing email", ErrBadProfile)
	}

	return oauth.Identity{
		Subject:    subject,
		Email:      email,
		Name:       nameOrDefault(p.Name, nameOrDefault(p.Username, nameOrDefault(p.PreferredUsername, emailLocalPart(email)))),
		Roles:      parseRoles(p.Roles),
		Picture:    p.avatar(),
		Membership: parseMembership(p.Membership),
		Source:     oauth.SourceRemote,
	}, nil
}

// avatar prefers the largest entry of avatar_urls, then picture, then avatar_url.
func (p profile) avatar() string {
	var urls map[string]string
	if err := json.Unmarshal(p.AvatarURLs, &urls); err == nil && len(urls) > 0 {
		keys := make([]string, 0, len(urls))
		for k, v := range urls {
			if strings.TrimSpace(v) != "" {
				keys = append(keys, k)
			}
		}

		sort.Slice(keys, func(i, j int) bool {
			a, aErr := strconv.Atoi(keys[i])
			b, bErr := strconv.Atoi(keys[j])
			if aErr == nil && bErr == nil {
				return a > b
			}
			if aErr == nil || bErr == nil {
				return aErr == nil
			}
			return keys[i] > keys[j]
		})

		if len(keys) > 0 {
			return urls[keys[0]]
		}
	}

	return nameOrDefault(p.Picture, p.AvatarURL)
}

// parseRoles accepts an array of roles, an object keyed by index or a single role string.
func parseRoles(raw json.RawMessage) []string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}

	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		return collectRoles(list)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			a, aErr := strconv.Atoi(keys[i])
			b, bErr := strconv.Atoi(keys[j])
			if aErr == nil && bErr == nil {
				return a < b
			}
			return keys[i] < keys[j]
		})

		list = make([]json.RawMessage, 0, len(keys))
		for _, k := range keys {
			list = append(list, obj[k])
		}
		return collectRoles(list)
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return collectRoles([]json.RawMessage{raw})
	}

	return nil
}

func collectRoles(list []json.RawMessage) []string {
	roles := make([]string, 0, len(list))
	for _, item := range list {
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			continue
		}

		s = strings.TrimSpace(s)
		if s == "" || slices.Contains(roles, s) {
			continue
		}
		roles = append(roles, s)
	}
	return roles
}

// parseMembership returns nil for anything that is not a JSON object.
func parseMembership(raw json.RawMessage) *oauth.Membership {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}

	var md membershipDescriptor
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil
	}

	level := scalar(md.Level)
	if level == "" {
		level = scalar(md.ID)
	}

	return &oauth.Membership{
		ID:             scalar(md.ID),
		Name:           scalar(md.Name),
		Level:          level,
		InitialPayment: scalar(md.InitialPayment),
		BillingAmount:  scalar(md.BillingAmount),
		CycleNumber:    scalar(md.CycleNumber),
		CyclePeriod:    scalar(md.CyclePeriod),
		Expiration:     scalar(md.Expiration),
	}
}

// scalar renders a JSON string or number as text. Other values render empty.
func scalar(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}

	return ""
}

// nameOrDefault returns name if it's not blank; otherwise, it returns def
func nameOrDefault(name, def string) string {
	if strings.TrimSpace(name) != "" {
		return strings.TrimSpace(name)
	}
	return def
}

func emailLocalPart(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}
