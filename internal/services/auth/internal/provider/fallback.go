package provider

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"
	"unicode/utf8"

	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/oauth"
)

const (
	MinFallbackSecretLength = 12
	FallbackSubjectPrefix   = "local-fallback:"

	developerLevel = "999"
	developerName  = "developer"
)

var (
	ErrFallbackDisabled   = errors.New("local fallback is disabled")
	ErrOriginNotAllowed   = errors.New("origin not allowed for local fallback")
	ErrCredentialMismatch = errors.New("credentials do not match local fallback")
)

// FallbackConfig configures the local fallback strategy.
type FallbackConfig struct {
	Production   bool
	Email        string
	Secret       string
	FailureDelay time.Duration
}

// Fallback authenticates a single configured developer account for requests coming from a local
// network when the service does not run in production.
type Fallback struct {
	cfg   FallbackConfig
	sleep func(ctx context.Context, d time.Duration) error
}

func NewFallback(cfg FallbackConfig) *Fallback {
	if cfg.FailureDelay < 0 {
		cfg.FailureDelay = 0
	}

	return &Fallback{
		cfg:   cfg,
		sleep: sleepCtx,
	}
}

// Enabled reports whether the configuration allows the fallback to ever succeed.
func (f *Fallback) Enabled() bool {
	return !f.cfg.Production &&
		f.cfg.Email != "" &&
		utf8.RuneCountInString(f.cfg.Secret) >= MinFallbackSecretLength
}

func (f *Fallback) Authenticate(ctx context.Context, creds oauth.Credentials, rc oauth.RequestContext) (oauth.Identity, error) {
	if !f.Enabled() {
		return oauth.Identity{}, ErrFallbackDisabled
	}

	if !privateOrigin(rc.RemoteAddr) {
		return oauth.Identity{}, fmt.Errorf("%w: %s", ErrOriginNotAllowed, rc.RemoteAddr)
	}

	idOK := subtle.ConstantTimeCompare([]byte(creds.Identifier), []byte(f.cfg.Email))
	secretOK := subtle.ConstantTimeCompare([]byte(creds.Secret), []byte(f.cfg.Secret))
	if idOK&secretOK != 1 {
		if err := f.sleep(ctx, f.cfg.FailureDelay); err != nil {
			return oauth.Identity{}, fmt.Errorf("failure delay: %w", err)
		}
		return oauth.Identity{}, ErrCredentialMismatch
	}

	return oauth.Identity{
		Subject: FallbackSubjectPrefix + f.cfg.Email,
		Email:   f.cfg.Email,
		Name:    nameOrDefault(emailLocalPart(f.cfg.Email), f.cfg.Email),
		Roles:   []string{oauth.RoleAdministrator},
		Membership: &oauth.Membership{
			ID:    developerLevel,
			Name:  developerName,
			Level: developerLevel,
		},
		Source: oauth.SourceLocalFallback,
	}, nil
}

// privateOrigin reports whether addr (host:port or a bare host) is a loopback or private address.
func privateOrigin(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	ip = ip.Unmap()

	return ip.IsLoopback() || ip.IsPrivate()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
