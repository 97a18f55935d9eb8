package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

var (
	ErrStrategyConflict   = errors.New("strategy already exists")
	ErrAuthFailed         = errors.New("auth failed")
	ErrMissingCredentials = errors.New("missing credentials")
)

// Strategy verifies credentials against a single identity source.
type Strategy interface {
	Authenticate(ctx context.Context, creds Credentials, rc RequestContext) (Identity, error)
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc func(ctx context.Context, creds Credentials, rc RequestContext) (Identity, error)

func (f StrategyFunc) Authenticate(ctx context.Context, creds Credentials, rc RequestContext) (Identity, error) {
	return f(ctx, creds, rc)
}

type namedStrategy struct {
	name string
	s    Strategy
}

// Authenticator tries its strategies in registration order and returns the first identity any of
// them verifies.
type Authenticator struct {
	strategies []namedStrategy
	mu         sync.RWMutex
}

func NewAuthenticator() *Authenticator {
	return &Authenticator{}
}

func (a *Authenticator) Use(name string, s Strategy) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, ns := range a.strategies {
		if ns.name == name {
			return ErrStrategyConflict
		}
	}

	a.strategies = append(a.strategies, namedStrategy{name: name, s: s})
	return nil
}

// Strategies returns the registered strategy names in the order they are tried.
func (a *Authenticator) Strategies() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	names := make([]string, 0, len(a.strategies))
	for _, ns := range a.strategies {
		names = append(names, ns.name)
	}
	return names
}

// Verify checks the credentials with each strategy in turn. Individual strategy failures are
// logged and never returned: when every strategy fails the result is ErrAuthFailed.
func (a *Authenticator) Verify(ctx context.Context, creds Credentials, rc RequestContext) (Identity, error) {
	creds.Identifier = strings.TrimSpace(creds.Identifier)
	if creds.Identifier == "" || creds.Secret == "" {
		return Identity{}, ErrMissingCredentials
	}

	a.mu.RLock()
	strategies := make([]namedStrategy, len(a.strategies))
	copy(strategies, a.strategies)
	a.mu.RUnlock()

	for _, ns := range strategies {
		if err := ctx.Err(); err != nil {
			return Identity{}, fmt.Errorf("verify: %w", err)
		}

		id, err := ns.s.Authenticate(ctx, creds, rc)
		if err != nil {
			slog.Info("authentication strategy failed",
				"strategy", ns.name,
				"remote_addr", rc.RemoteAddr,
				"error", err)
			continue
		}

		id = id.normalize()
		if id.Subject == "" || id.Email == "" {
			slog.Warn("authentication strategy returned incomplete identity",
				"strategy", ns.name,
				"remote_addr", rc.RemoteAddr)
			continue
		}

		return id, nil
	}

	return Identity{}, ErrAuthFailed
}
