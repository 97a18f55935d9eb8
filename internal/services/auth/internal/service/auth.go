package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gamma-omg/gatekeeper/internal/pkg/serr"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/oauth"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/store"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/token"
)

var ErrCodeNotFound = errors.New("code not found")

// Session is an issued access credential.
type Session struct {
	AccessToken string
	ExpiresAt   time.Time
}

// verifier exchanges credentials for a verified identity
type verifier interface {
	Verify(ctx context.Context, creds oauth.Credentials, rc oauth.RequestContext) (oauth.Identity, error)
}

type reconciler interface {
	Reconcile(ctx context.Context, id oauth.Identity) (store.User, error)
}

type ledger interface {
	Spend(ctx context.Context, userID string, amount int64) (Consumption, error)
	Balance(ctx context.Context, userID string) (int64, error)
}

// tokenIssuer signs access tokens
type tokenIssuer interface {
	Issue(claims token.Claims) (string, token.Claims, error)
}

// oneTimeCodeProvider stores sessions behind short-lived single-use codes
type oneTimeCodeProvider interface {
	CreateCode(ctx context.Context, s Session) (string, error)
	RedeemCode(ctx context.Context, code string) (Session, error)
}

// Auth handles login, session issuing and credit metering
type Auth struct {
	verifier   verifier
	reconciler reconciler
	store      store.Store
	ledger     ledger
	token      tokenIssuer
	otc        oneTimeCodeProvider
	metrics    *Metrics
}

// AuthOption defines a functional option for configuring the Auth service
type AuthOption func(*Auth) *Auth

func WithVerifier(v verifier) AuthOption {
	return func(s *Auth) *Auth {
		s.verifier = v
		return s
	}
}

func WithReconciler(r reconciler) AuthOption {
	return func(s *Auth) *Auth {
		s.reconciler = r
		return s
	}
}

func WithStore(st store.Store) AuthOption {
	return func(s *Auth) *Auth {
		s.store = st
		return s
	}
}

func WithLedger(l ledger) AuthOption {
	return func(s *Auth) *Auth {
		s.ledger = l
		return s
	}
}

func WithAccessToken(iss tokenIssuer) AuthOption {
	return func(s *Auth) *Auth {
		s.token = iss
		return s
	}
}

// WithOTC enables one-time login codes. Without it logins never return a code.
func WithOTC(p oneTimeCodeProvider) AuthOption {
	return func(s *Auth) *Auth {
		s.otc = p
		return s
	}
}

func WithMetrics(m *Metrics) AuthOption {
	return func(s *Auth) *Auth {
		s.metrics = m
		return s
	}
}

// NewAuth creates a new Auth service with the provided options
func NewAuth(opts ...AuthOption) *Auth {
	s := &Auth{}
	for _, opt := range opts {
		s = opt(s)
	}

	if s.verifier == nil {
		panic("credential verifier is required")
	}

	if s.store == nil {
		panic("store is required")
	}

	if s.reconciler == nil {
		s.reconciler = NewReconciler(s.store, WithReconcilerMetrics(s.metrics))
	}

	if s.ledger == nil {
		s.ledger = NewLedger(s.store, s.metrics)
	}

	if s.token == nil {
		panic("access token issuer is required")
	}

	return s
}

type LoginRequest struct {
	Identifier string
	Secret     string
	RemoteAddr string
	UserAgent  string
	// IssueCode additionally stores the session behind a one-time code.
	IssueCode bool
}

type LoginResponse struct {
	User        store.User
	AccessToken string
	ExpiresAt   time.Time
	Code        string
}

// Login verifies the credentials, reconciles the identity with the local user and issues an
// access token.
func (s *Auth) Login(ctx context.Context, r LoginRequest) (LoginResponse, error) {
	if strings.TrimSpace(r.Identifier) == "" || r.Secret == "" {
		s.metrics.login(outcomeInvalid)
		return LoginResponse{}, serr.NewServiceError(oauth.ErrMissingCredentials, http.StatusBadRequest, "identifier and secret are required")
	}

	id, err := s.verifier.Verify(ctx, oauth.Credentials{
		Identifier: r.Identifier,
		Secret:     r.Secret,
	}, oauth.RequestContext{
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent,
	})
	if err != nil {
		if errors.Is(err, oauth.ErrMissingCredentials) {
			s.metrics.login(outcomeInvalid)
			return LoginResponse{}, serr.NewServiceError(err, http.StatusBadRequest, "identifier and secret are required")
		}

		if errors.Is(err, oauth.ErrAuthFailed) {
			s.metrics.login(outcomeRejected)
			return LoginResponse{}, serr.NewServiceError(err, http.StatusUnauthorized, "authentication failed").
				With("remote_addr", r.RemoteAddr)
		}

		s.metrics.login(outcomeError)
		return LoginResponse{}, fmt.Errorf("verify credentials: %w", err)
	}

	u, err := s.reconciler.Reconcile(ctx, id)
	if err != nil {
		s.metrics.login(outcomeError)
		return LoginResponse{}, fmt.Errorf("reconcile identity: %w", err)
	}

	if !u.Active {
		s.metrics.login(outcomeInactive)
		return LoginResponse{}, serr.NewServiceError(ErrInactive, http.StatusForbidden, "account is inactive").
			With("user_id", u.ID)
	}

	at, claims, err := s.token.Issue(token.Claims{
		Subject: u.ID,
		Email:   u.Email,
		Role:    string(u.Role),
	})
	if err != nil {
		s.metrics.login(outcomeError)
		return LoginResponse{}, fmt.Errorf("issue access token: %w", err)
	}

	resp := LoginResponse{
		User:        u,
		AccessToken: at,
		ExpiresAt:   claims.ExpiresAt,
	}

	if r.IssueCode && s.otc != nil {
		code, err := s.otc.CreateCode(ctx, Session{AccessToken: at, ExpiresAt: claims.ExpiresAt})
		if err != nil {
			s.metrics.login(outcomeError)
			return LoginResponse{}, fmt.Errorf("create one-time code: %w", err)
		}
		resp.Code = code
	}

	s.metrics.login(outcomeOK)
	slog.Info("user logged in", "user_id", u.ID, "source", id.Source, "role", u.Role)
	return resp, nil
}

// Me returns the stored user behind an access token subject
func (s *Auth) Me(ctx context.Context, userID string) (store.User, error) {
	u, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.User{}, serr.NewServiceError(err, http.StatusNotFound, "user not found").With("user_id", userID)
		}
		return store.User{}, fmt.Errorf("get user: %w", err)
	}

	return u, nil
}

// Balance returns the user's credit balance
func (s *Auth) Balance(ctx context.Context, userID string) (int64, error) {
	return s.ledger.Balance(ctx, userID)
}

// Consume takes amount credits from the user. An uncovered amount fails with a payment required
// error that still carries the current balance.
func (s *Auth) Consume(ctx context.Context, userID string, amount int64) (Consumption, error) {
	c, err := s.ledger.Spend(ctx, userID, amount)
	if err != nil {
		return Consumption{}, err
	}

	if !c.OK {
		return c, serr.NewServiceError(ErrInsufficientCredits, http.StatusPaymentRequired, "insufficient credits").
			With("user_id", userID)
	}

	return c, nil
}

// RedeemCode exchanges a one-time code for the session stored behind it
func (s *Auth) RedeemCode(ctx context.Context, code string) (Session, error) {
	if s.otc == nil {
		return Session{}, serr.NewServiceError(errors.New("otc disabled"), http.StatusNotFound, "one-time codes are disabled")
	}

	if strings.TrimSpace(code) == "" {
		return Session{}, serr.NewServiceError(errors.New("empty code"), http.StatusBadRequest, "code is required")
	}

	sess, err := s.otc.RedeemCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrCodeNotFound) {
			return Session{}, serr.NewServiceError(err, http.StatusNotFound, "code not found or expired")
		}
		return Session{}, fmt.Errorf("redeem code: %w", err)
	}

	return sess, nil
}
