package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gamma-omg/gatekeeper/internal/pkg/httpx"
	"github.com/gamma-omg/gatekeeper/internal/pkg/middleware"
	"github.com/gamma-omg/gatekeeper/internal/pkg/serr"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/oauth"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/service"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/store"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/token"
)

type authService interface {
	Login(ctx context.Context, r service.LoginRequest) (service.LoginResponse, error)
	Me(ctx context.Context, userID string) (store.User, error)
	Balance(ctx context.Context, userID string) (int64, error)
	Consume(ctx context.Context, userID string, amount int64) (service.Consumption, error)
	RedeemCode(ctx context.Context, code string) (service.Session, error)
}

// tokenValidator verifies the access tokens presented on protected routes
type tokenValidator interface {
	Validate(raw string) (token.Claims, error)
}

type API struct {
	srv    authService
	tokens tokenValidator
	mux    *http.ServeMux
}

func NewAPI(srv authService, tokens tokenValidator) *API {
	if tokens == nil {
		panic("token validator is required")
	}

	api := &API{
		srv:    srv,
		tokens: tokens,
		mux:    http.NewServeMux(),
	}
	api.mount()
	return api
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) mount() {
	strict := middleware.Auth(a.principal)
	lenient := middleware.OptionalAuth(a.principal)

	a.mux.HandleFunc("POST /api/v1/login", a.handleLogin)
	a.mux.HandleFunc("POST /api/v1/redeem", a.handleRedeem)
	a.mux.Handle("GET /api/v1/me", middleware.Chain(http.HandlerFunc(a.handleMe), lenient))
	a.mux.Handle("GET /api/v1/credits", middleware.Chain(http.HandlerFunc(a.handleBalance), strict))
	a.mux.Handle("POST /api/v1/credits/consume", middleware.Chain(http.HandlerFunc(a.handleConsume), strict))
}

// principal validates a bearer token with the issuer's own rules and maps expiry onto the
// middleware's lenient path.
func (a *API) principal(raw string) (middleware.Principal, error) {
	c, err := a.tokens.Validate(raw)
	if errors.Is(err, token.ErrExpired) {
		return middleware.Principal{}, fmt.Errorf("%w: %w", middleware.ErrTokenExpired, err)
	}
	if err != nil {
		return middleware.Principal{}, err
	}

	return middleware.Principal{
		UserID: c.Subject,
		Email:  c.Email,
		Role:   c.Role,
	}, nil
}

type userResponse struct {
	ID              string `json:"id"`
	Email           string `json:"email"`
	Name            string `json:"name"`
	Picture         string `json:"picture,omitempty"`
	Role            string `json:"role"`
	Credits         int64  `json:"credits"`
	Subscription    string `json:"subscription"`
	MembershipLevel int    `json:"membership_level"`
	MembershipName  string `json:"membership_name"`
}

func newUserResponse(u store.User) userResponse {
	return userResponse{
		ID:              u.ID,
		Email:           u.Email,
		Name:            u.Name,
		Picture:         u.Picture,
		Role:            string(u.Role),
		Credits:         u.Credits,
		Subscription:    u.Subscription,
		MembershipLevel: u.MembershipLevel,
		MembershipName:  u.MembershipName,
	}
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
	IssueCode  bool   `json:"issue_code"`
}

type loginResponse struct {
	User        userResponse `json:"user"`
	AccessToken string       `json:"access_token"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Code        string       `json:"code,omitempty"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.HandleErr(w, r, fmt.Errorf("read request json: %w", err))
		return
	}

	rc := oauth.RequestContextFrom(r)
	resp, err := a.srv.Login(r.Context(), service.LoginRequest{
		Identifier: req.Identifier,
		Secret:     req.Secret,
		RemoteAddr: rc.RemoteAddr,
		UserAgent:  rc.UserAgent,
		IssueCode:  req.IssueCode,
	})
	if err != nil {
		httpx.HandleErr(w, r, err)
		return
	}

	err = httpx.WriteJSON(w, http.StatusOK, loginResponse{
		User:        newUserResponse(resp.User),
		AccessToken: resp.AccessToken,
		ExpiresAt:   resp.ExpiresAt,
		Code:        resp.Code,
	})
	if err != nil {
		httpx.HandleErr(w, r, fmt.Errorf("write response json: %w", err))
	}
}

type redeemRequest struct {
	Code string `json:"code"`
}

type sessionResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (a *API) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.HandleErr(w, r, fmt.Errorf("read request json: %w", err))
		return
	}

	sess, err := a.srv.RedeemCode(r.Context(), req.Code)
	if err != nil {
		httpx.HandleErr(w, r, err)
		return
	}

	err = httpx.WriteJSON(w, http.StatusOK, sessionResponse{
		AccessToken: sess.AccessToken,
		ExpiresAt:   sess.ExpiresAt,
	})
	if err != nil {
		httpx.HandleErr(w, r, fmt.Errorf("write response json: %w", err))
	}
}

var (
	errAnonymous      = errors.New("anonymous request")
	errSessionExpired = errors.New("session expired")
)

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		httpx.HandleErr(w, r, serr.NewServiceError(errAnonymous, http.StatusUnauthorized, "not logged in"))
		return
	}
	if p.Expired {
		httpx.HandleErr(w, r, serr.NewServiceError(errSessionExpired, http.StatusUnauthorized, "session expired"))
		return
	}

	u, err := a.srv.Me(r.Context(), p.UserID)
	if err != nil {
		httpx.HandleErr(w, r, err)
		return
	}

	if err := httpx.WriteJSON(w, http.StatusOK, newUserResponse(u)); err != nil {
		httpx.HandleErr(w, r, fmt.Errorf("write response json: %w", err))
	}
}

type balanceResponse struct {
	Balance int64 `json:"balance"`
}

func (a *API) handleBalance(w http.ResponseWriter, r *http.Request) {
	b, err := a.srv.Balance(r.Context(), middleware.UserIDFromContext(r.Context()))
	if err != nil {
		httpx.HandleErr(w, r, err)
		return
	}

	if err := httpx.WriteJSON(w, http.StatusOK, balanceResponse{Balance: b}); err != nil {
		httpx.HandleErr(w, r, fmt.Errorf("write response json: %w", err))
	}
}

type consumeRequest struct {
	Amount *int64 `json:"amount,omitempty"`
}

type consumeResponse struct {
	OK      bool   `json:"ok"`
	Balance int64  `json:"balance"`
	Error   string `json:"error,omitempty"`
}

func (a *API) handleConsume(w http.ResponseWriter, r *http.Request) {
	// an empty body consumes one credit
	var req consumeRequest
	if err := httpx.ReadJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httpx.HandleErr(w, r, fmt.Errorf("read request json: %w", err))
		return
	}

	amount := int64(1)
	if req.Amount != nil {
		amount = *req.Amount
	}

	uid := middleware.UserIDFromContext(r.Context())
	c, err := a.srv.Consume(r.Context(), uid, amount)
	if errors.Is(err, service.ErrInsufficientCredits) {
		_ = httpx.WriteJSON(w, http.StatusPaymentRequired, consumeResponse{
			OK:      false,
			Balance: c.Balance,
			Error:   "insufficient credits",
		})
		return
	}
	if err != nil {
		httpx.HandleErr(w, r, err)
		return
	}

	if err := httpx.WriteJSON(w, http.StatusOK, consumeResponse{OK: c.OK, Balance: c.Balance}); err != nil {
		httpx.HandleErr(w, r, fmt.Errorf("write response json: %w", err))
	}
}
