package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

type ctxKey struct{}

var principalKey ctxKey

// Principal is the caller identity carried by a verified access token.
type Principal struct {
	UserID  string
	Email   string
	Role    string
	Expired bool
}

// ErrTokenExpired is wrapped by a TokenValidator when a token is authentic but expired.
var ErrTokenExpired = errors.New("token expired")

// TokenValidator verifies a raw bearer token and returns the principal it carries.
type TokenValidator func(raw string) (Principal, error)

type policy int

const (
	policyStrict policy = iota
	policyLenient
)

// Auth rejects every request that does not carry a valid, unexpired access token.
func Auth(v TokenValidator) Middleware {
	return func(next http.Handler) http.Handler {
		return authMiddleware(next, v, policyStrict)
	}
}

// OptionalAuth lets anonymous requests and requests with an expired token through. Handlers
// can tell the two apart with PrincipalFromContext. Forged or malformed tokens are still rejected.
func OptionalAuth(v TokenValidator) Middleware {
	return func(next http.Handler) http.Handler {
		return authMiddleware(next, v, policyLenient)
	}
}

func authMiddleware(next http.Handler, v TokenValidator, p policy) http.Handler {
	if v == nil {
		panic("token validator is required")
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawToken := bearerToken(r)
		if rawToken == "" {
			if p == policyLenient {
				next.ServeHTTP(w, r)
				return
			}

			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		principal, err := v(rawToken)
		if errors.Is(err, ErrTokenExpired) {
			if p == policyLenient {
				ctx := context.WithValue(r.Context(), principalKey, Principal{Expired: true})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="token expired"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if err != nil {
			authError("invalid access token", w, r, err)
			return
		}
		if principal.UserID == "" {
			authError("access token without subject", w, r, nil)
			return
		}

		principal.Expired = false
		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}

	return h
}

func authError(msg string, w http.ResponseWriter, r *http.Request, err error) {
	slog.Warn(msg,
		"error", err,
		"method", r.Method,
		"url", r.URL.String(),
		"remote_addr", r.RemoteAddr,
	)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

// PrincipalFromContext returns the principal attached by Auth or OptionalAuth.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

func UserIDFromContext(ctx context.Context) string {
	p, _ := PrincipalFromContext(ctx)
	return p.UserID
}
