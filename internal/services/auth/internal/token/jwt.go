package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalid = errors.New("invalid token")
	ErrExpired = errors.New("token expired")
)

type JwtIssuer struct {
	secret    secretProvider
	algorithm string
	issuer    string
	ttl       time.Duration
	now       func() time.Time
}

type JwtConfig struct {
	Secret    secretProvider
	Algorithm string
	Issuer    string
	TTL       time.Duration
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"role"`
}

func NewJWTIssuer(cfg JwtConfig) *JwtIssuer {
	alg := cfg.Algorithm
	if alg == "" {
		alg = jwt.SigningMethodHS256.Name
	}

	return &JwtIssuer{
		secret:    cfg.Secret,
		algorithm: alg,
		issuer:    cfg.Issuer,
		ttl:       cfg.TTL,
		now:       time.Now,
	}
}

// TTL reports how long issued tokens stay valid.
func (ti *JwtIssuer) TTL() time.Duration {
	return ti.ttl
}

// Issue signs a new token for the given claims. IssuedAt and ExpiresAt are always set by the
// issuer and the returned claims carry the values that were signed.
func (ti *JwtIssuer) Issue(claims Claims) (string, Claims, error) {
	method := jwt.GetSigningMethod(ti.algorithm)
	if method == nil {
		return "", Claims{}, fmt.Errorf("unknown signing method %q", ti.algorithm)
	}

	now := ti.now().Truncate(time.Second)
	claims.IssuedAt = now
	claims.ExpiresAt = now.Add(ti.ttl)

	tk, err := jwt.NewWithClaims(method, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Subject,
			Issuer:    ti.issuer,
			IssuedAt:  jwt.NewNumericDate(claims.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
		},
		Email: claims.Email,
		Role:  claims.Role,
	}).SignedString(ti.secret.Get())
	if err != nil {
		return "", Claims{}, fmt.Errorf("sign token: %w", err)
	}

	return tk, claims, nil
}

// Validate checks the signature, issuer and expiry of a token. Expired tokens fail with
// ErrExpired, every other defect with ErrInvalid.
func (ti *JwtIssuer) Validate(tokenStr string) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{ti.algorithm}),
		jwt.WithTimeFunc(ti.now),
		jwt.WithExpirationRequired(),
	}
	if ti.issuer != "" {
		opts = append(opts, jwt.WithIssuer(ti.issuer))
	}

	var jc jwtClaims
	_, err := jwt.ParseWithClaims(tokenStr, &jc, func(t *jwt.Token) (any, error) {
		return ti.secret.Get(), nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, fmt.Errorf("%w: %v", ErrExpired, err)
		}

		return Claims{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if jc.Subject == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalid)
	}

	c := Claims{
		Subject: jc.Subject,
		Email:   jc.Email,
		Role:    jc.Role,
	}
	if jc.IssuedAt != nil {
		c.IssuedAt = jc.IssuedAt.Time
	}
	if jc.ExpiresAt != nil {
		c.ExpiresAt = jc.ExpiresAt.Time
	}

	return c, nil
}
