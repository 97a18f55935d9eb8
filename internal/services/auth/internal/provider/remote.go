package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gamma-omg/gatekeeper/internal/services/auth/internal/oauth"
	"golang.org/x/oauth2"
)

const maxProfileSize = 1 << 20

var (
	ErrCredentialsRejected = errors.New("credentials rejected by identity provider")
	ErrBadProfile          = errors.New("malformed profile")
)

// Remote verifies credentials against an external identity provider with the resource-owner
// password grant and reads the user's profile with the issued token.
type Remote struct {
	cfg        *oauth2.Config
	profileURL string
	timeout    time.Duration
	client     *http.Client
}

// RemoteConfig holds the configuration for the remote identity provider. TokenURL and ProfileURL
// are discovered from IssuerURL when left empty.
type RemoteConfig struct {
	IssuerURL    string
	TokenURL     string
	ProfileURL   string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

type discoveryClaims struct {
	UserInfoURL string `json:"userinfo_endpoint"`
}

// NewRemote creates a remote strategy, running OIDC discovery when endpoints are not configured.
func NewRemote(ctx context.Context, cfg RemoteConfig) (*Remote, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	endpoint := oauth2.Endpoint{TokenURL: cfg.TokenURL}
	profileURL := cfg.ProfileURL

	if (endpoint.TokenURL == "" || profileURL == "") && cfg.IssuerURL != "" {
		dctx, cancel := context.WithTimeout(oidc.ClientContext(ctx, client), timeout)
		defer cancel()

		p, err := oidc.NewProvider(dctx, cfg.IssuerURL)
		if err != nil {
			return nil, fmt.Errorf("new oidc provider: %w", err)
		}

		if endpoint.TokenURL == "" {
			endpoint = p.Endpoint()
		}

		if profileURL == "" {
			var dc discoveryClaims
			if err := p.Claims(&dc); err != nil {
				return nil, fmt.Errorf("read discovery document: %w", err)
			}
			profileURL = dc.UserInfoURL
		}
	}

	if endpoint.TokenURL == "" {
		return nil, errors.New("token endpoint is not configured")
	}
	if profileURL == "" {
		return nil, errors.New("profile endpoint is not configured")
	}

	return &Remote{
		cfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       cfg.Scopes,
		},
		profileURL: profileURL,
		timeout:    timeout,
		client:     client,
	}, nil
}

// Authenticate exchanges the credentials for a bearer token and fetches the profile it grants
// access to. Every failure, including a timeout, is a verification failure.
func (r *Remote) Authenticate(ctx context.Context, creds oauth.Credentials, _ oauth.RequestContext) (oauth.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)

	tok, err := r.cfg.PasswordCredentialsToken(ctx, creds.Identifier, creds.Secret)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			if rerr.Response.StatusCode == http.StatusBadRequest || rerr.Response.StatusCode == http.StatusUnauthorized ||
				rerr.Response.StatusCode == http.StatusForbidden {
				return oauth.Identity{}, ErrCredentialsRejected
			}
		}

		return oauth.Identity{}, fmt.Errorf("password grant: %w", err)
	}

	p, err := r.fetchProfile(ctx, tok)
	if err != nil {
		return oauth.Identity{}, fmt.Errorf("fetch profile: %w", err)
	}

	id, err := p.identity()
	if err != nil {
		return oauth.Identity{}, err
	}

	return id, nil
}

func (r *Remote) fetchProfile(ctx context.Context, tok *oauth2.Token) (profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.profileURL, nil)
	if err != nil {
		return profile{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.cfg.Client(ctx, tok).Do(req)
	if err != nil {
		return profile{}, fmt.Errorf("get profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return profile{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var p profile
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProfileSize)).Decode(&p); err != nil {
		return profile{}, fmt.Errorf("%w: %v", ErrBadProfile, err)
	}

	return p, nil
}
