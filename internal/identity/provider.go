package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	ErrAuthFailed   = errors.New("authentication failed")
	ErrInvalidToken = errors.New("invalid token")
)

// DefaultExpiryMargin is subtracted from a token's nominal lifetime
// so renewal happens slightly before the token actually lapses.
const DefaultExpiryMargin = 30 * time.Second

// Token is a single issued token pair. It is replaced wholesale on
// refresh or re-authentication, never mutated in place.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int       `json:"expires_in"`
	FetchedAt    time.Time `json:"-"`
}

// Expired reports whether the token is within margin of its derived
// expiry (FetchedAt + ExpiresIn).
func (t *Token) Expired(margin time.Duration) bool {
	if t == nil {
		return true
	}
	return time.Since(t.FetchedAt) >= time.Duration(t.ExpiresIn)*time.Second-margin
}

type Config struct {
	// ServerURL is the base URL of the OIDC provider, e.g. http://localhost:8080
	ServerURL string
	Realm     string
	ClientID  string
	// Client overrides the default http client, useful for tests
	// and for callers imposing their own timeouts.
	Client *http.Client
}

// Provider obtains and keeps fresh identity tokens for principals,
// minimising round trips to the token endpoint. The per-principal cache
// is instance state - construct one Provider and hand it around.
type Provider struct {
	tokenEndpoint string
	jwksEndpoint  string
	clientID      string
	client        *http.Client
	margin        time.Duration

	mu    sync.Mutex
	cache map[string]*Token
}

func New(conf Config) *Provider {
	base := strings.TrimRight(conf.ServerURL, "/")
	client := conf.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Provider{
		tokenEndpoint: fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", base, conf.Realm),
		jwksEndpoint:  fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", base, conf.Realm),
		clientID:      conf.ClientID,
		client:        client,
		margin:        DefaultExpiryMargin,
		cache:         map[string]*Token{},
	}
}

// WithExpiryMargin overrides the default safety margin.
func (p *Provider) WithExpiryMargin(margin time.Duration) *Provider {
	p.margin = margin
	return p
}

// Authenticate performs a password grant against the token endpoint and
// stores the result in the per-principal cache, superseding any prior entry.
func (p *Provider) Authenticate(ctx context.Context, principal, secret string) (*Token, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("client_id", p.clientID)
	form.Set("username", principal)
	form.Set("password", secret)
	form.Set("scope", "openid profile email")

	token, err := p.tokenCall(ctx, form)
	if err != nil {
		return nil, err
	}

	p.StoreToken(principal, token)
	return token, nil
}

// GetToken returns a cached access token for the principal while it is
// outside the expiry margin, unless forceRefresh is set. Otherwise it
// re-authenticates and returns the fresh token.
func (p *Provider) GetToken(ctx context.Context, principal, secret string, forceRefresh bool) (string, error) {
	if !forceRefresh {
		p.mu.Lock()
		cached := p.cache[principal]
		p.mu.Unlock()
		if !cached.Expired(p.margin) {
			return cached.AccessToken, nil
		}
	}

	token, err := p.Authenticate(ctx, principal, secret)
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// Refresh exchanges a refresh token for a new token pair. A rejected
// refresh token surfaces as ErrAuthFailed - falling back to a full
// Authenticate is the caller's responsibility, never done here.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", p.clientID)
	form.Set("refresh_token", refreshToken)

	return p.tokenCall(ctx, form)
}

// StoreToken places a token in the cache for the principal. Refresh does
// not know which principal a refresh token belongs to, so callers that
// refresh out of band put the result back themselves.
func (p *Provider) StoreToken(principal string, token *Token) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache[principal] = token
}

// CachedToken returns the current cache entry for the principal, nil if none.
func (p *Provider) CachedToken(principal string) *Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache[principal]
}

func (p *Provider) tokenCall(ctx context.Context, form url.Values) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("unable to build token request: %s, %w", err, ErrAuthFailed)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint unreachable: %s, %w", err, ErrAuthFailed)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("unable to read token response: %s, %w", err, ErrAuthFailed)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("token endpoint returned %d: %s, %w", resp.StatusCode, strings.TrimSpace(string(body)), ErrAuthFailed)
	}

	token := &Token{}
	if err := json.Unmarshal(body, token); err != nil {
		return nil, fmt.Errorf("malformed token response: %s, %w", err, ErrAuthFailed)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token, %w", ErrAuthFailed)
	}

	token.FetchedAt = time.Now()
	return token, nil
}
