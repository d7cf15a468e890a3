package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the flattened view of an identity token payload.
type Claims struct {
	Subject   string
	Username  string
	Email     string
	Groups    []string
	Roles     []string
	Issuer    string
	Audience  []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string   `json:"preferred_username"`
	Email             string   `json:"email"`
	Groups            []string `json:"groups"`
	Roles             []string `json:"roles"`
}

func (tc *tokenClaims) flatten() Claims {
	c := Claims{
		Subject:  tc.Subject,
		Username: tc.PreferredUsername,
		Email:    tc.Email,
		Groups:   tc.Groups,
		Roles:    tc.Roles,
		Issuer:   tc.Issuer,
		Audience: tc.Audience,
	}
	if tc.IssuedAt != nil {
		c.IssuedAt = tc.IssuedAt.Time
	}
	if tc.ExpiresAt != nil {
		c.ExpiresAt = tc.ExpiresAt.Time
	}
	return c
}

// DecodeClaims parses the token payload into Claims. With verify false no
// network call is made and the signature is not checked - inspection only.
// With verify true the issuer's JWKS is fetched and the signature and
// audience are validated before any claims are returned.
func (p *Provider) DecodeClaims(ctx context.Context, token string, verify bool) (Claims, error) {
	claims := &tokenClaims{}

	if !verify {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return Claims{}, fmt.Errorf("unable to decode claims: %s, %w", err, ErrInvalidToken)
		}
		return claims.flatten(), nil
	}

	keyfunc, err := p.jwksKeyfunc(ctx)
	if err != nil {
		return Claims{}, err
	}

	parsed, err := jwt.ParseWithClaims(token, claims, keyfunc,
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(p.clientID),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("token verification failed: %s, %w", err, ErrInvalidToken)
	}
	if !parsed.Valid {
		return Claims{}, fmt.Errorf("token rejected, %w", ErrInvalidToken)
	}

	return claims.flatten(), nil
}

// IsValid reports whether the decoded expiry claim is strictly in the
// future. Any decode failure counts as invalid - this never errors.
func (p *Provider) IsValid(token string) bool {
	claims := &tokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return claims.ExpiresAt.After(time.Now())
}

type jwksDocument struct {
	Keys []jwksKey `json:"keys"`
}

type jwksKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// jwksKeyfunc fetches the issuer's signing keys and returns a keyfunc
// resolving the token's kid to an RSA public key.
func (p *Provider) jwksKeyfunc(ctx context.Context) (jwt.Keyfunc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.jwksEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to build jwks request: %s, %w", err, ErrInvalidToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks endpoint unreachable: %s, %w", err, ErrInvalidToken)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("unable to read jwks response: %s, %w", err, ErrInvalidToken)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("jwks endpoint returned %d, %w", resp.StatusCode, ErrInvalidToken)
	}

	jwks := &jwksDocument{}
	if err := json.Unmarshal(body, jwks); err != nil {
		return nil, fmt.Errorf("malformed jwks response: %s, %w", err, ErrInvalidToken)
	}

	return func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		for _, key := range jwks.Keys {
			if key.Kty != "RSA" {
				continue
			}
			if kid != "" && key.Kid != kid {
				continue
			}
			return rsaPublicKey(key)
		}
		return nil, fmt.Errorf("no signing key for kid %q, %w", kid, ErrInvalidToken)
	}, nil
}

func rsaPublicKey(key jwksKey) (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(key.N)
	if err != nil {
		return nil, fmt.Errorf("bad key modulus: %s, %w", err, ErrInvalidToken)
	}
	e, err := base64.RawURLEncoding.DecodeString(key.E)
	if err != nil {
		return nil, fmt.Errorf("bad key exponent: %s, %w", err, ErrInvalidToken)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(new(big.Int).SetBytes(e).Int64()),
	}, nil
}
