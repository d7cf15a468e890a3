package identity_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dnitsch/oidc-s3-auth/internal/identity"
	"github.com/golang-jwt/jwt/v5"
)

func signedTestToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("unable to sign test token: %s", err)
	}
	return tok
}

func Test_DecodeClaims_roundtrip_without_verification(t *testing.T) {
	now := time.Now()
	token := signedTestToken(t, jwt.MapClaims{
		"sub":                "user-uuid-1",
		"preferred_username": "developer",
		"email":              "developer@example.com",
		"groups":             []string{"engineering", "s3-users"},
		"roles":              []string{"s3-full-access"},
		"iss":                "http://localhost:8080/realms/main",
		"aud":                "s3-client",
		"iat":                now.Unix(),
		"exp":                now.Add(5 * time.Minute).Unix(),
	})

	p := identity.New(identity.Config{ServerURL: "http://localhost:8080", Realm: "main", ClientID: "s3-client"})

	got, err := p.DecodeClaims(context.TODO(), token, false)
	if err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}

	if got.Subject != "user-uuid-1" {
		t.Errorf("subject: got %s, wanted user-uuid-1", got.Subject)
	}
	if got.Username != "developer" {
		t.Errorf("username: got %s, wanted developer", got.Username)
	}
	if got.Email != "developer@example.com" {
		t.Errorf("email: got %s, wanted developer@example.com", got.Email)
	}
	if len(got.Groups) != 2 || got.Groups[0] != "engineering" || got.Groups[1] != "s3-users" {
		t.Errorf("groups round trip failed, got %v", got.Groups)
	}
	if len(got.Roles) != 1 || got.Roles[0] != "s3-full-access" {
		t.Errorf("roles round trip failed, got %v", got.Roles)
	}
	if len(got.Audience) != 1 || got.Audience[0] != "s3-client" {
		t.Errorf("audience round trip failed, got %v", got.Audience)
	}
	if got.ExpiresAt.Unix() != now.Add(5*time.Minute).Unix() {
		t.Errorf("exp round trip failed, got %v", got.ExpiresAt)
	}
}

func Test_IsValid_with(t *testing.T) {
	now := time.Now()
	ttests := map[string]struct {
		token  func(t *testing.T) string
		expect bool
	}{
		"expiry in the future": {
			func(t *testing.T) string {
				return signedTestToken(t, jwt.MapClaims{"exp": now.Add(time.Hour).Unix()})
			},
			true,
		},
		"expiry in the past": {
			func(t *testing.T) string {
				return signedTestToken(t, jwt.MapClaims{"exp": now.Add(-time.Second).Unix()})
			},
			false,
		},
		"missing expiry claim": {
			func(t *testing.T) string {
				return signedTestToken(t, jwt.MapClaims{"sub": "user"})
			},
			false,
		},
		"garbage never raises": {
			func(t *testing.T) string { return "not.a.token" },
			false,
		},
	}
	p := identity.New(identity.Config{ServerURL: "http://localhost:8080", Realm: "main", ClientID: "s3-client"})
	for name, tt := range ttests {
		t.Run(name, func(t *testing.T) {
			if got := p.IsValid(tt.token(t)); got != tt.expect {
				t.Errorf("expected %v, got %v", tt.expect, got)
			}
		})
	}
}

func jwksServer(t *testing.T, pub *rsa.PublicKey, kid string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := map[string]interface{}{
			"keys": []map[string]string{{
				"kid": kid,
				"kty": "RSA",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString([]byte{0x01, 0x00, 0x01}),
			}},
		}
		json.NewEncoder(w).Encode(doc)
	}))
}

func Test_DecodeClaims_with_verification(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("unable to generate key: %s", err)
	}

	signFor := func(t *testing.T, audience string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
			"sub":                "user-uuid-1",
			"preferred_username": "developer",
			"aud":                audience,
			"exp":                time.Now().Add(5 * time.Minute).Unix(),
		})
		tok.Header["kid"] = "key-1"
		signed, err := tok.SignedString(key)
		if err != nil {
			t.Fatalf("unable to sign: %s", err)
		}
		return signed
	}

	ttests := map[string]struct {
		token     func(t *testing.T) string
		expectErr bool
	}{
		"valid signature and audience": {
			token: func(t *testing.T) string { return signFor(t, "s3-client") },
		},
		"audience mismatch": {
			token:     func(t *testing.T) string { return signFor(t, "some-other-client") },
			expectErr: true,
		},
		"signature from an unknown key": {
			token: func(t *testing.T) string {
				other, err := rsa.GenerateKey(rand.Reader, 2048)
				if err != nil {
					t.Fatalf("unable to generate key: %s", err)
				}
				tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
					"aud": "s3-client",
					"exp": time.Now().Add(5 * time.Minute).Unix(),
				})
				tok.Header["kid"] = "key-1"
				signed, err := tok.SignedString(other)
				if err != nil {
					t.Fatalf("unable to sign: %s", err)
				}
				return signed
			},
			expectErr: true,
		},
	}
	for name, tt := range ttests {
		t.Run(name, func(t *testing.T) {
			srv := jwksServer(t, &key.PublicKey, "key-1")
			defer srv.Close()

			p := identity.New(identity.Config{ServerURL: srv.URL, Realm: "main", ClientID: "s3-client", Client: srv.Client()})
			got, err := p.DecodeClaims(context.TODO(), tt.token(t), true)

			if tt.expectErr {
				if err == nil {
					t.Fatalf("got <nil>, wanted %s", identity.ErrInvalidToken)
				}
				if !errors.Is(err, identity.ErrInvalidToken) {
					t.Errorf("got %s, wanted %s", err, identity.ErrInvalidToken)
				}
				return
			}

			if err != nil {
				t.Fatalf("got %s, wanted <nil>", err)
			}
			if got.Username != "developer" {
				t.Errorf("got %s, wanted developer", got.Username)
			}
		})
	}
}

func Test_jwks_endpoint_shape(t *testing.T) {
	// the certs path is derived from server url + realm
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realms/main/protocol/openid-connect/certs" {
			t.Errorf("got path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"keys":[]}`)
	}))
	defer srv.Close()

	p := identity.New(identity.Config{ServerURL: srv.URL + "/", Realm: "main", ClientID: "s3-client", Client: srv.Client()})
	token := signedTestToken(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	if _, err := p.DecodeClaims(context.TODO(), token, true); err == nil {
		t.Error("got <nil>, wanted an error for an empty key set")
	}
}
