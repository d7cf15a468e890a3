package credentialexchange_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dnitsch/oidc-s3-auth/internal/credentialexchange"
)

var qualifiedSuccessResponse = `<?xml version="1.0" encoding="UTF-8"?>
<AssumeRoleWithWebIdentityResponse xmlns="https://sts.amazonaws.com/doc/2011-06-15/">
  <AssumeRoleWithWebIdentityResult>
    <Credentials>
      <AccessKeyId>ASIAQUALIFIED123</AccessKeyId>
      <SecretAccessKey>secret/qualified+key</SecretAccessKey>
      <SessionToken>FQoGZXIvYXdzEBYaDqualified==</SessionToken>
      <Expiration>2026-08-25T17:00:00Z</Expiration>
    </Credentials>
  </AssumeRoleWithWebIdentityResult>
</AssumeRoleWithWebIdentityResponse>`

var unqualifiedSuccessResponse = `<?xml version="1.0" encoding="UTF-8"?>
<AssumeRoleWithWebIdentityResponse>
  <AssumeRoleWithWebIdentityResult>
    <Credentials>
      <AccessKeyId>ASIABARE456</AccessKeyId>
      <SecretAccessKey>secret/bare+key</SecretAccessKey>
      <SessionToken>FQoGZXIvYXdzEBYaDbare==</SessionToken>
      <Expiration>2026-08-25T18:00:00+02:00</Expiration>
    </Credentials>
  </AssumeRoleWithWebIdentityResult>
</AssumeRoleWithWebIdentityResponse>`

var accessDeniedResponse = `<?xml version="1.0" encoding="UTF-8"?>
<ErrorResponse xmlns="https://sts.amazonaws.com/doc/2011-06-15/">
  <Error>
    <Code>AccessDenied</Code>
    <Message>Not authorized to assume role</Message>
  </Error>
  <RequestId>req-1234</RequestId>
</ErrorResponse>`

var missingFieldResponse = `<?xml version="1.0" encoding="UTF-8"?>
<AssumeRoleWithWebIdentityResponse>
  <AssumeRoleWithWebIdentityResult>
    <Credentials>
      <AccessKeyId>ASIAPARTIAL</AccessKeyId>
      <SecretAccessKey>secret</SecretAccessKey>
      <Expiration>2026-08-25T17:00:00Z</Expiration>
    </Credentials>
  </AssumeRoleWithWebIdentityResult>
</AssumeRoleWithWebIdentityResponse>`

func exchangeSrv(t *testing.T, status int, body string, gotForm *map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("unable to parse form: %s", err)
		}
		if gotForm != nil {
			for k := range r.PostForm {
				(*gotForm)[k] = r.PostForm.Get(k)
			}
		}
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
}

func Test_ExchangeToken_with(t *testing.T) {
	ttests := map[string]struct {
		status       int
		body         string
		expectErr    bool
		expectCode   string
		expectAccess string
		expectToken  string
	}{
		"namespace qualified credentials": {
			status:       200,
			body:         qualifiedSuccessResponse,
			expectAccess: "ASIAQUALIFIED123",
			expectToken:  "FQoGZXIvYXdzEBYaDqualified==",
		},
		"bare unqualified credentials": {
			status:       200,
			body:         unqualifiedSuccessResponse,
			expectAccess: "ASIABARE456",
			expectToken:  "FQoGZXIvYXdzEBYaDbare==",
		},
		"error payload with ok status still fails": {
			status:     200,
			body:       accessDeniedResponse,
			expectErr:  true,
			expectCode: "AccessDenied",
		},
		"error payload with denied status": {
			status:     403,
			body:       accessDeniedResponse,
			expectErr:  true,
			expectCode: "AccessDenied",
		},
		"plain text failure body": {
			status:    500,
			body:      "internal gateway error",
			expectErr: true,
		},
		"missing required field is malformed": {
			status:    200,
			body:      missingFieldResponse,
			expectErr: true,
		},
		"no credentials element is malformed": {
			status:    200,
			body:      `<AssumeRoleWithWebIdentityResponse></AssumeRoleWithWebIdentityResponse>`,
			expectErr: true,
		},
	}
	for name, tt := range ttests {
		t.Run(name, func(t *testing.T) {
			srv := exchangeSrv(t, tt.status, tt.body, nil)
			defer srv.Close()

			client := credentialexchange.NewExchangeClient(srv.URL, srv.Client())
			got, err := client.ExchangeToken(context.TODO(), "id-token", "arn:aws:iam::000:role/dev", "developer-session", 900)

			if tt.expectErr {
				if err == nil {
					t.Fatalf("got <nil>, wanted %s", credentialexchange.ErrExchangeFailed)
				}
				if !errors.Is(err, credentialexchange.ErrExchangeFailed) {
					t.Errorf("got %s, wanted %s", err, credentialexchange.ErrExchangeFailed)
				}
				if tt.expectCode != "" {
					exchErr := &credentialexchange.ExchangeError{}
					if !errors.As(err, &exchErr) {
						t.Fatalf("got %T, wanted *ExchangeError", err)
					}
					if exchErr.Code != tt.expectCode {
						t.Errorf("got code %s, wanted %s", exchErr.Code, tt.expectCode)
					}
					if exchErr.Message == "" {
						t.Error("expected the upstream message to be carried")
					}
				}
				return
			}

			if err != nil {
				t.Fatalf("got %s, wanted <nil>", err)
			}
			if got.AccessKey != tt.expectAccess {
				t.Errorf("access key: got %s, wanted %s", got.AccessKey, tt.expectAccess)
			}
			if got.SessionToken != tt.expectToken {
				t.Errorf("session token: got %s, wanted %s", got.SessionToken, tt.expectToken)
			}
			if got.SecretKey == "" || got.Expiration == "" {
				t.Errorf("expected all credential fields populated, got %v", got)
			}
		})
	}
}

func Test_ExchangeToken_sends_federation_form(t *testing.T) {
	gotForm := map[string]string{}
	srv := exchangeSrv(t, 200, qualifiedSuccessResponse, &gotForm)
	defer srv.Close()

	client := credentialexchange.NewExchangeClient(srv.URL, srv.Client())
	if _, err := client.ExchangeToken(context.TODO(), "id-token-abc", "arn:aws:iam::000:role/dev", "developer-session-1", 3600); err != nil {
		t.Fatalf("got %s, wanted <nil>", err)
	}

	expected := map[string]string{
		"Action":           "AssumeRoleWithWebIdentity",
		"Version":          "2011-06-15",
		"WebIdentityToken": "id-token-abc",
		"RoleArn":          "arn:aws:iam::000:role/dev",
		"RoleSessionName":  "developer-session-1",
		"DurationSeconds":  "3600",
	}
	for k, want := range expected {
		if gotForm[k] != want {
			t.Errorf("form %s: got %s, wanted %s", k, gotForm[k], want)
		}
	}
}
