package cmdutils

import (
	"context"
	"errors"
	"fmt"

	"github.com/dnitsch/oidc-s3-auth/internal/credentialexchange"
	"github.com/dnitsch/oidc-s3-auth/internal/identity"
	"github.com/dnitsch/oidc-s3-auth/internal/storage"
)

var (
	ErrMissingArg         = errors.New("missing arg")
	ErrCredentialsExpired = errors.New("credentials expired")
)

type TokenProvider interface {
	GetToken(ctx context.Context, principal, secret string, forceRefresh bool) (string, error)
	Refresh(ctx context.Context, refreshToken string) (*identity.Token, error)
	Authenticate(ctx context.Context, principal, secret string) (*identity.Token, error)
	CachedToken(principal string) *identity.Token
	StoreToken(principal string, token *identity.Token)
}

type Exchanger interface {
	ExchangeToken(ctx context.Context, identityToken, roleArn, sessionName string, durationSeconds int) (*credentialexchange.Credentials, error)
}

type SecretStorageImpl interface {
	Credential() (*credentialexchange.Credentials, error)
	SaveCredential(cred *credentialexchange.Credentials) error
	Clear() error
	ClearAll() error
}

// Renewer ties the identity provider, the exchange client and the secret
// store together into the check-then-exchange renewal sequence. It is not
// safe for concurrent use on the same principal - callers wanting that
// must serialize externally.
type Renewer struct {
	Provider  TokenProvider
	Exchanger Exchanger
	Store     SecretStorageImpl
	Conf      credentialexchange.CredentialConfig
	Secret    string
}

// identityToken returns an access token for the configured principal.
// When the cached pair holds a refresh token it is tried first; a
// rejected refresh falls back to full re-authentication here, at the
// caller level, never inside Refresh itself.
func (r *Renewer) identityToken(ctx context.Context, force bool) (string, error) {
	principal := r.Conf.BaseConfig.Username

	if !force {
		return r.Provider.GetToken(ctx, principal, r.Secret, false)
	}

	if cached := r.Provider.CachedToken(principal); cached != nil && cached.RefreshToken != "" {
		refreshed, err := r.Provider.Refresh(ctx, cached.RefreshToken)
		if err == nil {
			r.Provider.StoreToken(principal, refreshed)
			return refreshed.AccessToken, nil
		}
		if !errors.Is(err, identity.ErrAuthFailed) {
			return "", err
		}
	}

	token, err := r.Provider.Authenticate(ctx, principal, r.Secret)
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// EnsureValidCredentials returns a credential set that is not expired and
// not inside the reload window, exchanging a fresh identity token for new
// credentials when required. The stored set is replaced wholesale.
func (r *Renewer) EnsureValidCredentials(ctx context.Context, forceRenew bool) (*credentialexchange.Credentials, error) {
	if !forceRenew {
		stored, err := r.Store.Credential()
		if err != nil {
			return nil, err
		}
		if stored != nil && !stored.IsExpired() && !stored.ExpiresWithin(r.Conf.BaseConfig.ReloadBeforeTime) {
			return stored, nil
		}
	}

	token, err := r.identityToken(ctx, forceRenew)
	if err != nil {
		return nil, err
	}

	sessionName := credentialexchange.SessionName(r.Conf.BaseConfig.Username, credentialexchange.SELF_NAME)
	creds, err := r.Exchanger.ExchangeToken(ctx, token, r.Conf.BaseConfig.Role, sessionName, r.Conf.Duration)
	if err != nil {
		return nil, err
	}

	creds.Version = 1
	if err := r.Store.SaveCredential(creds); err != nil {
		return nil, err
	}
	return creds, nil
}

// WithRenewal runs a storage operation under the renewal policy: if the
// operation fails with a stale-credential code, renew once (forced
// identity refresh plus re-exchange) and retry the operation exactly
// once. The bound is an explicit counter, not recursion; a second failure
// is terminal and carries the upstream error.
func (r *Renewer) WithRenewal(ctx context.Context, op func(ctx context.Context, creds *credentialexchange.Credentials) error) error {
	const maxRetries = 1

	creds, err := r.EnsureValidCredentials(ctx, false)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		opErr := op(ctx, creds)
		if opErr == nil {
			return nil
		}
		if attempt >= maxRetries || !storage.IsAuthError(opErr) {
			return opErr
		}
		creds, err = r.EnsureValidCredentials(ctx, true)
		if err != nil {
			return err
		}
	}
}

// GetCreds is the CLI workflow: make sure a valid credential set exists
// and emit it to the configured destination.
func GetCreds(ctx context.Context, r *Renewer, conf credentialexchange.CredentialConfig) error {
	if conf.BaseConfig.CfgSectionName == "" && conf.BaseConfig.StoreInProfile {
		return fmt.Errorf("cfg-section name must be provided if store-profile is enabled %w", ErrMissingArg)
	}

	creds, err := r.EnsureValidCredentials(ctx, false)
	if err != nil {
		return err
	}

	return credentialexchange.SetCredentials(creds, conf)
}
