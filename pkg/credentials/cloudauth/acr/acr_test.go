package acr

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/docker/docker/api/types/registry"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dominodatalab/vulcan/pkg/credentials/cloudauth"
)

type fakeCredential struct {
	token string
	err   error
	calls int
}

func (f *fakeCredential) GetToken(_ context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	f.calls++
	if f.err != nil {
		return azcore.AccessToken{}, f.err
	}
	if len(opts.Scopes) != 1 || opts.Scopes[0] != armScope {
		return azcore.AccessToken{}, errors.New("unexpected scopes")
	}

	return azcore.AccessToken{Token: f.token, ExpiresOn: time.Now().Add(time.Hour)}, nil
}

func setup(t *testing.T, handler http.HandlerFunc, challengeErr error) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	origExchange, origChallenger, origDelay := exchangeURL, defaultChallengeLoginServer, cloudauth.RetryBaseDelay
	t.Cleanup(func() {
		exchangeURL, defaultChallengeLoginServer, cloudauth.RetryBaseDelay = origExchange, origChallenger, origDelay
	})

	cloudauth.RetryBaseDelay = time.Millisecond
	exchangeURL = func(string) string { return srv.URL + "/oauth2/exchange" }
	defaultChallengeLoginServer = func(context.Context, string) (*cloudauth.AuthDirective, error) {
		if challengeErr != nil {
			return nil, challengeErr
		}
		return &cloudauth.AuthDirective{Service: "steve.azurecr.io", Realm: "https://steve.azurecr.io/oauth2/token"}, nil
	}
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()

	exchangeHandler := func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "access_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "steve.azurecr.io", r.PostForm.Get("service"))
		assert.Equal(t, "tenant-1", r.PostForm.Get("tenant"))

		if r.PostForm.Get("access_token") != "aad-token" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"errors":"bad token"}`))
			return
		}
		_, _ = w.Write([]byte(`{"refresh_token":"acr-refresh"}`))
	}

	t.Run("invalid_url", func(t *testing.T) {
		p := &acrProvider{tenantID: "tenant-1", credential: &fakeCredential{token: "aad-token"}}

		_, err := p.authenticate(ctx, logr.Discard(), "steve.io")
		assert.ErrorContains(t, err, `ACR URL is invalid: "steve.io"`)
	})

	t.Run("success", func(t *testing.T) {
		setup(t, exchangeHandler, nil)
		p := &acrProvider{tenantID: "tenant-1", credential: &fakeCredential{token: "aad-token"}}

		auth, err := p.authenticate(ctx, logr.Discard(), "steve.azurecr.io")
		require.NoError(t, err)
		assert.Equal(t, &registry.AuthConfig{Username: acrUserForRefreshToken, Password: "acr-refresh"}, auth)
	})

	t.Run("aad_failure_is_retried", func(t *testing.T) {
		setup(t, exchangeHandler, nil)
		cred := &fakeCredential{err: errors.New("imds unavailable")}
		p := &acrProvider{tenantID: "tenant-1", credential: cred}

		_, err := p.authenticate(ctx, logr.Discard(), "steve.azurecr.io")
		assert.EqualError(t, err, "failed to refresh AAD token: imds unavailable")
		assert.Equal(t, 3, cred.calls)
	})

	t.Run("challenge_failure", func(t *testing.T) {
		setup(t, exchangeHandler, errors.New("no challenge"))
		p := &acrProvider{tenantID: "tenant-1", credential: &fakeCredential{token: "aad-token"}}

		_, err := p.authenticate(ctx, logr.Discard(), "steve.azurecr.io")
		assert.EqualError(t, err, "no challenge")
	})

	t.Run("exchange_rejected", func(t *testing.T) {
		setup(t, exchangeHandler, nil)
		p := &acrProvider{tenantID: "tenant-1", credential: &fakeCredential{token: "wrong"}}

		_, err := p.authenticate(ctx, logr.Discard(), "steve.azurecr.io")
		assert.EqualError(t, err, `failed to generate ACR refresh token: exchange returned 401: {"errors":"bad token"}`)
	})
}

func TestRegister(t *testing.T) {
	orig := newCredential
	t.Cleanup(func() { newCredential = orig })
	newCredential = func() (azcore.TokenCredential, error) { return &fakeCredential{}, nil }

	t.Run("absent_env", func(t *testing.T) {
		t.Setenv(envTenantID, "tenant-1")
		t.Setenv(envClientID, "")
		require.NoError(t, os.Unsetenv(envClientID))
		r := &cloudauth.Registry{}

		require.NoError(t, Register(context.Background(), logr.Discard(), r))
		assert.Zero(t, r.Len())
	})

	t.Run("registered", func(t *testing.T) {
		t.Setenv(envTenantID, "tenant-1")
		t.Setenv(envClientID, "client-1")
		r := &cloudauth.Registry{}

		require.NoError(t, Register(context.Background(), logr.Discard(), r))
		assert.Equal(t, 1, r.Len())
	})

	t.Run("credential_failure", func(t *testing.T) {
		t.Setenv(envTenantID, "tenant-1")
		t.Setenv(envClientID, "client-1")
		newCredential = func() (azcore.TokenCredential, error) { return nil, errors.New("no chain") }

		err := Register(context.Background(), logr.Discard(), &cloudauth.Registry{})
		assert.EqualError(t, err, "failed to create authentication provider: no chain")
	})
}
