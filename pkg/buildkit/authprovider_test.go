package buildkit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/docker/cli/cli/config/configfile"
	"github.com/docker/cli/cli/config/types"
	"github.com/docker/docker/api/types/registry"
	"github.com/go-logr/logr"
	"github.com/moby/buildkit/session/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/dominodatalab/vulcan/pkg/credentials/cloudauth"
)

type mockRetriever struct {
	mock.Mock
}

func (m *mockRetriever) RetrieveAuthorization(_ context.Context, _ logr.Logger, server string) (*registry.AuthConfig, error) {
	args := m.Called(server)
	ac, _ := args.Get(0).(*registry.AuthConfig)
	return ac, args.Error(1)
}

func fastBackoff(t *testing.T) {
	orig := authBackoff
	authBackoff = wait.Backoff{Duration: time.Millisecond, Factor: 1, Steps: 3}
	t.Cleanup(func() { authBackoff = orig })
}

func staticConfig() *configfile.ConfigFile {
	cf := configfile.New("config.json")
	cf.AuthConfigs = map[string]types.AuthConfig{
		"docker.io":        {Username: "static-user", Password: "static-pass"},
		"ident.azurecr.io": {IdentityToken: "identity"},
	}

	return cf
}

func TestRefreshingAuthProvider_Credentials(t *testing.T) {
	ctx := context.Background()
	fastBackoff(t)

	t.Run("cloud_registry", func(t *testing.T) {
		m := &mockRetriever{}
		m.On("RetrieveAuthorization", "acme.azurecr.io").
			Return(&registry.AuthConfig{Username: "00000000-0000-0000-0000-000000000000", Password: "fresh-acr-token"}, nil).
			Times(3)

		p := &RefreshingAuthProvider{cloudAuth: m, staticConfig: staticConfig(), log: logr.Discard()}
		for i := 0; i < 3; i++ {
			resp, err := p.Credentials(ctx, &auth.CredentialsRequest{Host: "acme.azurecr.io"})
			require.NoError(t, err)
			assert.Equal(t, "00000000-0000-0000-0000-000000000000", resp.Username)
			assert.Equal(t, "fresh-acr-token", resp.Secret)
		}

		m.AssertExpectations(t)
	})

	t.Run("retry_then_success", func(t *testing.T) {
		m := &mockRetriever{}
		m.On("RetrieveAuthorization", "acme.azurecr.io").Return(nil, errors.New("transient error")).Twice()
		m.On("RetrieveAuthorization", "acme.azurecr.io").Return(&registry.AuthConfig{Username: "user", Password: "token-after-retry"}, nil).Once()

		p := &RefreshingAuthProvider{cloudAuth: m, log: logr.Discard()}
		resp, err := p.Credentials(ctx, &auth.CredentialsRequest{Host: "acme.azurecr.io"})
		require.NoError(t, err)
		assert.Equal(t, "token-after-retry", resp.Secret)
		m.AssertNumberOfCalls(t, "RetrieveAuthorization", 3)
	})

	t.Run("cloud_failure_falls_back", func(t *testing.T) {
		m := &mockRetriever{}
		m.On("RetrieveAuthorization", "docker.io").Return(nil, errors.New("denied"))

		p := &RefreshingAuthProvider{cloudAuth: m, staticConfig: staticConfig(), log: logr.Discard()}
		resp, err := p.Credentials(ctx, &auth.CredentialsRequest{Host: "docker.io"})
		require.NoError(t, err)
		assert.Equal(t, "static-user", resp.Username)
		assert.Equal(t, "static-pass", resp.Secret)
		m.AssertNumberOfCalls(t, "RetrieveAuthorization", 3)
	})

	t.Run("no_loader_falls_back_without_retry", func(t *testing.T) {
		m := &mockRetriever{}
		m.On("RetrieveAuthorization", "docker.io").Return(nil, cloudauth.ErrNoLoader)

		p := &RefreshingAuthProvider{cloudAuth: m, staticConfig: staticConfig(), log: logr.Discard()}
		resp, err := p.Credentials(ctx, &auth.CredentialsRequest{Host: "docker.io"})
		require.NoError(t, err)
		assert.Equal(t, "static-user", resp.Username)
		m.AssertNumberOfCalls(t, "RetrieveAuthorization", 1)
	})

	t.Run("identity_token", func(t *testing.T) {
		p := &RefreshingAuthProvider{staticConfig: staticConfig(), log: logr.Discard()}
		resp, err := p.Credentials(ctx, &auth.CredentialsRequest{Host: "ident.azurecr.io"})
		require.NoError(t, err)
		assert.Empty(t, resp.Username)
		assert.Equal(t, "identity", resp.Secret)
	})

	t.Run("anonymous", func(t *testing.T) {
		p := &RefreshingAuthProvider{log: logr.Discard()}
		resp, err := p.Credentials(ctx, &auth.CredentialsRequest{Host: "quay.io"})
		require.NoError(t, err)
		assert.Equal(t, &auth.CredentialsResponse{}, resp)
	})
}

func TestNewRefreshingAuthProvider(t *testing.T) {
	dir := t.TempDir()
	cf := configfile.New(filepath.Join(dir, "config.json"))
	cf.AuthConfigs = map[string]types.AuthConfig{"quay.io": {Username: "steve", Password: "jobs"}}
	require.NoError(t, cf.Save())

	r := &cloudauth.Registry{}
	r.Register(regexp.MustCompile(`.*\.example\.com`), func(context.Context, logr.Logger, string) (*registry.AuthConfig, error) {
		return &registry.AuthConfig{Username: "cloud", Password: "token"}, nil
	})

	p, ok := NewRefreshingAuthProvider(r, dir, logr.Discard()).(*RefreshingAuthProvider)
	require.True(t, ok)

	resp, err := p.Credentials(context.Background(), &auth.CredentialsRequest{Host: "quay.io"})
	require.NoError(t, err)
	assert.Equal(t, "steve", resp.Username)
	assert.Equal(t, "jobs", resp.Secret)

	resp, err = p.Credentials(context.Background(), &auth.CredentialsRequest{Host: "acme.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "cloud", resp.Username)

	t.Run("nil_registry", func(t *testing.T) {
		p, ok := NewRefreshingAuthProvider(nil, "", logr.Discard()).(*RefreshingAuthProvider)
		require.True(t, ok)
		assert.Nil(t, p.cloudAuth)
		assert.Nil(t, p.staticConfig)
	})

	t.Run("unreadable_config", func(t *testing.T) {
		bad := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(bad, "config.json"), []byte("{"), 0600))

		p, ok := NewRefreshingAuthProvider(nil, bad, logr.Discard()).(*RefreshingAuthProvider)
		require.True(t, ok)
		assert.Nil(t, p.staticConfig)
	})
}
