package buildkit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/docker/cli/cli/config"
	"github.com/docker/cli/cli/config/configfile"
	"github.com/docker/docker/api/types/registry"
	"github.com/go-logr/logr"
	"github.com/moby/buildkit/session"
	"github.com/moby/buildkit/session/auth"
	"google.golang.org/grpc"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/dominodatalab/vulcan/pkg/credentials/cloudauth"
)

var authBackoff = wait.Backoff{ // 1s 2s between 3 attempts
	Duration: time.Second,
	Factor:   2,
	Steps:    3,
}

type authRetriever interface {
	RetrieveAuthorization(ctx context.Context, log logr.Logger, server string) (*registry.AuthConfig, error)
}

// RefreshingAuthProvider answers buildkitd credential requests. Cloud registries get a freshly minted token on every
// request, everything else is served from the docker config written before the build.
//
// Only Credentials is implemented, buildkitd falls back to it when the token methods are unimplemented.
type RefreshingAuthProvider struct {
	auth.UnimplementedAuthServer

	cloudAuth    authRetriever
	staticConfig *configfile.ConfigFile
	log          logr.Logger
	mu           sync.Mutex
}

// NewRefreshingAuthProvider returns a session attachable serving credentials from cloudAuth, which may be nil, and
// the docker config in dockerConfigDir.
func NewRefreshingAuthProvider(cloudAuth *cloudauth.Registry, dockerConfigDir string, log logr.Logger) session.Attachable {
	p := &RefreshingAuthProvider{log: log.WithName("auth-provider")}
	if cloudAuth != nil {
		p.cloudAuth = cloudAuth
	}

	if dockerConfigDir != "" {
		cf, err := config.Load(dockerConfigDir)
		if err != nil {
			p.log.Error(err, "Cannot load docker config, static credentials are unavailable", "dir", dockerConfigDir)
		} else {
			p.staticConfig = cf
		}
	}

	return p
}

func (p *RefreshingAuthProvider) Register(server *grpc.Server) {
	auth.RegisterAuthServer(server, p)
}

func (p *RefreshingAuthProvider) Credentials(ctx context.Context, req *auth.CredentialsRequest) (*auth.CredentialsResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	host := req.GetHost()
	p.log.V(1).Info("Credentials requested", "host", host)

	if p.cloudAuth != nil {
		ac, err := p.fromCloud(ctx, host)
		switch {
		case err == nil:
			p.log.V(1).Info("Returning cloud credentials", "host", host)
			return &auth.CredentialsResponse{Username: ac.Username, Secret: ac.Password}, nil
		case !errors.Is(err, cloudauth.ErrNoLoader):
			p.log.Error(err, "Cloud authentication failed, falling back to docker config", "host", host)
		}
	}

	return p.fromStaticConfig(host), nil
}

func (p *RefreshingAuthProvider) fromCloud(ctx context.Context, host string) (*registry.AuthConfig, error) {
	var ac *registry.AuthConfig
	var lastErr error

	err := wait.ExponentialBackoffWithContext(ctx, authBackoff, func(ctx context.Context) (bool, error) {
		var err error
		if ac, err = p.cloudAuth.RetrieveAuthorization(ctx, p.log, host); err != nil {
			if errors.Is(err, cloudauth.ErrNoLoader) {
				return false, err
			}

			lastErr = err
			p.log.V(1).Info("Cloud authentication failed, retrying", "host", host, "error", err)
			return false, nil
		}

		return true, nil
	})
	if err != nil && lastErr != nil {
		return nil, lastErr
	}

	return ac, err
}

func (p *RefreshingAuthProvider) fromStaticConfig(host string) *auth.CredentialsResponse {
	if p.staticConfig == nil {
		return &auth.CredentialsResponse{}
	}

	ac, err := p.staticConfig.GetAuthConfig(host)
	if err != nil {
		p.log.Error(err, "Cannot read credentials from docker config", "host", host)
		return &auth.CredentialsResponse{}
	}

	if ac.IdentityToken != "" {
		return &auth.CredentialsResponse{Secret: ac.IdentityToken}
	}

	return &auth.CredentialsResponse{Username: ac.Username, Secret: ac.Password}
}
