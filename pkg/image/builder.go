package image

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-logr/logr"

	"github.com/dominodatalab/vulcan/pkg/buildkit"
	"github.com/dominodatalab/vulcan/pkg/config"
	"github.com/dominodatalab/vulcan/pkg/credentials"
	"github.com/dominodatalab/vulcan/pkg/docker"
)

// NewBuilder returns the engine named by cfg.Engine.
func NewBuilder(ctx context.Context, cfg config.Image, dockerConfigDir string) (Builder, error) {
	log := logr.FromContextOrDiscard(ctx)

	switch cfg.Engine {
	case config.EngineDocker, "":
		e, err := docker.New(docker.Logger(log), docker.DockerConfigDir(dockerConfigDir))
		if err != nil {
			return nil, err
		}
		return &dockerBuilder{engine: e}, nil
	case config.EngineBuildkit:
		b := buildkit.NewClientBuilder(cfg.Buildkit.Addr).
			WithLogger(log.WithName("buildkit")).
			WithDockerConfigDir(dockerConfigDir)
		if cfg.CloudAuth {
			b = b.WithCloudAuth(credentials.CloudAuthRegistry)
		}
		if m := cfg.Buildkit.MTLS; m != nil {
			b = b.WithMTLSAuth(m.CACertPath, m.CertPath, m.KeyPath)
		}

		c, err := b.Build(ctx)
		if err != nil {
			return nil, err
		}
		return &buildkitBuilder{client: c, cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}
}

type dockerEngine interface {
	Build(ctx context.Context, bo docker.BuildOptions) (string, error)
	Close() error
}

type dockerBuilder struct {
	engine dockerEngine
}

func (d *dockerBuilder) Build(ctx context.Context, req Request) (string, error) {
	if req.ContextURL != "" {
		return "", errors.New("remote build contexts require the buildkit engine")
	}

	return d.engine.Build(ctx, docker.BuildOptions{
		Dockerfile: req.Dockerfile,
		Images:     req.Images,
		BuildArgs:  req.BuildArgs,
		NoCache:    req.NoCache,
	})
}

func (d *dockerBuilder) Close() error {
	return d.engine.Close()
}

type buildkitClient interface {
	Build(ctx context.Context, opts buildkit.BuildOptions) (string, error)
	Close() error
}

type buildkitBuilder struct {
	client buildkitClient
	cfg    config.Image
}

func (b *buildkitBuilder) Build(ctx context.Context, req Request) (string, error) {
	bo := buildkit.BuildOptions{
		Context:                req.ContextURL,
		Images:                 req.Images,
		BuildArgs:              req.BuildArgs,
		NoCache:                req.NoCache,
		Compression:            b.cfg.Buildkit.Compression,
		Secrets:                b.cfg.Buildkit.Secrets,
		FetchAndExtractTimeout: b.cfg.FetchAndExtractTimeout,
	}
	if req.ContextURL != "" {
		// relative to the root of the remote archive
		bo.Dockerfile = req.Dockerfile
	} else {
		bo.ContextDir = filepath.Dir(req.Dockerfile)
		bo.Dockerfile = filepath.Base(req.Dockerfile)
	}

	return b.client.Build(ctx, bo)
}

func (b *buildkitBuilder) Close() error {
	return b.client.Close()
}
