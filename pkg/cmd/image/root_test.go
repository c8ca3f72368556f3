package image

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/rest"

	cli "github.com/dominodatalab/vulcan/pkg/cmd"
	"github.com/dominodatalab/vulcan/pkg/config"
	"github.com/dominodatalab/vulcan/pkg/image"
)

type fakeBuilder struct {
	cfg          config.Image
	dir          string
	dockerConfig string
	req          image.Request
	err          error
	closed       bool
}

func (f *fakeBuilder) Build(_ context.Context, req image.Request) (string, error) {
	f.req = req
	if f.err != nil {
		return "", f.err
	}
	return "sha256:abc", nil
}

func (f *fakeBuilder) Close() error {
	f.closed = true
	return nil
}

func useBuilder(t *testing.T, b *fakeBuilder) {
	t.Helper()

	orig := newBuilder
	t.Cleanup(func() { newBuilder = orig })

	newBuilder = func(_ context.Context, cfg config.Image, dir string) (image.Builder, error) {
		b.cfg, b.dir = cfg, dir
		if dir != "" {
			bs, err := os.ReadFile(filepath.Join(dir, "config.json"))
			require.NoError(t, err)
			b.dockerConfig = string(bs)
		}
		return b, nil
	}
}

func execute(args ...string) (string, error) {
	cmd := NewCommand()

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestNewCommand(t *testing.T) {
	t.Run("wrong_arg_count", func(t *testing.T) {
		for _, args := range [][]string{
			{"Dockerfile", "acme/app"},
			{"Dockerfile", "acme/app", "1.0", "steve"},
		} {
			out, err := execute(args...)
			require.Error(t, err)
			assert.Equal(t, cli.ExitError, cli.ExitCode(err))
			assert.Contains(t, out, "Usage:")
		}
	})

	t.Run("anonymous", func(t *testing.T) {
		b := &fakeBuilder{}
		useBuilder(t, b)

		out, err := execute("app/Dockerfile", "acme/app", "1.0")
		require.NoError(t, err)

		assert.Equal(t, "Pushed image registry.hub.docker.com/acme/app:1.0 (sha256:abc)\n", out)
		assert.Empty(t, b.dir)
		assert.Equal(t, "app/Dockerfile", b.req.Dockerfile)
		assert.Equal(t, []string{"registry.hub.docker.com/acme/app:1.0"}, b.req.Images)
		assert.True(t, b.closed)
	})

	t.Run("positional_credentials", func(t *testing.T) {
		b := &fakeBuilder{}
		useBuilder(t, b)

		_, err := execute("Dockerfile", "acme/app", "1.0", "steve", "jobs")
		require.NoError(t, err)

		require.NotEmpty(t, b.dir)
		assert.Contains(t, b.dockerConfig, "registry.hub.docker.com")
		assert.Contains(t, b.dockerConfig, "c3RldmU6am9icw==")

		_, statErr := os.Stat(b.dir)
		assert.True(t, os.IsNotExist(statErr), "docker config dir should be removed")
	})

	t.Run("flags", func(t *testing.T) {
		b := &fakeBuilder{}
		useBuilder(t, b)

		_, err := execute(
			"--registry", "quay.io",
			"--engine", "buildkit",
			"--buildkit-addr", "tcp://buildkitd:1234",
			"--build-arg", "A=1",
			"--build-arg", "B",
			"--no-cache",
			"--compression", "zstd",
			"--context-url", "https://example.com/ctx.tgz",
			"Dockerfile", "acme/app", "1.0",
		)
		require.NoError(t, err)

		assert.Equal(t, "quay.io", b.cfg.Registry)
		assert.Equal(t, config.EngineBuildkit, b.cfg.Engine)
		assert.Equal(t, "tcp://buildkitd:1234", b.cfg.Buildkit.Addr)
		assert.Equal(t, "zstd", b.cfg.Buildkit.Compression)
		assert.Equal(t, image.Request{
			Dockerfile: "Dockerfile",
			ContextURL: "https://example.com/ctx.tgz",
			Images:     []string{"quay.io/acme/app:1.0"},
			BuildArgs:  []string{"A=1", "B"},
			NoCache:    true,
		}, b.req)
	})

	t.Run("config_file", func(t *testing.T) {
		b := &fakeBuilder{}
		useBuilder(t, b)

		fp := filepath.Join(t.TempDir(), "vulcan.yaml")
		require.NoError(t, os.WriteFile(fp, []byte(`
image:
  registry: localhost:5000
  buildArgs: [A=1]
`), 0600))

		_, err := execute("-c", fp, "--build-arg", "B=2", "Dockerfile", "app", "latest")
		require.NoError(t, err)
		assert.Equal(t, []string{"localhost:5000/app:latest"}, b.req.Images)
		assert.Equal(t, []string{"A=1", "B=2"}, b.req.BuildArgs)
	})

	t.Run("invalid_config", func(t *testing.T) {
		useBuilder(t, &fakeBuilder{})

		_, err := execute("--engine", "buildkit", "Dockerfile", "acme/app", "1.0")
		assert.ErrorContains(t, err, "image.buildkit.addr cannot be blank when engine is buildkit")
	})

	t.Run("pull_secret_without_cluster", func(t *testing.T) {
		useBuilder(t, &fakeBuilder{})

		origRest := restConfig
		t.Cleanup(func() { restConfig = origRest })
		restConfig = func(kubeconfig, kubecontext string) (*rest.Config, error) {
			assert.Equal(t, "/tmp/kubeconfig", kubeconfig)
			assert.Equal(t, "prod", kubecontext)
			return nil, errors.New("cannot load kubeconfig")
		}

		_, err := execute(
			"--pull-secret", "builds/registry-creds",
			"--kubeconfig", "/tmp/kubeconfig",
			"--context", "prod",
			"Dockerfile", "acme/app", "1.0",
		)
		assert.EqualError(t, err, "cannot connect to cluster for pull secret builds/registry-creds: cannot load kubeconfig")
	})

	t.Run("build_failure", func(t *testing.T) {
		b := &fakeBuilder{err: errors.New("image push failed: denied")}
		useBuilder(t, b)

		_, err := execute("Dockerfile", "acme/app", "1.0")
		assert.EqualError(t, err, "cannot upload image registry.hub.docker.com/acme/app:1.0: image push failed: denied")
		assert.Equal(t, cli.ExitError, cli.ExitCode(err))
		assert.True(t, b.closed)
	})
}
