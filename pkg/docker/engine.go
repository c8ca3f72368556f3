package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/distribution/reference"
	"github.com/docker/cli/cli/config"
	"github.com/docker/docker/api/types"
	registrytypes "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/go-logr/logr"
	"github.com/moby/buildkit/frontend/dockerfile/dockerignore"
	"github.com/moby/term"
)

var newClient = func() (dockerAPI, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

type dockerAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImagePush(ctx context.Context, image string, options types.ImagePushOptions) (io.ReadCloser, error)
	Close() error
}

type opts struct {
	log             logr.Logger
	out             io.Writer
	dockerConfigDir string
}

type Option func(o opts) opts

// Logger receives engine events.
func Logger(log logr.Logger) Option {
	return func(o opts) opts {
		o.log = log
		return o
	}
}

// Output receives the build and push progress stream, defaults to stderr.
func Output(w io.Writer) Option {
	return func(o opts) opts {
		o.out = w
		return o
	}
}

// DockerConfigDir holds the config.json used to authenticate pushes.
func DockerConfigDir(dir string) Option {
	return func(o opts) opts {
		o.dockerConfigDir = dir
		return o
	}
}

// Engine builds and pushes images through a Docker daemon.
type Engine struct {
	api  dockerAPI
	opts opts
}

// New connects to the daemon configured through the DOCKER_* environment.
func New(options ...Option) (*Engine, error) {
	o := opts{log: logr.Discard(), out: os.Stderr}
	for _, fn := range options {
		o = fn(o)
	}

	api, err := newClient()
	if err != nil {
		return nil, fmt.Errorf("cannot create docker client: %w", err)
	}

	return &Engine{api: api, opts: o}, nil
}

func (e *Engine) Close() error {
	return e.api.Close()
}

type BuildOptions struct {
	// Dockerfile path, its directory is the build context.
	Dockerfile string
	Images     []string
	BuildArgs  []string
	NoCache    bool
}

// Build builds the Dockerfile, tags the result with every image name and pushes them. The image ID is returned.
func (e *Engine) Build(ctx context.Context, bo BuildOptions) (string, error) {
	log := e.opts.log.WithName("docker")

	abs, err := filepath.Abs(bo.Dockerfile)
	if err != nil {
		return "", err
	}
	if fi, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("cannot access Dockerfile: %w", err)
	} else if fi.IsDir() {
		return "", fmt.Errorf("dockerfile %q is a directory", bo.Dockerfile)
	}

	contextDir := filepath.Dir(abs)
	excludes, err := readDockerignore(contextDir)
	if err != nil {
		return "", err
	}

	buildCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{ExcludePatterns: excludes})
	if err != nil {
		return "", fmt.Errorf("cannot archive build context: %w", err)
	}
	defer buildCtx.Close()

	log.Info("Building image", "context", contextDir, "images", bo.Images)
	resp, err := e.api.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        bo.Images,
		Dockerfile:  filepath.Base(abs),
		BuildArgs:   buildArgs(bo.BuildArgs),
		NoCache:     bo.NoCache,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", fmt.Errorf("image build failed: %w", err)
	}
	defer resp.Body.Close()

	var imageID string
	err = e.display(resp.Body, func(msg jsonmessage.JSONMessage) {
		var result types.BuildResult
		if msg.Aux != nil && json.Unmarshal(*msg.Aux, &result) == nil && result.ID != "" {
			imageID = result.ID
		}
	})
	if err != nil {
		return "", fmt.Errorf("image build failed: %w", err)
	}
	log.Info("Image built", "id", imageID)

	for _, image := range bo.Images {
		if err = e.Push(ctx, image); err != nil {
			return imageID, err
		}
	}

	return imageID, nil
}

// Push uploads image using the credentials stored for its registry host.
func (e *Engine) Push(ctx context.Context, image string) error {
	log := e.opts.log.WithName("docker")

	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return fmt.Errorf("invalid image %q: %w", image, err)
	}

	auth, err := e.registryAuth(reference.Domain(named))
	if err != nil {
		return err
	}

	log.Info("Pushing image", "image", image)
	body, err := e.api.ImagePush(ctx, image, types.ImagePushOptions{RegistryAuth: auth})
	if err != nil {
		return fmt.Errorf("image push failed: %w", err)
	}
	defer body.Close()

	if err = e.display(body, nil); err != nil {
		return fmt.Errorf("image push failed: %w", err)
	}
	log.Info("Image pushed", "image", image)

	return nil
}

func (e *Engine) registryAuth(host string) (string, error) {
	if e.opts.dockerConfigDir == "" {
		return "", nil
	}

	cf, err := config.Load(e.opts.dockerConfigDir)
	if err != nil {
		return "", fmt.Errorf("cannot load docker config: %w", err)
	}

	ac, err := cf.GetAuthConfig(host)
	if err != nil {
		return "", fmt.Errorf("cannot read credentials for %q: %w", host, err)
	}

	return registrytypes.EncodeAuthConfig(registrytypes.AuthConfig{
		Username:      ac.Username,
		Password:      ac.Password,
		ServerAddress: host,
		IdentityToken: ac.IdentityToken,
		RegistryToken: ac.RegistryToken,
	})
}

func (e *Engine) display(in io.Reader, aux func(jsonmessage.JSONMessage)) error {
	fd, isTerm := term.GetFdInfo(e.opts.out)
	return jsonmessage.DisplayJSONMessagesStream(in, e.opts.out, fd, isTerm, aux)
}

func readDockerignore(contextDir string) ([]string, error) {
	f, err := os.Open(filepath.Join(contextDir, ".dockerignore"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	excludes, err := dockerignore.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("cannot parse .dockerignore: %w", err)
	}

	return excludes, nil
}

func buildArgs(args []string) map[string]*string {
	if len(args) == 0 {
		return nil
	}

	m := make(map[string]*string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok {
			m[k] = nil
			continue
		}
		m[k] = &v
	}

	return m
}
