package image

import (
	"context"
	"fmt"
	"os"

	"github.com/distribution/reference"
	"github.com/go-logr/logr"
	"github.com/newrelic/go-agent/v3/newrelic"
	"k8s.io/client-go/rest"
	"k8s.io/utils/pointer"

	"github.com/dominodatalab/vulcan/pkg/config"
	"github.com/dominodatalab/vulcan/pkg/credentials"
)

var (
	persistCredentials = credentials.Persist
	verifyCredentials  = credentials.Verify
	loadCloudProviders = credentials.LoadCloudProviders
)

// Request describes one build.
type Request struct {
	// Dockerfile path, its directory is the local build context.
	Dockerfile string
	// ContextURL is a remote build context archive used instead of the Dockerfile directory.
	ContextURL string
	Images     []string
	BuildArgs  []string
	NoCache    bool
}

// Builder builds and pushes the images of a Request, returning the image ID or digest.
type Builder interface {
	Build(ctx context.Context, req Request) (string, error)
	Close() error
}

// BuilderFactory creates a Builder that authenticates with the docker config in dockerConfigDir, which may be blank.
type BuilderFactory func(ctx context.Context, cfg config.Image, dockerConfigDir string) (Builder, error)

type opts struct {
	log        logr.Logger
	restConfig func() (*rest.Config, error)
	newBuilder BuilderFactory
}

type Option func(o opts) opts

func Logger(log logr.Logger) Option {
	return func(o opts) opts {
		o.log = log
		return o
	}
}

// RestConfig supplies the cluster connection used to read pull secrets.
func RestConfig(fn func() (*rest.Config, error)) Option {
	return func(o opts) opts {
		o.restConfig = fn
		return o
	}
}

// WithBuilderFactory replaces the engine selected by the configuration.
func WithBuilderFactory(fn BuilderFactory) Option {
	return func(o opts) opts {
		o.newBuilder = fn
		return o
	}
}

// Result of a successful upload.
type Result struct {
	Image string
	ID    string
}

// Uploader builds an image from a Dockerfile and pushes it to <registry>/<repository>:<tag>.
type Uploader struct {
	cfg  config.Image
	opts opts
}

func NewUploader(cfg config.Image, options ...Option) *Uploader {
	o := opts{
		log:        logr.Discard(),
		newBuilder: NewBuilder,
	}
	for _, fn := range options {
		o = fn(o)
	}

	return &Uploader{cfg: cfg, opts: o}
}

// Name composes and validates the full image reference.
func Name(registry, repository, tag string) (string, error) {
	raw := fmt.Sprintf("%s/%s:%s", registry, repository, tag)

	named, err := reference.ParseNormalizedNamed(raw)
	if err != nil {
		return "", fmt.Errorf("invalid image reference %q: %w", raw, err)
	}
	if _, ok := named.(reference.Tagged); !ok {
		return "", fmt.Errorf("image reference %q has no tag", raw)
	}
	if reference.Domain(named) != registry {
		return "", fmt.Errorf("%q is not a registry host", registry)
	}

	return raw, nil
}

// Upload builds dockerfile, tags it and pushes it.
func (u *Uploader) Upload(ctx context.Context, dockerfile, repository, tag string) (*Result, error) {
	log := u.opts.log.WithName("uploader")
	txn := newrelic.FromContext(ctx)

	image, err := Name(u.cfg.Registry, repository, tag)
	if err != nil {
		return nil, err
	}

	seg := txn.StartSegment("image/credentials")
	dockerConfigDir, err := u.prepareCredentials(ctx, log)
	seg.End()
	if err != nil {
		txn.NoticeError(err)
		return nil, err
	}
	if dockerConfigDir != "" {
		defer os.RemoveAll(dockerConfigDir)
	}

	builder, err := u.opts.newBuilder(logr.NewContext(ctx, u.opts.log), u.cfg, dockerConfigDir)
	if err != nil {
		txn.NoticeError(err)
		return nil, err
	}
	defer builder.Close()

	log.Info("Building image", "image", image, "engine", u.cfg.Engine)
	seg = txn.StartSegment("image/build")
	id, err := builder.Build(ctx, Request{
		Dockerfile: dockerfile,
		ContextURL: u.cfg.ContextURL,
		Images:     []string{image},
		BuildArgs:  u.cfg.BuildArgs,
		NoCache:    u.cfg.NoCache,
	})
	seg.End()
	if err != nil {
		txn.NoticeError(err)
		return nil, fmt.Errorf("cannot upload image %s: %w", image, err)
	}
	log.Info("Image pushed", "image", image, "id", id)

	return &Result{Image: image, ID: id}, nil
}

func (u *Uploader) prepareCredentials(ctx context.Context, log logr.Logger) (string, error) {
	var creds []credentials.RegistryCredentials

	if u.cfg.Username != "" || u.cfg.Password != "" {
		creds = append(creds, credentials.RegistryCredentials{
			Server:    u.cfg.Registry,
			BasicAuth: &credentials.BasicAuth{Username: u.cfg.Username, Password: u.cfg.Password},
		})
	}

	var restCfg *rest.Config
	if u.cfg.PullSecret != "" {
		ref, err := credentials.ParseSecretReference(u.cfg.PullSecret)
		if err != nil {
			return "", err
		}
		if u.opts.restConfig == nil {
			return "", fmt.Errorf("pull secret %s requires a cluster connection", ref)
		}
		if restCfg, err = u.opts.restConfig(); err != nil {
			return "", fmt.Errorf("cannot connect to cluster for pull secret %s: %w", ref, err)
		}

		creds = append(creds, credentials.RegistryCredentials{Secret: ref})
	}

	if u.cfg.CloudAuth {
		if err := loadCloudProviders(ctx, log); err != nil {
			return "", err
		}

		creds = append(creds, credentials.RegistryCredentials{
			Server:        u.cfg.Registry,
			CloudProvided: pointer.Bool(true),
		})
	}

	if len(creds) == 0 {
		log.Info("No registry credentials configured, pushing anonymously", "registry", u.cfg.Registry)
		return "", nil
	}

	dir, sources, err := persistCredentials(ctx, log, restCfg, creds)
	if err != nil {
		return "", fmt.Errorf("cannot prepare registry credentials: %w", err)
	}
	log.Info("Registry credentials prepared", "sources", sources)

	if u.cfg.VerifyCredentials {
		if err = verifyCredentials(ctx, dir); err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("registry credentials verification failed: %w", err)
		}
		log.Info("Registry credentials verified")
	}

	return dir, nil
}
