package buildkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/console"
	"github.com/go-logr/logr"
	bkclient "github.com/moby/buildkit/client"
	"github.com/moby/buildkit/client/llb"
	"github.com/moby/buildkit/cmd/buildctl/build"
	"github.com/moby/buildkit/exporter/containerimage/exptypes"
	"github.com/moby/buildkit/session"
	"github.com/moby/buildkit/session/secrets/secretsprovider"
	"github.com/moby/buildkit/util/progress/progressui"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/dominodatalab/vulcan/pkg/buildkit/archive"
	"github.com/dominodatalab/vulcan/pkg/credentials/cloudauth"
)

const defaultDockerfile = "Dockerfile"

var clientCheckBackoff = wait.Backoff{ // retries after 500ms 1s 2s 4s 8s 16s 32s 64s with jitter
	Duration: 500 * time.Millisecond,
	Factor:   2.0,
	Steps:    8,
	Jitter:   0.1,
}

type solver interface {
	Solve(ctx context.Context, def *llb.Definition, opt bkclient.SolveOpt, ch chan *bkclient.SolveStatus) (*bkclient.SolveResponse, error)
}

type ClientBuilder struct {
	addr            string
	dockerConfigDir string
	cloudAuth       *cloudauth.Registry
	log             logr.Logger
	bkOpts          []bkclient.ClientOpt
}

func NewClientBuilder(addr string) *ClientBuilder {
	return &ClientBuilder{addr: addr, log: logr.Discard()}
}

// WithDockerConfigDir serves registry credentials from the config.json inside configDir.
func (b *ClientBuilder) WithDockerConfigDir(configDir string) *ClientBuilder {
	b.dockerConfigDir = configDir
	return b
}

// WithCloudAuth fetches fresh cloud registry credentials whenever buildkitd asks for them.
func (b *ClientBuilder) WithCloudAuth(registry *cloudauth.Registry) *ClientBuilder {
	b.cloudAuth = registry
	return b
}

func (b *ClientBuilder) WithMTLSAuth(caPath, certPath, keyPath string) *ClientBuilder {
	u, err := url.Parse(b.addr)
	if err != nil {
		b.log.Error(err, "Cannot parse hostname, skipping mTLS auth", "addr", b.addr)
	} else {
		b.bkOpts = append(b.bkOpts,
			bkclient.WithServerConfig(u.Hostname(), caPath),
			bkclient.WithCredentials(certPath, keyPath),
		)
	}

	return b
}

func (b *ClientBuilder) WithLogger(log logr.Logger) *ClientBuilder {
	b.log = log
	return b
}

// Build connects to buildkitd and waits until it reports its workers.
func (b *ClientBuilder) Build(ctx context.Context) (*Client, error) {
	bk, err := bkclient.New(ctx, b.addr, append(b.bkOpts, bkclient.WithFailFast())...)
	if err != nil {
		return nil, fmt.Errorf("failed to create buildkit client: %w", err)
	}

	var lastErr error

	b.log.Info("Confirming buildkitd connectivity", "addr", b.addr)
	err = wait.ExponentialBackoffWithContext(ctx, clientCheckBackoff, func(ctx context.Context) (done bool, err error) {
		if _, lastErr = bk.ListWorkers(ctx); lastErr != nil {
			b.log.V(1).Info("Buildkitd is not ready")

			//nolint:nilerr // returning and err here will stop the loop immediately
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		bk.Close()
		return nil, fmt.Errorf("failed to contact buildkitd after %d attempts: %w", clientCheckBackoff.Steps, lastErr)
	}
	b.log.Info("Buildkitd connectivity established")

	return &Client{
		bk:              bk,
		log:             b.log,
		dockerConfigDir: b.dockerConfigDir,
		cloudAuth:       b.cloudAuth,
		close:           bk.Close,
	}, nil
}

type BuildOptions struct {
	// Context is a remote http(s) or data: URL of a tar, gzipped tar or zip archive, used when ContextDir is not a directory.
	Context    string
	ContextDir string
	// Dockerfile name relative to the context, defaults to "Dockerfile".
	Dockerfile             string
	Images                 []string
	BuildArgs              []string
	NoCache                bool
	Compression            string
	Secrets                map[string]string
	FetchAndExtractTimeout time.Duration
}

type Client struct {
	bk              solver
	log             logr.Logger
	dockerConfigDir string
	cloudAuth       *cloudauth.Registry
	close           func() error
}

// Close releases the buildkitd connection.
func (c *Client) Close() error {
	if c.close == nil {
		return nil
	}

	return c.close()
}

func exportAttrs(compression string, name string) map[string]string {
	const truth = "true"

	attrs := map[string]string{
		"name": name,
		"push": truth,
	}
	switch compression {
	case "estargz":
		attrs["compression"] = "estargz"
		attrs["force-compression"] = truth
		attrs["oci-mediatypes"] = truth
	case "zstd":
		attrs["compression"] = "zstd"
		attrs["force-compression"] = truth
	}

	return attrs
}

// Build solves the Dockerfile frontend and pushes every image in opts.Images. The pushed image digest is returned.
func (c *Client) Build(ctx context.Context, opts BuildOptions) (string, error) {
	buildDir, err := os.MkdirTemp("", "vulcan-build-")
	if err != nil {
		return "", fmt.Errorf("failed to create build dir: %w", err)
	}

	defer func(path string) {
		if err := os.RemoveAll(path); err != nil {
			c.log.Error(err, "Failed to delete build context")
		}
	}(buildDir)

	var contentsDir string
	if fi, err := os.Stat(opts.ContextDir); err == nil && fi.IsDir() {
		c.log.Info("Using context dir", "dir", opts.ContextDir)
		contentsDir = opts.ContextDir
	} else {
		if opts.Context == "" {
			return "", fmt.Errorf("context dir %q is not a directory and no remote context was given", opts.ContextDir)
		}

		c.log.Info("Fetching remote context", "url", redactURL(opts.Context))
		extract, err := archive.FetchAndExtract(ctx, c.log, opts.Context, buildDir, opts.FetchAndExtractTimeout)
		if err != nil {
			return "", fmt.Errorf("cannot fetch remote context: %w", err)
		}

		contentsDir = extract.ContentsDir
	}
	c.log.V(1).Info("Context extracted", "dir", contentsDir)

	dockerfileName := opts.Dockerfile
	if dockerfileName == "" {
		dockerfileName = defaultDockerfile
	}
	dockerfile := filepath.Join(contentsDir, dockerfileName)
	if _, err := os.Stat(dockerfile); errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("build requires a Dockerfile inside context dir: %w", err)
	}

	if l := c.log.V(1); l.Enabled() {
		bs, err := os.ReadFile(dockerfile)
		if err != nil {
			return "", fmt.Errorf("cannot read Dockerfile: %w", err)
		}
		l.Info("Dockerfile contents:\n" + string(bs))
	}

	// file contents can change between builds (e.g. when mounted from a configmap)
	secrets := make(map[string][]byte)
	for name, path := range opts.Secrets {
		contents, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("cannot read build secret %q: %w", name, err)
		}

		secrets[name] = contents
	}

	solveOpt, err := newSolveOpt(opts, contentsDir, dockerfileName, []session.Attachable{
		NewRefreshingAuthProvider(c.cloudAuth, c.dockerConfigDir, c.log),
		secretsprovider.FromMap(secrets),
	})
	if err != nil {
		return "", err
	}

	return c.runSolve(ctx, solveOpt)
}

func newSolveOpt(opts BuildOptions, contentsDir, dockerfileName string, attachables []session.Attachable) (bkclient.SolveOpt, error) {
	solveOpt := bkclient.SolveOpt{
		Frontend:      "dockerfile.v0",
		FrontendAttrs: map[string]string{},
		LocalDirs: map[string]string{
			"context":    contentsDir,
			"dockerfile": contentsDir,
		},
		Session: attachables,
		CacheExports: []bkclient.CacheOptionsEntry{
			{Type: "inline"},
		},
	}

	if dockerfileName != defaultDockerfile {
		solveOpt.FrontendAttrs["filename"] = dockerfileName
	}
	if opts.NoCache {
		solveOpt.FrontendAttrs["no-cache"] = ""
	}

	if len(opts.BuildArgs) != 0 {
		var args []string
		for _, arg := range opts.BuildArgs {
			args = append(args, fmt.Sprintf("build-arg:%s", arg))
		}

		attrs, err := build.ParseOpt(args)
		if err != nil {
			return bkclient.SolveOpt{}, fmt.Errorf("cannot parse build args: %w", err)
		}

		for k, v := range attrs {
			solveOpt.FrontendAttrs[k] = v
		}
	}

	for _, name := range opts.Images {
		solveOpt.Exports = append(solveOpt.Exports, bkclient.ExportEntry{
			Type:  bkclient.ExporterImage,
			Attrs: exportAttrs(opts.Compression, name),
		})
	}

	return solveOpt, nil
}

func (c *Client) runSolve(ctx context.Context, so bkclient.SolveOpt) (string, error) {
	lw := &LogWriter{Logger: c.log}
	ch := make(chan *bkclient.SolveStatus)
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		var cons console.Console
		if cn, err := console.ConsoleFromFile(os.Stderr); err == nil {
			cons = cn
		}

		// returns when solve closes the status channel, see https://github.com/moby/buildkit/pull/1721
		_, err := progressui.DisplaySolveStatus(context.Background(), cons, lw, ch)

		return err
	})

	var digest string
	eg.Go(func() error {
		res, err := c.bk.Solve(ctx, nil, so, ch)
		if err != nil {
			return err
		}

		digest = res.ExporterResponse[exptypes.ExporterImageDigestKey]
		c.log.Info("Solve complete", "digest", digest)

		return nil
	})

	if err := eg.Wait(); err != nil {
		c.log.Info(fmt.Sprintf("Build failed: %s", err.Error()))
		return "", fmt.Errorf("buildkit solve issue: %w", err)
	}

	return digest, nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "data" {
		return "<redacted>"
	}

	return u.Redacted()
}
