package image

import (
	"fmt"

	"github.com/spf13/cobra"
	"k8s.io/client-go/rest"
	"k8s.io/klog/v2"

	"github.com/dominodatalab/vulcan/pkg/config"
	"github.com/dominodatalab/vulcan/pkg/image"
	"github.com/dominodatalab/vulcan/pkg/kubernetes"
	"github.com/dominodatalab/vulcan/pkg/logger"
	"github.com/dominodatalab/vulcan/pkg/telemetry"
)

var (
	restConfig = kubernetes.RestConfig
	newBuilder = image.NewBuilder
)

type imageFlags struct {
	registry          string
	username          string
	password          string
	engine            string
	buildkitAddr      string
	buildArgs         []string
	noCache           bool
	contextURL        string
	pullSecret        string
	cloudAuth         bool
	verifyCredentials bool
	compression       string
	kubeconfig        string
	kubecontext       string
}

func NewCommand() *cobra.Command {
	var (
		cfgFile string
		f       imageFlags
	)

	cmd := &cobra.Command{
		Use:   "vulcan-image <dockerfile> <repository> <tag> [<username> <password>]",
		Short: "Build an image from a Dockerfile and push it to a registry",
		Long: `Build <dockerfile> and push it as <registry>/<repository>:<tag>.

The directory holding the Dockerfile is the build context unless a remote context
URL is given. Registry credentials may come from the optional <username> and
<password> arguments, the matching flags, a dockerconfigjson pull secret or the
hosting cloud provider.`,
		Args: func(_ *cobra.Command, args []string) error {
			if n := len(args); n != 3 && n != 5 {
				return fmt.Errorf("accepts 3 or 5 arg(s), received %d", n)
			}
			return nil
		},
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			f.apply(cmd, &cfg)
			if len(args) == 5 {
				cfg.Image.Username, cfg.Image.Password = args[3], args[4]
			}

			if err = cfg.Validate(); err != nil {
				return err
			}

			log, zl, err := logger.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer func() { _ = zl.Sync() }()

			klog.SetLogger(log.WithName("client-go"))
			log.V(1).Info("Using provided configuration", "config", cfg)

			app, err := telemetry.NewApplication(cfg.NewRelic, zl)
			if err != nil {
				return err
			}
			defer telemetry.Shutdown(app)

			ctx, txn := telemetry.StartTransaction(cmd.Context(), app, "vulcan-image")
			defer txn.End()

			uploader := image.NewUploader(
				cfg.Image,
				image.Logger(log),
				image.WithBuilderFactory(newBuilder),
				image.RestConfig(func() (*rest.Config, error) {
					return restConfig(cfg.Cluster.Kubeconfig, cfg.Cluster.Context)
				}),
			)

			res, err := uploader.Upload(ctx, args[0], args[1], args[2])
			if err != nil {
				txn.NoticeError(err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pushed image %s (%s)\n", res.Image, res.ID)

			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "configuration file")
	cmd.Flags().StringVar(&f.registry, "registry", config.DefaultRegistry, "registry host the image is pushed to")
	cmd.Flags().StringVar(&f.username, "username", "", "registry username")
	cmd.Flags().StringVar(&f.password, "password", "", "registry password")
	cmd.Flags().StringVar(&f.engine, "engine", config.EngineDocker, "build engine: docker or buildkit")
	cmd.Flags().StringVar(&f.buildkitAddr, "buildkit-addr", "", "buildkitd address, e.g. tcp://buildkitd:1234")
	cmd.Flags().StringArrayVar(&f.buildArgs, "build-arg", nil, "build argument KEY=VALUE, repeatable")
	cmd.Flags().BoolVar(&f.noCache, "no-cache", false, "do not use the build cache")
	cmd.Flags().StringVar(&f.contextURL, "context-url", "", "remote build context archive, buildkit only")
	cmd.Flags().StringVar(&f.pullSecret, "pull-secret", "", "namespace/name of a dockerconfigjson secret with registry auth")
	cmd.Flags().BoolVar(&f.cloudAuth, "cloud-auth", false, "retrieve registry auth from the cloud provider (ECR, GCR, ACR)")
	cmd.Flags().BoolVar(&f.verifyCredentials, "verify-credentials", false, "log into the registry before building")
	cmd.Flags().StringVarP(&f.compression, "compression", "d", "gzip", "Compression method options: gzip,zstd,estargz")
	cmd.Flags().StringVar(&f.kubeconfig, "kubeconfig", "", "path to a kubeconfig file, used to read the pull secret")
	cmd.Flags().StringVar(&f.kubecontext, "context", "", "kubeconfig context to use")

	return cmd
}

func (f imageFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	fs := cmd.Flags()
	img := &cfg.Image

	if fs.Changed("registry") {
		img.Registry = f.registry
	}
	if fs.Changed("username") {
		img.Username = f.username
	}
	if fs.Changed("password") {
		img.Password = f.password
	}
	if fs.Changed("engine") {
		img.Engine = f.engine
	}
	if fs.Changed("buildkit-addr") {
		img.Buildkit.Addr = f.buildkitAddr
	}
	if fs.Changed("build-arg") {
		img.BuildArgs = append(img.BuildArgs, f.buildArgs...)
	}
	if fs.Changed("no-cache") {
		img.NoCache = f.noCache
	}
	if fs.Changed("context-url") {
		img.ContextURL = f.contextURL
	}
	if fs.Changed("pull-secret") {
		img.PullSecret = f.pullSecret
	}
	if fs.Changed("cloud-auth") {
		img.CloudAuth = f.cloudAuth
	}
	if fs.Changed("verify-credentials") {
		img.VerifyCredentials = f.verifyCredentials
	}
	if fs.Changed("compression") {
		img.Buildkit.Compression = f.compression
	}
	if fs.Changed("kubeconfig") {
		cfg.Cluster.Kubeconfig = f.kubeconfig
	}
	if fs.Changed("context") {
		cfg.Cluster.Context = f.kubecontext
	}
}
