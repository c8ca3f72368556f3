package pod

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	cli "github.com/dominodatalab/vulcan/pkg/cmd"
	"github.com/dominodatalab/vulcan/pkg/config"
	"github.com/dominodatalab/vulcan/pkg/kubernetes"
	"github.com/dominodatalab/vulcan/pkg/lifecycle"
	"github.com/dominodatalab/vulcan/pkg/logger"
	"github.com/dominodatalab/vulcan/pkg/notify"
	"github.com/dominodatalab/vulcan/pkg/telemetry"
)

var (
	restConfig       = kubernetes.RestConfig
	contextNamespace = kubernetes.Namespace
	newClientset     = kubernetes.Clientset
	waitForIstio     = kubernetes.WaitForIstioSidecar
	newObserver      = func(log logr.Logger, cfg config.AMQPMessaging, labels map[string]string) (observer, error) {
		return notify.NewAMQPObserver(log, cfg, labels)
	}
)

type observer interface {
	lifecycle.Observer
	Close() error
}

type podFlags struct {
	namespace      string
	interval       time.Duration
	timeout        time.Duration
	cleanupTimeout time.Duration
	terminalPhases []string
	kubeconfig     string
	kubecontext    string
	istioEnabled   bool
	logs           bool
	dryRun         bool
}

func NewCommand() *cobra.Command {
	var (
		cfgFile string
		f       podFlags
	)

	cmd := &cobra.Command{
		Use:   "vulcan-pod <name> <image> [args...]",
		Short: "Run a single pod to completion and delete it",
		Long: `Create a pod running <image> with the given args, wait until it reaches a terminal
phase and delete it.

Exit codes:
  0  pod succeeded
  1  usage, configuration or unclassified error
  2  pod finished in any other terminal phase
  3  pod could not be created
  4  no terminal phase observed before the timeout
  5  wait cancelled
  6  pod disappeared while waiting
  7  pod could not be deleted, manual cleanup required`,
		Args:          cobra.MinimumNArgs(2),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			f.apply(cmd, &cfg)

			if err = cfg.Validate(); err != nil {
				return err
			}

			d := lifecycle.Descriptor{Name: args[0], Image: args[1], Args: args[2:]}
			if f.dryRun {
				return printManifest(cmd, cfg.Pod, d)
			}

			return run(cmd.Context(), cmd, cfg, d, f.logs)
		},
	}

	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "configuration file")
	cmd.Flags().StringVarP(&f.namespace, "namespace", "n", "", "namespace where the pod runs (default: kubeconfig context namespace or \"default\")")
	cmd.Flags().DurationVar(&f.interval, "interval", config.DefaultPollInterval, "pause between two status reads")
	cmd.Flags().DurationVar(&f.timeout, "timeout", config.DefaultPodTimeout, "maximum wait for a terminal phase")
	cmd.Flags().DurationVar(&f.cleanupTimeout, "cleanup-timeout", config.DefaultCleanupTimeout, "maximum wait for pod deletion")
	cmd.Flags().StringArrayVar(&f.terminalPhases, "terminal-phase", nil, "phase that ends the wait, repeatable (default Succeeded and Failed)")
	cmd.Flags().StringVar(&f.kubeconfig, "kubeconfig", "", "path to a kubeconfig file")
	cmd.Flags().StringVar(&f.kubecontext, "context", "", "kubeconfig context to use")
	cmd.Flags().BoolVar(&f.logs, "logs", false, "print the pod output once it finishes")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "print the pod manifest and exit")
	cmd.Flags().BoolVar(&f.istioEnabled, "istio-enabled", false, "Enable support for Istio sidecar container")

	return cmd
}

// apply overrides the configuration with the flags set on the command line. The default namespace gives way
// to the namespace of the selected kubeconfig context.
func (f podFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	fs := cmd.Flags()

	if fs.Changed("kubeconfig") {
		cfg.Cluster.Kubeconfig = f.kubeconfig
	}
	if fs.Changed("context") {
		cfg.Cluster.Context = f.kubecontext
	}

	switch {
	case fs.Changed("namespace"):
		cfg.Pod.Namespace = f.namespace
	case cfg.Pod.Namespace == config.DefaultNamespace:
		cfg.Pod.Namespace = contextNamespace(cfg.Cluster.Kubeconfig, cfg.Cluster.Context)
	}
	if fs.Changed("interval") {
		cfg.Pod.PollInterval = f.interval
	}
	if fs.Changed("timeout") {
		cfg.Pod.Timeout = f.timeout
	}
	if fs.Changed("cleanup-timeout") {
		cfg.Pod.CleanupTimeout = f.cleanupTimeout
	}
	if fs.Changed("terminal-phase") {
		cfg.Pod.TerminalPhases = f.terminalPhases
	}
	if fs.Changed("istio-enabled") {
		cfg.Pod.IstioEnabled = f.istioEnabled
	}
}

func printManifest(cmd *cobra.Command, cfg config.Pod, d lifecycle.Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}

	bs, err := yaml.Marshal(kubernetes.PodFor(cfg.Namespace, d, cfg.Labels))
	if err != nil {
		return fmt.Errorf("cannot render pod manifest: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(bs)

	return err
}

func run(ctx context.Context, cmd *cobra.Command, cfg config.Config, d lifecycle.Descriptor, logs bool) error {
	log, zl, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()

	klog.SetLogger(log.WithName("client-go"))
	log.V(1).Info("Using provided configuration", "config", cfg)

	if cfg.Pod.IstioEnabled {
		done, err := waitForIstio(ctx, log)
		if err != nil {
			return err
		}
		defer done()
	}

	app, err := telemetry.NewApplication(cfg.NewRelic, zl)
	if err != nil {
		return err
	}
	defer telemetry.Shutdown(app)

	ctx, txn := telemetry.StartTransaction(ctx, app, "vulcan-pod")
	defer txn.End()

	restCfg, err := restConfig(cfg.Cluster.Kubeconfig, cfg.Cluster.Context)
	if err != nil {
		return err
	}
	clientset, err := newClientset(restCfg)
	if err != nil {
		return err
	}

	opts := []lifecycle.Option{
		lifecycle.Logger(log),
		lifecycle.PollInterval(cfg.Pod.PollInterval),
		lifecycle.Timeout(cfg.Pod.Timeout),
		lifecycle.CleanupTimeout(cfg.Pod.CleanupTimeout),
		lifecycle.TerminalPhases(phases(cfg.Pod.TerminalPhases)...),
	}
	if logs {
		opts = append(opts, lifecycle.StreamLogs(cmd.OutOrStdout()))
	}
	if cfg.Messaging.Enabled {
		obs, err := newObserver(log, *cfg.Messaging.AMQP, cfg.Pod.Labels)
		if err != nil {
			log.Error(err, "Phase transitions will not be published")
		} else {
			defer obs.Close()
			opts = append(opts, lifecycle.WithObserver(obs))
		}
	}

	clientOpts := []kubernetes.PodClientOption{kubernetes.PodLogger(log), kubernetes.PodLabels(cfg.Pod.Labels)}
	if g := cfg.Pod.DeleteGracePeriod; g != nil {
		clientOpts = append(clientOpts, kubernetes.DeleteGracePeriod(*g))
	}

	client := kubernetes.NewPodClient(clientset, clientOpts...)
	res, err := lifecycle.New(client, cfg.Pod.Namespace, opts...).Run(ctx, d)
	fmt.Fprintln(cmd.OutOrStdout(), res.Report())
	if err != nil {
		return err
	}

	if !res.Succeeded() {
		return &cli.PhaseError{Handle: res.Handle, State: res.Final}
	}

	return nil
}

func phases(names []string) []lifecycle.Phase {
	out := make([]lifecycle.Phase, 0, len(names))
	for _, n := range names {
		out = append(out, lifecycle.Phase(n))
	}

	return out
}
