package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultNamespace      = "default"
	DefaultPollInterval   = time.Second
	DefaultPodTimeout     = 30 * time.Minute
	DefaultCleanupTimeout = 30 * time.Second
	DefaultRegistry       = "registry.hub.docker.com"

	EngineDocker   = "docker"
	EngineBuildkit = "buildkit"
)

var compressionMethods = map[string]bool{"gzip": true, "zstd": true, "estargz": true}

type Config struct {
	Logging   Logging   `json:"logging" yaml:"logging"`
	Cluster   Cluster   `json:"cluster" yaml:"cluster"`
	Pod       Pod       `json:"pod" yaml:"pod"`
	Image     Image     `json:"image" yaml:"image"`
	Messaging Messaging `json:"messaging" yaml:"messaging"`
	NewRelic  NewRelic  `json:"newRelic" yaml:"newRelic"`
}

// Default returns a configuration usable without any config file.
func Default() Config {
	return Config{
		Logging: Logging{
			StacktraceLevel: "error",
			Container: ContainerLogging{
				Encoder:  "console",
				LogLevel: "info",
			},
		},
		Pod: Pod{
			Namespace:      DefaultNamespace,
			PollInterval:   DefaultPollInterval,
			Timeout:        DefaultPodTimeout,
			CleanupTimeout: DefaultCleanupTimeout,
			TerminalPhases: []string{"Succeeded", "Failed"},
		},
		Image: Image{
			Registry: DefaultRegistry,
			Engine:   EngineDocker,
			Buildkit: Buildkit{
				Compression: "gzip",
			},
			FetchAndExtractTimeout: 5 * time.Minute,
		},
	}
}

func (c Config) Validate() error {
	var errs []string

	if c.Pod.Namespace == "" {
		errs = append(errs, "pod.namespace cannot be blank")
	}
	if c.Pod.PollInterval <= 0 {
		errs = append(errs, "pod.pollInterval must be greater than 0")
	}
	if c.Pod.Timeout <= 0 {
		errs = append(errs, "pod.timeout must be greater than 0")
	}
	if c.Pod.Timeout > 0 && c.Pod.PollInterval > c.Pod.Timeout {
		errs = append(errs, "pod.pollInterval cannot exceed pod.timeout")
	}
	if c.Pod.CleanupTimeout <= 0 {
		errs = append(errs, "pod.cleanupTimeout must be greater than 0")
	}
	if len(c.Pod.TerminalPhases) == 0 {
		errs = append(errs, "pod.terminalPhases must contain at least 1 phase")
	}
	if g := c.Pod.DeleteGracePeriod; g != nil && *g < 0 {
		errs = append(errs, "pod.deleteGracePeriod cannot be negative")
	}
	for _, p := range c.Pod.TerminalPhases {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, "pod.terminalPhases cannot contain blank values")
			break
		}
	}

	if c.Image.Registry == "" {
		errs = append(errs, "image.registry cannot be blank")
	}
	switch c.Image.Engine {
	case EngineDocker:
	case EngineBuildkit:
		if c.Image.Buildkit.Addr == "" {
			errs = append(errs, "image.buildkit.addr cannot be blank when engine is buildkit")
		}
	default:
		errs = append(errs, fmt.Sprintf("image.engine %q must be one of [%s %s]", c.Image.Engine, EngineDocker, EngineBuildkit))
	}
	if c.Image.ContextURL != "" && c.Image.Engine != EngineBuildkit {
		errs = append(errs, "image.contextURL requires the buildkit engine")
	}
	if !compressionMethods[c.Image.Buildkit.Compression] {
		errs = append(errs, fmt.Sprintf("image.buildkit.compression %q must be one of [gzip zstd estargz]", c.Image.Buildkit.Compression))
	}

	if c.Messaging.Enabled {
		if c.Messaging.AMQP == nil {
			errs = append(errs, "messaging.amqp is required when messaging is enabled")
		} else if c.Messaging.AMQP.URL == "" {
			errs = append(errs, "messaging.amqp.url cannot be blank")
		}
	}

	if c.NewRelic.Enabled && c.NewRelic.LicenseKey == "" {
		errs = append(errs, "newRelic.licenseKey cannot be blank")
	}

	if len(errs) != 0 {
		return fmt.Errorf("config is invalid: %s", strings.Join(errs, ", "))
	}

	return nil
}

type ContainerLogging struct {
	Encoder  string `json:"encoder" yaml:"encoder"`
	LogLevel string `json:"level" yaml:"level"`
}

type LogfileLogging struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Filepath string `json:"filepath" yaml:"filepath"`
	LogLevel string `json:"level" yaml:"level"`
	// MaxSize in megabytes before the logfile is rotated.
	MaxSize int `json:"maxSize" yaml:"maxSize"`
	// MaxBackups is the number of rotated logfiles to keep.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`
	// MaxAge in days before rotated logfiles are removed.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

type Logging struct {
	StacktraceLevel string `json:"stacktraceLevel" yaml:"stacktraceLevel"`

	Container ContainerLogging `json:"container" yaml:"container"`
	Logfile   LogfileLogging   `json:"logfile" yaml:"logfile"`
}

// Cluster connection settings. Blank values use the default kubeconfig loading rules, falling back to the
// in-cluster config.
type Cluster struct {
	Kubeconfig string `json:"kubeconfig" yaml:"kubeconfig,omitempty"`
	Context    string `json:"context" yaml:"context,omitempty"`
}

// Pod lifecycle settings.
type Pod struct {
	// Namespace where pods are created, read and deleted.
	Namespace string `json:"namespace" yaml:"namespace"`
	// PollInterval between two status reads.
	PollInterval time.Duration `json:"pollInterval" yaml:"pollInterval"`
	// Timeout bounds the wait for a terminal phase.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// CleanupTimeout bounds the delete issued after the wait, even when the wait was cancelled.
	CleanupTimeout time.Duration `json:"cleanupTimeout" yaml:"cleanupTimeout"`
	// TerminalPhases ends the wait when observed.
	TerminalPhases []string `json:"terminalPhases" yaml:"terminalPhases"`
	// DeleteGracePeriod in seconds overrides the pod termination grace period on deletion.
	DeleteGracePeriod *int64 `json:"deleteGracePeriod,omitempty" yaml:"deleteGracePeriod,omitempty"`
	// Labels added to every pod in addition to "app".
	Labels map[string]string `json:"labels" yaml:"labels,omitempty"`
	// IstioEnabled coordinates with an istio sidecar when running inside a mesh.
	IstioEnabled bool `json:"istioEnabled" yaml:"istioEnabled"`
}

// Image build and push settings.
type Image struct {
	// Registry host prepended to the repository.
	Registry string `json:"registry" yaml:"registry"`
	// Username and Password for basic registry auth.
	Username string `json:"username" yaml:"username,omitempty"`
	Password string `json:"password" yaml:"password,omitempty"`
	// PullSecret is a "namespace/name" reference to a dockerconfigjson secret holding registry auth.
	PullSecret string `json:"pullSecret" yaml:"pullSecret,omitempty"`
	// CloudAuth retrieves registry auth from the hosting cloud provider (ECR, GCR, ACR).
	CloudAuth bool `json:"cloudAuth" yaml:"cloudAuth"`
	// VerifyCredentials logs into the registry before building.
	VerifyCredentials bool `json:"verifyCredentials" yaml:"verifyCredentials"`
	// Engine used to build and push: docker or buildkit.
	Engine string `json:"engine" yaml:"engine"`
	// Buildkit connection parameters, used when Engine is buildkit.
	Buildkit Buildkit `json:"buildkit" yaml:"buildkit"`
	// BuildArgs passed to the Dockerfile frontend as KEY=VALUE.
	BuildArgs []string `json:"buildArgs" yaml:"buildArgs,omitempty"`
	// ContextURL is a remote http(s) or data: URL of a build context archive, buildkit engine only.
	ContextURL string `json:"contextURL" yaml:"contextURL,omitempty"`
	// NoCache disables the local build cache.
	NoCache bool `json:"noCache" yaml:"noCache"`
	// FetchAndExtractTimeout used when processing a remote build context archive.
	FetchAndExtractTimeout time.Duration `json:"fetchAndExtractTimeout" yaml:"fetchAndExtractTimeout"`
}

func (i Image) MarshalJSON() ([]byte, error) {
	type image Image
	redacted := image(i)
	if redacted.Password != "" {
		redacted.Password = "xxxxx"
	}

	return json.Marshal(redacted)
}

// Buildkit communication configuration.
type Buildkit struct {
	// Addr of buildkitd, e.g. tcp://buildkitd:1234 or unix:///run/buildkit/buildkitd.sock.
	Addr string `json:"addr" yaml:"addr"`
	// Compression applied to pushed layers: gzip, zstd or estargz.
	Compression string `json:"compression" yaml:"compression"`
	// MTLS parameters.
	MTLS *BuildkitMTLS `json:"mtls,omitempty" yaml:"mtls,omitempty"`
	// Secrets provided to buildkitd during the build, name -> file path.
	Secrets map[string]string `json:"secrets" yaml:"secrets,omitempty"`
}

// BuildkitMTLS client configuration.
type BuildkitMTLS struct {
	CACertPath string `json:"caCertPath" yaml:"caCertPath"`
	CertPath   string `json:"certPath" yaml:"certPath"`
	KeyPath    string `json:"keyPath" yaml:"keyPath"`
}

type Messaging struct {
	Enabled bool           `json:"enabled" yaml:"enabled"`
	AMQP    *AMQPMessaging `json:"amqp" yaml:"amqp"`
}

type AMQPMessaging struct {
	URL      string `json:"url" yaml:"url"`
	Exchange string `json:"exchange" yaml:"exchange"`
	Queue    string `json:"queue" yaml:"queue"`
}

func (m *AMQPMessaging) MarshalJSON() ([]byte, error) {
	amqpMessaging := *m
	u, err := url.Parse(amqpMessaging.URL)
	if err != nil {
		return nil, err
	}

	amqpMessaging.URL = u.Redacted()

	type plain AMQPMessaging
	return json.Marshal(plain(amqpMessaging))
}

type NewRelic struct {
	Enabled    bool              `json:"enabled" yaml:"enabled"`
	AppName    string            `json:"appName" yaml:"appName"`
	Labels     map[string]string `json:"labels" yaml:"labels,omitempty"`
	LicenseKey string            `json:"licenseKey" yaml:"licenseKey"`
}

func (n NewRelic) MarshalJSON() ([]byte, error) {
	type newRelic NewRelic
	redacted := newRelic(n)
	if redacted.LicenseKey != "" {
		redacted.LicenseKey = "xxxxx"
	}

	return json.Marshal(redacted)
}

// LoadFromFile decodes filename over Default(), so omitted fields keep their default values.
func LoadFromFile(filename string) (Config, error) {
	bs, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	switch ext := filepath.Ext(filename); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(bs, &cfg)
	case ".json":
		// JSON is a YAML subset; decoding it as YAML reads durations as "10m" strings in both formats
		if err = json.Unmarshal(bs, new(json.RawMessage)); err == nil {
			err = yaml.Unmarshal(bs, &cfg)
		}
	default:
		return Config{}, fmt.Errorf("file extension %q is not allowed", ext)
	}
	if err != nil {
		return Config{}, fmt.Errorf("cannot decode %q: %w", filename, err)
	}

	return cfg, nil
}

// Load returns Default() when filename is blank, otherwise LoadFromFile.
func Load(filename string) (Config, error) {
	if filename == "" {
		return Default(), nil
	}

	return LoadFromFile(filename)
}
