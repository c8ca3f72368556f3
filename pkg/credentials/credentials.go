package credentials

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/docker/cli/cli/config"
	"github.com/docker/cli/cli/config/configfile"
	clitypes "github.com/docker/cli/cli/config/types"
	registrytypes "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/registry"
	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/utils/pointer"

	"github.com/dominodatalab/vulcan/pkg/credentials/cloudauth"
	"github.com/dominodatalab/vulcan/pkg/credentials/cloudauth/acr"
	"github.com/dominodatalab/vulcan/pkg/credentials/cloudauth/ecr"
	"github.com/dominodatalab/vulcan/pkg/credentials/cloudauth/gcr"
)

const userAgent = "DominoDataLab_Vulcan/1.0"

var (
	CloudAuthRegistry = &cloudauth.Registry{}

	clientsetFunc = func(cfg *rest.Config) (kubernetes.Interface, error) {
		return kubernetes.NewForConfig(cfg)
	}
	loginFunc = login
)

// BasicAuth holds a registry username and password.
type BasicAuth struct {
	Username string
	Password string
}

// SecretReference points to a dockerconfigjson secret.
type SecretReference struct {
	Namespace string
	Name      string
}

func (s SecretReference) String() string {
	return s.Namespace + "/" + s.Name
}

// ParseSecretReference parses "namespace/name".
func ParseSecretReference(ref string) (*SecretReference, error) {
	ns, name, ok := strings.Cut(ref, "/")
	if !ok || ns == "" || name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("secret reference %q must be in the form namespace/name", ref)
	}

	return &SecretReference{Namespace: ns, Name: name}, nil
}

// RegistryCredentials describes one source of registry auth. Exactly one of BasicAuth, Secret or CloudProvided
// should be set. When Server is blank on a Secret source, every registry found in the secret is used.
type RegistryCredentials struct {
	Server        string
	BasicAuth     *BasicAuth
	Secret        *SecretReference
	CloudProvided *bool
}

// AuthConfigs is a map of registry urls to authentication credentials.
type AuthConfigs map[string]clitypes.AuthConfig

// Extract returns the credentials for host found in dockerconfigjson data.
func Extract(host string, data []byte) (string, string, error) {
	auths, err := parse(data)
	if err != nil {
		return "", "", err
	}

	ac, ok := auths[host]
	if !ok {
		var servers []string
		for url := range auths {
			servers = append(servers, url)
		}
		sort.Strings(servers)

		return "", "", fmt.Errorf("registry %q is not in server list %v", host, servers)
	}

	return ac.Username, ac.Password, nil
}

func parse(data []byte) (AuthConfigs, error) {
	cf, err := config.LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("cannot decode docker config: %w", err)
	}

	return cf.GetAuthConfigs(), nil
}

// Persist resolves every credential source and writes the result into a docker config.json inside a new temporary
// directory. The directory path is returned along with a description of every source used; callers must remove it.
func Persist(
	ctx context.Context,
	log logr.Logger,
	cfg *rest.Config,
	credentials []RegistryCredentials,
) (string, []string, error) {
	auths := AuthConfigs{}
	var sources []string

	var clientset kubernetes.Interface
	for _, cred := range credentials {
		switch {
		case cred.BasicAuth != nil:
			auths[cred.Server] = clitypes.AuthConfig{
				Username: cred.BasicAuth.Username,
				Password: cred.BasicAuth.Password,
			}
			sources = append(sources, fmt.Sprintf("basic auth for %q", cred.Server))
		case cred.Secret != nil:
			if clientset == nil {
				var err error
				if clientset, err = clientsetFunc(cfg); err != nil {
					return "", nil, fmt.Errorf("cannot create kubernetes client: %w", err)
				}
			}

			secret, err := clientset.CoreV1().Secrets(cred.Secret.Namespace).Get(ctx, cred.Secret.Name, metav1.GetOptions{})
			if err != nil {
				return "", nil, fmt.Errorf("cannot read secret %s: %w", cred.Secret, err)
			}
			if secret.Type != corev1.SecretTypeDockerConfigJson {
				return "", nil, fmt.Errorf("secret %s has type %q, expected %q", cred.Secret, secret.Type,
					corev1.SecretTypeDockerConfigJson)
			}

			data := secret.Data[corev1.DockerConfigJsonKey]
			if cred.Server == "" {
				found, err := parse(data)
				if err != nil {
					return "", nil, fmt.Errorf("secret %s is invalid: %w", cred.Secret, err)
				}
				for server, ac := range found {
					auths[server] = clitypes.AuthConfig{Username: ac.Username, Password: ac.Password}
				}
			} else {
				username, password, err := Extract(cred.Server, data)
				if err != nil {
					return "", nil, fmt.Errorf("secret %s is invalid: %w", cred.Secret, err)
				}
				auths[cred.Server] = clitypes.AuthConfig{Username: username, Password: password}
			}
			sources = append(sources, fmt.Sprintf("secret %q in namespace %q", cred.Secret.Name, cred.Secret.Namespace))
		case pointer.BoolDeref(cred.CloudProvided, false):
			pac, err := CloudAuthRegistry.RetrieveAuthorization(ctx, log, cred.Server)
			if err != nil {
				return "", nil, fmt.Errorf("cannot retrieve cloud credentials for %q: %w", cred.Server, err)
			}

			auths[cred.Server] = clitypes.AuthConfig{Username: pac.Username, Password: pac.Password}
			sources = append(sources, fmt.Sprintf("cloud provider for %q", cred.Server))
		default:
			return "", nil, fmt.Errorf("credential for %q is missing auth section", cred.Server)
		}
	}

	dir, err := os.MkdirTemp("", "docker-config-")
	if err != nil {
		return "", nil, err
	}

	cf := configfile.New(filepath.Join(dir, config.ConfigFileName))
	cf.AuthConfigs = auths
	if err = cf.Save(); err != nil {
		os.RemoveAll(dir)
		return "", nil, fmt.Errorf("cannot write docker config: %w", err)
	}

	for _, s := range sources {
		log.V(1).Info("Registry credentials loaded", "source", s)
	}

	return dir, sources, nil
}

// Verify logs into every registry found in configDir and returns all login failures.
func Verify(ctx context.Context, configDir string) error {
	cf, err := config.Load(configDir)
	if err != nil {
		return err
	}

	var servers []string
	for server := range cf.GetAuthConfigs() {
		servers = append(servers, server)
	}
	sort.Strings(servers)

	var errs error
	for _, server := range servers {
		ac, err := cf.GetAuthConfig(server)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%q client credentials cannot be read: %w", server, err))
			continue
		}

		auth := registrytypes.AuthConfig{
			Username:      ac.Username,
			Password:      ac.Password,
			ServerAddress: server,
		}
		if err = loginFunc(ctx, &auth); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%q client credentials are invalid: %w", server, err))
		}
	}

	return errs
}

func login(ctx context.Context, auth *registrytypes.AuthConfig) error {
	svc, err := registry.NewService(registry.ServiceOptions{})
	if err != nil {
		return err
	}

	_, _, err = svc.Auth(ctx, auth, userAgent)
	return err
}

// LoadCloudProviders adds all cloud authentication providers to the CloudAuthRegistry.
func LoadCloudProviders(ctx context.Context, log logr.Logger) error {
	if err := acr.Register(ctx, log, CloudAuthRegistry); err != nil {
		return fmt.Errorf("ACR registration failed: %w", err)
	}
	if err := ecr.Register(ctx, log, CloudAuthRegistry); err != nil {
		return fmt.Errorf("ECR registration failed: %w", err)
	}
	if err := gcr.Register(ctx, log, CloudAuthRegistry); err != nil {
		return fmt.Errorf("GCR registration failed: %w", err)
	}
	log.V(1).Info("Cloud auth providers loaded", "count", CloudAuthRegistry.Len())

	return nil
}
