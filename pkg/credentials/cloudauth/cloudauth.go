package cloudauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/docker/distribution/registry/client/auth/challenge"
	"github.com/docker/docker/api/types/registry"
	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"
)

var ErrNoLoader = errors.New("no loader found")

// AuthLoader requests registry credentials for server from a cloud provider.
type AuthLoader func(ctx context.Context, log logr.Logger, server string) (*registry.AuthConfig, error)

// AuthDirective is the bearer token challenge advertised by a registry.
type AuthDirective struct {
	Service string
	Realm   string
}

// LoginChallenger resolves the AuthDirective of a registry login server.
type LoginChallenger func(ctx context.Context, loginServerURL string) (*AuthDirective, error)

type entry struct {
	re     *regexp.Regexp
	loader AuthLoader
}

type Registry struct {
	mu      sync.RWMutex
	loaders []entry
}

// RetrieveAuthorization will multiplex registered auth loaders based on url pattern and use the first matching one
// to make an authorization request. The returned value can be marshalled into the contents of a Docker config.json
// file.
func (r *Registry) RetrieveAuthorization(ctx context.Context, log logr.Logger, server string) (*registry.AuthConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.loaders {
		if e.re.MatchString(server) {
			return e.loader(ctx, log, server)
		}
	}

	return nil, ErrNoLoader
}

// Register will create a new url regex -> authorization loader scheme.
func (r *Registry) Register(re *regexp.Regexp, loader AuthLoader) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.loaders = append(r.loaders, entry{re: re, loader: loader})
}

// Len returns the number of registered loaders.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.loaders)
}

var (
	challengeClient = &http.Client{Timeout: 10 * time.Second}

	// RetryBaseDelay is the first pause used by Retry. It doubles after every failed attempt.
	RetryBaseDelay = time.Second
)

// ChallengeLoginServer pings the v2 endpoint of a registry and returns its bearer challenge.
func ChallengeLoginServer(ctx context.Context, loginServerURL string) (*AuthDirective, error) {
	endpoint := strings.TrimSuffix(loginServerURL, "/") + "/v2/"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := challengeClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s is unreachable: %w", loginServerURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		return nil, fmt.Errorf("registry did not issue a valid challenge, status: %d", resp.StatusCode)
	}

	for _, c := range challenge.ResponseChallenges(resp) {
		if !strings.EqualFold(c.Scheme, "bearer") {
			continue
		}

		realm, service := c.Parameters["realm"], c.Parameters["service"]
		if realm == "" {
			return nil, errors.New("challenge is missing realm")
		}
		if service == "" {
			return nil, errors.New("challenge is missing service")
		}

		return &AuthDirective{Service: service, Realm: realm}, nil
	}

	return nil, fmt.Errorf("registry %s did not issue a bearer challenge", loginServerURL)
}

// Retry calls fn until it succeeds, attempts are exhausted or ctx is done.
func Retry(ctx context.Context, log logr.Logger, attempts int, fn func() error) error {
	var lastErr error

	backoff := wait.Backoff{Duration: RetryBaseDelay, Factor: 2, Jitter: 0.1, Steps: attempts}
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(context.Context) (bool, error) {
		if lastErr = fn(); lastErr != nil {
			log.Error(lastErr, "Retrying")
			return false, nil
		}
		return true, nil
	})
	if err != nil && lastErr != nil {
		return lastErr
	}

	return err
}
