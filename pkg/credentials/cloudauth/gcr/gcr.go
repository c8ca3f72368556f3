package gcr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/docker/docker/api/types/registry"
	"github.com/go-logr/logr"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/dominodatalab/vulcan/pkg/credentials/cloudauth"
)

const (
	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"
	accessTokenUser    = "oauth2accesstoken"
)

var (
	gcrRegex      = regexp.MustCompile(`.*-docker\.pkg\.dev|(?:.*\.)?gcr\.io`)
	defaultClient = &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   2 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}
	defaultChallengeLoginServer cloudauth.LoginChallenger = cloudauth.ChallengeLoginServer
	findCredentials                                       = google.FindDefaultCredentials
)

type tokenResponse struct {
	Token        string `json:"token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type gcrProvider struct {
	tokenSource oauth2.TokenSource
}

// Register adds a GCR and Artifact Registry loader when Google application default credentials are available.
func Register(ctx context.Context, log logr.Logger, registry *cloudauth.Registry) error {
	creds, err := findCredentials(ctx, cloudPlatformScope)
	if err != nil {
		log.Info("GCR not registered", "error", err)
		if strings.Contains(err.Error(), "could not find default credentials") {
			return nil
		}
		return err
	}

	provider := &gcrProvider{tokenSource: creds.TokenSource}
	registry.Register(gcrRegex, provider.authenticate)
	log.Info("GCR registered")

	return nil
}

func (g *gcrProvider) authenticate(ctx context.Context, log logr.Logger, server string) (*registry.AuthConfig, error) {
	log = log.WithName("gcr-auth-provider")

	match := gcrRegex.FindAllString(server, -1)
	if len(match) != 1 {
		err := fmt.Errorf("invalid GCR URL %s should match %s", server, gcrRegex)
		log.Info(err.Error())

		return nil, err
	}

	token, err := g.tokenSource.Token()
	if err != nil {
		err = fmt.Errorf("unable to access GCR token from oauth: %w", err)
		log.Info(err.Error())

		return nil, err
	}

	// the access token is enough to log in, the registry token exchange only proves the registry accepts it
	loginServerURL := "https://" + match[0]
	directive, err := defaultChallengeLoginServer(ctx, loginServerURL)
	if err != nil {
		err = fmt.Errorf("GCR registry %q is unusable: %w", loginServerURL, err)
		log.Info(err.Error())

		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, directive.Realm, nil)
	if err != nil {
		err = fmt.Errorf("bad realm provided by GCR: %w", err)
		log.Info(err.Error())

		return nil, err
	}

	v := url.Values{}
	v.Set("service", directive.Service)
	v.Set("client_id", "vulcan")
	req.URL.RawQuery = v.Encode()
	req.SetBasicAuth(accessTokenUser, token.AccessToken)

	resp, err := defaultClient.Do(req)
	if err != nil {
		err = fmt.Errorf("request to access GCR registry token failed with error: %w", err)
		log.Info(err.Error())

		return nil, err
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		err = fmt.Errorf("unable to read response body: %w", err)
		log.Info(err.Error())

		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("failed to obtain token, received unexpected response code: %d\nresponse: %q",
			resp.StatusCode, content)
		log.Info(err.Error())

		return nil, err
	}

	var response tokenResponse
	if err = json.Unmarshal(content, &response); err != nil {
		return nil, fmt.Errorf("failed unmarshal json token response: %w", err)
	}

	// Some registries set access_token instead of token.
	if response.AccessToken != "" {
		response.Token = response.AccessToken
	}

	if response.Token == "" {
		err = fmt.Errorf("no GCR token in bearer response:\n%s", content)
		log.Info(err.Error())

		return nil, err
	}

	log.Info(fmt.Sprintf("Successfully authenticated with GCR %q", server))
	// buildkit only supports username/password
	return &registry.AuthConfig{
		Username: accessTokenUser,
		Password: token.AccessToken,
	}, nil
}
