package acr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/docker/docker/api/types/registry"
	"github.com/go-logr/logr"

	"github.com/dominodatalab/vulcan/pkg/credentials/cloudauth"
)

// https://github.com/Azure/acr/blob/main/docs/AAD-OAuth.md

const (
	acrUserForRefreshToken = "00000000-0000-0000-0000-000000000000"
	armScope               = "https://management.azure.com/.default"

	envTenantID = "AZURE_TENANT_ID"
	envClientID = "AZURE_CLIENT_ID"
)

var (
	acrRegex                                              = regexp.MustCompile(`.*\.azurecr\.io|.*\.azurecr\.cn|.*\.azurecr\.de|.*\.azurecr\.us`)
	defaultChallengeLoginServer cloudauth.LoginChallenger = cloudauth.ChallengeLoginServer
	defaultClient                                         = &http.Client{Timeout: 30 * time.Second}
	exchangeURL                                           = func(loginServer string) string {
		return "https://" + loginServer + "/oauth2/exchange"
	}

	newCredential = func() (azcore.TokenCredential, error) {
		return azidentity.NewDefaultAzureCredential(nil)
	}
)

type acrProvider struct {
	tenantID   string
	credential azcore.TokenCredential
}

type exchangeResponse struct {
	RefreshToken string `json:"refresh_token"`
}

// Register will instantiate a new authentication provider whenever the AZURE_TENANT_ID and AZURE_CLIENT_ID envvars
// are present, otherwise it will result in a no-op. An error will be returned whenever the credential chain cannot
// be built.
func Register(_ context.Context, log logr.Logger, registry *cloudauth.Registry) error {
	tenantID, tenantIDDefined := os.LookupEnv(envTenantID)
	_, clientIDDefined := os.LookupEnv(envClientID)
	if !(tenantIDDefined && clientIDDefined) {
		log.Info(fmt.Sprintf("ACR authentication provider not registered, %s or %s is absent", envTenantID, envClientID))
		return nil
	}

	cred, err := newCredential()
	if err != nil {
		return fmt.Errorf("failed to create authentication provider: %w", err)
	}

	provider := &acrProvider{tenantID: tenantID, credential: cred}
	registry.Register(acrRegex, provider.authenticate)
	log.Info("ACR authentication provider registered")

	return nil
}

func (a *acrProvider) authenticate(ctx context.Context, log logr.Logger, server string) (*registry.AuthConfig, error) {
	log = log.WithName("acr-auth-provider")

	match := acrRegex.FindAllString(server, -1)
	if len(match) != 1 {
		err := fmt.Errorf("ACR URL is invalid: %q should match pattern %v", server, acrRegex)
		log.Info(err.Error())

		return nil, err
	}
	loginServer := match[0]

	var armToken azcore.AccessToken
	err := cloudauth.Retry(ctx, log, 3, func() (err error) {
		armToken, err = a.credential.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{armScope}})
		return err
	})
	if err != nil {
		log.Error(err, "Failed to refresh AAD token")
		return nil, fmt.Errorf("failed to refresh AAD token: %w", err)
	}

	loginServerURL := "https://" + loginServer
	directive, err := defaultChallengeLoginServer(ctx, loginServerURL)
	if err != nil {
		log.Error(err, "ACR cloud authentication failed")
		return nil, err
	}

	refreshToken, err := a.exchange(ctx, loginServer, directive.Service, armToken.Token)
	if err != nil {
		log.Error(err, "Token refresh failed")
		return nil, fmt.Errorf("failed to generate ACR refresh token: %w", err)
	}

	log.Info("Successfully authenticated with ACR")
	return &registry.AuthConfig{
		Username: acrUserForRefreshToken,
		Password: refreshToken,
	}, nil
}

// exchange trades an AAD access token for an ACR refresh token.
func (a *acrProvider) exchange(ctx context.Context, loginServer, service, accessToken string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "access_token")
	form.Set("service", service)
	form.Set("tenant", a.tenantID)
	form.Set("access_token", accessToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, exchangeURL(loginServer), strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := defaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("exchange returned %d: %s", resp.StatusCode, body)
	}

	var er exchangeResponse
	if err = json.Unmarshal(body, &er); err != nil {
		return "", fmt.Errorf("cannot decode exchange response: %w", err)
	}
	if er.RefreshToken == "" {
		return "", errors.New("exchange response has no refresh token")
	}

	return er.RefreshToken, nil
}
