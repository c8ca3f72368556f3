package ecr

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/smithy-go"
	"github.com/docker/docker/api/types/registry"
	"github.com/go-logr/logr"

	"github.com/dominodatalab/vulcan/pkg/credentials/cloudauth"
)

type ecrClient interface {
	GetAuthorizationToken(
		ctx context.Context,
		params *ecr.GetAuthorizationTokenInput,
		optFns ...func(*ecr.Options),
	) (*ecr.GetAuthorizationTokenOutput, error)
}

var (
	urlRegex = regexp.MustCompile(
		`^(?P<aws_account_id>[a-zA-Z\d][a-zA-Z\d-_]*)\.dkr\.ecr(-fips)?\.(?P<region>[a-zA-Z\d][a-zA-Z\d-_]*)\.amazonaws\.com(\.cn)?`,
	)
	loadConfig = func(ctx context.Context) (aws.Config, error) {
		return config.LoadDefaultConfig(ctx, config.WithEC2IMDSRegion())
	}
	newClient func(region string) ecrClient
)

// Register adds an ECR loader when AWS credentials can be resolved from the environment.
func Register(ctx context.Context, log logr.Logger, registry *cloudauth.Registry) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		log.Info("ECR not registered", "error", err)
		return nil
	}

	newClient = func(region string) ecrClient {
		return ecr.NewFromConfig(cfg, func(o *ecr.Options) {
			o.Region = region
		})
	}

	registry.Register(urlRegex, authenticate)
	log.Info("ECR registered")

	return nil
}

func authenticate(ctx context.Context, log logr.Logger, url string) (*registry.AuthConfig, error) {
	log = log.WithName("ecr-auth-provider")

	match := urlRegex.FindStringSubmatch(url)
	if match == nil {
		err := fmt.Errorf("ECR URL is invalid: %q should match pattern %v", url, urlRegex)
		log.Info(err.Error())

		return nil, err
	}
	region := match[urlRegex.SubexpIndex("region")]

	resp, err := newClient(region).GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			log.V(1).Info("ECR API error", "code", apiErr.ErrorCode(), "fault", apiErr.ErrorFault().String())
		}

		err = fmt.Errorf("failed to access ECR auth token: %w", err)
		log.Info(err.Error())

		return nil, err
	}

	if len(resp.AuthorizationData) != 1 {
		err = fmt.Errorf("expected a single ECR authorization token: %v", resp.AuthorizationData)
		log.Info(err.Error())

		return nil, err
	}
	authToken := aws.ToString(resp.AuthorizationData[0].AuthorizationToken)

	username, password, err := decodeAuth(authToken)
	if err != nil {
		err = fmt.Errorf("invalid ECR authorization token: %w", err)
		log.Info(err.Error())

		return nil, err
	}

	log.Info("Successfully authenticated with ECR")
	return &registry.AuthConfig{
		Username: username,
		Password: password,
	}, nil
}

func decodeAuth(auth string) (string, string, error) {
	if auth == "" {
		return "", "", errors.New("docker auth token cannot be blank")
	}

	decoded, err := base64.StdEncoding.DecodeString(auth)
	if err != nil {
		return "", "", fmt.Errorf("failed to decode docker auth token: %w", err)
	}

	creds := strings.SplitN(string(decoded), ":", 2)
	if len(creds) != 2 {
		return "", "", fmt.Errorf("invalid docker auth token: %q", creds)
	}

	return creds[0], creds[1], nil
}
