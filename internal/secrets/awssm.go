package secrets

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsManagerSource fetches channel credentials from AWS Secrets Manager.
type SecretsManagerSource struct {
	client  *secretsmanager.Client
	timeout time.Duration
}

func NewSecretsManagerSource(ctx context.Context, region string, timeout time.Duration) (*SecretsManagerSource, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &SecretsManagerSource{
		client:  secretsmanager.NewFromConfig(cfg),
		timeout: timeout,
	}, nil
}

func (s *SecretsManagerSource) GetSecret(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(path),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %q: %w", path, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %q has no string value", path)
	}
	return *out.SecretString, nil
}

// StaticSource serves secrets from a fixed map. Used for local development
// and tests where Secrets Manager is not reachable.
type StaticSource map[string]string

func (s StaticSource) GetSecret(_ context.Context, path string) (string, error) {
	v, ok := s[path]
	if !ok {
		return "", fmt.Errorf("secret %q not found", path)
	}
	return v, nil
}
