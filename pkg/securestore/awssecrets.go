package securestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used by
// AWSSecrets.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, in *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	CreateSecret(ctx context.Context, in *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	DeleteSecret(ctx context.Context, in *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
}

// AWSSecrets stores each key as a binary secret named prefix+key.
type AWSSecrets struct {
	client SecretsManagerAPI
	prefix string
}

// NewAWSSecrets loads the default AWS configuration (environment, shared
// config, instance role) for region and returns a store that names secrets
// prefix+key.
func NewAWSSecrets(ctx context.Context, region, prefix string) (*AWSSecrets, error) {
	var loadOpts []func(*config.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewAWSSecretsFromClient(secretsmanager.NewFromConfig(cfg), prefix), nil
}

// NewAWSSecretsFromClient wraps an existing client.
func NewAWSSecretsFromClient(client SecretsManagerAPI, prefix string) *AWSSecrets {
	return &AWSSecrets{client: client, prefix: prefix}
}

// Get implements Storage.
func (s *AWSSecrets) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.prefix + key),
	})
	if err != nil {
		if isResourceNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get secret value: %w", err)
	}
	if out.SecretBinary != nil {
		return out.SecretBinary, nil
	}
	if out.SecretString != nil {
		return []byte(*out.SecretString), nil
	}
	return nil, ErrNotFound
}

// Set implements Storage. The secret is created on first write.
func (s *AWSSecrets) Set(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	name := aws.String(s.prefix + key)

	_, err := s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     name,
		SecretBinary: value,
	})
	if err == nil {
		return nil
	}
	if !isResourceNotFound(err) {
		return fmt.Errorf("put secret value: %w", err)
	}

	_, err = s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         name,
		SecretBinary: value,
	})
	if err != nil {
		return fmt.Errorf("create secret: %w", err)
	}
	return nil
}

// Delete implements Storage. Secrets are removed without a recovery window
// so a deleted key can be regenerated immediately.
func (s *AWSSecrets) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(s.prefix + key),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	if err != nil && !isResourceNotFound(err) {
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}

func isResourceNotFound(err error) bool {
	var nf *types.ResourceNotFoundException
	return errors.As(err, &nf)
}

var _ Storage = (*AWSSecrets)(nil)
