// Package secrets resolves credentials such as the Postgres DSN from the
// environment or AWS Secrets Manager.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client awsClient
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("%w: nil aws provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty secret key", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &key,
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", key, err)
	}
	if out.SecretString != nil && strings.TrimSpace(*out.SecretString) != "" {
		return strings.TrimSpace(*out.SecretString), nil
	}
	if len(out.SecretBinary) > 0 {
		return string(out.SecretBinary), nil
	}
	return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, key)
}

type EnvProvider struct{}

func NewEnv() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil env provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}

// Resolver reads secret references of the form
//
//	env:NAME
//	aws:SECRET_ID
//	aws:SECRET_ID#field
//
// The optional #field selects a string field of a JSON secret. The AWS
// provider is created on first use.
type Resolver struct {
	Env Provider

	mu     sync.Mutex
	aws    Provider
	newAWS func(ctx context.Context) (Provider, error)
}

func NewResolver() *Resolver {
	return &Resolver{
		Env: NewEnv(),
		newAWS: func(ctx context.Context) (Provider, error) {
			return NewAWS(ctx)
		},
	}
}

// NewResolverWithAWS uses p for aws: references.
func NewResolverWithAWS(p Provider) *Resolver {
	return &Resolver{Env: NewEnv(), aws: p}
}

func (r *Resolver) awsProvider(ctx context.Context) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aws != nil {
		return r.aws, nil
	}
	if r.newAWS == nil {
		return nil, fmt.Errorf("%w: aws provider not configured", ErrInvalidConfig)
	}
	p, err := r.newAWS(ctx)
	if err != nil {
		return nil, err
	}
	r.aws = p
	return p, nil
}

func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(ref), ":")
	if !ok || strings.TrimSpace(rest) == "" {
		return "", fmt.Errorf("%w: secret reference %q must be env:NAME or aws:ID", ErrInvalidConfig, ref)
	}
	switch scheme {
	case "env":
		if r.Env == nil {
			return "", fmt.Errorf("%w: env provider not configured", ErrInvalidConfig)
		}
		return r.Env.Get(ctx, rest)
	case "aws":
		id, field, _ := strings.Cut(rest, "#")
		p, err := r.awsProvider(ctx)
		if err != nil {
			return "", err
		}
		v, err := p.Get(ctx, id)
		if err != nil {
			return "", err
		}
		if field == "" {
			return v, nil
		}
		return jsonField(v, field)
	default:
		return "", fmt.Errorf("%w: unknown secret scheme %q", ErrInvalidConfig, scheme)
	}
}

func jsonField(raw, field string) (string, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return "", fmt.Errorf("%w: secret is not a JSON object", ErrInvalidConfig)
	}
	v, ok := obj[field].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: secret field %q", ErrNotFound, field)
	}
	return strings.TrimSpace(v), nil
}

// ResolveValue returns literal when set, otherwise the secret behind ref.
func ResolveValue(ctx context.Context, r *Resolver, literal, ref string) (string, error) {
	if v := strings.TrimSpace(literal); v != "" {
		return v, nil
	}
	if strings.TrimSpace(ref) == "" {
		return "", fmt.Errorf("%w: value or secret reference required", ErrInvalidConfig)
	}
	if r == nil {
		return "", fmt.Errorf("%w: nil resolver", ErrInvalidConfig)
	}
	return r.Resolve(ctx, ref)
}
