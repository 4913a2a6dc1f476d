// Package secrets reads provider API keys from one AWS Secrets Manager
// secret and caches the bundle for a TTL.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
)

// GetSecretValueAPI is the slice of the Secrets Manager client the cache uses.
type GetSecretValueAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewClient builds a Secrets Manager client from the default AWS chain.
func NewClient(ctx context.Context, region string) (*secretsmanager.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

type Config struct {
	Client     GetSecretValueAPI
	SecretName string
	// TTL is how long a fetched bundle is served (default 1h).
	TTL time.Duration
	// ErrorBackoff is how long a failed fetch is served as empty (default 1m).
	ErrorBackoff time.Duration
	// FetchTimeout bounds one GetSecretValue call (default 10s).
	FetchTimeout time.Duration
	Logger       *slog.Logger
	// OnFetch is told "ok", "missing" or "error" after each fetch.
	OnFetch func(result string)
}

// Cache is safe for concurrent use. A single fetch runs at a time; readers
// that arrive while it runs wait for its result.
type Cache struct {
	client  GetSecretValueAPI
	name    string
	ttl     time.Duration
	backoff time.Duration
	timeout time.Duration
	logger  *slog.Logger
	onFetch func(string)
	now     func() time.Time

	mu        sync.Mutex
	values    map[string]string
	expiresAt time.Time
}

func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache{
		client:  cfg.Client,
		name:    cfg.SecretName,
		ttl:     cfg.TTL,
		backoff: cfg.ErrorBackoff,
		timeout: cfg.FetchTimeout,
		logger:  cfg.Logger,
		onFetch: cfg.OnFetch,
		now:     time.Now,
	}
}

// Enabled reports whether a client and secret name are configured. A nil
// Cache is disabled.
func (c *Cache) Enabled() bool {
	return c != nil && c.client != nil && c.name != ""
}

// Get returns one value of the bundle.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	if !c.Enabled() {
		return "", false
	}
	v, ok := c.bundle(ctx)[key]
	return v, ok && v != ""
}

// ProviderKey returns "<PROVIDER>_API_KEY" from the bundle, or "".
func (c *Cache) ProviderKey(ctx context.Context, provider string) string {
	v, _ := c.Get(ctx, strings.ToUpper(provider)+"_API_KEY")
	return v
}

// Invalidate forces the next read to fetch.
func (c *Cache) Invalidate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.values = nil
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

func (c *Cache) bundle(ctx context.Context) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values != nil && c.now().Before(c.expiresAt) {
		return c.values
	}
	values, result, err := c.fetch(ctx)
	if c.onFetch != nil {
		c.onFetch(result)
	}
	switch result {
	case "ok", "missing":
		c.expiresAt = c.now().Add(c.ttl)
	default:
		c.logger.Warn("secrets: fetch failed",
			slog.String("name", c.name),
			slog.String("error", err.Error()),
		)
		c.expiresAt = c.now().Add(c.backoff)
	}
	c.values = values
	return values
}

// fetch ignores the caller's cancellation; the bundle it fills is shared.
func (c *Cache) fetch(ctx context.Context) (map[string]string, string, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()
	out, err := c.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(c.name),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "ResourceNotFoundException", "AccessDeniedException":
				c.logger.Warn("secrets: secret unavailable, continuing without it",
					slog.String("name", c.name),
					slog.String("code", apiErr.ErrorCode()),
				)
				return map[string]string{}, "missing", nil
			}
		}
		return map[string]string{}, "error", err
	}
	if out.SecretString == nil {
		return map[string]string{}, "error", errors.New("secret has no string value")
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(*out.SecretString), &raw); err != nil {
		return map[string]string{}, "error", fmt.Errorf("secret is not a JSON object: %w", err)
	}
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			values[k] = s
		}
	}
	c.logger.Debug("secrets: bundle loaded", slog.Int("count", len(values)))
	return values, "ok", nil
}
