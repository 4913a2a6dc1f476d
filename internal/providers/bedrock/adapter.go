// Package bedrock invokes models hosted on AWS Bedrock. The body format is
// chosen from the model id; transport is the bedrock-runtime InvokeModel API.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"github.com/jordanhubbard/tokenrelay/internal/providers"
)

// DefaultTimeout bounds a single InvokeModel call.
const DefaultTimeout = 120 * time.Second

// InvokeModelAPI is the subset of the bedrock-runtime client the adapter uses.
type InvokeModelAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// ClientFactory builds a runtime client for a region.
type ClientFactory func(ctx context.Context, region string) (InvokeModelAPI, error)

// Adapter invokes Bedrock models. Clients are cached per region.
type Adapter struct {
	factory ClientFactory
	timeout time.Duration

	accessKeyID     string
	secretAccessKey string

	guardrailID      string
	guardrailVersion string

	mu      sync.Mutex
	clients map[string]InvokeModelAPI
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClientFactory replaces the AWS SDK client construction.
func WithClientFactory(f ClientFactory) Option {
	return func(a *Adapter) { a.factory = f }
}

// WithTimeout bounds each InvokeModel call. Zero keeps DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithStaticCredentials pins an access key pair instead of the default chain.
func WithStaticCredentials(accessKeyID, secretAccessKey string) Option {
	return func(a *Adapter) {
		a.accessKeyID = accessKeyID
		a.secretAccessKey = secretAccessKey
	}
}

// WithGuardrail applies a Bedrock guardrail to every invocation. Both values
// must be set for the guardrail to be sent.
func WithGuardrail(id, version string) Option {
	return func(a *Adapter) {
		a.guardrailID = id
		a.guardrailVersion = version
	}
}

func New(opts ...Option) *Adapter {
	a := &Adapter{timeout: DefaultTimeout, clients: make(map[string]InvokeModelAPI)}
	a.factory = a.sdkClient
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) ID() providers.Name { return providers.Bedrock }

// sdkClient loads AWS config with SDK retries disabled: one call per attempt.
func (a *Adapter) sdkClient(ctx context.Context, region string) (InvokeModelAPI, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithRetryMaxAttempts(1),
		config.WithHTTPClient(providers.NewHTTPClient(a.timeout)),
	}
	if a.accessKeyID != "" && a.secretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(a.accessKeyID, a.secretAccessKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return bedrockruntime.NewFromConfig(cfg), nil
}

func (a *Adapter) client(ctx context.Context, region string) (InvokeModelAPI, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[region]; ok {
		return c, nil
	}
	c, err := a.factory(ctx, region)
	if err != nil {
		return nil, err
	}
	a.clients[region] = c
	return c, nil
}

func (a *Adapter) Generate(ctx context.Context, cred providers.Credential, req providers.Request) (string, error) {
	if cred.Region == "" {
		return "", &providers.CredentialMissingError{Provider: providers.Bedrock}
	}
	codec, err := CodecFor(req.Model)
	if err != nil {
		return "", &providers.CallFailedError{Provider: providers.Bedrock, Code: "unsupported_model_family", Message: err.Error(), Err: err}
	}
	payload, err := codec.BuildRequest(req)
	if err != nil {
		return "", &providers.CallFailedError{Provider: providers.Bedrock, Message: err.Error(), Err: err}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", &providers.CallFailedError{Provider: providers.Bedrock, Message: err.Error(), Err: err}
	}

	client, err := a.client(ctx, cred.Region)
	if err != nil {
		return "", &providers.CallFailedError{Provider: providers.Bedrock, Code: "client_init", Message: err.Error(), Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	in := &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	}
	if a.guardrailID != "" && a.guardrailVersion != "" {
		in.GuardrailIdentifier = aws.String(a.guardrailID)
		in.GuardrailVersion = aws.String(a.guardrailVersion)
	}

	out, err := client.InvokeModel(ctx, in)
	if err != nil {
		return "", wrapAWSError(err)
	}
	text, err := codec.ParseResponse(out.Body)
	if err != nil {
		return "", providers.Malformed(providers.Bedrock, err)
	}
	return text, nil
}

func wrapAWSError(err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		slog.Warn("bedrock invocation failed",
			slog.String("code", ae.ErrorCode()),
			slog.String("message", ae.ErrorMessage()),
		)
		return &providers.CallFailedError{
			Provider: providers.Bedrock,
			Code:     ae.ErrorCode(),
			Message:  ae.ErrorMessage(),
			Err:      err,
		}
	}
	return &providers.CallFailedError{Provider: providers.Bedrock, Message: err.Error(), Err: err}
}
