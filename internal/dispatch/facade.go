// Package dispatch is the single entry point for text generation. It
// resolves provider names, substitutions and credentials, and hands the
// call to the adapter registered for the provider.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jordanhubbard/tokenrelay/internal/fallback"
	"github.com/jordanhubbard/tokenrelay/internal/health"
	"github.com/jordanhubbard/tokenrelay/internal/policy"
	"github.com/jordanhubbard/tokenrelay/internal/providers"
	"github.com/jordanhubbard/tokenrelay/internal/providers/anthropic"
	"github.com/jordanhubbard/tokenrelay/internal/providers/bedrock"
	"github.com/jordanhubbard/tokenrelay/internal/providers/gemini"
	"github.com/jordanhubbard/tokenrelay/internal/providers/openai"
	"github.com/jordanhubbard/tokenrelay/internal/secrets"
)

const (
	DefaultMaxTokens   = 4000
	DefaultTemperature = 0.3
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrToolDisabled    = errors.New("tool disabled")
)

// Settings is the read side of the settings store the facade needs.
type Settings interface {
	Get(ctx context.Context, key string) (string, bool)
}

// Request is one generation call. A zero MaxTokens or nil Temperature
// takes the default.
type Request struct {
	Provider     string
	Model        string
	Prompt       string
	SystemPrompt string
	// Credential, when set, is used instead of any configured key.
	Credential  string
	MaxTokens   int
	Temperature *float64
}

// Params are the generation parameters bound into an InvokeFunc.
type Params struct {
	MaxTokens   int
	Temperature *float64
}

// Facade is safe for concurrent use once built.
type Facade struct {
	policy   *policy.Policy
	settings Settings
	secrets  *secrets.Cache
	adapters map[providers.Name]providers.Adapter
	tracker  *health.Tracker
	gate     bool
	execOpts []fallback.Option
	executor *fallback.Executor
}

type Option func(*Facade)

// WithSecrets adds the Secrets Manager cache as the last credential source.
func WithSecrets(c *secrets.Cache) Option {
	return func(f *Facade) { f.secrets = c }
}

// WithAdapter registers a, replacing any adapter with the same ID.
func WithAdapter(a providers.Adapter) Option {
	return func(f *Facade) { f.adapters[a.ID()] = a }
}

// WithHealthTracker attaches t to the executor and to ProvidersStatus.
// With gate set, providers in cooldown are reported unavailable.
func WithHealthTracker(t *health.Tracker, gate bool) Option {
	return func(f *Facade) {
		f.tracker = t
		f.gate = gate
	}
}

// WithExecutorOptions passes extra options to the fallback executor.
func WithExecutorOptions(opts ...fallback.Option) Option {
	return func(f *Facade) { f.execOpts = append(f.execOpts, opts...) }
}

// AdapterConfig tunes the production adapters. Zero values keep each
// adapter's own default.
type AdapterConfig struct {
	// Timeout overrides every adapter's read budget when positive.
	Timeout time.Duration

	BedrockGuardrailID      string
	BedrockGuardrailVersion string
	// Static AWS key pair; empty uses the default credential chain.
	BedrockAccessKeyID     string
	BedrockSecretAccessKey string
}

// DefaultAdapters returns one adapter per supported provider.
func DefaultAdapters(cfg AdapterConfig) ([]providers.Adapter, error) {
	bedrockOpts := []bedrock.Option{bedrock.WithTimeout(cfg.Timeout)}
	if cfg.BedrockGuardrailID != "" {
		bedrockOpts = append(bedrockOpts, bedrock.WithGuardrail(cfg.BedrockGuardrailID, cfg.BedrockGuardrailVersion))
	}
	if cfg.BedrockAccessKeyID != "" {
		bedrockOpts = append(bedrockOpts, bedrock.WithStaticCredentials(cfg.BedrockAccessKeyID, cfg.BedrockSecretAccessKey))
	}
	out := []providers.Adapter{
		anthropic.New(anthropic.WithTimeout(cfg.Timeout)),
		gemini.New(gemini.WithTimeout(cfg.Timeout)),
		bedrock.New(bedrockOpts...),
	}
	for _, name := range []providers.Name{providers.OpenAI, providers.XAI, providers.Perplexity} {
		a, err := openai.New(name, openai.WithTimeout(cfg.Timeout))
		if err != nil {
			return nil, fmt.Errorf("build %s adapter: %w", name, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func New(p *policy.Policy, s Settings, opts ...Option) *Facade {
	f := &Facade{
		policy:   p,
		settings: s,
		adapters: make(map[providers.Name]providers.Adapter),
	}
	for _, o := range opts {
		o(f)
	}
	execOpts := []fallback.Option{
		fallback.WithConfig(f.fallbackConfig),
		fallback.WithAttemptTimeout(f.attemptTimeout),
	}
	if f.tracker != nil {
		execOpts = append(execOpts, fallback.WithHealthTracker(f.tracker))
	}
	f.executor = fallback.New(p, append(execOpts, f.execOpts...)...)
	return f
}

func (f *Facade) Executor() *fallback.Executor { return f.executor }

func (f *Facade) Policy() *policy.Policy { return f.policy }

// Complete performs exactly one provider call.
func (f *Facade) Complete(ctx context.Context, req Request) (string, error) {
	name, ok := providers.Normalize(req.Provider)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, req.Provider)
	}
	model := req.Model
	if model == "" {
		model = f.policy.ProviderModel(ctx, string(name))
	}
	explicit := req.Credential
	sub, subModel := f.policy.ResolveProviderSubstitution(ctx, string(name), model)
	if sub != string(name) {
		slog.Debug("dispatch: provider substituted",
			slog.String("from", string(name)),
			slog.String("to", sub),
			slog.String("model", subModel),
		)
		// The caller's key belongs to the original provider.
		explicit = ""
	}
	name, model = providers.Name(sub), subModel

	adapter, ok := f.adapters[name]
	if !ok {
		return "", fmt.Errorf("%w: %q has no adapter", ErrUnknownProvider, name)
	}
	cred, ok := f.credential(ctx, name, explicit)
	if !ok {
		return "", &providers.CredentialMissingError{Provider: name}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	temperature := DefaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	ctx, span := otel.Tracer("tokenrelay.dispatch").Start(ctx, "dispatch.complete")
	span.SetAttributes(
		attribute.String("provider", string(name)),
		attribute.String("model", model),
	)
	defer span.End()

	text, err := adapter.Generate(ctx, cred, providers.Request{
		Model:        model,
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    maxTokens,
		Temperature:  temperature,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate failed")
		return "", err
	}
	return text, nil
}

// Invoker binds params into a callback for the fallback executor.
func (f *Facade) Invoker(params Params) fallback.InvokeFunc {
	return func(ctx context.Context, ref policy.ModelRef, prompt, systemPrompt string) (string, error) {
		return f.Complete(ctx, Request{
			Provider:     ref.Provider,
			Model:        ref.Model,
			Prompt:       prompt,
			SystemPrompt: systemPrompt,
			MaxTokens:    params.MaxTokens,
			Temperature:  params.Temperature,
		})
	}
}

// RunTool runs the named capability's effective chain with its configured
// generation parameters.
func (f *Facade) RunTool(ctx context.Context, tool, prompt, systemPrompt string) (*fallback.Result, error) {
	cfg := f.policy.ResolveToolConfig(ctx, tool)
	if !cfg.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrToolDisabled, tool)
	}
	temp := cfg.Temperature
	invoke := f.Invoker(Params{MaxTokens: cfg.MaxTokens, Temperature: &temp})
	return f.executor.Execute(ctx, tool, prompt, f.Availability(ctx), invoke, fallback.WithSystemPrompt(systemPrompt))
}

// RunChain runs any named chain with default generation parameters.
func (f *Facade) RunChain(ctx context.Context, capability, prompt, systemPrompt string) (*fallback.Result, error) {
	return f.executor.Execute(ctx, capability, prompt, f.Availability(ctx), f.Invoker(Params{}), fallback.WithSystemPrompt(systemPrompt))
}

// RunSingle makes one attempt against req's provider with no chain.
func (f *Facade) RunSingle(ctx context.Context, req Request) (*fallback.Result, error) {
	name, ok := providers.Normalize(req.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, req.Provider)
	}
	model := req.Model
	if model == "" {
		model = f.policy.ProviderModel(ctx, string(name))
	}
	avail := f.Availability(ctx)
	if req.Credential != "" {
		avail[string(name)] = fallback.ProviderStatus{Credential: req.Credential}
	}
	cred := req.Credential
	invoke := func(ctx context.Context, ref policy.ModelRef, prompt, systemPrompt string) (string, error) {
		return f.Complete(ctx, Request{
			Provider:     ref.Provider,
			Model:        ref.Model,
			Prompt:       prompt,
			SystemPrompt: systemPrompt,
			Credential:   cred,
			MaxTokens:    req.MaxTokens,
			Temperature:  req.Temperature,
		})
	}
	return f.executor.ExecuteSingle(ctx, string(name), model, req.Prompt, avail, invoke, fallback.WithSystemPrompt(req.SystemPrompt))
}

func (f *Facade) fallbackConfig(ctx context.Context) fallback.Config {
	return fallback.Config{
		Enabled:     f.policy.FallbackEnabled(ctx),
		MaxAttempts: f.policy.FallbackMaxAttempts(ctx),
		LogAttempts: f.policy.FallbackLogAttempts(ctx),
	}
}

// attemptTimeout bounds attempts of configured tools by their
// max_duration_seconds. Chain-only capabilities are unbounded.
func (f *Facade) attemptTimeout(ctx context.Context, capability string) time.Duration {
	if !f.policy.HasConfig(capability) {
		return 0
	}
	secs := f.policy.ResolveToolConfig(ctx, capability).MaxDurationSeconds
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
