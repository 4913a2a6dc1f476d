package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/tokenrelay/internal/fallback"
	"github.com/jordanhubbard/tokenrelay/internal/health"
	"github.com/jordanhubbard/tokenrelay/internal/policy"
	"github.com/jordanhubbard/tokenrelay/internal/providers"
	"github.com/jordanhubbard/tokenrelay/internal/providers/openai"
	"github.com/jordanhubbard/tokenrelay/internal/secrets"
	"github.com/jordanhubbard/tokenrelay/internal/settings"
	"github.com/jordanhubbard/tokenrelay/internal/store"
)

type call struct {
	cred providers.Credential
	req  providers.Request
}

type fakeAdapter struct {
	id   providers.Name
	fail error

	mu    sync.Mutex
	calls []call
}

func (a *fakeAdapter) ID() providers.Name { return a.id }

func (a *fakeAdapter) Generate(_ context.Context, cred providers.Credential, req providers.Request) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call{cred: cred, req: req})
	if a.fail != nil {
		return "", a.fail
	}
	return string(a.id) + ":" + req.Model, nil
}

func (a *fakeAdapter) last(t *testing.T) call {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.calls)
	return a.calls[len(a.calls)-1]
}

type fakeSM struct{ body string }

func (f fakeSM) GetSecretValue(context.Context, *secretsmanager.GetSecretValueInput, ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(f.body)}, nil
}

type fixture struct {
	facade   *Facade
	settings *settings.Store
	adapters map[providers.Name]*fakeAdapter
}

func newFixture(t *testing.T, env map[string]string, opts ...Option) *fixture {
	t.Helper()
	d, err := policy.LoadDefaults()
	require.NoError(t, err)
	s := settings.New(store.NewMemory(),
		settings.WithDefaults(d.Scalars()),
		settings.WithLookupEnv(func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		}),
	)
	p, err := policy.New(s, d)
	require.NoError(t, err)

	fx := &fixture{settings: s, adapters: map[providers.Name]*fakeAdapter{}}
	all := []Option{}
	for _, name := range providers.Supported {
		a := &fakeAdapter{id: name}
		fx.adapters[name] = a
		all = append(all, WithAdapter(a))
	}
	fx.facade = New(p, s, append(all, opts...)...)
	return fx
}

func TestCompleteUsesSettingsKeyAndDefaults(t *testing.T) {
	fx := newFixture(t, map[string]string{"OPENAI_API_KEY": "sk-env"})

	text, err := fx.facade.Complete(context.Background(), Request{Provider: "OpenAI", Model: "gpt-4o", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "openai:gpt-4o", text)

	c := fx.adapters[providers.OpenAI].last(t)
	assert.Equal(t, "sk-env", c.cred.APIKey)
	assert.Equal(t, DefaultMaxTokens, c.req.MaxTokens)
	assert.Equal(t, DefaultTemperature, c.req.Temperature)
	assert.Equal(t, "hi", c.req.Prompt)
}

func TestCompleteExplicitCredentialWins(t *testing.T) {
	fx := newFixture(t, map[string]string{"XAI_API_KEY": "env"})
	zero := 0.0
	_, err := fx.facade.Complete(context.Background(), Request{
		Provider: "grok", Model: "grok-3", Credential: "explicit", MaxTokens: 12, Temperature: &zero,
	})
	require.NoError(t, err)
	c := fx.adapters[providers.XAI].last(t)
	assert.Equal(t, "explicit", c.cred.APIKey)
	assert.Equal(t, 12, c.req.MaxTokens)
	assert.Equal(t, 0.0, c.req.Temperature)
}

func TestCompleteFallsBackToSecrets(t *testing.T) {
	cache := secrets.New(secrets.Config{Client: fakeSM{body: `{"PERPLEXITY_API_KEY":"pplx"}`}, SecretName: "relay"})
	fx := newFixture(t, nil, WithSecrets(cache))

	_, err := fx.facade.Complete(context.Background(), Request{Provider: "perplexity", Prompt: "x"})
	require.NoError(t, err)
	c := fx.adapters[providers.Perplexity].last(t)
	assert.Equal(t, "pplx", c.cred.APIKey)
	assert.NotEmpty(t, c.req.Model, "empty model takes the provider default")
}

func TestCompleteErrors(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	_, err := fx.facade.Complete(ctx, Request{Provider: "mistral", Prompt: "x"})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = fx.facade.Complete(ctx, Request{Provider: "anthropic", Prompt: "x"})
	var missing *providers.CredentialMissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, providers.Anthropic, missing.Provider)
	assert.Empty(t, fx.adapters[providers.Anthropic].calls, "no call without a credential")

	_, err = fx.facade.Complete(ctx, Request{Provider: "bedrock", Prompt: "x"})
	require.ErrorAs(t, err, &missing)
}

func TestCompleteBedrockUsesRegion(t *testing.T) {
	fx := newFixture(t, map[string]string{"BEDROCK_ENABLED": "true", "AWS_REGION": "eu-west-1"})
	_, err := fx.facade.Complete(context.Background(), Request{Provider: "bedrock", Model: "amazon.nova-pro-v1:0", Prompt: "x"})
	require.NoError(t, err)
	c := fx.adapters[providers.Bedrock].last(t)
	assert.Equal(t, "eu-west-1", c.cred.Region)
	assert.Empty(t, c.cred.APIKey)
}

func TestCompleteSubstitutesClaudeOntoBedrock(t *testing.T) {
	fx := newFixture(t, map[string]string{
		"BEDROCK_ENABLED":      "true",
		"BEDROCK_ROUTE_CLAUDE": "true",
		"ANTHROPIC_API_KEY":    "ak",
	})
	text, err := fx.facade.Complete(context.Background(), Request{Provider: "anthropic", Model: "claude-sonnet-4.5", Prompt: "x", Credential: "ak"})
	require.NoError(t, err)
	assert.Equal(t, "bedrock:anthropic.claude-sonnet-4-5-20250929-v1:0", text)
	assert.Empty(t, fx.adapters[providers.Anthropic].calls)

	// No alias: the call stays on anthropic.
	_, err = fx.facade.Complete(context.Background(), Request{Provider: "anthropic", Model: "claude-unknown", Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "claude-unknown", fx.adapters[providers.Anthropic].last(t).req.Model)
}

func TestAvailability(t *testing.T) {
	fx := newFixture(t, map[string]string{"GEMINI_API_KEY": "g", "BEDROCK_ENABLED": "true"})
	av := fx.facade.Availability(context.Background())

	assert.Len(t, av, len(providers.Supported))
	assert.True(t, av.Available("gemini"))
	assert.True(t, av.Available("bedrock"))
	assert.False(t, av.Available("openai"))
	assert.Equal(t, "g", av["gemini"].Credential)
}

func TestAvailabilityHealthGate(t *testing.T) {
	tracker := health.NewTracker(health.TrackerConfig{ConsecErrorsForDegraded: 1, ConsecErrorsForDown: 1, CooldownDuration: 1 << 40})
	fx := newFixture(t, map[string]string{"OPENAI_API_KEY": "k"}, WithHealthTracker(tracker, true))
	tracker.RecordError("openai", "boom")

	assert.False(t, fx.facade.Availability(context.Background()).Available("openai"))
}

func TestRunToolFallsThroughChain(t *testing.T) {
	fx := newFixture(t, map[string]string{"GEMINI_API_KEY": "g", "BEDROCK_ENABLED": "true"})
	ctx := context.Background()
	fx.adapters[providers.Bedrock].fail = &providers.CallFailedError{Provider: providers.Bedrock, Message: "throttled"}

	res, err := fx.facade.RunTool(ctx, "quick_search", "q", "sys")
	require.NoError(t, err)
	assert.Equal(t, "gemini", res.ProviderUsed)
	assert.Equal(t, 3, res.Attempts)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, "bedrock/amazon.nova-micro-v1:0: bedrock error: throttled", res.Errors[0])

	cfg := fx.facade.Policy().ResolveToolConfig(ctx, "quick_search")
	c := fx.adapters[providers.Gemini].last(t)
	assert.Equal(t, cfg.MaxTokens, c.req.MaxTokens)
	assert.Equal(t, cfg.Temperature, c.req.Temperature)
	assert.Equal(t, "sys", c.req.SystemPrompt)
}

func TestRunToolSkipsUnavailable(t *testing.T) {
	fx := newFixture(t, map[string]string{"GEMINI_API_KEY": "g"})
	res, err := fx.facade.RunTool(context.Background(), "quick_search", "q", "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, res.Errors)
	assert.Empty(t, fx.adapters[providers.Bedrock].calls)
}

func TestRunToolDisabled(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	_, err := fx.facade.Policy().SaveToolConfig(ctx, "timeline", map[string]any{"enabled": false})
	require.NoError(t, err)

	_, err = fx.facade.RunTool(ctx, "timeline", "q", "")
	assert.ErrorIs(t, err, ErrToolDisabled)
}

func TestRunToolHonorsPin(t *testing.T) {
	fx := newFixture(t, map[string]string{"XAI_API_KEY": "x", "GEMINI_API_KEY": "g"})
	ctx := context.Background()
	require.NoError(t, fx.facade.Policy().SetPinnedModel(ctx, "synthesis", policy.ModelRef{Provider: "grok", Model: "grok-4"}))

	res, err := fx.facade.RunTool(ctx, "synthesis", "q", "")
	require.NoError(t, err)
	assert.Equal(t, "xai", res.ProviderUsed)
	assert.Equal(t, "grok-4", res.ModelUsed)
	assert.Equal(t, 1, res.Attempts)
}

func TestRunChainUsesDefaultParams(t *testing.T) {
	fx := newFixture(t, map[string]string{"ANTHROPIC_API_KEY": "ak"})
	res, err := fx.facade.RunChain(context.Background(), "narrative", "story", "sys")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", res.ProviderUsed)
	assert.Equal(t, "claude-sonnet-4-20250514", res.ModelUsed)
	assert.Empty(t, fx.adapters[providers.Bedrock].calls)

	c := fx.adapters[providers.Anthropic].last(t)
	assert.Equal(t, DefaultMaxTokens, c.req.MaxTokens)
	assert.Equal(t, DefaultTemperature, c.req.Temperature)
	assert.Equal(t, "sys", c.req.SystemPrompt)
}

func TestRunSingle(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	_, err := fx.facade.RunSingle(ctx, Request{Provider: "openai", Prompt: "x"})
	var ce *fallback.ChainExhaustedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"openai not available"}, ce.Errors)

	res, err := fx.facade.RunSingle(ctx, Request{Provider: "openai", Model: "gpt-4o", Prompt: "x", Credential: "sk"})
	require.NoError(t, err)
	assert.Equal(t, "openai:gpt-4o", res.Response)
	assert.Equal(t, "sk", fx.adapters[providers.OpenAI].last(t).cred.APIKey)
}

func TestProvidersStatusHidesKeys(t *testing.T) {
	fx := newFixture(t, map[string]string{"OPENAI_API_KEY": "sk-very-secret"}, WithHealthTracker(health.NewTracker(health.DefaultConfig()), false))
	list := fx.facade.ProvidersStatus(context.Background())
	require.Len(t, list, len(providers.Supported))

	data, err := json.Marshal(list)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-very-secret")

	byName := map[string]ProviderStatus{}
	for _, st := range list {
		byName[st.Name] = st
	}
	assert.True(t, byName["openai"].Available)
	assert.Equal(t, SourceSettings, byName["openai"].CredentialSource)
	assert.Equal(t, "us-east-1", byName["bedrock"].Region)
	assert.NotNil(t, byName["gemini"].Health)
}

func TestFallbackConfigFromSettings(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, fx.settings.Set(ctx, "ai_fallback_enabled", "false"))
	require.NoError(t, fx.settings.Set(ctx, "ai_fallback_max_attempts", "2"))

	cfg := fx.facade.fallbackConfig(ctx)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 2, cfg.MaxAttempts)
	assert.True(t, cfg.LogAttempts)
}

func TestAttemptTimeout(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	_, err := fx.facade.Policy().SaveToolConfig(ctx, "reranking", map[string]any{"max_duration_seconds": 7})
	require.NoError(t, err)

	assert.Equal(t, int64(7), int64(fx.facade.attemptTimeout(ctx, "reranking").Seconds()))
	assert.Zero(t, fx.facade.attemptTimeout(ctx, "narrative"))
	assert.Zero(t, fx.facade.attemptTimeout(ctx, fallback.DirectCapability))
}

func TestCompleteAgainstHTTPBackend(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-live", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"pong"}}]}`))
	}))
	defer ts.Close()

	a, err := openai.New(providers.OpenAI, openai.WithBaseURL(ts.URL))
	require.NoError(t, err)
	fx := newFixture(t, map[string]string{"OPENAI_API_KEY": "sk-live"}, WithAdapter(a))

	text, err := fx.facade.Complete(context.Background(), Request{Provider: "openai", Model: "gpt-4o-mini", Prompt: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "pong", text)

	targets := fx.facade.ProbeTargets()
	require.Len(t, targets, 1)
	assert.Equal(t, health.Target{Provider: "openai", Endpoint: ts.URL + "/models"}, targets[0])
}

func TestDefaultAdaptersCoverEveryProvider(t *testing.T) {
	seen := map[providers.Name]bool{}
	adapters, err := DefaultAdapters(AdapterConfig{})
	require.NoError(t, err)
	for _, a := range adapters {
		seen[a.ID()] = true
	}
	for _, p := range providers.Supported {
		assert.True(t, seen[p], p)
	}
}

func TestWrappedErrorsSurviveFacade(t *testing.T) {
	fx := newFixture(t, map[string]string{"GEMINI_API_KEY": "g"})
	fx.adapters[providers.Gemini].fail = &providers.StatusError{StatusCode: 429}
	_, err := fx.facade.Complete(context.Background(), Request{Provider: "gemini", Prompt: "x"})
	var se *providers.StatusError
	assert.True(t, errors.As(err, &se))
}
