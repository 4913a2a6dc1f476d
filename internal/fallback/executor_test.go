package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/tokenrelay/internal/events"
	"github.com/jordanhubbard/tokenrelay/internal/health"
	"github.com/jordanhubbard/tokenrelay/internal/metrics"
	"github.com/jordanhubbard/tokenrelay/internal/policy"
	"github.com/jordanhubbard/tokenrelay/internal/providers"
	"github.com/jordanhubbard/tokenrelay/internal/store"
)

var abc = []policy.ModelRef{
	{Provider: "A", Model: "m1"},
	{Provider: "B", Model: "m2"},
	{Provider: "C", Model: "m3"},
}

func fixedChain(chain []policy.ModelRef) ChainFunc {
	return func(context.Context, string) []policy.ModelRef { return chain }
}

// scripted records calls and fails for every provider in fail.
type scripted struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (s *scripted) invoke(_ context.Context, ref policy.ModelRef, prompt, _ string) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, ref.Provider)
	s.mu.Unlock()
	if s.fail[ref.Provider] {
		return "", errors.New("boom " + ref.Provider)
	}
	return "answer from " + ref.Provider + " to " + prompt, nil
}

func avail(providers ...string) Availability {
	a := Availability{}
	for _, p := range providers {
		a[p] = ProviderStatus{Credential: "k-" + p}
	}
	return a
}

func TestFirstSuccessShortCircuits(t *testing.T) {
	ex := New(fixedChain(abc))
	s := &scripted{}

	res, err := ex.Execute(context.Background(), "chat", "hi", avail("B", "C"), s.invoke)
	require.NoError(t, err)

	assert.Equal(t, "B", res.ProviderUsed)
	assert.Equal(t, "m2", res.ModelUsed)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, res.Errors)
	assert.Equal(t, []string{"B"}, s.calls)
	assert.Equal(t, "answer from B to hi", res.Response)
	require.Len(t, res.Trace, 2)
	assert.Equal(t, Skipped, res.Trace[0].Outcome)
	assert.Equal(t, Succeeded, res.Trace[1].Outcome)
	assert.NotEmpty(t, res.InvocationID)
}

func TestFallbackContinuesAfterFailure(t *testing.T) {
	ex := New(fixedChain(abc))
	s := &scripted{fail: map[string]bool{"A": true}}

	res, err := ex.Execute(context.Background(), "chat", "hi", avail("A", "B", "C"), s.invoke)
	require.NoError(t, err)
	assert.Equal(t, "B", res.ProviderUsed)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []string{"A/m1: boom A"}, res.Errors)
}

func TestFallbackDisabledStopsAfterFirstFailure(t *testing.T) {
	ex := New(fixedChain(abc), WithConfig(StaticConfig(Config{Enabled: false})))
	s := &scripted{fail: map[string]bool{"B": true}}

	_, err := ex.Execute(context.Background(), "chat", "hi", Availability{
		"A": {Credential: ""},
		"B": {Credential: "k"},
		"C": {Credential: "k"},
	}, s.invoke)

	var ce *ChainExhaustedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"B/m2: boom B"}, ce.Errors)
	assert.Equal(t, []string{"B"}, s.calls, "C must not be invoked")
}

func TestMaxAttemptsCap(t *testing.T) {
	ex := New(fixedChain(abc), WithConfig(StaticConfig(Config{Enabled: true, MaxAttempts: 1})))
	s := &scripted{fail: map[string]bool{"A": true, "B": true, "C": true}}

	_, err := ex.Execute(context.Background(), "chat", "hi", avail("A", "B", "C"), s.invoke)
	var ce *ChainExhaustedError
	require.ErrorAs(t, err, &ce)
	assert.Len(t, ce.Errors, 1)
	assert.Len(t, s.calls, 1)
}

func TestMaxAttemptsIgnoresSkips(t *testing.T) {
	ex := New(fixedChain(abc), WithConfig(StaticConfig(Config{Enabled: true, MaxAttempts: 1})))
	s := &scripted{}

	res, err := ex.Execute(context.Background(), "chat", "hi", avail("C"), s.invoke)
	require.NoError(t, err)
	assert.Equal(t, "C", res.ProviderUsed)
}

func TestExhaustedErrorOrderAndMessage(t *testing.T) {
	ex := New(fixedChain(abc))
	s := &scripted{fail: map[string]bool{"A": true, "B": true, "C": true}}

	_, err := ex.Execute(context.Background(), "chat", "hi", avail("A", "C"), s.invoke)
	var ce *ChainExhaustedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"A/m1: boom A", "C/m3: boom C"}, ce.Errors)
	assert.Equal(t, "All AI providers failed: A/m1: boom A; C/m3: boom C", ce.Error())
	assert.Equal(t, "chat", ce.Capability)
}

func TestNothingAvailable(t *testing.T) {
	ex := New(fixedChain(abc))
	s := &scripted{}

	_, err := ex.Execute(context.Background(), "chat", "hi", nil, s.invoke)
	var ce *ChainExhaustedError
	require.ErrorAs(t, err, &ce)
	assert.Empty(t, ce.Errors)
	assert.Empty(t, s.calls)
	assert.Len(t, ce.Trace, 3)
	assert.Contains(t, ce.Error(), "no available provider")
}

func TestBedrockStyleEnabledFlag(t *testing.T) {
	ex := New(fixedChain([]policy.ModelRef{{Provider: "bedrock", Model: "amazon.nova-lite-v1:0"}}))
	s := &scripted{}

	_, err := ex.Execute(context.Background(), "timeline", "p", Availability{"bedrock": {Enabled: false}}, s.invoke)
	require.Error(t, err)

	res, err := ex.Execute(context.Background(), "timeline", "p", Availability{"bedrock": {Enabled: true}}, s.invoke)
	require.NoError(t, err)
	assert.Equal(t, "bedrock", res.ProviderUsed)
}

func TestExecuteSingle(t *testing.T) {
	ex := New(fixedChain(abc))

	t.Run("unavailable", func(t *testing.T) {
		s := &scripted{}
		_, err := ex.ExecuteSingle(context.Background(), "openai", "gpt-4o", "hi", nil, s.invoke)
		var ce *ChainExhaustedError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, []string{"openai not available"}, ce.Errors)
		assert.Empty(t, s.calls)
	})

	t.Run("failure", func(t *testing.T) {
		s := &scripted{fail: map[string]bool{"openai": true}}
		_, err := ex.ExecuteSingle(context.Background(), "openai", "gpt-4o", "hi", avail("openai"), s.invoke)
		var ce *ChainExhaustedError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, []string{"openai/gpt-4o: boom openai"}, ce.Errors)
	})

	t.Run("success", func(t *testing.T) {
		s := &scripted{}
		res, err := ex.ExecuteSingle(context.Background(), "openai", "gpt-4o", "hi", avail("openai"), s.invoke)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Attempts)
		assert.Equal(t, "gpt-4o", res.ModelUsed)
	})
}

func TestSystemPromptAndInvocationIDReachInvoke(t *testing.T) {
	ex := New(fixedChain(abc[:1]), WithIDGenerator(func() string { return "inv-42" }))
	var gotSystem, gotID string
	invoke := func(ctx context.Context, _ policy.ModelRef, _, system string) (string, error) {
		gotSystem = system
		gotID = providers.GetInvocationID(ctx)
		return "ok", nil
	}
	res, err := ex.Execute(context.Background(), "chat", "hi", avail("A"), invoke, WithSystemPrompt("be brief"))
	require.NoError(t, err)
	assert.Equal(t, "be brief", gotSystem)
	assert.Equal(t, "inv-42", gotID)
	assert.Equal(t, "inv-42", res.InvocationID)
}

func TestAttemptTimeoutIsAFailure(t *testing.T) {
	ex := New(fixedChain(abc[:2]),
		WithAttemptTimeout(func(context.Context, string) time.Duration { return 20 * time.Millisecond }))
	invoke := func(ctx context.Context, ref policy.ModelRef, _, _ string) (string, error) {
		if ref.Provider == "A" {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "late but fine", nil
	}
	res, err := ex.Execute(context.Background(), "chat", "hi", avail("A", "B"), invoke)
	require.NoError(t, err)
	assert.Equal(t, "B", res.ProviderUsed)
	require.Len(t, res.Errors, 1)
	assert.True(t, strings.HasPrefix(res.Errors[0], "A/m1: timed out after 20ms"), res.Errors[0])
}

func TestCallerCancellationStopsChain(t *testing.T) {
	ex := New(fixedChain(abc))
	ctx, cancel := context.WithCancel(context.Background())
	invoke := func(context.Context, policy.ModelRef, string, string) (string, error) {
		cancel()
		return "", errors.New("interrupted")
	}
	_, err := ex.Execute(ctx, "chat", "hi", avail("A", "B", "C"), invoke)
	var ce *ChainExhaustedError
	require.ErrorAs(t, err, &ce)
	assert.Len(t, ce.Errors, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfigReadPerInvocation(t *testing.T) {
	enabled := true
	ex := New(fixedChain(abc), WithConfig(func(context.Context) Config { return Config{Enabled: enabled} }))
	s := &scripted{fail: map[string]bool{"A": true}}

	_, err := ex.Execute(context.Background(), "chat", "hi", avail("A", "B"), s.invoke)
	require.NoError(t, err)

	enabled = false
	_, err = ex.Execute(context.Background(), "chat", "hi", avail("A", "B"), s.invoke)
	require.Error(t, err)
}

func TestObservabilityHooks(t *testing.T) {
	reg := metrics.New()
	bus := events.NewBus()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)
	tracker := health.NewTracker(health.DefaultConfig())
	log := store.NewMemory()

	ex := New(fixedChain(abc),
		WithMetrics(reg), WithEventBus(bus), WithHealthTracker(tracker), WithAttemptLog(log))
	s := &scripted{fail: map[string]bool{"A": true}}

	_, err := ex.Execute(context.Background(), "chat", "hi", avail("A", "B"), s.invoke)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(reg.AttemptsTotal.WithLabelValues("chat", "A", "m1", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.AttemptsTotal.WithLabelValues("chat", "B", "m2", "succeeded")))
	assert.Equal(t, int64(1), tracker.GetStats("A").TotalErrors)
	assert.Equal(t, int64(1), tracker.GetStats("B").TotalRequests)

	var types []events.EventType
	for len(sub.C) > 0 {
		types = append(types, (<-sub.C).Type)
	}
	assert.Equal(t, []events.EventType{events.EventAttemptFailed, events.EventAttemptSucceeded}, types)

	recs, err := log.ListAttempts(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "succeeded", recs[0].Outcome)
	assert.Equal(t, recs[0].InvocationID, recs[1].InvocationID)

	_, err = ex.Execute(context.Background(), "chat", "hi", nil, s.invoke)
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.ChainExhausted.WithLabelValues("chat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.AttemptsTotal.WithLabelValues("chat", "C", "m3", "skipped")))
}

func TestModelScopedFailuresSpareProviderHealth(t *testing.T) {
	tracker := health.NewTracker(health.TrackerConfig{ConsecErrorsForDegraded: 1, ConsecErrorsForDown: 1, CooldownDuration: time.Hour})
	chain := []policy.ModelRef{
		{Provider: "bedrock", Model: "cohere.command-r-v1:0"},
		{Provider: "bedrock", Model: "amazon.nova-bogus"},
		{Provider: "gemini", Model: "gemini-2.0-flash"},
	}
	ex := New(fixedChain(chain), WithHealthTracker(tracker))
	invoke := func(_ context.Context, ref policy.ModelRef, _, _ string) (string, error) {
		switch ref.Model {
		case "cohere.command-r-v1:0":
			return "", &providers.CallFailedError{Provider: providers.Bedrock, Code: "unsupported_model_family", Message: "no codec"}
		case "amazon.nova-bogus":
			return "", &providers.CallFailedError{Provider: providers.Bedrock, Code: "ValidationException", Message: "invalid model identifier"}
		case "gemini-2.0-flash":
			return "", &providers.CallFailedError{Provider: providers.Gemini, StatusCode: 503, Message: "overloaded"}
		}
		return "", errors.New("unexpected model")
	}

	_, err := ex.Execute(context.Background(), "quick_search", "q", avail("bedrock", "gemini"), invoke)
	require.Error(t, err)

	assert.Zero(t, tracker.GetStats("bedrock").TotalErrors)
	assert.True(t, tracker.IsAvailable("bedrock"), "bad model ids must not cool the provider down")
	assert.EqualValues(t, 1, tracker.GetStats("gemini").TotalErrors)
	assert.False(t, tracker.IsAvailable("gemini"))
}

func TestModelScoped(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&providers.CallFailedError{Code: "unsupported_model_family"}, true},
		{&providers.CallFailedError{Code: "ValidationException"}, true},
		{fmt.Errorf("wrapped: %w", &providers.CallFailedError{StatusCode: 404}), true},
		{&providers.CallFailedError{StatusCode: 400}, true},
		{&providers.CallFailedError{StatusCode: 429}, false},
		{&providers.CallFailedError{StatusCode: 401}, false},
		{&providers.CallFailedError{Code: "ThrottlingException"}, false},
		{errors.New("connection reset"), false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, providers.ModelScoped(c.err), "%v", c.err)
	}
}

func TestOutcomeString(t *testing.T) {
	for o, want := range map[Outcome]string{Skipped: "skipped", Failed: "failed", Succeeded: "succeeded", Outcome(9): "outcome(9)"} {
		assert.Equal(t, want, o.String())
	}
	text, _ := Failed.MarshalText()
	assert.Equal(t, "failed", string(text))
	assert.Equal(t, "outcome(9)", fmt.Sprint(Outcome(9)))
}
