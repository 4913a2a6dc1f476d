// Package fallback runs a capability's ordered model chain: unavailable
// entries are skipped, attempts run one at a time, the first success wins
// and failures are aggregated into a single terminal error.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/tokenrelay/internal/events"
	"github.com/jordanhubbard/tokenrelay/internal/health"
	"github.com/jordanhubbard/tokenrelay/internal/metrics"
	"github.com/jordanhubbard/tokenrelay/internal/policy"
	"github.com/jordanhubbard/tokenrelay/internal/providers"
	"github.com/jordanhubbard/tokenrelay/internal/store"
)

// DirectCapability labels ExecuteSingle invocations in logs and metrics.
const DirectCapability = "direct"

// AttemptLog persists attempt records.
type AttemptLog interface {
	LogAttempt(ctx context.Context, rec store.AttemptRecord) error
}

// Executor holds no per-invocation state and is safe for concurrent use.
type Executor struct {
	chains     ChainSource
	config     ConfigFunc
	timeout    func(ctx context.Context, capability string) time.Duration
	tracker    *health.Tracker
	metrics    *metrics.Registry
	bus        *events.Bus
	attemptLog AttemptLog
	newID      func() string
}

type Option func(*Executor)

func WithConfig(fn ConfigFunc) Option {
	return func(e *Executor) { e.config = fn }
}

// WithAttemptTimeout bounds each attempt of a capability. A zero duration
// leaves the attempt bounded only by the caller's context.
func WithAttemptTimeout(fn func(ctx context.Context, capability string) time.Duration) Option {
	return func(e *Executor) { e.timeout = fn }
}

func WithHealthTracker(t *health.Tracker) Option {
	return func(e *Executor) { e.tracker = t }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(e *Executor) { e.metrics = m }
}

func WithEventBus(b *events.Bus) Option {
	return func(e *Executor) { e.bus = b }
}

func WithAttemptLog(l AttemptLog) Option {
	return func(e *Executor) { e.attemptLog = l }
}

// WithIDGenerator replaces the uuid invocation ID source.
func WithIDGenerator(fn func() string) Option {
	return func(e *Executor) { e.newID = fn }
}

func New(chains ChainSource, opts ...Option) *Executor {
	e := &Executor{
		chains: chains,
		config: StaticConfig(Config{Enabled: true, LogAttempts: true}),
		newID:  func() string { return uuid.NewString() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// CallOption adjusts one invocation.
type CallOption func(*callOptions)

type callOptions struct {
	systemPrompt string
}

func WithSystemPrompt(s string) CallOption {
	return func(o *callOptions) { o.systemPrompt = s }
}

// Execute runs the chain for capability. It returns a *ChainExhaustedError
// when nothing succeeded.
func (e *Executor) Execute(ctx context.Context, capability, prompt string, avail Availability, invoke InvokeFunc, opts ...CallOption) (*Result, error) {
	var co callOptions
	for _, o := range opts {
		o(&co)
	}
	cfg := e.config(ctx)
	chain := e.chains.EffectiveChain(ctx, capability)

	limit := len(chain)
	if cfg.MaxAttempts > 0 && cfg.MaxAttempts < limit {
		limit = cfg.MaxAttempts
	}

	r := e.begin(ctx, capability, cfg.LogAttempts)
	for _, ref := range chain {
		if r.attempts >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			r.cause = err
			break
		}
		if !avail.Available(ref.Provider) {
			r.skip(ref)
			continue
		}
		if text, ok := r.attempt(ctx, ref, prompt, co.systemPrompt, invoke); ok {
			return r.result(ref, text), nil
		}
		if !cfg.Enabled {
			break
		}
	}
	return nil, r.exhausted()
}

// ExecuteSingle makes one attempt against provider/model with no chain.
func (e *Executor) ExecuteSingle(ctx context.Context, provider, model, prompt string, avail Availability, invoke InvokeFunc, opts ...CallOption) (*Result, error) {
	var co callOptions
	for _, o := range opts {
		o(&co)
	}
	r := e.begin(ctx, DirectCapability, e.config(ctx).LogAttempts)
	ref := policy.ModelRef{Provider: provider, Model: model}
	if !avail.Available(provider) {
		r.skip(ref)
		r.errors = append(r.errors, provider+" not available")
		return nil, r.exhausted()
	}
	if text, ok := r.attempt(ctx, ref, prompt, co.systemPrompt, invoke); ok {
		return r.result(ref, text), nil
	}
	return nil, r.exhausted()
}

// run is the state of one invocation.
type run struct {
	e          *Executor
	id         string
	capability string
	verbose    bool
	log        *slog.Logger
	start      time.Time

	attempts int
	errors   []string
	trace    []Attempt
	cause    error
}

func (e *Executor) begin(ctx context.Context, capability string, verbose bool) *run {
	id := e.newID()
	attrs := []any{
		slog.String("invocation_id", id),
		slog.String("capability", capability),
	}
	if rid := providers.GetRequestID(ctx); rid != "" {
		attrs = append(attrs, slog.String("request_id", rid))
	}
	return &run{
		e:          e,
		id:         id,
		capability: capability,
		verbose:    verbose,
		log:        slog.Default().With(attrs...),
		start:      time.Now(),
		errors:     []string{},
	}
}

func (r *run) skip(ref policy.ModelRef) {
	r.trace = append(r.trace, Attempt{Provider: ref.Provider, Model: ref.Model, Outcome: Skipped})
	if r.verbose {
		r.log.Debug("fallback skip: provider not available", slog.String("provider", ref.Provider))
	}
	r.observe(context.Background(), ref, Skipped, 0, "", false)
}

// attempt performs one call and records its outcome.
func (r *run) attempt(ctx context.Context, ref policy.ModelRef, prompt, system string, invoke InvokeFunc) (string, bool) {
	r.attempts++
	if r.verbose {
		r.log.Info("fallback attempt",
			slog.Int("attempt", r.attempts),
			slog.String("provider", ref.Provider),
			slog.String("model", ref.Model),
		)
	}

	actx := providers.WithInvocationID(ctx, r.id)
	var timeout time.Duration
	if r.e.timeout != nil {
		timeout = r.e.timeout(ctx, r.capability)
	}
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		actx, cancel = context.WithTimeout(actx, timeout)
	}
	start := time.Now()
	text, err := invoke(actx, ref, prompt, system)
	timedOut := errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()
	latency := time.Since(start).Milliseconds()

	if err == nil {
		r.trace = append(r.trace, Attempt{Provider: ref.Provider, Model: ref.Model, Outcome: Succeeded, LatencyMs: latency})
		if r.verbose {
			r.log.Info("fallback success",
				slog.String("provider", ref.Provider),
				slog.String("model", ref.Model),
				slog.Int64("latency_ms", latency),
			)
		}
		r.observe(ctx, ref, Succeeded, latency, "", false)
		return text, true
	}

	msg := err.Error()
	if timedOut {
		msg = fmt.Sprintf("timed out after %s: %s", timeout, msg)
	}
	line := ref.String() + ": " + msg
	r.errors = append(r.errors, line)
	r.trace = append(r.trace, Attempt{Provider: ref.Provider, Model: ref.Model, Outcome: Failed, Err: msg, LatencyMs: latency})
	if r.verbose {
		r.log.Warn("fallback failed",
			slog.String("provider", ref.Provider),
			slog.String("model", ref.Model),
			slog.String("error", msg),
		)
	}
	r.observe(ctx, ref, Failed, latency, msg, providers.ModelScoped(err))
	return "", false
}

func (r *run) elapsed() int64 { return time.Since(r.start).Milliseconds() }

func (r *run) result(ref policy.ModelRef, text string) *Result {
	return &Result{
		InvocationID: r.id,
		Response:     text,
		ProviderUsed: ref.Provider,
		ModelUsed:    ref.Model,
		Attempts:     r.attempts,
		ElapsedMs:    r.elapsed(),
		Errors:       r.errors,
		Trace:        r.trace,
	}
}

func (r *run) exhausted() error {
	err := &ChainExhaustedError{
		Capability:   r.capability,
		InvocationID: r.id,
		Errors:       r.errors,
		Trace:        r.trace,
		Cause:        r.cause,
	}
	r.log.Error("all providers failed",
		slog.Int("attempts", r.attempts),
		slog.Int64("elapsed_ms", r.elapsed()),
		slog.String("error", err.Error()),
	)
	if m := r.e.metrics; m != nil {
		m.ChainExhausted.WithLabelValues(r.capability).Inc()
	}
	r.e.bus.Publish(events.Event{
		Type:         events.EventChainExhausted,
		InvocationID: r.id,
		Capability:   r.capability,
		Attempt:      r.attempts,
		ErrorMsg:     err.Error(),
	})
	return err
}

// observe feeds metrics, health, events and the attempt log. Model-scoped
// failures are logged and counted but leave provider health alone.
func (r *run) observe(ctx context.Context, ref policy.ModelRef, outcome Outcome, latencyMs int64, errMsg string, modelScoped bool) {
	e := r.e
	if e.metrics != nil {
		e.metrics.AttemptsTotal.WithLabelValues(r.capability, ref.Provider, ref.Model, outcome.String()).Inc()
		if outcome != Skipped {
			e.metrics.AttemptLatency.WithLabelValues(r.capability, ref.Provider).Observe(float64(latencyMs))
		}
	}
	if outcome == Skipped {
		return
	}
	if e.tracker != nil {
		if outcome == Succeeded {
			e.tracker.RecordSuccess(ref.Provider, float64(latencyMs))
		} else if !modelScoped {
			e.tracker.RecordError(ref.Provider, errMsg)
		}
	}
	typ := events.EventAttemptSucceeded
	if outcome == Failed {
		typ = events.EventAttemptFailed
	}
	e.bus.Publish(events.Event{
		Type:         typ,
		InvocationID: r.id,
		Capability:   r.capability,
		ProviderID:   ref.Provider,
		ModelID:      ref.Model,
		Attempt:      r.attempts,
		LatencyMs:    float64(latencyMs),
		ErrorMsg:     errMsg,
	})
	if e.attemptLog != nil {
		rec := store.AttemptRecord{
			Timestamp:    time.Now().UTC(),
			InvocationID: r.id,
			Capability:   r.capability,
			Provider:     ref.Provider,
			Model:        ref.Model,
			Outcome:      outcome.String(),
			LatencyMs:    latencyMs,
			Error:        errMsg,
		}
		if err := e.attemptLog.LogAttempt(context.WithoutCancel(ctx), rec); err != nil {
			r.log.Debug("attempt log write failed", slog.String("error", err.Error()))
		}
	}
}
