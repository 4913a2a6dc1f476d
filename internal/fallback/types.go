package fallback

import (
	"context"
	"fmt"
	"strings"

	"github.com/jordanhubbard/tokenrelay/internal/policy"
)

// Outcome is the result kind of one chain entry. A skip is never a failure.
type Outcome int

const (
	Skipped Outcome = iota
	Failed
	Succeeded
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	case Succeeded:
		return "succeeded"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// ProviderStatus is what the caller knows about one provider: a credential,
// or an enabled flag for providers that authenticate ambiently.
type ProviderStatus struct {
	Credential string `json:"-"`
	Enabled    bool   `json:"enabled"`
}

func (s ProviderStatus) Available() bool { return s.Credential != "" || s.Enabled }

// Availability maps provider name to status. A missing entry is unavailable.
type Availability map[string]ProviderStatus

func (a Availability) Available(provider string) bool {
	st, ok := a[provider]
	return ok && st.Available()
}

// InvokeFunc performs exactly one provider call.
type InvokeFunc func(ctx context.Context, ref policy.ModelRef, prompt, systemPrompt string) (string, error)

// Config is re-read at the start of every invocation.
type Config struct {
	// Enabled=false stops after the first failed attempt.
	Enabled bool
	// MaxAttempts caps attempted (not skipped) entries; 0 means no cap.
	MaxAttempts int
	LogAttempts bool
}

type ConfigFunc func(ctx context.Context) Config

// StaticConfig returns a ConfigFunc that always yields c.
func StaticConfig(c Config) ConfigFunc {
	return func(context.Context) Config { return c }
}

// ChainSource yields the ordered chain for a capability.
type ChainSource interface {
	EffectiveChain(ctx context.Context, capability string) []policy.ModelRef
}

// ChainFunc adapts a function to ChainSource.
type ChainFunc func(ctx context.Context, capability string) []policy.ModelRef

func (f ChainFunc) EffectiveChain(ctx context.Context, capability string) []policy.ModelRef {
	return f(ctx, capability)
}

// Attempt is one entry of an invocation trace, skips included.
type Attempt struct {
	Provider  string  `json:"provider"`
	Model     string  `json:"model"`
	Outcome   Outcome `json:"outcome"`
	Err       string  `json:"error,omitempty"`
	LatencyMs int64   `json:"latency_ms"`
}

// Result describes a successful invocation. Attempts counts attempted
// entries only; Errors holds the failures that preceded the success.
type Result struct {
	InvocationID string    `json:"invocation_id"`
	Response     string    `json:"response"`
	ProviderUsed string    `json:"provider_used"`
	ModelUsed    string    `json:"model_used"`
	Attempts     int       `json:"attempts"`
	ElapsedMs    int64     `json:"elapsed_ms"`
	Errors       []string  `json:"errors"`
	Trace        []Attempt `json:"trace"`
}

// ChainExhaustedError is returned when no attempted entry succeeded.
// Errors lists one "provider/model: message" string per attempted entry,
// in chain order.
type ChainExhaustedError struct {
	Capability   string
	InvocationID string
	Errors       []string
	Trace        []Attempt
	// Cause is set when the caller's context ended the invocation.
	Cause error
}

func (e *ChainExhaustedError) Error() string {
	if len(e.Errors) == 0 {
		if e.Cause != nil {
			return "All AI providers failed: " + e.Cause.Error()
		}
		return "All AI providers failed: no available provider for " + e.Capability
	}
	return "All AI providers failed: " + strings.Join(e.Errors, "; ")
}

func (e *ChainExhaustedError) Unwrap() error { return e.Cause }
