// Package policy resolves routing behaviour: per-capability configurations
// and fallback chains, per-role agent bindings, pinned overrides, the
// provider-substitution rule and the global routing document. Every lookup
// reads through the settings store, so operator edits apply on the next call.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jordanhubbard/tokenrelay/internal/providers"
	"github.com/jordanhubbard/tokenrelay/internal/settings"
)

// Settings is the subset of *settings.Store the policy needs.
type Settings interface {
	Get(ctx context.Context, key string) (string, bool)
	GetString(ctx context.Context, key, fallback string) string
	GetBool(ctx context.Context, key string, def bool) bool
	Persisted(ctx context.Context, key string) (string, bool)
	GetDocument(ctx context.Context, key string, defaults map[string]any) map[string]any
	Set(ctx context.Context, key, value string) error
	SetDocument(ctx context.Context, key string, doc any) error
	Delete(ctx context.Context, key string) error
}

const routingKey = "ai_orchestration_settings"

func toolKey(name string) string          { return "ai_function_" + name }
func bindingKey(tool, role string) string { return "ai_function_" + tool + "_agent_" + role }
func agentKey(role string) string         { return "ai_agent_" + role }
func pinKey(name string) string           { return "ai_pinned_model_" + name }

// Policy is safe for concurrent use; it holds no mutable state of its own.
type Policy struct {
	settings Settings
	defaults *Defaults
	schemas  *schemas
}

// New returns a Policy over s. A nil d loads the embedded defaults.
func New(s Settings, d *Defaults) (*Policy, error) {
	if d == nil {
		var err error
		if d, err = LoadDefaults(); err != nil {
			return nil, err
		}
	}
	sc, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	return &Policy{settings: s, defaults: d, schemas: sc}, nil
}

// Defaults exposes the compiled default table.
func (p *Policy) Defaults() *Defaults { return p.defaults }

// persistedDoc returns the persisted JSON object under key, if any.
// Malformed documents are logged and treated as absent.
func (p *Policy) persistedDoc(ctx context.Context, key string) (map[string]any, bool) {
	raw, ok := p.settings.Persisted(ctx, key)
	if !ok {
		return nil, false
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil || doc == nil {
		slog.Warn("policy: ignoring malformed document", slog.String("setting", key))
		return nil, false
	}
	return doc, true
}

// ResolveChain returns the fallback chain for a capability: the persisted
// override when well-formed, else the compiled chain for name, else the
// compiled chain for DefaultCapability. The result is never empty.
func (p *Policy) ResolveChain(ctx context.Context, name string) []ModelRef {
	if doc, ok := p.persistedDoc(ctx, toolKey(name)); ok {
		if raw, present := doc["fallback_chain"]; present {
			if chain, ok := parseChain(raw); ok {
				return chain
			}
			slog.Warn("policy: malformed fallback_chain override, using default",
				slog.String("capability", name))
		}
	}
	if chain, ok := p.defaults.defaultChain(name); ok {
		return chain
	}
	chain, _ := p.defaults.defaultChain(DefaultCapability)
	return chain
}

// EffectiveChain is ResolveChain with the pinned override moved to the
// front. Later duplicates of the pinned entry are dropped.
func (p *Policy) EffectiveChain(ctx context.Context, name string) []ModelRef {
	chain := p.ResolveChain(ctx, name)
	pin, ok := p.PinnedModel(ctx, name)
	if !ok {
		return chain
	}
	out := make([]ModelRef, 0, len(chain)+1)
	out = append(out, pin)
	for _, ref := range chain {
		if ref != pin {
			out = append(out, ref)
		}
	}
	return out
}

// ResolveProviderSubstitution redirects calls for the substitution source
// provider to the target when the rule flag and the target's enable flag
// are both on and the model has an alias. It never fails; an alias miss
// is logged and the input returned unchanged.
func (p *Policy) ResolveProviderSubstitution(ctx context.Context, provider, model string) (string, string) {
	sub := p.defaults.Substitution
	if sub.Flag == "" || provider != sub.Source {
		return provider, model
	}
	if !p.settings.GetBool(ctx, sub.Flag, false) {
		return provider, model
	}
	if sub.TargetFlag != "" && !p.settings.GetBool(ctx, sub.TargetFlag, false) {
		return provider, model
	}
	alias, ok := sub.Aliases[model]
	if !ok {
		slog.Warn("policy: no substitution alias, keeping provider",
			slog.String("provider", provider),
			slog.String("model", model),
			slog.String("target", sub.Target),
		)
		return provider, model
	}
	return sub.Target, alias
}

// PinnedModel returns the pinned override for a capability.
func (p *Policy) PinnedModel(ctx context.Context, name string) (ModelRef, bool) {
	raw, ok := p.settings.Persisted(ctx, pinKey(name))
	if !ok {
		return ModelRef{}, false
	}
	ref, ok := ParsePinned(raw)
	if !ok {
		slog.Warn("policy: ignoring malformed pinned model",
			slog.String("capability", name),
			slog.String("value", raw),
		)
	}
	return ref, ok
}

// SetPinnedModel pins a capability to one model. Provider aliases are
// normalized before the pin is stored.
func (p *Policy) SetPinnedModel(ctx context.Context, name string, ref ModelRef) error {
	prov, ok := providers.Normalize(ref.Provider)
	if !ok || ref.Model == "" {
		return &ValidationError{
			Document: "pinned model",
			Problems: []string{fmt.Sprintf("unknown provider or empty model: %q/%q", ref.Provider, ref.Model)},
		}
	}
	ref.Provider = string(prov)
	return p.settings.Set(ctx, pinKey(name), ref.Pinned())
}

func (p *Policy) ClearPinnedModel(ctx context.Context, name string) error {
	return p.settings.Delete(ctx, pinKey(name))
}

// ProviderModel returns the default model for provider.
func (p *Policy) ProviderModel(ctx context.Context, provider string) string {
	return p.settings.GetString(ctx, provider+"_model", p.defaults.ProviderModels[provider])
}

// ProviderLabel returns a display name for provider.
func (p *Policy) ProviderLabel(provider string) string {
	if l, ok := p.defaults.ProviderLabels[provider]; ok {
		return l
	}
	return provider
}

func (p *Policy) DefaultProvider(ctx context.Context) string {
	return p.settings.GetString(ctx, "ai_default_provider", string(providers.Gemini))
}

func (p *Policy) FallbackEnabled(ctx context.Context) bool {
	return p.settings.GetBool(ctx, "ai_fallback_enabled", true)
}

func (p *Policy) FallbackLogAttempts(ctx context.Context) bool {
	return p.settings.GetBool(ctx, "ai_fallback_log_attempts", true)
}

// FallbackMaxAttempts returns the attempt cap; 0 means the chain length.
func (p *Policy) FallbackMaxAttempts(ctx context.Context) int {
	n, err := strconv.Atoi(p.settings.GetString(ctx, "ai_fallback_max_attempts", "0"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (p *Policy) BedrockEnabled(ctx context.Context) bool {
	return p.settings.GetBool(ctx, "bedrock_enabled", false)
}

func (p *Policy) BedrockRegion(ctx context.Context) string {
	return p.settings.GetString(ctx, "bedrock_region", "us-east-1")
}

// toDoc converts a typed value into a JSON-shaped map.
func toDoc(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

// patchDocument validates patch, merges it over the persisted override under
// key and writes the result back.
func (p *Policy) patchDocument(ctx context.Context, key string, patch map[string]any) error {
	existing, ok := p.persistedDoc(ctx, key)
	if !ok {
		existing = map[string]any{}
	}
	merged := settings.MergeOverDefaults(existing, settings.CloneMap(patch))
	return p.settings.SetDocument(ctx, key, merged)
}
