package policy

import (
	"context"
	"log/slog"
	"sort"

	"github.com/jordanhubbard/tokenrelay/internal/settings"
)

// ResolveToolConfig returns the capability configuration for name: the
// persisted override merged over the compiled default. Unknown names start
// from the DefaultCapability configuration. The fallback chain is always the
// one ResolveChain returns.
func (p *Policy) ResolveToolConfig(ctx context.Context, name string) ToolConfig {
	base, ok := p.defaults.Functions[name]
	if !ok {
		base = p.defaults.Functions[DefaultCapability]
	}
	chain := p.ResolveChain(ctx, name)

	doc := p.settings.GetDocument(ctx, toolKey(name), base)
	doc["name"] = name
	doc["fallback_chain"] = chain

	var cfg ToolConfig
	if err := decodeDoc(doc, &cfg); err != nil {
		slog.Warn("policy: invalid capability configuration, using defaults",
			slog.String("capability", name),
			slog.String("error", err.Error()),
		)
		fallback := settings.CloneMap(base)
		fallback["name"] = name
		fallback["fallback_chain"] = chain
		cfg = ToolConfig{}
		_ = decodeDoc(fallback, &cfg)
	}
	return cfg
}

// SaveToolConfig validates patch and merges it over the persisted override.
// Fields absent from patch keep their current values.
func (p *Policy) SaveToolConfig(ctx context.Context, name string, patch map[string]any) (ToolConfig, error) {
	patch = settings.CloneMap(patch)
	delete(patch, "name")
	if err := validate(p.schemas.tool, "capability configuration", patch); err != nil {
		return ToolConfig{}, err
	}
	if err := p.patchDocument(ctx, toolKey(name), patch); err != nil {
		return ToolConfig{}, err
	}
	return p.ResolveToolConfig(ctx, name), nil
}

// ResetToolConfig drops the persisted override for name.
func (p *Policy) ResetToolConfig(ctx context.Context, name string) error {
	return p.settings.Delete(ctx, toolKey(name))
}

// ResolveAgentBinding returns the binding for role within a capability:
// the persisted per-role override merged over the capability's agents[role].
// The zero binding means the role has no dedicated model.
func (p *Policy) ResolveAgentBinding(ctx context.Context, tool, role string) AgentBinding {
	cfg := p.ResolveToolConfig(ctx, tool)
	base := map[string]any{}
	if b, ok := cfg.Agents[role]; ok {
		base = toDoc(b)
	}
	doc := p.settings.GetDocument(ctx, bindingKey(tool, role), base)

	var b AgentBinding
	if err := decodeDoc(doc, &b); err != nil {
		slog.Warn("policy: invalid agent binding, using capability default",
			slog.String("capability", tool),
			slog.String("role", role),
			slog.String("error", err.Error()),
		)
		return cfg.Agents[role]
	}
	return b
}

// SaveAgentBinding validates patch and merges it over the persisted
// per-role override.
func (p *Policy) SaveAgentBinding(ctx context.Context, tool, role string, patch map[string]any) (AgentBinding, error) {
	wrapped := map[string]any{"agents": map[string]any{role: patch}}
	if err := validate(p.schemas.tool, "agent binding", wrapped); err != nil {
		return AgentBinding{}, err
	}
	if err := p.patchDocument(ctx, bindingKey(tool, role), patch); err != nil {
		return AgentBinding{}, err
	}
	return p.ResolveAgentBinding(ctx, tool, role), nil
}

// ResolveAgentConfig returns the global configuration for a pipeline role.
// Unknown roles start from the DefaultRole configuration.
func (p *Policy) ResolveAgentConfig(ctx context.Context, role string) AgentConfig {
	base, ok := p.defaults.Agents[role]
	if !ok {
		base = p.defaults.Agents[DefaultRole]
	}
	doc := p.settings.GetDocument(ctx, agentKey(role), base)
	doc["role"] = role

	var cfg AgentConfig
	if err := decodeDoc(doc, &cfg); err != nil {
		slog.Warn("policy: invalid agent configuration, using defaults",
			slog.String("role", role),
			slog.String("error", err.Error()),
		)
		cfg = AgentConfig{}
		fallback := settings.CloneMap(base)
		fallback["role"] = role
		_ = decodeDoc(fallback, &cfg)
	}
	return cfg
}

func (p *Policy) SaveAgentConfig(ctx context.Context, role string, patch map[string]any) (AgentConfig, error) {
	patch = settings.CloneMap(patch)
	delete(patch, "role")
	if err := validate(p.schemas.agent, "agent configuration", patch); err != nil {
		return AgentConfig{}, err
	}
	if err := p.patchDocument(ctx, agentKey(role), patch); err != nil {
		return AgentConfig{}, err
	}
	return p.ResolveAgentConfig(ctx, role), nil
}

var routingStrategies = map[string]bool{
	"performance": true, "cost": true, "latency": true, "quality": true,
	"balanced": true, "pinned": true, "fallback": true,
}

// routingScalars are settings keys that seed routing document fields when
// no routing document has been saved for them.
var routingScalars = map[string]string{
	"ai_prefer_bedrock":     "prefer_bedrock",
	"ai_enable_multi_model": "enable_multi_model",
	"ai_enable_validation":  "enable_validation",
}

// ResolveRoutingPolicy returns the global routing document. Resolution is
// compiled defaults, then the scalar routing settings, then the saved
// document.
func (p *Policy) ResolveRoutingPolicy(ctx context.Context) RoutingPolicy {
	base := settings.CloneMap(p.defaults.Routing)
	if v, ok := p.settings.Get(ctx, "ai_routing_strategy"); ok {
		if routingStrategies[v] {
			base["routing_strategy"] = v
		} else {
			slog.Warn("policy: unknown routing strategy ignored", slog.String("value", v))
		}
	}
	for key, field := range routingScalars {
		if v, ok := p.settings.Get(ctx, key); ok {
			cur, _ := base[field].(bool)
			base[field] = settings.ParseBool(v, cur)
		}
	}
	doc := p.settings.GetDocument(ctx, routingKey, base)

	var rp RoutingPolicy
	if err := decodeDoc(doc, &rp); err != nil {
		slog.Warn("policy: invalid routing document, using defaults", slog.String("error", err.Error()))
		rp = RoutingPolicy{}
		_ = decodeDoc(p.defaults.Routing, &rp)
	}
	return rp
}

// SaveRoutingPolicy validates patch and merges it over the saved document.
func (p *Policy) SaveRoutingPolicy(ctx context.Context, patch map[string]any) (RoutingPolicy, error) {
	if err := validate(p.schemas.routing, "routing policy", patch); err != nil {
		return RoutingPolicy{}, err
	}
	if err := p.patchDocument(ctx, routingKey, patch); err != nil {
		return RoutingPolicy{}, err
	}
	return p.ResolveRoutingPolicy(ctx), nil
}

// ToolNames lists the capabilities with a compiled configuration or chain.
func (p *Policy) ToolNames() []string {
	seen := make(map[string]bool)
	var names []string
	for n := range p.defaults.Functions {
		seen[n] = true
		names = append(names, n)
	}
	for n := range p.defaults.Chains {
		if !seen[n] {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// HasConfig reports whether name has a compiled capability configuration.
func (p *Policy) HasConfig(name string) bool {
	_, ok := p.defaults.Functions[name]
	return ok
}

// Known reports whether name has a compiled configuration or chain.
func (p *Policy) Known(name string) bool {
	if p.HasConfig(name) {
		return true
	}
	_, ok := p.defaults.Chains[name]
	return ok
}
