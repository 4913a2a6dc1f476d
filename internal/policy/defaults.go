package policy

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Fallback names used when a requested capability or role is unknown.
const (
	DefaultCapability = "quick_search"
	DefaultRole       = "researcher"
)

// Substitution describes the provider-substitution rule.
type Substitution struct {
	Flag       string            `yaml:"flag"`
	Source     string            `yaml:"source"`
	Target     string            `yaml:"target"`
	TargetFlag string            `yaml:"target_flag"`
	Aliases    map[string]string `yaml:"aliases"`
}

// Defaults is the compiled default table. Documents are kept as JSON-shaped
// maps so they can be merged with persisted overrides.
type Defaults struct {
	ProviderModels map[string]string         `yaml:"provider_models"`
	ProviderLabels map[string]string         `yaml:"provider_labels"`
	Settings       map[string]string         `yaml:"settings"`
	Substitution   Substitution              `yaml:"substitution"`
	Functions      map[string]map[string]any `yaml:"functions"`
	Chains         map[string][]ModelRef     `yaml:"chains"`
	Agents         map[string]map[string]any `yaml:"agents"`
	Routing        map[string]any            `yaml:"routing"`
}

// LoadDefaults parses the embedded defaults.
func LoadDefaults() (*Defaults, error) {
	return ParseDefaults(defaultsYAML)
}

// ParseDefaults parses a defaults document. Every function configuration
// must carry a well-formed fallback chain and DefaultCapability must exist.
func ParseDefaults(data []byte) (*Defaults, error) {
	var d Defaults
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse policy defaults: %w", err)
	}
	for name, doc := range d.Functions {
		norm, err := jsonShape(doc)
		if err != nil {
			return nil, fmt.Errorf("function %s: %w", name, err)
		}
		if _, ok := parseChain(norm["fallback_chain"]); !ok {
			return nil, fmt.Errorf("function %s: missing or malformed fallback_chain", name)
		}
		d.Functions[name] = norm
	}
	for role, doc := range d.Agents {
		norm, err := jsonShape(doc)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", role, err)
		}
		d.Agents[role] = norm
	}
	routing, err := jsonShape(d.Routing)
	if err != nil {
		return nil, fmt.Errorf("routing: %w", err)
	}
	d.Routing = routing

	if _, ok := d.Functions[DefaultCapability]; !ok {
		return nil, fmt.Errorf("policy defaults: %s function missing", DefaultCapability)
	}
	if _, ok := d.Agents[DefaultRole]; !ok {
		return nil, fmt.Errorf("policy defaults: %s agent missing", DefaultRole)
	}
	return &d, nil
}

// Scalars returns the default scalar table for the settings store,
// including "<provider>_model" entries.
func (d *Defaults) Scalars() map[string]string {
	out := make(map[string]string, len(d.Settings)+len(d.ProviderModels))
	for k, v := range d.Settings {
		out[k] = v
	}
	for p, m := range d.ProviderModels {
		out[p+"_model"] = m
	}
	return out
}

// defaultChain returns the compiled chain for name, preferring the function
// configuration over the chain-only table.
func (d *Defaults) defaultChain(name string) ([]ModelRef, bool) {
	if doc, ok := d.Functions[name]; ok {
		if chain, ok := parseChain(doc["fallback_chain"]); ok {
			return chain, true
		}
	}
	if chain, ok := d.Chains[name]; ok && len(chain) > 0 {
		return cloneChain(chain), true
	}
	return nil, false
}

// jsonShape round-trips v through JSON so numbers become float64 and nested
// objects map[string]any, matching what persisted documents decode to.
func jsonShape(v map[string]any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
