package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelRef names one model on one provider. Model identifiers are opaque.
// On the wire a ModelRef is a two-element array: ["provider", "model"].
type ModelRef struct {
	Provider string
	Model    string
}

func (r ModelRef) String() string { return r.Provider + "/" + r.Model }

// Pinned formats r the way pinned overrides are persisted.
func (r ModelRef) Pinned() string { return r.Provider + ":" + r.Model }

// ParsePinned splits "provider:model" at the first colon.
func ParsePinned(s string) (ModelRef, bool) {
	p, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || p == "" || m == "" {
		return ModelRef{}, false
	}
	return ModelRef{Provider: p, Model: m}, true
}

func (r ModelRef) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{r.Provider, r.Model})
}

func (r *ModelRef) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("model reference: %w", err)
	}
	if len(pair) != 2 || pair[0] == "" || pair[1] == "" {
		return fmt.Errorf("model reference: want [provider, model], got %v", pair)
	}
	r.Provider, r.Model = pair[0], pair[1]
	return nil
}

func (r *ModelRef) UnmarshalYAML(node *yaml.Node) error {
	var pair []string
	if err := node.Decode(&pair); err != nil {
		return err
	}
	if len(pair) != 2 || pair[0] == "" || pair[1] == "" {
		return fmt.Errorf("line %d: model reference must be [provider, model]", node.Line)
	}
	r.Provider, r.Model = pair[0], pair[1]
	return nil
}

// parseChain accepts a decoded JSON value and reports whether it is a
// non-empty list of two-element string pairs. Any bad entry rejects the
// whole chain.
func parseChain(v any) ([]ModelRef, bool) {
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return nil, false
	}
	chain := make([]ModelRef, 0, len(items))
	for _, it := range items {
		pair, ok := it.([]any)
		if !ok || len(pair) != 2 {
			return nil, false
		}
		p, ok1 := pair[0].(string)
		m, ok2 := pair[1].(string)
		if !ok1 || !ok2 || p == "" || m == "" {
			return nil, false
		}
		chain = append(chain, ModelRef{Provider: p, Model: m})
	}
	return chain, true
}

func cloneChain(c []ModelRef) []ModelRef {
	return append([]ModelRef(nil), c...)
}

// AgentBinding is a per-capability sub-binding for one pipeline role.
// The zero value means "use the capability's own model".
type AgentBinding struct {
	Provider     string   `json:"provider,omitempty"`
	Model        string   `json:"model,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
}

func (b AgentBinding) IsZero() bool { return b.Provider == "" && b.Model == "" }

// Ref returns the binding's model reference.
func (b AgentBinding) Ref() ModelRef { return ModelRef{Provider: b.Provider, Model: b.Model} }

// ToolConfig is the resolved configuration of one capability.
type ToolConfig struct {
	Name                 string                  `json:"name"`
	Enabled              bool                    `json:"enabled"`
	Provider             string                  `json:"provider"`
	Model                string                  `json:"model"`
	MaxTokens            int                     `json:"max_tokens"`
	Temperature          float64                 `json:"temperature"`
	MaxDurationSeconds   int                     `json:"max_duration_seconds"`
	ThinkingEnabled      bool                    `json:"thinking_enabled"`
	ThinkingBudgetTokens int                     `json:"thinking_budget_tokens,omitempty"`
	Description          string                  `json:"description,omitempty"`
	FallbackChain        []ModelRef              `json:"fallback_chain"`
	Agents               map[string]AgentBinding `json:"agents,omitempty"`
	Orchestration        map[string]any          `json:"orchestration,omitempty"`
	Features             map[string]any          `json:"features,omitempty"`
}

// AgentConfig is the global configuration of a pipeline role.
type AgentConfig struct {
	Role            string   `json:"role"`
	PrimaryProvider string   `json:"primary_provider"`
	PrimaryModel    string   `json:"primary_model"`
	Description     string   `json:"description,omitempty"`
	MaxTokens       int      `json:"max_tokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

// RoutingPolicy is the global routing document. The weights are advisory
// metadata for callers; the fallback executor does not read them.
type RoutingPolicy struct {
	RoutingStrategy      string   `json:"routing_strategy"`
	MaxLatencyMs         int      `json:"max_latency_ms"`
	MinQualityScore      float64  `json:"min_quality_score"`
	PreferBedrock        bool     `json:"prefer_bedrock"`
	EnableValidation     bool     `json:"enable_validation"`
	EnableMultiModel     bool     `json:"enable_multi_model"`
	CostBudgetPerSession *float64 `json:"cost_budget_per_session"`
	LatencyWeight        float64  `json:"latency_weight"`
	QualityWeight        float64  `json:"quality_weight"`
	CostWeight           float64  `json:"cost_weight"`
}

// ValidationError lists the schema violations of a rejected document.
type ValidationError struct {
	Document string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Document, strings.Join(e.Problems, "; "))
}

// decodeDoc converts a JSON-shaped map into a typed value.
func decodeDoc(doc map[string]any, out any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
