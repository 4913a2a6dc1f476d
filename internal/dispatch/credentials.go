package dispatch

import (
	"context"

	"github.com/jordanhubbard/tokenrelay/internal/fallback"
	"github.com/jordanhubbard/tokenrelay/internal/health"
	"github.com/jordanhubbard/tokenrelay/internal/providers"
)

// Credential sources, in lookup order.
const (
	SourceExplicit = "explicit"
	SourceSettings = "settings"
	SourceSecrets  = "secrets"
	SourceRegion   = "region"
)

func apiKeySetting(p providers.Name) string { return string(p) + "_api_key" }

// lookupKey finds an API key for p in settings, then in the secrets cache.
func (f *Facade) lookupKey(ctx context.Context, p providers.Name) (string, string) {
	if v, ok := f.settings.Get(ctx, apiKeySetting(p)); ok && v != "" {
		return v, SourceSettings
	}
	if v := f.secrets.ProviderKey(ctx, string(p)); v != "" {
		return v, SourceSecrets
	}
	return "", ""
}

// credential resolves what p's adapter needs. Bedrock is keyed by its
// enable flag and region rather than an API key.
func (f *Facade) credential(ctx context.Context, p providers.Name, explicit string) (providers.Credential, bool) {
	if p == providers.Bedrock {
		if !f.policy.BedrockEnabled(ctx) {
			return providers.Credential{}, false
		}
		region := f.policy.BedrockRegion(ctx)
		return providers.Credential{Region: region}, region != ""
	}
	if explicit != "" {
		return providers.Credential{APIKey: explicit}, true
	}
	key, _ := f.lookupKey(ctx, p)
	return providers.Credential{APIKey: key}, key != ""
}

// Availability builds the executor's availability map from the same
// sources Complete uses. Every supported provider has an entry.
func (f *Facade) Availability(ctx context.Context) fallback.Availability {
	out := make(fallback.Availability, len(providers.Supported))
	for _, p := range providers.Supported {
		var st fallback.ProviderStatus
		if p == providers.Bedrock {
			st.Enabled = f.policy.BedrockEnabled(ctx) && f.policy.BedrockRegion(ctx) != ""
		} else {
			st.Credential, _ = f.lookupKey(ctx, p)
		}
		if f.gate && f.tracker != nil && !f.tracker.IsAvailable(string(p)) {
			st = fallback.ProviderStatus{}
		}
		out[string(p)] = st
	}
	return out
}

// ProviderStatus is the operator view of one provider.
type ProviderStatus struct {
	Name             string        `json:"name"`
	Label            string        `json:"label"`
	Available        bool          `json:"available"`
	CredentialSource string        `json:"credential_source,omitempty"`
	Model            string        `json:"model"`
	Region           string        `json:"region,omitempty"`
	Health           *health.Stats `json:"health,omitempty"`
}

// ProvidersStatus reports every supported provider. Credentials are never
// included, only where they came from.
func (f *Facade) ProvidersStatus(ctx context.Context) []ProviderStatus {
	avail := f.Availability(ctx)
	out := make([]ProviderStatus, 0, len(providers.Supported))
	for _, p := range providers.Supported {
		st := ProviderStatus{
			Name:      string(p),
			Label:     f.policy.ProviderLabel(string(p)),
			Available: avail.Available(string(p)),
			Model:     f.policy.ProviderModel(ctx, string(p)),
		}
		if p == providers.Bedrock {
			st.Region = f.policy.BedrockRegion(ctx)
			if st.Available {
				st.CredentialSource = SourceRegion
			}
		} else {
			_, st.CredentialSource = f.lookupKey(ctx, p)
		}
		if f.tracker != nil {
			s := f.tracker.GetStats(string(p))
			st.Health = &s
		}
		out = append(out, st)
	}
	return out
}

// ProbeTargets lists the health endpoints of registered adapters that
// expose one.
func (f *Facade) ProbeTargets() []health.Target {
	type prober interface{ HealthEndpoint() string }
	var out []health.Target
	for _, p := range providers.Supported {
		if a, ok := f.adapters[p].(prober); ok {
			out = append(out, health.Target{Provider: string(p), Endpoint: a.HealthEndpoint()})
		}
	}
	return out
}
