// Package httpapi is the operator surface: health, metrics and the
// /admin/v1 endpoints that read and change routing policy at runtime.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/tokenrelay/internal/dispatch"
	"github.com/jordanhubbard/tokenrelay/internal/events"
	"github.com/jordanhubbard/tokenrelay/internal/health"
	"github.com/jordanhubbard/tokenrelay/internal/metrics"
	"github.com/jordanhubbard/tokenrelay/internal/policy"
	"github.com/jordanhubbard/tokenrelay/internal/ratelimit"
	"github.com/jordanhubbard/tokenrelay/internal/secrets"
	"github.com/jordanhubbard/tokenrelay/internal/settings"
	"github.com/jordanhubbard/tokenrelay/internal/store"
	"github.com/jordanhubbard/tokenrelay/internal/vault"
)

type Dependencies struct {
	Facade   *dispatch.Facade
	Policy   *policy.Policy
	Settings *settings.Store
	Store    store.Store
	Metrics  *metrics.Registry

	// Optional.
	Secrets    *secrets.Cache
	Vault      *vault.Vault
	Health     *health.Tracker
	EventBus   *events.Bus
	AdminToken *AdminTokenHolder
	Limiter    *ratelimit.Limiter
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", HealthzHandler(d))
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	r.Route("/admin/v1", func(r chi.Router) {
		if d.Limiter != nil {
			r.Use(d.Limiter.Middleware)
		}
		if d.AdminToken != nil {
			r.Use(AdminAuth(d.AdminToken))
		}

		r.Get("/providers", ProvidersListHandler(d))
		r.Put("/providers/{name}/credential", CredentialSetHandler(d))
		r.Delete("/providers/{name}/credential", CredentialDeleteHandler(d))
		r.Post("/providers/{name}/test", ProviderTestHandler(d))
		r.Get("/health", HealthStatsHandler(d))
		r.Post("/health/{name}/reset", HealthResetHandler(d))
		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}

		r.Get("/tools", ToolsListHandler(d))
		r.Get("/tools/{name}", ToolGetHandler(d))
		r.Put("/tools/{name}", ToolSaveHandler(d))
		r.Delete("/tools/{name}", ToolResetHandler(d))
		r.Get("/tools/{name}/chain", ChainGetHandler(d))
		r.Post("/tools/{name}/run", ToolRunHandler(d))
		r.Put("/tools/{name}/pin", PinSetHandler(d))
		r.Delete("/tools/{name}/pin", PinClearHandler(d))
		r.Get("/tools/{name}/agents/{role}", AgentBindingGetHandler(d))
		r.Put("/tools/{name}/agents/{role}", AgentBindingSaveHandler(d))

		r.Get("/agents/{role}", AgentGetHandler(d))
		r.Put("/agents/{role}", AgentSaveHandler(d))
		r.Get("/routing", RoutingGetHandler(d))
		r.Put("/routing", RoutingSaveHandler(d))

		r.Get("/settings", SettingsListHandler(d))
		r.Post("/settings/refresh", SettingsRefreshHandler(d))
		r.Post("/secrets/invalidate", SecretsInvalidateHandler(d))
		r.Post("/vault/unlock", VaultUnlockHandler(d))
		r.Post("/vault/lock", VaultLockHandler(d))

		r.Get("/attempts", AttemptsHandler(d))
		r.Get("/audit", AuditLogsHandler(d))
		if d.AdminToken != nil {
			r.Post("/token/rotate", TokenRotateHandler(d))
		}
	})
}

// HealthzHandler reports 503 when no provider is usable.
func HealthzHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		avail := d.Facade.Availability(r.Context())
		n := 0
		for p := range avail {
			if avail.Available(p) {
				n++
			}
		}
		body := map[string]any{
			"status":              "ok",
			"providers_available": n,
		}
		if d.Vault != nil && d.Vault.Enabled() {
			body["vault_locked"] = d.Vault.IsLocked()
		}
		code := http.StatusOK
		if n == 0 {
			body["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, body)
	}
}
