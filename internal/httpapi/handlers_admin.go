package httpapi

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/tokenrelay/internal/providers"
	"github.com/jordanhubbard/tokenrelay/internal/settings"
	"github.com/jordanhubbard/tokenrelay/internal/vault"
)

func ProvidersListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"providers": d.Facade.ProvidersStatus(r.Context())})
	}
}

// keyedProvider resolves {name} to a provider that authenticates with an
// API key.
func keyedProvider(w http.ResponseWriter, r *http.Request) (providers.Name, bool) {
	name, ok := providers.Normalize(chi.URLParam(r, "name"))
	if !ok {
		jsonError(w, "unknown provider", http.StatusNotFound)
		return "", false
	}
	if name == providers.Bedrock {
		jsonError(w, "bedrock uses the AWS credential chain, not an API key", http.StatusBadRequest)
		return "", false
	}
	return name, true
}

// CredentialSetHandler stores a provider API key in the settings store,
// encrypted when the vault is enabled.
func CredentialSetHandler(d Dependencies) http.HandlerFunc {
	type credReq struct {
		APIKey string `json:"api_key"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		name, ok := keyedProvider(w, r)
		if !ok {
			return
		}
		var req credReq
		if !decodeBody(w, r, &req) {
			return
		}
		req.APIKey = strings.TrimSpace(req.APIKey)
		if req.APIKey == "" {
			jsonError(w, "api_key required", http.StatusBadRequest)
			return
		}
		err := d.Settings.Set(r.Context(), string(name)+"_api_key", req.APIKey)
		if errors.Is(err, settings.ErrCipherLocked) {
			jsonError(w, "vault is locked", http.StatusLocked)
			return
		}
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		recordChange(r.Context(), d, "credential.set", "provider:"+string(name), settings.Mask(req.APIKey))
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "provider": name})
	}
}

func CredentialDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, ok := keyedProvider(w, r)
		if !ok {
			return
		}
		if err := d.Settings.Delete(r.Context(), string(name)+"_api_key"); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		recordChange(r.Context(), d, "credential.delete", "provider:"+string(name), "")
		w.WriteHeader(http.StatusNoContent)
	}
}

func HealthStatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Health == nil {
			writeJSON(w, http.StatusOK, map[string]any{"providers": []any{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"providers": d.Health.AllStats()})
	}
}

// HealthResetHandler clears a provider's record, ending any cooldown.
func HealthResetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, ok := providers.Normalize(chi.URLParam(r, "name"))
		if !ok {
			jsonError(w, "unknown provider", http.StatusNotFound)
			return
		}
		if d.Health != nil {
			d.Health.Reset(string(name))
		}
		recordChange(r.Context(), d, "health.reset", "provider:"+string(name), "")
		w.WriteHeader(http.StatusNoContent)
	}
}

// SettingsListHandler lists persisted settings with credentials masked.
func SettingsListHandler(d Dependencies) http.HandlerFunc {
	type entry struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		all, err := d.Store.List(r.Context(), r.URL.Query().Get("prefix"))
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out := make([]entry, 0, len(all))
		for k, v := range all {
			if settings.Sensitive(k) {
				v = settings.Mask(v)
			}
			out = append(out, entry{Key: k, Value: v})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
		writeJSON(w, http.StatusOK, map[string]any{"settings": out})
	}
}

func SettingsRefreshHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Settings.Refresh()
		recordChange(r.Context(), d, "settings.refresh", "settings", "")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func SecretsInvalidateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !d.Secrets.Enabled() {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "enabled": false})
			return
		}
		d.Secrets.Invalidate()
		recordChange(r.Context(), d, "secrets.invalidate", "secrets", "")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "enabled": true})
	}
}

func VaultUnlockHandler(d Dependencies) http.HandlerFunc {
	type unlockReq struct {
		Passphrase string `json:"passphrase"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Vault == nil || !d.Vault.Enabled() {
			jsonError(w, "vault not enabled", http.StatusBadRequest)
			return
		}
		var req unlockReq
		if !decodeBody(w, r, &req) {
			return
		}
		err := d.Vault.Unlock(r.Context(), []byte(req.Passphrase))
		switch {
		case errors.Is(err, vault.ErrPassTooShort):
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		case err != nil:
			jsonError(w, "unlock failed", http.StatusInternalServerError)
			return
		}
		// Encrypted values cached as unreadable must be re-read.
		d.Settings.Refresh()
		recordChange(r.Context(), d, "vault.unlock", "vault", "")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func VaultLockHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Vault == nil || !d.Vault.Enabled() {
			jsonError(w, "vault not enabled", http.StatusBadRequest)
			return
		}
		if d.Vault.IsLocked() {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "already_locked": true})
			return
		}
		d.Vault.Lock()
		d.Settings.Refresh()
		recordChange(r.Context(), d, "vault.lock", "vault", "")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func AttemptsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pageParams(r)
		recs, err := d.Store.ListAttempts(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"attempts": recs})
	}
}

func AuditLogsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pageParams(r)
		entries, err := d.Store.ListAuditLogs(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"audit": entries})
	}
}

// TokenRotateHandler replaces the admin token. The new token is returned
// once; the caller's current token stops working immediately.
func TokenRotateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := d.AdminToken.Rotate()
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		recordChange(r.Context(), d, "admin_token.rotate", "admin_token", "")
		writeJSON(w, http.StatusOK, map[string]any{"admin_token": t})
	}
}
