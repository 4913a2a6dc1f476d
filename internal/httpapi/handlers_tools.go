package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/tokenrelay/internal/policy"
)

// configuredTool resolves {name} to a capability with a configuration and
// writes a 404 otherwise.
func configuredTool(w http.ResponseWriter, r *http.Request, d Dependencies) (string, bool) {
	name := chi.URLParam(r, "name")
	if !d.Policy.HasConfig(name) {
		jsonError(w, "unknown tool: "+name, http.StatusNotFound)
		return "", false
	}
	return name, true
}

// knownCapability also accepts chain-only capabilities.
func knownCapability(w http.ResponseWriter, r *http.Request, d Dependencies) (string, bool) {
	name := chi.URLParam(r, "name")
	if !d.Policy.Known(name) {
		jsonError(w, "unknown capability: "+name, http.StatusNotFound)
		return "", false
	}
	return name, true
}

func ToolsListHandler(d Dependencies) http.HandlerFunc {
	type entry struct {
		Name       string            `json:"name"`
		Configured bool              `json:"configured"`
		Enabled    bool              `json:"enabled"`
		Chain      []policy.ModelRef `json:"chain"`
		Pinned     string            `json:"pinned,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var out []entry
		for _, name := range d.Policy.ToolNames() {
			e := entry{Name: name, Configured: d.Policy.HasConfig(name), Enabled: true}
			if e.Configured {
				e.Enabled = d.Policy.ResolveToolConfig(ctx, name).Enabled
			}
			e.Chain = d.Policy.EffectiveChain(ctx, name)
			if pin, ok := d.Policy.PinnedModel(ctx, name); ok {
				e.Pinned = pin.Pinned()
			}
			out = append(out, e)
		}
		writeJSON(w, http.StatusOK, map[string]any{"tools": out})
	}
}

func ToolGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, ok := configuredTool(w, r, d)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, d.Policy.ResolveToolConfig(r.Context(), name))
	}
}

// ToolSaveHandler merges the body over the persisted override.
func ToolSaveHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, ok := configuredTool(w, r, d)
		if !ok {
			return
		}
		var patch map[string]any
		if !decodeBody(w, r, &patch) {
			return
		}
		cfg, err := d.Policy.SaveToolConfig(r.Context(), name, patch)
		if err != nil {
			writeSaveError(w, err)
			return
		}
		recordChange(r.Context(), d, "tool.save", "tool:"+name, "")
		writeJSON(w, http.StatusOK, cfg)
	}
}

func ToolResetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, ok := configuredTool(w, r, d)
		if !ok {
			return
		}
		if err := d.Policy.ResetToolConfig(r.Context(), name); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		recordChange(r.Context(), d, "tool.reset", "tool:"+name, "")
		writeJSON(w, http.StatusOK, d.Policy.ResolveToolConfig(r.Context(), name))
	}
}

// ChainGetHandler shows the resolved chain, the pin and the order the
// executor will actually try.
func ChainGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, ok := knownCapability(w, r, d)
		if !ok {
			return
		}
		ctx := r.Context()
		body := map[string]any{
			"capability":   name,
			"chain":        d.Policy.ResolveChain(ctx, name),
			"effective":    d.Policy.EffectiveChain(ctx, name),
			"availability": d.Facade.Availability(ctx),
		}
		if pin, ok := d.Policy.PinnedModel(ctx, name); ok {
			body["pinned"] = pin
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func PinSetHandler(d Dependencies) http.HandlerFunc {
	type pinReq struct {
		Provider string `json:"provider"`
		Model    string `json:"model"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		name, ok := knownCapability(w, r, d)
		if !ok {
			return
		}
		var req pinReq
		if !decodeBody(w, r, &req) {
			return
		}
		ref := policy.ModelRef{Provider: req.Provider, Model: req.Model}
		if err := d.Policy.SetPinnedModel(r.Context(), name, ref); err != nil {
			writeSaveError(w, err)
			return
		}
		pin, _ := d.Policy.PinnedModel(r.Context(), name)
		recordChange(r.Context(), d, "pin.set", "tool:"+name, pin.Pinned())
		writeJSON(w, http.StatusOK, map[string]any{"capability": name, "pinned": pin})
	}
}

func PinClearHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, ok := knownCapability(w, r, d)
		if !ok {
			return
		}
		if err := d.Policy.ClearPinnedModel(r.Context(), name); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		recordChange(r.Context(), d, "pin.clear", "tool:"+name, "")
		w.WriteHeader(http.StatusNoContent)
	}
}

func AgentBindingGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, ok := configuredTool(w, r, d)
		if !ok {
			return
		}
		role := chi.URLParam(r, "role")
		writeJSON(w, http.StatusOK, d.Policy.ResolveAgentBinding(r.Context(), name, role))
	}
}

func AgentBindingSaveHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, ok := configuredTool(w, r, d)
		if !ok {
			return
		}
		role := chi.URLParam(r, "role")
		var patch map[string]any
		if !decodeBody(w, r, &patch) {
			return
		}
		b, err := d.Policy.SaveAgentBinding(r.Context(), name, role, patch)
		if err != nil {
			writeSaveError(w, err)
			return
		}
		recordChange(r.Context(), d, "agent_binding.save", "tool:"+name+"/agent:"+role, "")
		writeJSON(w, http.StatusOK, b)
	}
}

func AgentGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Policy.ResolveAgentConfig(r.Context(), chi.URLParam(r, "role")))
	}
}

func AgentSaveHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		role := chi.URLParam(r, "role")
		var patch map[string]any
		if !decodeBody(w, r, &patch) {
			return
		}
		cfg, err := d.Policy.SaveAgentConfig(r.Context(), role, patch)
		if err != nil {
			writeSaveError(w, err)
			return
		}
		recordChange(r.Context(), d, "agent.save", "agent:"+role, "")
		writeJSON(w, http.StatusOK, cfg)
	}
}

func RoutingGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Policy.ResolveRoutingPolicy(r.Context()))
	}
}

func RoutingSaveHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch map[string]any
		if !decodeBody(w, r, &patch) {
			return
		}
		rp, err := d.Policy.SaveRoutingPolicy(r.Context(), patch)
		if err != nil {
			writeSaveError(w, err)
			return
		}
		recordChange(r.Context(), d, "routing.save", "routing", rp.RoutingStrategy)
		writeJSON(w, http.StatusOK, rp)
	}
}
