package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/tokenrelay/internal/dispatch"
	"github.com/jordanhubbard/tokenrelay/internal/fallback"
	"github.com/jordanhubbard/tokenrelay/internal/providers"
)

const (
	connectionTestPrompt    = "Reply with the single word OK."
	connectionTestMaxTokens = 16
)

// decodeOptionalBody is decodeBody that accepts an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// writeRunResult answers 200 with the result, or 502 with the aggregated
// attempt errors when the chain was exhausted.
func writeRunResult(w http.ResponseWriter, res *fallback.Result, err error) {
	var ce *fallback.ChainExhaustedError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": res})
	case errors.As(err, &ce):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"ok":            false,
			"error":         ce.Error(),
			"invocation_id": ce.InvocationID,
			"errors":        ce.Errors,
			"trace":         ce.Trace,
		})
	default:
		jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}

// ProviderTestHandler makes one small generation call against a provider
// with its configured credential, outside any chain.
func ProviderTestHandler(d Dependencies) http.HandlerFunc {
	type testReq struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		name, ok := providers.Normalize(chi.URLParam(r, "name"))
		if !ok {
			jsonError(w, "unknown provider", http.StatusNotFound)
			return
		}
		var req testReq
		if !decodeOptionalBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			req.Prompt = connectionTestPrompt
		}
		zero := 0.0
		res, err := d.Facade.RunSingle(r.Context(), dispatch.Request{
			Provider:    string(name),
			Model:       req.Model,
			Prompt:      req.Prompt,
			MaxTokens:   connectionTestMaxTokens,
			Temperature: &zero,
		})
		slog.Info("provider connection test",
			slog.String("provider", string(name)),
			slog.Bool("ok", err == nil),
		)
		writeRunResult(w, res, err)
	}
}

// ToolRunHandler runs a capability's effective chain. Configured tools use
// their own generation parameters; chain-only capabilities use the
// defaults.
func ToolRunHandler(d Dependencies) http.HandlerFunc {
	type runReq struct {
		Prompt       string `json:"prompt"`
		SystemPrompt string `json:"system_prompt"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		name, ok := knownCapability(w, r, d)
		if !ok {
			return
		}
		var req runReq
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			jsonError(w, "prompt required", http.StatusBadRequest)
			return
		}

		var (
			res *fallback.Result
			err error
		)
		if d.Policy.HasConfig(name) {
			res, err = d.Facade.RunTool(r.Context(), name, req.Prompt, req.SystemPrompt)
		} else {
			res, err = d.Facade.RunChain(r.Context(), name, req.Prompt, req.SystemPrompt)
		}
		if errors.Is(err, dispatch.ErrToolDisabled) {
			jsonError(w, err.Error(), http.StatusConflict)
			return
		}
		writeRunResult(w, res, err)
	}
}
