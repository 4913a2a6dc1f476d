package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jordanhubbard/tokenrelay/internal/events"
	"github.com/jordanhubbard/tokenrelay/internal/policy"
	"github.com/jordanhubbard/tokenrelay/internal/store"
)

// maxBodyBytes bounds admin request bodies.
const maxBodyBytes = 1 << 20

// jsonError writes {"error": msg} with code.
func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody decodes a JSON request body into v and writes a 400 on
// failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err != nil {
		jsonError(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// writeSaveError maps a failed save to a status code. Validation problems
// are the caller's fault; anything else is ours.
func writeSaveError(w http.ResponseWriter, err error) {
	var ve *policy.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":    ve.Error(),
			"problems": ve.Problems,
		})
		return
	}
	jsonError(w, err.Error(), http.StatusInternalServerError)
}

func warnOnErr(op string, err error) {
	if err != nil {
		slog.Warn("admin: side effect failed", slog.String("op", op), slog.String("error", err.Error()))
	}
}

// recordChange writes an audit entry and announces the change on the bus.
func recordChange(ctx context.Context, d Dependencies, action, resource, detail string) {
	reqID := middleware.GetReqID(ctx)
	if d.Store != nil {
		warnOnErr("audit", d.Store.LogAudit(context.WithoutCancel(ctx), store.AuditEntry{
			Timestamp: time.Now().UTC(),
			Action:    action,
			Resource:  resource,
			Detail:    detail,
			RequestID: reqID,
		}))
	}
	d.EventBus.Publish(events.Event{
		Type:      events.EventConfigChanged,
		Resource:  resource,
		RequestID: reqID,
		Reason:    action,
	})
	slog.Info("admin change",
		slog.String("action", action),
		slog.String("resource", resource),
		slog.String("request_id", reqID),
	)
}

// pageParams reads limit and offset query parameters.
func pageParams(r *http.Request) (limit, offset int) {
	limit = 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 1000 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}
