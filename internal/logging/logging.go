// Package logging configures the process-wide slog logger. Every record
// passes through RedactingHandler so provider keys, admin tokens and prompt
// bodies never reach the log stream.
package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

const redacted = "[REDACTED]"

// sensitiveHeaders are HTTP headers that must never appear in logs.
var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"x-api-key":           true,
	"x-admin-token":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
}

// bodyKeys carry prompt or response text.
var bodyKeys = map[string]bool{
	"body":          true,
	"request_body":  true,
	"req_body":      true,
	"prompt":        true,
	"system_prompt": true,
	"response":      true,
}

// countKeys contain "token" but are counts, not credentials.
var countKeys = map[string]bool{
	"max_tokens":             true,
	"thinking_budget_tokens": true,
	"tokens":                 true,
}

// keyPrefixes are value prefixes of provider credentials. A value with one
// of them is redacted whatever its attribute key.
var keyPrefixes = []string{"sk-", "xai-", "pplx-", "AIza", "AKIA", "ASIA"}

var globalLevel = new(slog.LevelVar)

// Setup installs a JSON logger at level as the slog default. A nil w
// writes to stdout.
func Setup(level string, w io.Writer) *slog.Logger {
	SetLevel(level)
	if w == nil {
		w = os.Stdout
	}
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: globalLevel})
	logger := slog.New(&RedactingHandler{base: base})
	slog.SetDefault(logger)
	return logger
}

// ParseLevel accepts debug, info, warn or error in any case. Anything else
// is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel changes the level of every logger built by Setup.
func SetLevel(level string) { globalLevel.Set(ParseLevel(level)) }

// Level returns the current level name.
func Level() string { return strings.ToLower(globalLevel.Level().String()) }

// NewRedactingHandler wraps base.
func NewRedactingHandler(base slog.Handler) *RedactingHandler {
	return &RedactingHandler{base: base}
}

type RedactingHandler struct {
	base slog.Handler
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a))
		return true
	})
	return h.base.Handle(ctx, out)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		clean = append(clean, redactAttr(a))
	}
	return &RedactingHandler{base: h.base.WithAttrs(clean)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{base: h.base.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	a.Value = a.Value.Resolve()
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		clean := make([]any, 0, len(group))
		for _, g := range group {
			clean = append(clean, redactAttr(g))
		}
		return slog.Group(a.Key, clean...)
	}

	key := strings.ToLower(a.Key)
	switch {
	case sensitiveHeaders[key], bodyKeys[key]:
		return slog.String(a.Key, redacted)
	case countKeys[key]:
		return a
	case strings.Contains(key, "key"), strings.Contains(key, "token"),
		strings.Contains(key, "secret"), strings.Contains(key, "password"),
		strings.Contains(key, "passphrase"), strings.Contains(key, "credential"):
		return slog.String(a.Key, redacted)
	}
	if a.Value.Kind() == slog.KindString && looksLikeKey(a.Value.String()) {
		return slog.String(a.Key, redacted)
	}
	return a
}

func looksLikeKey(v string) bool {
	for _, p := range keyPrefixes {
		if strings.HasPrefix(v, p) && len(v) > len(p)+8 {
			return true
		}
	}
	return false
}

// RequestLogger returns chi middleware that logs one line per request.
// Bodies and auth headers are never logged.
func RequestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = middleware.GetReqID(r.Context())
			}

			next.ServeHTTP(ww, r)

			level := slog.LevelInfo
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "http_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", reqID),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
