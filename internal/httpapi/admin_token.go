package httpapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const adminTokenFile = ".admin-token"

// AdminTokenHolder guards /admin/v1. The token is resolved from config, then
// from a file in the state directory, then generated; the result is written
// back so restarts without config keep the same token.
type AdminTokenHolder struct {
	mu       sync.RWMutex
	token    string
	stateDir string
	logger   *slog.Logger
}

// NewAdminTokenHolder resolves the initial token. An empty stateDir keeps
// the token in memory only.
func NewAdminTokenHolder(configToken, stateDir string, logger *slog.Logger) (*AdminTokenHolder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &AdminTokenHolder{stateDir: stateDir, logger: logger}
	h.token = configToken
	if h.token == "" {
		h.token = h.readPersisted()
	}
	if h.token == "" {
		t, err := newToken()
		if err != nil {
			return nil, err
		}
		h.token = t
		logger.Warn("admin token not configured, generated one", slog.String("file", h.path()))
	}
	h.persist()
	return h, nil
}

// StateDirFromDSN returns the directory of a file SQLite DSN, or "".
func StateDirFromDSN(dsn string) string {
	dsn = strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	if dsn == "" || dsn == ":memory:" {
		return ""
	}
	return filepath.Dir(dsn)
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate admin token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (h *AdminTokenHolder) Get() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}

// Matches compares in constant time.
func (h *AdminTokenHolder) Matches(provided string) bool {
	current := h.Get()
	return provided != "" && subtle.ConstantTimeCompare([]byte(provided), []byte(current)) == 1
}

// Rotate replaces the token with a fresh random one and returns it.
func (h *AdminTokenHolder) Rotate() (string, error) {
	t, err := newToken()
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	h.token = t
	h.mu.Unlock()
	h.persist()
	return t, nil
}

func (h *AdminTokenHolder) path() string {
	if h.stateDir == "" {
		return ""
	}
	return filepath.Join(h.stateDir, adminTokenFile)
}

func (h *AdminTokenHolder) readPersisted() string {
	p := h.path()
	if p == "" {
		return ""
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (h *AdminTokenHolder) persist() {
	p := h.path()
	if p == "" {
		return
	}
	if err := os.WriteFile(p, []byte(h.Get()+"\n"), 0o600); err != nil {
		h.logger.Warn("failed to write admin token file", slog.String("error", err.Error()))
	}
}

// AdminAuth accepts "Authorization: Bearer <token>" or "X-Admin-Token".
func AdminAuth(h *AdminTokenHolder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-Admin-Token")
			if auth := r.Header.Get("Authorization"); provided == "" && strings.HasPrefix(auth, "Bearer ") {
				provided = strings.TrimPrefix(auth, "Bearer ")
			}
			if !h.Matches(provided) {
				jsonError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
