// Package settings resolves configuration values through four layers:
// an in-memory cache, a persisted key-value backend, a static table of
// environment variables and a compiled default table. The first layer that
// yields a non-empty value wins.
//
// A Store is an explicit object with an Init/Refresh/Close lifecycle. It is
// safe for concurrent use; readers may observe a value that is one write
// stale, and concurrent writers are last-writer-wins.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Backend is the persisted key-value boundary.
type Backend interface {
	// Get returns ok=false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// List returns every persisted key beginning with prefix.
	List(ctx context.Context, prefix string) (map[string]string, error)
}

// Cipher encrypts sensitive values before they reach the backend.
type Cipher interface {
	IsLocked() bool
	Encrypt(plaintext []byte) (string, error)
	Decrypt(encoded string) ([]byte, error)
}

// encPrefix marks a persisted value as Cipher ciphertext.
const encPrefix = "enc:"

var (
	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("settings: store closed")
	// ErrCipherLocked rejects credential writes while the cipher is locked.
	ErrCipherLocked = errors.New("settings: cipher locked, credential not stored")
)

// Store is the layered settings resolver.
type Store struct {
	backend   Backend
	env       map[string][]string
	defaults  map[string]string
	lookupEnv func(string) (string, bool)
	cipher    Cipher

	mu     sync.RWMutex
	cache  map[string]string
	closed bool
}

// Option configures a Store.
type Option func(*Store)

// WithEnvTable replaces the setting-key to environment-variable table.
func WithEnvTable(t map[string][]string) Option {
	return func(s *Store) { s.env = t }
}

// WithDefaults sets the compiled default scalar table.
func WithDefaults(d map[string]string) Option {
	return func(s *Store) { s.defaults = d }
}

// WithLookupEnv replaces os.LookupEnv, mainly for tests.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(s *Store) { s.lookupEnv = fn }
}

// WithCipher encrypts sensitive keys at rest.
func WithCipher(c Cipher) Option {
	return func(s *Store) { s.cipher = c }
}

// New returns a Store over backend. A nil backend behaves as an empty one.
func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:   backend,
		env:       EnvNames,
		defaults:  map[string]string{},
		lookupEnv: os.LookupEnv,
		cache:     make(map[string]string),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init warms the cache from the backend. A backend failure is logged and
// left to per-key lookups.
func (s *Store) Init(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	all, err := s.backend.List(ctx, "")
	if err != nil {
		slog.Warn("settings: warm cache failed", slog.String("error", err.Error()))
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, v := range all {
		if plain, ok := s.decode(k, v); ok && plain != "" {
			s.cache[k] = plain
			n++
		}
	}
	slog.Debug("settings: cache warmed", slog.Int("count", n))
	return nil
}

// Refresh invalidates the whole cache.
func (s *Store) Refresh() {
	s.mu.Lock()
	s.cache = make(map[string]string)
	s.mu.Unlock()
}

// Close releases the backend when it holds resources.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if c, ok := s.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Get resolves key through cache, backend, environment and defaults.
// ok is false when no layer holds a non-empty value.
func (s *Store) Get(ctx context.Context, key string) (string, bool) {
	s.mu.RLock()
	v, hit := s.cache[key]
	s.mu.RUnlock()
	if hit {
		return v, true
	}

	if v, ok := s.fromBackend(ctx, key); ok {
		s.mu.Lock()
		s.cache[key] = v
		s.mu.Unlock()
		return v, true
	}

	for _, name := range s.env[key] {
		if ev, ok := s.lookupEnv(name); ok && ev != "" {
			return ev, true
		}
	}

	if dv, ok := s.defaults[key]; ok && dv != "" {
		return dv, true
	}
	return "", false
}

// Persisted reports the backend value only, bypassing env and defaults.
func (s *Store) Persisted(ctx context.Context, key string) (string, bool) {
	s.mu.RLock()
	v, hit := s.cache[key]
	s.mu.RUnlock()
	if hit {
		return v, true
	}
	return s.fromBackend(ctx, key)
}

func (s *Store) fromBackend(ctx context.Context, key string) (string, bool) {
	if s.backend == nil {
		return "", false
	}
	raw, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		slog.Warn("settings: backend read failed",
			slog.String("setting", key),
			slog.String("error", err.Error()),
		)
		return "", false
	}
	if !ok || raw == "" {
		return "", false
	}
	plain, ok := s.decode(key, raw)
	if !ok || plain == "" {
		return "", false
	}
	return plain, true
}

// GetString returns the resolved value or fallback.
func (s *Store) GetString(ctx context.Context, key, fallback string) string {
	if v, ok := s.Get(ctx, key); ok {
		return v
	}
	return fallback
}

// GetBool parses the resolved value; unrecognised values yield def.
func (s *Store) GetBool(ctx context.Context, key string, def bool) bool {
	v, ok := s.Get(ctx, key)
	if !ok {
		return def
	}
	return ParseBool(v, def)
}

// ParseBool accepts the usual truthy and falsy spellings.
func ParseBool(v string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return def
}

// Set writes through to the backend and updates the cache.
func (s *Store) Set(ctx context.Context, key, value string) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if s.backend == nil {
		return errors.New("settings: no backend configured")
	}
	stored, err := s.encode(key, value)
	if err != nil {
		return err
	}
	if err := s.backend.Set(ctx, key, stored); err != nil {
		return fmt.Errorf("settings: set %s: %w", key, err)
	}
	s.mu.Lock()
	if value == "" {
		delete(s.cache, key)
	} else {
		s.cache[key] = value
	}
	s.mu.Unlock()
	return nil
}

// Delete removes key from the backend and evicts it from the cache.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s.backend == nil {
		return errors.New("settings: no backend configured")
	}
	if err := s.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("settings: delete %s: %w", key, err)
	}
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
	return nil
}

// List returns persisted settings under prefix with sensitive values masked.
func (s *Store) List(ctx context.Context, prefix string) (map[string]string, error) {
	if s.backend == nil {
		return map[string]string{}, nil
	}
	all, err := s.backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(all))
	for k, v := range all {
		if Sensitive(k) {
			out[k] = Mask(v)
			continue
		}
		out[k] = v
	}
	return out, nil
}

// SetDocument marshals doc as JSON and stores it under key.
func (s *Store) SetDocument(ctx context.Context, key string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("settings: marshal %s: %w", key, err)
	}
	return s.Set(ctx, key, string(data))
}

// GetDocument returns the persisted JSON object under key merged over
// defaults. Top-level keys of the persisted object replace the defaults,
// except "orchestration", which is merged one level deeper. A malformed
// persisted document is logged and ignored. The result is always a fresh
// map that the caller may modify.
func (s *Store) GetDocument(ctx context.Context, key string, defaults map[string]any) map[string]any {
	out := CloneMap(defaults)
	raw, ok := s.Persisted(ctx, key)
	if !ok {
		return out
	}
	var persisted map[string]any
	if err := json.Unmarshal([]byte(raw), &persisted); err != nil || persisted == nil {
		msg := "not a JSON object"
		if err != nil {
			msg = err.Error()
		}
		slog.Warn("settings: invalid document, using defaults",
			slog.String("setting", key),
			slog.String("error", msg),
		)
		return out
	}
	return MergeOverDefaults(out, persisted)
}

// MergeOverDefaults applies overlay to base in place and returns base.
func MergeOverDefaults(base, overlay map[string]any) map[string]any {
	for k, v := range overlay {
		if k == "orchestration" {
			if bo, ok := base[k].(map[string]any); ok {
				if oo, ok := v.(map[string]any); ok {
					merged := CloneMap(bo)
					for ik, iv := range oo {
						merged[ik] = iv
					}
					base[k] = merged
					continue
				}
			}
		}
		base[k] = v
	}
	return base
}

// CloneMap deep-copies nested maps and slices of a JSON-like document.
func CloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		c := make([]any, len(t))
		for i, e := range t {
			c[i] = cloneValue(e)
		}
		return c
	}
	return v
}

// Sensitive reports whether key holds a credential.
func Sensitive(key string) bool {
	return strings.HasSuffix(key, "_api_key") || strings.HasSuffix(key, "_secret")
}

// Mask keeps only the last four characters of a credential.
func Mask(v string) string {
	if strings.HasPrefix(v, encPrefix) {
		return "[encrypted]"
	}
	if len(v) <= 4 {
		return "****"
	}
	return "****" + v[len(v)-4:]
}

func (s *Store) encode(key, value string) (string, error) {
	if s.cipher == nil || !Sensitive(key) {
		return value, nil
	}
	if s.cipher.IsLocked() {
		return "", ErrCipherLocked
	}
	enc, err := s.cipher.Encrypt([]byte(value))
	if err != nil {
		return "", fmt.Errorf("settings: encrypt %s: %w", key, err)
	}
	return encPrefix + enc, nil
}

func (s *Store) decode(key, raw string) (string, bool) {
	if !strings.HasPrefix(raw, encPrefix) {
		return raw, true
	}
	if s.cipher == nil || s.cipher.IsLocked() {
		slog.Warn("settings: encrypted value unreadable, vault locked", slog.String("setting", key))
		return "", false
	}
	plain, err := s.cipher.Decrypt(strings.TrimPrefix(raw, encPrefix))
	if err != nil {
		slog.Warn("settings: decrypt failed", slog.String("setting", key), slog.String("error", err.Error()))
		return "", false
	}
	return string(plain), true
}
