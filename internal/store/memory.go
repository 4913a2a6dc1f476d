package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. Nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	settings map[string]string
	salt     []byte
	attempts []AttemptRecord
	audit    []AuditEntry
}

func NewMemory() *MemoryStore {
	return &MemoryStore{settings: make(map[string]string)}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Close() error                  { return nil }

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.settings[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.settings, key)
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string)
	for k, v := range m.settings {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveVaultSalt(_ context.Context, salt []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.salt = append([]byte(nil), salt...)
	return nil
}

func (m *MemoryStore) LoadVaultSalt(context.Context) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.salt == nil {
		return nil, nil
	}
	return append([]byte(nil), m.salt...), nil
}

func (m *MemoryStore) LogAttempt(_ context.Context, rec AttemptRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, rec)
	if len(m.attempts) > maxLogEntries {
		m.attempts = m.attempts[len(m.attempts)-maxLogEntries:]
	}
	return nil
}

func (m *MemoryStore) ListAttempts(_ context.Context, limit, offset int) ([]AttemptRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.attempts, limit, offset), nil
}

func (m *MemoryStore) LogAudit(_ context.Context, entry AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	if len(m.audit) > maxLogEntries {
		m.audit = m.audit[len(m.audit)-maxLogEntries:]
	}
	return nil
}

func (m *MemoryStore) ListAuditLogs(_ context.Context, limit, offset int) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.audit, limit, offset), nil
}

// newestFirst pages an append-ordered slice in reverse.
func newestFirst[T any](items []T, limit, offset int) []T {
	if limit <= 0 {
		limit = 100
	}
	var out []T
	for i := len(items) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, items[i])
	}
	return out
}
