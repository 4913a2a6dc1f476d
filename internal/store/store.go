package store

import (
	"context"
	"time"

	"github.com/jordanhubbard/tokenrelay/internal/settings"
)

// Store defines the persistence interface for tokenrelay.
type Store interface {
	// Settings key-value table.
	settings.Backend

	// Vault key-derivation salt.
	SaveVaultSalt(ctx context.Context, salt []byte) error
	LoadVaultSalt(ctx context.Context) ([]byte, error)

	// Fallback attempt log.
	LogAttempt(ctx context.Context, rec AttemptRecord) error
	ListAttempts(ctx context.Context, limit, offset int) ([]AttemptRecord, error)

	// Audit logging of operator changes.
	LogAudit(ctx context.Context, entry AuditEntry) error
	ListAuditLogs(ctx context.Context, limit, offset int) ([]AuditEntry, error)

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// AttemptRecord is one provider attempt made by the fallback executor.
type AttemptRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	InvocationID string    `json:"invocation_id"`
	Capability   string    `json:"capability"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Outcome      string    `json:"outcome"`
	LatencyMs    int64     `json:"latency_ms"`
	Error        string    `json:"error,omitempty"`
}

// AuditEntry is a persisted record of an admin mutation.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Detail    string    `json:"detail,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// maxLogEntries bounds the list-based logs kept by Redis and memory stores.
const maxLogEntries = 10000
