package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	PoolSize  int
}

// RedisStore keeps settings in a single hash and logs in capped lists.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisFromClient(client, cfg.KeyPrefix), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "tokenrelay"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

// Migrate is a no-op: Redis structures are created on first write.
func (s *RedisStore) Migrate(context.Context) error { return nil }

func (s *RedisStore) Close() error { return s.client.Close() }

// Settings

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.HGet(ctx, s.key("settings"), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	return s.client.HSet(ctx, s.key("settings"), key, value).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.HDel(ctx, s.key("settings"), key).Err()
}

func (s *RedisStore) List(ctx context.Context, prefix string) (map[string]string, error) {
	all, err := s.client.HGetAll(ctx, s.key("settings")).Result()
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		return all, nil
	}
	out := make(map[string]string)
	for k, v := range all {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

// Vault

func (s *RedisStore) SaveVaultSalt(ctx context.Context, salt []byte) error {
	return s.client.Set(ctx, s.key("vault", "salt"), salt, 0).Err()
}

func (s *RedisStore) LoadVaultSalt(ctx context.Context) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key("vault", "salt")).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return b, err
}

// Logs

func (s *RedisStore) push(ctx context.Context, list string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key(list), data)
	pipe.LTrim(ctx, s.key(list), 0, maxLogEntries-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) page(ctx context.Context, list string, limit, offset int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.client.LRange(ctx, s.key(list), int64(offset), int64(offset+limit-1)).Result()
}

func (s *RedisStore) LogAttempt(ctx context.Context, rec AttemptRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	return s.push(ctx, "attempts", rec)
}

func (s *RedisStore) ListAttempts(ctx context.Context, limit, offset int) ([]AttemptRecord, error) {
	raw, err := s.page(ctx, "attempts", limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]AttemptRecord, 0, len(raw))
	for _, r := range raw {
		var rec AttemptRecord
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			return nil, fmt.Errorf("decode attempt: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) LogAudit(ctx context.Context, entry AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	return s.push(ctx, "audit", entry)
}

func (s *RedisStore) ListAuditLogs(ctx context.Context, limit, offset int) ([]AuditEntry, error) {
	raw, err := s.page(ctx, "audit", limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]AuditEntry, 0, len(raw))
	for _, r := range raw {
		var e AuditEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
