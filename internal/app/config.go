package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	// Settings persistence: "sqlite", "redis" or "memory".
	SettingsBackend string
	DBDSN           string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int

	VaultEnabled    bool
	VaultPassphrase string // unlocks the vault at startup when set

	AdminToken  string   // empty = read or generate <state dir>/.admin-token
	CORSOrigins []string // allowed CORS origins; empty = ["*"]
	// Per-address admin rate limit; RPS 0 disables it.
	AdminRateLimitRPS   int
	AdminRateLimitBurst int

	// ProviderTimeoutSecs overrides every adapter's read budget; 0 keeps
	// each provider's default (60s, 120s for Gemini and Bedrock).
	ProviderTimeoutSecs int
	// FallbackMaxAttempts caps attempted chain entries; 0 = no cap.
	FallbackMaxAttempts int
	HealthProbeSecs     int // 0 disables background probing

	// Bedrock guardrail applied to every invocation; ID and version go together.
	BedrockGuardrailID      string
	BedrockGuardrailVersion string
	// Static AWS key pair for Bedrock; empty uses the default credential chain.
	BedrockAccessKeyID     string
	BedrockSecretAccessKey string

	// AWS Secrets Manager bundle consulted after the settings store.
	AWSSecretsName string
	AWSRegion      string
	SecretsTTLSecs int

	OTelEnabled  bool
	OTelEndpoint string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("TOKENRELAY_LISTEN_ADDR", ":8090"),
		LogLevel:   getEnv("TOKENRELAY_LOG_LEVEL", "info"),

		SettingsBackend: strings.ToLower(getEnv("TOKENRELAY_SETTINGS_BACKEND", "sqlite")),
		DBDSN:           getEnv("TOKENRELAY_DB_DSN", "file:/data/tokenrelay.sqlite"),
		RedisAddr:       getEnv("TOKENRELAY_REDIS_ADDR", "localhost:6379"),
		RedisPassword:   getEnv("TOKENRELAY_REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("TOKENRELAY_REDIS_DB", 0),

		VaultEnabled:    getEnvBool("TOKENRELAY_VAULT_ENABLED", true),
		VaultPassphrase: getEnv("TOKENRELAY_VAULT_PASSPHRASE", ""),

		AdminToken:  getEnv("TOKENRELAY_ADMIN_TOKEN", ""),
		CORSOrigins: getEnvStringSlice("TOKENRELAY_CORS_ORIGINS", nil),

		AdminRateLimitRPS:   getEnvInt("TOKENRELAY_ADMIN_RATE_LIMIT_RPS", 20),
		AdminRateLimitBurst: getEnvInt("TOKENRELAY_ADMIN_RATE_LIMIT_BURST", 40),

		ProviderTimeoutSecs: getEnvInt("TOKENRELAY_PROVIDER_TIMEOUT_SECS", 0),
		FallbackMaxAttempts: getEnvInt("TOKENRELAY_FALLBACK_MAX_ATTEMPTS", 0),
		HealthProbeSecs:     getEnvInt("TOKENRELAY_HEALTH_PROBE_SECS", 60),

		BedrockGuardrailID:      getEnv("TOKENRELAY_BEDROCK_GUARDRAIL_ID", ""),
		BedrockGuardrailVersion: getEnv("TOKENRELAY_BEDROCK_GUARDRAIL_VERSION", ""),
		BedrockAccessKeyID:      getEnv("TOKENRELAY_BEDROCK_ACCESS_KEY_ID", ""),
		BedrockSecretAccessKey:  getEnv("TOKENRELAY_BEDROCK_SECRET_ACCESS_KEY", ""),

		AWSSecretsName: getEnv("TOKENRELAY_AWS_SECRETS_NAME", ""),
		AWSRegion:      getEnv("TOKENRELAY_AWS_REGION", getEnv("AWS_REGION", "us-east-1")),
		SecretsTTLSecs: getEnvInt("TOKENRELAY_SECRETS_TTL_SECS", 3600),

		OTelEnabled:  getEnvBool("TOKENRELAY_OTEL_ENABLED", false),
		OTelEndpoint: getEnv("TOKENRELAY_OTEL_ENDPOINT", "localhost:4318"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	switch c.SettingsBackend {
	case "sqlite":
		if c.DBDSN == "" {
			return fmt.Errorf("TOKENRELAY_DB_DSN is required for the sqlite backend")
		}
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("TOKENRELAY_REDIS_ADDR is required for the redis backend")
		}
	case "memory":
	default:
		return fmt.Errorf("TOKENRELAY_SETTINGS_BACKEND must be sqlite, redis or memory, got %q", c.SettingsBackend)
	}
	if c.RedisDB < 0 {
		return fmt.Errorf("TOKENRELAY_REDIS_DB must be >= 0, got %d", c.RedisDB)
	}
	if c.AdminRateLimitRPS < 0 {
		return fmt.Errorf("TOKENRELAY_ADMIN_RATE_LIMIT_RPS must be >= 0, got %d", c.AdminRateLimitRPS)
	}
	if c.AdminRateLimitRPS > 0 && c.AdminRateLimitBurst <= 0 {
		return fmt.Errorf("TOKENRELAY_ADMIN_RATE_LIMIT_BURST must be > 0, got %d", c.AdminRateLimitBurst)
	}
	if c.ProviderTimeoutSecs < 0 {
		return fmt.Errorf("TOKENRELAY_PROVIDER_TIMEOUT_SECS must be >= 0, got %d", c.ProviderTimeoutSecs)
	}
	if (c.BedrockGuardrailID == "") != (c.BedrockGuardrailVersion == "") {
		return fmt.Errorf("TOKENRELAY_BEDROCK_GUARDRAIL_ID and TOKENRELAY_BEDROCK_GUARDRAIL_VERSION must be set together")
	}
	if (c.BedrockAccessKeyID == "") != (c.BedrockSecretAccessKey == "") {
		return fmt.Errorf("TOKENRELAY_BEDROCK_ACCESS_KEY_ID and TOKENRELAY_BEDROCK_SECRET_ACCESS_KEY must be set together")
	}
	if c.FallbackMaxAttempts < 0 {
		return fmt.Errorf("TOKENRELAY_FALLBACK_MAX_ATTEMPTS must be >= 0, got %d", c.FallbackMaxAttempts)
	}
	if c.HealthProbeSecs < 0 {
		return fmt.Errorf("TOKENRELAY_HEALTH_PROBE_SECS must be >= 0, got %d", c.HealthProbeSecs)
	}
	if c.SecretsTTLSecs <= 0 {
		return fmt.Errorf("TOKENRELAY_SECRETS_TTL_SECS must be > 0, got %d", c.SecretsTTLSecs)
	}
	if c.VaultPassphrase != "" && !c.VaultEnabled {
		return fmt.Errorf("TOKENRELAY_VAULT_PASSPHRASE is set but the vault is disabled")
	}
	if c.OTelEnabled && c.OTelEndpoint == "" {
		return fmt.Errorf("TOKENRELAY_OTEL_ENDPOINT is required when tracing is enabled")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
