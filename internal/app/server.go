package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jordanhubbard/tokenrelay/internal/dispatch"
	"github.com/jordanhubbard/tokenrelay/internal/events"
	"github.com/jordanhubbard/tokenrelay/internal/fallback"
	"github.com/jordanhubbard/tokenrelay/internal/health"
	"github.com/jordanhubbard/tokenrelay/internal/httpapi"
	"github.com/jordanhubbard/tokenrelay/internal/logging"
	"github.com/jordanhubbard/tokenrelay/internal/metrics"
	"github.com/jordanhubbard/tokenrelay/internal/policy"
	"github.com/jordanhubbard/tokenrelay/internal/ratelimit"
	"github.com/jordanhubbard/tokenrelay/internal/secrets"
	"github.com/jordanhubbard/tokenrelay/internal/settings"
	"github.com/jordanhubbard/tokenrelay/internal/store"
	"github.com/jordanhubbard/tokenrelay/internal/tracing"
	"github.com/jordanhubbard/tokenrelay/internal/vault"
)

type Server struct {
	mu  sync.Mutex
	cfg Config

	r *chi.Mux

	store    store.Store
	settings *settings.Store
	vault    *vault.Vault
	secrets  *secrets.Cache
	facade   *dispatch.Facade
	tracker  *health.Tracker
	bus      *events.Bus
	limiter  *ratelimit.Limiter
	logger   *slog.Logger

	stopProber      context.CancelFunc
	proberDone      chan struct{}
	tracingShutdown func(context.Context) error
}

func NewServer(cfg Config) (*Server, error) {
	ctx := context.Background()
	logger := logging.Setup(cfg.LogLevel, nil)

	shutdown, err := tracing.Setup(ctx, tracing.Config{
		Enabled:  cfg.OTelEnabled,
		Endpoint: cfg.OTelEndpoint,
	})
	if err != nil {
		return nil, err
	}

	db, err := openStore(ctx, cfg)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	logger.Info("settings backend initialized", slog.String("backend", cfg.SettingsBackend))

	s := &Server{
		cfg:             cfg,
		store:           db,
		logger:          logger,
		tracingShutdown: shutdown,
	}
	if err := s.build(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) build(ctx context.Context) error {
	cfg := s.cfg

	s.vault = vault.New(cfg.VaultEnabled, s.store)
	if cfg.VaultPassphrase != "" {
		if err := s.vault.Unlock(ctx, []byte(cfg.VaultPassphrase)); err != nil {
			return fmt.Errorf("unlock vault: %w", err)
		}
		s.logger.Info("vault unlocked from configuration")
	}

	defaults, err := policy.LoadDefaults()
	if err != nil {
		return err
	}
	scalars := defaults.Scalars()
	if cfg.FallbackMaxAttempts > 0 {
		scalars["ai_fallback_max_attempts"] = strconv.Itoa(cfg.FallbackMaxAttempts)
	}
	settingsOpts := []settings.Option{settings.WithDefaults(scalars)}
	if cfg.VaultEnabled {
		settingsOpts = append(settingsOpts, settings.WithCipher(s.vault))
	}
	s.settings = settings.New(s.store, settingsOpts...)
	if err := s.settings.Init(ctx); err != nil {
		return err
	}
	pol, err := policy.New(s.settings, defaults)
	if err != nil {
		return err
	}

	m := metrics.New()
	s.bus = events.NewBus()
	s.tracker = health.NewTracker(health.DefaultConfig(),
		health.WithEventBus(s.bus),
		health.WithOnUpdate(func(provider string, state health.State) {
			m.ObserveHealth(provider, string(state))
		}),
	)

	if cfg.AWSSecretsName != "" {
		client, err := secrets.NewClient(ctx, cfg.AWSRegion)
		if err != nil {
			s.logger.Warn("secrets manager unavailable, continuing without it", slog.String("error", err.Error()))
		} else {
			s.secrets = secrets.New(secrets.Config{
				Client:     client,
				SecretName: cfg.AWSSecretsName,
				TTL:        time.Duration(cfg.SecretsTTLSecs) * time.Second,
				Logger:     s.logger,
				OnFetch: func(result string) {
					m.SecretsFetches.WithLabelValues(result).Inc()
				},
			})
		}
	}

	opts := []dispatch.Option{
		dispatch.WithSecrets(s.secrets),
		dispatch.WithHealthTracker(s.tracker, true),
		dispatch.WithExecutorOptions(
			fallback.WithMetrics(m),
			fallback.WithEventBus(s.bus),
			fallback.WithAttemptLog(s.store),
		),
	}
	adapters, err := dispatch.DefaultAdapters(adapterConfig(cfg))
	if err != nil {
		return err
	}
	for _, a := range adapters {
		opts = append(opts, dispatch.WithAdapter(a))
	}
	s.facade = dispatch.New(pol, s.settings, opts...)

	if cfg.HealthProbeSecs > 0 {
		prober := health.NewProber(health.ProberConfig{
			Interval:     time.Duration(cfg.HealthProbeSecs) * time.Second,
			ProbeTimeout: 5 * time.Second,
			Transport:    tracing.HTTPTransport(nil),
		}, s.tracker, s.facade.ProbeTargets(), s.logger)
		probeCtx, cancel := context.WithCancel(context.Background())
		s.stopProber = cancel
		s.proberDone = make(chan struct{})
		go func() {
			defer close(s.proberDone)
			prober.Run(probeCtx)
		}()
	}

	adminToken, err := httpapi.NewAdminTokenHolder(cfg.AdminToken, stateDir(cfg), s.logger)
	if err != nil {
		return err
	}

	if cfg.AdminRateLimitRPS > 0 {
		s.limiter = ratelimit.New(float64(cfg.AdminRateLimitRPS), cfg.AdminRateLimitBurst,
			ratelimit.WithCounter(m.AdminThrottled))
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(tracing.Middleware())
	r.Use(logging.RequestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Admin-Token"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Facade:     s.facade,
		Policy:     pol,
		Settings:   s.settings,
		Store:      s.store,
		Metrics:    m,
		Secrets:    s.secrets,
		Vault:      s.vault,
		Health:     s.tracker,
		EventBus:   s.bus,
		AdminToken: adminToken,
		Limiter:    s.limiter,
	})
	s.r = r
	return nil
}

func adapterConfig(cfg Config) dispatch.AdapterConfig {
	return dispatch.AdapterConfig{
		Timeout:                 time.Duration(cfg.ProviderTimeoutSecs) * time.Second,
		BedrockGuardrailID:      cfg.BedrockGuardrailID,
		BedrockGuardrailVersion: cfg.BedrockGuardrailVersion,
		BedrockAccessKeyID:      cfg.BedrockAccessKeyID,
		BedrockSecretAccessKey:  cfg.BedrockSecretAccessKey,
	}
}

// openStore selects the settings backend named by the configuration.
func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	switch cfg.SettingsBackend {
	case "memory":
		return store.NewMemory(), nil
	case "redis":
		return store.NewRedis(ctx, store.RedisConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: "tokenrelay:",
		})
	case "sqlite", "":
		db, err := store.NewSQLite(cfg.DBDSN)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	}
	return nil, fmt.Errorf("unknown settings backend %q", cfg.SettingsBackend)
}

// stateDir is where the generated admin token is kept. Only the SQLite
// backend has a natural on-disk home.
func stateDir(cfg Config) string {
	if cfg.SettingsBackend != "sqlite" {
		return ""
	}
	return httpapi.StateDirFromDSN(cfg.DBDSN)
}

func (s *Server) Router() http.Handler { return s.r }

// Facade is the in-process entry point for callers embedding the relay.
func (s *Server) Facade() *dispatch.Facade { return s.facade }

// Reload applies the reloadable parts of cfg: the log level, the settings
// cache and the secrets bundle.
func (s *Server) Reload(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	logging.SetLevel(cfg.LogLevel)
	if s.settings != nil {
		s.settings.Refresh()
	}
	s.secrets.Invalidate()
	s.logger.Info("configuration reloaded", slog.String("log_level", logging.Level()))
}

func (s *Server) Close() error {
	if s.stopProber != nil {
		s.stopProber()
		<-s.proberDone
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	var errs []error
	if s.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, s.tracingShutdown(ctx))
		cancel()
	}
	switch {
	case s.settings != nil:
		errs = append(errs, s.settings.Close())
	case s.store != nil:
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}
