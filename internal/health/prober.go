package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Target is one provider endpoint to probe. The probe is an unauthenticated
// GET; it measures reachability, not credential validity.
type Target struct {
	Provider string
	Endpoint string
}

type ProberConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	// Transport is the probe client's round tripper; nil uses the default.
	Transport http.RoundTripper
}

func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval:     60 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Prober periodically probes provider endpoints and feeds the Tracker.
type Prober struct {
	cfg     ProberConfig
	tracker *Tracker
	client  *http.Client
	logger  *slog.Logger

	mu      sync.RWMutex
	targets map[string]Target
}

func NewProber(cfg ProberConfig, tracker *Tracker, targets []Target, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[string]Target, len(targets))
	for _, t := range targets {
		if t.Endpoint != "" {
			m[t.Provider] = t
		}
	}
	return &Prober{
		cfg:     cfg,
		tracker: tracker,
		targets: m,
		client:  &http.Client{Timeout: cfg.ProbeTimeout, Transport: cfg.Transport},
		logger:  logger,
	}
}

// SetTarget adds or replaces the target for a provider.
func (p *Prober) SetTarget(t Target) {
	p.mu.Lock()
	p.targets[t.Provider] = t
	p.mu.Unlock()
}

// Run probes immediately and then every Interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	p.ProbeAll(ctx)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.ProbeAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ProbeAll probes every target concurrently and waits for all of them.
func (p *Prober) ProbeAll(ctx context.Context) {
	p.mu.RLock()
	snapshot := make([]Target, 0, len(p.targets))
	for _, t := range p.targets {
		snapshot = append(snapshot, t)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, t := range snapshot {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			p.probe(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (p *Prober) probe(ctx context.Context, t Target) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.Endpoint, nil)
	if err != nil {
		p.tracker.RecordError(t.Provider, "probe: "+err.Error())
		return
	}
	start := time.Now()
	resp, err := p.client.Do(req)
	latencyMs := float64(time.Since(start).Milliseconds())
	if err != nil {
		p.tracker.RecordError(t.Provider, "probe: "+err.Error())
		p.logger.Warn("health probe failed",
			slog.String("provider", t.Provider),
			slog.String("error", err.Error()),
		)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	// 401 and 403 mean the endpoint is up and wants credentials.
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		p.tracker.RecordSuccess(t.Provider, latencyMs)
		p.logger.Debug("health probe ok",
			slog.String("provider", t.Provider),
			slog.Int("status", resp.StatusCode),
			slog.Float64("latency_ms", latencyMs),
		)
	default:
		p.tracker.RecordError(t.Provider, "probe: HTTP "+resp.Status)
		p.logger.Warn("health probe unhealthy",
			slog.String("provider", t.Provider),
			slog.Int("status", resp.StatusCode),
		)
	}
}
