// Package health tracks per-provider call outcomes and derives a
// healthy/degraded/down state with a cooldown after repeated failures.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/tokenrelay/internal/events"
)

type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateDown     State = "down"
)

// Stats is a point-in-time copy of one provider's record.
type Stats struct {
	Provider      string    `json:"provider"`
	State         State     `json:"state"`
	TotalRequests int64     `json:"total_requests"`
	TotalErrors   int64     `json:"total_errors"`
	ConsecErrors  int       `json:"consec_errors"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorAt   time.Time `json:"last_error_at,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// ErrorRate is TotalErrors over TotalRequests, 0 when idle.
func (s Stats) ErrorRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.TotalErrors) / float64(s.TotalRequests)
}

type TrackerConfig struct {
	ConsecErrorsForDegraded int
	ConsecErrorsForDown     int
	CooldownDuration        time.Duration
}

func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ConsecErrorsForDegraded: 2,
		ConsecErrorsForDown:     5,
		CooldownDuration:        30 * time.Second,
	}
}

// Tracker is safe for concurrent use.
type Tracker struct {
	cfg      TrackerConfig
	bus      *events.Bus
	onUpdate func(provider string, state State)
	now      func() time.Time

	mu    sync.RWMutex
	stats map[string]*Stats
}

type TrackerOption func(*Tracker)

// WithEventBus publishes state transitions as health_change events.
func WithEventBus(bus *events.Bus) TrackerOption {
	return func(t *Tracker) { t.bus = bus }
}

// WithOnUpdate is called after every recorded outcome, not only on
// transitions.
func WithOnUpdate(fn func(provider string, state State)) TrackerOption {
	return func(t *Tracker) { t.onUpdate = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		cfg:   cfg,
		now:   time.Now,
		stats: make(map[string]*Stats),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) RecordSuccess(provider string, latencyMs float64) {
	t.record(provider, func(s *Stats, now time.Time) string {
		s.ConsecErrors = 0
		s.LastSuccessAt = now
		s.State = StateHealthy
		s.CooldownUntil = time.Time{}
		if s.TotalRequests == 1 {
			s.AvgLatencyMs = latencyMs
		} else {
			s.AvgLatencyMs = s.AvgLatencyMs*0.9 + latencyMs*0.1
		}
		return "success recorded"
	})
}

func (t *Tracker) RecordError(provider, errMsg string) {
	t.record(provider, func(s *Stats, now time.Time) string {
		s.TotalErrors++
		s.ConsecErrors++
		s.LastError = errMsg
		s.LastErrorAt = now
		switch {
		case s.ConsecErrors >= t.cfg.ConsecErrorsForDown:
			s.State = StateDown
			s.CooldownUntil = now.Add(t.cfg.CooldownDuration)
		case s.ConsecErrors >= t.cfg.ConsecErrorsForDegraded:
			s.State = StateDegraded
		}
		return errMsg
	})
}

func (t *Tracker) record(provider string, apply func(*Stats, time.Time) string) {
	now := t.now()
	t.mu.Lock()
	s := t.getOrCreate(provider)
	old := s.State
	s.TotalRequests++
	reason := apply(s, now)
	state := s.State
	t.mu.Unlock()

	if t.onUpdate != nil {
		t.onUpdate(provider, state)
	}
	if old != state {
		t.bus.Publish(events.Event{
			Type:       events.EventHealthChange,
			ProviderID: provider,
			OldState:   string(old),
			NewState:   string(state),
			Reason:     reason,
		})
	}
}

// IsAvailable is false only while a down provider is cooling off.
// Unknown providers are available.
func (t *Tracker) IsAvailable(provider string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.stats[provider]
	if !ok {
		return true
	}
	return !(s.State == StateDown && t.now().Before(s.CooldownUntil))
}

func (t *Tracker) GetStats(provider string) Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[provider]; ok {
		return *s
	}
	return Stats{Provider: provider, State: StateHealthy}
}

// AllStats returns every known provider, sorted by name.
func (t *Tracker) AllStats() []Stats {
	t.mu.RLock()
	out := make([]Stats, 0, len(t.stats))
	for _, s := range t.stats {
		out = append(out, *s)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Reset forgets a provider, returning it to healthy.
func (t *Tracker) Reset(provider string) {
	t.mu.Lock()
	delete(t.stats, provider)
	t.mu.Unlock()
}

func (t *Tracker) getOrCreate(provider string) *Stats {
	s, ok := t.stats[provider]
	if !ok {
		s = &Stats{Provider: provider, State: StateHealthy}
		t.stats[provider] = s
	}
	return s
}
