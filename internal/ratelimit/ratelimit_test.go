package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, rps float64, burst int, opts ...Option) (*Limiter, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l := New(rps, burst, append(opts, WithClock(clk.Now))...)
	t.Cleanup(l.Stop)
	return l, clk
}

func TestAllowBurstThenRefill(t *testing.T) {
	l, clk := newTestLimiter(t, 2, 3)

	for i := range 3 {
		require.True(t, l.Allow("10.0.0.1"), "request %d within burst", i+1)
	}
	assert.False(t, l.Allow("10.0.0.1"), "burst exhausted")

	clk.Advance(500 * time.Millisecond)
	assert.True(t, l.Allow("10.0.0.1"), "one token refilled after 500ms at 2 rps")
	assert.False(t, l.Allow("10.0.0.1"))
}

func TestAddressesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 1, 1)
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestSweepForgetsIdleAddresses(t *testing.T) {
	l, clk := newTestLimiter(t, 1, 1, WithIdleTimeout(time.Minute))
	l.Allow("a")
	clk.Advance(30 * time.Second)
	l.Allow("b")
	clk.Advance(45 * time.Second)

	l.sweep()
	assert.Equal(t, 1, l.Tracked())
}

func TestMaxKeysEvictsOldest(t *testing.T) {
	l, clk := newTestLimiter(t, 1, 1, WithMaxKeys(2))
	l.Allow("a")
	clk.Advance(time.Second)
	l.Allow("b")
	clk.Advance(time.Second)
	l.Allow("c")

	assert.Equal(t, 2, l.Tracked())
	assert.True(t, l.Allow("a"), "a was evicted and starts with a full bucket")
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	rejected := prometheus.NewCounter(prometheus.CounterOpts{Name: "rejected_total"})
	l, _ := newTestLimiter(t, 1, 1, WithCounter(rejected))
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/admin/v1/routing", nil)
		req.RemoteAddr = "192.0.2.7:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, send().Code)
	rec := send()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())
	assert.Equal(t, 1.0, testutil.ToFloat64(rejected))
}

func TestClientAddrStripsPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", clientAddr(req))

	req.RemoteAddr = "203.0.113.9"
	assert.Equal(t, "203.0.113.9", clientAddr(req))
}

func TestStopIsIdempotent(t *testing.T) {
	l := New(1, 1)
	l.Stop()
	l.Stop()
}
