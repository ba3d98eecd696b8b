package quota

import (
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/fruitsalade/livedrive/internal/logging"
)

func TestMain(m *testing.M) {
	logging.InitDefault()
	os.Exit(m.Run())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newCooldown(clk *fakeClock) *RateLimiter {
	rl := NewRateLimiter(time.Second, 1)
	rl.now = clk.Now
	return rl
}

func TestRateLimiterCooldown(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	rl := newCooldown(clk)

	if !rl.Allow("10.0.0.1") {
		t.Fatal("first attempt should be allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("second attempt within a second should be denied")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("other addresses are independent")
	}

	if got := rl.RetryAfter("10.0.0.1"); got <= 0 || got > time.Second {
		t.Errorf("RetryAfter = %v", got)
	}

	clk.Advance(500 * time.Millisecond)
	if rl.Allow("10.0.0.1") {
		t.Error("attempt after 500ms should still be denied")
	}

	clk.Advance(time.Second)
	if !rl.Allow("10.0.0.1") {
		t.Error("attempt after cooldown should be allowed")
	}
}

func TestRateLimiterBurst(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	rl := NewRateLimiter(time.Second, 3)
	rl.now = clk.Now

	for i := 0; i < 3; i++ {
		if !rl.Allow("k") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("k") {
		t.Error("fourth request should be limited")
	}
}

func TestRateLimiterUnlimited(t *testing.T) {
	rl := NewRateLimiter(0, 1)
	for i := 0; i < 100; i++ {
		if !rl.Allow("k") {
			t.Fatal("zero interval should be unlimited")
		}
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	rl := newCooldown(clk)

	rl.Allow("old")
	clk.Advance(10 * time.Minute)
	rl.Allow("new")

	if removed := rl.Cleanup(5 * time.Minute); removed != 1 {
		t.Errorf("Cleanup removed %d, want 1", removed)
	}
	if rl.Len() != 1 {
		t.Errorf("Len = %d, want 1", rl.Len())
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	rl := newCooldown(clk)

	calls := 0
	h := RateLimitMiddleware(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusAccepted)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/login", nil)
		req.RemoteAddr = "192.0.2.7:51234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := do(); rec.Code != http.StatusAccepted {
		t.Fatalf("first request status = %d", rec.Code)
	}
	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", rec.Header().Get("Retry-After"))
	}
	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
}
