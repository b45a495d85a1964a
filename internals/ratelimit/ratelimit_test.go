package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(window time.Duration, limit int) (*FixedWindow, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	f := NewFixedWindow(window, limit)
	f.now = clock.now
	return f, clock
}

func TestFixedWindow_Ceiling(t *testing.T) {
	f, _ := newTestLimiter(10*time.Second, 20)

	for i := 1; i <= 20; i++ {
		allowed, remaining, _ := f.Allow("1.2.3.4")
		assert.True(t, allowed, "expected request %d to be allowed", i)
		assert.Equal(t, 20-i, remaining)
	}

	allowed, remaining, _ := f.Allow("1.2.3.4")
	assert.False(t, allowed, "expected request 21 to be rejected")
	assert.Equal(t, 0, remaining)

	allowed, _, _ = f.Allow("5.6.7.8")
	assert.True(t, allowed, "expected other clients to have their own window")
}

func TestFixedWindow_Rollover(t *testing.T) {
	f, clock := newTestLimiter(10*time.Second, 2)

	f.Allow("a")
	f.Allow("a")
	allowed, _, reset := f.Allow("a")
	assert.False(t, allowed)
	assert.Equal(t, clock.t.Add(10*time.Second), reset)

	clock.advance(9 * time.Second)
	allowed, _, _ = f.Allow("a")
	assert.False(t, allowed, "expected window to still be closed before reset")

	clock.advance(time.Second)
	allowed, remaining, _ := f.Allow("a")
	assert.True(t, allowed, "expected a new window after rollover")
	assert.Equal(t, 1, remaining)
}

func TestFixedWindow_Sweep(t *testing.T) {
	f, clock := newTestLimiter(time.Second, 5)

	f.Allow("a")
	f.Allow("b")
	assert.Equal(t, 2, f.Len())

	clock.advance(2 * time.Second)
	f.Allow("c")
	assert.Equal(t, 1, f.Len(), "expected closed windows to be swept")
}

func TestClientKey(t *testing.T) {
	tcases := []struct {
		name       string
		remoteAddr string
		forwarded  string
		trust      bool
		want       string
	}{
		{name: "remote addr", remoteAddr: "10.0.0.1:5555", want: "10.0.0.1"},
		{name: "trusted proxy", remoteAddr: "10.0.0.1:5555", forwarded: "203.0.113.9, 10.0.0.1", trust: true, want: "203.0.113.9"},
		{name: "untrusted proxy header ignored", remoteAddr: "10.0.0.1:5555", forwarded: "203.0.113.9", want: "10.0.0.1"},
		{name: "empty forwarded hop", remoteAddr: "10.0.0.1:5555", forwarded: " ,1.1.1.1", trust: true, want: "10.0.0.1"},
		{name: "remote addr without port", remoteAddr: "10.0.0.2", want: "10.0.0.2"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/room/x", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			assert.Equal(t, tc.want, ClientKey(req, tc.trust))
		})
	}
}

func TestMiddleware(t *testing.T) {
	f, clock := newTestLimiter(10*time.Second, 2)

	called := 0
	h := Middleware(f, false, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called++
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/room/x", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		h.ServeHTTP(rr, req)
		return rr
	}

	rr := do()
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "2", rr.Header().Get("RateLimit-Limit"))
	assert.Equal(t, "1", rr.Header().Get("RateLimit-Remaining"))
	assert.Equal(t, "10", rr.Header().Get("RateLimit-Reset"))

	assert.Equal(t, http.StatusOK, do().Code)

	rr = do()
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.JSONEq(t, `{"error":"rate_limited"}`, rr.Body.String())
	assert.Equal(t, "10", rr.Header().Get("Retry-After"))
	assert.Equal(t, 2, called, "expected rejected request not to reach the handler")

	clock.advance(10 * time.Second)
	assert.Equal(t, http.StatusOK, do().Code, "expected requests to succeed after the window rolls over")
}
