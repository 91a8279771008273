package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter(t *testing.T) {
	clock := time.Unix(1000, 0)
	limiter := NewLimiter(10, 2)
	limiter.now = func() time.Time { return clock }

	assert.True(t, limiter.Allow("client"))
	assert.True(t, limiter.Allow("client"))
	assert.False(t, limiter.Allow("client"), "burst exhausted")
	assert.True(t, limiter.Allow("other"), "keys have separate buckets")

	// 10 rps refills one token every 100ms
	clock = clock.Add(150 * time.Millisecond)
	assert.True(t, limiter.Allow("client"))
}

func TestMiddleware(t *testing.T) {
	limiter := NewLimiter(0.001, 1)
	handler := limiter.Middleware(func(*http.Request) string { return "k" }, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) }),
	)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/upscale", nil))
	assert.Equal(t, http.StatusAccepted, rr.Code)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/upscale", nil))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
}

func TestMiddlewareCustomReject(t *testing.T) {
	limiter := NewLimiter(0.001, 1)
	limiter.Allow("k")
	handler := limiter.Middleware(func(*http.Request) string { return "k" }, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})(http.NotFoundHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestCleanup(t *testing.T) {
	clock := time.Unix(1000, 0)
	limiter := NewLimiter(1, 1)
	limiter.now = func() time.Time { return clock }

	limiter.Allow("old")
	clock = clock.Add(time.Hour)
	limiter.Allow("new")

	assert.Equal(t, 1, limiter.Cleanup(10*time.Minute))
	assert.Equal(t, 1, limiter.Len())
}

func TestKeyFuncs(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		ipKey  string
		apiKey string
	}{
		{name: "remote address", remote: "10.0.0.1:5555", ipKey: "10.0.0.1", apiKey: "10.0.0.1"},
		{name: "forwarded chain", header: map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.2"}, remote: "10.0.0.2:80", ipKey: "203.0.113.9", apiKey: "203.0.113.9"},
		{name: "bearer", header: map[string]string{"Authorization": "Bearer abc"}, remote: "10.0.0.1:1", ipKey: "10.0.0.1", apiKey: "Bearer abc"},
		{name: "api key header", header: map[string]string{"X-API-Key": "xyz"}, remote: "10.0.0.1:1", ipKey: "10.0.0.1", apiKey: "xyz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.ipKey, IPKeyFunc(r))
			assert.Equal(t, tt.apiKey, APIKeyFunc(r))
		})
	}
}
