package ratelimit_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seisho-ai/seisho/internal/model"
	"github.com/seisho-ai/seisho/internal/ratelimit"
)

// errLimiter always reports a malfunction.
type errLimiter struct{}

func (errLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("limiter backend down")
}
func (errLimiter) Close() error { return nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
}

func doRequest(t *testing.T, h http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareLimitsPerKey(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 2) // effectively no refill
	defer func() { _ = limiter.Close() }()

	h := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, nil)(okHandler())

	assert.Equal(t, http.StatusAccepted, doRequest(t, h, "10.0.0.1:1111").Code)
	assert.Equal(t, http.StatusAccepted, doRequest(t, h, "10.0.0.1:1111").Code)

	rec := doRequest(t, h, "10.0.0.1:1111")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, model.ErrCodeRateLimited, apiErr.Error.Code)

	// A different client IP has its own bucket.
	assert.Equal(t, http.StatusAccepted, doRequest(t, h, "10.0.0.2:2222").Code)
}

func TestMiddlewareNilLimiterPassesThrough(t *testing.T) {
	h := ratelimit.Middleware(nil, ratelimit.IPKeyFunc, nil)(okHandler())
	for range 10 {
		assert.Equal(t, http.StatusAccepted, doRequest(t, h, "10.0.0.1:1111").Code)
	}
}

func TestMiddlewareEmptyKeySkipsLimiting(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	defer func() { _ = limiter.Close() }()

	h := ratelimit.Middleware(limiter, func(*http.Request) string { return "" }, nil)(okHandler())
	for range 5 {
		assert.Equal(t, http.StatusAccepted, doRequest(t, h, "10.0.0.1:1111").Code)
	}
}

func TestMiddlewareFailsOpenOnLimiterError(t *testing.T) {
	h := ratelimit.Middleware(errLimiter{}, ratelimit.IPKeyFunc, nil)(okHandler())
	for range 5 {
		assert.Equal(t, http.StatusAccepted, doRequest(t, h, "10.0.0.1:1111").Code)
	}
}

func TestMiddlewareIncludesRequestID(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	defer func() { _ = limiter.Close() }()

	reqID := func(*http.Request) string { return "req-1234" }
	h := ratelimit.Middleware(limiter, ratelimit.IPKeyFunc, reqID)(okHandler())

	doRequest(t, h, "10.0.0.3:3333")
	rec := doRequest(t, h, "10.0.0.3:3333")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, "req-1234", apiErr.Meta.RequestID)
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.168.1.5:8822", "192.168.1.5"},
		{"[::1]:9000", "[::1]"},
		{"bare-host", "bare-host"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remoteAddr
		assert.Equal(t, tt.want, ratelimit.IPKeyFunc(req))
	}
}
