package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientLimiterBurst(t *testing.T) {
	cl := NewClientLimiter(1, 2, time.Minute)

	assert.True(t, cl.Allow("ada"))
	assert.True(t, cl.Allow("ada"))
	assert.False(t, cl.Allow("ada"), "burst of 2 must be spent")
}

func TestClientLimiterKeysAreIndependent(t *testing.T) {
	cl := NewClientLimiter(1, 1, time.Minute)

	assert.True(t, cl.Allow("ada"))
	assert.False(t, cl.Allow("ada"))
	assert.True(t, cl.Allow("grace"), "one noisy client must not throttle another")
}

func TestClientLimiterCleanupEvictsIdle(t *testing.T) {
	cl := NewClientLimiter(1, 1, time.Minute)
	cl.Allow("ada")
	cl.Allow("grace")

	cl.mu.Lock()
	cl.clients["ada"].lastSeen = time.Now().Add(-2 * time.Minute)
	cl.mu.Unlock()

	assert.Equal(t, 1, cl.Cleanup())

	cl.mu.Lock()
	defer cl.mu.Unlock()
	assert.NotContains(t, cl.clients, "ada")
	assert.Contains(t, cl.clients, "grace")
}

func TestRateLimitMiddleware(t *testing.T) {
	cl := NewClientLimiter(1, 2, time.Minute)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := cl.Middleware(next)

	get := func(accountID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/people/search", nil)
		if accountID != "" {
			req.Header.Set(accountIDHeader, accountID)
		}
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, get("ada").Code)
	assert.Equal(t, http.StatusOK, get("ada").Code)

	rec := get("ada")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())

	assert.Equal(t, http.StatusOK, get("grace").Code, "other clients keep their own bucket")
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(accountIDHeader, "account-1")
	req.RemoteAddr = "10.0.0.7:4242"
	assert.Equal(t, "account-1", clientKey(req), "identity header wins")

	req.Header.Del(accountIDHeader)
	assert.Equal(t, "10.0.0.7", clientKey(req), "falls back to the remote IP")

	req.RemoteAddr = "10.0.0.7"
	assert.Equal(t, "10.0.0.7", clientKey(req), "port-less remote addr is used as-is")

	req.RemoteAddr = ""
	assert.Equal(t, "unknown", clientKey(req))
}
