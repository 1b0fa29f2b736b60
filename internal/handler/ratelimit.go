package handler

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClientLimiter hands out one token bucket per calling client and backs
// the API-wide rate-limit middleware. It protects the HTTP surface from
// a single noisy caller; it is unrelated to the messaging quota, which
// has its own window semantics.
type ClientLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientBucket
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
}

type clientBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewClientLimiter(rps float64, burst int, idleTTL time.Duration) *ClientLimiter {
	return &ClientLimiter{
		clients: make(map[string]*clientBucket),
		rps:     rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
	}
}

// Allow consumes one token from the client's bucket, creating it on
// first sight.
func (cl *ClientLimiter) Allow(key string) bool {
	now := time.Now()

	cl.mu.Lock()
	bucket, ok := cl.clients[key]
	if !ok {
		bucket = &clientBucket{lim: rate.NewLimiter(cl.rps, cl.burst)}
		cl.clients[key] = bucket
	}
	bucket.lastSeen = now
	cl.mu.Unlock()

	return bucket.lim.Allow()
}

// Cleanup drops buckets idle for longer than the configured TTL and
// returns how many were evicted.
func (cl *ClientLimiter) Cleanup() int {
	cutoff := time.Now().Add(-cl.idleTTL)

	cl.mu.Lock()
	defer cl.mu.Unlock()

	evicted := 0
	for key, bucket := range cl.clients {
		if bucket.lastSeen.Before(cutoff) {
			delete(cl.clients, key)
			evicted++
		}
	}
	return evicted
}

// RunJanitor sweeps idle buckets on a ticker until ctx ends. Run it as
// a goroutine.
func (cl *ClientLimiter) RunJanitor(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cl.Cleanup()
		}
	}
}

// Middleware rejects requests from clients that drained their bucket
// with 429 and a Retry-After hint.
func (cl *ClientLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cl.Allow(clientKey(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the caller: the account header when present,
// otherwise the remote IP (middleware.RealIP has already resolved
// proxy headers by the time this runs).
func clientKey(r *http.Request) string {
	if id := r.Header.Get(accountIDHeader); id != "" {
		return id
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
