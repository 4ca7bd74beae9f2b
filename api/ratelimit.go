package api

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// RateLimiter decides whether a client may make one more request.
type RateLimiter interface {
	Allow(client string) bool
}

// ClientLimiter keeps one token bucket per client. Only the most recently
// seen clients are tracked; an evicted client starts over with a full bucket.
type ClientLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets *lru.Cache[string, *rate.Limiter]
}

func NewClientLimiter(rps float64, burst, maxClients int) (*ClientLimiter, error) {
	buckets, err := lru.New[string, *rate.Limiter](maxClients)
	if err != nil {
		return nil, fmt.Errorf("failed to create limiter cache: %w", err)
	}
	return &ClientLimiter{limit: rate.Limit(rps), burst: burst, buckets: buckets}, nil
}

func (l *ClientLimiter) Allow(client string) bool {
	l.mu.Lock()
	bucket, found := l.buckets.Get(client)
	if !found {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.buckets.Add(client, bucket)
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// RateLimit rejects requests over the limit with 429. The client is the
// remote IP, so middleware.RealIP must run first.
func RateLimit(limiter RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientKey(r)) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "Too many requests", reasonRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
