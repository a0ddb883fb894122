package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"podagent/pkg/api"
)

// RateLimiter keeps one token bucket per caller.
// Callers are keyed by X-Agent-ID, falling back to the remote address.
type RateLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	limiters sync.Map // caller -> *cachedLimiter
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithTTL sets how long an idle caller's bucket is kept (default: 5m).
func WithTTL(ttl time.Duration) RateLimiterOption {
	return func(l *RateLimiter) { l.ttl = ttl }
}

// NewRateLimiter allows perSecond requests per caller with the given burst.
// perSecond <= 0 means unlimited.
func NewRateLimiter(perSecond float64, burst int, opts ...RateLimiterOption) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	l := &RateLimiter{
		limit: rate.Limit(perSecond),
		burst: burst,
		ttl:   5 * time.Minute,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Middleware returns the HTTP middleware enforcing the limit.
func (l *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l.limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.limiter(callerKey(r)).Allow() {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, api.ErrorResponse{Error: "Too Many Requests", Code: "RATE_LIMITED"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *RateLimiter) limiter(key string) *rate.Limiter {
	now := l.now()
	if v, ok := l.limiters.Load(key); ok {
		cached := v.(*cachedLimiter)
		if now.Before(cached.expiresAt) {
			return cached.limiter
		}
		// expired, need to create new
	}

	limiter := rate.NewLimiter(l.limit, l.burst)
	l.limiters.Store(key, &cachedLimiter{
		limiter:   limiter,
		expiresAt: now.Add(l.ttl),
	})
	return limiter
}

func callerKey(r *http.Request) string {
	if id := r.Header.Get(AgentIDHeader); id != "" {
		return "agent:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}
