package middleware

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

// RateLimitConfig defines configuration for rate limiting
type RateLimitConfig struct {
	// Maximum sustained requests per second per client
	RequestsPerSecond int

	// Reject the request when the leaky bucket pushed it out further than
	// this. The bucket's Take blocks until the slot arrives, so a rejected
	// request has already waited for it; MaxDelay bounds which slots get
	// served, not how long the caller can be held. Zero means one second.
	MaxDelay time.Duration

	// KeyExtractor identifies the client a request is counted against.
	// If nil, the client IP from the request context is used (set by
	// ClientIPMiddleware), falling back to RemoteAddr.
	KeyExtractor func(*http.Request) string

	// Response to send when the rate limit is exceeded.
	// If nil, a default 429 Too Many Requests response is sent.
	ExceededHandler http.Handler
}

// rateLimiter holds one leaky-bucket limiter per client key, using Uber's
// ratelimit library.
type rateLimiter struct {
	limiters sync.Map // map[string]ratelimit.Limiter
	mu       sync.Mutex
	rps      int
}

// get gets or creates the limiter for key
func (l *rateLimiter) get(key string) ratelimit.Limiter {
	if limiter, ok := l.limiters.Load(key); ok {
		return limiter.(ratelimit.Limiter)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring lock
	if limiter, ok := l.limiters.Load(key); ok {
		return limiter.(ratelimit.Limiter)
	}

	// WithoutSlack keeps the spacing strict so a burst cannot borrow ahead
	limiter := ratelimit.New(l.rps, ratelimit.WithoutSlack)
	l.limiters.Store(key, limiter)
	return limiter
}

// RateLimit creates a middleware that enforces a per-client request rate.
// Requests within the rate pass through (smoothed by the leaky bucket); a
// request whose slot landed beyond MaxDelay is rejected after the bucket
// releases it.
func RateLimit(config *RateLimitConfig, logger *zap.Logger) Middleware {
	limiter := &rateLimiter{rps: config.RequestsPerSecond}

	maxDelay := config.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Second
	}

	extract := config.KeyExtractor
	if extract == nil {
		extract = func(r *http.Request) string {
			if ip := ClientIP(r); ip != "" {
				return ip
			}
			return r.RemoteAddr
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := extract(r)

			now := time.Now()
			slot := limiter.get(key).Take()

			if wait := slot.Sub(now); wait > maxDelay {
				logger.Warn("Rate limit exceeded",
					zap.String("key", key),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Duration("wait", wait),
				)

				if config.ExceededHandler != nil {
					config.ExceededHandler.ServeHTTP(w, r)
					return
				}
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
