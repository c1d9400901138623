package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"ticketbridge/internal/constants"
	"ticketbridge/internal/errors"
	"ticketbridge/internal/httputil"
	"ticketbridge/internal/metrics"
	"ticketbridge/internal/service"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	perMinute int
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	now       func() time.Time
}

// NewRateLimiter allows perMinute requests per client IP with the given burst.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = constants.DefaultWebhookRateLimitPerMin
	}
	if burst <= 0 {
		burst = constants.DefaultWebhookRateBurst
	}
	return &RateLimiter{
		clients:   make(map[string]*clientLimiter),
		perMinute: perMinute,
		limit:     rate.Limit(float64(perMinute) / 60.0),
		burst:     burst,
		idleTTL:   constants.RateLimiterIdleTTLMin * time.Minute,
		now:       time.Now,
	}
}

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	c, ok := rl.clients[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// Cleanup forgets clients idle for longer than the idle TTL.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.idleTTL)
	removed := 0
	for ip, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
			removed++
		}
	}
	return removed
}

// Middleware rejects over-limit clients with 429 and the usual error body.
func (rl *RateLimiter) Middleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := httputil.GetClientIP(r)
			if rl.Allow(ip) {
				next.ServeHTTP(w, r)
				return
			}

			metrics.IncrementCounter("webhook_rate_limited_total", nil, "Webhook requests rejected by the rate limiter")
			logger.WithFields(logrus.Fields{
				service.LogFieldRemoteIP: ip,
				service.LogFieldURL:      r.URL.Path,
			}).Warn("Webhook rate limit exceeded")

			w.Header().Set("Retry-After", "60")
			WriteError(w, r, errors.NewRateLimitError(rl.perMinute, "1m"))
		})
	}
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (rl *RateLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Cleanup()
		}
	}
}
