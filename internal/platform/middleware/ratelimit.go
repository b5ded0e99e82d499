package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// RateLimitConfig bounds request throughput per client IP.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// DefaultRateLimitConfig returns the deployment defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
	}
}

// staleAfter is how long a client entry may sit untouched before the
// limiter forgets it.
const staleAfter = 10 * time.Minute

// client is one IP's token-bucket state.
type client struct {
	tokens float64
	seen   time.Time
}

// limiter hands out tokens per client key. One mutex guards the whole
// map; the critical section is a few float operations, cheap next to
// the request it gates.
type limiter struct {
	mu      sync.Mutex
	clients map[string]*client
	rate    float64
	burst   float64
}

func newLimiter(cfg RateLimitConfig) *limiter {
	return &limiter{
		clients: make(map[string]*client),
		rate:    cfg.RequestsPerSecond,
		burst:   float64(cfg.BurstSize),
	}
}

// take spends one token for key. When the bucket is empty it reports
// how many whole seconds until a token becomes available.
func (l *limiter) take(key string) (allowed bool, retryAfter int) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	cl, ok := l.clients[key]
	if !ok {
		l.prune(now)
		cl = &client{tokens: l.burst, seen: now}
		l.clients[key] = cl
	}

	cl.tokens += now.Sub(cl.seen).Seconds() * l.rate
	if cl.tokens > l.burst {
		cl.tokens = l.burst
	}
	cl.seen = now

	if cl.tokens >= 1 {
		cl.tokens--
		return true, 0
	}
	if l.rate <= 0 {
		return false, 1
	}
	return false, int((1-cl.tokens)/l.rate) + 1
}

// prune drops clients idle past staleAfter. Runs under the lock only
// when a previously unseen client arrives, so steady traffic never
// pays for it.
func (l *limiter) prune(now time.Time) {
	for key, cl := range l.clients {
		if now.Sub(cl.seen) > staleAfter {
			delete(l.clients, key)
		}
	}
}

// RateLimit rejects clients exceeding the configured rate with 429.
// Keyed by origin IP: callers are clinician workstations and back-office
// systems behind known proxies, so RealIP is trustworthy here.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	lim := newLimiter(cfg)
	limitValue := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			allowed, retryAfter := lim.take(c.RealIP())

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limitValue)
			if !allowed {
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
