// Package ratelimit enforces the per-endpoint request quota. Each
// (client IP, endpoint) pair gets its own fixed window; every decision,
// admitted or rejected, carries the X-RateLimit-* headers.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/flapi/flapi/engine/config"
	"github.com/flapi/flapi/pkg/logger"
)

// Limiter gates a single endpoint. Instances are cheap; one per endpoint.
type Limiter struct {
	rate limiter.Rate

	mu       sync.Mutex
	instance *limiter.Limiter
}

// New builds a limiter from the endpoint's rate-limit settings. A nil
// return means the endpoint is not limited.
func New(cfg config.RateLimitConfig) *Limiter {
	if !cfg.Enabled || cfg.Max <= 0 {
		return nil
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 60
	}
	return &Limiter{
		rate: limiter.Rate{
			Period: time.Duration(interval) * time.Second,
			Limit:  cfg.Max,
		},
	}
}

func (l *Limiter) limiter() *limiter.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.instance == nil {
		l.instance = limiter.New(memory.NewStore(), l.rate)
	}
	return l.instance
}

// Check applies the quota for one request, emitting the X-RateLimit-*
// headers on every decision. A false return means the request was rejected
// with 429. A nil receiver admits everything.
func (l *Limiter) Check(c *gin.Context) bool {
	if l == nil {
		return true
	}
	// The limiter instance is already per-endpoint, so the window key is
	// the client alone; parameterized paths share one window.
	key := c.ClientIP()
	ctx, err := l.limiter().Get(c.Request.Context(), key)
	if err != nil {
		log := logger.FromContext(c.Request.Context())
		log.Error("rate limit check failed", "error", err)
		return true
	}
	c.Header("X-RateLimit-Limit", strconv.FormatInt(ctx.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(ctx.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(ctx.Reset, 10))
	if ctx.Reached {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "rate limit exceeded",
		})
		return false
	}
	return true
}

// Middleware wraps Check for statically registered routes.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.Check(c) {
			c.Next()
		}
	}
}
