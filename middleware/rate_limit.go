package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter counts requests per client IP over a fixed window. The budget
// must leave headroom for the SSE endpoint, which reconnecting clients hit
// about once a second.
type RateLimiter struct {
	mu        sync.Mutex
	counts    map[string]int
	windowEnd time.Time
	limit     int
	window    time.Duration
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		counts:    make(map[string]int),
		windowEnd: time.Now().Add(window),
		limit:     limit,
		window:    window,
	}
}

// Allow records one request for ip and reports whether it fits the budget
func (r *RateLimiter) Allow(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.After(r.windowEnd) {
		r.counts = make(map[string]int)
		r.windowEnd = now.Add(r.window)
	}

	if r.counts[ip] >= r.limit {
		return false
	}
	r.counts[ip]++
	return true
}

// RateLimit rejects clients that exceed limit requests per window with 429
func RateLimit(limit int, window time.Duration) gin.HandlerFunc {
	limiter := NewRateLimiter(limit, window)

	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !limiter.Allow(ip) {
			slog.Warn("rate limit exceeded",
				"client_ip", ip,
				"path", c.Request.URL.Path,
				"request_id", GetRequestID(c),
			)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "リクエストが多すぎます。しばらくしてからお試しください。",
			})
			return
		}
		c.Next()
	}
}
