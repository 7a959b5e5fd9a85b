package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window limiter using redis INCR/EXPIRE, shared by all
// instances. Without redis it falls back to a per-process window; on redis errors
// it fails open.
type RateLimiter struct {
	client *redis.Client

	mu    sync.Mutex
	local map[string]*window
	now   func() time.Time
}

type window struct {
	start time.Time
	count int64
}

func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{
		client: client,
		local:  make(map[string]*window),
		now:    time.Now,
	}
}

// ByIP limits requests per client IP.
// key format: rl:<window_seconds>:<ip>
func (rl *RateLimiter) ByIP(maxRequests int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "rl:" + strconv.FormatInt(int64(window.Seconds()), 10) + ":" + c.ClientIP()
		rl.limit(c, key, c.FullPath(), maxRequests, window)
	}
}

// ByUser limits requests per authenticated user. JWT must run first.
// key format: <scope>_rl:<user_id>:<window_seconds>
func (rl *RateLimiter) ByUser(scope string, maxRequests int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := c.Get("user_id")
		uid, isInt := userID.(int64)
		if !ok || !isInt {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		key := scope + "_rl:" + strconv.FormatInt(uid, 10) + ":" + strconv.FormatInt(int64(window.Seconds()), 10)
		rl.limit(c, key, scope+":"+c.FullPath(), maxRequests, window)
	}
}

func (rl *RateLimiter) limit(c *gin.Context, key, endpoint string, maxRequests int, window time.Duration) {
	val, err := rl.incr(c.Request.Context(), key, window)
	if err != nil {
		c.Header("X-RateLimit-Error", "redis-error")
		c.Next()
		return
	}

	c.Header("X-RateLimit-Limit", strconv.Itoa(maxRequests))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(max(0, int64(maxRequests)-val), 10))

	if val > int64(maxRequests) {
		RLBlocked.WithLabelValues(endpoint).Inc()
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate limit exceeded",
			"retry_after": int(window.Seconds()),
		})
		return
	}

	RLRequests.WithLabelValues(endpoint).Inc()
	c.Next()
}

func (rl *RateLimiter) incr(ctx context.Context, key string, win time.Duration) (int64, error) {
	if rl.client == nil {
		return rl.incrLocal(key, win), nil
	}

	val, err := rl.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if val == 1 {
		// first increment, set expiry
		rl.client.Expire(ctx, key, win)
	}
	return val, nil
}

func (rl *RateLimiter) incrLocal(key string, win time.Duration) int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.local[key]
	if !ok || now.Sub(w.start) > win {
		w = &window{start: now}
		rl.local[key] = w
	}
	w.count++
	return w.count
}
