package middleware

import (
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// Throttle limits requests per client IP with an in-process token bucket.
// Idle limiters are evicted from the cache.
type Throttle struct {
	mu       sync.Mutex
	limiters *cache.Cache
	limit    rate.Limit
	burst    int
}

func NewThrottle(requestsPerMinute int) *Throttle {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 20
	}

	return &Throttle{
		limiters: cache.New(10*time.Minute, 15*time.Minute),
		limit:    rate.Every(time.Minute / time.Duration(requestsPerMinute)),
		burst:    requestsPerMinute,
	}
}

func (t *Throttle) limiter(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	if l, found := t.limiters.Get(key); found {
		t.limiters.SetDefault(key, l)
		return l.(*rate.Limiter)
	}

	l := rate.NewLimiter(t.limit, t.burst)
	t.limiters.SetDefault(key, l)
	return l
}

func (t *Throttle) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		r := t.limiter(c.ClientIP()).Reserve()
		if !r.OK() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
			return
		}

		if delay := r.Delay(); delay > 0 {
			r.Cancel()
			c.Header("Retry-After", fmt.Sprintf("%d", int(math.Ceil(delay.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Too many requests",
			})
			return
		}

		c.Next()
	}
}
