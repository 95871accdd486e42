package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/halcyonchat/halcyon/internal/user"
)

// KeyFunc tells the middleware who is making the request. Authenticated
// requests key on the user ID; anonymous ones fall back to the client IP at
// the freemium limit.
type KeyFunc func(c *gin.Context) (key string, tier user.Tier)

// IPKeyFunc keys every request on client IP at the freemium limit.
func IPKeyFunc(c *gin.Context) (string, user.Tier) {
	return "ip:" + c.ClientIP(), user.TierFreemium
}

// Middleware enforces the per-tier request limit on the wrapped routes.
// Denials return 429 with a Retry-After header; every response carries the
// X-RateLimit-* headers so clients can pace themselves.
func Middleware(l *Limiter, keyFn KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, tier := keyFn(c)
		d := l.Check(c.Request.Context(), key, c.FullPath(), tier)

		SetHeaders(c, d)
		if !d.Allowed {
			Deny(c, d)
			return
		}

		c.Next()
	}
}

// SetHeaders writes the X-RateLimit-* headers for d. Unlimited decisions
// carry no headers.
func SetHeaders(c *gin.Context, d *Decision) {
	if d.Limit <= 0 {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// Deny aborts the request with the standard 429 body for d.
func Deny(c *gin.Context, d *Decision) {
	retryAfter := int(d.RetryAfter.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":      "RATE_LIMIT_EXCEEDED",
		"message":    "Too many requests. Please slow down.",
		"retryAfter": retryAfter,
	})
}
