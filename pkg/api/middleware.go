package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/langhook-io/langhook/pkg/ratelimit"
)

// securityHeaders sets standard security response headers on every
// response, mirroring the teacher's blanket middleware shape.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		c.Next()
	}
}

// rateLimit rejects a request with 429 once its client IP exceeds limiter's
// budget (§4.8, §6: POST /ingest/<source> may answer 429).
func rateLimit(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(ratelimit.ClientIP(c.Request)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
