package ratelimit

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	HeaderUserID    = "X-User-ID"
	HeaderBypass    = "X-RateLimit-Bypass"
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// Middleware admits requests through l, keyed by user header or client IP.
// Denials abort with a capacity error for the error middleware to render.
func Middleware(l *Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := l.Allow(c.Request.Context(), Request{
			IP:          c.ClientIP(),
			UserID:      c.GetHeader(HeaderUserID),
			BypassToken: c.GetHeader(HeaderBypass),
		})
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}

		c.Header(HeaderLimit, strconv.Itoa(d.Limit))
		c.Header(HeaderRemaining, strconv.Itoa(d.Remaining))
		if !d.ResetAt.IsZero() {
			c.Header(HeaderReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
		}

		if err := d.Err(); err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}
		c.Next()
	}
}
