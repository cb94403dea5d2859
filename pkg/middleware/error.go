package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"attribution-pipeline/pkg/errutil"
)

// Error renders the last handler error. BaseErrors keep their status and
// public message; anything else becomes a 500.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		var be errutil.BaseError
		if !errors.As(last.Err, &be) {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "internal error"})
			return
		}
		if be.RetryAfter > 0 {
			secs := int((be.RetryAfter + time.Second - 1) / time.Second)
			c.Header("Retry-After", strconv.Itoa(secs))
		}
		c.JSON(be.Code.HTTPStatus(), be.JSON())
	}
}
