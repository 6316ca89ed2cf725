package middleware

import (
	"net/http"

	"storefront-entitlements/pkg/errutil"

	"github.com/gin-gonic/gin"
)

// Error renders the last handler error. Domain errors carry their own HTTP
// status; anything else collapses to a generic 500 without detail leakage.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		err := c.Errors.Last()
		if err == nil {
			return
		}

		if v, ok := err.Err.(errutil.BaseError); ok {
			c.JSON(v.Code.HTTPStatus(), v.JSON())
			return
		}

		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    errutil.StatusInternal,
				"message": "try again later",
			},
		})
	}
}
