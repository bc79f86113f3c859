package middleware

import (
	"net/http"

	"tokenplane/pkg/errutil"

	"github.com/gin-gonic/gin"
)

// Error renders the last error pushed onto the gin context as the response
// body, mapping errutil codes onto HTTP statuses.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		err := c.Errors.Last()
		if err == nil || c.Writer.Written() {
			return
		}

		if v, ok := err.Err.(errutil.BaseError); ok {
			c.JSON(v.Code.HTTPStatus(), v.JSON())
			return
		}

		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    errutil.StatusInternal,
				"message": err.Error(),
			},
		})
	}
}
