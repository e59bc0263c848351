package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/palliative-api/pkg/httputil"
)

// ErrorHandler answers with the error envelope when a handler recorded an
// error on the context without writing a response.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		httputil.RespondWithError(c, c.Errors.Last().Err)
	}
}
