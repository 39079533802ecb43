package middleware

import (
	"net/http"

	"mealbox/internal/apperr"

	"github.com/gin-gonic/gin"
)

// Abort answers with the error envelope and stops the chain. 5xx causes are
// attached to the context for the request log, never sent to the client.
func Abort(c *gin.Context, err error) {
	e := apperr.From(err)
	if e.Status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(e.Status, gin.H{
		"code":  e.Status,
		"error": e.Code,
		"msg":   e.Public(),
	})
}
