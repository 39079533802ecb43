package middleware

import (
	"bytes"
	"io"
	"net/http"

	"mealbox/internal/apperr"

	"github.com/gin-gonic/gin"
)

const rawBodyKey = "mealbox.raw_body"

// RawBody 保留原始请求字节用于验签，必须在任何绑定/解析之前执行。
func RawBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		bodyBytes, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes))
		if err != nil {
			Abort(c, apperr.Wrap(apperr.ErrBadRequest, err, "request body unreadable or too large"))
			return
		}
		// 重置 body，让后续 handler 能继续读
		c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		c.Set(rawBodyKey, bodyBytes)
		c.Next()
	}
}

// RawBodyFrom 取出 RawBody 保存的字节。
func RawBodyFrom(c *gin.Context) []byte {
	v, ok := c.Get(rawBodyKey)
	if !ok {
		return nil
	}
	b, _ := v.([]byte)
	return b
}
