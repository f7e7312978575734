package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gabriielgouvea/AssinaGym/pkg/logger"
	"github.com/gin-gonic/gin"
)

const msgInternalError = "Erro interno do servidor."

// Recovery turns a panic into a 500 response shaped like the signing
// API's own error bodies.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error(c.Request.Context(), "panic recovered",
					"error", err,
					"method", c.Request.Method,
					"path", redactPath(c.Request.URL.Path),
					"stack", string(debug.Stack()),
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"success":    false,
					"message":    msgInternalError,
					"request_id": GetRequestID(c),
				})
			}
		}()

		c.Next()
	}
}
