package middleware

import (
	"strings"
	"time"

	"github.com/gabriielgouvea/AssinaGym/pkg/logger"
	"github.com/gin-gonic/gin"
)

// RequestLogger writes one access log line per request. Signing tokens
// in the path are shortened before logging.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := redactPath(c.Request.URL.Path)
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"status", status,
			"method", c.Request.Method,
			"path", path,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
			"bytes", c.Writer.Size(),
		}
		if query != "" {
			attrs = append(attrs, "query", query)
		}

		ctx := c.Request.Context()
		switch {
		case status >= 500:
			logger.Error(ctx, "request completed", attrs...)
		case status >= 400:
			logger.Warn(ctx, "request completed", attrs...)
		default:
			logger.Info(ctx, "request completed", attrs...)
		}
	}
}

// redactPath replaces the token segment of /sign/<token>[/...] paths
// with its log hint.
func redactPath(path string) string {
	rest, ok := strings.CutPrefix(path, "/sign/")
	if !ok || rest == "" {
		return path
	}
	token, tail, _ := strings.Cut(rest, "/")
	redacted := "/sign/" + logger.TokenHint(token)
	if tail != "" {
		redacted += "/" + tail
	}
	return redacted
}
