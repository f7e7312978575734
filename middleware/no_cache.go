package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// NoCache keeps browsers and proxies from storing signing pages, API
// responses and signed documents.
func NoCache() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/api/") ||
			strings.HasPrefix(path, "/sign/") ||
			strings.HasPrefix(path, "/documents/") {
			c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
			c.Header("Pragma", "no-cache")
			c.Header("Expires", "0")
		}
		c.Next()
	}
}
