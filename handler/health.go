package handler

import (
	"net/http"
	"time"

	"github.com/gabriielgouvea/AssinaGym/pkg/logger"
	"github.com/gabriielgouvea/AssinaGym/service"
	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	store service.SessionStore
}

func NewHealthHandler(store service.SessionStore) *HealthHandler {
	return &HealthHandler{store: store}
}

// Index answers the root path so uptime checks have something to hit.
func (h *HealthHandler) Index(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte("<h1>Servidor do AssinaGym está no ar!</h1>"))
}

// Health reports liveness and the number of pending signing sessions.
func (h *HealthHandler) Health(c *gin.Context) {
	pending, err := h.store.Count(c.Request.Context())
	if err != nil {
		logger.Error(c.Request.Context(), "failed to count sessions", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "degraded",
			"timestamp": time.Now().Format(time.RFC3339),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"timestamp":        time.Now().Format(time.RFC3339),
		"pending_sessions": pending,
	})
}
