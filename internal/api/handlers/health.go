package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	rt Runtime
}

func NewHealthHandler(rt Runtime) *HealthHandler {
	return &HealthHandler{rt: rt}
}

// Healthz handles GET /healthz
func (h *HealthHandler) Healthz(c *gin.Context) {
	ok, msg := h.rt.IsReadyForConnections()
	c.Header("Cache-Control", "no-cache")
	if !ok {
		c.String(http.StatusServiceUnavailable, msg)
		return
	}
	c.String(http.StatusOK, msg)
}

// ScriptHealthCheck handles GET /script-health-check
func (h *HealthHandler) ScriptHealthCheck(c *gin.Context) {
	ok, msg := h.rt.ScriptRunsWithoutError(c.Request.Context())
	c.Header("Cache-Control", "no-cache")
	if !ok {
		c.String(http.StatusServiceUnavailable, msg)
		return
	}
	c.String(http.StatusOK, msg)
}
