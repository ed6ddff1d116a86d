package handlers

import (
	"errors"
	"net/http"

	"github.com/bhandras/deltarun/internal/runtime"
	"github.com/gin-gonic/gin"
)

type MessageHandler struct {
	rt Runtime
}

func NewMessageHandler(rt Runtime) *MessageHandler {
	return &MessageHandler{rt: rt}
}

// GetMessage handles GET /message?hash=
//
// Clients call it when they receive a reference to a message they no longer
// hold.
func (h *MessageHandler) GetMessage(c *gin.Context) {
	hash := c.Query("hash")
	if hash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing hash"})
		return
	}

	data, err := h.rt.CachedMessage(hash)
	switch {
	case errors.Is(err, runtime.ErrMessageNotCached):
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	case errors.Is(err, runtime.ErrNotStarted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "runtime not started"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load message"})
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "application/octet-stream", data)
}
