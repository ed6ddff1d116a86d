package handlers

import (
	"net/http"

	"github.com/bhandras/deltarun/internal/stats"
	"github.com/gin-gonic/gin"
)

type StatsHandler struct {
	rt Runtime
}

func NewStatsHandler(rt Runtime) *StatsHandler {
	return &StatsHandler{rt: rt}
}

// GetStats handles GET /stats
func (h *StatsHandler) GetStats(c *gin.Context) {
	st := h.rt.Stats()
	if st == nil {
		st = []stats.CacheStat{}
	}
	total := 0
	for _, s := range st {
		total += s.ByteLength
	}
	c.JSON(http.StatusOK, gin.H{"stats": st, "total_bytes": total})
}
