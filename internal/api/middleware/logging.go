package middleware

import (
	"time"

	"github.com/bhandras/deltarun/internal/logger"
	"github.com/gin-gonic/gin"
)

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		if raw != "" {
			path = path + "?" + raw
		}

		// Health probes are frequent; keep them out of the info log.
		if path == "/healthz" && statusCode < 400 {
			logger.Tracef("[%s] %s - %d (%v)", c.Request.Method, path, statusCode, latency)
			return
		}
		logger.Infof("[%s] %s - %d (%v)", c.Request.Method, path, statusCode, latency)
	}
}
