// Package api assembles the HTTP surface.
package api

import (
	"github.com/bhandras/deltarun/internal/api/handlers"
	"github.com/bhandras/deltarun/internal/api/middleware"
	"github.com/bhandras/deltarun/internal/crypto"
	"github.com/bhandras/deltarun/internal/uploads"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// RouterConfig lists the collaborators mounted on the router.
type RouterConfig struct {
	Runtime handlers.Runtime
	Uploads *uploads.Manager
	// JWT is optional; nil serves every route anonymously.
	JWT *crypto.JWTManager

	AllowedOrigins    []string
	ScriptHealthCheck bool
	MaxUploadSize     int64

	// Stream serves the browser websocket. Optional.
	Stream gin.HandlerFunc
	// SocketIO serves the Socket.IO endpoint. Optional.
	SocketIO     gin.HandlerFunc
	SocketIOPath string
}

// NewRouter builds the gin engine.
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
	}
	if len(origins) == 1 && origins[0] == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = origins
		corsCfg.AllowCredentials = true
	}
	router.Use(cors.New(corsCfg))
	router.Use(middleware.LoggingMiddleware())

	health := handlers.NewHealthHandler(cfg.Runtime)
	router.GET("/healthz", health.Healthz)
	if cfg.ScriptHealthCheck {
		router.GET("/script-health-check", health.ScriptHealthCheck)
	}

	router.GET("/message", handlers.NewMessageHandler(cfg.Runtime).GetMessage)
	router.GET("/stats", handlers.NewStatsHandler(cfg.Runtime).GetStats)

	protected := router.Group("")
	protected.Use(middleware.AuthMiddleware(cfg.JWT))
	{
		if cfg.Uploads != nil {
			upload := handlers.NewUploadHandler(cfg.Runtime, cfg.Uploads, cfg.MaxUploadSize)
			protected.PUT("/upload_file", upload.PutFile)
			protected.GET("/upload_file/:sessionId/:widgetId", upload.ListFiles)
			protected.DELETE("/upload_file/:sessionId/:widgetId", upload.DeleteWidgetFiles)
			protected.DELETE("/upload_file/:sessionId/:widgetId/:fileId", upload.DeleteFile)
		}
		if cfg.Stream != nil {
			protected.GET("/stream", cfg.Stream)
		}
	}

	if cfg.SocketIO != nil {
		path := cfg.SocketIOPath
		if path == "" {
			path = "/socket.io"
		}
		router.Any(path, cfg.SocketIO)
		router.Any(path+"/*any", cfg.SocketIO)
	}

	return router
}
