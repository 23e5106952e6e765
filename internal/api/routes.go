// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Service ArchiveService
	Version string
	Logger  zerolog.Logger
}

// Handlers holds all handler instances
type Handlers struct {
	Health    HealthHandler
	Entries   EntryHandler
	Jobs      JobHandler
	WebSocket *WebSocketHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	return &Handlers{
		Health:    NewHealthHandler(deps.Version, deps.Service.DeletionEnabled()),
		Entries:   NewEntryHandler(deps.Service, deps.Logger),
		Jobs:      NewJobHandler(deps.Service),
		WebSocket: NewWebSocketHandler(deps.Service, deps.Logger),
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	// Health check
	e.GET("/api/health", handlers.Health.HandleHealth)

	// Archive entry routes
	entryGroup := e.Group("/api/entries")
	entryGroup.POST("", handlers.Entries.HandleUpload)
	entryGroup.GET("", handlers.Entries.HandleListEntries)
	entryGroup.GET("/msgpack", handlers.Entries.HandleListEntriesMsgpack)
	entryGroup.GET("/:id", handlers.Entries.HandleGetEntry)
	entryGroup.POST("/:id/process", handlers.Entries.HandleProcessEntry)
	entryGroup.GET("/:id/files/:name", handlers.Entries.HandleDownloadFile)
	entryGroup.GET("/:id/download", handlers.Entries.HandleDownloadAll)
	entryGroup.POST("/:id/download", handlers.Entries.HandleDownloadSelected)
	entryGroup.PUT("/:id/description", handlers.Entries.HandleUpdateDescription)
	entryGroup.DELETE("/:id", handlers.Entries.HandleDeleteEntry)

	// Extraction job routes
	jobGroup := e.Group("/api/jobs")
	jobGroup.GET("/:jobId", handlers.Jobs.HandleJobStatus)
	jobGroup.GET("/:jobId/progress", handlers.Jobs.HandleJobProgressStream)
}

// RegisterWebSocketRoutes registers WebSocket routes
func RegisterWebSocketRoutes(e *echo.Echo, handlers *Handlers) {
	e.GET("/api/ws/jobs/:jobId", handlers.WebSocket.HandleJobFeed)
}

// MiddlewareConfig selects the optional middleware.
type MiddlewareConfig struct {
	EnableCORS     bool
	AllowOrigins   []string
	BodyLimit      string
	RequestLogging bool
	// GzipLevel enables response compression when positive.
	GzipLevel int
	Logger    zerolog.Logger
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo, cfg MiddlewareConfig) {
	// Use custom error handler
	e.HTTPErrorHandler = ErrorHandler

	e.Use(middleware.Recover())

	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}

	if cfg.EnableCORS {
		origins := cfg.AllowOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:  origins,
			ExposeHeaders: []string{echo.HeaderContentDisposition},
		}))
	}

	if cfg.RequestLogging {
		log := cfg.Logger
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			Skipper:    isPollingRoute,
			LogURI:     true,
			LogStatus:  true,
			LogMethod:  true,
			LogError:   true,
			LogLatency: true,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				evt := log.Info()
				if v.Error != nil {
					evt = log.Warn().Err(v.Error)
				}
				evt.Str("method", v.Method).
					Str("uri", v.URI).
					Int("status", v.Status).
					Dur("latency", v.Latency).
					Msg("Request")
				return nil
			},
		}))
	}

	if cfg.GzipLevel > 0 {
		e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
			Level:   cfg.GzipLevel,
			Skipper: isStreamingRoute,
		}))
	}
}

// isPollingRoute skips access logs for job status polling.
func isPollingRoute(c echo.Context) bool {
	path := c.Request().URL.Path
	return strings.HasPrefix(path, "/api/jobs/") || path == "/api/health"
}

// isStreamingRoute skips compression for streams and zip bodies.
func isStreamingRoute(c echo.Context) bool {
	path := c.Request().URL.Path
	return strings.HasSuffix(path, "/progress") ||
		strings.HasPrefix(path, "/api/ws/") ||
		strings.HasSuffix(path, "/download")
}
