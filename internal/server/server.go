package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/docflow-go/internal/engine/archive"
	"github.com/docflow-go/internal/engine/pindata"
	"github.com/docflow-go/internal/engine/registry"
	"github.com/docflow-go/internal/engine/schedule"
	"github.com/docflow-go/internal/engine/scheduler"
	"github.com/docflow-go/internal/engine/state"
	wfservice "github.com/docflow-go/internal/workflow"
	"github.com/docflow-go/pkg/config"
	"github.com/docflow-go/pkg/database"
	"github.com/docflow-go/pkg/events"
	"github.com/docflow-go/pkg/logger"
	"github.com/docflow-go/pkg/metrics"
	"github.com/docflow-go/pkg/ratelimit"
	"github.com/docflow-go/pkg/telemetry"
)

// Dependencies carries the engine components the API surface exposes.
// Archive and Telemetry may be nil when disabled in config.
type Dependencies struct {
	Workflows *wfservice.Service
	Scheduler *scheduler.Scheduler
	State     *state.Store
	Pins      *pindata.Service
	Schedules *schedule.Service
	Archive   *archive.Archiver
	Registry  *registry.Registry
	Telemetry *telemetry.Telemetry
	Bus       events.EventBus
	DB        *database.DB
	Redis     *redis.Client
}

type Server struct {
	config     *config.Config
	logger     logger.Logger
	router     *gin.Engine
	httpServer *http.Server
	hub        *Hub
}

func New(cfg *config.Config, deps Dependencies, log logger.Logger) (*Server, error) {
	hub := NewHub(log)
	if err := hub.Relay(deps.Bus); err != nil {
		return nil, fmt.Errorf("failed to wire event relay: %w", err)
	}

	s := &Server{
		config: cfg,
		logger: log,
		hub:    hub,
	}
	s.router = s.setupRouter(deps)
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}
	return s, nil
}

func (s *Server) setupRouter(deps Dependencies) *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(loggingMiddleware(s.logger))
	router.Use(metricsMiddleware())
	if s.config.RateLimit.Enabled {
		limiter := ratelimit.NewTokenBucketLimiter(s.config.RateLimit.RPS, s.config.RateLimit.Burst)
		router.Use(ratelimit.Middleware(limiter, ratelimit.IPKeyFunc))
	}
	if deps.Telemetry != nil {
		router.Use(deps.Telemetry.HTTPMiddleware())
	}

	h := NewHandlers(deps, s.config, s.logger)

	// Health checks
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/health/system", h.SystemHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Websocket event feed
	router.GET("/ws", s.serveWS)

	// API routes
	v1 := router.Group("/api/v1/workflows")
	{
		// Workflow CRUD
		v1.GET("", h.ListWorkflows)
		v1.GET("/:id", h.GetWorkflow)
		v1.POST("", h.CreateWorkflow)
		v1.PUT("/:id", h.UpdateWorkflow)
		v1.DELETE("/:id", h.DeleteWorkflow)

		// Versions and transfer
		v1.GET("/:id/versions", h.ListWorkflowVersions)
		v1.GET("/:id/export", h.ExportWorkflow)
		v1.POST("/import", h.ImportWorkflow)

		// Execution
		v1.POST("/:id/execute", h.ExecuteWorkflow)
		v1.POST("/:id/cancel", h.CancelExecution)
		v1.GET("/:id/executions", h.ListExecutions)
		v1.GET("/:id/executions/latest", h.LatestExecution)
		v1.GET("/:id/executions/stream", h.StreamExecution)

		// Pinned outputs
		v1.GET("/:id/pins", h.ListPins)
		v1.PUT("/:id/pins/:nodeId", h.SetPin)
		v1.DELETE("/:id/pins/:nodeId", h.ClearPin)
		v1.DELETE("/:id/pins", h.ClearAllPins)
	}

	executions := router.Group("/api/v1/executions")
	{
		executions.GET("", h.ActiveExecutions)
		executions.GET("/:runId", h.GetExecution)
	}

	schedules := router.Group("/api/v1/schedules")
	{
		schedules.POST("", h.CreateSchedule)
		schedules.GET("", h.ListSchedules)
		schedules.GET("/:id", h.GetSchedule)
		schedules.DELETE("/:id", h.DeleteSchedule)
		schedules.POST("/:id/pause", h.PauseSchedule)
		schedules.POST("/:id/resume", h.ResumeSchedule)
	}

	router.GET("/api/v1/archive/executions", h.SearchArchive)
	router.GET("/api/v1/node-types", h.ListNodeTypes)

	return router
}

func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("Starting API server", "port", s.config.Server.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	s.hub.Stop()
	return s.httpServer.Shutdown(ctx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func loggingMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		clientIP := c.ClientIP()
		method := c.Request.Method
		statusCode := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Info("HTTP Request",
			"method", method,
			"path", path,
			"status", statusCode,
			"latency", latency,
			"ip", clientIP,
		)
	}
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := fmt.Sprintf("%d", c.Writer.Status())
		metrics.RecordHTTPRequest(c.Request.Method, path, status)
		metrics.RecordHTTPDuration(c.Request.Method, path, time.Since(start).Seconds())
	}
}
