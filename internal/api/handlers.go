package api

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"health-monitor/internal/anomaly"
	"health-monitor/internal/metrics"
	"health-monitor/internal/monitoring"
	"health-monitor/internal/store"
	"health-monitor/pkg/config"
	"health-monitor/pkg/logger"
	"health-monitor/pkg/models"

	"github.com/gin-gonic/gin"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	requestTimeout   = 30 * time.Second
)

var idPattern = regexp.MustCompile("^[a-zA-Z0-9_-]{1,50}$")

// Dependency reports whether a backing service is reachable
type Dependency func(ctx context.Context) error

type Server struct {
	config       *config.Config
	orchestrator *monitoring.Orchestrator
	deps         map[string]Dependency
	router       *gin.Engine
}

func NewServer(cfg *config.Config, orch *monitoring.Orchestrator, deps map[string]Dependency) *Server {
	// Set Gin mode based on environment
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config:       cfg,
		orchestrator: orch,
		deps:         deps,
		router:       gin.New(),
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(metrics.GinMiddleware())
	s.router.Use(s.corsMiddleware())
	s.router.Use(s.timeoutMiddleware())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := s.router.Group("/api")
	{
		services := api.Group("/services")
		{
			services.GET("", s.handleListServices)
			services.POST("", s.handleCreateService)
			services.GET("/:serviceId", s.validateID("serviceId"), s.handleGetService)
			services.PUT("/:serviceId", s.validateID("serviceId"), s.handleUpdateService)
			services.DELETE("/:serviceId", s.validateID("serviceId"), s.handleDeleteService)
			services.POST("/:serviceId/check", s.validateID("serviceId"), s.handleRunCheck)
			services.GET("/:serviceId/metrics", s.validateID("serviceId"), s.handleGetServiceMetrics)
			services.GET("/:serviceId/checks", s.validateID("serviceId"), s.handleListChecks)
			services.GET("/:serviceId/anomalies", s.validateID("serviceId"), s.handleServiceAnomalies)
			services.POST("/:serviceId/monitoring/start", s.validateID("serviceId"), s.handleStartMonitoring)
			services.POST("/:serviceId/monitoring/stop", s.validateID("serviceId"), s.handleStopMonitoring)
		}

		alerts := api.Group("/alerts")
		{
			alerts.GET("", s.handleGetAlerts)
			alerts.POST("", s.handleCreateAlert)
			alerts.GET("/:alertId", s.validateID("alertId"), s.handleGetAlert)
			alerts.POST("/:alertId/acknowledge", s.validateID("alertId"), s.handleAcknowledgeAlert)
			alerts.POST("/:alertId/resolve", s.validateID("alertId"), s.handleResolveAlert)
		}

		api.GET("/reports/health", s.handleHealthReport)
		api.GET("/overview", s.handleOverview)

		anomalies := api.Group("/anomalies")
		{
			anomalies.POST("/detect", s.handleDetectAnomalies)
			anomalies.POST("/realtime", s.handleRealTimeAnomaly)
		}
	}

	s.router.GET("/ws/alerts", s.handleAlertStream)
}

func (s *Server) validateID(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isValidID(c.Param(param)) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + param + " format"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func isValidID(id string) bool {
	return idPattern.MatchString(id)
}

// respondError maps domain errors onto HTTP status codes
func respondError(c *gin.Context, msg string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": msg + ": not found"})
	case errors.Is(err, monitoring.ErrInvalidService),
		errors.Is(err, monitoring.ErrInvalidAlert),
		errors.Is(err, models.ErrInvalidAuth),
		errors.Is(err, anomaly.ErrInsufficientData),
		errors.Is(err, anomaly.ErrUnknownMethod),
		errors.Is(err, anomaly.ErrInvalidConfig):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, monitoring.ErrCheckAborted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": msg + ": request ended before the check completed"})
	default:
		logger.Error(msg, logger.String("path", c.FullPath()), logger.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

func queryInt(c *gin.Context, key string, def, maxValue int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	if maxValue > 0 && n > maxValue {
		n = maxValue
	}
	return n, true
}

func queryTime(c *gin.Context, key string) (time.Time, bool) {
	raw := c.Query(key)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	return t, err == nil
}

func queryBool(c *gin.Context, key string) (*bool, bool) {
	raw := c.Query(key)
	if raw == "" {
		return nil, true
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, false
	}
	return &b, true
}

func (s *Server) handleHealth(c *gin.Context) {
	health := gin.H{
		"status":  "healthy",
		"time":    time.Now().Format(time.RFC3339),
		"version": "1.0.0",
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	for name, check := range s.deps {
		if err := check(ctx); err != nil {
			health["status"] = "degraded"
			health[name] = "disconnected"
			logger.Warn("Dependency health check failed", logger.String("dependency", name), logger.Err(err))
			continue
		}
		health[name] = "connected"
	}

	c.JSON(http.StatusOK, health)
}

// Middleware
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		logger.Info("HTTP Request",
			logger.String("method", method),
			logger.String("path", path),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("duration", time.Since(start)),
			logger.String("client_ip", c.ClientIP()),
		)
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

func (s *Server) timeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
