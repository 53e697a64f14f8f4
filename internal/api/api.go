// Package api provides the HTTP API for the camera scanner service.
package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/config"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/inventory"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/metrics"
	"github.com/aiforce-discovery-agent/collectors/camera-scanner/internal/pipeline"
)

const maxImportSize = 8 << 20

// Server represents the HTTP API server.
type Server struct {
	config   config.ServerConfig
	pipeline *pipeline.Service
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger
	router   *gin.Engine
}

// New creates a new API server.
func New(cfg config.ServerConfig, p *pipeline.Service, m *metrics.Metrics, logger *zap.SugaredLogger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		config:   cfg,
		pipeline: p,
		metrics:  m,
		logger:   logger,
		router:   gin.New(),
	}

	s.setupRoutes()
	return s
}

// Router returns the gin router.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(s.loggingMiddleware())

	// Health endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/ready", s.readyHandler)

	// API v1
	v1 := s.router.Group("/api/v1")
	v1.Use(s.apiKeyMiddleware())
	{
		// Pipeline control
		v1.POST("/pipeline/start", s.startPipelineHandler)
		v1.POST("/pipeline/stop", s.stopPipelineHandler)
		v1.GET("/pipeline/status", s.pipelineStatusHandler)

		// Inventory
		v1.GET("/cameras", s.camerasHandler)
		v1.GET("/cameras/export", s.exportHandler)
		v1.POST("/cameras/import", s.importHandler)
	}

	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := c.Request.URL.Path

		c.Next()

		s.logger.Debugw("Request completed",
			"path", start,
			"status", c.Writer.Status(),
			"method", c.Request.Method,
		)
	}
}

func (s *Server) apiKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.config.APIKey == "" || c.GetHeader("X-Internal-API-Key") == s.config.APIKey {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "invalid or missing API key",
		})
	}
}

// Health check handler
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "camera-scanner",
	})
}

// Readiness check handler
func (s *Server) readyHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ready",
		"service": "camera-scanner",
		"running": s.pipeline.IsRunning(),
	})
}

// Start pipeline handler. An empty body starts a run with configured defaults.
func (s *Server) startPipelineHandler(c *gin.Context) {
	var req StartPipelineRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
	}

	err := s.pipeline.Start(pipeline.Request{
		ScanID:      req.ScanID,
		Credentials: req.Credentials,
		RangeStart:  req.RangeStart,
		RangeEnd:    req.RangeEnd,
		VerifyOnly:  req.VerifyOnly,
		ProgressURL: req.ProgressURL,
		CompleteURL: req.CompleteURL,
		APIKey:      c.GetHeader("X-Internal-API-Key"),
	})
	switch {
	case errors.Is(err, pipeline.ErrAlreadyRunning), errors.Is(err, pipeline.ErrImporting):
		c.JSON(http.StatusConflict, gin.H{
			"error": err.Error(),
		})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	status := s.pipeline.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":  "started",
		"message": "Camera pipeline started",
		"scan_id": status.ScanID,
	})
}

// Stop pipeline handler
func (s *Server) stopPipelineHandler(c *gin.Context) {
	var req StopPipelineRequest
	if err := c.ShouldBindJSON(&req); err == nil && req.ScanID != "" {
		s.logger.Infow("Stop pipeline requested", "scan_id", req.ScanID)
	}

	s.pipeline.Stop()
	c.JSON(http.StatusOK, gin.H{
		"status":  "stopping",
		"message": "Camera pipeline stop requested",
	})
}

// Pipeline status handler
func (s *Server) pipelineStatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.pipeline.Status())
}

// Cameras handler lists the inventory without passwords.
func (s *Server) camerasHandler(c *gin.Context) {
	records := s.pipeline.Inventory()
	cameras := make([]CameraResponse, 0, len(records))
	for _, rec := range records {
		cameras = append(cameras, toCameraResponse(rec))
	}
	c.JSON(http.StatusOK, gin.H{
		"cameras": cameras,
		"count":   len(cameras),
	})
}

// Export handler renders the inventory as CSV.
func (s *Server) exportHandler(c *gin.Context) {
	c.Header("Content-Disposition", `attachment; filename="cameras.csv"`)
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Status(http.StatusOK)
	if err := inventory.Write(c.Writer, s.pipeline.Inventory()); err != nil {
		s.logger.Errorw("Failed to export cameras", "error", err)
	}
}

// Import handler reads a CSV in the template format, either as a multipart
// "file" field or as the raw request body.
func (s *Server) importHandler(c *gin.Context) {
	var body io.Reader
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "multipart field \"file\" required",
			})
			return
		}
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		defer f.Close()
		body = f
	} else {
		body = c.Request.Body
	}

	records, err := inventory.Read(io.LimitReader(body, maxImportSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	n, err := s.pipeline.Import(records)
	switch {
	case errors.Is(err, pipeline.ErrAlreadyRunning), errors.Is(err, pipeline.ErrImporting):
		c.JSON(http.StatusConflict, gin.H{
			"error": err.Error(),
		})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"imported": n,
	})
}
