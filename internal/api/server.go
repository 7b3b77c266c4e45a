package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/practice-measure-engine/internal/domain"
	"github.com/practice-measure-engine/internal/engine"
)

// HealthChecker reports backing store health for the readiness endpoint.
type HealthChecker func(ctx context.Context) error

// Server represents the HTTP server
type Server struct {
	cfg     *domain.Config
	engine  *engine.Engine
	catalog domain.MeasureCatalog
	store   domain.MeasurementStore
	health  HealthChecker
	log     *logrus.Logger
	router  *gin.Engine
	server  *http.Server
}

// NewServer creates a new HTTP server instance
func NewServer(cfg *domain.Config, eng *engine.Engine, catalog domain.MeasureCatalog, store domain.MeasurementStore, health HealthChecker, logger *logrus.Logger) *Server {
	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add middleware
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(securityHeadersMiddleware())
	router.Use(correlationIDMiddleware())

	server := &Server{
		cfg:     cfg,
		engine:  eng,
		catalog: catalog,
		store:   store,
		health:  health,
		log:     logger,
		router:  router,
	}

	server.setupRoutes()

	return server
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start starts the HTTP server and blocks until the context is cancelled,
// then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.cfg.Server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	s.log.WithField("addr", addr).Info("HTTP server started")

	select {
	case err := <-errCh:
		return fmt.Errorf("starting server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	v1.Use(rateLimitMiddleware(s.cfg.Server.RateLimit, s.cfg.Server.RateBurst))
	{
		v1.GET("/measures", s.handleListMeasures)
		v1.POST("/patients/:patientID/measurements", s.handleRecordMeasurement)
		v1.PUT("/measures/:measureID/formula", s.handleUpdateFormula)
		v1.POST("/measures/:measureID/recalculate", s.handleRecalculate)
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	dbStatus := "ok"
	if s.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			status = http.StatusServiceUnavailable
			dbStatus = err.Error()
		}
	}

	c.JSON(status, gin.H{
		"status":    http.StatusText(status),
		"database":  dbStatus,
		"cache":     s.engine.CacheStats(),
		"timestamp": time.Now().UTC(),
	})
}
