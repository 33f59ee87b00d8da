// Package api provides the RESTful HTTP API server for managing
// the policy enforcement agent. It exposes endpoints for version and
// rule management, flow evaluation, connection and audit queries,
// statistics, and health checks.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/flowguard/flowguard/src/agent/pkg/audit"
	"github.com/flowguard/flowguard/src/agent/pkg/engine"
	"github.com/flowguard/flowguard/src/agent/pkg/metrics"
	"github.com/flowguard/flowguard/src/agent/pkg/storage"
	"github.com/flowguard/flowguard/src/agent/pkg/version"
)

// Server represents the HTTP API server that provides RESTful endpoints
// for managing policy versions, evaluating flows, and monitoring the
// agent. It uses the Gin framework over the evaluation engine.
type Server struct {
	config     *Config
	engine     *engine.Engine
	versions   *version.Manager
	store      storage.Storage  // nil disables persistence
	auditRing  *audit.RingSink  // nil disables the audit endpoint
	metrics    *metrics.Metrics // nil disables /metrics
	httpServer *http.Server
	router     *gin.Engine
}

// NewAPIServer creates and initializes a new API server instance.
// It sets up the Gin router, configures middleware, and registers all
// routes. The storage, audit ring and metrics may each be nil, which
// disables the corresponding surface.
func NewAPIServer(cfg *Config, eng *engine.Engine, vm *version.Manager, store storage.Storage, ring *audit.RingSink, m *metrics.Metrics) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	// Set Gin mode based on log level
	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	server := &Server{
		config:    cfg,
		engine:    eng,
		versions:  vm,
		store:     store,
		auditRing: ring,
		metrics:   m,
		router:    router,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server, nil
}

// Start starts the HTTP server in a background goroutine.
// The server will listen on the configured host and port.
// This method returns immediately; the server runs asynchronously.
func (s *Server) Start() error {
	addr := s.config.Addr()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	log.Infof("Starting API server on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start API server: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server. In-flight requests get
// the configured shutdown window to complete.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	log.Info("Shutting down API server...")

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Errorf("API server forced to shutdown: %v", err)
		return err
	}

	log.Info("API server stopped gracefully")
	return nil
}

// GetRouter returns the underlying Gin router instance. This is
// primarily useful for testing purposes to inject test HTTP requests
// without starting the full HTTP server.
func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
