package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/flowguard/flowguard/src/agent/pkg/api/handlers"
	"github.com/flowguard/flowguard/src/agent/pkg/api/models"
)

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	healthHandler := handlers.NewHealthHandler(s.engine, s.versions)
	versionHandler := handlers.NewVersionHandler(s.versions, s.store)
	evaluateHandler := handlers.NewEvaluateHandler(s.engine)
	connHandler := handlers.NewConnectionHandler(s.engine.Table())
	statsHandler := handlers.NewStatisticsHandler(s.engine, s.versions)

	// Prometheus scrape endpoint lives outside the API group.
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	// API v1 group
	v1 := s.router.Group("/api/v1")
	{
		// Health and status endpoints
		v1.GET("/health", healthHandler.GetHealth)
		v1.GET("/status", healthHandler.GetStatus)

		// Flow evaluation
		v1.POST("/evaluate", evaluateHandler.Evaluate)

		// Version lifecycle and rule management endpoints
		versions := v1.Group("/versions")
		{
			versions.POST("", versionHandler.CreateVersion)
			versions.GET("", versionHandler.ListVersions)
			versions.GET("/:id", versionHandler.GetVersion)
			versions.POST("/:id/stage", versionHandler.StageVersion)
			versions.POST("/:id/activate", versionHandler.ActivateVersion)
			versions.GET("/:id/lineage", versionHandler.GetLineage)

			versions.GET("/:id/rules", versionHandler.ListRules)
			versions.POST("/:id/rules", versionHandler.AddRule)
			versions.PUT("/:id/rules/:rule_id", versionHandler.UpdateRule)
			versions.DELETE("/:id/rules/:rule_id", versionHandler.DeleteRule)
		}

		// Connection table queries
		v1.GET("/connections", connHandler.ListConnections)

		// Audit event queries
		if s.auditRing != nil {
			auditHandler := handlers.NewAuditHandler(s.auditRing)
			v1.GET("/audit/events", auditHandler.ListEvents)
		}

		// Statistics endpoints
		stats := v1.Group("/stats")
		{
			stats.GET("", statsHandler.GetAllStats)
			stats.GET("/decisions", statsHandler.GetDecisionStats)
			stats.GET("/cache", statsHandler.GetCacheStats)
			stats.GET("/sessions", statsHandler.GetSessionStats)
			stats.GET("/rules", statsHandler.GetRuleStats)
		}

		// Configuration endpoints
		config := v1.Group("/config")
		{
			config.GET("", s.handleGetConfig)
			config.PUT("", s.handleUpdateConfig)
		}
	}
}

func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, models.ConfigResponse{
		LogLevel: log.GetLevel().String(),
		APIHost:  s.config.Host,
		APIPort:  s.config.Port,
	})
}

func (s *Server) handleUpdateConfig(c *gin.Context) {
	var req models.ConfigUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(
			http.StatusBadRequest,
			"validation_error",
			"Invalid request body",
			err.Error(),
		))
		return
	}

	if req.LogLevel != nil {
		level, err := log.ParseLevel(*req.LogLevel)
		if err != nil {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse(
				http.StatusBadRequest,
				"validation_error",
				"Invalid log level",
				err.Error(),
			))
			return
		}
		log.SetLevel(level)
		log.Infof("Log level changed to %s", level)
	}

	s.handleGetConfig(c)
}
