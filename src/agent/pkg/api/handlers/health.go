package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flowguard/flowguard/src/agent/pkg/api/models"
	"github.com/flowguard/flowguard/src/agent/pkg/engine"
	"github.com/flowguard/flowguard/src/agent/pkg/version"
)

var startTime = time.Now()

// BuildVersion is stamped at link time via -ldflags.
var BuildVersion = "0.1.0"

// HealthHandler handles health check requests
type HealthHandler struct {
	engine   *engine.Engine
	versions *version.Manager
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(eng *engine.Engine, vm *version.Manager) *HealthHandler {
	return &HealthHandler{
		engine:   eng,
		versions: vm,
	}
}

// GetHealth handles GET /api/v1/health
// Simple health check endpoint
func (h *HealthHandler) GetHealth(c *gin.Context) {
	response := models.HealthResponse{
		Status:  "ok",
		Message: "API server is healthy",
	}

	c.JSON(http.StatusOK, response)
}

// GetStatus handles GET /api/v1/status
// Detailed status endpoint with engine information
func (h *HealthHandler) GetStatus(c *gin.Context) {
	stats := h.engine.Statistics()

	engineStatus := models.EngineStatus{
		Status:  "running",
		Message: "Evaluation engine is operational",
	}
	if stats.Evaluations == 0 {
		engineStatus.Status = "idle"
		engineStatus.Message = "Evaluation engine is idle (no flows evaluated)"
	}

	overallStatus := "ok"
	activeID := ""
	if active := h.versions.Active(""); active != nil {
		activeID = active.ID
	} else {
		// No active policy means every unmatched flow takes the default
		// decision.
		overallStatus = "degraded"
	}

	response := models.StatusResponse{
		Status: overallStatus,
		Engine: engineStatus,
		API: models.APIStatus{
			Status:  "running",
			Message: "API server is operational",
		},
		Version: BuildVersion,
		Statistics: &models.StatisticsResponse{
			Evaluations:  stats.Evaluations,
			FastPathHits: stats.FastPathHits,
			Decisions:    stats.Decisions,
			Errors:       stats.Errors,
			Conntrack:    stats.Conntrack,
		},
		ActiveVersion: activeID,
		VersionCount:  len(h.versions.List()),
		Uptime:        int64(time.Since(startTime).Seconds()),
	}

	c.JSON(http.StatusOK, response)
}
