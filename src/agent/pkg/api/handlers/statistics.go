package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flowguard/flowguard/src/agent/pkg/api/models"
	"github.com/flowguard/flowguard/src/agent/pkg/engine"
	"github.com/flowguard/flowguard/src/agent/pkg/rule"
	"github.com/flowguard/flowguard/src/agent/pkg/version"
)

// StatisticsHandler handles statistics requests
type StatisticsHandler struct {
	engine   *engine.Engine
	versions *version.Manager
}

// NewStatisticsHandler creates a new statistics handler
func NewStatisticsHandler(eng *engine.Engine, vm *version.Manager) *StatisticsHandler {
	return &StatisticsHandler{
		engine:   eng,
		versions: vm,
	}
}

// GetAllStats handles GET /api/v1/stats
func (h *StatisticsHandler) GetAllStats(c *gin.Context) {
	stats := h.engine.Statistics()

	response := models.StatisticsResponse{
		Evaluations:  stats.Evaluations,
		FastPathHits: stats.FastPathHits,
		Decisions:    stats.Decisions,
		Errors:       stats.Errors,
		Conntrack:    stats.Conntrack,
	}

	c.JSON(http.StatusOK, response)
}

// GetDecisionStats handles GET /api/v1/stats/decisions
func (h *StatisticsHandler) GetDecisionStats(c *gin.Context) {
	stats := h.engine.Statistics()

	var total uint64
	for _, n := range stats.Decisions {
		total += n
	}

	var passRate, dropRate float64
	if total > 0 {
		passRate = float64(stats.Decisions[string(rule.DecisionPass)]) / float64(total) * 100
		dropRate = float64(stats.Decisions[string(rule.DecisionDrop)]) / float64(total) * 100
	}

	response := models.DecisionStatsResponse{
		Decisions: stats.Decisions,
		Total:     total,
		PassRate:  passRate,
		DropRate:  dropRate,
	}

	c.JSON(http.StatusOK, response)
}

// GetCacheStats handles GET /api/v1/stats/cache
func (h *StatisticsHandler) GetCacheStats(c *gin.Context) {
	stats := h.engine.Statistics()

	hits := stats.Conntrack.CacheHits
	misses := stats.Conntrack.CacheMisses

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	response := models.CacheStatsResponse{
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}

	c.JSON(http.StatusOK, response)
}

// GetSessionStats handles GET /api/v1/stats/sessions
func (h *StatisticsHandler) GetSessionStats(c *gin.Context) {
	ct := h.engine.Statistics().Conntrack

	response := models.SessionStatsResponse{
		ActiveSessions: ct.ActiveEntries,
		NewSessions:    ct.NewSessions,
		Established:    ct.Established,
		ClosedSessions: ct.ClosedSessions,
		TimedOut:       ct.TimedOut,
		Evicted:        ct.Evicted,
	}

	c.JSON(http.StatusOK, response)
}

// GetRuleStats handles GET /api/v1/stats/rules
// Per-rule hit counters for the active version of the default segment.
func (h *StatisticsHandler) GetRuleStats(c *gin.Context) {
	active := h.versions.Active(c.Query("segment"))
	if active == nil {
		c.JSON(http.StatusNotFound, models.NewErrorResponse(
			http.StatusNotFound,
			"not_found",
			"No active policy version",
			nil,
		))
		return
	}

	hits := make(map[uint32]uint64)
	for _, r := range active.Rules.List() {
		hits[r.ID] = active.Rules.Hits(r.ID)
	}

	c.JSON(http.StatusOK, models.RuleStatsResponse{
		VersionID: active.ID,
		Hits:      hits,
	})
}
