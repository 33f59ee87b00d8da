// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowguard/flowguard/src/agent/pkg/api/models"
	"github.com/flowguard/flowguard/src/agent/pkg/engine"
	"github.com/flowguard/flowguard/src/agent/pkg/flow"
	"github.com/flowguard/flowguard/src/agent/pkg/flowctx"
	"github.com/flowguard/flowguard/src/agent/pkg/version"
)

func setupStatsTestRouter(eng *engine.Engine, vm *version.Manager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	handler := NewStatisticsHandler(eng, vm)

	router.GET("/api/v1/stats", handler.GetAllStats)
	router.GET("/api/v1/stats/decisions", handler.GetDecisionStats)
	router.GET("/api/v1/stats/cache", handler.GetCacheStats)
	router.GET("/api/v1/stats/sessions", handler.GetSessionStats)
	router.GET("/api/v1/stats/rules", handler.GetRuleStats)

	return router
}

func evalFlows(eng *engine.Engine, n int) {
	for i := 0; i < n; i++ {
		eng.Evaluate(flowctx.Sample{
			Key: flow.Key{
				SrcIP:    netip.MustParseAddr("192.168.5.5"),
				DstIP:    netip.MustParseAddr("10.0.0.1"),
				SrcPort:  uint16(30000 + i),
				DstPort:  443,
				Protocol: flow.ProtoTCP,
			},
			Direction: flow.DirectionOutbound,
			Bytes:     10,
		})
	}
}

// TestGetAllStats reflects evaluated flows in the counters
func TestGetAllStats(t *testing.T) {
	eng, vm := newTestEngine(t, allowAllRules())
	router := setupStatsTestRouter(eng, vm)
	evalFlows(eng, 5)

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response models.StatisticsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, uint64(5), response.Evaluations)
	assert.Equal(t, uint64(5), response.Decisions["PASS"])
	assert.Equal(t, 5, response.Conntrack.ActiveEntries)
}

// TestGetDecisionStats computes pass/drop rates
func TestGetDecisionStats(t *testing.T) {
	eng, vm := newTestEngine(t, allowAllRules())
	router := setupStatsTestRouter(eng, vm)
	evalFlows(eng, 4)

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/stats/decisions", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response models.DecisionStatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, uint64(4), response.Total)
	assert.InDelta(t, 100.0, response.PassRate, 0.01)
	assert.Zero(t, response.DropRate)
}

// TestGetCacheStats reports fast-path effectiveness
func TestGetCacheStats(t *testing.T) {
	eng, vm := newTestEngine(t, allowAllRules())
	router := setupStatsTestRouter(eng, vm)
	evalFlows(eng, 3)

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/stats/cache", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response models.CacheStatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, uint64(3), response.Misses)
}

// TestGetRuleStats returns per-rule hit counters for the active version
func TestGetRuleStats(t *testing.T) {
	eng, vm := newTestEngine(t, allowAllRules())
	router := setupStatsTestRouter(eng, vm)
	evalFlows(eng, 2)

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/stats/rules", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response models.RuleStatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, uint64(2), response.Hits[1])
}

// TestGetRuleStats_NoActiveVersion returns 404 when nothing is active
func TestGetRuleStats_NoActiveVersion(t *testing.T) {
	eng, vm := newTestEngine(t, nil)
	router := setupStatsTestRouter(eng, vm)

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/stats/rules", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
