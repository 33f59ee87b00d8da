// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowguard/flowguard/src/agent/pkg/api/models"
	"github.com/flowguard/flowguard/src/agent/pkg/audit"
)

// TestListConnections returns tracked entries after evaluation
func TestListConnections(t *testing.T) {
	eng, _ := newTestEngine(t, allowAllRules())
	evalFlows(eng, 3)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/api/v1/connections", NewConnectionHandler(eng.Table()).ListConnections)

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/connections?limit=2", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var response models.ConnectionListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, 2, response.Count)
	assert.Equal(t, 3, response.Total)
}

// TestListConnections_BadLimit rejects malformed limits
func TestListConnections_BadLimit(t *testing.T) {
	eng, _ := newTestEngine(t, allowAllRules())

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/api/v1/connections", NewConnectionHandler(eng.Table()).ListConnections)

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/connections?limit=bogus", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestListAuditEvents filters by type and respects the limit
func TestListAuditEvents(t *testing.T) {
	ring := audit.NewRingSink(64)
	em := audit.NewEmitter(ring)
	em.Emit(audit.Event{Type: audit.EventRuleMatch, Message: "rule 1 matched"})
	em.Emit(audit.Event{Type: audit.EventDecisionMade, Message: "decision PASS"})
	em.Emit(audit.Event{Type: audit.EventDecisionMade, Message: "decision DROP"})

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/api/v1/audit/events", NewAuditHandler(ring).ListEvents)

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/audit/events?type=decision_made", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var response models.AuditListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	require.Equal(t, 2, response.Count)
	assert.Equal(t, "decision DROP", response.Events[0].Message, "newest first")
}
