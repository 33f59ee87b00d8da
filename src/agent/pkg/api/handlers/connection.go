package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/flowguard/flowguard/src/agent/pkg/api/models"
	"github.com/flowguard/flowguard/src/agent/pkg/audit"
	"github.com/flowguard/flowguard/src/agent/pkg/conntrack"
)

// ConnectionHandler handles connection table queries
type ConnectionHandler struct {
	table *conntrack.Table
}

// NewConnectionHandler creates a new connection handler
func NewConnectionHandler(table *conntrack.Table) *ConnectionHandler {
	return &ConnectionHandler{table: table}
}

// ListConnections handles GET /api/v1/connections
func (h *ConnectionHandler) ListConnections(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse(
				http.StatusBadRequest,
				"validation_error",
				"Invalid limit",
				raw,
			))
			return
		}
		limit = parsed
	}

	entries := h.table.List(limit)
	c.JSON(http.StatusOK, models.ConnectionListResponse{
		Connections: entries,
		Count:       len(entries),
		Total:       h.table.Len(),
	})
}

// AuditHandler handles audit event queries
type AuditHandler struct {
	ring *audit.RingSink
}

// NewAuditHandler creates a new audit handler
func NewAuditHandler(ring *audit.RingSink) *AuditHandler {
	return &AuditHandler{ring: ring}
}

// ListEvents handles GET /api/v1/audit/events
func (h *AuditHandler) ListEvents(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse(
				http.StatusBadRequest,
				"validation_error",
				"Invalid limit",
				raw,
			))
			return
		}
		limit = parsed
	}

	events := h.ring.Events(limit, audit.EventType(c.Query("type")))
	c.JSON(http.StatusOK, models.AuditListResponse{
		Events: events,
		Count:  len(events),
	})
}
