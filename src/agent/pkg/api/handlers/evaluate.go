package handlers

import (
	"net/http"
	"net/netip"

	"github.com/gin-gonic/gin"

	"github.com/flowguard/flowguard/src/agent/pkg/api/models"
	"github.com/flowguard/flowguard/src/agent/pkg/engine"
	"github.com/flowguard/flowguard/src/agent/pkg/flow"
	"github.com/flowguard/flowguard/src/agent/pkg/flowctx"
)

// EvaluateHandler handles flow evaluation requests
type EvaluateHandler struct {
	engine *engine.Engine
}

// NewEvaluateHandler creates a new evaluate handler
func NewEvaluateHandler(eng *engine.Engine) *EvaluateHandler {
	return &EvaluateHandler{engine: eng}
}

// Evaluate handles POST /api/v1/evaluate
func (h *EvaluateHandler) Evaluate(c *gin.Context) {
	var req models.EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(
			http.StatusBadRequest,
			"validation_error",
			"Invalid request body",
			err.Error(),
		))
		return
	}

	s, err := buildSample(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(
			http.StatusBadRequest,
			"validation_error",
			"Invalid flow observation",
			err.Error(),
		))
		return
	}

	d := h.engine.Evaluate(s)
	c.JSON(http.StatusOK, models.EvaluateResponse{Decision: d})
}

func buildSample(req models.EvaluateRequest) (flowctx.Sample, error) {
	var s flowctx.Sample

	src, err := netip.ParseAddr(req.SrcIP)
	if err != nil {
		return s, err
	}
	dst, err := netip.ParseAddr(req.DstIP)
	if err != nil {
		return s, err
	}
	proto, err := flow.ParseProtocol(req.Protocol)
	if err != nil {
		return s, err
	}
	dir, err := flow.ParseDirection(req.Direction)
	if err != nil {
		return s, err
	}

	return flowctx.Sample{
		Key: flow.Key{
			SrcIP:    src,
			DstIP:    dst,
			SrcPort:  req.SrcPort,
			DstPort:  req.DstPort,
			Protocol: proto,
		},
		Direction: dir,
		App:       req.App,
		Identity:  req.Identity,
		Bytes:     req.Bytes,
		Packets:   req.Packets,
		Fin:       req.Fin,
		Rst:       req.Rst,
	}, nil
}
