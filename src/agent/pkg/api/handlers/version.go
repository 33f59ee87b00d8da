package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/flowguard/flowguard/src/agent/pkg/api/models"
	"github.com/flowguard/flowguard/src/agent/pkg/enforce"
	"github.com/flowguard/flowguard/src/agent/pkg/flow"
	"github.com/flowguard/flowguard/src/agent/pkg/rule"
	"github.com/flowguard/flowguard/src/agent/pkg/storage"
	"github.com/flowguard/flowguard/src/agent/pkg/version"
)

// VersionHandler handles policy version and rule management requests
type VersionHandler struct {
	versions *version.Manager
	store    storage.Storage // nil disables persistence
}

// NewVersionHandler creates a new version handler. The storage may be
// nil, in which case mutations are not persisted.
func NewVersionHandler(vm *version.Manager, store storage.Storage) *VersionHandler {
	return &VersionHandler{
		versions: vm,
		store:    store,
	}
}

// CreateVersion handles POST /api/v1/versions
func (h *VersionHandler) CreateVersion(c *gin.Context) {
	var req models.VersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(
			http.StatusBadRequest,
			"validation_error",
			"Invalid request body",
			err.Error(),
		))
		return
	}

	rules := make([]*rule.Rule, 0, len(req.Rules))
	for _, rr := range req.Rules {
		r, err := buildRule(rr)
		if err != nil {
			c.JSON(http.StatusBadRequest, models.NewErrorResponse(
				http.StatusBadRequest,
				"validation_error",
				fmt.Sprintf("Invalid rule %d", rr.ID),
				err.Error(),
			))
			return
		}
		rules = append(rules, r)
	}

	v, err := h.versions.Create(req.Name, rules, req.ParentID, req.Target)
	if err != nil {
		h.writeError(c, "version_error", "Failed to create version", err)
		return
	}

	h.persist(v)
	c.JSON(http.StatusCreated, versionResponse(v))
}

// ListVersions handles GET /api/v1/versions
func (h *VersionHandler) ListVersions(c *gin.Context) {
	versions := h.versions.List()

	response := models.VersionListResponse{
		Versions: make([]models.VersionResponse, 0, len(versions)),
		Count:    len(versions),
	}
	for _, v := range versions {
		response.Versions = append(response.Versions, versionResponse(v))
	}

	c.JSON(http.StatusOK, response)
}

// GetVersion handles GET /api/v1/versions/:id
func (h *VersionHandler) GetVersion(c *gin.Context) {
	v, err := h.versions.Get(c.Param("id"))
	if err != nil {
		h.writeError(c, "version_error", "Failed to retrieve version", err)
		return
	}
	c.JSON(http.StatusOK, versionResponse(v))
}

// StageVersion handles POST /api/v1/versions/:id/stage
func (h *VersionHandler) StageVersion(c *gin.Context) {
	var req models.StageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(
			http.StatusBadRequest,
			"validation_error",
			"Invalid request body",
			err.Error(),
		))
		return
	}

	id := c.Param("id")
	if err := h.versions.Stage(id, *req.Percentage); err != nil {
		h.writeError(c, "version_error", "Failed to stage version", err)
		return
	}

	v, err := h.versions.Get(id)
	if err != nil {
		h.writeError(c, "version_error", "Failed to retrieve version", err)
		return
	}
	h.persist(v)
	c.JSON(http.StatusOK, versionResponse(v))
}

// ActivateVersion handles POST /api/v1/versions/:id/activate
func (h *VersionHandler) ActivateVersion(c *gin.Context) {
	id := c.Param("id")
	if err := h.versions.Activate(id); err != nil {
		h.writeError(c, "version_error", "Failed to activate version", err)
		return
	}

	// Activation archives the previously active version for the same
	// segment; persist everything so a restart replays the same state.
	for _, v := range h.versions.List() {
		h.persist(v)
	}

	v, err := h.versions.Get(id)
	if err != nil {
		h.writeError(c, "version_error", "Failed to retrieve version", err)
		return
	}
	c.JSON(http.StatusOK, versionResponse(v))
}

// GetLineage handles GET /api/v1/versions/:id/lineage
func (h *VersionHandler) GetLineage(c *gin.Context) {
	id := c.Param("id")
	chain, err := h.versions.Lineage(id)
	if err != nil {
		h.writeError(c, "version_error", "Failed to resolve lineage", err)
		return
	}
	c.JSON(http.StatusOK, models.LineageResponse{
		VersionID: id,
		Lineage:   chain,
	})
}

// ListRules handles GET /api/v1/versions/:id/rules
func (h *VersionHandler) ListRules(c *gin.Context) {
	v, err := h.versions.Get(c.Param("id"))
	if err != nil {
		h.writeError(c, "version_error", "Failed to retrieve version", err)
		return
	}

	rules := v.Rules.List()
	response := models.RuleListResponse{
		VersionID: v.ID,
		Rules:     make([]models.RuleResponse, 0, len(rules)),
		Count:     len(rules),
	}
	for _, r := range rules {
		response.Rules = append(response.Rules, models.RuleResponse{
			Rule: r,
			Hits: v.Rules.Hits(r.ID),
		})
	}

	c.JSON(http.StatusOK, response)
}

// AddRule handles POST /api/v1/versions/:id/rules
func (h *VersionHandler) AddRule(c *gin.Context) {
	v, err := h.versions.Get(c.Param("id"))
	if err != nil {
		h.writeError(c, "version_error", "Failed to retrieve version", err)
		return
	}

	var req models.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(
			http.StatusBadRequest,
			"validation_error",
			"Invalid request body",
			err.Error(),
		))
		return
	}

	r, err := buildRule(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(
			http.StatusBadRequest,
			"validation_error",
			"Invalid rule",
			err.Error(),
		))
		return
	}

	if err := v.Rules.Add(r); err != nil {
		h.writeError(c, "rule_error", "Failed to add rule", err)
		return
	}

	h.persist(v)
	c.JSON(http.StatusCreated, models.RuleResponse{Rule: r})
}

// UpdateRule handles PUT /api/v1/versions/:id/rules/:rule_id
func (h *VersionHandler) UpdateRule(c *gin.Context) {
	v, err := h.versions.Get(c.Param("id"))
	if err != nil {
		h.writeError(c, "version_error", "Failed to retrieve version", err)
		return
	}

	ruleID, err := parseRuleID(c)
	if err != nil {
		return
	}

	var req models.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(
			http.StatusBadRequest,
			"validation_error",
			"Invalid request body",
			err.Error(),
		))
		return
	}
	if req.ID != ruleID {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(
			http.StatusBadRequest,
			"validation_error",
			"Rule ID in URL does not match rule ID in request body",
			nil,
		))
		return
	}

	r, err := buildRule(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(
			http.StatusBadRequest,
			"validation_error",
			"Invalid rule",
			err.Error(),
		))
		return
	}

	if err := v.Rules.Update(r); err != nil {
		h.writeError(c, "rule_error", "Failed to update rule", err)
		return
	}

	h.persist(v)
	c.JSON(http.StatusOK, models.RuleResponse{Rule: r})
}

// DeleteRule handles DELETE /api/v1/versions/:id/rules/:rule_id
func (h *VersionHandler) DeleteRule(c *gin.Context) {
	v, err := h.versions.Get(c.Param("id"))
	if err != nil {
		h.writeError(c, "version_error", "Failed to retrieve version", err)
		return
	}

	ruleID, err := parseRuleID(c)
	if err != nil {
		return
	}

	if err := v.Rules.Delete(ruleID); err != nil {
		h.writeError(c, "rule_error", "Failed to delete rule", err)
		return
	}

	h.persist(v)
	c.JSON(http.StatusOK, gin.H{
		"message": fmt.Sprintf("Rule %d deleted successfully", ruleID),
	})
}

// buildRule converts an API rule request into the internal form,
// decoding raw enforcement parameters along the way.
func buildRule(req models.RuleRequest) (*rule.Rule, error) {
	enf, err := enforce.DecodeParams(req.Params)
	if err != nil {
		return nil, err
	}

	r := &rule.Rule{
		ID:         req.ID,
		Name:       req.Name,
		Priority:   req.Priority,
		Direction:  flow.Direction(req.Direction),
		Network:    req.Network,
		App:        req.App,
		Identity:   req.Identity,
		Geo:        req.Geo,
		Conditions: req.Conditions,
		Logic:      rule.ConditionLogic(req.Logic),
		Action:     rule.Action(req.Action),
		Enforce:    enf,
		Enabled:    req.Enabled,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func parseRuleID(c *gin.Context) (uint32, error) {
	id, err := strconv.ParseUint(c.Param("rule_id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(
			http.StatusBadRequest,
			"validation_error",
			"Invalid rule ID",
			err.Error(),
		))
		return 0, err
	}
	return uint32(id), nil
}

func versionResponse(v *version.Version) models.VersionResponse {
	return models.VersionResponse{
		ID:          v.ID,
		Name:        v.Name,
		Status:      string(v.Status),
		Percentage:  v.Percentage,
		Target:      v.Target,
		ParentID:    v.ParentID,
		RuleCount:   v.Rules.Snapshot().Len(),
		CreatedAt:   v.CreatedAt,
		UpdatedAt:   v.UpdatedAt,
		ActivatedAt: v.ActivatedAt,
	}
}

// persist saves a version if storage is configured. Persistence
// failures are logged, not surfaced; the in-memory state already
// changed.
func (h *VersionHandler) persist(v *version.Version) {
	if h.store == nil {
		return
	}
	if err := h.store.SaveVersion(v); err != nil {
		log.Errorf("Failed to persist version %s: %v", v.ID, err)
	}
}

// writeError maps domain errors onto HTTP status codes.
func (h *VersionHandler) writeError(c *gin.Context, kind, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, version.ErrNotFound) || errors.Is(err, rule.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, rule.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, rule.ErrValidation),
		errors.Is(err, version.ErrInvalidPercentage),
		errors.Is(err, version.ErrInvalidTransition),
		errors.Is(err, version.ErrEmptyVersion),
		errors.Is(err, version.ErrCanaryOverflow):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		log.Errorf("%s: %v", message, err)
	}
	c.JSON(status, models.NewErrorResponse(status, kind, message, err.Error()))
}
