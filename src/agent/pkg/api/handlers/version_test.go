// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowguard/flowguard/src/agent/pkg/api/models"
	"github.com/flowguard/flowguard/src/agent/pkg/version"
)

func setupVersionTestRouter(vm *version.Manager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	handler := NewVersionHandler(vm, nil)

	v1 := router.Group("/api/v1")
	versions := v1.Group("/versions")
	versions.POST("", handler.CreateVersion)
	versions.GET("", handler.ListVersions)
	versions.GET("/:id", handler.GetVersion)
	versions.POST("/:id/stage", handler.StageVersion)
	versions.POST("/:id/activate", handler.ActivateVersion)
	versions.GET("/:id/lineage", handler.GetLineage)
	versions.GET("/:id/rules", handler.ListRules)
	versions.POST("/:id/rules", handler.AddRule)
	versions.PUT("/:id/rules/:rule_id", handler.UpdateRule)
	versions.DELETE("/:id/rules/:rule_id", handler.DeleteRule)

	return router
}

func postJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, _ := http.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// TestCreateVersion_Lifecycle walks create -> stage -> activate over
// HTTP
func TestCreateVersion_Lifecycle(t *testing.T) {
	vm := version.NewManager()
	router := setupVersionTestRouter(vm)

	w := postJSON(t, router, http.MethodPost, "/api/v1/versions", models.VersionRequest{
		Name: "baseline",
		Rules: []models.RuleRequest{
			{ID: 1, Name: "allow-all", Priority: 1, Action: "pass", Enabled: true},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created models.VersionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "draft", created.Status)
	assert.Equal(t, 1, created.RuleCount)

	// Stage at 20%.
	pct := 20
	w = postJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/v1/versions/%s/stage", created.ID),
		models.StageRequest{Percentage: &pct})
	require.Equal(t, http.StatusOK, w.Code)

	var staged models.VersionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &staged))
	assert.Equal(t, "staged", staged.Status)
	assert.Equal(t, uint8(20), staged.Percentage)

	// Activate.
	req, _ := http.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/v1/versions/%s/activate", created.ID), nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var activated models.VersionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &activated))
	assert.Equal(t, "active", activated.Status)
	assert.Equal(t, uint8(100), activated.Percentage)
}

// TestStageVersion_RejectsOverflow returns 400 when staged shares for
// a segment exceed 100%
func TestStageVersion_RejectsOverflow(t *testing.T) {
	vm := version.NewManager()
	router := setupVersionTestRouter(vm)

	ids := make([]string, 2)
	for i := range ids {
		w := postJSON(t, router, http.MethodPost, "/api/v1/versions", models.VersionRequest{
			Name: fmt.Sprintf("v%d", i),
			Rules: []models.RuleRequest{
				{ID: 1, Priority: 1, Action: "pass", Enabled: true},
			},
		})
		require.Equal(t, http.StatusCreated, w.Code)
		var created models.VersionResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
		ids[i] = created.ID
	}

	pct := 60
	w := postJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/v1/versions/%s/stage", ids[0]),
		models.StageRequest{Percentage: &pct})
	require.Equal(t, http.StatusOK, w.Code)

	w = postJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/v1/versions/%s/stage", ids[1]),
		models.StageRequest{Percentage: &pct})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestActivateVersion_RejectsEmpty returns 400 for a version with no
// rules
func TestActivateVersion_RejectsEmpty(t *testing.T) {
	vm := version.NewManager()
	router := setupVersionTestRouter(vm)

	w := postJSON(t, router, http.MethodPost, "/api/v1/versions", models.VersionRequest{
		Name: "empty",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created models.VersionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	req, _ := http.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/v1/versions/%s/activate", created.ID), nil)
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req)
	assert.Equal(t, http.StatusBadRequest, w2.Code)
}

// TestVersion_NotFound returns 404 for unknown version ids
func TestVersion_NotFound(t *testing.T) {
	vm := version.NewManager()
	router := setupVersionTestRouter(vm)

	req, _ := http.NewRequest(http.MethodGet, "/api/v1/versions/no-such-id", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var response models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, http.StatusNotFound, response.Code)
}

// TestRuleCRUD exercises rule management inside a version
func TestRuleCRUD(t *testing.T) {
	vm := version.NewManager()
	router := setupVersionTestRouter(vm)

	w := postJSON(t, router, http.MethodPost, "/api/v1/versions", models.VersionRequest{
		Name: "v1",
		Rules: []models.RuleRequest{
			{ID: 1, Priority: 1, Action: "pass", Enabled: true},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created models.VersionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	base := fmt.Sprintf("/api/v1/versions/%s/rules", created.ID)

	// Add a rate-limit rule with raw enforcement params.
	w = postJSON(t, router, http.MethodPost, base, models.RuleRequest{
		ID:       2,
		Name:     "limit-bulk",
		Priority: 500,
		Action:   "rate_limit",
		Enabled:  true,
		Params: map[string]interface{}{
			"rate_limit": map[string]interface{}{
				"rate_kbps": 5000,
			},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	// Duplicate id conflicts.
	w = postJSON(t, router, http.MethodPost, base, models.RuleRequest{
		ID: 2, Priority: 1, Action: "pass", Enabled: true,
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Unknown enforcement parameter keys are rejected.
	w = postJSON(t, router, http.MethodPost, base, models.RuleRequest{
		ID: 3, Priority: 1, Action: "pass", Enabled: true,
		Params: map[string]interface{}{
			"rate_limit": map[string]interface{}{
				"rate_kbsp": 5000, // typo must not be silently dropped
			},
		},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Update.
	w = postJSON(t, router, http.MethodPut, base+"/2", models.RuleRequest{
		ID:       2,
		Name:     "limit-bulk-tighter",
		Priority: 600,
		Action:   "rate_limit",
		Enabled:  true,
		Params: map[string]interface{}{
			"rate_limit": map[string]interface{}{
				"rate_kbps": 1000,
			},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	// List shows both rules, higher priority first.
	req, _ := http.NewRequest(http.MethodGet, base, nil)
	lw := httptest.NewRecorder()
	router.ServeHTTP(lw, req)
	require.Equal(t, http.StatusOK, lw.Code)
	var list models.RuleListResponse
	require.NoError(t, json.Unmarshal(lw.Body.Bytes(), &list))
	require.Equal(t, 2, list.Count)
	assert.Equal(t, uint32(2), list.Rules[0].ID)
	assert.Equal(t, "limit-bulk-tighter", list.Rules[0].Name)

	// Delete.
	req, _ = http.NewRequest(http.MethodDelete, base+"/2", nil)
	dw := httptest.NewRecorder()
	router.ServeHTTP(dw, req)
	require.Equal(t, http.StatusOK, dw.Code)

	req, _ = http.NewRequest(http.MethodDelete, base+"/2", nil)
	dw = httptest.NewRecorder()
	router.ServeHTTP(dw, req)
	assert.Equal(t, http.StatusNotFound, dw.Code)
}

// TestGetLineage walks parent links over HTTP
func TestGetLineage(t *testing.T) {
	vm := version.NewManager()
	router := setupVersionTestRouter(vm)

	w := postJSON(t, router, http.MethodPost, "/api/v1/versions", models.VersionRequest{
		Name: "root",
		Rules: []models.RuleRequest{
			{ID: 1, Priority: 1, Action: "pass", Enabled: true},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var root models.VersionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &root))

	w = postJSON(t, router, http.MethodPost, "/api/v1/versions", models.VersionRequest{
		Name:     "child",
		ParentID: root.ID,
		Rules: []models.RuleRequest{
			{ID: 1, Priority: 1, Action: "pass", Enabled: true},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var child models.VersionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &child))

	req, _ := http.NewRequest(http.MethodGet,
		fmt.Sprintf("/api/v1/versions/%s/lineage", child.ID), nil)
	lw := httptest.NewRecorder()
	router.ServeHTTP(lw, req)
	require.Equal(t, http.StatusOK, lw.Code)

	var lineage models.LineageResponse
	require.NoError(t, json.Unmarshal(lw.Body.Bytes(), &lineage))
	assert.Equal(t, []string{child.ID, root.ID}, lineage.Lineage)
}
