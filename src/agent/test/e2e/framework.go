// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause

// Package e2e provides an end-to-end testing harness for the policy
// agent. It boots the complete stack (SQLite persistence, connection
// table, evaluation engine, HTTP API) on a real listener and drives it
// the way an external controller would: policy management and flow
// evaluation both go over HTTP.
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/flowguard/flowguard/src/agent/pkg/api"
	"github.com/flowguard/flowguard/src/agent/pkg/api/models"
	"github.com/flowguard/flowguard/src/agent/pkg/audit"
	"github.com/flowguard/flowguard/src/agent/pkg/conntrack"
	"github.com/flowguard/flowguard/src/agent/pkg/enforce"
	"github.com/flowguard/flowguard/src/agent/pkg/engine"
	"github.com/flowguard/flowguard/src/agent/pkg/flow"
	"github.com/flowguard/flowguard/src/agent/pkg/flowctx"
	"github.com/flowguard/flowguard/src/agent/pkg/metrics"
	"github.com/flowguard/flowguard/src/agent/pkg/storage"
	"github.com/flowguard/flowguard/src/agent/pkg/version"
)

// Env represents a complete end-to-end test environment: the full
// agent stack served over a real TCP listener.
type Env struct {
	T            *testing.T
	Engine       *engine.Engine
	Versions     *version.Manager
	Storage      *storage.SQLiteStorage
	StoragePath  string
	HTTPClient   *http.Client
	APIBaseURL   string
	cleanupFuncs []func()
}

// NewEnv creates a new end-to-end test environment.
//
// The environment includes:
//   - SQLite policy storage in a per-test temporary directory
//   - Connection table with background sweeping disabled
//   - Evaluation engine with audit ring and Prometheus metrics
//   - HTTP API served on a real loopback listener
func NewEnv(t *testing.T) (*Env, error) {
	gin.SetMode(gin.TestMode)

	env := &Env{
		T:            t,
		HTTPClient:   &http.Client{Timeout: 5 * time.Second},
		cleanupFuncs: make([]func(), 0),
	}

	env.StoragePath = filepath.Join(t.TempDir(), "e2e.db")
	store, err := storage.NewSQLiteStorage(env.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}
	env.Storage = store
	env.addCleanup(func() {
		store.Close()
	})

	env.Versions = version.NewManager()
	if _, err := store.Restore(env.Versions); err != nil {
		env.Cleanup()
		return nil, fmt.Errorf("failed to restore versions: %w", err)
	}

	cfg := conntrack.DefaultConfig()
	cfg.Shards = 4
	table := conntrack.New(cfg)

	ring := audit.NewRingSink(1024)
	m := metrics.New(func() float64 { return float64(table.Len()) })

	env.Engine = engine.New(engine.DefaultConfig(), env.Versions, table,
		enforce.NewEnforcer(), nil, audit.NewEmitter(ring), m)

	server, err := api.NewAPIServer(api.DefaultConfig(), env.Engine,
		env.Versions, store, ring, m)
	if err != nil {
		env.Cleanup()
		return nil, fmt.Errorf("failed to create API server: %w", err)
	}

	httpServer := httptest.NewServer(server.GetRouter())
	env.APIBaseURL = httpServer.URL
	env.addCleanup(httpServer.Close)

	return env, nil
}

// addCleanup adds a cleanup function to be called on test teardown.
func (env *Env) addCleanup(fn func()) {
	env.cleanupFuncs = append(env.cleanupFuncs, fn)
}

// Cleanup releases all resources created by the test environment.
// It should be called with defer after creating the environment.
func (env *Env) Cleanup() {
	// Call cleanup functions in reverse order
	for i := len(env.cleanupFuncs) - 1; i >= 0; i-- {
		env.cleanupFuncs[i]()
	}
}

// DoHTTPRequest performs an HTTP request against the running API.
func (env *Env) DoHTTPRequest(method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, env.APIBaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return env.HTTPClient.Do(req)
}

// decode reads a response body into out and closes it.
func decode(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

// CreateVersion creates a policy version via the REST API.
func (env *Env) CreateVersion(name string, rules []models.RuleRequest) models.VersionResponse {
	resp, err := env.DoHTTPRequest("POST", "/api/v1/versions", &models.VersionRequest{
		Name:  name,
		Rules: rules,
	})
	require.NoError(env.T, err, "Failed to create version")
	require.Equal(env.T, http.StatusCreated, resp.StatusCode,
		"Version creation should return 201")

	var created models.VersionResponse
	require.NoError(env.T, decode(resp, &created))
	return created
}

// StageVersion stages a version at the given canary percentage.
func (env *Env) StageVersion(id string, percentage int) {
	resp, err := env.DoHTTPRequest("POST",
		fmt.Sprintf("/api/v1/versions/%s/stage", id),
		&models.StageRequest{Percentage: &percentage})
	require.NoError(env.T, err, "Failed to stage version")
	defer resp.Body.Close()
	require.Equal(env.T, http.StatusOK, resp.StatusCode,
		"Staging should return 200")
}

// ActivateVersion promotes a version to active via the REST API.
func (env *Env) ActivateVersion(id string) {
	resp, err := env.DoHTTPRequest("POST",
		fmt.Sprintf("/api/v1/versions/%s/activate", id), nil)
	require.NoError(env.T, err, "Failed to activate version")
	defer resp.Body.Close()
	require.Equal(env.T, http.StatusOK, resp.StatusCode,
		"Activation should return 200")
}

// Evaluate submits one flow observation and returns the verdict.
func (env *Env) Evaluate(s flowctx.Sample) models.EvaluateResponse {
	resp, err := env.DoHTTPRequest("POST", "/api/v1/evaluate", sampleRequest(s))
	require.NoError(env.T, err, "Failed to evaluate flow")
	require.Equal(env.T, http.StatusOK, resp.StatusCode,
		"Evaluation should return 200")

	var verdict models.EvaluateResponse
	require.NoError(env.T, decode(resp, &verdict))
	return verdict
}

// GetStatistics retrieves engine statistics via the REST API.
func (env *Env) GetStatistics() models.StatisticsResponse {
	resp, err := env.DoHTTPRequest("GET", "/api/v1/stats", nil)
	require.NoError(env.T, err, "Failed to fetch statistics")
	require.Equal(env.T, http.StatusOK, resp.StatusCode)

	var stats models.StatisticsResponse
	require.NoError(env.T, decode(resp, &stats))
	return stats
}

// CountConnections counts tracked connections via the REST API.
func (env *Env) CountConnections() int {
	resp, err := env.DoHTTPRequest("GET", "/api/v1/connections", nil)
	require.NoError(env.T, err, "Failed to list connections")
	require.Equal(env.T, http.StatusOK, resp.StatusCode)

	var list models.ConnectionListResponse
	require.NoError(env.T, decode(resp, &list))
	return list.Total
}

// AssertFlowAllowed asserts that a flow receives a PASS verdict.
func (env *Env) AssertFlowAllowed(s flowctx.Sample) {
	verdict := env.Evaluate(s)
	require.Equal(env.T, "PASS", string(verdict.Decision.Kind),
		"Flow %s should be allowed", s.Key)
}

// AssertFlowBlocked asserts that a flow receives a DROP verdict.
func (env *Env) AssertFlowBlocked(s flowctx.Sample) {
	verdict := env.Evaluate(s)
	require.Equal(env.T, "DROP", string(verdict.Decision.Kind),
		"Flow %s should be blocked", s.Key)
}

// sampleRequest converts an in-memory sample to its wire form.
func sampleRequest(s flowctx.Sample) models.EvaluateRequest {
	return models.EvaluateRequest{
		SrcIP:     s.Key.SrcIP.String(),
		DstIP:     s.Key.DstIP.String(),
		SrcPort:   s.Key.SrcPort,
		DstPort:   s.Key.DstPort,
		Protocol:  flow.ProtocolString(s.Key.Protocol),
		Direction: string(s.Direction),
		App:       s.App,
		Identity:  s.Identity,
		Bytes:     s.Bytes,
		Packets:   s.Packets,
		Fin:       s.Fin,
		Rst:       s.Rst,
	}
}
