// Package api provides a RESTful HTTP API server for managing the
// policy enforcement agent.
//
// The API server exposes endpoints for:
//   - Version lifecycle management (create, stage, activate, lineage)
//   - Rule management inside a version (create, read, update, delete)
//   - Flow evaluation (submit an observation, receive a decision)
//   - Connection table and audit event queries
//   - Real-time statistics and Prometheus metrics
//   - Health checks and system status monitoring
//
// # Architecture
//
// The API server is built on the Gin web framework and integrates with:
//   - The evaluation engine for flow decisions
//   - The version manager for policy lifecycle and canary rollout
//   - SQLite-backed storage for persistence across restarts
//   - The audit ring for recent event queries
//
// # Example Usage
//
// Basic server setup:
//
//	cfg := api.DefaultConfig()
//	cfg.Port = 8080
//
//	server, err := api.NewAPIServer(cfg, eng, versions, store, ring, metrics)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := server.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer server.Stop()
//
// # Endpoints
//
// Health check:
//   - GET /api/v1/health  - Simple health check
//   - GET /api/v1/status  - Detailed system status
//
// Flow evaluation:
//   - POST /api/v1/evaluate - Evaluate one flow observation
//
// Version management:
//   - POST   /api/v1/versions              - Create version
//   - GET    /api/v1/versions              - List versions
//   - GET    /api/v1/versions/:id          - Get version
//   - POST   /api/v1/versions/:id/stage    - Stage canary percentage
//   - POST   /api/v1/versions/:id/activate - Activate version
//   - GET    /api/v1/versions/:id/lineage  - Version ancestry
//
// Rule management:
//   - GET    /api/v1/versions/:id/rules          - List rules
//   - POST   /api/v1/versions/:id/rules          - Create rule
//   - PUT    /api/v1/versions/:id/rules/:rule_id - Update rule
//   - DELETE /api/v1/versions/:id/rules/:rule_id - Delete rule
//
// Observability:
//   - GET /api/v1/connections     - Tracked connections
//   - GET /api/v1/audit/events    - Recent audit events
//   - GET /api/v1/stats           - All statistics
//   - GET /api/v1/stats/decisions - Decision breakdown
//   - GET /api/v1/stats/cache     - Fast-path effectiveness
//   - GET /api/v1/stats/sessions  - Connection table statistics
//   - GET /api/v1/stats/rules     - Per-rule hit counters
//   - GET /metrics                - Prometheus scrape endpoint
//
// # Middleware
//
// The server includes the following middleware:
//   - Recovery: Catches panics and prevents server crashes
//   - Logger: Logs all HTTP requests with timing information
//   - CORS: Enables cross-origin resource sharing for web UIs
//
// # Thread Safety
//
// The API server handles concurrent requests safely. Version and rule
// mutations serialize inside the managers; the evaluation path reads
// atomic snapshots and never blocks on administrative calls.
package api
