package models

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string `json:"status"` // "ok", "degraded", "down"
	Message string `json:"message"`
}

// EngineStatus represents evaluation engine status
type EngineStatus struct {
	Status  string `json:"status"` // "running", "idle", "error"
	Message string `json:"message"`
}

// APIStatus represents API server status
type APIStatus struct {
	Status  string `json:"status"` // "running", "stopped", "error"
	Message string `json:"message"`
}

// StatusResponse represents detailed system status
type StatusResponse struct {
	Status        string              `json:"status"` // "ok", "degraded", "down"
	Version       string              `json:"version"`
	Engine        EngineStatus        `json:"engine"`
	API           APIStatus           `json:"api"`
	Statistics    *StatisticsResponse `json:"statistics,omitempty"`
	ActiveVersion string              `json:"active_version,omitempty"`
	VersionCount  int                 `json:"version_count"`
	Uptime        int64               `json:"uptime_seconds"`
}
