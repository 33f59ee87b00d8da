package models

// ConfigResponse represents the current agent configuration
type ConfigResponse struct {
	LogLevel string `json:"log_level"`
	APIHost  string `json:"api_host"`
	APIPort  int    `json:"api_port"`
}

// ConfigUpdateRequest represents a configuration update request
type ConfigUpdateRequest struct {
	LogLevel *string `json:"log_level,omitempty" binding:"omitempty,oneof=debug info warn error"`
}
