package models

import "time"

// VersionRequest represents a policy version creation request
type VersionRequest struct {
	Name     string        `json:"name" binding:"required"`
	Rules    []RuleRequest `json:"rules"`
	ParentID string        `json:"parent_version_id,omitempty"`
	Target   string        `json:"deployment_target,omitempty"`
}

// StageRequest represents a canary staging request
type StageRequest struct {
	Percentage *int `json:"percentage" binding:"required,min=0,max=100"`
}

// VersionResponse represents a policy version in API responses
type VersionResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	Percentage  uint8     `json:"deployment_percentage"`
	Target      string    `json:"deployment_target,omitempty"`
	ParentID    string    `json:"parent_version_id,omitempty"`
	RuleCount   int       `json:"rule_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
}

// VersionListResponse represents all known versions
type VersionListResponse struct {
	Versions []VersionResponse `json:"versions"`
	Count    int               `json:"count"`
}

// LineageResponse represents a version's ancestry chain, newest first
type LineageResponse struct {
	VersionID string   `json:"version_id"`
	Lineage   []string `json:"lineage"`
}
