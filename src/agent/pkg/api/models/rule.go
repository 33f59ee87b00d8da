package models

import (
	"github.com/flowguard/flowguard/src/agent/pkg/rule"
)

// RuleRequest represents a rule creation/update request. Matchers left
// out of the request are wildcards. Enforcement parameters arrive as a
// raw map and are decoded and validated server-side.
type RuleRequest struct {
	ID        uint32              `json:"id" binding:"required"`
	Name      string              `json:"name"`
	Priority  uint16              `json:"priority"`
	Direction string              `json:"direction"`
	Network   *rule.NetworkMatch  `json:"network,omitempty"`
	App       *rule.AppMatch      `json:"app,omitempty"`
	Identity  *rule.IdentityMatch `json:"identity,omitempty"`
	Geo       *rule.GeoMatch      `json:"geo,omitempty"`

	Conditions []rule.Condition `json:"conditions,omitempty"`
	Logic      string           `json:"logic,omitempty"`

	Action  string                 `json:"action" binding:"required"`
	Params  map[string]interface{} `json:"params,omitempty"`
	Enabled bool                   `json:"enabled"`
}

// RuleResponse represents a rule in API responses
type RuleResponse struct {
	*rule.Rule
	Hits uint64 `json:"hits"`
}

// RuleListResponse represents a version's rule set
type RuleListResponse struct {
	VersionID string         `json:"version_id"`
	Rules     []RuleResponse `json:"rules"`
	Count     int            `json:"count"`
}
